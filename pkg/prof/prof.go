//go:build profile

package prof

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
)

// Enabled reports whether profiling is compiled in.
const Enabled = true

var (
	cpuMu     sync.Mutex
	cpuActive bool
)

// Start begins a profiling session.
func Start(cfg Config) (*Session, error) {
	for _, p := range cfg.Snapshots {
		if pprof.Lookup(string(p)) == nil {
			return nil, fmt.Errorf("%s: %w", p, ErrInvalidProfile)
		}
	}
	if cfg.BlockRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockRate)
	}
	if cfg.MutexFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexFraction)
	}

	s := &Session{cfg: cfg}
	if cfg.CPU == "" {
		return s, nil
	}

	cpuMu.Lock()
	defer cpuMu.Unlock()
	if cpuActive {
		return nil, ErrCPUProfileActive
	}
	f, err := os.Create(cfg.CPU)
	if err != nil {
		return nil, err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, err
	}
	cpuActive = true
	s.cpu = f
	return s, nil
}

// Stop ends the CPU profile and writes the heap and snapshot profiles.
// Calling Stop more than once has no further effect.
func (s *Session) Stop() error {
	if s == nil || s.stopped {
		return nil
	}
	s.stopped = true

	var errs []error
	if s.cpu != nil {
		cpuMu.Lock()
		pprof.StopCPUProfile()
		cpuActive = false
		cpuMu.Unlock()
		errs = append(errs, s.cpu.Close())
	}
	if s.cfg.Heap != "" {
		runtime.GC()
		errs = append(errs, writeProfile(ProfileHeap, s.cfg.Heap))
	}
	for _, p := range s.cfg.Snapshots {
		errs = append(errs, writeProfile(p, s.cfg.path(p)))
	}
	return errors.Join(errs...)
}

func writeProfile(p Profile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := pprof.Lookup(string(p)).WriteTo(f, 0); err != nil {
		f.Close()
		return fmt.Errorf("%s profile: %w", p, err)
	}
	return f.Close()
}
