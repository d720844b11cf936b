package prof

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Profiling errors.
var (
	ErrCPUProfileActive = errors.New("cpu profile already active")
	ErrInvalidProfile   = errors.New("invalid profile")
)

// Profile names a runtime/pprof snapshot profile.
type Profile string

// Snapshot profiles.
const (
	ProfileHeap         Profile = "heap"
	ProfileAllocs       Profile = "allocs"
	ProfileGoroutine    Profile = "goroutine"
	ProfileThreadCreate Profile = "threadcreate"
	ProfileBlock        Profile = "block"
	ProfileMutex        Profile = "mutex"
)

// Config selects what a session records. Empty paths disable a profile.
type Config struct {
	CPU  string
	Heap string

	// Snapshots are written by Stop next to Heap (or CPU) as
	// <name>.prof.
	Snapshots []Profile

	// BlockRate and MutexFraction enable the block and mutex profiles when
	// positive.
	BlockRate     int
	MutexFraction int
}

// Empty reports whether cfg records nothing.
func (c Config) Empty() bool {
	return c.CPU == "" && c.Heap == "" && len(c.Snapshots) == 0
}

// path returns the output file of snapshot p.
func (c Config) path(p Profile) string {
	dir := "."
	switch {
	case c.Heap != "":
		dir = filepath.Dir(c.Heap)
	case c.CPU != "":
		dir = filepath.Dir(c.CPU)
	}
	return filepath.Join(dir, string(p)+".prof")
}

// ParseProfiles parses a comma-separated list of snapshot profile names.
func ParseProfiles(list string) ([]Profile, error) {
	if list == "" {
		return nil, nil
	}
	var ps []Profile
	for _, name := range strings.Split(list, ",") {
		p := Profile(strings.TrimSpace(name))
		switch p {
		case ProfileHeap, ProfileAllocs, ProfileGoroutine, ProfileThreadCreate, ProfileBlock, ProfileMutex:
			ps = append(ps, p)
		default:
			return nil, fmt.Errorf("%q: %w", p, ErrInvalidProfile)
		}
	}
	return ps, nil
}

// Session is an active profiling run.
type Session struct {
	cfg     Config
	cpu     *os.File
	stopped bool
}
