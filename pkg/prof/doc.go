// Package prof records pprof profiles of a softdp run.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/dpsim
//
// Without the tag, [Start] returns a session whose methods do nothing, so
// callers keep their profiling hooks in place at no cost.
//
// # Usage
//
//	s, err := prof.Start(prof.Config{CPU: "cpu.prof", Heap: "heap.prof"})
//	if err != nil {
//		return err
//	}
//	defer s.Stop()
//
// The CPU profile covers the time between Start and Stop. The heap and
// other snapshot profiles listed in [Config.Snapshots] are written by
// Stop.
//
// Only one session may profile the CPU at a time; a second Start with a
// CPU path returns [ErrCPUProfileActive].
package prof
