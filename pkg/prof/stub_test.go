//go:build !profile

package prof

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStartDisabled(t *testing.T) {
	dir := t.TempDir()
	s, err := Start(Config{CPU: filepath.Join(dir, "cpu.prof"), Heap: filepath.Join(dir, "heap.prof")})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 || Enabled {
		t.Errorf("profiles written without the profile tag: %v", entries)
	}
}
