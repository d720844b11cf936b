//go:build linux

package pnpid

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"
)

// DefaultPaths lists the standard locations of pnp.ids.
var DefaultPaths = []string{
	"/usr/share/hwdata/pnp.ids",
	"/usr/share/misc/pnp.ids",
}

// Database caches manufacturer names by PNP id.
type Database struct {
	mu     sync.RWMutex
	names  map[string]string
	loaded bool
	paths  []string
}

// New returns a database that searches DefaultPaths.
func New() *Database {
	return NewWithPaths(DefaultPaths)
}

// NewWithPaths returns a database that searches paths.
func NewWithPaths(paths []string) *Database {
	return &Database{names: make(map[string]string), paths: paths}
}

// Load reads the first database file found. Later calls do nothing. It
// reports whether a file was read.
func (db *Database) Load() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.loaded {
		return len(db.names) > 0
	}
	db.loaded = true

	for _, path := range db.paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		defer f.Close()
		db.parse(f)
		return true
	}
	return false
}

// parse reads "<ID>\t<name>" lines; anything else is skipped.
func (db *Database) parse(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if len(line) < 5 || line[0] == '#' {
			continue
		}
		id, name, ok := strings.Cut(line, "\t")
		if !ok || len(id) != 3 {
			continue
		}
		db.names[strings.ToUpper(id)] = strings.TrimSpace(name)
	}
}

// Lookup returns the manufacturer name of id, or "" when unknown.
func (db *Database) Lookup(id string) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.names[strings.ToUpper(id)]
}

// IsLoaded reports whether Load has been called.
func (db *Database) IsLoaded() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.loaded
}

// Len returns the number of known manufacturers.
func (db *Database) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.names)
}
