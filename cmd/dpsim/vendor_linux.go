//go:build linux

package main

import (
	"sync"

	"github.com/ardnew/softdp/pkg/linux/pnpid"
)

var (
	pnpOnce sync.Once
	pnpDB   *pnpid.Database
)

// vendorName resolves an EDID manufacturer id through the system PNP id
// database.
func vendorName(id string) string {
	pnpOnce.Do(func() {
		pnpDB = pnpid.New()
		pnpDB.Load()
	})
	return pnpDB.Lookup(id)
}
