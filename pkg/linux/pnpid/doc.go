//go:build linux

// Package pnpid looks up display manufacturer names in the PNP ID
// database.
//
// EDID identifies the panel maker with a three-letter PNP id (for example
// "DEL" or "SAM"). Most Linux distributions ship the id-to-name table
// with hwdata as pnp.ids, one "<ID>\t<name>" entry per line.
//
// # Usage
//
//	db := pnpid.New()
//	db.Load()
//	name := db.Lookup("DEL") // "Dell Inc."
//
// # Database Locations
//
// The package searches these locations in order:
//
//   - /usr/share/hwdata/pnp.ids
//   - /usr/share/misc/pnp.ids
//
// Lookups on a database that failed to load return the empty string.
package pnpid
