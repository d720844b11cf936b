//go:build !linux

package main

// vendorName has no PNP id database outside Linux.
func vendorName(string) string { return "" }
