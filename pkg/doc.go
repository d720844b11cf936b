// Package pkg provides shared utilities for the softdp DisplayPort stack.
//
// This package contains common functionality used across both the source
// (transmitter) and sink (receiver) stacks, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for AUX, sideband, training and allocation errors
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with DisplayPort-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentLink, "link trained", "lanes", 4, "rate", 0x14)
//
// # Errors
//
// Protocol errors are defined as sentinel values and every layer wraps them
// with %w, so callers can always test the root cause:
//
//	if errors.Is(err, pkg.ErrSlotExhausted) {
//	    // Clear the payload table and re-plan
//	}
package pkg
