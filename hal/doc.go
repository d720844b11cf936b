// Package hal defines the Hardware Abstraction Layer for the softdp stacks.
//
// The HAL provides a platform-agnostic interface between the DisplayPort
// protocol engine and the memory-mapped registers of a transmitter (TX) or
// receiver (RX) IP core. Platform vendors implement [Registers] for their
// bus access method and [Timer] for microsecond delays.
//
// # Design Principles
//
// The HAL is designed to be:
//
//   - Minimal: single-word register read/write and a delay primitive
//   - Stateless: no retry or polling semantics of its own
//   - Shared: the same interfaces back both the source and sink stacks
//
// All protocol state (AUX transactions, link training, sideband messaging)
// is built in the stack packages purely from these primitives plus the
// register offsets defined in this package.
//
// # Register Maps
//
// The Tx* and Rx* constants give a simplified register map of the IP cores.
// Only the registers the protocol engine touches are listed.
//
// # Polling
//
// [Poll] is the single bounded wait used by every layer. Each call site
// chooses its own attempt bound and maps an exhausted poll to its own
// timeout error, so a stuck AUX reply and a stuck payload table update
// remain distinguishable.
//
// An in-memory simulation backend for testing is available in
// [github.com/ardnew/softdp/hal/sim].
package hal
