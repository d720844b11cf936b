// Package dpcd describes the DisplayPort Configuration Data address space.
//
// DPCD is the 20-bit register space a sink or branch device exposes over
// the AUX channel. This package provides:
//
//   - Address constants for the capability, link configuration, link
//     status, MST payload table and sideband mailbox regions
//   - [Endpoint], the capability interface through which both stacks reach
//     a DPCD space: the source reaches a remote sink over AUX, the sink
//     reaches its own register-backed DPCD
//   - Decoders for the receiver capability block and link status block,
//     and an encoder for per-lane drive settings
//
// Bit-field layouts are declared with structex tags and decoded with
// [github.com/HewlettPackard/structex].
package dpcd
