// Package sink implements the receiver side of the DisplayPort stack.
//
// # DPCD Access
//
// [Sink] drives an RX core through [hal.Registers]. Its local DPCD is
// reached through an auto-incrementing address/data register pair, and
// [Sink] implements [dpcd.Endpoint] on top of it so the same helpers
// serve both stacks.
//
// # Sideband
//
// A [MessageBox] reassembles down request fragments and queues reply
// fragments. A [Responder] answers the requests of an MST branch:
// LINK_ADDRESS, ENUM_PATH_RESOURCES, ALLOCATE_PAYLOAD, QUERY_PAYLOAD,
// CLEAR_PAYLOAD_ID_TABLE, the remote DPCD and I2C requests and PHY power
// control. Requests it cannot serve are answered with a NACK.
//
// # Hot Plug
//
// [Sink.GenerateHPDPulse] requests an IRQ_HPD pulse. Widths below
// [HPDPulseMin] are raised to it so the source never discards the pulse
// as a glitch.
package sink
