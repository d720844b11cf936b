package pkg

import "errors"

// AUX channel errors.
var (
	// ErrAuxRejected indicates the sink answered with a NACK or I2C NACK.
	ErrAuxRejected = errors.New("aux request rejected")

	// ErrAuxTimeout indicates no reply was received within the poll bound,
	// or a DEFER was still returned after the maximum number of retries.
	ErrAuxTimeout = errors.New("aux reply timeout")

	// ErrAuxMalformed indicates the reply byte count did not match the request.
	ErrAuxMalformed = errors.New("aux reply malformed")
)

// Sideband message errors.
var (
	// ErrSidebandCRC indicates a header CRC4 or body CRC8 mismatch.
	ErrSidebandCRC = errors.New("sideband CRC mismatch")

	// ErrSidebandNack indicates the target device answered with a NACK reply.
	ErrSidebandNack = errors.New("sideband NACK")

	// ErrSidebandTimeout indicates the down reply never became ready.
	ErrSidebandTimeout = errors.New("sideband reply timeout")

	// ErrBufferExhausted indicates a wire-supplied length would overflow a
	// fixed-size buffer.
	ErrBufferExhausted = errors.New("buffer exhausted")

	// ErrSidebandMalformed indicates a structurally invalid sideband message.
	ErrSidebandMalformed = errors.New("sideband message malformed")

	// ErrRequestMismatch indicates a reply for a different request identifier.
	ErrRequestMismatch = errors.New("sideband reply does not match request")
)

// Link training errors.
var (
	// ErrLaneFailed indicates a lane did not reach clock recovery or
	// channel equalization within the iteration bound.
	ErrLaneFailed = errors.New("lane training failed")

	// ErrExhaustedDownshift indicates training failed at the lowest lane
	// count and link rate.
	ErrExhaustedDownshift = errors.New("no further link downshift available")

	// ErrNotTrained indicates an operation that requires a trained link.
	ErrNotTrained = errors.New("link not trained")

	// ErrPHYNotReady indicates the transmitter PHY never reported ready.
	ErrPHYNotReady = errors.New("phy not ready")
)

// Topology errors.
var (
	// ErrGUIDMismatch indicates a GUID written to a device did not read back.
	ErrGUIDMismatch = errors.New("GUID readback mismatch")

	// ErrLinkCountExceeded indicates a branch lies deeper than the sideband
	// header can address.
	ErrLinkCountExceeded = errors.New("link count exceeded")
)

// Payload allocation errors.
var (
	// ErrSlotExhausted indicates no contiguous run of free time slots is
	// large enough for a stream.
	ErrSlotExhausted = errors.New("time slots exhausted")

	// ErrTableUpdateTimeout indicates the sink never acknowledged a payload
	// table update or allocation change trigger.
	ErrTableUpdateTimeout = errors.New("payload table update timeout")
)

// General errors.
var (
	// ErrDisconnected indicates hot-plug de-assertion invalidated the operation.
	ErrDisconnected = errors.New("sink disconnected")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrNoSink indicates a stream references a sink that was not discovered.
	ErrNoSink = errors.New("no such sink")

	// ErrInvalidEDID indicates the EDID header or checksum is wrong.
	ErrInvalidEDID = errors.New("invalid EDID")
)
