package auxch

import "fmt"

// Kind is an AUX request command.
type Kind uint8

// Request commands as encoded in the command nibble.
const (
	I2CWrite       Kind = 0x0
	I2CRead        Kind = 0x1
	I2CWriteStatus Kind = 0x2
	NativeWrite    Kind = 0x8
	NativeRead     Kind = 0x9
)

// commandMOT is the middle-of-transaction flag for I2C commands.
const commandMOT = 0x4

// MaxDataBytes is the largest payload of a single AUX transaction.
const MaxDataBytes = 16

// String returns the request kind name.
func (k Kind) String() string {
	switch k {
	case I2CWrite:
		return "i2c-write"
	case I2CRead:
		return "i2c-read"
	case I2CWriteStatus:
		return "i2c-write-status"
	case NativeWrite:
		return "native-write"
	case NativeRead:
		return "native-read"
	default:
		return fmt.Sprintf("kind(%#x)", uint8(k))
	}
}

// IsNative reports whether k addresses the DPCD space.
func (k Kind) IsNative() bool { return k&0x8 != 0 }

// IsRead reports whether k returns data.
func (k Kind) IsRead() bool { return k == I2CRead || k == NativeRead }

// Request is one AUX request transaction.
//
// For reads Length is the number of bytes requested; for writes the byte
// count is len(Data). A byte count of zero issues an address-only request,
// which for I2C kinds starts or stops the I2C transaction.
type Request struct {
	Kind    Kind
	Address uint32 // 20-bit DPCD address or 7-bit I2C device address
	MOT     bool   // I2C middle-of-transaction
	Data    []byte
	Length  int
}

// Count returns the request byte count.
func (r *Request) Count() int {
	if r.Kind.IsRead() {
		return r.Length
	}
	return len(r.Data)
}

// AddressOnly reports whether the request carries no data phase.
func (r *Request) AddressOnly() bool { return r.Count() == 0 }

// command returns the 4-bit command field.
func (r *Request) command() uint32 {
	cmd := uint32(r.Kind)
	if r.MOT && !r.Kind.IsNative() {
		cmd |= commandMOT
	}
	return cmd
}

// ReplyCode is the 4-bit AUX reply code. Native replies occupy bits 1:0
// and I2C replies bits 3:2.
type ReplyCode uint8

// Reply codes.
const (
	ReplyAck      ReplyCode = 0x0
	ReplyNack     ReplyCode = 0x1
	ReplyDefer    ReplyCode = 0x2
	ReplyI2CNack  ReplyCode = 0x4
	ReplyI2CDefer ReplyCode = 0x8

	replyNativeMask = 0x3
	replyI2CMask    = 0xC
)

// Nack reports whether the reply rejected the request.
func (c ReplyCode) Nack() bool {
	return c&replyNativeMask == ReplyNack || c&replyI2CMask == ReplyI2CNack
}

// Defer reports whether the sink asked for the request to be retried.
func (c ReplyCode) Defer() bool {
	return c&replyNativeMask == ReplyDefer || c&replyI2CMask == ReplyI2CDefer
}

// String returns the reply code name.
func (c ReplyCode) String() string {
	switch {
	case c.Nack() && c&replyI2CMask != 0:
		return "I2C_NACK"
	case c.Nack():
		return "NACK"
	case c.Defer() && c&replyI2CMask != 0:
		return "I2C_DEFER"
	case c.Defer():
		return "DEFER"
	case c == ReplyAck:
		return "ACK"
	default:
		return fmt.Sprintf("reply(%#x)", uint8(c))
	}
}

// Reply is the decoded result of a transaction.
type Reply struct {
	Code ReplyCode
	Data []byte
}
