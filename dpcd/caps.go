package dpcd

import (
	"bytes"
	"context"
	"fmt"

	"github.com/HewlettPackard/structex"

	"github.com/ardnew/softdp/pkg"
)

// ReceiverCaps is the receiver capability field at DPCD 0x00000.
type ReceiverCaps struct {
	Revision    uint8 // DPCD_REV, major<<4 | minor
	MaxLinkRate uint8 // link rate code

	MaxLaneCount       uint8 `bitfield:"5"`
	PostLTAdjustReq    uint8 `bitfield:"1"`
	TPS3Supported      uint8 `bitfield:"1"`
	EnhancedFramingCap uint8 `bitfield:"1"`

	MaxDownspread  uint8 `bitfield:"1"`
	Reserved0      uint8 `bitfield:"5,reserved"`
	NoAuxHandshake uint8 `bitfield:"1"`
	TPS4Supported  uint8 `bitfield:"1"`

	ReceivePortCount      uint8
	DownstreamPortPresent uint8
	MainLinkChannelCoding uint8
	DownstreamPortCount   uint8
	Reserved1             [6]uint8
	TrainingAuxRdInterval uint8
	AdapterCap            uint8
}

// DecodeReceiverCaps decodes a 16-byte receiver capability block.
func DecodeReceiverCaps(raw []byte) (ReceiverCaps, error) {
	var caps ReceiverCaps
	if len(raw) < ReceiverCapSize {
		return caps, fmt.Errorf("receiver caps: %d bytes: %w", len(raw), pkg.ErrInvalidParameter)
	}
	if err := structex.DecodeByteBuffer(bytes.NewBuffer(raw[:ReceiverCapSize]), &caps); err != nil {
		return caps, fmt.Errorf("receiver caps: %w", err)
	}
	return caps, nil
}

// ReadReceiverCaps reads and decodes the receiver capability field.
func ReadReceiverCaps(ctx context.Context, ep Endpoint) (ReceiverCaps, error) {
	var raw [ReceiverCapSize]byte
	if err := ep.ReadDPCD(ctx, Revision, raw[:]); err != nil {
		return ReceiverCaps{}, err
	}
	return DecodeReceiverCaps(raw[:])
}

// Lanes returns the maximum lane count.
func (c ReceiverCaps) Lanes() uint8 { return c.MaxLaneCount }

// SupportsTPS3 reports whether training pattern 3 is supported.
func (c ReceiverCaps) SupportsTPS3() bool { return c.TPS3Supported != 0 }

// SupportsEnhancedFraming reports whether enhanced framing is supported.
func (c ReceiverCaps) SupportsEnhancedFraming() bool { return c.EnhancedFramingCap != 0 }

// SupportsDownspread reports whether 0.5% downspread is supported.
func (c ReceiverCaps) SupportsDownspread() bool { return c.MaxDownspread != 0 }

// AuxReadIntervalUs returns the clock recovery and channel equalization
// status read interval in microseconds.
//
// A value of zero selects 100us for clock recovery and 400us for
// equalization; values 1..4 select 4ms multiples.
func (c ReceiverCaps) AuxReadIntervalUs(equalization bool) uint32 {
	n := uint32(c.TrainingAuxRdInterval & 0x7F)
	switch {
	case n == 0 && equalization:
		return 400
	case n == 0:
		return 100
	case n > 4:
		return 4000 * 4
	default:
		return 4000 * n
	}
}
