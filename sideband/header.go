package sideband

import (
	"fmt"

	"github.com/ardnew/softdp/pkg"
)

// Header size bounds.
const (
	MinHeaderSize = 3
	MaxHeaderSize = MinHeaderSize + MaxLinkCount/2
)

// MaxBodyLength is the largest body length field: up to 62 data bytes plus
// the body CRC.
const MaxBodyLength = 0x3F

// broadcastLinkCountRemaining is the LCR carried by broadcast messages.
const broadcastLinkCountRemaining = 6

// Header is a sideband message header.
//
// The wire layout is:
//
//	LCT<<4 | LCR
//	RAD nibbles, LCT/2 bytes, first port in the high nibble
//	Broadcast<<7 | Path<<6 | BodyLength
//	SOMT<<7 | EOMT<<6 | Sequence<<4 | CRC4
//
// The CRC4 covers every header nibble except itself.
type Header struct {
	LinkCountTotal     uint8
	LinkCountRemaining uint8
	RAD                RelativeAddress
	Broadcast          bool
	Path               bool
	BodyLength         uint8 // data bytes + 1 CRC byte
	StartOfTransaction bool
	EndOfTransaction   bool
	Sequence           uint8
	CRC4               uint8
}

// NewHeader returns the header of a message addressed by rad.
func NewHeader(rad RelativeAddress, path bool) Header {
	lct := rad.LinkCountTotal()
	return Header{
		LinkCountTotal:     lct,
		LinkCountRemaining: lct - 1,
		RAD:                rad,
		Path:               path,
	}
}

// NewBroadcastHeader returns the header of a broadcast path message.
func NewBroadcastHeader() Header {
	return Header{
		LinkCountTotal:     1,
		LinkCountRemaining: broadcastLinkCountRemaining,
		Broadcast:          true,
		Path:               true,
	}
}

// Size returns the encoded header length.
func (h *Header) Size() int {
	return MinHeaderSize + int(h.LinkCountTotal)/2
}

// DataLength returns the number of body data bytes, excluding the CRC.
func (h *Header) DataLength() int {
	if h.BodyLength == 0 {
		return 0
	}
	return int(h.BodyLength) - 1
}

func (h *Header) validate() error {
	switch {
	case h.LinkCountTotal == 0 || h.LinkCountTotal > MaxLinkCount:
		return fmt.Errorf("link count total %d: %w", h.LinkCountTotal, pkg.ErrSidebandMalformed)
	case int(h.LinkCountTotal) != h.RAD.Len()+1:
		return fmt.Errorf("link count total %d with %d-port address: %w",
			h.LinkCountTotal, h.RAD.Len(), pkg.ErrSidebandMalformed)
	case h.LinkCountRemaining > 0xF:
		return fmt.Errorf("link count remaining %d: %w", h.LinkCountRemaining, pkg.ErrSidebandMalformed)
	case h.BodyLength == 0 || h.BodyLength > MaxBodyLength:
		return fmt.Errorf("body length %d: %w", h.BodyLength, pkg.ErrSidebandMalformed)
	case h.Sequence > 1:
		return fmt.Errorf("sequence %d: %w", h.Sequence, pkg.ErrSidebandMalformed)
	}
	return nil
}

// MarshalTo encodes the header into buf, computing and storing CRC4.
// Returns the number of bytes written.
func (h *Header) MarshalTo(buf []byte) (int, error) {
	if err := h.validate(); err != nil {
		return 0, err
	}
	n := h.Size()
	if len(buf) < n {
		return 0, pkg.ErrBufferExhausted
	}

	buf[0] = h.LinkCountTotal<<4 | h.LinkCountRemaining&0xF
	h.RAD.pack(buf[1:])
	idx := 1 + h.RAD.packedLen()

	buf[idx] = h.BodyLength & 0x3F
	if h.Broadcast {
		buf[idx] |= 1 << 7
	}
	if h.Path {
		buf[idx] |= 1 << 6
	}
	idx++

	buf[idx] = (h.Sequence & 1) << 4
	if h.StartOfTransaction {
		buf[idx] |= 1 << 7
	}
	if h.EndOfTransaction {
		buf[idx] |= 1 << 6
	}
	idx++

	h.CRC4 = CRC4(buf, n*2-1)
	buf[idx-1] |= h.CRC4
	return n, nil
}

// Parse decodes a header from data and verifies its CRC4. Returns the
// number of bytes consumed.
func (h *Header) Parse(data []byte) (int, error) {
	if len(data) < MinHeaderSize {
		return 0, fmt.Errorf("header: %d bytes: %w", len(data), pkg.ErrSidebandMalformed)
	}
	lct := data[0] >> 4
	if lct == 0 {
		return 0, fmt.Errorf("header: zero link count: %w", pkg.ErrSidebandMalformed)
	}
	n := MinHeaderSize + int(lct)/2
	if len(data) < n {
		return 0, fmt.Errorf("header: %d of %d bytes: %w", len(data), n, pkg.ErrSidebandMalformed)
	}

	crc := CRC4(data, n*2-1)
	if crc != data[n-1]&0xF {
		return 0, fmt.Errorf("header crc %#x, computed %#x: %w", data[n-1]&0xF, crc, pkg.ErrSidebandCRC)
	}

	h.LinkCountTotal = lct
	h.LinkCountRemaining = data[0] & 0xF
	h.RAD = unpackRelativeAddress(data[1:], int(lct)-1)
	idx := 1 + int(lct)/2

	h.Broadcast = data[idx]&(1<<7) != 0
	h.Path = data[idx]&(1<<6) != 0
	h.BodyLength = data[idx] & 0x3F
	idx++

	h.StartOfTransaction = data[idx]&(1<<7) != 0
	h.EndOfTransaction = data[idx]&(1<<6) != 0
	h.Sequence = (data[idx] >> 4) & 1
	h.CRC4 = data[idx] & 0xF

	if h.BodyLength == 0 {
		return 0, fmt.Errorf("header: zero body length: %w", pkg.ErrSidebandMalformed)
	}
	return n, nil
}
