package sideband

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ardnew/softdp/pkg"
)

// Layer types for dissecting captured mailbox traffic.
var (
	LayerTypeMailbox = gopacket.RegisterLayerType(4700, gopacket.LayerTypeMetadata{
		Name:    "DPMailbox",
		Decoder: gopacket.DecodeFunc(decodeMailbox),
	})
	LayerTypeSideband = gopacket.RegisterLayerType(4701, gopacket.LayerTypeMetadata{
		Name:    "DPSideband",
		Decoder: gopacket.DecodeFunc(decodeSideband),
	})
)

// Direction tells whether a captured fragment was sent or received.
type Direction uint8

// Capture directions.
const (
	DirectionDownRequest Direction = 0
	DirectionDownReply   Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	if d == DirectionDownReply {
		return "DOWN_REP"
	}
	return "DOWN_REQ"
}

// mailboxHeaderSize is the direction byte and 24-bit DPCD address.
const mailboxHeaderSize = 4

// Mailbox is the capture pseudo-header preceding each sideband fragment.
type Mailbox struct {
	layers.BaseLayer
	Direction Direction
	Address   uint32
}

// LayerType implements gopacket.Layer.
func (m *Mailbox) LayerType() gopacket.LayerType { return LayerTypeMailbox }

// CanDecode implements gopacket.DecodingLayer.
func (m *Mailbox) CanDecode() gopacket.LayerClass { return LayerTypeMailbox }

// NextLayerType implements gopacket.DecodingLayer.
func (m *Mailbox) NextLayerType() gopacket.LayerType { return LayerTypeSideband }

// DecodeFromBytes implements gopacket.DecodingLayer.
func (m *Mailbox) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < mailboxHeaderSize {
		df.SetTruncated()
		return fmt.Errorf("mailbox header: %d bytes: %w", len(data), pkg.ErrSidebandMalformed)
	}
	m.Direction = Direction(data[0])
	m.Address = uint32(data[1])<<16 | uint32(binary.BigEndian.Uint16(data[2:4]))
	m.BaseLayer = layers.BaseLayer{Contents: data[:mailboxHeaderSize], Payload: data[mailboxHeaderSize:]}
	return nil
}

// SerializeTo implements gopacket.SerializableLayer.
func (m *Mailbox) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	buf, err := b.PrependBytes(mailboxHeaderSize)
	if err != nil {
		return err
	}
	buf[0] = byte(m.Direction)
	buf[1] = byte(m.Address >> 16)
	binary.BigEndian.PutUint16(buf[2:], uint16(m.Address))
	return nil
}

func decodeMailbox(data []byte, p gopacket.PacketBuilder) error {
	m := &Mailbox{}
	if err := m.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(m)
	return p.NextDecoder(m.NextLayerType())
}

// Sideband is a gopacket layer for one sideband message fragment.
type Sideband struct {
	layers.BaseLayer
	Header Header
	Data   []byte
	CRC8   uint8
}

// LayerType implements gopacket.Layer.
func (s *Sideband) LayerType() gopacket.LayerType { return LayerTypeSideband }

// CanDecode implements gopacket.DecodingLayer.
func (s *Sideband) CanDecode() gopacket.LayerClass { return LayerTypeSideband }

// NextLayerType implements gopacket.DecodingLayer.
func (s *Sideband) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }

// Payload implements gopacket.ApplicationLayer.
func (s *Sideband) Payload() []byte { return s.Data }

// DecodeFromBytes implements gopacket.DecodingLayer. Both CRCs are
// verified.
func (s *Sideband) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	frag, n, err := ParseFragment(data)
	if err != nil {
		df.SetTruncated()
		return err
	}
	s.Header = frag.Header
	s.Data = frag.Data
	s.CRC8 = frag.CRC8
	s.BaseLayer = layers.BaseLayer{Contents: data[:n], Payload: data[n:]}
	return nil
}

// SerializeTo implements gopacket.SerializableLayer.
func (s *Sideband) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	f := Fragment{Header: s.Header, Data: s.Data}
	buf, err := b.PrependBytes(f.Size())
	if err != nil {
		return err
	}
	if _, err := f.MarshalTo(buf); err != nil {
		return err
	}
	s.Header = f.Header
	s.CRC8 = f.CRC8
	return nil
}

// Summary describes the fragment for dissection output.
func (s *Sideband) Summary(dir Direction) string {
	what := "continuation"
	if s.Header.StartOfTransaction && len(s.Data) > 0 {
		id := RequestID(s.Data[0] &^ replyNackFlag)
		switch {
		case dir == DirectionDownReply && s.Data[0]&replyNackFlag != 0:
			what = id.String() + " NACK"
		case dir == DirectionDownReply:
			what = id.String() + " ACK"
		default:
			what = id.String()
		}
	}
	return fmt.Sprintf("%s lct=%d rad=%s seq=%d somt=%t eomt=%t len=%d %s",
		dir, s.Header.LinkCountTotal, s.Header.RAD, s.Header.Sequence,
		s.Header.StartOfTransaction, s.Header.EndOfTransaction, len(s.Data), what)
}

func decodeSideband(data []byte, p gopacket.PacketBuilder) error {
	s := &Sideband{}
	if err := s.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(s)
	p.SetApplicationLayer(s)
	return nil
}
