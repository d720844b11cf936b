package sideband

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// LinkTypeMailbox is the pcapng link type of mailbox captures (USER0).
const LinkTypeMailbox = layers.LinkType(147)

// Capture records mailbox fragments to a pcapng stream.
type Capture struct {
	mu  sync.Mutex
	w   *pcapgo.NgWriter
	now func() time.Time
}

// NewCapture starts a pcapng capture on w.
func NewCapture(w io.Writer) (*Capture, error) {
	ng, err := pcapgo.NewNgWriter(w, LinkTypeMailbox)
	if err != nil {
		return nil, fmt.Errorf("pcapng writer: %w", err)
	}
	return &Capture{w: ng, now: time.Now}, nil
}

// Record writes one fragment as a packet.
func (c *Capture) Record(dir Direction, addr uint32, raw []byte) error {
	buf := gopacket.NewSerializeBuffer()
	payload := gopacket.Payload(raw)
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&Mailbox{Direction: dir, Address: addr}, payload); err != nil {
		return err
	}
	data := buf.Bytes()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     c.now(),
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}

// Flush writes buffered packets to the underlying writer.
func (c *Capture) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.Flush()
}

// DecodePacket dissects one captured mailbox packet.
func DecodePacket(data []byte) gopacket.Packet {
	return gopacket.NewPacket(data, LayerTypeMailbox, gopacket.Default)
}

// ReadCapture decodes every packet of a pcapng mailbox capture.
func ReadCapture(r io.Reader) ([]gopacket.Packet, error) {
	ng, err := pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return nil, fmt.Errorf("pcapng reader: %w", err)
	}
	var pkts []gopacket.Packet
	for {
		data, _, err := ng.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return pkts, nil
		}
		if err != nil {
			return pkts, err
		}
		pkts = append(pkts, DecodePacket(data))
	}
}
