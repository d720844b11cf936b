package sim

import (
	"context"
	"fmt"

	"github.com/ardnew/softdp/msa"
	"github.com/ardnew/softdp/pkg"
)

// DDCAddress is the I2C address of the EDID EEPROM.
const DDCAddress = 0x50

// DDC is a simulated DDC bus holding an EDID EEPROM. Writes set the
// EEPROM offset and reads advance it.
type DDC struct {
	edid   []byte
	offset uint8
}

// NewDDC returns a bus serving edid.
func NewDDC(edid []byte) *DDC {
	return &DDC{edid: append([]byte(nil), edid...)}
}

// WriteI2C sets the EEPROM offset from the first data byte.
func (b *DDC) WriteI2C(_ context.Context, dev uint8, data []byte, _ bool) error {
	if dev != DDCAddress {
		return fmt.Errorf("i2c device %#02x: %w", dev, pkg.ErrAuxRejected)
	}
	if len(data) > 0 {
		b.offset = data[0]
	}
	return nil
}

// ReadI2C reads from the current offset. Bytes past the EEPROM read 0xFF.
func (b *DDC) ReadI2C(_ context.Context, dev uint8, buf []byte) error {
	if dev != DDCAddress {
		return fmt.Errorf("i2c device %#02x: %w", dev, pkg.ErrAuxRejected)
	}
	for i := range buf {
		buf[i] = 0xFF
		if int(b.offset) < len(b.edid) {
			buf[i] = b.edid[b.offset]
		}
		b.offset++
	}
	return nil
}

// EncodeEDID returns a base EDID block whose preferred timing is t.
func EncodeEDID(t msa.VideoTiming) []byte {
	edid := make([]byte, msa.EDIDBlockSize)
	copy(edid, []byte{0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00})
	edid[8], edid[9] = 0x4C, 0x90 // manufacturer "SDP"
	edid[18], edid[19] = 1, 4     // EDID 1.4
	edid[20] = 0xA5               // digital, 8 bpc, DisplayPort

	dtd := edid[54 : 54+msa.DetailedTimingSize]
	pclk := t.PixelClockKHz / 10
	hBlank, vBlank := t.HBlank(), t.VBlank()
	dtd[0], dtd[1] = uint8(pclk), uint8(pclk>>8)
	dtd[2] = uint8(t.HActive)
	dtd[3] = uint8(hBlank)
	dtd[4] = uint8(t.HActive>>8)<<4 | uint8(hBlank>>8)&0x0F
	dtd[5] = uint8(t.VActive)
	dtd[6] = uint8(vBlank)
	dtd[7] = uint8(t.VActive>>8)<<4 | uint8(vBlank>>8)&0x0F
	dtd[8] = uint8(t.HFrontPorch)
	dtd[9] = uint8(t.HSyncWidth)
	dtd[10] = uint8(t.VFrontPorch&0xF)<<4 | uint8(t.VSyncWidth&0xF)
	dtd[11] = uint8(t.HFrontPorch>>8&0x3)<<6 | uint8(t.HSyncWidth>>8&0x3)<<4 |
		uint8(t.VFrontPorch>>4&0x3)<<2 | uint8(t.VSyncWidth>>4&0x3)
	flags := uint8(0x18)
	if t.Interlaced {
		flags |= 0x80
	}
	if t.VSyncPositive {
		flags |= 0x04
	}
	if t.HSyncPositive {
		flags |= 0x02
	}
	dtd[17] = flags

	var sum uint8
	for _, b := range edid[:msa.EDIDBlockSize-1] {
		sum += b
	}
	edid[msa.EDIDBlockSize-1] = -sum
	return edid
}
