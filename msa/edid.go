package msa

import (
	"bytes"
	"fmt"

	"github.com/ardnew/softdp/pkg"
)

// EDID layout.
const (
	EDIDBlockSize          = 128
	DetailedTimingSize     = 18
	detailedTimingOffset   = 54
	detailedTimingsPerEDID = 4
	manufacturerOffset     = 8
)

var edidHeader = []byte{0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00}

// ParseManufacturer returns the three-letter PNP manufacturer id of a base
// EDID block.
func ParseManufacturer(edid []byte) (string, error) {
	if len(edid) < manufacturerOffset+2 || !bytes.Equal(edid[:len(edidHeader)], edidHeader) {
		return "", fmt.Errorf("EDID header: %w", pkg.ErrInvalidEDID)
	}
	v := uint16(edid[manufacturerOffset])<<8 | uint16(edid[manufacturerOffset+1])
	id := make([]byte, 3)
	for i := range id {
		c := v >> (10 - 5*i) & 0x1F
		if c < 1 || c > 26 {
			return "", fmt.Errorf("manufacturer %#04x: %w", v, pkg.ErrInvalidEDID)
		}
		id[i] = 'A' + byte(c-1)
	}
	return string(id), nil
}

// ParseEDID returns the preferred timing of a base EDID block: the first
// detailed timing descriptor with a non-zero pixel clock.
func ParseEDID(edid []byte) (VideoTiming, error) {
	if len(edid) < EDIDBlockSize {
		return VideoTiming{}, fmt.Errorf("EDID of %d bytes: %w", len(edid), pkg.ErrInvalidEDID)
	}
	if !bytes.Equal(edid[:len(edidHeader)], edidHeader) {
		return VideoTiming{}, fmt.Errorf("EDID header % x: %w", edid[:len(edidHeader)], pkg.ErrInvalidEDID)
	}
	var sum uint8
	for _, b := range edid[:EDIDBlockSize] {
		sum += b
	}
	if sum != 0 {
		return VideoTiming{}, fmt.Errorf("EDID checksum off by %#02x: %w", sum, pkg.ErrInvalidEDID)
	}
	for i := 0; i < detailedTimingsPerEDID; i++ {
		off := detailedTimingOffset + i*DetailedTimingSize
		dtd := edid[off : off+DetailedTimingSize]
		if dtd[0] == 0 && dtd[1] == 0 {
			continue // display descriptor
		}
		return ParseDetailedTiming(dtd)
	}
	return VideoTiming{}, fmt.Errorf("no detailed timing descriptor: %w", pkg.ErrInvalidEDID)
}

// ParseDetailedTiming decodes an 18-byte detailed timing descriptor.
func ParseDetailedTiming(dtd []byte) (VideoTiming, error) {
	if len(dtd) < DetailedTimingSize {
		return VideoTiming{}, fmt.Errorf("descriptor of %d bytes: %w", len(dtd), pkg.ErrInvalidEDID)
	}
	pclk := uint32(dtd[0]) | uint32(dtd[1])<<8
	if pclk == 0 {
		return VideoTiming{}, fmt.Errorf("display descriptor, not a timing: %w", pkg.ErrInvalidEDID)
	}

	hActive := uint16(dtd[2]) | uint16(dtd[4]&0xF0)<<4
	hBlank := uint16(dtd[3]) | uint16(dtd[4]&0x0F)<<8
	vActive := uint16(dtd[5]) | uint16(dtd[7]&0xF0)<<4
	vBlank := uint16(dtd[6]) | uint16(dtd[7]&0x0F)<<8

	hFront := uint16(dtd[8]) | uint16(dtd[11]>>6&0x3)<<8
	hSync := uint16(dtd[9]) | uint16(dtd[11]>>4&0x3)<<8
	vFront := uint16(dtd[10]>>4) | uint16(dtd[11]>>2&0x3)<<4
	vSync := uint16(dtd[10]&0x0F) | uint16(dtd[11]&0x3)<<4

	if hFront+hSync > hBlank || vFront+vSync > vBlank {
		return VideoTiming{}, fmt.Errorf("porches exceed blanking: %w", pkg.ErrInvalidEDID)
	}

	flags := dtd[17]
	t := VideoTiming{
		PixelClockKHz: pclk * 10,
		HActive:       hActive,
		HFrontPorch:   hFront,
		HSyncWidth:    hSync,
		HBackPorch:    hBlank - hFront - hSync,
		HTotal:        hActive + hBlank,
		VActive:       vActive,
		VFrontPorch:   vFront,
		VSyncWidth:    vSync,
		VBackPorch:    vBlank - vFront - vSync,
		VTotal:        vActive + vBlank,
		Interlaced:    flags&0x80 != 0,
	}
	// Digital separate sync carries the polarities in bits 2:1.
	if flags&0x18 == 0x18 {
		t.VSyncPositive = flags&0x04 != 0
		t.HSyncPositive = flags&0x02 != 0
	}
	return t, nil
}
