package msa

import (
	"fmt"

	"github.com/ardnew/softdp/dpcd"
	"github.com/ardnew/softdp/pkg"
)

// ComponentFormat is the pixel encoding.
type ComponentFormat uint8

// Component formats.
const (
	FormatRGB ComponentFormat = iota
	FormatYCbCr422
	FormatYCbCr444
	FormatYOnly
)

// String returns the format name.
func (f ComponentFormat) String() string {
	switch f {
	case FormatRGB:
		return "rgb"
	case FormatYCbCr422:
		return "ycbcr422"
	case FormatYCbCr444:
		return "ycbcr444"
	case FormatYOnly:
		return "y-only"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// ParseComponentFormat maps a format name to its value.
func ParseComponentFormat(name string) (ComponentFormat, error) {
	for f := FormatRGB; f <= FormatYOnly; f++ {
		if f.String() == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("component format %q: %w", name, pkg.ErrInvalidParameter)
}

// componentsPerPixel returns the bits-per-pixel multiplier of bits per
// color.
func (f ComponentFormat) componentsPerPixel() uint32 {
	switch f {
	case FormatYOnly:
		return 1
	case FormatYCbCr422:
		return 2
	default:
		return 3
	}
}

// initWaitDivisor scales the initial wait by format.
func (f ComponentFormat) initWaitDivisor() uint32 {
	switch f {
	case FormatYOnly:
		return 3
	case FormatYCbCr422:
		return 2
	default:
		return 1
	}
}

// Colorimetry selects the YCbCr coefficients.
type Colorimetry uint8

// Colorimetry values.
const (
	ColorimetryBT601 Colorimetry = iota
	ColorimetryBT709
)

// DynamicRange selects full (VESA) or limited (CEA) range.
type DynamicRange uint8

// Dynamic ranges.
const (
	RangeVESA DynamicRange = iota
	RangeCEA
)

// Fixed is a non-negative fixed point value with three decimal digits.
type Fixed struct {
	Int  uint32
	Frac uint32 // thousandths
}

func fixedFromThousandths(v uint64) Fixed {
	return Fixed{Int: uint32(v / 1000), Frac: uint32(v % 1000)}
}

// Thousandths returns the value scaled by 1000.
func (f Fixed) Thousandths() uint64 { return uint64(f.Int)*1000 + uint64(f.Frac) }

// String formats the value as I.FFF.
func (f Fixed) String() string { return fmt.Sprintf("%d.%03d", f.Int, f.Frac) }

// LinkParams are the link properties the derivation depends on.
type LinkParams struct {
	Lanes    uint8
	RateCode uint8 // dpcd.LinkRate*
	MST      bool

	// DataPath4Wide rounds MST time slots to a multiple of 4 instead of 2.
	DataPath4Wide bool
}

// Bandwidth returns the link symbol bandwidth in MB/s.
func (l LinkParams) Bandwidth() uint32 {
	return uint32(l.Lanes) * uint32(l.RateCode) * 27
}

// Validate checks the lane count and rate code.
func (l LinkParams) Validate() error {
	if !dpcd.ValidLaneCount(l.Lanes) {
		return fmt.Errorf("lane count %d: %w", l.Lanes, pkg.ErrInvalidParameter)
	}
	if !dpcd.ValidLinkRate(l.RateCode) {
		return fmt.Errorf("link rate %#x: %w", l.RateCode, pkg.ErrInvalidParameter)
	}
	return nil
}

// Attributes are a stream's main stream attributes. The base fields are
// set by the caller; Derived is owned by Recalculate.
type Attributes struct {
	Timing           VideoTiming
	BitsPerColor     uint8
	Format           ComponentFormat
	Colorimetry      Colorimetry
	DynamicRange     DynamicRange
	SynchronousClock bool

	// UserPixelWidth forces 1, 2 or 4 pixels per clock; 0 selects
	// automatically.
	UserPixelWidth uint8

	Derived Derived
}

// Derived holds the values computed from Attributes and LinkParams.
type Derived struct {
	BitsPerPixel     uint32
	HStart, VStart   uint16
	Misc0, Misc1     uint8
	MVid, NVid       uint32
	TransferUnitSize uint32
	UserPixelWidth   uint8
	DataPerLane      uint32
	AvgBytesPerTU    Fixed
	InitWait         uint32

	// MST only.
	InitialPBN         uint16
	TargetSlotsEighths uint32
	TimeSlots          uint8
	PBN                uint16
}

// Derivation constants.
const (
	TransferUnitSize  = 64
	MaxTimeSlots      = 63 // slot 0 carries the MTP header
	minInitWait       = 64
	initWaitThreshold = 4
	pbnMarginPerMille = 1006
	pbnUnitsPer54MBps = 64
)

// Valid bits per color.
var validBitsPerColor = map[uint8]uint8{6: 0, 8: 1, 10: 2, 12: 3, 16: 4}

// Recalculate returns attrs with every derived field recomputed for link.
// attrs is not modified.
func Recalculate(attrs Attributes, link LinkParams) (Attributes, error) {
	if err := link.Validate(); err != nil {
		return attrs, err
	}
	if err := attrs.Timing.Validate(); err != nil {
		return attrs, err
	}
	depth, ok := validBitsPerColor[attrs.BitsPerColor]
	if !ok {
		return attrs, fmt.Errorf("bits per color %d: %w", attrs.BitsPerColor, pkg.ErrInvalidParameter)
	}
	if attrs.Format > FormatYOnly {
		return attrs, fmt.Errorf("format %d: %w", attrs.Format, pkg.ErrInvalidParameter)
	}
	switch attrs.UserPixelWidth {
	case 0, 1, 2, 4:
	default:
		return attrs, fmt.Errorf("user pixel width %d: %w", attrs.UserPixelWidth, pkg.ErrInvalidParameter)
	}

	t := attrs.Timing
	d := Derived{
		BitsPerPixel:     uint32(attrs.BitsPerColor) * attrs.Format.componentsPerPixel(),
		HStart:           t.HSyncWidth + t.HBackPorch,
		VStart:           t.VSyncWidth + t.VBackPorch,
		MVid:             t.PixelClockKHz,
		NVid:             uint32(link.RateCode) * 27 * 1000,
		TransferUnitSize: TransferUnitSize,
	}
	d.Misc0, d.Misc1 = misc(attrs, depth)
	d.UserPixelWidth = userPixelWidth(attrs.UserPixelWidth, t.PixelClockKHz, link.Lanes)

	dpl := (uint32(t.HActive)*d.BitsPerPixel + 15) / 16
	if dpl > uint32(link.Lanes) {
		d.DataPerLane = dpl - uint32(link.Lanes)
	}

	// Bytes per TU = pclk * bpp / 8 * TU / (lanes * rate * 27000), in
	// thousandths.
	avg := uint64(t.PixelClockKHz) * uint64(d.BitsPerPixel) * TransferUnitSize /
		(8 * uint64(link.Bandwidth()))
	d.AvgBytesPerTU = fixedFromThousandths(avg)
	if d.AvgBytesPerTU.Int > TransferUnitSize {
		return attrs, fmt.Errorf("stream needs %s bytes per TU on %d lanes at %#x: %w",
			d.AvgBytesPerTU, link.Lanes, link.RateCode, pkg.ErrInvalidParameter)
	}

	if d.AvgBytesPerTU.Int <= initWaitThreshold {
		d.InitWait = minInitWait
	} else {
		d.InitWait = (TransferUnitSize - d.AvgBytesPerTU.Int) / attrs.Format.initWaitDivisor()
	}

	if link.MST {
		if err := mstSlots(&d, t.PixelClockKHz, link, avg); err != nil {
			return attrs, err
		}
	}

	attrs.Derived = d
	pkg.LogDebug(pkg.ComponentMSA, "recalculated",
		"mode", t.String(), "bpp", d.BitsPerPixel, "avg", d.AvgBytesPerTU.String(),
		"slots", d.TimeSlots, "pbn", d.PBN)
	return attrs, nil
}

func misc(attrs Attributes, depth uint8) (misc0, misc1 uint8) {
	if attrs.SynchronousClock {
		misc0 |= 1 << 0
	}
	switch attrs.Format {
	case FormatYCbCr422:
		misc0 |= 1 << 1
	case FormatYCbCr444:
		misc0 |= 2 << 1
	case FormatYOnly:
		misc1 |= 1 << 7
	}
	if attrs.DynamicRange == RangeCEA {
		misc0 |= 1 << 3
	}
	if attrs.Colorimetry == ColorimetryBT709 && (attrs.Format == FormatYCbCr422 || attrs.Format == FormatYCbCr444) {
		misc0 |= 1 << 4
	}
	misc0 |= depth << 5
	if attrs.Timing.Interlaced && attrs.Timing.VTotal%2 == 0 {
		misc1 |= 1 << 0
	}
	return misc0, misc1
}

func userPixelWidth(override uint8, pclkKHz uint32, lanes uint8) uint8 {
	switch {
	case override != 0:
		return override
	case pclkKHz > 300000 && lanes == 4:
		return 4
	case pclkKHz > 75000 && lanes >= 2:
		return 2
	default:
		return 1
	}
}

// PBN returns the payload bandwidth number of a stream: the peak rate in
// units of 54/64 MB/s with a 0.6% margin, rounded up.
func PBN(pclkKHz uint32, bitsPerPixel uint32) uint32 {
	num := uint64(pclkKHz) * uint64(bitsPerPixel) * pbnMarginPerMille * pbnUnitsPer54MBps
	const den = 1000 * 8 * 1000 * 54
	return uint32((num + den - 1) / den)
}

func ceilDiv(a, b uint64) uint64 { return (a + b - 1) / b }

// mstSlots derives the MST time slot allocation. avg is the raw slot
// requirement in thousandths.
func mstSlots(d *Derived, pclkKHz uint32, link LinkParams, avg uint64) error {
	pbn := uint64(PBN(pclkKHz, d.BitsPerPixel))
	bw := uint64(link.Bandwidth())

	// Largest 1/8 slot count the PBN covers, raised to the smallest 1/8
	// count covering the raw requirement when that is larger.
	eighths := 8 * 54 * pbn / bw
	if eighths*1000 < 8*avg {
		eighths = ceilDiv(8*avg, 1000)
	}

	slots := max(ceilDiv(eighths, 8), ceilDiv(54*pbn, bw))
	step := uint64(2)
	if link.DataPath4Wide {
		step = 4
	}
	slots = ceilDiv(slots, step) * step

	if slots > MaxTimeSlots {
		return fmt.Errorf("stream needs %d time slots: %w", slots, pkg.ErrSlotExhausted)
	}

	d.InitialPBN = uint16(pbn)
	d.TargetSlotsEighths = uint32(eighths)
	d.TimeSlots = uint8(slots)
	d.PBN = uint16(slots * bw / 54)
	return nil
}
