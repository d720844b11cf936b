package msa

import (
	"errors"
	"testing"

	"github.com/ardnew/softdp/dpcd"
	"github.com/ardnew/softdp/pkg"
)

func mode1080p(t *testing.T) VideoTiming {
	t.Helper()
	m, ok := NewModeTable(DMTModes()).Lookup("1920x1080@60")
	if !ok {
		t.Fatal("1920x1080@60 missing from DMT table")
	}
	return m
}

// =============================================================================
// SST Derivation Tests
// =============================================================================

func TestRecalculate1080pHBR2(t *testing.T) {
	attrs := Attributes{Timing: mode1080p(t), BitsPerColor: 8, Format: FormatRGB}
	link := LinkParams{Lanes: 4, RateCode: dpcd.LinkRate540}

	got, err := Recalculate(attrs, link)
	if err != nil {
		t.Fatalf("Recalculate() error = %v", err)
	}
	d := got.Derived

	checks := []struct {
		name      string
		got, want uint64
	}{
		{"BitsPerPixel", uint64(d.BitsPerPixel), 24},
		{"HStart", uint64(d.HStart), 192},
		{"VStart", uint64(d.VStart), 41},
		{"MVid", uint64(d.MVid), 148500},
		{"NVid", uint64(d.NVid), 540000},
		{"TransferUnitSize", uint64(d.TransferUnitSize), 64},
		{"AvgBytesPerTU", d.AvgBytesPerTU.Thousandths(), 13200},
		{"InitWait", uint64(d.InitWait), 51},
		{"UserPixelWidth", uint64(d.UserPixelWidth), 2},
		{"DataPerLane", uint64(d.DataPerLane), 2876},
		{"Misc0", uint64(d.Misc0), 0x20},
		{"Misc1", uint64(d.Misc1), 0},
		{"TimeSlots", uint64(d.TimeSlots), 0},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}
	if s := d.AvgBytesPerTU.String(); s != "13.200" {
		t.Errorf("AvgBytesPerTU.String() = %q, want 13.200", s)
	}
	if attrs.Derived != (Derived{}) {
		t.Error("Recalculate() modified its input")
	}
}

func TestRecalculateIdempotent(t *testing.T) {
	attrs := Attributes{Timing: mode1080p(t), BitsPerColor: 10, Format: FormatYCbCr422}
	link := LinkParams{Lanes: 2, RateCode: dpcd.LinkRate270, MST: true}

	first, err := Recalculate(attrs, link)
	if err != nil {
		t.Fatalf("Recalculate() error = %v", err)
	}
	second, err := Recalculate(first, link)
	if err != nil {
		t.Fatalf("Recalculate() second error = %v", err)
	}
	if first != second {
		t.Errorf("Recalculate() not idempotent:\n first  %+v\n second %+v", first.Derived, second.Derived)
	}
}

func TestRecalculateRefreshesOnLinkChange(t *testing.T) {
	attrs := Attributes{Timing: mode1080p(t), BitsPerColor: 8}
	hbr2, err := Recalculate(attrs, LinkParams{Lanes: 4, RateCode: dpcd.LinkRate540})
	if err != nil {
		t.Fatal(err)
	}
	hbr, err := Recalculate(hbr2, LinkParams{Lanes: 4, RateCode: dpcd.LinkRate270})
	if err != nil {
		t.Fatal(err)
	}
	if hbr.Derived.NVid != 270000 {
		t.Errorf("NVid = %d, want 270000", hbr.Derived.NVid)
	}
	if hbr.Derived.AvgBytesPerTU.Thousandths() != 26400 {
		t.Errorf("AvgBytesPerTU = %s, want 26.400", hbr.Derived.AvgBytesPerTU)
	}
}

func TestMisc(t *testing.T) {
	tests := []struct {
		name         string
		attrs        Attributes
		misc0, misc1 uint8
	}{
		{"rgb 6bpc", Attributes{BitsPerColor: 6}, 0x00, 0},
		{"rgb 8bpc sync", Attributes{BitsPerColor: 8, SynchronousClock: true}, 0x21, 0},
		{"422 10bpc", Attributes{BitsPerColor: 10, Format: FormatYCbCr422}, 0x42, 0},
		{"444 12bpc 709 cea", Attributes{BitsPerColor: 12, Format: FormatYCbCr444,
			Colorimetry: ColorimetryBT709, DynamicRange: RangeCEA}, 0x7C, 0},
		{"rgb ignores 709", Attributes{BitsPerColor: 8, Colorimetry: ColorimetryBT709}, 0x20, 0},
		{"y-only 16bpc", Attributes{BitsPerColor: 16, Format: FormatYOnly}, 0x80, 0x80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m0, m1 := misc(tt.attrs, validBitsPerColor[tt.attrs.BitsPerColor])
			if m0 != tt.misc0 || m1 != tt.misc1 {
				t.Errorf("misc() = %#02x, %#02x, want %#02x, %#02x", m0, m1, tt.misc0, tt.misc1)
			}
		})
	}
}

func TestUserPixelWidth(t *testing.T) {
	tests := []struct {
		override uint8
		pclk     uint32
		lanes    uint8
		want     uint8
	}{
		{0, 594000, 4, 4},
		{0, 594000, 2, 2},
		{0, 148500, 4, 2},
		{0, 148500, 1, 1},
		{0, 65000, 4, 1},
		{1, 594000, 4, 1},
		{4, 25175, 1, 4},
	}
	for _, tt := range tests {
		if got := userPixelWidth(tt.override, tt.pclk, tt.lanes); got != tt.want {
			t.Errorf("userPixelWidth(%d, %d, %d) = %d, want %d",
				tt.override, tt.pclk, tt.lanes, got, tt.want)
		}
	}
}

func TestRecalculateInvalid(t *testing.T) {
	good := Attributes{Timing: mode1080p(t), BitsPerColor: 8}
	link := LinkParams{Lanes: 4, RateCode: dpcd.LinkRate540}

	tests := []struct {
		name  string
		attrs Attributes
		link  LinkParams
		want  error
	}{
		{"lanes 3", good, LinkParams{Lanes: 3, RateCode: dpcd.LinkRate540}, pkg.ErrInvalidParameter},
		{"rate 0x0b", good, LinkParams{Lanes: 4, RateCode: 0x0B}, pkg.ErrInvalidParameter},
		{"bpc 7", Attributes{Timing: good.Timing, BitsPerColor: 7}, link, pkg.ErrInvalidParameter},
		{"pixel width 3", Attributes{Timing: good.Timing, BitsPerColor: 8, UserPixelWidth: 3}, link, pkg.ErrInvalidParameter},
		{"bad timing", Attributes{Timing: VideoTiming{PixelClockKHz: 1, HActive: 1, VActive: 1, HTotal: 9}, BitsPerColor: 8}, link, pkg.ErrInvalidParameter},
		{"over capacity", Attributes{Timing: NewModeTable(DMTModes()).mustLookup("3840x2160@60"), BitsPerColor: 8},
			LinkParams{Lanes: 1, RateCode: dpcd.LinkRate162}, pkg.ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Recalculate(tt.attrs, tt.link); !errors.Is(err, tt.want) {
				t.Errorf("Recalculate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func (t *ModeTable) mustLookup(name string) VideoTiming {
	m, ok := t.Lookup(name)
	if !ok {
		panic("no mode " + name)
	}
	return m
}

// =============================================================================
// MST Derivation Tests
// =============================================================================

func TestRecalculateMST1080p(t *testing.T) {
	attrs := Attributes{Timing: mode1080p(t), BitsPerColor: 8}

	tests := []struct {
		name      string
		wide      bool
		slots     uint8
		pbn       uint16
		eighths   uint32
		initialPB uint16
	}{
		{"2-wide", false, 14, 560, 106, 532},
		{"4-wide", true, 16, 640, 106, 532},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link := LinkParams{Lanes: 4, RateCode: dpcd.LinkRate540, MST: true, DataPath4Wide: tt.wide}
			got, err := Recalculate(attrs, link)
			if err != nil {
				t.Fatalf("Recalculate() error = %v", err)
			}
			d := got.Derived
			if d.InitialPBN != tt.initialPB {
				t.Errorf("InitialPBN = %d, want %d", d.InitialPBN, tt.initialPB)
			}
			if d.TargetSlotsEighths != tt.eighths {
				t.Errorf("TargetSlotsEighths = %d, want %d", d.TargetSlotsEighths, tt.eighths)
			}
			if d.TimeSlots != tt.slots {
				t.Errorf("TimeSlots = %d, want %d", d.TimeSlots, tt.slots)
			}
			if d.PBN != tt.pbn {
				t.Errorf("PBN = %d, want %d", d.PBN, tt.pbn)
			}
		})
	}
}

func TestPBN(t *testing.T) {
	tests := []struct {
		pclk uint32
		bpp  uint32
		want uint32
	}{
		{148500, 24, 532},
		{25175, 24, 91},
		{594000, 24, 2125},
		{0, 24, 0},
	}
	for _, tt := range tests {
		if got := PBN(tt.pclk, tt.bpp); got != tt.want {
			t.Errorf("PBN(%d, %d) = %d, want %d", tt.pclk, tt.bpp, got, tt.want)
		}
	}
}

func TestRecalculatedPBNCoversInitial(t *testing.T) {
	rates := []uint8{dpcd.LinkRate162, dpcd.LinkRate270, dpcd.LinkRate540}
	lanes := []uint8{1, 2, 4}
	depths := []uint8{6, 8, 10, 12, 16}
	formats := []ComponentFormat{FormatRGB, FormatYCbCr422, FormatYCbCr444, FormatYOnly}

	checked := 0
	for _, mode := range DMTModes() {
		for _, rate := range rates {
			for _, n := range lanes {
				for _, wide := range []bool{false, true} {
					for _, bpc := range depths {
						for _, f := range formats {
							attrs := Attributes{Timing: mode, BitsPerColor: bpc, Format: f}
							link := LinkParams{Lanes: n, RateCode: rate, MST: true, DataPath4Wide: wide}
							got, err := Recalculate(attrs, link)
							if err != nil {
								if !errors.Is(err, pkg.ErrSlotExhausted) && !errors.Is(err, pkg.ErrInvalidParameter) {
									t.Fatalf("%s %dx%#x: unexpected error %v", mode, n, rate, err)
								}
								continue
							}
							d := got.Derived
							if d.PBN < d.InitialPBN {
								t.Errorf("%s %dbpc %s %dx%#x wide=%v: PBN %d < initial %d",
									mode, bpc, f, n, rate, wide, d.PBN, d.InitialPBN)
							}
							if d.TimeSlots == 0 || d.TimeSlots > MaxTimeSlots {
								t.Errorf("%s: TimeSlots = %d out of range", mode, d.TimeSlots)
							}
							step := uint8(2)
							if wide {
								step = 4
							}
							if d.TimeSlots%step != 0 {
								t.Errorf("%s: TimeSlots = %d not a multiple of %d", mode, d.TimeSlots, step)
							}
							if uint64(d.TimeSlots)*8 < uint64(d.TargetSlotsEighths) {
								t.Errorf("%s: TimeSlots = %d below target %d/8", mode, d.TimeSlots, d.TargetSlotsEighths)
							}
							checked++
						}
					}
				}
			}
		}
	}
	if checked == 0 {
		t.Fatal("grid produced no valid configurations")
	}
}

func TestRecalculateMSTSlotExhausted(t *testing.T) {
	timing := NewModeTable(DMTModes()).mustLookup("3840x2160@60")
	timing.PixelClockKHz = 697500
	attrs := Attributes{Timing: timing, BitsPerColor: 8}
	// 62.000 bytes per TU fits SST but needs 63 slots, rounded to 64.
	link := LinkParams{Lanes: 4, RateCode: dpcd.LinkRate540, MST: true}
	sst := link
	sst.MST = false
	if _, err := Recalculate(attrs, sst); err != nil {
		t.Fatalf("Recalculate() SST error = %v", err)
	}
	if _, err := Recalculate(attrs, link); !errors.Is(err, pkg.ErrSlotExhausted) {
		t.Errorf("Recalculate() error = %v, want ErrSlotExhausted", err)
	}
}

// =============================================================================
// Mode Table Tests
// =============================================================================

func TestModeTable(t *testing.T) {
	modes := DMTModes()
	for _, m := range modes {
		if err := m.Validate(); err != nil {
			t.Errorf("DMT mode %s: %v", m, err)
		}
	}

	table := NewModeTable(modes)
	if table.Len() != len(modes) {
		t.Errorf("Len() = %d, want %d", table.Len(), len(modes))
	}
	m, ok := table.Lookup("1920X1080@60")
	if !ok || m.RefreshHz() != 60 {
		t.Errorf("Lookup(1920X1080@60) = %v, %v", m, ok)
	}
	if _, ok := table.Lookup("1x1@1"); ok {
		t.Error("Lookup(1x1@1) found a mode")
	}

	names := table.Names()
	names[0] = "mutated"
	if table.Names()[0] == "mutated" {
		t.Error("Names() exposes internal slice")
	}

	modes[0].PixelClockKHz = 1
	if m, _ := table.Lookup("640x480@60"); m.PixelClockKHz != 25175 {
		t.Error("ModeTable aliases its input")
	}
}

// =============================================================================
// EDID Tests
// =============================================================================

var dtd1080p = []byte{
	0x02, 0x3A, 0x80, 0x18, 0x71, 0x38, 0x2D, 0x40,
	0x58, 0x2C, 0x45, 0x00, 0x56, 0x50, 0x21, 0x00, 0x00, 0x1E,
}

func testEDID() []byte {
	edid := make([]byte, EDIDBlockSize)
	copy(edid, edidHeader)
	copy(edid[detailedTimingOffset+DetailedTimingSize:], dtd1080p)
	var sum uint8
	for _, b := range edid[:EDIDBlockSize-1] {
		sum += b
	}
	edid[EDIDBlockSize-1] = -sum
	return edid
}

func TestParseDetailedTiming(t *testing.T) {
	got, err := ParseDetailedTiming(dtd1080p)
	if err != nil {
		t.Fatalf("ParseDetailedTiming() error = %v", err)
	}
	want := mode1080p(t)
	want.Name = ""
	if got != want {
		t.Errorf("ParseDetailedTiming() = %+v\nwant %+v", got, want)
	}
}

func TestParseEDID(t *testing.T) {
	// The first descriptor slot is a display descriptor and is skipped.
	got, err := ParseEDID(testEDID())
	if err != nil {
		t.Fatalf("ParseEDID() error = %v", err)
	}
	if got.HActive != 1920 || got.VActive != 1080 || got.PixelClockKHz != 148500 {
		t.Errorf("ParseEDID() = %v", got)
	}
}

func TestParseManufacturer(t *testing.T) {
	tests := []struct {
		name    string
		id      [2]byte
		want    string
		wantErr bool
	}{
		{"dell", [2]byte{0x10, 0xAC}, "DEL", false},
		{"samsung", [2]byte{0x4C, 0x2D}, "SAM", false},
		{"zero letter", [2]byte{0x00, 0x00}, "", true},
		{"out of range", [2]byte{0x6F, 0xFF}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			edid := testEDID()
			edid[8], edid[9] = tt.id[0], tt.id[1]
			got, err := ParseManufacturer(edid)
			if tt.wantErr {
				if !errors.Is(err, pkg.ErrInvalidEDID) {
					t.Errorf("ParseManufacturer() error = %v, want ErrInvalidEDID", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ParseManufacturer() = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
	if _, err := ParseManufacturer([]byte{0, 0xFF}); !errors.Is(err, pkg.ErrInvalidEDID) {
		t.Errorf("short block error = %v", err)
	}
}

func TestParseEDIDInvalid(t *testing.T) {
	badSum := testEDID()
	badSum[20]++

	badHeader := testEDID()
	badHeader[0] = 0x01

	noTiming := make([]byte, EDIDBlockSize)
	copy(noTiming, edidHeader)
	var sum uint8
	for _, b := range noTiming {
		sum += b
	}
	noTiming[EDIDBlockSize-1] = -sum

	tests := []struct {
		name string
		edid []byte
	}{
		{"short", testEDID()[:100]},
		{"checksum", badSum},
		{"header", badHeader},
		{"no timing", noTiming},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseEDID(tt.edid); !errors.Is(err, pkg.ErrInvalidEDID) {
				t.Errorf("ParseEDID() error = %v, want ErrInvalidEDID", err)
			}
		})
	}
}
