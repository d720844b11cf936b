package msa

import (
	"sort"
	"strings"
)

// DMTModes returns a fresh copy of the built-in DMT and CEA timings.
func DMTModes() []VideoTiming {
	return []VideoTiming{
		{Name: "640x480@60", PixelClockKHz: 25175,
			HActive: 640, HFrontPorch: 16, HSyncWidth: 96, HBackPorch: 48, HTotal: 800,
			VActive: 480, VFrontPorch: 10, VSyncWidth: 2, VBackPorch: 33, VTotal: 525},
		{Name: "800x600@60", PixelClockKHz: 40000,
			HActive: 800, HFrontPorch: 40, HSyncWidth: 128, HBackPorch: 88, HTotal: 1056,
			VActive: 600, VFrontPorch: 1, VSyncWidth: 4, VBackPorch: 23, VTotal: 628,
			HSyncPositive: true, VSyncPositive: true},
		{Name: "1024x768@60", PixelClockKHz: 65000,
			HActive: 1024, HFrontPorch: 24, HSyncWidth: 136, HBackPorch: 160, HTotal: 1344,
			VActive: 768, VFrontPorch: 3, VSyncWidth: 6, VBackPorch: 29, VTotal: 806},
		{Name: "1280x720@60", PixelClockKHz: 74250,
			HActive: 1280, HFrontPorch: 110, HSyncWidth: 40, HBackPorch: 220, HTotal: 1650,
			VActive: 720, VFrontPorch: 5, VSyncWidth: 5, VBackPorch: 20, VTotal: 750,
			HSyncPositive: true, VSyncPositive: true},
		{Name: "1280x1024@60", PixelClockKHz: 108000,
			HActive: 1280, HFrontPorch: 48, HSyncWidth: 112, HBackPorch: 248, HTotal: 1688,
			VActive: 1024, VFrontPorch: 1, VSyncWidth: 3, VBackPorch: 38, VTotal: 1066,
			HSyncPositive: true, VSyncPositive: true},
		{Name: "1920x1080@60", PixelClockKHz: 148500,
			HActive: 1920, HFrontPorch: 88, HSyncWidth: 44, HBackPorch: 148, HTotal: 2200,
			VActive: 1080, VFrontPorch: 4, VSyncWidth: 5, VBackPorch: 36, VTotal: 1125,
			HSyncPositive: true, VSyncPositive: true},
		{Name: "3840x2160@30", PixelClockKHz: 297000,
			HActive: 3840, HFrontPorch: 176, HSyncWidth: 88, HBackPorch: 296, HTotal: 4400,
			VActive: 2160, VFrontPorch: 8, VSyncWidth: 10, VBackPorch: 72, VTotal: 2250,
			HSyncPositive: true, VSyncPositive: true},
		{Name: "3840x2160@60", PixelClockKHz: 594000,
			HActive: 3840, HFrontPorch: 176, HSyncWidth: 88, HBackPorch: 296, HTotal: 4400,
			VActive: 2160, VFrontPorch: 8, VSyncWidth: 10, VBackPorch: 72, VTotal: 2250,
			HSyncPositive: true, VSyncPositive: true},
	}
}

// ModeTable is an immutable set of named video timings.
type ModeTable struct {
	modes map[string]VideoTiming
	names []string
}

// NewModeTable builds a table from modes. Later entries replace earlier
// ones with the same name (case-insensitive).
func NewModeTable(modes []VideoTiming) *ModeTable {
	t := &ModeTable{modes: make(map[string]VideoTiming, len(modes))}
	for _, m := range modes {
		key := strings.ToLower(m.String())
		if _, ok := t.modes[key]; !ok {
			t.names = append(t.names, m.String())
		}
		t.modes[key] = m
	}
	sort.Strings(t.names)
	return t
}

// Lookup returns the timing named name.
func (t *ModeTable) Lookup(name string) (VideoTiming, bool) {
	m, ok := t.modes[strings.ToLower(name)]
	return m, ok
}

// Names returns the sorted mode names.
func (t *ModeTable) Names() []string {
	return append([]string(nil), t.names...)
}

// Len returns the number of modes.
func (t *ModeTable) Len() int { return len(t.modes) }
