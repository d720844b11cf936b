package msa

import (
	"fmt"

	"github.com/ardnew/softdp/pkg"
)

// VideoTiming is a base video timing. Pixel clock is in kHz.
type VideoTiming struct {
	Name          string
	PixelClockKHz uint32

	HActive, HFrontPorch, HSyncWidth, HBackPorch, HTotal uint16
	VActive, VFrontPorch, VSyncWidth, VBackPorch, VTotal uint16

	HSyncPositive bool
	VSyncPositive bool
	Interlaced    bool
}

// HBlank returns the horizontal blanking width.
func (t VideoTiming) HBlank() uint16 { return t.HTotal - t.HActive }

// VBlank returns the vertical blanking height.
func (t VideoTiming) VBlank() uint16 { return t.VTotal - t.VActive }

// RefreshHz returns the refresh rate rounded to the nearest Hz.
func (t VideoTiming) RefreshHz() uint32 {
	frame := uint64(t.HTotal) * uint64(t.VTotal)
	if frame == 0 {
		return 0
	}
	return uint32((uint64(t.PixelClockKHz)*1000 + frame/2) / frame)
}

// Validate checks that the timing is self-consistent.
func (t VideoTiming) Validate() error {
	switch {
	case t.PixelClockKHz == 0:
		return fmt.Errorf("timing %q: zero pixel clock: %w", t.Name, pkg.ErrInvalidParameter)
	case t.HActive == 0 || t.VActive == 0:
		return fmt.Errorf("timing %q: zero active area: %w", t.Name, pkg.ErrInvalidParameter)
	case uint32(t.HActive)+uint32(t.HFrontPorch)+uint32(t.HSyncWidth)+uint32(t.HBackPorch) != uint32(t.HTotal):
		return fmt.Errorf("timing %q: horizontal total %d inconsistent: %w", t.Name, t.HTotal, pkg.ErrInvalidParameter)
	case uint32(t.VActive)+uint32(t.VFrontPorch)+uint32(t.VSyncWidth)+uint32(t.VBackPorch) != uint32(t.VTotal):
		return fmt.Errorf("timing %q: vertical total %d inconsistent: %w", t.Name, t.VTotal, pkg.ErrInvalidParameter)
	}
	return nil
}

// String returns the mode name, or WxH@R when unnamed.
func (t VideoTiming) String() string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("%dx%d@%d", t.HActive, t.VActive, t.RefreshHz())
}
