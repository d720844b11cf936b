package source

import (
	"fmt"

	"github.com/ardnew/softdp/dpcd"
	"github.com/ardnew/softdp/pkg"
)

// State is a link training state.
type State uint8

// Training states.
const (
	StateIdle State = iota
	StateReadCapabilities
	StateClockRecovery
	StateChannelEqualization
	StateAdjustLinkRate
	StateAdjustLaneCount
	StateTrained
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReadCapabilities:
		return "read-capabilities"
	case StateClockRecovery:
		return "clock-recovery"
	case StateChannelEqualization:
		return "channel-equalization"
	case StateAdjustLinkRate:
		return "adjust-link-rate"
	case StateAdjustLaneCount:
		return "adjust-lane-count"
	case StateTrained:
		return "trained"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// LinkConfig is the main link configuration negotiated by the trainer.
type LinkConfig struct {
	LaneCount uint8
	LinkRate  uint8 // link rate code

	Scrambling      bool
	EnhancedFraming bool
	Downspread      bool

	VoltageSwing [dpcd.MaxLanes]uint8
	PreEmphasis  [dpcd.MaxLanes]uint8
	Pattern      uint8 // current training pattern

	SourceMaxLanes uint8
	SourceMaxRate  uint8
	SinkMaxLanes   uint8
	SinkMaxRate    uint8

	// MaxLanes and MaxRate are the common maxima of source and sink.
	MaxLanes uint8
	MaxRate  uint8
}

// BandwidthMbps returns the raw link bandwidth across all lanes.
func (c LinkConfig) BandwidthMbps() uint32 {
	return dpcd.LinkRateMbps(c.LinkRate) * uint32(c.LaneCount)
}

// String returns a short description of the link.
func (c LinkConfig) String() string {
	return fmt.Sprintf("%dx%s", c.LaneCount, rateName(c.LinkRate))
}

func rateName(code uint8) string {
	switch code {
	case dpcd.LinkRate162:
		return "RBR"
	case dpcd.LinkRate270:
		return "HBR"
	case dpcd.LinkRate540:
		return "HBR2"
	default:
		return fmt.Sprintf("rate(%#02x)", code)
	}
}

// lowerRate returns the next lower link rate, or false at the lowest.
func lowerRate(code uint8) (uint8, bool) {
	switch code {
	case dpcd.LinkRate540:
		return dpcd.LinkRate270, true
	case dpcd.LinkRate270:
		return dpcd.LinkRate162, true
	default:
		return 0, false
	}
}

// lowerLanes returns the next lower lane count, or false at one lane.
func lowerLanes(n uint8) (uint8, bool) {
	switch n {
	case dpcd.LaneCount4:
		return dpcd.LaneCount2, true
	case dpcd.LaneCount2:
		return dpcd.LaneCount1, true
	default:
		return 0, false
	}
}

// TrainingError reports the link configuration and stage at which training
// gave up.
type TrainingError struct {
	State     State // stage that failed
	LaneCount uint8
	LinkRate  uint8
	Err       error
}

// Error implements error.
func (e *TrainingError) Error() string {
	return fmt.Sprintf("link training failed in %s at %dx%s: %v",
		e.State, e.LaneCount, rateName(e.LinkRate), e.Err)
}

// Unwrap returns the underlying error.
func (e *TrainingError) Unwrap() error { return e.Err }

// AllocationError reports a failed payload allocation. Stream is zero when
// the failure is not tied to one stream.
type AllocationError struct {
	Stream    int
	Committed bool // some table writes were already made
	Err       error
}

// Error implements error.
func (e *AllocationError) Error() string {
	if e.Stream == 0 {
		return fmt.Sprintf("payload allocation: %v", e.Err)
	}
	return fmt.Sprintf("payload allocation for stream %d: %v", e.Stream, e.Err)
}

// Unwrap returns the underlying error.
func (e *AllocationError) Unwrap() error { return e.Err }

// validSourceRate reports whether code is usable as a source maximum.
func validSourceRate(code uint8) error {
	if !dpcd.ValidLinkRate(code) {
		return fmt.Errorf("link rate %#02x: %w", code, pkg.ErrInvalidParameter)
	}
	return nil
}
