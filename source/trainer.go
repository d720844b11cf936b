package source

import (
	"context"
	"fmt"

	"github.com/ardnew/softdp/dpcd"
	"github.com/ardnew/softdp/hal"
	"github.com/ardnew/softdp/pkg"
	"github.com/ardnew/softdp/pkg/metrics"
)

// Training loop bounds.
const (
	MaxSameSwingTries     = 5
	MaxClockRecoveryLoops = 10
	MaxEqualizationLoops  = 5
)

// TrainerConfig configures link training.
type TrainerConfig struct {
	// MaxLanes and MaxLinkRate are the transmitter capabilities.
	MaxLanes    uint8
	MaxLinkRate uint8

	// TPS3 enables training pattern 3 when the sink supports it.
	TPS3            bool
	EnhancedFraming bool
	Downspread      bool

	// Adaptive enables rate and lane downshifting after a failed attempt.
	Adaptive bool

	// PHYPollAttempts bounds the wait for PHY lane readiness.
	PHYPollAttempts int
	PollIntervalUs  uint32
}

// DefaultTrainerConfig returns a four lane HBR2 configuration with adaptive
// training.
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		MaxLanes:        dpcd.LaneCount4,
		MaxLinkRate:     dpcd.LinkRate540,
		TPS3:            true,
		EnhancedFraming: true,
		Downspread:      true,
		Adaptive:        true,
		PHYPollAttempts: 100,
		PollIntervalUs:  100,
	}
}

// Trainer runs the link training state machine against a sink.
type Trainer struct {
	regs  hal.Registers
	ep    dpcd.Endpoint
	timer hal.Timer
	cfg   TrainerConfig

	state State
	link  LinkConfig
	caps  dpcd.ReceiverCaps
	err   error
}

// NewTrainer creates a trainer driving regs and the sink behind ep.
func NewTrainer(regs hal.Registers, ep dpcd.Endpoint, timer hal.Timer, cfg TrainerConfig) *Trainer {
	if cfg.PHYPollAttempts < 1 {
		cfg.PHYPollAttempts = 1
	}
	return &Trainer{regs: regs, ep: ep, timer: timer, cfg: cfg}
}

// State returns the current training state.
func (t *Trainer) State() State { return t.state }

// Link returns the current link configuration.
func (t *Trainer) Link() LinkConfig { return t.link }

// Capabilities returns the receiver capabilities read by the last Train.
func (t *Trainer) Capabilities() dpcd.ReceiverCaps { return t.caps }

// Reset returns the trainer to the idle state.
func (t *Trainer) Reset() {
	t.state = StateIdle
	t.link = LinkConfig{}
	t.err = nil
}

// Train runs training from the idle state until the link is trained or no
// configuration is left to try.
func (t *Trainer) Train(ctx context.Context) (LinkConfig, error) {
	t.Reset()
	for {
		if err := ctx.Err(); err != nil {
			return t.link, err
		}

		prev := t.state
		switch t.state {
		case StateIdle:
			t.state = StateReadCapabilities
		case StateReadCapabilities:
			t.state = t.readCapabilities(ctx)
		case StateClockRecovery:
			t.state = t.clockRecovery(ctx)
		case StateChannelEqualization:
			t.state = t.channelEqualization(ctx)
		case StateAdjustLinkRate:
			t.state = t.adjustLinkRate()
		case StateAdjustLaneCount:
			t.state = t.adjustLaneCount()
		case StateTrained:
			pkg.LogInfo(pkg.ComponentLink, "link trained", "link", t.link.String())
			return t.link, nil
		case StateFailed:
			return t.link, t.err
		}
		if t.state != prev {
			pkg.LogDebug(pkg.ComponentLink, "training state", "from", prev, "to", t.state)
		}
	}
}

// fail records err and moves to the failed state.
func (t *Trainer) fail(stage State, err error) State {
	t.err = &TrainingError{State: stage, LaneCount: t.link.LaneCount, LinkRate: t.link.LinkRate, Err: err}
	return StateFailed
}

// retry decides what follows a failed clock recovery or equalization.
func (t *Trainer) retry(stage State) State {
	if !t.cfg.Adaptive {
		return t.fail(stage, pkg.ErrLaneFailed)
	}
	return StateAdjustLinkRate
}

func (t *Trainer) readCapabilities(ctx context.Context) State {
	if err := validSourceRate(t.cfg.MaxLinkRate); err != nil {
		return t.fail(StateReadCapabilities, err)
	}
	if !dpcd.ValidLaneCount(t.cfg.MaxLanes) {
		return t.fail(StateReadCapabilities,
			fmt.Errorf("lane count %d: %w", t.cfg.MaxLanes, pkg.ErrInvalidParameter))
	}

	caps, err := dpcd.ReadReceiverCaps(ctx, t.ep)
	if err != nil {
		return t.fail(StateReadCapabilities, err)
	}
	t.caps = caps

	sinkLanes := caps.Lanes()
	if !dpcd.ValidLaneCount(sinkLanes) {
		return t.fail(StateReadCapabilities,
			fmt.Errorf("sink lane count %d: %w", sinkLanes, pkg.ErrNotSupported))
	}
	sinkRate := caps.MaxLinkRate
	if !dpcd.ValidLinkRate(sinkRate) {
		// Unknown codes above HBR2 train as HBR2.
		if sinkRate < dpcd.LinkRate162 {
			return t.fail(StateReadCapabilities,
				fmt.Errorf("sink link rate %#02x: %w", sinkRate, pkg.ErrNotSupported))
		}
		sinkRate = dpcd.LinkRate540
	}

	t.link = LinkConfig{
		SourceMaxLanes:  t.cfg.MaxLanes,
		SourceMaxRate:   t.cfg.MaxLinkRate,
		SinkMaxLanes:    sinkLanes,
		SinkMaxRate:     sinkRate,
		MaxLanes:        min(t.cfg.MaxLanes, sinkLanes),
		MaxRate:         min(t.cfg.MaxLinkRate, sinkRate),
		EnhancedFraming: t.cfg.EnhancedFraming && caps.SupportsEnhancedFraming(),
		Downspread:      t.cfg.Downspread && caps.SupportsDownspread(),
	}
	t.link.LaneCount = t.link.MaxLanes
	t.link.LinkRate = t.link.MaxRate

	pkg.LogDebug(pkg.ComponentLink, "receiver capabilities",
		"revision", caps.Revision, "lanes", sinkLanes, "rate", sinkRate,
		"tps3", caps.SupportsTPS3(), "common", t.link.String())
	return StateClockRecovery
}

// configure writes the lane count, link rate and framing options to both
// ends and waits for the PHY.
func (t *Trainer) configure(ctx context.Context) error {
	l := &t.link
	t.regs.WriteReg(hal.TxLinkBWSet, uint32(l.LinkRate))
	t.regs.WriteReg(hal.TxLaneCountSet, uint32(l.LaneCount))
	t.regs.WriteReg(hal.TxEnhancedFrameEn, boolReg(l.EnhancedFraming))
	t.regs.WriteReg(hal.TxDownspreadCtrl, boolReg(l.Downspread))

	if err := t.waitPHYReady(ctx); err != nil {
		return err
	}

	lanes := l.LaneCount
	if l.EnhancedFraming {
		lanes |= dpcd.EnhancedFramingEnab
	}
	if err := t.ep.WriteDPCD(ctx, dpcd.LinkBWSet, []byte{l.LinkRate, lanes}); err != nil {
		return err
	}
	var spread uint8
	if l.Downspread {
		spread = dpcd.SpreadAmp
	}
	return t.ep.WriteDPCD(ctx, dpcd.DownspreadCtrl, []byte{spread, dpcd.ChannelCoding8b10b})
}

func (t *Trainer) waitPHYReady(ctx context.Context) error {
	ready, err := hal.Poll(ctx, t.timer, t.cfg.PHYPollAttempts, t.cfg.PollIntervalUs, func() (bool, error) {
		return t.regs.ReadReg(hal.TxPHYStatus)&hal.TxPHYStatusAllLanesReady == hal.TxPHYStatusAllLanesReady, nil
	})
	if err != nil {
		return err
	}
	if !ready {
		return pkg.ErrPHYNotReady
	}
	return nil
}

// setPattern selects pattern on both ends with the scrambler disabled and
// writes the current drive settings.
func (t *Trainer) setPattern(ctx context.Context, pattern uint8) error {
	t.link.Pattern = pattern
	t.link.Scrambling = false
	t.regs.WriteReg(hal.TxTrainingPatternSet, uint32(pattern))
	t.regs.WriteReg(hal.TxScramblingDisable, 1)

	buf := make([]byte, 1+t.link.LaneCount)
	buf[0] = pattern | dpcd.ScramblingDisable
	if err := t.laneSets(buf[1:]); err != nil {
		return err
	}
	return t.ep.WriteDPCD(ctx, dpcd.TrainingPatternSet, buf)
}

// setDrive applies the current drive settings to the PHY and the sink.
func (t *Trainer) setDrive(ctx context.Context) error {
	buf := make([]byte, t.link.LaneCount)
	if err := t.laneSets(buf); err != nil {
		return err
	}
	return t.ep.WriteDPCD(ctx, dpcd.TrainingLane0Set, buf)
}

// laneSets programs the PHY drive of each active lane and encodes the
// matching TRAINING_LANEx_SET bytes into buf.
func (t *Trainer) laneSets(buf []byte) error {
	for lane := range buf {
		swing, pe := t.link.VoltageSwing[lane], t.link.PreEmphasis[lane]
		t.regs.WriteReg(hal.TxLaneRegister(hal.TxPHYVoltageDiffLane0, lane), uint32(swing))
		t.regs.WriteReg(hal.TxLaneRegister(hal.TxPHYPostCursorLane0, lane), uint32(pe))
		b, err := dpcd.NewLaneSet(swing, pe).Byte()
		if err != nil {
			return err
		}
		buf[lane] = b
	}
	return nil
}

// adjust takes the drive levels requested in st, clamped to the levels the
// lanes can reach. It reports whether lane 0 changed its voltage swing.
func (t *Trainer) adjust(st *dpcd.LinkStatus) bool {
	prev := t.link.VoltageSwing[0]
	for lane := 0; lane < int(t.link.LaneCount); lane++ {
		swing, pe := st.AdjustRequest(lane)
		swing = min(swing, dpcd.MaxVoltageSwing)
		pe = min(pe, dpcd.MaxPreEmphasis)
		if swing+pe > dpcd.MaxDriveLevelSum {
			pe = dpcd.MaxDriveLevelSum - swing
		}
		t.link.VoltageSwing[lane] = swing
		t.link.PreEmphasis[lane] = pe
	}
	return t.link.VoltageSwing[0] != prev
}

// maxSwingReached reports whether every active lane drives at the highest
// voltage swing.
func (t *Trainer) maxSwingReached() bool {
	for lane := 0; lane < int(t.link.LaneCount); lane++ {
		if t.link.VoltageSwing[lane] < dpcd.MaxVoltageSwing {
			return false
		}
	}
	return true
}

func (t *Trainer) clockRecovery(ctx context.Context) State {
	metrics.TrainingAttemptsTotal.Inc()
	t.link.VoltageSwing = [dpcd.MaxLanes]uint8{}
	t.link.PreEmphasis = [dpcd.MaxLanes]uint8{}

	if err := t.configure(ctx); err != nil {
		return t.fail(StateClockRecovery, err)
	}
	if err := t.setPattern(ctx, dpcd.TrainingPattern1); err != nil {
		return t.fail(StateClockRecovery, err)
	}

	tries := 1
	for loop := 0; loop < MaxClockRecoveryLoops; loop++ {
		t.timer.WaitMicroseconds(t.caps.AuxReadIntervalUs(false))
		st, err := dpcd.ReadLinkStatus(ctx, t.ep)
		if err != nil {
			return t.fail(StateClockRecovery, err)
		}
		if st.ClockRecoveryDone(int(t.link.LaneCount)) {
			pkg.LogDebug(pkg.ComponentLink, "clock recovery done",
				"link", t.link.String(), "swing", t.link.VoltageSwing[0], "loops", loop+1)
			return StateChannelEqualization
		}
		if t.maxSwingReached() {
			break
		}
		if t.adjust(&st) {
			tries = 1
		} else {
			tries++
			if tries > MaxSameSwingTries {
				break
			}
		}
		if err := t.setDrive(ctx); err != nil {
			return t.fail(StateClockRecovery, err)
		}
	}

	pkg.LogDebug(pkg.ComponentLink, "clock recovery failed", "link", t.link.String())
	return t.retry(StateClockRecovery)
}

func (t *Trainer) channelEqualization(ctx context.Context) State {
	pattern := uint8(dpcd.TrainingPattern2)
	if t.cfg.TPS3 && t.caps.SupportsTPS3() {
		pattern = dpcd.TrainingPattern3
	}
	if err := t.setPattern(ctx, pattern); err != nil {
		return t.fail(StateChannelEqualization, err)
	}

	for loop := 0; loop < MaxEqualizationLoops; loop++ {
		t.timer.WaitMicroseconds(t.caps.AuxReadIntervalUs(true))
		st, err := dpcd.ReadLinkStatus(ctx, t.ep)
		if err != nil {
			return t.fail(StateChannelEqualization, err)
		}
		lanes := int(t.link.LaneCount)
		if !st.ClockRecoveryDone(lanes) {
			pkg.LogDebug(pkg.ComponentLink, "clock recovery lost", "link", t.link.String())
			break
		}
		if st.ChannelEqualized(lanes) {
			if err := t.disablePattern(ctx); err != nil {
				return t.fail(StateChannelEqualization, err)
			}
			return StateTrained
		}
		t.adjust(&st)
		if err := t.setDrive(ctx); err != nil {
			return t.fail(StateChannelEqualization, err)
		}
	}

	pkg.LogDebug(pkg.ComponentLink, "channel equalization failed", "link", t.link.String())
	return t.retry(StateChannelEqualization)
}

// disablePattern ends training and re-enables the scrambler.
func (t *Trainer) disablePattern(ctx context.Context) error {
	t.regs.WriteReg(hal.TxTrainingPatternSet, dpcd.TrainingPatternOff)
	t.regs.WriteReg(hal.TxScramblingDisable, 0)
	if err := dpcd.WriteByte(ctx, t.ep, dpcd.TrainingPatternSet, dpcd.TrainingPatternOff); err != nil {
		return err
	}
	t.link.Pattern = dpcd.TrainingPatternOff
	t.link.Scrambling = true
	return nil
}

func (t *Trainer) adjustLinkRate() State {
	rate, ok := lowerRate(t.link.LinkRate)
	if !ok {
		return StateAdjustLaneCount
	}
	metrics.TrainingDownshiftsTotal.WithLabelValues("rate").Inc()
	pkg.LogInfo(pkg.ComponentLink, "reducing link rate", "from", rateName(t.link.LinkRate), "to", rateName(rate))
	t.link.LinkRate = rate
	return StateClockRecovery
}

func (t *Trainer) adjustLaneCount() State {
	lanes, ok := lowerLanes(t.link.LaneCount)
	if !ok {
		return t.fail(StateAdjustLaneCount, pkg.ErrExhaustedDownshift)
	}
	metrics.TrainingDownshiftsTotal.WithLabelValues("lanes").Inc()
	pkg.LogInfo(pkg.ComponentLink, "reducing lane count", "from", t.link.LaneCount, "to", lanes)
	t.link.LaneCount = lanes
	t.link.LinkRate = t.link.MaxRate
	return StateClockRecovery
}

// CheckLinkStatus reads the lane status and reports whether the link is
// still trained. It fails with pkg.ErrNotTrained when training has not
// completed.
func (t *Trainer) CheckLinkStatus(ctx context.Context) (bool, error) {
	if t.state != StateTrained {
		return false, pkg.ErrNotTrained
	}
	st, err := dpcd.ReadLinkStatus(ctx, t.ep)
	if err != nil {
		return false, err
	}
	return st.ChannelEqualized(int(t.link.LaneCount)), nil
}

func boolReg(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
