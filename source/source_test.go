package source

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ardnew/softdp/dpcd"
	"github.com/ardnew/softdp/hal"
	"github.com/ardnew/softdp/hal/sim"
	"github.com/ardnew/softdp/msa"
	"github.com/ardnew/softdp/pkg"
	"github.com/ardnew/softdp/pkg/metrics"
	"github.com/ardnew/softdp/sideband"
)

// recordingRegs records every register write on top of a simulated core.
type recordingRegs struct {
	*sim.TxCore
	writes map[uint32][]uint32
}

func (r *recordingRegs) WriteReg(offset, value uint32) {
	r.writes[offset] = append(r.writes[offset], value)
	r.TxCore.WriteReg(offset, value)
}

var _ hal.Registers = (*recordingRegs)(nil)

func newRecordingRegs(core *sim.TxCore) *recordingRegs {
	return &recordingRegs{TxCore: core, writes: make(map[uint32][]uint32)}
}

func mode(t *testing.T, name string) msa.VideoTiming {
	t.Helper()
	m, ok := msa.NewModeTable(msa.DMTModes()).Lookup(name)
	if !ok {
		t.Fatalf("mode %s missing", name)
	}
	return m
}

func testConfig(mst bool) Config {
	cfg := DefaultConfig()
	cfg.MST = mst
	cfg.Trainer.PollIntervalUs = 0
	return cfg
}

// newSST attaches an SST sink and returns a source driving it.
func newSST(t *testing.T, dc sim.DeviceConfig, cfg Config) (*sim.TxCore, *sim.Device, *Source) {
	t.Helper()
	dev := sim.NewDevice(dc)
	core := sim.NewTxCore()
	core.Plug(dev)
	return core, dev, New(core, hal.NopTimer{}, cfg)
}

// newMST builds root branch -> port 1 hub -> port 1 leaf, with an SST sink
// on root port 2 that already has a GUID, and establishes an MST link.
func newMST(t *testing.T) (*sim.TxCore, *sim.Device, *Source) {
	t.Helper()
	edid := sim.EncodeEDID(mode(t, "1280x720@60"))
	root, err := sim.Build(sim.Node{
		Config: sim.DeviceConfig{Name: "root", Branch: true, TPS3: true, EnhancedFraming: true},
		Children: []sim.Node{
			{Port: 1, Config: sim.DeviceConfig{Name: "hub", Branch: true}, Children: []sim.Node{
				{Port: 1, Config: sim.DeviceConfig{Name: "leaf", EDID: edid}},
			}},
			{Port: 2, Config: sim.DeviceConfig{Name: "sst", GUID: uuid.New()}},
		},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	core := sim.NewTxCore()
	core.Plug(root)
	src := New(core, hal.NopTimer{}, testConfig(true))
	if _, err := src.EstablishLink(context.Background()); err != nil {
		t.Fatalf("EstablishLink() error = %v", err)
	}
	if !src.MST() {
		t.Fatal("MST() = false on a branch")
	}
	return core, root, src
}

// =============================================================================
// Training Tests
// =============================================================================

func TestTrainFullRate(t *testing.T) {
	dc := sim.DeviceConfig{TPS3: true, EnhancedFraming: true, Downspread: true,
		RequiredSwing: 2, RequiredPreEmphasis: 1}
	core, dev, src := newSST(t, dc, testConfig(false))
	regs := newRecordingRegs(core)
	src = New(regs, hal.NopTimer{}, testConfig(false))

	before := testutil.ToFloat64(metrics.TrainingAttemptsTotal)
	link, err := src.EstablishLink(context.Background())
	if err != nil {
		t.Fatalf("EstablishLink() error = %v", err)
	}
	if link.LaneCount != 4 || link.LinkRate != dpcd.LinkRate540 {
		t.Errorf("link = %s, want 4xHBR2", link)
	}
	if !link.Scrambling || link.Pattern != dpcd.TrainingPatternOff {
		t.Errorf("scrambling = %v pattern = %d after training", link.Scrambling, link.Pattern)
	}
	if !link.EnhancedFraming || !link.Downspread {
		t.Errorf("framing = %v downspread = %v", link.EnhancedFraming, link.Downspread)
	}
	for lane := 0; lane < 4; lane++ {
		if link.VoltageSwing[lane] != 2 || link.PreEmphasis[lane] != 1 {
			t.Errorf("lane %d drive = %d/%d, want 2/1", lane, link.VoltageSwing[lane], link.PreEmphasis[lane])
		}
	}
	if got := testutil.ToFloat64(metrics.TrainingAttemptsTotal) - before; got != 1 {
		t.Errorf("training attempts = %v, want 1", got)
	}
	if src.Trainer().State() != StateTrained {
		t.Errorf("State() = %s", src.Trainer().State())
	}

	if core.Reg(hal.TxLinkBWSet) != dpcd.LinkRate540 || core.Reg(hal.TxLaneCountSet) != 4 {
		t.Errorf("tx link = %#x x%d", core.Reg(hal.TxLinkBWSet), core.Reg(hal.TxLaneCountSet))
	}
	if core.Reg(hal.TxTrainingPatternSet) != 0 || core.Reg(hal.TxScramblingDisable) != 0 {
		t.Error("training pattern still enabled on the transmitter")
	}
	if core.Reg(hal.TxLaneRegister(hal.TxPHYVoltageDiffLane0, 3)) != 2 {
		t.Errorf("lane 3 swing register = %d", core.Reg(hal.TxLaneRegister(hal.TxPHYVoltageDiffLane0, 3)))
	}
	if got := dev.Memory().Load(dpcd.LaneCountSet); got != 4|dpcd.EnhancedFramingEnab {
		t.Errorf("LANE_COUNT_SET = %#02x", got)
	}
	if got := dev.Memory().Load(dpcd.MainLinkChannelCode); got != dpcd.ChannelCoding8b10b {
		t.Errorf("MAIN_LINK_CHANNEL_CODING_SET = %#02x", got)
	}

	patterns := regs.writes[hal.TxTrainingPatternSet]
	want := []uint32{dpcd.TrainingPattern1, dpcd.TrainingPattern3, dpcd.TrainingPatternOff}
	if len(patterns) != len(want) {
		t.Fatalf("patterns = %v, want %v", patterns, want)
	}
	for i := range want {
		if patterns[i] != want[i] {
			t.Errorf("patterns = %v, want %v", patterns, want)
			break
		}
	}
}

func TestTrainPatternSelection(t *testing.T) {
	tests := []struct {
		name       string
		sinkTPS3   bool
		sourceTPS3 bool
		want       uint32
	}{
		{"both", true, true, dpcd.TrainingPattern3},
		{"sink only", true, false, dpcd.TrainingPattern2},
		{"source only", false, true, dpcd.TrainingPattern2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(false)
			cfg.Trainer.TPS3 = tt.sourceTPS3
			core, _, _ := newSST(t, sim.DeviceConfig{TPS3: tt.sinkTPS3}, cfg)
			regs := newRecordingRegs(core)
			src := New(regs, hal.NopTimer{}, cfg)
			if _, err := src.EstablishLink(context.Background()); err != nil {
				t.Fatalf("EstablishLink() error = %v", err)
			}
			patterns := regs.writes[hal.TxTrainingPatternSet]
			if len(patterns) < 2 || patterns[1] != tt.want {
				t.Errorf("patterns = %v, want equalization with %d", patterns, tt.want)
			}
		})
	}
}

func TestTrainDownshift(t *testing.T) {
	tests := []struct {
		name      string
		dev       sim.DeviceConfig
		wantLanes uint8
		wantRate  uint8
		rateDowns float64
		laneDowns float64
	}{
		{"rate", sim.DeviceConfig{MaxStableRate: dpcd.LinkRate270}, 4, dpcd.LinkRate270, 1, 0},
		{"lowest rate", sim.DeviceConfig{MaxStableRate: dpcd.LinkRate162}, 4, dpcd.LinkRate162, 2, 0},
		{"lanes", sim.DeviceConfig{MaxStableLanes: 2}, 2, dpcd.LinkRate540, 2, 1},
		{"sink lanes", sim.DeviceConfig{MaxLanes: 1}, 1, dpcd.LinkRate540, 0, 0},
		{"sink rate", sim.DeviceConfig{MaxLinkRate: dpcd.LinkRate270}, 4, dpcd.LinkRate270, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, src := newSST(t, tt.dev, testConfig(false))
			rate0 := testutil.ToFloat64(metrics.TrainingDownshiftsTotal.WithLabelValues("rate"))
			lane0 := testutil.ToFloat64(metrics.TrainingDownshiftsTotal.WithLabelValues("lanes"))

			link, err := src.EstablishLink(context.Background())
			if err != nil {
				t.Fatalf("EstablishLink() error = %v", err)
			}
			if link.LaneCount != tt.wantLanes || link.LinkRate != tt.wantRate {
				t.Errorf("link = %s, want %dx%s", link, tt.wantLanes, rateName(tt.wantRate))
			}
			if got := testutil.ToFloat64(metrics.TrainingDownshiftsTotal.WithLabelValues("rate")) - rate0; got != tt.rateDowns {
				t.Errorf("rate downshifts = %v, want %v", got, tt.rateDowns)
			}
			if got := testutil.ToFloat64(metrics.TrainingDownshiftsTotal.WithLabelValues("lanes")) - lane0; got != tt.laneDowns {
				t.Errorf("lane downshifts = %v, want %v", got, tt.laneDowns)
			}
		})
	}
}

func TestTrainFailures(t *testing.T) {
	never := sim.DeviceConfig{MaxStableRate: 0x05}

	t.Run("exhausted", func(t *testing.T) {
		_, _, src := newSST(t, never, testConfig(false))
		_, err := src.EstablishLink(context.Background())
		if !errors.Is(err, pkg.ErrExhaustedDownshift) {
			t.Fatalf("EstablishLink() error = %v, want ErrExhaustedDownshift", err)
		}
		var te *TrainingError
		if !errors.As(err, &te) {
			t.Fatalf("error %T is not a *TrainingError", err)
		}
		if te.State != StateAdjustLaneCount || te.LaneCount != 1 || te.LinkRate != dpcd.LinkRate162 {
			t.Errorf("TrainingError = %+v", te)
		}
		if src.Trainer().State() != StateFailed {
			t.Errorf("State() = %s", src.Trainer().State())
		}
	})

	t.Run("not adaptive", func(t *testing.T) {
		cfg := testConfig(false)
		cfg.Trainer.Adaptive = false
		_, _, src := newSST(t, sim.DeviceConfig{MaxStableRate: dpcd.LinkRate270}, cfg)
		_, err := src.EstablishLink(context.Background())
		if !errors.Is(err, pkg.ErrLaneFailed) {
			t.Fatalf("EstablishLink() error = %v, want ErrLaneFailed", err)
		}
		var te *TrainingError
		if !errors.As(err, &te) || te.State != StateClockRecovery || te.LinkRate != dpcd.LinkRate540 {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("equalization", func(t *testing.T) {
		cfg := testConfig(false)
		cfg.Trainer.Adaptive = false
		// Pre-emphasis 3 needs swing 0, but clock recovery needs swing 1.
		_, _, src := newSST(t, sim.DeviceConfig{RequiredSwing: 1, RequiredPreEmphasis: 3}, cfg)
		_, err := src.EstablishLink(context.Background())
		var te *TrainingError
		if !errors.As(err, &te) || te.State != StateChannelEqualization {
			t.Fatalf("EstablishLink() error = %v, want equalization failure", err)
		}
	})

	t.Run("phy", func(t *testing.T) {
		core, _, src := newSST(t, sim.DeviceConfig{}, testConfig(false))
		core.SetPHYFault(true)
		_, err := src.EstablishLink(context.Background())
		if !errors.Is(err, pkg.ErrPHYNotReady) {
			t.Errorf("EstablishLink() error = %v, want ErrPHYNotReady", err)
		}
	})

	t.Run("disconnected", func(t *testing.T) {
		src := New(sim.NewTxCore(), hal.NopTimer{}, testConfig(false))
		_, err := src.EstablishLink(context.Background())
		if !errors.Is(err, pkg.ErrDisconnected) {
			t.Errorf("EstablishLink() error = %v, want ErrDisconnected", err)
		}
	})

	t.Run("bad source rate", func(t *testing.T) {
		cfg := testConfig(false)
		cfg.Trainer.MaxLinkRate = 0x07
		_, _, src := newSST(t, sim.DeviceConfig{}, cfg)
		_, err := src.EstablishLink(context.Background())
		if !errors.Is(err, pkg.ErrInvalidParameter) {
			t.Errorf("EstablishLink() error = %v, want ErrInvalidParameter", err)
		}
	})
}

func TestTrainCanceled(t *testing.T) {
	_, _, src := newSST(t, sim.DeviceConfig{}, testConfig(false))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.EstablishLink(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("EstablishLink() error = %v, want context.Canceled", err)
	}
}

func TestCheckLinkStatus(t *testing.T) {
	_, dev, src := newSST(t, sim.DeviceConfig{}, testConfig(false))
	ctx := context.Background()

	if _, err := src.Trainer().CheckLinkStatus(ctx); !errors.Is(err, pkg.ErrNotTrained) {
		t.Errorf("CheckLinkStatus() before training error = %v", err)
	}
	if _, err := src.EstablishLink(ctx); err != nil {
		t.Fatalf("EstablishLink() error = %v", err)
	}
	ok, err := src.Trainer().CheckLinkStatus(ctx)
	if err != nil || !ok {
		t.Errorf("CheckLinkStatus() = %v, %v; want true", ok, err)
	}

	dev.Memory().Store(dpcd.Lane01Status, 0, 0)
	ok, err = src.Trainer().CheckLinkStatus(ctx)
	if err != nil || ok {
		t.Errorf("CheckLinkStatus() after loss = %v, %v; want false", ok, err)
	}
}

// =============================================================================
// Hot Plug Tests
// =============================================================================

func TestHandleInterrupt(t *testing.T) {
	core, dev, src := newSST(t, sim.DeviceConfig{}, testConfig(false))
	ctx := context.Background()

	ev, err := src.HandleInterrupt(ctx)
	if err != nil || ev != HPDConnect {
		t.Fatalf("HandleInterrupt() = %s, %v; want connect", ev, err)
	}
	if src.Trainer().State() != StateTrained {
		t.Fatalf("State() = %s after connect", src.Trainer().State())
	}

	if ev, _ := src.HandleInterrupt(ctx); ev != HPDNone {
		t.Errorf("HandleInterrupt() with nothing pending = %s", ev)
	}

	attempts := testutil.ToFloat64(metrics.TrainingAttemptsTotal)

	core.Pulse(HPDDebounce - 1)
	if ev, err := src.HandleInterrupt(ctx); err != nil || ev != HPDGlitch {
		t.Errorf("short pulse = %s, %v; want glitch", ev, err)
	}

	core.Pulse(HPDDebounce)
	if ev, err := src.HandleInterrupt(ctx); err != nil || ev != HPDIRQ {
		t.Errorf("pulse = %s, %v; want irq", ev, err)
	}
	if got := testutil.ToFloat64(metrics.TrainingAttemptsTotal) - attempts; got != 0 {
		t.Errorf("retrained %v times with the link locked", got)
	}

	dev.Memory().Store(dpcd.Lane01Status, 0, 0)
	core.Pulse(1000)
	if ev, err := src.HandleInterrupt(ctx); err != nil || ev != HPDIRQ {
		t.Errorf("pulse after loss = %s, %v; want irq", ev, err)
	}
	if got := testutil.ToFloat64(metrics.TrainingAttemptsTotal) - attempts; got != 1 {
		t.Errorf("retrained %v times after lock loss, want 1", got)
	}

	core.Unplug()
	if ev, err := src.HandleInterrupt(ctx); err != nil || ev != HPDDisconnect {
		t.Errorf("unplug = %s, %v; want disconnect", ev, err)
	}
	if src.Aux().Connected() || src.Trainer().State() != StateIdle {
		t.Error("source still connected after unplug")
	}
	if _, err := dpcd.ReadByte(ctx, src.Aux(), dpcd.Revision); !errors.Is(err, pkg.ErrDisconnected) {
		t.Errorf("AUX read after unplug error = %v, want ErrDisconnected", err)
	}

	core.Plug(dev)
	if ev, err := src.HandleInterrupt(ctx); err != nil || ev != HPDConnect {
		t.Errorf("replug = %s, %v; want connect", ev, err)
	}
}

// =============================================================================
// Stream Tests
// =============================================================================

func TestProgramStreamSST(t *testing.T) {
	core, _, src := newSST(t, sim.DeviceConfig{}, testConfig(false))
	ctx := context.Background()
	attrs := msa.Attributes{Timing: mode(t, "1920x1080@60"), BitsPerColor: 8}

	if err := src.ProgramStream(1, attrs); !errors.Is(err, pkg.ErrNotTrained) {
		t.Errorf("ProgramStream() untrained error = %v", err)
	}
	if _, err := src.EstablishLink(ctx); err != nil {
		t.Fatalf("EstablishLink() error = %v", err)
	}

	attrs, err := msa.Recalculate(attrs, src.LinkParams())
	if err != nil {
		t.Fatalf("Recalculate() error = %v", err)
	}
	if err := src.ProgramStream(1, attrs); err != nil {
		t.Fatalf("ProgramStream() error = %v", err)
	}

	base := hal.TxStreamBase(1)
	for _, tt := range []struct {
		name   string
		offset uint32
		want   uint32
	}{
		{"htotal", hal.TxMSAHTotal, 2200},
		{"vres", hal.TxMSAVResolution, 1080},
		{"polarity", hal.TxMSAPolarity, 3},
		{"hstart", hal.TxMSAHStart, 192},
		{"vstart", hal.TxMSAVStart, 41},
		{"misc0", hal.TxMSAMisc0, 0x20},
		{"mvid", hal.TxMSAMVid, 148500},
		{"nvid", hal.TxMSANVid, 540000},
		{"tu", hal.TxMSATransferUnit, 64},
		{"upw", hal.TxMSAUserPixelWidth, 2},
		{"data per lane", hal.TxMSADataPerLane, 2876},
		{"min bytes", hal.TxMSAMinBytesPerTU, 13},
		{"frac bytes", hal.TxMSAFracBytesPerTU, 200},
		{"init wait", hal.TxMSAInitWait, 51},
	} {
		if got := core.Reg(base + tt.offset); got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
		}
	}
	if core.Reg(hal.TxEnableMainStream)&1 == 0 {
		t.Error("main stream 1 not enabled")
	}

	if err := src.ProgramStream(2, attrs); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("ProgramStream(2) on SST error = %v", err)
	}
	if err := src.ProgramStream(5, attrs); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("ProgramStream(5) error = %v", err)
	}
	if err := src.DisableStream(1); err != nil || core.Reg(hal.TxEnableMainStream)&1 != 0 {
		t.Errorf("DisableStream(1) = %v, enable = %#x", err, core.Reg(hal.TxEnableMainStream))
	}
}

func TestReadEDIDSST(t *testing.T) {
	want := mode(t, "1920x1080@60")
	_, _, src := newSST(t, sim.DeviceConfig{EDID: sim.EncodeEDID(want)}, testConfig(false))
	got, err := src.ReadEDID(context.Background(), nil)
	if err != nil {
		t.Fatalf("ReadEDID() error = %v", err)
	}
	if got.PixelClockKHz != want.PixelClockKHz || got.HActive != want.HActive ||
		got.VActive != want.VActive || got.HTotal != want.HTotal || got.VTotal != want.VTotal {
		t.Errorf("ReadEDID() = %s, want %s", got, want)
	}

	_, _, bare := newSST(t, sim.DeviceConfig{}, testConfig(false))
	if _, err := bare.ReadEDID(context.Background(), nil); err == nil {
		t.Error("ReadEDID() without EDID succeeded")
	}
}

func TestMSTRequiresBranch(t *testing.T) {
	_, _, src := newSST(t, sim.DeviceConfig{}, testConfig(true))
	ctx := context.Background()
	if _, err := src.EstablishLink(ctx); err != nil {
		t.Fatalf("EstablishLink() error = %v", err)
	}
	if src.MST() {
		t.Error("MST() = true on an SST sink")
	}
	if _, err := src.Discover(ctx); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("Discover() error = %v", err)
	}
	if err := src.ClearPayloads(ctx); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("ClearPayloads() error = %v", err)
	}
	if _, err := src.AllocateStreams(ctx, nil); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("AllocateStreams() error = %v", err)
	}
}

func TestEstablishLinkMST(t *testing.T) {
	core, root, src := newMST(t)
	if core.Reg(hal.TxMSTConfig) != 1 {
		t.Error("transmitter MST not enabled")
	}
	if root.Memory().Load(dpcd.MSTMCtrl)&dpcd.MSTEnable == 0 {
		t.Error("sink MST not enabled")
	}
	if p := src.LinkParams(); !p.MST || p.Lanes != 4 || p.RateCode != dpcd.LinkRate540 {
		t.Errorf("LinkParams() = %+v", p)
	}
}

func TestPathResources(t *testing.T) {
	_, _, src := newMST(t)
	rad, _ := sideband.NewRelativeAddress()
	res, err := src.PathResources(context.Background(), rad, 1)
	if err != nil {
		t.Fatalf("PathResources() error = %v", err)
	}
	if res.Port != 1 || res.FullPBN == 0 || res.AvailablePBN != res.FullPBN {
		t.Errorf("PathResources() = %+v", res)
	}
}
