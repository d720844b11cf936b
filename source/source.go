package source

import (
	"context"
	"fmt"

	"github.com/ardnew/softdp/auxch"
	"github.com/ardnew/softdp/dpcd"
	"github.com/ardnew/softdp/hal"
	"github.com/ardnew/softdp/msa"
	"github.com/ardnew/softdp/pkg"
	"github.com/ardnew/softdp/sideband"
)

// HPDDebounce is the shortest HPD pulse, in microseconds, treated as an
// interrupt request. Shorter pulses are glitches.
const HPDDebounce = 500

// EDIDAddress is the I2C address of the EDID on the DDC bus.
const EDIDAddress = 0x50

// Config configures a source.
type Config struct {
	Aux       auxch.Config
	Sideband  sideband.Config
	Trainer   TrainerConfig
	Allocator AllocatorConfig

	// MST enables multi-stream transport when the sink supports it.
	MST bool

	// DataPath4Wide selects the four-wide MST data path, which rounds
	// time slots up to multiples of 4.
	DataPath4Wide bool

	// GUIDs are issued to devices without a GUID. Random GUIDs are used
	// when empty.
	GUIDs *GUIDPool
}

// DefaultConfig returns an SST configuration with default bounds.
func DefaultConfig() Config {
	return Config{
		Aux:       auxch.DefaultConfig(),
		Sideband:  sideband.DefaultConfig(),
		Trainer:   DefaultTrainerConfig(),
		Allocator: DefaultAllocatorConfig(),
	}
}

// HPDEvent classifies a hot plug interrupt.
type HPDEvent uint8

// Hot plug events.
const (
	HPDNone HPDEvent = iota
	HPDConnect
	HPDDisconnect
	HPDIRQ
	HPDGlitch
)

// String returns the event name.
func (e HPDEvent) String() string {
	switch e {
	case HPDNone:
		return "none"
	case HPDConnect:
		return "connect"
	case HPDDisconnect:
		return "disconnect"
	case HPDIRQ:
		return "irq"
	case HPDGlitch:
		return "glitch"
	default:
		return fmt.Sprintf("hpd(%d)", uint8(e))
	}
}

// Source is a DisplayPort transmitter.
type Source struct {
	regs  hal.Registers
	timer hal.Timer
	cfg   Config

	aux        *auxch.Channel
	messenger  *sideband.Messenger
	trainer    *Trainer
	discoverer *Discoverer
	allocator  *Allocator

	mst      bool
	snapshot *Snapshot
}

// New creates a source driving the transmitter core at regs.
func New(regs hal.Registers, timer hal.Timer, cfg Config) *Source {
	ch := auxch.New(regs, timer, cfg.Aux)
	m := sideband.NewMessenger(ch, timer, cfg.Sideband)
	return &Source{
		regs:       regs,
		timer:      timer,
		cfg:        cfg,
		aux:        ch,
		messenger:  m,
		trainer:    NewTrainer(regs, ch, timer, cfg.Trainer),
		discoverer: NewDiscoverer(ch, m, cfg.GUIDs),
		allocator:  NewAllocator(regs, ch, m, timer, cfg.Allocator),
	}
}

// Aux returns the AUX channel.
func (s *Source) Aux() *auxch.Channel { return s.aux }

// Messenger returns the sideband messenger.
func (s *Source) Messenger() *sideband.Messenger { return s.messenger }

// Trainer returns the link trainer.
func (s *Source) Trainer() *Trainer { return s.trainer }

// MST reports whether the link runs in MST mode.
func (s *Source) MST() bool { return s.mst }

// Snapshot returns the last discovered topology, or nil.
func (s *Source) Snapshot() *Snapshot { return s.snapshot }

// Connected reports whether HPD is asserted.
func (s *Source) Connected() bool {
	return s.regs.ReadReg(hal.TxInterruptSigState)&hal.TxSigStateHPD != 0
}

// EstablishLink enables the transmitter, trains the link and selects SST
// or MST mode.
func (s *Source) EstablishLink(ctx context.Context) (LinkConfig, error) {
	if !s.Connected() {
		s.aux.Invalidate()
		return LinkConfig{}, pkg.ErrDisconnected
	}
	s.aux.Revalidate()
	s.regs.WriteReg(hal.TxEnable, 1)

	link, err := s.trainer.Train(ctx)
	if err != nil {
		return link, err
	}

	s.mst = false
	if s.cfg.MST {
		mstm, err := dpcd.ReadByte(ctx, s.aux, dpcd.MSTMCap)
		if err != nil {
			return link, err
		}
		if mstm&dpcd.MSTCap != 0 && s.trainer.Capabilities().Revision >= dpcd.MinimumDPCDForMST {
			if err := dpcd.WriteByte(ctx, s.aux, dpcd.MSTMCtrl, dpcd.MSTEnable); err != nil {
				return link, err
			}
			s.mst = true
		}
	}
	s.regs.WriteReg(hal.TxMSTConfig, boolReg(s.mst))

	pkg.LogInfo(pkg.ComponentSource, "link established", "link", link.String(), "mst", s.mst)
	return link, nil
}

// LinkParams returns the trained link as MSA link parameters.
func (s *Source) LinkParams() msa.LinkParams {
	l := s.trainer.Link()
	return msa.LinkParams{
		Lanes:         l.LaneCount,
		RateCode:      l.LinkRate,
		MST:           s.mst,
		DataPath4Wide: s.cfg.DataPath4Wide,
	}
}

// HandleInterrupt services a pending hot plug interrupt. A connect trains
// the link, a disconnect invalidates the AUX channel and an IRQ retrains
// the link if it lost lock. Pulses shorter than HPDDebounce are ignored.
func (s *Source) HandleInterrupt(ctx context.Context) (HPDEvent, error) {
	status := s.regs.ReadReg(hal.TxInterruptStatus)

	switch {
	case status&hal.TxIntHPDEvent != 0:
		if !s.Connected() {
			s.aux.Invalidate()
			s.trainer.Reset()
			s.mst = false
			s.snapshot = nil
			pkg.LogInfo(pkg.ComponentSource, "sink disconnected")
			return HPDDisconnect, nil
		}
		pkg.LogInfo(pkg.ComponentSource, "sink connected")
		_, err := s.EstablishLink(ctx)
		return HPDConnect, err

	case status&hal.TxIntHPDPulse != 0:
		width := s.regs.ReadReg(hal.TxHPDDuration)
		if width < HPDDebounce {
			pkg.LogDebug(pkg.ComponentSource, "hpd glitch ignored", "width_us", width)
			return HPDGlitch, nil
		}
		ok, err := s.trainer.CheckLinkStatus(ctx)
		if err != nil || ok {
			return HPDIRQ, err
		}
		pkg.LogWarn(pkg.ComponentSource, "link lost lock, retraining")
		_, err = s.EstablishLink(ctx)
		return HPDIRQ, err
	}
	return HPDNone, nil
}

// Discover walks the MST topology. It requires an established MST link.
func (s *Source) Discover(ctx context.Context) (*Snapshot, error) {
	if !s.mst {
		return nil, fmt.Errorf("discover: %w", pkg.ErrNotSupported)
	}
	snap, err := s.discoverer.Discover(ctx)
	if err != nil {
		return nil, err
	}
	s.snapshot = snap
	return snap, nil
}

// ClearPayloads empties the VC payload tables of the transmitter and the
// topology.
func (s *Source) ClearPayloads(ctx context.Context) error {
	if !s.mst {
		return fmt.Errorf("clear payloads: %w", pkg.ErrNotSupported)
	}
	return s.allocator.ClearTable(ctx)
}

// AllocateStreams places streams in the VC payload tables.
func (s *Source) AllocateStreams(ctx context.Context, streams []StreamConfig) ([]Allocation, error) {
	if !s.mst {
		return nil, fmt.Errorf("allocate streams: %w", pkg.ErrNotSupported)
	}
	return s.allocator.Allocate(ctx, streams)
}

// PathResources queries the PBN available through port of the branch at
// rad.
func (s *Source) PathResources(ctx context.Context, rad sideband.RelativeAddress, port uint8) (sideband.EnumPathResourcesReply, error) {
	if !s.mst {
		return sideband.EnumPathResourcesReply{}, fmt.Errorf("path resources: %w", pkg.ErrNotSupported)
	}
	return s.messenger.EnumPathResources(ctx, rad, port)
}

// ReadEDID reads the base EDID block of a sink and returns its preferred
// timing. A nil entry reads the directly attached sink over I2C-over-AUX;
// an MST sink is read with REMOTE_I2C_READ through its parent branch.
func (s *Source) ReadEDID(ctx context.Context, entry *SinkEntry) (msa.VideoTiming, error) {
	edid, err := s.ReadEDIDBlock(ctx, entry)
	if err != nil {
		return msa.VideoTiming{}, err
	}
	return msa.ParseEDID(edid)
}

// ReadEDIDBlock returns the raw base EDID block of a sink, addressed as in
// ReadEDID.
func (s *Source) ReadEDIDBlock(ctx context.Context, entry *SinkEntry) ([]byte, error) {
	if entry == nil {
		edid := make([]byte, msa.EDIDBlockSize)
		if err := s.aux.I2CRead(ctx, EDIDAddress, 0, edid); err != nil {
			return nil, fmt.Errorf("read edid: %w", err)
		}
		return edid, nil
	}
	rad := entry.Node.RAD
	if rad.Len() == 0 {
		return nil, fmt.Errorf("read edid: sink at root: %w", pkg.ErrInvalidParameter)
	}
	req := sideband.RemoteI2CReadRequest{
		Port:         rad.Last(),
		Writes:       []sideband.I2CTransaction{{DeviceID: EDIDAddress, Data: []byte{0}}},
		ReadDeviceID: EDIDAddress,
		ReadCount:    msa.EDIDBlockSize,
	}
	edid, err := s.messenger.RemoteI2CRead(ctx, rad.Parent(), req)
	if err != nil {
		return nil, fmt.Errorf("read edid at %s: %w", rad, err)
	}
	return edid, nil
}

// ProgramStream writes the main stream attributes of stream 1..MaxStreams
// and enables the main stream. attrs must come from msa.Recalculate for
// the current link.
func (s *Source) ProgramStream(stream int, attrs msa.Attributes) error {
	base := hal.TxStreamBase(stream)
	if base == 0 {
		return fmt.Errorf("stream %d: %w", stream, pkg.ErrInvalidParameter)
	}
	if s.trainer.State() != StateTrained {
		return pkg.ErrNotTrained
	}
	if !s.mst && stream != 1 {
		return fmt.Errorf("stream %d without mst: %w", stream, pkg.ErrNotSupported)
	}

	t, d := attrs.Timing, attrs.Derived
	var polarity uint32
	if t.HSyncPositive {
		polarity |= 1 << 0
	}
	if t.VSyncPositive {
		polarity |= 1 << 1
	}

	for _, w := range []struct {
		offset uint32
		value  uint32
	}{
		{hal.TxMSAHTotal, uint32(t.HTotal)},
		{hal.TxMSAVTotal, uint32(t.VTotal)},
		{hal.TxMSAPolarity, polarity},
		{hal.TxMSAHSyncWidth, uint32(t.HSyncWidth)},
		{hal.TxMSAVSyncWidth, uint32(t.VSyncWidth)},
		{hal.TxMSAHResolution, uint32(t.HActive)},
		{hal.TxMSAVResolution, uint32(t.VActive)},
		{hal.TxMSAHStart, uint32(d.HStart)},
		{hal.TxMSAVStart, uint32(d.VStart)},
		{hal.TxMSAMisc0, uint32(d.Misc0)},
		{hal.TxMSAMisc1, uint32(d.Misc1)},
		{hal.TxMSAMVid, d.MVid},
		{hal.TxMSANVid, d.NVid},
		{hal.TxMSATransferUnit, uint32(d.TransferUnitSize)},
		{hal.TxMSAUserPixelWidth, uint32(d.UserPixelWidth)},
		{hal.TxMSADataPerLane, d.DataPerLane},
		{hal.TxMSAMinBytesPerTU, d.AvgBytesPerTU.Int},
		{hal.TxMSAFracBytesPerTU, d.AvgBytesPerTU.Frac},
		{hal.TxMSAInitWait, d.InitWait},
	} {
		s.regs.WriteReg(base+w.offset, w.value)
	}
	if s.mst {
		s.regs.WriteReg(base+hal.TxMSAStreamTimeSlots, uint32(d.TimeSlots))
	}
	hal.SetBits(s.regs, hal.TxEnableMainStream, 1<<uint(stream-1))

	pkg.LogInfo(pkg.ComponentSource, "stream programmed",
		"stream", stream, "mode", t.String(), "tu", d.AvgBytesPerTU.String())
	return nil
}

// DisableStream stops a main stream.
func (s *Source) DisableStream(stream int) error {
	if hal.TxStreamBase(stream) == 0 {
		return fmt.Errorf("stream %d: %w", stream, pkg.ErrInvalidParameter)
	}
	hal.ClearBits(s.regs, hal.TxEnableMainStream, 1<<uint(stream-1))
	return nil
}
