package source

import (
	"context"
	"fmt"

	"github.com/ardnew/softdp/dpcd"
	"github.com/ardnew/softdp/hal"
	"github.com/ardnew/softdp/msa"
	"github.com/ardnew/softdp/pkg"
	"github.com/ardnew/softdp/pkg/metrics"
	"github.com/ardnew/softdp/sideband"
)

// MaxStreams is the number of MST streams of the transmitter.
const MaxStreams = 4

// StreamConfig places one MST stream.
type StreamConfig struct {
	// Stream is the stream number 1..MaxStreams, also used as the VC
	// payload id.
	Stream  int
	Enabled bool

	// RAD addresses the sink: the branch path followed by the sink's port.
	RAD       sideband.RelativeAddress
	PBN       uint16
	TimeSlots uint8
}

// LinkCountTotal returns the link count to the sink.
func (s StreamConfig) LinkCountTotal() uint8 { return s.RAD.LinkCountTotal() }

// StreamFor builds the stream configuration carrying attrs to a sink.
func StreamFor(stream int, entry SinkEntry, attrs msa.Attributes) StreamConfig {
	return StreamConfig{
		Stream:    stream,
		Enabled:   true,
		RAD:       entry.Node.RAD,
		PBN:       attrs.Derived.PBN,
		TimeSlots: attrs.Derived.TimeSlots,
	}
}

// Allocation is the time slot range committed to a stream.
type Allocation struct {
	Stream int
	Start  uint8
	Count  uint8
}

// AllocatorConfig bounds the payload table polls.
type AllocatorConfig struct {
	PollAttempts   int
	PollIntervalUs uint32
}

// DefaultAllocatorConfig returns the standard allocator configuration.
func DefaultAllocatorConfig() AllocatorConfig {
	return AllocatorConfig{PollAttempts: 100, PollIntervalUs: 100}
}

// PayloadMessenger is the subset of [sideband.Messenger] used for payload
// allocation.
type PayloadMessenger interface {
	AllocatePayload(ctx context.Context, rad sideband.RelativeAddress, req sideband.AllocatePayloadRequest) (sideband.AllocatePayloadReply, error)
	ClearPayloadIDTable(ctx context.Context) error
}

var _ PayloadMessenger = (*sideband.Messenger)(nil)

// Allocator keeps the transmitter and sink VC payload tables in step.
type Allocator struct {
	regs  hal.Registers
	ep    dpcd.Endpoint
	sb    PayloadMessenger
	timer hal.Timer
	cfg   AllocatorConfig
}

// NewAllocator creates an allocator.
func NewAllocator(regs hal.Registers, ep dpcd.Endpoint, sb PayloadMessenger, timer hal.Timer, cfg AllocatorConfig) *Allocator {
	if cfg.PollAttempts < 1 {
		cfg.PollAttempts = 1
	}
	return &Allocator{regs: regs, ep: ep, sb: sb, timer: timer, cfg: cfg}
}

// ClearTable empties the transmitter table and the sink table, then
// broadcasts CLEAR_PAYLOAD_ID_TABLE to every branch.
func (a *Allocator) ClearTable(ctx context.Context) error {
	for slot := uint32(0); slot < dpcd.PayloadTableSize; slot++ {
		a.regs.WriteReg(hal.TxVCPayloadBuffer+4*slot, 0)
	}
	for stream := 1; stream <= MaxStreams; stream++ {
		a.regs.WriteReg(hal.TxStreamBase(stream)+hal.TxMSAStreamTimeSlots, 0)
	}

	if err := a.writeTriplet(ctx, 0, 0, dpcd.PayloadClearAll); err != nil {
		return &AllocationError{Committed: true, Err: err}
	}
	if err := a.sb.ClearPayloadIDTable(ctx); err != nil {
		return &AllocationError{Committed: true, Err: err}
	}
	pkg.LogInfo(pkg.ComponentPayload, "payload tables cleared")
	return nil
}

// readTable reads the sink VC payload table. Entry 0 holds the update
// status and is not a time slot.
func (a *Allocator) readTable(ctx context.Context) ([dpcd.PayloadTableSize]uint8, error) {
	var table [dpcd.PayloadTableSize]uint8
	if err := a.ep.ReadDPCD(ctx, dpcd.PayloadTable, table[:]); err != nil {
		return table, err
	}
	table[0] = 0
	return table, nil
}

// Plan assigns each enabled stream the first run of free slots in table,
// after releasing any slots the stream already holds. It does not modify
// table.
func Plan(table [dpcd.PayloadTableSize]uint8, streams []StreamConfig) ([]Allocation, error) {
	local := table
	local[0] = 0xFF
	var plan []Allocation
	for _, s := range streams {
		if !s.Enabled {
			continue
		}
		if s.Stream < 1 || s.Stream > MaxStreams {
			return nil, &AllocationError{Stream: s.Stream,
				Err: fmt.Errorf("stream number: %w", pkg.ErrInvalidParameter)}
		}
		if s.TimeSlots == 0 || s.TimeSlots > msa.MaxTimeSlots {
			return nil, &AllocationError{Stream: s.Stream,
				Err: fmt.Errorf("%d time slots: %w", s.TimeSlots, pkg.ErrInvalidParameter)}
		}

		id := uint8(s.Stream)
		for i := 1; i < len(local); i++ {
			if local[i] == id {
				local[i] = 0
			}
		}
		start, ok := firstFit(&local, s.TimeSlots)
		if !ok {
			return nil, &AllocationError{Stream: s.Stream,
				Err: fmt.Errorf("%d time slots: %w", s.TimeSlots, pkg.ErrSlotExhausted)}
		}
		for i := start; i < start+s.TimeSlots; i++ {
			local[i] = id
		}
		plan = append(plan, Allocation{Stream: s.Stream, Start: start, Count: s.TimeSlots})
	}
	return plan, nil
}

func firstFit(table *[dpcd.PayloadTableSize]uint8, count uint8) (uint8, bool) {
	run := 0
	for i := 1; i < len(table); i++ {
		if table[i] != 0 {
			run = 0
			continue
		}
		run++
		if run == int(count) {
			return uint8(i - run + 1), true
		}
	}
	return 0, false
}

// Allocate plans every enabled stream against the sink table and commits
// the plan only when all of them fit. A stream that does not fit fails the
// call with pkg.ErrSlotExhausted before any table is written.
func (a *Allocator) Allocate(ctx context.Context, streams []StreamConfig) ([]Allocation, error) {
	table, err := a.readTable(ctx)
	if err != nil {
		return nil, &AllocationError{Err: fmt.Errorf("read payload table: %w", err)}
	}
	plan, err := Plan(table, streams)
	if err != nil {
		return nil, err
	}
	if len(plan) == 0 {
		return nil, nil
	}

	for _, p := range plan {
		if err := a.commit(ctx, table, p); err != nil {
			return nil, &AllocationError{Stream: p.Stream, Committed: true, Err: err}
		}
	}

	if err := a.trigger(ctx); err != nil {
		return nil, &AllocationError{Committed: true, Err: err}
	}

	for _, s := range streams {
		if !s.Enabled {
			continue
		}
		if err := a.allocatePath(ctx, s); err != nil {
			return nil, &AllocationError{Stream: s.Stream, Committed: true, Err: err}
		}
	}
	return plan, nil
}

// commit writes one planned allocation to the transmitter and the sink.
func (a *Allocator) commit(ctx context.Context, table [dpcd.PayloadTableSize]uint8, p Allocation) error {
	id := uint8(p.Stream)
	for i := 1; i < len(table); i++ {
		if table[i] != id {
			continue
		}
		// Release the stream's previous slots first.
		for slot := uint32(1); slot < dpcd.PayloadTableSize; slot++ {
			if table[slot] == id {
				a.regs.WriteReg(hal.TxVCPayloadBuffer+4*slot, 0)
			}
		}
		if err := a.writeTriplet(ctx, id, 0, 0); err != nil {
			return err
		}
		break
	}

	for slot := uint32(p.Start); slot < uint32(p.Start)+uint32(p.Count); slot++ {
		a.regs.WriteReg(hal.TxVCPayloadBuffer+4*slot, uint32(id))
	}
	a.regs.WriteReg(hal.TxStreamBase(p.Stream)+hal.TxMSAStreamTimeSlots, uint32(p.Count))

	if err := a.writeTriplet(ctx, id, p.Start, p.Count); err != nil {
		return err
	}
	metrics.TimeSlotsAllocatedTotal.Add(float64(p.Count))
	pkg.LogDebug(pkg.ComponentPayload, "payload committed",
		"stream", p.Stream, "start", p.Start, "count", p.Count)
	return nil
}

// writeTriplet writes PAYLOAD_ALLOCATE_SET/START/COUNT and waits for the
// sink to report the table updated.
func (a *Allocator) writeTriplet(ctx context.Context, id, start, count uint8) error {
	if err := a.ep.WriteDPCD(ctx, dpcd.PayloadAllocateSet, []byte{id, start, count}); err != nil {
		return err
	}
	return a.waitStatus(ctx, dpcd.PayloadTableUpdated)
}

// waitStatus polls PAYLOAD_TABLE_UPDATE_STATUS for bit and clears it.
func (a *Allocator) waitStatus(ctx context.Context, bit uint8) error {
	ok, err := hal.Poll(ctx, a.timer, a.cfg.PollAttempts, a.cfg.PollIntervalUs, func() (bool, error) {
		st, err := dpcd.ReadByte(ctx, a.ep, dpcd.PayloadTableStatus)
		return st&bit != 0, err
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("payload table status bit %#02x: %w", bit, pkg.ErrTableUpdateTimeout)
	}
	return dpcd.WriteByte(ctx, a.ep, dpcd.PayloadTableStatus, bit)
}

// trigger sends the allocation change trigger and waits for the sink to
// handle it.
func (a *Allocator) trigger(ctx context.Context) error {
	a.regs.WriteReg(hal.TxPayloadTrigger, hal.TxPayloadTriggerACT)
	idle, err := hal.Poll(ctx, a.timer, a.cfg.PollAttempts, a.cfg.PollIntervalUs, func() (bool, error) {
		return a.regs.ReadReg(hal.TxPayloadTrigger)&hal.TxPayloadTriggerBusy == 0, nil
	})
	if err != nil {
		return err
	}
	if !idle {
		return fmt.Errorf("act sequence busy: %w", pkg.ErrTableUpdateTimeout)
	}
	return a.waitStatus(ctx, dpcd.ACTHandled)
}

// allocatePath reserves the stream's PBN on every branch between the
// source and the sink.
func (a *Allocator) allocatePath(ctx context.Context, s StreamConfig) error {
	for hop := 0; hop < s.RAD.Len(); hop++ {
		req := sideband.AllocatePayloadRequest{
			Port: s.RAD.Port(hop),
			VCID: uint8(s.Stream),
			PBN:  s.PBN,
		}
		rad := s.RAD.Prefix(hop)
		reply, err := a.sb.AllocatePayload(ctx, rad, req)
		if err != nil {
			return err
		}
		if reply.VCID != req.VCID || reply.PBN != req.PBN {
			return fmt.Errorf("allocate payload at %s: vcid %d pbn %d, requested %d/%d: %w",
				rad, reply.VCID, reply.PBN, req.VCID, req.PBN, pkg.ErrRequestMismatch)
		}
	}
	return nil
}
