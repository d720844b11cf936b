package auxch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ardnew/softdp/dpcd"
	"github.com/ardnew/softdp/hal"
	"github.com/ardnew/softdp/pkg"
	"github.com/ardnew/softdp/pkg/metrics"
)

// Config bounds the AUX channel's retries and polls.
type Config struct {
	// MaxDeferRetries is how many times a deferred request is reissued.
	MaxDeferRetries int

	// IdlePollAttempts bounds the wait for a previous request to finish.
	IdlePollAttempts int

	// ReplyPollAttempts bounds the wait for a reply.
	ReplyPollAttempts int

	// PollIntervalUs is the wait between status reads.
	PollIntervalUs uint32
}

// DefaultConfig returns the standard AUX channel configuration.
func DefaultConfig() Config {
	return Config{
		MaxDeferRetries:   7,
		IdlePollAttempts:  20,
		ReplyPollAttempts: 50,
		PollIntervalUs:    10,
	}
}

// Channel issues AUX transactions through transmitter core registers.
type Channel struct {
	regs  hal.Registers
	timer hal.Timer
	cfg   Config

	invalid atomic.Bool
}

var _ dpcd.Endpoint = (*Channel)(nil)

// New creates a channel over the transmitter registers.
func New(regs hal.Registers, timer hal.Timer, cfg Config) *Channel {
	if cfg.MaxDeferRetries < 0 {
		cfg.MaxDeferRetries = 0
	}
	if cfg.IdlePollAttempts < 1 {
		cfg.IdlePollAttempts = 1
	}
	if cfg.ReplyPollAttempts < 1 {
		cfg.ReplyPollAttempts = 1
	}
	return &Channel{regs: regs, timer: timer, cfg: cfg}
}

// Invalidate marks the sink disconnected. Transactions fail with
// pkg.ErrDisconnected until Revalidate is called.
func (c *Channel) Invalidate() {
	if !c.invalid.Swap(true) {
		pkg.LogInfo(pkg.ComponentAux, "channel invalidated")
	}
}

// Revalidate clears a previous Invalidate.
func (c *Channel) Revalidate() {
	if c.invalid.Swap(false) {
		pkg.LogInfo(pkg.ComponentAux, "channel revalidated")
	}
}

// Connected reports whether the channel is usable.
func (c *Channel) Connected() bool {
	return !c.invalid.Load()
}

// Transact performs one AUX request, retrying on DEFER.
func (c *Channel) Transact(ctx context.Context, req Request) (Reply, error) {
	n := req.Count()
	if n < 0 || n > MaxDataBytes {
		return Reply{}, fmt.Errorf("aux %s: %d bytes: %w", req.Kind, n, pkg.ErrInvalidParameter)
	}
	if req.Kind.IsNative() {
		if err := dpcd.CheckRange(req.Address, n); err != nil {
			return Reply{}, err
		}
	}

	metrics.AuxTransactionsTotal.WithLabelValues(req.Kind.String()).Inc()

	for attempt := 0; ; attempt++ {
		reply, err := c.issue(ctx, &req)
		if err != nil {
			return reply, c.fail(req, err)
		}

		switch {
		case reply.Code.Defer():
			if attempt >= c.cfg.MaxDeferRetries {
				return reply, c.fail(req, fmt.Errorf("%d defers: %w", attempt+1, pkg.ErrAuxTimeout))
			}
			metrics.AuxDefersTotal.Inc()
			pkg.LogDebug(pkg.ComponentAux, "request deferred",
				"kind", req.Kind, "address", req.Address, "attempt", attempt+1)
			continue

		case reply.Code.Nack():
			return reply, c.fail(req, fmt.Errorf("%s: %w", reply.Code, pkg.ErrAuxRejected))

		case reply.Code != ReplyAck:
			return reply, c.fail(req, fmt.Errorf("%s: %w", reply.Code, pkg.ErrAuxMalformed))
		}

		if req.Kind.IsRead() {
			if len(reply.Data) > req.Length ||
				(req.Kind == NativeRead && len(reply.Data) != req.Length) {
				return reply, c.fail(req, fmt.Errorf("got %d of %d bytes: %w",
					len(reply.Data), req.Length, pkg.ErrAuxMalformed))
			}
		}
		return reply, nil
	}
}

func (c *Channel) fail(req Request, err error) error {
	cause := "other"
	switch {
	case errors.Is(err, pkg.ErrDisconnected):
		cause = "disconnected"
	case errors.Is(err, pkg.ErrAuxTimeout):
		cause = "timeout"
	case errors.Is(err, pkg.ErrAuxRejected):
		cause = "rejected"
	case errors.Is(err, pkg.ErrAuxMalformed):
		cause = "malformed"
	}
	metrics.AuxErrorsTotal.WithLabelValues(cause).Inc()
	pkg.LogDebug(pkg.ComponentAux, "transaction failed",
		"kind", req.Kind, "address", req.Address, "error", err)
	return fmt.Errorf("aux %s 0x%05X: %w", req.Kind, req.Address, err)
}

// issue writes one request to the hardware and collects the reply.
func (c *Channel) issue(ctx context.Context, req *Request) (Reply, error) {
	if c.invalid.Load() {
		return Reply{}, pkg.ErrDisconnected
	}

	idle, err := hal.Poll(ctx, c.timer, c.cfg.IdlePollAttempts, c.cfg.PollIntervalUs, func() (bool, error) {
		return c.regs.ReadReg(hal.TxInterruptSigState)&hal.TxSigStateRequestInProgress == 0, nil
	})
	if err != nil {
		return Reply{}, err
	}
	if !idle {
		return Reply{}, fmt.Errorf("request still in progress: %w", pkg.ErrAuxTimeout)
	}

	c.regs.WriteReg(hal.TxAuxAddress, req.Address&dpcd.MaxAddress)
	if !req.Kind.IsRead() {
		for _, b := range req.Data {
			c.regs.WriteReg(hal.TxAuxWriteFIFO, uint32(b))
		}
	}

	cmd := req.command() << hal.TxAuxCommandShift
	if n := req.Count(); n == 0 {
		cmd |= hal.TxAuxCommandAddressOnly
	} else {
		cmd |= uint32(n-1) & hal.TxAuxCommandCountMask
	}
	c.regs.WriteReg(hal.TxAuxCommand, cmd)

	var state uint32
	done, err := hal.Poll(ctx, c.timer, c.cfg.ReplyPollAttempts, c.cfg.PollIntervalUs, func() (bool, error) {
		if c.invalid.Load() {
			return false, pkg.ErrDisconnected
		}
		state = c.regs.ReadReg(hal.TxInterruptSigState)
		return state&(hal.TxSigStateReplyReceived|hal.TxSigStateReplyTimeout) != 0, nil
	})
	if err != nil {
		return Reply{}, err
	}
	if !done || state&hal.TxSigStateReplyReceived == 0 {
		return Reply{}, pkg.ErrAuxTimeout
	}

	reply := Reply{Code: ReplyCode(c.regs.ReadReg(hal.TxAuxReplyCode) & 0xF)}
	if reply.Code == ReplyAck && req.Kind.IsRead() {
		n := int(c.regs.ReadReg(hal.TxReplyDataCount))
		if n > MaxDataBytes {
			return reply, fmt.Errorf("reply count %d: %w", n, pkg.ErrAuxMalformed)
		}
		reply.Data = make([]byte, n)
		for i := range reply.Data {
			reply.Data[i] = uint8(c.regs.ReadReg(hal.TxAuxReplyData))
		}
	}
	if c.invalid.Load() {
		return Reply{}, pkg.ErrDisconnected
	}
	return reply, nil
}

// ReadDPCD reads len(buf) bytes of sink DPCD starting at addr.
func (c *Channel) ReadDPCD(ctx context.Context, addr uint32, buf []byte) error {
	if err := dpcd.CheckRange(addr, len(buf)); err != nil {
		return err
	}
	for off := 0; off < len(buf); off += MaxDataBytes {
		n := min(MaxDataBytes, len(buf)-off)
		reply, err := c.Transact(ctx, Request{
			Kind:    NativeRead,
			Address: addr + uint32(off),
			Length:  n,
		})
		if err != nil {
			return err
		}
		copy(buf[off:off+n], reply.Data)
	}
	return nil
}

// WriteDPCD writes data to sink DPCD starting at addr.
func (c *Channel) WriteDPCD(ctx context.Context, addr uint32, data []byte) error {
	if err := dpcd.CheckRange(addr, len(data)); err != nil {
		return err
	}
	for off := 0; off < len(data); off += MaxDataBytes {
		n := min(MaxDataBytes, len(data)-off)
		if _, err := c.Transact(ctx, Request{
			Kind:    NativeWrite,
			Address: addr + uint32(off),
			Data:    data[off : off+n],
		}); err != nil {
			return err
		}
	}
	return nil
}
