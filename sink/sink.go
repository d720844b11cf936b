package sink

import (
	"context"
	"fmt"

	"github.com/ardnew/softdp/dpcd"
	"github.com/ardnew/softdp/hal"
	"github.com/ardnew/softdp/pkg"
	"github.com/ardnew/softdp/sideband"
)

// HPD pulse widths in microseconds. Pulses shorter than HPDPulseMin are
// filtered by the source.
const (
	HPDPulseMin = 250
	HPDPulseMax = 0xFFFF
)

// Sink is the receiver stack bound to an RX core.
type Sink struct {
	regs      hal.Registers
	responder *Responder
	box       MessageBox
}

// New returns a sink driving regs. Responder may be nil for an SST sink.
func New(regs hal.Registers, responder *Responder) *Sink {
	return &Sink{regs: regs, responder: responder}
}

// Enable starts the receiver.
func (s *Sink) Enable() {
	s.regs.WriteReg(hal.RxLinkEnable, 1)
	pkg.LogInfo(pkg.ComponentSink, "receiver enabled")
}

// Disable stops the receiver.
func (s *Sink) Disable() {
	s.regs.WriteReg(hal.RxLinkEnable, 0)
}

// ReadDPCD implements dpcd.Endpoint on the local DPCD.
func (s *Sink) ReadDPCD(ctx context.Context, addr uint32, buf []byte) error {
	if err := dpcd.CheckRange(addr, len(buf)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.regs.WriteReg(hal.RxDPCDAddress, addr)
	for i := range buf {
		buf[i] = uint8(s.regs.ReadReg(hal.RxDPCDData))
	}
	return nil
}

// WriteDPCD implements dpcd.Endpoint on the local DPCD.
func (s *Sink) WriteDPCD(ctx context.Context, addr uint32, data []byte) error {
	if err := dpcd.CheckRange(addr, len(data)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.regs.WriteReg(hal.RxDPCDAddress, addr)
	for _, b := range data {
		s.regs.WriteReg(hal.RxDPCDData, uint32(b))
	}
	return nil
}

// LinkConfig returns the lane count and link rate code the source
// programmed.
func (s *Sink) LinkConfig() (lanes, rate uint8) {
	lanes = uint8(s.regs.ReadReg(hal.RxLaneCountSet)) & dpcd.LaneCountMask
	rate = uint8(s.regs.ReadReg(hal.RxLinkBWSet))
	return lanes, rate
}

// GenerateHPDPulse requests an IRQ_HPD pulse of widthUs microseconds,
// clamped to [HPDPulseMin, HPDPulseMax].
func (s *Sink) GenerateHPDPulse(widthUs uint32) {
	widthUs = min(max(widthUs, HPDPulseMin), HPDPulseMax)
	s.regs.WriteReg(hal.RxHPDInterrupt, widthUs<<hal.RxHPDWidthShift|hal.RxHPDAssert)
	pkg.LogDebug(pkg.ComponentSink, "hpd pulse", "width_us", widthUs)
}

// HandleInterrupt services the pending RX interrupt causes.
func (s *Sink) HandleInterrupt(ctx context.Context) error {
	cause := s.regs.ReadReg(hal.RxInterruptCause)
	if cause&hal.RxIntTrainingDone != 0 {
		lanes, rate := s.LinkConfig()
		pkg.LogInfo(pkg.ComponentSink, "link trained", "lanes", lanes, "rate", rate)
	}
	if cause&hal.RxIntTrainingLost != 0 {
		pkg.LogWarn(pkg.ComponentSink, "link lost")
	}
	if cause&hal.RxIntDownReplyRead != 0 {
		s.ServiceDownReplyRead()
	}
	if cause&hal.RxIntDownRequest != 0 {
		return s.ServiceDownRequest(ctx)
	}
	return nil
}

// ServiceDownRequest reads one fragment from the down request buffer.
// When it completes a message, the responder's reply is queued and its
// first fragment posted to the down reply buffer.
func (s *Sink) ServiceDownRequest(ctx context.Context) error {
	n := s.regs.ReadReg(hal.RxDownRequestLength)
	if n == 0 || n > sideband.MailboxSize {
		return fmt.Errorf("down request of %d bytes: %w", n, pkg.ErrSidebandMalformed)
	}
	var raw [sideband.MailboxSize]byte
	for i := uint32(0); i < n; i++ {
		raw[i] = uint8(s.regs.ReadReg(hal.RxDownRequest + 4*i))
	}

	hdr, body, done, err := s.box.Deliver(raw[:n])
	if err != nil {
		pkg.LogWarn(pkg.ComponentSink, "down request dropped", "error", err)
		return err
	}
	if !done {
		return nil
	}
	if s.responder == nil {
		return fmt.Errorf("down request on SST sink: %w", pkg.ErrNotSupported)
	}
	reply, err := s.responder.Handle(ctx, body)
	if err != nil {
		return err
	}
	if err := s.box.Post(hdr, reply); err != nil {
		return err
	}
	s.postNext()
	return nil
}

// ServiceDownReplyRead posts the next reply fragment after the source
// cleared DOWN_REP_MSG_RDY.
func (s *Sink) ServiceDownReplyRead() {
	s.postNext()
}

func (s *Sink) postNext() {
	frag, ok := s.box.Next()
	if !ok {
		return
	}
	for i, b := range frag {
		s.regs.WriteReg(hal.RxDownReply+4*uint32(i), uint32(b))
	}
	hal.SetBits(s.regs, hal.RxDeviceServiceIRQ, dpcd.DownReplyReady)
}
