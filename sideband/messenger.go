package sideband

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/softdp/dpcd"
	"github.com/ardnew/softdp/hal"
	"github.com/ardnew/softdp/pkg"
	"github.com/ardnew/softdp/pkg/metrics"
)

// Config bounds the wait for down replies.
type Config struct {
	// ReplyPollAttempts bounds the polls of DOWN_REP_MSG_RDY per fragment.
	ReplyPollAttempts int

	// PollIntervalUs is the wait between polls.
	PollIntervalUs uint32
}

// DefaultConfig returns the standard messenger configuration.
func DefaultConfig() Config {
	return Config{
		ReplyPollAttempts: 200,
		PollIntervalUs:    500,
	}
}

// Messenger sends down requests and receives down replies through the
// DPCD mailboxes of the directly attached device.
type Messenger struct {
	ep    dpcd.Endpoint
	timer hal.Timer
	cfg   Config
	seq   uint8

	capture *Capture
}

// NewMessenger creates a messenger over ep.
func NewMessenger(ep dpcd.Endpoint, timer hal.Timer, cfg Config) *Messenger {
	if cfg.ReplyPollAttempts < 1 {
		cfg.ReplyPollAttempts = 1
	}
	return &Messenger{ep: ep, timer: timer, cfg: cfg}
}

// SetCapture records every mailbox fragment to c. A nil c stops capturing.
func (m *Messenger) SetCapture(c *Capture) { m.capture = c }

func (m *Messenger) record(dir Direction, addr uint32, raw []byte) {
	if m.capture == nil {
		return
	}
	if err := m.capture.Record(dir, addr, raw); err != nil {
		pkg.LogWarn(pkg.ComponentSideband, "capture failed", "error", err)
	}
}

// Send fragments body and writes each fragment to the DOWN_REQ mailbox.
func (m *Messenger) Send(ctx context.Context, hdr Header, body []byte) error {
	frags, err := Fragments(hdr, body, MailboxSize)
	if err != nil {
		return err
	}
	var buf [MailboxSize]byte
	for i := range frags {
		n, err := frags[i].MarshalTo(buf[:])
		if err != nil {
			return err
		}
		if err := m.ep.WriteDPCD(ctx, dpcd.DownRequestBase, buf[:n]); err != nil {
			return fmt.Errorf("down request fragment %d: %w", i, err)
		}
		m.record(DirectionDownRequest, dpcd.DownRequestBase, buf[:n])
	}
	pkg.LogDebug(pkg.ComponentSideband, "down request sent",
		"rad", hdr.RAD, "bytes", len(body), "fragments", len(frags), "seq", hdr.Sequence)
	return nil
}

// Receive reassembles one down reply. Each fragment is read after
// DOWN_REP_MSG_RDY is raised and acknowledged by clearing it. A fragment
// failing its CRC is never appended. On error the returned reply holds
// the fragments accumulated so far.
func (m *Messenger) Receive(ctx context.Context) (*Reply, error) {
	reply := &Reply{}
	for !reply.Complete() {
		if err := m.waitReady(ctx); err != nil {
			return reply, err
		}
		raw, rerr := m.readMailbox(ctx)

		if err := dpcd.WriteByte(ctx, m.ep, dpcd.DeviceServiceIRQESI0, dpcd.DownReplyReady); err != nil {
			return reply, fmt.Errorf("clear reply ready: %w", err)
		}
		if rerr != nil {
			return reply, rerr
		}
		m.record(DirectionDownReply, dpcd.DownReplyBase, raw)

		frag, _, err := ParseFragment(raw)
		if err != nil {
			return reply, err
		}
		if err := reply.Append(frag.Header, frag.Data); err != nil {
			return reply, err
		}
	}
	return reply, nil
}

func (m *Messenger) waitReady(ctx context.Context) error {
	ready, err := hal.Poll(ctx, m.timer, m.cfg.ReplyPollAttempts, m.cfg.PollIntervalUs, func() (bool, error) {
		esi, err := dpcd.ReadByte(ctx, m.ep, dpcd.DeviceServiceIRQESI0)
		if err != nil {
			return false, err
		}
		return esi&dpcd.DownReplyReady != 0, nil
	})
	if err != nil {
		return err
	}
	if !ready {
		return pkg.ErrSidebandTimeout
	}
	return nil
}

// headerProbe covers the largest header and its body length field.
const headerProbe = 16

// readMailbox reads one fragment from DOWN_REP, sized by its header.
func (m *Messenger) readMailbox(ctx context.Context) ([]byte, error) {
	var box [MailboxSize]byte
	if err := m.ep.ReadDPCD(ctx, dpcd.DownReplyBase, box[:headerProbe]); err != nil {
		return nil, err
	}
	lct := box[0] >> 4
	if lct == 0 {
		return nil, fmt.Errorf("down reply: zero link count: %w", pkg.ErrSidebandMalformed)
	}
	hlen := MinHeaderSize + int(lct)/2
	total := hlen + int(box[hlen-2]&0x3F)
	if total > MailboxSize {
		return nil, fmt.Errorf("down reply: %d bytes: %w", total, pkg.ErrBufferExhausted)
	}
	if total > headerProbe {
		if err := m.ep.ReadDPCD(ctx, dpcd.DownReplyBase+headerProbe, box[headerProbe:total]); err != nil {
			return nil, err
		}
	}
	return box[:total], nil
}

// Transact sends req to the device addressed by hdr and returns its
// decoded reply. A NACK is returned as a *NackError.
func (m *Messenger) Transact(ctx context.Context, hdr Header, req Request) (ReplyBody, error) {
	id := req.RequestID()
	hdr.Sequence = m.seq
	m.seq ^= 1
	metrics.SidebandMessagesTotal.WithLabelValues(id.String()).Inc()

	reply, err := m.transact(ctx, hdr, req)
	if err != nil {
		metrics.SidebandErrorsTotal.WithLabelValues(errorCause(err)).Inc()
		pkg.LogDebug(pkg.ComponentSideband, "sideband transaction failed",
			"request", id, "rad", hdr.RAD, "error", err)
		return nil, fmt.Errorf("%s to %s: %w", id, hdr.RAD, err)
	}
	return reply, nil
}

func (m *Messenger) transact(ctx context.Context, hdr Header, req Request) (ReplyBody, error) {
	if err := m.Send(ctx, hdr, req.Marshal()); err != nil {
		return nil, err
	}
	reply, err := m.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if got := reply.Header().Sequence; got != hdr.Sequence {
		return nil, fmt.Errorf("reply sequence %d, sent %d: %w", got, hdr.Sequence, pkg.ErrRequestMismatch)
	}
	body, err := ParseReply(reply.Bytes())
	if err != nil {
		return nil, err
	}
	if body.RequestID() != req.RequestID() {
		return nil, fmt.Errorf("reply %s: %w", body.RequestID(), pkg.ErrRequestMismatch)
	}
	return body, nil
}

func errorCause(err error) string {
	switch {
	case errors.Is(err, pkg.ErrSidebandNack):
		return "nack"
	case errors.Is(err, pkg.ErrSidebandCRC):
		return "crc"
	case errors.Is(err, pkg.ErrSidebandTimeout):
		return "timeout"
	case errors.Is(err, pkg.ErrBufferExhausted):
		return "overflow"
	case errors.Is(err, pkg.ErrDisconnected):
		return "disconnected"
	default:
		return "other"
	}
}

// transactAs performs a transaction and asserts the reply type.
func transactAs[T ReplyBody](ctx context.Context, m *Messenger, hdr Header, req Request) (T, error) {
	var zero T
	body, err := m.Transact(ctx, hdr, req)
	if err != nil {
		return zero, err
	}
	reply, ok := body.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected reply %T: %w", req.RequestID(), body, pkg.ErrRequestMismatch)
	}
	return reply, nil
}

func pathHeader(rad RelativeAddress, id RequestID) Header {
	return NewHeader(rad, id.IsPathMessage())
}

// LinkAddress queries the branch at rad for its GUID and ports.
func (m *Messenger) LinkAddress(ctx context.Context, rad RelativeAddress) (LinkAddressReply, error) {
	return transactAs[LinkAddressReply](ctx, m, pathHeader(rad, ReqLinkAddress), LinkAddressRequest{})
}

// EnumPathResources queries the PBN available through port of the branch
// at rad.
func (m *Messenger) EnumPathResources(ctx context.Context, rad RelativeAddress, port uint8) (EnumPathResourcesReply, error) {
	req := EnumPathResourcesRequest{Port: port}
	return transactAs[EnumPathResourcesReply](ctx, m, pathHeader(rad, req.RequestID()), req)
}

// AllocatePayload asks the branch at rad to reserve PBN on a port.
func (m *Messenger) AllocatePayload(ctx context.Context, rad RelativeAddress, req AllocatePayloadRequest) (AllocatePayloadReply, error) {
	return transactAs[AllocatePayloadReply](ctx, m, pathHeader(rad, req.RequestID()), req)
}

// QueryPayload asks the branch at rad for a virtual channel's PBN.
func (m *Messenger) QueryPayload(ctx context.Context, rad RelativeAddress, req QueryPayloadRequest) (QueryPayloadReply, error) {
	return transactAs[QueryPayloadReply](ctx, m, pathHeader(rad, req.RequestID()), req)
}

// ClearPayloadIDTable broadcasts a payload table clear.
func (m *Messenger) ClearPayloadIDTable(ctx context.Context) error {
	_, err := transactAs[ClearPayloadIDTableReply](ctx, m, NewBroadcastHeader(), ClearPayloadIDTableRequest{})
	return err
}

// RemoteDPCDRead reads count bytes of DPCD from the device behind port of
// the branch at rad.
func (m *Messenger) RemoteDPCDRead(ctx context.Context, rad RelativeAddress, port uint8, addr uint32, count int) ([]byte, error) {
	if count <= 0 || count > MaxRemoteDPCDBytes {
		return nil, fmt.Errorf("remote dpcd read %d bytes: %w", count, pkg.ErrInvalidParameter)
	}
	req := RemoteDPCDReadRequest{Port: port, Address: addr, Count: uint8(count)}
	reply, err := transactAs[RemoteDPCDReadReply](ctx, m, pathHeader(rad, req.RequestID()), req)
	if err != nil {
		return nil, err
	}
	if len(reply.Data) != count {
		return nil, fmt.Errorf("remote dpcd read: got %d of %d bytes: %w", len(reply.Data), count, pkg.ErrSidebandMalformed)
	}
	return reply.Data, nil
}

// RemoteDPCDWrite writes DPCD of the device behind port of the branch at
// rad.
func (m *Messenger) RemoteDPCDWrite(ctx context.Context, rad RelativeAddress, port uint8, addr uint32, data []byte) error {
	if len(data) == 0 || len(data) > MaxRemoteDPCDWriteBytes {
		return fmt.Errorf("remote dpcd write %d bytes: %w", len(data), pkg.ErrInvalidParameter)
	}
	req := RemoteDPCDWriteRequest{Port: port, Address: addr, Data: data}
	_, err := transactAs[RemoteDPCDWriteReply](ctx, m, pathHeader(rad, req.RequestID()), req)
	return err
}

// RemoteI2CRead performs an I2C read on the device behind a port of the
// branch at rad.
func (m *Messenger) RemoteI2CRead(ctx context.Context, rad RelativeAddress, req RemoteI2CReadRequest) ([]byte, error) {
	if len(req.Writes) > MaxRemoteI2CWrites {
		return nil, fmt.Errorf("remote i2c read with %d writes: %w", len(req.Writes), pkg.ErrInvalidParameter)
	}
	if req.ReadCount == 0 || int(req.ReadCount) > MaxRemoteI2CDataBytes {
		return nil, fmt.Errorf("remote i2c read %d bytes: %w", req.ReadCount, pkg.ErrInvalidParameter)
	}
	if n := len(req.Marshal()); n > MaxReplySize {
		return nil, fmt.Errorf("remote i2c read request %d bytes: %w", n, pkg.ErrInvalidParameter)
	}
	reply, err := transactAs[RemoteI2CReadReply](ctx, m, pathHeader(rad, req.RequestID()), req)
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// RemoteI2CWrite performs an I2C write on the device behind a port of the
// branch at rad.
func (m *Messenger) RemoteI2CWrite(ctx context.Context, rad RelativeAddress, req RemoteI2CWriteRequest) error {
	if len(req.Data) == 0 || len(req.Data) > MaxRemoteI2CDataBytes {
		return fmt.Errorf("remote i2c write %d bytes: %w", len(req.Data), pkg.ErrInvalidParameter)
	}
	_, err := transactAs[RemoteI2CWriteReply](ctx, m, pathHeader(rad, req.RequestID()), req)
	return err
}

// PowerPHY powers a port's PHY up or down on the branch at rad.
func (m *Messenger) PowerPHY(ctx context.Context, rad RelativeAddress, req PowerPHYRequest) error {
	_, err := transactAs[PowerPHYReply](ctx, m, pathHeader(rad, req.RequestID()), req)
	return err
}
