package sink

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ardnew/softdp/dpcd"
	"github.com/ardnew/softdp/pkg"
	"github.com/ardnew/softdp/sideband"
)

// I2CBus is the I2C side channel of a downstream port.
type I2CBus interface {
	// WriteI2C writes data to the device at dev. With stop false the bus
	// is held for a repeated start.
	WriteI2C(ctx context.Context, dev uint8, data []byte, stop bool) error

	// ReadI2C reads len(buf) bytes from the device at dev and stops.
	ReadI2C(ctx context.Context, dev uint8, buf []byte) error
}

// DefaultFullPBN is the full PBN of a 4-lane HBR2 port.
const DefaultFullPBN = 2560

// PortConfig describes one port of a branch device.
type PortConfig struct {
	Number uint8
	Input  bool

	// Branch marks an output port whose peer is itself an MST branch.
	Branch bool

	// Peer is the DPCD of the downstream device, nil when unplugged.
	Peer dpcd.Endpoint

	// I2C reaches the downstream device's DDC bus, nil when absent.
	I2C I2CBus

	// FullPBN is the port's total bandwidth, DefaultFullPBN when zero.
	FullPBN uint16
}

func (p *PortConfig) fullPBN() uint16 {
	if p.FullPBN == 0 {
		return DefaultFullPBN
	}
	return p.FullPBN
}

type allocation struct {
	port uint8
	pbn  uint16
}

// Responder answers sideband down requests on behalf of a branch device.
// Its GUID is read from the branch's own DPCD, so a GUID written there by
// the source is reported by the next LINK_ADDRESS.
type Responder struct {
	self  dpcd.Endpoint
	ports []PortConfig

	allocations map[uint8]allocation // by VCID
}

// NewResponder returns a responder for the branch whose DPCD is self.
func NewResponder(self dpcd.Endpoint, ports []PortConfig) (*Responder, error) {
	seen := make(map[uint8]bool, len(ports))
	for _, p := range ports {
		if p.Number > 0xF || seen[p.Number] {
			return nil, fmt.Errorf("port %d: %w", p.Number, pkg.ErrInvalidParameter)
		}
		seen[p.Number] = true
	}
	return &Responder{
		self:        self,
		ports:       append([]PortConfig(nil), ports...),
		allocations: make(map[uint8]allocation),
	}, nil
}

// Port returns the configuration of port n.
func (r *Responder) Port(n uint8) (PortConfig, bool) {
	p := r.output(n)
	if p == nil {
		return PortConfig{}, false
	}
	return *p, true
}

// Allocated returns the PBN allocated to vcid.
func (r *Responder) Allocated(vcid uint8) uint16 { return r.allocations[vcid].pbn }

func (r *Responder) output(n uint8) *PortConfig {
	for i := range r.ports {
		if r.ports[i].Number == n && !r.ports[i].Input {
			return &r.ports[i]
		}
	}
	return nil
}

// Handle decodes a down request body and returns the encoded reply body.
// Requests that fail are answered with a NACK body, so the returned error
// is reserved for failures to build any reply.
func (r *Responder) Handle(ctx context.Context, body []byte) ([]byte, error) {
	req, err := sideband.ParseRequest(body)
	if err != nil {
		if len(body) == 0 {
			return nil, err
		}
		id := sideband.RequestID(body[0] & 0x7F)
		pkg.LogDebug(pkg.ComponentSink, "undecodable down request", "request", id, "error", err)
		return r.nack(ctx, id, sideband.NackBadParam), nil
	}

	reply, reason := r.dispatch(ctx, req)
	if reply == nil {
		pkg.LogDebug(pkg.ComponentSink, "down request nacked",
			"request", req.RequestID(), "reason", reason)
		return r.nack(ctx, req.RequestID(), reason), nil
	}
	pkg.LogDebug(pkg.ComponentSink, "down request served", "request", req.RequestID())
	return reply.Marshal(), nil
}

func (r *Responder) nack(ctx context.Context, id sideband.RequestID, reason sideband.NackReason) []byte {
	e := &sideband.NackError{Request: id, Reason: reason, GUID: r.guid(ctx)}
	return e.Marshal()
}

func (r *Responder) guid(ctx context.Context) uuid.UUID {
	var g uuid.UUID
	if err := r.self.ReadDPCD(ctx, dpcd.GUID, g[:]); err != nil {
		return uuid.Nil
	}
	return g
}

func (r *Responder) dispatch(ctx context.Context, req sideband.Request) (sideband.ReplyBody, sideband.NackReason) {
	switch q := req.(type) {
	case sideband.LinkAddressRequest:
		return r.linkAddress(ctx), 0

	case sideband.EnumPathResourcesRequest:
		p := r.output(q.Port)
		if p == nil {
			return nil, sideband.NackBadParam
		}
		full := p.fullPBN()
		return sideband.EnumPathResourcesReply{
			Port:         q.Port,
			FullPBN:      full,
			AvailablePBN: full - r.usedPBN(q.Port, 0xFF),
		}, 0

	case sideband.AllocatePayloadRequest:
		return r.allocatePayload(q)

	case sideband.QueryPayloadRequest:
		if r.output(q.Port) == nil {
			return nil, sideband.NackBadParam
		}
		a := r.allocations[q.VCID]
		if a.port != q.Port {
			a.pbn = 0
		}
		return sideband.QueryPayloadReply{Port: q.Port, PBN: a.pbn}, 0

	case sideband.ClearPayloadIDTableRequest:
		r.ClearPayloads()
		return sideband.ClearPayloadIDTableReply{}, 0

	case sideband.RemoteDPCDReadRequest:
		p := r.output(q.Port)
		if p == nil || p.Peer == nil {
			return nil, sideband.NackBadParam
		}
		data := make([]byte, q.Count)
		if err := p.Peer.ReadDPCD(ctx, q.Address, data); err != nil {
			return nil, sideband.NackDPCDFail
		}
		return sideband.RemoteDPCDReadReply{Port: q.Port, Data: data}, 0

	case sideband.RemoteDPCDWriteRequest:
		p := r.output(q.Port)
		if p == nil || p.Peer == nil {
			return nil, sideband.NackBadParam
		}
		if err := p.Peer.WriteDPCD(ctx, q.Address, q.Data); err != nil {
			return nil, sideband.NackWriteFailure
		}
		return sideband.RemoteDPCDWriteReply{Port: q.Port}, 0

	case sideband.RemoteI2CReadRequest:
		p := r.output(q.Port)
		if p == nil || p.I2C == nil {
			return nil, sideband.NackBadParam
		}
		for _, w := range q.Writes {
			if err := p.I2C.WriteI2C(ctx, w.DeviceID, w.Data, !w.NoStop); err != nil {
				return nil, sideband.NackI2CNak
			}
		}
		data := make([]byte, q.ReadCount)
		if err := p.I2C.ReadI2C(ctx, q.ReadDeviceID, data); err != nil {
			return nil, sideband.NackI2CNak
		}
		return sideband.RemoteI2CReadReply{Port: q.Port, Data: data}, 0

	case sideband.RemoteI2CWriteRequest:
		p := r.output(q.Port)
		if p == nil || p.I2C == nil {
			return nil, sideband.NackBadParam
		}
		if err := p.I2C.WriteI2C(ctx, q.DeviceID, q.Data, true); err != nil {
			return nil, sideband.NackI2CNak
		}
		return sideband.RemoteI2CWriteReply{Port: q.Port}, 0

	case sideband.PowerPHYRequest:
		if r.output(q.Port) == nil {
			return nil, sideband.NackBadParam
		}
		return sideband.PowerPHYReply{Port: q.Port, Up: q.Up}, 0
	}
	return nil, sideband.NackBadParam
}

func (r *Responder) linkAddress(ctx context.Context) sideband.LinkAddressReply {
	reply := sideband.LinkAddressReply{GUID: r.guid(ctx)}
	for _, p := range r.ports {
		port := sideband.Port{Number: p.Number, Input: p.Input}
		if p.Input {
			port.PeerDeviceType = sideband.PeerSource
			port.MessageCapable = true
			port.DevicePlugged = true
			reply.Ports = append(reply.Ports, port)
			continue
		}
		if p.Peer != nil {
			port.DevicePlugged = true
			port.PeerDeviceType = sideband.PeerSSTSink
			if p.Branch {
				port.PeerDeviceType = sideband.PeerBranch
			}
			rev, err := dpcd.ReadByte(ctx, p.Peer, dpcd.Revision)
			if err == nil {
				port.DPCDRevision = rev
			}
			_ = p.Peer.ReadDPCD(ctx, dpcd.GUID, port.PeerGUID[:])
			mstm, err := dpcd.ReadByte(ctx, p.Peer, dpcd.MSTMCap)
			port.MessageCapable = p.Branch || (err == nil && mstm&dpcd.MSTCap != 0)
			port.SDPStreams, port.SDPStreamSinks = 1, 1
		}
		reply.Ports = append(reply.Ports, port)
	}
	return reply
}

func (r *Responder) allocatePayload(q sideband.AllocatePayloadRequest) (sideband.ReplyBody, sideband.NackReason) {
	p := r.output(q.Port)
	if p == nil || q.VCID == 0 {
		return nil, sideband.NackBadParam
	}
	if q.PBN == 0 {
		delete(r.allocations, q.VCID)
		return sideband.AllocatePayloadReply{Port: q.Port, VCID: q.VCID}, 0
	}
	if r.usedPBN(q.Port, q.VCID)+q.PBN > p.fullPBN() {
		return nil, sideband.NackAllocateFail
	}
	r.allocations[q.VCID] = allocation{port: q.Port, pbn: q.PBN}
	return sideband.AllocatePayloadReply{Port: q.Port, VCID: q.VCID, PBN: q.PBN}, 0
}

// usedPBN sums the allocations on port, excluding vcid.
func (r *Responder) usedPBN(port, vcid uint8) uint16 {
	var used uint16
	for id, a := range r.allocations {
		if a.port == port && id != vcid {
			used += a.pbn
		}
	}
	return used
}

// ClearPayloads drops every payload allocation.
func (r *Responder) ClearPayloads() {
	clear(r.allocations)
}
