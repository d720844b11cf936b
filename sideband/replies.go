package sideband

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ardnew/softdp/pkg"
)

// ReplyBody is a decoded down reply.
type ReplyBody interface {
	RequestID() RequestID
	Marshal() []byte
}

// PeerDeviceType is the kind of device attached to a port.
type PeerDeviceType uint8

// Peer device types.
const (
	PeerNone         PeerDeviceType = 0
	PeerSource       PeerDeviceType = 1 // source or SST branch
	PeerBranch       PeerDeviceType = 2 // MST branch
	PeerSSTSink      PeerDeviceType = 3
	PeerDPToLegacy   PeerDeviceType = 4
	PeerDPToWireless PeerDeviceType = 5
	PeerWirelessToDP PeerDeviceType = 6
)

// String returns the peer type name.
func (t PeerDeviceType) String() string {
	switch t {
	case PeerNone:
		return "none"
	case PeerSource:
		return "source"
	case PeerBranch:
		return "branch"
	case PeerSSTSink:
		return "sst-sink"
	case PeerDPToLegacy:
		return "dp-to-legacy"
	case PeerDPToWireless:
		return "dp-to-wireless"
	case PeerWirelessToDP:
		return "wireless-to-dp"
	default:
		return fmt.Sprintf("peer(%d)", uint8(t))
	}
}

// Port is one entry of a LINK_ADDRESS reply.
type Port struct {
	Number              uint8
	Input               bool
	PeerDeviceType      PeerDeviceType
	MessageCapable      bool
	DevicePlugged       bool // DisplayPort device plug status
	LegacyDevicePlugged bool

	// Output ports only.
	DPCDRevision   uint8
	PeerGUID       uuid.UUID
	SDPStreams     uint8
	SDPStreamSinks uint8
}

// LinkAddressReply lists a branch device's GUID and ports.
type LinkAddressReply struct {
	GUID  uuid.UUID
	Ports []Port
}

func (LinkAddressReply) RequestID() RequestID { return ReqLinkAddress }

func (r LinkAddressReply) Marshal() []byte {
	out := []byte{byte(ReqLinkAddress)}
	out = append(out, r.GUID[:]...)
	out = append(out, uint8(len(r.Ports))&0xF)
	for _, p := range r.Ports {
		b := uint8(p.PeerDeviceType&0x7)<<4 | p.Number&0xF
		if p.Input {
			b |= 1 << 7
		}
		out = append(out, b)

		b = 0
		if p.MessageCapable {
			b |= 1 << 7
		}
		if p.DevicePlugged {
			b |= 1 << 6
		}
		if !p.Input && p.LegacyDevicePlugged {
			b |= 1 << 5
		}
		out = append(out, b)

		if !p.Input {
			out = append(out, p.DPCDRevision)
			out = append(out, p.PeerGUID[:]...)
			out = append(out, p.SDPStreams<<4|p.SDPStreamSinks&0xF)
		}
	}
	return out
}

// EnumPathResourcesReply reports the PBN available through a port.
type EnumPathResourcesReply struct {
	Port         uint8
	FECCapable   bool
	FullPBN      uint16
	AvailablePBN uint16
}

func (EnumPathResourcesReply) RequestID() RequestID { return ReqEnumPathResources }

func (r EnumPathResourcesReply) Marshal() []byte {
	b := r.Port << 4
	if r.FECCapable {
		b |= 1
	}
	return []byte{byte(ReqEnumPathResources), b,
		byte(r.FullPBN >> 8), byte(r.FullPBN),
		byte(r.AvailablePBN >> 8), byte(r.AvailablePBN)}
}

// AllocatePayloadReply confirms a payload allocation.
type AllocatePayloadReply struct {
	Port uint8
	VCID uint8
	PBN  uint16
}

func (AllocatePayloadReply) RequestID() RequestID { return ReqAllocatePayload }

func (r AllocatePayloadReply) Marshal() []byte {
	return []byte{byte(ReqAllocatePayload), r.Port << 4, r.VCID & 0x7F, byte(r.PBN >> 8), byte(r.PBN)}
}

// QueryPayloadReply reports the PBN allocated to a virtual channel.
type QueryPayloadReply struct {
	Port uint8
	PBN  uint16
}

func (QueryPayloadReply) RequestID() RequestID { return ReqQueryPayload }

func (r QueryPayloadReply) Marshal() []byte {
	return []byte{byte(ReqQueryPayload), r.Port << 4, byte(r.PBN >> 8), byte(r.PBN)}
}

// ClearPayloadIDTableReply acknowledges a table clear.
type ClearPayloadIDTableReply struct{}

func (ClearPayloadIDTableReply) RequestID() RequestID { return ReqClearPayloadIDTable }
func (ClearPayloadIDTableReply) Marshal() []byte      { return []byte{byte(ReqClearPayloadIDTable)} }

// RemoteDPCDReadReply carries remote DPCD bytes.
type RemoteDPCDReadReply struct {
	Port uint8
	Data []byte
}

func (RemoteDPCDReadReply) RequestID() RequestID { return ReqRemoteDPCDRead }

func (r RemoteDPCDReadReply) Marshal() []byte {
	out := []byte{byte(ReqRemoteDPCDRead), r.Port & 0xF, uint8(len(r.Data))}
	return append(out, r.Data...)
}

// RemoteDPCDWriteReply acknowledges a remote DPCD write.
type RemoteDPCDWriteReply struct {
	Port uint8
}

func (RemoteDPCDWriteReply) RequestID() RequestID { return ReqRemoteDPCDWrite }

func (r RemoteDPCDWriteReply) Marshal() []byte {
	return []byte{byte(ReqRemoteDPCDWrite), r.Port & 0xF}
}

// RemoteI2CReadReply carries bytes read from a remote I2C device.
type RemoteI2CReadReply struct {
	Port uint8
	Data []byte
}

func (RemoteI2CReadReply) RequestID() RequestID { return ReqRemoteI2CRead }

func (r RemoteI2CReadReply) Marshal() []byte {
	out := []byte{byte(ReqRemoteI2CRead), r.Port & 0xF, uint8(len(r.Data))}
	return append(out, r.Data...)
}

// RemoteI2CWriteReply acknowledges a remote I2C write.
type RemoteI2CWriteReply struct {
	Port uint8
}

func (RemoteI2CWriteReply) RequestID() RequestID { return ReqRemoteI2CWrite }

func (r RemoteI2CWriteReply) Marshal() []byte {
	return []byte{byte(ReqRemoteI2CWrite), r.Port & 0xF}
}

// PowerPHYReply acknowledges a PHY power request.
type PowerPHYReply struct {
	Port uint8
	Up   bool
}

func (r PowerPHYReply) RequestID() RequestID {
	if r.Up {
		return ReqPowerUpPHY
	}
	return ReqPowerDownPHY
}

func (r PowerPHYReply) Marshal() []byte {
	return []byte{byte(r.RequestID()), r.Port << 4}
}

// ParseReply decodes a reassembled down reply body. A NACK reply is
// returned as a *NackError.
func ParseReply(body []byte) (ReplyBody, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty reply: %w", pkg.ErrSidebandMalformed)
	}
	if body[0]&replyNackFlag != 0 {
		nack, err := ParseNack(body)
		if err != nil {
			return nil, err
		}
		return nil, nack
	}

	r := &reader{b: body}
	id := RequestID(r.byte())

	var reply ReplyBody
	switch id {
	case ReqLinkAddress:
		la := LinkAddressReply{}
		copy(la.GUID[:], r.bytes(16))
		nports := int(r.byte() & 0xF)
		for i := 0; i < nports && r.err == nil; i++ {
			la.Ports = append(la.Ports, parsePort(r))
		}
		reply = la

	case ReqEnumPathResources:
		b := r.byte()
		reply = EnumPathResourcesReply{
			Port:         b >> 4,
			FECCapable:   b&1 != 0,
			FullPBN:      r.uint16(),
			AvailablePBN: r.uint16(),
		}

	case ReqAllocatePayload:
		port := r.byte() >> 4
		vcid := r.byte() & 0x7F
		reply = AllocatePayloadReply{Port: port, VCID: vcid, PBN: r.uint16()}

	case ReqQueryPayload:
		port := r.byte() >> 4
		reply = QueryPayloadReply{Port: port, PBN: r.uint16()}

	case ReqClearPayloadIDTable:
		reply = ClearPayloadIDTableReply{}

	case ReqRemoteDPCDRead:
		port := r.byte() & 0xF
		reply = RemoteDPCDReadReply{Port: port, Data: clone(r.bytes(int(r.byte())))}

	case ReqRemoteDPCDWrite:
		reply = RemoteDPCDWriteReply{Port: r.byte() & 0xF}

	case ReqRemoteI2CRead:
		port := r.byte() & 0xF
		reply = RemoteI2CReadReply{Port: port, Data: clone(r.bytes(int(r.byte())))}

	case ReqRemoteI2CWrite:
		reply = RemoteI2CWriteReply{Port: r.byte() & 0xF}

	case ReqPowerUpPHY, ReqPowerDownPHY:
		reply = PowerPHYReply{Port: r.byte() >> 4, Up: id == ReqPowerUpPHY}

	default:
		return nil, fmt.Errorf("reply %#02x: %w", uint8(id), pkg.ErrNotSupported)
	}

	if r.err != nil {
		return nil, fmt.Errorf("%s reply: %w", id, r.err)
	}
	return reply, nil
}

func parsePort(r *reader) Port {
	b := r.byte()
	p := Port{
		Input:          b&(1<<7) != 0,
		PeerDeviceType: PeerDeviceType(b>>4) & 0x7,
		Number:         b & 0xF,
	}
	b = r.byte()
	p.MessageCapable = b&(1<<7) != 0
	p.DevicePlugged = b&(1<<6) != 0
	if p.Input {
		return p
	}
	p.LegacyDevicePlugged = b&(1<<5) != 0
	p.DPCDRevision = r.byte()
	copy(p.PeerGUID[:], r.bytes(16))
	b = r.byte()
	p.SDPStreams = b >> 4
	p.SDPStreamSinks = b & 0xF
	return p
}
