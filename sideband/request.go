package sideband

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softdp/pkg"
)

// RequestID identifies a sideband request and its reply.
type RequestID uint8

// Request identifiers.
const (
	ReqLinkAddress         RequestID = 0x01
	ReqEnumPathResources   RequestID = 0x10
	ReqAllocatePayload     RequestID = 0x11
	ReqQueryPayload        RequestID = 0x12
	ReqClearPayloadIDTable RequestID = 0x14
	ReqRemoteDPCDRead      RequestID = 0x20
	ReqRemoteDPCDWrite     RequestID = 0x21
	ReqRemoteI2CRead       RequestID = 0x22
	ReqRemoteI2CWrite      RequestID = 0x23
	ReqPowerUpPHY          RequestID = 0x24
	ReqPowerDownPHY        RequestID = 0x25
)

// replyNackFlag marks a NACK reply in the first body byte.
const replyNackFlag = 0x80

// String returns the request name.
func (id RequestID) String() string {
	switch id {
	case ReqLinkAddress:
		return "LINK_ADDRESS"
	case ReqEnumPathResources:
		return "ENUM_PATH_RESOURCES"
	case ReqAllocatePayload:
		return "ALLOCATE_PAYLOAD"
	case ReqQueryPayload:
		return "QUERY_PAYLOAD"
	case ReqClearPayloadIDTable:
		return "CLEAR_PAYLOAD_ID_TABLE"
	case ReqRemoteDPCDRead:
		return "REMOTE_DPCD_READ"
	case ReqRemoteDPCDWrite:
		return "REMOTE_DPCD_WRITE"
	case ReqRemoteI2CRead:
		return "REMOTE_I2C_READ"
	case ReqRemoteI2CWrite:
		return "REMOTE_I2C_WRITE"
	case ReqPowerUpPHY:
		return "POWER_UP_PHY"
	case ReqPowerDownPHY:
		return "POWER_DOWN_PHY"
	default:
		return fmt.Sprintf("REQUEST_%#02x", uint8(id))
	}
}

// IsPathMessage reports whether every branch on the path processes the
// request rather than only the addressed device.
func (id RequestID) IsPathMessage() bool {
	switch id {
	case ReqEnumPathResources, ReqAllocatePayload, ReqClearPayloadIDTable,
		ReqPowerUpPHY, ReqPowerDownPHY:
		return true
	}
	return false
}

// Request is a down request body.
type Request interface {
	RequestID() RequestID
	Marshal() []byte
}

// Limits of remote transactions. Every request and reply body, with its
// fixed fields, fits in MaxReplySize.
const (
	// MaxRemoteDPCDBytes bounds a REMOTE_DPCD_READ; the reply carries the
	// request id, port and count ahead of the data.
	MaxRemoteDPCDBytes = MaxReplySize - 3
	// MaxRemoteDPCDWriteBytes bounds a REMOTE_DPCD_WRITE; the request
	// carries the id, port and address, and count ahead of the data.
	MaxRemoteDPCDWriteBytes = MaxReplySize - 5
	MaxRemoteI2CWrites      = 3
	// MaxRemoteI2CDataBytes bounds the bytes read by a REMOTE_I2C_READ and
	// written by a REMOTE_I2C_WRITE.
	MaxRemoteI2CDataBytes = MaxReplySize - 4
	maxPort               = 0xF
)

// LinkAddressRequest asks a branch for its GUID and port list.
type LinkAddressRequest struct{}

func (LinkAddressRequest) RequestID() RequestID { return ReqLinkAddress }
func (LinkAddressRequest) Marshal() []byte      { return []byte{byte(ReqLinkAddress)} }

// EnumPathResourcesRequest asks for the bandwidth available through a port.
type EnumPathResourcesRequest struct {
	Port uint8
}

func (EnumPathResourcesRequest) RequestID() RequestID { return ReqEnumPathResources }

func (r EnumPathResourcesRequest) Marshal() []byte {
	return []byte{byte(ReqEnumPathResources), r.Port << 4}
}

// AllocatePayloadRequest reserves PBN for a virtual channel on a port.
type AllocatePayloadRequest struct {
	Port           uint8
	VCID           uint8
	PBN            uint16
	SDPStreamSinks []uint8
}

func (AllocatePayloadRequest) RequestID() RequestID { return ReqAllocatePayload }

func (r AllocatePayloadRequest) Marshal() []byte {
	sinks := r.SDPStreamSinks
	if len(sinks) > 0xF {
		sinks = sinks[:0xF]
	}
	out := []byte{
		byte(ReqAllocatePayload),
		r.Port<<4 | uint8(len(sinks)),
		r.VCID & 0x7F,
		byte(r.PBN >> 8),
		byte(r.PBN),
	}
	for i := 0; i < len(sinks); i += 2 {
		b := sinks[i] << 4
		if i+1 < len(sinks) {
			b |= sinks[i+1] & 0xF
		}
		out = append(out, b)
	}
	return out
}

// QueryPayloadRequest asks for the PBN allocated to a virtual channel.
type QueryPayloadRequest struct {
	Port uint8
	VCID uint8
}

func (QueryPayloadRequest) RequestID() RequestID { return ReqQueryPayload }

func (r QueryPayloadRequest) Marshal() []byte {
	return []byte{byte(ReqQueryPayload), r.Port << 4, r.VCID & 0x7F}
}

// ClearPayloadIDTableRequest clears every payload allocation downstream.
// It is sent as a broadcast.
type ClearPayloadIDTableRequest struct{}

func (ClearPayloadIDTableRequest) RequestID() RequestID { return ReqClearPayloadIDTable }
func (ClearPayloadIDTableRequest) Marshal() []byte      { return []byte{byte(ReqClearPayloadIDTable)} }

// RemoteDPCDReadRequest reads the DPCD of the device behind a port.
type RemoteDPCDReadRequest struct {
	Port    uint8
	Address uint32
	Count   uint8
}

func (RemoteDPCDReadRequest) RequestID() RequestID { return ReqRemoteDPCDRead }

func (r RemoteDPCDReadRequest) Marshal() []byte {
	return []byte{
		byte(ReqRemoteDPCDRead),
		r.Port<<4 | uint8(r.Address>>16)&0xF,
		uint8(r.Address >> 8),
		uint8(r.Address),
		r.Count,
	}
}

// RemoteDPCDWriteRequest writes the DPCD of the device behind a port.
type RemoteDPCDWriteRequest struct {
	Port    uint8
	Address uint32
	Data    []byte
}

func (RemoteDPCDWriteRequest) RequestID() RequestID { return ReqRemoteDPCDWrite }

func (r RemoteDPCDWriteRequest) Marshal() []byte {
	out := []byte{
		byte(ReqRemoteDPCDWrite),
		r.Port<<4 | uint8(r.Address>>16)&0xF,
		uint8(r.Address >> 8),
		uint8(r.Address),
		uint8(len(r.Data)),
	}
	return append(out, r.Data...)
}

// I2CTransaction is one write phase of a remote I2C read.
type I2CTransaction struct {
	DeviceID uint8
	Data     []byte
	NoStop   bool
	Delay    uint8 // 4-bit transaction delay
}

// RemoteI2CReadRequest performs up to three I2C writes and then a read on
// the device behind a port.
type RemoteI2CReadRequest struct {
	Port         uint8
	Writes       []I2CTransaction
	ReadDeviceID uint8
	ReadCount    uint8
}

func (RemoteI2CReadRequest) RequestID() RequestID { return ReqRemoteI2CRead }

func (r RemoteI2CReadRequest) Marshal() []byte {
	out := []byte{byte(ReqRemoteI2CRead), r.Port<<4 | uint8(len(r.Writes))&0x3}
	for _, w := range r.Writes {
		out = append(out, w.DeviceID&0x7F, uint8(len(w.Data)))
		out = append(out, w.Data...)
		b := w.Delay & 0xF
		if w.NoStop {
			b |= 1 << 4
		}
		out = append(out, b)
	}
	return append(out, r.ReadDeviceID&0x7F, r.ReadCount)
}

// RemoteI2CWriteRequest writes to an I2C device behind a port.
type RemoteI2CWriteRequest struct {
	Port     uint8
	DeviceID uint8
	Data     []byte
}

func (RemoteI2CWriteRequest) RequestID() RequestID { return ReqRemoteI2CWrite }

func (r RemoteI2CWriteRequest) Marshal() []byte {
	out := []byte{byte(ReqRemoteI2CWrite), r.Port << 4, r.DeviceID & 0x7F, uint8(len(r.Data))}
	return append(out, r.Data...)
}

// PowerPHYRequest powers a port's PHY up or down.
type PowerPHYRequest struct {
	Port uint8
	Up   bool
}

func (r PowerPHYRequest) RequestID() RequestID {
	if r.Up {
		return ReqPowerUpPHY
	}
	return ReqPowerDownPHY
}

func (r PowerPHYRequest) Marshal() []byte {
	return []byte{byte(r.RequestID()), r.Port << 4}
}

// reader walks a message body with bounds checks.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) byte() uint8 {
	if r.err != nil {
		return 0
	}
	if r.off >= len(r.b) {
		r.err = fmt.Errorf("truncated at byte %d: %w", r.off, pkg.ErrSidebandMalformed)
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = fmt.Errorf("truncated: need %d bytes at %d of %d: %w", n, r.off, len(r.b), pkg.ErrSidebandMalformed)
		return nil
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v
}

func (r *reader) uint16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

// ParseRequest decodes a down request body.
func ParseRequest(body []byte) (Request, error) {
	r := &reader{b: body}
	id := RequestID(r.byte())
	if r.err != nil {
		return nil, r.err
	}

	var req Request
	switch id {
	case ReqLinkAddress:
		req = LinkAddressRequest{}

	case ReqEnumPathResources:
		req = EnumPathResourcesRequest{Port: r.byte() >> 4}

	case ReqAllocatePayload:
		b := r.byte()
		p := AllocatePayloadRequest{Port: b >> 4}
		nsinks := int(b & 0xF)
		p.VCID = r.byte() & 0x7F
		p.PBN = r.uint16()
		packed := r.bytes((nsinks + 1) / 2)
		for i := 0; i < nsinks && packed != nil; i++ {
			if i%2 == 0 {
				p.SDPStreamSinks = append(p.SDPStreamSinks, packed[i/2]>>4)
			} else {
				p.SDPStreamSinks = append(p.SDPStreamSinks, packed[i/2]&0xF)
			}
		}
		req = p

	case ReqQueryPayload:
		port := r.byte() >> 4
		req = QueryPayloadRequest{Port: port, VCID: r.byte() & 0x7F}

	case ReqClearPayloadIDTable:
		req = ClearPayloadIDTableRequest{}

	case ReqRemoteDPCDRead, ReqRemoteDPCDWrite:
		b := r.byte()
		port := b >> 4
		addr := uint32(b&0xF)<<16 | uint32(r.uint16())
		n := r.byte()
		if id == ReqRemoteDPCDRead {
			req = RemoteDPCDReadRequest{Port: port, Address: addr, Count: n}
		} else {
			req = RemoteDPCDWriteRequest{Port: port, Address: addr, Data: clone(r.bytes(int(n)))}
		}

	case ReqRemoteI2CRead:
		b := r.byte()
		p := RemoteI2CReadRequest{Port: b >> 4}
		nwrites := int(b & 0x3)
		if nwrites > MaxRemoteI2CWrites {
			return nil, fmt.Errorf("%s: %d writes: %w", id, nwrites, pkg.ErrSidebandMalformed)
		}
		for i := 0; i < nwrites && r.err == nil; i++ {
			w := I2CTransaction{DeviceID: r.byte() & 0x7F}
			w.Data = clone(r.bytes(int(r.byte())))
			flags := r.byte()
			w.NoStop = flags&(1<<4) != 0
			w.Delay = flags & 0xF
			p.Writes = append(p.Writes, w)
		}
		p.ReadDeviceID = r.byte() & 0x7F
		p.ReadCount = r.byte()
		req = p

	case ReqRemoteI2CWrite:
		port := r.byte() >> 4
		dev := r.byte() & 0x7F
		req = RemoteI2CWriteRequest{Port: port, DeviceID: dev, Data: clone(r.bytes(int(r.byte())))}

	case ReqPowerUpPHY, ReqPowerDownPHY:
		req = PowerPHYRequest{Port: r.byte() >> 4, Up: id == ReqPowerUpPHY}

	default:
		return nil, fmt.Errorf("request %#02x: %w", uint8(id), pkg.ErrNotSupported)
	}

	if r.err != nil {
		return nil, fmt.Errorf("%s: %w", id, r.err)
	}
	return req, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
