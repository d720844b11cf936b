package sim

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ardnew/softdp/dpcd"
	"github.com/ardnew/softdp/pkg"
	"github.com/ardnew/softdp/sideband"
	"github.com/ardnew/softdp/sink"
)

// DeviceConfig describes a simulated DisplayPort receiver.
type DeviceConfig struct {
	Name string

	// Revision is the DPCD revision, 0x12 when zero.
	Revision uint8

	// MaxLinkRate and MaxLanes are the advertised capabilities, HBR2 and 4
	// lanes when zero.
	MaxLinkRate uint8
	MaxLanes    uint8

	TPS3            bool
	EnhancedFraming bool
	Downspread      bool

	// Branch makes the device an MST branch with OutputPorts output ports
	// numbered from 1 (2 when zero).
	Branch      bool
	OutputPorts uint8

	// GUID is the device GUID; uuid.Nil leaves it unassigned.
	GUID uuid.UUID

	// EDID is served on the DDC bus, nil for none.
	EDID []byte

	// Training behavior. Clock recovery locks once every lane drives at
	// least RequiredSwing, and equalization completes once every lane
	// drives at least RequiredPreEmphasis. Rates above MaxStableRate or
	// lane counts above MaxStableLanes never lock (zero means no limit).
	RequiredSwing       uint8
	RequiredPreEmphasis uint8
	MaxStableRate       uint8
	MaxStableLanes      uint8

	// FullPBN is the bandwidth of each output port of a branch.
	FullPBN uint16
}

// Faults are injected misbehaviors of a device.
type Faults struct {
	// Defers is the number of AUX requests answered with DEFER before the
	// device replies normally.
	Defers int

	// CorruptReplyFragment corrupts the body CRC of the nth down reply
	// fragment (1-based) of every reply. Zero disables it.
	CorruptReplyFragment int

	// Silent drops every AUX request so the source times out.
	Silent bool
}

// Device is a simulated DPCD device: an SST sink or an MST branch with
// devices attached to its output ports.
type Device struct {
	cfg  DeviceConfig
	mem  *dpcd.Memory
	ddc  *DDC
	self dpcd.Endpoint

	faults Faults

	children  map[uint8]*Device
	responder *sink.Responder
	box       sink.MessageBox
	reqHigh   int
	replyFrag int

	esi           uint8
	payloadStatus uint8
	acts          int
}

// NewDevice returns a device initialized from cfg.
func NewDevice(cfg DeviceConfig) *Device {
	if cfg.Revision == 0 {
		cfg.Revision = 0x12
	}
	if cfg.MaxLinkRate == 0 {
		cfg.MaxLinkRate = dpcd.LinkRate540
	}
	if cfg.MaxLanes == 0 {
		cfg.MaxLanes = dpcd.MaxLanes
	}
	if cfg.Branch && cfg.OutputPorts == 0 {
		cfg.OutputPorts = 2
	}

	d := &Device{
		cfg:      cfg,
		mem:      dpcd.NewMemory(),
		children: make(map[uint8]*Device),
	}
	d.self = d.mem
	d.mem.OnWrite = d.onWrite
	if cfg.EDID != nil {
		d.ddc = NewDDC(cfg.EDID)
	}

	lanes := cfg.MaxLanes
	if cfg.TPS3 {
		lanes |= dpcd.TPS3Supported
	}
	if cfg.EnhancedFraming {
		lanes |= dpcd.EnhancedFramingCap
	}
	var spread uint8
	if cfg.Downspread {
		spread = dpcd.MaxDownspreadSupported
	}
	d.mem.Store(dpcd.Revision, cfg.Revision, cfg.MaxLinkRate, lanes, spread)
	d.mem.Store(dpcd.SinkCount, 1)
	d.mem.Store(dpcd.GUID, cfg.GUID[:]...)
	if cfg.Branch {
		d.mem.Store(dpcd.MSTMCap, dpcd.MSTCap)
		d.mem.Store(dpcd.DownstreamPortCnt, cfg.OutputPorts)
	}
	d.rebuildResponder()
	return d
}

// Name returns the configured name.
func (d *Device) Name() string { return d.cfg.Name }

// Memory returns the device's DPCD space.
func (d *Device) Memory() *dpcd.Memory { return d.mem }

// DDC returns the device's DDC bus, nil when it has no EDID.
func (d *Device) DDC() *DDC { return d.ddc }

// Responder returns the sideband responder of a branch, nil otherwise.
func (d *Device) Responder() *sink.Responder { return d.responder }

// InjectFaults replaces the device's faults.
func (d *Device) InjectFaults(f Faults) { d.faults = f }

// GUID returns the GUID currently stored in DPCD.
func (d *Device) GUID() uuid.UUID {
	var g uuid.UUID
	copy(g[:], d.mem.LoadRange(dpcd.GUID, dpcd.GUIDSize))
	return g
}

// ReadDPCD implements dpcd.Endpoint.
func (d *Device) ReadDPCD(ctx context.Context, addr uint32, buf []byte) error {
	return d.mem.ReadDPCD(ctx, addr, buf)
}

// WriteDPCD implements dpcd.Endpoint.
func (d *Device) WriteDPCD(ctx context.Context, addr uint32, data []byte) error {
	return d.mem.WriteDPCD(ctx, addr, data)
}

// Attach connects child to output port n of a branch.
func (d *Device) Attach(n uint8, child *Device) error {
	if !d.cfg.Branch || n == 0 || n > d.cfg.OutputPorts {
		return fmt.Errorf("%s port %d: %w", d.cfg.Name, n, pkg.ErrInvalidParameter)
	}
	d.children[n] = child
	d.rebuildResponder()
	return nil
}

// Detach disconnects output port n.
func (d *Device) Detach(n uint8) {
	delete(d.children, n)
	d.rebuildResponder()
}

// Child returns the device on output port n.
func (d *Device) Child(n uint8) (*Device, bool) {
	c, ok := d.children[n]
	return c, ok
}

// Walk calls fn for d and every device below it, depth first in port
// order.
func (d *Device) Walk(fn func(*Device)) {
	fn(d)
	for _, n := range d.ports() {
		d.children[n].Walk(fn)
	}
}

func (d *Device) ports() []uint8 {
	out := make([]uint8, 0, len(d.children))
	for n := range d.children {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d *Device) rebuildResponder() {
	if !d.cfg.Branch {
		return
	}
	ports := []sink.PortConfig{{Number: 0, Input: true}}
	for n := uint8(1); n <= d.cfg.OutputPorts; n++ {
		p := sink.PortConfig{Number: n, FullPBN: d.cfg.FullPBN}
		if c, ok := d.children[n]; ok {
			p.Peer = c
			p.Branch = c.cfg.Branch
			if c.ddc != nil {
				p.I2C = c.ddc
			}
		}
		ports = append(ports, p)
	}
	r, err := sink.NewResponder(d.self, ports)
	if err != nil {
		pkg.LogError(pkg.ComponentSim, "responder", "device", d.cfg.Name, "error", err)
		return
	}
	d.responder = r
}

// PayloadTable returns the VC payload id of time slots 1..63; entry 0 is
// unused.
func (d *Device) PayloadTable() [dpcd.PayloadTableSize]uint8 {
	var t [dpcd.PayloadTableSize]uint8
	copy(t[1:], d.mem.LoadRange(dpcd.PayloadTable+1, dpcd.PayloadTableSize-1))
	return t
}

// ACTCount returns how many allocation change triggers the device saw.
func (d *Device) ACTCount() int { return d.acts }

// act handles an allocation change trigger from the transmitter.
func (d *Device) act() {
	d.acts++
	d.payloadStatus |= dpcd.ACTHandled
	d.mem.Store(dpcd.PayloadTableStatus, d.payloadStatus)
}

func (d *Device) onWrite(addr uint32, data []byte) {
	end := addr + uint32(len(data))
	switch {
	case addr == dpcd.DeviceServiceIRQESI0:
		d.esi &^= data[0]
		d.mem.Store(dpcd.DeviceServiceIRQESI0, d.esi)
		if data[0]&dpcd.DownReplyReady != 0 {
			d.postNext()
		}

	case addr == dpcd.PayloadTableStatus:
		d.payloadStatus &^= data[0]
		d.mem.Store(dpcd.PayloadTableStatus, d.payloadStatus)

	case addr >= dpcd.DownRequestBase && addr < dpcd.DownRequestBase+dpcd.MailboxSize:
		d.downRequestWrite(addr, end)

	case addr >= dpcd.PayloadAllocateSet && addr <= dpcd.PayloadAllocateCount && end > dpcd.PayloadAllocateCount:
		d.payloadAllocate()

	case addr < dpcd.DownspreadCtrl && end > dpcd.LinkBWSet:
		d.updateLinkStatus()
	}
}

// payloadAllocate applies the PAYLOAD_ALLOCATE triplet to the table.
func (d *Device) payloadAllocate() {
	set := d.mem.LoadRange(dpcd.PayloadAllocateSet, 3)
	id, start, count := set[0], set[1], set[2]
	switch {
	case id == 0 && start == 0 && count == dpcd.PayloadClearAll:
		d.mem.Store(dpcd.PayloadTable+1, make([]byte, dpcd.PayloadTableSize-1)...)
	case count == 0:
		for s := uint32(1); s < dpcd.PayloadTableSize; s++ {
			if d.mem.Load(dpcd.PayloadTable+s) == id {
				d.mem.Store(dpcd.PayloadTable+s, 0)
			}
		}
	default:
		for s := uint32(max(start, 1)); s < uint32(start)+uint32(count) && s < dpcd.PayloadTableSize; s++ {
			d.mem.Store(dpcd.PayloadTable+s, id)
		}
	}
	d.payloadStatus |= dpcd.PayloadTableUpdated
	d.mem.Store(dpcd.PayloadTableStatus, d.payloadStatus)
	pkg.LogDebug(pkg.ComponentSim, "payload table update",
		"device", d.cfg.Name, "vcpi", id, "start", start, "count", count)
}

func (d *Device) linkStable(rate, lanes uint8) bool {
	if !dpcd.ValidLinkRate(rate) || !dpcd.ValidLaneCount(lanes) {
		return false
	}
	if rate > d.cfg.MaxLinkRate || lanes > d.cfg.MaxLanes {
		return false
	}
	if d.cfg.MaxStableRate != 0 && rate > d.cfg.MaxStableRate {
		return false
	}
	if d.cfg.MaxStableLanes != 0 && lanes > d.cfg.MaxStableLanes {
		return false
	}
	return true
}

// updateLinkStatus recomputes lane status and adjust requests from the
// link configuration the source wrote.
func (d *Device) updateLinkStatus() {
	cfg := d.mem.LoadRange(dpcd.LinkBWSet, 7)
	rate := cfg[0]
	lanes := cfg[1] & dpcd.LaneCountMask
	pattern := cfg[2] & dpcd.TrainingPatternMsk
	if pattern == dpcd.TrainingPatternOff {
		return
	}

	stable := d.linkStable(rate, lanes)
	var status, adjust [2]uint8
	aligned := lanes > 0
	for l := uint8(0); l < dpcd.MaxLanes; l++ {
		set := cfg[3+l]
		swing, pe := set&0x3, set>>3&0x3

		var st uint8
		cr := stable && l < lanes && swing >= d.cfg.RequiredSwing
		if cr {
			st |= 1 << 0
		}
		eq := cr && pattern != dpcd.TrainingPattern1 &&
			pe >= d.cfg.RequiredPreEmphasis &&
			(pattern != dpcd.TrainingPattern3 || d.cfg.TPS3)
		if eq {
			st |= 1<<1 | 1<<2
		}
		if l < lanes && !eq {
			aligned = false
		}

		reqSwing := max(swing, d.cfg.RequiredSwing)
		reqPE := pe
		if pattern != dpcd.TrainingPattern1 {
			reqPE = max(pe, d.cfg.RequiredPreEmphasis)
		}
		status[l/2] |= st << (4 * (l % 2))
		adjust[l/2] |= (reqSwing&0x3 | (reqPE&0x3)<<2) << (4 * (l % 2))
	}

	var align uint8
	if aligned {
		align = 1
	}
	d.mem.Store(dpcd.Lane01Status, status[0], status[1], align, 0, adjust[0], adjust[1])
}

// downRequestWrite tracks DOWN_REQ writes and delivers the fragment once
// the bytes its header announces have arrived.
func (d *Device) downRequestWrite(addr, end uint32) {
	if addr == dpcd.DownRequestBase {
		d.reqHigh = 0
	}
	d.reqHigh = max(d.reqHigh, int(end-dpcd.DownRequestBase))

	box := d.mem.LoadRange(dpcd.DownRequestBase, d.reqHigh)
	lct := int(box[0] >> 4)
	hlen := sideband.MinHeaderSize + lct/2
	if lct == 0 || d.reqHigh < hlen-1 {
		return
	}
	total := hlen + int(box[hlen-2]&0x3F)
	if d.reqHigh < total {
		return
	}
	d.reqHigh = 0

	if !d.cfg.Branch {
		pkg.LogDebug(pkg.ComponentSim, "down request to SST device ignored", "device", d.cfg.Name)
		return
	}
	hdr, body, done, err := d.box.Deliver(box[:total])
	if err != nil {
		pkg.LogWarn(pkg.ComponentSim, "down request dropped", "device", d.cfg.Name, "error", err)
		return
	}
	if !done {
		return
	}

	reply := d.route(hdr, body)
	if err := d.box.Post(hdr, reply); err != nil {
		pkg.LogError(pkg.ComponentSim, "down reply", "device", d.cfg.Name, "error", err)
		return
	}
	d.replyFrag = 0
	d.postNext()
}

// route delivers a reassembled request to the branch it addresses and
// returns that branch's reply body.
func (d *Device) route(hdr sideband.Header, body []byte) []byte {
	ctx := context.Background()
	if hdr.Broadcast {
		if len(body) > 0 && sideband.RequestID(body[0]) == sideband.ReqClearPayloadIDTable {
			d.Walk(func(n *Device) {
				if n.responder != nil {
					n.responder.ClearPayloads()
				}
			})
		}
		reply, _ := d.responder.Handle(ctx, body)
		return reply
	}

	target := d
	for i := 0; i < hdr.RAD.Len(); i++ {
		child, ok := target.children[hdr.RAD.Port(i)]
		if !ok || !child.cfg.Branch {
			id := sideband.ReqLinkAddress
			if len(body) > 0 {
				id = sideband.RequestID(body[0] & 0x7F)
			}
			nack := &sideband.NackError{Request: id, GUID: target.GUID(), Reason: sideband.NackLinkFailure}
			return nack.Marshal()
		}
		target = child
	}
	reply, err := target.responder.Handle(ctx, body)
	if err != nil {
		pkg.LogWarn(pkg.ComponentSim, "request not handled", "device", target.cfg.Name, "error", err)
	}
	return reply
}

// postNext places the next reply fragment in DOWN_REP and raises
// DOWN_REP_MSG_RDY.
func (d *Device) postNext() {
	frag, ok := d.box.Next()
	if !ok {
		return
	}
	d.replyFrag++
	raw := append([]byte(nil), frag...)
	if d.faults.CorruptReplyFragment == d.replyFrag {
		raw[len(raw)-1] ^= 0xFF
	}
	d.mem.Store(dpcd.DownReplyBase, raw...)
	d.esi |= dpcd.DownReplyReady
	d.mem.Store(dpcd.DeviceServiceIRQESI0, d.esi)
}
