package sim

import (
	"context"
	"sync"

	"github.com/ardnew/softdp/auxch"
	"github.com/ardnew/softdp/hal"
	"github.com/ardnew/softdp/pkg"
)

// TxCore is an in-memory transmitter core. Its AUX engine completes each
// request synchronously against the attached device, so it pairs with
// hal.NopTimer.
type TxCore struct {
	mu sync.Mutex

	regs   map[uint32]uint32
	device *Device

	fifo      []byte
	reply     []byte
	replyCode auxch.ReplyCode
	state     uint32
	status    uint32

	vcPayload [64]uint32
	phyFault  bool
	requests  int
}

var _ hal.Registers = (*TxCore)(nil)

// NewTxCore returns a core with no device attached.
func NewTxCore() *TxCore {
	return &TxCore{regs: make(map[uint32]uint32)}
}

// Plug attaches d and asserts HPD.
func (c *TxCore) Plug(d *Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.device = d
	c.status |= hal.TxIntHPDEvent
	pkg.LogDebug(pkg.ComponentSim, "hpd asserted", "device", d.Name())
}

// Unplug detaches the device and de-asserts HPD.
func (c *TxCore) Unplug() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.device = nil
	c.status |= hal.TxIntHPDEvent
	pkg.LogDebug(pkg.ComponentSim, "hpd de-asserted")
}

// Pulse signals an HPD pulse of widthUs microseconds.
func (c *TxCore) Pulse(widthUs uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[hal.TxHPDDuration] = widthUs
	c.status |= hal.TxIntHPDPulse | hal.TxIntHPDIRQ
}

// SetPHYFault holds the PHY out of ready.
func (c *TxCore) SetPHYFault(fault bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phyFault = fault
}

// Device returns the attached device.
func (c *TxCore) Device() *Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// VCPayload returns the transmitter's time slot table.
func (c *TxCore) VCPayload() [64]uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vcPayload
}

// Requests returns the number of AUX requests issued.
func (c *TxCore) Requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

// Reg returns the last value written to a plain register.
func (c *TxCore) Reg(offset uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[offset]
}

// ReadReg implements hal.Registers.
func (c *TxCore) ReadReg(offset uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch offset {
	case hal.TxInterruptSigState:
		s := c.state
		if c.device != nil {
			s |= hal.TxSigStateHPD
		}
		return s
	case hal.TxInterruptStatus:
		s := c.status
		c.status = 0
		return s
	case hal.TxAuxReplyCode:
		return uint32(c.replyCode)
	case hal.TxReplyDataCount:
		return uint32(len(c.reply))
	case hal.TxAuxReplyData:
		if len(c.reply) == 0 {
			return 0
		}
		b := c.reply[0]
		c.reply = c.reply[1:]
		return uint32(b)
	case hal.TxPHYStatus:
		if c.phyFault {
			return 0
		}
		return hal.TxPHYStatusAllLanesReady
	case hal.TxPayloadTrigger:
		return 0
	}
	return c.regs[offset]
}

// WriteReg implements hal.Registers.
func (c *TxCore) WriteReg(offset, value uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case offset == hal.TxAuxWriteFIFO:
		c.fifo = append(c.fifo, uint8(value))
	case offset == hal.TxAuxCommand:
		c.execute(value)
	case offset == hal.TxPayloadTrigger:
		if value&hal.TxPayloadTriggerACT != 0 && c.device != nil {
			c.device.act()
		}
	case offset >= hal.TxVCPayloadBuffer && offset < hal.TxVCPayloadBuffer+4*64:
		c.vcPayload[(offset-hal.TxVCPayloadBuffer)/4] = value
	default:
		c.regs[offset] = value
	}
}

// execute runs one AUX request against the attached device.
func (c *TxCore) execute(cmd uint32) {
	c.requests++
	data := c.fifo
	c.fifo = nil
	c.reply = nil
	c.state &^= hal.TxSigStateReplyReceived | hal.TxSigStateReplyTimeout

	d := c.device
	if d == nil || d.faults.Silent {
		c.state |= hal.TxSigStateReplyTimeout
		c.status |= hal.TxIntReplyTimeout
		return
	}
	c.state |= hal.TxSigStateReplyReceived
	c.status |= hal.TxIntReplyReceived

	command := auxch.Kind(cmd >> hal.TxAuxCommandShift & 0xF)
	n := int(cmd&hal.TxAuxCommandCountMask) + 1
	if cmd&hal.TxAuxCommandAddressOnly != 0 {
		n = 0
	}
	addr := c.regs[hal.TxAuxAddress]
	native := command.IsNative()
	kind := command
	if !native {
		kind &^= 0x4 // middle-of-transaction
	}

	if d.faults.Defers > 0 {
		d.faults.Defers--
		c.replyCode = auxch.ReplyDefer
		if !native {
			c.replyCode = auxch.ReplyI2CDefer
		}
		return
	}

	ctx := context.Background()
	c.replyCode = auxch.ReplyAck
	switch kind {
	case auxch.NativeWrite:
		if len(data) != n || d.WriteDPCD(ctx, addr, data) != nil {
			c.replyCode = auxch.ReplyNack
		}
	case auxch.NativeRead:
		buf := make([]byte, n)
		if d.ReadDPCD(ctx, addr, buf) != nil {
			c.replyCode = auxch.ReplyNack
			return
		}
		c.reply = buf
	case auxch.I2CWrite, auxch.I2CWriteStatus:
		if n == 0 {
			return
		}
		if d.ddc == nil || d.ddc.WriteI2C(ctx, uint8(addr), data, false) != nil {
			c.replyCode = auxch.ReplyI2CNack
		}
	case auxch.I2CRead:
		if n == 0 {
			return
		}
		buf := make([]byte, n)
		if d.ddc == nil || d.ddc.ReadI2C(ctx, uint8(addr), buf) != nil {
			c.replyCode = auxch.ReplyI2CNack
			return
		}
		c.reply = buf
	default:
		c.replyCode = auxch.ReplyNack
	}
}
