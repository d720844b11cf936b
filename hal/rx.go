package hal

// Receiver core register offsets.
const (
	RxLinkEnable        = 0x000 // receiver enable (RW)
	RxAuxClkDivider     = 0x004 // AUX clock divider (RW)
	RxUserPixelWidth    = 0x010 // pixels per user clock (RW)
	RxInterruptMask     = 0x014 // interrupt mask (RW)
	RxSoftReset         = 0x01C // soft reset (W)
	RxHPDInterrupt      = 0x02C // HPD pulse request: width<<16 | assert (W)
	RxInterruptCause    = 0x040 // interrupt cause (R, clear on read)
	RxLinkBWSet         = 0x09C // DPCD LINK_BW_SET mirror (R)
	RxLaneCountSet      = 0x0A0 // DPCD LANE_COUNT_SET mirror (R)
	RxDPCDAddress       = 0x0E0 // local DPCD access address, auto-increments (RW)
	RxDPCDData          = 0x0E4 // local DPCD access data, one byte per access (RW)
	RxDeviceServiceIRQ  = 0x0E8 // DEVICE_SERVICE_IRQ_VECTOR_ESI0 mirror (RW)
	RxDownRequestLength = 0x0EC // bytes in the down request buffer (R)
	RxDownRequest       = 0xA00 // down request buffer, one byte per word (R)
	RxDownReply         = 0xB00 // down reply buffer, one byte per word (W)
)

// RxInterruptCause bits.
const (
	RxIntTrainingDone    = 1 << 0
	RxIntTrainingLost    = 1 << 1
	RxIntDownRequest     = 1 << 2 // down request buffer ready
	RxIntDownReplyRead   = 1 << 3 // host cleared DOWN_REP_MSG_RDY
	RxIntPayloadAllocate = 1 << 4 // VC payload table written
)

// RxHPDInterrupt fields.
const (
	RxHPDAssert     = 1 << 0
	RxHPDWidthShift = 16
)
