package hal

// Transmitter core register offsets.
const (
	TxLinkBWSet           = 0x000 // link rate code (RW)
	TxLaneCountSet        = 0x004 // active lane count (RW)
	TxEnhancedFrameEn     = 0x008 // enhanced framing enable (RW)
	TxTrainingPatternSet  = 0x00C // training pattern select (RW)
	TxScramblingDisable   = 0x014 // 1 disables the scrambler (RW)
	TxDownspreadCtrl      = 0x018 // downspread enable (RW)
	TxSoftwareReset       = 0x01C // stream/AUX soft reset (W)
	TxEnable              = 0x080 // transmitter enable (RW)
	TxEnableMainStream    = 0x084 // main stream enable (RW)
	TxForceScramblerReset = 0x0C0 // force scrambler reset (W)
	TxMSTConfig           = 0x0D0 // MST enable (RW)
	TxPayloadTrigger      = 0x0D4 // ACT trigger and status (RW)
	TxAuxCommand          = 0x100 // AUX command; writing starts the request (W)
	TxAuxWriteFIFO        = 0x104 // AUX request data, one byte per write (W)
	TxAuxAddress          = 0x108 // AUX 20-bit address (RW)
	TxAuxClkDivider       = 0x10C // AUX clock divider (RW)
	TxHPDDuration         = 0x12C // width of the last HPD pulse in us (R)
	TxInterruptSigState   = 0x130 // HPD and AUX request/reply state (R)
	TxAuxReplyData        = 0x134 // AUX reply data, one byte per read (R)
	TxAuxReplyCode        = 0x138 // AUX reply code (R)
	TxAuxReplyCount       = 0x13C // AUX replies received (R)
	TxInterruptStatus     = 0x140 // interrupt status (R, clear on read)
	TxInterruptMask       = 0x144 // interrupt mask (RW)
	TxReplyDataCount      = 0x148 // AUX reply data byte count (R)
	TxPHYConfig           = 0x200 // PHY reset (RW)
	TxPHYVoltageDiffLane0 = 0x220 // lane 0 voltage swing (RW), lanes at +4
	TxPHYPostCursorLane0  = 0x24C // lane 0 pre-emphasis (RW), lanes at +4
	TxPHYStatus           = 0x280 // PHY lane reset/PLL lock status (R)
	TxVCPayloadBuffer     = 0x800 // 64 time slot entries, one word each (W)
)

// TxAuxCommand fields.
const (
	TxAuxCommandShift        = 8       // request command nibble position
	TxAuxCommandCountMask    = 0x0F    // byte count - 1
	TxAuxCommandAddressOnly  = 1 << 12 // address-only transfer
	TxAuxMaxRequestDataBytes = 16
)

// TxInterruptSigState bits.
const (
	TxSigStateHPD               = 1 << 0 // HPD asserted
	TxSigStateRequestInProgress = 1 << 1 // AUX request in progress
	TxSigStateReplyReceived     = 1 << 2 // AUX reply received
	TxSigStateReplyTimeout      = 1 << 3 // AUX reply timed out
)

// TxInterruptStatus bits.
const (
	TxIntHPDIRQ        = 1 << 0 // HPD pulse (IRQ_HPD) detected
	TxIntHPDEvent      = 1 << 1 // HPD connect or disconnect
	TxIntReplyReceived = 1 << 2
	TxIntReplyTimeout  = 1 << 3
	TxIntHPDPulse      = 1 << 4
)

// TxPayloadTrigger bits.
const (
	TxPayloadTriggerACT  = 1 << 0 // write 1 to send the ACT sequence
	TxPayloadTriggerBusy = 1 << 1 // ACT sequence in progress
)

// TxPHYStatus ready mask for all four lanes.
const TxPHYStatusAllLanesReady = 0x0000_0FFF

// TxLaneRegister returns the offset of a per-lane PHY register.
func TxLaneRegister(base uint32, lane int) uint32 {
	return base + uint32(lane)*4
}

// Main stream attribute register offsets relative to a stream block.
const (
	TxMSAHTotal          = 0x00
	TxMSAVTotal          = 0x04
	TxMSAPolarity        = 0x08
	TxMSAHSyncWidth      = 0x0C
	TxMSAVSyncWidth      = 0x10
	TxMSAHResolution     = 0x14
	TxMSAVResolution     = 0x18
	TxMSAHStart          = 0x1C
	TxMSAVStart          = 0x20
	TxMSAMisc0           = 0x24
	TxMSAMisc1           = 0x28
	TxMSAMVid            = 0x2C
	TxMSATransferUnit    = 0x30
	TxMSANVid            = 0x34
	TxMSAUserPixelWidth  = 0x38
	TxMSADataPerLane     = 0x3C
	TxMSAMinBytesPerTU   = 0x44
	TxMSAFracBytesPerTU  = 0x48
	TxMSAInitWait        = 0x4C
	TxMSAStreamTimeSlots = 0x50
)

// TxStreamBase returns the MSA register block of stream 1..4, or 0 for an
// invalid stream.
func TxStreamBase(stream int) uint32 {
	switch stream {
	case 1:
		return 0x180
	case 2:
		return 0x500
	case 3:
		return 0x550
	case 4:
		return 0x5A0
	default:
		return 0
	}
}
