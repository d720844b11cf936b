package dpcd

// Receiver capability field.
const (
	Revision           = 0x00000 // DPCD_REV
	MaxLinkRate        = 0x00001 // MAX_LINK_RATE
	MaxLaneCount       = 0x00002 // MAX_LANE_COUNT, TPS3 and enhanced framing caps
	MaxDownspread      = 0x00003 // MAX_DOWNSPREAD
	DownstreamPortCnt  = 0x00007 // DOWN_STREAM_PORT_COUNT
	TrainingAuxRdIntvl = 0x0000E // TRAINING_AUX_RD_INTERVAL
	ReceiverCapSize    = 16      // bytes in the receiver capability block
	SinkCount          = 0x00200 // SINK_COUNT
	MSTMCap            = 0x00021 // MSTM_CAP
	GUID               = 0x00030 // 16-byte device GUID
	GUIDSize           = 16
)

// Link configuration field.
const (
	LinkBWSet            = 0x00100 // LINK_BW_SET
	LaneCountSet         = 0x00101 // LANE_COUNT_SET, bit 7 enhanced framing
	TrainingPatternSet   = 0x00102 // TRAINING_PATTERN_SET
	TrainingLane0Set     = 0x00103 // TRAINING_LANE0_SET .. LANE3_SET
	DownspreadCtrl       = 0x00107 // DOWNSPREAD_CTRL
	MainLinkChannelCode  = 0x00108 // MAIN_LINK_CHANNEL_CODING_SET
	MSTMCtrl             = 0x00111 // MSTM_CTRL
	PayloadAllocateSet   = 0x001C0 // PAYLOAD_ALLOCATE_SET (VC payload id)
	PayloadAllocateStart = 0x001C1 // PAYLOAD_ALLOCATE_START_TIME_SLOT
	PayloadAllocateCount = 0x001C2 // PAYLOAD_ALLOCATE_TIME_SLOT_COUNT
)

// Link and sink status field.
const (
	SinkCountESI           = 0x02002 // SINK_COUNT_ESI
	DeviceServiceIRQESI0   = 0x02003 // DEVICE_SERVICE_IRQ_VECTOR_ESI0
	Lane01Status           = 0x00202 // LANE0_1_STATUS
	Lane23Status           = 0x00203 // LANE2_3_STATUS
	LaneAlignStatusUpdated = 0x00204 // LANE_ALIGN_STATUS_UPDATED
	SinkStatus             = 0x00205 // SINK_STATUS
	AdjustRequestLane01    = 0x00206 // ADJUST_REQUEST_LANE0_1
	AdjustRequestLane23    = 0x00207 // ADJUST_REQUEST_LANE2_3
	LinkStatusSize         = 6       // LANE0_1_STATUS .. ADJUST_REQUEST_LANE2_3
	PayloadTableStatus     = 0x002C0 // PAYLOAD_TABLE_UPDATE_STATUS
	PayloadTable           = 0x002C0 // VC payload id table, slot n at +n
	PayloadTableSize       = 64
	SetPower               = 0x00600 // SET_POWER
)

// Sideband mailboxes.
const (
	DownRequestBase = 0x01000 // DOWN_REQ mailbox
	UpReplyBase     = 0x01200 // UP_REP mailbox
	DownReplyBase   = 0x01400 // DOWN_REP mailbox
	UpRequestBase   = 0x01600 // UP_REQ mailbox
	MailboxSize     = 48      // bytes per mailbox
)

// MaxAddress is the highest addressable DPCD location.
const MaxAddress = 0xFFFFF

// Link rate codes (LINK_BW_SET / MAX_LINK_RATE).
const (
	LinkRate162 = 0x06 // 1.62 Gbps (RBR)
	LinkRate270 = 0x0A // 2.70 Gbps (HBR)
	LinkRate540 = 0x14 // 5.40 Gbps (HBR2)
)

// Lane counts.
const (
	LaneCount1 = 1
	LaneCount2 = 2
	LaneCount4 = 4
)

// MAX_LANE_COUNT / LANE_COUNT_SET bits.
const (
	LaneCountMask       = 0x1F
	TPS3Supported       = 1 << 6
	EnhancedFramingCap  = 1 << 7
	EnhancedFramingEnab = 1 << 7
)

// TRAINING_PATTERN_SET values and bits.
const (
	TrainingPatternOff = 0x00
	TrainingPattern1   = 0x01
	TrainingPattern2   = 0x02
	TrainingPattern3   = 0x03
	TrainingPatternMsk = 0x03
	ScramblingDisable  = 1 << 5
)

// MAX_DOWNSPREAD / DOWNSPREAD_CTRL bits.
const (
	MaxDownspreadSupported = 1 << 0
	SpreadAmp              = 1 << 4
)

// MAIN_LINK_CHANNEL_CODING_SET values.
const ChannelCoding8b10b = 0x01

// MSTM_CAP / MSTM_CTRL bits.
const (
	MSTCap           = 1 << 0
	MSTEnable        = 1 << 0
	UpRequestEnable  = 1 << 1
	UpstreamIsSource = 1 << 2
)

// DEVICE_SERVICE_IRQ_VECTOR_ESI0 bits.
const (
	DownReplyReady  = 1 << 4 // DOWN_REP_MSG_RDY
	UpRequestReady  = 1 << 5 // UP_REQ_MSG_RDY
	RemoteControlIR = 1 << 0
)

// PAYLOAD_TABLE_UPDATE_STATUS bits.
const (
	PayloadTableUpdated = 1 << 0
	ACTHandled          = 1 << 1
)

// PayloadClearAll is the time slot count that clears every VC payload id.
const PayloadClearAll = 0x3F

// Drive level bounds.
const (
	MaxVoltageSwing   = 3
	MaxPreEmphasis    = 3
	MaxDriveLevelSum  = 3 // swing + pre-emphasis may not exceed level 3
	MaxLanes          = 4
	MinimumDPCDForMST = 0x12 // DPCD 1.2
)

// LinkRateMbps returns the per-lane bit rate of a link rate code in Mbps,
// or 0 for an unknown code.
func LinkRateMbps(code uint8) uint32 {
	switch code {
	case LinkRate162:
		return 1620
	case LinkRate270:
		return 2700
	case LinkRate540:
		return 5400
	default:
		return 0
	}
}

// ValidLinkRate reports whether code is a supported link rate.
func ValidLinkRate(code uint8) bool {
	return LinkRateMbps(code) != 0
}

// ValidLaneCount reports whether n is a supported lane count.
func ValidLaneCount(n uint8) bool {
	return n == LaneCount1 || n == LaneCount2 || n == LaneCount4
}
