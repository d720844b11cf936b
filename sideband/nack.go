package sideband

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ardnew/softdp/pkg"
)

// NackReason explains a NACK reply.
type NackReason uint8

// NACK reasons.
const (
	NackWriteFailure NackReason = 0x01
	NackInvalidRead  NackReason = 0x02
	NackCRCFailure   NackReason = 0x03
	NackBadParam     NackReason = 0x04
	NackDefer        NackReason = 0x05
	NackLinkFailure  NackReason = 0x06
	NackNoResources  NackReason = 0x07
	NackDPCDFail     NackReason = 0x08
	NackI2CNak       NackReason = 0x09
	NackAllocateFail NackReason = 0x0A
)

// String returns the reason name.
func (r NackReason) String() string {
	switch r {
	case NackWriteFailure:
		return "WRITE_FAILURE"
	case NackInvalidRead:
		return "INVALID_READ"
	case NackCRCFailure:
		return "CRC_FAILURE"
	case NackBadParam:
		return "BAD_PARAM"
	case NackDefer:
		return "DEFER"
	case NackLinkFailure:
		return "LINK_FAILURE"
	case NackNoResources:
		return "NO_RESOURCES"
	case NackDPCDFail:
		return "DPCD_FAIL"
	case NackI2CNak:
		return "I2C_NAK"
	case NackAllocateFail:
		return "ALLOCATE_FAIL"
	default:
		return fmt.Sprintf("reason(%#02x)", uint8(r))
	}
}

// nackSize is the length of a NACK reply body.
const nackSize = 1 + 16 + 1 + 1

// NackError is a NACK reply from the addressed device.
type NackError struct {
	Request RequestID
	GUID    uuid.UUID
	Reason  NackReason
	Data    uint8
}

// Error implements error.
func (e *NackError) Error() string {
	return fmt.Sprintf("%s nacked: %s (data %#02x)", e.Request, e.Reason, e.Data)
}

// Is matches pkg.ErrSidebandNack.
func (e *NackError) Is(target error) bool {
	return target == pkg.ErrSidebandNack
}

// Marshal encodes the NACK reply body.
func (e *NackError) Marshal() []byte {
	out := []byte{byte(e.Request) | replyNackFlag}
	out = append(out, e.GUID[:]...)
	return append(out, byte(e.Reason), e.Data)
}

// ParseNack decodes a NACK reply body. The trailing data byte is optional.
func ParseNack(body []byte) (*NackError, error) {
	if len(body) < nackSize-1 || body[0]&replyNackFlag == 0 {
		return nil, fmt.Errorf("nack reply %d bytes: %w", len(body), pkg.ErrSidebandMalformed)
	}
	e := &NackError{Request: RequestID(body[0] &^ replyNackFlag)}
	copy(e.GUID[:], body[1:17])
	e.Reason = NackReason(body[17])
	if len(body) >= nackSize {
		e.Data = body[18]
	}
	return e, nil
}
