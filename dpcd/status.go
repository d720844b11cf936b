package dpcd

import (
	"bytes"
	"context"
	"fmt"

	"github.com/HewlettPackard/structex"

	"github.com/ardnew/softdp/pkg"
)

// LinkStatus is the link status block at DPCD 0x00202..0x00207.
//
// Lane status and adjust request nibbles are packed two lanes per byte,
// lower lane in the low nibble.
type LinkStatus struct {
	Lane0CRDone     uint8 `bitfield:"1"`
	Lane0EQDone     uint8 `bitfield:"1"`
	Lane0SymbolLock uint8 `bitfield:"1"`
	Lane0Reserved   uint8 `bitfield:"1,reserved"`
	Lane1CRDone     uint8 `bitfield:"1"`
	Lane1EQDone     uint8 `bitfield:"1"`
	Lane1SymbolLock uint8 `bitfield:"1"`
	Lane1Reserved   uint8 `bitfield:"1,reserved"`
	Lane2CRDone     uint8 `bitfield:"1"`
	Lane2EQDone     uint8 `bitfield:"1"`
	Lane2SymbolLock uint8 `bitfield:"1"`
	Lane2Reserved   uint8 `bitfield:"1,reserved"`
	Lane3CRDone     uint8 `bitfield:"1"`
	Lane3EQDone     uint8 `bitfield:"1"`
	Lane3SymbolLock uint8 `bitfield:"1"`
	Lane3Reserved   uint8 `bitfield:"1,reserved"`

	InterlaneAlignDone    uint8 `bitfield:"1"`
	Reserved0             uint8 `bitfield:"5,reserved"`
	DownstreamPortChanged uint8 `bitfield:"1"`
	LinkStatusUpdated     uint8 `bitfield:"1"`

	SinkStatus uint8

	Lane0SwingReq   uint8 `bitfield:"2"`
	Lane0PreEmphReq uint8 `bitfield:"2"`
	Lane1SwingReq   uint8 `bitfield:"2"`
	Lane1PreEmphReq uint8 `bitfield:"2"`
	Lane2SwingReq   uint8 `bitfield:"2"`
	Lane2PreEmphReq uint8 `bitfield:"2"`
	Lane3SwingReq   uint8 `bitfield:"2"`
	Lane3PreEmphReq uint8 `bitfield:"2"`
}

// laneStatus is one lane nibble of LANEx_y_STATUS.
type laneStatus struct {
	crDone, eqDone, symbolLock uint8
}

// DecodeLinkStatus decodes the 6-byte link status block.
func DecodeLinkStatus(raw []byte) (LinkStatus, error) {
	var st LinkStatus
	if len(raw) < LinkStatusSize {
		return st, fmt.Errorf("link status: %d bytes: %w", len(raw), pkg.ErrInvalidParameter)
	}
	if err := structex.DecodeByteBuffer(bytes.NewBuffer(raw[:LinkStatusSize]), &st); err != nil {
		return st, fmt.Errorf("link status: %w", err)
	}
	return st, nil
}

// ReadLinkStatus reads and decodes the link status block.
func ReadLinkStatus(ctx context.Context, ep Endpoint) (LinkStatus, error) {
	var raw [LinkStatusSize]byte
	if err := ep.ReadDPCD(ctx, Lane01Status, raw[:]); err != nil {
		return LinkStatus{}, err
	}
	return DecodeLinkStatus(raw[:])
}

func (s *LinkStatus) lane(n int) laneStatus {
	switch n {
	case 0:
		return laneStatus{s.Lane0CRDone, s.Lane0EQDone, s.Lane0SymbolLock}
	case 1:
		return laneStatus{s.Lane1CRDone, s.Lane1EQDone, s.Lane1SymbolLock}
	case 2:
		return laneStatus{s.Lane2CRDone, s.Lane2EQDone, s.Lane2SymbolLock}
	default:
		return laneStatus{s.Lane3CRDone, s.Lane3EQDone, s.Lane3SymbolLock}
	}
}

// ClockRecoveryDone reports whether CR_DONE is set on each of the first
// lanes lanes.
func (s *LinkStatus) ClockRecoveryDone(lanes int) bool {
	for i := 0; i < lanes && i < MaxLanes; i++ {
		if s.lane(i).crDone == 0 {
			return false
		}
	}
	return true
}

// ChannelEqualized reports whether clock recovery, equalization and symbol
// lock hold on each of the first lanes lanes, and lanes are aligned.
func (s *LinkStatus) ChannelEqualized(lanes int) bool {
	if !s.ClockRecoveryDone(lanes) || s.InterlaneAlignDone == 0 {
		return false
	}
	for i := 0; i < lanes && i < MaxLanes; i++ {
		l := s.lane(i)
		if l.eqDone == 0 || l.symbolLock == 0 {
			return false
		}
	}
	return true
}

// AdjustRequest returns the voltage swing and pre-emphasis the sink
// requests for lane.
func (s *LinkStatus) AdjustRequest(lane int) (swing, preEmphasis uint8) {
	switch lane {
	case 0:
		return s.Lane0SwingReq, s.Lane0PreEmphReq
	case 1:
		return s.Lane1SwingReq, s.Lane1PreEmphReq
	case 2:
		return s.Lane2SwingReq, s.Lane2PreEmphReq
	default:
		return s.Lane3SwingReq, s.Lane3PreEmphReq
	}
}

// LaneSet is one TRAINING_LANEx_SET byte.
type LaneSet struct {
	VoltageSwing          uint8 `bitfield:"2"`
	MaxSwingReached       uint8 `bitfield:"1"`
	PreEmphasis           uint8 `bitfield:"2"`
	MaxPreEmphasisReached uint8 `bitfield:"1"`
	Reserved              uint8 `bitfield:"2,reserved"`
}

// NewLaneSet builds the drive setting for a lane, flagging the maxima that
// the sink may not request beyond.
func NewLaneSet(swing, preEmphasis uint8) LaneSet {
	ls := LaneSet{VoltageSwing: swing & 0x3, PreEmphasis: preEmphasis & 0x3}
	if swing >= MaxVoltageSwing || swing+preEmphasis >= MaxDriveLevelSum {
		ls.MaxSwingReached = 1
	}
	if preEmphasis >= MaxPreEmphasis || swing+preEmphasis >= MaxDriveLevelSum {
		ls.MaxPreEmphasisReached = 1
	}
	return ls
}

// Byte encodes the lane setting.
func (ls LaneSet) Byte() (uint8, error) {
	buf := structex.NewBuffer(&ls)
	if buf == nil {
		return 0, fmt.Errorf("lane set: %w", pkg.ErrInvalidParameter)
	}
	if err := structex.Encode(buf, &ls); err != nil {
		return 0, fmt.Errorf("lane set: %w", err)
	}
	b := buf.Bytes()
	if len(b) != 1 {
		return 0, fmt.Errorf("lane set: encoded %d bytes: %w", len(b), pkg.ErrInvalidParameter)
	}
	return b[0], nil
}
