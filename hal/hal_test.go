package hal

import (
	"context"
	"errors"
	"testing"
)

// =============================================================================
// Test Helpers
// =============================================================================

type regFile map[uint32]uint32

func (r regFile) ReadReg(offset uint32) uint32         { return r[offset] }
func (r regFile) WriteReg(offset uint32, value uint32) { r[offset] = value }

type countingTimer struct {
	waits int
	total uint32
}

func (c *countingTimer) WaitMicroseconds(us uint32) {
	c.waits++
	c.total += us
}

// =============================================================================
// Poll Tests
// =============================================================================

func TestPoll(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		readyAt   int
		wantDone  bool
		wantCalls int
		wantWaits int
	}{
		{"ready immediately", 5, 1, true, 1, 0},
		{"ready on third", 5, 3, true, 3, 2},
		{"never ready", 4, 0, false, 4, 3},
		{"zero attempts", 0, 1, false, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timer := &countingTimer{}
			calls := 0
			done, err := Poll(context.Background(), timer, tt.attempts, 10, func() (bool, error) {
				calls++
				return tt.readyAt > 0 && calls >= tt.readyAt, nil
			})
			if err != nil {
				t.Fatalf("Poll() error = %v", err)
			}
			if done != tt.wantDone {
				t.Errorf("Poll() = %v, want %v", done, tt.wantDone)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if timer.waits != tt.wantWaits {
				t.Errorf("waits = %d, want %d", timer.waits, tt.wantWaits)
			}
		})
	}
}

func TestPoll_Error(t *testing.T) {
	want := errors.New("bus fault")
	_, err := Poll(context.Background(), NopTimer{}, 3, 0, func() (bool, error) {
		return false, want
	})
	if !errors.Is(err, want) {
		t.Errorf("Poll() error = %v, want %v", err, want)
	}
}

func TestPoll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := Poll(ctx, NopTimer{}, 3, 0, func() (bool, error) {
		called = true
		return true, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Poll() error = %v, want context.Canceled", err)
	}
	if called {
		t.Error("cond called after cancellation")
	}
}

// =============================================================================
// Register Helper Tests
// =============================================================================

func TestSetClearBits(t *testing.T) {
	r := regFile{}
	r.WriteReg(TxMSTConfig, 0x10)

	SetBits(r, TxMSTConfig, 0x01)
	if got := r.ReadReg(TxMSTConfig); got != 0x11 {
		t.Errorf("after SetBits = 0x%X, want 0x11", got)
	}

	ClearBits(r, TxMSTConfig, 0x10)
	if got := r.ReadReg(TxMSTConfig); got != 0x01 {
		t.Errorf("after ClearBits = 0x%X, want 0x01", got)
	}
}

func TestTxStreamBase(t *testing.T) {
	tests := []struct {
		stream int
		want   uint32
	}{
		{0, 0},
		{1, 0x180},
		{2, 0x500},
		{3, 0x550},
		{4, 0x5A0},
		{5, 0},
	}

	for _, tt := range tests {
		if got := TxStreamBase(tt.stream); got != tt.want {
			t.Errorf("TxStreamBase(%d) = 0x%X, want 0x%X", tt.stream, got, tt.want)
		}
	}
}

func TestTxLaneRegister(t *testing.T) {
	if got := TxLaneRegister(TxPHYVoltageDiffLane0, 3); got != 0x22C {
		t.Errorf("TxLaneRegister(lane 3) = 0x%X, want 0x22C", got)
	}
}
