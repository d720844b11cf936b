package auxch

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ardnew/softdp/hal"
	"github.com/ardnew/softdp/pkg"
	"github.com/ardnew/softdp/pkg/metrics"
)

// =============================================================================
// Test Helpers
// =============================================================================

type txn struct {
	command  uint32
	address  uint32
	count    int
	addrOnly bool
	data     []byte
}

// fakeCore models the transmitter AUX engine registers.
type fakeCore struct {
	writes  int
	address uint32
	fifo    []byte
	state   uint32
	code    uint32
	reply   []byte

	busy    bool // request-in-progress never clears
	silent  bool // requests time out
	log     []txn
	handler func(t txn) (ReplyCode, []byte)
}

var _ hal.Registers = (*fakeCore)(nil)

func (f *fakeCore) ReadReg(offset uint32) uint32 {
	switch offset {
	case hal.TxInterruptSigState:
		if f.busy {
			return hal.TxSigStateRequestInProgress
		}
		return f.state
	case hal.TxAuxReplyCode:
		return f.code
	case hal.TxReplyDataCount:
		return uint32(len(f.reply))
	case hal.TxAuxReplyData:
		if len(f.reply) == 0 {
			return 0
		}
		b := f.reply[0]
		f.reply = f.reply[1:]
		return uint32(b)
	}
	return 0
}

func (f *fakeCore) WriteReg(offset uint32, value uint32) {
	f.writes++
	switch offset {
	case hal.TxAuxAddress:
		f.address = value
	case hal.TxAuxWriteFIFO:
		f.fifo = append(f.fifo, uint8(value))
	case hal.TxAuxCommand:
		t := txn{
			command:  (value >> hal.TxAuxCommandShift) & 0xF,
			address:  f.address,
			addrOnly: value&hal.TxAuxCommandAddressOnly != 0,
			data:     f.fifo,
		}
		if !t.addrOnly {
			t.count = int(value&hal.TxAuxCommandCountMask) + 1
		}
		f.fifo = nil
		f.log = append(f.log, t)
		if f.silent {
			f.state = hal.TxSigStateReplyTimeout
			return
		}
		code, data := ReplyAck, []byte(nil)
		if f.handler != nil {
			code, data = f.handler(t)
		}
		f.code = uint32(code)
		f.reply = data
		f.state = hal.TxSigStateReplyReceived
	}
}

// ackReads answers reads with incrementing bytes from the request address.
func ackReads(t txn) (ReplyCode, []byte) {
	if t.command&^commandMOT == uint32(NativeRead) || t.command&^commandMOT == uint32(I2CRead) {
		out := make([]byte, t.count)
		for i := range out {
			out[i] = uint8(t.address) + uint8(i)
		}
		return ReplyAck, out
	}
	return ReplyAck, nil
}

func newChannel(core *fakeCore) *Channel {
	return New(core, hal.NopTimer{}, DefaultConfig())
}

// =============================================================================
// Request Validation Tests
// =============================================================================

func TestTransactByteCountBounds(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{"address only", Request{Kind: NativeWrite, Address: 0x100}, nil},
		{"max write", Request{Kind: NativeWrite, Address: 0x100, Data: make([]byte, 16)}, nil},
		{"max read", Request{Kind: NativeRead, Address: 0x000, Length: 16}, nil},
		{"write 17", Request{Kind: NativeWrite, Address: 0x100, Data: make([]byte, 17)}, pkg.ErrInvalidParameter},
		{"read 17", Request{Kind: NativeRead, Address: 0x000, Length: 17}, pkg.ErrInvalidParameter},
		{"beyond dpcd", Request{Kind: NativeRead, Address: 0xFFFFF, Length: 2}, pkg.ErrInvalidParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core := &fakeCore{handler: ackReads}
			_, err := newChannel(core).Transact(context.Background(), tt.req)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Transact() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Transact() error = %v, want %v", err, tt.wantErr)
			}
			if core.writes != 0 {
				t.Errorf("register writes = %d, want 0", core.writes)
			}
		})
	}
}

func TestTransactCommandEncoding(t *testing.T) {
	core := &fakeCore{handler: ackReads}
	ch := newChannel(core)
	ctx := context.Background()

	if _, err := ch.Transact(ctx, Request{Kind: I2CWrite, Address: 0x50, MOT: true}); err != nil {
		t.Fatalf("Transact() error = %v", err)
	}
	if _, err := ch.Transact(ctx, Request{Kind: NativeWrite, Address: 0x102, MOT: true, Data: []byte{1, 2}}); err != nil {
		t.Fatalf("Transact() error = %v", err)
	}

	if len(core.log) != 2 {
		t.Fatalf("transactions = %d, want 2", len(core.log))
	}
	if got := core.log[0]; got.command != 0x4 || !got.addrOnly {
		t.Errorf("i2c MOT address-only = %+v, want command 0x4 address-only", got)
	}
	if got := core.log[1]; got.command != 0x8 || got.count != 2 || got.address != 0x102 {
		t.Errorf("native write = %+v, want command 0x8 count 2 address 0x102", got)
	}
	if got := core.log[1].data; len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("native write data = %v, want [1 2]", got)
	}
}

// =============================================================================
// Reply Handling Tests
// =============================================================================

func TestTransactReplies(t *testing.T) {
	tests := []struct {
		name    string
		code    ReplyCode
		wantErr error
	}{
		{"ack", ReplyAck, nil},
		{"nack", ReplyNack, pkg.ErrAuxRejected},
		{"i2c nack", ReplyI2CNack, pkg.ErrAuxRejected},
		{"defer forever", ReplyDefer, pkg.ErrAuxTimeout},
		{"i2c defer forever", ReplyI2CDefer, pkg.ErrAuxTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core := &fakeCore{handler: func(txn) (ReplyCode, []byte) { return tt.code, nil }}
			_, err := newChannel(core).Transact(context.Background(),
				Request{Kind: NativeWrite, Address: 0x600, Data: []byte{1}})
			if !errors.Is(err, tt.wantErr) && !(tt.wantErr == nil && err == nil) {
				t.Errorf("Transact() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTransactDeferRetry(t *testing.T) {
	before := testutil.ToFloat64(metrics.AuxDefersTotal)

	defers := 2
	core := &fakeCore{handler: func(t txn) (ReplyCode, []byte) {
		if defers > 0 {
			defers--
			return ReplyDefer, nil
		}
		return ackReads(t)
	}}

	reply, err := newChannel(core).Transact(context.Background(), Request{Kind: NativeRead, Address: 0x10, Length: 4})
	if err != nil {
		t.Fatalf("Transact() error = %v", err)
	}
	if len(core.log) != 3 {
		t.Errorf("requests issued = %d, want 3", len(core.log))
	}
	for i, l := range core.log {
		if l.address != 0x10 || l.count != 4 {
			t.Errorf("request %d = %+v, want identical retries", i, l)
		}
	}
	if len(reply.Data) != 4 || reply.Data[0] != 0x10 {
		t.Errorf("reply data = %v, want 4 bytes from 0x10", reply.Data)
	}
	if got := testutil.ToFloat64(metrics.AuxDefersTotal) - before; got != 2 {
		t.Errorf("defer counter delta = %v, want 2", got)
	}
}

func TestTransactDeferBound(t *testing.T) {
	core := &fakeCore{handler: func(txn) (ReplyCode, []byte) { return ReplyDefer, nil }}
	cfg := DefaultConfig()
	cfg.MaxDeferRetries = 3
	_, err := New(core, hal.NopTimer{}, cfg).Transact(context.Background(), Request{Kind: NativeRead, Length: 1})
	if !errors.Is(err, pkg.ErrAuxTimeout) {
		t.Fatalf("Transact() error = %v, want ErrAuxTimeout", err)
	}
	if len(core.log) != 4 {
		t.Errorf("requests issued = %d, want 4", len(core.log))
	}
}

func TestTransactTimeouts(t *testing.T) {
	t.Run("no reply", func(t *testing.T) {
		core := &fakeCore{silent: true}
		_, err := newChannel(core).Transact(context.Background(), Request{Kind: NativeRead, Length: 1})
		if !errors.Is(err, pkg.ErrAuxTimeout) {
			t.Errorf("Transact() error = %v, want ErrAuxTimeout", err)
		}
	})

	t.Run("stuck request", func(t *testing.T) {
		core := &fakeCore{busy: true}
		_, err := newChannel(core).Transact(context.Background(), Request{Kind: NativeRead, Length: 1})
		if !errors.Is(err, pkg.ErrAuxTimeout) {
			t.Errorf("Transact() error = %v, want ErrAuxTimeout", err)
		}
		if len(core.log) != 0 {
			t.Errorf("requests issued = %d, want 0", len(core.log))
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := newChannel(&fakeCore{}).Transact(ctx, Request{Kind: NativeRead, Length: 1})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Transact() error = %v, want context.Canceled", err)
		}
	})
}

func TestTransactMalformed(t *testing.T) {
	tests := []struct {
		name  string
		reply []byte
		req   Request
	}{
		{"short native read", []byte{1, 2}, Request{Kind: NativeRead, Length: 4}},
		{"long read", []byte{1, 2, 3}, Request{Kind: I2CRead, Address: 0x50, Length: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core := &fakeCore{handler: func(txn) (ReplyCode, []byte) { return ReplyAck, tt.reply }}
			_, err := newChannel(core).Transact(context.Background(), tt.req)
			if !errors.Is(err, pkg.ErrAuxMalformed) {
				t.Errorf("Transact() error = %v, want ErrAuxMalformed", err)
			}
		})
	}
}

func TestReplyCodeString(t *testing.T) {
	tests := map[ReplyCode]string{
		ReplyAck:      "ACK",
		ReplyNack:     "NACK",
		ReplyDefer:    "DEFER",
		ReplyI2CNack:  "I2C_NACK",
		ReplyI2CDefer: "I2C_DEFER",
	}
	for code, want := range tests {
		if got := code.String(); got != want {
			t.Errorf("ReplyCode(%#x).String() = %q, want %q", uint8(code), got, want)
		}
	}
}

// =============================================================================
// Disconnect Tests
// =============================================================================

func TestInvalidate(t *testing.T) {
	core := &fakeCore{handler: ackReads}
	ch := newChannel(core)
	ctx := context.Background()

	ch.Invalidate()
	if ch.Connected() {
		t.Error("Connected() = true after Invalidate")
	}
	_, err := ch.Transact(ctx, Request{Kind: NativeRead, Length: 1})
	if !errors.Is(err, pkg.ErrDisconnected) {
		t.Fatalf("Transact() error = %v, want ErrDisconnected", err)
	}
	if core.writes != 0 {
		t.Errorf("register writes = %d, want 0", core.writes)
	}

	ch.Revalidate()
	if _, err := ch.Transact(ctx, Request{Kind: NativeRead, Length: 1}); err != nil {
		t.Errorf("Transact() after Revalidate error = %v", err)
	}
}

func TestInvalidateInFlight(t *testing.T) {
	core := &fakeCore{}
	ch := newChannel(core)
	core.handler = func(t txn) (ReplyCode, []byte) {
		ch.Invalidate()
		return ackReads(t)
	}

	err := ch.WriteDPCD(context.Background(), 0x100, make([]byte, 20))
	if !errors.Is(err, pkg.ErrDisconnected) {
		t.Fatalf("WriteDPCD() error = %v, want ErrDisconnected", err)
	}
	if len(core.log) != 1 {
		t.Errorf("requests issued = %d, want 1", len(core.log))
	}
}

// =============================================================================
// DPCD Access Tests
// =============================================================================

func TestReadDPCDChunks(t *testing.T) {
	core := &fakeCore{handler: ackReads}
	buf := make([]byte, 40)
	if err := newChannel(core).ReadDPCD(context.Background(), 0x1400, buf); err != nil {
		t.Fatalf("ReadDPCD() error = %v", err)
	}

	wantCounts := []int{16, 16, 8}
	if len(core.log) != len(wantCounts) {
		t.Fatalf("transactions = %d, want %d", len(core.log), len(wantCounts))
	}
	for i, want := range wantCounts {
		if core.log[i].count != want {
			t.Errorf("transaction %d count = %d, want %d", i, core.log[i].count, want)
		}
		if core.log[i].address != 0x1400+uint32(16*i) {
			t.Errorf("transaction %d address = %#x", i, core.log[i].address)
		}
	}
	if buf[16] != 0x10 || buf[32] != 0x20 {
		t.Errorf("buf[16], buf[32] = %#x, %#x, want 0x10, 0x20", buf[16], buf[32])
	}
}

func TestWriteDPCDChunks(t *testing.T) {
	core := &fakeCore{}
	data := make([]byte, 33)
	for i := range data {
		data[i] = uint8(i)
	}
	if err := newChannel(core).WriteDPCD(context.Background(), 0x1000, data); err != nil {
		t.Fatalf("WriteDPCD() error = %v", err)
	}
	if len(core.log) != 3 {
		t.Fatalf("transactions = %d, want 3", len(core.log))
	}
	if got := core.log[2]; got.count != 1 || got.data[0] != 32 || got.address != 0x1020 {
		t.Errorf("last transaction = %+v, want 1 byte 32 at 0x1020", got)
	}
}

// =============================================================================
// I2C-over-AUX Tests
// =============================================================================

func TestI2CRead(t *testing.T) {
	core := &fakeCore{handler: ackReads}
	buf := make([]byte, 20)
	if err := newChannel(core).I2CRead(context.Background(), 0x50, 0x00, buf); err != nil {
		t.Fatalf("I2CRead() error = %v", err)
	}

	want := []struct {
		command  uint32
		count    int
		addrOnly bool
	}{
		{uint32(I2CWrite) | commandMOT, 1, false},
		{uint32(I2CRead) | commandMOT, 16, false},
		{uint32(I2CRead) | commandMOT, 4, false},
		{uint32(I2CRead), 0, true},
	}
	if len(core.log) != len(want) {
		t.Fatalf("transactions = %d, want %d", len(core.log), len(want))
	}
	for i, w := range want {
		got := core.log[i]
		if got.command != w.command || got.count != w.count || got.addrOnly != w.addrOnly || got.address != 0x50 {
			t.Errorf("transaction %d = %+v, want %+v", i, got, w)
		}
	}
}

func TestI2CReadNackStops(t *testing.T) {
	core := &fakeCore{handler: func(t txn) (ReplyCode, []byte) {
		if t.command == uint32(I2CRead)|commandMOT {
			return ReplyI2CNack, nil
		}
		return ReplyAck, nil
	}}
	err := newChannel(core).I2CRead(context.Background(), 0x50, 0, make([]byte, 8))
	if !errors.Is(err, pkg.ErrAuxRejected) {
		t.Fatalf("I2CRead() error = %v, want ErrAuxRejected", err)
	}
	last := core.log[len(core.log)-1]
	if !last.addrOnly || last.command&commandMOT != 0 {
		t.Errorf("last transaction = %+v, want address-only stop", last)
	}
}

func TestI2CWrite(t *testing.T) {
	core := &fakeCore{}
	ch := newChannel(core)
	if err := ch.I2CWrite(context.Background(), 0x37, make([]byte, 18)); err != nil {
		t.Fatalf("I2CWrite() error = %v", err)
	}
	if len(core.log) != 3 {
		t.Fatalf("transactions = %d, want 3", len(core.log))
	}
	if !core.log[2].addrOnly {
		t.Error("final transaction not address-only")
	}
	if err := ch.I2CWrite(context.Background(), 0x80, nil); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("I2CWrite(0x80) error = %v, want ErrInvalidParameter", err)
	}
	if _, err := ch.I2CWriteStatus(context.Background(), 0x37); err != nil {
		t.Errorf("I2CWriteStatus() error = %v", err)
	}
}
