package dpcd

import (
	"context"
	"sync"
)

// Memory is a sparse in-memory DPCD space. Unwritten addresses read as
// zero. It implements [Endpoint] and is safe for concurrent use.
type Memory struct {
	mu   sync.Mutex
	regs map[uint32]uint8

	// OnWrite, if set, is called after every write with the lock released.
	OnWrite func(addr uint32, data []byte)
}

// NewMemory returns an empty DPCD space.
func NewMemory() *Memory {
	return &Memory{regs: make(map[uint32]uint8)}
}

// ReadDPCD implements Endpoint.
func (m *Memory) ReadDPCD(ctx context.Context, addr uint32, buf []byte) error {
	if err := CheckRange(addr, len(buf)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range buf {
		buf[i] = m.regs[addr+uint32(i)]
	}
	return nil
}

// WriteDPCD implements Endpoint.
func (m *Memory) WriteDPCD(ctx context.Context, addr uint32, data []byte) error {
	if err := CheckRange(addr, len(data)); err != nil {
		return err
	}
	m.Store(addr, data...)
	if m.OnWrite != nil {
		m.OnWrite(addr, data)
	}
	return nil
}

// Store writes data at addr without invoking OnWrite. Device models use it
// to update status registers.
func (m *Memory) Store(addr uint32, data ...uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range data {
		m.regs[addr+uint32(i)] = b
	}
}

// Load returns the byte at addr.
func (m *Memory) Load(addr uint32) uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[addr]
}

// LoadRange returns n bytes starting at addr.
func (m *Memory) LoadRange(addr uint32, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = m.regs[addr+uint32(i)]
	}
	return out
}
