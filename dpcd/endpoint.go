package dpcd

import (
	"context"
	"fmt"

	"github.com/ardnew/softdp/pkg"
)

// Endpoint is anything that exposes a DPCD address space.
//
// The source stack implements it with AUX transactions against a remote
// device; the sink stack implements it with its own register-backed DPCD.
type Endpoint interface {
	// ReadDPCD reads len(buf) bytes starting at addr.
	ReadDPCD(ctx context.Context, addr uint32, buf []byte) error

	// WriteDPCD writes data starting at addr.
	WriteDPCD(ctx context.Context, addr uint32, data []byte) error
}

// ReadByte reads a single DPCD byte.
func ReadByte(ctx context.Context, ep Endpoint, addr uint32) (uint8, error) {
	var b [1]byte
	if err := ep.ReadDPCD(ctx, addr, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteByte writes a single DPCD byte.
func WriteByte(ctx context.Context, ep Endpoint, addr uint32, v uint8) error {
	return ep.WriteDPCD(ctx, addr, []byte{v})
}

// CheckRange validates that n bytes starting at addr lie in the 20-bit
// DPCD space.
func CheckRange(addr uint32, n int) error {
	if n < 0 || addr > MaxAddress || uint64(addr)+uint64(n) > MaxAddress+1 {
		return fmt.Errorf("dpcd range 0x%05X+%d: %w", addr, n, pkg.ErrInvalidParameter)
	}
	return nil
}
