package sideband

import (
	"fmt"
	"strings"

	"github.com/ardnew/softdp/pkg"
)

// MaxHops is the greatest number of ports in a relative address.
const MaxHops = 14

// MaxLinkCount is the greatest link count total, a target MaxHops ports
// away from the source.
const MaxLinkCount = MaxHops + 1

// RelativeAddress is the sequence of downstream port numbers from the
// source's first branch to a target device. The zero value addresses the
// device directly attached to the source.
type RelativeAddress struct {
	ports [MaxHops]uint8
	n     uint8
}

// NewRelativeAddress builds an address from port numbers. It fails when
// there are more than MaxHops ports or a port exceeds 15.
func NewRelativeAddress(ports ...uint8) (RelativeAddress, error) {
	var rad RelativeAddress
	for _, p := range ports {
		var ok bool
		if rad, ok = rad.Append(p); !ok {
			return RelativeAddress{}, fmt.Errorf("relative address %v: %w", ports, pkg.ErrInvalidParameter)
		}
	}
	return rad, nil
}

// Append returns the address extended by port. It reports false when the
// address is already MaxHops long or port does not fit in a nibble.
func (r RelativeAddress) Append(port uint8) (RelativeAddress, bool) {
	if r.n >= MaxHops || port > 0xF {
		return r, false
	}
	r.ports[r.n] = port
	r.n++
	return r, true
}

// Len returns the number of ports.
func (r RelativeAddress) Len() int { return int(r.n) }

// Port returns the i-th port.
func (r RelativeAddress) Port(i int) uint8 { return r.ports[i] }

// Last returns the final port, or 0 for the empty address.
func (r RelativeAddress) Last() uint8 {
	if r.n == 0 {
		return 0
	}
	return r.ports[r.n-1]
}

// Parent returns the address with the final port removed.
func (r RelativeAddress) Parent() RelativeAddress {
	if r.n > 0 {
		r.n--
		r.ports[r.n] = 0
	}
	return r
}

// Prefix returns the first n ports.
func (r RelativeAddress) Prefix(n int) RelativeAddress {
	for i := n; i < int(r.n); i++ {
		r.ports[i] = 0
	}
	if n < int(r.n) {
		r.n = uint8(n)
	}
	return r
}

// Ports returns a copy of the port sequence.
func (r RelativeAddress) Ports() []uint8 {
	return append([]uint8(nil), r.ports[:r.n]...)
}

// LinkCountTotal returns the link count of the addressed device.
func (r RelativeAddress) LinkCountTotal() uint8 { return r.n + 1 }

// Equal reports whether two addresses name the same path.
func (r RelativeAddress) Equal(o RelativeAddress) bool { return r == o }

// String formats the address as dot-separated ports, "root" when empty.
func (r RelativeAddress) String() string {
	if r.n == 0 {
		return "root"
	}
	var sb strings.Builder
	for i := 0; i < int(r.n); i++ {
		if i > 0 {
			sb.WriteByte('.')
		}
		fmt.Fprintf(&sb, "%d", r.ports[i])
	}
	return sb.String()
}

// packedLen returns the wire length of the address in bytes.
func (r RelativeAddress) packedLen() int { return int(r.LinkCountTotal()) / 2 }

// pack writes the address nibbles high nibble first, padding an odd count.
func (r RelativeAddress) pack(buf []byte) {
	for i := 0; i < r.packedLen(); i++ {
		buf[i] = 0
	}
	for i := 0; i < int(r.n); i++ {
		if i%2 == 0 {
			buf[i/2] |= r.ports[i] << 4
		} else {
			buf[i/2] |= r.ports[i]
		}
	}
}

// unpackRelativeAddress reads hops nibbles from buf.
func unpackRelativeAddress(buf []byte, hops int) RelativeAddress {
	var r RelativeAddress
	for i := 0; i < hops; i++ {
		b := buf[i/2]
		if i%2 == 0 {
			r.ports[i] = b >> 4
		} else {
			r.ports[i] = b & 0xF
		}
	}
	r.n = uint8(hops)
	return r
}
