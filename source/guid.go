package source

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ardnew/softdp/pkg"
)

// GUIDPool hands out GUIDs for devices that have none. It cycles through a
// fixed list; an empty pool generates random GUIDs.
type GUIDPool struct {
	guids []uuid.UUID
	next  int
}

// NewGUIDPool creates a pool over a copy of guids. The nil GUID marks an
// unassigned device and is rejected.
func NewGUIDPool(guids ...uuid.UUID) (*GUIDPool, error) {
	for i, g := range guids {
		if g == uuid.Nil {
			return nil, fmt.Errorf("guid pool entry %d is nil: %w", i, pkg.ErrInvalidParameter)
		}
	}
	return &GUIDPool{guids: append([]uuid.UUID(nil), guids...)}, nil
}

// Next returns the next GUID, wrapping to the first after the last.
func (p *GUIDPool) Next() uuid.UUID {
	if len(p.guids) == 0 {
		return uuid.New()
	}
	g := p.guids[p.next]
	p.next = (p.next + 1) % len(p.guids)
	return g
}

// Len returns the number of GUIDs in the pool.
func (p *GUIDPool) Len() int { return len(p.guids) }
