package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ardnew/softdp/dpcd"
	"github.com/ardnew/softdp/pkg"
	"github.com/ardnew/softdp/pkg/metrics"
	"github.com/ardnew/softdp/sideband"
)

// Sideband is the subset of [sideband.Messenger] used for discovery.
type Sideband interface {
	LinkAddress(ctx context.Context, rad sideband.RelativeAddress) (sideband.LinkAddressReply, error)
	RemoteDPCDRead(ctx context.Context, rad sideband.RelativeAddress, port uint8, addr uint32, count int) ([]byte, error)
	RemoteDPCDWrite(ctx context.Context, rad sideband.RelativeAddress, port uint8, addr uint32, data []byte) error
}

var _ Sideband = (*sideband.Messenger)(nil)

// TopologyNode is a device found during discovery.
type TopologyNode struct {
	GUID           uuid.UUID
	RAD            sideband.RelativeAddress
	LinkCountTotal uint8
	Type           sideband.PeerDeviceType
	DPCDRevision   uint8
	MessageCapable bool
	ParentPort     uint8

	// Ports lists the ports reported by a branch.
	Ports []sideband.Port
}

// IsBranch reports whether the node is an MST branch device.
func (n *TopologyNode) IsBranch() bool { return n.Type == sideband.PeerBranch }

// SinkEntry is an end device in discovery order.
type SinkEntry struct {
	Node  *TopologyNode
	Order int
}

// DiscoveryFailure is a subtree that could not be discovered.
type DiscoveryFailure struct {
	RAD sideband.RelativeAddress
	Err error
}

// Snapshot is the result of one discovery walk.
type Snapshot struct {
	Nodes    []*TopologyNode
	Sinks    []SinkEntry
	Failures []DiscoveryFailure
}

// Root returns the directly attached branch.
func (s *Snapshot) Root() *TopologyNode {
	if len(s.Nodes) == 0 {
		return nil
	}
	return s.Nodes[0]
}

// Sink returns the i-th discovered sink.
func (s *Snapshot) Sink(i int) (SinkEntry, error) {
	if i < 0 || i >= len(s.Sinks) {
		return SinkEntry{}, fmt.Errorf("sink %d of %d: %w", i, len(s.Sinks), pkg.ErrNoSink)
	}
	return s.Sinks[i], nil
}

// Node returns the node with the given GUID.
func (s *Snapshot) Node(guid uuid.UUID) (*TopologyNode, bool) {
	for _, n := range s.Nodes {
		if n.GUID == guid {
			return n, true
		}
	}
	for _, e := range s.Sinks {
		if e.Node.GUID == guid {
			return e.Node, true
		}
	}
	return nil, false
}

// Discoverer walks an MST topology from the directly attached branch.
type Discoverer struct {
	ep   dpcd.Endpoint
	sb   Sideband
	pool *GUIDPool
}

// NewDiscoverer creates a discoverer that reads the root over ep, reaches
// deeper devices over sb and issues missing GUIDs from pool.
func NewDiscoverer(ep dpcd.Endpoint, sb Sideband, pool *GUIDPool) *Discoverer {
	if pool == nil {
		pool = &GUIDPool{}
	}
	return &Discoverer{ep: ep, sb: sb, pool: pool}
}

// Discover walks the topology depth first. A failure at the root is
// returned; failures below it are recorded in the snapshot and the walk
// continues with the next port. A disconnect or a done ctx anywhere in the
// walk fails Discover.
func (d *Discoverer) Discover(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}
	rev, err := dpcd.ReadByte(ctx, d.ep, dpcd.Revision)
	if err != nil {
		return nil, err
	}
	root := &TopologyNode{
		LinkCountTotal: 1,
		Type:           sideband.PeerBranch,
		DPCDRevision:   rev,
		MessageCapable: true,
	}
	if err := d.branch(ctx, snap, root); err != nil {
		return nil, fmt.Errorf("discover root: %w", err)
	}

	pkg.LogInfo(pkg.ComponentTopology, "topology discovered",
		"branches", len(snap.Nodes), "sinks", len(snap.Sinks), "failures", len(snap.Failures))
	return snap, nil
}

// branch queries node, records it and walks its output ports.
func (d *Discoverer) branch(ctx context.Context, snap *Snapshot, node *TopologyNode) error {
	la, err := d.sb.LinkAddress(ctx, node.RAD)
	if err != nil {
		return err
	}
	node.Ports = la.Ports
	node.GUID = la.GUID
	if node.GUID == uuid.Nil {
		if node.GUID, err = d.assignBranchGUID(ctx, node.RAD); err != nil {
			return err
		}
	}

	snap.Nodes = append(snap.Nodes, node)
	metrics.DiscoveredNodesTotal.WithLabelValues(node.Type.String()).Inc()
	pkg.LogDebug(pkg.ComponentTopology, "branch", "rad", node.RAD, "guid", node.GUID, "ports", len(la.Ports))

	for _, p := range la.Ports {
		if p.Input || !p.DevicePlugged || p.PeerDeviceType == sideband.PeerNone {
			continue
		}
		if err := d.port(ctx, snap, node, p); err != nil {
			if aborts(ctx, err) {
				return err
			}
			rad, _ := node.RAD.Append(p.Number)
			snap.Failures = append(snap.Failures, DiscoveryFailure{RAD: rad, Err: err})
			pkg.LogWarn(pkg.ComponentTopology, "subtree discovery failed",
				"rad", node.RAD, "port", p.Number, "error", err)
		}
	}
	return nil
}

// aborts reports whether err ends the whole walk rather than one subtree:
// the link is gone or the caller gave up.
func aborts(ctx context.Context, err error) bool {
	return errors.Is(err, pkg.ErrDisconnected) || ctx.Err() != nil
}

// port walks the device behind an output port of parent.
func (d *Discoverer) port(ctx context.Context, snap *Snapshot, parent *TopologyNode, p sideband.Port) error {
	rad, ok := parent.RAD.Append(p.Number)
	if !ok {
		return fmt.Errorf("port %d below %s: %w", p.Number, parent.RAD, pkg.ErrLinkCountExceeded)
	}
	child := &TopologyNode{
		GUID:           p.PeerGUID,
		RAD:            rad,
		LinkCountTotal: rad.LinkCountTotal(),
		Type:           p.PeerDeviceType,
		DPCDRevision:   p.DPCDRevision,
		MessageCapable: p.MessageCapable,
		ParentPort:     p.Number,
	}

	if child.IsBranch() {
		return d.branch(ctx, snap, child)
	}

	if child.GUID == uuid.Nil && child.MessageCapable && child.DPCDRevision >= dpcd.MinimumDPCDForMST {
		guid, err := d.assignRemoteGUID(ctx, parent.RAD, p.Number)
		if err != nil {
			return err
		}
		child.GUID = guid
	}
	snap.Sinks = append(snap.Sinks, SinkEntry{Node: child, Order: len(snap.Sinks)})
	metrics.DiscoveredNodesTotal.WithLabelValues(child.Type.String()).Inc()
	pkg.LogDebug(pkg.ComponentTopology, "sink", "rad", rad, "type", child.Type, "guid", child.GUID)
	return nil
}

// assignBranchGUID writes a GUID to the branch at rad: over AUX for the
// directly attached branch, otherwise through its parent.
func (d *Discoverer) assignBranchGUID(ctx context.Context, rad sideband.RelativeAddress) (uuid.UUID, error) {
	if rad.Len() > 0 {
		return d.assignRemoteGUID(ctx, rad.Parent(), rad.Last())
	}

	guid := d.pool.Next()
	if err := d.ep.WriteDPCD(ctx, dpcd.GUID, guid[:]); err != nil {
		return uuid.Nil, fmt.Errorf("write guid: %w", err)
	}
	var back uuid.UUID
	if err := d.ep.ReadDPCD(ctx, dpcd.GUID, back[:]); err != nil {
		return uuid.Nil, fmt.Errorf("read back guid: %w", err)
	}
	if back != guid {
		return uuid.Nil, fmt.Errorf("root guid %s, wrote %s: %w", back, guid, pkg.ErrGUIDMismatch)
	}
	pkg.LogDebug(pkg.ComponentTopology, "guid assigned", "rad", rad, "guid", guid)
	return guid, nil
}

// assignRemoteGUID writes a GUID to the device behind port of the branch
// at parent.
func (d *Discoverer) assignRemoteGUID(ctx context.Context, parent sideband.RelativeAddress, port uint8) (uuid.UUID, error) {
	guid := d.pool.Next()
	if err := d.sb.RemoteDPCDWrite(ctx, parent, port, dpcd.GUID, guid[:]); err != nil {
		return uuid.Nil, fmt.Errorf("write guid: %w", err)
	}
	back, err := d.sb.RemoteDPCDRead(ctx, parent, port, dpcd.GUID, dpcd.GUIDSize)
	if err != nil {
		return uuid.Nil, fmt.Errorf("read back guid: %w", err)
	}
	if !bytes.Equal(back, guid[:]) {
		return uuid.Nil, fmt.Errorf("guid behind %s port %d: %w", parent, port, pkg.ErrGUIDMismatch)
	}
	pkg.LogDebug(pkg.ComponentTopology, "guid assigned", "rad", parent, "port", port, "guid", guid)
	return guid, nil
}
