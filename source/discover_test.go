package source

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ardnew/softdp/hal"
	"github.com/ardnew/softdp/hal/sim"
	"github.com/ardnew/softdp/pkg"
	"github.com/ardnew/softdp/pkg/metrics"
	"github.com/ardnew/softdp/sideband"
)

// failingSideband fails LINK_ADDRESS to one address and forwards the rest.
type failingSideband struct {
	Sideband
	fail sideband.RelativeAddress
}

func (f *failingSideband) LinkAddress(ctx context.Context, rad sideband.RelativeAddress) (sideband.LinkAddressReply, error) {
	if rad.Equal(f.fail) {
		return sideband.LinkAddressReply{}, fmt.Errorf("link address: %w", pkg.ErrSidebandTimeout)
	}
	return f.Sideband.LinkAddress(ctx, rad)
}

// hookSideband runs before for every LINK_ADDRESS to one address, then
// forwards the request.
type hookSideband struct {
	Sideband
	at     sideband.RelativeAddress
	before func()
}

func (h *hookSideband) LinkAddress(ctx context.Context, rad sideband.RelativeAddress) (sideband.LinkAddressReply, error) {
	if rad.Equal(h.at) {
		h.before()
	}
	return h.Sideband.LinkAddress(ctx, rad)
}

func rad(t *testing.T, ports ...uint8) sideband.RelativeAddress {
	t.Helper()
	r, err := sideband.NewRelativeAddress(ports...)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func fixedPool(t *testing.T, n int) (*GUIDPool, []uuid.UUID) {
	t.Helper()
	guids := make([]uuid.UUID, n)
	for i := range guids {
		guids[i] = uuid.New()
	}
	pool, err := NewGUIDPool(guids...)
	if err != nil {
		t.Fatalf("NewGUIDPool() error = %v", err)
	}
	return pool, guids
}

// =============================================================================
// GUID Pool Tests
// =============================================================================

func TestGUIDPoolWraps(t *testing.T) {
	pool, guids := fixedPool(t, 3)
	for i := 0; i < 7; i++ {
		if got := pool.Next(); got != guids[i%3] {
			t.Errorf("Next() #%d = %s, want %s", i, got, guids[i%3])
		}
	}
	if pool.Len() != 3 {
		t.Errorf("Len() = %d", pool.Len())
	}
}

func TestGUIDPoolRejectsNil(t *testing.T) {
	if _, err := NewGUIDPool(uuid.New(), uuid.Nil); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("NewGUIDPool(nil) error = %v", err)
	}
}

func TestGUIDPoolEmpty(t *testing.T) {
	pool, err := NewGUIDPool()
	if err != nil {
		t.Fatal(err)
	}
	a, b := pool.Next(), pool.Next()
	if a == uuid.Nil || a == b {
		t.Errorf("Next() = %s, %s; want distinct random GUIDs", a, b)
	}
}

func TestGUIDPoolCopiesInput(t *testing.T) {
	guids := []uuid.UUID{uuid.New()}
	want := guids[0]
	pool, _ := NewGUIDPool(guids...)
	guids[0] = uuid.New()
	if got := pool.Next(); got != want {
		t.Error("pool follows changes to the caller's slice")
	}
}

// =============================================================================
// Discovery Tests
// =============================================================================

// chain builds depth branches in a line through port 1, ending in an SST
// sink, with a second SST sink on root port 2.
func chain(depth int) sim.Node {
	node := sim.Node{Port: 1, Config: sim.DeviceConfig{Name: "leaf"}}
	for i := depth - 1; i > 0; i-- {
		node = sim.Node{Port: 1, Config: sim.DeviceConfig{Name: fmt.Sprintf("hub%d", i), Branch: true},
			Children: []sim.Node{node}}
	}
	return sim.Node{Config: sim.DeviceConfig{Name: "root", Branch: true},
		Children: []sim.Node{node, {Port: 2, Config: sim.DeviceConfig{Name: "side", GUID: uuid.New()}}}}
}

func newChain(t *testing.T, depth int, pool *GUIDPool) (*sim.Device, *Source) {
	t.Helper()
	root, err := sim.Build(chain(depth))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	core := sim.NewTxCore()
	core.Plug(root)
	cfg := testConfig(true)
	cfg.GUIDs = pool
	src := New(core, hal.NopTimer{}, cfg)
	if _, err := src.EstablishLink(context.Background()); err != nil {
		t.Fatalf("EstablishLink() error = %v", err)
	}
	return root, src
}

func TestDiscoverChain(t *testing.T) {
	pool, guids := fixedPool(t, 3)
	root, src := newChain(t, 3, pool)
	before := testutil.ToFloat64(metrics.DiscoveredNodesTotal.WithLabelValues("branch"))

	snap, err := src.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(snap.Failures) != 0 {
		t.Errorf("Failures = %v", snap.Failures)
	}
	if len(snap.Nodes) != 3 {
		t.Fatalf("len(Nodes) = %d, want 3", len(snap.Nodes))
	}
	for i, n := range snap.Nodes {
		if n.GUID != guids[i] {
			t.Errorf("node %d GUID = %s, want %s", i, n.GUID, guids[i])
		}
		if int(n.LinkCountTotal) != i+1 || n.RAD.Len() != i || !n.IsBranch() {
			t.Errorf("node %d = lct %d rad %s type %s", i, n.LinkCountTotal, n.RAD, n.Type)
		}
	}
	if snap.Root() != snap.Nodes[0] {
		t.Error("Root() is not the first node")
	}

	hub1, _ := root.Child(1)
	hub2, _ := hub1.Child(1)
	for i, d := range []*sim.Device{root, hub1, hub2} {
		if d.GUID() != guids[i] {
			t.Errorf("%s DPCD GUID = %s, want %s", d.Name(), d.GUID(), guids[i])
		}
	}

	if len(snap.Sinks) != 2 {
		t.Fatalf("len(Sinks) = %d, want 2", len(snap.Sinks))
	}
	leaf, side := snap.Sinks[0], snap.Sinks[1]
	if leaf.Order != 0 || !leaf.Node.RAD.Equal(rad(t, 1, 1, 1)) || leaf.Node.LinkCountTotal != 4 {
		t.Errorf("first sink = order %d rad %s lct %d", leaf.Order, leaf.Node.RAD, leaf.Node.LinkCountTotal)
	}
	if leaf.Node.Type != sideband.PeerSSTSink || leaf.Node.ParentPort != 1 {
		t.Errorf("leaf = %+v", leaf.Node)
	}
	if leaf.Node.GUID != uuid.Nil {
		t.Error("GUID issued to a sink without sideband support")
	}
	sideDev, _ := root.Child(2)
	if side.Order != 1 || !side.Node.RAD.Equal(rad(t, 2)) || side.Node.GUID != sideDev.GUID() {
		t.Errorf("second sink = order %d rad %s guid %s", side.Order, side.Node.RAD, side.Node.GUID)
	}

	if n, ok := snap.Node(guids[1]); !ok || !n.RAD.Equal(rad(t, 1)) {
		t.Errorf("Node(hub) = %v, %v", n, ok)
	}
	if _, err := snap.Sink(2); !errors.Is(err, pkg.ErrNoSink) {
		t.Errorf("Sink(2) error = %v", err)
	}
	if src.Snapshot() != snap {
		t.Error("Snapshot() not updated")
	}
	if got := testutil.ToFloat64(metrics.DiscoveredNodesTotal.WithLabelValues("branch")) - before; got != 3 {
		t.Errorf("branch nodes counted = %v, want 3", got)
	}
}

func TestDiscoverKeepsExistingGUIDs(t *testing.T) {
	pool, guids := fixedPool(t, 4)
	root, src := newChain(t, 2, pool)
	first, err := src.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	second, err := src.Discover(context.Background())
	if err != nil {
		t.Fatalf("second Discover() error = %v", err)
	}
	for i := range first.Nodes {
		if first.Nodes[i].GUID != second.Nodes[i].GUID {
			t.Errorf("node %d GUID changed on rediscovery", i)
		}
	}
	hub, _ := root.Child(1)
	if root.GUID() != guids[0] || hub.GUID() != guids[1] {
		t.Errorf("GUIDs = %s, %s; want the first two of the pool", root.GUID(), hub.GUID())
	}
	if got := pool.Next(); got != guids[2] {
		t.Errorf("pool advanced past %s on rediscovery", guids[2])
	}
}

func TestDiscoverSubtreeFailure(t *testing.T) {
	root, err := sim.Build(chain(3))
	if err != nil {
		t.Fatal(err)
	}
	core := sim.NewTxCore()
	core.Plug(root)
	src := New(core, hal.NopTimer{}, testConfig(true))
	if _, err := src.EstablishLink(context.Background()); err != nil {
		t.Fatal(err)
	}

	sb := &failingSideband{Sideband: src.Messenger(), fail: rad(t, 1)}
	snap, err := NewDiscoverer(src.Aux(), sb, nil).Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(snap.Nodes) != 1 {
		t.Errorf("len(Nodes) = %d, want root only", len(snap.Nodes))
	}
	if len(snap.Failures) != 1 || !snap.Failures[0].RAD.Equal(rad(t, 1)) ||
		!errors.Is(snap.Failures[0].Err, pkg.ErrSidebandTimeout) {
		t.Errorf("Failures = %+v", snap.Failures)
	}
	if len(snap.Sinks) != 1 || !snap.Sinks[0].Node.RAD.Equal(rad(t, 2)) {
		t.Errorf("Sinks = %+v, want the sibling sink", snap.Sinks)
	}

	sb.fail = rad(t)
	if _, err := NewDiscoverer(src.Aux(), sb, nil).Discover(context.Background()); !errors.Is(err, pkg.ErrSidebandTimeout) {
		t.Errorf("Discover() with failing root error = %v", err)
	}
}

func TestDiscoverDisconnectFails(t *testing.T) {
	_, src := newChain(t, 3, nil)

	sb := &hookSideband{Sideband: src.Messenger(), at: rad(t, 1), before: src.Aux().Invalidate}
	snap, err := NewDiscoverer(src.Aux(), sb, nil).Discover(context.Background())
	if !errors.Is(err, pkg.ErrDisconnected) {
		t.Fatalf("Discover() error = %v, want ErrDisconnected", err)
	}
	if snap != nil {
		t.Errorf("Discover() snapshot = %+v, want nil", snap)
	}
}

func TestDiscoverCanceledFails(t *testing.T) {
	_, src := newChain(t, 3, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sb := &hookSideband{Sideband: src.Messenger(), at: rad(t, 1), before: cancel}
	snap, err := NewDiscoverer(src.Aux(), sb, nil).Discover(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Discover() error = %v, want context.Canceled", err)
	}
	if snap != nil {
		t.Errorf("Discover() snapshot = %+v, want nil", snap)
	}
}

func TestDiscoverLinkCountCeiling(t *testing.T) {
	// Root plus MaxHops branches reaches link count 15; the leaf below the
	// deepest branch cannot be addressed.
	_, src := newChain(t, sideband.MaxHops+1, nil)
	snap, err := src.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(snap.Nodes) != sideband.MaxHops+1 {
		t.Errorf("len(Nodes) = %d, want %d", len(snap.Nodes), sideband.MaxHops+1)
	}
	deepest := snap.Nodes[len(snap.Nodes)-1]
	if deepest.LinkCountTotal != sideband.MaxLinkCount {
		t.Errorf("deepest link count = %d", deepest.LinkCountTotal)
	}
	if len(snap.Failures) != 1 || !errors.Is(snap.Failures[0].Err, pkg.ErrLinkCountExceeded) {
		t.Errorf("Failures = %+v", snap.Failures)
	}
	if len(snap.Sinks) != 1 {
		t.Errorf("len(Sinks) = %d, want the side sink only", len(snap.Sinks))
	}
}

func TestReadEDIDMST(t *testing.T) {
	_, _, src := newMST(t)
	ctx := context.Background()
	snap, err := src.Discover(ctx)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	leaf, err := snap.Sink(0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := src.ReadEDID(ctx, &leaf)
	if err != nil {
		t.Fatalf("ReadEDID() error = %v", err)
	}
	want := mode(t, "1280x720@60")
	if got.PixelClockKHz != want.PixelClockKHz || got.HActive != want.HActive || got.VTotal != want.VTotal {
		t.Errorf("ReadEDID() = %s, want %s", got, want)
	}

	side, _ := snap.Sink(1)
	if _, err := src.ReadEDID(ctx, &side); !errors.Is(err, pkg.ErrSidebandNack) {
		t.Errorf("ReadEDID() without DDC error = %v, want NACK", err)
	}
}
