package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/yuin/gluamapper"
	lua "github.com/yuin/gopher-lua"

	"github.com/ardnew/softdp/dpcd"
	"github.com/ardnew/softdp/hal/sim"
	"github.com/ardnew/softdp/msa"
	"github.com/ardnew/softdp/pkg"
	"github.com/ardnew/softdp/source"
)

// Scenario is a simulated link, the devices behind it and the streams to
// place on it. Lua keys are snake_case versions of the field names.
type Scenario struct {
	Link     LinkSpec
	GUIDs    []string
	Topology DeviceSpec
	Streams  []StreamSpec
}

// LinkSpec configures the source side of the link.
type LinkSpec struct {
	MaxLanes      int
	MaxRate       string
	TPS3          bool
	Adaptive      bool
	MST           bool
	DataPath4Wide bool
}

// DeviceSpec describes one simulated device and its children.
type DeviceSpec struct {
	Name        string
	Port        int
	Revision    int
	MaxLanes    int
	MaxRate     string
	Branch      bool
	OutputPorts int
	GUID        string

	TPS3            bool
	EnhancedFraming bool
	Downspread      bool

	// EDID names the mode served as the preferred timing.
	EDID string

	RequiredSwing       int
	RequiredPreEmphasis int
	MaxStableRate       string
	MaxStableLanes      int
	FullPBN             int

	Children []DeviceSpec
}

// StreamSpec is a stream to allocate. Sink indexes the discovered sinks;
// an empty Mode uses the sink's EDID.
type StreamSpec struct {
	Sink         int
	Mode         string
	BitsPerColor int
	Format       string
}

// defaultLink returns the link used when a scenario leaves it out.
func defaultLink() LinkSpec {
	return LinkSpec{MaxLanes: 4, MaxRate: "hbr2", TPS3: true, Adaptive: true}
}

// DefaultScenario is a single SST sink with a 1080p60 EDID.
func DefaultScenario() *Scenario {
	return &Scenario{
		Link: defaultLink(),
		Topology: DeviceSpec{
			Name:            "sink",
			TPS3:            true,
			EnhancedFraming: true,
			Downspread:      true,
			EDID:            "1920x1080@60",
		},
		Streams: []StreamSpec{{}},
	}
}

// ReadScenario runs the Lua file at path and maps the table it returns
// onto a Scenario.
func ReadScenario(path string) (*Scenario, error) {
	L := lua.NewState()
	defer L.Close()

	if err := L.DoFile(path); err != nil {
		return nil, err
	}
	table, ok := L.Get(-1).(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%s: scenario did not return a table", path)
	}

	sc := &Scenario{Link: defaultLink()}
	if err := gluamapper.Map(table, sc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid scenario: %w", path, err)
	}
	return sc, nil
}

// Validate checks the scenario before anything is built from it.
func (s *Scenario) Validate() error {
	if !dpcd.ValidLaneCount(uint8(s.Link.MaxLanes)) {
		return fmt.Errorf("link lanes %d: %w", s.Link.MaxLanes, pkg.ErrInvalidParameter)
	}
	if _, err := parseRate(s.Link.MaxRate); err != nil {
		return fmt.Errorf("link: %w", err)
	}
	if s.Topology.Name == "" {
		return fmt.Errorf("topology root has no name: %w", pkg.ErrInvalidParameter)
	}
	if len(s.Streams) > source.MaxStreams {
		return fmt.Errorf("%d streams: %w", len(s.Streams), pkg.ErrInvalidParameter)
	}
	for i, st := range s.Streams {
		if st.Sink < 0 {
			return fmt.Errorf("stream %d: sink %d: %w", i+1, st.Sink, pkg.ErrInvalidParameter)
		}
		if st.Format != "" {
			if _, err := msa.ParseComponentFormat(st.Format); err != nil {
				return fmt.Errorf("stream %d: %w", i+1, err)
			}
		}
	}
	for _, g := range s.GUIDs {
		if _, err := uuid.Parse(g); err != nil {
			return fmt.Errorf("guid %q: %w", g, pkg.ErrInvalidParameter)
		}
	}
	return nil
}

// SourceConfig returns the source configuration of the scenario.
func (s *Scenario) SourceConfig() (source.Config, error) {
	cfg := source.DefaultConfig()
	cfg.MST = s.Link.MST
	cfg.DataPath4Wide = s.Link.DataPath4Wide
	rate, err := parseRate(s.Link.MaxRate)
	if err != nil {
		return cfg, err
	}
	cfg.Trainer.MaxLanes = uint8(s.Link.MaxLanes)
	cfg.Trainer.MaxLinkRate = rate
	cfg.Trainer.TPS3 = s.Link.TPS3
	cfg.Trainer.Adaptive = s.Link.Adaptive

	guids := make([]uuid.UUID, 0, len(s.GUIDs))
	for _, g := range s.GUIDs {
		id, err := uuid.Parse(g)
		if err != nil {
			return cfg, fmt.Errorf("guid %q: %w", g, pkg.ErrInvalidParameter)
		}
		guids = append(guids, id)
	}
	if cfg.GUIDs, err = source.NewGUIDPool(guids...); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Build creates the simulated device tree.
func (s *Scenario) Build(modes *msa.ModeTable) (*sim.Device, error) {
	node, err := s.Topology.node(modes)
	if err != nil {
		return nil, err
	}
	return sim.Build(node)
}

func (d DeviceSpec) node(modes *msa.ModeTable) (sim.Node, error) {
	cfg := sim.DeviceConfig{
		Name:                d.Name,
		Revision:            uint8(d.Revision),
		MaxLanes:            uint8(d.MaxLanes),
		TPS3:                d.TPS3,
		EnhancedFraming:     d.EnhancedFraming,
		Downspread:          d.Downspread,
		Branch:              d.Branch,
		OutputPorts:         uint8(d.OutputPorts),
		RequiredSwing:       uint8(d.RequiredSwing),
		RequiredPreEmphasis: uint8(d.RequiredPreEmphasis),
		MaxStableLanes:      uint8(d.MaxStableLanes),
		FullPBN:             uint16(d.FullPBN),
	}
	var err error
	if d.MaxRate != "" {
		if cfg.MaxLinkRate, err = parseRate(d.MaxRate); err != nil {
			return sim.Node{}, fmt.Errorf("%s: %w", d.Name, err)
		}
	}
	if d.MaxStableRate != "" {
		if cfg.MaxStableRate, err = parseRate(d.MaxStableRate); err != nil {
			return sim.Node{}, fmt.Errorf("%s: %w", d.Name, err)
		}
	}
	if d.GUID != "" {
		if cfg.GUID, err = uuid.Parse(d.GUID); err != nil {
			return sim.Node{}, fmt.Errorf("%s: guid %q: %w", d.Name, d.GUID, pkg.ErrInvalidParameter)
		}
	}
	if d.EDID != "" {
		t, ok := modes.Lookup(d.EDID)
		if !ok {
			return sim.Node{}, fmt.Errorf("%s: mode %q: %w", d.Name, d.EDID, pkg.ErrInvalidParameter)
		}
		cfg.EDID = sim.EncodeEDID(t)
	}

	n := sim.Node{Port: uint8(d.Port), Config: cfg}
	for _, c := range d.Children {
		child, err := c.node(modes)
		if err != nil {
			return sim.Node{}, err
		}
		n.Children = append(n.Children, child)
	}
	return n, nil
}

var rateCodes = map[string]uint8{
	"rbr":  dpcd.LinkRate162,
	"1.62": dpcd.LinkRate162,
	"hbr":  dpcd.LinkRate270,
	"2.7":  dpcd.LinkRate270,
	"2.70": dpcd.LinkRate270,
	"hbr2": dpcd.LinkRate540,
	"5.4":  dpcd.LinkRate540,
	"5.40": dpcd.LinkRate540,
}

// parseRate maps a rate name or Gbps value to its link rate code.
func parseRate(name string) (uint8, error) {
	code, ok := rateCodes[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("link rate %q: %w", name, pkg.ErrInvalidParameter)
	}
	return code, nil
}
