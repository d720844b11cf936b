package sim

import (
	"fmt"

	"github.com/ardnew/softdp/pkg"
)

// Node describes a device and the devices attached to its output ports.
type Node struct {
	Port     uint8 // output port of the parent, ignored for the root
	Config   DeviceConfig
	Children []Node
}

// Build creates the device tree described by n.
func Build(n Node) (*Device, error) {
	if len(n.Children) > 0 && !n.Config.Branch {
		return nil, fmt.Errorf("%s: SST device with children: %w", n.Config.Name, pkg.ErrInvalidParameter)
	}
	d := NewDevice(n.Config)
	for _, c := range n.Children {
		child, err := Build(c)
		if err != nil {
			return nil, err
		}
		if err := d.Attach(c.Port, child); err != nil {
			return nil, err
		}
	}
	return d, nil
}
