package device

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"
)

// Topology is how devices in a group are linked.
type Topology int

const (
	// Linear links each device to its neighbours in index order, without wrap-around.
	Linear Topology = iota
	Ring
)

func (t Topology) String() string {
	switch t {
	case Linear:
		return "linear"
	case Ring:
		return "ring"
	default:
		return fmt.Sprintf("Topology(%d)", int(t))
	}
}

type GroupConfig struct {
	NumDevices int
	Device     Config
	Topology   Topology
	NumLinks   int
}

func DefaultGroupConfig(numDevices int) GroupConfig {
	return GroupConfig{
		NumDevices: numDevices,
		Device:     DefaultConfig(),
		Topology:   Linear,
		NumLinks:   1,
	}
}

// Group is a set of open devices with a fixed topology. Device i has ID i.
type Group struct {
	devices  []*Device
	topology Topology
	numLinks int
}

// OpenGroup opens every device in the group. On failure, devices already opened are closed.
func OpenGroup(ctx context.Context, config GroupConfig) (*Group, error) {
	log := klog.FromContext(ctx)

	if config.NumDevices <= 0 {
		return nil, fmt.Errorf("device group needs at least one device, got %d", config.NumDevices)
	}
	g := &Group{topology: config.Topology, numLinks: max(config.NumLinks, 1)}
	for i := 0; i < config.NumDevices; i++ {
		d, err := Open(ctx, i, config.Device)
		if err != nil {
			if closeErr := g.Close(); closeErr != nil {
				log.Error(closeErr, "closing partially opened device group")
			}
			return nil, fmt.Errorf("opening device %d: %w", i, err)
		}
		g.devices = append(g.devices, d)
	}
	log.Info("opened device group", "devices", len(g.devices), "topology", g.topology, "grid", config.Device.Grid)
	return g, nil
}

func (g *Group) Size() int            { return len(g.devices) }
func (g *Group) Device(i int) *Device { return g.devices[i] }
func (g *Group) Devices() []*Device   { return g.devices }
func (g *Group) Topology() Topology   { return g.topology }
func (g *Group) NumLinks() int        { return g.numLinks }

// Grid is the core grid shared by the group's devices.
func (g *Group) Grid() Grid {
	return g.devices[0].Grid()
}

// Close closes every device, reporting all failures.
func (g *Group) Close() error {
	var errs []error
	for _, d := range g.devices {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
