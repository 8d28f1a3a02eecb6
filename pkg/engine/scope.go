package engine

import (
	"context"
	"fmt"

	"github.com/justinsb/tiledispatch/pkg/device"
	"github.com/justinsb/tiledispatch/pkg/lifetime"
	"github.com/justinsb/tiledispatch/pkg/tensor"
	"k8s.io/klog/v2"
)

// Scope issues the nodes of one computation graph onto a device.
// Every node output is registered with the lifetime tracker under the consumers
// derived from the graph, and the tracker is told about each issuance as it happens.
type Scope struct {
	ctx       context.Context
	device    *device.Device
	tracker   *lifetime.Tracker
	consumers map[NodeID][]NodeID
	tensors   map[NodeID]*tensor.Tensor
	issued    []NodeID
}

// NewScope creates a scope for the graph formed by nodes.
func NewScope[N Node](ctx context.Context, d *device.Device, nodes []N) *Scope {
	return &Scope{
		ctx:       ctx,
		device:    d,
		tracker:   lifetime.NewTracker(),
		consumers: Consumers(nodes),
		tensors:   make(map[NodeID]*tensor.Tensor),
	}
}

func (s *Scope) Device() *device.Device { return s.device }

// Input hands t to the scope as the output of node id. The scope owns t from now on
// and releases it once its consumers have been issued.
func (s *Scope) Input(id NodeID, t *tensor.Tensor) error {
	if t.Owner() != s.device.ID() {
		return fmt.Errorf("input %q is on device %d, not %d", id, t.Owner(), s.device.ID())
	}
	return s.record(id, t)
}

// Issue runs issue, which must enqueue the work of node id and return its output.
func (s *Scope) Issue(id NodeID, issue func() (*tensor.Tensor, error)) (*tensor.Tensor, error) {
	if _, found := s.tensors[id]; found {
		return nil, fmt.Errorf("node %q issued twice", id)
	}
	t, err := issue()
	if err != nil {
		return nil, fmt.Errorf("issuing %q: %w", id, err)
	}
	if err := s.record(id, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Scope) record(id NodeID, t *tensor.Tensor) error {
	log := klog.FromContext(s.ctx)

	consumers := s.consumers[id]
	ops := make([]lifetime.OpID, len(consumers))
	for i, c := range consumers {
		ops[i] = lifetime.OpID(c)
	}
	if err := s.tracker.Register(t, s.device, lifetime.OpID(id), ops...); err != nil {
		return err
	}
	s.tensors[id] = t
	s.issued = append(s.issued, id)
	log.V(2).Info("issued op", "op", id, "output", t.Name(), "shape", t.Shape(), "memory", t.Memory())
	return s.tracker.Issued(s.ctx, lifetime.OpID(id))
}

// Tensor returns the output of node id, failing if it was already released.
func (s *Scope) Tensor(id NodeID) (*tensor.Tensor, error) {
	t, found := s.tensors[id]
	if !found {
		return nil, fmt.Errorf("node %q has not been issued", id)
	}
	if err := s.tracker.CheckReadable(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Take removes the output of node id from the scope; the caller becomes responsible for releasing it.
func (s *Scope) Take(id NodeID) (*tensor.Tensor, error) {
	t, err := s.Tensor(id)
	if err != nil {
		return nil, err
	}
	if err := s.tracker.Forget(t); err != nil {
		return nil, err
	}
	delete(s.tensors, id)
	return t, nil
}

// Issued lists the nodes issued so far, in issue order.
func (s *Scope) Issued() []NodeID {
	return append([]NodeID(nil), s.issued...)
}

// Live lists scope-owned tensors that have not been released.
func (s *Scope) Live() []*tensor.Tensor {
	return s.tracker.Live()
}

// Close releases every tensor the scope still owns.
func (s *Scope) Close() error {
	return s.tracker.Abandon(s.ctx)
}
