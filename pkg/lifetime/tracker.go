package lifetime

import (
	"context"
	"fmt"
	"slices"

	"github.com/justinsb/tiledispatch/pkg/tensor"
	"k8s.io/klog/v2"
)

// OpID names an operation in one forward pass.
type OpID string

// Releaser frees a tensor's backing storage.
type Releaser interface {
	Deallocate(t *tensor.Tensor) error
}

type entry struct {
	tensor   *tensor.Tensor
	releaser Releaser
	producer OpID
	pending  map[OpID]bool
	released bool
}

// Tracker releases intermediate tensors as soon as their last consumer has been issued.
// It must be told about every issuance, in issue order, immediately after it happens.
type Tracker struct {
	entries map[tensor.ID]*entry
	order   []tensor.ID
	issued  map[OpID]bool
}

func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[tensor.ID]*entry),
		issued:  make(map[OpID]bool),
	}
}

// Register starts tracking t, produced by producer and read by consumers.
// A tensor with no consumers is an output: it is tracked but never released.
func (tr *Tracker) Register(t *tensor.Tensor, releaser Releaser, producer OpID, consumers ...OpID) error {
	if _, found := tr.entries[t.ID()]; found {
		return fmt.Errorf("tensor %d (%s) already registered", t.ID(), t.Name())
	}
	if t.Released() {
		return fmt.Errorf("registering tensor %d (%s): %w", t.ID(), t.Name(), tensor.ErrReleased)
	}
	e := &entry{
		tensor:   t,
		releaser: releaser,
		producer: producer,
		pending:  make(map[OpID]bool, len(consumers)),
	}
	for _, c := range consumers {
		if c == producer {
			return fmt.Errorf("tensor %q lists its producer %q as a consumer", t.Name(), producer)
		}
		if tr.issued[c] {
			return fmt.Errorf("tensor %q registered after its consumer %q was issued", t.Name(), c)
		}
		e.pending[c] = true
	}
	tr.entries[t.ID()] = e
	tr.order = append(tr.order, t.ID())
	return nil
}

// Issued records that op has been issued and releases every tensor it was the last consumer of.
func (tr *Tracker) Issued(ctx context.Context, op OpID) error {
	log := klog.FromContext(ctx)

	if tr.issued[op] {
		return fmt.Errorf("op %q issued twice", op)
	}
	tr.issued[op] = true

	for _, id := range tr.order {
		e := tr.entries[id]
		if e.released || !e.pending[op] {
			continue
		}
		delete(e.pending, op)
		if len(e.pending) != 0 {
			continue
		}
		if err := e.releaser.Deallocate(e.tensor); err != nil {
			return fmt.Errorf("releasing %q after %q: %w", e.tensor.Name(), op, err)
		}
		e.released = true
		log.V(2).Info("released tensor", "tensor", e.tensor.Name(), "lastConsumer", op)
	}
	return nil
}

// CheckReadable fails if t has been released by the tracker.
func (tr *Tracker) CheckReadable(t *tensor.Tensor) error {
	if e, found := tr.entries[t.ID()]; found && e.released {
		return fmt.Errorf("reading tensor %q: %w", t.Name(), tensor.ErrReleased)
	}
	return nil
}

// Live lists tracked tensors that have not been released, in registration order.
func (tr *Tracker) Live() []*tensor.Tensor {
	var live []*tensor.Tensor
	for _, id := range tr.order {
		if e := tr.entries[id]; !e.released {
			live = append(live, e.tensor)
		}
	}
	return live
}

// Pending lists the consumers of t that have not been issued yet.
func (tr *Tracker) Pending(t *tensor.Tensor) []OpID {
	e, found := tr.entries[t.ID()]
	if !found {
		return nil
	}
	out := make([]OpID, 0, len(e.pending))
	for op := range e.pending {
		out = append(out, op)
	}
	slices.Sort(out)
	return out
}

// Forget stops tracking t without releasing it. Ownership passes to the caller.
func (tr *Tracker) Forget(t *tensor.Tensor) error {
	e, found := tr.entries[t.ID()]
	if !found {
		return fmt.Errorf("tensor %d (%s) is not tracked", t.ID(), t.Name())
	}
	if e.released {
		return fmt.Errorf("forgetting tensor %q: %w", t.Name(), tensor.ErrReleased)
	}
	delete(tr.entries, t.ID())
	tr.order = slices.DeleteFunc(tr.order, func(id tensor.ID) bool { return id == t.ID() })
	return nil
}

// Abandon releases every tracked tensor still allocated, outputs included. It is used when a forward pass aborts.
func (tr *Tracker) Abandon(ctx context.Context) error {
	log := klog.FromContext(ctx)

	var firstErr error
	for _, id := range tr.order {
		e := tr.entries[id]
		if e.released {
			continue
		}
		if err := e.releaser.Deallocate(e.tensor); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.released = true
		log.V(2).Info("released abandoned tensor", "tensor", e.tensor.Name())
	}
	return firstErr
}
