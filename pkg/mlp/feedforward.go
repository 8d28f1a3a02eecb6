// Package mlp issues the feed-forward block of a transformer layer onto a device group.
package mlp

import (
	"context"
	"errors"
	"fmt"

	"github.com/justinsb/tiledispatch/pkg/collective"
	"github.com/justinsb/tiledispatch/pkg/device"
	"github.com/justinsb/tiledispatch/pkg/engine"
	"github.com/justinsb/tiledispatch/pkg/placement"
	"github.com/justinsb/tiledispatch/pkg/tensor"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// FeedForward runs one feed-forward block whose weights are sharded across a device group.
type FeedForward struct {
	group   *device.Group
	config  Config
	policy  *placement.Policy
	weights []DeviceWeights
}

func New(group *device.Group, config Config, weights []DeviceWeights) (*FeedForward, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	policy, err := placement.NewPolicy(config.Thresholds)
	if err != nil {
		return nil, err
	}
	if len(weights) != group.Size() {
		return nil, fmt.Errorf("got weights for %d devices, group has %d", len(weights), group.Size())
	}
	return &FeedForward{
		group:   group,
		config:  config,
		policy:  policy,
		weights: weights,
	}, nil
}

// Step records one issued operation of a forward pass.
type Step struct {
	Op     engine.NodeID
	Shape  tensor.Shape
	Memory tensor.MemoryConfig
	DType  tensor.DType
	// Live is how many tensors owned by the pass were still allocated right after the op was issued.
	Live int
}

// Result is the output of a forward pass.
type Result struct {
	// Outputs holds the block output on every device of the group. The caller owns them.
	Outputs []*tensor.Tensor

	Strategy placement.Strategy

	// Steps are the operations issued on device 0, in issue order.
	Steps []Step

	// Reduced says the per-device partials were combined by the collective stage.
	Reduced bool
}

// WriteInput replicates host x onto every device of the group, ready to be passed to Forward.
func WriteInput(group *device.Group, x *tensor.Tensor) ([]*tensor.Tensor, error) {
	inputs := make([]*tensor.Tensor, 0, group.Size())
	for i, d := range group.Devices() {
		in, err := d.WriteTensor(x, tensor.Spec{
			Name:   fmt.Sprintf("x/%d", i),
			Shape:  x.Shape(),
			DType:  tensor.BFloat16,
			Layout: tensor.Tile,
			Memory: tensor.DRAMInterleaved,
		})
		if err != nil {
			for j, t := range inputs {
				err = errors.Join(err, group.Device(j).Deallocate(t))
			}
			return nil, err
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

// Forward computes the block for inputs[i] on device i, all holding the same [1, 1, seq, dim] activation.
// Forward consumes inputs: they are released as soon as the projections reading them are issued,
// and on failure. Nothing but the outputs is left allocated when Forward returns.
func (f *FeedForward) Forward(ctx context.Context, inputs []*tensor.Tensor, mode placement.Mode) (*Result, error) {
	log := klog.FromContext(ctx)

	if len(inputs) != f.group.Size() {
		return nil, fmt.Errorf("got %d inputs for %d devices", len(inputs), f.group.Size())
	}

	plans := make([]*plan, f.group.Size())
	for i, d := range f.group.Devices() {
		p, err := f.plan(d, inputs[i], mode)
		if err != nil {
			return nil, errors.Join(err, f.release(inputs))
		}
		plans[i] = p
	}
	log.Info("running feed-forward", "mode", mode, "strategy", plans[0].strategy, "shape", inputs[0].Shape(), "devices", f.group.Size())

	partials := make([]*tensor.Tensor, f.group.Size())
	steps := make([][]Step, f.group.Size())
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range f.group.Devices() {
		i, d := i, d // per-iteration copy (go.mod is go 1.21)
		g.Go(func() error {
			out, s, err := plans[i].run(gctx, d, inputs[i])
			if err != nil {
				return fmt.Errorf("device %d: %w", d.ID(), err)
			}
			partials[i], steps[i] = out, s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Join(err, f.release(partials))
	}

	result := &Result{
		Outputs:  partials,
		Strategy: plans[0].strategy,
		Steps:    steps[0],
	}
	if f.group.Size() == 1 {
		return result, nil
	}

	opts := collective.DefaultOptions()
	opts.Memory = partials[0].Memory()
	opts.DType = partials[0].DType()
	outputs, err := collective.AllReduce(ctx, f.group, partials, opts)
	if err != nil {
		// The collective stage may have released some or all of the partials already.
		return nil, errors.Join(fmt.Errorf("reducing partial results: %w", err), f.releaseHeld(partials))
	}
	result.Outputs = outputs
	result.Reduced = true
	return result, nil
}

// release deallocates ts[i] on device i, skipping nil entries.
func (f *FeedForward) release(ts []*tensor.Tensor) error {
	var errs []error
	for i, t := range ts {
		if t == nil {
			continue
		}
		if err := f.group.Device(i).Deallocate(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// releaseHeld is release restricted to tensors their device still holds.
func (f *FeedForward) releaseHeld(ts []*tensor.Tensor) error {
	held := make([]*tensor.Tensor, len(ts))
	for i, t := range ts {
		if t != nil && f.group.Device(i).Holds(t) {
			held[i] = t
		}
	}
	return f.release(held)
}
