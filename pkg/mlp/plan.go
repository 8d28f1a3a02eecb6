package mlp

import (
	"context"
	"errors"
	"fmt"

	"github.com/justinsb/tiledispatch/pkg/device"
	"github.com/justinsb/tiledispatch/pkg/engine"
	"github.com/justinsb/tiledispatch/pkg/placement"
	"github.com/justinsb/tiledispatch/pkg/tensor"
	"k8s.io/klog/v2"
)

const (
	nodeInput     engine.NodeID = "x"
	nodeConverted engine.NodeID = "x_in"
	nodeGate      engine.NodeID = "gate"
	nodeUp        engine.NodeID = "up"
	nodeMultiply  engine.NodeID = "mul"
	nodeActivate  engine.NodeID = "act"
	nodeDown      engine.NodeID = "down"
	nodeOutput    engine.NodeID = "out"
)

// node is one operation of the block. The input node has no issue function.
type node struct {
	id    engine.NodeID
	deps  []engine.NodeID
	issue func(in []*tensor.Tensor) (*tensor.Tensor, error)
}

func (n *node) NodeID() engine.NodeID         { return n.id }
func (n *node) Dependencies() []engine.NodeID { return n.deps }

// plan is the placed operation graph of one device's forward pass.
type plan struct {
	strategy placement.Strategy
	nodes    []*node
	order    []engine.NodeID
	output   engine.NodeID
}

// plan places every operation before anything is issued, so configuration errors surface early.
func (f *FeedForward) plan(d *device.Device, x *tensor.Tensor, mode placement.Mode) (*plan, error) {
	shape := x.Shape()
	if len(shape) != 4 || shape[0] != 1 || shape[1] != 1 {
		return nil, fmt.Errorf("feed-forward input %v must be [1, 1, seq, dim]: %w", shape, engine.ErrUnsupportedConfiguration)
	}
	w := f.weights[d.ID()]
	seqLen := shape[2]
	hiddenShape := tensor.Shape{1, 1, seqLen, w.Down.Shape()[0]}
	outShape := tensor.Shape{1, 1, seqLen, w.Down.Shape()[1]}

	decide := func(op placement.OpKind, input, weight tensor.Shape) (placement.Decision, error) {
		return f.policy.Decide(placement.Request{Op: op, Input: input, Weight: weight, Mode: mode, Grid: d.Grid()})
	}
	inDecision, err := decide(placement.OpInput, shape, nil)
	if err != nil {
		return nil, err
	}
	projDecision, err := decide(placement.OpGateUp, shape, w.Up.Shape())
	if err != nil {
		return nil, err
	}
	mulDecision, err := decide(placement.OpMultiply, hiddenShape, nil)
	if err != nil {
		return nil, err
	}
	downDecision, err := decide(placement.OpDown, hiddenShape, w.Down.Shape())
	if err != nil {
		return nil, err
	}
	outDecision, err := decide(placement.OpOutput, outShape, nil)
	if err != nil {
		return nil, err
	}
	klog.V(4).InfoS("placed feed-forward", "device", d.ID(), "input", inDecision, "projection", projDecision, "multiply", mulDecision, "down", downDecision, "output", outDecision)

	p := &plan{strategy: inDecision.Strategy}
	add := func(id engine.NodeID, deps []engine.NodeID, issue func(in []*tensor.Tensor) (*tensor.Tensor, error)) {
		p.nodes = append(p.nodes, &node{id: id, deps: deps, issue: issue})
		p.output = id
	}

	add(nodeInput, nil, nil)
	src := nodeInput
	switch {
	case p.strategy == placement.DecodeSharded:
		add(nodeConverted, []engine.NodeID{nodeInput}, func(in []*tensor.Tensor) (*tensor.Tensor, error) {
			return engine.Convert(d, in[0], engine.OutputFor(string(nodeConverted), inDecision))
		})
		src = nodeConverted
	case p.strategy == placement.PrefillChunked && inDecision.Chunks > 1:
		chunked := tensor.Shape{1, inDecision.Chunks, inDecision.ChunkLen, shape[3]}
		add(nodeConverted, []engine.NodeID{nodeInput}, func(in []*tensor.Tensor) (*tensor.Tensor, error) {
			return engine.Reshape(d, in[0], chunked, engine.OutputFor(string(nodeConverted), inDecision))
		})
		src = nodeConverted
	}

	var hidden engine.NodeID
	if f.config.Gated {
		add(nodeGate, []engine.NodeID{src}, func(in []*tensor.Tensor) (*tensor.Tensor, error) {
			return engine.Linear(d, in[0], w.Gate, nil, engine.OutputFor(string(nodeGate), projDecision))
		})
		add(nodeUp, []engine.NodeID{src}, func(in []*tensor.Tensor) (*tensor.Tensor, error) {
			return engine.Linear(d, in[0], w.Up, w.UpBias, engine.OutputFor(string(nodeUp), projDecision))
		})
		add(nodeMultiply, []engine.NodeID{nodeGate, nodeUp}, func(in []*tensor.Tensor) (*tensor.Tensor, error) {
			return engine.MultiplyActivated(d, in[0], in[1], f.config.Activation, engine.OutputFor(string(nodeMultiply), mulDecision))
		})
		hidden = nodeMultiply
	} else {
		add(nodeUp, []engine.NodeID{src}, func(in []*tensor.Tensor) (*tensor.Tensor, error) {
			return engine.Linear(d, in[0], w.Up, w.UpBias, engine.OutputFor(string(nodeUp), projDecision))
		})
		add(nodeActivate, []engine.NodeID{nodeUp}, func(in []*tensor.Tensor) (*tensor.Tensor, error) {
			return engine.Activate(d, in[0], f.config.Activation, engine.OutputFor(string(nodeActivate), mulDecision))
		})
		hidden = nodeActivate
	}

	add(nodeDown, []engine.NodeID{hidden}, func(in []*tensor.Tensor) (*tensor.Tensor, error) {
		return engine.Linear(d, in[0], w.Down, w.DownBias, engine.OutputFor(string(nodeDown), downDecision))
	})

	switch {
	case p.strategy == placement.DecodeSharded:
		add(nodeOutput, []engine.NodeID{nodeDown}, func(in []*tensor.Tensor) (*tensor.Tensor, error) {
			return engine.Convert(d, in[0], engine.OutputFor(string(nodeOutput), outDecision))
		})
	case p.strategy == placement.PrefillChunked && inDecision.ReshapeBack:
		add(nodeOutput, []engine.NodeID{nodeDown}, func(in []*tensor.Tensor) (*tensor.Tensor, error) {
			return engine.Reshape(d, in[0], outShape, engine.OutputFor(string(nodeOutput), outDecision))
		})
	}

	order, err := engine.BuildDAG(p.nodes, []engine.NodeID{p.output})
	if err != nil {
		return nil, err
	}
	p.order = order
	return p, nil
}

// run issues the plan on d, taking ownership of x, and returns the block output.
func (p *plan) run(ctx context.Context, d *device.Device, x *tensor.Tensor) (_ *tensor.Tensor, _ []Step, err error) {
	log := klog.FromContext(ctx).WithValues("device", d.ID())
	ctx = klog.NewContext(ctx, log)

	scope := engine.NewScope(ctx, d, p.nodes)
	defer func() {
		if closeErr := scope.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	byID := make(map[engine.NodeID]*node, len(p.nodes))
	for _, n := range p.nodes {
		byID[n.id] = n
	}

	var steps []Step
	for _, id := range p.order {
		n := byID[id]
		var out *tensor.Tensor
		if n.issue == nil {
			if err := scope.Input(id, x); err != nil {
				return nil, nil, errors.Join(err, d.Deallocate(x))
			}
			out = x
		} else {
			in := make([]*tensor.Tensor, len(n.deps))
			for i, dep := range n.deps {
				t, err := scope.Tensor(dep)
				if err != nil {
					return nil, nil, fmt.Errorf("operand of %q: %w", id, err)
				}
				in[i] = t
			}
			if out, err = scope.Issue(id, func() (*tensor.Tensor, error) { return n.issue(in) }); err != nil {
				return nil, nil, err
			}
		}
		steps = append(steps, Step{
			Op:     id,
			Shape:  out.Shape(),
			Memory: out.Memory(),
			DType:  out.DType(),
			Live:   len(scope.Live()),
		})
	}

	out, err := scope.Take(p.output)
	if err != nil {
		return nil, nil, err
	}
	log.V(2).Info("issued feed-forward", "ops", len(steps), "output", out.Shape(), "memory", out.Memory())
	return out, steps, nil
}
