package mlp

import (
	"context"
	"errors"
	"fmt"

	"github.com/justinsb/tiledispatch/pkg/device"
	"github.com/justinsb/tiledispatch/pkg/engine"
	"github.com/justinsb/tiledispatch/pkg/tensor"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Weights are the host parameters of a whole feed-forward block.
type Weights struct {
	// Gate and Up are [dim, hidden]; Down is [hidden, dim]. Gate is unused by non-gated blocks.
	Gate, Up, Down *tensor.Tensor

	// UpBias has hidden elements and DownBias has dim elements. Both are optional.
	UpBias, DownBias *tensor.Tensor
}

// DeviceWeights are the parameters held by one device.
type DeviceWeights struct {
	Gate, Up, Down   *tensor.Tensor
	UpBias, DownBias *tensor.Tensor
}

func (w *DeviceWeights) tensors() []*tensor.Tensor {
	var out []*tensor.Tensor
	for _, t := range []*tensor.Tensor{w.Gate, w.Up, w.Down, w.UpBias, w.DownBias} {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// ShardWeights splits host weights across the group and writes each shard to its device.
// Gate, Up and UpBias are split along their last dimension and Down along its rows,
// so each device computes a partial result over its slice of the hidden width.
// DownBias is added once, on device 0.
func ShardWeights(ctx context.Context, group *device.Group, w Weights, cfg Config) ([]DeviceWeights, error) {
	log := klog.FromContext(ctx)

	n := group.Size()
	if cfg.HiddenDim%n != 0 {
		return nil, fmt.Errorf("hidden width %d does not split across %d devices: %w", cfg.HiddenDim, n, engine.ErrUnsupportedConfiguration)
	}
	if err := checkShape("up", w.Up, tensor.Shape{cfg.Dim, cfg.HiddenDim}); err != nil {
		return nil, err
	}
	if err := checkShape("down", w.Down, tensor.Shape{cfg.HiddenDim, cfg.Dim}); err != nil {
		return nil, err
	}
	if cfg.Gated {
		if err := checkShape("gate", w.Gate, tensor.Shape{cfg.Dim, cfg.HiddenDim}); err != nil {
			return nil, err
		}
	}
	if w.UpBias != nil && w.UpBias.Shape().Volume() != cfg.HiddenDim {
		return nil, fmt.Errorf("up bias %v does not have %d elements: %w", w.UpBias.Shape(), cfg.HiddenDim, engine.ErrShapeMismatch)
	}
	if w.DownBias != nil && w.DownBias.Shape().Volume() != cfg.Dim {
		return nil, fmt.Errorf("down bias %v does not have %d elements: %w", w.DownBias.Shape(), cfg.Dim, engine.ErrShapeMismatch)
	}

	shards := make([]DeviceWeights, n)
	g, _ := errgroup.WithContext(ctx)
	for i, d := range group.Devices() {
		i, d := i, d // per-iteration copy (go.mod is go 1.21)
		g.Go(func() error {
			s := &shards[i]
			var err error
			if cfg.Gated {
				if s.Gate, err = writeShard(d, w.Gate, "gate", i, n, -1, cfg.WeightDType); err != nil {
					return err
				}
			}
			if s.Up, err = writeShard(d, w.Up, "up", i, n, -1, cfg.WeightDType); err != nil {
				return err
			}
			if s.Down, err = writeShard(d, w.Down, "down", i, n, -2, cfg.WeightDType); err != nil {
				return err
			}
			if w.UpBias != nil {
				bias, err := reshapeHost(w.UpBias, tensor.Shape{1, cfg.HiddenDim})
				if err != nil {
					return err
				}
				if s.UpBias, err = writeShard(d, bias, "up_bias", i, n, -1, tensor.BFloat16); err != nil {
					return err
				}
			}
			if w.DownBias != nil && i == 0 {
				bias, err := reshapeHost(w.DownBias, tensor.Shape{1, cfg.Dim})
				if err != nil {
					return err
				}
				if s.DownBias, err = writeShard(d, bias, "down_bias", i, 1, -1, tensor.BFloat16); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Join(err, ReleaseWeights(group, shards))
	}
	log.Info("sharded feed-forward weights", "devices", n, "dim", cfg.Dim, "hidden", cfg.HiddenDim, "dtype", cfg.WeightDType)
	return shards, nil
}

// ReleaseWeights frees every weight shard.
func ReleaseWeights(group *device.Group, shards []DeviceWeights) error {
	var errs []error
	for i := range shards {
		for _, t := range shards[i].tensors() {
			if err := group.Device(i).Deallocate(t); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func checkShape(name string, t *tensor.Tensor, want tensor.Shape) error {
	if t == nil {
		return fmt.Errorf("missing %s weight", name)
	}
	if !t.Shape().Equal(want) {
		return fmt.Errorf("%s weight has shape %v, expected %v: %w", name, t.Shape(), want, engine.ErrShapeMismatch)
	}
	return nil
}

func reshapeHost(t *tensor.Tensor, shape tensor.Shape) (*tensor.Tensor, error) {
	values, err := t.Values()
	if err != nil {
		return nil, err
	}
	return tensor.FromValues(t.Name(), shape, t.DType(), values)
}

// writeShard writes slice i of n of host t, split along dim, to d in DRAM.
func writeShard(d *device.Device, t *tensor.Tensor, name string, i, n, dim int, dtype tensor.DType) (*tensor.Tensor, error) {
	shard, err := sliceHost(t, i, n, dim)
	if err != nil {
		return nil, fmt.Errorf("sharding %s: %w", name, err)
	}
	spec := tensor.Spec{
		Name:   fmt.Sprintf("%s/%d", name, i),
		Shape:  shard.Shape(),
		DType:  dtype,
		Layout: tensor.Tile,
		Memory: tensor.DRAMWidthSharded,
	}
	out, err := d.WriteTensor(shard, spec)
	if err != nil {
		return nil, fmt.Errorf("writing %s: %w", spec.Name, err)
	}
	return out, nil
}

// sliceHost returns slice i of n of a 2D host tensor along dim (-1 for columns, -2 for rows).
func sliceHost(t *tensor.Tensor, i, n, dim int) (*tensor.Tensor, error) {
	shape := t.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("expected a 2D tensor, got %v", shape)
	}
	values, err := t.Values()
	if err != nil {
		return nil, err
	}
	rows, cols := shape[0], shape[1]
	var out []float32
	var outShape tensor.Shape
	switch dim {
	case -2:
		step := rows / n
		out = append(out, values[i*step*cols:(i+1)*step*cols]...)
		outShape = tensor.Shape{step, cols}
	case -1:
		step := cols / n
		for r := 0; r < rows; r++ {
			out = append(out, values[r*cols+i*step:r*cols+(i+1)*step]...)
		}
		outShape = tensor.Shape{rows, step}
	default:
		return nil, fmt.Errorf("cannot split along dimension %d", dim)
	}
	return tensor.FromValues(t.Name(), outShape, t.DType(), out)
}
