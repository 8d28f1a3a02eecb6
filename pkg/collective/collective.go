// Package collective combines per-device partial results across a device group.
package collective

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

// Options controls the gather and the reduction.
type Options struct {
	// Dim is the axis partials are gathered along and then summed over.
	Dim int

	// Memory is the placement of the gathered intermediate and of the result.
	Memory tensor.MemoryConfig

	// DType is the dtype of the result. The sum itself is accumulated in float64.
	DType tensor.DType
}

func DefaultOptions() Options {
	return Options{
		Dim:    1,
		Memory: tensor.DRAMInterleaved,
		DType:  tensor.BFloat16,
	}
}

// AllReduce sums partials[i], held by device i of group, and returns the sum on every device.
// Once the inputs are validated, AllReduce owns partials: they are released after the result
// has been produced (or the stage failed), as is the gathered intermediate. If validation fails,
// the caller still owns partials.
// Partials are summed in ascending device order, so the result is identical on every device
// and between runs.
func AllReduce(ctx context.Context, group *device.Group, partials []*tensor.Tensor, opts Options) ([]*tensor.Tensor, error) {
	log := klog.FromContext(ctx)

	if err := validate(group, partials, opts); err != nil {
		return nil, err
	}
	log.V(2).Info("all-reduce", "devices", group.Size(), "topology", group.Topology(), "links", group.NumLinks(), "shape", partials[0].Shape())

	gathered, err := AllGather(ctx, group, partials, opts)
	if err != nil {
		return nil, errors.Join(err, release(group, partials))
	}

	results := make([]*tensor.Tensor, group.Size())
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range group.Devices() {
		i, d := i, d // per-iteration copy (go.mod is go 1.21)
		g.Go(func() error {
			out, err := ReduceSum(d, gathered[i], group.Size(), opts)
			if err != nil {
				return err
			}
			results[i] = out
			return d.Finish(gctx)
		})
	}
	err = g.Wait()

	// Every device has passed the reduction (or failed), so no kernel still reads the inputs.
	cleanup := errors.Join(release(group, gathered), release(group, partials))
	if err != nil {
		return nil, errors.Join(err, cleanup, release(group, results))
	}
	if cleanup != nil {
		return nil, errors.Join(cleanup, release(group, results))
	}
	return results, nil
}

// AllGather concatenates partials along opts.Dim, in device order, onto every device.
// No device starts gathering until every device has finished producing its partial.
func AllGather(ctx context.Context, group *device.Group, partials []*tensor.Tensor, opts Options) ([]*tensor.Tensor, error) {
	if err := validate(group, partials, opts); err != nil {
		return nil, err
	}
	if err := barrier(ctx, group); err != nil {
		return nil, fmt.Errorf("waiting for partials: %w", err)
	}

	n := group.Size()
	partShape := partials[0].Shape()
	dim := normalizeDim(opts.Dim, len(partShape))
	outer, inner := split(partShape, dim)

	gatheredShape := partShape.Clone()
	gatheredShape[dim] *= n

	buffers := make([]*tensor.Buffer, n)
	for i, p := range partials {
		buffers[i] = p.Buffer()
	}

	gathered := make([]*tensor.Tensor, n)
	g, _ := errgroup.WithContext(ctx)
	for i, d := range group.Devices() {
		i, d := i, d // per-iteration copy (go.mod is go 1.21)
		g.Go(func() error {
			out, err := d.Allocate(tensor.Spec{
				Name:   fmt.Sprintf("gathered/%d", i),
				Shape:  gatheredShape,
				DType:  partials[i].DType(),
				Layout: tensor.Tile,
				Memory: opts.Memory,
			})
			if err != nil {
				return fmt.Errorf("all-gather: %w", err)
			}
			gathered[i] = out
			dtype := out.DType()
			_, err = d.Enqueue(out.Name(), func() error {
				values := make([]float32, 0, outer*inner*n)
				sources := make([][]float32, n)
				for j, b := range buffers {
					data, err := b.Data()
					if err != nil {
						return fmt.Errorf("gathering from device %d: %w", j, err)
					}
					sources[j] = data
				}
				for o := 0; o < outer; o++ {
					for j := range sources {
						values = append(values, sources[j][o*inner:(o+1)*inner]...)
					}
				}
				return out.Buffer().Store(values, dtype)
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Join(err, release(group, gathered))
	}
	return gathered, nil
}

// ReduceSum sums the n equal segments of gathered along opts.Dim, lowest segment first.
func ReduceSum(d *device.Device, gathered *tensor.Tensor, n int, opts Options) (*tensor.Tensor, error) {
	shape := gathered.Shape()
	dim := normalizeDim(opts.Dim, len(shape))
	if dim < 0 || shape[dim]%n != 0 {
		return nil, fmt.Errorf("reducing %v into %d parts along %d: %w", shape, n, opts.Dim, engine.ErrShapeMismatch)
	}
	outShape := shape.Clone()
	outShape[dim] /= n
	outer, inner := split(outShape, dim)

	out, err := d.Allocate(tensor.Spec{
		Name:   fmt.Sprintf("reduced/%d", d.ID()),
		Shape:  outShape,
		DType:  opts.DType,
		Layout: tensor.Tile,
		Memory: opts.Memory,
	})
	if err != nil {
		return nil, fmt.Errorf("reduce: %w", err)
	}
	source := gathered.Buffer()
	if _, err := d.Enqueue(out.Name(), func() error {
		data, err := source.Data()
		if err != nil {
			return fmt.Errorf("reading gathered tensor: %w", err)
		}
		values := make([]float32, outer*inner)
		for o := 0; o < outer; o++ {
			for j := 0; j < inner; j++ {
				sum := 0.0
				for p := 0; p < n; p++ {
					sum += float64(data[(o*n+p)*inner+j])
				}
				values[o*inner+j] = float32(sum)
			}
		}
		return out.Buffer().Store(values, opts.DType)
	}); err != nil {
		return nil, errors.Join(err, d.Deallocate(out))
	}
	return out, nil
}

func validate(group *device.Group, partials []*tensor.Tensor, opts Options) error {
	if group.Size() < 2 {
		return fmt.Errorf("collective over %d device: %w", group.Size(), engine.ErrUnsupportedConfiguration)
	}
	if len(partials) != group.Size() {
		return fmt.Errorf("got %d partials for %d devices", len(partials), group.Size())
	}
	shape := partials[0].Shape()
	if normalizeDim(opts.Dim, len(shape)) < 0 {
		return fmt.Errorf("gather axis %d out of range for %v: %w", opts.Dim, shape, engine.ErrShapeMismatch)
	}
	for i, p := range partials {
		if p.Owner() != i {
			return fmt.Errorf("partial %d (%s) is owned by device %d", i, p.Name(), p.Owner())
		}
		if !p.Shape().Equal(shape) {
			return fmt.Errorf("partial %d has shape %v, partial 0 has %v: %w", i, p.Shape(), shape, engine.ErrShapeMismatch)
		}
	}
	return nil
}

// barrier returns once every device in group has executed all of its enqueued work.
func barrier(ctx context.Context, group *device.Group) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range group.Devices() {
		d := d // per-iteration copy (go.mod is go 1.21)
		g.Go(func() error {
			return d.Finish(gctx)
		})
	}
	return g.Wait()
}

// release deallocates the non-nil tensors in ts, tensor i on device i.
func release(group *device.Group, ts []*tensor.Tensor) error {
	var errs []error
	for i, t := range ts {
		if t == nil || i >= group.Size() {
			continue
		}
		if err := group.Device(i).Deallocate(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func normalizeDim(dim, rank int) int {
	if dim < 0 {
		dim += rank
	}
	if dim < 0 || dim >= rank {
		return -1
	}
	return dim
}

// split returns the element counts before dim and from dim onwards.
func split(shape tensor.Shape, dim int) (int, int) {
	outer := 1
	for _, s := range shape[:dim] {
		outer *= s
	}
	return outer, shape.Volume() / outer
}
