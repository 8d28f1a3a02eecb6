// Package reference computes golden results on the host, in float64, for validating device output.
package reference

import (
	"fmt"

	"github.com/justinsb/tiledispatch/pkg/engine"
	"github.com/justinsb/tiledispatch/pkg/tensor"
)

// Linear computes x @ w (+ bias) for x [..., M, K], w [K, N] and an optional bias of N elements.
func Linear(name string, x, w, bias *tensor.Tensor) (*tensor.Tensor, error) {
	xShape, wShape := x.Shape(), w.Shape()
	if len(xShape) < 2 || len(wShape) != 2 || xShape.Dim(-1) != wShape[0] {
		return nil, fmt.Errorf("linear %q: operands %v x %v: %w", name, xShape, wShape, engine.ErrShapeMismatch)
	}
	xv, err := float64s(x)
	if err != nil {
		return nil, err
	}
	wv, err := float64s(w)
	if err != nil {
		return nil, err
	}
	k, n := wShape[0], wShape[1]
	var bv []float64
	if bias != nil {
		if bias.Shape().Volume() != n {
			return nil, fmt.Errorf("linear %q: bias %v does not match width %d: %w", name, bias.Shape(), n, engine.ErrShapeMismatch)
		}
		if bv, err = float64s(bias); err != nil {
			return nil, err
		}
	}

	rows := len(xv) / k
	out := make([]float32, rows*n)
	for r := 0; r < rows; r++ {
		for j := 0; j < n; j++ {
			sum := 0.0
			if bv != nil {
				sum = bv[j]
			}
			for kk := 0; kk < k; kk++ {
				sum += xv[r*k+kk] * wv[kk*n+j]
			}
			out[r*n+j] = float32(sum)
		}
	}
	shape := xShape.Clone()
	shape[len(shape)-1] = n
	return tensor.FromValues(name, shape, tensor.Float32, out)
}

// Activate applies act elementwise.
func Activate(name string, x *tensor.Tensor, act engine.Activation) (*tensor.Tensor, error) {
	xv, err := float64s(x)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(xv))
	for i, v := range xv {
		out[i] = float32(act.Apply(v))
	}
	return tensor.FromValues(name, x.Shape(), tensor.Float32, out)
}

// MultiplyActivated computes act(a) * b elementwise.
func MultiplyActivated(name string, a, b *tensor.Tensor, act engine.Activation) (*tensor.Tensor, error) {
	if !a.Shape().Equal(b.Shape()) {
		return nil, fmt.Errorf("multiply %q: operands %v and %v: %w", name, a.Shape(), b.Shape(), engine.ErrShapeMismatch)
	}
	av, err := float64s(a)
	if err != nil {
		return nil, err
	}
	bv, err := float64s(b)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(av))
	for i := range av {
		out[i] = float32(act.Apply(av[i]) * bv[i])
	}
	return tensor.FromValues(name, a.Shape(), tensor.Float32, out)
}

// Sum adds tensors of equal shape elementwise, accumulating in argument order.
func Sum(name string, parts ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("sum %q: no operands", name)
	}
	shape := parts[0].Shape()
	acc := make([]float64, shape.Volume())
	for _, p := range parts {
		if !p.Shape().Equal(shape) {
			return nil, fmt.Errorf("sum %q: operands %v and %v: %w", name, shape, p.Shape(), engine.ErrShapeMismatch)
		}
		values, err := float64s(p)
		if err != nil {
			return nil, err
		}
		for i, v := range values {
			acc[i] += v
		}
	}
	out := make([]float32, len(acc))
	for i, v := range acc {
		out[i] = float32(v)
	}
	return tensor.FromValues(name, shape, tensor.Float32, out)
}

func float64s(t *tensor.Tensor) ([]float64, error) {
	values, err := t.Values()
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out, nil
}
