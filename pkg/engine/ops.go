package engine

import (
	"fmt"
	"math"

	"github.com/justinsb/tiledispatch/pkg/device"
	"github.com/justinsb/tiledispatch/pkg/placement"
	"github.com/justinsb/tiledispatch/pkg/tensor"
)

// Output describes the tensor an op produces.
type Output struct {
	Name     string
	DType    tensor.DType
	Memory   tensor.MemoryConfig
	Fidelity placement.MathFidelity
}

// OutputFor builds the output description of an op from its placement decision.
func OutputFor(name string, decision placement.Decision) Output {
	return Output{
		Name:     name,
		DType:    decision.OutputDType,
		Memory:   decision.Memory,
		Fidelity: decision.Fidelity,
	}
}

func (o Output) spec(shape tensor.Shape) tensor.Spec {
	return tensor.Spec{
		Name:   o.Name,
		Shape:  shape,
		DType:  o.DType,
		Layout: tensor.Tile,
		Memory: o.Memory,
	}
}

// Linear issues out = x @ w (+ bias) where x is [..., M, K], w is [K, N] and bias is [N].
func Linear(d *device.Device, x, w, bias *tensor.Tensor, out Output) (*tensor.Tensor, error) {
	xShape, wShape := x.Shape(), w.Shape()
	if len(xShape) < 2 || len(wShape) != 2 {
		return nil, fmt.Errorf("linear %q: operands %v x %v: %w", out.Name, xShape, wShape, ErrShapeMismatch)
	}
	m, k, n := xShape.Dim(-2), xShape.Dim(-1), wShape[1]
	if wShape[0] != k {
		return nil, fmt.Errorf("linear %q: contraction dimension %d of %v does not match %d of %v: %w", out.Name, k, xShape, wShape[0], wShape, ErrShapeMismatch)
	}
	operands := []*tensor.Tensor{x, w}
	if bias != nil {
		if bShape := bias.Shape(); bShape.Volume() != n {
			return nil, fmt.Errorf("linear %q: bias %v does not match output width %d: %w", out.Name, bShape, n, ErrShapeMismatch)
		}
		operands = append(operands, bias)
	}
	if err := checkOperands(d, out.Name, operands...); err != nil {
		return nil, err
	}

	outShape := xShape.Clone()
	outShape[len(outShape)-1] = n
	result, err := d.Allocate(out.spec(outShape))
	if err != nil {
		return nil, fmt.Errorf("linear %q: %w", out.Name, err)
	}

	batch := xShape.Volume() / (m * k)
	mantissaBits := activationMantissaBits(out.Fidelity)
	if err := enqueue(d, result, operands, func(inputs [][]float32) ([]float32, error) {
		xv, wv := inputs[0], inputs[1]
		var bv []float32
		if len(inputs) > 2 {
			bv = inputs[2]
		}
		values := make([]float32, batch*m*n)
		row := make([]float64, k)
		for b := 0; b < batch; b++ {
			for i := 0; i < m; i++ {
				base := (b*m + i) * k
				for kk := 0; kk < k; kk++ {
					row[kk] = truncateMantissa(float64(xv[base+kk]), mantissaBits)
				}
				for j := 0; j < n; j++ {
					sum := 0.0
					if bv != nil {
						sum = float64(bv[j])
					}
					for kk := 0; kk < k; kk++ {
						sum += row[kk] * float64(wv[kk*n+j])
					}
					values[(b*m+i)*n+j] = float32(sum)
				}
			}
		}
		return values, nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// MultiplyActivated issues out = act(a) * b elementwise, fusing the activation into the multiply.
func MultiplyActivated(d *device.Device, a, b *tensor.Tensor, act Activation, out Output) (*tensor.Tensor, error) {
	if !a.Shape().Equal(b.Shape()) {
		return nil, fmt.Errorf("multiply %q: operands %v and %v: %w", out.Name, a.Shape(), b.Shape(), ErrShapeMismatch)
	}
	if err := checkOperands(d, out.Name, a, b); err != nil {
		return nil, err
	}
	result, err := d.Allocate(out.spec(a.Shape()))
	if err != nil {
		return nil, fmt.Errorf("multiply %q: %w", out.Name, err)
	}
	if err := enqueue(d, result, []*tensor.Tensor{a, b}, func(inputs [][]float32) ([]float32, error) {
		av, bv := inputs[0], inputs[1]
		values := make([]float32, len(av))
		for i := range av {
			values[i] = float32(act.Apply(float64(av[i])) * float64(bv[i]))
		}
		return values, nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// Activate issues out = act(a) elementwise.
func Activate(d *device.Device, a *tensor.Tensor, act Activation, out Output) (*tensor.Tensor, error) {
	if err := checkOperands(d, out.Name, a); err != nil {
		return nil, err
	}
	result, err := d.Allocate(out.spec(a.Shape()))
	if err != nil {
		return nil, fmt.Errorf("activate %q: %w", out.Name, err)
	}
	if err := enqueue(d, result, []*tensor.Tensor{a}, func(inputs [][]float32) ([]float32, error) {
		values := make([]float32, len(inputs[0]))
		for i, v := range inputs[0] {
			values[i] = float32(act.Apply(float64(v)))
		}
		return values, nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// Convert issues a copy of a into a new placement and dtype, e.g. interleaved to sharded.
func Convert(d *device.Device, a *tensor.Tensor, out Output) (*tensor.Tensor, error) {
	return Reshape(d, a, a.Shape(), out)
}

// Reshape issues a copy of a with a new shape of the same volume.
func Reshape(d *device.Device, a *tensor.Tensor, shape tensor.Shape, out Output) (*tensor.Tensor, error) {
	if shape.Volume() != a.Shape().Volume() {
		return nil, fmt.Errorf("reshape %q: %v to %v: %w", out.Name, a.Shape(), shape, ErrShapeMismatch)
	}
	if err := checkOperands(d, out.Name, a); err != nil {
		return nil, err
	}
	result, err := d.Allocate(out.spec(shape))
	if err != nil {
		return nil, fmt.Errorf("reshape %q: %w", out.Name, err)
	}
	if err := enqueue(d, result, []*tensor.Tensor{a}, func(inputs [][]float32) ([]float32, error) {
		values := make([]float32, len(inputs[0]))
		copy(values, inputs[0])
		return values, nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// checkOperands verifies that every operand lives on d and still has storage.
func checkOperands(d *device.Device, op string, operands ...*tensor.Tensor) error {
	for _, t := range operands {
		if t.Owner() != d.ID() {
			return fmt.Errorf("%q: operand %q is on device %d, not %d", op, t.Name(), t.Owner(), d.ID())
		}
		if t.Released() {
			return fmt.Errorf("%q: operand %q: %w", op, t.Name(), ErrReleased)
		}
	}
	return nil
}

// enqueue schedules a kernel that reads operands and writes result.
func enqueue(d *device.Device, result *tensor.Tensor, operands []*tensor.Tensor, kernel func(inputs [][]float32) ([]float32, error)) error {
	buffers := make([]*tensor.Buffer, len(operands))
	for i, t := range operands {
		buffers[i] = t.Buffer()
	}
	out := result.Buffer()
	dtype := result.DType()
	name := result.Name()
	if _, err := d.Enqueue(name, func() error {
		inputs := make([][]float32, len(buffers))
		for i, b := range buffers {
			data, err := b.Data()
			if err != nil {
				return fmt.Errorf("reading operand %q: %w", operands[i].Name(), err)
			}
			inputs[i] = data
		}
		values, err := kernel(inputs)
		if err != nil {
			return err
		}
		return out.Store(values, dtype)
	}); err != nil {
		return err
	}
	return nil
}

// activationMantissaBits is how many mantissa bits of the activation operand the multiplier consumes.
func activationMantissaBits(f placement.MathFidelity) int {
	switch f {
	case placement.LoFi:
		return 4
	case placement.HiFi2:
		return 6
	case placement.HiFi3:
		return 7
	default:
		return 23
	}
}

// truncateMantissa keeps the top bits of x's mantissa.
func truncateMantissa(x float64, bits int) float64 {
	if bits >= 23 || x == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	frac, exp := math.Frexp(x)
	scale := math.Ldexp(1, bits+1)
	return math.Ldexp(math.Trunc(frac*scale)/scale, exp)
}
