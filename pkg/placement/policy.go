package placement

import (
	"fmt"

	"github.com/justinsb/tiledispatch/pkg/device"
	"github.com/justinsb/tiledispatch/pkg/tensor"
)

// OpKind identifies an operation of the feed-forward block for placement purposes.
type OpKind int

const (
	// OpInput converts the block input into the mode's placement.
	OpInput OpKind = iota
	// OpGateUp is the gate or up projection: K is the model width.
	OpGateUp
	// OpMultiply is the fused activation-and-multiply of the two projections.
	OpMultiply
	// OpDown is the down projection: K is the hidden width.
	OpDown
	// OpOutput converts the block result into its returned placement.
	OpOutput
)

func (k OpKind) String() string {
	switch k {
	case OpInput:
		return "input"
	case OpGateUp:
		return "gate-up"
	case OpMultiply:
		return "multiply"
	case OpDown:
		return "down"
	case OpOutput:
		return "output"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// Request describes one operation to place.
type Request struct {
	Op OpKind
	// Input is the logical (unchunked) activation consumed by the op: [..., seq, width].
	Input tensor.Shape
	// Weight is the [K, N] operand of matmul ops; ignored otherwise.
	Weight tensor.Shape
	Mode   Mode
	Grid   device.Grid
}

// Decision is the placement of one operation's output. It is a value and never mutated.
type Decision struct {
	Strategy    Strategy
	Memory      tensor.MemoryConfig
	Program     ProgramConfig
	Cores       int
	Fidelity    MathFidelity
	OutputDType tensor.DType

	// SeqLen is the logical sequence length. With PrefillChunked the op runs on
	// Chunks chunks of ChunkLen positions each; otherwise Chunks is 1 and ChunkLen is SeqLen.
	SeqLen   int
	Chunks   int
	ChunkLen int

	// ReshapeBack says the chunked result must be reshaped to the logical shape before return.
	ReshapeBack bool
}

func (d Decision) String() string {
	return fmt.Sprintf("{strategy=%s memory=%s cores=%d fidelity=%s dtype=%s chunks=%dx%d program=%v}",
		d.Strategy, d.Memory, d.Cores, d.Fidelity, d.OutputDType, d.Chunks, d.ChunkLen, d.Program)
}

// Policy maps operations onto placements.
type Policy struct {
	thresholds Thresholds
}

func NewPolicy(thresholds Thresholds) (*Policy, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &Policy{thresholds: thresholds}, nil
}

func DefaultPolicy() *Policy {
	return &Policy{thresholds: DefaultThresholds()}
}

func (p *Policy) Thresholds() Thresholds {
	return p.thresholds
}

// Decide places one operation. It fails with ErrUnsupportedConfiguration when the
// shape fits no bucket; it never falls back to a degraded placement.
func (p *Policy) Decide(req Request) (Decision, error) {
	if len(req.Input) < 2 {
		return Decision{}, fmt.Errorf("%s input shape %v needs at least 2 dimensions: %w", req.Op, req.Input, ErrUnsupportedConfiguration)
	}
	if err := req.Input.Validate(); err != nil {
		return Decision{}, fmt.Errorf("%s: %v: %w", req.Op, err, ErrUnsupportedConfiguration)
	}
	if req.Grid.Cores() <= 0 {
		return Decision{}, fmt.Errorf("%s: empty core grid %v: %w", req.Op, req.Grid, ErrUnsupportedConfiguration)
	}

	seqLen := req.Input.Dim(-2)
	width := req.Input.Dim(-1)
	strategy, err := SelectStrategy(req.Mode, seqLen, p.thresholds)
	if err != nil {
		return Decision{}, fmt.Errorf("%s: %w", req.Op, err)
	}

	d := Decision{
		Strategy: strategy,
		SeqLen:   seqLen,
		Chunks:   1,
		ChunkLen: seqLen,
		Fidelity: HiFi4,
	}
	switch strategy {
	case DecodeSharded:
		d.Memory = tensor.L1WidthSharded
	case PrefillChunked:
		d.Memory = tensor.DRAMInterleaved
		d.ChunkLen = p.thresholds.ChunkSeqLen
		d.Chunks = seqLen / p.thresholds.ChunkSeqLen
		d.ReshapeBack = seqLen >= p.thresholds.ReshapeBackSeqLen
	case PrefillExact:
		d.Memory = tensor.DRAMInterleaved
	}

	switch req.Op {
	case OpInput:
		d.OutputDType = tensor.BFloat16
		d.Program, d.Cores = eltwise(d.ChunkLen, width, req.Grid, strategy == DecodeSharded)

	case OpGateUp, OpDown:
		k, n, err := matmulDims(req)
		if err != nil {
			return Decision{}, err
		}
		d.OutputDType = tensor.BFloat16
		// The gate/up projections are compute-bound and run with one bit less of activation precision.
		// The down projection is bandwidth-bound, so full precision costs nothing.
		if req.Op == OpGateUp {
			d.Fidelity = HiFi2
		}
		if strategy == DecodeSharded {
			d.Program, d.Cores = dramShardedMatmul(d.ChunkLen, k, n, req.Grid)
		} else {
			d.Program, d.Cores = multiCastMatmul2D(d.ChunkLen, k, n, req.Grid)
		}

	case OpMultiply:
		d.OutputDType = tensor.BFloat8B
		d.Program, d.Cores = eltwise(d.ChunkLen, width, req.Grid, strategy == DecodeSharded)

	case OpOutput:
		d.OutputDType = tensor.BFloat16
		if strategy == DecodeSharded {
			d.Memory = tensor.L1Interleaved
		}
		d.Program, d.Cores = eltwise(d.ChunkLen, width, req.Grid, false)

	default:
		return Decision{}, fmt.Errorf("op kind %v: %w", req.Op, ErrUnsupportedConfiguration)
	}
	return d, nil
}

func matmulDims(req Request) (int, int, error) {
	if len(req.Weight) != 2 {
		return 0, 0, fmt.Errorf("%s weight shape %v must be [K, N]: %w", req.Op, req.Weight, ErrUnsupportedConfiguration)
	}
	k, n := req.Weight[0], req.Weight[1]
	if k <= 0 || n <= 0 || k%tileSize != 0 || n%tileSize != 0 {
		return 0, 0, fmt.Errorf("%s weight shape %v is not tile aligned: %w", req.Op, req.Weight, ErrUnsupportedConfiguration)
	}
	return k, n, nil
}
