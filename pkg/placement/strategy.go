package placement

import (
	"errors"
	"fmt"
)

// ErrUnsupportedConfiguration is returned for shapes that fit no placement bucket.
var ErrUnsupportedConfiguration = errors.New("unsupported configuration")

// Mode is the kind of forward pass being run.
type Mode int

const (
	// Decode processes a few new sequence positions at a time.
	Decode Mode = iota
	// Prefill processes a whole, possibly long, input sequence.
	Prefill
)

func (m Mode) String() string {
	switch m {
	case Decode:
		return "decode"
	case Prefill:
		return "prefill"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "decode":
		return Decode, nil
	case "prefill":
		return Prefill, nil
	}
	return 0, fmt.Errorf("unknown mode %q (expected decode or prefill): %w", s, ErrUnsupportedConfiguration)
}

// Strategy is the closed set of execution strategies.
type Strategy int

const (
	// DecodeSharded keeps activations width-sharded in L1.
	DecodeSharded Strategy = iota
	// PrefillChunked splits the sequence into fixed-size chunks in DRAM.
	PrefillChunked
	// PrefillExact tunes the program for the exact sequence length, in DRAM.
	PrefillExact
)

func (s Strategy) String() string {
	switch s {
	case DecodeSharded:
		return "decode-sharded"
	case PrefillChunked:
		return "prefill-chunked"
	case PrefillExact:
		return "prefill-exact"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// Thresholds are the sequence-length boundaries between strategies.
type Thresholds struct {
	// DecodeMaxSeqLen is the longest sequence accepted in decode mode.
	DecodeMaxSeqLen int
	// ChunkSeqLen is both the prefill length from which inputs are chunked and the chunk length.
	ChunkSeqLen int
	// ReshapeBackSeqLen is the prefill length from which chunked results are reshaped back.
	ReshapeBackSeqLen int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DecodeMaxSeqLen:   32,
		ChunkSeqLen:       1024,
		ReshapeBackSeqLen: 2048,
	}
}

func (t Thresholds) Validate() error {
	if t.DecodeMaxSeqLen <= 0 || t.ChunkSeqLen <= 0 {
		return fmt.Errorf("thresholds must be positive: %+v", t)
	}
	if t.ChunkSeqLen%tileSize != 0 {
		return fmt.Errorf("chunk length %d is not a multiple of the tile height %d", t.ChunkSeqLen, tileSize)
	}
	// A sequence of one chunk keeps its logical shape, so reshaping back starts at two chunks.
	if t.ReshapeBackSeqLen != 2*t.ChunkSeqLen {
		return fmt.Errorf("reshape-back length %d must be twice the chunk length %d", t.ReshapeBackSeqLen, t.ChunkSeqLen)
	}
	return nil
}

// SelectStrategy is the single place where (mode, sequence length) maps to a strategy.
func SelectStrategy(mode Mode, seqLen int, thresholds Thresholds) (Strategy, error) {
	if seqLen <= 0 {
		return 0, fmt.Errorf("sequence length %d: %w", seqLen, ErrUnsupportedConfiguration)
	}
	switch mode {
	case Decode:
		if seqLen > thresholds.DecodeMaxSeqLen {
			return 0, fmt.Errorf("decode sequence length %d exceeds %d: %w", seqLen, thresholds.DecodeMaxSeqLen, ErrUnsupportedConfiguration)
		}
		return DecodeSharded, nil

	case Prefill:
		if seqLen >= thresholds.ChunkSeqLen {
			if seqLen%thresholds.ChunkSeqLen != 0 {
				return 0, fmt.Errorf("prefill sequence length %d is not a multiple of the chunk length %d: %w", seqLen, thresholds.ChunkSeqLen, ErrUnsupportedConfiguration)
			}
			return PrefillChunked, nil
		}
		if seqLen%tileSize != 0 {
			return 0, fmt.Errorf("prefill sequence length %d is not a multiple of the tile height %d: %w", seqLen, tileSize, ErrUnsupportedConfiguration)
		}
		return PrefillExact, nil

	default:
		return 0, fmt.Errorf("mode %v: %w", mode, ErrUnsupportedConfiguration)
	}
}
