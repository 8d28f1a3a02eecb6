package engine

import (
	"fmt"
	"math"
)

// Activation is a unary nonlinearity that can be fused into an elementwise op.
type Activation int

const (
	Identity Activation = iota
	// SiLU is x * sigmoid(x).
	SiLU
	// GELU is the exact (erf) form.
	GELU
	ReLU
)

func (a Activation) String() string {
	switch a {
	case Identity:
		return "identity"
	case SiLU:
		return "silu"
	case GELU:
		return "gelu"
	case ReLU:
		return "relu"
	default:
		return fmt.Sprintf("Activation(%d)", int(a))
	}
}

func ParseActivation(s string) (Activation, error) {
	switch s {
	case "identity", "":
		return Identity, nil
	case "silu":
		return SiLU, nil
	case "gelu":
		return GELU, nil
	case "relu":
		return ReLU, nil
	}
	return 0, fmt.Errorf("unknown activation %q", s)
}

func (a Activation) Apply(x float64) float64 {
	switch a {
	case SiLU:
		return x / (1 + math.Exp(-x))
	case GELU:
		return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
	case ReLU:
		return math.Max(0, x)
	default:
		return x
	}
}
