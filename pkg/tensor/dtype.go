package tensor

import (
	"fmt"
	"math"
)

// DType is the element format of a tensor.
type DType int

const (
	Float32 DType = iota
	BFloat16
	// BFloat8B is a block float: every 16 consecutive elements share one 8-bit exponent
	// and each element keeps a sign and a 7-bit mantissa.
	BFloat8B
)

// bfp8BlockSize is the number of elements sharing one exponent in BFloat8B.
const bfp8BlockSize = 16

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case BFloat16:
		return "bfloat16"
	case BFloat8B:
		return "bfloat8_b"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// ParseDType is the inverse of DType.String.
func ParseDType(s string) (DType, error) {
	switch s {
	case "float32":
		return Float32, nil
	case "bfloat16":
		return BFloat16, nil
	case "bfloat8_b":
		return BFloat8B, nil
	}
	return 0, fmt.Errorf("unknown dtype %q", s)
}

// tileBytes is the storage for one 32x32 tile.
func (d DType) tileBytes() int64 {
	switch d {
	case Float32:
		return TileHeight * TileWidth * 4
	case BFloat16:
		return TileHeight * TileWidth * 2
	case BFloat8B:
		return TileHeight*TileWidth + TileHeight*TileWidth/bfp8BlockSize
	default:
		panic(fmt.Sprintf("unsupported data type: %d", d))
	}
}

func (d DType) rowMajorBytes(elements int64) int64 {
	switch d {
	case Float32:
		return elements * 4
	case BFloat16:
		return elements * 2
	case BFloat8B:
		return elements + (elements+bfp8BlockSize-1)/bfp8BlockSize
	default:
		panic(fmt.Sprintf("unsupported data type: %d", d))
	}
}

// Round rounds values in place to the precision representable by d.
func (d DType) Round(values []float32) {
	switch d {
	case Float32:
	case BFloat16:
		for i, v := range values {
			values[i] = RoundBFloat16(v)
		}
	case BFloat8B:
		for start := 0; start < len(values); start += bfp8BlockSize {
			end := min(start+bfp8BlockSize, len(values))
			quantizeBlockFloat8(values[start:end])
		}
	}
}

// RoundBFloat16 rounds f to the nearest bfloat16 (ties to even).
// bfloat16 is the top 16 bits of a float32.
func RoundBFloat16(f float32) float32 {
	if f != f {
		return f
	}
	bits := math.Float32bits(f)
	bits += 0x7FFF + ((bits >> 16) & 1)
	return math.Float32frombits(bits &^ 0xFFFF)
}

// quantizeBlockFloat8 snaps a block onto a grid shared by its largest magnitude.
// Non-finite values pass through.
func quantizeBlockFloat8(block []float32) {
	maxExp := math.MinInt32
	for _, v := range block {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) || f == 0 {
			continue
		}
		_, exp := math.Frexp(f)
		if exp > maxExp {
			maxExp = exp
		}
	}
	if maxExp == math.MinInt32 {
		return
	}
	step := math.Ldexp(1, maxExp-7)
	for i, v := range block {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		q := math.RoundToEven(f / step)
		q = math.Max(-127, math.Min(127, q))
		block[i] = float32(q * step)
	}
}
