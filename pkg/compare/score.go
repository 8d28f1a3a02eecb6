package compare

import (
	"fmt"
	"math"
)

// Case classifies how a similarity score was derived.
type Case int

const (
	// CaseCorrelation is the ordinary Pearson correlation.
	CaseCorrelation Case = iota
	// CaseBothNaN means both tensors are entirely NaN; the score is 1.
	CaseBothNaN
	// CaseOneNaN means exactly one tensor is entirely NaN; the score is 0.
	CaseOneNaN
	// CaseOneAllZero means one tensor has a nonzero element and the other does not; the score is 0.
	CaseOneAllZero
	// CaseIdentical means the tensors are equal once non-finite elements are zeroed; the score is 1.
	CaseIdentical
	// CaseSingleElement scores 1 for equal single elements and 0 otherwise.
	CaseSingleElement
	// CaseConstant means a tensor has no spread; the score is 1 if the tensors are equal, else 0.
	CaseConstant
	// CaseUndefined means the correlation had no defined value; the score is 1.
	CaseUndefined
)

func (c Case) String() string {
	switch c {
	case CaseCorrelation:
		return "correlation"
	case CaseBothNaN:
		return "both tensors are NaN"
	case CaseOneNaN:
		return "one tensor is all NaN, the other is not"
	case CaseOneAllZero:
		return "one tensor is all zero"
	case CaseIdentical:
		return "identical"
	case CaseSingleElement:
		return "single element"
	case CaseConstant:
		return "constant tensor"
	case CaseUndefined:
		return "undefined correlation"
	default:
		return fmt.Sprintf("Case(%d)", int(c))
	}
}

// Degenerate reports whether the case is one that gets flagged in logs and summaries.
func (c Case) Degenerate() bool {
	return c == CaseBothNaN || c == CaseOneNaN || c == CaseOneAllZero
}

// Score is the similarity of two equally sized tensors, evaluated in this order:
//
//  1. both entirely NaN: 1
//  2. exactly one entirely NaN: 0
//  3. only one has a nonzero (or NaN) element: 0
//  4. with NaN and infinities replaced by zero:
//     equal: 1; single element or either constant: 1 if equal else 0;
//     otherwise the Pearson correlation, or 1 where it is undefined.
func Score(golden, calculated []float32) (float64, Case) {
	score, c := score(golden, calculated)
	logDegenerate(c)
	return score, c
}

func score(golden, calculated []float32) (float64, Case) {
	gNaN, cNaN := allNaN(golden), allNaN(calculated)
	switch {
	case gNaN && cNaN:
		return 1, CaseBothNaN
	case gNaN || cNaN:
		return 0, CaseOneNaN
	}
	if anyNonZero(golden) != anyNonZero(calculated) {
		return 0, CaseOneAllZero
	}

	g, c := sanitize(golden), sanitize(calculated)
	same := equalFloat64s(g, c)
	if same {
		return 1, CaseIdentical
	}
	if len(g) == 1 {
		return 0, CaseSingleElement
	}
	if constant(g) || constant(c) {
		return 0, CaseConstant
	}

	r := pearson(g, c)
	if math.IsNaN(r) {
		return 1, CaseUndefined
	}
	return math.Max(-1, math.Min(1, r)), CaseCorrelation
}

// pearson is the correlation coefficient of x and y, accumulated in float64.
func pearson(x, y []float64) float64 {
	n := float64(len(x))
	var meanX, meanY float64
	for i := range x {
		meanX += x[i]
		meanY += y[i]
	}
	meanX /= n
	meanY /= n

	var cov, varX, varY float64
	for i := range x {
		dx, dy := x[i]-meanX, y[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return math.NaN()
	}
	return cov / math.Sqrt(varX*varY)
}

func allNaN(values []float32) bool {
	for _, v := range values {
		if !math.IsNaN(float64(v)) {
			return false
		}
	}
	return true
}

// anyNonZero counts NaN as nonzero.
func anyNonZero(values []float32) bool {
	for _, v := range values {
		if v != 0 {
			return true
		}
	}
	return false
}

func sanitize(values []float32) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			f = 0
		}
		out[i] = f
	}
	return out
}

func equalFloat64s(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func constant(values []float64) bool {
	for _, v := range values[1:] {
		if v != values[0] {
			return false
		}
	}
	return true
}
