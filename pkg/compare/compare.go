// Package compare checks device results against golden tensors.
//
// The similarity score is a Pearson correlation that stays defined for degenerate
// inputs (all NaN, all zero, constant, single element); see Score for the case table.
package compare

import (
	"fmt"
	"math"

	"github.com/justinsb/tiledispatch/pkg/engine"
	"github.com/justinsb/tiledispatch/pkg/tensor"
	"k8s.io/klog/v2"
)

// Mode selects which checks decide whether a comparison passes.
type Mode int

const (
	// ModeEqual requires exact elementwise equality.
	ModeEqual Mode = iota
	// ModeAllClose requires |golden - calculated| <= atol + rtol * |calculated| everywhere, NaN matching NaN.
	ModeAllClose
	// ModePCC requires the similarity score to reach the threshold.
	ModePCC
	// ModeAllCloseAndPCC requires both ModeAllClose and ModePCC to pass.
	ModeAllCloseAndPCC
)

func (m Mode) String() string {
	switch m {
	case ModeEqual:
		return "equal"
	case ModeAllClose:
		return "allclose"
	case ModePCC:
		return "pcc"
	case ModeAllCloseAndPCC:
		return "allclose-and-pcc"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "equal":
		return ModeEqual, nil
	case "allclose":
		return ModeAllClose, nil
	case "pcc":
		return ModePCC, nil
	case "allclose-and-pcc":
		return ModeAllCloseAndPCC, nil
	}
	return 0, fmt.Errorf("unknown comparison mode %q", s)
}

// Options are the tolerances of a comparison.
type Options struct {
	RTol float64
	ATol float64
	// PCC is the minimum similarity score.
	PCC float64
}

func DefaultOptions() Options {
	return Options{
		RTol: 1e-05,
		ATol: 1e-08,
		PCC:  0.99,
	}
}

// Result is the outcome of one comparison.
type Result struct {
	// ATol is the largest elementwise absolute difference.
	ATol float64
	// RTol is the largest elementwise |difference| / |calculated|.
	RTol float64
	// PCC is the similarity score, always in [-1, 1].
	PCC float64
	// Case says how the similarity score was derived.
	Case Case

	Passed  bool
	Summary string
}

// Compare checks calculated against golden. Calculated is first rounded to golden's dtype.
// Errors are only returned for unusable inputs (mismatched shapes, released storage);
// numerically degenerate inputs always produce a result.
func Compare(golden, calculated *tensor.Tensor, mode Mode, opts Options) (Result, error) {
	if !golden.Shape().Equal(calculated.Shape()) {
		return Result{}, fmt.Errorf("comparing golden %v with calculated %v: shapes differ: %w", golden.Shape(), calculated.Shape(), engine.ErrShapeMismatch)
	}
	g, err := golden.Values()
	if err != nil {
		return Result{}, fmt.Errorf("reading golden: %w", err)
	}
	c, err := calculated.Values()
	if err != nil {
		return Result{}, fmt.Errorf("reading calculated: %w", err)
	}
	if golden.DType() != calculated.DType() {
		golden.DType().Round(c)
	}
	return CompareValues(g, c, mode, opts)
}

// CompareValues checks flattened calculated values against golden values.
func CompareValues(golden, calculated []float32, mode Mode, opts Options) (Result, error) {
	if len(golden) != len(calculated) {
		return Result{}, fmt.Errorf("comparing %d golden values with %d calculated values", len(golden), len(calculated))
	}
	r := Result{}
	r.ATol, r.RTol = Deltas(golden, calculated)
	r.PCC, r.Case = Score(golden, calculated)
	r.Summary = fmt.Sprintf("Max ATOL Delta: %v, Max RTOL Delta: %v, PCC: %v", r.ATol, r.RTol, r.PCC)
	if r.Case.Degenerate() {
		r.Summary += fmt.Sprintf(" (%s)", r.Case)
	}

	switch mode {
	case ModeEqual:
		r.Passed = equal(golden, calculated)
	case ModeAllClose:
		r.Passed = allClose(golden, calculated, opts.RTol, opts.ATol)
	case ModePCC:
		r.Passed = r.PCC >= opts.PCC
	case ModeAllCloseAndPCC:
		r.Passed = allClose(golden, calculated, opts.RTol, opts.ATol) && r.PCC >= opts.PCC
	default:
		return Result{}, fmt.Errorf("unknown comparison mode %v", mode)
	}
	return r, nil
}

// Equal reports whether calculated exactly matches golden.
func Equal(golden, calculated *tensor.Tensor) (bool, string) {
	return check(golden, calculated, ModeEqual, DefaultOptions())
}

// AllClose reports whether calculated is elementwise within rtol and atol of golden.
func AllClose(golden, calculated *tensor.Tensor, rtol, atol float64) (bool, string) {
	opts := DefaultOptions()
	opts.RTol, opts.ATol = rtol, atol
	return check(golden, calculated, ModeAllClose, opts)
}

// PCC reports whether the similarity score of calculated and golden reaches pcc.
func PCC(golden, calculated *tensor.Tensor, pcc float64) (bool, string) {
	opts := DefaultOptions()
	opts.PCC = pcc
	return check(golden, calculated, ModePCC, opts)
}

// AllCloseAndPCC requires both the elementwise tolerance check and the similarity threshold.
func AllCloseAndPCC(golden, calculated *tensor.Tensor, rtol, atol, pcc float64) (bool, string) {
	return check(golden, calculated, ModeAllCloseAndPCC, Options{RTol: rtol, ATol: atol, PCC: pcc})
}

func check(golden, calculated *tensor.Tensor, mode Mode, opts Options) (bool, string) {
	r, err := Compare(golden, calculated, mode, opts)
	if err != nil {
		return false, err.Error()
	}
	return r.Passed, r.Summary
}

// Deltas returns the largest absolute difference and the largest difference relative to calculated.
//
// NaN at the same position in both, and equal infinities, count as no difference; NaN in only one
// of them, or mismatched infinities, count as an infinite difference. A nonzero difference at a
// zero calculated element has an infinite relative difference; zero over zero is zero.
func Deltas(golden, calculated []float32) (float64, float64) {
	maxAbs, maxRel := 0.0, 0.0
	for i := range golden {
		g, c := float64(golden[i]), float64(calculated[i])
		diff := absDiff(g, c)
		maxAbs = math.Max(maxAbs, diff)

		var rel float64
		switch {
		case diff == 0:
			rel = 0
		case c == 0 || math.IsInf(diff, 0) || math.IsNaN(c):
			rel = math.Inf(1)
		default:
			rel = diff / math.Abs(c)
		}
		maxRel = math.Max(maxRel, rel)
	}
	return maxAbs, maxRel
}

func absDiff(g, c float64) float64 {
	gNaN, cNaN := math.IsNaN(g), math.IsNaN(c)
	switch {
	case gNaN && cNaN:
		return 0
	case gNaN || cNaN:
		return math.Inf(1)
	case g == c:
		// Also covers equal infinities.
		return 0
	default:
		return math.Abs(g - c)
	}
}

func equal(golden, calculated []float32) bool {
	for i := range golden {
		if golden[i] != calculated[i] {
			return false
		}
	}
	return true
}

func allClose(golden, calculated []float32, rtol, atol float64) bool {
	for i := range golden {
		g, c := float64(golden[i]), float64(calculated[i])
		if math.IsNaN(g) || math.IsNaN(c) {
			if math.IsNaN(g) && math.IsNaN(c) {
				continue
			}
			return false
		}
		if g == c {
			continue
		}
		if math.IsInf(g, 0) || math.IsInf(c, 0) {
			return false
		}
		if math.Abs(g-c) > atol+rtol*math.Abs(c) {
			return false
		}
	}
	return true
}

func logDegenerate(c Case) {
	switch c {
	case CaseBothNaN, CaseOneAllZero:
		klog.Warningf("similarity score: %s", c)
	case CaseOneNaN:
		klog.Errorf("similarity score: %s", c)
	}
}
