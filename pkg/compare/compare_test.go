package compare

import (
	"math"
	"strings"
	"testing"

	"github.com/justinsb/tiledispatch/pkg/tensor"
)

var nan = float32(math.NaN())
var inf = float32(math.Inf(1))

func TestScore(t *testing.T) {
	grid := []struct {
		name       string
		golden     []float32
		calculated []float32
		want       float64
		wantCase   Case
	}{
		{"self", []float32{1, 2, 3, 5}, []float32{1, 2, 3, 5}, 1, CaseIdentical},
		{"both nan", []float32{nan, nan}, []float32{nan, nan}, 1, CaseBothNaN},
		{"golden nan", []float32{nan, nan}, []float32{1, 2}, 0, CaseOneNaN},
		{"calculated nan", []float32{1, 2}, []float32{nan, nan}, 0, CaseOneNaN},
		{"golden zero", []float32{0, 0, 0}, []float32{0, 1, 0}, 0, CaseOneAllZero},
		{"both zero", []float32{0, 0}, []float32{0, 0}, 1, CaseIdentical},
		{"single equal", []float32{3}, []float32{3}, 1, CaseIdentical},
		{"single different", []float32{3}, []float32{4}, 0, CaseSingleElement},
		{"constants differ", []float32{2, 2, 2}, []float32{3, 3, 3}, 0, CaseConstant},
		{"one constant", []float32{2, 2, 2}, []float32{1, 2, 3}, 0, CaseConstant},
		{"anticorrelated", []float32{1, 2, 3}, []float32{3, 2, 1}, -1, CaseCorrelation},
		{"scaled", []float32{1, 2, 3, 4}, []float32{2, 4, 6, 8}, 1, CaseCorrelation},
		{"non-finite masked", []float32{1, inf, 3, nan}, []float32{1, 0, 3, 0}, 1, CaseIdentical},
	}

	for _, g := range grid {
		t.Run(g.name, func(t *testing.T) {
			got, c := Score(g.golden, g.calculated)
			if math.Abs(got-g.want) > 1e-12 {
				t.Errorf("score %v, want %v", got, g.want)
			}
			if c != g.wantCase {
				t.Errorf("case %v, want %v", c, g.wantCase)
			}
			if math.IsNaN(got) || got < -1 || got > 1 {
				t.Errorf("score %v out of range", got)
			}
		})
	}
}

func TestDeltas(t *testing.T) {
	grid := []struct {
		name       string
		golden     []float32
		calculated []float32
		atol, rtol float64
	}{
		{"equal", []float32{1, 2}, []float32{1, 2}, 0, 0},
		{"difference", []float32{1, 2}, []float32{1, 4}, 2, 0.5},
		{"zero calculated", []float32{1, 2}, []float32{0, 2}, 1, math.Inf(1)},
		{"zero over zero", []float32{0, 2}, []float32{0, 2}, 0, 0},
		{"nan in both", []float32{nan, 1}, []float32{nan, 1}, 0, 0},
		{"nan in one", []float32{nan, 1}, []float32{1, 1}, math.Inf(1), math.Inf(1)},
		{"equal infinities", []float32{inf, 1}, []float32{inf, 1}, 0, 0},
	}

	for _, g := range grid {
		t.Run(g.name, func(t *testing.T) {
			atol, rtol := Deltas(g.golden, g.calculated)
			if atol != g.atol || rtol != g.rtol {
				t.Errorf("deltas (%v, %v), want (%v, %v)", atol, rtol, g.atol, g.rtol)
			}
		})
	}
}

func hostTensor(t *testing.T, dtype tensor.DType, values ...float32) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromValues("x", tensor.Shape{1, len(values)}, dtype, values)
	if err != nil {
		t.Fatalf("FromValues failed: %v", err)
	}
	return x
}

func ramp(n int) []float32 {
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(i + 1)
	}
	return values
}

func TestClosenessGateDominates(t *testing.T) {
	golden := ramp(1000)
	calculated := ramp(1000)
	calculated[500] += 5

	g := hostTensor(t, tensor.Float32, golden...)
	c := hostTensor(t, tensor.Float32, calculated...)

	if passed, summary := PCC(g, c, 0.99); !passed {
		t.Fatalf("score should still pass: %s", summary)
	}
	if passed, summary := AllCloseAndPCC(g, c, 1e-5, 1e-8, 0.99); passed {
		t.Errorf("combined check passed despite an element outside tolerance: %s", summary)
	}
	if passed, _ := AllClose(g, c, 1e-5, 1e-8); passed {
		t.Errorf("allclose passed despite an element outside tolerance")
	}
}

func TestEntryPoints(t *testing.T) {
	g := hostTensor(t, tensor.Float32, 1, 2, 3, nan)
	same := hostTensor(t, tensor.Float32, 1, 2, 3, nan)
	near := hostTensor(t, tensor.Float32, 1, 2, 3.0000001, nan)

	if passed, _ := Equal(g, g); passed {
		t.Errorf("exact equality must not match NaN with NaN")
	}
	if passed, summary := AllClose(g, same, 1e-5, 1e-8); !passed {
		t.Errorf("allclose should treat NaN as matching NaN: %s", summary)
	}
	if passed, summary := AllCloseAndPCC(g, near, 1e-5, 1e-8, 0.99); !passed {
		t.Errorf("combined check failed: %s", summary)
	}

	passed, summary := PCC(g, hostTensor(t, tensor.Float32, 1, 2), 0.99)
	if passed || !strings.Contains(summary, "shapes differ") {
		t.Errorf("shape mismatch: passed=%v summary=%q", passed, summary)
	}
}

func TestSummaryFormat(t *testing.T) {
	g := hostTensor(t, tensor.Float32, 1, 2)
	c := hostTensor(t, tensor.Float32, 1, 4)
	_, summary := PCC(g, c, 0.99)
	if !strings.HasPrefix(summary, "Max ATOL Delta: 2, Max RTOL Delta: 0.5, PCC: 1") {
		t.Errorf("unexpected summary %q", summary)
	}
}

func TestCalculatedConvertedToGoldenDType(t *testing.T) {
	g := hostTensor(t, tensor.BFloat16, 1.5, 2.25)
	// 1.5 + 2^-12 rounds to 1.5 in bfloat16.
	c := hostTensor(t, tensor.Float32, 1.5+1.0/4096, 2.25)

	r, err := Compare(g, c, ModeEqual, DefaultOptions())
	if err != nil {
		t.Fatalf("Compare failed: %v", err)
	}
	if !r.Passed {
		t.Errorf("calculated should equal golden after conversion: %s", r.Summary)
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeEqual, ModeAllClose, ModePCC, ModeAllCloseAndPCC} {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseMode(%q) = %v, %v", m.String(), got, err)
		}
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Errorf("expected error for unknown mode")
	}
}
