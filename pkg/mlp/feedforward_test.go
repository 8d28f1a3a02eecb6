package mlp

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/justinsb/tiledispatch/pkg/compare"
	"github.com/justinsb/tiledispatch/pkg/device"
	"github.com/justinsb/tiledispatch/pkg/engine"
	"github.com/justinsb/tiledispatch/pkg/placement"
	"github.com/justinsb/tiledispatch/pkg/reference"
	"github.com/justinsb/tiledispatch/pkg/tensor"
)

const (
	testDim    = 64
	testHidden = 128
)

func testDeviceConfig() device.Config {
	return device.Config{
		Grid:           device.Grid{Rows: 2, Cols: 4},
		L1BytesPerCore: 1 << 20,
		DRAMBytes:      1 << 30,
		QueueDepth:     16,
	}
}

func openGroup(t *testing.T, n int, cfg device.Config) *device.Group {
	t.Helper()
	gc := device.DefaultGroupConfig(n)
	gc.Device = cfg
	g, err := device.OpenGroup(context.Background(), gc)
	if err != nil {
		t.Fatalf("OpenGroup failed: %v", err)
	}
	t.Cleanup(func() {
		if err := g.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return g
}

func randomTensor(t *testing.T, r *rand.Rand, name string, shape tensor.Shape, scale float32) *tensor.Tensor {
	t.Helper()
	values := make([]float32, shape.Volume())
	for i := range values {
		values[i] = (r.Float32()*2 - 1) * scale
	}
	x, err := tensor.FromValues(name, shape, tensor.Float32, values)
	if err != nil {
		t.Fatalf("FromValues failed: %v", err)
	}
	return x
}

func randomWeights(t *testing.T, cfg Config, withBias bool) Weights {
	t.Helper()
	r := rand.New(rand.NewSource(42))
	w := Weights{
		Gate: randomTensor(t, r, "gate", tensor.Shape{cfg.Dim, cfg.HiddenDim}, 0.25),
		Up:   randomTensor(t, r, "up", tensor.Shape{cfg.Dim, cfg.HiddenDim}, 0.25),
		Down: randomTensor(t, r, "down", tensor.Shape{cfg.HiddenDim, cfg.Dim}, 0.25),
	}
	if withBias {
		w.UpBias = randomTensor(t, r, "up_bias", tensor.Shape{cfg.HiddenDim}, 0.5)
		w.DownBias = randomTensor(t, r, "down_bias", tensor.Shape{cfg.Dim}, 0.5)
	}
	return w
}

type harness struct {
	group   *device.Group
	config  Config
	weights Weights
	ff      *FeedForward
}

func newHarness(t *testing.T, devices int, devCfg device.Config, cfg Config, withBias bool) *harness {
	t.Helper()
	ctx := context.Background()
	g := openGroup(t, devices, devCfg)
	w := randomWeights(t, cfg, withBias)
	shards, err := ShardWeights(ctx, g, w, cfg)
	if err != nil {
		t.Fatalf("ShardWeights failed: %v", err)
	}
	ff, err := New(g, cfg, shards)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &harness{group: g, config: cfg, weights: w, ff: ff}
}

func (h *harness) golden(t *testing.T, x *tensor.Tensor) *tensor.Tensor {
	t.Helper()
	ref := &reference.FeedForward{
		Gate:       h.weights.Gate,
		Up:         h.weights.Up,
		Down:       h.weights.Down,
		UpBias:     h.weights.UpBias,
		DownBias:   h.weights.DownBias,
		Activation: h.config.Activation,
		Gated:      h.config.Gated,
	}
	y, err := ref.Forward(x)
	if err != nil {
		t.Fatalf("reference Forward failed: %v", err)
	}
	return y
}

func (h *harness) forward(t *testing.T, x *tensor.Tensor, mode placement.Mode) *Result {
	t.Helper()
	inputs, err := WriteInput(h.group, x)
	if err != nil {
		t.Fatalf("WriteInput failed: %v", err)
	}
	result, err := h.ff.Forward(context.Background(), inputs, mode)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	return result
}

// checkOutputs reads every device's output and compares it with the host reference.
func (h *harness) checkOutputs(t *testing.T, x *tensor.Tensor, result *Result) {
	t.Helper()
	golden := h.golden(t, x)
	for i, out := range result.Outputs {
		if got, want := out.Shape(), golden.Shape(); !got.Equal(want) {
			t.Fatalf("device %d output shape %v, want %v", i, got, want)
		}
		calculated, err := h.group.Device(i).ReadTensor(context.Background(), out)
		if err != nil {
			t.Fatalf("ReadTensor failed: %v", err)
		}
		if passed, summary := compare.PCC(golden, calculated, 0.99); !passed {
			t.Errorf("device %d output does not match reference: %s", i, summary)
		}
	}
}

// checkNoLeaks verifies that only weights and outputs remain allocated.
func (h *harness) checkNoLeaks(t *testing.T, result *Result) {
	t.Helper()
	for i, d := range h.group.Devices() {
		want := map[tensor.ID]bool{}
		for _, w := range h.ff.weights[i].tensors() {
			want[w.ID()] = true
		}
		if result != nil {
			want[result.Outputs[i].ID()] = true
		}
		live := d.LiveTensors()
		for _, l := range live {
			if !want[l.ID()] {
				t.Errorf("device %d: tensor %v leaked", i, l)
			}
		}
		if len(live) != len(want) {
			t.Errorf("device %d: %d tensors allocated, want %d", i, len(live), len(want))
		}
	}
}

func TestDecodePlacement(t *testing.T) {
	h := newHarness(t, 1, testDeviceConfig(), DefaultConfig(testDim, testHidden), false)
	x := randomTensor(t, rand.New(rand.NewSource(1)), "x", tensor.Shape{1, 1, 32, testDim}, 1)

	result := h.forward(t, x, placement.Decode)
	if result.Strategy != placement.DecodeSharded {
		t.Errorf("strategy %v, want %v", result.Strategy, placement.DecodeSharded)
	}
	if result.Reduced {
		t.Errorf("single device result should not be reduced")
	}

	var ops []engine.NodeID
	var lives []int
	for _, step := range result.Steps {
		ops = append(ops, step.Op)
		lives = append(lives, step.Live)
		switch step.Op {
		case nodeInput:
		case nodeOutput:
			if step.Memory != tensor.L1Interleaved {
				t.Errorf("output placed in %v, want %v", step.Memory, tensor.L1Interleaved)
			}
		default:
			if step.Memory != tensor.L1WidthSharded {
				t.Errorf("%s placed in %v, want %v", step.Op, step.Memory, tensor.L1WidthSharded)
			}
		}
		if step.Op == nodeMultiply && step.DType != tensor.BFloat8B {
			t.Errorf("multiply output dtype %v, want %v", step.DType, tensor.BFloat8B)
		}
	}
	wantOps := []engine.NodeID{nodeInput, nodeConverted, nodeGate, nodeUp, nodeMultiply, nodeDown, nodeOutput}
	wantLives := []int{1, 1, 2, 2, 1, 1, 1}
	if len(ops) != len(wantOps) {
		t.Fatalf("issued %v, want %v", ops, wantOps)
	}
	for i := range wantOps {
		if ops[i] != wantOps[i] || lives[i] != wantLives[i] {
			t.Errorf("step %d: issued %s with %d live, want %s with %d live", i, ops[i], lives[i], wantOps[i], wantLives[i])
		}
	}

	h.checkOutputs(t, x, result)
	h.checkNoLeaks(t, result)
}

func TestPrefillStrategies(t *testing.T) {
	grid := []struct {
		seqLen   int
		strategy placement.Strategy
		ops      []engine.NodeID
	}{
		{
			seqLen:   128,
			strategy: placement.PrefillExact,
			ops:      []engine.NodeID{nodeInput, nodeGate, nodeUp, nodeMultiply, nodeDown},
		},
		{
			seqLen:   1024,
			strategy: placement.PrefillChunked,
			ops:      []engine.NodeID{nodeInput, nodeGate, nodeUp, nodeMultiply, nodeDown},
		},
		{
			seqLen:   4096,
			strategy: placement.PrefillChunked,
			ops:      []engine.NodeID{nodeInput, nodeConverted, nodeGate, nodeUp, nodeMultiply, nodeDown, nodeOutput},
		},
	}

	for _, g := range grid {
		t.Run(g.strategy.String(), func(t *testing.T) {
			h := newHarness(t, 1, testDeviceConfig(), DefaultConfig(testDim, testHidden), false)
			x := randomTensor(t, rand.New(rand.NewSource(2)), "x", tensor.Shape{1, 1, g.seqLen, testDim}, 1)

			result := h.forward(t, x, placement.Prefill)
			if result.Strategy != g.strategy {
				t.Errorf("strategy %v, want %v", result.Strategy, g.strategy)
			}
			if len(result.Steps) != len(g.ops) {
				t.Fatalf("issued %d ops, want %v", len(result.Steps), g.ops)
			}
			for i, step := range result.Steps {
				if step.Op != g.ops[i] {
					t.Errorf("step %d: issued %s, want %s", i, step.Op, g.ops[i])
				}
				if step.Memory.Space != tensor.DRAM {
					t.Errorf("%s placed in %v, want DRAM", step.Op, step.Memory)
				}
				if step.Op == nodeDown && g.seqLen == 4096 {
					if want := (tensor.Shape{1, 4, 1024, testDim}); !step.Shape.Equal(want) {
						t.Errorf("chunked down projection has shape %v, want %v", step.Shape, want)
					}
				}
			}
			if last := result.Steps[len(result.Steps)-1]; last.Live != 1 {
				t.Errorf("%d tensors live after the final op, want 1", last.Live)
			}

			h.checkOutputs(t, x, result)
			h.checkNoLeaks(t, result)
		})
	}
}

func TestMultiDeviceSum(t *testing.T) {
	for _, mode := range []placement.Mode{placement.Decode, placement.Prefill} {
		t.Run(mode.String(), func(t *testing.T) {
			h := newHarness(t, 2, testDeviceConfig(), DefaultConfig(testDim, testHidden), true)
			x := randomTensor(t, rand.New(rand.NewSource(3)), "x", tensor.Shape{1, 1, 32, testDim}, 1)

			result := h.forward(t, x, mode)
			if !result.Reduced {
				t.Errorf("multi-device result was not reduced")
			}
			if len(result.Outputs) != 2 {
				t.Fatalf("got %d outputs, want 2", len(result.Outputs))
			}
			h.checkOutputs(t, x, result)
			h.checkNoLeaks(t, result)
		})
	}
}

// A failed reduction may leave only some partials allocated; the rest must still be freed.
func TestReleaseHeldAfterPartialRelease(t *testing.T) {
	h := newHarness(t, 2, testDeviceConfig(), DefaultConfig(testDim, testHidden), false)
	partials := make([]*tensor.Tensor, 2)
	for i, d := range h.group.Devices() {
		p, err := d.Allocate(tensor.Spec{
			Name:   "partial",
			Shape:  tensor.Shape{1, 1, 32, testDim},
			DType:  tensor.BFloat16,
			Layout: tensor.Tile,
			Memory: tensor.DRAMInterleaved,
		})
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		partials[i] = p
	}
	if err := h.group.Device(1).Deallocate(partials[1]); err != nil {
		t.Fatalf("Deallocate failed: %v", err)
	}

	if err := h.ff.releaseHeld(partials); err != nil {
		t.Fatalf("releaseHeld failed: %v", err)
	}
	h.checkNoLeaks(t, nil)
}

func TestNonGated(t *testing.T) {
	cfg := DefaultConfig(testDim, testHidden)
	cfg.Gated = false
	cfg.Activation = engine.GELU
	h := newHarness(t, 1, testDeviceConfig(), cfg, true)
	x := randomTensor(t, rand.New(rand.NewSource(4)), "x", tensor.Shape{1, 1, 64, testDim}, 1)

	result := h.forward(t, x, placement.Prefill)
	for _, step := range result.Steps {
		if step.Op == nodeGate || step.Op == nodeMultiply {
			t.Errorf("non-gated block issued %s", step.Op)
		}
	}
	h.checkOutputs(t, x, result)
	h.checkNoLeaks(t, result)
}

func TestShapeMismatch(t *testing.T) {
	h := newHarness(t, 1, testDeviceConfig(), DefaultConfig(testDim, testHidden), false)
	x := randomTensor(t, rand.New(rand.NewSource(5)), "x", tensor.Shape{1, 1, 32, 96}, 1)

	inputs, err := WriteInput(h.group, x)
	if err != nil {
		t.Fatalf("WriteInput failed: %v", err)
	}
	if _, err := h.ff.Forward(context.Background(), inputs, placement.Prefill); !errors.Is(err, engine.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	h.checkNoLeaks(t, nil)
}

func TestUnsupportedSequenceLength(t *testing.T) {
	h := newHarness(t, 1, testDeviceConfig(), DefaultConfig(testDim, testHidden), false)

	grid := []struct {
		mode   placement.Mode
		seqLen int
	}{
		{placement.Decode, 64},
		{placement.Prefill, 1500},
		{placement.Prefill, 100},
	}
	for _, g := range grid {
		x := randomTensor(t, rand.New(rand.NewSource(6)), "x", tensor.Shape{1, 1, g.seqLen, testDim}, 1)
		inputs, err := WriteInput(h.group, x)
		if err != nil {
			t.Fatalf("WriteInput failed: %v", err)
		}
		if _, err := h.ff.Forward(context.Background(), inputs, g.mode); !errors.Is(err, engine.ErrUnsupportedConfiguration) {
			t.Errorf("%v seq %d: expected ErrUnsupportedConfiguration, got %v", g.mode, g.seqLen, err)
		}
	}
	h.checkNoLeaks(t, nil)
}

func TestResourceExhausted(t *testing.T) {
	devCfg := testDeviceConfig()
	devCfg.Grid = device.Grid{Rows: 2, Cols: 2}
	// 16KiB of L1: the converted input and the gate projection fit, the up projection does not.
	devCfg.L1BytesPerCore = 4096
	h := newHarness(t, 1, devCfg, DefaultConfig(testDim, testHidden), false)
	x := randomTensor(t, rand.New(rand.NewSource(7)), "x", tensor.Shape{1, 1, 32, testDim}, 1)

	inputs, err := WriteInput(h.group, x)
	if err != nil {
		t.Fatalf("WriteInput failed: %v", err)
	}
	if _, err := h.ff.Forward(context.Background(), inputs, placement.Decode); !errors.Is(err, engine.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	h.checkNoLeaks(t, nil)
	if usage := h.group.Device(0).Usage(tensor.L1); usage.InUse != 0 {
		t.Errorf("%d bytes of L1 still in use after failure", usage.InUse)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"dim": 256, "hidden_dim": 1024, "activation": "gelu", "gated": false, "weight_dtype": "bfloat16"}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Dim != 256 || cfg.HiddenDim != 1024 || cfg.Activation != engine.GELU || cfg.Gated || cfg.WeightDType != tensor.BFloat16 {
		t.Errorf("unexpected config %+v", cfg)
	}
	if cfg.Thresholds != placement.DefaultThresholds() {
		t.Errorf("thresholds %+v, want defaults", cfg.Thresholds)
	}

	if err := os.WriteFile(path, []byte(`{"dim": 0}`), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Errorf("expected error for zero dimensions")
	}
}
