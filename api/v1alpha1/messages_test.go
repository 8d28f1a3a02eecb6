package v1alpha1

import (
	"math"
	"math/rand"
	"testing"

	"github.com/justinsb/tiledispatch/pkg/tensor"
)

func randomTensor(t *testing.T, r *rand.Rand, name string, shape tensor.Shape) *tensor.Tensor {
	t.Helper()
	values := make([]float32, shape.Volume())
	for i := range values {
		values[i] = r.Float32()*2 - 1
	}
	x, err := tensor.FromValues(name, shape, tensor.Float32, values)
	if err != nil {
		t.Fatalf("FromValues failed: %v", err)
	}
	return x
}

func TestMessageRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	req := &ForwardRequest{
		NumDevices:  2,
		Mode:        "decode",
		Input:       randomTensor(t, r, "x", tensor.Shape{1, 1, 32, 64}),
		Up:          randomTensor(t, r, "up", tensor.Shape{64, 128}),
		Down:        randomTensor(t, r, "down", tensor.Shape{128, 64}),
		Activation:  "gelu",
		NonGated:    true,
		WeightDType: "bfloat16",
	}

	b, err := Codec{}.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got := &ForwardRequest{}
	if err := (Codec{}).Unmarshal(b, got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.NumDevices != 2 || got.Mode != "decode" || got.Activation != "gelu" || !got.NonGated || got.WeightDType != "bfloat16" {
		t.Errorf("scalar fields not preserved: %+v", got)
	}
	if got.UpBias != nil || got.DownBias != nil {
		t.Errorf("absent biases decoded as %v, %v", got.UpBias, got.DownBias)
	}
	if !got.Down.Shape().Equal(req.Down.Shape()) {
		t.Errorf("down shape %v, want %v", got.Down.Shape(), req.Down.Shape())
	}
	want, _ := req.Input.Values()
	values, err := got.Input.Values()
	if err != nil {
		t.Fatalf("Values failed: %v", err)
	}
	for i := range want {
		if values[i] != want[i] {
			t.Fatalf("input[%d] = %v, want %v", i, values[i], want[i])
		}
	}

	resp := &CompareResponse{RTol: math.Inf(1), Case: "one tensor is all zero"}
	b, err = resp.MarshalWire()
	if err != nil {
		t.Fatalf("MarshalWire failed: %v", err)
	}
	gotResp := &CompareResponse{Passed: true}
	if err := gotResp.UnmarshalWire(b); err != nil {
		t.Fatalf("UnmarshalWire failed: %v", err)
	}
	if *gotResp != *resp {
		t.Errorf("got %+v, want %+v", gotResp, resp)
	}
}

func TestCodecRejectsOtherTypes(t *testing.T) {
	if _, err := (Codec{}).Marshal(42); err == nil {
		t.Errorf("expected error marshalling an int")
	}
}
