package device

import (
	"context"
	"errors"
	"testing"

	"github.com/justinsb/tiledispatch/pkg/tensor"
)

func smallConfig() Config {
	return Config{
		Grid:           Grid{Rows: 1, Cols: 2},
		L1BytesPerCore: 2048,
		DRAMBytes:      1 << 20,
		QueueDepth:     4,
	}
}

func openDevice(t *testing.T, config Config) *Device {
	t.Helper()
	d, err := Open(context.Background(), 0, config)
	if err != nil {
		t.Fatalf("failed to open device: %v", err)
	}
	t.Cleanup(func() {
		if err := d.Close(); err != nil {
			t.Errorf("failed to close device: %v", err)
		}
	})
	return d
}

func l1Spec(name string) tensor.Spec {
	// One bfloat16 tile is 2048 bytes.
	return tensor.Spec{Name: name, Shape: tensor.Shape{32, 32}, DType: tensor.BFloat16, Layout: tensor.Tile, Memory: tensor.L1Interleaved}
}

func TestAllocateBeyondCapacity(t *testing.T) {
	d := openDevice(t, smallConfig())

	a, err := d.Allocate(l1Spec("a"))
	if err != nil {
		t.Fatalf("allocating a: %v", err)
	}
	b, err := d.Allocate(l1Spec("b"))
	if err != nil {
		t.Fatalf("allocating b: %v", err)
	}
	if _, err := d.Allocate(l1Spec("c")); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}

	if err := d.Deallocate(a); err != nil {
		t.Fatalf("deallocating a: %v", err)
	}
	c, err := d.Allocate(l1Spec("c"))
	if err != nil {
		t.Fatalf("allocating c after release: %v", err)
	}

	usage := d.Usage(tensor.L1)
	if usage.InUse != 4096 || usage.Peak != 4096 || usage.Capacity != 4096 {
		t.Errorf("unexpected usage %v", usage)
	}

	for _, x := range []*tensor.Tensor{b, c} {
		if err := d.Deallocate(x); err != nil {
			t.Fatalf("deallocating %s: %v", x.Name(), err)
		}
	}
	if live := d.LiveTensors(); len(live) != 0 {
		t.Errorf("expected no live tensors, got %v", live)
	}
}

func TestDeallocateTwice(t *testing.T) {
	d := openDevice(t, smallConfig())
	a, err := d.Allocate(l1Spec("a"))
	if err != nil {
		t.Fatalf("allocating a: %v", err)
	}
	if !d.Holds(a) {
		t.Errorf("device should hold a after allocation")
	}
	if err := d.Deallocate(a); err != nil {
		t.Fatalf("deallocating a: %v", err)
	}
	if d.Holds(a) {
		t.Errorf("device still holds a after deallocation")
	}
	if err := d.Deallocate(a); err == nil {
		t.Errorf("expected error deallocating twice")
	}
}

func TestQueueRunsInOrder(t *testing.T) {
	ctx := context.Background()
	d := openDevice(t, smallConfig())

	var order []int
	for i := 0; i < 10; i++ {
		i := i // per-iteration copy (go.mod is go 1.21)
		if _, err := d.Enqueue("step", func() error {
			order = append(order, i)
			return nil
		}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	if err := d.Finish(ctx); err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("commands ran out of order: %v", order)
		}
	}
}

func TestQueueFailureSkipsLaterCommands(t *testing.T) {
	ctx := context.Background()
	d, err := Open(ctx, 3, smallConfig())
	if err != nil {
		t.Fatalf("failed to open device: %v", err)
	}

	boom := errors.New("boom")
	if _, err := d.Enqueue("fails", func() error { return boom }); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	ran := false
	event, err := d.Enqueue("after", func() error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := event.Wait(ctx); !errors.Is(err, boom) {
		t.Errorf("expected skipped command to report boom, got %v", err)
	}
	if ran {
		t.Errorf("command after failure should not run")
	}
	if err := d.Finish(ctx); !errors.Is(err, boom) {
		t.Errorf("expected finish to report boom, got %v", err)
	}
	if err := d.Close(); !errors.Is(err, boom) {
		t.Errorf("expected close to report boom, got %v", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := openDevice(t, smallConfig())

	host, err := tensor.FromValues("x", tensor.Shape{1, 4}, tensor.Float32, []float32{1, 2, 3, 4.001})
	if err != nil {
		t.Fatalf("FromValues failed: %v", err)
	}
	spec := host.Spec()
	spec.DType = tensor.BFloat16
	spec.Layout = tensor.Tile
	spec.Memory = tensor.DRAMInterleaved
	onDevice, err := d.WriteTensor(host, spec)
	if err != nil {
		t.Fatalf("WriteTensor failed: %v", err)
	}
	back, err := d.ReadTensor(ctx, onDevice)
	if err != nil {
		t.Fatalf("ReadTensor failed: %v", err)
	}
	values, err := back.Values()
	if err != nil {
		t.Fatalf("Values failed: %v", err)
	}
	expected := []float32{1, 2, 3, 4}
	for i := range expected {
		if values[i] != expected[i] {
			t.Errorf("expected %v, got %v", expected, values)
			break
		}
	}
	if err := d.Deallocate(onDevice); err != nil {
		t.Fatalf("Deallocate failed: %v", err)
	}
	if err := d.Finish(ctx); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if _, err := onDevice.Values(); !errors.Is(err, tensor.ErrReleased) {
		t.Errorf("expected released storage, got %v", err)
	}
}

func TestCloseFreesLeaks(t *testing.T) {
	d, err := Open(context.Background(), 0, smallConfig())
	if err != nil {
		t.Fatalf("failed to open device: %v", err)
	}
	a, err := d.Allocate(l1Spec("a"))
	if err != nil {
		t.Fatalf("allocating a: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !a.Released() {
		t.Errorf("expected leaked tensor to be freed at close")
	}
	if usage := d.Usage(tensor.L1); usage.InUse != 0 {
		t.Errorf("expected no L1 in use after close, got %v", usage)
	}
	if _, err := d.Allocate(l1Spec("b")); err == nil {
		t.Errorf("expected allocation on closed device to fail")
	}
}

func TestOpenGroup(t *testing.T) {
	config := DefaultGroupConfig(3)
	config.Device = smallConfig()
	g, err := OpenGroup(context.Background(), config)
	if err != nil {
		t.Fatalf("OpenGroup failed: %v", err)
	}
	defer g.Close()

	if g.Size() != 3 || g.Topology() != Linear {
		t.Fatalf("unexpected group size=%d topology=%v", g.Size(), g.Topology())
	}
	for i, d := range g.Devices() {
		if d.ID() != i {
			t.Errorf("device %d has ID %d", i, d.ID())
		}
	}
	if _, err := OpenGroup(context.Background(), DefaultGroupConfig(0)); err == nil {
		t.Errorf("expected empty group to be rejected")
	}
}
