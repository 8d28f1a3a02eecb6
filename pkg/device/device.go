package device

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/justinsb/tiledispatch/pkg/tensor"
	"k8s.io/klog/v2"
)

// Grid is the rectangle of compute cores on one device.
type Grid struct {
	Rows int
	Cols int
}

func (g Grid) Cores() int {
	return g.Rows * g.Cols
}

func (g Grid) String() string {
	return fmt.Sprintf("%dx%d", g.Rows, g.Cols)
}

type Config struct {
	Grid Grid

	// L1BytesPerCore is the on-chip memory of each core. The device's L1 pool is the sum over all cores.
	L1BytesPerCore int64

	// DRAMBytes is the off-chip memory of the device.
	DRAMBytes int64

	// QueueDepth is how many commands may be outstanding before Enqueue blocks.
	QueueDepth int
}

func DefaultConfig() Config {
	return Config{
		Grid:           Grid{Rows: 8, Cols: 8},
		L1BytesPerCore: 1 << 20,
		DRAMBytes:      12 << 30,
		QueueDepth:     64,
	}
}

// Device is an open session on one accelerator. Close must be called to release it.
type Device struct {
	id     int
	config Config
	log    klog.Logger

	allocator *Allocator
	queue     *CommandQueue

	mutex  sync.Mutex
	live   map[tensor.ID]*tensor.Tensor
	closed bool
}

// Open starts a session on device id.
func Open(ctx context.Context, id int, config Config) (*Device, error) {
	if config.Grid.Cores() <= 0 {
		return nil, fmt.Errorf("device %d: invalid core grid %v", id, config.Grid)
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = 1
	}
	log := klog.FromContext(ctx).WithValues("device", id)

	d := &Device{
		id:     id,
		config: config,
		log:    log,
		allocator: NewAllocator(map[tensor.MemorySpace]int64{
			tensor.L1:   config.L1BytesPerCore * int64(config.Grid.Cores()),
			tensor.DRAM: config.DRAMBytes,
		}),
		queue: newCommandQueue(config.QueueDepth),
		live:  make(map[tensor.ID]*tensor.Tensor),
	}
	log.V(2).Info("opened device", "grid", config.Grid, "l1", d.allocator.Usage(tensor.L1).Capacity)
	return d, nil
}

// Close waits for outstanding work, frees anything still allocated and stops the queue.
func (d *Device) Close() error {
	d.mutex.Lock()
	if d.closed {
		d.mutex.Unlock()
		return nil
	}
	d.closed = true
	leaked := make([]*tensor.Tensor, 0, len(d.live))
	for _, t := range d.live {
		leaked = append(leaked, t)
	}
	d.live = make(map[tensor.ID]*tensor.Tensor)
	d.mutex.Unlock()

	err := d.queue.Finish(context.Background())
	for _, t := range leaked {
		d.log.Info("freeing tensor still allocated at close", "tensor", t)
		t.Buffer().Free()
		d.allocator.Return(t.Memory().Space, t.Bytes())
	}
	d.queue.close()
	return err
}

func (d *Device) ID() int          { return d.id }
func (d *Device) Grid() Grid       { return d.config.Grid }
func (d *Device) Config() Config   { return d.config }
func (d *Device) Log() klog.Logger { return d.log }

// Usage reports allocator accounting for space.
func (d *Device) Usage(space tensor.MemorySpace) Usage {
	return d.allocator.Usage(space)
}

// ResetPeak restarts peak-usage measurement.
func (d *Device) ResetPeak() {
	d.allocator.ResetPeak()
}

// Allocate reserves storage for spec. Allocation is accounted at issue time;
// the queue's ordering makes this safe against frees enqueued earlier.
func (d *Device) Allocate(spec tensor.Spec) (*tensor.Tensor, error) {
	if err := spec.Shape.Validate(); err != nil {
		return nil, err
	}
	if spec.Memory.Space == tensor.Host {
		return nil, fmt.Errorf("device %d cannot allocate %q in host memory", d.id, spec.Name)
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.closed {
		return nil, fmt.Errorf("device %d is closed", d.id)
	}

	bytes := spec.Bytes()
	if err := d.allocator.Reserve(spec.Memory.Space, bytes); err != nil {
		return nil, fmt.Errorf("device %d: tensor %q %v: %w", d.id, spec.Name, spec.Shape, err)
	}
	t := tensor.New(spec, d.id, tensor.NewBuffer(spec.Shape.Volume(), bytes))
	d.live[t.ID()] = t
	d.log.V(4).Info("allocated tensor", "tensor", t, "bytes", bytes)
	return t, nil
}

// Deallocate releases t. The storage is freed after every previously enqueued command has run.
func (d *Device) Deallocate(t *tensor.Tensor) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, found := d.live[t.ID()]; !found {
		return fmt.Errorf("device %d: tensor %d (%s) is not allocated here", d.id, t.ID(), t.Name())
	}
	delete(d.live, t.ID())
	d.allocator.Return(t.Memory().Space, t.Bytes())

	buffer := t.Buffer()
	if _, err := d.queue.Enqueue(Command{Name: "free " + t.Name(), Run: func() error {
		buffer.Free()
		return nil
	}}); err != nil {
		return fmt.Errorf("device %d: freeing %q: %w", d.id, t.Name(), err)
	}
	d.log.V(4).Info("deallocated tensor", "tensor", t)
	return nil
}

// Holds reports whether t is allocated on this device and not yet deallocated.
func (d *Device) Holds(t *tensor.Tensor) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	_, found := d.live[t.ID()]
	return found
}

// Enqueue schedules run on the device queue without waiting for it.
func (d *Device) Enqueue(name string, run func() error) (*Event, error) {
	event, err := d.queue.Enqueue(Command{Name: name, Run: run})
	if err != nil {
		return nil, fmt.Errorf("device %d: enqueueing %q: %w", d.id, name, err)
	}
	return event, nil
}

// Finish blocks until all enqueued work has executed, returning the first failure.
func (d *Device) Finish(ctx context.Context) error {
	if err := d.queue.Finish(ctx); err != nil {
		return fmt.Errorf("device %d: %w", d.id, err)
	}
	return nil
}

// WriteTensor copies a host tensor onto the device with the given placement.
func (d *Device) WriteTensor(host *tensor.Tensor, spec tensor.Spec) (*tensor.Tensor, error) {
	if !spec.Shape.Equal(host.Shape()) {
		return nil, fmt.Errorf("writing %v host tensor into %v device tensor", host.Shape(), spec.Shape)
	}
	values, err := host.Values()
	if err != nil {
		return nil, err
	}
	t, err := d.Allocate(spec)
	if err != nil {
		return nil, err
	}
	buffer := t.Buffer()
	if _, err := d.Enqueue("write "+spec.Name, func() error {
		return buffer.Store(values, spec.DType)
	}); err != nil {
		return nil, err
	}
	return t, nil
}

// ReadTensor waits for outstanding work and copies t back to the host.
func (d *Device) ReadTensor(ctx context.Context, t *tensor.Tensor) (*tensor.Tensor, error) {
	if t.Owner() != d.id {
		return nil, fmt.Errorf("device %d: tensor %q is owned by %d", d.id, t.Name(), t.Owner())
	}
	if err := d.Finish(ctx); err != nil {
		return nil, err
	}
	values, err := t.Values()
	if err != nil {
		return nil, err
	}
	return tensor.FromValues(t.Name(), t.Shape(), t.DType(), values)
}

// LiveTensors lists tensors allocated on this device and not yet deallocated, ordered by ID.
func (d *Device) LiveTensors() []*tensor.Tensor {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	out := make([]*tensor.Tensor, 0, len(d.live))
	for _, t := range d.live {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *tensor.Tensor) int {
		return int(a.ID() - b.ID())
	})
	return out
}
