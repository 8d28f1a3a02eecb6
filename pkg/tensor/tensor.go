package tensor

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	TileHeight = 32
	TileWidth  = 32
)

// HostOwner is the owner tag of tensors that live in host memory.
const HostOwner = -1

// ErrReleased is returned when reading a tensor whose storage was freed.
var ErrReleased = errors.New("tensor storage has been released")

// Layout is the element ordering of a tensor's storage.
type Layout int

const (
	RowMajor Layout = iota
	Tile
)

func (l Layout) String() string {
	switch l {
	case RowMajor:
		return "row-major"
	case Tile:
		return "tile"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// MemorySpace is where a tensor's storage lives.
type MemorySpace int

const (
	Host MemorySpace = iota
	// DRAM is the off-chip bulk memory of a device.
	DRAM
	// L1 is the on-chip, capacity-bounded fast memory of a device.
	L1
)

func (m MemorySpace) String() string {
	switch m {
	case Host:
		return "host"
	case DRAM:
		return "dram"
	case L1:
		return "l1"
	default:
		return fmt.Sprintf("MemorySpace(%d)", int(m))
	}
}

// BufferLayout says whether storage is split across cores or kept whole.
type BufferLayout int

const (
	Interleaved BufferLayout = iota
	WidthSharded
)

func (b BufferLayout) String() string {
	switch b {
	case Interleaved:
		return "interleaved"
	case WidthSharded:
		return "width-sharded"
	default:
		return fmt.Sprintf("BufferLayout(%d)", int(b))
	}
}

type MemoryConfig struct {
	Space  MemorySpace
	Layout BufferLayout
}

var (
	HostMemory       = MemoryConfig{Space: Host, Layout: Interleaved}
	DRAMInterleaved  = MemoryConfig{Space: DRAM, Layout: Interleaved}
	L1Interleaved    = MemoryConfig{Space: L1, Layout: Interleaved}
	L1WidthSharded   = MemoryConfig{Space: L1, Layout: WidthSharded}
	DRAMWidthSharded = MemoryConfig{Space: DRAM, Layout: WidthSharded}
)

func (m MemoryConfig) String() string {
	return m.Space.String() + "/" + m.Layout.String()
}

// Shape is an ordered list of positive dimensions.
type Shape []int

func (s Shape) Volume() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Clone() Shape {
	return slices.Clone(s)
}

func (s Shape) Equal(other Shape) bool {
	return slices.Equal(s, other)
}

// Dim returns dimension i, counting from the end when i is negative.
func (s Shape) Dim(i int) int {
	if i < 0 {
		i += len(s)
	}
	return s[i]
}

func (s Shape) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("invalid shape: no dimensions")
	}
	for i, dim := range s {
		if dim <= 0 {
			return fmt.Errorf("invalid shape %v: dimension %d has size %d, must be positive", s, i, dim)
		}
	}
	return nil
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// StorageBytes is the number of bytes needed to store a tensor of this shape.
// Tile layout pads the last two dimensions up to whole tiles.
func StorageBytes(shape Shape, dtype DType, layout Layout) int64 {
	if layout == RowMajor || len(shape) < 2 {
		return dtype.rowMajorBytes(int64(shape.Volume()))
	}
	h := int64(ceilDiv(shape.Dim(-2), TileHeight))
	w := int64(ceilDiv(shape.Dim(-1), TileWidth))
	batch := int64(shape.Volume() / (shape.Dim(-2) * shape.Dim(-1)))
	return batch * h * w * dtype.tileBytes()
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// ID identifies a tensor handle.
type ID int64

var lastID atomic.Int64

// NextID allocates a fresh tensor ID.
func NextID() ID {
	return ID(lastID.Add(1))
}

// Spec is everything about a tensor except its storage.
type Spec struct {
	Name   string
	Shape  Shape
	DType  DType
	Layout Layout
	Memory MemoryConfig
}

// Bytes is the storage requirement of the spec.
func (s Spec) Bytes() int64 {
	return StorageBytes(s.Shape, s.DType, s.Layout)
}

// Tensor is an immutable handle onto stored elements.
// Changing dtype, layout or memory placement always produces a new handle.
type Tensor struct {
	id     ID
	spec   Spec
	owner  int
	buffer *Buffer
}

// New wraps buffer in a tensor handle. The spec's shape is copied.
func New(spec Spec, owner int, buffer *Buffer) *Tensor {
	spec.Shape = spec.Shape.Clone()
	return &Tensor{
		id:     NextID(),
		spec:   spec,
		owner:  owner,
		buffer: buffer,
	}
}

// FromValues creates a host tensor holding values rounded to dtype.
func FromValues(name string, shape Shape, dtype DType, values []float32) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if len(values) != shape.Volume() {
		return nil, fmt.Errorf("data length %d doesn't match tensor shape %v (expected %d elements)", len(values), shape, shape.Volume())
	}
	spec := Spec{Name: name, Shape: shape, DType: dtype, Layout: RowMajor, Memory: HostMemory}
	buffer := NewBuffer(len(values), spec.Bytes())
	if err := buffer.Store(values, dtype); err != nil {
		return nil, err
	}
	return New(spec, HostOwner, buffer), nil
}

func (t *Tensor) ID() ID               { return t.id }
func (t *Tensor) Name() string         { return t.spec.Name }
func (t *Tensor) Shape() Shape         { return t.spec.Shape.Clone() }
func (t *Tensor) DType() DType         { return t.spec.DType }
func (t *Tensor) Layout() Layout       { return t.spec.Layout }
func (t *Tensor) Memory() MemoryConfig { return t.spec.Memory }
func (t *Tensor) Owner() int           { return t.owner }
func (t *Tensor) Buffer() *Buffer      { return t.buffer }
func (t *Tensor) Bytes() int64         { return t.buffer.Bytes() }

// Spec returns a copy of the tensor's description.
func (t *Tensor) Spec() Spec {
	spec := t.spec
	spec.Shape = spec.Shape.Clone()
	return spec
}

// Released reports whether the backing storage was freed.
func (t *Tensor) Released() bool {
	return t.buffer.Released()
}

// Values returns a copy of the stored elements in logical row-major order.
func (t *Tensor) Values() ([]float32, error) {
	data, err := t.buffer.Data()
	if err != nil {
		return nil, fmt.Errorf("tensor %d (%s): %w", t.id, t.spec.Name, err)
	}
	return slices.Clone(data), nil
}

func (t *Tensor) String() string {
	owner := "host"
	if t.owner != HostOwner {
		owner = fmt.Sprintf("device%d", t.owner)
	}
	return fmt.Sprintf("Tensor(id=%d, name=%q, shape=%v, dtype=%s, layout=%s, memory=%s, owner=%s)",
		t.id, t.spec.Name, t.spec.Shape, t.spec.DType, t.spec.Layout, t.spec.Memory, owner)
}

// Buffer is the backing storage of a tensor. Elements are kept as float32 after rounding
// to the tensor's dtype; Bytes is the size the storage occupies in its memory space.
type Buffer struct {
	mu       sync.Mutex
	data     []float32
	bytes    int64
	released bool
}

func NewBuffer(elements int, bytes int64) *Buffer {
	return &Buffer{
		data:  make([]float32, elements),
		bytes: bytes,
	}
}

func (b *Buffer) Bytes() int64 {
	return b.bytes
}

// Data returns the live element slice without copying.
func (b *Buffer) Data() ([]float32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil, ErrReleased
	}
	return b.data, nil
}

// Store copies values into the buffer, rounding them to dtype.
func (b *Buffer) Store(values []float32, dtype DType) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return ErrReleased
	}
	if len(values) != len(b.data) {
		return fmt.Errorf("storing %d values into buffer of %d elements", len(values), len(b.data))
	}
	copy(b.data, values)
	dtype.Round(b.data)
	return nil
}

// Free drops the storage and reports whether this call released it.
func (b *Buffer) Free() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return false
	}
	b.released = true
	b.data = nil
	return true
}

func (b *Buffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}
