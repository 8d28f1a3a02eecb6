package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/justinsb/tiledispatch/pkg/tensor"
)

// ErrResourceExhausted is returned when a memory space has no room for an allocation.
var ErrResourceExhausted = errors.New("resource exhausted")

// Allocator accounts for bytes in use per memory space against a fixed capacity.
type Allocator struct {
	mutex    sync.Mutex
	capacity map[tensor.MemorySpace]int64
	inUse    map[tensor.MemorySpace]int64
	peak     map[tensor.MemorySpace]int64
}

func NewAllocator(capacity map[tensor.MemorySpace]int64) *Allocator {
	a := &Allocator{
		capacity: make(map[tensor.MemorySpace]int64, len(capacity)),
		inUse:    make(map[tensor.MemorySpace]int64),
		peak:     make(map[tensor.MemorySpace]int64),
	}
	for space, n := range capacity {
		a.capacity[space] = n
	}
	return a
}

// Reserve claims bytes in space, failing with ErrResourceExhausted when they do not fit.
func (a *Allocator) Reserve(space tensor.MemorySpace, bytes int64) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	capacity, ok := a.capacity[space]
	if !ok {
		return fmt.Errorf("memory space %s is not available on this device", space)
	}
	if a.inUse[space]+bytes > capacity {
		return fmt.Errorf("allocating %d bytes in %s (%d of %d in use): %w", bytes, space, a.inUse[space], capacity, ErrResourceExhausted)
	}
	a.inUse[space] += bytes
	if a.inUse[space] > a.peak[space] {
		a.peak[space] = a.inUse[space]
	}
	return nil
}

// Return gives bytes back to space.
func (a *Allocator) Return(space tensor.MemorySpace, bytes int64) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.inUse[space] -= bytes
	if a.inUse[space] < 0 {
		panic(fmt.Sprintf("memory space %s returned more bytes than reserved", space))
	}
}

// Usage is a snapshot of one memory space.
type Usage struct {
	Capacity int64
	InUse    int64
	Peak     int64
}

func (u Usage) String() string {
	return fmt.Sprintf("in-use=%d, peak=%d, capacity=%d", u.InUse, u.Peak, u.Capacity)
}

func (a *Allocator) Usage(space tensor.MemorySpace) Usage {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return Usage{
		Capacity: a.capacity[space],
		InUse:    a.inUse[space],
		Peak:     a.peak[space],
	}
}

// ResetPeak starts a new peak measurement from current usage.
func (a *Allocator) ResetPeak() {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	for space := range a.peak {
		a.peak[space] = a.inUse[space]
	}
}
