package engine

import (
	"errors"

	"github.com/justinsb/tiledispatch/pkg/device"
	"github.com/justinsb/tiledispatch/pkg/placement"
	"github.com/justinsb/tiledispatch/pkg/tensor"
)

var (
	// ErrShapeMismatch is returned when operand dimensions are incompatible.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrUnsupportedConfiguration is returned when a shape fits no placement bucket.
	ErrUnsupportedConfiguration = placement.ErrUnsupportedConfiguration

	// ErrResourceExhausted is returned when device memory cannot hold an allocation.
	ErrResourceExhausted = device.ErrResourceExhausted

	// ErrReleased is returned when an operand's storage was already freed.
	ErrReleased = tensor.ErrReleased
)
