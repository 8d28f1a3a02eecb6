package reference

import (
	"fmt"

	"github.com/justinsb/tiledispatch/pkg/engine"
	"github.com/justinsb/tiledispatch/pkg/tensor"
)

// FeedForward is the host version of the feed-forward block.
//
// Gated blocks compute down(act(gate(x)) * up(x)); non-gated blocks compute
// down(act(up(x) + upBias)) + downBias and ignore Gate.
type FeedForward struct {
	// Gate and Up are [dim, hidden]; Down is [hidden, dim].
	Gate, Up, Down *tensor.Tensor

	// UpBias and DownBias are optional.
	UpBias, DownBias *tensor.Tensor

	Activation engine.Activation
	Gated      bool
}

func (f *FeedForward) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if f.Up == nil || f.Down == nil || (f.Gated && f.Gate == nil) {
		return nil, fmt.Errorf("feed-forward is missing weights")
	}

	var hidden *tensor.Tensor
	if f.Gated {
		gate, err := Linear("gate", x, f.Gate, nil)
		if err != nil {
			return nil, err
		}
		up, err := Linear("up", x, f.Up, f.UpBias)
		if err != nil {
			return nil, err
		}
		if hidden, err = MultiplyActivated("mul", gate, up, f.Activation); err != nil {
			return nil, err
		}
	} else {
		up, err := Linear("up", x, f.Up, f.UpBias)
		if err != nil {
			return nil, err
		}
		if hidden, err = Activate("act", up, f.Activation); err != nil {
			return nil, err
		}
	}
	return Linear("down", hidden, f.Down, f.DownBias)
}
