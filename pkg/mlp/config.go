package mlp

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/justinsb/tiledispatch/pkg/engine"
	"github.com/justinsb/tiledispatch/pkg/placement"
	"github.com/justinsb/tiledispatch/pkg/tensor"
)

// Config describes a feed-forward block.
type Config struct {
	// Dim is the model width: the last dimension of the block input and output.
	Dim int
	// HiddenDim is the width of the gate and up projections, summed over all devices.
	HiddenDim int

	Activation engine.Activation

	// Gated selects down(act(gate(x)) * up(x)). Otherwise the block is down(act(up(x) + b1)) + b2.
	Gated bool

	// WeightDType is the dtype projection weights are stored in on device. Biases are bfloat16.
	WeightDType tensor.DType

	Thresholds placement.Thresholds
}

// DefaultConfig is a gated SiLU block.
func DefaultConfig(dim, hiddenDim int) Config {
	return Config{
		Dim:         dim,
		HiddenDim:   hiddenDim,
		Activation:  engine.SiLU,
		Gated:       true,
		WeightDType: tensor.BFloat8B,
		Thresholds:  placement.DefaultThresholds(),
	}
}

func (c Config) Validate() error {
	if c.Dim <= 0 || c.HiddenDim <= 0 {
		return fmt.Errorf("feed-forward dimensions must be positive, got dim=%d hidden=%d", c.Dim, c.HiddenDim)
	}
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("invalid thresholds: %w", err)
	}
	return nil
}

type configJSON struct {
	Dim         int    `json:"dim"`
	HiddenDim   int    `json:"hidden_dim"`
	Activation  string `json:"activation"`
	Gated       *bool  `json:"gated"`
	WeightDType string `json:"weight_dtype"`

	DecodeMaxSeqLen   int `json:"decode_max_seq_len"`
	ChunkSeqLen       int `json:"chunk_seq_len"`
	ReshapeBackSeqLen int `json:"reshape_back_seq_len"`
}

// LoadConfig reads a JSON config file. Fields that are absent keep their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cj configJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	c := DefaultConfig(cj.Dim, cj.HiddenDim)
	if cj.Activation != "" {
		if c.Activation, err = engine.ParseActivation(cj.Activation); err != nil {
			return Config{}, err
		}
	}
	if cj.Gated != nil {
		c.Gated = *cj.Gated
	}
	if cj.WeightDType != "" {
		if c.WeightDType, err = tensor.ParseDType(cj.WeightDType); err != nil {
			return Config{}, err
		}
	}
	if cj.DecodeMaxSeqLen != 0 {
		c.Thresholds.DecodeMaxSeqLen = cj.DecodeMaxSeqLen
	}
	if cj.ChunkSeqLen != 0 {
		c.Thresholds.ChunkSeqLen = cj.ChunkSeqLen
	}
	if cj.ReshapeBackSeqLen != 0 {
		c.Thresholds.ReshapeBackSeqLen = cj.ReshapeBackSeqLen
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}
