package v1alpha1

import (
	"fmt"

	"github.com/justinsb/tiledispatch/pkg/tensor"
	"google.golang.org/protobuf/encoding/protowire"
)

// ForwardRequest runs one feed-forward block on a freshly opened device group.
type ForwardRequest struct {
	NumDevices int
	Mode       string

	// Input is [1, 1, seq, dim].
	Input *tensor.Tensor

	Gate, Up, Down   *tensor.Tensor
	UpBias, DownBias *tensor.Tensor

	Activation  string
	NonGated    bool
	WeightDType string
}

func (m *ForwardRequest) tensorFields() []*tensor.Tensor {
	return []*tensor.Tensor{m.Input, m.Gate, m.Up, m.Down, m.UpBias, m.DownBias}
}

func (m *ForwardRequest) MarshalWire() ([]byte, error) {
	e := &encoder{}
	e.putVarint(1, uint64(m.NumDevices))
	e.putString(2, m.Mode)
	for i, t := range m.tensorFields() {
		if err := e.putTensor(protowire.Number(3+i), t); err != nil {
			return nil, err
		}
	}
	e.putString(9, m.Activation)
	e.putBool(10, m.NonGated)
	e.putString(11, m.WeightDType)
	return e.b, nil
}

func (m *ForwardRequest) UnmarshalWire(b []byte) error {
	*m = ForwardRequest{}
	return walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			var v uint64
			v, err = f.asVarint()
			m.NumDevices = int(v)
		case 2:
			m.Mode = f.asString()
		case 3:
			m.Input, err = f.asTensor()
		case 4:
			m.Gate, err = f.asTensor()
		case 5:
			m.Up, err = f.asTensor()
		case 6:
			m.Down, err = f.asTensor()
		case 7:
			m.UpBias, err = f.asTensor()
		case 8:
			m.DownBias, err = f.asTensor()
		case 9:
			m.Activation = f.asString()
		case 10:
			var v uint64
			v, err = f.asVarint()
			m.NonGated = protowire.DecodeBool(v)
		case 11:
			m.WeightDType = f.asString()
		}
		if err != nil {
			return fmt.Errorf("ForwardRequest field %d: %w", f.num, err)
		}
		return nil
	})
}

// ForwardResponse is the block output as read back from device 0.
type ForwardResponse struct {
	Output      *tensor.Tensor
	Strategy    string
	IssuedOps   []string
	Reduced     bool
	PeakL1Bytes int64
}

func (m *ForwardResponse) MarshalWire() ([]byte, error) {
	e := &encoder{}
	if err := e.putTensor(1, m.Output); err != nil {
		return nil, err
	}
	e.putString(2, m.Strategy)
	for _, op := range m.IssuedOps {
		e.b = protowire.AppendTag(e.b, 3, protowire.BytesType)
		e.b = protowire.AppendString(e.b, op)
	}
	e.putBool(4, m.Reduced)
	e.putVarint(5, uint64(m.PeakL1Bytes))
	return e.b, nil
}

func (m *ForwardResponse) UnmarshalWire(b []byte) error {
	*m = ForwardResponse{}
	return walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.Output, err = f.asTensor()
		case 2:
			m.Strategy = f.asString()
		case 3:
			m.IssuedOps = append(m.IssuedOps, f.asString())
		case 4:
			var v uint64
			v, err = f.asVarint()
			m.Reduced = protowire.DecodeBool(v)
		case 5:
			var v uint64
			v, err = f.asVarint()
			m.PeakL1Bytes = int64(v)
		}
		if err != nil {
			return fmt.Errorf("ForwardResponse field %d: %w", f.num, err)
		}
		return nil
	})
}

// CompareRequest checks a calculated tensor against a golden one.
//
// Zero tolerances select the defaults.
type CompareRequest struct {
	Golden     *tensor.Tensor
	Calculated *tensor.Tensor
	Mode       string
	RTol       float64
	ATol       float64
	PCC        float64
}

func (m *CompareRequest) MarshalWire() ([]byte, error) {
	e := &encoder{}
	if err := e.putTensor(1, m.Golden); err != nil {
		return nil, err
	}
	if err := e.putTensor(2, m.Calculated); err != nil {
		return nil, err
	}
	e.putString(3, m.Mode)
	e.putDouble(4, m.RTol)
	e.putDouble(5, m.ATol)
	e.putDouble(6, m.PCC)
	return e.b, nil
}

func (m *CompareRequest) UnmarshalWire(b []byte) error {
	*m = CompareRequest{}
	return walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.Golden, err = f.asTensor()
		case 2:
			m.Calculated, err = f.asTensor()
		case 3:
			m.Mode = f.asString()
		case 4:
			m.RTol, err = f.asDouble()
		case 5:
			m.ATol, err = f.asDouble()
		case 6:
			m.PCC, err = f.asDouble()
		}
		if err != nil {
			return fmt.Errorf("CompareRequest field %d: %w", f.num, err)
		}
		return nil
	})
}

// CompareResponse is the verdict and the measured deltas of one comparison.
type CompareResponse struct {
	Passed  bool
	ATol    float64
	RTol    float64
	PCC     float64
	Case    string
	Summary string
}

func (m *CompareResponse) MarshalWire() ([]byte, error) {
	e := &encoder{}
	e.putBool(1, m.Passed)
	e.putDouble(2, m.ATol)
	e.putDouble(3, m.RTol)
	e.putDouble(4, m.PCC)
	e.putString(5, m.Case)
	e.putString(6, m.Summary)
	return e.b, nil
}

func (m *CompareResponse) UnmarshalWire(b []byte) error {
	*m = CompareResponse{}
	return walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			var v uint64
			v, err = f.asVarint()
			m.Passed = protowire.DecodeBool(v)
		case 2:
			m.ATol, err = f.asDouble()
		case 3:
			m.RTol, err = f.asDouble()
		case 4:
			m.PCC, err = f.asDouble()
		case 5:
			m.Case = f.asString()
		case 6:
			m.Summary = f.asString()
		}
		if err != nil {
			return fmt.Errorf("CompareResponse field %d: %w", f.num, err)
		}
		return nil
	})
}
