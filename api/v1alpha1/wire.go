package v1alpha1

import (
	"fmt"
	"math"

	"github.com/justinsb/tiledispatch/pkg/tensor"
	"github.com/justinsb/tiledispatch/pkg/tensorio"
	"google.golang.org/protobuf/encoding/protowire"
)

// Message is a request or response that encodes itself in protobuf wire format.
type Message interface {
	MarshalWire() ([]byte, error)
	UnmarshalWire(b []byte) error
}

type encoder struct {
	b []byte
}

func (e *encoder) putString(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

func (e *encoder) putVarint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) putBool(num protowire.Number, v bool) {
	e.putVarint(num, protowire.EncodeBool(v))
}

func (e *encoder) putDouble(num protowire.Number, v float64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.Fixed64Type)
	e.b = protowire.AppendFixed64(e.b, math.Float64bits(v))
}

func (e *encoder) putTensor(num protowire.Number, t *tensor.Tensor) error {
	if t == nil {
		return nil
	}
	m, err := tensorio.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding tensor %q: %w", t.Name(), err)
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, m)
	return nil
}

// field is one decoded field. For length-delimited fields, value excludes the length prefix.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	value []byte
}

func (f field) asString() string {
	return string(f.value)
}

func (f field) asVarint() (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, fmt.Errorf("field %d: expected varint, got wire type %d", f.num, f.typ)
	}
	v, n := protowire.ConsumeVarint(f.value)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return v, nil
}

func (f field) asDouble() (float64, error) {
	if f.typ != protowire.Fixed64Type {
		return 0, fmt.Errorf("field %d: expected fixed64, got wire type %d", f.num, f.typ)
	}
	v, n := protowire.ConsumeFixed64(f.value)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return math.Float64frombits(v), nil
}

func (f field) asTensor() (*tensor.Tensor, error) {
	if f.typ != protowire.BytesType {
		return nil, fmt.Errorf("field %d: expected message, got wire type %d", f.num, f.typ)
	}
	return tensorio.Unmarshal(f.value)
}

// walk calls fn for every field of b in order.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("reading tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return fmt.Errorf("reading field %d: %w", num, protowire.ParseError(n))
		}
		value := b[:n]
		if typ == protowire.BytesType {
			value, _ = protowire.ConsumeBytes(value)
		}
		if err := fn(field{num: num, typ: typ, value: value}); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
