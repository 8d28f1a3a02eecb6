// Package tensorio reads and writes tensor dumps in protobuf wire format.
//
// A dump file is a message with one repeated field:
//
//	message Dump { repeated Tensor tensors = 1; }
//	message Tensor {
//	  string name = 1;
//	  repeated int64 shape = 2 [packed = true];
//	  string dtype = 3;
//	  repeated float values = 4 [packed = true];
//	}
package tensorio

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/justinsb/tiledispatch/pkg/tensor"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

const (
	dumpTensors protowire.Number = 1

	tensorName   protowire.Number = 1
	tensorShape  protowire.Number = 2
	tensorDType  protowire.Number = 3
	tensorValues protowire.Number = 4
)

// Marshal encodes one host-readable tensor as a Tensor message.
func Marshal(t *tensor.Tensor) ([]byte, error) {
	values, err := t.Values()
	if err != nil {
		return nil, err
	}

	var b []byte
	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, t.Name())

	var shape []byte
	for _, d := range t.Shape() {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, tensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	b = protowire.AppendTag(b, tensorDType, protowire.BytesType)
	b = protowire.AppendString(b, t.DType().String())

	packed := make([]byte, 0, 4*len(values))
	for _, v := range values {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, tensorValues, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	return b, nil
}

// Unmarshal decodes a Tensor message into a host tensor.
func Unmarshal(b []byte) (*tensor.Tensor, error) {
	var name string
	var shape tensor.Shape
	var values []float32
	dtype := tensor.Float32

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("reading tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == tensorName && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("reading name: %w", protowire.ParseError(n))
			}
			name = s
			b = b[n:]

		case num == tensorShape && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("reading shape: %w", protowire.ParseError(n))
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nil, fmt.Errorf("reading shape: %w", protowire.ParseError(m))
				}
				shape = append(shape, int(v))
				packed = packed[m:]
			}
			b = b[n:]

		case num == tensorShape && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("reading shape: %w", protowire.ParseError(n))
			}
			shape = append(shape, int(v))
			b = b[n:]

		case num == tensorDType && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("reading dtype: %w", protowire.ParseError(n))
			}
			d, err := tensor.ParseDType(s)
			if err != nil {
				return nil, err
			}
			dtype = d
			b = b[n:]

		case num == tensorValues && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("reading values: %w", protowire.ParseError(n))
			}
			if len(packed)%4 != 0 {
				return nil, fmt.Errorf("packed values have %d bytes, not a multiple of 4", len(packed))
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeFixed32(packed)
				if m < 0 {
					return nil, fmt.Errorf("reading values: %w", protowire.ParseError(m))
				}
				values = append(values, math.Float32frombits(v))
				packed = packed[m:]
			}
			b = b[n:]

		case num == tensorValues && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("reading values: %w", protowire.ParseError(n))
			}
			values = append(values, math.Float32frombits(v))
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("skipping field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	t, err := tensor.FromValues(name, shape, dtype, values)
	if err != nil {
		return nil, fmt.Errorf("decoding tensor %q: %w", name, err)
	}
	return t, nil
}

// Encode encodes tensors as a Dump message.
func Encode(tensors ...*tensor.Tensor) ([]byte, error) {
	var b []byte
	for _, t := range tensors {
		m, err := Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encoding %q: %w", t.Name(), err)
		}
		b = protowire.AppendTag(b, dumpTensors, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b, nil
}

// Decode decodes a Dump message.
func Decode(b []byte) ([]*tensor.Tensor, error) {
	var tensors []*tensor.Tensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("reading tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num != dumpTensors || typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("skipping field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		m, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("reading tensor %d: %w", len(tensors), protowire.ParseError(n))
		}
		t, err := Unmarshal(m)
		if err != nil {
			return nil, fmt.Errorf("reading tensor %d: %w", len(tensors), err)
		}
		tensors = append(tensors, t)
		b = b[n:]
	}
	return tensors, nil
}

// WriteFile writes a dump to path, replacing it atomically.
func WriteFile(ctx context.Context, path string, tensors ...*tensor.Tensor) error {
	log := klog.FromContext(ctx)

	data, err := Encode(tensors...)
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), "dump")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false
	log.V(2).Info("wrote tensor dump", "path", path, "tensors", len(tensors), "bytes", len(data))
	return nil
}

// ReadFile reads a dump written by WriteFile.
func ReadFile(path string) ([]*tensor.Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dump: %w", err)
	}
	tensors, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding dump %s: %w", path, err)
	}
	return tensors, nil
}

// Find returns the tensor called name.
func Find(tensors []*tensor.Tensor, name string) (*tensor.Tensor, error) {
	for _, t := range tensors {
		if t.Name() == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tensor %q not found in dump: %w", name, os.ErrNotExist)
}
