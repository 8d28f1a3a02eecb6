package v1alpha1

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Codec marshals Message values, and generated protobuf messages such as the
// health service's, in protobuf wire format.
type Codec struct{}

func (Codec) Name() string {
	return "proto"
}

func (Codec) Marshal(v any) ([]byte, error) {
	switch v := v.(type) {
	case Message:
		return v.MarshalWire()
	case proto.Message:
		return proto.Marshal(v)
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}

func (Codec) Unmarshal(data []byte, v any) error {
	switch v := v.(type) {
	case Message:
		return v.UnmarshalWire(data)
	case proto.Message:
		return proto.Unmarshal(data, v)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
}
