package v1alpha1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	Dispatch_ServiceName = "tiledispatch.v1alpha1.Dispatch"

	Dispatch_Forward_FullMethodName = "/" + Dispatch_ServiceName + "/Forward"
	Dispatch_Compare_FullMethodName = "/" + Dispatch_ServiceName + "/Compare"
)

// DispatchClient is the client API for Dispatch service.
type DispatchClient interface {
	// Forward runs a feed-forward block on a simulated device group.
	Forward(ctx context.Context, in *ForwardRequest, opts ...grpc.CallOption) (*ForwardResponse, error)
	// Compare checks a calculated tensor against a golden tensor.
	Compare(ctx context.Context, in *CompareRequest, opts ...grpc.CallOption) (*CompareResponse, error)
}

type dispatchClient struct {
	cc grpc.ClientConnInterface
}

func NewDispatchClient(cc grpc.ClientConnInterface) DispatchClient {
	return &dispatchClient{cc}
}

func (c *dispatchClient) Forward(ctx context.Context, in *ForwardRequest, opts ...grpc.CallOption) (*ForwardResponse, error) {
	cOpts := append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	out := new(ForwardResponse)
	err := c.cc.Invoke(ctx, Dispatch_Forward_FullMethodName, in, out, cOpts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *dispatchClient) Compare(ctx context.Context, in *CompareRequest, opts ...grpc.CallOption) (*CompareResponse, error) {
	cOpts := append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	out := new(CompareResponse)
	err := c.cc.Invoke(ctx, Dispatch_Compare_FullMethodName, in, out, cOpts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DispatchServer is the server API for Dispatch service.
// All implementations must embed UnimplementedDispatchServer
// for forward compatibility.
type DispatchServer interface {
	// Forward runs a feed-forward block on a simulated device group.
	Forward(context.Context, *ForwardRequest) (*ForwardResponse, error)
	// Compare checks a calculated tensor against a golden tensor.
	Compare(context.Context, *CompareRequest) (*CompareResponse, error)
	mustEmbedUnimplementedDispatchServer()
}

// UnimplementedDispatchServer must be embedded to have
// forward compatible implementations.
type UnimplementedDispatchServer struct{}

func (UnimplementedDispatchServer) Forward(context.Context, *ForwardRequest) (*ForwardResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Forward not implemented")
}
func (UnimplementedDispatchServer) Compare(context.Context, *CompareRequest) (*CompareResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Compare not implemented")
}
func (UnimplementedDispatchServer) mustEmbedUnimplementedDispatchServer() {}

// RegisterDispatchServer registers srv on s. The server must be created with
// grpc.ForceServerCodec(Codec{}).
func RegisterDispatchServer(s grpc.ServiceRegistrar, srv DispatchServer) {
	s.RegisterService(&Dispatch_ServiceDesc, srv)
}

func _Dispatch_Forward_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ForwardRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DispatchServer).Forward(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Dispatch_Forward_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DispatchServer).Forward(ctx, req.(*ForwardRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Dispatch_Compare_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CompareRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DispatchServer).Compare(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Dispatch_Compare_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DispatchServer).Compare(ctx, req.(*CompareRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Dispatch_ServiceDesc is the grpc.ServiceDesc for Dispatch service.
var Dispatch_ServiceDesc = grpc.ServiceDesc{
	ServiceName: Dispatch_ServiceName,
	HandlerType: (*DispatchServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Forward",
			Handler:    _Dispatch_Forward_Handler,
		},
		{
			MethodName: "Compare",
			Handler:    _Dispatch_Compare_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "api/v1alpha1/dispatch.proto",
}
