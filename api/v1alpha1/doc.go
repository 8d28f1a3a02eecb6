// Package v1alpha1 is the wire API of the dispatch harness, described by dispatch.proto.
//
// Messages encode themselves in protobuf wire format with protowire, so servers and
// clients use Codec: grpc.ForceServerCodec(Codec{}) on the server, and the client
// returned by NewDispatchClient forces it per call.
package v1alpha1
