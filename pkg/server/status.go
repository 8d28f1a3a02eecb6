package server

import (
	"context"
	"errors"

	"github.com/justinsb/tiledispatch/pkg/engine"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Status converts a dispatch error to a gRPC status error.
func Status(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(Code(err), err.Error())
}

func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, engine.ErrShapeMismatch):
		return codes.InvalidArgument
	case errors.Is(err, engine.ErrUnsupportedConfiguration):
		return codes.FailedPrecondition
	case errors.Is(err, engine.ErrResourceExhausted):
		return codes.ResourceExhausted
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}
