package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/mailq/internal/broker"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps broker sentinels to gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, broker.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, broker.ErrJobNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, broker.ErrLeaseLost):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, broker.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus turns a gRPC error back into an error that matches the broker
// sentinels with errors.Is.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("%w (remote: %s)", broker.ErrInvalidInput, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w (remote: %s)", broker.ErrJobNotFound, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w (remote: %s)", broker.ErrLeaseLost, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w (remote: %s)", context.Canceled, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w (remote: %s)", context.DeadlineExceeded, st.Message())
	default:
		return fmt.Errorf("rpc %s: %s", st.Code(), st.Message())
	}
}
