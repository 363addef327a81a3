package errors

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var statusCodes = []struct {
	err  error
	code codes.Code
}{
	{ErrRecordExists, codes.AlreadyExists},
	{ErrGenerationTooOld, codes.FailedPrecondition},
	{ErrNamespaceNotFound, codes.NotFound},
	{ErrNodeNotFound, codes.Unavailable},
	{ErrInvalidConfig, codes.InvalidArgument},
	{ErrCancelled, codes.Canceled},
}

// ToStatus converts a node error into a grpc status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, sc := range statusCodes {
		if errors.Is(err, sc.err) {
			return status.Error(sc.code, err.Error())
		}
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatus maps a grpc status error back to the sentinel it was made from.
// Errors without a known mapping are wrapped into an IOError for op.
func FromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return &IOError{Op: op, Err: err}
	}
	for _, sc := range statusCodes {
		if st.Code() == sc.code {
			return &statusError{sentinel: sc.err, msg: st.Message()}
		}
	}
	return &IOError{Op: op, Err: err}
}

type statusError struct {
	sentinel error
	msg      string
}

func (e *statusError) Error() string { return e.msg }

func (e *statusError) Unwrap() error { return e.sentinel }
