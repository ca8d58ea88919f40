package tracer

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrExpiredTrace is returned when a mutation or export is attempted on an expired trace.
	ErrExpiredTrace = errors.New("trace is expired")

	// ErrIncompleteTrace is returned when a trace is exported before it has been exited.
	ErrIncompleteTrace = errors.New("trace is not complete")

	// ErrInvalidArgument is returned for malformed inputs, including values already owned by another live trace.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUntracedValue is returned when a runtime value has no graph value in the trace.
	ErrUntracedValue = errors.New("value is not traced")

	// ErrInvalidState reports an internal consistency violation, such as popping an empty scope stack.
	ErrInvalidState = errors.New("invalid tracer state")
)

// Code maps a tracer error to a gRPC status code.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrExpiredTrace), errors.Is(err, ErrIncompleteTrace):
		return codes.FailedPrecondition
	case errors.Is(err, ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, ErrUntracedValue):
		return codes.NotFound
	case errors.Is(err, ErrInvalidState):
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// Status converts err into a gRPC status, for binding layers that speak gRPC.
func Status(err error) *status.Status {
	if err == nil {
		return nil
	}
	return status.New(Code(err), err.Error())
}
