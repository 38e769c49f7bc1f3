package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error classifies a Firestore failure for callers that must decide between retrying, treating a
// write as already applied, or giving up.
type Error struct {
	op   string
	code codes.Code
	err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.op == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.err }

// Code returns the gRPC status code reported by Firestore.
func (e *Error) Code() codes.Code { return e.code }

// IsNotFound reports whether the error represents a missing document.
func (e *Error) IsNotFound() bool { return e.code == codes.NotFound }

// IsConflict reports whether the document already exists or a precondition failed.
func (e *Error) IsConflict() bool {
	switch e.code {
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return true
	}
	return false
}

// IsUnavailable reports whether the failure is transient and worth retrying later.
func (e *Error) IsUnavailable() bool {
	switch e.code {
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded, codes.Unknown:
		return true
	}
	return false
}

// WrapError annotates Firestore errors with op and classification. Context cancellation passes through.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	code := status.Code(err)
	if code == codes.Canceled {
		return context.Canceled
	}
	return &Error{op: op, code: code, err: err}
}

// IsUnavailable reports whether err is a transient Firestore failure or a context deadline.
func IsUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var fsErr *Error
	return errors.As(err, &fsErr) && fsErr.IsUnavailable()
}

// IsConflict reports whether err is a Firestore conflict.
func IsConflict(err error) bool {
	var fsErr *Error
	return errors.As(err, &fsErr) && fsErr.IsConflict()
}

// IsNotFound reports whether err is a Firestore not-found.
func IsNotFound(err error) bool {
	var fsErr *Error
	return errors.As(err, &fsErr) && fsErr.IsNotFound()
}
