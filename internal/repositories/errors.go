package repositories

import (
	"errors"
	"fmt"
)

type errorKind int

const (
	kindNotFound errorKind = iota + 1
	kindConflict
	kindUnavailable
	kindCorrupt
)

// Error is the RepositoryError used by the local stores.
type Error struct {
	op   string
	kind errorKind
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.op
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) IsNotFound() bool    { return e.kind == kindNotFound }
func (e *Error) IsConflict() bool    { return e.kind == kindConflict }
func (e *Error) IsUnavailable() bool { return e.kind == kindUnavailable }

// IsCorrupt reports whether the stored data could not be decoded.
func (e *Error) IsCorrupt() bool { return e.kind == kindCorrupt }

// NewNotFound reports a missing row.
func NewNotFound(op string) error { return &Error{op: op, kind: kindNotFound} }

// NewUnavailable wraps a storage failure (locked, unreadable, closed).
func NewUnavailable(op string, err error) error {
	return &Error{op: op, kind: kindUnavailable, err: err}
}

// NewCorrupt wraps a decoding failure of persisted data.
func NewCorrupt(op string, err error) error { return &Error{op: op, kind: kindCorrupt, err: err} }

// IsNotFound reports whether err is a repository not-found error.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsCorrupt reports whether err signals undecodable persisted data.
func IsCorrupt(err error) bool {
	var repoErr *Error
	return errors.As(err, &repoErr) && repoErr.IsCorrupt()
}
