// Package backend talks to the remote order service. Each remote call has its own error type so
// callers can branch on failure kind without inspecting messages.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/pos/internal/domain"
)

// OrderSubmitter creates orders. Implementations must treat cmd.OfflineReference as an idempotency
// key: resubmitting the same reference returns the original order.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, session domain.Session, cmd domain.OrderCommand) (domain.Order, error)
}

// StoredValueLookup checks a gift card or store-credit instrument.
type StoredValueLookup interface {
	LookupStoredValue(ctx context.Context, session domain.Session, code string) (StoredValueResult, error)
}

// CatalogFetcher downloads the outlet's reference data.
type CatalogFetcher interface {
	FetchCatalog(ctx context.Context, session domain.Session) (domain.CatalogSnapshot, error)
}

// Backend bundles every remote operation the terminal needs.
type Backend interface {
	OrderSubmitter
	StoredValueLookup
	CatalogFetcher
}

// StoredValueResult is the answer to a stored-value lookup. An unknown code is a valid result with
// Redeemable false, not an error.
type StoredValueResult struct {
	Redeemable     bool            `json:"redeemable"`
	CurrentBalance decimal.Decimal `json:"currentBalance"`
	Message        string          `json:"message,omitempty"`
}

// ErrorKind classifies a remote failure.
type ErrorKind string

const (
	// KindNetwork covers transport failures, timeouts, throttling and server errors. Safe to retry.
	KindNetwork ErrorKind = "network"
	// KindRejected means the backend understood the request and refused it.
	KindRejected ErrorKind = "rejected"
	// KindInvalidResponse means the backend answered with something that could not be decoded.
	KindInvalidResponse ErrorKind = "invalid_response"
)

// SubmitError is returned by SubmitOrder.
type SubmitError struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *SubmitError) Error() string { return formatError("submit order", e.Kind, e.Status, e.Message, e.Err) }
func (e *SubmitError) Unwrap() error { return e.Err }

// LookupError is returned by LookupStoredValue.
type LookupError struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *LookupError) Error() string {
	return formatError("lookup stored value", e.Kind, e.Status, e.Message, e.Err)
}
func (e *LookupError) Unwrap() error { return e.Err }

// FetchError is returned by FetchCatalog.
type FetchError struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *FetchError) Error() string { return formatError("fetch catalog", e.Kind, e.Status, e.Message, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// IsNetwork reports whether err is a retryable transport-level failure from any remote call.
func IsNetwork(err error) bool {
	return KindOf(err) == KindNetwork
}

// KindOf extracts the failure kind from any of the remote error types.
func KindOf(err error) ErrorKind {
	var submitErr *SubmitError
	if errors.As(err, &submitErr) {
		return submitErr.Kind
	}
	var lookupErr *LookupError
	if errors.As(err, &lookupErr) {
		return lookupErr.Kind
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Kind
	}
	return ""
}

func formatError(op string, kind ErrorKind, status int, message string, err error) string {
	msg := fmt.Sprintf("backend: %s: %s", op, kind)
	if status != 0 {
		msg += fmt.Sprintf(" (status %d)", status)
	}
	if message != "" {
		msg += ": " + message
	}
	if err != nil {
		msg += ": " + err.Error()
	}
	return msg
}
