package services

import (
	"errors"
	"fmt"
)

var (
	// ErrIncompletePayment is returned by Finalize while tendered payments do not cover the total due.
	ErrIncompletePayment = errors.New("checkout: payment incomplete")
	// ErrUnverifiedStoredValue blocks completion until every stored-value entry has a successful verification.
	ErrUnverifiedStoredValue = errors.New("checkout: stored value not verified")
	// ErrInsufficientBalance is returned when a stored-value amount exceeds the verified balance.
	ErrInsufficientBalance = errors.New("checkout: insufficient stored value balance")
	// ErrCouponNotApplicable signals a restricted coupon that matches no cart item.
	ErrCouponNotApplicable = errors.New("checkout: coupon not applicable to cart")
	// ErrCheckoutState marks an operation that is not allowed in the current checkout state.
	ErrCheckoutState = errors.New("checkout: operation not allowed in current state")
	// ErrPaymentEntryNotFound indicates the referenced payment entry does not exist.
	ErrPaymentEntryNotFound = errors.New("checkout: payment entry not found")
	// ErrCheckoutNotFound indicates no active checkout exists for the session.
	ErrCheckoutNotFound = errors.New("checkout: no active checkout")
	// ErrCardLookupUnavailable is returned when no card detail provider is configured.
	ErrCardLookupUnavailable = errors.New("checkout: card lookup not configured")
	// ErrQueueDrainInProgress is returned when another process holds the drain lease.
	ErrQueueDrainInProgress = errors.New("order queue: drain already in progress")
	// ErrQueueClearNotConfirmed guards Clear against accidental use.
	ErrQueueClearNotConfirmed = errors.New("order queue: clear requires confirmation")
)

// ValidationError reports malformed local input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// PaymentError ties a finalisation failure to the payment entry that caused it.
type PaymentError struct {
	EntryID string
	Err     error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment %s: %v", e.EntryID, e.Err)
}

func (e *PaymentError) Unwrap() error { return e.Err }

// QueueReplayError describes a single queued order that failed to replay. The entry stays queued.
type QueueReplayError struct {
	Token      string
	RetryCount int
	Err        error
}

func (e *QueueReplayError) Error() string {
	return fmt.Sprintf("order queue: replay %s (attempt %d): %v", e.Token, e.RetryCount, e.Err)
}

func (e *QueueReplayError) Unwrap() error { return e.Err }
