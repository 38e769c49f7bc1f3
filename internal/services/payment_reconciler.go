package services

import (
	"github.com/shopspring/decimal"

	"github.com/hanko-field/pos/internal/domain"
)

// PaymentSummary is derived from the payment entries and the total due.
type PaymentSummary struct {
	TotalPaying decimal.Decimal `json:"totalPaying"`
	PayLeft     decimal.Decimal `json:"payLeft"`
	Change      decimal.Decimal `json:"change"`
}

// PaymentReconciler validates tendered payments against a total. It keeps no state; the entry
// list belongs to the checkout.
type PaymentReconciler struct{}

func NewPaymentReconciler() *PaymentReconciler {
	return &PaymentReconciler{}
}

// Summarize computes how much is tendered, how much is left to pay, and the change owed.
func (PaymentReconciler) Summarize(totalDue decimal.Decimal, entries []domain.PaymentEntry) PaymentSummary {
	paying := decimal.Zero
	for _, entry := range entries {
		paying = paying.Add(entry.Amount)
	}
	return PaymentSummary{
		TotalPaying: paying,
		PayLeft:     domain.MaxZero(totalDue.Sub(paying)),
		Change:      domain.MaxZero(paying.Sub(totalDue)),
	}
}

// Finalize checks that entries settle totalDue and that every stored-value entry is backed by a
// verification whose balance covers it. On success it returns the non-zero entries in the shape
// sent to the backend. entries is not modified.
func (r PaymentReconciler) Finalize(totalDue decimal.Decimal, entries []domain.PaymentEntry) ([]domain.PaymentLine, error) {
	for _, entry := range entries {
		if entry.Amount.IsNegative() {
			return nil, invalid("payments."+entry.ID+".amount", "must not be negative")
		}
	}

	if summary := r.Summarize(totalDue, entries); summary.PayLeft.IsPositive() {
		return nil, ErrIncompletePayment
	}

	for _, entry := range entries {
		if entry.Kind != domain.TenderStoredValue {
			continue
		}
		if !entry.Verified() {
			return nil, &PaymentError{EntryID: entry.ID, Err: ErrUnverifiedStoredValue}
		}
		limit := entry.StoredValue.Verification.CurrentBalance.Add(domain.StoredValueTolerance)
		if entry.Amount.GreaterThan(limit) {
			return nil, &PaymentError{EntryID: entry.ID, Err: ErrInsufficientBalance}
		}
	}

	lines := make([]domain.PaymentLine, 0, len(entries))
	for _, entry := range entries {
		if !entry.Amount.IsPositive() {
			continue
		}
		line := domain.PaymentLine{PaymentMethodID: entry.PaymentMethodID, Amount: entry.Amount}
		if entry.Kind == domain.TenderStoredValue && entry.StoredValue != nil {
			line.StoredValueCode = entry.StoredValue.Code
		}
		lines = append(lines, line)
	}
	return lines, nil
}
