package services

import (
	"context"
	"errors"
	"time"

	"github.com/hanko-field/pos/internal/backend"
	"github.com/hanko-field/pos/internal/domain"
	"github.com/hanko-field/pos/internal/platform/textutil"
)

// StoredValueVerifierDeps wires the verifier.
type StoredValueVerifierDeps struct {
	Lookup backend.StoredValueLookup
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

// StoredValueVerifier asks the backend whether a stored-value instrument can be redeemed. The
// answer is a point-in-time check; no balance is reserved.
type StoredValueVerifier struct {
	lookup backend.StoredValueLookup
	now    func() time.Time
	logger func(ctx context.Context, event string, fields map[string]any)
}

func NewStoredValueVerifier(deps StoredValueVerifierDeps) (*StoredValueVerifier, error) {
	if deps.Lookup == nil {
		return nil, errors.New("stored value verifier: lookup is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StoredValueVerifier{
		lookup: deps.Lookup,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Verify normalises code and looks it up. Remote failures come back as *backend.LookupError.
func (v *StoredValueVerifier) Verify(ctx context.Context, session domain.Session, code string) (domain.StoredValueVerification, error) {
	normalized := textutil.NormalizeCode(code)
	if normalized == "" {
		return domain.StoredValueVerification{}, invalid("storedValue.code", "is required")
	}

	result, err := v.lookup.LookupStoredValue(ctx, session, normalized)
	if err != nil {
		v.logger(ctx, "stored_value.verify.failed", map[string]any{
			"code":    maskCode(normalized),
			"kind":    string(backend.KindOf(err)),
			"error":   err.Error(),
			"outlet":  session.OutletID,
			"cashier": session.CashierID,
		})
		return domain.StoredValueVerification{}, err
	}

	verification := domain.StoredValueVerification{
		Redeemable:     result.Redeemable,
		CurrentBalance: domain.MaxZero(result.CurrentBalance),
		Message:        result.Message,
		VerifiedAt:     v.now(),
	}
	v.logger(ctx, "stored_value.verified", map[string]any{
		"code":       maskCode(normalized),
		"redeemable": verification.Redeemable,
		"balance":    verification.CurrentBalance.String(),
	})
	return verification, nil
}

func maskCode(code string) string {
	runes := []rune(code)
	if len(runes) <= 4 {
		return code
	}
	masked := make([]rune, len(runes))
	for i := range runes {
		if i < len(runes)-4 {
			masked[i] = '*'
			continue
		}
		masked[i] = runes[i]
	}
	return string(masked)
}
