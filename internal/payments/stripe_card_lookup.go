// Package payments resolves card details from the payment service provider.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/hanko-field/pos/internal/domain"
)

// ErrCardTokenRequired is returned when Lookup is called without a token.
var ErrCardTokenRequired = errors.New("stripe: payment method token is required")

type stripePaymentMethodAPI interface {
	Get(id string, params *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error)
}

// StripeConfig configures StripeCardLookup.
type StripeConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends

	paymentMethods stripePaymentMethodAPI
}

// StripeCardLookup reads brand and last four digits of a tokenised card from Stripe.
type StripeCardLookup struct {
	api     stripePaymentMethodAPI
	account string
}

// NewStripeCardLookup builds a lookup backed by the Stripe payment methods API.
func NewStripeCardLookup(cfg StripeConfig) (*StripeCardLookup, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.paymentMethods == nil {
		return nil, errors.New("stripe: api key is required")
	}

	api := cfg.paymentMethods
	if api == nil {
		sc := client.New(apiKey, cfg.Backends)
		api = sc.PaymentMethods
	}
	if api == nil {
		return nil, errors.New("stripe: payment methods client is nil")
	}

	return &StripeCardLookup{
		api:     api,
		account: strings.TrimSpace(cfg.AccountID),
	}, nil
}

// LookupCard fetches the payment method for token. Non-card payment methods yield empty details.
func (l *StripeCardLookup) LookupCard(ctx context.Context, token string) (domain.CardDetails, error) {
	if l == nil {
		return domain.CardDetails{}, errors.New("stripe: card lookup is nil")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.CardDetails{}, ErrCardTokenRequired
	}

	params := &stripe.PaymentMethodParams{}
	params.Context = ctx
	if l.account != "" {
		params.SetStripeAccount(l.account)
	}

	pm, err := l.api.Get(token, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode != 0 {
			return domain.CardDetails{}, fmt.Errorf("stripe: lookup payment method (status %d): %w", stripeErr.HTTPStatusCode, err)
		}
		return domain.CardDetails{}, fmt.Errorf("stripe: lookup payment method: %w", err)
	}

	var details domain.CardDetails
	if pm == nil || pm.Type != stripe.PaymentMethodTypeCard || pm.Card == nil {
		return details, nil
	}
	details.Brand = strings.ToLower(string(pm.Card.Brand))
	details.Last4 = strings.TrimSpace(pm.Card.Last4)
	details.ExpMonth = int(pm.Card.ExpMonth)
	details.ExpYear = int(pm.Card.ExpYear)
	return details, nil
}
