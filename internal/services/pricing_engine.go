package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/pos/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// CartAggregator derives order totals from line items and the active promotion. It holds no state
// between calls.
type CartAggregator struct {
	promotions *PromotionResolver
	logger     func(context.Context, string, map[string]any)
}

type CartAggregatorDeps struct {
	Promotions *PromotionResolver
	Logger     func(context.Context, string, map[string]any)
}

func NewCartAggregator(deps CartAggregatorDeps) *CartAggregator {
	promotions := deps.Promotions
	if promotions == nil {
		promotions = NewPromotionResolver(PromotionResolverDeps{Logger: deps.Logger})
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &CartAggregator{promotions: promotions, logger: logger}
}

// Recompute validates the cart and returns fresh totals. Subtotal and tax are accumulated at full
// precision and rounded half-even once; the discount is floored and capped at the subtotal.
func (a *CartAggregator) Recompute(ctx context.Context, items []domain.LineItem, promotion *domain.Promotion) (domain.OrderTotals, error) {
	if err := ValidateLineItems(items); err != nil {
		return domain.OrderTotals{}, err
	}

	rawSubtotal := decimal.Zero
	rawTax := decimal.Zero
	for _, item := range items {
		line := item.Subtotal()
		rawSubtotal = rawSubtotal.Add(line)
		rawTax = rawTax.Add(line.Mul(item.TaxRatePercent).Div(hundred))
	}

	subtotal := domain.RoundHalfEven2(rawSubtotal)
	tax := domain.RoundHalfEven2(rawTax)

	discount := decimal.Zero
	if promotion != nil {
		var err error
		discount, err = a.promotions.Apply(ctx, subtotal, items, *promotion)
		if err != nil {
			return domain.OrderTotals{}, err
		}
	}

	total := domain.RoundHalfEven2(subtotal.Add(tax).Sub(discount))
	if total.IsNegative() {
		a.logger(ctx, "pricing.total.clamped", map[string]any{
			"subtotal": subtotal.String(),
			"tax":      tax.String(),
			"discount": discount.String(),
		})
		total = decimal.Zero
	}

	return domain.OrderTotals{
		Subtotal:      subtotal,
		TaxTotal:      tax,
		DiscountTotal: discount,
		TotalDue:      total,
	}, nil
}

// ValidateLineItems rejects malformed cart rows before any arithmetic happens.
func ValidateLineItems(items []domain.LineItem) error {
	for i, item := range items {
		if err := ValidateLineItem(fmt.Sprintf("items[%d]", i), item); err != nil {
			return err
		}
	}
	return nil
}

// ValidateLineItem checks a single row; field names in the error are prefixed with path.
func ValidateLineItem(path string, item domain.LineItem) error {
	if strings.TrimSpace(item.ProductID) == "" {
		return invalid(path+".productId", "is required")
	}
	if item.UnitPrice.IsNegative() {
		return invalid(path+".unitPrice", "must not be negative")
	}
	if item.TaxRatePercent.IsNegative() || item.TaxRatePercent.GreaterThan(hundred) {
		return invalid(path+".taxRatePercent", "must be between 0 and 100")
	}
	if item.IsWeightBased {
		if !item.Weight.IsPositive() {
			return invalid(path+".weight", "must be greater than zero")
		}
		return nil
	}
	if item.Quantity < 1 {
		return invalid(path+".quantity", "must be at least 1")
	}
	return nil
}
