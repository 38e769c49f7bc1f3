package services

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/pos/internal/domain"
)

func unitItem(id, price string, qty int, tax string) domain.LineItem {
	return domain.LineItem{
		ProductID:      id,
		Name:           id,
		UnitPrice:      dec(price),
		Quantity:       qty,
		TaxRatePercent: dec(tax),
	}
}

func TestCartAggregator_PercentageCoupon(t *testing.T) {
	agg := NewCartAggregator(CartAggregatorDeps{})
	promo := domain.NewCoupon("TENOFF", domain.DiscountPercentage, dec("10"))

	totals, err := agg.Recompute(context.Background(), []domain.LineItem{unitItem("p1", "100.00", 1, "0")}, &promo)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	assertDecimal(t, "subtotal", totals.Subtotal, "100.00")
	assertDecimal(t, "discount", totals.DiscountTotal, "10.00")
	assertDecimal(t, "total", totals.TotalDue, "90.00")
}

func TestCartAggregator_FixedManualDiscount(t *testing.T) {
	agg := NewCartAggregator(CartAggregatorDeps{})
	promo := domain.NewManualDiscount(domain.DiscountFixed, dec("10"))

	totals, err := agg.Recompute(context.Background(), []domain.LineItem{unitItem("p1", "33.33", 1, "0")}, &promo)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	assertDecimal(t, "discount", totals.DiscountTotal, "10")
	assertDecimal(t, "total", totals.TotalDue, "23.33")
}

func TestCartAggregator_RoundsOnceHalfEven(t *testing.T) {
	agg := NewCartAggregator(CartAggregatorDeps{})
	items := []domain.LineItem{
		unitItem("p1", "1.25", 1, "10"),
		{ProductID: "p2", UnitPrice: dec("1.99"), Weight: dec("0.333"), IsWeightBased: true, TaxRatePercent: dec("0")},
	}

	totals, err := agg.Recompute(context.Background(), items, nil)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	// 1.25 + 0.66267
	assertDecimal(t, "subtotal", totals.Subtotal, "1.91")
	// 0.125 rounds half to even
	assertDecimal(t, "tax", totals.TaxTotal, "0.12")
	assertDecimal(t, "total", totals.TotalDue, "2.03")
}

func TestCartAggregator_DiscountFloorsAndCaps(t *testing.T) {
	agg := NewCartAggregator(CartAggregatorDeps{})

	pct := domain.NewManualDiscount(domain.DiscountPercentage, dec("15"))
	totals, err := agg.Recompute(context.Background(), []domain.LineItem{unitItem("p1", "0.66", 1, "0")}, &pct)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	assertDecimal(t, "floored discount", totals.DiscountTotal, "0.09")

	fixed := domain.NewManualDiscount(domain.DiscountFixed, dec("50"))
	totals, err = agg.Recompute(context.Background(), []domain.LineItem{unitItem("p1", "20.00", 1, "10")}, &fixed)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	assertDecimal(t, "capped discount", totals.DiscountTotal, "20.00")
	assertDecimal(t, "total", totals.TotalDue, "2.00")
	if totals.DiscountTotal.GreaterThan(totals.Subtotal) {
		t.Fatalf("discount %s exceeds subtotal %s", totals.DiscountTotal, totals.Subtotal)
	}
}

func TestCartAggregator_PercentageDiscountNeverExceedsSubtotal(t *testing.T) {
	agg := NewCartAggregator(CartAggregatorDeps{})
	rng := rand.New(rand.NewSource(20240601))
	hundredPct := dec("100")

	type sample struct{ subtotal, percent decimal.Decimal }
	samples := []sample{
		{dec("0"), dec("0")},
		{dec("0"), dec("100")},
		{dec("0.01"), dec("100")},
		{dec("0.01"), dec("99.99")},
		{dec("999999.99"), dec("100")},
	}
	for i := 0; i < 500; i++ {
		samples = append(samples, sample{
			subtotal: decimal.New(rng.Int63n(100_000_000), -2),
			percent:  decimal.New(rng.Int63n(10_001), -2),
		})
	}

	for _, tc := range samples {
		promo := domain.NewManualDiscount(domain.DiscountPercentage, tc.percent)
		items := []domain.LineItem{{ProductID: "p1", UnitPrice: tc.subtotal, Quantity: 1}}
		totals, err := agg.Recompute(context.Background(), items, &promo)
		if err != nil {
			t.Fatalf("Recompute(S=%s, P=%s): %v", tc.subtotal, tc.percent, err)
		}
		want := tc.subtotal.Mul(tc.percent).Div(hundredPct).RoundFloor(2)
		if !totals.DiscountTotal.Equal(want) {
			t.Fatalf("S=%s P=%s: expected discount %s, got %s", tc.subtotal, tc.percent, want, totals.DiscountTotal)
		}
		if totals.DiscountTotal.IsNegative() || totals.DiscountTotal.GreaterThan(totals.Subtotal) {
			t.Fatalf("S=%s P=%s: discount %s outside [0, %s]", tc.subtotal, tc.percent, totals.DiscountTotal, totals.Subtotal)
		}
		if !totals.TotalDue.Equal(totals.Subtotal.Sub(totals.DiscountTotal)) {
			t.Fatalf("S=%s P=%s: total %s != subtotal - discount", tc.subtotal, tc.percent, totals.TotalDue)
		}
	}
}

func TestCartAggregator_EmptyCart(t *testing.T) {
	agg := NewCartAggregator(CartAggregatorDeps{})
	promo := domain.NewManualDiscount(domain.DiscountFixed, dec("5"))

	totals, err := agg.Recompute(context.Background(), nil, &promo)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	assertDecimal(t, "total", totals.TotalDue, "0")
	assertDecimal(t, "discount", totals.DiscountTotal, "0")
}

func TestCartAggregator_Validation(t *testing.T) {
	agg := NewCartAggregator(CartAggregatorDeps{})
	cases := []struct {
		name  string
		item  domain.LineItem
		field string
	}{
		{"zero quantity", unitItem("p1", "1.00", 0, "0"), "items[0].quantity"},
		{"negative price", unitItem("p1", "-1.00", 1, "0"), "items[0].unitPrice"},
		{"tax over 100", unitItem("p1", "1.00", 1, "101"), "items[0].taxRatePercent"},
		{"zero weight", domain.LineItem{ProductID: "p1", UnitPrice: dec("1"), IsWeightBased: true}, "items[0].weight"},
		{"missing product", domain.LineItem{UnitPrice: dec("1"), Quantity: 1}, "items[0].productId"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := agg.Recompute(context.Background(), []domain.LineItem{tc.item}, nil)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, verr.Field)
			}
		})
	}
}

func TestCartAggregator_InvalidPromotion(t *testing.T) {
	agg := NewCartAggregator(CartAggregatorDeps{})
	promo := domain.NewManualDiscount(domain.DiscountPercentage, dec("120"))
	_, err := agg.Recompute(context.Background(), []domain.LineItem{unitItem("p1", "10.00", 1, "0")}, &promo)
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
