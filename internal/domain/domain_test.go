package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/shopspring/decimal"
)

func TestLineItemSubtotal(t *testing.T) {
	unit := LineItem{UnitPrice: decimal.RequireFromString("2.50"), Quantity: 3}
	if got := unit.Subtotal(); !got.Equal(decimal.RequireFromString("7.5")) {
		t.Fatalf("unexpected unit subtotal %s", got)
	}
	weighed := LineItem{UnitPrice: decimal.RequireFromString("4.99"), Quantity: 7, Weight: decimal.RequireFromString("0.333"), IsWeightBased: true}
	if got := weighed.Subtotal(); !got.Equal(decimal.RequireFromString("1.66167")) {
		t.Fatalf("weight based item should ignore quantity, got %s", got)
	}
}

func TestRounding(t *testing.T) {
	cases := []struct {
		in       string
		halfEven string
		floor    string
	}{
		{"2.345", "2.34", "2.34"},
		{"2.355", "2.36", "2.35"},
		{"9.999", "10", "9.99"},
		{"1.005", "1", "1"},
	}
	for _, tc := range cases {
		d := decimal.RequireFromString(tc.in)
		if got := RoundHalfEven2(d); !got.Equal(decimal.RequireFromString(tc.halfEven)) {
			t.Errorf("RoundHalfEven2(%s) = %s, want %s", tc.in, got, tc.halfEven)
		}
		if got := Floor2(d); !got.Equal(decimal.RequireFromString(tc.floor)) {
			t.Errorf("Floor2(%s) = %s, want %s", tc.in, got, tc.floor)
		}
	}
	if !MaxZero(decimal.NewFromInt(-3)).IsZero() {
		t.Fatalf("expected negative clamp")
	}
}

func TestPromotionAppliesTo(t *testing.T) {
	restricted := NewCoupon("SAVE", DiscountPercentage, decimal.NewFromInt(10), "p1", "p2")
	if !restricted.Restricted() || !restricted.AppliesTo("p2") || restricted.AppliesTo("p3") {
		t.Fatalf("unexpected restricted coupon behaviour")
	}
	open := NewCoupon("ALL", DiscountFixed, decimal.NewFromInt(5))
	if open.Restricted() || !open.AppliesTo("anything") {
		t.Fatalf("unrestricted coupon should apply to everything")
	}
	manual := NewManualDiscount(DiscountFixed, decimal.NewFromInt(1))
	manual.ApplicableProductIDs = []string{"p1"}
	if manual.Restricted() {
		t.Fatalf("manual discounts are never restricted")
	}
}

func TestPaymentEntryVerified(t *testing.T) {
	entry := PaymentEntry{Kind: TenderStoredValue, StoredValue: &StoredValueTender{Code: "GV-1"}}
	if entry.Verified() {
		t.Fatalf("expected unverified")
	}
	entry.StoredValue.Verification = &StoredValueVerification{Redeemable: false}
	if entry.Verified() {
		t.Fatalf("non-redeemable verification must not count")
	}
	entry.StoredValue.Verification.Redeemable = true
	if !entry.Verified() {
		t.Fatalf("expected verified")
	}
}

func TestCatalogSnapshotClone(t *testing.T) {
	snapshot := CatalogSnapshot{Products: []Product{{ID: "p1"}}}
	clone := snapshot.Clone()
	clone.Products[0].ID = "changed"
	if snapshot.Products[0].ID != "p1" {
		t.Fatalf("clone shares backing array")
	}
	if (CatalogSnapshot{}).Empty() != true || snapshot.Empty() {
		t.Fatalf("unexpected Empty result")
	}
}

func TestOrderCommandWireFormat(t *testing.T) {
	captured := time.Date(2024, 5, 4, 10, 30, 0, 0, time.UTC)
	weight := decimal.RequireFromString("0.75")
	cmd := OrderCommand{
		OutletID:  "outlet-1",
		CashierID: "cashier-7",
		Items: []OrderItem{
			{ProductID: "p1", ProductName: "Coffee beans", Quantity: 2, UnitPrice: decimal.RequireFromString("12.50")},
			{ProductID: "p2", ProductName: "Bananas", Quantity: 1, UnitPrice: decimal.RequireFromString("3.20"), Weight: &weight},
		},
		DiscountAmount: decimal.RequireFromString("2.00"),
		DiscountType:   DiscountFixed,
		CouponCode:     "SPRING",
		Payments: []PaymentLine{
			{PaymentMethodID: "cash", Amount: decimal.RequireFromString("20.00")},
			{PaymentMethodID: "gift", Amount: decimal.RequireFromString("5.40"), StoredValueCode: "GV-100"},
		},
		Notes:             "deliver later",
		OfflineReference:  "01HX0000000000000000000000",
		OfflineCapturedAt: &captured,
	}

	payload, err := json.MarshalIndent(cmd, "", "  ")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	payload = append(payload, '\n')

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "order_command", payload)

	var decoded OrderCommand
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.Payments[1].Amount.Equal(decimal.RequireFromString("5.4")) || decoded.Items[1].Weight == nil {
		t.Fatalf("unexpected decode %+v", decoded)
	}
}
