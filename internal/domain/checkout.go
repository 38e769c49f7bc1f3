package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Session identifies who is operating the till. It is passed explicitly into every entry point
// that talks to the backend.
type Session struct {
	OutletID  string
	CashierID string
	AuthToken string
}

// LineItem is one cart row. IsWeightBased selects which of Quantity or Weight is meaningful.
type LineItem struct {
	ProductID      string          `json:"productId"`
	Name           string          `json:"name"`
	UnitPrice      decimal.Decimal `json:"unitPrice"`
	Quantity       int             `json:"quantity"`
	Weight         decimal.Decimal `json:"weight"`
	IsWeightBased  bool            `json:"isWeightBased"`
	TaxRatePercent decimal.Decimal `json:"taxRatePercent"`
}

// Subtotal returns the unrounded line amount.
func (l LineItem) Subtotal() decimal.Decimal {
	if l.IsWeightBased {
		return l.UnitPrice.Mul(l.Weight)
	}
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// PromotionKind discriminates the promotion variant.
type PromotionKind string

const (
	PromotionCoupon PromotionKind = "coupon"
	PromotionManual PromotionKind = "manual"
)

// DiscountType describes how a discount value is interpreted.
type DiscountType string

const (
	DiscountFixed      DiscountType = "FIXED"
	DiscountPercentage DiscountType = "PERCENTAGE"
)

// Promotion is either a coupon or a cashier-entered manual discount. At most one is active per checkout.
type Promotion struct {
	Kind          PromotionKind   `json:"kind"`
	Code          string          `json:"code,omitempty"`
	DiscountType  DiscountType    `json:"discountType"`
	DiscountValue decimal.Decimal `json:"discountValue"`
	// ApplicableProductIDs restricts a coupon to matching items. Empty means the whole cart.
	ApplicableProductIDs []string `json:"applicableProductIds,omitempty"`
}

// NewCoupon builds a coupon promotion.
func NewCoupon(code string, discountType DiscountType, value decimal.Decimal, productIDs ...string) Promotion {
	return Promotion{
		Kind:                 PromotionCoupon,
		Code:                 code,
		DiscountType:         discountType,
		DiscountValue:        value,
		ApplicableProductIDs: productIDs,
	}
}

// NewManualDiscount builds a manual discount promotion.
func NewManualDiscount(discountType DiscountType, value decimal.Decimal) Promotion {
	return Promotion{Kind: PromotionManual, DiscountType: discountType, DiscountValue: value}
}

// Restricted reports whether the promotion only applies to a subset of products.
func (p Promotion) Restricted() bool {
	return p.Kind == PromotionCoupon && len(p.ApplicableProductIDs) > 0
}

// AppliesTo reports whether the promotion covers productID.
func (p Promotion) AppliesTo(productID string) bool {
	if !p.Restricted() {
		return true
	}
	for _, id := range p.ApplicableProductIDs {
		if id == productID {
			return true
		}
	}
	return false
}

// OrderTotals is derived on every recompute and never persisted.
type OrderTotals struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	TaxTotal      decimal.Decimal `json:"taxTotal"`
	DiscountTotal decimal.Decimal `json:"discountTotal"`
	TotalDue      decimal.Decimal `json:"totalDue"`
}

// TenderKind discriminates the payment entry variant.
type TenderKind string

const (
	TenderCash        TenderKind = "cash"
	TenderCard        TenderKind = "card"
	TenderStoredValue TenderKind = "stored_value"
)

// Valid reports whether k is a known tender kind.
func (k TenderKind) Valid() bool {
	switch k {
	case TenderCash, TenderCard, TenderStoredValue:
		return true
	}
	return false
}

// StoredValueVerification is the point-in-time answer from the backend about an instrument.
type StoredValueVerification struct {
	Redeemable     bool            `json:"redeemable"`
	CurrentBalance decimal.Decimal `json:"currentBalance"`
	Message        string          `json:"message,omitempty"`
	VerifiedAt     time.Time       `json:"verifiedAt"`
}

// StoredValueTender carries the instrument code and, once verified, the cached verification.
type StoredValueTender struct {
	Code         string                   `json:"code"`
	Verification *StoredValueVerification `json:"verification,omitempty"`
}

// CardTender carries an optional PSP token plus details resolved from it.
type CardTender struct {
	Token string `json:"token,omitempty"`
	Brand string `json:"brand,omitempty"`
	Last4 string `json:"last4,omitempty"`
}

// PaymentEntry is one tender line. Exactly one of StoredValue or Card is set for those kinds;
// cash carries neither.
type PaymentEntry struct {
	ID              string             `json:"id"`
	Kind            TenderKind         `json:"kind"`
	PaymentMethodID string             `json:"paymentMethodId"`
	Amount          decimal.Decimal    `json:"amount"`
	StoredValue     *StoredValueTender `json:"storedValue,omitempty"`
	Card            *CardTender        `json:"card,omitempty"`
}

// Verified reports whether a stored-value entry has a successful, redeemable verification cached.
func (p PaymentEntry) Verified() bool {
	return p.Kind == TenderStoredValue &&
		p.StoredValue != nil &&
		p.StoredValue.Verification != nil &&
		p.StoredValue.Verification.Redeemable
}

// PaymentLine is the normalised payment sent to the backend.
type PaymentLine struct {
	PaymentMethodID string          `json:"paymentMethodId"`
	Amount          decimal.Decimal `json:"amount"`
	StoredValueCode string          `json:"storedValueCode,omitempty"`
}

// CardDetails is what a PSP reports about a tokenised card.
type CardDetails struct {
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
}
