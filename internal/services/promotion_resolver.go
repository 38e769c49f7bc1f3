package services

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/pos/internal/domain"
	"github.com/hanko-field/pos/internal/platform/textutil"
)

// PromotionResolver turns the active promotion into a discount amount.
type PromotionResolver struct {
	logger func(context.Context, string, map[string]any)
}

type PromotionResolverDeps struct {
	Logger func(context.Context, string, map[string]any)
}

func NewPromotionResolver(deps PromotionResolverDeps) *PromotionResolver {
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PromotionResolver{logger: logger}
}

// Apply returns the discount for promotion given the rounded cart subtotal. The discount is
// floored to two decimals and never exceeds subtotal. A restricted coupon whose products are not in
// the cart yields zero.
func (r *PromotionResolver) Apply(ctx context.Context, subtotal decimal.Decimal, items []domain.LineItem, promotion domain.Promotion) (decimal.Decimal, error) {
	if err := ValidatePromotion(promotion); err != nil {
		return decimal.Zero, err
	}

	base := subtotal
	if promotion.Restricted() {
		base = ApplicableSubtotal(items, promotion)
		if !base.IsPositive() {
			r.logger(ctx, "promotion.not_applicable", map[string]any{"code": promotion.Code})
			return decimal.Zero, nil
		}
	}

	var discount decimal.Decimal
	switch promotion.DiscountType {
	case domain.DiscountPercentage:
		discount = base.Mul(promotion.DiscountValue).Div(hundred)
	case domain.DiscountFixed:
		discount = promotion.DiscountValue
	}
	discount = domain.Floor2(discount)

	if discount.GreaterThan(subtotal) {
		r.logger(ctx, "promotion.discount.capped", map[string]any{
			"kind":      string(promotion.Kind),
			"requested": discount.String(),
			"subtotal":  subtotal.String(),
		})
		discount = subtotal
	}
	return domain.MaxZero(discount), nil
}

// ApplicableSubtotal sums the unrounded subtotals of items the promotion covers.
func ApplicableSubtotal(items []domain.LineItem, promotion domain.Promotion) decimal.Decimal {
	base := decimal.Zero
	for _, item := range items {
		if promotion.AppliesTo(item.ProductID) {
			base = base.Add(item.Subtotal())
		}
	}
	return base
}

// CouponApplicable reports whether a coupon would discount anything in items.
func CouponApplicable(items []domain.LineItem, promotion domain.Promotion) bool {
	if !promotion.Restricted() {
		return true
	}
	return ApplicableSubtotal(items, promotion).IsPositive()
}

// NormalizePromotion canonicalises the coupon code. Manual discounts never carry one.
func NormalizePromotion(promotion domain.Promotion) domain.Promotion {
	if promotion.Kind == domain.PromotionManual {
		promotion.Code = ""
		promotion.ApplicableProductIDs = nil
		return promotion
	}
	promotion.Code = textutil.NormalizeCode(promotion.Code)
	return promotion
}

// ValidatePromotion checks discount type and bounds.
func ValidatePromotion(promotion domain.Promotion) error {
	switch promotion.Kind {
	case domain.PromotionCoupon:
		if promotion.Code == "" {
			return invalid("promotion.code", "is required for coupons")
		}
	case domain.PromotionManual:
	default:
		return invalid("promotion.kind", "must be coupon or manual")
	}
	if promotion.DiscountValue.IsNegative() {
		return invalid("promotion.discountValue", "must not be negative")
	}
	switch promotion.DiscountType {
	case domain.DiscountPercentage:
		if promotion.DiscountValue.GreaterThan(hundred) {
			return invalid("promotion.discountValue", "percentage must not exceed 100")
		}
	case domain.DiscountFixed:
	default:
		return invalid("promotion.discountType", "must be FIXED or PERCENTAGE")
	}
	return nil
}
