package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderItem is a line item as the backend expects it.
type OrderItem struct {
	ProductID   string           `json:"productId"`
	ProductName string           `json:"productName"`
	Quantity    int              `json:"quantity"`
	UnitPrice   decimal.Decimal  `json:"unitPrice"`
	Weight      *decimal.Decimal `json:"weight,omitempty"`
}

// OrderCommand is the remote order payload. Its JSON encoding is also the offline queue payload,
// so field names are part of the wire contract.
type OrderCommand struct {
	OutletID          string          `json:"outletId"`
	CashierID         string          `json:"cashierId"`
	Items             []OrderItem     `json:"items"`
	DiscountAmount    decimal.Decimal `json:"discountAmount"`
	DiscountType      DiscountType    `json:"discountType,omitempty"`
	CouponCode        string          `json:"couponCode,omitempty"`
	Payments          []PaymentLine   `json:"payments"`
	Notes             string          `json:"notes,omitempty"`
	OfflineReference  string          `json:"offlineReference,omitempty"`
	OfflineCapturedAt *time.Time      `json:"offlineCapturedAt,omitempty"`
}

// Order is the backend acknowledgement of a submitted command.
type Order struct {
	ID               string          `json:"id"`
	Number           string          `json:"number,omitempty"`
	OfflineReference string          `json:"offlineReference,omitempty"`
	Total            decimal.Decimal `json:"total"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// QueuedOrder is an order captured while the backend was unreachable.
type QueuedOrder struct {
	Token         string       `json:"token"`
	Payload       OrderCommand `json:"payload"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	RetryCount    int          `json:"retryCount"`
	LastError     string       `json:"lastError,omitempty"`
	LastAttemptAt *time.Time   `json:"lastAttemptAt,omitempty"`
}
