package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a sellable catalog entry.
type Product struct {
	ID             string          `json:"id" yaml:"id"`
	Name           string          `json:"name" yaml:"name"`
	CategoryID     string          `json:"categoryId,omitempty" yaml:"categoryId"`
	Price          decimal.Decimal `json:"price" yaml:"price"`
	TaxRatePercent decimal.Decimal `json:"taxRatePercent" yaml:"taxRatePercent"`
	IsWeightBased  bool            `json:"isWeightBased" yaml:"isWeightBased"`
	Active         bool            `json:"active" yaml:"active"`
}

// Category groups products for display.
type Category struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// PaymentMethod is a tender option configured for the outlet. Kind decides how entries using it
// are reconciled.
type PaymentMethod struct {
	ID     string     `json:"id" yaml:"id"`
	Name   string     `json:"name" yaml:"name"`
	Kind   TenderKind `json:"kind" yaml:"kind"`
	Active bool       `json:"active" yaml:"active"`
}

// CatalogSnapshot is the last good copy of remote reference data.
type CatalogSnapshot struct {
	Products       []Product       `json:"products" yaml:"products"`
	Categories     []Category      `json:"categories" yaml:"categories"`
	PaymentMethods []PaymentMethod `json:"paymentMethods" yaml:"paymentMethods"`
	FetchedAt      time.Time       `json:"fetchedAt" yaml:"fetchedAt"`
}

// Clone returns a deep copy so callers cannot mutate the cached snapshot.
func (s CatalogSnapshot) Clone() CatalogSnapshot {
	return CatalogSnapshot{
		Products:       append([]Product(nil), s.Products...),
		Categories:     append([]Category(nil), s.Categories...),
		PaymentMethods: append([]PaymentMethod(nil), s.PaymentMethods...),
		FetchedAt:      s.FetchedAt,
	}
}

// Empty reports whether the snapshot carries no data at all.
func (s CatalogSnapshot) Empty() bool {
	return len(s.Products) == 0 && len(s.Categories) == 0 && len(s.PaymentMethods) == 0
}
