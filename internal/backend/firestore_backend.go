package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hanko-field/pos/internal/domain"
	pfirestore "github.com/hanko-field/pos/internal/platform/firestore"
)

const (
	ordersCollection         = "orders"
	storedValueCollection    = "storedValueInstruments"
	productsCollection       = "products"
	categoriesCollection     = "categories"
	paymentMethodsCollection = "paymentMethods"
)

var firestoreTracer = otel.Tracer("github.com/hanko-field/pos/internal/backend")

// FirestoreBackend implements Backend directly on Firestore for deployments without an order API.
// Orders are keyed by their offline reference so a replay can never create a second document.
type FirestoreBackend struct {
	provider *pfirestore.Provider
	now      func() time.Time
}

// NewFirestoreBackend builds a backend that lazily connects through provider.
func NewFirestoreBackend(provider *pfirestore.Provider, now func() time.Time) (*FirestoreBackend, error) {
	if provider == nil {
		return nil, fmt.Errorf("backend: firestore provider is required")
	}
	if now == nil {
		now = time.Now
	}
	return &FirestoreBackend{provider: provider, now: now}, nil
}

type orderItemDocument struct {
	ProductID   string  `firestore:"productId"`
	ProductName string  `firestore:"productName"`
	Quantity    int     `firestore:"quantity"`
	UnitPrice   string  `firestore:"unitPrice"`
	Weight      *string `firestore:"weight,omitempty"`
}

type paymentDocument struct {
	PaymentMethodID string `firestore:"paymentMethodId"`
	Amount          string `firestore:"amount"`
	StoredValueCode string `firestore:"storedValueCode,omitempty"`
}

type orderDocument struct {
	OutletID          string              `firestore:"outletId"`
	CashierID         string              `firestore:"cashierId"`
	Items             []orderItemDocument `firestore:"items"`
	DiscountAmount    string              `firestore:"discountAmount"`
	DiscountType      string              `firestore:"discountType,omitempty"`
	CouponCode        string              `firestore:"couponCode,omitempty"`
	Payments          []paymentDocument   `firestore:"payments"`
	Notes             string              `firestore:"notes,omitempty"`
	OfflineReference  string              `firestore:"offlineReference,omitempty"`
	OfflineCapturedAt *time.Time          `firestore:"offlineCapturedAt,omitempty"`
	Total             string              `firestore:"total"`
	CreatedAt         time.Time           `firestore:"createdAt"`
}

// SubmitOrder creates the order document. AlreadyExists means an earlier attempt succeeded; the
// stored order is returned.
func (b *FirestoreBackend) SubmitOrder(ctx context.Context, session domain.Session, cmd domain.OrderCommand) (domain.Order, error) {
	ctx, span := firestoreTracer.Start(ctx, "firestore.SubmitOrder")
	defer span.End()
	span.SetAttributes(attribute.String("pos.offline_reference", cmd.OfflineReference))

	client, err := b.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, &SubmitError{Kind: KindNetwork, Err: err}
	}

	var ref *firestore.DocumentRef
	if id := strings.TrimSpace(cmd.OfflineReference); id != "" {
		ref = client.Collection(ordersCollection).Doc(id)
	} else {
		ref = client.Collection(ordersCollection).NewDoc()
	}

	doc := newOrderDocument(cmd, b.now().UTC())
	if _, err := ref.Create(ctx, doc); err != nil {
		wrapped := pfirestore.WrapError("orders.create", err)
		if !pfirestore.IsConflict(wrapped) {
			return domain.Order{}, submitFailure(wrapped)
		}
		snap, getErr := ref.Get(ctx)
		if getErr != nil {
			return domain.Order{}, submitFailure(pfirestore.WrapError("orders.get", getErr))
		}
		var existing orderDocument
		if err := snap.DataTo(&existing); err != nil {
			return domain.Order{}, &SubmitError{Kind: KindInvalidResponse, Err: err}
		}
		return existing.toDomain(ref.ID), nil
	}
	return doc.toDomain(ref.ID), nil
}

func submitFailure(err error) error {
	if pfirestore.IsUnavailable(err) {
		return &SubmitError{Kind: KindNetwork, Err: err}
	}
	return &SubmitError{Kind: KindRejected, Err: err}
}

type storedValueDocument struct {
	Balance   any        `firestore:"balance"`
	Active    bool       `firestore:"active"`
	ExpiresAt *time.Time `firestore:"expiresAt"`
}

// LookupStoredValue reads storedValueInstruments/{code}. Missing, inactive, expired or empty
// instruments are reported as not redeemable.
func (b *FirestoreBackend) LookupStoredValue(ctx context.Context, _ domain.Session, code string) (StoredValueResult, error) {
	ctx, span := firestoreTracer.Start(ctx, "firestore.LookupStoredValue")
	defer span.End()

	client, err := b.provider.Client(ctx)
	if err != nil {
		return StoredValueResult{}, &LookupError{Kind: KindNetwork, Err: err}
	}
	snap, err := client.Collection(storedValueCollection).Doc(code).Get(ctx)
	if err != nil {
		wrapped := pfirestore.WrapError("storedValue.get", err)
		switch {
		case pfirestore.IsNotFound(wrapped):
			return StoredValueResult{Message: "stored value instrument not found"}, nil
		case pfirestore.IsUnavailable(wrapped):
			return StoredValueResult{}, &LookupError{Kind: KindNetwork, Err: wrapped}
		default:
			return StoredValueResult{}, &LookupError{Kind: KindRejected, Err: wrapped}
		}
	}

	var doc storedValueDocument
	if err := snap.DataTo(&doc); err != nil {
		return StoredValueResult{}, &LookupError{Kind: KindInvalidResponse, Err: err}
	}
	balance, err := decimalFromValue(doc.Balance)
	if err != nil {
		return StoredValueResult{}, &LookupError{Kind: KindInvalidResponse, Err: err}
	}
	return evaluateStoredValue(doc.Active, doc.ExpiresAt, balance, b.now()), nil
}

func evaluateStoredValue(active bool, expiresAt *time.Time, balance decimal.Decimal, now time.Time) StoredValueResult {
	result := StoredValueResult{CurrentBalance: balance}
	switch {
	case !active:
		result.Message = "stored value instrument is inactive"
	case expiresAt != nil && !expiresAt.After(now):
		result.Message = "stored value instrument has expired"
	case !balance.IsPositive():
		result.Message = "stored value instrument has no balance"
	default:
		result.Redeemable = true
	}
	return result
}

type productDocument struct {
	Name           string `firestore:"name"`
	CategoryID     string `firestore:"categoryId"`
	Price          any    `firestore:"price"`
	TaxRatePercent any    `firestore:"taxRatePercent"`
	IsWeightBased  bool   `firestore:"isWeightBased"`
	Active         bool   `firestore:"active"`
}

type categoryDocument struct {
	Name string `firestore:"name"`
}

type paymentMethodDocument struct {
	Name   string `firestore:"name"`
	Kind   string `firestore:"kind"`
	Active bool   `firestore:"active"`
}

// FetchCatalog reads the three reference collections in full.
func (b *FirestoreBackend) FetchCatalog(ctx context.Context, _ domain.Session) (domain.CatalogSnapshot, error) {
	ctx, span := firestoreTracer.Start(ctx, "firestore.FetchCatalog")
	defer span.End()

	client, err := b.provider.Client(ctx)
	if err != nil {
		return domain.CatalogSnapshot{}, &FetchError{Kind: KindNetwork, Err: err}
	}

	snapshot := domain.CatalogSnapshot{FetchedAt: b.now().UTC()}

	products, err := client.Collection(productsCollection).Documents(ctx).GetAll()
	if err != nil {
		return domain.CatalogSnapshot{}, fetchFailure(pfirestore.WrapError("products.list", err))
	}
	for _, snap := range products {
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CatalogSnapshot{}, &FetchError{Kind: KindInvalidResponse, Err: fmt.Errorf("product %s: %w", snap.Ref.ID, err)}
		}
		price, err := decimalFromValue(doc.Price)
		if err != nil {
			return domain.CatalogSnapshot{}, &FetchError{Kind: KindInvalidResponse, Err: fmt.Errorf("product %s price: %w", snap.Ref.ID, err)}
		}
		rate, err := decimalFromValue(doc.TaxRatePercent)
		if err != nil {
			return domain.CatalogSnapshot{}, &FetchError{Kind: KindInvalidResponse, Err: fmt.Errorf("product %s tax rate: %w", snap.Ref.ID, err)}
		}
		snapshot.Products = append(snapshot.Products, domain.Product{
			ID:             snap.Ref.ID,
			Name:           doc.Name,
			CategoryID:     doc.CategoryID,
			Price:          price,
			TaxRatePercent: rate,
			IsWeightBased:  doc.IsWeightBased,
			Active:         doc.Active,
		})
	}

	categories, err := client.Collection(categoriesCollection).Documents(ctx).GetAll()
	if err != nil {
		return domain.CatalogSnapshot{}, fetchFailure(pfirestore.WrapError("categories.list", err))
	}
	for _, snap := range categories {
		var doc categoryDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CatalogSnapshot{}, &FetchError{Kind: KindInvalidResponse, Err: err}
		}
		snapshot.Categories = append(snapshot.Categories, domain.Category{ID: snap.Ref.ID, Name: doc.Name})
	}

	methods, err := client.Collection(paymentMethodsCollection).Documents(ctx).GetAll()
	if err != nil {
		return domain.CatalogSnapshot{}, fetchFailure(pfirestore.WrapError("paymentMethods.list", err))
	}
	for _, snap := range methods {
		var doc paymentMethodDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CatalogSnapshot{}, &FetchError{Kind: KindInvalidResponse, Err: err}
		}
		snapshot.PaymentMethods = append(snapshot.PaymentMethods, domain.PaymentMethod{
			ID:     snap.Ref.ID,
			Name:   doc.Name,
			Kind:   domain.TenderKind(strings.ToLower(doc.Kind)),
			Active: doc.Active,
		})
	}

	return snapshot, nil
}

func fetchFailure(err error) error {
	if pfirestore.IsUnavailable(err) {
		return &FetchError{Kind: KindNetwork, Err: err}
	}
	return &FetchError{Kind: KindRejected, Err: err}
}

func newOrderDocument(cmd domain.OrderCommand, now time.Time) orderDocument {
	doc := orderDocument{
		OutletID:          cmd.OutletID,
		CashierID:         cmd.CashierID,
		DiscountAmount:    cmd.DiscountAmount.StringFixed(2),
		DiscountType:      string(cmd.DiscountType),
		CouponCode:        cmd.CouponCode,
		Notes:             cmd.Notes,
		OfflineReference:  cmd.OfflineReference,
		OfflineCapturedAt: cmd.OfflineCapturedAt,
		CreatedAt:         now,
	}
	gross := decimal.Zero
	for _, item := range cmd.Items {
		line := orderItemDocument{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice.String(),
		}
		if item.Weight != nil {
			weight := item.Weight.String()
			line.Weight = &weight
			gross = gross.Add(item.UnitPrice.Mul(*item.Weight))
		} else {
			gross = gross.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
		}
		doc.Items = append(doc.Items, line)
	}
	for _, payment := range cmd.Payments {
		doc.Payments = append(doc.Payments, paymentDocument{
			PaymentMethodID: payment.PaymentMethodID,
			Amount:          payment.Amount.StringFixed(2),
			StoredValueCode: payment.StoredValueCode,
		})
	}
	doc.Total = domain.MaxZero(domain.RoundHalfEven2(gross).Sub(cmd.DiscountAmount)).StringFixed(2)
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	total, _ := decimal.NewFromString(d.Total)
	return domain.Order{
		ID:               id,
		OfflineReference: d.OfflineReference,
		Total:            total,
		CreatedAt:        d.CreatedAt,
	}
}

// decimalFromValue accepts the numeric shapes Firestore hands back for money fields.
func decimalFromValue(v any) (decimal.Decimal, error) {
	switch value := v.(type) {
	case nil:
		return decimal.Zero, nil
	case string:
		if strings.TrimSpace(value) == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(strings.TrimSpace(value))
	case int64:
		return decimal.NewFromInt(value), nil
	case float64:
		return decimal.NewFromFloat(value), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported numeric type %T", v)
	}
}
