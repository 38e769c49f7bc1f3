package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanko-field/pos/internal/backend"
	"github.com/hanko-field/pos/internal/domain"
	"github.com/hanko-field/pos/internal/platform/textutil"
)

// CheckoutState is the position of a checkout in its lifecycle.
type CheckoutState string

const (
	CheckoutIdle              CheckoutState = "idle"
	CheckoutCollectingPayment CheckoutState = "collecting_payment"
	CheckoutVerifying         CheckoutState = "verifying"
	CheckoutFinalizing        CheckoutState = "finalizing"
	CheckoutComplete          CheckoutState = "complete"
	CheckoutCancelled         CheckoutState = "cancelled"
)

// CompletionStatus tells the cashier how the order was captured.
type CompletionStatus string

const (
	// CompletionSubmitted means the backend acknowledged the order.
	CompletionSubmitted CompletionStatus = "submitted"
	// CompletionQueued means the order was stored locally for replay. The sale is accepted.
	CompletionQueued CompletionStatus = "queued"
)

// CompletionResult is returned by Checkout.Complete and kept for repeated calls.
type CompletionResult struct {
	Status           CompletionStatus    `json:"status"`
	OfflineReference string              `json:"offlineReference"`
	Order            *domain.Order       `json:"order,omitempty"`
	Queued           *domain.QueuedOrder `json:"queued,omitempty"`
	Totals           domain.OrderTotals  `json:"totals"`
	Summary          PaymentSummary      `json:"summary"`
}

// CheckoutView is a read-only copy of a checkout.
type CheckoutView struct {
	ID        string                `json:"id"`
	OutletID  string                `json:"outletId"`
	CashierID string                `json:"cashierId"`
	State     CheckoutState         `json:"state"`
	Items     []domain.LineItem     `json:"items"`
	Promotion *domain.Promotion     `json:"promotion,omitempty"`
	Totals    domain.OrderTotals    `json:"totals"`
	Payments  []domain.PaymentEntry `json:"payments"`
	Summary   PaymentSummary        `json:"summary"`
	Result    *CompletionResult     `json:"result,omitempty"`
}

// PaymentMethodCatalog resolves tender options. LocalCatalogCache satisfies it.
type PaymentMethodCatalog interface {
	PaymentMethod(id string) (domain.PaymentMethod, bool)
}

// StoredValueChecker verifies stored-value instruments. StoredValueVerifier satisfies it.
type StoredValueChecker interface {
	Verify(ctx context.Context, session domain.Session, code string) (domain.StoredValueVerification, error)
}

// CardDetailLookup resolves display details for a tokenised card.
type CardDetailLookup interface {
	LookupCard(ctx context.Context, token string) (domain.CardDetails, error)
}

// OrderEnqueuer stores orders for later replay. OfflineOrderQueue satisfies it.
type OrderEnqueuer interface {
	Enqueue(ctx context.Context, cmd domain.OrderCommand) (domain.QueuedOrder, error)
}

// PaymentInput describes a new tender line.
type PaymentInput struct {
	PaymentMethodID string
	Amount          decimal.Decimal
	StoredValueCode string
	CardToken       string
}

// PaymentUpdate edits an existing tender line. Nil fields are left unchanged.
type PaymentUpdate struct {
	Amount          *decimal.Decimal
	StoredValueCode *string
}

// CheckoutDeps wires the collaborators shared by every checkout.
type CheckoutDeps struct {
	Aggregator  *CartAggregator
	Promotions  *PromotionResolver
	Reconciler  *PaymentReconciler
	Catalog     PaymentMethodCatalog
	Verifier    StoredValueChecker
	Cards       CardDetailLookup
	Submitter   backend.OrderSubmitter
	Queue       OrderEnqueuer
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type checkoutEnv struct {
	aggregator *CartAggregator
	promotions *PromotionResolver
	reconciler *PaymentReconciler
	catalog    PaymentMethodCatalog
	verifier   StoredValueChecker
	cards      CardDetailLookup
	submitter  backend.OrderSubmitter
	queue      OrderEnqueuer
	now        func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
	tracer     trace.Tracer
}

// CheckoutRegistry keeps at most one active checkout per outlet and cashier.
type CheckoutRegistry struct {
	env *checkoutEnv

	mu        sync.Mutex
	checkouts map[string]*Checkout
}

// NewCheckoutRegistry validates deps and builds an empty registry.
func NewCheckoutRegistry(deps CheckoutDeps) (*CheckoutRegistry, error) {
	if deps.Catalog == nil {
		return nil, errors.New("checkout registry: payment method catalog is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("checkout registry: stored value verifier is required")
	}
	if deps.Submitter == nil {
		return nil, errors.New("checkout registry: order submitter is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("checkout registry: order queue is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	promotions := deps.Promotions
	if promotions == nil {
		promotions = NewPromotionResolver(PromotionResolverDeps{Logger: logger})
	}
	aggregator := deps.Aggregator
	if aggregator == nil {
		aggregator = NewCartAggregator(CartAggregatorDeps{Promotions: promotions, Logger: logger})
	}
	reconciler := deps.Reconciler
	if reconciler == nil {
		reconciler = NewPaymentReconciler()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	return &CheckoutRegistry{
		env: &checkoutEnv{
			aggregator: aggregator,
			promotions: promotions,
			reconciler: reconciler,
			catalog:    deps.Catalog,
			verifier:   deps.Verifier,
			cards:      deps.Cards,
			submitter:  deps.Submitter,
			queue:      deps.Queue,
			now: func() time.Time {
				return clock().UTC()
			},
			newID:  idGen,
			logger: logger,
			tracer: otel.Tracer(instrumentationName),
		},
		checkouts: make(map[string]*Checkout),
	}, nil
}

func sessionKey(session domain.Session) (string, error) {
	outlet := strings.TrimSpace(session.OutletID)
	cashier := strings.TrimSpace(session.CashierID)
	if outlet == "" {
		return "", invalid("session.outletId", "is required")
	}
	if cashier == "" {
		return "", invalid("session.cashierId", "is required")
	}
	return outlet + "/" + cashier, nil
}

// Start returns the session's active checkout, or opens a new one when there is none or the
// previous one has finished. created reports which happened.
func (r *CheckoutRegistry) Start(ctx context.Context, session domain.Session) (checkout *Checkout, created bool, err error) {
	key, err := sessionKey(session)
	if err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.checkouts[key]; ok && existing.active() {
		existing.refreshSession(session)
		return existing, false, nil
	}
	checkout = newCheckout(r.env, session)
	r.checkouts[key] = checkout
	r.env.logger(ctx, "checkout.started", map[string]any{
		"checkoutId": checkout.id,
		"outlet":     session.OutletID,
		"cashier":    session.CashierID,
	})
	return checkout, true, nil
}

// Get returns the session's current checkout, including a completed one.
func (r *CheckoutRegistry) Get(session domain.Session) (*Checkout, error) {
	key, err := sessionKey(session)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	checkout, ok := r.checkouts[key]
	if !ok {
		return nil, ErrCheckoutNotFound
	}
	checkout.refreshSession(session)
	return checkout, nil
}

// Cancel discards the session's checkout. Queued orders are never touched.
func (r *CheckoutRegistry) Cancel(ctx context.Context, session domain.Session) error {
	key, err := sessionKey(session)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	checkout, ok := r.checkouts[key]
	if !ok {
		return ErrCheckoutNotFound
	}
	if err := checkout.Cancel(ctx); err != nil {
		return err
	}
	delete(r.checkouts, key)
	return nil
}

// Checkout is the state machine for a single sale. All methods are safe for concurrent use.
type Checkout struct {
	env       *checkoutEnv
	id        string
	reference string

	mu        sync.Mutex
	session   domain.Session
	state     CheckoutState
	items     []domain.LineItem
	promotion *domain.Promotion
	totals    domain.OrderTotals
	payments  []domain.PaymentEntry
	result    *CompletionResult
}

func newCheckout(env *checkoutEnv, session domain.Session) *Checkout {
	return &Checkout{
		env:       env,
		id:        env.newID(),
		reference: env.newID(),
		session:   session,
		state:     CheckoutIdle,
		totals:    zeroTotals(),
	}
}

func zeroTotals() domain.OrderTotals {
	return domain.OrderTotals{
		Subtotal:      decimal.Zero,
		TaxTotal:      decimal.Zero,
		DiscountTotal: decimal.Zero,
		TotalDue:      decimal.Zero,
	}
}

func (c *Checkout) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != CheckoutComplete && c.state != CheckoutCancelled
}

// refreshSession keeps the latest auth token; outlet and cashier are fixed by the registry key.
func (c *Checkout) refreshSession(session domain.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token := strings.TrimSpace(session.AuthToken); token != "" {
		c.session.AuthToken = token
	}
}

// ID returns the checkout identifier.
func (c *Checkout) ID() string { return c.id }

// State returns the current state.
func (c *Checkout) State() CheckoutState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// View returns a copy of the checkout.
func (c *Checkout) View() CheckoutView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Checkout) viewLocked() CheckoutView {
	view := CheckoutView{
		ID:        c.id,
		OutletID:  c.session.OutletID,
		CashierID: c.session.CashierID,
		State:     c.state,
		Items:     append([]domain.LineItem{}, c.items...),
		Totals:    c.totals,
		Payments:  clonePayments(c.payments),
		Summary:   c.env.reconciler.Summarize(c.totals.TotalDue, c.payments),
	}
	if c.promotion != nil {
		promo := *c.promotion
		promo.ApplicableProductIDs = append([]string(nil), promo.ApplicableProductIDs...)
		view.Promotion = &promo
	}
	if c.result != nil {
		result := *c.result
		view.Result = &result
	}
	return view
}

func clonePayments(entries []domain.PaymentEntry) []domain.PaymentEntry {
	out := make([]domain.PaymentEntry, len(entries))
	for i, entry := range entries {
		out[i] = clonePayment(entry)
	}
	return out
}

func clonePayment(entry domain.PaymentEntry) domain.PaymentEntry {
	if entry.StoredValue != nil {
		sv := *entry.StoredValue
		if sv.Verification != nil {
			verification := *sv.Verification
			sv.Verification = &verification
		}
		entry.StoredValue = &sv
	}
	if entry.Card != nil {
		card := *entry.Card
		entry.Card = &card
	}
	return entry
}

func (c *Checkout) requireState(allowed ...CheckoutState) error {
	for _, state := range allowed {
		if c.state == state {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrCheckoutState, c.state)
}

func (c *Checkout) requireCartEditable() error {
	return c.requireState(CheckoutIdle, CheckoutCollectingPayment)
}

// recomputeLocked prices items with promotion and only commits them when pricing succeeds.
func (c *Checkout) recomputeLocked(ctx context.Context, items []domain.LineItem, promotion *domain.Promotion) error {
	totals, err := c.env.aggregator.Recompute(ctx, items, promotion)
	if err != nil {
		return err
	}
	c.items = items
	c.promotion = promotion
	c.totals = totals
	return nil
}

// SetItems replaces the cart.
func (c *Checkout) SetItems(ctx context.Context, items []domain.LineItem) (CheckoutView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireCartEditable(); err != nil {
		return CheckoutView{}, err
	}
	next := append([]domain.LineItem{}, items...)
	if err := c.recomputeLocked(ctx, next, c.promotion); err != nil {
		return CheckoutView{}, err
	}
	return c.viewLocked(), nil
}

// AddItem appends item, merging quantities with an existing unit-priced row for the same product.
// item is validated on its own before merging, so a merge can never lower a row's quantity.
func (c *Checkout) AddItem(ctx context.Context, item domain.LineItem) (CheckoutView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireCartEditable(); err != nil {
		return CheckoutView{}, err
	}
	if err := ValidateLineItem("item", item); err != nil {
		return CheckoutView{}, err
	}
	next := append([]domain.LineItem{}, c.items...)
	merged := false
	if !item.IsWeightBased {
		for i := range next {
			if next[i].ProductID == item.ProductID && !next[i].IsWeightBased && next[i].UnitPrice.Equal(item.UnitPrice) {
				next[i].Quantity += item.Quantity
				merged = true
				break
			}
		}
	}
	if !merged {
		next = append(next, item)
	}
	if err := c.recomputeLocked(ctx, next, c.promotion); err != nil {
		return CheckoutView{}, err
	}
	return c.viewLocked(), nil
}

// RemoveItem drops every row for productID.
func (c *Checkout) RemoveItem(ctx context.Context, productID string) (CheckoutView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireCartEditable(); err != nil {
		return CheckoutView{}, err
	}
	next := make([]domain.LineItem, 0, len(c.items))
	for _, item := range c.items {
		if item.ProductID != productID {
			next = append(next, item)
		}
	}
	if err := c.recomputeLocked(ctx, next, c.promotion); err != nil {
		return CheckoutView{}, err
	}
	return c.viewLocked(), nil
}

// ApplyCoupon activates a coupon, replacing any manual discount. A restricted coupon matching no
// cart item is rejected with ErrCouponNotApplicable.
func (c *Checkout) ApplyCoupon(ctx context.Context, coupon domain.Promotion) (CheckoutView, error) {
	coupon.Kind = domain.PromotionCoupon
	coupon = NormalizePromotion(coupon)
	if err := ValidatePromotion(coupon); err != nil {
		return CheckoutView{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireCartEditable(); err != nil {
		return CheckoutView{}, err
	}
	if !CouponApplicable(c.items, coupon) {
		return CheckoutView{}, ErrCouponNotApplicable
	}
	if err := c.recomputeLocked(ctx, c.items, &coupon); err != nil {
		return CheckoutView{}, err
	}
	c.env.logger(ctx, "checkout.coupon.applied", map[string]any{"checkoutId": c.id, "code": coupon.Code})
	return c.viewLocked(), nil
}

// ApplyManualDiscount activates a cashier discount, replacing any coupon.
func (c *Checkout) ApplyManualDiscount(ctx context.Context, discountType domain.DiscountType, value decimal.Decimal) (CheckoutView, error) {
	discount := domain.NewManualDiscount(discountType, value)
	if err := ValidatePromotion(discount); err != nil {
		return CheckoutView{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireCartEditable(); err != nil {
		return CheckoutView{}, err
	}
	if err := c.recomputeLocked(ctx, c.items, &discount); err != nil {
		return CheckoutView{}, err
	}
	return c.viewLocked(), nil
}

// ClearPromotion removes the active coupon or manual discount.
func (c *Checkout) ClearPromotion(ctx context.Context) (CheckoutView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireCartEditable(); err != nil {
		return CheckoutView{}, err
	}
	if err := c.recomputeLocked(ctx, c.items, nil); err != nil {
		return CheckoutView{}, err
	}
	return c.viewLocked(), nil
}

// BeginPayment moves a non-empty cart into payment collection.
func (c *Checkout) BeginPayment(ctx context.Context) (CheckoutView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CheckoutCollectingPayment {
		return c.viewLocked(), nil
	}
	if err := c.requireState(CheckoutIdle); err != nil {
		return CheckoutView{}, err
	}
	if len(c.items) == 0 {
		return CheckoutView{}, invalid("items", "must not be empty")
	}
	c.state = CheckoutCollectingPayment
	return c.viewLocked(), nil
}

// AddPayment appends a tender line. Its kind comes from the catalog payment method.
func (c *Checkout) AddPayment(ctx context.Context, input PaymentInput) (domain.PaymentEntry, error) {
	methodID := strings.TrimSpace(input.PaymentMethodID)
	method, ok := c.env.catalog.PaymentMethod(methodID)
	if !ok {
		return domain.PaymentEntry{}, invalid("paymentMethodId", "unknown payment method %q", methodID)
	}
	if !method.Active {
		return domain.PaymentEntry{}, invalid("paymentMethodId", "payment method %q is inactive", methodID)
	}
	if !method.Kind.Valid() {
		return domain.PaymentEntry{}, invalid("paymentMethodId", "payment method %q has unknown kind %q", methodID, method.Kind)
	}
	if input.Amount.IsNegative() {
		return domain.PaymentEntry{}, invalid("amount", "must not be negative")
	}

	entry := domain.PaymentEntry{
		ID:              c.env.newID(),
		Kind:            method.Kind,
		PaymentMethodID: method.ID,
		Amount:          input.Amount,
	}
	switch method.Kind {
	case domain.TenderStoredValue:
		code := textutil.NormalizeCode(input.StoredValueCode)
		if code == "" {
			return domain.PaymentEntry{}, invalid("storedValueCode", "is required for stored value payments")
		}
		entry.StoredValue = &domain.StoredValueTender{Code: code}
	case domain.TenderCard:
		entry.Card = &domain.CardTender{Token: strings.TrimSpace(input.CardToken)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireState(CheckoutCollectingPayment); err != nil {
		return domain.PaymentEntry{}, err
	}
	c.payments = append(c.payments, entry)
	return clonePayment(entry), nil
}

func (c *Checkout) paymentIndexLocked(entryID string) (int, error) {
	for i, entry := range c.payments {
		if entry.ID == entryID {
			return i, nil
		}
	}
	return -1, ErrPaymentEntryNotFound
}

// UpdatePayment edits an entry's amount or stored-value code. Changing the code drops the cached
// verification; an amount edit keeps it and Complete re-checks the balance.
func (c *Checkout) UpdatePayment(ctx context.Context, entryID string, update PaymentUpdate) (domain.PaymentEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireState(CheckoutCollectingPayment); err != nil {
		return domain.PaymentEntry{}, err
	}
	idx, err := c.paymentIndexLocked(entryID)
	if err != nil {
		return domain.PaymentEntry{}, err
	}
	entry := clonePayment(c.payments[idx])

	if update.Amount != nil {
		if update.Amount.IsNegative() {
			return domain.PaymentEntry{}, invalid("amount", "must not be negative")
		}
		entry.Amount = *update.Amount
	}
	if update.StoredValueCode != nil {
		if entry.Kind != domain.TenderStoredValue {
			return domain.PaymentEntry{}, invalid("storedValueCode", "only applies to stored value payments")
		}
		code := textutil.NormalizeCode(*update.StoredValueCode)
		if code == "" {
			return domain.PaymentEntry{}, invalid("storedValueCode", "is required for stored value payments")
		}
		if code != entry.StoredValue.Code {
			entry.StoredValue = &domain.StoredValueTender{Code: code}
		}
	}

	c.payments[idx] = entry
	return clonePayment(entry), nil
}

// RemovePayment deletes an entry.
func (c *Checkout) RemovePayment(ctx context.Context, entryID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireState(CheckoutCollectingPayment); err != nil {
		return err
	}
	idx, err := c.paymentIndexLocked(entryID)
	if err != nil {
		return err
	}
	c.payments = append(c.payments[:idx], c.payments[idx+1:]...)
	return nil
}

// VerifyStoredValue checks a stored-value entry against the backend and caches the answer on it.
// The checkout is in the Verifying state for the duration of the remote call, which rejects other
// mutations. A failed call leaves the entry unverified and returns the *backend.LookupError.
func (c *Checkout) VerifyStoredValue(ctx context.Context, entryID string) (domain.PaymentEntry, error) {
	c.mu.Lock()
	if err := c.requireState(CheckoutCollectingPayment); err != nil {
		c.mu.Unlock()
		return domain.PaymentEntry{}, err
	}
	idx, err := c.paymentIndexLocked(entryID)
	if err != nil {
		c.mu.Unlock()
		return domain.PaymentEntry{}, err
	}
	entry := c.payments[idx]
	if entry.Kind != domain.TenderStoredValue || entry.StoredValue == nil {
		c.mu.Unlock()
		return domain.PaymentEntry{}, invalid("entryId", "payment %s is not a stored value payment", entryID)
	}
	code := entry.StoredValue.Code
	session := c.session
	c.state = CheckoutVerifying
	c.mu.Unlock()

	verification, verifyErr := c.env.verifier.Verify(ctx, session, code)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CheckoutCollectingPayment
	idx, err = c.paymentIndexLocked(entryID)
	if err != nil {
		return domain.PaymentEntry{}, err
	}
	updated := clonePayment(c.payments[idx])
	if verifyErr != nil {
		updated.StoredValue.Verification = nil
		c.payments[idx] = updated
		return clonePayment(updated), verifyErr
	}
	updated.StoredValue.Verification = &verification
	c.payments[idx] = updated
	c.env.logger(ctx, "checkout.stored_value.verified", map[string]any{
		"checkoutId": c.id,
		"entryId":    entryID,
		"redeemable": verification.Redeemable,
	})
	return clonePayment(updated), nil
}

// AttachCardDetails resolves brand and last four digits for a card entry's PSP token.
func (c *Checkout) AttachCardDetails(ctx context.Context, entryID string) (domain.PaymentEntry, error) {
	if c.env.cards == nil {
		return domain.PaymentEntry{}, ErrCardLookupUnavailable
	}

	c.mu.Lock()
	if err := c.requireState(CheckoutCollectingPayment); err != nil {
		c.mu.Unlock()
		return domain.PaymentEntry{}, err
	}
	idx, err := c.paymentIndexLocked(entryID)
	if err != nil {
		c.mu.Unlock()
		return domain.PaymentEntry{}, err
	}
	entry := c.payments[idx]
	if entry.Kind != domain.TenderCard || entry.Card == nil || entry.Card.Token == "" {
		c.mu.Unlock()
		return domain.PaymentEntry{}, invalid("entryId", "payment %s has no card token", entryID)
	}
	token := entry.Card.Token
	c.mu.Unlock()

	details, err := c.env.cards.LookupCard(ctx, token)
	if err != nil {
		return domain.PaymentEntry{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	idx, err = c.paymentIndexLocked(entryID)
	if err != nil {
		return domain.PaymentEntry{}, err
	}
	updated := clonePayment(c.payments[idx])
	if updated.Card == nil || updated.Card.Token != token {
		return clonePayment(updated), nil
	}
	updated.Card.Brand = details.Brand
	updated.Card.Last4 = details.Last4
	c.payments[idx] = updated
	return clonePayment(updated), nil
}

// Complete finalises payments and captures the order. A network failure while submitting
// queues the order and still completes the sale with status queued. A rejection returns the
// checkout to payment collection. Once complete, further calls return the stored result.
func (c *Checkout) Complete(ctx context.Context, notes string) (CompletionResult, error) {
	c.mu.Lock()
	if c.state == CheckoutComplete && c.result != nil {
		result := *c.result
		c.mu.Unlock()
		return result, nil
	}
	if err := c.requireState(CheckoutCollectingPayment); err != nil {
		c.mu.Unlock()
		return CompletionResult{}, err
	}
	totals, err := c.env.aggregator.Recompute(ctx, c.items, c.promotion)
	if err != nil {
		c.mu.Unlock()
		return CompletionResult{}, err
	}
	lines, err := c.env.reconciler.Finalize(totals.TotalDue, c.payments)
	if err != nil {
		c.mu.Unlock()
		return CompletionResult{}, err
	}
	c.totals = totals
	summary := c.env.reconciler.Summarize(totals.TotalDue, c.payments)
	cmd := c.buildOrderCommandLocked(lines, notes)
	session := c.session
	c.state = CheckoutFinalizing
	c.mu.Unlock()

	result, err := c.capture(ctx, session, cmd)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = CheckoutCollectingPayment
		return CompletionResult{}, err
	}
	result.Totals = totals
	result.Summary = summary
	c.result = &result
	c.state = CheckoutComplete
	return result, nil
}

func (c *Checkout) capture(ctx context.Context, session domain.Session, cmd domain.OrderCommand) (CompletionResult, error) {
	ctx, span := c.env.tracer.Start(ctx, "checkout.complete", trace.WithAttributes(
		attribute.String("pos.checkout.id", c.id),
		attribute.String("pos.order.reference", cmd.OfflineReference),
	))
	defer span.End()

	order, err := c.env.submitter.SubmitOrder(ctx, session, cmd)
	if err == nil {
		span.SetAttributes(attribute.String("pos.order.status", string(CompletionSubmitted)))
		c.env.logger(ctx, "checkout.completed", map[string]any{
			"checkoutId": c.id,
			"orderId":    order.ID,
			"reference":  cmd.OfflineReference,
		})
		return CompletionResult{
			Status:           CompletionSubmitted,
			OfflineReference: cmd.OfflineReference,
			Order:            &order,
		}, nil
	}

	if !backend.IsNetwork(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.env.logger(ctx, "checkout.submit.failed", map[string]any{
			"checkoutId": c.id,
			"reference":  cmd.OfflineReference,
			"kind":       string(backend.KindOf(err)),
			"error":      err.Error(),
		})
		return CompletionResult{}, err
	}

	queued, qErr := c.env.queue.Enqueue(ctx, cmd)
	if qErr != nil {
		span.RecordError(qErr)
		span.SetStatus(codes.Error, qErr.Error())
		c.env.logger(ctx, "checkout.enqueue.failed", map[string]any{
			"checkoutId": c.id,
			"reference":  cmd.OfflineReference,
			"error":      qErr.Error(),
		})
		return CompletionResult{}, fmt.Errorf("checkout: queue order after %v: %w", err, qErr)
	}
	span.SetAttributes(attribute.String("pos.order.status", string(CompletionQueued)))
	c.env.logger(ctx, "checkout.queued", map[string]any{
		"checkoutId": c.id,
		"reference":  queued.Token,
		"cause":      err.Error(),
	})
	return CompletionResult{
		Status:           CompletionQueued,
		OfflineReference: queued.Token,
		Queued:           &queued,
	}, nil
}

func (c *Checkout) buildOrderCommandLocked(lines []domain.PaymentLine, notes string) domain.OrderCommand {
	items := make([]domain.OrderItem, 0, len(c.items))
	for _, item := range c.items {
		orderItem := domain.OrderItem{
			ProductID:   item.ProductID,
			ProductName: item.Name,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
		}
		if item.IsWeightBased {
			weight := item.Weight
			orderItem.Quantity = 1
			orderItem.Weight = &weight
		}
		items = append(items, orderItem)
	}

	cmd := domain.OrderCommand{
		OutletID:         c.session.OutletID,
		CashierID:        c.session.CashierID,
		Items:            items,
		DiscountAmount:   c.totals.DiscountTotal,
		Payments:         lines,
		Notes:            textutil.SanitizeNote(notes),
		OfflineReference: c.reference,
	}
	if c.promotion != nil && c.totals.DiscountTotal.IsPositive() {
		cmd.DiscountType = c.promotion.DiscountType
		cmd.CouponCode = c.promotion.Code
	}
	return cmd
}

// Cancel discards the in-memory sale. A checkout that is finalising or complete cannot be cancelled.
func (c *Checkout) Cancel(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CheckoutCancelled {
		return nil
	}
	if err := c.requireState(CheckoutIdle, CheckoutCollectingPayment); err != nil {
		return err
	}
	c.state = CheckoutCancelled
	c.items = nil
	c.promotion = nil
	c.payments = nil
	c.totals = zeroTotals()
	c.env.logger(ctx, "checkout.cancelled", map[string]any{"checkoutId": c.id})
	return nil
}
