package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hanko-field/pos/internal/domain"
	"github.com/hanko-field/pos/internal/platform/httpx"
	"github.com/hanko-field/pos/internal/services"
)

// CheckoutHandlers exposes the active checkout of the calling cashier.
type CheckoutHandlers struct {
	registry *services.CheckoutRegistry
}

func NewCheckoutHandlers(registry *services.CheckoutRegistry) *CheckoutHandlers {
	return &CheckoutHandlers{registry: registry}
}

// Routes wires the /checkout endpoints onto the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.start)
	r.Get("/", h.get)
	r.Delete("/", h.cancel)

	r.Put("/items", h.setItems)
	r.Post("/items", h.addItem)
	r.Delete("/items/{productID}", h.removeItem)

	r.Post("/promotion", h.applyPromotion)
	r.Delete("/promotion", h.clearPromotion)

	r.Post("/payments/begin", h.beginPayment)
	r.Post("/payments", h.addPayment)
	r.Patch("/payments/{entryID}", h.updatePayment)
	r.Delete("/payments/{entryID}", h.removePayment)
	r.Post("/payments/{entryID}/verify", h.verifyPayment)
	r.Post("/payments/{entryID}/card", h.attachCard)

	r.Post("/complete", h.complete)
}

type itemsRequest struct {
	Items []domain.LineItem `json:"items"`
}

type promotionRequest struct {
	Kind                 domain.PromotionKind `json:"kind"`
	Code                 string               `json:"code"`
	DiscountType         domain.DiscountType  `json:"discountType"`
	DiscountValue        decimal.Decimal      `json:"discountValue"`
	ApplicableProductIDs []string             `json:"applicableProductIds"`
}

type addPaymentRequest struct {
	PaymentMethodID string          `json:"paymentMethodId"`
	Amount          decimal.Decimal `json:"amount"`
	StoredValueCode string          `json:"storedValueCode"`
	CardToken       string          `json:"cardToken"`
}

type updatePaymentRequest struct {
	Amount          *decimal.Decimal `json:"amount"`
	StoredValueCode *string          `json:"storedValueCode"`
}

type completeRequest struct {
	Notes string `json:"notes"`
}

type paymentResponse struct {
	Payment  domain.PaymentEntry   `json:"payment"`
	Checkout services.CheckoutView `json:"checkout"`
}

func (h *CheckoutHandlers) start(w http.ResponseWriter, r *http.Request) {
	checkout, created, err := h.registry.Start(r.Context(), sessionFrom(r))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, checkout.View())
}

func (h *CheckoutHandlers) get(w http.ResponseWriter, r *http.Request) {
	checkout, err := h.registry.Get(sessionFrom(r))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, checkout.View())
}

func (h *CheckoutHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Cancel(r.Context(), sessionFrom(r)); err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// current resolves the session's checkout or writes the error response.
func (h *CheckoutHandlers) current(w http.ResponseWriter, r *http.Request) (*services.Checkout, bool) {
	checkout, err := h.registry.Get(sessionFrom(r))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return nil, false
	}
	return checkout, true
}

func (h *CheckoutHandlers) setItems(w http.ResponseWriter, r *http.Request) {
	var req itemsRequest
	if err := httpx.DecodeJSON(r, maxBodySize, &req); err != nil {
		writeDecodeError(r.Context(), w, err)
		return
	}
	checkout, ok := h.current(w, r)
	if !ok {
		return
	}
	view, err := checkout.SetItems(r.Context(), req.Items)
	writeView(w, r, view, err)
}

func (h *CheckoutHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	var item domain.LineItem
	if err := httpx.DecodeJSON(r, maxBodySize, &item); err != nil {
		writeDecodeError(r.Context(), w, err)
		return
	}
	checkout, ok := h.current(w, r)
	if !ok {
		return
	}
	view, err := checkout.AddItem(r.Context(), item)
	writeView(w, r, view, err)
}

func (h *CheckoutHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	checkout, ok := h.current(w, r)
	if !ok {
		return
	}
	view, err := checkout.RemoveItem(r.Context(), chi.URLParam(r, "productID"))
	writeView(w, r, view, err)
}

func (h *CheckoutHandlers) applyPromotion(w http.ResponseWriter, r *http.Request) {
	var req promotionRequest
	if err := httpx.DecodeJSON(r, maxBodySize, &req); err != nil {
		writeDecodeError(r.Context(), w, err)
		return
	}
	checkout, ok := h.current(w, r)
	if !ok {
		return
	}

	discountType := domain.DiscountType(strings.ToUpper(strings.TrimSpace(string(req.DiscountType))))
	var (
		view services.CheckoutView
		err  error
	)
	switch req.Kind {
	case domain.PromotionCoupon:
		view, err = checkout.ApplyCoupon(r.Context(), domain.NewCoupon(req.Code, discountType, req.DiscountValue, req.ApplicableProductIDs...))
	case domain.PromotionManual:
		view, err = checkout.ApplyManualDiscount(r.Context(), discountType, req.DiscountValue)
	default:
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "kind must be coupon or manual", http.StatusBadRequest))
		return
	}
	writeView(w, r, view, err)
}

func (h *CheckoutHandlers) clearPromotion(w http.ResponseWriter, r *http.Request) {
	checkout, ok := h.current(w, r)
	if !ok {
		return
	}
	view, err := checkout.ClearPromotion(r.Context())
	writeView(w, r, view, err)
}

func (h *CheckoutHandlers) beginPayment(w http.ResponseWriter, r *http.Request) {
	checkout, ok := h.current(w, r)
	if !ok {
		return
	}
	view, err := checkout.BeginPayment(r.Context())
	writeView(w, r, view, err)
}

func (h *CheckoutHandlers) addPayment(w http.ResponseWriter, r *http.Request) {
	var req addPaymentRequest
	if err := httpx.DecodeJSON(r, maxBodySize, &req); err != nil {
		writeDecodeError(r.Context(), w, err)
		return
	}
	checkout, ok := h.current(w, r)
	if !ok {
		return
	}
	entry, err := checkout.AddPayment(r.Context(), services.PaymentInput{
		PaymentMethodID: req.PaymentMethodID,
		Amount:          req.Amount,
		StoredValueCode: req.StoredValueCode,
		CardToken:       req.CardToken,
	})
	writePayment(w, r, http.StatusCreated, checkout, entry, err)
}

func (h *CheckoutHandlers) updatePayment(w http.ResponseWriter, r *http.Request) {
	var req updatePaymentRequest
	if err := httpx.DecodeJSON(r, maxBodySize, &req); err != nil {
		writeDecodeError(r.Context(), w, err)
		return
	}
	checkout, ok := h.current(w, r)
	if !ok {
		return
	}
	entry, err := checkout.UpdatePayment(r.Context(), chi.URLParam(r, "entryID"), services.PaymentUpdate{
		Amount:          req.Amount,
		StoredValueCode: req.StoredValueCode,
	})
	writePayment(w, r, http.StatusOK, checkout, entry, err)
}

func (h *CheckoutHandlers) removePayment(w http.ResponseWriter, r *http.Request) {
	checkout, ok := h.current(w, r)
	if !ok {
		return
	}
	if err := checkout.RemovePayment(r.Context(), chi.URLParam(r, "entryID")); err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, checkout.View())
}

func (h *CheckoutHandlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	checkout, ok := h.current(w, r)
	if !ok {
		return
	}
	entry, err := checkout.VerifyStoredValue(r.Context(), chi.URLParam(r, "entryID"))
	writePayment(w, r, http.StatusOK, checkout, entry, err)
}

func (h *CheckoutHandlers) attachCard(w http.ResponseWriter, r *http.Request) {
	checkout, ok := h.current(w, r)
	if !ok {
		return
	}
	entry, err := checkout.AttachCardDetails(r.Context(), chi.URLParam(r, "entryID"))
	writePayment(w, r, http.StatusOK, checkout, entry, err)
}

// complete answers 200 when the backend took the order and 202 when it was queued for replay.
func (h *CheckoutHandlers) complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := httpx.DecodeJSON(r, maxBodySize, &req); err != nil {
		writeDecodeError(r.Context(), w, err)
		return
	}
	checkout, ok := h.current(w, r)
	if !ok {
		return
	}
	result, err := checkout.Complete(r.Context(), req.Notes)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	status := http.StatusOK
	if result.Status == services.CompletionQueued {
		status = http.StatusAccepted
	}
	httpx.WriteJSON(w, status, result)
}

func writeView(w http.ResponseWriter, r *http.Request, view services.CheckoutView, err error) {
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

func writePayment(w http.ResponseWriter, r *http.Request, status int, checkout *services.Checkout, entry domain.PaymentEntry, err error) {
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, status, paymentResponse{Payment: entry, Checkout: checkout.View()})
}
