package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/hanko-field/pos/internal/backend"
	"github.com/hanko-field/pos/internal/payments"
	"github.com/hanko-field/pos/internal/platform/httpx"
	"github.com/hanko-field/pos/internal/platform/requestctx"
	"github.com/hanko-field/pos/internal/services"
)

const maxBodySize = 64 * 1024

// writeServiceError maps service and backend errors onto the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var validationErr *services.ValidationError
	if errors.As(err, &validationErr) {
		apiErr := httpx.NewError("validation_failed", err.Error(), http.StatusUnprocessableEntity)
		if validationErr.Field != "" {
			apiErr = apiErr.WithDetails(map[string]any{"field": validationErr.Field})
		}
		httpx.WriteError(ctx, w, apiErr)
		return
	}

	var paymentErr *services.PaymentError
	entryDetails := map[string]any{}
	if errors.As(err, &paymentErr) {
		entryDetails["entry_id"] = paymentErr.EntryID
	}

	switch {
	case errors.Is(err, services.ErrCheckoutNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_not_found", "no active checkout for this session", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentEntryNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", "payment entry not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_checkout_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrQueueDrainInProgress):
		httpx.WriteError(ctx, w, httpx.NewError("drain_in_progress", "another drain is already running", http.StatusConflict))
	case errors.Is(err, services.ErrQueueClearNotConfirmed):
		httpx.WriteError(ctx, w, httpx.NewError("confirmation_required", "pass confirm=true to clear the queue", http.StatusBadRequest))
	case errors.Is(err, services.ErrIncompletePayment):
		httpx.WriteError(ctx, w, httpx.NewError("payment_incomplete", "payments do not cover the total due", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrUnverifiedStoredValue):
		httpx.WriteError(ctx, w, httpx.NewError("stored_value_unverified", "stored value payment must be verified", http.StatusUnprocessableEntity).WithDetails(entryDetails))
	case errors.Is(err, services.ErrInsufficientBalance):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_balance", "stored value balance does not cover the amount", http.StatusUnprocessableEntity).WithDetails(entryDetails))
	case errors.Is(err, services.ErrCouponNotApplicable):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_not_applicable", "coupon does not apply to any cart item", http.StatusUnprocessableEntity))
	case errors.Is(err, payments.ErrCardTokenRequired):
		httpx.WriteError(ctx, w, httpx.NewError("card_token_required", "card payment has no token", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCardLookupUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("card_lookup_unavailable", "card lookup is not configured", http.StatusServiceUnavailable))
	default:
		switch backend.KindOf(err) {
		case backend.KindNetwork:
			httpx.WriteError(ctx, w, httpx.NewError("backend_unavailable", "order service is unreachable", http.StatusServiceUnavailable))
		case backend.KindRejected:
			httpx.WriteError(ctx, w, httpx.NewError("backend_rejected", err.Error(), http.StatusBadGateway))
		case backend.KindInvalidResponse:
			httpx.WriteError(ctx, w, httpx.NewError("backend_invalid_response", "order service returned an unreadable response", http.StatusBadGateway))
		default:
			requestctx.Logger(ctx).Error("handlers: unexpected error", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
		}
	}
}

func writeDecodeError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, httpx.ErrBodyTooLarge) {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
}
