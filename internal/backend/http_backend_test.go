package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/hanko-field/pos/internal/domain"
)

var testSession = domain.Session{OutletID: "outlet-1", CashierID: "cashier-7", AuthToken: "tok-123"}

func newTestBackend(t *testing.T, handler http.HandlerFunc) *HTTPBackend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b, err := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL + "/", Timeout: time.Second, DeviceID: "till-3"},
		WithHTTPClient(srv.Client()),
		WithClock(func() time.Time { return time.Date(2024, 5, 4, 9, 0, 0, 0, time.UTC) }),
	)
	require.NoError(t, err)
	return b
}

func TestHTTPBackendSubmitOrder(t *testing.T) {
	var captured domain.OrderCommand
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/orders", r.URL.Path)
		require.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		require.Equal(t, "ref-1", r.Header.Get("Idempotency-Key"))
		require.Equal(t, "outlet-1", r.Header.Get("X-Outlet-ID"))
		require.Equal(t, "till-3", r.Header.Get("X-Device-ID"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ord_1","number":"A-100","offlineReference":"ref-1","total":"90.00","createdAt":"2024-05-04T09:00:00Z"}`))
	})

	order, err := b.SubmitOrder(context.Background(), testSession, domain.OrderCommand{
		OutletID:         "outlet-1",
		CashierID:        "cashier-7",
		OfflineReference: "ref-1",
		DiscountAmount:   decimal.RequireFromString("10"),
	})
	require.NoError(t, err)
	require.Equal(t, "ord_1", order.ID)
	require.True(t, order.Total.Equal(decimal.RequireFromString("90")))
	require.Equal(t, "ref-1", captured.OfflineReference)
}

func TestHTTPBackendSubmitOrderDuplicateIsSuccess(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"id":"ord_existing","offlineReference":"ref-1","total":"5"}`))
	})

	order, err := b.SubmitOrder(context.Background(), testSession, domain.OrderCommand{OfflineReference: "ref-1"})
	require.NoError(t, err)
	require.Equal(t, "ord_existing", order.ID)
}

func TestHTTPBackendSubmitOrderClassifiesFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   ErrorKind
	}{
		{"server error", http.StatusBadGateway, `{"error":"upstream"}`, KindNetwork},
		{"throttled", http.StatusTooManyRequests, ``, KindNetwork},
		{"validation", http.StatusUnprocessableEntity, `{"error":"invalid_payment","message":"payment method disabled"}`, KindRejected},
		{"conflict without order", http.StatusConflict, `{"error":"conflict"}`, KindRejected},
		{"garbage", http.StatusOK, `not json`, KindInvalidResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := b.SubmitOrder(context.Background(), testSession, domain.OrderCommand{OfflineReference: "ref"})
			var submitErr *SubmitError
			require.ErrorAs(t, err, &submitErr)
			require.Equal(t, tc.kind, submitErr.Kind)
			require.Equal(t, tc.kind == KindNetwork, IsNetwork(err))
		})
	}
}

func TestHTTPBackendSubmitOrderTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	b, err := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	srv.Close()

	_, err = b.SubmitOrder(context.Background(), testSession, domain.OrderCommand{})
	require.True(t, IsNetwork(err))
	var submitErr *SubmitError
	require.True(t, errors.As(err, &submitErr))
}

func TestHTTPBackendLookupStoredValue(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/stored-value/GV100":
			_, _ = w.Write([]byte(`{"redeemable":true,"currentBalance":25.5,"message":"ok"}`))
		case "/v1/stored-value/LOST":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})

	result, err := b.LookupStoredValue(context.Background(), testSession, "GV100")
	require.NoError(t, err)
	require.True(t, result.Redeemable)
	require.True(t, result.CurrentBalance.Equal(decimal.RequireFromString("25.50")))

	result, err = b.LookupStoredValue(context.Background(), testSession, "LOST")
	require.NoError(t, err)
	require.False(t, result.Redeemable)
	require.NotEmpty(t, result.Message)

	_, err = b.LookupStoredValue(context.Background(), testSession, "DOWN")
	var lookupErr *LookupError
	require.ErrorAs(t, err, &lookupErr)
	require.Equal(t, KindNetwork, lookupErr.Kind)
	require.Equal(t, http.StatusServiceUnavailable, lookupErr.Status)
}

func TestHTTPBackendFetchCatalog(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/catalog", r.URL.Path)
		require.Equal(t, "outlet-1", r.URL.Query().Get("outletId"))
		_, _ = w.Write([]byte(`{
			"products":[{"id":"p1","name":"Coffee","price":"4.50","taxRatePercent":"10","active":true}],
			"categories":[{"id":"c1","name":"Drinks"}],
			"paymentMethods":[{"id":"cash","name":"Cash","kind":"cash","active":true}]
		}`))
	})

	snapshot, err := b.FetchCatalog(context.Background(), testSession)
	require.NoError(t, err)
	require.Len(t, snapshot.Products, 1)
	require.Equal(t, domain.TenderCash, snapshot.PaymentMethods[0].Kind)
	require.Equal(t, time.Date(2024, 5, 4, 9, 0, 0, 0, time.UTC), snapshot.FetchedAt)
}

func TestHTTPBackendFetchCatalogRejected(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"forbidden","message":"outlet disabled"}`))
	})

	_, err := b.FetchCatalog(context.Background(), testSession)
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, KindRejected, fetchErr.Kind)
	require.Equal(t, "outlet disabled", fetchErr.Message)
	require.Equal(t, KindRejected, KindOf(err))
}

func TestNewHTTPBackendValidatesURL(t *testing.T) {
	_, err := NewHTTPBackend(HTTPConfig{})
	require.Error(t, err)
	_, err = NewHTTPBackend(HTTPConfig{BaseURL: "not a url"})
	require.Error(t, err)
}
