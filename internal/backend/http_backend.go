package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hanko-field/pos/internal/domain"
)

const (
	defaultHTTPTimeout   = 10 * time.Second
	maxResponseBodyBytes = 4 << 20
	idempotencyHeader    = "Idempotency-Key"
)

// HTTPBackend implements Backend against the order service's JSON API.
type HTTPBackend struct {
	baseURL   *url.URL
	client    *http.Client
	deviceID  string
	userAgent string
	now       func() time.Time
}

// HTTPConfig configures an HTTPBackend.
type HTTPConfig struct {
	BaseURL  string
	Timeout  time.Duration
	DeviceID string
}

// HTTPOption customises an HTTPBackend.
type HTTPOption func(*HTTPBackend)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(b *HTTPBackend) {
		if client != nil {
			b.client = client
		}
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) HTTPOption {
	return func(b *HTTPBackend) {
		b.userAgent = strings.TrimSpace(ua)
	}
}

// WithClock overrides the clock used to stamp fetched catalog snapshots.
func WithClock(now func() time.Time) HTTPOption {
	return func(b *HTTPBackend) {
		if now != nil {
			b.now = now
		}
	}
}

// NewHTTPBackend validates cfg and builds a backend whose transport is traced with OpenTelemetry.
func NewHTTPBackend(cfg HTTPConfig, opts ...HTTPOption) (*HTTPBackend, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("backend: base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend: invalid base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	b := &HTTPBackend{
		baseURL: base,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		deviceID:  strings.TrimSpace(cfg.DeviceID),
		userAgent: "pos-terminal",
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SubmitOrder posts cmd with its offline reference as the idempotency key. A 409 carrying the
// existing order is a duplicate of an earlier successful submit and counts as success.
func (b *HTTPBackend) SubmitOrder(ctx context.Context, session domain.Session, cmd domain.OrderCommand) (domain.Order, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return domain.Order{}, &SubmitError{Kind: KindRejected, Message: "encode order", Err: err}
	}

	req, err := b.newRequest(ctx, http.MethodPost, "/v1/orders", nil, session, bytes.NewReader(body))
	if err != nil {
		return domain.Order{}, &SubmitError{Kind: KindRejected, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if ref := strings.TrimSpace(cmd.OfflineReference); ref != "" {
		req.Header.Set(idempotencyHeader, ref)
	}

	status, payload, err := b.do(req)
	if err != nil {
		return domain.Order{}, &SubmitError{Kind: KindNetwork, Err: err}
	}

	switch {
	case status == http.StatusOK || status == http.StatusCreated || status == http.StatusConflict:
		var order domain.Order
		if err := json.Unmarshal(payload, &order); err != nil || order.ID == "" {
			if status == http.StatusConflict {
				return domain.Order{}, &SubmitError{Kind: KindRejected, Status: status, Message: errorMessage(payload)}
			}
			return domain.Order{}, &SubmitError{Kind: KindInvalidResponse, Status: status, Err: err}
		}
		return order, nil
	case retryableStatus(status):
		return domain.Order{}, &SubmitError{Kind: KindNetwork, Status: status, Message: errorMessage(payload)}
	default:
		return domain.Order{}, &SubmitError{Kind: KindRejected, Status: status, Message: errorMessage(payload)}
	}
}

// LookupStoredValue fetches the current state of a stored-value instrument. An unknown code yields
// a non-redeemable result.
func (b *HTTPBackend) LookupStoredValue(ctx context.Context, session domain.Session, code string) (StoredValueResult, error) {
	req, err := b.newRequest(ctx, http.MethodGet, "/v1/stored-value/"+url.PathEscape(code), nil, session, nil)
	if err != nil {
		return StoredValueResult{}, &LookupError{Kind: KindRejected, Err: err}
	}

	status, payload, err := b.do(req)
	if err != nil {
		return StoredValueResult{}, &LookupError{Kind: KindNetwork, Err: err}
	}

	switch {
	case status == http.StatusOK:
		var result StoredValueResult
		if err := json.Unmarshal(payload, &result); err != nil {
			return StoredValueResult{}, &LookupError{Kind: KindInvalidResponse, Status: status, Err: err}
		}
		return result, nil
	case status == http.StatusNotFound:
		return StoredValueResult{Redeemable: false, Message: "stored value instrument not found"}, nil
	case retryableStatus(status):
		return StoredValueResult{}, &LookupError{Kind: KindNetwork, Status: status, Message: errorMessage(payload)}
	default:
		return StoredValueResult{}, &LookupError{Kind: KindRejected, Status: status, Message: errorMessage(payload)}
	}
}

// FetchCatalog downloads products, categories and payment methods for the session's outlet.
func (b *HTTPBackend) FetchCatalog(ctx context.Context, session domain.Session) (domain.CatalogSnapshot, error) {
	query := url.Values{}
	if session.OutletID != "" {
		query.Set("outletId", session.OutletID)
	}
	req, err := b.newRequest(ctx, http.MethodGet, "/v1/catalog", query, session, nil)
	if err != nil {
		return domain.CatalogSnapshot{}, &FetchError{Kind: KindRejected, Err: err}
	}

	status, payload, err := b.do(req)
	if err != nil {
		return domain.CatalogSnapshot{}, &FetchError{Kind: KindNetwork, Err: err}
	}

	switch {
	case status == http.StatusOK:
		var snapshot domain.CatalogSnapshot
		if err := json.Unmarshal(payload, &snapshot); err != nil {
			return domain.CatalogSnapshot{}, &FetchError{Kind: KindInvalidResponse, Status: status, Err: err}
		}
		if snapshot.FetchedAt.IsZero() {
			snapshot.FetchedAt = b.now().UTC()
		}
		return snapshot, nil
	case retryableStatus(status):
		return domain.CatalogSnapshot{}, &FetchError{Kind: KindNetwork, Status: status, Message: errorMessage(payload)}
	default:
		return domain.CatalogSnapshot{}, &FetchError{Kind: KindRejected, Status: status, Message: errorMessage(payload)}
	}
}

func (b *HTTPBackend) newRequest(ctx context.Context, method, path string, query url.Values, session domain.Session, body io.Reader) (*http.Request, error) {
	target := b.baseURL.JoinPath(path)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if b.userAgent != "" {
		req.Header.Set("User-Agent", b.userAgent)
	}
	if token := strings.TrimSpace(session.AuthToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if session.OutletID != "" {
		req.Header.Set("X-Outlet-ID", session.OutletID)
	}
	if session.CashierID != "" {
		req.Header.Set("X-Cashier-ID", session.CashierID)
	}
	if b.deviceID != "" {
		req.Header.Set("X-Device-ID", b.deviceID)
	}
	return req, nil
}

func (b *HTTPBackend) do(req *http.Request) (int, []byte, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, payload, nil
}

func retryableStatus(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func errorMessage(payload []byte) string {
	var body errorBody
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	msg := strings.TrimSpace(string(payload))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
