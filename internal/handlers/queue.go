package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/pos/internal/domain"
	"github.com/hanko-field/pos/internal/platform/httpx"
	"github.com/hanko-field/pos/internal/services"
)

// OrderQueue is the subset of services.OfflineOrderQueue used by the HTTP layer.
type OrderQueue interface {
	List(ctx context.Context) ([]domain.QueuedOrder, error)
	Drain(ctx context.Context) (services.DrainReport, error)
	Clear(ctx context.Context, confirm bool) (int, error)
}

const defaultDrainTimeout = 5 * time.Minute

// QueueHandlers exposes inspection and manual control of the offline order queue.
type QueueHandlers struct {
	queue        OrderQueue
	drainTimeout time.Duration
}

// QueueOption customises QueueHandlers.
type QueueOption func(*QueueHandlers)

// WithDrainTimeout bounds a drain pass started over HTTP.
func WithDrainTimeout(timeout time.Duration) QueueOption {
	return func(h *QueueHandlers) {
		if timeout > 0 {
			h.drainTimeout = timeout
		}
	}
}

func NewQueueHandlers(queue OrderQueue, opts ...QueueOption) *QueueHandlers {
	h := &QueueHandlers{queue: queue, drainTimeout: defaultDrainTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *QueueHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.list)
	r.Post("/drain", h.drain)
	r.Delete("/", h.clear)
}

type queueListResponse struct {
	Orders []domain.QueuedOrder `json:"orders"`
	Count  int                  `json:"count"`
}

type drainResponse struct {
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Remaining int           `json:"remaining"`
	Errors    []drainFailed `json:"errors,omitempty"`
}

type drainFailed struct {
	Token      string `json:"token"`
	RetryCount int    `json:"retryCount"`
	Error      string `json:"error"`
}

func (h *QueueHandlers) list(w http.ResponseWriter, r *http.Request) {
	orders, err := h.queue.List(r.Context())
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	if orders == nil {
		orders = []domain.QueuedOrder{}
	}
	httpx.WriteJSON(w, http.StatusOK, queueListResponse{Orders: orders, Count: len(orders)})
}

// drain replays the queue synchronously. Individual replay failures are reported in the body;
// the request itself succeeds. The pass may be shared with the background drain loop, so it is
// detached from the client connection and bounded by drainTimeout instead.
func (h *QueueHandlers) drain(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.drainTimeout)
	defer cancel()

	report, err := h.queue.Drain(ctx)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	resp := drainResponse{
		Attempted: report.Attempted,
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
		Remaining: report.Remaining,
	}
	for _, replayErr := range report.Errors {
		resp.Errors = append(resp.Errors, drainFailed{
			Token:      replayErr.Token,
			RetryCount: replayErr.RetryCount,
			Error:      replayErr.Err.Error(),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *QueueHandlers) clear(w http.ResponseWriter, r *http.Request) {
	confirm, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	cleared, err := h.queue.Clear(r.Context(), confirm)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}
