package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/hanko-field/pos/internal/backend"
	"github.com/hanko-field/pos/internal/domain"
	"github.com/hanko-field/pos/internal/repositories"
)

const (
	instrumentationName     = "github.com/hanko-field/pos/internal/services"
	defaultDrainLeaseTTL    = 2 * time.Minute
	drainFlightKey          = "drain"
	orderQueueEventEnqueued = "order_queue.enqueued"
	orderQueueEventReplayed = "order_queue.replayed"
	orderQueueEventFailed   = "order_queue.replay.failed"
)

// OrderReplayedEvent announces that a queued order reached the backend.
type OrderReplayedEvent struct {
	Token       string    `json:"token"`
	OrderID     string    `json:"orderId"`
	OrderNumber string    `json:"orderNumber,omitempty"`
	OutletID    string    `json:"outletId"`
	CashierID   string    `json:"cashierId"`
	RetryCount  int       `json:"retryCount"`
	CapturedAt  time.Time `json:"capturedAt"`
	ReplayedAt  time.Time `json:"replayedAt"`
}

// OrderEventPublisher fans replay notifications out to other systems.
type OrderEventPublisher interface {
	PublishOrderReplayed(ctx context.Context, event OrderReplayedEvent) (string, error)
}

// DrainReport summarises one drain pass.
type DrainReport struct {
	Attempted int                 `json:"attempted"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
	Remaining int                 `json:"remaining"`
	Errors    []*QueueReplayError `json:"-"`
}

// OnlyNetworkFailures reports whether every failure in the pass was a transport-level one.
func (r DrainReport) OnlyNetworkFailures() bool {
	if len(r.Errors) == 0 {
		return false
	}
	for _, err := range r.Errors {
		if !backend.IsNetwork(err) {
			return false
		}
	}
	return true
}

// OfflineOrderQueueDeps wires the offline queue.
type OfflineOrderQueueDeps struct {
	Orders    repositories.QueuedOrderRepository
	Submitter backend.OrderSubmitter
	Publisher OrderEventPublisher
	// Session authenticates replays. Queued payloads keep the cashier that captured them.
	Session     domain.Session
	LeaseOwner  string
	LeaseTTL    time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Meter       metric.Meter
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

// OfflineOrderQueue durably stores orders that could not be submitted and replays them later
// using their stored idempotency token.
type OfflineOrderQueue struct {
	orders    repositories.QueuedOrderRepository
	submitter backend.OrderSubmitter
	publisher OrderEventPublisher
	session   domain.Session
	owner     string
	leaseTTL  time.Duration
	now       func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
	tracer    trace.Tracer
	group     singleflight.Group

	replayed metric.Int64Counter
	failed   metric.Int64Counter
}

func NewOfflineOrderQueue(deps OfflineOrderQueueDeps) (*OfflineOrderQueue, error) {
	if deps.Orders == nil {
		return nil, errors.New("order queue: repository is required")
	}
	if deps.Submitter == nil {
		return nil, errors.New("order queue: submitter is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	owner := strings.TrimSpace(deps.LeaseOwner)
	if owner == "" {
		owner = idGen()
	}
	ttl := deps.LeaseTTL
	if ttl <= 0 {
		ttl = defaultDrainLeaseTTL
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}

	q := &OfflineOrderQueue{
		orders:    deps.Orders,
		submitter: deps.Submitter,
		publisher: deps.Publisher,
		session:   deps.Session,
		owner:     owner,
		leaseTTL:  ttl,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}

	var err error
	if q.replayed, err = meter.Int64Counter("pos.queue.replayed", metric.WithDescription("Queued orders accepted by the backend on replay")); err != nil {
		return nil, err
	}
	if q.failed, err = meter.Int64Counter("pos.queue.failed", metric.WithDescription("Failed replay attempts of queued orders")); err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue persists cmd for later replay. The command's offline reference is the token; a fresh
// one is generated and written into the payload when missing. Enqueuing an existing token
// replaces the stored entry.
func (q *OfflineOrderQueue) Enqueue(ctx context.Context, cmd domain.OrderCommand) (domain.QueuedOrder, error) {
	now := q.now()
	token := strings.TrimSpace(cmd.OfflineReference)
	if token == "" {
		token = q.newID()
	}
	cmd.OfflineReference = token
	if cmd.OfflineCapturedAt == nil {
		captured := now
		cmd.OfflineCapturedAt = &captured
	}

	order := domain.QueuedOrder{
		Token:     token,
		Payload:   cmd,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.orders.Upsert(ctx, order); err != nil {
		return domain.QueuedOrder{}, err
	}
	q.logger(ctx, orderQueueEventEnqueued, map[string]any{
		"token":   token,
		"outlet":  cmd.OutletID,
		"cashier": cmd.CashierID,
	})
	return order, nil
}

// Drain replays every queued order, oldest first. Concurrent calls in this process share one
// pass; a pass running in another process makes Drain return ErrQueueDrainInProgress. Failed
// entries stay queued and are reported in DrainReport.Errors.
func (q *OfflineOrderQueue) Drain(ctx context.Context) (DrainReport, error) {
	v, err, _ := q.group.Do(drainFlightKey, func() (any, error) {
		return q.drain(ctx)
	})
	if err != nil {
		return DrainReport{}, err
	}
	return v.(DrainReport), nil
}

func (q *OfflineOrderQueue) drain(ctx context.Context) (report DrainReport, err error) {
	ctx, span := q.tracer.Start(ctx, "order_queue.drain")
	defer func() {
		span.SetAttributes(
			attribute.Int("pos.queue.attempted", report.Attempted),
			attribute.Int("pos.queue.succeeded", report.Succeeded),
			attribute.Int("pos.queue.failed", report.Failed),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	acquired, err := q.orders.AcquireDrainLease(ctx, q.owner, q.leaseTTL, q.now())
	if err != nil {
		return DrainReport{}, err
	}
	if !acquired {
		return DrainReport{}, ErrQueueDrainInProgress
	}
	defer func() {
		if releaseErr := q.orders.ReleaseDrainLease(context.WithoutCancel(ctx), q.owner); releaseErr != nil {
			q.logger(ctx, "order_queue.lease.release.failed", map[string]any{"error": releaseErr.Error()})
		}
	}()

	pending, err := q.orders.List(ctx)
	if err != nil {
		return DrainReport{}, err
	}

	for i, order := range pending {
		if ctx.Err() != nil {
			break
		}
		// Every entry starts under a freshly extended lease, whether earlier entries succeeded
		// or not. Losing it means another process took over the pass.
		if i > 0 {
			held, leaseErr := q.orders.AcquireDrainLease(ctx, q.owner, q.leaseTTL, q.now())
			if leaseErr != nil || !held {
				fields := map[string]any{"owner": q.owner, "remaining": len(pending) - i}
				if leaseErr != nil {
					fields["error"] = leaseErr.Error()
				}
				q.logger(ctx, "order_queue.lease.lost", fields)
				break
			}
		}

		report.Attempted++
		if replayErr := q.replay(ctx, order); replayErr != nil {
			report.Failed++
			report.Errors = append(report.Errors, replayErr)
			continue
		}
		report.Succeeded++
	}

	remaining, countErr := q.orders.Count(ctx)
	if countErr != nil {
		remaining = report.Attempted - report.Succeeded
	}
	report.Remaining = remaining
	return report, nil
}

// replay submits one queued order. The submit is bounded by the lease TTL so it cannot outlive
// the lease it started under. A submit cut short because ctx itself ended is not a replay
// failure and leaves the stored entry untouched.
func (q *OfflineOrderQueue) replay(ctx context.Context, queued domain.QueuedOrder) *QueueReplayError {
	cmd := queued.Payload
	cmd.OfflineReference = queued.Token

	submitCtx, cancel := context.WithTimeout(ctx, q.leaseTTL)
	defer cancel()
	order, err := q.submitter.SubmitOrder(submitCtx, q.session, cmd)
	if err != nil && ctx.Err() != nil {
		q.logger(ctx, "order_queue.replay.aborted", map[string]any{
			"token": queued.Token,
			"error": err.Error(),
		})
		return &QueueReplayError{Token: queued.Token, RetryCount: queued.RetryCount, Err: err}
	}
	if err != nil {
		attempted := q.now()
		retryCount := queued.RetryCount + 1
		updated, recordErr := q.orders.RecordFailure(ctx, queued.Token, err.Error(), attempted)
		if recordErr != nil {
			q.logger(ctx, "order_queue.record_failure.failed", map[string]any{
				"token": queued.Token,
				"error": recordErr.Error(),
			})
		} else {
			retryCount = updated.RetryCount
		}
		q.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(backend.KindOf(err)))))
		q.logger(ctx, orderQueueEventFailed, map[string]any{
			"token":      queued.Token,
			"retryCount": retryCount,
			"kind":       string(backend.KindOf(err)),
			"error":      err.Error(),
		})
		return &QueueReplayError{Token: queued.Token, RetryCount: retryCount, Err: err}
	}

	if err := q.orders.Delete(context.WithoutCancel(ctx), queued.Token); err != nil {
		// The backend has the order; a leftover row replays as a duplicate, which is idempotent.
		q.logger(ctx, "order_queue.delete.failed", map[string]any{"token": queued.Token, "error": err.Error()})
	}
	q.replayed.Add(ctx, 1)
	q.logger(ctx, orderQueueEventReplayed, map[string]any{
		"token":      queued.Token,
		"orderId":    order.ID,
		"retryCount": queued.RetryCount,
	})
	q.publishReplayed(ctx, queued, order)
	return nil
}

func (q *OfflineOrderQueue) publishReplayed(ctx context.Context, queued domain.QueuedOrder, order domain.Order) {
	if q.publisher == nil {
		return
	}
	event := OrderReplayedEvent{
		Token:       queued.Token,
		OrderID:     order.ID,
		OrderNumber: order.Number,
		OutletID:    queued.Payload.OutletID,
		CashierID:   queued.Payload.CashierID,
		RetryCount:  queued.RetryCount,
		CapturedAt:  queued.CreatedAt,
		ReplayedAt:  q.now(),
	}
	if _, err := q.publisher.PublishOrderReplayed(ctx, event); err != nil {
		q.logger(ctx, "order_queue.publish.failed", map[string]any{"token": queued.Token, "error": err.Error()})
	}
}

// Clear removes every queued order. It is meant for use after a confirmed full sync.
func (q *OfflineOrderQueue) Clear(ctx context.Context, confirm bool) (int, error) {
	if !confirm {
		return 0, ErrQueueClearNotConfirmed
	}
	removed, err := q.orders.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	q.logger(ctx, "order_queue.cleared", map[string]any{"removed": removed})
	return removed, nil
}

// List returns queued orders, oldest first.
func (q *OfflineOrderQueue) List(ctx context.Context) ([]domain.QueuedOrder, error) {
	return q.orders.List(ctx)
}

// Len returns the number of queued orders.
func (q *OfflineOrderQueue) Len(ctx context.Context) (int, error) {
	return q.orders.Count(ctx)
}

// Run drains on start and then every interval until ctx is done. A pass in which every failure
// was a network error backs off before the next tick.
func (q *OfflineOrderQueue) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("order queue: drain interval must be positive")
	}
	backoff := newDrainBackoff(interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := q.Drain(ctx)
		switch {
		case errors.Is(err, ErrQueueDrainInProgress):
			q.logger(ctx, "order_queue.drain.skipped", map[string]any{"owner": q.owner})
		case err != nil && ctx.Err() == nil:
			q.logger(ctx, "order_queue.drain.failed", map[string]any{"error": err.Error()})
		case report.OnlyNetworkFailures():
			pause := backoff.Pause()
			q.logger(ctx, "order_queue.drain.backoff", map[string]any{
				"failed": report.Failed,
				"pause":  pause.String(),
			})
			if err := gax.Sleep(ctx, pause); err != nil {
				return nil
			}
		case report.Attempted > 0:
			backoff = newDrainBackoff(interval)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func newDrainBackoff(interval time.Duration) *gax.Backoff {
	return &gax.Backoff{
		Initial:    interval,
		Max:        10 * interval,
		Multiplier: 2,
	}
}
