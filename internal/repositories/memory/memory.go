// Package memory provides process-local repositories. The agent falls back to them when the
// SQLite file cannot be opened; queued orders then do not survive a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hanko-field/pos/internal/domain"
	"github.com/hanko-field/pos/internal/repositories"
)

// Store implements repositories.Registry in memory.
type Store struct {
	queuedOrders *QueuedOrderRepository
	catalog      *CatalogSnapshotRepository
}

var _ repositories.Registry = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		queuedOrders: NewQueuedOrderRepository(),
		catalog:      &CatalogSnapshotRepository{},
	}
}

func (s *Store) QueuedOrders() repositories.QueuedOrderRepository         { return s.queuedOrders }
func (s *Store) CatalogSnapshots() repositories.CatalogSnapshotRepository { return s.catalog }
func (s *Store) Close() error                                             { return nil }

type lease struct {
	owner   string
	expires time.Time
}

// QueuedOrderRepository keeps queued orders in a map guarded by a mutex.
type QueuedOrderRepository struct {
	mu     sync.Mutex
	orders map[string]domain.QueuedOrder
	lease  *lease
}

var _ repositories.QueuedOrderRepository = (*QueuedOrderRepository)(nil)

func NewQueuedOrderRepository() *QueuedOrderRepository {
	return &QueuedOrderRepository{orders: make(map[string]domain.QueuedOrder)}
}

func (r *QueuedOrderRepository) Upsert(_ context.Context, order domain.QueuedOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	r.orders[order.Token] = cloneQueued(order)
	return nil
}

func (r *QueuedOrderRepository) List(_ context.Context) ([]domain.QueuedOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	orders := make([]domain.QueuedOrder, 0, len(r.orders))
	for _, order := range r.orders {
		orders = append(orders, cloneQueued(order))
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].Token < orders[j].Token
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

func (r *QueuedOrderRepository) Get(_ context.Context, token string) (domain.QueuedOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[token]
	if !ok {
		return domain.QueuedOrder{}, repositories.NewNotFound("queued_orders.get")
	}
	return cloneQueued(order), nil
}

func (r *QueuedOrderRepository) Delete(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orders, token)
	return nil
}

func (r *QueuedOrderRepository) RecordFailure(_ context.Context, token, lastError string, attemptedAt time.Time) (domain.QueuedOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[token]
	if !ok {
		return domain.QueuedOrder{}, repositories.NewNotFound("queued_orders.record_failure")
	}
	order.RetryCount++
	order.LastError = lastError
	attempted := attemptedAt
	order.LastAttemptAt = &attempted
	order.UpdatedAt = attemptedAt
	r.orders[token] = order
	return cloneQueued(order), nil
}

func (r *QueuedOrderRepository) DeleteAll(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.orders)
	r.orders = make(map[string]domain.QueuedOrder)
	return n, nil
}

func (r *QueuedOrderRepository) Count(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders), nil
}

func (r *QueuedOrderRepository) AcquireDrainLease(_ context.Context, owner string, ttl time.Duration, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lease != nil && r.lease.owner != owner && now.Before(r.lease.expires) {
		return false, nil
	}
	r.lease = &lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (r *QueuedOrderRepository) ReleaseDrainLease(_ context.Context, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lease != nil && r.lease.owner == owner {
		r.lease = nil
	}
	return nil
}

func cloneQueued(order domain.QueuedOrder) domain.QueuedOrder {
	order.Payload.Items = append([]domain.OrderItem(nil), order.Payload.Items...)
	order.Payload.Payments = append([]domain.PaymentLine(nil), order.Payload.Payments...)
	if order.LastAttemptAt != nil {
		attempted := *order.LastAttemptAt
		order.LastAttemptAt = &attempted
	}
	return order
}

// CatalogSnapshotRepository holds at most one snapshot.
type CatalogSnapshotRepository struct {
	mu       sync.RWMutex
	snapshot *domain.CatalogSnapshot
}

var _ repositories.CatalogSnapshotRepository = (*CatalogSnapshotRepository)(nil)

func (r *CatalogSnapshotRepository) Load(_ context.Context) (domain.CatalogSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.snapshot == nil {
		return domain.CatalogSnapshot{}, repositories.NewNotFound("catalog_snapshots.load")
	}
	return r.snapshot.Clone(), nil
}

func (r *CatalogSnapshotRepository) Save(_ context.Context, snapshot domain.CatalogSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := snapshot.Clone()
	r.snapshot = &clone
	return nil
}
