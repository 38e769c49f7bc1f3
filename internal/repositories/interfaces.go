package repositories

import (
	"context"
	"time"

	"github.com/hanko-field/pos/internal/domain"
)

// Registry exposes the terminal-local repositories and their lifecycle.
type Registry interface {
	QueuedOrders() QueuedOrderRepository
	CatalogSnapshots() CatalogSnapshotRepository
	Close() error
}

// QueuedOrderRepository persists offline orders keyed by idempotency token. Writes are atomic per token.
type QueuedOrderRepository interface {
	// Upsert stores order, replacing any existing row with the same token.
	Upsert(ctx context.Context, order domain.QueuedOrder) error
	// List returns every queued order, oldest first.
	List(ctx context.Context) ([]domain.QueuedOrder, error)
	Get(ctx context.Context, token string) (domain.QueuedOrder, error)
	Delete(ctx context.Context, token string) error
	// RecordFailure increments the retry count and stores the failure message.
	RecordFailure(ctx context.Context, token, lastError string, attemptedAt time.Time) (domain.QueuedOrder, error)
	DeleteAll(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
	DrainLease
}

// DrainLease is a cross-process mutex with expiry, so a crashed holder cannot block replay forever.
type DrainLease interface {
	AcquireDrainLease(ctx context.Context, owner string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseDrainLease(ctx context.Context, owner string) error
}

// CatalogSnapshotRepository stores the single last-good catalog snapshot.
type CatalogSnapshotRepository interface {
	// Load returns the stored snapshot. A missing snapshot is reported as a not-found RepositoryError.
	Load(ctx context.Context) (domain.CatalogSnapshot, error)
	Save(ctx context.Context, snapshot domain.CatalogSnapshot) error
}

// RepositoryError exposes classification helpers shared by repository implementations.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}
