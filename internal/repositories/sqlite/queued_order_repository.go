package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hanko-field/pos/internal/domain"
	"github.com/hanko-field/pos/internal/repositories"
)

const drainLeaseName = "order_queue"

// QueuedOrderRepository implements repositories.QueuedOrderRepository on SQLite.
type QueuedOrderRepository struct {
	db *sqlx.DB
	// onCorrupt is told about rows whose payload cannot be decoded. Those rows stay on disk.
	onCorrupt func(token string, err error)
}

var _ repositories.QueuedOrderRepository = (*QueuedOrderRepository)(nil)

type queuedOrderRow struct {
	Token         string        `db:"token"`
	Payload       []byte        `db:"payload"`
	CreatedAt     int64         `db:"created_at"`
	UpdatedAt     int64         `db:"updated_at"`
	RetryCount    int           `db:"retry_count"`
	LastError     string        `db:"last_error"`
	LastAttemptAt sql.NullInt64 `db:"last_attempt_at"`
}

// OnCorruptRow registers a callback for undecodable rows skipped by List.
func (r *QueuedOrderRepository) OnCorruptRow(fn func(token string, err error)) {
	r.onCorrupt = fn
}

// Upsert writes order, replacing the row for the same token wholesale.
func (r *QueuedOrderRepository) Upsert(ctx context.Context, order domain.QueuedOrder) error {
	payload, err := json.Marshal(order.Payload)
	if err != nil {
		return repositories.NewCorrupt("queued_orders.upsert", err)
	}
	updated := order.UpdatedAt
	if updated.IsZero() {
		updated = order.CreatedAt
	}
	row := queuedOrderRow{
		Token:         order.Token,
		Payload:       payload,
		CreatedAt:     order.CreatedAt.UnixNano(),
		UpdatedAt:     updated.UnixNano(),
		RetryCount:    order.RetryCount,
		LastError:     order.LastError,
		LastAttemptAt: nullTime(order.LastAttemptAt),
	}
	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO queued_orders (token, payload, created_at, updated_at, retry_count, last_error, last_attempt_at)
		VALUES (:token, :payload, :created_at, :updated_at, :retry_count, :last_error, :last_attempt_at)
		ON CONFLICT(token) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			retry_count = excluded.retry_count,
			last_error = excluded.last_error,
			last_attempt_at = excluded.last_attempt_at`, row)
	if err != nil {
		return repositories.NewUnavailable("queued_orders.upsert", err)
	}
	return nil
}

// List returns decodable rows ordered by creation time, token as tie-breaker.
func (r *QueuedOrderRepository) List(ctx context.Context) ([]domain.QueuedOrder, error) {
	var rows []queuedOrderRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT token, payload, created_at, updated_at, retry_count, last_error, last_attempt_at
		FROM queued_orders ORDER BY created_at ASC, token ASC`); err != nil {
		return nil, repositories.NewUnavailable("queued_orders.list", err)
	}
	orders := make([]domain.QueuedOrder, 0, len(rows))
	for _, row := range rows {
		order, err := row.toDomain()
		if err != nil {
			if r.onCorrupt != nil {
				r.onCorrupt(row.Token, err)
			}
			continue
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// Get loads a single queued order.
func (r *QueuedOrderRepository) Get(ctx context.Context, token string) (domain.QueuedOrder, error) {
	var row queuedOrderRow
	err := r.db.GetContext(ctx, &row, `
		SELECT token, payload, created_at, updated_at, retry_count, last_error, last_attempt_at
		FROM queued_orders WHERE token = ?`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueuedOrder{}, repositories.NewNotFound("queued_orders.get")
	}
	if err != nil {
		return domain.QueuedOrder{}, repositories.NewUnavailable("queued_orders.get", err)
	}
	return row.toDomain()
}

// Delete removes the row for token. Deleting a missing token is not an error.
func (r *QueuedOrderRepository) Delete(ctx context.Context, token string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM queued_orders WHERE token = ?`, token); err != nil {
		return repositories.NewUnavailable("queued_orders.delete", err)
	}
	return nil
}

// RecordFailure bumps retry_count and stores the failure in a single statement.
func (r *QueuedOrderRepository) RecordFailure(ctx context.Context, token, lastError string, attemptedAt time.Time) (domain.QueuedOrder, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queued_orders
		SET retry_count = retry_count + 1, last_error = ?, last_attempt_at = ?, updated_at = ?
		WHERE token = ?`, lastError, attemptedAt.UnixNano(), attemptedAt.UnixNano(), token)
	if err != nil {
		return domain.QueuedOrder{}, repositories.NewUnavailable("queued_orders.record_failure", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.QueuedOrder{}, repositories.NewNotFound("queued_orders.record_failure")
	}
	return r.Get(ctx, token)
}

// DeleteAll empties the queue and reports how many rows were removed.
func (r *QueuedOrderRepository) DeleteAll(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM queued_orders`)
	if err != nil {
		return 0, repositories.NewUnavailable("queued_orders.delete_all", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Count returns the number of queued rows, including undecodable ones.
func (r *QueuedOrderRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM queued_orders`); err != nil {
		return 0, repositories.NewUnavailable("queued_orders.count", err)
	}
	return n, nil
}

// AcquireDrainLease takes the drain lease for owner unless another owner holds an unexpired one.
// Re-acquiring an owned lease extends it.
func (r *QueuedOrderRepository) AcquireDrainLease(ctx context.Context, owner string, ttl time.Duration, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO drain_leases (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE drain_leases.owner = excluded.owner OR drain_leases.expires_at <= ?`,
		drainLeaseName, owner, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, repositories.NewUnavailable("drain_leases.acquire", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseDrainLease drops the lease if owner still holds it.
func (r *QueuedOrderRepository) ReleaseDrainLease(ctx context.Context, owner string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM drain_leases WHERE name = ? AND owner = ?`, drainLeaseName, owner); err != nil {
		return repositories.NewUnavailable("drain_leases.release", err)
	}
	return nil
}

func (row queuedOrderRow) toDomain() (domain.QueuedOrder, error) {
	var payload domain.OrderCommand
	if err := json.Unmarshal(row.Payload, &payload); err != nil {
		return domain.QueuedOrder{}, repositories.NewCorrupt("queued_orders.decode "+row.Token, err)
	}
	order := domain.QueuedOrder{
		Token:      row.Token,
		Payload:    payload,
		CreatedAt:  time.Unix(0, row.CreatedAt).UTC(),
		UpdatedAt:  time.Unix(0, row.UpdatedAt).UTC(),
		RetryCount: row.RetryCount,
		LastError:  row.LastError,
	}
	if row.LastAttemptAt.Valid {
		attempted := time.Unix(0, row.LastAttemptAt.Int64).UTC()
		order.LastAttemptAt = &attempted
	}
	return order, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
