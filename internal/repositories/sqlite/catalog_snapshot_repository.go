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

// CatalogSnapshotRepository keeps exactly one catalog snapshot row.
type CatalogSnapshotRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ repositories.CatalogSnapshotRepository = (*CatalogSnapshotRepository)(nil)

// Load returns the stored snapshot, a not-found error when none was saved, or a corrupt error
// when the payload cannot be decoded.
func (r *CatalogSnapshotRepository) Load(ctx context.Context) (domain.CatalogSnapshot, error) {
	var payload []byte
	err := r.db.GetContext(ctx, &payload, `SELECT payload FROM catalog_snapshots WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CatalogSnapshot{}, repositories.NewNotFound("catalog_snapshots.load")
	}
	if err != nil {
		return domain.CatalogSnapshot{}, repositories.NewUnavailable("catalog_snapshots.load", err)
	}
	var snapshot domain.CatalogSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return domain.CatalogSnapshot{}, repositories.NewCorrupt("catalog_snapshots.decode", err)
	}
	return snapshot, nil
}

// Save replaces the stored snapshot.
func (r *CatalogSnapshotRepository) Save(ctx context.Context, snapshot domain.CatalogSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return repositories.NewCorrupt("catalog_snapshots.encode", err)
	}
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO catalog_snapshots (id, payload, fetched_at, saved_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at, saved_at = excluded.saved_at`,
		payload, snapshot.FetchedAt.UnixNano(), now().UnixNano())
	if err != nil {
		return repositories.NewUnavailable("catalog_snapshots.save", err)
	}
	return nil
}
