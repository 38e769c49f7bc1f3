// Package sqlite stores the offline order queue and the catalog snapshot in a terminal-local
// SQLite database.
package sqlite

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hanko-field/pos/internal/repositories"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store owns the SQLite handle and hands out repositories bound to it.
type Store struct {
	db           *sqlx.DB
	queuedOrders *QueuedOrderRepository
	catalog      *CatalogSnapshotRepository
}

var _ repositories.Registry = (*Store)(nil)

// Open creates or opens the database at path, applies pragmas, and migrates the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: connect %s: %w", path, err)
	}

	// One connection serialises writers and keeps pragmas applied to the only session.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:           db,
		queuedOrders: &QueuedOrderRepository{db: db},
		catalog:      &CatalogSnapshotRepository{db: db},
	}, nil
}

// QueuedOrders returns the offline order repository.
func (s *Store) QueuedOrders() repositories.QueuedOrderRepository { return s.queuedOrders }

// CatalogSnapshots returns the catalog snapshot repository.
func (s *Store) CatalogSnapshots() repositories.CatalogSnapshotRepository { return s.catalog }

// OnCorruptQueuedOrder registers fn to be told about queued rows that cannot be decoded.
func (s *Store) OnCorruptQueuedOrder(fn func(token string, err error)) {
	s.queuedOrders.OnCorruptRow(fn)
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(ctx context.Context, db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return nil
}

func migrateSchema(db *sqlx.DB) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("sqlite: load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlite: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("sqlite: migrate instance: %w", err)
	}
	// m.Close would also close db; only the source needs releasing.
	defer source.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqlite: run migrations: %w", err)
	}
	return nil
}
