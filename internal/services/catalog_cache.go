package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hanko-field/pos/internal/backend"
	"github.com/hanko-field/pos/internal/domain"
	"github.com/hanko-field/pos/internal/repositories"
)

// LocalCatalogCacheDeps wires the catalog cache.
type LocalCatalogCacheDeps struct {
	Snapshots repositories.CatalogSnapshotRepository
	Fetcher   backend.CatalogFetcher
	// SeedFile is a YAML catalog used when nothing has been persisted yet.
	SeedFile string
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// LocalCatalogCache serves the last good catalog snapshot to the checkout and refreshes it from
// the backend. Reads never block on the network.
type LocalCatalogCache struct {
	snapshots repositories.CatalogSnapshotRepository
	fetcher   backend.CatalogFetcher
	now       func() time.Time
	logger    func(context.Context, string, map[string]any)

	mu       sync.RWMutex
	snapshot domain.CatalogSnapshot
}

// NewLocalCatalogCache builds the cache and loads the persisted snapshot. Unreadable storage
// leaves the cache empty instead of failing.
func NewLocalCatalogCache(ctx context.Context, deps LocalCatalogCacheDeps) (*LocalCatalogCache, error) {
	if deps.Snapshots == nil {
		return nil, errors.New("catalog cache: snapshot repository is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("catalog cache: fetcher is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	c := &LocalCatalogCache{
		snapshots: deps.Snapshots,
		fetcher:   deps.Fetcher,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}
	c.snapshot = c.boot(ctx, strings.TrimSpace(deps.SeedFile))
	return c, nil
}

func (c *LocalCatalogCache) boot(ctx context.Context, seedFile string) domain.CatalogSnapshot {
	snapshot, err := c.snapshots.Load(ctx)
	if err == nil {
		c.logger(ctx, "catalog.loaded", map[string]any{
			"products":  len(snapshot.Products),
			"fetchedAt": snapshot.FetchedAt,
		})
		return snapshot
	}
	if !repositories.IsNotFound(err) {
		c.logger(ctx, "catalog.load.failed", map[string]any{"error": err.Error()})
		return domain.CatalogSnapshot{}
	}
	if seedFile == "" {
		return domain.CatalogSnapshot{}
	}

	seed, err := LoadCatalogSeed(seedFile)
	if err != nil {
		c.logger(ctx, "catalog.seed.failed", map[string]any{"path": seedFile, "error": err.Error()})
		return domain.CatalogSnapshot{}
	}
	c.logger(ctx, "catalog.seeded", map[string]any{"path": seedFile, "products": len(seed.Products)})
	return seed
}

// LoadCatalogSeed reads a YAML catalog snapshot from path.
func LoadCatalogSeed(path string) (domain.CatalogSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.CatalogSnapshot{}, fmt.Errorf("catalog seed: %w", err)
	}
	var snapshot domain.CatalogSnapshot
	if err := yaml.Unmarshal(data, &snapshot); err != nil {
		return domain.CatalogSnapshot{}, fmt.Errorf("catalog seed: parse %s: %w", path, err)
	}
	for _, method := range snapshot.PaymentMethods {
		if !method.Kind.Valid() {
			return domain.CatalogSnapshot{}, fmt.Errorf("catalog seed: payment method %q has unknown kind %q", method.ID, method.Kind)
		}
	}
	return snapshot, nil
}

// Snapshot returns a copy of the current snapshot.
func (c *LocalCatalogCache) Snapshot() domain.CatalogSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.Clone()
}

func (c *LocalCatalogCache) Products() []domain.Product {
	return c.Snapshot().Products
}

func (c *LocalCatalogCache) Categories() []domain.Category {
	return c.Snapshot().Categories
}

func (c *LocalCatalogCache) PaymentMethods() []domain.PaymentMethod {
	return c.Snapshot().PaymentMethods
}

// PaymentMethod looks up a payment method by ID.
func (c *LocalCatalogCache) PaymentMethod(id string) (domain.PaymentMethod, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, method := range c.snapshot.PaymentMethods {
		if method.ID == id {
			return method, true
		}
	}
	return domain.PaymentMethod{}, false
}

// Refresh fetches the catalog and replaces the snapshot wholesale. On failure the previous
// snapshot is kept and the *backend.FetchError is returned.
func (c *LocalCatalogCache) Refresh(ctx context.Context, session domain.Session) (domain.CatalogSnapshot, error) {
	snapshot, err := c.fetcher.FetchCatalog(ctx, session)
	if err != nil {
		c.logger(ctx, "catalog.refresh.failed", map[string]any{
			"kind":  string(backend.KindOf(err)),
			"error": err.Error(),
		})
		return domain.CatalogSnapshot{}, err
	}
	if snapshot.FetchedAt.IsZero() {
		snapshot.FetchedAt = c.now()
	}

	if err := c.snapshots.Save(ctx, snapshot); err != nil {
		c.logger(ctx, "catalog.persist.failed", map[string]any{"error": err.Error()})
	}

	c.mu.Lock()
	c.snapshot = snapshot.Clone()
	c.mu.Unlock()

	c.logger(ctx, "catalog.refreshed", map[string]any{
		"products":       len(snapshot.Products),
		"categories":     len(snapshot.Categories),
		"paymentMethods": len(snapshot.PaymentMethods),
	})
	return snapshot.Clone(), nil
}

// Run refreshes on start and then every interval until ctx is done. Failures are logged and the
// cached snapshot stays in use.
func (c *LocalCatalogCache) Run(ctx context.Context, session domain.Session, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("catalog cache: refresh interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_, _ = c.Refresh(ctx, session)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
