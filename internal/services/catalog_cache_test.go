package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hanko-field/pos/internal/backend"
	"github.com/hanko-field/pos/internal/domain"
	"github.com/hanko-field/pos/internal/repositories"
	"github.com/hanko-field/pos/internal/repositories/memory"
)

type brokenSnapshotRepo struct{}

func (brokenSnapshotRepo) Load(context.Context) (domain.CatalogSnapshot, error) {
	return domain.CatalogSnapshot{}, repositories.NewCorrupt("catalog_snapshots.decode", errors.New("unexpected end of JSON input"))
}

func (brokenSnapshotRepo) Save(context.Context, domain.CatalogSnapshot) error { return nil }

func sampleSnapshot() domain.CatalogSnapshot {
	return domain.CatalogSnapshot{
		Products: []domain.Product{
			{ID: "p1", Name: "Coffee", Price: dec("4.50"), TaxRatePercent: dec("10"), Active: true},
		},
		Categories: []domain.Category{{ID: "c1", Name: "Drinks"}},
		PaymentMethods: []domain.PaymentMethod{
			{ID: "cash", Name: "Cash", Kind: domain.TenderCash, Active: true},
			{ID: "gift", Name: "Gift card", Kind: domain.TenderStoredValue, Active: true},
			{ID: "old", Name: "Voucher", Kind: domain.TenderStoredValue, Active: false},
		},
		FetchedAt: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestLocalCatalogCache_LoadsPersistedSnapshot(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	if err := store.CatalogSnapshots().Save(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cache, err := NewLocalCatalogCache(ctx, LocalCatalogCacheDeps{Snapshots: store.CatalogSnapshots(), Fetcher: &stubFetcher{}})
	if err != nil {
		t.Fatalf("NewLocalCatalogCache: %v", err)
	}
	if len(cache.Products()) != 1 || len(cache.Categories()) != 1 || len(cache.PaymentMethods()) != 3 {
		t.Fatalf("unexpected snapshot %#v", cache.Snapshot())
	}
	method, ok := cache.PaymentMethod("gift")
	if !ok || method.Kind != domain.TenderStoredValue {
		t.Fatalf("expected gift payment method, got %#v", method)
	}
	if _, ok := cache.PaymentMethod("missing"); ok {
		t.Fatalf("unexpected payment method")
	}

	products := cache.Products()
	products[0].Name = "mutated"
	if cache.Products()[0].Name != "Coffee" {
		t.Fatalf("cache snapshot must not be shared with callers")
	}
}

func TestLocalCatalogCache_CorruptStorageStartsEmpty(t *testing.T) {
	var events []string
	cache, err := NewLocalCatalogCache(context.Background(), LocalCatalogCacheDeps{
		Snapshots: brokenSnapshotRepo{},
		Fetcher:   &stubFetcher{},
		Logger: func(_ context.Context, event string, _ map[string]any) {
			events = append(events, event)
		},
	})
	if err != nil {
		t.Fatalf("NewLocalCatalogCache: %v", err)
	}
	if !cache.Snapshot().Empty() {
		t.Fatalf("expected empty snapshot")
	}
	if len(events) != 1 || events[0] != "catalog.load.failed" {
		t.Fatalf("expected load failure to be logged, got %v", events)
	}
}

func TestLocalCatalogCache_SeedFile(t *testing.T) {
	seed := `
products:
  - id: p1
    name: Coffee
    price: "4.50"
    taxRatePercent: "10"
    active: true
categories:
  - id: c1
    name: Drinks
paymentMethods:
  - id: cash
    name: Cash
    kind: cash
    active: true
`
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	cache, err := NewLocalCatalogCache(context.Background(), LocalCatalogCacheDeps{
		Snapshots: memory.NewStore().CatalogSnapshots(),
		Fetcher:   &stubFetcher{},
		SeedFile:  path,
	})
	if err != nil {
		t.Fatalf("NewLocalCatalogCache: %v", err)
	}
	products := cache.Products()
	if len(products) != 1 || !products[0].Price.Equal(dec("4.5")) {
		t.Fatalf("unexpected seeded products %#v", products)
	}
	if method, ok := cache.PaymentMethod("cash"); !ok || method.Kind != domain.TenderCash {
		t.Fatalf("expected cash method from seed")
	}
}

func TestLoadCatalogSeedRejectsUnknownTender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte("paymentMethods:\n  - id: x\n    kind: crypto\n"), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	if _, err := LoadCatalogSeed(path); err == nil {
		t.Fatalf("expected error for unknown tender kind")
	}
}

func TestLocalCatalogCache_Refresh(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	fetched := sampleSnapshot()
	fetched.FetchedAt = time.Time{}
	fetcher := &stubFetcher{snapshot: fetched}
	now := time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC)

	cache, err := NewLocalCatalogCache(ctx, LocalCatalogCacheDeps{
		Snapshots: store.CatalogSnapshots(),
		Fetcher:   fetcher,
		Clock:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewLocalCatalogCache: %v", err)
	}

	snapshot, err := cache.Refresh(ctx, domain.Session{OutletID: "outlet-1"})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !snapshot.FetchedAt.Equal(now) {
		t.Fatalf("expected fetch time to be stamped, got %v", snapshot.FetchedAt)
	}
	persisted, err := store.CatalogSnapshots().Load(ctx)
	if err != nil || len(persisted.Products) != 1 {
		t.Fatalf("expected snapshot to be persisted, got %#v err=%v", persisted, err)
	}

	fetcher.err = &backend.FetchError{Kind: backend.KindNetwork, Message: "offline"}
	if _, err := cache.Refresh(ctx, domain.Session{OutletID: "outlet-1"}); !backend.IsNetwork(err) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if len(cache.Products()) != 1 {
		t.Fatalf("failed refresh must keep the previous snapshot")
	}
}

func TestNewLocalCatalogCacheRequiresDeps(t *testing.T) {
	if _, err := NewLocalCatalogCache(context.Background(), LocalCatalogCacheDeps{Fetcher: &stubFetcher{}}); err == nil {
		t.Fatalf("expected error without snapshot repository")
	}
	if _, err := NewLocalCatalogCache(context.Background(), LocalCatalogCacheDeps{Snapshots: memory.NewStore().CatalogSnapshots()}); err == nil {
		t.Fatalf("expected error without fetcher")
	}
}
