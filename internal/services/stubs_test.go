package services

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/pos/internal/backend"
	"github.com/hanko-field/pos/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func assertDecimal(t testing.TB, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Fatalf("%s: expected %s, got %s", name, want, got.String())
	}
}

type stubSubmitter struct {
	mu       sync.Mutex
	calls    []domain.OrderCommand
	sessions []domain.Session
	fn       func(ctx context.Context, cmd domain.OrderCommand) (domain.Order, error)
}

func (s *stubSubmitter) SubmitOrder(ctx context.Context, session domain.Session, cmd domain.OrderCommand) (domain.Order, error) {
	s.mu.Lock()
	s.calls = append(s.calls, cmd)
	s.sessions = append(s.sessions, session)
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return domain.Order{ID: "ord_" + cmd.OfflineReference, OfflineReference: cmd.OfflineReference}, nil
	}
	return fn(ctx, cmd)
}

func (s *stubSubmitter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubSubmitter) setFn(fn func(ctx context.Context, cmd domain.OrderCommand) (domain.Order, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
}

type stubLookup struct {
	calls []string
	fn    func(ctx context.Context, code string) (backend.StoredValueResult, error)
}

func (s *stubLookup) LookupStoredValue(ctx context.Context, _ domain.Session, code string) (backend.StoredValueResult, error) {
	s.calls = append(s.calls, code)
	return s.fn(ctx, code)
}

type stubFetcher struct {
	snapshot domain.CatalogSnapshot
	err      error
	calls    int
}

func (s *stubFetcher) FetchCatalog(context.Context, domain.Session) (domain.CatalogSnapshot, error) {
	s.calls++
	if s.err != nil {
		return domain.CatalogSnapshot{}, s.err
	}
	return s.snapshot, nil
}

type stubPublisher struct {
	mu     sync.Mutex
	events []OrderReplayedEvent
}

func (p *stubPublisher) PublishOrderReplayed(_ context.Context, event OrderReplayedEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return "msg-1", nil
}

func networkSubmitError() error {
	return &backend.SubmitError{Kind: backend.KindNetwork, Status: 503, Message: "unavailable"}
}

func rejectedSubmitError() error {
	return &backend.SubmitError{Kind: backend.KindRejected, Status: 422, Message: "payment method disabled"}
}

func sequenceIDs(ids ...string) func() string {
	var mu sync.Mutex
	i := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(ids) {
			i++
			return "id-extra-" + strconv.Itoa(i)
		}
		id := ids[i]
		i++
		return id
	}
}
