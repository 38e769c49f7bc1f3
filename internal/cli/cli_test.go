package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanko-field/pos/internal/backend"
	"github.com/hanko-field/pos/internal/domain"
	"github.com/hanko-field/pos/internal/services"
)

type fakeQueue struct {
	orders   []domain.QueuedOrder
	report   services.DrainReport
	drainErr error
	cleared  bool
}

func (q *fakeQueue) List(context.Context) ([]domain.QueuedOrder, error) { return q.orders, nil }

func (q *fakeQueue) Drain(context.Context) (services.DrainReport, error) {
	return q.report, q.drainErr
}

func (q *fakeQueue) Clear(_ context.Context, confirm bool) (int, error) {
	if !confirm {
		return 0, services.ErrQueueClearNotConfirmed
	}
	q.cleared = true
	return len(q.orders), nil
}

type fakeCatalog struct {
	snapshot    domain.CatalogSnapshot
	err         error
	refreshedAs domain.Session
}

func (c *fakeCatalog) Snapshot() domain.CatalogSnapshot { return c.snapshot }

func (c *fakeCatalog) Refresh(_ context.Context, session domain.Session) (domain.CatalogSnapshot, error) {
	c.refreshedAs = session
	return c.snapshot, c.err
}

func run(t *testing.T, rt *Runtime, args ...string) (string, error) {
	t.Helper()
	closed := false
	rt.Close = func() error {
		closed = true
		return nil
	}
	cmd := newRootCommand(func(context.Context, *RootOptions) (*Runtime, error) { return rt, nil })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	if err == nil {
		require.True(t, closed, "runtime should be closed after the command")
	}
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{{"queue", "list"}, {"queue", "drain"}, {"queue", "clear"}, {"catalog", "show"}, {"catalog", "refresh"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
	require.NotNil(t, cmd.PersistentFlags().Lookup("format"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("env-file"))
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, &Runtime{Queue: &fakeQueue{}}, "queue", "list", "--format", "xml")
	require.Error(t, err)
}

func TestQueueListText(t *testing.T) {
	queue := &fakeQueue{orders: []domain.QueuedOrder{{
		Token:      "ref-1",
		CreatedAt:  time.Date(2024, 5, 4, 9, 0, 0, 0, time.UTC),
		RetryCount: 2,
		LastError:  "backend: submit order: network",
		Payload:    domain.OrderCommand{CashierID: "cashier-7", Items: []domain.OrderItem{{ProductID: "p1"}}},
	}}}
	out, err := run(t, &Runtime{Queue: queue}, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ref-1")
	assert.Contains(t, out, "cashier-7")
	assert.Contains(t, out, "2024-05-04T09:00:00Z")

	out, err = run(t, &Runtime{Queue: &fakeQueue{}}, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "queue is empty")
}

func TestQueueDrainExitCodes(t *testing.T) {
	queue := &fakeQueue{report: services.DrainReport{Attempted: 1, Succeeded: 1}}
	out, err := run(t, &Runtime{Queue: queue}, "queue", "drain", "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Status string      `json:"status"`
		Data   drainOutput `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Succeeded)

	queue.report = services.DrainReport{
		Attempted: 1,
		Failed:    1,
		Remaining: 1,
		Errors:    []*services.QueueReplayError{{Token: "ref-9", RetryCount: 4, Err: &backend.SubmitError{Kind: backend.KindNetwork}}},
	}
	out, err = run(t, &Runtime{Queue: queue}, "queue", "drain")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "ref-9 (attempt 4)")

	queue.drainErr = services.ErrQueueDrainInProgress
	_, err = run(t, &Runtime{Queue: queue}, "queue", "drain")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.True(t, errors.Is(err, services.ErrQueueDrainInProgress))
}

func TestQueueClearRequiresConfirm(t *testing.T) {
	queue := &fakeQueue{orders: []domain.QueuedOrder{{Token: "ref-1"}}}
	_, err := run(t, &Runtime{Queue: queue}, "queue", "clear")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.False(t, queue.cleared)

	out, err := run(t, &Runtime{Queue: queue}, "queue", "clear", "--confirm")
	require.NoError(t, err)
	assert.True(t, queue.cleared)
	assert.Contains(t, out, "cleared 1")
}

func TestCatalogCommands(t *testing.T) {
	catalog := &fakeCatalog{snapshot: domain.CatalogSnapshot{
		Products:  []domain.Product{{ID: "p1"}, {ID: "p2"}},
		FetchedAt: time.Date(2024, 5, 4, 9, 0, 0, 0, time.UTC),
	}}
	session := domain.Session{OutletID: "outlet-1", CashierID: "terminal:till-3"}

	out, err := run(t, &Runtime{Catalog: catalog, Session: session}, "catalog", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "2 products")

	_, err = run(t, &Runtime{Catalog: catalog, Session: session}, "catalog", "refresh")
	require.NoError(t, err)
	assert.Equal(t, session, catalog.refreshedAs)

	catalog.err = &backend.FetchError{Kind: backend.KindNetwork}
	_, err = run(t, &Runtime{Catalog: catalog, Session: session}, "catalog", "refresh")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
