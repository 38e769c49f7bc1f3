package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hanko-field/pos/internal/backend"
	"github.com/hanko-field/pos/internal/domain"
	"github.com/hanko-field/pos/internal/repositories/memory"
)

type queueFixture struct {
	queue     *OfflineOrderQueue
	repo      *memory.QueuedOrderRepository
	submitter *stubSubmitter
	publisher *stubPublisher
	now       time.Time
}

func newQueueFixture(t *testing.T) *queueFixture {
	t.Helper()
	f := &queueFixture{
		repo:      memory.NewQueuedOrderRepository(),
		submitter: &stubSubmitter{},
		publisher: &stubPublisher{},
		now:       time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	queue, err := NewOfflineOrderQueue(OfflineOrderQueueDeps{
		Orders:      f.repo,
		Submitter:   f.submitter,
		Publisher:   f.publisher,
		Session:     domain.Session{OutletID: "outlet-1", AuthToken: "device-token"},
		LeaseOwner:  "agent",
		Clock:       func() time.Time { return f.now },
		IDGenerator: sequenceIDs("tok-generated"),
	})
	if err != nil {
		t.Fatalf("NewOfflineOrderQueue: %v", err)
	}
	f.queue = queue
	return f
}

func sampleCommand(ref string) domain.OrderCommand {
	return domain.OrderCommand{
		OutletID:         "outlet-1",
		CashierID:        "cashier-1",
		OfflineReference: ref,
		Items:            []domain.OrderItem{{ProductID: "p1", ProductName: "Tea", Quantity: 1, UnitPrice: dec("3.00")}},
		Payments:         []domain.PaymentLine{{PaymentMethodID: "cash", Amount: dec("3.00")}},
	}
}

func TestOfflineOrderQueue_Enqueue(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	queued, err := f.queue.Enqueue(ctx, sampleCommand("ref-1"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if queued.Token != "ref-1" || queued.RetryCount != 0 || !queued.CreatedAt.Equal(f.now) {
		t.Fatalf("unexpected queued order %#v", queued)
	}
	if queued.Payload.OfflineCapturedAt == nil || !queued.Payload.OfflineCapturedAt.Equal(f.now) {
		t.Fatalf("expected capture time on payload")
	}

	generated, err := f.queue.Enqueue(ctx, sampleCommand(""))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if generated.Token != "tok-generated" || generated.Payload.OfflineReference != "tok-generated" {
		t.Fatalf("expected generated token written into payload, got %#v", generated)
	}

	if n, _ := f.queue.Len(ctx); n != 2 {
		t.Fatalf("expected 2 queued orders, got %d", n)
	}
}

func TestOfflineOrderQueue_EnqueueSameTokenReplaces(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	if _, err := f.queue.Enqueue(ctx, sampleCommand("ref-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second := sampleCommand("ref-1")
	second.Notes = "updated"
	if _, err := f.queue.Enqueue(ctx, second); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	orders, err := f.queue.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(orders) != 1 || orders[0].Payload.Notes != "updated" {
		t.Fatalf("expected single replaced entry, got %#v", orders)
	}
}

func TestOfflineOrderQueue_DrainSuccessRemovesOldestFirst(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	for _, ref := range []string{"ref-a", "ref-b"} {
		if _, err := f.queue.Enqueue(ctx, sampleCommand(ref)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		f.now = f.now.Add(time.Minute)
	}

	report, err := f.queue.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if report.Attempted != 2 || report.Succeeded != 2 || report.Remaining != 0 {
		t.Fatalf("unexpected report %#v", report)
	}
	if f.submitter.calls[0].OfflineReference != "ref-a" || f.submitter.calls[1].OfflineReference != "ref-b" {
		t.Fatalf("expected oldest first, got %v then %v", f.submitter.calls[0].OfflineReference, f.submitter.calls[1].OfflineReference)
	}
	if f.submitter.sessions[0].AuthToken != "device-token" {
		t.Fatalf("expected terminal session on replay")
	}
	if f.submitter.calls[0].CashierID != "cashier-1" {
		t.Fatalf("expected original cashier to be kept in payload")
	}
	if len(f.publisher.events) != 2 || f.publisher.events[0].OrderID != "ord_ref-a" || f.publisher.events[0].RetryCount != 0 {
		t.Fatalf("unexpected events %#v", f.publisher.events)
	}
}

func TestOfflineOrderQueue_DrainFailureKeepsEntry(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	if _, err := f.queue.Enqueue(ctx, sampleCommand("ref-net")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	f.now = f.now.Add(time.Second)
	if _, err := f.queue.Enqueue(ctx, sampleCommand("ref-rejected")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	f.submitter.setFn(func(_ context.Context, cmd domain.OrderCommand) (domain.Order, error) {
		if cmd.OfflineReference == "ref-net" {
			return domain.Order{}, networkSubmitError()
		}
		return domain.Order{}, rejectedSubmitError()
	})

	report, err := f.queue.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if report.Failed != 2 || report.Remaining != 2 || len(report.Errors) != 2 {
		t.Fatalf("unexpected report %#v", report)
	}
	if report.OnlyNetworkFailures() {
		t.Fatalf("a rejected replay is not a network failure")
	}
	if report.Errors[0].Token != "ref-net" || report.Errors[0].RetryCount != 1 {
		t.Fatalf("unexpected replay error %#v", report.Errors[0])
	}

	stored, err := f.repo.Get(ctx, "ref-rejected")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.RetryCount != 1 || stored.LastError == "" || stored.LastAttemptAt == nil {
		t.Fatalf("expected failure to be recorded, got %#v", stored)
	}

	report, _ = f.queue.Drain(ctx)
	if report.Errors[0].RetryCount != 2 {
		t.Fatalf("expected retry count to grow, got %d", report.Errors[0].RetryCount)
	}
	if len(f.publisher.events) != 0 {
		t.Fatalf("no events expected for failures")
	}
}

func TestOfflineOrderQueue_DrainRespectsForeignLease(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	if _, err := f.queue.Enqueue(ctx, sampleCommand("ref-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if ok, _ := f.repo.AcquireDrainLease(ctx, "posctl", time.Minute, f.now); !ok {
		t.Fatalf("expected to take lease")
	}

	if _, err := f.queue.Drain(ctx); !errors.Is(err, ErrQueueDrainInProgress) {
		t.Fatalf("expected ErrQueueDrainInProgress, got %v", err)
	}
	if f.submitter.callCount() != 0 {
		t.Fatalf("nothing should be submitted while another process drains")
	}

	f.now = f.now.Add(2 * time.Minute)
	if _, err := f.queue.Drain(ctx); err != nil {
		t.Fatalf("expected expired lease to be taken over: %v", err)
	}
	if ok, _ := f.repo.AcquireDrainLease(ctx, "posctl", time.Minute, f.now); !ok {
		t.Fatalf("lease should be released after drain")
	}
}

func TestOfflineOrderQueue_FailingPassKeepsLeaseAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewQueuedOrderRepository()
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	newQueue := func(owner string, submitter *stubSubmitter) *OfflineOrderQueue {
		queue, err := NewOfflineOrderQueue(OfflineOrderQueueDeps{
			Orders:     repo,
			Submitter:  submitter,
			LeaseOwner: owner,
			LeaseTTL:   2 * time.Minute,
			Clock:      func() time.Time { return now },
		})
		if err != nil {
			t.Fatalf("NewOfflineOrderQueue: %v", err)
		}
		return queue
	}
	agentSubmitter := &stubSubmitter{}
	posctlSubmitter := &stubSubmitter{}
	agent := newQueue("agent", agentSubmitter)
	posctl := newQueue("posctl", posctlSubmitter)

	refs := []string{"ref-1", "ref-2", "ref-3", "ref-4"}
	for _, ref := range refs {
		if _, err := agent.Enqueue(ctx, sampleCommand(ref)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		now = now.Add(time.Second)
	}

	var posctlErr error
	posctlTried := false
	agentSubmitter.setFn(func(_ context.Context, cmd domain.OrderCommand) (domain.Order, error) {
		// Each submit burns most of a lease TTL before failing.
		now = now.Add(70 * time.Second)
		if cmd.OfflineReference == "ref-3" {
			_, posctlErr = posctl.Drain(ctx)
			posctlTried = true
		}
		return domain.Order{}, networkSubmitError()
	})

	report, err := agent.Drain(ctx)
	if err != nil {
		t.Fatalf("agent Drain: %v", err)
	}
	if report.Attempted != len(refs) || report.Failed != len(refs) {
		t.Fatalf("expected every entry attempted and failed, got %+v", report)
	}
	if !posctlTried {
		t.Fatalf("expected a second drainer to try mid-pass")
	}
	if !errors.Is(posctlErr, ErrQueueDrainInProgress) {
		t.Fatalf("expected ErrQueueDrainInProgress while agent drains, got %v", posctlErr)
	}
	if got := posctlSubmitter.callCount(); got != 0 {
		t.Fatalf("second drainer submitted %d entries during the agent's pass", got)
	}

	report, err = posctl.Drain(ctx)
	if err != nil {
		t.Fatalf("posctl Drain after agent pass: %v", err)
	}
	if report.Succeeded != len(refs) || posctlSubmitter.callCount() != len(refs) {
		t.Fatalf("expected posctl to replay every entry once the lease is free, got %+v", report)
	}
}

func TestOfflineOrderQueue_DrainStopsWhenLeaseTakenOver(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	for _, ref := range []string{"ref-1", "ref-2", "ref-3"} {
		if _, err := f.queue.Enqueue(ctx, sampleCommand(ref)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		f.now = f.now.Add(time.Second)
	}

	f.submitter.setFn(func(_ context.Context, cmd domain.OrderCommand) (domain.Order, error) {
		f.now = f.now.Add(3 * time.Minute)
		if ok, _ := f.repo.AcquireDrainLease(ctx, "posctl", time.Minute, f.now); !ok {
			t.Errorf("expected expired lease to be taken by posctl")
		}
		return domain.Order{}, networkSubmitError()
	})

	report, err := f.queue.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if report.Attempted != 1 || f.submitter.callCount() != 1 {
		t.Fatalf("expected the pass to stop after losing the lease, got %+v", report)
	}
	if report.Remaining != 3 {
		t.Fatalf("expected every entry to stay queued, got %d", report.Remaining)
	}
	if ok, _ := f.repo.AcquireDrainLease(ctx, "agent", time.Minute, f.now); ok {
		t.Fatalf("a pass that lost its lease must not release the new owner's lease")
	}
}

func TestOfflineOrderQueue_CancelledPassDoesNotCountFailure(t *testing.T) {
	f := newQueueFixture(t)
	if _, err := f.queue.Enqueue(context.Background(), sampleCommand("ref-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := f.queue.Enqueue(context.Background(), sampleCommand("ref-2")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.submitter.setFn(func(submitCtx context.Context, cmd domain.OrderCommand) (domain.Order, error) {
		cancel()
		<-submitCtx.Done()
		return domain.Order{}, &backend.SubmitError{Kind: backend.KindNetwork, Err: submitCtx.Err()}
	})

	report, err := f.queue.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if report.Attempted != 1 {
		t.Fatalf("expected the pass to stop after cancellation, got %+v", report)
	}
	pending, err := f.queue.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, order := range pending {
		if order.RetryCount != 0 || order.LastError != "" {
			t.Fatalf("cancelled attempt recorded as failure: %+v", order)
		}
	}
}

func TestOfflineOrderQueue_ConcurrentDrainsSubmitOnce(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	if _, err := f.queue.Enqueue(ctx, sampleCommand("ref-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.submitter.setFn(func(_ context.Context, cmd domain.OrderCommand) (domain.Order, error) {
		once.Do(func() { close(entered) })
		<-release
		return domain.Order{ID: "ord-1"}, nil
	})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.queue.Drain(ctx)
		errs <- err
	}()
	<-entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.queue.Drain(ctx)
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
	}
	if got := f.submitter.callCount(); got != 1 {
		t.Fatalf("expected exactly one submission, got %d", got)
	}
}

func TestOfflineOrderQueue_Clear(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	if _, err := f.queue.Enqueue(ctx, sampleCommand("ref-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, err := f.queue.Clear(ctx, false); !errors.Is(err, ErrQueueClearNotConfirmed) {
		t.Fatalf("expected confirmation error, got %v", err)
	}
	removed, err := f.queue.Clear(ctx, true)
	if err != nil || removed != 1 {
		t.Fatalf("Clear: removed=%d err=%v", removed, err)
	}
}

func TestOfflineOrderQueue_RunStopsOnCancel(t *testing.T) {
	f := newQueueFixture(t)
	if _, err := f.queue.Enqueue(context.Background(), sampleCommand("ref-1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.queue.Run(ctx, time.Hour) }()

	deadline := time.After(time.Second)
	for f.submitter.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("expected an initial drain")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := f.queue.Run(context.Background(), 0); err == nil {
		t.Fatalf("expected error for non-positive interval")
	}
}
