package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/operator/marketsync/internal/errs"
	"github.com/operator/marketsync/internal/logging"
	"github.com/operator/marketsync/internal/queue"
	"github.com/operator/marketsync/internal/storage/memstore"
	"github.com/operator/marketsync/internal/types"
)

func TestDelayForFollowsExponentialBackoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: 2 * time.Second, Factor: 2, MaxDelay: 5 * time.Minute, MaxAttempts: 5, JitterFrac: 0.25}
	wants := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}
	for attempt, want := range wants {
		got := p.delayFor(attempt + 1)
		lo := time.Duration(float64(want) * 0.75)
		hi := time.Duration(float64(want) * 1.25)
		if got < lo || got > hi {
			t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt+1, got, lo, hi)
		}
	}
}

func TestDelayForCapsAtMaxDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 2 * time.Second, Factor: 2, MaxDelay: 10 * time.Second, JitterFrac: 0}
	if got := p.delayFor(10); got != 10*time.Second {
		t.Fatalf("expected cap at 10s, got %v", got)
	}
}

func TestDecideTransientRetriesUntilMaxAttempts(t *testing.T) {
	p := DefaultRetryPolicy
	err := fmt.Errorf("%w: status 429", errs.ErrTooManyRequests)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		retry, _ := p.decide(err, attempt)
		if !retry {
			t.Fatalf("attempt %d should retry", attempt)
		}
	}
	if retry, _ := p.decide(err, p.MaxAttempts+1); retry {
		t.Fatal("attempt beyond max must be terminal")
	}
}

func TestDecideMalformedNeverRetries(t *testing.T) {
	if retry, _ := p0().decide(fmt.Errorf("%w: layout changed", errs.ErrMalformed), 1); retry {
		t.Fatal("malformed must not retry")
	}
}

func TestDecideCancelledNeverRetries(t *testing.T) {
	if retry, _ := p0().decide(context.Canceled, 1); retry {
		t.Fatal("cancelled must not retry")
	}
	if retry, _ := p0().decide(context.DeadlineExceeded, 1); retry {
		t.Fatal("soft timeout must not retry")
	}
}

func TestDecideCaptchaRetriesWithLongerCooldownUpToK(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, Factor: 2, MaxDelay: time.Hour, MaxAttempts: 5, JitterFrac: 0, MaxAuthRetry: 2}
	err := fmt.Errorf("%w", errs.ErrCaptcha)

	retry, delay := p.decide(err, 1)
	if !retry {
		t.Fatal("first captcha should retry")
	}
	if delay != 3*time.Second {
		t.Fatalf("captcha cool-down should be 3x the transient delay, got %v", delay)
	}
	if retry, _ := p.decide(err, 3); retry {
		t.Fatal("captcha beyond K=2 must be terminal")
	}
}

func p0() RetryPolicy { return DefaultRetryPolicy }

func TestMiddlewareComposesOutermostFirst(t *testing.T) {
	reg := NewRegistry()
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, tc *TaskContext, args []byte) error {
				order = append(order, name)
				return next(ctx, tc, args)
			}
		}
	}
	reg.Register("t", DefaultRetryPolicy, func(ctx context.Context, tc *TaskContext, args []byte) error {
		order = append(order, "handler")
		return nil
	}, mw("outer"), mw("inner"))

	h, ok := reg.lookup("t")
	if !ok {
		t.Fatal("lookup failed")
	}
	if err := h.fn(context.Background(), &TaskContext{log: logging.New("ERROR", nil)}, nil); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(order) != 3 || order[0] != "outer" || order[1] != "inner" || order[2] != "handler" {
		t.Fatalf("wrap order: %v", order)
	}
}

func newTestContext(t *testing.T, store *memstore.MemStore, taskID string) *TaskContext {
	t.Helper()
	return &TaskContext{
		store: store, q: queue.New(store, 1000, 100),
		log: logging.New("ERROR", nil), taskID: taskID, taskName: "test", workID: taskID,
		leaseTTL: time.Minute,
	}
}

func TestCheckpointRoundTripReturnsLatest(t *testing.T) {
	store := memstore.New()
	tc := newTestContext(t, store, "task-1")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		counters := types.Counters{Processed: i * 100, Success: i*100 - 2, Failed: 2}
		if err := tc.SaveCheckpoint(ctx, []byte(fmt.Sprintf("page=%d", i)), counters); err != nil {
			t.Fatalf("SaveCheckpoint %d: %v", i, err)
		}
	}

	cp, err := tc.LoadCheckpoint(ctx)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if string(cp.Cursor) != "page=3" {
		t.Fatalf("cursor: %s", cp.Cursor)
	}
	if cp.Counters.Success != 298 || cp.Counters.Failed != 2 {
		t.Fatalf("counters: %+v", cp.Counters)
	}
}

func TestCorruptCheckpointSurfacesError(t *testing.T) {
	store := memstore.New()
	tc := newTestContext(t, store, "task-2")
	ctx := context.Background()

	if err := tc.SaveCheckpoint(ctx, []byte("page=7"), types.Counters{Success: 700}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	cp, _ := store.LoadCheckpoint(ctx, "task-2")
	cp.Cursor = []byte("page=9999")
	if err := store.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("tampering: %v", err)
	}

	if _, err := tc.LoadCheckpoint(ctx); !errors.Is(err, errs.ErrCheckpointCorrupt) {
		t.Fatalf("expected ErrCheckpointCorrupt, got %v", err)
	}
}

func dispatchOnce(t *testing.T, store *memstore.MemStore, reg *Registry, taskName, taskID string) {
	t.Helper()
	ctx := context.Background()
	q := queue.New(store, 1000, 100)
	if _, err := q.Enqueue(ctx, queue.EnqueueArgs{TaskName: taskName, Queue: queue.DataSync, Priority: types.PriorityNormal, WorkID: taskID}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	pool := New(Config{Store: store, Queue: q, Registry: reg, Log: logging.New("ERROR", nil), Queues: []string{queue.DataSync}, WorkerID: "w1", LeaseTTL: time.Minute})
	w, err := q.Lease(ctx, []string{queue.DataSync}, time.Minute, "w1")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	pool.dispatch(ctx, w)
}

func TestDispatchSuccessCompletesSyncRun(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	run := &types.SyncRun{TaskID: "run-1", TaskName: "sync.products", Status: types.RunPending, StartedAt: time.Now()}
	if err := store.CreateSyncRun(ctx, run); err != nil {
		t.Fatalf("CreateSyncRun: %v", err)
	}

	reg := NewRegistry()
	var sawRunning bool
	reg.Register("sync.products", DefaultRetryPolicy, func(ctx context.Context, tc *TaskContext, args []byte) error {
		r, _ := store.GetSyncRun(ctx, "run-1")
		sawRunning = r != nil && r.Status == types.RunRunning
		return tc.SaveCheckpoint(ctx, []byte("done"), types.Counters{Total: 10, Processed: 10, Success: 10})
	})

	dispatchOnce(t, store, reg, "sync.products", "run-1")

	if !sawRunning {
		t.Fatal("run must be running while its driver task executes")
	}
	got, _ := store.GetSyncRun(ctx, "run-1")
	if got.Status != types.RunCompleted {
		t.Fatalf("status: %s", got.Status)
	}
	if got.Counters.Success != 10 || got.Progress != 100 || got.EndedAt == nil {
		t.Fatalf("terminal bookkeeping: %+v", got)
	}
}

func TestDispatchTerminalFailureFailsRunWithDigest(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	if err := store.CreateSyncRun(ctx, &types.SyncRun{TaskID: "run-2", TaskName: "sync.products", Status: types.RunPending, StartedAt: time.Now()}); err != nil {
		t.Fatalf("CreateSyncRun: %v", err)
	}

	reg := NewRegistry()
	policy := DefaultRetryPolicy
	policy.MaxAttempts = 0 // first transient failure is already terminal
	reg.Register("sync.products", policy, func(ctx context.Context, tc *TaskContext, args []byte) error {
		return fmt.Errorf("%w: status 429", errs.ErrTooManyRequests)
	})

	dispatchOnce(t, store, reg, "sync.products", "run-2")

	got, _ := store.GetSyncRun(ctx, "run-2")
	if got.Status != types.RunFailed {
		t.Fatalf("status: %s", got.Status)
	}
	if len(got.ErrorDigest) != 1 || got.ErrorDigest[0].Code != string(errs.CodeTooManyRequests) || got.ErrorDigest[0].Count != 1 {
		t.Fatalf("digest: %+v", got.ErrorDigest)
	}
}

func TestDispatchCancelledMarksRunCancelled(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	if err := store.CreateSyncRun(ctx, &types.SyncRun{TaskID: "run-3", TaskName: "sync.products", Status: types.RunPending, StartedAt: time.Now()}); err != nil {
		t.Fatalf("CreateSyncRun: %v", err)
	}

	reg := NewRegistry()
	reg.Register("sync.products", DefaultRetryPolicy, func(ctx context.Context, tc *TaskContext, args []byte) error {
		return fmt.Errorf("%w", context.Canceled)
	})

	dispatchOnce(t, store, reg, "sync.products", "run-3")

	got, _ := store.GetSyncRun(ctx, "run-3")
	if got.Status != types.RunCancelled {
		t.Fatalf("status: %s", got.Status)
	}
}

func TestDispatchRetryableNackLeavesRunRunning(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	if err := store.CreateSyncRun(ctx, &types.SyncRun{TaskID: "run-4", TaskName: "sync.products", Status: types.RunPending, StartedAt: time.Now()}); err != nil {
		t.Fatalf("CreateSyncRun: %v", err)
	}

	reg := NewRegistry()
	reg.Register("sync.products", DefaultRetryPolicy, func(ctx context.Context, tc *TaskContext, args []byte) error {
		return fmt.Errorf("%w", errs.ErrServerError)
	})

	dispatchOnce(t, store, reg, "sync.products", "run-4")

	got, _ := store.GetSyncRun(ctx, "run-4")
	if got.Status != types.RunRunning {
		t.Fatalf("a retryable failure must keep the run alive, got %s", got.Status)
	}
}

func TestObserveHookFeedsOutcomes(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	q := queue.New(store, 1000, 100)
	if _, err := q.Enqueue(ctx, queue.EnqueueArgs{TaskName: "noop", Queue: queue.Default, Priority: types.PriorityNormal}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	reg := NewRegistry()
	reg.Register("noop", DefaultRetryPolicy, func(ctx context.Context, tc *TaskContext, args []byte) error { return nil })

	var gotTask string
	var gotOK bool
	pool := New(Config{
		Store: store, Queue: q, Registry: reg, Log: logging.New("ERROR", nil),
		Queues: []string{queue.Default}, WorkerID: "w1", LeaseTTL: time.Minute,
		Observe: func(task string, ok bool) { gotTask, gotOK = task, ok },
	})
	w, err := q.Lease(ctx, []string{queue.Default}, time.Minute, "w1")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	pool.dispatch(ctx, w)
	if gotTask != "noop" || !gotOK {
		t.Fatalf("observe hook: %q %v", gotTask, gotOK)
	}
}
