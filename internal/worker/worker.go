// Package worker implements the Worker Pool & Task Runtime (C11): a
// handler registry keyed by symbolic task name, bounded-concurrency
// pool workers that lease from internal/queue, a TaskContext exposing
// progress/checkpoint/cancellation/heartbeat, and the per-task-class
// retry policy.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/operator/marketsync/internal/errs"
	"github.com/operator/marketsync/internal/logging"
	"github.com/operator/marketsync/internal/queue"
	"github.com/operator/marketsync/internal/storage"
	"github.com/operator/marketsync/internal/types"
	"github.com/operator/marketsync/internal/version"
)

// Handler is a registered task body. args is the JSON-encoded
// QueuedWork.Args; the handler decodes it into whatever shape it needs.
type Handler func(ctx context.Context, tc *TaskContext, args []byte) error

// Registry maps symbolic task names to Handlers, composing
// cross-cutting wrappers at registration time.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registeredHandler
}

type registeredHandler struct {
	fn     Handler
	policy RetryPolicy
}

// NewRegistry builds an empty handler Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]registeredHandler)}
}

// Middleware wraps a Handler with cross-cutting behavior (metrics,
// tracing, timeout) applied at registration time.
type Middleware func(Handler) Handler

// Register associates taskName with fn and policy, applying mws in
// order (first middleware is outermost).
func (r *Registry) Register(taskName string, policy RetryPolicy, fn Handler, mws ...Middleware) {
	wrapped := fn
	for i := len(mws) - 1; i >= 0; i-- {
		wrapped = mws[i](wrapped)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskName] = registeredHandler{fn: wrapped, policy: policy}
}

func (r *Registry) lookup(taskName string) (registeredHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskName]
	return h, ok
}

// WithTimeout is the soft-timeout Middleware: it cancels the handler's
// context after d, surfacing as context.DeadlineExceeded, which
// errs.ClassOf classifies Cancelled (no retry). The hard timeout is the
// queue lease TTL expiring underneath a stuck handler.
func WithTimeout(d time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, tc *TaskContext, args []byte) error {
			if d <= 0 {
				return next(ctx, tc, args)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, tc, args)
		}
	}
}

// WithLogging is a Middleware that logs handler entry/exit and duration.
func WithLogging() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, tc *TaskContext, args []byte) error {
			start := time.Now()
			tc.log.Info("task started", "task", tc.taskName, "work_id", tc.workID)
			err := next(ctx, tc, args)
			if err != nil {
				tc.log.Error("task failed", "task", tc.taskName, "work_id", tc.workID, "duration_ms", time.Since(start).Milliseconds(), "error", err)
			} else {
				tc.log.Info("task completed", "task", tc.taskName, "work_id", tc.workID, "duration_ms", time.Since(start).Milliseconds())
			}
			return err
		}
	}
}

// RetryPolicy is the per-task-class backoff configuration: base delay
// D0, factor f, max delay Dmax, max attempts N, jitter.
type RetryPolicy struct {
	BaseDelay    time.Duration
	Factor       float64
	MaxDelay     time.Duration
	MaxAttempts  int
	JitterFrac   float64 // e.g. 0.25 for ±25%
	MaxAuthRetry int     // attempt cap for Auth/Forbidden/Captcha failures
}

// DefaultRetryPolicy: base=2s, f=2, N=5, jitter ±25%.
var DefaultRetryPolicy = RetryPolicy{
	BaseDelay:    2 * time.Second,
	Factor:       2,
	MaxDelay:     5 * time.Minute,
	MaxAttempts:  5,
	JitterFrac:   0.25,
	MaxAuthRetry: 2,
}

// delayFor returns the backoff delay before attempt (1-indexed).
func (p RetryPolicy) delayFor(attempt int) time.Duration {
	d := float64(p.BaseDelay) * pow(p.Factor, float64(attempt-1))
	if max := float64(p.MaxDelay); max > 0 && d > max {
		d = max
	}
	jitter := d * p.JitterFrac * (rand.Float64()*2 - 1)
	final := d + jitter
	if final < 0 {
		final = 0
	}
	return time.Duration(final)
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

// decide classifies err and returns whether to retry and the delay
// before the next attempt:
//   - Transient (Timeout, ServerError, TooManyRequests) -> retry
//   - Auth/Forbidden/Captcha -> retry after longer cool-down, up to K, else terminal
//   - Malformed/Validation -> no retry
//   - Cancelled -> no retry
func (p RetryPolicy) decide(err error, attempt int) (retry bool, delay time.Duration) {
	class := errs.ClassOf(err)
	switch class {
	case errs.ClassCancelled:
		return false, 0
	case errs.ClassAuthOrCaptcha:
		if attempt > p.MaxAuthRetry {
			return false, 0
		}
		return true, p.delayFor(attempt) * 3 // "longer cool-down"
	case errs.ClassTransient:
		if attempt > p.MaxAttempts {
			return false, 0
		}
		return true, p.delayFor(attempt)
	default: // ClassPermanent: Malformed/Validation/etc.
		return false, 0
	}
}

// TaskContext is the surface handlers run against: progress reporting,
// checkpoints, cancellation observation, and lease heartbeats.
type TaskContext struct {
	ctx        context.Context
	store      storage.Storage
	q          *queue.Queue
	log        logging.Logger
	notify     Notify
	taskID     string
	taskName   string
	workID     string
	leaseToken string
	leaseTTL   time.Duration

	progressMu   sync.Mutex
	lastProgress time.Time

	cancelMu sync.Mutex
	cancel   bool
}

// ReportProgress is best-effort and coalesced to at most 1 Hz.
func (tc *TaskContext) ReportProgress(ctx context.Context, percent int, message string) {
	tc.progressMu.Lock()
	defer tc.progressMu.Unlock()
	if time.Since(tc.lastProgress) < time.Second {
		return
	}
	tc.lastProgress = time.Now()

	run, err := tc.store.GetSyncRun(ctx, tc.taskID)
	if err != nil || run == nil {
		return // best-effort: no SyncRun to update is not an error
	}
	run.Progress = percent
	if message != "" {
		tc.log.Debug("progress", "task_id", tc.taskID, "percent", percent, "message", message)
	}
	_ = tc.store.UpdateSyncRun(ctx, run)
	if tc.notify != nil {
		tc.notify("sync_progress", tc.taskID, map[string]any{"percent": percent, "message": message, "counters": run.Counters})
	}
}

// SaveCheckpoint is synchronous: it returns only after the durable
// write completes.
func (tc *TaskContext) SaveCheckpoint(ctx context.Context, cursor []byte, counters types.Counters) error {
	cp := &types.Checkpoint{
		TaskID:    tc.taskID,
		Timestamp: time.Now(),
		Cursor:    cursor,
		Counters:  counters,
	}
	prev, err := tc.store.LoadCheckpoint(ctx, tc.taskID)
	if err == nil && prev != nil {
		cp.SequenceNo = prev.SequenceNo + 1
	} else {
		cp.SequenceNo = 1
	}
	cp.Checksum = checkpointChecksum(cp)
	return tc.store.SaveCheckpoint(ctx, cp)
}

// LoadCheckpoint returns the last durable checkpoint for this task, or
// nil if none exists. A checksum mismatch returns errs.ErrCheckpointCorrupt
// so the caller can restart from the beginning and surface a warning.
func (tc *TaskContext) LoadCheckpoint(ctx context.Context) (*types.Checkpoint, error) {
	return tc.LoadCheckpointFor(ctx, tc.taskID)
}

// LoadCheckpointFor loads another task's checkpoint: a retry run
// resuming from its predecessor's cursor when the retry was issued with
// resume_from_checkpoint.
func (tc *TaskContext) LoadCheckpointFor(ctx context.Context, taskID string) (*types.Checkpoint, error) {
	cp, err := tc.store.LoadCheckpoint(ctx, taskID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if cp == nil {
		return nil, nil
	}
	if checkpointChecksum(cp) != cp.Checksum {
		tc.log.Warn("checkpoint corrupt, task will restart from the beginning", "task_id", taskID)
		return nil, errs.ErrCheckpointCorrupt
	}
	return cp, nil
}

// CancelRequested reports whether a cancellation was observed; handlers
// check this at safe points between pages/items.
func (tc *TaskContext) CancelRequested() bool {
	tc.cancelMu.Lock()
	defer tc.cancelMu.Unlock()
	return tc.cancel
}

func (tc *TaskContext) setCancel(v bool) {
	tc.cancelMu.Lock()
	defer tc.cancelMu.Unlock()
	tc.cancel = v
}

// refreshCancel polls the driving SyncRun's CancelRequested flag (set by
// the admin surface's POST /sync-records/{id}/cancel) and
// latches it onto the TaskContext so CancelRequested observes it at the
// handler's next safe point. Best-effort: a lookup failure just means
// cancellation isn't observed this tick, not a fatal condition.
func (tc *TaskContext) refreshCancel(ctx context.Context) {
	run, err := tc.store.GetSyncRun(ctx, tc.taskID)
	if err != nil || run == nil {
		return
	}
	if run.CancelRequested {
		tc.setCancel(true)
	}
}

// Heartbeat extends the lease; handlers must call this at <= leaseTTL/3
//. The worker loop also calls this automatically on a
// ticker so a handler forgetting to call it does not lose its lease
// mid-processing.
func (tc *TaskContext) Heartbeat(ctx context.Context) error {
	return tc.q.Extend(ctx, tc.workID, tc.leaseToken, tc.leaseTTL)
}

func checkpointChecksum(cp *types.Checkpoint) string {
	b, _ := json.Marshal(struct {
		Cursor   []byte
		Counters types.Counters
	}{cp.Cursor, cp.Counters})
	return version.Checksum(b)
}

// Pool is a bounded-concurrency set of workers leasing from named
// queues, each running to completion on its own goroutine.
type Pool struct {
	store    storage.Storage
	q        *queue.Queue
	registry *Registry
	log      logging.Logger
	observe  func(taskName string, success bool)
	notify   Notify

	queues   []string
	workerID string
	leaseTTL time.Duration
	sem      *semaphore.Weighted

	wg sync.WaitGroup
}

// Config configures a Pool.
type Config struct {
	Store      storage.Storage
	Queue      *queue.Queue
	Registry   *Registry
	Log        logging.Logger
	Queues     []string
	WorkerID   string
	LeaseTTL   time.Duration
	Concurrency int

	// Observe is called once per finished dispatch with the task name
	// and whether it succeeded; the Supervisor (C13) wires its
	// RecordOutcome here to feed the rolling error-rate window.
	Observe func(taskName string, success bool)

	// Notify publishes push-surface events (sync_progress,
	// sync_completed, sync_failed) keyed by the driving SyncRun's
	// TaskID; the CLI wires this to a pushsurface.Hub.
	Notify Notify
}

// Notify is the push-surface publishing hook: channel name, task id,
// payload.
type Notify func(channel, taskID string, payload any)

// New builds a Pool bound to the given queue subset.
func New(cfg Config) *Pool {
	log := cfg.Log
	if log == nil {
		log = logging.New("INFO", nil)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Pool{
		store:    cfg.Store,
		q:        cfg.Queue,
		registry: cfg.Registry,
		log:      log,
		observe:  cfg.Observe,
		notify:   cfg.Notify,
		queues:   cfg.Queues,
		workerID: cfg.WorkerID,
		leaseTTL: cfg.LeaseTTL,
		sem:      semaphore.NewWeighted(int64(concurrency)),
	}
}

// Run blocks, continuously leasing and dispatching work until ctx is
// cancelled, then drains in-flight tasks before returning.
func (p *Pool) Run(ctx context.Context) error {
	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.wg.Wait()
			return ctx.Err()
		}

		w, err := p.q.Lease(ctx, p.queues, p.leaseTTL, p.workerID)
		if err != nil {
			p.sem.Release(1)
			if isEmpty(err) {
				select {
				case <-ctx.Done():
					p.wg.Wait()
					return ctx.Err()
				case <-time.After(250 * time.Millisecond):
				}
				continue
			}
			p.log.Warn("lease failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				p.wg.Wait()
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		p.wg.Add(1)
		go func(work *types.QueuedWork) {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.dispatch(ctx, work)
		}(w)
	}
}

func isEmpty(err error) bool {
	return errors.Is(err, errs.ErrEmpty)
}

func (p *Pool) dispatch(ctx context.Context, w *types.QueuedWork) {
	h, ok := p.registry.lookup(w.TaskName)
	if !ok {
		p.log.Error("no handler registered for task", "task", w.TaskName, "work_id", w.WorkID)
		_ = p.q.Nack(ctx, w.WorkID, w.LeaseToken, "unregistered task", 0)
		return
	}

	tc := &TaskContext{
		ctx: ctx, store: p.store, q: p.q, log: p.log.With("task", w.TaskName, "work_id", w.WorkID),
		notify: p.notify,
		taskID: taskIDFor(w), taskName: w.TaskName, workID: w.WorkID,
		leaseToken: w.LeaseToken, leaseTTL: p.leaseTTL,
	}

	p.markRunning(ctx, tc.taskID)

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go p.heartbeatLoop(hbCtx, tc)

	err := h.fn(ctx, tc, w.Args)
	if err == nil {
		if ackErr := p.q.Ack(ctx, w.WorkID, w.LeaseToken); ackErr != nil {
			p.log.Warn("ack failed", "work_id", w.WorkID, "error", ackErr)
		}
		p.observeOutcome(w.TaskName, true)
		p.finishRun(ctx, tc.taskID, nil)
		return
	}

	if errs.ClassOf(err) == errs.ClassCancelled {
		p.log.Info("task cancelled", "work_id", w.WorkID, "error", err)
		_ = p.q.Ack(ctx, w.WorkID, w.LeaseToken)
		p.observeOutcome(w.TaskName, false)
		p.finishRun(ctx, tc.taskID, err)
		return
	}

	retry, delay := h.policy.decide(err, w.AttemptNo)
	if !retry {
		p.log.Error("task terminal", "work_id", w.WorkID, "attempt", w.AttemptNo, "error", err)
		_ = p.q.Ack(ctx, w.WorkID, w.LeaseToken)
		p.observeOutcome(w.TaskName, false)
		p.finishRun(ctx, tc.taskID, err)
		return
	}
	p.log.Warn("task retrying", "work_id", w.WorkID, "attempt", w.AttemptNo, "delay", delay, "error", err)
	_ = p.q.Nack(ctx, w.WorkID, w.LeaseToken, err.Error(), delay)
}

func (p *Pool) observeOutcome(taskName string, success bool) {
	if p.observe != nil {
		p.observe(taskName, success)
	}
}

// markRunning transitions the driving SyncRun pending -> running on the
// first lease of its driver task. Work with no
// associated SyncRun (image.*, crawl fan-out items) is skipped.
func (p *Pool) markRunning(ctx context.Context, taskID string) {
	run, err := p.store.GetSyncRun(ctx, taskID)
	if err != nil || run == nil {
		return
	}
	if run.Status != types.RunPending {
		return
	}
	run.Status = types.RunRunning
	if err := p.store.UpdateSyncRun(ctx, run); err != nil {
		p.log.Warn("sync run transition to running failed", "task_id", taskID, "error", err)
	}
}

// finishRun moves the driving SyncRun to its terminal state: cancelled
// when taskErr classifies Cancelled, failed on a terminal error or a
// failure ratio above 50%, completed otherwise. Counters come from the
// last durable checkpoint; a retryable Nack never reaches here, so a
// run stays running across retries of its driver task.
func (p *Pool) finishRun(ctx context.Context, taskID string, taskErr error) {
	run, err := p.store.GetSyncRun(ctx, taskID)
	if err != nil || run == nil {
		return
	}
	if run.Status != types.RunPending && run.Status != types.RunRunning {
		return
	}
	if cp, cpErr := p.store.LoadCheckpoint(ctx, taskID); cpErr == nil && cp != nil {
		run.Counters = cp.Counters
	}
	now := time.Now()
	run.EndedAt = &now
	switch {
	case taskErr == nil:
		if run.Counters.FailureRatio() > 0.5 {
			run.Status = types.RunFailed
		} else {
			run.Status = types.RunCompleted
			run.Progress = 100
		}
	case errs.ClassOf(taskErr) == errs.ClassCancelled:
		run.Status = types.RunCancelled
	default:
		run.Status = types.RunFailed
		run.ErrorDigest = bumpDigest(run.ErrorDigest, string(errs.Wrap(taskErr, "", nil).Code))
	}
	if err := p.store.UpdateSyncRun(ctx, run); err != nil {
		p.log.Warn("sync run terminal transition failed", "task_id", taskID, "status", run.Status, "error", err)
		return
	}
	if p.notify != nil {
		switch run.Status {
		case types.RunCompleted:
			p.notify("sync_completed", taskID, map[string]any{"counters": run.Counters})
		case types.RunFailed:
			p.notify("sync_failed", taskID, map[string]any{"counters": run.Counters, "error_digest": run.ErrorDigest})
		}
	}
}

func bumpDigest(digest []types.ErrorDigestEntry, code string) []types.ErrorDigestEntry {
	for i := range digest {
		if digest[i].Code == code {
			digest[i].Count++
			return digest
		}
	}
	return append(digest, types.ErrorDigestEntry{Code: code, Count: 1})
}

// heartbeatLoop extends w's lease every leaseTTL/3 until ctx is done, a
// safety net for handlers that do their own heartbeating less often
// than required.
func (p *Pool) heartbeatLoop(ctx context.Context, tc *TaskContext) {
	interval := tc.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tc.Heartbeat(ctx); err != nil {
				p.log.Warn("heartbeat failed", "work_id", tc.workID, "error", err)
				return
			}
			tc.refreshCancel(ctx)
		}
	}
}

// taskIDFor derives the SyncRun task_id a QueuedWork belongs to. Driver
// tasks carry their SyncRun's TaskID as the work_id itself (see
// internal/sync); fan-out tasks instead carry it in their args, so a
// sub-task's terminal failure still lands on the owning run's digest.
func taskIDFor(w *types.QueuedWork) string {
	var probe struct {
		TaskID string `json:"TaskID"`
	}
	if err := json.Unmarshal(w.Args, &probe); err == nil && probe.TaskID != "" {
		return probe.TaskID
	}
	return w.WorkID
}

// Wait blocks until in-flight handlers finish. For a graceful stop,
// Run's caller cancels the context passed to Run and then calls Wait.
func (p *Pool) Wait() {
	p.wg.Wait()
}
