// Package queue is the Durable Queue port (C9): a thin, typed front end
// over the persistence port's queue rows (storage.Storage already owns
// the at-least-once leasing semantics; this package adds the named-queue
// vocabulary and the backpressure gate producers use
// before fanning out follow-up work).
package queue

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/operator/marketsync/internal/errs"
	"github.com/operator/marketsync/internal/storage"
	"github.com/operator/marketsync/internal/types"
)

// Named queues (default set).
const (
	Default  = "default"
	Crawler  = "crawler"
	Image    = "image"
	DataSync = "data_sync"
	Batch    = "batch"
)

// AllQueues lists the default named queues, for a worker pool that binds
// to every queue rather than a subset.
var AllQueues = []string{Default, Crawler, Image, DataSync, Batch}

// Queue wraps a storage.Storage with the queue-facing API: Enqueue,
// Lease, Extend, Ack, Nack, and a backpressure-aware TryEnqueue.
type Queue struct {
	store          storage.Storage
	highWaterMarks map[string]int
	lowWaterMarks  map[string]int
}

// New builds a Queue over store. highWater/lowWater apply to every named
// queue uniformly unless overridden with SetWaterMarks.
func New(store storage.Storage, highWater, lowWater int) *Queue {
	q := &Queue{store: store, highWaterMarks: map[string]int{}, lowWaterMarks: map[string]int{}}
	for _, name := range AllQueues {
		q.highWaterMarks[name] = highWater
		q.lowWaterMarks[name] = lowWater
	}
	return q
}

// SetWaterMarks overrides the high/low-water marks for one named queue.
func (q *Queue) SetWaterMarks(queueName string, high, low int) {
	q.highWaterMarks[queueName] = high
	q.lowWaterMarks[queueName] = low
}

// Depth sums QueueDepth across priorities for queueName.
func (q *Queue) Depth(ctx context.Context, queueName string) (int, error) {
	byPriority, err := q.store.QueueDepth(ctx, queueName)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range byPriority {
		total += n
	}
	return total, nil
}

// AtHighWater reports whether queueName has reached its configured
// high-water mark; producers must pause enqueueing when true.
func (q *Queue) AtHighWater(ctx context.Context, queueName string) (bool, error) {
	hw, ok := q.highWaterMarks[queueName]
	if !ok || hw <= 0 {
		return false, nil
	}
	depth, err := q.Depth(ctx, queueName)
	if err != nil {
		return false, err
	}
	return depth >= hw, nil
}

// BelowLowWater reports whether queueName has drained back to its
// low-water mark, the resume signal for a paused producer.
func (q *Queue) BelowLowWater(ctx context.Context, queueName string) (bool, error) {
	lw, ok := q.lowWaterMarks[queueName]
	if !ok {
		return true, nil
	}
	depth, err := q.Depth(ctx, queueName)
	if err != nil {
		return false, err
	}
	return depth <= lw, nil
}

// EnqueueArgs is the typed argument bundle for Enqueue.
type EnqueueArgs struct {
	TaskName  string
	Args      any // JSON-marshaled into QueuedWork.Args
	Queue     string
	Priority  types.Priority
	NotBefore time.Time

	// WorkID pins the queued item's identifier instead of generating a
	// random one. The Sync Coordinator sets this to the owning SyncRun's
	// TaskID so a worker's TaskContext (keyed by WorkID, see
	// internal/worker.taskIDFor) resolves back to the same SyncRun for
	// progress reporting and checkpointing.
	WorkID string
}

// Enqueue unconditionally appends work to the queue, ignoring
// backpressure; callers that must respect the high-water gate should
// use TryEnqueue instead. Returns the new work_id.
func (q *Queue) Enqueue(ctx context.Context, a EnqueueArgs) (string, error) {
	argsJSON, err := json.Marshal(a.Args)
	if err != nil {
		return "", fmt.Errorf("marshaling task args: %w", err)
	}
	notBefore := a.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	workID := a.WorkID
	if workID == "" {
		workID = newWorkID()
	}
	w := &types.QueuedWork{
		WorkID:     workID,
		TaskName:   a.TaskName,
		Args:       argsJSON,
		Queue:      a.Queue,
		Priority:   a.Priority,
		NotBefore:  notBefore,
		EnqueuedAt: time.Now(),
	}
	if err := q.store.Enqueue(ctx, w); err != nil {
		return "", fmt.Errorf("%w: enqueue %s: %v", errs.ErrQueueUnavailable, a.TaskName, err)
	}
	return w.WorkID, nil
}

// ErrBackpressure is returned by TryEnqueue when the target queue is at
// its high-water mark.
var ErrBackpressure = fmt.Errorf("queue at high-water mark, producer must pause")

// TryEnqueue enqueues only if the queue is below its high-water mark,
// the gate the Scheduler and Sync Coordinator use before fanning out
// follow-up work.
func (q *Queue) TryEnqueue(ctx context.Context, a EnqueueArgs) (string, error) {
	atHigh, err := q.AtHighWater(ctx, a.Queue)
	if err != nil {
		return "", err
	}
	if atHigh {
		return "", ErrBackpressure
	}
	return q.Enqueue(ctx, a)
}

// Lease pulls the next eligible item from one of queues, in the order
// given (first queue with eligible work wins; callers pass queues in
// priority-of-interest order for their own binding, since the port's
// Lease already orders by priority and not_before within one queue).
func (q *Queue) Lease(ctx context.Context, queues []string, leaseTTL time.Duration, workerID string) (*types.QueuedWork, error) {
	for _, qn := range queues {
		w, err := q.store.Lease(ctx, qn, int64(leaseTTL.Seconds()), workerID)
		if err != nil {
			if errors.Is(err, errs.ErrEmpty) {
				continue
			}
			return nil, err
		}
		if w != nil {
			return w, nil
		}
	}
	return nil, errs.ErrEmpty
}

// Extend renews w's lease; see types.QueuedWork.LeaseDeadline.
func (q *Queue) Extend(ctx context.Context, workID, leaseToken string, ttl time.Duration) error {
	return q.store.ExtendLease(ctx, workID, leaseToken, int64(ttl.Seconds()))
}

// Ack removes w from the queue permanently.
func (q *Queue) Ack(ctx context.Context, workID, leaseToken string) error {
	return q.store.Ack(ctx, workID, leaseToken)
}

// Nack re-queues w for retry after delay. attempt_no is not changed
// here; the store's Lease increments it when the item is delivered again.
func (q *Queue) Nack(ctx context.Context, workID, leaseToken, reason string, delay time.Duration) error {
	var retryAt *time.Time
	if delay > 0 {
		t := time.Now().Add(delay)
		retryAt = &t
	}
	return q.store.Nack(ctx, workID, leaseToken, nullTimeFrom(retryAt), reason)
}

func nullTimeFrom(t *time.Time) *sql.NullTime {
	if t == nil {
		return &sql.NullTime{}
	}
	return &sql.NullTime{Time: *t, Valid: true}
}

func newWorkID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return "wrk_" + hex.EncodeToString(b[:])
}
