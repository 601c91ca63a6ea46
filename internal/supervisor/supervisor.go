// Package supervisor implements Supervision & Progress (C13): aggregates
// worker heartbeats, queue depths, and SyncRun counters into an
// operator-visible health snapshot, and emits events on
// configurable threshold crossings to an observability port. It polls
// live state on an interval rather than subscribing to every
// individual state change.
package supervisor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/operator/marketsync/internal/logging"
	"github.com/operator/marketsync/internal/queue"
	"github.com/operator/marketsync/internal/storage"
	"github.com/operator/marketsync/internal/types"
)

// QueueDepth is the observed depth of one (queue, priority) pair.
type QueueDepth struct {
	Queue    string
	Priority types.Priority
	Depth    int
}

// TaskThroughput is the observed rate for one task name over the
// current window.
type TaskThroughput struct {
	TaskName     string
	Completed    int
	Failed       int
	ErrorRate    float64
	WindowStart  time.Time
}

// Snapshot is the full supervision picture at one point in time.
type Snapshot struct {
	Taken             time.Time
	ActiveWorkers     int
	LeasedButStalled  int
	QueueDepths       []QueueDepth
	ActiveSyncRuns    []*types.SyncRun
	Throughput        []TaskThroughput
}

// Thresholds configures when Supervisor.Poll emits an Event.
type Thresholds struct {
	MaxQueueDepth    int           // per (queue, priority); 0 disables
	MaxStalledRatio  float64       // LeasedButStalled / ActiveWorkers; 0 disables
	MaxErrorRate     float64       // per task name; 0 disables
	StalledLeaseAge  time.Duration // a lease older than this with no heartbeat counts as stalled
}

// EventKind names the class of threshold crossing.
type EventKind string

const (
	EventQueueDepthHigh EventKind = "queue_depth_high"
	EventWorkersStalled EventKind = "workers_stalled"
	EventErrorRateHigh  EventKind = "error_rate_high"
)

// Event is emitted to the observability port on a threshold crossing.
type Event struct {
	Kind      EventKind
	Detail    string
	Value     float64
	Threshold float64
	At        time.Time
}

// Sink receives Supervisor events; an operator wires this to whatever
// observability port they run (log line, metrics counter, webhook).
type Sink func(Event)

// Supervisor polls storage.Storage and internal/queue on an interval and
// maintains the latest Snapshot plus a rolling per-task throughput
// window.
type Supervisor struct {
	store      storage.Storage
	q          *queue.Queue
	log        logging.Logger
	thresholds Thresholds
	sinks      []Sink

	mu         sync.Mutex // guards window, latest; RecordOutcome is called from worker goroutines
	window     map[string]*taskWindow
	windowSpan time.Duration

	recommender *Recommender
	drafted     map[string]bool // TaskID -> recommendations already drafted, avoids re-drafting every poll

	latest Snapshot
}

type taskWindow struct {
	completed   int
	failed      int
	windowStart time.Time
}

// Config configures a Supervisor.
type Config struct {
	Store       storage.Storage
	Queue       *queue.Queue
	Log         logging.Logger
	Thresholds  Thresholds
	WindowSpan  time.Duration // throughput/error-rate window; default 5m
	Recommender *Recommender  // optional; nil disables recommendation drafting entirely
}

// New builds a Supervisor.
func New(cfg Config) *Supervisor {
	log := cfg.Log
	if log == nil {
		log = logging.New("INFO", nil)
	}
	span := cfg.WindowSpan
	if span <= 0 {
		span = 5 * time.Minute
	}
	return &Supervisor{
		store: cfg.Store, q: cfg.Queue, log: log, thresholds: cfg.Thresholds,
		window: make(map[string]*taskWindow), windowSpan: span,
		recommender: cfg.Recommender, drafted: make(map[string]bool),
	}
}

// Subscribe registers a Sink for threshold-crossing events.
func (s *Supervisor) Subscribe(sink Sink) {
	s.sinks = append(s.sinks, sink)
}

// RecordOutcome feeds one task completion/failure into the rolling
// throughput window; the Worker Pool calls this from its dispatch path.
func (s *Supervisor) RecordOutcome(taskName string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.window[taskName]
	if !ok || time.Since(w.windowStart) > s.windowSpan {
		w = &taskWindow{windowStart: time.Now()}
		s.window[taskName] = w
	}
	if success {
		w.completed++
	} else {
		w.failed++
	}
}

// Run polls on interval until ctx is cancelled, updating the latest
// Snapshot and emitting threshold-crossing Events.
func (s *Supervisor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap, err := s.poll(ctx)
			if err != nil {
				s.log.Warn("supervisor poll failed", "error", err)
				continue
			}
			s.mu.Lock()
			s.latest = snap
			s.mu.Unlock()
			s.evaluateThresholds(snap)
		}
	}
}

// Latest returns the most recently computed Snapshot, for the HTTP
// dashboard endpoint and the CLI status command.
func (s *Supervisor) Latest() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

func (s *Supervisor) poll(ctx context.Context) (Snapshot, error) {
	runs, err := s.store.ListActiveSyncRuns(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	var depths []QueueDepth
	for _, qn := range queue.AllQueues {
		byPriority, err := s.store.QueueDepth(ctx, qn)
		if err != nil {
			continue
		}
		for p, n := range byPriority {
			depths = append(depths, QueueDepth{Queue: qn, Priority: p, Depth: n})
		}
	}
	sort.Slice(depths, func(i, j int) bool {
		if depths[i].Queue != depths[j].Queue {
			return depths[i].Queue < depths[j].Queue
		}
		return depths[i].Priority > depths[j].Priority
	})

	var activeWorkers, stalled int
	if s.thresholds.StalledLeaseAge > 0 {
		cutoff := time.Now().Add(-s.thresholds.StalledLeaseAge)
		activeWorkers, stalled, err = s.store.LeaseStats(ctx, cutoff)
		if err != nil {
			return Snapshot{}, err
		}
	}

	var throughput []TaskThroughput
	s.mu.Lock()
	for name, w := range s.window {
		if time.Since(w.windowStart) > s.windowSpan {
			continue
		}
		total := w.completed + w.failed
		errRate := 0.0
		if total > 0 {
			errRate = float64(w.failed) / float64(total)
		}
		throughput = append(throughput, TaskThroughput{
			TaskName: name, Completed: w.completed, Failed: w.failed,
			ErrorRate: errRate, WindowStart: w.windowStart,
		})
	}
	s.mu.Unlock()
	sort.Slice(throughput, func(i, j int) bool { return throughput[i].TaskName < throughput[j].TaskName })

	s.draftRecommendations(ctx, runs)

	return Snapshot{
		Taken: time.Now(), ActiveSyncRuns: runs,
		ActiveWorkers: activeWorkers, LeasedButStalled: stalled,
		QueueDepths: depths, Throughput: throughput,
	}, nil
}

// draftRecommendations asks the Recommender to draft operator-facing text
// for any active run that has accumulated error-digest entries and hasn't
// been drafted yet. Drafting is best-effort: a failure here never fails
// the poll cycle; the AI step is optional sugar, not a dependency.
func (s *Supervisor) draftRecommendations(ctx context.Context, runs []*types.SyncRun) {
	if s.recommender == nil {
		return
	}
	for _, run := range runs {
		if len(run.ErrorDigest) == 0 || s.drafted[run.TaskID] {
			continue
		}
		recs, err := s.recommender.Draft(ctx, run)
		if err != nil {
			s.log.Warn("recommendation drafting failed", "task_id", run.TaskID, "error", err)
			continue
		}
		s.drafted[run.TaskID] = true
		if len(recs) == 0 {
			continue
		}
		run.Recommendations = recs
		if err := s.store.UpdateSyncRun(ctx, run); err != nil {
			s.log.Warn("persisting recommendations failed", "task_id", run.TaskID, "error", err)
		}
	}
}

func (s *Supervisor) evaluateThresholds(snap Snapshot) {
	if s.thresholds.MaxQueueDepth > 0 {
		for _, d := range snap.QueueDepths {
			if d.Depth > s.thresholds.MaxQueueDepth {
				s.emit(Event{
					Kind: EventQueueDepthHigh, At: snap.Taken,
					Detail: d.Queue, Value: float64(d.Depth), Threshold: float64(s.thresholds.MaxQueueDepth),
				})
			}
		}
	}
	if s.thresholds.MaxErrorRate > 0 {
		for _, t := range snap.Throughput {
			if t.ErrorRate > s.thresholds.MaxErrorRate {
				s.emit(Event{
					Kind: EventErrorRateHigh, At: snap.Taken,
					Detail: t.TaskName, Value: t.ErrorRate, Threshold: s.thresholds.MaxErrorRate,
				})
			}
		}
	}
	if s.thresholds.MaxStalledRatio > 0 && snap.ActiveWorkers > 0 {
		ratio := float64(snap.LeasedButStalled) / float64(snap.ActiveWorkers)
		if ratio > s.thresholds.MaxStalledRatio {
			s.emit(Event{
				Kind: EventWorkersStalled, At: snap.Taken,
				Detail: "leased work past its lease deadline with no extension",
				Value: ratio, Threshold: s.thresholds.MaxStalledRatio,
			})
		}
	}
}

func (s *Supervisor) emit(e Event) {
	s.log.Warn("supervisor threshold crossed", "kind", e.Kind, "detail", e.Detail, "value", e.Value, "threshold", e.Threshold)
	for _, sink := range s.sinks {
		sink(e)
	}
}
