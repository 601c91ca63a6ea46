// Package scheduler implements the Scheduler (C10): interval/cron/
// delayed schedule entries, singleton leader election via a named lease
// in the persistence port, and the producer side of
// the backpressure gate in internal/queue.
package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/gofrs/flock"

	"github.com/operator/marketsync/internal/logging"
	"github.com/operator/marketsync/internal/queue"
	"github.com/operator/marketsync/internal/storage"
	"github.com/operator/marketsync/internal/types"
)

// Kind distinguishes the three schedule-entry flavors.
type Kind int

const (
	KindInterval Kind = iota
	KindCron
	KindDelayed
)

// Entry is one schedule entry, keyed by Name.
type Entry struct {
	Name     string
	Kind     Kind
	Work     queue.EnqueueArgs // task_name/args/queue/priority to enqueue on fire

	// KindInterval
	Period time.Duration
	Jitter time.Duration // must be <= Period/4

	// KindCron
	CronExpr string
	Timezone string

	// KindDelayed
	At time.Time

	cron     *cronSpec
	lastFire time.Time
	fired    bool // KindDelayed: whether the single shot has fired
}

// Scheduler is a singleton process responsibility: at most one
// instance emits fires at a time, enforced by
// an AcquireLease/RenewLease named row in the persistence port. When a
// local lock path is configured, Run also tries a file lock at start; if
// another process on the host holds it, Run logs a warning and still
// competes for the lease.
type Scheduler struct {
	store     storage.Storage
	q         *queue.Queue
	log       logging.Logger
	leaseName string
	holderID  string
	localLock *flock.Flock

	checkpointRetention time.Duration
	lastPrune           time.Time

	entries map[string]*Entry
}

// Config configures a Scheduler.
type Config struct {
	Store         storage.Storage
	Queue         *queue.Queue
	Log           logging.Logger
	LeaseName     string
	HolderID      string
	LocalLockPath string // optional; empty disables the local flock guard

	// CheckpointRetention bounds how long checkpoints are kept: every
	// checkpoint last saved before the window is pruned, whether or not
	// its task has finished; zero disables pruning. The scheduler owns the
	// checkpoint rows, so the leader prunes them as part of its tick.
	CheckpointRetention time.Duration
}

// New builds a Scheduler. Call Register for each schedule entry before
// Run.
func New(cfg Config) *Scheduler {
	log := cfg.Log
	if log == nil {
		log = logging.New("INFO", nil)
	}
	s := &Scheduler{
		store:     cfg.Store,
		q:         cfg.Queue,
		log:       log,
		leaseName: cfg.LeaseName,
		holderID:  cfg.HolderID,
		entries:   make(map[string]*Entry),

		checkpointRetention: cfg.CheckpointRetention,
	}
	if cfg.LocalLockPath != "" {
		s.localLock = flock.New(cfg.LocalLockPath)
	}
	return s
}

// Register adds or replaces a schedule entry by name.
func (s *Scheduler) Register(e *Entry) error {
	if e.Kind == KindCron {
		loc := time.UTC
		if e.Timezone != "" {
			l, err := time.LoadLocation(e.Timezone)
			if err != nil {
				return err
			}
			loc = l
		}
		spec, err := parseCron(e.CronExpr, loc)
		if err != nil {
			return err
		}
		e.cron = spec
	}
	s.entries[e.Name] = e
	return nil
}

// Run blocks, periodically attempting leadership and, while leader,
// evaluating every entry once per tick. It returns when ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context, tick time.Duration) error {
	if s.localLock != nil {
		locked, err := s.localLock.TryLock()
		if err != nil {
			return err
		}
		if !locked {
			s.log.Warn("another scheduler process already holds the local lock on this host")
		}
		defer func() { _ = s.localLock.Unlock() }()
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	isLeader := false
	for {
		select {
		case <-ctx.Done():
			if isLeader {
				_ = s.store.ReleaseLease(context.Background(), s.leaseName, s.holderID)
			}
			return ctx.Err()
		case <-ticker.C:
			ttl := int64(tick.Seconds()*3 + 1)
			if !isLeader {
				acquired, err := s.store.AcquireLease(ctx, s.leaseName, s.holderID, ttl)
				if err != nil {
					s.log.Warn("scheduler leader acquisition failed", "error", err)
					continue
				}
				if !acquired {
					// Losing candidates retry on the next tick rather than
					// failing outright.
					continue
				}
				isLeader = true
				s.log.Info("acquired scheduler leadership", "holder", s.holderID)
			} else {
				renewed, err := s.store.RenewLease(ctx, s.leaseName, s.holderID, ttl)
				if err != nil || !renewed {
					s.log.Warn("lost scheduler leadership", "error", err)
					isLeader = false
					continue
				}
			}
			s.tickOnce(ctx)
		}
	}
}

func (s *Scheduler) tickOnce(ctx context.Context) {
	now := time.Now()
	for _, e := range s.entries {
		fire, next := s.evaluate(e, now)
		if !fire {
			continue
		}
		if _, err := s.q.TryEnqueue(ctx, e.Work); err != nil {
			s.log.Warn("scheduler enqueue failed, entry stays due next tick", "entry", e.Name, "error", err)
			continue
		}
		e.lastFire = next
		if e.Kind == KindDelayed {
			e.fired = true
		}
		s.log.Info("schedule fired", "entry", e.Name, "task", e.Work.TaskName, "at", next)
	}
	s.pruneCheckpoints(ctx, now)
}

// pruneCheckpoints drops checkpoints older than the retention window,
// at most once per hour.
func (s *Scheduler) pruneCheckpoints(ctx context.Context, now time.Time) {
	if s.checkpointRetention <= 0 || now.Sub(s.lastPrune) < time.Hour {
		return
	}
	s.lastPrune = now
	n, err := s.store.PruneCheckpoints(ctx, now.Add(-s.checkpointRetention))
	if err != nil {
		s.log.Warn("checkpoint prune failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("pruned expired checkpoints", "count", n)
	}
}

// evaluate reports whether e should fire now, and the logical fire time
// to record. Downtime across N cron fires coalesces into exactly one
// fire: evaluate only checks "has the next scheduled time already
// passed", never replays every missed tick.
func (s *Scheduler) evaluate(e *Entry, now time.Time) (bool, time.Time) {
	switch e.Kind {
	case KindInterval:
		if e.lastFire.IsZero() {
			return true, now
		}
		period := e.Period
		if e.Jitter > 0 {
			maxJitter := period / 4
			j := e.Jitter
			if j > maxJitter {
				j = maxJitter
			}
			period += time.Duration((rand.Float64()*2 - 1) * float64(j))
		}
		return now.Sub(e.lastFire) >= period, now
	case KindCron:
		if e.lastFire.IsZero() {
			// Never fired: the gap since registration is the largest
			// possible downtime window, coalesced into one immediate
			// fire; the next occurrence is computed from now.
			return true, now
		}
		next, ok := e.cron.next(e.lastFire)
		if !ok || next.After(now) {
			return false, time.Time{}
		}
		// Coalesce a backlog of missed occurrences into this single
		// fire: record the most recent occurrence <= now, so the next
		// evaluation starts after the whole gap.
		for {
			n, ok := e.cron.next(next)
			if !ok || n.After(now) {
				break
			}
			next = n
		}
		return true, next
	case KindDelayed:
		if e.fired {
			return false, time.Time{}
		}
		return !e.At.After(now), e.At
	default:
		return false, time.Time{}
	}
}

// Entries returns the current schedule entries, for the CLI `status`
// command and supervision surface.
func (s *Scheduler) Entries() map[string]*Entry {
	return s.entries
}

// QueuedWorkTemplate is a convenience constructor for common schedule
// work payloads, e.g. cron-triggered full syncs.
func QueuedWorkTemplate(taskName, queueName string, priority types.Priority, args any) queue.EnqueueArgs {
	return queue.EnqueueArgs{TaskName: taskName, Args: args, Queue: queueName, Priority: priority}
}
