package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/operator/marketsync/internal/errs"
	"github.com/operator/marketsync/internal/types"
)

func (s *Store) Enqueue(ctx context.Context, w *types.QueuedWork) error {
	if w.WorkID == "" {
		w.WorkID = newID("work")
	}
	if w.EnqueuedAt.IsZero() {
		w.EnqueuedAt = time.Now().UTC()
	}
	if w.NotBefore.IsZero() {
		w.NotBefore = w.EnqueuedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue (work_id, task_name, args, queue, priority, attempt_no, not_before, enqueued_at, last_error)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		w.WorkID, w.TaskName, w.Args, w.Queue, int(w.Priority), w.AttemptNo, w.NotBefore, w.EnqueuedAt, w.LastError,
	)
	return err
}

// Lease atomically claims the oldest eligible item in queue ordered by
// priority then FIFO, the dispatch order the queue table's index
// `idx_queue_dispatch` is built for. SQLite's single-writer model makes
// the select-then-update safe without a SELECT ... FOR UPDATE clause,
// as long as callers share one *sql.DB with MaxOpenConns(1).
func (s *Store) Lease(ctx context.Context, queue string, leaseTTL int64, workerID string) (*types.QueuedWork, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx, `
		SELECT work_id, task_name, args, queue, priority, attempt_no, not_before, enqueued_at, last_error
		FROM queue
		WHERE queue = ? AND not_before <= ? AND (lease_token = '' OR lease_deadline <= ?)
		ORDER BY priority DESC, not_before ASC, enqueued_at ASC
		LIMIT 1`, queue, now, now)

	var w types.QueuedWork
	var priority int
	err = row.Scan(&w.WorkID, &w.TaskName, &w.Args, &w.Queue, &priority, &w.AttemptNo, &w.NotBefore, &w.EnqueuedAt, &w.LastError)
	if err == sql.ErrNoRows {
		return nil, errs.ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	w.Priority = types.Priority(priority)
	w.LeaseToken = newID("lease")
	w.LeaseDeadline = now.Add(time.Duration(leaseTTL) * time.Second)
	w.AttemptNo++

	_, err = tx.ExecContext(ctx, `UPDATE queue SET lease_token = ?, lease_deadline = ?, attempt_no = ? WHERE work_id = ?`,
		w.LeaseToken, w.LeaseDeadline, w.AttemptNo, w.WorkID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) ExtendLease(ctx context.Context, workID, leaseToken string, leaseTTL int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue SET lease_deadline = ? WHERE work_id = ? AND lease_token = ?`,
		time.Now().UTC().Add(time.Duration(leaseTTL)*time.Second), workID, leaseToken)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrStaleLease
	}
	return nil
}

func (s *Store) Ack(ctx context.Context, workID, leaseToken string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE work_id = ? AND lease_token = ?`, workID, leaseToken)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrStaleLease
	}
	return nil
}

func (s *Store) Nack(ctx context.Context, workID, leaseToken string, retryAt *sql.NullTime, lastErr string) error {
	notBefore := time.Now().UTC()
	if retryAt != nil && retryAt.Valid {
		notBefore = retryAt.Time
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue SET lease_token = '', lease_deadline = NULL, not_before = ?, last_error = ?
		WHERE work_id = ? AND lease_token = ?`, notBefore, lastErr, workID, leaseToken)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrStaleLease
	}
	return nil
}

func (s *Store) QueueDepth(ctx context.Context, queue string) (map[types.Priority]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT priority, COUNT(*) FROM queue WHERE queue = ? GROUP BY priority`, queue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[types.Priority]int)
	for rows.Next() {
		var p, n int
		if err := rows.Scan(&p, &n); err != nil {
			return nil, err
		}
		out[types.Priority(p)] = n
	}
	return out, rows.Err()
}

func (s *Store) LeaseStats(ctx context.Context, cutoff time.Time) (leased, stalled int, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue WHERE lease_token != ''`)
	if err = row.Scan(&leased); err != nil {
		return 0, 0, err
	}
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue WHERE lease_token != '' AND lease_deadline <= ?`, cutoff)
	if err = row.Scan(&stalled); err != nil {
		return 0, 0, err
	}
	return leased, stalled, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	countersJSON, err := marshalCounters(cp.Counters)
	if err != nil {
		return err
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (task_id, sequence_no, timestamp, cursor, counters, checksum)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(task_id) DO UPDATE SET
			sequence_no=excluded.sequence_no, timestamp=excluded.timestamp,
			cursor=excluded.cursor, counters=excluded.counters, checksum=excluded.checksum`,
		cp.TaskID, cp.SequenceNo, cp.Timestamp, cp.Cursor, countersJSON, cp.Checksum,
	)
	return err
}

func (s *Store) LoadCheckpoint(ctx context.Context, taskID string) (*types.Checkpoint, error) {
	var cp types.Checkpoint
	var countersJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, sequence_no, timestamp, cursor, counters, checksum
		FROM checkpoints WHERE task_id = ?`, taskID).
		Scan(&cp.TaskID, &cp.SequenceNo, &cp.Timestamp, &cp.Cursor, &countersJSON, &cp.Checksum)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalCounters(countersJSON, &cp.Counters); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCheckpointCorrupt, err)
	}
	return &cp, nil
}

func (s *Store) PruneCheckpoints(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) CreateSyncRun(ctx context.Context, r *types.SyncRun) error {
	return writeSyncRun(ctx, s.db, r, true)
}

func (s *Store) UpdateSyncRun(ctx context.Context, r *types.SyncRun) error {
	existing, err := s.GetSyncRun(ctx, r.TaskID)
	if err != nil {
		return err
	}
	if existing.Status != r.Status && !existing.Status.CanTransitionTo(r.Status) {
		return fmt.Errorf("%w: %s -> %s", errs.ErrValidationError, existing.Status, r.Status)
	}
	return writeSyncRun(ctx, s.db, r, false)
}

func writeSyncRun(ctx context.Context, e execer, r *types.SyncRun, insert bool) error {
	counters, err := marshalCounters(r.Counters)
	if err != nil {
		return err
	}
	digest, err := marshalJSON(r.ErrorDigest)
	if err != nil {
		return err
	}
	cfg, err := marshalJSON(r.ConfigSnapshot)
	if err != nil {
		return err
	}
	recs, err := marshalJSON(r.Recommendations)
	if err != nil {
		return err
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}

	if insert {
		_, err = e.ExecContext(ctx, `
			INSERT INTO sync_runs (task_id, task_name, operation_type, sync_kind, status, progress,
				counters, started_at, ended_at, error_digest, config_snapshot, recommendations, retry_of, cancel_requested)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			r.TaskID, r.TaskName, string(r.OperationType), string(r.SyncKind), string(r.Status), r.Progress,
			counters, r.StartedAt, nullableTimePtr(r.EndedAt), digest, cfg, recs, r.RetryOf, r.CancelRequested,
		)
		return err
	}
	_, err = e.ExecContext(ctx, `
		UPDATE sync_runs SET status=?, progress=?, counters=?, ended_at=?, error_digest=?,
			config_snapshot=?, recommendations=?, cancel_requested=? WHERE task_id=?`,
		string(r.Status), r.Progress, counters, nullableTimePtr(r.EndedAt), digest, cfg, recs, r.CancelRequested, r.TaskID,
	)
	return err
}

func (s *Store) GetSyncRun(ctx context.Context, taskID string) (*types.SyncRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, task_name, operation_type, sync_kind, status, progress, counters, started_at,
			ended_at, error_digest, config_snapshot, recommendations, retry_of, cancel_requested
		FROM sync_runs WHERE task_id = ?`, taskID)
	return scanSyncRun(row)
}

func (s *Store) ListActiveSyncRuns(ctx context.Context) ([]*types.SyncRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, task_name, operation_type, sync_kind, status, progress, counters, started_at,
			ended_at, error_digest, config_snapshot, recommendations, retry_of, cancel_requested
		FROM sync_runs WHERE status IN ('pending','running') ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.SyncRun
	for rows.Next() {
		r, err := scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanSyncRun(row rowScanner) (*types.SyncRun, error) {
	var r types.SyncRun
	var counters, digest, cfg, recs string
	var endedAt sql.NullTime
	err := row.Scan(&r.TaskID, &r.TaskName, &r.OperationType, &r.SyncKind, &r.Status, &r.Progress, &counters,
		&r.StartedAt, &endedAt, &digest, &cfg, &recs, &r.RetryOf, &r.CancelRequested)
	if err == sql.ErrNoRows {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	if err := unmarshalCounters(counters, &r.Counters); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(digest, &r.ErrorDigest); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(cfg, &r.ConfigSnapshot); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(recs, &r.Recommendations); err != nil {
		return nil, err
	}
	return &r, nil
}

// AcquireLease implements the scheduler singleton (C10) as a row in
// scheduler_leases rather than a filesystem flock, so it works the
// same way whether the scheduler runs as one process or several
// racing to become leader against a shared database.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttlSeconds int64) (bool, error) {
	now := time.Now().UTC()
	expireAt := now.Add(time.Duration(ttlSeconds) * time.Second)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduler_leases (name, holder, expire_at) VALUES (?,?,?)
		ON CONFLICT(name) DO UPDATE SET holder=excluded.holder, expire_at=excluded.expire_at
		WHERE scheduler_leases.holder = excluded.holder OR scheduler_leases.expire_at <= ?`,
		name, holder, expireAt, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) RenewLease(ctx context.Context, name, holder string, ttlSeconds int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduler_leases SET expire_at = ? WHERE name = ? AND holder = ?`,
		time.Now().UTC().Add(time.Duration(ttlSeconds)*time.Second), name, holder)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_leases WHERE name = ? AND holder = ?`, name, holder)
	return err
}
