package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jobtrail/discovery/internal/pipeline"
)

// RunStore persists the run ledger in the discovery_runs table. Every state
// transition is a single conditional UPDATE whose WHERE clause encodes the
// allowed predecessor state, so concurrent workers cannot double-claim or
// resurrect a terminal run.
type RunStore struct {
	db pool
}

// NewRunStore creates a RunStore backed by a pgx pool.
func NewRunStore(db *pgxpool.Pool) *RunStore {
	return &RunStore{db: db}
}

// NewRunStoreWithPool creates a RunStore over any pool-compatible handle.
// Tests inject pgxmock through this constructor.
func NewRunStoreWithPool(db pool) *RunStore {
	return &RunStore{db: db}
}

const runColumns = `id, kind, status, target, claimed_by, lease_expires_at, reclaims,
	enqueued_at, started_at, finished_at,
	scraped_count, new_count, updated_count, unchanged_count, invalid_count, invalidated_count,
	failure_reason`

// CreateRun inserts a new run row in queued state.
func (s *RunStore) CreateRun(ctx context.Context, run pipeline.Run) error {
	target, err := json.Marshal(run.Target)
	if err != nil {
		return fmt.Errorf("marshal run target: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO discovery_runs (id, kind, status, target, enqueued_at)
		VALUES ($1, $2, $3, $4, $5)`,
		run.ID, string(run.Kind), string(pipeline.RunStatusQueued), target, run.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// ClaimRun atomically transitions queued -> claimed. At most one of any
// number of racing workers sees a row update; the rest get ErrClaimConflict.
func (s *RunStore) ClaimRun(ctx context.Context, runID, workerID string, leaseUntil time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE discovery_runs
		SET status = $3, claimed_by = $2, lease_expires_at = $4
		WHERE id = $1 AND status = $5`,
		runID, workerID, string(pipeline.RunStatusClaimed), leaseUntil, string(pipeline.RunStatusQueued))
	if err != nil {
		return fmt.Errorf("claim run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrClaimConflict
	}
	return nil
}

// ReclaimRun takes over a claimed or running run whose lease has expired.
// The expired-lease predicate in the WHERE clause fences the original worker:
// if it is still alive its lease is in the future and the update matches
// nothing.
func (s *RunStore) ReclaimRun(ctx context.Context, runID, workerID string, leaseUntil, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE discovery_runs
		SET status = $3, claimed_by = $2, lease_expires_at = $4,
		    reclaims = reclaims + 1, started_at = NULL
		WHERE id = $1
		  AND status IN ($5, $6)
		  AND lease_expires_at < $7`,
		runID, workerID, string(pipeline.RunStatusClaimed), leaseUntil,
		string(pipeline.RunStatusClaimed), string(pipeline.RunStatusRunning), now)
	if err != nil {
		return fmt.Errorf("reclaim run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrClaimConflict
	}
	return nil
}

// MarkRunning transitions claimed -> running for the owning worker.
func (s *RunStore) MarkRunning(ctx context.Context, runID, workerID string, startedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE discovery_runs
		SET status = $3, started_at = $4
		WHERE id = $1 AND claimed_by = $2 AND status = $5`,
		runID, workerID, string(pipeline.RunStatusRunning), startedAt, string(pipeline.RunStatusClaimed))
	if err != nil {
		return fmt.Errorf("mark run %s running: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrLeaseLost
	}
	return nil
}

// ExtendLease pushes the lease forward while the owning worker makes
// progress. A worker that was reclaimed no longer matches claimed_by and
// learns it lost the run.
func (s *RunStore) ExtendLease(ctx context.Context, runID, workerID string, leaseUntil time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE discovery_runs
		SET lease_expires_at = $3
		WHERE id = $1 AND claimed_by = $2 AND status IN ($4, $5)`,
		runID, workerID, leaseUntil,
		string(pipeline.RunStatusClaimed), string(pipeline.RunStatusRunning))
	if err != nil {
		return fmt.Errorf("extend lease for run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrLeaseLost
	}
	return nil
}

// FinalizeRun transitions running -> succeeded|failed and records the
// counters. Only the current owner of a running run can finalize, so a
// reclaimed worker finishing late cannot overwrite the replacement's result.
func (s *RunStore) FinalizeRun(ctx context.Context, runID, workerID string, status pipeline.RunStatus, counters pipeline.RunCounters, reason string, finishedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize with non-terminal status %q", status)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE discovery_runs
		SET status = $3, finished_at = $4, lease_expires_at = NULL,
		    scraped_count = $5, new_count = $6, updated_count = $7,
		    unchanged_count = $8, invalid_count = $9, invalidated_count = $10,
		    failure_reason = $11
		WHERE id = $1 AND claimed_by = $2 AND status = $12`,
		runID, workerID, string(status), finishedAt,
		counters.Scraped, counters.New, counters.Updated,
		counters.Unchanged, counters.Invalid, counters.Invalidated,
		reason, string(pipeline.RunStatusRunning))
	if err != nil {
		return fmt.Errorf("finalize run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrLeaseLost
	}
	return nil
}

// FailQueuedRun transitions queued -> failed directly, for runs whose work
// item never reached the queue. A run already claimed by a worker does not
// match and reports ErrClaimConflict.
func (s *RunStore) FailQueuedRun(ctx context.Context, runID, reason string, finishedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE discovery_runs
		SET status = $2, failure_reason = $3, finished_at = $4, lease_expires_at = NULL
		WHERE id = $1 AND status = $5`,
		runID, string(pipeline.RunStatusFailed), reason, finishedAt, string(pipeline.RunStatusQueued))
	if err != nil {
		return fmt.Errorf("fail queued run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrClaimConflict
	}
	return nil
}

// GetRun fetches one run by id.
func (s *RunStore) GetRun(ctx context.Context, runID string) (pipeline.Run, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM discovery_runs
		WHERE id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Run{}, pipeline.ErrRunNotFound
	}
	if err != nil {
		return pipeline.Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRecentRuns returns runs newest-first, optionally filtered by kind.
func (s *RunStore) ListRecentRuns(ctx context.Context, kind pipeline.RunKind, limit int) ([]pipeline.Run, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+runColumns+`
		FROM discovery_runs
		WHERE ($1 = '' OR kind = $1)
		ORDER BY enqueued_at DESC
		LIMIT $2`, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListStaleRuns returns claimed/running runs whose lease expired before now.
func (s *RunStore) ListStaleRuns(ctx context.Context, now time.Time, limit int) ([]pipeline.Run, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+runColumns+`
		FROM discovery_runs
		WHERE status IN ($1, $2) AND lease_expires_at < $3
		ORDER BY lease_expires_at ASC
		LIMIT $4`,
		string(pipeline.RunStatusClaimed), string(pipeline.RunStatusRunning), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// QueueStats aggregates run counts per kind and status bucket.
func (s *RunStore) QueueStats(ctx context.Context) (pipeline.QueueStats, error) {
	rows, err := s.db.Query(ctx, `
		SELECT kind, status, COUNT(*)
		FROM discovery_runs
		GROUP BY kind, status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := pipeline.QueueStats{}
	for rows.Next() {
		var kind, status string
		var count int
		if err := rows.Scan(&kind, &status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		ks := stats[pipeline.RunKind(kind)]
		switch pipeline.RunStatus(status) {
		case pipeline.RunStatusQueued:
			ks.Waiting += count
		case pipeline.RunStatusClaimed, pipeline.RunStatusRunning:
			ks.Active += count
		case pipeline.RunStatusSucceeded:
			ks.Succeeded += count
		case pipeline.RunStatusFailed:
			ks.Failed += count
		}
		stats[pipeline.RunKind(kind)] = ks
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue stats: %w", err)
	}
	return stats, nil
}

func collectRuns(rows pgx.Rows) ([]pipeline.Run, error) {
	var out []pipeline.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (pipeline.Run, error) {
	var (
		run    pipeline.Run
		kind   string
		status string
		target []byte
	)
	err := row.Scan(
		&run.ID, &kind, &status, &target, &run.ClaimedBy, &run.LeaseExpiresAt, &run.Reclaims,
		&run.EnqueuedAt, &run.StartedAt, &run.FinishedAt,
		&run.Counters.Scraped, &run.Counters.New, &run.Counters.Updated,
		&run.Counters.Unchanged, &run.Counters.Invalid, &run.Counters.Invalidated,
		&run.FailureReason,
	)
	if err != nil {
		return pipeline.Run{}, err
	}
	run.Kind = pipeline.RunKind(kind)
	run.Status = pipeline.RunStatus(status)
	if len(target) > 0 {
		if err := json.Unmarshal(target, &run.Target); err != nil {
			return pipeline.Run{}, fmt.Errorf("unmarshal run target: %w", err)
		}
	}
	return run, nil
}
