package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/jobtrail/discovery/internal/pipeline"
)

func TestCreateRunInsertsQueuedRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewRunStoreWithPool(mock)
	now := time.Unix(1700000000, 0).UTC()
	run := pipeline.Run{
		ID:         "run-1",
		Kind:       pipeline.KindCrawl,
		Status:     pipeline.RunStatusQueued,
		Target:     pipeline.Target{Queries: []string{"software engineer"}, FullCatalog: true},
		EnqueuedAt: now,
	}

	target, err := json.Marshal(run.Target)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO discovery_runs").
		WithArgs(run.ID, "crawl", "queued", target, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimRunWinsWhenQueued(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewRunStoreWithPool(mock)
	lease := time.Unix(1700000300, 0).UTC()

	mock.ExpectExec("UPDATE discovery_runs").
		WithArgs("run-1", "worker-a", "claimed", lease, "queued").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.ClaimRun(context.Background(), "run-1", "worker-a", lease))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimRunConflictWhenAlreadyClaimed(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewRunStoreWithPool(mock)
	lease := time.Unix(1700000300, 0).UTC()

	mock.ExpectExec("UPDATE discovery_runs").
		WithArgs("run-1", "worker-b", "claimed", lease, "queued").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.ClaimRun(context.Background(), "run-1", "worker-b", lease)
	require.ErrorIs(t, err, pipeline.ErrClaimConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimRunRequiresExpiredLease(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewRunStoreWithPool(mock)
	now := time.Unix(1700000600, 0).UTC()
	lease := now.Add(5 * time.Minute)

	mock.ExpectExec("UPDATE discovery_runs").
		WithArgs("run-1", "worker-b", "claimed", lease, "claimed", "running", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.ReclaimRun(context.Background(), "run-1", "worker-b", lease, now)
	require.ErrorIs(t, err, pipeline.ErrClaimConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRunningRejectsNonOwner(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewRunStoreWithPool(mock)
	started := time.Unix(1700000100, 0).UTC()

	mock.ExpectExec("UPDATE discovery_runs").
		WithArgs("run-1", "worker-b", "running", started, "claimed").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.MarkRunning(context.Background(), "run-1", "worker-b", started)
	require.ErrorIs(t, err, pipeline.ErrLeaseLost)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExtendLeaseForOwner(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewRunStoreWithPool(mock)
	lease := time.Unix(1700000400, 0).UTC()

	mock.ExpectExec("UPDATE discovery_runs").
		WithArgs("run-1", "worker-a", lease, "claimed", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.ExtendLease(context.Background(), "run-1", "worker-a", lease))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeRunRecordsCounters(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewRunStoreWithPool(mock)
	finished := time.Unix(1700000900, 0).UTC()
	counters := pipeline.RunCounters{Scraped: 10, New: 5, Updated: 2, Unchanged: 3, Invalidated: 2}

	mock.ExpectExec("UPDATE discovery_runs").
		WithArgs("run-1", "worker-a", "succeeded", finished,
			10, 5, 2, 3, 0, 2,
			"", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = store.FinalizeRun(context.Background(), "run-1", "worker-a",
		pipeline.RunStatusSucceeded, counters, "", finished)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeRunRejectsNonTerminalStatus(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewRunStoreWithPool(mock)

	err = store.FinalizeRun(context.Background(), "run-1", "worker-a",
		pipeline.RunStatusRunning, pipeline.RunCounters{}, "", time.Now())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailQueuedRunFinalizesOrphan(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewRunStoreWithPool(mock)
	finished := time.Unix(1700000050, 0).UTC()

	mock.ExpectExec("UPDATE discovery_runs").
		WithArgs("run-1", "failed", "enqueue failed: queue full", finished, "queued").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = store.FailQueuedRun(context.Background(), "run-1", "enqueue failed: queue full", finished)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailQueuedRunConflictWhenClaimed(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewRunStoreWithPool(mock)
	finished := time.Unix(1700000050, 0).UTC()

	mock.ExpectExec("UPDATE discovery_runs").
		WithArgs("run-1", "failed", "enqueue failed: queue full", finished, "queued").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.FailQueuedRun(context.Background(), "run-1", "enqueue failed: queue full", finished)
	require.ErrorIs(t, err, pipeline.ErrClaimConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewRunStoreWithPool(mock)

	mock.ExpectQuery("SELECT (.+) FROM discovery_runs").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = store.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, pipeline.ErrRunNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunScansRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewRunStoreWithPool(mock)
	now := time.Unix(1700000000, 0).UTC()
	lease := now.Add(5 * time.Minute)
	target := []byte(`{"queries":["software engineer"],"full_catalog":true}`)

	rows := pgxmock.NewRows([]string{
		"id", "kind", "status", "target", "claimed_by", "lease_expires_at", "reclaims",
		"enqueued_at", "started_at", "finished_at",
		"scraped_count", "new_count", "updated_count", "unchanged_count", "invalid_count", "invalidated_count",
		"failure_reason",
	}).AddRow(
		"run-1", "crawl", "running", target, "worker-a", &lease, 1,
		now, &now, (*time.Time)(nil),
		4, 1, 1, 2, 0, 0,
		"",
	)

	mock.ExpectQuery("SELECT (.+) FROM discovery_runs").
		WithArgs("run-1").
		WillReturnRows(rows)

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.KindCrawl, run.Kind)
	require.Equal(t, pipeline.RunStatusRunning, run.Status)
	require.Equal(t, "worker-a", run.ClaimedBy)
	require.Equal(t, 1, run.Reclaims)
	require.True(t, run.Target.FullCatalog)
	require.Equal(t, []string{"software engineer"}, run.Target.Queries)
	require.Equal(t, 4, run.Counters.Scraped)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueStatsGroupsByKind(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewRunStoreWithPool(mock)

	rows := pgxmock.NewRows([]string{"kind", "status", "count"}).
		AddRow("crawl", "queued", 2).
		AddRow("crawl", "running", 1).
		AddRow("crawl", "succeeded", 7).
		AddRow("validate", "failed", 1)

	mock.ExpectQuery("SELECT kind, status, COUNT").
		WillReturnRows(rows)

	stats, err := store.QueueStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats[pipeline.KindCrawl].Waiting)
	require.Equal(t, 1, stats[pipeline.KindCrawl].Active)
	require.Equal(t, 7, stats[pipeline.KindCrawl].Succeeded)
	require.Equal(t, 1, stats[pipeline.KindValidate].Failed)
	require.NoError(t, mock.ExpectationsWereMet())
}
