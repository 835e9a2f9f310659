package worker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jobtrail/discovery/internal/dedup"
	"github.com/jobtrail/discovery/internal/hash/sha256"
	"github.com/jobtrail/discovery/internal/id/uuid"
	"github.com/jobtrail/discovery/internal/invalidate"
	"github.com/jobtrail/discovery/internal/metrics"
	"github.com/jobtrail/discovery/internal/pipeline"
	pubmem "github.com/jobtrail/discovery/internal/publisher/memory"
	queuemem "github.com/jobtrail/discovery/internal/queue/memory"
	"github.com/jobtrail/discovery/internal/retry"
	storemem "github.com/jobtrail/discovery/internal/store/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type sliceStream struct {
	recs []pipeline.CandidateRecord
	i    int
}

func (s *sliceStream) Next(context.Context) (pipeline.CandidateRecord, error) {
	if s.i >= len(s.recs) {
		return pipeline.CandidateRecord{}, io.EOF
	}
	rec := s.recs[s.i]
	s.i++
	return rec, nil
}

func (s *sliceStream) Close() error { return nil }

// scriptedFetcher returns one scripted result per Fetch call; the last entry
// repeats.
type scriptedFetcher struct {
	mu     sync.Mutex
	calls  int
	script []fetchResult
}

type fetchResult struct {
	recs []pipeline.CandidateRecord
	err  error
}

func (f *scriptedFetcher) Fetch(context.Context, pipeline.Target) (pipeline.RecordStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.calls++
	res := f.script[idx]
	if res.err != nil {
		return nil, res.err
	}
	return &sliceStream{recs: res.recs}, nil
}

type fixture struct {
	runs      *storemem.RunStore
	postings  *storemem.PostingStore
	queue     *queuemem.Queue
	publisher *pubmem.Publisher
	clock     fixedClock
}

func newFixture() *fixture {
	metrics.Init()
	return &fixture{
		runs:      storemem.NewRunStore(),
		postings:  storemem.NewPostingStore(),
		queue:     queuemem.NewQueue(8),
		publisher: pubmem.New(),
		clock:     fixedClock{now: time.Unix(1700000000, 0).UTC()},
	}
}

func (f *fixture) newWorker(id string, kind pipeline.RunKind, fetcher pipeline.Fetcher) *Worker {
	logger := zap.NewNop()
	engine := dedup.New(f.postings, sha256.New(), uuid.New(), f.clock, logger)
	return New(Options{
		ID:          id,
		Kind:        kind,
		Queue:       f.queue,
		Runs:        f.runs,
		Postings:    f.postings,
		Engine:      engine,
		Invalidator: invalidate.New(f.postings, f.clock, logger),
		Fetcher:     fetcher,
		Publisher:   f.publisher,
		Retry:       retry.NewPolicy(3, time.Millisecond, 5*time.Millisecond),
		Clock:       f.clock,
		Config:      Config{Lease: 5 * time.Minute, Heartbeat: time.Minute, Topic: "discovery-runs"},
		Logger:      logger,
	})
}

func (f *fixture) createRun(t *testing.T, id string, kind pipeline.RunKind, target pipeline.Target) pipeline.WorkItem {
	t.Helper()
	require.NoError(t, f.runs.CreateRun(context.Background(), pipeline.Run{
		ID:         id,
		Kind:       kind,
		Status:     pipeline.RunStatusQueued,
		Target:     target,
		EnqueuedAt: f.clock.now,
	}))
	return pipeline.WorkItem{ID: "item-" + id, RunID: id, Kind: kind, Target: target, Attempt: 1}
}

func (f *fixture) seedPosting(t *testing.T, url, hash, runID string) {
	t.Helper()
	_, err := f.postings.UpsertPosting(context.Background(), runID, pipeline.JobPosting{
		ID:           "seed-" + url,
		Title:        "Old Title",
		Company:      "Acme",
		CanonicalURL: url,
		ContentHash:  hash,
		LastSeenAt:   f.clock.now.Add(-24 * time.Hour),
	})
	require.NoError(t, err)
}

func crawlRecord(title, url, description string) pipeline.CandidateRecord {
	return pipeline.CandidateRecord{
		Title:          title,
		Company:        "Acme",
		Location:       "Remote",
		Description:    description,
		ApplicationURL: url,
	}
}

func fullCatalog() pipeline.Target {
	return pipeline.Target{
		Queries:          []string{"software engineer"},
		FullCatalog:      true,
		ValidateExisting: true,
	}
}

// contentHashFor computes the hash the dedup engine would assign, so seeded
// postings can be made unchanged or changed relative to fetched records.
func contentHashFor(t *testing.T, f *fixture, rec pipeline.CandidateRecord) string {
	t.Helper()
	probe := storemem.NewPostingStore()
	engine := dedup.New(probe, sha256.New(), uuid.New(), f.clock, zap.NewNop())
	_, err := engine.Ingest(context.Background(), "probe", rec)
	require.NoError(t, err)
	return probe.All()[0].ContentHash
}

func TestCrawlRunFullScenario(t *testing.T) {
	t.Parallel()

	f := newFixture()
	var records []pipeline.CandidateRecord

	// 3 pre-existing postings returned unchanged.
	for _, url := range []string{"https://acme.example/jobs/u1", "https://acme.example/jobs/u2", "https://acme.example/jobs/u3"} {
		rec := crawlRecord("Stable Role", url, "same description")
		records = append(records, rec)
		f.seedPosting(t, url, contentHashFor(t, f, rec), "run-old")
	}
	// 2 pre-existing postings returned with changed content.
	for _, url := range []string{"https://acme.example/jobs/c1", "https://acme.example/jobs/c2"} {
		rec := crawlRecord("Changed Role", url, "new description")
		records = append(records, rec)
		f.seedPosting(t, url, "stale-hash", "run-old")
	}
	// 5 brand new postings.
	for _, url := range []string{"https://acme.example/jobs/n1", "https://acme.example/jobs/n2", "https://acme.example/jobs/n3", "https://acme.example/jobs/n4", "https://acme.example/jobs/n5"} {
		records = append(records, crawlRecord("New Role", url, "fresh"))
	}
	// 2 pre-existing postings the crawl no longer sees.
	f.seedPosting(t, "https://acme.example/jobs/gone1", "h1", "run-old")
	f.seedPosting(t, "https://acme.example/jobs/gone2", "h2", "run-old")

	item := f.createRun(t, "run-1", pipeline.KindCrawl, fullCatalog())
	w := f.newWorker("worker-a", pipeline.KindCrawl, &scriptedFetcher{script: []fetchResult{{recs: records}}})
	w.process(context.Background(), item)

	run, err := f.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.RunStatusSucceeded, run.Status)
	require.Equal(t, 10, run.Counters.Scraped)
	require.Equal(t, 5, run.Counters.New)
	require.Equal(t, 2, run.Counters.Updated)
	require.Equal(t, 3, run.Counters.Unchanged)
	require.Equal(t, 2, run.Counters.Invalidated)
	require.NotNil(t, run.FinishedAt)

	available := 0
	for _, p := range f.postings.All() {
		if p.Available {
			available++
		} else {
			require.Contains(t, p.CanonicalURL, "gone")
		}
	}
	require.Equal(t, 10, available)
}

func TestFailedRunNeverInvalidates(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.seedPosting(t, "https://acme.example/jobs/1", "h1", "run-old")

	item := f.createRun(t, "run-1", pipeline.KindCrawl, fullCatalog())
	fetcher := &scriptedFetcher{script: []fetchResult{
		{err: pipeline.FatalFetch("catalog", io.ErrUnexpectedEOF)},
	}}
	w := f.newWorker("worker-a", pipeline.KindCrawl, fetcher)
	w.process(context.Background(), item)

	run, err := f.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.RunStatusFailed, run.Status)
	require.NotEmpty(t, run.FailureReason)
	require.Zero(t, run.Counters.Invalidated)
	require.True(t, f.postings.All()[0].Available)
	// Fatal errors burn no retry budget.
	require.Equal(t, 1, fetcher.calls)
}

func TestTransientFailuresRetryWithinAttempt(t *testing.T) {
	t.Parallel()

	f := newFixture()
	item := f.createRun(t, "run-1", pipeline.KindCrawl, fullCatalog())
	fetcher := &scriptedFetcher{script: []fetchResult{
		{err: pipeline.TransientFetch("catalog", io.ErrUnexpectedEOF)},
		{err: pipeline.TransientFetch("catalog", io.ErrUnexpectedEOF)},
		{recs: []pipeline.CandidateRecord{crawlRecord("Role", "https://acme.example/jobs/1", "d")}},
	}}
	w := f.newWorker("worker-a", pipeline.KindCrawl, fetcher)
	w.process(context.Background(), item)

	run, err := f.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.RunStatusSucceeded, run.Status)
	require.Equal(t, 3, fetcher.calls)
	require.Equal(t, 1, run.Counters.New)
}

func TestTransientExhaustionFailsRun(t *testing.T) {
	t.Parallel()

	f := newFixture()
	item := f.createRun(t, "run-1", pipeline.KindCrawl, fullCatalog())
	fetcher := &scriptedFetcher{script: []fetchResult{
		{err: pipeline.TransientFetch("catalog", io.ErrUnexpectedEOF)},
	}}
	w := f.newWorker("worker-a", pipeline.KindCrawl, fetcher)
	w.process(context.Background(), item)

	run, err := f.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.RunStatusFailed, run.Status)
	// The whole attempt budget is spent before the run fails.
	require.Equal(t, 3, fetcher.calls)
}

func TestClaimConflictSkipsItem(t *testing.T) {
	t.Parallel()

	f := newFixture()
	item := f.createRun(t, "run-1", pipeline.KindCrawl, fullCatalog())
	require.NoError(t, f.runs.ClaimRun(context.Background(), "run-1", "worker-other", f.clock.now.Add(time.Minute)))

	fetcher := &scriptedFetcher{script: []fetchResult{{recs: nil}}}
	w := f.newWorker("worker-a", pipeline.KindCrawl, fetcher)
	w.process(context.Background(), item)

	require.Zero(t, fetcher.calls)
	run, err := f.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, "worker-other", run.ClaimedBy)
	require.Equal(t, pipeline.RunStatusClaimed, run.Status)
}

func TestValidationRunFlipsConfirmedGone(t *testing.T) {
	t.Parallel()

	f := newFixture()
	live := crawlRecord("Live Role", "https://acme.example/jobs/live", "d")
	f.seedPosting(t, "https://acme.example/jobs/live", contentHashFor(t, f, live), "run-old")
	f.seedPosting(t, "https://acme.example/jobs/gone", "h2", "run-old")
	goneID := ""
	for _, p := range f.postings.All() {
		if p.CanonicalURL == "https://acme.example/jobs/gone" {
			goneID = p.ID
		}
	}
	require.NotEmpty(t, goneID)

	target := pipeline.Target{JobIDs: []string{"live-id", goneID}}
	item := f.createRun(t, "run-v", pipeline.KindValidate, target)

	live.PostingID = "live-id"
	fetcher := &scriptedFetcher{script: []fetchResult{{recs: []pipeline.CandidateRecord{
		live,
		{PostingID: goneID, Unavailable: true},
	}}}}
	w := f.newWorker("worker-v", pipeline.KindValidate, fetcher)
	w.process(context.Background(), item)

	run, err := f.runs.GetRun(context.Background(), "run-v")
	require.NoError(t, err)
	require.Equal(t, pipeline.RunStatusSucceeded, run.Status)
	require.Equal(t, 2, run.Counters.Scraped)
	require.Equal(t, 1, run.Counters.Unchanged)
	require.Equal(t, 1, run.Counters.Invalidated)

	for _, p := range f.postings.All() {
		switch p.CanonicalURL {
		case "https://acme.example/jobs/live":
			require.True(t, p.Available)
		case "https://acme.example/jobs/gone":
			require.False(t, p.Available)
		}
	}
}

func TestValidationRunNeverSweeps(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.seedPosting(t, "https://acme.example/jobs/untouched", "h1", "run-old")

	item := f.createRun(t, "run-v", pipeline.KindValidate, pipeline.Target{JobIDs: []string{"x"}})
	fetcher := &scriptedFetcher{script: []fetchResult{{recs: nil}}}
	w := f.newWorker("worker-v", pipeline.KindValidate, fetcher)
	w.process(context.Background(), item)

	run, err := f.runs.GetRun(context.Background(), "run-v")
	require.NoError(t, err)
	require.Equal(t, pipeline.RunStatusSucceeded, run.Status)
	require.True(t, f.postings.All()[0].Available)
}

func TestRunFinishedEventPublished(t *testing.T) {
	t.Parallel()

	f := newFixture()
	item := f.createRun(t, "run-1", pipeline.KindCrawl, fullCatalog())
	w := f.newWorker("worker-a", pipeline.KindCrawl, &scriptedFetcher{script: []fetchResult{{recs: nil}}})
	w.process(context.Background(), item)

	msgs := f.publisher.Messages()
	require.Len(t, msgs, 1)
	payload, ok := msgs[0].Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "run.finished", payload["event"])
	require.Equal(t, "run-1", payload["run_id"])
	require.Equal(t, "succeeded", payload["status"])
}

func TestReaperReclaimsDeadWorkersRun(t *testing.T) {
	t.Parallel()

	f := newFixture()
	target := fullCatalog()
	f.createRun(t, "run-1", pipeline.KindCrawl, target)

	// A worker claimed the run, started it, and died; its lease is expired.
	expired := f.clock.now.Add(-time.Minute)
	require.NoError(t, f.runs.ClaimRun(context.Background(), "run-1", "worker-dead", expired))
	require.NoError(t, f.runs.MarkRunning(context.Background(), "run-1", "worker-dead", f.clock.now.Add(-2*time.Minute)))

	records := []pipeline.CandidateRecord{crawlRecord("Role", "https://acme.example/jobs/1", "d")}
	executor := f.newWorker("worker-reaper", pipeline.KindCrawl, &scriptedFetcher{script: []fetchResult{{recs: records}}})
	reaper := NewReaper(f.runs,
		map[pipeline.RunKind]*Worker{pipeline.KindCrawl: executor},
		nil, f.clock, time.Minute, 5*time.Minute, zap.NewNop())

	reaper.Sweep(context.Background())

	run, err := f.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.RunStatusSucceeded, run.Status)
	require.Equal(t, "worker-reaper", run.ClaimedBy)
	require.Equal(t, 1, run.Reclaims)
	require.Equal(t, 1, run.Counters.New)
}

func TestReaperLeavesLiveLeasesAlone(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.createRun(t, "run-1", pipeline.KindCrawl, fullCatalog())
	require.NoError(t, f.runs.ClaimRun(context.Background(), "run-1", "worker-live", f.clock.now.Add(time.Minute)))

	fetcher := &scriptedFetcher{script: []fetchResult{{recs: nil}}}
	executor := f.newWorker("worker-reaper", pipeline.KindCrawl, fetcher)
	reaper := NewReaper(f.runs,
		map[pipeline.RunKind]*Worker{pipeline.KindCrawl: executor},
		nil, f.clock, time.Minute, 5*time.Minute, zap.NewNop())

	reaper.Sweep(context.Background())

	require.Zero(t, fetcher.calls)
	run, err := f.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, "worker-live", run.ClaimedBy)
}

func TestSweepReportsQueueDepth(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.queue.Enqueue(context.Background(), pipeline.WorkItem{ID: "a"}))
	require.NoError(t, f.queue.Enqueue(context.Background(), pipeline.WorkItem{ID: "b"}))

	reaper := NewReaper(f.runs,
		map[pipeline.RunKind]*Worker{},
		map[pipeline.RunKind]DepthReporter{pipeline.KindCrawl: f.queue},
		f.clock, time.Minute, 5*time.Minute, zap.NewNop())

	reaper.Sweep(context.Background())

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Contains(t, rec.Body.String(), `discovery_queue_depth{kind="crawl"} 2`)
}

func TestDeadWorkerCannotFinalizeAfterReclaim(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.createRun(t, "run-1", pipeline.KindCrawl, fullCatalog())

	expired := f.clock.now.Add(-time.Minute)
	require.NoError(t, f.runs.ClaimRun(context.Background(), "run-1", "worker-dead", expired))
	require.NoError(t, f.runs.MarkRunning(context.Background(), "run-1", "worker-dead", expired))
	require.NoError(t, f.runs.ReclaimRun(context.Background(), "run-1", "worker-new", f.clock.now.Add(5*time.Minute), f.clock.now))

	// The dead worker wakes up and tries to finish: it is fenced out.
	err := f.runs.FinalizeRun(context.Background(), "run-1", "worker-dead",
		pipeline.RunStatusSucceeded, pipeline.RunCounters{Scraped: 99}, "", f.clock.now)
	require.ErrorIs(t, err, pipeline.ErrLeaseLost)
}
