package dedup

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jobtrail/discovery/internal/hash/sha256"
	"github.com/jobtrail/discovery/internal/id/uuid"
	"github.com/jobtrail/discovery/internal/metrics"
	"github.com/jobtrail/discovery/internal/pipeline"
	"github.com/jobtrail/discovery/internal/store/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type sliceStream struct {
	recs []pipeline.CandidateRecord
	err  error
	i    int
}

func (s *sliceStream) Next(context.Context) (pipeline.CandidateRecord, error) {
	if s.i >= len(s.recs) {
		if s.err != nil {
			return pipeline.CandidateRecord{}, s.err
		}
		return pipeline.CandidateRecord{}, io.EOF
	}
	rec := s.recs[s.i]
	s.i++
	return rec, nil
}

func (s *sliceStream) Close() error { return nil }

func newEngine(t *testing.T, postings pipeline.PostingStore) *Engine {
	t.Helper()
	metrics.Init()
	return New(postings, sha256.New(), uuid.New(), fixedClock{now: time.Unix(1700000000, 0).UTC()}, zap.NewNop())
}

func record(title, url string) pipeline.CandidateRecord {
	return pipeline.CandidateRecord{
		Title:          title,
		Company:        "Acme",
		Location:       "Remote",
		Description:    "Build services.",
		Requirements:   []string{"go"},
		ApplicationURL: url,
	}
}

func TestConsumeClassifiesOutcomes(t *testing.T) {
	t.Parallel()

	store := memory.NewPostingStore()
	engine := newEngine(t, store)
	ctx := context.Background()

	first := &sliceStream{recs: []pipeline.CandidateRecord{
		record("Backend Engineer", "https://acme.example/jobs/1"),
		record("Data Engineer", "https://acme.example/jobs/2"),
	}}
	counters, err := engine.Consume(ctx, "run-1", first)
	require.NoError(t, err)
	require.Equal(t, 2, counters.Scraped)
	require.Equal(t, 2, counters.New)

	changed := record("Backend Engineer", "https://acme.example/jobs/1")
	changed.Description = "Build better services."
	second := &sliceStream{recs: []pipeline.CandidateRecord{
		changed,
		record("Data Engineer", "https://acme.example/jobs/2"),
		record("", "https://acme.example/jobs/3"),
	}}
	counters, err = engine.Consume(ctx, "run-2", second)
	require.NoError(t, err)
	require.Equal(t, 3, counters.Scraped)
	require.Equal(t, 0, counters.New)
	require.Equal(t, 1, counters.Updated)
	require.Equal(t, 1, counters.Unchanged)
	require.Equal(t, 1, counters.Invalid)
	require.Equal(t, 2, store.Len())
}

func TestIngestCollapsesURLVariants(t *testing.T) {
	t.Parallel()

	store := memory.NewPostingStore()
	engine := newEngine(t, store)
	ctx := context.Background()

	outcome, err := engine.Ingest(ctx, "run-1", record("Backend Engineer", "https://acme.example/jobs/1"))
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeInserted, outcome)

	outcome, err = engine.Ingest(ctx, "run-1", record("Backend Engineer", "HTTPS://ACME.example/jobs/1/?utm_source=feed"))
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeUnchanged, outcome)
	require.Equal(t, 1, store.Len())
}

func TestIngestRejectsMalformedRecords(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, memory.NewPostingStore())
	ctx := context.Background()

	cases := []pipeline.CandidateRecord{
		record("", "https://acme.example/jobs/1"),
		{Title: "Backend Engineer", ApplicationURL: "https://acme.example/jobs/1"},
		record("Backend Engineer", ""),
		record("Backend Engineer", "://not-a-url"),
	}
	for _, rec := range cases {
		_, err := engine.Ingest(ctx, "run-1", rec)
		require.True(t, pipeline.IsRecordError(err), "expected record error for %+v, got %v", rec, err)
	}
}

func TestConsumeAbortsOnStreamError(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, memory.NewPostingStore())
	boom := errors.New("connection reset")
	stream := &sliceStream{
		recs: []pipeline.CandidateRecord{record("Backend Engineer", "https://acme.example/jobs/1")},
		err:  boom,
	}

	counters, err := engine.Consume(context.Background(), "run-1", stream)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, counters.Scraped)
	require.Equal(t, 1, counters.New)
}

func TestContentHashIgnoresBookkeeping(t *testing.T) {
	t.Parallel()

	store := memory.NewPostingStore()
	engine := newEngine(t, store)
	ctx := context.Background()

	_, err := engine.Ingest(ctx, "run-1", record("Backend Engineer", "https://acme.example/jobs/1"))
	require.NoError(t, err)

	// Re-seeing identical content in a later run only touches bookkeeping.
	outcome, err := engine.Ingest(ctx, "run-9", record("Backend Engineer", "https://acme.example/jobs/1"))
	require.NoError(t, err)
	require.Equal(t, pipeline.OutcomeUnchanged, outcome)

	postings := store.All()
	require.Len(t, postings, 1)
	require.Equal(t, "run-9", postings[0].LastRunID)
	require.True(t, postings[0].Available)
}
