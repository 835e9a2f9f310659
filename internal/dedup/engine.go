// Package dedup turns raw candidate records into corpus postings. It owns
// the identity rule (canonical application URL), content change detection,
// and rejection of malformed records.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/jobtrail/discovery/internal/metrics"
	"github.com/jobtrail/discovery/internal/pipeline"
)

// Hasher produces the content digest used to detect changed postings.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Engine deduplicates candidate records against the posting corpus.
type Engine struct {
	postings pipeline.PostingStore
	hasher   Hasher
	idgen    pipeline.IDGenerator
	clock    pipeline.Clock
	logger   *zap.Logger
}

// New creates a deduplication engine.
func New(postings pipeline.PostingStore, hasher Hasher, idgen pipeline.IDGenerator, clock pipeline.Clock, logger *zap.Logger) *Engine {
	return &Engine{
		postings: postings,
		hasher:   hasher,
		idgen:    idgen,
		clock:    clock,
		logger:   logger,
	}
}

// Ingest validates one candidate record and upserts it into the corpus.
// Malformed records come back as a RecordError so callers can count them
// without failing the run.
func (e *Engine) Ingest(ctx context.Context, runID string, rec pipeline.CandidateRecord) (pipeline.UpsertOutcome, error) {
	posting, err := e.build(rec)
	if err != nil {
		return "", err
	}
	now := e.clock.Now()
	posting.FirstSeenAt = now
	posting.LastSeenAt = now

	outcome, err := e.postings.UpsertPosting(ctx, runID, posting)
	if err != nil {
		return "", fmt.Errorf("upsert %s: %w", posting.CanonicalURL, err)
	}
	metrics.ObservePostingDecision(string(outcome))
	return outcome, nil
}

// Consume drains a record stream, ingesting every record and accumulating
// run counters. Invalid records are counted and skipped; any other error
// aborts the run with the counters gathered so far.
func (e *Engine) Consume(ctx context.Context, runID string, stream pipeline.RecordStream) (pipeline.RunCounters, error) {
	var counters pipeline.RunCounters
	for {
		rec, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return counters, nil
		}
		if err != nil {
			return counters, fmt.Errorf("read record: %w", err)
		}
		counters.Scraped++

		outcome, err := e.Ingest(ctx, runID, rec)
		if pipeline.IsRecordError(err) {
			counters.Invalid++
			metrics.ObserveInvalidRecord()
			e.logger.Warn("skipping invalid record",
				zap.String("run_id", runID),
				zap.String("url", rec.ApplicationURL),
				zap.Error(err))
			continue
		}
		if err != nil {
			return counters, err
		}
		switch outcome {
		case pipeline.OutcomeInserted:
			counters.New++
		case pipeline.OutcomeUpdated:
			counters.Updated++
		case pipeline.OutcomeUnchanged:
			counters.Unchanged++
		}
	}
}

func (e *Engine) build(rec pipeline.CandidateRecord) (pipeline.JobPosting, error) {
	if strings.TrimSpace(rec.Title) == "" {
		return pipeline.JobPosting{}, pipeline.InvalidRecord("missing title")
	}
	if strings.TrimSpace(rec.Company) == "" {
		return pipeline.JobPosting{}, pipeline.InvalidRecord("missing company")
	}
	if strings.TrimSpace(rec.ApplicationURL) == "" {
		return pipeline.JobPosting{}, pipeline.InvalidRecord("missing application url")
	}
	canonical, err := pipeline.CanonicalURL(rec.ApplicationURL)
	if err != nil {
		return pipeline.JobPosting{}, pipeline.InvalidRecord(fmt.Sprintf("bad application url: %v", err))
	}

	hash, err := e.contentHash(rec)
	if err != nil {
		return pipeline.JobPosting{}, fmt.Errorf("hash record: %w", err)
	}
	id, err := e.idgen.NewID()
	if err != nil {
		return pipeline.JobPosting{}, fmt.Errorf("generate posting id: %w", err)
	}

	return pipeline.JobPosting{
		ID:              id,
		Title:           strings.TrimSpace(rec.Title),
		Company:         strings.TrimSpace(rec.Company),
		Location:        strings.TrimSpace(rec.Location),
		Description:     rec.Description,
		Requirements:    rec.Requirements,
		ExperienceLevel: rec.ExperienceLevel,
		ApplicationURL:  rec.ApplicationURL,
		CanonicalURL:    canonical,
		ContentHash:     hash,
		Available:       true,
	}, nil
}

// contentHash digests the fields that constitute posting content. Bookkeeping
// fields (seen times, run stamps) stay out so re-seeing identical content is
// detected as unchanged.
func (e *Engine) contentHash(rec pipeline.CandidateRecord) (string, error) {
	var b strings.Builder
	for _, part := range []string{
		strings.TrimSpace(rec.Title),
		strings.TrimSpace(rec.Company),
		strings.TrimSpace(rec.Location),
		rec.Description,
		rec.ExperienceLevel,
	} {
		b.WriteString(part)
		b.WriteByte(0x1f)
	}
	for _, req := range rec.Requirements {
		b.WriteString(req)
		b.WriteByte(0x1e)
	}
	return e.hasher.Hash([]byte(b.String()))
}
