// Package worker executes claimed runs: fetch, dedup, invalidation, and
// ledger finalization. Workers are stateless; all mutual exclusion lives in
// the run store's conditional updates, so any number of instances can share
// one queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/jobtrail/discovery/internal/dedup"
	"github.com/jobtrail/discovery/internal/invalidate"
	"github.com/jobtrail/discovery/internal/metrics"
	"github.com/jobtrail/discovery/internal/pipeline"
	"github.com/jobtrail/discovery/internal/retry"
)

// Config controls worker behavior.
type Config struct {
	Lease     time.Duration
	Heartbeat time.Duration
	Topic     string
}

// Worker consumes one kind of work item and drives runs to a terminal state.
type Worker struct {
	id          string
	kind        pipeline.RunKind
	queue       pipeline.Queue
	runs        pipeline.RunStore
	postings    pipeline.PostingStore
	engine      *dedup.Engine
	invalidator *invalidate.Invalidator
	fetcher     pipeline.Fetcher
	publisher   pipeline.Publisher
	retry       *retry.Policy
	clock       pipeline.Clock
	cfg         Config
	logger      *zap.Logger
}

// Options carries the worker's collaborators.
type Options struct {
	ID          string
	Kind        pipeline.RunKind
	Queue       pipeline.Queue
	Runs        pipeline.RunStore
	Postings    pipeline.PostingStore
	Engine      *dedup.Engine
	Invalidator *invalidate.Invalidator
	Fetcher     pipeline.Fetcher
	Publisher   pipeline.Publisher
	Retry       *retry.Policy
	Clock       pipeline.Clock
	Config      Config
	Logger      *zap.Logger
}

// New constructs a Worker.
func New(opts Options) *Worker {
	cfg := opts.Config
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	policy := opts.Retry
	if policy == nil {
		policy = retry.NewPolicy(0, 0, 0)
	}
	return &Worker{
		id:          opts.ID,
		kind:        opts.Kind,
		queue:       opts.Queue,
		runs:        opts.Runs,
		postings:    opts.Postings,
		engine:      opts.Engine,
		invalidator: opts.Invalidator,
		fetcher:     opts.Fetcher,
		publisher:   opts.Publisher,
		retry:       policy,
		clock:       opts.Clock,
		cfg:         cfg,
		logger:      opts.Logger.With(zap.String("worker_id", opts.ID), zap.String("kind", string(opts.Kind))),
	}
}

// ID returns the worker identity recorded on claims.
func (w *Worker) ID() string {
	return w.id
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item pipeline.WorkItem) {
	leaseUntil := w.clock.Now().Add(w.cfg.Lease)
	err := w.runs.ClaimRun(ctx, item.RunID, w.id, leaseUntil)
	if errors.Is(err, pipeline.ErrClaimConflict) || errors.Is(err, pipeline.ErrRunNotFound) {
		metrics.ObserveClaimConflict()
		w.logger.Debug("run already claimed", zap.String("run_id", item.RunID))
		return
	}
	if err != nil {
		w.logger.Error("claim run failed", zap.String("run_id", item.RunID), zap.Error(err))
		return
	}
	w.Execute(ctx, item.RunID, item.Target)
}

// Execute drives one already-claimed run to a terminal state. The claim must
// be held under this worker's id; the reaper uses this entry point after
// reclaiming a stale run.
func (w *Worker) Execute(ctx context.Context, runID string, target pipeline.Target) {
	log := w.logger.With(zap.String("run_id", runID))

	if err := w.runs.MarkRunning(ctx, runID, w.id, w.clock.Now()); err != nil {
		log.Warn("mark running failed", zap.Error(err))
		return
	}

	metrics.IncActiveWorkers(string(w.kind))
	defer metrics.DecActiveWorkers(string(w.kind))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hbDone := make(chan struct{})
	go w.heartbeat(runCtx, runID, cancel, hbDone)
	defer func() {
		cancel()
		<-hbDone
	}()

	started := w.clock.Now()
	counters, runErr := w.execute(runCtx, runID, target)
	metrics.ObserveFetch(string(w.kind), w.clock.Now().Sub(started))

	if runErr != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			// Lease lost mid-run: the run belongs to someone else now.
			log.Warn("abandoning run after lost lease", zap.Error(runErr))
			return
		}
		if ctx.Err() != nil {
			// Shutdown: leave the run claimed; the reaper will recover it.
			log.Info("interrupted by shutdown, leaving run for reclaim")
			return
		}
		w.finalize(ctx, runID, pipeline.RunStatusFailed, counters, runErr.Error(), target, log)
		return
	}

	if w.kind == pipeline.KindCrawl {
		candidate := pipeline.Run{
			ID:     runID,
			Kind:   pipeline.KindCrawl,
			Status: pipeline.RunStatusSucceeded,
			Target: target,
		}
		n, err := w.invalidator.Apply(runCtx, candidate)
		if err != nil {
			w.finalize(ctx, runID, pipeline.RunStatusFailed, counters, err.Error(), target, log)
			return
		}
		counters.Invalidated += n
	}

	w.finalize(ctx, runID, pipeline.RunStatusSucceeded, counters, "", target, log)
}

// execute fetches the target's record stream (with in-attempt retries) and
// consumes it through the dedup engine.
func (w *Worker) execute(ctx context.Context, runID string, target pipeline.Target) (pipeline.RunCounters, error) {
	stream, err := w.fetch(ctx, target)
	if err != nil {
		return pipeline.RunCounters{}, err
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			w.logger.Warn("close record stream", zap.String("run_id", runID), zap.Error(cerr))
		}
	}()

	if w.kind == pipeline.KindValidate {
		return w.consumeValidation(ctx, runID, stream)
	}
	return w.engine.Consume(ctx, runID, stream)
}

func (w *Worker) fetch(ctx context.Context, target pipeline.Target) (pipeline.RecordStream, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		stream, err := w.fetcher.Fetch(ctx, target)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if !w.retry.ShouldRetry(err, attempt+1) {
			break
		}
		metrics.ObserveFetchRetry()
		w.logger.Warn("transient fetch failure, backing off",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.retry.Backoff(attempt)):
		}
	}
	return nil, fmt.Errorf("fetch exhausted after retries: %w", lastErr)
}

// consumeValidation probes specific postings. Confirmed-gone postings are
// flipped individually; live ones are upserted so their last-seen advances.
func (w *Worker) consumeValidation(ctx context.Context, runID string, stream pipeline.RecordStream) (pipeline.RunCounters, error) {
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

		if rec.Unavailable {
			changed, err := w.postings.MarkUnavailable(ctx, rec.PostingID, w.clock.Now())
			if err != nil {
				return counters, fmt.Errorf("mark %s unavailable: %w", rec.PostingID, err)
			}
			if changed {
				counters.Invalidated++
				metrics.ObserveInvalidated(1)
			}
			continue
		}

		outcome, err := w.engine.Ingest(ctx, runID, rec)
		if pipeline.IsRecordError(err) {
			counters.Invalid++
			metrics.ObserveInvalidRecord()
			w.logger.Warn("skipping invalid record",
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

func (w *Worker) finalize(ctx context.Context, runID string, status pipeline.RunStatus, counters pipeline.RunCounters, reason string, target pipeline.Target, log *zap.Logger) {
	err := w.runs.FinalizeRun(ctx, runID, w.id, status, counters, reason, w.clock.Now())
	if errors.Is(err, pipeline.ErrLeaseLost) {
		log.Warn("finalize lost to a newer claim")
		return
	}
	if err != nil {
		log.Error("finalize run failed", zap.Error(err))
		return
	}
	metrics.ObserveRun(string(w.kind), string(status))
	w.notify(ctx, runID, status, counters)

	if status == pipeline.RunStatusFailed {
		log.Error("run failed",
			zap.String("reason", reason),
			zap.Int("scraped", counters.Scraped))
		return
	}
	log.Info("run succeeded",
		zap.Int("scraped", counters.Scraped),
		zap.Int("new", counters.New),
		zap.Int("updated", counters.Updated),
		zap.Int("unchanged", counters.Unchanged),
		zap.Int("invalid", counters.Invalid),
		zap.Int("invalidated", counters.Invalidated),
		zap.Bool("full_catalog", target.FullCatalog))
}

// heartbeat extends the lease until the run context ends. Losing the lease
// cancels the run so the worker stops writing on behalf of a claim it no
// longer holds.
func (w *Worker) heartbeat(ctx context.Context, runID string, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.runs.ExtendLease(ctx, runID, w.id, w.clock.Now().Add(w.cfg.Lease))
			if errors.Is(err, pipeline.ErrLeaseLost) {
				w.logger.Warn("lease lost, canceling run", zap.String("run_id", runID))
				cancel()
				return
			}
			if err != nil && ctx.Err() == nil {
				w.logger.Warn("lease extension failed", zap.String("run_id", runID), zap.Error(err))
			}
		}
	}
}

func (w *Worker) notify(ctx context.Context, runID string, status pipeline.RunStatus, counters pipeline.RunCounters) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"event":       "run.finished",
		"run_id":      runID,
		"kind":        string(w.kind),
		"status":      string(status),
		"scraped":     counters.Scraped,
		"new":         counters.New,
		"updated":     counters.Updated,
		"unchanged":   counters.Unchanged,
		"invalid":     counters.Invalid,
		"invalidated": counters.Invalidated,
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Warn("run notification failed", zap.String("run_id", runID), zap.Error(err))
	}
}
