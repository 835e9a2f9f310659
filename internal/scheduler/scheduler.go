// Package scheduler creates runs and makes them visible to workers. The
// ordering rule is strict: the ledger row exists in queued state before the
// work item is enqueued, so a worker can never dequeue an item whose run it
// cannot claim.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jobtrail/discovery/internal/pipeline"
)

// enqueueTimeout bounds how long a submission waits on a full queue.
const enqueueTimeout = 5 * time.Second

// CrawlRequest describes one crawl submission.
type CrawlRequest struct {
	Queries          []string
	CompanyID        string
	ValidateExisting bool
	Origin           pipeline.WorkItemOrigin
}

// RecurringEntry is a declarative standing crawl trigger.
type RecurringEntry struct {
	Cron             string
	ValidateExisting bool
}

// Scheduler submits crawl and validation runs and owns the recurring
// triggers.
type Scheduler struct {
	runs           pipeline.RunStore
	crawlQueue     pipeline.Queue
	validateQueue  pipeline.Queue
	publisher      pipeline.Publisher
	idgen          pipeline.IDGenerator
	clock          pipeline.Clock
	logger         *zap.Logger
	defaultQueries []string
	topic          string

	cron    *cron.Cron
	entries []RecurringEntry
}

// Options carries the scheduler's collaborators.
type Options struct {
	Runs           pipeline.RunStore
	CrawlQueue     pipeline.Queue
	ValidateQueue  pipeline.Queue
	Publisher      pipeline.Publisher
	IDGen          pipeline.IDGenerator
	Clock          pipeline.Clock
	Logger         *zap.Logger
	DefaultQueries []string
	Topic          string
	Recurring      []RecurringEntry
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	return &Scheduler{
		runs:           opts.Runs,
		crawlQueue:     opts.CrawlQueue,
		validateQueue:  opts.ValidateQueue,
		publisher:      opts.Publisher,
		idgen:          opts.IDGen,
		clock:          opts.Clock,
		logger:         opts.Logger,
		defaultQueries: opts.DefaultQueries,
		topic:          opts.Topic,
		entries:        opts.Recurring,
	}
}

// SubmitCrawl creates a queued crawl run and enqueues its work item,
// returning the run id. A request without queries crawls the configured
// default catalog; only those unscoped runs may later invalidate untouched
// postings.
func (s *Scheduler) SubmitCrawl(ctx context.Context, req CrawlRequest) (string, error) {
	queries := req.Queries
	fullCatalog := false
	if len(queries) == 0 && req.CompanyID == "" {
		queries = append([]string(nil), s.defaultQueries...)
		fullCatalog = true
	}
	target := pipeline.Target{
		Queries:          queries,
		CompanyID:        req.CompanyID,
		FullCatalog:      fullCatalog,
		ValidateExisting: req.ValidateExisting,
	}
	origin := req.Origin
	if origin == "" {
		origin = pipeline.OriginManual
	}
	return s.submit(ctx, pipeline.KindCrawl, target, origin, s.crawlQueue)
}

// SubmitValidation creates a queued validation run over specific postings.
func (s *Scheduler) SubmitValidation(ctx context.Context, postingIDs []string) (string, error) {
	if len(postingIDs) == 0 {
		return "", pipeline.ErrNoJobIDs
	}
	target := pipeline.Target{JobIDs: append([]string(nil), postingIDs...)}
	return s.submit(ctx, pipeline.KindValidate, target, pipeline.OriginManual, s.validateQueue)
}

func (s *Scheduler) submit(ctx context.Context, kind pipeline.RunKind, target pipeline.Target, origin pipeline.WorkItemOrigin, queue pipeline.Queue) (string, error) {
	runID, err := s.idgen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	now := s.clock.Now()
	run := pipeline.Run{
		ID:         runID,
		Kind:       kind,
		Status:     pipeline.RunStatusQueued,
		Target:     target,
		EnqueuedAt: now,
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	itemID, err := s.idgen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate work item id: %w", err)
	}
	item := pipeline.WorkItem{
		ID:         itemID,
		RunID:      runID,
		Kind:       kind,
		Target:     target,
		Origin:     origin,
		Attempt:    1,
		EnqueuedAt: now,
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	if err := queue.Enqueue(queueCtx, item); err != nil {
		// The ledger row exists but its work item never will; finalize it
		// failed so it does not sit in queued forever. The parent context
		// may already be expired, hence WithoutCancel.
		cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
		defer cleanupCancel()
		if failErr := s.runs.FailQueuedRun(cleanupCtx, runID, fmt.Sprintf("enqueue failed: %v", err), s.clock.Now()); failErr != nil {
			s.logger.Warn("orphaned run cleanup failed",
				zap.String("run_id", runID),
				zap.Error(failErr))
		}
		return "", fmt.Errorf("enqueue run %s: %w", runID, err)
	}

	s.notify(ctx, "run.submitted", run)
	s.logger.Info("run submitted",
		zap.String("run_id", runID),
		zap.String("kind", string(kind)),
		zap.String("origin", string(origin)),
		zap.Bool("full_catalog", target.FullCatalog))
	return runID, nil
}

// Start registers the recurring triggers and starts the cron loop.
// Definitions are re-registered from configuration on every startup.
func (s *Scheduler) Start() error {
	if len(s.entries) == 0 {
		return nil
	}
	s.cron = cron.New()
	for _, entry := range s.entries {
		entry := entry
		_, err := s.cron.AddFunc(entry.Cron, func() {
			ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout*2)
			defer cancel()
			runID, err := s.SubmitCrawl(ctx, CrawlRequest{
				ValidateExisting: entry.ValidateExisting,
				Origin:           pipeline.OriginRecurring,
			})
			if err != nil {
				s.logger.Error("recurring crawl submission failed",
					zap.String("cron", entry.Cron),
					zap.Error(err))
				return
			}
			s.logger.Info("recurring crawl submitted",
				zap.String("cron", entry.Cron),
				zap.String("run_id", runID))
		})
		if err != nil {
			return fmt.Errorf("register recurring crawl %q: %w", entry.Cron, err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and waits for in-flight trigger callbacks.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Scheduler) notify(ctx context.Context, event string, run pipeline.Run) {
	if s.publisher == nil || s.topic == "" {
		return
	}
	payload := map[string]any{
		"event":  event,
		"run_id": run.ID,
		"kind":   string(run.Kind),
		"status": string(run.Status),
	}
	if _, err := s.publisher.Publish(ctx, s.topic, payload); err != nil {
		s.logger.Warn("run notification failed",
			zap.String("run_id", run.ID),
			zap.String("event", event),
			zap.Error(err))
	}
}
