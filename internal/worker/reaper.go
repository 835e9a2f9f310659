package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jobtrail/discovery/internal/metrics"
	"github.com/jobtrail/discovery/internal/pipeline"
)

// reapBatch caps how many stale runs one sweep picks up.
const reapBatch = 16

// DepthReporter exposes the current backlog size of a queue.
type DepthReporter interface {
	Depth(ctx context.Context) (int, error)
}

// Reaper recovers runs whose worker died mid-execution. It reclaims the
// expired lease under a dedicated executor's identity and re-executes the
// run from the target stored on the ledger row. Each sweep also refreshes
// the queue depth gauges, riding the existing periodic loop.
type Reaper struct {
	runs      pipeline.RunStore
	executors map[pipeline.RunKind]*Worker
	queues    map[pipeline.RunKind]DepthReporter
	clock     pipeline.Clock
	interval  time.Duration
	lease     time.Duration
	logger    *zap.Logger
}

// NewReaper creates a Reaper. The executors map holds one dedicated worker
// per kind; their queue is never read, they only serve reclaimed runs. The
// queues map feeds the depth gauges and may be nil.
func NewReaper(runs pipeline.RunStore, executors map[pipeline.RunKind]*Worker, queues map[pipeline.RunKind]DepthReporter, clock pipeline.Clock, interval, lease time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		runs:      runs,
		executors: executors,
		queues:    queues,
		clock:     clock,
		interval:  interval,
		lease:     lease,
		logger:    logger,
	}
}

// Run sweeps for stale runs until the context finishes.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep reclaims and re-executes every stale run it can win. Exported so
// tests can drive sweeps without the ticker.
func (r *Reaper) Sweep(ctx context.Context) {
	r.reportDepths(ctx)
	now := r.clock.Now()
	stale, err := r.runs.ListStaleRuns(ctx, now, reapBatch)
	if err != nil {
		r.logger.Error("list stale runs failed", zap.Error(err))
		return
	}
	for _, run := range stale {
		executor, ok := r.executors[run.Kind]
		if !ok {
			r.logger.Error("no executor for stale run",
				zap.String("run_id", run.ID),
				zap.String("kind", string(run.Kind)))
			continue
		}
		err := r.runs.ReclaimRun(ctx, run.ID, executor.ID(), now.Add(r.lease), now)
		if errors.Is(err, pipeline.ErrClaimConflict) {
			// Someone else reclaimed it, or the lease revived.
			continue
		}
		if err != nil {
			r.logger.Error("reclaim run failed", zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		metrics.ObserveReclaim()
		r.logger.Warn("reclaimed stale run",
			zap.String("run_id", run.ID),
			zap.String("kind", string(run.Kind)),
			zap.String("previous_owner", run.ClaimedBy),
			zap.Int("reclaims", run.Reclaims+1))
		executor.Execute(ctx, run.ID, run.Target)
	}
}

func (r *Reaper) reportDepths(ctx context.Context) {
	for kind, queue := range r.queues {
		depth, err := queue.Depth(ctx)
		if err != nil {
			r.logger.Warn("queue depth check failed",
				zap.String("kind", string(kind)),
				zap.Error(err))
			continue
		}
		metrics.SetQueueDepth(string(kind), depth)
	}
}
