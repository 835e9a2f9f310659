// Package invalidate flips postings unavailable when a full crawl no longer
// sees them. The precondition is strict: only a successful, unrestricted
// crawl run proves absence for the whole corpus. Failed or scoped runs say
// nothing about postings they never looked at.
package invalidate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jobtrail/discovery/internal/metrics"
	"github.com/jobtrail/discovery/internal/pipeline"
)

// Invalidator marks postings unavailable after qualifying crawl runs.
type Invalidator struct {
	postings pipeline.PostingStore
	clock    pipeline.Clock
	logger   *zap.Logger
}

// New creates an Invalidator.
func New(postings pipeline.PostingStore, clock pipeline.Clock, logger *zap.Logger) *Invalidator {
	return &Invalidator{postings: postings, clock: clock, logger: logger}
}

// Eligible reports whether a finalized run may invalidate untouched
// postings: a successful crawl over the full catalog that asked for
// revalidation. Anything narrower cannot prove absence.
func Eligible(run pipeline.Run) bool {
	return run.Kind == pipeline.KindCrawl &&
		run.Status == pipeline.RunStatusSucceeded &&
		!run.Target.Restricted() &&
		run.Target.ValidateExisting
}

// Apply invalidates every available posting the run did not touch. Callers
// pass the finalized run; ineligible runs are a no-op returning zero.
func (inv *Invalidator) Apply(ctx context.Context, run pipeline.Run) (int, error) {
	if !Eligible(run) {
		return 0, nil
	}
	n, err := inv.postings.InvalidateMissing(ctx, run.ID, inv.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("invalidate missing for run %s: %w", run.ID, err)
	}
	if n > 0 {
		metrics.ObserveInvalidated(int(n))
		inv.logger.Info("invalidated postings missing from catalog",
			zap.String("run_id", run.ID),
			zap.Int64("count", n))
	}
	return int(n), nil
}
