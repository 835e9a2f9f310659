package pipeline

import (
	"context"
	"time"
)

// RunStore persists the run ledger. Every mutating operation is conditional
// on the current status (and, after a claim, on the owner), so concurrent
// workers coordinate through the store rather than in-process locks.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	// ClaimRun transitions queued -> claimed for workerID with the given
	// lease. Exactly one of N racing callers succeeds; the rest get
	// ErrClaimConflict.
	ClaimRun(ctx context.Context, runID, workerID string, leaseUntil time.Time) error
	// ReclaimRun takes over a claimed/running run whose lease expired
	// before now. The run re-enters claimed under workerID.
	ReclaimRun(ctx context.Context, runID, workerID string, leaseUntil, now time.Time) error
	MarkRunning(ctx context.Context, runID, workerID string, startedAt time.Time) error
	ExtendLease(ctx context.Context, runID, workerID string, leaseUntil time.Time) error
	// FinalizeRun transitions running -> succeeded|failed for the owning
	// worker only. A worker that lost its lease cannot finalize.
	FinalizeRun(ctx context.Context, runID, workerID string, status RunStatus, counters RunCounters, reason string, finishedAt time.Time) error
	// FailQueuedRun transitions queued -> failed directly. It exists for
	// runs whose work item never became visible (enqueue failed after the
	// ledger row was created); such runs have no claim to reap.
	FailQueuedRun(ctx context.Context, runID, reason string, finishedAt time.Time) error
	GetRun(ctx context.Context, runID string) (Run, error)
	// ListRecentRuns returns runs newest-first, optionally filtered by kind
	// (empty kind means all).
	ListRecentRuns(ctx context.Context, kind RunKind, limit int) ([]Run, error)
	// ListStaleRuns returns claimed/running runs whose lease expired.
	ListStaleRuns(ctx context.Context, now time.Time, limit int) ([]Run, error)
	QueueStats(ctx context.Context) (QueueStats, error)
}

// PostingStore persists the job posting corpus. UpsertPosting and
// InvalidateMissing are the only mutation paths and both are atomic against
// the canonical-URL uniqueness constraint.
type PostingStore interface {
	// UpsertPosting inserts or refreshes the posting identified by its
	// canonical URL, stamping last_seen and the touching run. The outcome
	// distinguishes insert, content change, and unchanged touch.
	UpsertPosting(ctx context.Context, runID string, posting JobPosting) (UpsertOutcome, error)
	// MarkUnavailable flips a single posting unavailable. Returns false if
	// the posting was already unavailable or does not exist.
	MarkUnavailable(ctx context.Context, postingID string, now time.Time) (bool, error)
	// InvalidateMissing flips available postings not touched by runID.
	// Returns the number of postings invalidated.
	InvalidateMissing(ctx context.Context, runID string, now time.Time) (int64, error)
	GetPosting(ctx context.Context, postingID string) (JobPosting, error)
	ListPostingsByIDs(ctx context.Context, postingIDs []string) ([]JobPosting, error)
}

// Queue provides at-least-once delivery of work items for one kind.
type Queue interface {
	Enqueue(ctx context.Context, item WorkItem) error
	Dequeue(ctx context.Context) (WorkItem, error)
}

// RecordStream is a lazy sequence of candidate records. Next returns io.EOF
// after the last record.
type RecordStream interface {
	Next(ctx context.Context) (CandidateRecord, error)
	Close() error
}

// Fetcher produces candidate records for a target. Implementations report
// failures through FetchError so the worker can distinguish transient from
// fatal conditions.
type Fetcher interface {
	Fetch(ctx context.Context, target Target) (RecordStream, error)
}

// Publisher pushes run lifecycle events to an external topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore archives raw fetch payloads and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (swappable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and work item IDs.
type IDGenerator interface {
	NewID() (string, error)
}
