// Package memory provides in-memory store implementations for tests and
// local development. The transition rules mirror the Postgres store exactly:
// every mutation checks the current status (and owner) under the lock, so
// race tests against this store exercise the same protocol.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jobtrail/discovery/internal/pipeline"
)

// RunStore is a mutex-guarded run ledger.
type RunStore struct {
	mu   sync.Mutex
	runs map[string]*pipeline.Run
}

// NewRunStore creates an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]*pipeline.Run)}
}

// CreateRun inserts a new run in queued state.
func (s *RunStore) CreateRun(_ context.Context, run pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	cp := run
	s.runs[run.ID] = &cp
	return nil
}

// ClaimRun transitions queued -> claimed; exactly one racing caller wins.
func (s *RunStore) ClaimRun(_ context.Context, runID, workerID string, leaseUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return pipeline.ErrRunNotFound
	}
	if run.Status != pipeline.RunStatusQueued {
		return pipeline.ErrClaimConflict
	}
	run.Status = pipeline.RunStatusClaimed
	run.ClaimedBy = workerID
	lease := leaseUntil
	run.LeaseExpiresAt = &lease
	return nil
}

// ReclaimRun takes over a claimed/running run whose lease expired.
func (s *RunStore) ReclaimRun(_ context.Context, runID, workerID string, leaseUntil, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return pipeline.ErrRunNotFound
	}
	claimable := run.Status == pipeline.RunStatusClaimed || run.Status == pipeline.RunStatusRunning
	if !claimable || run.LeaseExpiresAt == nil || !run.LeaseExpiresAt.Before(now) {
		return pipeline.ErrClaimConflict
	}
	run.Status = pipeline.RunStatusClaimed
	run.ClaimedBy = workerID
	lease := leaseUntil
	run.LeaseExpiresAt = &lease
	run.Reclaims++
	run.StartedAt = nil
	return nil
}

// MarkRunning transitions claimed -> running for the owning worker.
func (s *RunStore) MarkRunning(_ context.Context, runID, workerID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return pipeline.ErrRunNotFound
	}
	if run.Status != pipeline.RunStatusClaimed || run.ClaimedBy != workerID {
		return pipeline.ErrLeaseLost
	}
	run.Status = pipeline.RunStatusRunning
	started := startedAt
	run.StartedAt = &started
	return nil
}

// ExtendLease pushes the lease forward for the owning worker.
func (s *RunStore) ExtendLease(_ context.Context, runID, workerID string, leaseUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return pipeline.ErrRunNotFound
	}
	active := run.Status == pipeline.RunStatusClaimed || run.Status == pipeline.RunStatusRunning
	if !active || run.ClaimedBy != workerID {
		return pipeline.ErrLeaseLost
	}
	lease := leaseUntil
	run.LeaseExpiresAt = &lease
	return nil
}

// FinalizeRun transitions running -> succeeded|failed for the owner only.
func (s *RunStore) FinalizeRun(_ context.Context, runID, workerID string, status pipeline.RunStatus, counters pipeline.RunCounters, reason string, finishedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize with non-terminal status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return pipeline.ErrRunNotFound
	}
	if run.Status != pipeline.RunStatusRunning || run.ClaimedBy != workerID {
		return pipeline.ErrLeaseLost
	}
	run.Status = status
	run.Counters = counters
	run.FailureReason = reason
	finished := finishedAt
	run.FinishedAt = &finished
	run.LeaseExpiresAt = nil
	return nil
}

// FailQueuedRun transitions queued -> failed for runs whose work item never
// reached the queue.
func (s *RunStore) FailQueuedRun(_ context.Context, runID, reason string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return pipeline.ErrRunNotFound
	}
	if run.Status != pipeline.RunStatusQueued {
		return pipeline.ErrClaimConflict
	}
	run.Status = pipeline.RunStatusFailed
	run.FailureReason = reason
	finished := finishedAt
	run.FinishedAt = &finished
	run.LeaseExpiresAt = nil
	return nil
}

// GetRun returns a snapshot of a run.
func (s *RunStore) GetRun(_ context.Context, runID string) (pipeline.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return pipeline.Run{}, pipeline.ErrRunNotFound
	}
	return cloneRun(run), nil
}

// ListRecentRuns returns runs newest-first by enqueue time.
func (s *RunStore) ListRecentRuns(_ context.Context, kind pipeline.RunKind, limit int) ([]pipeline.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pipeline.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if kind != "" && run.Kind != kind {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EnqueuedAt.After(out[j].EnqueuedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListStaleRuns returns claimed/running runs whose lease expired.
func (s *RunStore) ListStaleRuns(_ context.Context, now time.Time, limit int) ([]pipeline.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pipeline.Run
	for _, run := range s.runs {
		active := run.Status == pipeline.RunStatusClaimed || run.Status == pipeline.RunStatusRunning
		if active && run.LeaseExpiresAt != nil && run.LeaseExpiresAt.Before(now) {
			out = append(out, cloneRun(run))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// QueueStats summarizes the ledger per kind.
func (s *RunStore) QueueStats(_ context.Context) (pipeline.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := pipeline.QueueStats{}
	for _, run := range s.runs {
		ks := stats[run.Kind]
		switch run.Status {
		case pipeline.RunStatusQueued:
			ks.Waiting++
		case pipeline.RunStatusClaimed, pipeline.RunStatusRunning:
			ks.Active++
		case pipeline.RunStatusSucceeded:
			ks.Succeeded++
		case pipeline.RunStatusFailed:
			ks.Failed++
		}
		stats[run.Kind] = ks
	}
	return stats, nil
}

func cloneRun(run *pipeline.Run) pipeline.Run {
	cp := *run
	if run.LeaseExpiresAt != nil {
		lease := *run.LeaseExpiresAt
		cp.LeaseExpiresAt = &lease
	}
	if run.StartedAt != nil {
		started := *run.StartedAt
		cp.StartedAt = &started
	}
	if run.FinishedAt != nil {
		finished := *run.FinishedAt
		cp.FinishedAt = &finished
	}
	cp.Target.Queries = append([]string(nil), run.Target.Queries...)
	cp.Target.JobIDs = append([]string(nil), run.Target.JobIDs...)
	return cp
}

// PostingStore is a mutex-guarded posting corpus keyed by canonical URL.
type PostingStore struct {
	mu    sync.Mutex
	byURL map[string]*pipeline.JobPosting
	byID  map[string]*pipeline.JobPosting
}

// NewPostingStore creates an empty PostingStore.
func NewPostingStore() *PostingStore {
	return &PostingStore{
		byURL: make(map[string]*pipeline.JobPosting),
		byID:  make(map[string]*pipeline.JobPosting),
	}
}

// UpsertPosting inserts or refreshes the posting keyed by canonical URL.
func (s *PostingStore) UpsertPosting(_ context.Context, runID string, posting pipeline.JobPosting) (pipeline.UpsertOutcome, error) {
	if posting.CanonicalURL == "" {
		return "", fmt.Errorf("posting has no canonical url")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byURL[posting.CanonicalURL]
	if !ok {
		cp := clonePosting(&posting)
		cp.Available = true
		cp.LastRunID = runID
		s.byURL[cp.CanonicalURL] = cp
		s.byID[cp.ID] = cp
		return pipeline.OutcomeInserted, nil
	}

	outcome := pipeline.OutcomeUpdated
	if existing.ContentHash == posting.ContentHash {
		outcome = pipeline.OutcomeUnchanged
	} else {
		existing.Title = posting.Title
		existing.Company = posting.Company
		existing.Location = posting.Location
		existing.Description = posting.Description
		existing.Requirements = append([]string(nil), posting.Requirements...)
		existing.ExperienceLevel = posting.ExperienceLevel
		existing.ApplicationURL = posting.ApplicationURL
		existing.ContentHash = posting.ContentHash
	}
	existing.Available = true
	existing.LastSeenAt = posting.LastSeenAt
	existing.LastRunID = runID
	return outcome, nil
}

// MarkUnavailable flips one posting unavailable.
func (s *PostingStore) MarkUnavailable(_ context.Context, postingID string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	posting, ok := s.byID[postingID]
	if !ok || !posting.Available {
		return false, nil
	}
	posting.Available = false
	return true, nil
}

// InvalidateMissing flips available postings not touched by runID.
func (s *PostingStore) InvalidateMissing(_ context.Context, runID string, _ time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, posting := range s.byURL {
		if posting.Available && posting.LastRunID != runID {
			posting.Available = false
			n++
		}
	}
	return n, nil
}

// GetPosting returns a snapshot of one posting.
func (s *PostingStore) GetPosting(_ context.Context, postingID string) (pipeline.JobPosting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	posting, ok := s.byID[postingID]
	if !ok {
		return pipeline.JobPosting{}, pipeline.ErrPostingNotFound
	}
	return *clonePosting(posting), nil
}

// ListPostingsByIDs returns snapshots for the known subset of ids.
func (s *PostingStore) ListPostingsByIDs(_ context.Context, postingIDs []string) ([]pipeline.JobPosting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pipeline.JobPosting, 0, len(postingIDs))
	for _, id := range postingIDs {
		if posting, ok := s.byID[id]; ok {
			out = append(out, *clonePosting(posting))
		}
	}
	return out, nil
}

// Len reports the corpus size.
func (s *PostingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byURL)
}

// All returns snapshots of every posting in the corpus.
func (s *PostingStore) All() []pipeline.JobPosting {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pipeline.JobPosting, 0, len(s.byURL))
	for _, posting := range s.byURL {
		out = append(out, *clonePosting(posting))
	}
	return out
}

func clonePosting(p *pipeline.JobPosting) *pipeline.JobPosting {
	cp := *p
	cp.Requirements = append([]string(nil), p.Requirements...)
	return &cp
}
