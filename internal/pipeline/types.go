package pipeline

import "time"

// RunKind distinguishes the two work queues.
type RunKind string

// Work kinds accepted by the scheduler.
const (
	KindCrawl    RunKind = "crawl"
	KindValidate RunKind = "validate"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

// Run status values persisted in the run ledger. Transitions are monotonic:
// queued -> claimed -> running -> succeeded|failed. The only path back is a
// reclaim, which re-enters claimed under new ownership after lease expiry.
const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusClaimed   RunStatus = "claimed"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Target describes what a run should fetch. Exactly one of the scoping
// fields is meaningful per kind: crawl runs use Queries or CompanyID,
// validate runs use JobIDs.
type Target struct {
	Queries          []string `json:"queries,omitempty"`
	CompanyID        string   `json:"company_id,omitempty"`
	JobIDs           []string `json:"job_ids,omitempty"`
	FullCatalog      bool     `json:"full_catalog,omitempty"`
	ValidateExisting bool     `json:"validate_existing,omitempty"`
}

// Restricted reports whether the target covers less than the full catalog.
// Only unrestricted crawl targets may drive absence-based invalidation.
func (t Target) Restricted() bool {
	return !t.FullCatalog
}

// WorkItemOrigin records how a work item entered the queue.
type WorkItemOrigin string

// Work item origins.
const (
	OriginManual    WorkItemOrigin = "manual"
	OriginRecurring WorkItemOrigin = "recurring"
)

// WorkItem is a queued unit of requested work, bound 1:1 to a Run created
// before the item became visible to workers.
type WorkItem struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	Kind       RunKind        `json:"kind"`
	Target     Target         `json:"target"`
	Origin     WorkItemOrigin `json:"origin"`
	Attempt    int            `json:"attempt"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// RunCounters accumulates per-run processing metrics.
type RunCounters struct {
	Scraped     int `json:"scraped"`
	New         int `json:"new"`
	Updated     int `json:"updated"`
	Unchanged   int `json:"unchanged"`
	Invalid     int `json:"invalid"`
	Invalidated int `json:"invalidated"`
}

// Touched returns the number of records folded into the corpus this run.
func (c RunCounters) Touched() int {
	return c.New + c.Updated + c.Unchanged
}

// Run is the persisted lifecycle record for one crawl or validation
// execution. It doubles as the mutual-exclusion unit: at most one worker
// holds the claimed/running state at any time.
type Run struct {
	ID             string      `json:"id"`
	Kind           RunKind     `json:"kind"`
	Status         RunStatus   `json:"status"`
	Target         Target      `json:"target"`
	ClaimedBy      string      `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
	Reclaims       int         `json:"reclaims"`
	EnqueuedAt     time.Time   `json:"enqueued_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
	Counters       RunCounters `json:"counters"`
	FailureReason  string      `json:"failure_reason,omitempty"`
}

// JobPosting is the corpus entity. The canonical application URL is the
// identity key; postings are never hard-deleted, only flipped unavailable.
type JobPosting struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Company         string    `json:"company"`
	Location        string    `json:"location"`
	Description     string    `json:"description"`
	Requirements    []string  `json:"requirements"`
	ExperienceLevel string    `json:"experience_level"`
	ApplicationURL  string    `json:"application_url"`
	CanonicalURL    string    `json:"canonical_url"`
	ContentHash     string    `json:"content_hash"`
	Available       bool      `json:"available"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	LastRunID       string    `json:"last_run_id,omitempty"`
}

// CandidateRecord is the raw fetcher output before identity resolution.
// It is owned by the in-flight worker attempt and never persisted as-is.
// For validate targets the fetcher sets PostingID and, when the application
// URL is confirmed gone, Unavailable.
type CandidateRecord struct {
	Title           string
	Company         string
	Location        string
	Description     string
	Requirements    []string
	ExperienceLevel string
	ApplicationURL  string
	PostingID       string
	Unavailable     bool
}

// UpsertOutcome classifies a dedup decision against the corpus.
type UpsertOutcome string

// Upsert outcomes.
const (
	OutcomeInserted  UpsertOutcome = "inserted"
	OutcomeUpdated   UpsertOutcome = "updated"
	OutcomeUnchanged UpsertOutcome = "unchanged"
)

// KindStats summarizes queue state for one work kind.
type KindStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// QueueStats maps each kind to its summary.
type QueueStats map[RunKind]KindStats
