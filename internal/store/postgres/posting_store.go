package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jobtrail/discovery/internal/pipeline"
)

// PostingStore persists the job posting corpus keyed by canonical URL.
// Concurrent upserts for the same URL are serialized by the unique
// constraint; the single-statement upsert classifies the result without a
// read-modify-write window.
type PostingStore struct {
	db pool
}

// NewPostingStore creates a PostingStore backed by a pgx pool.
func NewPostingStore(db *pgxpool.Pool) *PostingStore {
	return &PostingStore{db: db}
}

// NewPostingStoreWithPool creates a PostingStore over any pool-compatible
// handle. Tests inject pgxmock through this constructor.
func NewPostingStoreWithPool(db pool) *PostingStore {
	return &PostingStore{db: db}
}

// upsertPostingSQL classifies in one statement: the CTE captures the prior
// content hash from the same snapshot, the upsert reports insert-vs-update
// via xmax, and the final join lets the caller tell unchanged from updated.
const upsertPostingSQL = `
WITH existing AS (
	SELECT content_hash FROM job_postings WHERE canonical_url = $2
), up AS (
	INSERT INTO job_postings (
		id, canonical_url, title, company, location, description, requirements,
		experience_level, application_url, content_hash, available,
		first_seen_at, last_seen_at, last_run_id, updated_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, $11, $11, $12, $11)
	ON CONFLICT (canonical_url) DO UPDATE SET
		title = EXCLUDED.title,
		company = EXCLUDED.company,
		location = EXCLUDED.location,
		description = EXCLUDED.description,
		requirements = EXCLUDED.requirements,
		experience_level = EXCLUDED.experience_level,
		application_url = EXCLUDED.application_url,
		content_hash = EXCLUDED.content_hash,
		available = TRUE,
		last_seen_at = EXCLUDED.last_seen_at,
		last_run_id = EXCLUDED.last_run_id,
		updated_at = EXCLUDED.updated_at
	RETURNING (xmax = 0) AS inserted
)
SELECT up.inserted, existing.content_hash
FROM up
LEFT JOIN existing ON TRUE`

// UpsertPosting inserts or refreshes one posting and reports whether the
// corpus gained a new row, changed an existing one, or only touched
// last-seen bookkeeping.
func (s *PostingStore) UpsertPosting(ctx context.Context, runID string, posting pipeline.JobPosting) (pipeline.UpsertOutcome, error) {
	if posting.CanonicalURL == "" {
		return "", fmt.Errorf("posting has no canonical url")
	}
	var (
		inserted  bool
		priorHash *string
	)
	err := s.db.QueryRow(ctx, upsertPostingSQL,
		posting.ID, posting.CanonicalURL, posting.Title, posting.Company,
		posting.Location, posting.Description, posting.Requirements,
		posting.ExperienceLevel, posting.ApplicationURL, posting.ContentHash,
		posting.LastSeenAt, runID,
	).Scan(&inserted, &priorHash)
	if err != nil {
		return "", fmt.Errorf("upsert posting %s: %w", posting.CanonicalURL, err)
	}
	switch {
	case inserted:
		return pipeline.OutcomeInserted, nil
	case priorHash != nil && *priorHash == posting.ContentHash:
		return pipeline.OutcomeUnchanged, nil
	default:
		return pipeline.OutcomeUpdated, nil
	}
}

// MarkUnavailable flips one posting unavailable. Returns false when the
// posting is unknown or already unavailable.
func (s *PostingStore) MarkUnavailable(ctx context.Context, postingID string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE job_postings
		SET available = FALSE, updated_at = $2
		WHERE id = $1 AND available`,
		postingID, now)
	if err != nil {
		return false, fmt.Errorf("mark posting %s unavailable: %w", postingID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// InvalidateMissing flips every available posting the given run did not
// touch. Postings stamped with last_run_id = runID survive.
func (s *PostingStore) InvalidateMissing(ctx context.Context, runID string, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE job_postings
		SET available = FALSE, updated_at = $2
		WHERE available AND last_run_id IS DISTINCT FROM $1`,
		runID, now)
	if err != nil {
		return 0, fmt.Errorf("invalidate postings missing from run %s: %w", runID, err)
	}
	return tag.RowsAffected(), nil
}

const postingColumns = `id, title, company, location, description, requirements,
	experience_level, application_url, canonical_url, content_hash, available,
	first_seen_at, last_seen_at, last_run_id`

// GetPosting fetches one posting by id.
func (s *PostingStore) GetPosting(ctx context.Context, postingID string) (pipeline.JobPosting, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+postingColumns+`
		FROM job_postings
		WHERE id = $1`, postingID)
	posting, err := scanPosting(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.JobPosting{}, pipeline.ErrPostingNotFound
	}
	if err != nil {
		return pipeline.JobPosting{}, fmt.Errorf("get posting %s: %w", postingID, err)
	}
	return posting, nil
}

// ListPostingsByIDs fetches the known subset of the given ids.
func (s *PostingStore) ListPostingsByIDs(ctx context.Context, postingIDs []string) ([]pipeline.JobPosting, error) {
	if len(postingIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+postingColumns+`
		FROM job_postings
		WHERE id = ANY($1)`, postingIDs)
	if err != nil {
		return nil, fmt.Errorf("list postings: %w", err)
	}
	defer rows.Close()

	var out []pipeline.JobPosting
	for rows.Next() {
		posting, err := scanPosting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan posting: %w", err)
		}
		out = append(out, posting)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate postings: %w", err)
	}
	return out, nil
}

func scanPosting(row pgx.Row) (pipeline.JobPosting, error) {
	var p pipeline.JobPosting
	err := row.Scan(
		&p.ID, &p.Title, &p.Company, &p.Location, &p.Description, &p.Requirements,
		&p.ExperienceLevel, &p.ApplicationURL, &p.CanonicalURL, &p.ContentHash, &p.Available,
		&p.FirstSeenAt, &p.LastSeenAt, &p.LastRunID,
	)
	if err != nil {
		return pipeline.JobPosting{}, err
	}
	return p, nil
}
