package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/buildmode/internal/docmodel"
	"github.com/ternarybob/buildmode/internal/errs"
)

// JobStore is the SQLite-backed implementation of store.JobStore. The
// document column holds the full canonical JSON; org_id/state/
// created_at/updated_at, spec.timestamps.expires_at and the spec.status
// subtree fields (status_updated_at, started_at, terminal_at,
// final_evaluation_ref, failure_mode, expiry_reason) are extracted
// columns kept in sync for indexed lookups and filtering (concurrency
// counts, rate limiting) without re-parsing the document on every
// query.
type JobStore struct {
	db     *DB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewJobStore constructs a JobStore over an open database.
func NewJobStore(db *DB, logger arbor.ILogger) *JobStore {
	return &JobStore{db: db, logger: logger}
}

// jobColumns extracts spec.md §4.5's job extracted columns from a
// JobContract document, mirroring original_source's
// _extract_job_columns: everything under spec.status beyond the state
// itself is optional until the state machine sets it.
type jobColumns struct {
	jobID              string
	orgID              string
	state              string
	expiresAt          string
	statusUpdatedAt    sql.NullString
	startedAt          sql.NullString
	terminalAt         sql.NullString
	finalEvaluationRef sql.NullString
	failureMode        sql.NullString
	expiryReason       sql.NullString
}

func extractJobColumns(job docmodel.Doc) jobColumns {
	return jobColumns{
		jobID:              docmodel.GetString(job, "metadata.job_id"),
		orgID:              docmodel.GetString(job, "metadata.org_id"),
		state:              docmodel.GetString(job, "spec.status.state"),
		expiresAt:          docmodel.GetString(job, "spec.timestamps.expires_at"),
		statusUpdatedAt:    nullableString(docmodel.GetString(job, "spec.status.status_updated_at")),
		startedAt:          nullableString(docmodel.GetString(job, "spec.status.started_at")),
		terminalAt:         nullableString(docmodel.GetString(job, "spec.status.terminal_at")),
		finalEvaluationRef: nullableString(docmodel.GetString(job, "spec.status.final_evaluation_ref")),
		failureMode:        nullableString(docmodel.GetString(job, "spec.status.failure_mode")),
		expiryReason:       nullableString(docmodel.GetString(job, "spec.status.expiry_reason")),
	}
}

func (s *JobStore) Create(ctx context.Context, job docmodel.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cols := extractJobColumns(job)
	now := time.Now().Unix()

	raw, err := json.Marshal(job)
	if err != nil {
		return errs.NewInternal(err)
	}

	return retryWithBackoff(ctx, s.logger, func() error {
		_, err := s.db.Conn().ExecContext(ctx, `
			INSERT INTO jobs (
				job_id, org_id, state, created_at, updated_at, expires_at,
				status_updated_at, started_at, terminal_at, final_evaluation_ref,
				failure_mode, expiry_reason, document
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cols.jobID, cols.orgID, cols.state, now, now, cols.expiresAt,
			cols.statusUpdatedAt, cols.startedAt, cols.terminalAt, cols.finalEvaluationRef,
			cols.failureMode, cols.expiryReason, string(raw))
		if err != nil {
			if isUniqueViolation(err) {
				return errs.NewConflict("job already exists: "+cols.jobID, nil)
			}
			return errs.NewInternal(err)
		}
		return nil
	})
}

func (s *JobStore) Get(ctx context.Context, jobID string) (docmodel.Doc, error) {
	var raw string
	err := s.db.Conn().QueryRowContext(ctx, `SELECT document FROM jobs WHERE job_id = ?`, jobID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NewNotFound("JobContract", jobID)
	}
	if err != nil {
		return nil, errs.NewInternal(err)
	}
	doc, err := docmodel.ParseJSON([]byte(raw))
	if err != nil {
		return nil, errs.NewInternal(err)
	}
	return doc, nil
}

func (s *JobStore) Update(ctx context.Context, job docmodel.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cols := extractJobColumns(job)
	now := time.Now().Unix()

	raw, err := json.Marshal(job)
	if err != nil {
		return errs.NewInternal(err)
	}

	return retryWithBackoff(ctx, s.logger, func() error {
		res, err := s.db.Conn().ExecContext(ctx, `
			UPDATE jobs SET
				state = ?, updated_at = ?, expires_at = ?, status_updated_at = ?,
				started_at = ?, terminal_at = ?, final_evaluation_ref = ?,
				failure_mode = ?, expiry_reason = ?, document = ?
			WHERE job_id = ?`,
			cols.state, now, cols.expiresAt, cols.statusUpdatedAt,
			cols.startedAt, cols.terminalAt, cols.finalEvaluationRef,
			cols.failureMode, cols.expiryReason, string(raw), cols.jobID)
		if err != nil {
			return errs.NewInternal(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return errs.NewInternal(err)
		}
		if affected == 0 {
			return errs.NewNotFound("JobContract", cols.jobID)
		}
		return nil
	})
}

// CountActiveByOrg is a point-in-time best-effort read, not a
// transactional guarantee: a concurrent submit/run can race between
// this count and the caller's subsequent decision. See DESIGN.md's
// counter-concurrency decision.
func (s *JobStore) CountActiveByOrg(ctx context.Context, orgID string) (int, error) {
	var count int
	err := s.db.Conn().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE org_id = ? AND state IN ('running', 'waiting')`,
		orgID).Scan(&count)
	if err != nil {
		return 0, errs.NewInternal(err)
	}
	return count, nil
}

func (s *JobStore) RecordEvent(ctx context.Context, orgID, jobID, eventType string, details map[string]any) error {
	var detailsJSON sql.NullString
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return errs.NewInternal(err)
		}
		detailsJSON = sql.NullString{String: string(raw), Valid: true}
	}
	now := time.Now().Unix()

	return retryWithBackoff(ctx, s.logger, func() error {
		_, err := s.db.Conn().ExecContext(ctx, `
			INSERT INTO job_events (org_id, job_id, event_type, details, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			orgID, jobID, eventType, detailsJSON, now)
		if err != nil {
			return errs.NewInternal(err)
		}
		return nil
	})
}

func (s *JobStore) CountEventsSince(ctx context.Context, orgID, eventType string, since time.Time) (int, error) {
	var count int
	err := s.db.Conn().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM job_events WHERE org_id = ? AND event_type = ? AND created_at >= ?`,
		orgID, eventType, since.Unix()).Scan(&count)
	if err != nil {
		return 0, errs.NewInternal(err)
	}
	return count, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
