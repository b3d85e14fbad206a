package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/buildmode/internal/docmodel"
	"github.com/ternarybob/buildmode/internal/errs"
)

// EvaluationStore is the SQLite-backed, append-only store for
// Evaluation documents.
type EvaluationStore struct {
	db     *DB
	logger arbor.ILogger
}

// NewEvaluationStore constructs an EvaluationStore over an open database.
func NewEvaluationStore(db *DB, logger arbor.ILogger) *EvaluationStore {
	return &EvaluationStore{db: db, logger: logger}
}

func (s *EvaluationStore) Append(ctx context.Context, evaluation docmodel.Doc) error {
	evaluationID := docmodel.GetString(evaluation, "metadata.evaluation_id")
	jobID := docmodel.GetString(evaluation, "spec.job_ref.job_id")
	orgID := docmodel.GetString(evaluation, "metadata.org_id")
	outcomeStatus := nullableString(docmodel.GetString(evaluation, "spec.outcome.status"))
	nextJobState := nullableString(docmodel.GetString(evaluation, "spec.outcome.next_job_state"))
	evaluatorActorType := nullableString(docmodel.GetString(evaluation, "spec.evaluator.actor_type"))
	evaluatorActorID := nullableString(docmodel.GetString(evaluation, "spec.evaluator.actor_id"))
	now := time.Now().Unix()

	raw, err := json.Marshal(evaluation)
	if err != nil {
		return errs.NewInternal(err)
	}

	return retryWithBackoff(ctx, s.logger, func() error {
		_, err := s.db.Conn().ExecContext(ctx, `
			INSERT INTO evaluations (
				evaluation_id, job_id, org_id, created_at,
				outcome_status, next_job_state, evaluator_actor_type, evaluator_actor_id, document
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			evaluationID, jobID, orgID, now,
			outcomeStatus, nextJobState, evaluatorActorType, evaluatorActorID, string(raw))
		if err != nil {
			if isUniqueViolation(err) {
				return errs.NewConflict("evaluation already exists: "+evaluationID, nil)
			}
			return errs.NewInternal(err)
		}
		return nil
	})
}

func (s *EvaluationStore) Get(ctx context.Context, evaluationID string) (docmodel.Doc, error) {
	var raw string
	err := s.db.Conn().QueryRowContext(ctx, `SELECT document FROM evaluations WHERE evaluation_id = ?`, evaluationID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NewNotFound("Evaluation", evaluationID)
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

func (s *EvaluationStore) ListForJob(ctx context.Context, jobID string) ([]docmodel.Doc, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `SELECT document FROM evaluations WHERE job_id = ? ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, errs.NewInternal(err)
	}
	defer rows.Close()

	var out []docmodel.Doc
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errs.NewInternal(err)
		}
		doc, err := docmodel.ParseJSON([]byte(raw))
		if err != nil {
			return nil, errs.NewInternal(err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}
