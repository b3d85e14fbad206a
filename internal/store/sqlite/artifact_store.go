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

// ArtifactStore is the SQLite-backed, append-only store for Artifact
// documents.
type ArtifactStore struct {
	db     *DB
	logger arbor.ILogger
}

// NewArtifactStore constructs an ArtifactStore over an open database.
func NewArtifactStore(db *DB, logger arbor.ILogger) *ArtifactStore {
	return &ArtifactStore{db: db, logger: logger}
}

func (s *ArtifactStore) Append(ctx context.Context, artifact docmodel.Doc) error {
	artifactID := docmodel.GetString(artifact, "metadata.artifact_id")
	jobID := docmodel.GetString(artifact, "spec.job_ref.job_id")
	orgID := docmodel.GetString(artifact, "metadata.org_id")
	artifactType := docmodel.GetString(artifact, "metadata.artifact_type")
	producedByAgentID := nullableString(docmodel.GetString(artifact, "spec.produced_by.agent_id"))
	now := time.Now().Unix()

	raw, err := json.Marshal(artifact)
	if err != nil {
		return errs.NewInternal(err)
	}

	return retryWithBackoff(ctx, s.logger, func() error {
		_, err := s.db.Conn().ExecContext(ctx, `
			INSERT INTO artifacts (artifact_id, job_id, org_id, artifact_type, produced_by_agent_id, created_at, document)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			artifactID, jobID, orgID, artifactType, producedByAgentID, now, string(raw))
		if err != nil {
			if isUniqueViolation(err) {
				return errs.NewConflict("artifact already exists: "+artifactID, nil)
			}
			return errs.NewInternal(err)
		}
		return nil
	})
}

func (s *ArtifactStore) Get(ctx context.Context, artifactID string) (docmodel.Doc, error) {
	var raw string
	err := s.db.Conn().QueryRowContext(ctx, `SELECT document FROM artifacts WHERE artifact_id = ?`, artifactID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NewNotFound("Artifact", artifactID)
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

func (s *ArtifactStore) ListForJob(ctx context.Context, jobID string) ([]docmodel.Doc, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `SELECT document FROM artifacts WHERE job_id = ? ORDER BY created_at ASC`, jobID)
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
