// Package store defines the persistence boundary for the control plane
// (C5): JobContract documents and their lifecycle, append-only
// Artifact and Evaluation documents, and the audit event log used by
// rate limiting and concurrency checks. Concrete drivers live under
// internal/store/sqlite.
package store

import (
	"context"
	"time"

	"github.com/ternarybob/buildmode/internal/docmodel"
)

// JobStore is the persistence boundary for JobContract documents.
type JobStore interface {
	// Create inserts a new job. Returns an *errs.Error of Kind Conflict
	// if job_id already exists.
	Create(ctx context.Context, job docmodel.Doc) error

	// Get fetches a job by id. Returns an *errs.Error of Kind NotFound
	// if absent.
	Get(ctx context.Context, jobID string) (docmodel.Doc, error)

	// Update replaces the stored document for job's job_id.
	Update(ctx context.Context, job docmodel.Doc) error

	// CountActiveByOrg counts jobs in state running or waiting for an
	// org, as of the moment of the call. A job still in created has not
	// started executing and does not count as active.
	CountActiveByOrg(ctx context.Context, orgID string) (int, error)

	// RecordEvent appends an audit event for a job.
	RecordEvent(ctx context.Context, orgID, jobID, eventType string, details map[string]any) error

	// CountEventsSince counts events of a given type for an org since a
	// timestamp, inclusive.
	CountEventsSince(ctx context.Context, orgID, eventType string, since time.Time) (int, error)
}

// ArtifactStore is the persistence boundary for Artifact documents.
type ArtifactStore interface {
	// Append inserts an immutable artifact. Returns Conflict if
	// artifact_id already exists.
	Append(ctx context.Context, artifact docmodel.Doc) error

	// Get fetches an artifact by id. Returns NotFound if absent.
	Get(ctx context.Context, artifactID string) (docmodel.Doc, error)

	// ListForJob returns every artifact produced for a job.
	ListForJob(ctx context.Context, jobID string) ([]docmodel.Doc, error)
}

// EvaluationStore is the persistence boundary for Evaluation documents.
type EvaluationStore interface {
	// Append inserts an immutable evaluation. Returns Conflict if
	// evaluation_id already exists.
	Append(ctx context.Context, evaluation docmodel.Doc) error

	// Get fetches an evaluation by id. Returns NotFound if absent.
	Get(ctx context.Context, evaluationID string) (docmodel.Doc, error)

	// ListForJob returns every evaluation submitted against a job.
	ListForJob(ctx context.Context, jobID string) ([]docmodel.Doc, error)
}
