package lifecycle

import (
	"context"

	"github.com/ternarybob/buildmode/internal/docmodel"
	"github.com/ternarybob/buildmode/internal/errs"
	"github.com/ternarybob/buildmode/internal/policy"
	"github.com/ternarybob/buildmode/internal/registry"
	"github.com/ternarybob/buildmode/internal/schema"
	"github.com/ternarybob/buildmode/internal/store"
)

// ArtifactService validates and appends Artifact documents against
// the job they reference, per §4.3.5.
type ArtifactService struct {
	Schemas   *schema.Validator
	Registry  *registry.Registry
	Artifacts store.ArtifactStore
	Jobs      store.JobStore
}

// Submit validates artifact, checks it against the org that owns the
// referenced job, and appends it.
func (s *ArtifactService) Submit(ctx context.Context, artifact docmodel.Doc) (docmodel.Doc, error) {
	if err := s.Schemas.Validate(schema.KindArtifact, artifact); err != nil {
		return nil, err
	}

	jobID := docmodel.GetString(artifact, "spec.job_ref.job_id")
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	orgID := docmodel.GetString(job, "metadata.org_id")
	jobTerminal := IsTerminal(State(docmodel.GetString(job, "spec.status.state")))

	var org docmodel.Doc
	included := map[string]bool{}
	orgKnown := s.Registry.HasOrg(orgID)
	if orgKnown {
		orgRecord, err := s.Registry.GetOrg(orgID)
		if err != nil {
			return nil, errs.NewInternal(err)
		}
		org = orgRecord.Document
		included, err = s.Registry.IncludedAgentIDsForOrg(orgID)
		if err != nil {
			return nil, errs.NewInternal(err)
		}
	}

	if err := policy.EnforceArtifactAdmission(artifact, job, orgKnown, org, jobTerminal, included); err != nil {
		return nil, err
	}

	if err := s.Artifacts.Append(ctx, artifact); err != nil {
		return nil, err
	}

	artifactID := docmodel.GetString(artifact, "metadata.artifact_id")
	if err := s.Jobs.RecordEvent(ctx, orgID, jobID, "artifact_submitted", map[string]any{"artifact_id": artifactID}); err != nil {
		return nil, err
	}

	return artifact, nil
}

// Get fetches an artifact by id.
func (s *ArtifactService) Get(ctx context.Context, artifactID string) (docmodel.Doc, error) {
	return s.Artifacts.Get(ctx, artifactID)
}
