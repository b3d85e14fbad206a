package lifecycle

import (
	"context"
	"time"

	"github.com/ternarybob/buildmode/internal/docmodel"
	"github.com/ternarybob/buildmode/internal/errs"
	"github.com/ternarybob/buildmode/internal/registry"
	"github.com/ternarybob/buildmode/internal/schema"
	"github.com/ternarybob/buildmode/internal/store"
)

// EvaluationService validates and applies Evaluation documents,
// translating an evaluation's declared outcome into a job state
// transition. No agent may evaluate its own produced artifacts, and
// an agent evaluator's declared authority must match its
// AgentDefinition and the org's inclusion of that agent.
type EvaluationService struct {
	Schemas    *schema.Validator
	Registry   *registry.Registry
	Evals      store.EvaluationStore
	Jobs       store.JobStore
	Clock      Clock
}

func evaluationRef(evaluationID string) string {
	return "evaluations/" + evaluationID
}

func (s *EvaluationService) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock.Now()
}

// Submit validates evaluation, enforces evaluator authority and
// self-evaluation rules, applies the resulting job transition, and
// persists both documents. The evaluation is appended before the job
// is updated, and evaluation_submitted is recorded before
// job_state_changed — this exact ordering is relied on by callers
// reconstructing a job's audit trail.
func (s *EvaluationService) Submit(ctx context.Context, evaluation docmodel.Doc) (evaluationOut, jobOut docmodel.Doc, err error) {
	now := s.now()

	if err := s.Schemas.Validate(schema.KindEvaluation, evaluation); err != nil {
		return nil, nil, err
	}

	evaluationID := docmodel.GetString(evaluation, "metadata.evaluation_id")
	orgID := docmodel.GetString(evaluation, "metadata.org_id")
	jobID := docmodel.GetString(evaluation, "spec.job_ref.job_id")

	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	jobOrgID := docmodel.GetString(job, "metadata.org_id")
	if jobOrgID != orgID {
		return nil, nil, errs.NewPolicyViolation("Evaluation.metadata.org_id must match JobContract.metadata.org_id", nil)
	}

	current := State(docmodel.GetString(job, "spec.status.state"))
	if IsTerminal(current) {
		return nil, nil, errs.NewConflict("cannot apply evaluation to terminal job (state="+string(current)+")", nil)
	}

	expiresAt, err := docmodel.ParseRFC3339(docmodel.GetString(job, "spec.timestamps.expires_at"))
	if err != nil {
		return nil, nil, errs.NewContractViolation("invalid spec.timestamps.expires_at: "+err.Error(), "", nil)
	}
	if !expiresAt.After(now) {
		expired, err := ApplyTransition(job, TransitionRequest{NewState: StateExpired, Now: now, ExpiryReason: "expires_at_reached"})
		if err != nil {
			return nil, nil, err
		}
		if err := s.Schemas.Validate(schema.KindJobContract, expired); err != nil {
			return nil, nil, err
		}
		if err := s.Jobs.Update(ctx, expired); err != nil {
			return nil, nil, err
		}
		if err := s.Jobs.RecordEvent(ctx, orgID, jobID, "job_expired", map[string]any{"reason": "expires_at_reached"}); err != nil {
			return nil, nil, err
		}
		return nil, nil, errs.NewConflict("job is expired; evaluation cannot be applied", nil)
	}

	if err := s.enforceEvaluatorAuthority(evaluation, orgID); err != nil {
		return nil, nil, err
	}

	desired := docmodel.GetString(evaluation, "spec.outcome.next_job_state")
	ref := evaluationRef(evaluationID)

	var updated docmodel.Doc
	switch desired {
	case "completed":
		updated, err = ApplyTransition(job, TransitionRequest{NewState: StateCompleted, Now: now, FinalEvaluationRef: ref, LastStopCondition: "evaluation_passed"})
	case "failed":
		updated, err = ApplyTransition(job, TransitionRequest{NewState: StateFailed, Now: now, FinalEvaluationRef: ref, FailureMode: "evaluation_failure", LastStopCondition: "evaluation_failed"})
	case "running", "waiting":
		updated, err = ApplyTransition(job, TransitionRequest{NewState: State(desired), Now: now})
	default:
		return nil, nil, errs.NewPolicyViolation("invalid evaluation next_job_state: "+desired, nil)
	}
	if err != nil {
		return nil, nil, err
	}

	if err := s.Schemas.Validate(schema.KindJobContract, updated); err != nil {
		return nil, nil, err
	}

	// Append-only evaluation persists before the job transition it
	// justifies, so the audit trail always has the evaluation on record
	// before the state it caused.
	if err := s.Evals.Append(ctx, evaluation); err != nil {
		return nil, nil, err
	}
	if err := s.Jobs.RecordEvent(ctx, orgID, jobID, "evaluation_submitted", map[string]any{"evaluation_id": evaluationID}); err != nil {
		return nil, nil, err
	}

	if err := s.Jobs.Update(ctx, updated); err != nil {
		return nil, nil, err
	}
	if err := s.Jobs.RecordEvent(ctx, orgID, jobID, "job_state_changed", map[string]any{"from": string(current), "to": desired}); err != nil {
		return nil, nil, err
	}

	return evaluation, updated, nil
}

func (s *EvaluationService) enforceEvaluatorAuthority(evaluation docmodel.Doc, orgID string) error {
	evaluator, ok := docmodel.GetDoc(evaluation, "spec.evaluator")
	if !ok {
		return errs.NewContractViolation("Evaluation.spec.evaluator must be an object", "", nil)
	}
	actorType := docmodel.GetString(evaluator, "actor_type")
	actorID := docmodel.GetString(evaluator, "actor_id")
	declaredAuthority := docmodel.GetString(evaluator, "authority_level")

	if actorType != "agent" {
		return nil
	}

	agent, err := s.Registry.GetAgent(actorID)
	if err != nil {
		return errs.NewPolicyViolation(err.Error(), nil)
	}
	agentAuthority := docmodel.GetString(agent.Document, "spec.authority.level")
	if agentAuthority != declaredAuthority {
		return errs.NewPolicyViolation("Evaluation evaluator authority_level does not match AgentDefinition authority level", nil)
	}

	if !s.Registry.HasOrg(orgID) {
		return errs.NewPolicyViolation("cannot validate evaluator membership: org_id not found in registry", nil)
	}
	included, err := s.Registry.IncludedAgentIDsForOrg(orgID)
	if err != nil {
		return errs.NewInternal(err)
	}
	if !included[actorID] {
		return errs.NewPolicyViolation("evaluator agent is not included in OrganizationManifest.spec.agent_roles", nil)
	}

	decisions, _ := docmodel.GetSlice(evaluation, "spec.artifact_decisions")
	for _, raw := range decisions {
		d, ok := raw.(docmodel.Doc)
		if !ok {
			continue
		}
		producing, _ := d["producing_agent_id"].(string)
		if producing != "" && producing == actorID {
			return errs.NewPolicyViolation("self-evaluation is prohibited (evaluator matches producing_agent_id)", nil)
		}
	}
	return nil
}
