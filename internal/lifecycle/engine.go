package lifecycle

import (
	"context"
	"time"

	"github.com/ternarybob/buildmode/internal/docmodel"
	"github.com/ternarybob/buildmode/internal/errs"
	"github.com/ternarybob/buildmode/internal/policy"
	"github.com/ternarybob/buildmode/internal/registry"
	"github.com/ternarybob/buildmode/internal/schema"
	"github.com/ternarybob/buildmode/internal/store"
)

// Clock lets callers supply a fixed "now" in tests; production code
// uses RealClock.
type Clock interface {
	Now() time.Time
}

// RealClock reports the actual wall-clock time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Engine sequences job submission and execution requests: schema
// validation, policy enforcement, state transitions, and audit
// events. It does not execute agents/skills/MCPs — run_job's
// execution request is converted deterministically into a waiting
// state with an audit event explaining the deferral, matching the
// control plane's build-mode scope.
type Engine struct {
	Schemas           *schema.Validator
	Registry          *registry.Registry
	Jobs              store.JobStore
	Limits            policy.Limits
	ExecutionDeferred bool
	Clock             Clock
}

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return time.Now()
	}
	return e.Clock.Now()
}

// SubmitJob validates and persists a newly created job, recording a
// job_submitted event.
func (e *Engine) SubmitJob(ctx context.Context, job docmodel.Doc) (docmodel.Doc, error) {
	now := e.now()

	if err := e.Schemas.Validate(schema.KindJobContract, job); err != nil {
		return nil, err
	}
	if err := policy.EnforceJobContractSubmissionShape(job); err != nil {
		return nil, err
	}
	if err := policy.EnforceJobContractLimits(job, e.Limits, now); err != nil {
		return nil, err
	}

	orgID := docmodel.GetString(job, "metadata.org_id")
	if e.Limits.RequireKnownOrg && !e.Registry.HasOrg(orgID) {
		return nil, errs.NewPolicyViolation("unknown org_id (registry.require_known_org=true): "+orgID, nil)
	}
	if e.Registry.HasOrg(orgID) {
		org, err := e.Registry.GetOrg(orgID)
		if err != nil {
			return nil, errs.NewInternal(err)
		}
		if err := policy.EnforceJobWithinOrgPolicy(job, org.Document); err != nil {
			return nil, err
		}
	}

	if err := e.Jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	jobID := docmodel.GetString(job, "metadata.job_id")
	if err := e.Jobs.RecordEvent(ctx, orgID, jobID, "job_submitted", map[string]any{"state": "created"}); err != nil {
		return nil, err
	}
	return job, nil
}

// GetJob is a pass-through to the job store.
func (e *Engine) GetJob(ctx context.Context, jobID string) (docmodel.Doc, error) {
	return e.Jobs.Get(ctx, jobID)
}

// RunJob advances a created/waiting job into running, then — when
// ExecutionDeferred is set (the default) — immediately into waiting
// again, recording why execution did not actually happen.
func (e *Engine) RunJob(ctx context.Context, jobID string) (docmodel.Doc, error) {
	job, err := e.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	orgID := docmodel.GetString(job, "metadata.org_id")

	expiresAt, err := docmodel.ParseRFC3339(docmodel.GetString(job, "spec.timestamps.expires_at"))
	if err != nil {
		return nil, errs.NewContractViolation("invalid spec.timestamps.expires_at: "+err.Error(), "", nil)
	}

	if !expiresAt.After(now) {
		expired, err := ApplyTransition(job, TransitionRequest{NewState: StateExpired, Now: now, ExpiryReason: "expires_at_reached"})
		if err != nil {
			return nil, err
		}
		if err := e.Schemas.Validate(schema.KindJobContract, expired); err != nil {
			return nil, err
		}
		if err := e.Jobs.Update(ctx, expired); err != nil {
			return nil, err
		}
		if err := e.Jobs.RecordEvent(ctx, orgID, jobID, "job_expired", map[string]any{"reason": "expires_at_reached"}); err != nil {
			return nil, err
		}
		return expired, nil
	}

	state := State(docmodel.GetString(job, "spec.status.state"))
	if state != StateCreated && state != StateWaiting {
		return nil, errs.NewConflict("job must be in created|waiting to run (current="+string(state)+")", nil)
	}

	if e.Registry.HasOrg(orgID) {
		org, err := e.Registry.GetOrg(orgID)
		if err != nil {
			return nil, errs.NewInternal(err)
		}
		maxActiveJobs, _ := docmodel.GetFloat(org.Document, "spec.execution_limits.concurrency.max_active_jobs")
		if maxActiveJobs <= 0 {
			return nil, errs.NewPolicyViolation("org execution is disabled (max_active_jobs<=0)", nil)
		}

		active, err := e.Jobs.CountActiveByOrg(ctx, orgID)
		if err != nil {
			return nil, err
		}
		if state == StateCreated && float64(active) >= maxActiveJobs {
			return nil, errs.NewPolicyViolation("org max_active_jobs limit reached", nil)
		}
		if state == StateWaiting && float64(active) > maxActiveJobs {
			return nil, errs.NewPolicyViolation("org max_active_jobs limit reached", nil)
		}

		maxStarts, _ := docmodel.GetFloat(org.Document, "spec.execution_limits.rate_limits.max_job_starts_per_minute")
		if maxStarts <= 0 {
			return nil, errs.NewPolicyViolation("org job starts are disabled (max_job_starts_per_minute<=0)", nil)
		}
		since := now.Add(-60 * time.Second)
		starts, err := e.Jobs.CountEventsSince(ctx, orgID, "job_started", since)
		if err != nil {
			return nil, err
		}
		if float64(starts) >= maxStarts {
			return nil, errs.NewPolicyViolation("org rate limit exceeded (max_job_starts_per_minute)", nil)
		}
	}

	running, err := ApplyTransition(job, TransitionRequest{NewState: StateRunning, Now: now})
	if err != nil {
		return nil, err
	}
	if err := e.Schemas.Validate(schema.KindJobContract, running); err != nil {
		return nil, err
	}
	if err := e.Jobs.Update(ctx, running); err != nil {
		return nil, err
	}
	if err := e.Jobs.RecordEvent(ctx, orgID, jobID, "job_started", map[string]any{"previous_state": string(state)}); err != nil {
		return nil, err
	}

	if !e.ExecutionDeferred {
		return running, nil
	}

	waiting, err := ApplyTransition(running, TransitionRequest{NewState: StateWaiting, Now: e.now()})
	if err != nil {
		return nil, err
	}
	if err := e.Schemas.Validate(schema.KindJobContract, waiting); err != nil {
		return nil, err
	}
	if err := e.Jobs.Update(ctx, waiting); err != nil {
		return nil, err
	}
	if err := e.Jobs.RecordEvent(ctx, orgID, jobID, "execution_deferred", map[string]any{
		"reason":     "agent_execution_not_implemented",
		"build_mode": true,
	}); err != nil {
		return nil, err
	}
	return waiting, nil
}

// StopJob moves a running job to waiting with last_stop_condition set
// to manual_stop. Stopping an already-waiting job is a no-op; stopping
// a terminal job is a conflict.
func (e *Engine) StopJob(ctx context.Context, jobID string) (docmodel.Doc, error) {
	job, err := e.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	orgID := docmodel.GetString(job, "metadata.org_id")
	state := State(docmodel.GetString(job, "spec.status.state"))

	if IsTerminal(state) {
		return nil, errs.NewConflict("cannot stop a terminal job (state="+string(state)+")", nil)
	}
	if state == StateWaiting {
		return job, nil
	}
	if state != StateRunning {
		return nil, errs.NewConflict("job must be running to stop (current="+string(state)+")", nil)
	}

	waiting, err := ApplyTransition(job, TransitionRequest{NewState: StateWaiting, Now: now, LastStopCondition: "manual_stop"})
	if err != nil {
		return nil, err
	}
	if err := e.Schemas.Validate(schema.KindJobContract, waiting); err != nil {
		return nil, err
	}
	if err := e.Jobs.Update(ctx, waiting); err != nil {
		return nil, err
	}
	if err := e.Jobs.RecordEvent(ctx, orgID, jobID, "job_stopped", map[string]any{"to_state": "waiting"}); err != nil {
		return nil, err
	}
	return waiting, nil
}
