package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/buildmode/internal/docmodel"
	"github.com/ternarybob/buildmode/internal/errs"
	"github.com/ternarybob/buildmode/internal/policy"
)

func testLimits() policy.Limits {
	return policy.Limits{
		MaxExpiresInSecondsUpperBound: 7 * 24 * 3600,
		MaxIterationsUpperBound:       1000,
		MaxRuntimeSecondsUpperBound:   24 * 3600,
		MaxCostUpperBoundCurrency:     "USD",
		MaxCostUpperBound:             100,
	}
}

func validJob(jobID string, now time.Time) docmodel.Doc {
	return docmodel.Doc{
		"kind": "JobContract",
		"metadata": docmodel.Doc{
			"job_id": jobID,
			"org_id": "acme",
		},
		"spec": docmodel.Doc{
			"timestamps": docmodel.Doc{
				"created_at": docmodel.FormatRFC3339(now),
				"expires_at": docmodel.FormatRFC3339(now.Add(time.Hour)),
			},
			"execution_limits": docmodel.Doc{
				"max_iterations":      float64(10),
				"max_runtime_seconds": float64(60),
				"cost_cap":            docmodel.Doc{"currency": "USD", "max_cost": float64(5)},
			},
			"required_artifacts": []any{
				docmodel.Doc{"artifact_type": "report"},
			},
			"permissions_snapshot": docmodel.Doc{
				"skills": docmodel.Doc{
					"allowed_skill_ids": []any{"read_files"},
				},
				"mcp": docmodel.Doc{
					"allowed": []any{
						docmodel.Doc{"mcp_id": "fs", "ref": "mcp://fs", "allowed_scopes": []any{"read"}},
					},
				},
				"direct_external_network": docmodel.Doc{"policy": "deny_all"},
			},
			"status": docmodel.Doc{"state": "created"},
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *fakeJobStore, *fixedClock) {
	validator := testValidator(t)
	reg := testRegistry(t, validator)
	jobs := newFakeJobStore()
	clock := &fixedClock{t: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)}
	engine := &Engine{
		Schemas:           validator,
		Registry:          reg,
		Jobs:              jobs,
		Limits:            testLimits(),
		ExecutionDeferred: true,
		Clock:             clock,
	}
	return engine, jobs, clock
}

func TestEngineSubmitJobPersistsAndRecordsEvent(t *testing.T) {
	engine, jobs, clock := newTestEngine(t)
	ctx := context.Background()

	job := validJob("job-1", clock.t)
	out, err := engine.SubmitJob(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, "created", docmodel.GetString(out, "spec.status.state"))

	stored, err := jobs.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "acme", docmodel.GetString(stored, "metadata.org_id"))

	count, err := jobs.CountEventsSince(ctx, "acme", "job_submitted", clock.t.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEngineSubmitJobRejectsUnknownRequiredArtifactType(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	job := validJob("job-bad-artifact", clock.t)
	docmodel.Set(job, "spec.required_artifacts", []any{docmodel.Doc{"artifact_type": "mystery"}})

	_, err := engine.SubmitJob(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.PolicyViolation))
}

func TestEngineSubmitJobRejectsCostAboveOrgCap(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	job := validJob("job-over-cap", clock.t)
	docmodel.Set(job, "spec.execution_limits.cost_cap.max_cost", float64(999))

	_, err := engine.SubmitJob(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.PolicyViolation))
}

func TestEngineRunJobDefersExecutionAndRecordsReason(t *testing.T) {
	engine, jobs, clock := newTestEngine(t)
	ctx := context.Background()

	job := validJob("job-2", clock.t)
	_, err := engine.SubmitJob(ctx, job)
	require.NoError(t, err)

	waiting, err := engine.RunJob(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, "waiting", docmodel.GetString(waiting, "spec.status.state"))

	count, err := jobs.CountEventsSince(ctx, "acme", "execution_deferred", clock.t.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEngineRunJobExpiresPastDeadline(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	ctx := context.Background()

	job := validJob("job-3", clock.t)
	docmodel.Set(job, "spec.timestamps.expires_at", docmodel.FormatRFC3339(clock.t.Add(30*time.Second)))
	_, err := engine.SubmitJob(ctx, job)
	require.NoError(t, err)

	clock.t = clock.t.Add(time.Hour)
	expired, err := engine.RunJob(ctx, "job-3")
	require.NoError(t, err)
	assert.Equal(t, "expired", docmodel.GetString(expired, "spec.status.state"))
	assert.Equal(t, "expires_at_reached", docmodel.GetString(expired, "spec.status.expiry_reason"))
}

func TestEngineRunJobRejectsWhenOrgConcurrencyExhausted(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	ctx := context.Background()

	// org max_active_jobs is 3; count_active_by_org only counts
	// running|waiting (not created), so three jobs must actually reach
	// running before a fourth is rejected.
	for i, id := range []string{"job-4", "job-5", "job-6"} {
		job := validJob(id, clock.t)
		_, err := engine.SubmitJob(ctx, job)
		require.NoError(t, err)
		_, err = engine.RunJob(ctx, id)
		require.NoError(t, err, "seed job %d", i)
	}

	fourth := validJob("job-7", clock.t)
	_, err := engine.SubmitJob(ctx, fourth)
	require.NoError(t, err)

	_, err = engine.RunJob(ctx, "job-7")
	require.Error(t, err, "org max_active_jobs is 3 and three jobs are already running")
	assert.True(t, errs.Is(err, errs.PolicyViolation))
}

func TestEngineStopJobMovesRunningToWaiting(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	engine.ExecutionDeferred = false
	ctx := context.Background()

	job := validJob("job-7", clock.t)
	_, err := engine.SubmitJob(ctx, job)
	require.NoError(t, err)
	_, err = engine.RunJob(ctx, "job-7")
	require.NoError(t, err)

	stopped, err := engine.StopJob(ctx, "job-7")
	require.NoError(t, err)
	assert.Equal(t, "waiting", docmodel.GetString(stopped, "spec.status.state"))
	assert.Equal(t, "manual_stop", docmodel.GetString(stopped, "spec.status.last_stop_condition"))
}

func TestEngineStopJobRejectsTerminalJob(t *testing.T) {
	engine, jobs, clock := newTestEngine(t)
	ctx := context.Background()

	job := validJob("job-8", clock.t)
	_, err := engine.SubmitJob(ctx, job)
	require.NoError(t, err)

	completed, err := ApplyTransition(job, TransitionRequest{
		NewState:           StateCompleted,
		Now:                clock.t,
		FinalEvaluationRef: "evaluations/eval-1",
	})
	require.NoError(t, err)
	require.NoError(t, jobs.Update(ctx, completed))

	_, err = engine.StopJob(ctx, "job-8")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Conflict))
}
