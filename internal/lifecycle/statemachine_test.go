package lifecycle

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/buildmode/internal/docmodel"
	"github.com/ternarybob/buildmode/internal/errs"
)

func jobInState(state State) docmodel.Doc {
	return docmodel.Doc{
		"metadata": docmodel.Doc{"job_id": "job-1"},
		"spec": docmodel.Doc{
			"status": docmodel.Doc{"state": string(state)},
		},
	}
}

func TestApplyTransitionSameStateIsNoOp(t *testing.T) {
	job := jobInState(StateRunning)
	out, err := ApplyTransition(job, TransitionRequest{NewState: StateRunning, Now: time.Now()})
	require.NoError(t, err)
	assert.True(t, docmodel.Equal(job, out), "same-state transition must return input unchanged, not even bump status_updated_at")
}

func TestApplyTransitionFromTerminalAlwaysConflicts(t *testing.T) {
	for _, terminal := range []State{StateCompleted, StateFailed, StateExpired} {
		job := jobInState(terminal)
		_, err := ApplyTransition(job, TransitionRequest{NewState: StateRunning, Now: time.Now()})
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.Conflict), "terminal state %s must reject every transition as Conflict", terminal)
	}
}

func TestApplyTransitionRejectsDisallowedTransition(t *testing.T) {
	job := jobInState(StateWaiting)
	_, err := ApplyTransition(job, TransitionRequest{NewState: StateCreated, Now: time.Now()})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Conflict))
}

func TestApplyTransitionToRunningSetsStartedAtOnce(t *testing.T) {
	job := jobInState(StateCreated)
	now := time.Now()

	running, err := ApplyTransition(job, TransitionRequest{NewState: StateRunning, Now: now})
	require.NoError(t, err)
	startedAt := docmodel.GetString(running, "spec.status.started_at")
	assert.NotEmpty(t, startedAt)

	waiting, err := ApplyTransition(running, TransitionRequest{NewState: StateWaiting, Now: now.Add(time.Minute)})
	require.NoError(t, err)
	rerun, err := ApplyTransition(waiting, TransitionRequest{NewState: StateRunning, Now: now.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, startedAt, docmodel.GetString(rerun, "spec.status.started_at"), "started_at is set once, never overwritten on re-entry to running")
}

func TestApplyTransitionToCompletedRequiresFinalEvaluationRef(t *testing.T) {
	job := jobInState(StateRunning)
	_, err := ApplyTransition(job, TransitionRequest{NewState: StateCompleted, Now: time.Now()})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ContractViolation))

	out, err := ApplyTransition(job, TransitionRequest{NewState: StateCompleted, Now: time.Now(), FinalEvaluationRef: "evaluations/eval-1"})
	require.NoError(t, err)
	assert.Equal(t, "evaluations/eval-1", docmodel.GetString(out, "spec.status.final_evaluation_ref"))
	assert.NotEmpty(t, docmodel.GetString(out, "spec.status.terminal_at"))
}

func TestApplyTransitionToFailedRequiresFailureMode(t *testing.T) {
	job := jobInState(StateRunning)
	_, err := ApplyTransition(job, TransitionRequest{NewState: StateFailed, Now: time.Now(), FinalEvaluationRef: "evaluations/eval-1"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ContractViolation))

	out, err := ApplyTransition(job, TransitionRequest{
		NewState:           StateFailed,
		Now:                time.Now(),
		FinalEvaluationRef: "evaluations/eval-1",
		FailureMode:        "budget_exceeded",
	})
	require.NoError(t, err)
	assert.Equal(t, "budget_exceeded", docmodel.GetString(out, "spec.status.failure_mode"))
}

func TestApplyTransitionToExpiredRequiresReasonAndBypassesTable(t *testing.T) {
	job := jobInState(StateCreated)
	_, err := ApplyTransition(job, TransitionRequest{NewState: StateExpired, Now: time.Now()})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ContractViolation))

	out, err := ApplyTransition(job, TransitionRequest{NewState: StateExpired, Now: time.Now(), ExpiryReason: "expires_in_exceeded"})
	require.NoError(t, err)
	assert.Equal(t, "expired", docmodel.GetString(out, "spec.status.state"))
	assert.Equal(t, "expires_in_exceeded", docmodel.GetString(out, "spec.status.expiry_reason"))
}

func TestApplyTransitionLeavesOtherSubtreesByteIdentical(t *testing.T) {
	job := docmodel.Doc{
		"metadata": docmodel.Doc{"job_id": "job-1", "org_id": "acme"},
		"spec": docmodel.Doc{
			"status":     docmodel.Doc{"state": "created"},
			"agent_role": "builder",
		},
	}
	out, err := ApplyTransition(job, TransitionRequest{NewState: StateRunning, Now: time.Now()})
	require.NoError(t, err)

	assert.Equal(t, docmodel.GetString(job, "metadata.org_id"), docmodel.GetString(out, "metadata.org_id"))
	assert.Equal(t, docmodel.GetString(job, "spec.agent_role"), docmodel.GetString(out, "spec.agent_role"))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(StateCompleted))
	assert.True(t, IsTerminal(StateFailed))
	assert.True(t, IsTerminal(StateExpired))
	assert.False(t, IsTerminal(StateCreated))
	assert.False(t, IsTerminal(StateRunning))
	assert.False(t, IsTerminal(StateWaiting))
}

// TestApplyTransitionOnlyTouchesStatusSubtree is a structural diff over
// the whole document (metadata, spec fields outside status) rather than
// asserting on individual fields one at a time: ApplyTransition must
// never reach outside spec.status, no matter what else the document
// carries.
func TestApplyTransitionOnlyTouchesStatusSubtree(t *testing.T) {
	job := docmodel.Doc{
		"kind": "JobContract",
		"metadata": docmodel.Doc{
			"job_id": "job-1",
			"org_id": "acme",
		},
		"spec": docmodel.Doc{
			"status":              docmodel.Doc{"state": "created"},
			"required_artifacts":  []any{docmodel.Doc{"artifact_type": "report"}},
			"execution_limits":    docmodel.Doc{"max_iterations": float64(10)},
			"permissions_snapshot": docmodel.Doc{"skills": docmodel.Doc{"allowed_skill_ids": []any{"read_files"}}},
		},
	}
	before := docmodel.DeepCopy(job)

	out, err := ApplyTransition(job, TransitionRequest{NewState: StateRunning, Now: time.Now()})
	require.NoError(t, err)

	beforeSansStatus := docmodel.DeepCopy(before)
	delete(beforeSansStatus["spec"].(docmodel.Doc), "status")
	afterSansStatus := docmodel.DeepCopy(out)
	delete(afterSansStatus["spec"].(docmodel.Doc), "status")

	if diff := cmp.Diff(beforeSansStatus, afterSansStatus); diff != "" {
		t.Errorf("ApplyTransition changed fields outside spec.status (-before +after):\n%s", diff)
	}
	assert.Equal(t, "running", docmodel.GetString(out, "spec.status.state"))
}
