// Package lifecycle implements the Job State Machine (C4) and the
// orchestration (submit/run/stop/evaluate) that sequences C1 -> C3 ->
// C4 -> C5 for the control plane's entry points. apply_transition is a
// pure function: given a job document and a transition request, it
// returns a deep copy with spec.status updated and every other
// subtree byte-identical to the input.
package lifecycle

import (
	"time"

	"github.com/ternarybob/buildmode/internal/docmodel"
	"github.com/ternarybob/buildmode/internal/errs"
)

// State is one of the six lifecycle states a job passes through.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateWaiting   State = "waiting"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
)

var terminalStates = map[State]bool{
	StateCompleted: true,
	StateFailed:    true,
	StateExpired:   true,
}

// IsTerminal reports whether state is absorbing.
func IsTerminal(state State) bool {
	return terminalStates[state]
}

// allowed is the transition table from §4.4, excluding same-state
// no-ops and expiry (which is reachable from any non-terminal state
// and is handled separately below).
var allowed = map[State]map[State]bool{
	StateCreated: {StateRunning: true, StateWaiting: true, StateCompleted: true, StateFailed: true},
	StateRunning: {StateWaiting: true, StateCompleted: true, StateFailed: true},
	StateWaiting: {StateRunning: true, StateCompleted: true, StateFailed: true},
}

// TransitionRequest describes a requested move of spec.status to a new
// state, along with the fields §4.4 requires for specific target
// states.
type TransitionRequest struct {
	NewState          State
	Now               time.Time
	FinalEvaluationRef string
	FailureMode        string
	FailureDetails     string
	ExpiryReason       string
	LastStopCondition  string
}

// ApplyTransition returns a new JobContract document with spec.status
// updated per req. The input job is never mutated. Same-state requests
// are a no-op that returns the input unchanged (not even status_updated_at
// advances — per §4.4 "return the input unchanged").
func ApplyTransition(job docmodel.Doc, req TransitionRequest) (docmodel.Doc, error) {
	currentState := State(docmodel.GetString(job, "spec.status.state"))
	newState := req.NewState

	if newState == currentState {
		return job, nil
	}

	if IsTerminal(currentState) {
		return nil, errs.NewConflict("job is terminal; cannot transition from "+string(currentState)+" to "+string(newState), nil)
	}

	if newState != StateExpired {
		if !allowed[currentState][newState] {
			return nil, errs.NewConflict("invalid job state transition: "+string(currentState)+" -> "+string(newState), nil)
		}
	}

	updated := docmodel.DeepCopy(job)
	status, ok := docmodel.GetDoc(updated, "spec.status")
	if !ok {
		return nil, errs.NewContractViolation("invalid JobContract.spec.status shape", "INVALID_JOB_STATUS", nil)
	}

	status["state"] = string(newState)
	status["status_updated_at"] = docmodel.FormatRFC3339(req.Now)

	if newState == StateRunning {
		if _, exists := status["started_at"]; !exists {
			status["started_at"] = docmodel.FormatRFC3339(req.Now)
		}
	}

	if newState == StateCompleted || newState == StateFailed {
		if req.FinalEvaluationRef == "" {
			return nil, errs.NewContractViolation("final_evaluation_ref is required for completed/failed jobs", "MISSING_FINAL_EVALUATION_REF", nil)
		}
		status["final_evaluation_ref"] = req.FinalEvaluationRef
		status["terminal_at"] = docmodel.FormatRFC3339(req.Now)
	}

	if newState == StateFailed {
		if req.FailureMode == "" {
			return nil, errs.NewContractViolation("failure_mode is required for failed jobs", "MISSING_FAILURE_MODE", nil)
		}
		status["failure_mode"] = req.FailureMode
		if req.FailureDetails != "" {
			status["failure_details"] = req.FailureDetails
		}
	}

	if newState == StateExpired {
		if req.ExpiryReason == "" {
			return nil, errs.NewContractViolation("expiry_reason is required for expired jobs", "MISSING_EXPIRY_REASON", nil)
		}
		status["expiry_reason"] = req.ExpiryReason
		status["terminal_at"] = docmodel.FormatRFC3339(req.Now)
	}

	if req.LastStopCondition != "" {
		status["last_stop_condition"] = req.LastStopCondition
	}

	docmodel.Set(updated, "spec.status", status)
	return updated, nil
}
