// Package policy holds the pure predicate functions of the Policy
// Evaluator (C3). Every function takes a candidate document plus the
// registry/limits/counters it needs and either returns nil or an
// *errs.Error of Kind PolicyViolation. Nothing here mutates its
// inputs or talks to storage directly — callers (internal/lifecycle)
// own sequencing and persistence.
package policy

import (
	"fmt"
	"time"

	"github.com/ternarybob/buildmode/internal/docmodel"
	"github.com/ternarybob/buildmode/internal/errs"
)

// Limits is the global hard-limits configuration (§6 "Limits"
// document): the six upper bounds plus the unknown-org policy switch.
type Limits struct {
	MaxExpiresInSecondsUpperBound int64
	MaxIterationsUpperBound       int64
	MaxRuntimeSecondsUpperBound   int64
	MaxCostUpperBoundCurrency     string
	MaxCostUpperBound             float64
	RequireKnownOrg               bool
}

func violation(format string, args ...any) error {
	return errs.NewPolicyViolation(fmt.Sprintf(format, args...), nil)
}

// EnforceJobContractSubmissionShape checks §4.3.1: extra submission
// rules beyond schema validity.
func EnforceJobContractSubmissionShape(job docmodel.Doc) error {
	status, ok := docmodel.GetDoc(job, "spec.status")
	if !ok {
		return violation("JobContract.spec.status must be an object")
	}
	if state, _ := status["state"].(string); state != "created" {
		return violation("JobContract.status.state must be 'created' at submission time")
	}
	for _, forbidden := range []string{"started_at", "terminal_at", "final_evaluation_ref", "failure_mode", "expiry_reason"} {
		if _, present := status[forbidden]; present {
			return violation("JobContract.spec.status must not include '%s' when state=created", forbidden)
		}
	}
	return nil
}

// EnforceJobContractLimits checks §4.3.2: global hard limits and
// timestamp sanity, evaluated against now.
func EnforceJobContractLimits(job docmodel.Doc, limits Limits, now time.Time) error {
	createdAt, err := docmodel.ParseRFC3339(docmodel.GetString(job, "spec.timestamps.created_at"))
	if err != nil {
		return violation("JobContract.spec.timestamps.created_at: %v", err)
	}
	expiresAt, err := docmodel.ParseRFC3339(docmodel.GetString(job, "spec.timestamps.expires_at"))
	if err != nil {
		return violation("JobContract.spec.timestamps.expires_at: %v", err)
	}

	if !expiresAt.After(createdAt) {
		return violation("JobContract.spec.timestamps.expires_at must be after created_at")
	}
	if !expiresAt.After(now) {
		return violation("JobContract is already expired (expires_at is in the past)")
	}

	maxExpires := time.Duration(limits.MaxExpiresInSecondsUpperBound) * time.Second
	if expiresAt.Sub(createdAt) > maxExpires {
		return violation("JobContract expires_at exceeds global upper bound (%ds)", limits.MaxExpiresInSecondsUpperBound)
	}

	maxIterations, _ := docmodel.GetFloat(job, "spec.execution_limits.max_iterations")
	maxRuntime, _ := docmodel.GetFloat(job, "spec.execution_limits.max_runtime_seconds")
	currency := docmodel.GetString(job, "spec.execution_limits.cost_cap.currency")
	maxCost, _ := docmodel.GetFloat(job, "spec.execution_limits.cost_cap.max_cost")

	if int64(maxIterations) > limits.MaxIterationsUpperBound {
		return violation("JobContract.max_iterations exceeds global upper bound (%d)", limits.MaxIterationsUpperBound)
	}
	if int64(maxRuntime) > limits.MaxRuntimeSecondsUpperBound {
		return violation("JobContract.max_runtime_seconds exceeds global upper bound (%d)", limits.MaxRuntimeSecondsUpperBound)
	}
	if currency != limits.MaxCostUpperBoundCurrency {
		return violation("JobContract.cost_cap.currency must be %s (got %s)", limits.MaxCostUpperBoundCurrency, currency)
	}
	if maxCost > limits.MaxCostUpperBound {
		return violation("JobContract.cost_cap.max_cost exceeds global upper bound (%v)", limits.MaxCostUpperBound)
	}
	return nil
}

// EnforceJobWithinOrgPolicy checks §4.3.3 in full: required artifacts,
// the permissions snapshot (skills, MCP, direct network), and
// execution limits vs. the org's caps.
func EnforceJobWithinOrgPolicy(job, org docmodel.Doc) error {
	if err := enforceRequiredArtifactsAllowed(job, org); err != nil {
		return err
	}
	if err := enforcePermissionsSnapshot(job, org); err != nil {
		return err
	}
	return enforceExecutionLimitsVsOrg(job, org)
}

func stringSet(values []string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[v] = true
	}
	return m
}

func enforceRequiredArtifactsAllowed(job, org docmodel.Doc) error {
	required, _ := docmodel.GetSlice(job, "spec.required_artifacts")
	allowedRaw, _ := docmodel.GetSlice(org, "spec.artifact_policy.allowed_types")
	deniedRaw, _ := docmodel.GetSlice(org, "spec.artifact_policy.denied_types")

	allowed := typeIDSet(allowedRaw)
	denied := typeIDSet(deniedRaw)

	for _, raw := range required {
		ra, ok := raw.(docmodel.Doc)
		if !ok {
			continue
		}
		aType, _ := ra["artifact_type"].(string)
		if denied[aType] {
			return violation("artifact type is explicitly denied by org policy: %s", aType)
		}
		if !allowed[aType] {
			return violation("artifact type is not allowed by org policy: %s", aType)
		}
	}
	return nil
}

func typeIDSet(items []any) map[string]bool {
	out := map[string]bool{}
	for _, raw := range items {
		if m, ok := raw.(docmodel.Doc); ok {
			if id, ok := m["type_id"].(string); ok {
				out[id] = true
			}
		}
	}
	return out
}

func enforcePermissionsSnapshot(job, org docmodel.Doc) error {
	orgDefault := docmodel.GetString(org, "spec.skill_policy.default_rule")
	allowSkillIDs := stringSet(docmodel.GetStringSlice(org, "spec.skill_policy.allow.skill_ids"))
	allowSkillCats := stringSet(docmodel.GetStringSlice(org, "spec.skill_policy.allow.skill_categories"))
	denySkillIDs := stringSet(docmodel.GetStringSlice(org, "spec.skill_policy.deny.skill_ids"))
	denySkillCats := stringSet(docmodel.GetStringSlice(org, "spec.skill_policy.deny.skill_categories"))

	jobSkillIDs := docmodel.GetStringSlice(job, "spec.permissions_snapshot.skills.allowed_skill_ids")
	jobSkillCats := docmodel.GetStringSlice(job, "spec.permissions_snapshot.skills.allowed_skill_categories")

	for _, sid := range jobSkillIDs {
		if denySkillIDs[sid] {
			return violation("job permissions_snapshot includes denied skill_id: %s", sid)
		}
		if allowSkillIDs[sid] {
			continue
		}
		if orgDefault == "allow" {
			continue
		}
		return violation("job permissions_snapshot skill_id not allowed by org policy: %s", sid)
	}

	for _, cat := range jobSkillCats {
		if denySkillCats[cat] {
			return violation("job permissions_snapshot includes denied skill_category: %s", cat)
		}
		if allowSkillCats[cat] {
			continue
		}
		if orgDefault == "allow" {
			continue
		}
		return violation("job permissions_snapshot skill_category not allowed by org policy: %s", cat)
	}

	if err := enforceMCPAllowlist(job, org); err != nil {
		return err
	}
	return enforceDirectNetwork(job, org)
}

func enforceMCPAllowlist(job, org docmodel.Doc) error {
	orgMCP, _ := docmodel.GetSlice(org, "spec.external_access.mcp.allowed")
	orgByID := map[string]docmodel.Doc{}
	for _, raw := range orgMCP {
		if m, ok := raw.(docmodel.Doc); ok {
			if id, ok := m["mcp_id"].(string); ok {
				orgByID[id] = m
			}
		}
	}

	jobMCP, _ := docmodel.GetSlice(job, "spec.permissions_snapshot.mcp.allowed")
	for _, raw := range jobMCP {
		item, ok := raw.(docmodel.Doc)
		if !ok {
			continue
		}
		mcpID, _ := item["mcp_id"].(string)
		orgItem, present := orgByID[mcpID]
		if !present {
			return violation("job permissions_snapshot includes MCP not allowed by org: %s", mcpID)
		}
		jobRef, _ := item["ref"].(string)
		orgRef, _ := orgItem["ref"].(string)
		if jobRef != orgRef {
			return violation("job MCP ref does not match org registry for %s", mcpID)
		}

		orgScopes := stringSet(toStringSlice(orgItem["allowed_scopes"]))
		jobScopes := toStringSlice(item["allowed_scopes"])
		if len(orgScopes) > 0 {
			if len(jobScopes) == 0 {
				return violation("job must declare allowed_scopes for MCP %s (org requires scoped access)", mcpID)
			}
			if !isSubset(stringSet(jobScopes), orgScopes) {
				return violation("job allowed_scopes for MCP %s exceed org allowed_scopes", mcpID)
			}
		}
	}
	return nil
}

func enforceDirectNetwork(job, org docmodel.Doc) error {
	orgPolicy := docmodel.GetString(org, "spec.external_access.direct_network.policy")
	jobPolicy := docmodel.GetString(job, "spec.permissions_snapshot.direct_external_network.policy")

	if orgPolicy == "deny_all" && jobPolicy != "deny_all" {
		return violation("org policy denies all direct network; job must set direct_external_network.policy=deny_all")
	}

	if orgPolicy == "allowlist" && jobPolicy == "allowlist" {
		subset := func(label string) error {
			jobList := stringSet(docmodel.GetStringSlice(job, "spec.permissions_snapshot.direct_external_network.allowlist."+label))
			orgList := stringSet(docmodel.GetStringSlice(org, "spec.external_access.direct_network.allowlist."+label))
			if !isSubset(jobList, orgList) {
				return violation("job direct network allowlist '%s' exceeds org allowlist", label)
			}
			denyList := stringSet(docmodel.GetStringSlice(org, "spec.external_access.direct_network.denylist."+label))
			for v := range jobList {
				if denyList[v] {
					return violation("job direct network allowlist '%s' includes org-denied entries", label)
				}
			}
			return nil
		}
		for _, label := range []string{"domains", "urls", "ip_cidrs"} {
			if err := subset(label); err != nil {
				return err
			}
		}
	}
	return nil
}

// EnforceArtifactAdmission checks §4.3.5: the artifact's org must
// match the job's, the job must be non-terminal (callers pass
// jobTerminal, already resolved against the state machine's closed
// taxonomy), the org_id must be registered, the artifact type must be
// allowed, and any declared producing agent must be included in the
// org. Unlike job submission, artifact admission always requires a
// known org_id — require_known_org only gates submission (spec.md
// §4.3, "submissions"), not artifact admission.
func EnforceArtifactAdmission(artifact, job docmodel.Doc, orgKnown bool, org docmodel.Doc, jobTerminal bool, includedAgentIDs map[string]bool) error {
	artifactOrgID := docmodel.GetString(artifact, "metadata.org_id")
	jobOrgID := docmodel.GetString(job, "metadata.org_id")
	if artifactOrgID != jobOrgID {
		return violation("Artifact.metadata.org_id must match JobContract.metadata.org_id")
	}
	if jobTerminal {
		return violation("cannot submit an artifact against a terminal job")
	}
	if !orgKnown {
		return violation("unknown org_id: %s", artifactOrgID)
	}

	allowedRaw, _ := docmodel.GetSlice(org, "spec.artifact_policy.allowed_types")
	allowed := typeIDSet(allowedRaw)
	artifactType := docmodel.GetString(artifact, "metadata.artifact_type")
	if !allowed[artifactType] {
		return violation("artifact type is not allowed by org policy: %s", artifactType)
	}

	producingAgentID := docmodel.GetString(artifact, "spec.produced_by.agent_id")
	if producingAgentID != "" && !includedAgentIDs[producingAgentID] {
		return violation("artifact produced_by.agent_id is not included in the org: %s", producingAgentID)
	}
	return nil
}

func enforceExecutionLimitsVsOrg(job, org docmodel.Doc) error {
	orgCurrency := docmodel.GetString(org, "spec.execution_limits.cost_caps.currency")
	orgMaxCost, _ := docmodel.GetFloat(org, "spec.execution_limits.cost_caps.max_cost_per_job")
	jobCurrency := docmodel.GetString(job, "spec.execution_limits.cost_cap.currency")
	jobMaxCost, _ := docmodel.GetFloat(job, "spec.execution_limits.cost_cap.max_cost")

	if jobCurrency != orgCurrency {
		return violation("job cost_cap currency %s must match org currency %s", jobCurrency, orgCurrency)
	}
	if jobMaxCost > orgMaxCost {
		return violation("job cost_cap.max_cost exceeds org max_cost_per_job")
	}

	orgMaxRuntime, _ := docmodel.GetFloat(org, "spec.execution_limits.timeouts.max_job_runtime_seconds")
	jobMaxRuntime, _ := docmodel.GetFloat(job, "spec.execution_limits.max_runtime_seconds")
	if jobMaxRuntime > orgMaxRuntime {
		return violation("job max_runtime_seconds exceeds org max_job_runtime_seconds")
	}
	return nil
}

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func isSubset(sub, super map[string]bool) bool {
	for v := range sub {
		if !super[v] {
			return false
		}
	}
	return true
}
