package lifecycle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/buildmode/internal/registry"
	"github.com/ternarybob/buildmode/internal/schema"
)

const testOrgManifestYAML = `
kind: OrganizationManifest
metadata:
  org_id: acme
spec:
  artifact_policy:
    allowed_types: [{type_id: report}]
    denied_types: [{type_id: secret}]
  skill_policy:
    default_rule: deny
    allow: {skill_ids: [read_files], skill_categories: []}
    deny: {skill_ids: [], skill_categories: []}
  external_access:
    mcp:
      allowed: [{mcp_id: fs, ref: mcp://fs, allowed_scopes: [read]}]
    direct_network: {policy: deny_all}
  execution_limits:
    concurrency: {max_active_jobs: 3}
    rate_limits: {max_job_starts_per_minute: 5}
    cost_caps: {currency: USD, max_cost_per_job: 50}
    timeouts: {max_job_runtime_seconds: 3600}
  agent_roles:
    - role_id: builder
      ref: agents/builder.yaml
`

const testAgentDefinitionYAML = `
kind: AgentDefinition
metadata:
  agent_id: agent-builder-1
  role: builder
spec:
  authority: {level: standard}
  org_inclusion: {mode: any}
`

// testValidator loads the real canonical schemas from the repository's
// schemas/ directory, exercising the same Validator production code
// constructs.
func testValidator(t *testing.T) *schema.Validator {
	t.Helper()
	dir, err := filepath.Abs(filepath.Join("..", "..", "schemas"))
	require.NoError(t, err)
	v, err := schema.LoadFromDir(dir, arbor.NewLogger())
	require.NoError(t, err)
	return v
}

// testRegistry loads a minimal one-org, one-agent registry snapshot
// from temp-dir fixtures.
func testRegistry(t *testing.T, validator *schema.Validator) *registry.Registry {
	t.Helper()
	root := t.TempDir()
	orgsDir := filepath.Join(root, "orgs")
	agentsDir := filepath.Join(root, "agents")
	require.NoError(t, os.MkdirAll(orgsDir, 0o755))
	require.NoError(t, os.MkdirAll(agentsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(orgsDir, "acme.yaml"), []byte(testOrgManifestYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(agentsDir, "builder.yaml"), []byte(testAgentDefinitionYAML), 0o644))

	reg, err := registry.Load(registry.Dirs{OrgsDir: orgsDir, AgentDefinitionsDir: agentsDir}, validator, arbor.NewLogger())
	require.NoError(t, err)
	return reg
}
