// Package registry is the startup-time, read-only snapshot of
// organizations, agent definitions, and (optionally) skill contracts
// (C2). It is loaded once from a repository tree and never mutated
// thereafter; any load or resolution failure aborts startup — the
// core fails closed.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/buildmode/internal/docmodel"
	"github.com/ternarybob/buildmode/internal/schema"
)

// OrgRecord is a loaded OrganizationManifest.
type OrgRecord struct {
	OrgID    string
	Path     string
	Document docmodel.Doc
}

// AgentRecord is a loaded AgentDefinition.
type AgentRecord struct {
	AgentID  string
	Role     string
	Path     string
	Document docmodel.Doc
}

// SkillRecord is a loaded SkillContract, keyed by (skill_id, version).
type SkillRecord struct {
	SkillID  string
	Version  string
	Path     string
	Document docmodel.Doc
}

type skillKey struct{ id, version string }

// Registry is the immutable in-memory snapshot. Safe for concurrent
// readers once constructed; nothing after Load mutates it.
type Registry struct {
	repoRoot     string
	orgs         map[string]OrgRecord
	agents       map[string]AgentRecord
	agentsByPath map[string]AgentRecord
	skills       map[skillKey]SkillRecord
}

// Dirs names the three repository subdirectories scanned at load time.
type Dirs struct {
	OrgsDir              string
	AgentDefinitionsDir  string
	SkillContractsDir    string
}

// Load performs the ordered load protocol from §4.2: agent definitions
// first, then org manifests, then role-reference resolution, then
// optional skill contracts. Any failure returns a non-nil error and
// the registry must not be used.
func Load(dirs Dirs, validator *schema.Validator, logger arbor.ILogger) (*Registry, error) {
	repoRoot, err := filepath.Abs(filepath.Dir(dirs.OrgsDir))
	if err != nil {
		return nil, fmt.Errorf("registry: cannot resolve repo root from orgs_dir %s: %w", dirs.OrgsDir, err)
	}

	agents := map[string]AgentRecord{}
	agentsByPath := map[string]AgentRecord{}

	files, err := iterYAMLFiles(dirs.AgentDefinitionsDir)
	if err != nil {
		return nil, err
	}
	for _, p := range files {
		doc, kind, err := loadYAMLDocument(p)
		if err != nil {
			return nil, err
		}
		if kind != string(schema.KindAgentDefinition) {
			continue
		}
		if err := validator.Validate(schema.KindAgentDefinition, doc); err != nil {
			return nil, fmt.Errorf("registry: %s failed validation: %w", p, err)
		}
		agentID := docmodel.GetString(doc, "metadata.agent_id")
		role := docmodel.GetString(doc, "metadata.role")
		abs, _ := filepath.Abs(p)
		if existing, ok := agents[agentID]; ok {
			return nil, fmt.Errorf("registry: duplicate AgentDefinition agent_id: %s (%s and %s)", agentID, existing.Path, p)
		}
		rec := AgentRecord{AgentID: agentID, Role: role, Path: abs, Document: doc}
		agents[agentID] = rec
		agentsByPath[abs] = rec
	}

	orgs := map[string]OrgRecord{}
	orgFiles, err := iterYAMLFiles(dirs.OrgsDir)
	if err != nil {
		return nil, err
	}
	for _, p := range orgFiles {
		doc, kind, err := loadYAMLDocument(p)
		if err != nil {
			return nil, err
		}
		if kind != string(schema.KindOrganizationManifest) {
			continue
		}
		if err := validator.Validate(schema.KindOrganizationManifest, doc); err != nil {
			return nil, fmt.Errorf("registry: %s failed validation: %w", p, err)
		}
		orgID := docmodel.GetString(doc, "metadata.org_id")
		abs, _ := filepath.Abs(p)
		if existing, ok := orgs[orgID]; ok {
			return nil, fmt.Errorf("registry: duplicate OrganizationManifest org_id: %s (%s and %s)", orgID, existing.Path, p)
		}
		orgs[orgID] = OrgRecord{OrgID: orgID, Path: abs, Document: doc}
	}

	for orgID, org := range orgs {
		roles, ok := docmodel.GetSlice(org.Document, "spec.agent_roles")
		if !ok {
			return nil, fmt.Errorf("registry: invalid OrganizationManifest agent_roles (expected list): %s", org.Path)
		}
		for _, raw := range roles {
			roleRef, ok := raw.(docmodel.Doc)
			if !ok {
				return nil, fmt.Errorf("registry: invalid agent role ref in %s (expected object)", org.Path)
			}
			roleID, _ := roleRef["role_id"].(string)
			ref, _ := roleRef["ref"].(string)
			if ref == "" {
				return nil, fmt.Errorf("registry: invalid agent role ref.ref in %s (expected non-empty string)", org.Path)
			}

			agentPath, err := resolveRepoRef(repoRoot, ref)
			if err != nil {
				return nil, err
			}
			if _, err := os.Stat(agentPath); err != nil {
				return nil, fmt.Errorf("registry: OrganizationManifest %s references missing AgentDefinition: %s (resolved: %s)", orgID, ref, agentPath)
			}

			agentRec, ok := agentsByPath[agentPath]
			if !ok {
				loadedDoc, loadedKind, err := loadYAMLDocument(agentPath)
				if err != nil {
					return nil, err
				}
				if loadedKind != string(schema.KindAgentDefinition) {
					return nil, fmt.Errorf("registry: referenced agent role ref is not an AgentDefinition: %s (kind=%s)", ref, loadedKind)
				}
				if err := validator.Validate(schema.KindAgentDefinition, loadedDoc); err != nil {
					return nil, fmt.Errorf("registry: %s failed validation: %w", agentPath, err)
				}
				agentID := docmodel.GetString(loadedDoc, "metadata.agent_id")
				role := docmodel.GetString(loadedDoc, "metadata.role")
				if existing, ok := agents[agentID]; ok {
					return nil, fmt.Errorf("registry: AgentDefinition agent_id collision when loading by ref: %s (%s and %s)", agentID, existing.Path, agentPath)
				}
				agentRec = AgentRecord{AgentID: agentID, Role: role, Path: agentPath, Document: loadedDoc}
				agents[agentID] = agentRec
				agentsByPath[agentPath] = agentRec
			}

			if roleID != "" && agentRec.Role != roleID {
				return nil, fmt.Errorf("registry: OrganizationManifest %s role_id '%s' does not match referenced AgentDefinition.metadata.role '%s' (%s)", orgID, roleID, agentRec.Role, agentRec.Path)
			}

			inclusion, _ := docmodel.GetDoc(agentRec.Document, "spec.org_inclusion")
			if mode, _ := inclusion["mode"].(string); mode == "allowlist" {
				allowed := docmodel.GetStringSlice(agentRec.Document, "spec.org_inclusion.allow_org_ids")
				if !contains(allowed, orgID) {
					return nil, fmt.Errorf("registry: AgentDefinition %s is not allowed to be included by org_id %s (not in allow_org_ids)", agentRec.AgentID, orgID)
				}
			}
		}
	}

	skills := map[skillKey]SkillRecord{}
	if dirs.SkillContractsDir != "" {
		if _, err := os.Stat(dirs.SkillContractsDir); err == nil {
			skillFiles, err := iterYAMLFiles(dirs.SkillContractsDir)
			if err != nil {
				return nil, err
			}
			for _, p := range skillFiles {
				doc, kind, err := loadYAMLDocument(p)
				if err != nil {
					return nil, err
				}
				if kind != string(schema.KindSkillContract) {
					continue
				}
				if err := validator.Validate(schema.KindSkillContract, doc); err != nil {
					return nil, fmt.Errorf("registry: %s failed validation: %w", p, err)
				}
				skillID := docmodel.GetString(doc, "metadata.skill_id")
				version := docmodel.GetString(doc, "metadata.version")
				key := skillKey{skillID, version}
				abs, _ := filepath.Abs(p)
				if existing, ok := skills[key]; ok {
					return nil, fmt.Errorf("registry: duplicate SkillContract %s@%s (%s and %s)", skillID, version, existing.Path, p)
				}
				skills[key] = SkillRecord{SkillID: skillID, Version: version, Path: abs, Document: doc}
			}
		}
	}

	logger.Info().
		Int("orgs", len(orgs)).
		Int("agents", len(agents)).
		Int("skills", len(skills)).
		Str("repo_root", repoRoot).
		Msg("Registry snapshot loaded")

	return &Registry{
		repoRoot:     repoRoot,
		orgs:         orgs,
		agents:       agents,
		agentsByPath: agentsByPath,
		skills:       skills,
	}, nil
}

// GetOrg returns the org record, or a not-found-shaped error.
func (r *Registry) GetOrg(orgID string) (OrgRecord, error) {
	org, ok := r.orgs[orgID]
	if !ok {
		return OrgRecord{}, fmt.Errorf("registry: unknown org_id (not in registry): %s", orgID)
	}
	return org, nil
}

// HasOrg reports whether orgID is present in the registry.
func (r *Registry) HasOrg(orgID string) bool {
	_, ok := r.orgs[orgID]
	return ok
}

// GetAgent returns the agent record, or a not-found-shaped error.
func (r *Registry) GetAgent(agentID string) (AgentRecord, error) {
	agent, ok := r.agents[agentID]
	if !ok {
		return AgentRecord{}, fmt.Errorf("registry: unknown agent_id (not in registry): %s", agentID)
	}
	return agent, nil
}

// ResolveAgentRef resolves an OrganizationManifest agent role ref to
// an AgentRecord already present in the snapshot.
func (r *Registry) ResolveAgentRef(ref string) (AgentRecord, error) {
	agentPath, err := resolveRepoRef(r.repoRoot, ref)
	if err != nil {
		return AgentRecord{}, err
	}
	rec, ok := r.agentsByPath[agentPath]
	if !ok {
		return AgentRecord{}, fmt.Errorf("registry: unknown AgentDefinition ref (not loaded): %s (resolved: %s)", ref, agentPath)
	}
	return rec, nil
}

// IncludedAgentIDsForOrg returns the set of AgentDefinition agent_id
// values reachable through org's agent_roles.
func (r *Registry) IncludedAgentIDsForOrg(orgID string) (map[string]bool, error) {
	org, err := r.GetOrg(orgID)
	if err != nil {
		return nil, err
	}
	ids := map[string]bool{}
	roles, _ := docmodel.GetSlice(org.Document, "spec.agent_roles")
	for _, raw := range roles {
		roleRef, ok := raw.(docmodel.Doc)
		if !ok {
			continue
		}
		ref, _ := roleRef["ref"].(string)
		if ref == "" {
			continue
		}
		agent, err := r.ResolveAgentRef(ref)
		if err != nil {
			return nil, err
		}
		ids[agent.AgentID] = true
	}
	return ids, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// resolveRepoRef resolves a repo-root-relative ref to an absolute
// path, rejecting external URIs, file: URIs, absolute paths, and any
// resolution that escapes repoRoot.
func resolveRepoRef(repoRoot, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("registry: invalid ref (must be non-empty string)")
	}
	if docmodel.IsExternalURIReference(ref) {
		return "", fmt.Errorf("registry: external URI refs are not allowed in registry: %s", ref)
	}
	if strings.HasPrefix(strings.ToLower(ref), "file:") {
		return "", fmt.Errorf("registry: file: URI refs are not allowed in registry (use repo-relative paths): %s", ref)
	}
	if filepath.IsAbs(ref) {
		return "", fmt.Errorf("registry: absolute refs are not allowed in registry: %s", ref)
	}
	resolved := filepath.Clean(filepath.Join(repoRoot, ref))
	rel, err := filepath.Rel(repoRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("registry: ref escapes repo root: %s", ref)
	}
	return resolved, nil
}

func iterYAMLFiles(root string) ([]string, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, nil
	}
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("registry: failed to scan %s: %w", root, err)
	}
	return out, nil
}

func loadYAMLDocument(path string) (docmodel.Doc, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("registry: failed to read %s: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, "", fmt.Errorf("registry: failed to parse YAML: %s: %w", path, err)
	}
	if raw == nil {
		return nil, "", fmt.Errorf("registry: invalid YAML root object in %s (expected object)", path)
	}
	doc := docmodel.DeepCopy(raw)
	kind, _ := doc["kind"].(string)
	return doc, kind, nil
}
