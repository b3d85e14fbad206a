// Package schema is the canonical document validator (C1). It loads a
// fixed kind->schema mapping at startup, each schema a JSON Schema
// Draft 2020-12 document authored as YAML, and validates inbound
// documents against them, returning the complete set of violations
// rather than stopping at the first.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/buildmode/internal/docmodel"
	"github.com/ternarybob/buildmode/internal/errs"
)

// Kind is one of the seven canonical document kinds the core
// understands. Unlike the registry's runtime documents, Kind values
// are fixed at compile time — a schema of an unknown kind is a fatal
// configuration error, not a validation error.
type Kind string

const (
	KindOrganizationManifest Kind = "OrganizationManifest"
	KindAgentDefinition      Kind = "AgentDefinition"
	KindSkillContract        Kind = "SkillContract"
	KindMemoryEntry          Kind = "MemoryEntry"
	KindJobContract          Kind = "JobContract"
	KindArtifact             Kind = "Artifact"
	KindEvaluation           Kind = "Evaluation"
)

// kindToFilename mirrors the source's _KIND_TO_SCHEMA_FILENAME map.
var kindToFilename = map[Kind]string{
	KindOrganizationManifest: "organization_manifest.schema.yaml",
	KindAgentDefinition:      "agent_definition.schema.yaml",
	KindSkillContract:        "skill_contract.schema.yaml",
	KindMemoryEntry:          "memory_entry.schema.yaml",
	KindJobContract:          "job_contract.schema.yaml",
	KindArtifact:             "artifact.schema.yaml",
	KindEvaluation:           "evaluation.schema.yaml",
}

// Validator loads canonical schemas once and validates documents by
// kind. Safe for concurrent read-only use once constructed.
type Validator struct {
	compiled map[Kind]*jsonschema.Schema
	paths    map[Kind]string
	logger   arbor.ILogger
}

// LoadFromDir compiles every canonical schema found under schemasDir.
// Any missing file, parse failure, or schema build failure aborts
// construction: the core fails closed at startup.
func LoadFromDir(schemasDir string, logger arbor.ILogger) (*Validator, error) {
	info, err := os.Stat(schemasDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("schema: schemas directory not found: %s", schemasDir)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	// Remote $ref resolution is forbidden at runtime: any reference the
	// compiler cannot resolve from an already-registered resource (the
	// embedded Draft 2020-12 meta-schema, or a sibling canonical schema
	// added below) fails the compile rather than reaching the network.
	compiler.UseLoader(noNetworkLoader{})

	v := &Validator{
		compiled: make(map[Kind]*jsonschema.Schema, len(kindToFilename)),
		paths:    make(map[Kind]string, len(kindToFilename)),
		logger:   logger,
	}

	// Register every schema resource first so cross-kind $refs between
	// canonical schemas (if any) resolve without filesystem lookups.
	raw := make(map[Kind]map[string]any, len(kindToFilename))
	for kind, filename := range kindToFilename {
		path := filepath.Join(schemasDir, filename)
		doc, err := loadYAMLSchema(path)
		if err != nil {
			return nil, fmt.Errorf("schema: %w", err)
		}
		raw[kind] = doc
		v.paths[kind] = path

		id := schemaResourceID(kind)
		jsonBytes, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("schema: failed to encode %s: %w", kind, err)
		}
		if err := compiler.AddResource(id, bytes.NewReader(jsonBytes)); err != nil {
			return nil, fmt.Errorf("schema: failed to register %s (%s): %w", kind, path, err)
		}
	}

	for kind := range kindToFilename {
		sch, err := compiler.Compile(schemaResourceID(kind))
		if err != nil {
			return nil, fmt.Errorf("schema: failed to build schema validator for %s (%s): %w", kind, v.paths[kind], err)
		}
		v.compiled[kind] = sch
	}

	logger.Info().Int("kinds", len(v.compiled)).Str("dir", schemasDir).Msg("Compiled canonical document schemas")
	return v, nil
}

func schemaResourceID(kind Kind) string {
	return "buildmode://schemas/" + string(kind) + ".json"
}

// noNetworkLoader rejects every URL load, forcing schema authors to
// express cross-references via resources registered ahead of time.
// This is the Go-side equivalent of the source's fail-closed-if-the-
// referencing package can't pre-register the meta-schema behavior:
// here the draft meta-schema ships embedded in the jsonschema package
// itself, so no load is ever required for it, and nothing else is
// permitted to reach out over the network.
type noNetworkLoader struct{}

func (noNetworkLoader) Load(url string) (any, error) {
	return nil, fmt.Errorf("schema: remote $ref resolution is forbidden at runtime: %s", url)
}

func loadYAMLSchema(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("missing required schema file: %s", path)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %s: %w", path, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("expected YAML object at root: %s", path)
	}
	normalizePatterns(doc)
	return doc, nil
}

// normalizePatterns collapses doubled backslashes exactly once,
// recursively, on fields literally named "pattern" — compensation for
// YAML quoting of JSON-style regex escapes in the canonical schemas.
func normalizePatterns(node any) {
	switch t := node.(type) {
	case map[string]any:
		for k, v := range t {
			if k == "pattern" {
				if s, ok := v.(string); ok {
					t[k] = unescapeOnce(s)
					continue
				}
			}
			normalizePatterns(v)
		}
	case []any:
		for _, item := range t {
			normalizePatterns(item)
		}
	}
}

func unescapeOnce(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && s[i+1] == '\\' {
			out = append(out, '\\')
			i++
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

// Validate checks document against the canonical schema for kind,
// returning the complete, stably sorted set of violations as an
// *errs.Error of Kind SchemaValidation. A kind with no compiled schema
// is not a validation failure: it returns an *errs.Error of Kind
// Internal, as does any unexpected validator state.
func (v *Validator) Validate(kind Kind, document docmodel.Doc) error {
	sch, ok := v.compiled[kind]
	if !ok {
		return errs.NewInternal(fmt.Errorf("schema: unknown schema kind: %s", kind))
	}

	// jsonschema validates against the generic Go value produced by
	// encoding/json unmarshaling; our Doc is already in that shape.
	err := sch.Validate(map[string]any(document))
	if err == nil {
		return nil
	}

	valErr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return errs.NewInternal(fmt.Errorf("schema: unexpected validation error for %s: %w", kind, err))
	}

	violations := collectViolations(valErr)
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Path != violations[j].Path {
			return violations[i].Path < violations[j].Path
		}
		return violations[i].Message < violations[j].Message
	})
	return errs.NewSchemaValidation(string(kind), violations)
}

// collectViolations flattens the jsonschema library's tree of causes
// into a flat list, mirroring the source's validator.iter_errors(doc)
// which yields every leaf failure rather than just the first.
func collectViolations(err *jsonschema.ValidationError) []errs.Violation {
	var out []errs.Violation
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, errs.Violation{
				Path:    jsonPointer(e.InstanceLocation),
				Message: e.Message,
			})
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(err)
	return out
}

// jsonPointer renders the library's instance-location segments as an
// RFC 6901 pointer, escaping "~" and "/" in each segment per the spec.
func jsonPointer(segments []string) string {
	if len(segments) == 0 {
		return "/"
	}
	var b bytes.Buffer
	for _, seg := range segments {
		b.WriteByte('/')
		b.WriteString(escapePointerToken(seg))
	}
	return b.String()
}

func escapePointerToken(token string) string {
	out := make([]byte, 0, len(token))
	for i := 0; i < len(token); i++ {
		switch token[i] {
		case '~':
			out = append(out, '~', '0')
		case '/':
			out = append(out, '~', '1')
		default:
			out = append(out, token[i])
		}
	}
	return string(out)
}

// SchemaPathForKind returns the filesystem path a kind's schema was
// loaded from, used by cmd/buildmodectl to report which file failed.
func (v *Validator) SchemaPathForKind(kind Kind) (string, bool) {
	p, ok := v.paths[kind]
	return p, ok
}
