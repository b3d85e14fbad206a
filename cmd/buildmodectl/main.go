// Package main implements buildmodectl, the operator-facing
// validation CLI. It exercises the same schema.Validator and
// registry.Load paths the service uses at startup, so an operator can
// check a manifest, agent definition, skill contract, or an entire
// registry tree before wiring it into a running buildmoded.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/buildmode/internal/docmodel"
	"github.com/ternarybob/buildmode/internal/policy"
	"github.com/ternarybob/buildmode/internal/registry"
	"github.com/ternarybob/buildmode/internal/schema"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	printBanner()
	logger := arbor.NewLogger()

	var err error
	switch os.Args[1] {
	case "validate-manifest":
		err = runValidateDoc(logger, os.Args[2:], schema.KindOrganizationManifest)
	case "validate-agent":
		err = runValidateDoc(logger, os.Args[2:], schema.KindAgentDefinition)
	case "validate-skill":
		err = runValidateDoc(logger, os.Args[2:], schema.KindSkillContract)
	case "validate-job":
		err = runValidateDoc(logger, os.Args[2:], schema.KindJobContract)
	case "validate-registry":
		err = runValidateRegistry(logger, os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "buildmodectl: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "buildmodectl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: buildmodectl <command> [flags]

commands:
  validate-manifest  -schemas DIR -file FILE  validate an OrganizationManifest document
  validate-agent     -schemas DIR -file FILE  validate an AgentDefinition document
  validate-skill     -schemas DIR -file FILE  validate a SkillContract document
  validate-job       -schemas DIR -file FILE  validate a JobContract document
  validate-registry  -schemas DIR -orgs DIR -agents DIR -skills DIR [-job FILE]
                      load the full registry and, if -job is given, evaluate
                      that JobContract against its org's policy`)
}

func runValidateDoc(logger arbor.ILogger, args []string, kind schema.Kind) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	schemasDir := fs.String("schemas", "./schemas", "canonical schema directory")
	file := fs.String("file", "", "document to validate")
	fs.Parse(args)

	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	validator, err := schema.LoadFromDir(*schemasDir, logger)
	if err != nil {
		return fmt.Errorf("loading schemas: %w", err)
	}

	doc, _, err := loadYAMLOrJSON(*file)
	if err != nil {
		return fmt.Errorf("loading %s: %w", *file, err)
	}

	if err := validator.Validate(kind, doc); err != nil {
		fmt.Printf("validation=FAIL\nreason=%v\n", err)
		os.Exit(1)
	}
	fmt.Println("validation=PASS")
	return nil
}

func runValidateRegistry(logger arbor.ILogger, args []string) error {
	fs := flag.NewFlagSet("validate-registry", flag.ExitOnError)
	schemasDir := fs.String("schemas", "./schemas", "canonical schema directory")
	orgsDir := fs.String("orgs", "./registry/orgs", "orgs directory")
	agentsDir := fs.String("agents", "./registry/agents", "agent definitions directory")
	skillsDir := fs.String("skills", "./registry/skills", "skill contracts directory")
	jobFile := fs.String("job", "", "optional JobContract to evaluate against its org policy")
	fs.Parse(args)

	validator, err := schema.LoadFromDir(*schemasDir, logger)
	if err != nil {
		return fmt.Errorf("loading schemas: %w", err)
	}

	reg, err := registry.Load(registry.Dirs{
		OrgsDir:             *orgsDir,
		AgentDefinitionsDir: *agentsDir,
		SkillContractsDir:   *skillsDir,
	}, validator, logger)
	if err != nil {
		return fmt.Errorf("loading registry: %w", err)
	}
	fmt.Println("registry_load=PASS")

	if *jobFile == "" {
		return nil
	}

	job, _, err := loadYAMLOrJSON(*jobFile)
	if err != nil {
		return fmt.Errorf("loading %s: %w", *jobFile, err)
	}

	if err := validator.Validate(schema.KindJobContract, job); err != nil {
		fmt.Printf("job_schema=FAIL\nreason=%v\n", err)
		os.Exit(1)
	}

	orgID := docmodel.GetString(job, "metadata.org_id")
	orgRecord, err := reg.GetOrg(orgID)
	if err != nil {
		fmt.Printf("org_lookup=FAIL\nreason=%v\n", err)
		os.Exit(1)
	}

	if err := policy.EnforceJobWithinOrgPolicy(job, orgRecord.Document); err != nil {
		fmt.Printf("policy_evaluation=FAIL\nreason=%v\n", err)
		os.Exit(1)
	}
	fmt.Println("policy_evaluation=PASS")
	return nil
}

// loadYAMLOrJSON reads path as YAML (the registry's native format) or
// JSON by extension, returning the decoded document and its declared
// "kind" field, mirroring how internal/registry loads documents off
// disk.
func loadYAMLOrJSON(path string) (docmodel.Doc, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	var raw map[string]any
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		doc, err := docmodel.ParseJSON(data)
		if err != nil {
			return nil, "", fmt.Errorf("failed to parse JSON %s: %w", path, err)
		}
		kind, _ := doc["kind"].(string)
		return doc, kind, nil
	}

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, "", fmt.Errorf("failed to parse YAML %s: %w", path, err)
	}
	if raw == nil {
		return nil, "", fmt.Errorf("invalid YAML root object in %s (expected object)", path)
	}
	doc := docmodel.DeepCopy(raw)
	kind, _ := doc["kind"].(string)
	return doc, kind, nil
}
