// Package config loads the control plane's two TOML documents: the
// runtime configuration (server, storage, registry, logging) and the
// limits configuration (the global hard caps enforced by
// internal/policy). Loading is fail-closed: a missing or malformed
// file is a startup error, never a silently-defaulted value, and
// every relative path in the document is resolved against the
// directory the file itself lives in rather than the process's
// working directory — so a config file keeps working when the
// service is launched from somewhere else.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"

	"github.com/ternarybob/buildmode/internal/policy"
)

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// RegistryConfig locates the YAML documents Load scans at startup.
type RegistryConfig struct {
	OrgsDir             string `toml:"orgs_dir"`
	AgentDefinitionsDir string `toml:"agent_definitions_dir"`
	SkillContractsDir   string `toml:"skill_contracts_dir"`
	RequireKnownOrg     bool   `toml:"require_known_org"`
}

// SchemaConfig locates the canonical JSON Schema documents.
type SchemaConfig struct {
	Dir string `toml:"dir"`
}

// StorageConfig is the SQLite database configuration.
type StorageConfig struct {
	Path           string `toml:"path"`
	CacheSizeMB    int    `toml:"cache_size_mb"`
	BusyTimeoutMS  int    `toml:"busy_timeout_ms"`
	WALMode        bool   `toml:"wal_mode"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// LoggingConfig mirrors the teacher's logging document shape, scoped
// to what arbor needs.
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	Output     []string `toml:"output"`
	TimeFormat string   `toml:"time_format"`
}

// SchedulerConfig controls the disabled-by-default polling scheduler.
type SchedulerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`
}

// Config is the runtime configuration document.
type Config struct {
	Environment       string          `toml:"environment"`
	ExecutionDeferred bool            `toml:"execution_deferred"`
	Server            ServerConfig    `toml:"server"`
	Registry          RegistryConfig  `toml:"registry"`
	Schema            SchemaConfig    `toml:"schema"`
	Storage           StorageConfig   `toml:"storage"`
	Logging           LoggingConfig   `toml:"logging"`
	Scheduler         SchedulerConfig `toml:"scheduler"`
}

// LimitsDocument is the limits configuration document: the global
// hard caps from spec §4.3.2, loaded into policy.Limits.
type LimitsDocument struct {
	MaxExpiresInSecondsUpperBound int64   `toml:"max_expires_in_seconds_upper_bound"`
	MaxIterationsUpperBound       int64   `toml:"max_iterations_upper_bound"`
	MaxRuntimeSecondsUpperBound   int64   `toml:"max_runtime_seconds_upper_bound"`
	MaxCostUpperBoundCurrency     string  `toml:"max_cost_upper_bound_currency"`
	MaxCostUpperBound             float64 `toml:"max_cost_upper_bound"`
}

// ToPolicyLimits converts the loaded document plus the registry's
// require_known_org switch into the type internal/policy consumes.
func (d LimitsDocument) ToPolicyLimits(requireKnownOrg bool) policy.Limits {
	return policy.Limits{
		MaxExpiresInSecondsUpperBound: d.MaxExpiresInSecondsUpperBound,
		MaxIterationsUpperBound:       d.MaxIterationsUpperBound,
		MaxRuntimeSecondsUpperBound:   d.MaxRuntimeSecondsUpperBound,
		MaxCostUpperBoundCurrency:     d.MaxCostUpperBoundCurrency,
		MaxCostUpperBound:             d.MaxCostUpperBound,
		RequireKnownOrg:               requireKnownOrg,
	}
}

func defaultConfig() *Config {
	return &Config{
		Environment:       "production",
		ExecutionDeferred: true,
		Server:            ServerConfig{Host: "0.0.0.0", Port: 8080},
		Registry: RegistryConfig{
			OrgsDir:             "./registry/orgs",
			AgentDefinitionsDir: "./registry/agents",
			SkillContractsDir:   "./registry/skills",
			RequireKnownOrg:     true,
		},
		Schema: SchemaConfig{Dir: "./schemas"},
		Storage: StorageConfig{
			Path:          "./data/buildmode.db",
			CacheSizeMB:   16,
			BusyTimeoutMS: 5000,
			WALMode:       true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
		Scheduler: SchedulerConfig{Enabled: false},
	}
}

func defaultLimits() *LimitsDocument {
	return &LimitsDocument{
		MaxExpiresInSecondsUpperBound: 7 * 24 * 3600,
		MaxIterationsUpperBound:       1000,
		MaxRuntimeSecondsUpperBound:   24 * 3600,
		MaxCostUpperBoundCurrency:     "USD",
		MaxCostUpperBound:             100.0,
	}
}

// Load reads the runtime config file at configPath and the limits
// document at limitsPath, resolves every relative directory field
// against configPath's own directory, and applies BUILDMODE_* env
// overrides. Either file missing or malformed is a fatal error — the
// control plane never starts against a config it could not fully
// parse.
func Load(configPath, limitsPath string) (*Config, *LimitsDocument, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config: failed to read runtime config %s: %w", configPath, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, nil, fmt.Errorf("config: failed to parse runtime config %s: %w", configPath, err)
	}

	baseDir := filepath.Dir(configPath)
	resolveRelative(&cfg.Registry.OrgsDir, baseDir)
	resolveRelative(&cfg.Registry.AgentDefinitionsDir, baseDir)
	resolveRelative(&cfg.Registry.SkillContractsDir, baseDir)
	resolveRelative(&cfg.Schema.Dir, baseDir)
	resolveRelative(&cfg.Storage.Path, baseDir)

	limits := defaultLimits()
	limitsData, err := os.ReadFile(limitsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config: failed to read limits config %s: %w", limitsPath, err)
	}
	if err := toml.Unmarshal(limitsData, limits); err != nil {
		return nil, nil, fmt.Errorf("config: failed to parse limits config %s: %w", limitsPath, err)
	}

	applyEnvOverrides(cfg, limits)

	return cfg, limits, nil
}

// resolveRelative rewrites *path to be relative to baseDir unless it
// is already absolute.
func resolveRelative(path *string, baseDir string) {
	if *path == "" || filepath.IsAbs(*path) {
		return
	}
	*path = filepath.Join(baseDir, *path)
}

func applyEnvOverrides(cfg *Config, limits *LimitsDocument) {
	if v := os.Getenv("BUILDMODE_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("BUILDMODE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("BUILDMODE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BUILDMODE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("BUILDMODE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BUILDMODE_REGISTRY_REQUIRE_KNOWN_ORG"); v != "" {
		cfg.Registry.RequireKnownOrg = v == "true" || v == "1"
	}
	if v := os.Getenv("BUILDMODE_EXECUTION_DEFERRED"); v != "" {
		cfg.ExecutionDeferred = v == "true" || v == "1"
	}
	if v := os.Getenv("BUILDMODE_SCHEDULER_ENABLED"); v != "" {
		cfg.Scheduler.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BUILDMODE_LIMITS_MAX_COST_UPPER_BOUND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			limits.MaxCostUpperBound = f
		}
	}
}
