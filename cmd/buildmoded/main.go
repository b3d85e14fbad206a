package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/buildmode/internal/api/httpapi"
	"github.com/ternarybob/buildmode/internal/config"
	"github.com/ternarybob/buildmode/internal/lifecycle"
	"github.com/ternarybob/buildmode/internal/logging"
	"github.com/ternarybob/buildmode/internal/registry"
	"github.com/ternarybob/buildmode/internal/schema"
	"github.com/ternarybob/buildmode/internal/scheduler"
	"github.com/ternarybob/buildmode/internal/store/sqlite"
)

var (
	configFile  = flag.String("config", "buildmode.toml", "Runtime configuration file path")
	limitsFile  = flag.String("limits", "limits.toml", "Limits configuration file path")
	serverPort  = flag.Int("port", 0, "Server port (overrides config)")
	serverHost  = flag.String("host", "", "Server host (overrides config)")
	showVersion = flag.Bool("version", false, "Print version information")
)

const version = "0.1.0"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("buildmoded version %s\n", version)
		os.Exit(0)
	}

	// Startup sequence (REQUIRED ORDER): config -> logger -> schema
	// validator -> registry -> store -> engine -> HTTP server. Every
	// stage fails closed: a broken schema, an unresolved registry
	// reference, or a schema_version mismatch aborts startup rather
	// than degrading into a partially-usable service.
	cfg, limits, err := config.Load(*configFile, *limitsFile)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	if *serverPort != 0 {
		cfg.Server.Port = *serverPort
	}
	if *serverHost != "" {
		cfg.Server.Host = *serverHost
	}

	logger := logging.Init(cfg.Logging)
	defer logging.Stop()

	logger.Info().Str("environment", cfg.Environment).Msg("starting buildmoded")

	validator, err := schema.LoadFromDir(cfg.Schema.Dir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load canonical schemas")
	}

	reg, err := registry.Load(registry.Dirs{
		OrgsDir:             cfg.Registry.OrgsDir,
		AgentDefinitionsDir: cfg.Registry.AgentDefinitionsDir,
		SkillContractsDir:   cfg.Registry.SkillContractsDir,
	}, validator, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load registry")
	}

	db, err := sqlite.Open(sqlite.Config{
		Path:           cfg.Storage.Path,
		CacheSizeMB:    cfg.Storage.CacheSizeMB,
		BusyTimeoutMS:  cfg.Storage.BusyTimeoutMS,
		WALMode:        cfg.Storage.WALMode,
		ResetOnStartup: cfg.Storage.ResetOnStartup,
		Environment:    cfg.Environment,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	jobStore := sqlite.NewJobStore(db, logger)
	artifactStore := sqlite.NewArtifactStore(db, logger)
	evaluationStore := sqlite.NewEvaluationStore(db, logger)

	engine := &lifecycle.Engine{
		Schemas:           validator,
		Registry:          reg,
		Jobs:              jobStore,
		Limits:            limits.ToPolicyLimits(cfg.Registry.RequireKnownOrg),
		ExecutionDeferred: cfg.ExecutionDeferred,
		Clock:             lifecycle.RealClock{},
	}
	evaluations := &lifecycle.EvaluationService{
		Schemas:  validator,
		Registry: reg,
		Evals:    evaluationStore,
		Jobs:     jobStore,
		Clock:    lifecycle.RealClock{},
	}
	artifacts := &lifecycle.ArtifactService{
		Schemas:   validator,
		Registry:  reg,
		Artifacts: artifactStore,
		Jobs:      jobStore,
	}

	sched := scheduler.New(cfg.Scheduler, logger)
	if err := sched.Start(); err != nil {
		logger.Fatal().Err(err).Msg("scheduler failed to start")
	}
	defer sched.Stop()

	api := &httpapi.Server{
		Engine:      engine,
		Evaluations: evaluations,
		Artifacts:   artifacts,
		Logger:      logger,
	}
	mux := http.NewServeMux()
	api.Routes(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info().Str("addr", addr).Msg("server ready - press Ctrl+C to stop")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
}
