// Package scheduler is intentionally minimal in build mode: the
// control plane never auto-executes agents. The scheduler holds a
// robfig/cron (the teacher's scheduling library) engine with no jobs
// registered and is disabled by default. Starting it with Enabled=true
// is accepted at the config layer, but Start then returns an error
// rather than silently doing nothing; nothing ever polls for jobs.
package scheduler

import (
	"errors"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/buildmode/internal/config"
)

// ErrNotImplemented is returned by Start when the scheduler is
// enabled: build mode does not perform background job execution.
var ErrNotImplemented = errors.New("scheduler: enabled scheduling is not implemented in build mode")

// Scheduler holds the cron engine that would drive polling once
// execution is implemented. It is constructed unconditionally so the
// dependency is exercised even while disabled.
type Scheduler struct {
	cfg    config.SchedulerConfig
	cron   *cron.Cron
	logger arbor.ILogger
}

// New builds a Scheduler bound to cfg. The cron engine is created but
// never started while cfg.Enabled is false.
func New(cfg config.SchedulerConfig, logger arbor.ILogger) *Scheduler {
	return &Scheduler{cfg: cfg, cron: cron.New(), logger: logger}
}

// Start logs "scheduler disabled" and returns nil when cfg.Enabled is
// false. When cfg.Enabled is true it returns ErrNotImplemented rather
// than either silently running or silently doing nothing.
func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		s.logger.Info().Msg("scheduler disabled")
		return nil
	}
	return ErrNotImplemented
}

// Stop halts the underlying cron engine, a no-op if it was never
// started.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
