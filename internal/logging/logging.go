// Package logging establishes the control plane's arbor.ILogger
// singleton, following the teacher's global-logger-with-fallback
// convention: until Init runs, GetLogger hands out a console-only
// logger rather than a nil pointer, so packages that grab a logger
// before startup completes never crash.
package logging

import (
	"sync"

	"github.com/ternarybob/arbor"
	arborcommon "github.com/ternarybob/arbor/common"
	"github.com/ternarybob/arbor/models"

	"github.com/ternarybob/buildmode/internal/config"
)

var (
	globalLogger arbor.ILogger
	mu           sync.RWMutex
)

// GetLogger returns the process-wide logger, falling back to a
// console-only logger with a warning if Init has not run yet.
func GetLogger() arbor.ILogger {
	mu.RLock()
	if globalLogger != nil {
		mu.RUnlock()
		return globalLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if globalLogger == nil {
		globalLogger = arbor.NewLogger().WithConsoleWriter(writerConfig("", models.LogWriterTypeConsole, ""))
		globalLogger.Warn().Msg("using fallback logger - logging.Init should be called during startup")
	}
	return globalLogger
}

// Init configures and installs the global logger from cfg, then
// returns it for direct use by the caller that set it up.
func Init(cfg config.LoggingConfig) arbor.ILogger {
	logger := arbor.NewLogger()

	hasFile, hasConsole := false, false
	for _, output := range cfg.Output {
		switch output {
		case "file":
			hasFile = true
		case "stdout", "console":
			hasConsole = true
		}
	}

	if hasFile {
		logger = logger.WithFileWriter(writerConfig(cfg.TimeFormat, models.LogWriterTypeFile, "logs/buildmoded.log"))
	}
	if hasConsole || !hasFile {
		logger = logger.WithConsoleWriter(writerConfig(cfg.TimeFormat, models.LogWriterTypeConsole, ""))
	}
	logger = logger.WithMemoryWriter(writerConfig(cfg.TimeFormat, models.LogWriterTypeMemory, ""))
	logger = logger.WithLevelFromString(cfg.Level)

	mu.Lock()
	globalLogger = logger
	mu.Unlock()

	return logger
}

func writerConfig(timeFormat string, writerType models.LogWriterType, filename string) models.WriterConfiguration {
	if timeFormat == "" {
		timeFormat = "15:04:05.000"
	}
	return models.WriterConfiguration{
		Type:             writerType,
		FileName:         filename,
		TimeFormat:       timeFormat,
		DisableTimestamp: false,
		MaxSize:          100 * 1024 * 1024,
		MaxBackups:       3,
	}
}

// Stop flushes buffered log writers before process exit.
func Stop() {
	arborcommon.Stop()
}
