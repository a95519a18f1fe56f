// Package observability owns the process-wide loggers.
//
// Logger is the structured logger for long-running components (reconciler,
// server). CLILogger writes human-readable console output for interactive
// commands. Both are safe no-ops until Init runs.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the structured application logger.
	Logger = zap.NewNop()

	// CLILogger is the console logger for interactive commands.
	CLILogger = zap.NewNop()
)

// Init configures the loggers. level is a zap level name; profile selects
// the structured encoding: "STRUCTURED" emits JSON, "CLI" emits console
// output for both loggers.
func Init(level, profile string) error {
	parsed, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}

	cliCfg := zap.NewDevelopmentConfig()
	cliCfg.Level = zap.NewAtomicLevelAt(parsed)
	cliCfg.DisableStacktrace = true
	cli, err := cliCfg.Build()
	if err != nil {
		return fmt.Errorf("build cli logger: %w", err)
	}

	var app *zap.Logger
	if strings.EqualFold(profile, "CLI") {
		app = cli
	} else {
		appCfg := zap.NewProductionConfig()
		appCfg.Level = zap.NewAtomicLevelAt(parsed)
		appCfg.EncoderConfig.TimeKey = "ts"
		appCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		app, err = appCfg.Build()
		if err != nil {
			return fmt.Errorf("build structured logger: %w", err)
		}
	}

	Logger = app
	CLILogger = cli
	return nil
}

// Sync flushes buffered log entries. Called at process exit.
func Sync() {
	_ = Logger.Sync()
	_ = CLILogger.Sync()
}
