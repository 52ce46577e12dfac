// Package obslog configures the process-wide zerolog logger and hands out
// contextual sub-loggers per component.
package obslog

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, pretty
	OutputFile string // additional file sink; empty disables it
	Console    bool   // also log to stdout
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:   "info",
		Format:  "json",
		Console: true,
	}
}

// Setup configures the global logger. Call once at process start.
func Setup(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)

	var writers []io.Writer

	if cfg.Console {
		if cfg.Format == "pretty" {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339,
			})
		} else {
			writers = append(writers, os.Stdout)
		}
	}

	if cfg.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.OutputFile), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	switch len(writers) {
	case 0:
		log.Logger = zerolog.New(io.Discard).With().Timestamp().Logger()
	case 1:
		log.Logger = zerolog.New(writers[0]).With().Timestamp().Logger()
	default:
		log.Logger = zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger()
	}

	log.Info().Str("level", cfg.Level).Str("format", cfg.Format).Msg("logger initialized")
	return nil
}

// For returns a contextual logger for an arbitrary component name.
func For(component string) *zerolog.Logger {
	l := log.With().Str("component", component).Logger()
	return &l
}

// Job returns a logger scoped to a single crawl job, carrying the
// correlation id that links DB rows, outbox rows, and bus messages.
func Job(jobID, corrID string) *zerolog.Logger {
	l := log.With().Str("component", "lifecycle").Str("job_id", jobID).Str("corr_id", corrID).Logger()
	return &l
}

// Agent returns a logger scoped to the agent pool manager.
func Agent(agentID string) *zerolog.Logger {
	l := log.With().Str("component", "agentpool").Str("agent_id", agentID).Logger()
	return &l
}

// Quota returns a logger scoped to the quota ledger.
func Quota(userID string) *zerolog.Logger {
	l := log.With().Str("component", "quota").Str("user_id", userID).Logger()
	return &l
}

// Outbox returns a logger scoped to the outbox bridge.
func Outbox() *zerolog.Logger {
	l := log.With().Str("component", "outbox").Logger()
	return &l
}
