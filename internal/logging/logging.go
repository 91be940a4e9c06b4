// Package logging configures zerolog output for quorum: a console writer for
// humans plus an append-only run log file under .quorum/logs.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Field names shared by every component.
const (
	RunField       = "run"
	AgentField     = "agent"
	SubtaskField   = "subtask"
	PatternField   = "pattern"
	ModelField     = "model"
	InterfaceField = "interface"
)

// Config selects level, console style and an optional log file.
type Config struct {
	Level  string
	Pretty bool
	File   string
	// Console defaults to os.Stderr.
	Console io.Writer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds a logger from cfg. The returned closer releases the log file.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("parse log level: %w", err)
		}
		level = l
	}

	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: console, TimeFormat: "15:04:05.000"}
	}

	var closer io.Closer = nopCloser{}
	out := console
	if cfg.File != "" {
		f, err := openLogFile(cfg.File)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, err
		}
		closer = f
		out = zerolog.MultiLevelWriter(console, f)
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	logger.Debug().Time("started", time.Now()).Msg("log opened")
	return logger, closer, nil
}

// SetGlobal installs logger as the zerolog global logger used by hlog defaults.
func SetGlobal(logger zerolog.Logger) {
	log.Logger = logger
	zerolog.SetGlobalLevel(logger.GetLevel())
}

// RunLogPath returns the per-run log path inside a repository.
func RunLogPath(repoPath, runID string) string {
	return filepath.Join(repoPath, ".quorum", "logs", "run-"+runID+".log")
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}
