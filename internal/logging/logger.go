package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	// TagRun prefixes orchestration diagnostics.
	TagRun = "LILO"
	// TagDeploy prefixes deploy-tool diagnostics.
	TagDeploy = "DEPLOY"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	writer  io.Writer
	level   string
	logFile string
	format  string
	runID   string
}

// WithWriter sets the primary diagnostic sink (stderr by default).
func WithWriter(w io.Writer) Option {
	return func(opts *newOptions) {
		opts.writer = w
	}
}

// WithLevel sets the minimum level by name (debug, info, warn, error).
func WithLevel(level string) Option {
	return func(opts *newOptions) {
		opts.level = strings.TrimSpace(level)
	}
}

// WithLogFile tees diagnostics into an append-only file.
func WithLogFile(path string) Option {
	return func(opts *newOptions) {
		opts.logFile = strings.TrimSpace(path)
	}
}

// WithFormat selects the formatter by name: text (default) or json, which
// writes one JSON object per line.
func WithFormat(format string) Option {
	return func(opts *newOptions) {
		opts.format = strings.ToLower(strings.TrimSpace(format))
	}
}

// WithRunID pins the run_id field instead of generating one.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// RuntimeLogger owns the process diagnostic logger and its optional file.
type RuntimeLogger struct {
	Logger *log.Logger
	file   *os.File
	path   string
	runID  string
}

// New builds the diagnostic logger. Diagnostics never go to stdout, which is
// reserved for event records.
func New(options ...Option) (*RuntimeLogger, error) {
	resolved := newOptions{writer: os.Stderr, level: "info"}
	for _, option := range options {
		if option != nil {
			option(&resolved)
		}
	}
	if resolved.runID == "" {
		resolved.runID = uuid.NewString()
	}

	if resolved.format != "" && resolved.format != "text" && resolved.format != "json" {
		return nil, fmt.Errorf("unknown log format %q (want text or json)", resolved.format)
	}

	level, err := log.ParseLevel(resolved.level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", resolved.level, err)
	}

	runtimeLogger := &RuntimeLogger{runID: resolved.runID}
	writer := resolved.writer
	if resolved.logFile != "" {
		if err := os.MkdirAll(filepath.Dir(resolved.logFile), 0o750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		// #nosec G304 -- log path comes from operator configuration.
		file, err := os.OpenFile(resolved.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		runtimeLogger.file = file
		runtimeLogger.path = resolved.logFile
		writer = io.MultiWriter(writer, file)
	}

	logger := log.NewWithOptions(writer, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	if resolved.format == "json" {
		logger.SetFormatter(log.JSONFormatter)
	}
	runtimeLogger.Logger = logger.With("run_id", resolved.runID)
	return runtimeLogger, nil
}

// Tagged returns a child logger whose lines carry the given tag prefix.
func (r *RuntimeLogger) Tagged(tag string) *log.Logger {
	if r == nil || r.Logger == nil {
		return Discard()
	}
	return r.Logger.WithPrefix(tag)
}

// RunID returns the identifier attached to every record of this process.
func (r *RuntimeLogger) RunID() string {
	if r == nil {
		return ""
	}
	return r.runID
}

// Path returns the log file path, if any.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Discard returns a logger that drops everything; used by tests and as a nil
// fallback.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}
