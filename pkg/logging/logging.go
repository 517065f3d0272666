// Package logging provides structured logging for the swap daemon.
// Components take a sub-logger from the default with Component and log
// key/value pairs.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Level represents a log level.
type Level = log.Level

// Log levels.
const (
	DebugLevel = log.DebugLevel
	InfoLevel  = log.InfoLevel
	WarnLevel  = log.WarnLevel
	ErrorLevel = log.ErrorLevel
	FatalLevel = log.FatalLevel
)

// Logger wraps charmbracelet/log. Sub-loggers share the writer of the
// logger they came from.
type Logger struct {
	*log.Logger
	timeFormat string
	output     io.Writer
}

// Config holds logger configuration.
type Config struct {
	Level      string
	TimeFormat string
	Prefix     string
	Output     io.Writer

	// File, when set, receives a copy of everything written to Output.
	File string
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
		Output:     os.Stderr,
	}
}

// New creates a logger writing to cfg.Output. cfg.File is ignored; use Open
// for file output.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	return newLogger(output, cfg.Level, cfg.TimeFormat, cfg.Prefix)
}

// Open creates a logger like New that also appends to cfg.File, and makes
// it the default. The returned function closes the file.
func Open(cfg *Config) (*Logger, func() error, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	closeFn := func() error { return nil }

	c := *cfg
	if c.Output == nil {
		c.Output = os.Stderr
	}
	if c.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.File), 0700); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(c.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		c.Output = io.MultiWriter(c.Output, f)
		closeFn = f.Close
	}

	l := New(&c)
	SetDefault(l)
	return l, closeFn, nil
}

func newLogger(output io.Writer, level, timeFormat, prefix string) *Logger {
	if timeFormat == "" {
		timeFormat = time.TimeOnly
	}
	logger := log.NewWithOptions(output, log.Options{
		ReportTimestamp: true,
		TimeFormat:      timeFormat,
		Prefix:          prefix,
	})
	logger.SetLevel(ParseLevel(level))
	return &Logger{Logger: logger, timeFormat: timeFormat, output: output}
}

// Default returns a logger with the default configuration.
func Default() *Logger {
	return New(DefaultConfig())
}

// ParseLevel parses a string level into a log.Level. Unknown levels map to
// info.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// With returns a new logger with the given key-value pairs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(keyvals...), timeFormat: l.timeFormat, output: l.output}
}

// WithPrefix returns a logger with the given prefix, same level and writer.
func (l *Logger) WithPrefix(prefix string) *Logger {
	output := l.output
	if output == nil {
		output = os.Stderr
	}
	sub := newLogger(output, "", l.timeFormat, prefix)
	sub.SetLevel(l.GetLevel())
	return sub
}

// Component returns a logger for a specific component.
func (l *Logger) Component(name string) *Logger {
	return l.WithPrefix(name)
}

// Swap returns a component logger that tags every line with a swap id.
func (l *Logger) Swap(id string) *Logger {
	return l.With("swap_id", id)
}

var defaultLogger = Default()

// SetDefault sets the default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// GetDefault returns the default logger.
func GetDefault() *Logger {
	return defaultLogger
}
