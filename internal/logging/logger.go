package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Level represents log severity levels.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	// LevelOff is above every level a record can carry.
	LevelOff = slog.LevelError + 4
)

// componentKey tags records with the subsystem that emitted them.
const componentKey = "component"

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// Logger wraps slog with per-component scoping and level filters.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// Config holds logger configuration.
type Config struct {
	Level     Level
	Output    io.Writer
	JSON      bool
	AddSource bool
	// Filters override Level for individual components, keyed by the
	// lower-case component name given to WithComponent.
	Filters map[string]Level
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)

	// The inner handler accepts everything; filterHandler decides.
	opts := &slog.HandlerOptions{
		Level:     slog.LevelDebug - 4,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = NewConsoleHandler(cfg.Output, opts)
	}

	filters := make(map[string]Level, len(cfg.Filters))
	for k, v := range cfg.Filters {
		filters[strings.ToLower(k)] = v
	}

	return &Logger{
		Logger: slog.New(&filterHandler{inner: handler, level: levelVar, filters: filters}),
		level:  levelVar,
	}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(DefaultConfig())
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return New(Config{Level: LevelOff, Output: io.Discard})
}

// SetLevel changes the log level dynamically.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() Level {
	return l.level.Level()
}

// WithComponent scopes l to a subsystem. The name selects the entry in
// Config.Filters that applies to the returned logger.
func (l *Logger) WithComponent(name string) *Logger {
	return l.derive(componentKey, name)
}

// WithFields returns a logger that adds fields to every record.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return l.derive(args...)
}

func (l *Logger) derive(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// ParseLevel converts a config string ("debug", "info", "warn", "error", "off")
// into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "off", "none":
		return LevelOff, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}
