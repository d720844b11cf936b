package pkg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component tags every log record with the layer of the DisplayPort stack
// that produced it.
type Component string

// Stack components.
const (
	ComponentAux      Component = "aux"      // AUX transactions and I2C-over-AUX
	ComponentLink     Component = "link"     // link training
	ComponentSideband Component = "sideband" // MST mailbox messaging
	ComponentTopology Component = "topology" // MST discovery and GUIDs
	ComponentPayload  Component = "payload"  // VC payload tables and ACT
	ComponentMSA      Component = "msa"      // main stream attributes
	ComponentSource   Component = "source"
	ComponentSink     Component = "sink"
	ComponentHAL      Component = "hal"
	ComponentSim      Component = "sim"
)

// LogFormat selects the slog handler of the default logger.
type LogFormat int

const (
	LogFormatText LogFormat = iota // key=value, the default
	LogFormatJSON
)

func (f LogFormat) String() string {
	if f == LogFormatJSON {
		return "json"
	}
	return "text"
}

// ParseLogFormat accepts "text" or "json", in any case.
func ParseLogFormat(name string) (LogFormat, error) {
	switch strings.ToLower(name) {
	case "text":
		return LogFormatText, nil
	case "json":
		return LogFormatJSON, nil
	}
	return LogFormatText, fmt.Errorf("log format %q: %w", name, ErrInvalidParameter)
}

// ParseLogLevel accepts the slog level names (debug, info, warn, error),
// optionally with an offset such as "debug-2".
func ParseLogLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", name, ErrInvalidParameter)
	}
	return level, nil
}

var (
	// DefaultLogger receives every record of the stack. Protocol traces
	// (each AUX transaction, sideband fragment and training step) are
	// logged at debug; the stack is quiet at the default warn level unless
	// something fails.
	DefaultLogger *slog.Logger

	logLevel = new(slog.LevelVar)
	logMutex sync.RWMutex
)

func init() {
	logLevel.Set(slog.LevelWarn)
	DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

// SetLogLevel sets the minimum level of the default handlers.
func SetLogLevel(level slog.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logLevel.Set(level)
}

// LogLevel returns the minimum level of the default handlers.
func LogLevel() slog.Level {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return logLevel.Level()
}

// SetLogger replaces the default logger.
func SetLogger(logger *slog.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = logger
}

// SetLogFormat replaces the default logger with one writing format to
// os.Stderr at the current level.
func SetLogFormat(format LogFormat) {
	SetLogger(newLogger(os.Stderr, format, nil))
}

// NewLogger returns a text logger on w. A nil opts follows the stack level.
func NewLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	return newLogger(w, LogFormatText, opts)
}

// NewJSONLogger returns a JSON logger on w. A nil opts follows the stack
// level.
func NewJSONLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	return newLogger(w, LogFormatJSON, opts)
}

func newLogger(w io.Writer, format LogFormat, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: logLevel}
	}
	if format == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func logAt(level slog.Level, component Component, msg string, args []any) {
	logMutex.RLock()
	logger := DefaultLogger
	logMutex.RUnlock()
	ctx := context.Background()
	if !logger.Enabled(ctx, level) {
		return
	}
	logger.Log(ctx, level, msg, append([]any{"component", string(component)}, args...)...)
}

// LogDebug logs a protocol trace record.
func LogDebug(component Component, msg string, args ...any) {
	logAt(slog.LevelDebug, component, msg, args)
}

// LogInfo logs a state change such as a trained link or a discovered
// topology.
func LogInfo(component Component, msg string, args ...any) {
	logAt(slog.LevelInfo, component, msg, args)
}

// LogWarn logs a recovered failure: a downshift, a failed subtree, a
// rejected request.
func LogWarn(component Component, msg string, args ...any) {
	logAt(slog.LevelWarn, component, msg, args)
}

// LogError logs a failure the stack could not recover from.
func LogError(component Component, msg string, args ...any) {
	logAt(slog.LevelError, component, msg, args)
}
