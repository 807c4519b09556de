// Package logx provides structured, component-scoped logging for the
// coordination service. Output goes to stderr so the MCP stdio transport
// on stdout stays clean.
package logx

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel parses a level name (case-insensitive). Unknown names map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format selects the output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Global sink configuration, shared by all loggers.
//
//nolint:gochecknoglobals // One sink for the whole process
var (
	mu      sync.RWMutex
	minimum = LevelInfo
	format  = FormatText
	out     io.Writer = os.Stderr
	domains map[string]bool
)

func init() { //nolint:gochecknoinits // Env var initialization
	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		minimum = LevelDebug
	}
	if list := os.Getenv("DEBUG_DOMAINS"); list != "" {
		domains = make(map[string]bool)
		for _, d := range strings.Split(list, ",") {
			domains[strings.TrimSpace(d)] = true
		}
	}
}

// Configure sets the process-wide minimum level and output format.
func Configure(level Level, f Format) {
	mu.Lock()
	defer mu.Unlock()
	minimum = level
	if f == FormatJSON || f == FormatText {
		format = f
	}
}

// SetOutput redirects log output. Used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// Logger writes leveled log lines tagged with a component name.
type Logger struct {
	component string
}

func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) GetComponent() string {
	return l.component
}

// WithComponent returns a logger for a different component sharing the same sink.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component}
}

type entry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
}

func (l *Logger) log(level Level, formatStr string, args ...any) {
	mu.RLock()
	min, f, w := minimum, format, out
	mu.RUnlock()

	if level < min {
		return
	}

	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	msg := fmt.Sprintf(formatStr, args...)

	var line string
	if f == FormatJSON {
		b, err := json.Marshal(entry{Timestamp: ts, Level: level.String(), Component: l.component, Message: msg})
		if err != nil {
			// Fall back to text rather than losing the line.
			line = fmt.Sprintf("[%s] [%s] %s: %s", ts, l.component, level, msg)
		} else {
			line = string(b)
		}
	} else {
		line = fmt.Sprintf("[%s] [%s] %s: %s", ts, l.component, level, msg)
	}

	mu.Lock()
	fmt.Fprintln(w, line)
	mu.Unlock()
}

func (l *Logger) Debug(format string, args ...any) {
	if !debugEnabledFor(l.component) {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// debugEnabledFor honours DEBUG_DOMAINS filtering when set.
func debugEnabledFor(component string) bool {
	mu.RLock()
	defer mu.RUnlock()
	if minimum > LevelDebug {
		return false
	}
	if domains == nil {
		return true
	}
	return domains[component]
}

// Global convenience logger for code without a component of its own.
//
//nolint:gochecknoglobals // Mirrors the component loggers
var defaultLogger = NewLogger("loom")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
// Use this when you need both logging and error returning:
//
//	err := logx.Errorf("setup failed: %w", err).
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
