// Package logger provides the console logger used across tasksmith.
//
// Output is level-filtered and timestamped. Implementations are thread-safe.
// Color is automatically enabled for terminal output (os.Stdout/os.Stderr).
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Log level constants for filtering
const (
	levelDebug int = 0
	levelInfo  int = 1
	levelWarn  int = 2
	levelError int = 3
)

// Logger is the formatted logging surface components depend on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ConsoleLogger logs to a writer with [HH:MM:SS] timestamps and level
// filtering. If the writer is nil, messages are silently discarded.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
}

// NewConsoleLogger creates a ConsoleLogger writing to the provided io.Writer.
// Valid levels: debug, info, warn, error (case-insensitive). An empty or
// invalid level defaults to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// isTerminal checks if the writer is a terminal that supports colors.
func isTerminal(w io.Writer) bool {
	if w == nil {
		return false
	}
	if w == os.Stdout || w == os.Stderr {
		// The color library's detection also honors NO_COLOR.
		return !color.NoColor
	}
	return false
}

// normalizeLogLevel lowercases and validates a level, defaulting to "info".
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "debug", "info", "warn", "error":
		return normalized
	}
	return "info"
}

// logLevelToInt converts a log level string to its numeric value.
func logLevelToInt(level string) int {
	switch level {
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// shouldLog reports whether a message at the given level passes the filter.
func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

// Debugf logs a debug-level message.
// Format: "[HH:MM:SS] [DEBUG] <message>"
func (cl *ConsoleLogger) Debugf(format string, args ...interface{}) {
	cl.logWithLevel("DEBUG", fmt.Sprintf(format, args...))
}

// Infof logs an info-level message.
// Format: "[HH:MM:SS] [INFO] <message>"
func (cl *ConsoleLogger) Infof(format string, args ...interface{}) {
	cl.logWithLevel("INFO", fmt.Sprintf(format, args...))
}

// Warnf logs a warning-level message.
// Format: "[HH:MM:SS] [WARN] <message>"
func (cl *ConsoleLogger) Warnf(format string, args ...interface{}) {
	cl.logWithLevel("WARN", fmt.Sprintf(format, args...))
}

// Errorf logs an error-level message.
// Format: "[HH:MM:SS] [ERROR] <message>"
func (cl *ConsoleLogger) Errorf(format string, args ...interface{}) {
	cl.logWithLevel("ERROR", fmt.Sprintf(format, args...))
}

// logWithLevel writes a message at the specified level if filtering allows it.
func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil {
		return
	}
	if !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	var formatted string
	if cl.colorOutput {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, colorizeLevel(level), message)
	} else {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, level, message)
	}
	cl.writer.Write([]byte(formatted))
}

// colorizeLevel wraps a level tag in its ANSI color.
func colorizeLevel(level string) string {
	switch level {
	case "DEBUG":
		return color.New(color.FgCyan).Sprint(level)
	case "INFO":
		return color.New(color.FgBlue).Sprint(level)
	case "WARN":
		return color.New(color.FgYellow).Sprint(level)
	case "ERROR":
		return color.New(color.FgRed).Sprint(level)
	default:
		return level
	}
}

// timestamp returns the current time formatted as HH:MM:SS.
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// NoOp discards every message. Useful as a default in tests.
type NoOp struct{}

func (NoOp) Debugf(string, ...interface{}) {}
func (NoOp) Infof(string, ...interface{})  {}
func (NoOp) Warnf(string, ...interface{})  {}
func (NoOp) Errorf(string, ...interface{}) {}
