// Package logger provides leveled logging for the command line tool.
// Sync progress goes to stderr so command output stays scriptable.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents a log level.
type Level int

const (
	// LevelDebug is the most verbose log level.
	LevelDebug Level = iota
	// LevelInfo is the default log level.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages only.
	LevelError
)

// String returns the string representation of a log level.
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
		return "UNKNOWN"
	}
}

// ParseLevel converts a string to a Level. Accepts debug, info, warn and
// error, case-insensitive.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q: valid levels are debug, info, warn, error", s)
	}
}

var (
	mu     sync.Mutex
	level  = LevelInfo
	output io.Writer = os.Stderr
)

// SetLevel sets the minimum level below which messages are dropped.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// SetOutput redirects log output, primarily for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

func write(l Level, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()

	if l < level {
		return
	}
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	fmt.Fprintf(output, "%s %s %s\n", timestamp, l, fmt.Sprintf(format, args...))
}

// Debug logs at debug level.
func Debug(format string, args ...any) {
	write(LevelDebug, format, args...)
}

// Info logs at info level.
func Info(format string, args ...any) {
	write(LevelInfo, format, args...)
}

// Warn logs at warn level.
func Warn(format string, args ...any) {
	write(LevelWarn, format, args...)
}

// Error logs at error level.
func Error(format string, args ...any) {
	write(LevelError, format, args...)
}
