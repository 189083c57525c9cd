// Package debug holds the CLI's verbose and quiet switches and builds the
// process logger.
package debug

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	envDebug = os.Getenv("TRACKBRIDGE_DEBUG") != ""
	verbose  atomic.Bool
	quiet    atomic.Bool

	mu     sync.Mutex
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Enabled reports whether Logf prints: --verbose or TRACKBRIDGE_DEBUG.
func Enabled() bool {
	return envDebug || verbose.Load()
}

func SetVerbose(v bool) { verbose.Store(v) }

// SetQuiet silences PrintNormal.
func SetQuiet(q bool) { quiet.Store(q) }

// Logf writes to stderr in verbose mode.
func Logf(format string, args ...any) {
	if !Enabled() {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(stderr, format, args...)
}

// PrintNormal writes user-facing progress to stdout unless quiet.
func PrintNormal(format string, args ...any) {
	if quiet.Load() {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(stdout, format, args...)
}

// NewLogger builds the process logger. format is "json" or "text"; level is
// a slog level name. Verbose mode forces debug level with source locations.
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	lvl := slog.LevelInfo
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = slog.LevelInfo
		}
	}
	if Enabled() {
		lvl = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl == slog.LevelDebug}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
