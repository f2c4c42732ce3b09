// Package logx provides the page cache's structured logging: a logger
// gated behind an explicit opt-in, silent by default, built on log/slog
// and threaded through explicitly rather than read from a package-level
// flag, since that would be exactly the process-wide mutable singleton
// this library avoids elsewhere.
package logx

import (
	"io"
	"log/slog"
	"os"
)

// Logger wraps a *slog.Logger with the small vocabulary the cache needs.
// The zero value is not usable; construct with New or Default.
type Logger struct {
	sl *slog.Logger
}

// New wraps sl. If sl is nil, the returned Logger discards everything.
func New(sl *slog.Logger) *Logger {
	if sl == nil {
		sl = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Logger{sl: sl}
}

// Default returns stderr logging at debug level if PAGECACHE_DEBUG is set
// to a non-empty value, and a discarding logger otherwise.
func Default() *Logger {
	if os.Getenv("PAGECACHE_DEBUG") == "" {
		return New(nil)
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	return New(slog.New(h))
}

func (l *Logger) Debug(msg string, args ...any) { l.sl.Debug(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.sl.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.sl.Error(msg, args...) }

// Enabled reports whether this logger emits debug-level records. The
// silent default reports false, as does a logger whose level is above
// debug.
func (l *Logger) Enabled() bool {
	return l.sl.Enabled(nil, slog.LevelDebug)
}
