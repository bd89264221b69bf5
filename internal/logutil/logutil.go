// Package logutil holds the process-wide logger shared by the token
// pool subsystems. The logger is stored behind atomic pointers so that
// SetLogger is safe to call concurrently with operations that log.
package logutil

import (
	"log/slog"
	"sync/atomic"
)

// logger is the custom logger installed via SetLogger. Nil means no
// custom logger has been set and Logger falls back to a cached default
// derived from slog.Default().
var logger atomic.Pointer[slog.Logger]

// defaultLogger caches the default-derived logger (slog.Default() with
// the component attribute) so it is not rebuilt on every Logger call.
// If slog.SetDefault is called after the first Logger call, the cache
// will not reflect the change until SetLogger(nil) clears it.
var defaultLogger atomic.Pointer[slog.Logger]

// Logger returns the current process-wide logger. If no custom logger
// has been set it returns a cached logger derived from slog.Default()
// with the tokenpool component attribute. Safe for concurrent use.
func Logger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l := newDefaultLogger()
	// CompareAndSwap so a concurrent caller's cached value wins; never
	// return nil even if SetLogger clears the cache mid-flight.
	if defaultLogger.CompareAndSwap(nil, l) {
		return l
	}
	if l2 := defaultLogger.Load(); l2 != nil {
		return l2
	}
	return l
}

// newDefaultLogger derives the default logger from slog.Default().
func newDefaultLogger() *slog.Logger {
	return slog.Default().With("component", "tokenpool")
}

// SetLogger replaces the process-wide logger. Passing nil resets to the
// default: slog.Default() with the component attribute, re-derived on
// the next Logger call and then cached again.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
	// Clear the cached default so a subsequent Logger call re-derives
	// it, letting callers pick up slog.SetDefault changes.
	defaultLogger.Store(nil)
}
