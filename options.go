package tokenpool

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// requirePositive panics if v <= 0 with a descriptive message.
func requirePositive[T int | time.Duration](name string, v T) {
	if v <= 0 {
		panic(fmt.Sprintf("tokenpool: %s must be greater than 0, got %v", name, v))
	}
}

// requireNonEmpty panics if s is empty with a descriptive message.
func requireNonEmpty(name, s string) {
	if s == "" {
		panic(fmt.Sprintf("tokenpool: %s must not be empty", name))
	}
}

// Option configures a System during construction via New.
// Each With* function returns an Option that sets a specific field.
//
// Several With* functions panic on invalid input (non-positive sizes,
// empty strings, non-positive durations). These panics are intentional:
// option values are typically compile-time constants or environment
// values validated by ConfigFromEnv, so an invalid value indicates a
// programmer error rather than a runtime condition. The pattern mirrors
// [regexp.MustCompile]: fail fast during initialization instead of
// returning errors that would be universally fatal anyway.
type Option func(*config)

// config holds the resolved settings for a System.
type config struct {
	databaseURL string
	httpHost    string
	httpPort    int

	poolSize      int
	leaseDuration time.Duration

	queueWorkers      int
	pollInterval      time.Duration
	reconcileInterval time.Duration
	shutdownTimeout   time.Duration

	clock clockwork.Clock
}

// defaultConfig returns a config populated with all default values.
// Both New and test helpers use this to avoid duplicating the default
// field assignments.
func defaultConfig() config {
	return config{
		httpHost:          DefaultHTTPHost,
		httpPort:          DefaultHTTPPort,
		poolSize:          DefaultPoolSize,
		leaseDuration:     DefaultLeaseDuration,
		queueWorkers:      DefaultQueueWorkers,
		pollInterval:      DefaultPollInterval,
		reconcileInterval: DefaultReconcileInterval,
		shutdownTimeout:   DefaultShutdownTimeout,
		clock:             clockwork.NewRealClock(),
	}
}

// WithDatabaseURL sets the Postgres connection URL. Required; Run fails
// without it.
// Panics if url is empty.
func WithDatabaseURL(url string) Option {
	requireNonEmpty("database URL", url)
	return func(c *config) {
		c.databaseURL = url
	}
}

// WithHTTPHost sets the listen host for the JSON API.
// Panics if host is empty.
func WithHTTPHost(host string) Option {
	requireNonEmpty("HTTP host", host)
	return func(c *config) {
		c.httpHost = host
	}
}

// WithHTTPPort sets the listen port for the JSON API.
// Panics if port is not in (0, 65535].
func WithHTTPPort(port int) Option {
	if port <= 0 || port > 65535 {
		panic(fmt.Sprintf("tokenpool: HTTP port must be in (0, 65535], got %d", port))
	}
	return func(c *config) {
		c.httpPort = port
	}
}

// WithPoolSize sets the fixed number of tokens. Seeding tops the table
// up to this count; activation preempts once this many are active.
//
// Default: 100.
//
// Panics if size <= 0.
func WithPoolSize(size int) Option {
	requirePositive("pool size", size)
	return func(c *config) {
		c.poolSize = size
	}
}

// WithLeaseDuration sets how long an activation holds a token before
// the delayed-release queue reclaims it.
//
// Default: 2 minutes.
//
// Panics if d <= 0.
func WithLeaseDuration(d time.Duration) Option {
	requirePositive("lease duration", d)
	return func(c *config) {
		c.leaseDuration = d
	}
}

// WithQueueWorkers sets the number of goroutines draining the
// delayed-release queue. Workers coordinate through skip-locked claims,
// so more workers never double-fire a job.
//
// Default: 2.
//
// Panics if n <= 0.
func WithQueueWorkers(n int) Option {
	requirePositive("queue workers", n)
	return func(c *config) {
		c.queueWorkers = n
	}
}

// WithPollInterval sets how often each queue worker polls for due
// release jobs. The interval bounds how late a release can fire after
// its deadline.
//
// Default: 1 second.
//
// Panics if d <= 0.
func WithPollInterval(d time.Duration) Option {
	requirePositive("poll interval", d)
	return func(c *config) {
		c.pollInterval = d
	}
}

// WithReconcileInterval sets how often the state cache reloads its
// snapshot from the database.
//
// Default: 5 minutes.
//
// Panics if d <= 0.
func WithReconcileInterval(d time.Duration) Option {
	requirePositive("reconcile interval", d)
	return func(c *config) {
		c.reconcileInterval = d
	}
}

// WithShutdownTimeout sets how long Run waits for in-flight HTTP
// requests to drain after the context is canceled.
//
// Default: 10 seconds.
//
// Panics if d <= 0.
func WithShutdownTimeout(d time.Duration) Option {
	requirePositive("shutdown timeout", d)
	return func(c *config) {
		c.shutdownTimeout = d
	}
}

// WithClock injects the clock used for lease timestamps, queue polling,
// and cache reconciliation. Tests use a fake clock; production uses the
// default real clock.
// Panics if clock is nil.
func WithClock(clock clockwork.Clock) Option {
	if clock == nil {
		panic("tokenpool: clock must not be nil")
	}
	return func(c *config) {
		c.clock = clock
	}
}
