package tokenpool

import "time"

// Default configuration values for New.
// These constants are exported so callers can reference the defaults
// when building custom configurations relative to them (e.g.,
// 2 * DefaultLeaseDuration).
const (
	// DefaultPoolSize is the fixed number of tokens in the pool. Seeding
	// tops the tokens table up to this count on startup; activation
	// preempts the oldest active token once this many are active.
	DefaultPoolSize = 100

	// DefaultLeaseDuration is how long an activation holds a token
	// before the delayed-release queue reclaims it.
	DefaultLeaseDuration = 2 * time.Minute

	// DefaultHTTPHost is the listen host for the JSON API.
	DefaultHTTPHost = "0.0.0.0"

	// DefaultHTTPPort is the listen port for the JSON API.
	DefaultHTTPPort = 8080

	// DefaultQueueWorkers is the number of goroutines draining the
	// delayed-release queue.
	DefaultQueueWorkers = 2

	// DefaultPollInterval is how often each queue worker polls for due
	// release jobs.
	DefaultPollInterval = time.Second

	// DefaultReconcileInterval is how often the state cache reloads its
	// snapshot from the database.
	DefaultReconcileInterval = 5 * time.Minute

	// DefaultShutdownTimeout is the maximum time Run waits for in-flight
	// HTTP requests to drain after the context is canceled.
	DefaultShutdownTimeout = 10 * time.Second
)
