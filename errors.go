package tokenpool

import "github.com/parchlabs/tokenpool/internal/token"

// Sentinel errors for error inspection with errors.Is.
// These are immutable constants safe for use in wrapped error chain comparison.
const (
	// ErrAlreadyHasActiveToken is returned by activation when the user
	// already holds an active token.
	ErrAlreadyHasActiveToken = token.ErrAlreadyHasActiveToken

	// ErrNoTokensAvailable is returned by activation when no available
	// token can be picked and no active token can be preempted.
	ErrNoTokensAvailable = token.ErrNoTokensAvailable

	// ErrTokenNotFound is returned when a token id does not exist.
	ErrTokenNotFound = token.ErrTokenNotFound

	// ErrInvalidTokenState is returned when a row violates the
	// status/field coherence invariants.
	ErrInvalidTokenState = token.ErrInvalidTokenState

	// ErrNotExpired is returned by the expiration path when the token's
	// current activation epoch is not yet due. The queue treats it as
	// success.
	ErrNotExpired = token.ErrNotExpired
)
