package token

import "github.com/parchlabs/tokenpool/internal/sentinel"

// Domain error kinds surfaced by the allocator and repository. All are
// const sentinels; inspect with errors.Is.
const (
	// ErrAlreadyHasActiveToken is returned by Activate when the user
	// already holds an active token. The partial unique index on
	// (current_user_id) where active is the second line of defense;
	// unique violations on it translate to this kind.
	ErrAlreadyHasActiveToken = sentinel.Error("user already has an active token")

	// ErrNoTokensAvailable is returned by Activate when no available
	// token can be picked and no active token can be preempted.
	ErrNoTokensAvailable = sentinel.Error("no tokens available")

	// ErrTokenNotFound is returned when a token id does not exist.
	// Tokens are never destroyed, so after seeding this can only mean
	// a foreign id.
	ErrTokenNotFound = sentinel.Error("token not found")

	// ErrInvalidTokenState is returned when a row violates the
	// status/field coherence invariants.
	ErrInvalidTokenState = sentinel.Error("invalid token state")

	// ErrNotExpired is returned by ExpireIfDue when the token's current
	// activation epoch is not yet due (or the token was already
	// released). The queue treats it as success.
	ErrNotExpired = sentinel.Error("token not expired")
)
