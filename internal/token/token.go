package token

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a token.
type Status string

const (
	// StatusAvailable means the token has no current holder. An
	// available token has a nil CurrentUserID and nil ActivatedAt.
	StatusAvailable Status = "available"

	// StatusActive means the token is assigned to a user. An active
	// token has a non-nil CurrentUserID and ActivatedAt, and exactly
	// one open usage with matching user and start time.
	StatusActive Status = "active"
)

// IsValid reports whether s is a recognized Status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusAvailable, StatusActive:
		return true
	default:
		return false
	}
}

// String returns the status name.
func (s Status) String() string {
	if s.IsValid() {
		return string(s)
	}
	return fmt.Sprintf("Status(%q)", string(s))
}

// Token is one of the fixed set of allocation slots. Tokens are created
// once at seed time, mutated only by the allocator inside a
// transaction, and never destroyed.
//
// State invariants, enforced by the store schema and re-checked by
// Validate:
//   - active: CurrentUserID != nil and ActivatedAt != nil
//   - available: CurrentUserID == nil and ActivatedAt == nil
//   - no two active tokens share a CurrentUserID (partial unique index)
type Token struct {
	ID            uuid.UUID
	Status        Status
	CurrentUserID *uuid.UUID
	ActivatedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// Usages holds the token's usage history when loaded with it
	// (newest first, including the open usage). Nil when the token was
	// read without history.
	Usages []Usage
}

// Active reports whether the token is currently assigned.
func (t *Token) Active() bool {
	return t.Status == StatusActive
}

// Validate checks the status/field coherence invariants. A violation
// indicates a corrupted row or a bug in a transition, not a caller
// error, so the result wraps ErrInvalidTokenState.
func (t *Token) Validate() error {
	switch t.Status {
	case StatusActive:
		if t.CurrentUserID == nil || t.ActivatedAt == nil {
			return fmt.Errorf("token %s active without holder or activation time: %w", t.ID, ErrInvalidTokenState)
		}
	case StatusAvailable:
		if t.CurrentUserID != nil || t.ActivatedAt != nil {
			return fmt.Errorf("token %s available with residual holder state: %w", t.ID, ErrInvalidTokenState)
		}
	default:
		return fmt.Errorf("token %s has unknown status %q: %w", t.ID, t.Status, ErrInvalidTokenState)
	}
	return nil
}

// Usage records one activation epoch of a token: who held it, when the
// hold started, and when it ended. Closed usages (EndedAt != nil) are
// immutable; they are retained indefinitely as history.
type Usage struct {
	ID        uuid.UUID
	TokenID   uuid.UUID
	UserID    uuid.UUID
	StartedAt time.Time
	EndedAt   *time.Time
	CreatedAt time.Time
}

// Open reports whether the usage is still open (the holding is ongoing).
func (u *Usage) Open() bool {
	return u.EndedAt == nil
}
