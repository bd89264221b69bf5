package token

import (
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates state-change events on the bus.
type EventKind string

const (
	// EventActivated is published after a token transitions to active.
	EventActivated EventKind = "token_activated"

	// EventReleased is published after a token transitions to
	// available, whatever the cause (explicit release, preemption,
	// expiration, bulk clear).
	EventReleased EventKind = "token_released"
)

// Event is the canonical state-change message. Activated events carry
// the holder and activation time; released events carry the token id
// only.
type Event struct {
	Kind        EventKind
	TokenID     uuid.UUID
	UserID      *uuid.UUID
	ActivatedAt *time.Time
}

// Activated builds the canonical activation event.
func Activated(tokenID, userID uuid.UUID, activatedAt time.Time) Event {
	return Event{
		Kind:        EventActivated,
		TokenID:     tokenID,
		UserID:      &userID,
		ActivatedAt: &activatedAt,
	}
}

// Released builds the canonical release event.
func Released(tokenID uuid.UUID) Event {
	return Event{Kind: EventReleased, TokenID: tokenID}
}
