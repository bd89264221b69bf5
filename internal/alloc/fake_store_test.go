package alloc

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parchlabs/tokenpool/internal/token"
)

// fakeStore is an in-memory TxStore/Store for allocator unit tests. It
// serializes transactions on one mutex and rolls the maps back when fn
// fails, which models the commit/rollback contract closely enough for
// the single-writer scenarios the unit tests exercise. Row-lock
// contention itself is covered by the repository integration tests.
type fakeStore struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]*token.Token
	usages map[uuid.UUID]*token.Usage

	// hideAvailable makes PickAvailableForUpdate return nil even when
	// available rows exist, modeling rows locked by concurrent
	// activators.
	hideAvailable bool

	// forceOldest makes the next PickOldestActiveForUpdate return the
	// named row regardless of ordering, then clears itself. Models the
	// stale result a blocking ordered pick produces when a concurrent
	// preemptor reassigned the row while this transaction waited on its
	// lock.
	forceOldest *uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tokens: make(map[uuid.UUID]*token.Token),
		usages: make(map[uuid.UUID]*token.Usage),
	}
}

// addAvailable seeds n available tokens and returns their ids sorted in
// pick order.
func (f *fakeStore) addAvailable(n int) []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]uuid.UUID, 0, n)
	for range n {
		id := uuid.New()
		f.tokens[id] = &token.Token{ID: id, Status: token.StatusAvailable}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return lessUUID(ids[i], ids[j]) })
	return ids
}

func lessUUID(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

func (f *fakeStore) WithTx(_ context.Context, fn func(tx TxStore) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tokSnap := make(map[uuid.UUID]*token.Token, len(f.tokens))
	for id, t := range f.tokens {
		cp := *t
		tokSnap[id] = &cp
	}
	useSnap := make(map[uuid.UUID]*token.Usage, len(f.usages))
	for id, u := range f.usages {
		cp := *u
		useSnap[id] = &cp
	}

	if err := fn(f); err != nil {
		f.tokens = tokSnap
		f.usages = useSnap
		return err
	}
	return nil
}

func (f *fakeStore) GetUserActiveToken(_ context.Context, userID uuid.UUID) (*token.Token, error) {
	for _, t := range f.tokens {
		if t.Active() && t.CurrentUserID != nil && *t.CurrentUserID == userID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) PickAvailableForUpdate(context.Context) (*token.Token, error) {
	if f.hideAvailable {
		return nil, nil
	}
	var pick *token.Token
	for _, t := range f.tokens {
		if t.Status != token.StatusAvailable {
			continue
		}
		if pick == nil || lessUUID(t.ID, pick.ID) {
			pick = t
		}
	}
	if pick == nil {
		return nil, nil
	}
	cp := *pick
	return &cp, nil
}

func (f *fakeStore) PickOldestActiveForUpdate(context.Context) (*token.Token, error) {
	if id := f.forceOldest; id != nil {
		f.forceOldest = nil
		cp := *f.tokens[*id]
		return &cp, nil
	}
	var pick *token.Token
	for _, t := range f.tokens {
		if !t.Active() {
			continue
		}
		if pick == nil ||
			t.ActivatedAt.Before(*pick.ActivatedAt) ||
			(t.ActivatedAt.Equal(*pick.ActivatedAt) && lessUUID(t.ID, pick.ID)) {
			pick = t
		}
	}
	if pick == nil {
		return nil, nil
	}
	cp := *pick
	return &cp, nil
}

func (f *fakeStore) CountActive(context.Context) (int, error) {
	n := 0
	for _, t := range f.tokens {
		if t.Active() {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) GetTokenForUpdate(_ context.Context, id uuid.UUID) (*token.Token, error) {
	t, ok := f.tokens[id]
	if !ok {
		return nil, token.ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) UpdateToken(_ context.Context, t *token.Token, now time.Time) error {
	cur, ok := f.tokens[t.ID]
	if !ok {
		return token.ErrTokenNotFound
	}
	// Model the partial unique index on active holders.
	if t.Status == token.StatusActive && t.CurrentUserID != nil {
		for _, other := range f.tokens {
			if other.ID != t.ID && other.Active() &&
				other.CurrentUserID != nil && *other.CurrentUserID == *t.CurrentUserID {
				return token.ErrAlreadyHasActiveToken
			}
		}
	}
	cur.Status = t.Status
	cur.CurrentUserID = t.CurrentUserID
	cur.ActivatedAt = t.ActivatedAt
	cur.UpdatedAt = now
	return nil
}

func (f *fakeStore) InsertUsage(_ context.Context, u *token.Usage) error {
	cp := *u
	f.usages[u.ID] = &cp
	return nil
}

func (f *fakeStore) GetOpenUsage(_ context.Context, tokenID uuid.UUID) (*token.Usage, error) {
	for _, u := range f.usages {
		if u.TokenID == tokenID && u.Open() {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) CloseUsage(_ context.Context, usageID uuid.UUID, endedAt time.Time) error {
	if u, ok := f.usages[usageID]; ok && u.Open() {
		t := endedAt
		u.EndedAt = &t
	}
	return nil
}

func (f *fakeStore) ClearAllActive(_ context.Context, now time.Time) ([]uuid.UUID, int, error) {
	var cleared []uuid.UUID
	for _, t := range f.tokens {
		if t.Active() {
			t.Status = token.StatusAvailable
			t.CurrentUserID = nil
			t.ActivatedAt = nil
			t.UpdatedAt = now
			cleared = append(cleared, t.ID)
		}
	}
	closed := 0
	for _, u := range f.usages {
		if u.Open() {
			ts := now
			u.EndedAt = &ts
			closed++
		}
	}
	return cleared, closed, nil
}

// tokenUsages returns the usage history for a token, newest first.
func (f *fakeStore) tokenUsages(tokenID uuid.UUID) []token.Usage {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []token.Usage
	for _, u := range f.usages {
		if u.TokenID == tokenID {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// recordingQueue records Schedule calls and can be forced to fail.
type recordingQueue struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
}

func (q *recordingQueue) Schedule(_ context.Context, tokenID uuid.UUID, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, tokenID)
	return q.err
}

// recordingSink records cache updates.
type recordingSink struct {
	mu        sync.Mutex
	active    []uuid.UUID
	available []uuid.UUID
	bulk      [][]uuid.UUID
}

func (s *recordingSink) MarkActive(t token.Token, _ uuid.UUID, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = append(s.active, t.ID)
}

func (s *recordingSink) MarkAvailable(tokenID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = append(s.available, tokenID)
}

func (s *recordingSink) BulkMarkAvailable(ids []uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulk = append(s.bulk, ids)
}

// recordingBus records published events.
type recordingBus struct {
	mu     sync.Mutex
	events []token.Event
}

func (b *recordingBus) Publish(ev token.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) byKind(kind token.EventKind) []token.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []token.Event
	for _, ev := range b.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
