package alloc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/parchlabs/tokenpool/internal/token"
)

const testLease = 120 * time.Second

// harness bundles a Service with its fakes.
type harness struct {
	svc   *Service
	store *fakeStore
	queue *recordingQueue
	sink  *recordingSink
	bus   *recordingBus
	clock *clockwork.FakeClock
}

func newHarness(t *testing.T, poolSize int) *harness {
	t.Helper()

	h := &harness{
		store: newFakeStore(),
		queue: &recordingQueue{},
		sink:  &recordingSink{},
		bus:   &recordingBus{},
		clock: clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	h.svc = NewService(Params{
		Store:         h.store,
		Queue:         h.queue,
		Cache:         h.sink,
		Bus:           h.bus,
		Clock:         h.clock,
		PoolSize:      poolSize,
		LeaseDuration: testLease,
	})
	return h
}

// TestNewServicePanics verifies constructor validation of programmer
// errors.
func TestNewServicePanics(t *testing.T) {
	t.Parallel()

	tests := map[string]Params{
		"nil store":      {PoolSize: 100, LeaseDuration: testLease},
		"zero pool size": {Store: newFakeStore(), LeaseDuration: testLease},
		"zero lease":     {Store: newFakeStore(), PoolSize: 100},
	}

	for name, params := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			defer func() {
				if recover() == nil {
					t.Error("NewService should panic on invalid params")
				}
			}()
			NewService(params)
		})
	}
}

// TestActivateFreshPool verifies the plain path: an available token is
// assigned, an open usage starts at the activation time, and the side
// effects fire in order (schedule, cache, publish).
func TestActivateFreshPool(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.store.addAvailable(3)
	userID := uuid.New()

	tok, usage, err := h.svc.Activate(context.Background(), userID)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if !tok.Active() || tok.CurrentUserID == nil || *tok.CurrentUserID != userID {
		t.Errorf("activated token = %+v, want active for user %s", tok, userID)
	}
	if usage.TokenID != tok.ID || usage.UserID != userID || !usage.Open() {
		t.Errorf("usage = %+v, want open usage of token %s", usage, tok.ID)
	}
	if tok.ActivatedAt == nil || !usage.StartedAt.Equal(*tok.ActivatedAt) {
		t.Error("usage StartedAt must equal token ActivatedAt")
	}

	n, _ := h.store.CountActive(context.Background())
	if n != 1 {
		t.Errorf("active count = %d, want 1", n)
	}
	if len(h.queue.calls) != 1 || h.queue.calls[0] != tok.ID {
		t.Errorf("queue schedules = %v, want one for %s", h.queue.calls, tok.ID)
	}
	if len(h.sink.active) != 1 || h.sink.active[0] != tok.ID {
		t.Errorf("cache MarkActive calls = %v, want one for %s", h.sink.active, tok.ID)
	}
	acts := h.bus.byKind(token.EventActivated)
	if len(acts) != 1 || acts[0].TokenID != tok.ID {
		t.Errorf("activated events = %v, want one for %s", acts, tok.ID)
	}
}

// TestActivateDuplicateUser verifies that a user holding an active
// token cannot activate a second one and that nothing changes.
func TestActivateDuplicateUser(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.store.addAvailable(3)
	userID := uuid.New()

	if _, _, err := h.svc.Activate(context.Background(), userID); err != nil {
		t.Fatalf("first Activate: %v", err)
	}

	_, _, err := h.svc.Activate(context.Background(), userID)
	if !errors.Is(err, token.ErrAlreadyHasActiveToken) {
		t.Fatalf("second Activate = %v, want ErrAlreadyHasActiveToken", err)
	}

	n, _ := h.store.CountActive(context.Background())
	if n != 1 {
		t.Errorf("active count after rejected activation = %d, want 1", n)
	}
	if got := len(h.queue.calls); got != 1 {
		t.Errorf("queue schedules = %d, want 1 (no side effects on failure)", got)
	}
}

// TestActivatePreemptsOldest verifies saturated-pool behavior: the
// token with the earliest activation is released in-line and reassigned
// to the new user, its history gaining a closed epoch and a fresh open
// one.
func TestActivatePreemptsOldest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.store.addAvailable(3)
	ctx := context.Background()

	// Fill the pool with three holders, ticking the clock so the first
	// activation is strictly oldest.
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	var firstTok uuid.UUID
	var firstUser uuid.UUID
	for i, u := range users {
		tok, _, err := h.svc.Activate(ctx, u)
		if err != nil {
			t.Fatalf("fill Activate %d: %v", i, err)
		}
		if i == 0 {
			firstTok, firstUser = tok.ID, u
		}
		h.clock.Advance(time.Second)
	}

	newcomer := uuid.New()
	tok, usage, err := h.svc.Activate(ctx, newcomer)
	if err != nil {
		t.Fatalf("preempting Activate: %v", err)
	}

	if tok.ID != firstTok {
		t.Errorf("preempted token = %s, want oldest %s", tok.ID, firstTok)
	}
	if *tok.CurrentUserID != newcomer {
		t.Errorf("holder = %s, want %s", *tok.CurrentUserID, newcomer)
	}

	hist := h.store.tokenUsages(firstTok)
	if len(hist) != 2 {
		t.Fatalf("usage history length = %d, want 2", len(hist))
	}
	if !hist[0].Open() || hist[0].UserID != newcomer {
		t.Errorf("newest usage = %+v, want open usage for %s", hist[0], newcomer)
	}
	if hist[1].Open() || hist[1].UserID != firstUser {
		t.Errorf("displaced usage = %+v, want closed usage for %s", hist[1], firstUser)
	}
	if usage.ID != hist[0].ID {
		t.Error("returned usage should be the newly opened one")
	}

	n, _ := h.store.CountActive(ctx)
	if n != 3 {
		t.Errorf("active count after preemption = %d, want 3 (totals unchanged)", n)
	}

	// The displaced epoch gets its release event before the activation
	// event for the new epoch.
	rels := h.bus.byKind(token.EventReleased)
	if len(rels) != 1 || rels[0].TokenID != firstTok {
		t.Errorf("released events = %v, want one for %s", rels, firstTok)
	}
}

// TestActivatePreemptionRepicksStaleVictim verifies that when the
// ordered pick hands back a row a concurrent preemptor already
// reassigned, the allocator re-picks and releases the true oldest
// epoch instead of the freshly assigned one.
func TestActivatePreemptionRepicksStaleVictim(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	ids := h.store.addAvailable(2)
	ctx := context.Background()

	u1, u2, u3, u4 := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	if _, _, err := h.svc.Activate(ctx, u1); err != nil {
		t.Fatalf("Activate u1: %v", err)
	}
	h.clock.Advance(time.Second)
	if _, _, err := h.svc.Activate(ctx, u2); err != nil {
		t.Fatalf("Activate u2: %v", err)
	}

	// u3 preempts the oldest epoch, so ids[0] now carries the newest
	// activation and ids[1] the oldest.
	h.clock.Advance(time.Second)
	if tok, _, err := h.svc.Activate(ctx, u3); err != nil || tok.ID != ids[0] {
		t.Fatalf("Activate u3 = %v, %v, want token %s", tok, err, ids[0])
	}

	// Hand u4's first pick the stale row u3 just took.
	h.clock.Advance(time.Second)
	h.store.forceOldest = &ids[0]
	tok, _, err := h.svc.Activate(ctx, u4)
	if err != nil {
		t.Fatalf("Activate u4: %v", err)
	}
	if tok.ID != ids[1] {
		t.Errorf("preempted token = %s, want true oldest %s", tok.ID, ids[1])
	}

	held, err := h.store.GetUserActiveToken(ctx, u3)
	if err != nil || held == nil || held.ID != ids[0] {
		t.Errorf("u3 holds %v, %v, want %s untouched", held, err, ids[0])
	}
	if held, _ := h.store.GetUserActiveToken(ctx, u2); held != nil {
		t.Errorf("u2 still holds %s, want displaced", held.ID)
	}

	hist := h.store.tokenUsages(ids[1])
	if len(hist) != 2 || !hist[0].Open() || hist[0].UserID != u4 || hist[1].Open() || hist[1].UserID != u2 {
		t.Errorf("usage history for %s = %+v, want closed u2 epoch then open u4 epoch", ids[1], hist)
	}
}

// TestActivateNoTokensAvailable verifies the race-safe failure when the
// pool is not saturated but every available row is locked elsewhere.
func TestActivateNoTokensAvailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.store.addAvailable(3)
	h.store.hideAvailable = true

	_, _, err := h.svc.Activate(context.Background(), uuid.New())
	if !errors.Is(err, token.ErrNoTokensAvailable) {
		t.Fatalf("Activate = %v, want ErrNoTokensAvailable", err)
	}
}

// TestActivateScheduleFailureDoesNotFail verifies that a queue failure
// after commit leaves the activation successful.
func TestActivateScheduleFailureDoesNotFail(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.store.addAvailable(1)
	h.queue.err = errors.New("queue down")

	tok, _, err := h.svc.Activate(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Activate with failing queue = %v, want success", err)
	}
	if !tok.Active() {
		t.Error("token should be active despite schedule failure")
	}
}

// TestReleaseRoundTrip verifies that releasing an activated token
// restores its pre-activation state while history grows by one closed
// usage, and that releasing again is a no-op success with no second
// event.
func TestReleaseRoundTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.store.addAvailable(1)
	ctx := context.Background()

	tok, _, err := h.svc.Activate(ctx, uuid.New())
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}

	rel, err := h.svc.Release(ctx, tok.ID)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if rel.Active() || rel.CurrentUserID != nil || rel.ActivatedAt != nil {
		t.Errorf("released token = %+v, want clean available state", rel)
	}

	hist := h.store.tokenUsages(tok.ID)
	if len(hist) != 1 || hist[0].Open() {
		t.Errorf("history = %+v, want exactly one closed usage", hist)
	}

	// Idempotent second release.
	again, err := h.svc.Release(ctx, tok.ID)
	if err != nil {
		t.Fatalf("second Release = %v, want no-op success", err)
	}
	if again.Active() {
		t.Error("second Release should report the available state")
	}
	if rels := h.bus.byKind(token.EventReleased); len(rels) != 1 {
		t.Errorf("released events = %d, want 1 (no event for the no-op)", len(rels))
	}
}

// TestReleaseUnknownToken verifies the not-found mapping.
func TestReleaseUnknownToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	_, err := h.svc.Release(context.Background(), uuid.New())
	if !errors.Is(err, token.ErrTokenNotFound) {
		t.Errorf("Release(unknown) = %v, want ErrTokenNotFound", err)
	}
}

// TestClearActive verifies the escape hatch resets every active token,
// reports the count, updates the cache in bulk, and publishes one
// release event per token.
func TestClearActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 5)
	h.store.addAvailable(5)
	ctx := context.Background()

	for range 3 {
		if _, _, err := h.svc.Activate(ctx, uuid.New()); err != nil {
			t.Fatalf("Activate: %v", err)
		}
	}

	n, err := h.svc.ClearActive(ctx)
	if err != nil {
		t.Fatalf("ClearActive: %v", err)
	}
	if n != 3 {
		t.Errorf("ClearActive = %d, want 3", n)
	}

	active, _ := h.store.CountActive(ctx)
	if active != 0 {
		t.Errorf("active count after clear = %d, want 0", active)
	}
	if len(h.sink.bulk) != 1 || len(h.sink.bulk[0]) != 3 {
		t.Errorf("bulk cache updates = %v, want one batch of 3", h.sink.bulk)
	}
	if rels := h.bus.byKind(token.EventReleased); len(rels) != 3 {
		t.Errorf("released events = %d, want 3", len(rels))
	}

	// Empty pool: still success, zero count.
	n, err = h.svc.ClearActive(ctx)
	if err != nil || n != 0 {
		t.Errorf("ClearActive on idle pool = %d, %v, want 0, nil", n, err)
	}
}

// TestExpireIfDue verifies the expiration contract: not due before the
// lease elapses, released once after, and idempotent on duplicates.
func TestExpireIfDue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.store.addAvailable(1)
	ctx := context.Background()

	tok, _, err := h.svc.Activate(ctx, uuid.New())
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// Not yet due.
	if _, err := h.svc.ExpireIfDue(ctx, tok.ID); !errors.Is(err, token.ErrNotExpired) {
		t.Fatalf("early ExpireIfDue = %v, want ErrNotExpired", err)
	}

	h.clock.Advance(testLease + time.Second)

	rel, err := h.svc.ExpireIfDue(ctx, tok.ID)
	if err != nil {
		t.Fatalf("due ExpireIfDue: %v", err)
	}
	if rel.Active() {
		t.Error("expired token should be available")
	}

	hist := h.store.tokenUsages(tok.ID)
	if len(hist) != 1 || hist[0].Open() {
		t.Fatalf("history = %+v, want one closed usage", hist)
	}

	// Duplicate job: no-op, and still exactly one release event for the
	// epoch.
	if _, err := h.svc.ExpireIfDue(ctx, tok.ID); !errors.Is(err, token.ErrNotExpired) {
		t.Errorf("duplicate ExpireIfDue = %v, want ErrNotExpired", err)
	}
	if rels := h.bus.byKind(token.EventReleased); len(rels) != 1 {
		t.Errorf("released events = %d, want 1 per epoch", len(rels))
	}
}

// TestExpireIfDueStaleEpoch verifies that a job scheduled for an old
// epoch does not release a newer activation of the same token.
func TestExpireIfDueStaleEpoch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.store.addAvailable(1)
	ctx := context.Background()

	tok, _, err := h.svc.Activate(ctx, uuid.New())
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// Release and reactivate after 60s: the original epoch's job now
	// fires against a fresh activation.
	h.clock.Advance(time.Minute)
	if _, err := h.svc.Release(ctx, tok.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, _, err := h.svc.Activate(ctx, uuid.New()); err != nil {
		t.Fatalf("reactivate: %v", err)
	}

	// At the original epoch's deadline the new epoch is only 60s old.
	h.clock.Advance(testLease - time.Minute + time.Second)
	if _, err := h.svc.ExpireIfDue(ctx, tok.ID); !errors.Is(err, token.ErrNotExpired) {
		t.Errorf("stale-epoch ExpireIfDue = %v, want ErrNotExpired", err)
	}

	n, _ := h.store.CountActive(ctx)
	if n != 1 {
		t.Errorf("active count = %d, want 1 (new epoch untouched)", n)
	}
}

// TestExpireIfDueUnknownToken verifies the not-found mapping from the
// expiration path.
func TestExpireIfDueUnknownToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	_, err := h.svc.ExpireIfDue(context.Background(), uuid.New())
	if !errors.Is(err, token.ErrTokenNotFound) {
		t.Errorf("ExpireIfDue(unknown) = %v, want ErrTokenNotFound", err)
	}
}
