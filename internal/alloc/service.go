package alloc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/parchlabs/tokenpool/internal/logutil"
	"github.com/parchlabs/tokenpool/internal/token"
)

// TxStore is the transactional query surface the allocator needs. It is
// satisfied by the repository bound to a transaction; tests substitute
// an in-memory fake.
type TxStore interface {
	GetUserActiveToken(ctx context.Context, userID uuid.UUID) (*token.Token, error)
	PickAvailableForUpdate(ctx context.Context) (*token.Token, error)
	PickOldestActiveForUpdate(ctx context.Context) (*token.Token, error)
	CountActive(ctx context.Context) (int, error)
	GetTokenForUpdate(ctx context.Context, id uuid.UUID) (*token.Token, error)
	UpdateToken(ctx context.Context, t *token.Token, now time.Time) error
	InsertUsage(ctx context.Context, u *token.Usage) error
	GetOpenUsage(ctx context.Context, tokenID uuid.UUID) (*token.Usage, error)
	CloseUsage(ctx context.Context, usageID uuid.UUID, endedAt time.Time) error
	ClearAllActive(ctx context.Context, now time.Time) ([]uuid.UUID, int, error)
}

// Store opens transactions over a TxStore. The transaction commits iff
// fn returns nil.
type Store interface {
	WithTx(ctx context.Context, fn func(tx TxStore) error) error
}

// Scheduler enqueues a delayed release for a token. Satisfied by the
// delayed-release queue.
type Scheduler interface {
	Schedule(ctx context.Context, tokenID uuid.UUID, delay time.Duration) error
}

// StateSink receives post-commit state updates. Satisfied by the state
// cache.
type StateSink interface {
	MarkActive(t token.Token, userID uuid.UUID, activatedAt time.Time)
	MarkAvailable(tokenID uuid.UUID)
	BulkMarkAvailable(tokenIDs []uuid.UUID)
}

// Publisher broadcasts state-change events. Satisfied by the event bus.
type Publisher interface {
	Publish(ev token.Event)
}

// Params configures NewService. Store is required; the side-effect
// collaborators may be nil (useful in tests), in which case the
// corresponding post-commit step is skipped.
type Params struct {
	Store Store
	Queue Scheduler
	Cache StateSink
	Bus   Publisher

	// Clock supplies the timestamps written to the store. Defaults to
	// the real clock.
	Clock clockwork.Clock

	// PoolSize is the fixed number of tokens; the preemption threshold.
	PoolSize int

	// LeaseDuration is how long an activation holds a token before the
	// queue reclaims it.
	LeaseDuration time.Duration

	Logger *slog.Logger
}

// Service is the allocator. It is safe for concurrent use; all shared
// state lives in the database and serializes via row locks.
type Service struct {
	store Store
	queue Scheduler
	cache StateSink
	bus   Publisher
	clock clockwork.Clock
	size  int
	lease time.Duration
	log   *slog.Logger
}

// NewService builds the allocator. Panics if p.Store is nil or the
// numeric parameters are not positive; those are programmer errors.
func NewService(p Params) *Service {
	if p.Store == nil {
		panic("tokenpool: alloc.NewService requires a Store")
	}
	if p.PoolSize <= 0 {
		panic(fmt.Sprintf("tokenpool: alloc.NewService pool size must be positive, got %d", p.PoolSize))
	}
	if p.LeaseDuration <= 0 {
		panic(fmt.Sprintf("tokenpool: alloc.NewService lease duration must be positive, got %v", p.LeaseDuration))
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	if p.Logger == nil {
		p.Logger = logutil.Logger().With("subsystem", "alloc")
	}
	return &Service{
		store: p.Store,
		queue: p.Queue,
		cache: p.Cache,
		bus:   p.Bus,
		clock: p.Clock,
		size:  p.PoolSize,
		lease: p.LeaseDuration,
		log:   p.Logger,
	}
}

// Activate assigns a token to userID. It prefers an unlocked available
// row (skip-locked, retried once to absorb a concurrent release) and
// falls back to preempting the oldest active token when the pool is
// saturated. Returns the activated token and its open usage.
//
// Errors: ErrAlreadyHasActiveToken when the user already holds a token
// (the partial unique index backstops the explicit check);
// ErrNoTokensAvailable when neither pick yields a row.
func (s *Service) Activate(ctx context.Context, userID uuid.UUID) (*token.Token, *token.Usage, error) {
	now := s.clock.Now().UTC()

	var (
		activated token.Token
		usage     token.Usage
		preempted *preemptedEpoch
	)

	err := s.store.WithTx(ctx, func(tx TxStore) error {
		if existing, err := tx.GetUserActiveToken(ctx, userID); err != nil {
			return err
		} else if existing != nil {
			return fmt.Errorf("user %s holds token %s: %w", userID, existing.ID, token.ErrAlreadyHasActiveToken)
		}

		t, ep, err := s.selectToken(ctx, tx, now)
		if err != nil {
			return err
		}
		preempted = ep

		t.Status = token.StatusActive
		t.CurrentUserID = &userID
		t.ActivatedAt = &now
		if err := tx.UpdateToken(ctx, t, now); err != nil {
			return err
		}

		usage = token.Usage{
			ID:        uuid.New(),
			TokenID:   t.ID,
			UserID:    userID,
			StartedAt: now,
			CreatedAt: now,
		}
		if err := tx.InsertUsage(ctx, &usage); err != nil {
			return err
		}

		activated = *t
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	// Post-commit side effects, in order: schedule, cache, publish.
	// A schedule failure does not fail the activation; the reconciler
	// and the clear escape hatch bound the leak.
	if s.queue != nil {
		if err := s.queue.Schedule(ctx, activated.ID, s.lease); err != nil {
			s.log.Warn("schedule delayed release failed",
				"token_id", activated.ID, "error", err)
		}
	}
	if s.cache != nil {
		s.cache.MarkActive(activated, userID, now)
	}
	if s.bus != nil {
		if preempted != nil {
			s.bus.Publish(token.Released(activated.ID))
		}
		s.bus.Publish(token.Activated(activated.ID, userID, now))
	}

	if preempted != nil {
		s.log.Info("preempted oldest active token",
			"token_id", activated.ID,
			"previous_user_id", preempted.userID,
			"held_since", preempted.since,
			"new_user_id", userID)
	}

	return &activated, &usage, nil
}

// preemptedEpoch records the holder displaced by a saturated-pool
// activation, for logging and the per-epoch release event.
type preemptedEpoch struct {
	userID uuid.UUID
	since  time.Time
}

// selectToken picks the token to activate: an unlocked available row if
// one exists (retried once when the active count suggests a concurrent
// release just freed one), otherwise the oldest active row, released
// in-line. The count check is advisory only; the row-locked picks are
// the authority.
func (s *Service) selectToken(ctx context.Context, tx TxStore, now time.Time) (*token.Token, *preemptedEpoch, error) {
	t, err := tx.PickAvailableForUpdate(ctx)
	if err != nil {
		return nil, nil, err
	}
	if t != nil {
		return t, nil, nil
	}

	active, err := tx.CountActive(ctx)
	if err != nil {
		return nil, nil, err
	}

	if active < s.size {
		// A concurrent release may have freed a row between the pick
		// and the count. One retry; if it still yields nothing the
		// remaining available rows are locked by concurrent activators.
		if t, err = tx.PickAvailableForUpdate(ctx); err != nil {
			return nil, nil, err
		}
		if t != nil {
			return t, nil, nil
		}
		return nil, nil, fmt.Errorf("pool not saturated but no unlocked available row: %w", token.ErrNoTokensAvailable)
	}

	// The blocking pick can return a row that was preempted and handed
	// to another user while this transaction waited on its lock; the
	// re-evaluated row is then no longer the oldest. Re-pick until the
	// choice is stable. Each pass locks at most one more row and picks
	// run in one global order, so the loop is bounded by the pool size
	// and cannot deadlock with concurrent preemptors.
	var victim *token.Token
	for {
		v, err := tx.PickOldestActiveForUpdate(ctx)
		if err != nil {
			return nil, nil, err
		}
		if v == nil {
			return nil, nil, fmt.Errorf("saturated pool with no lockable active row: %w", token.ErrNoTokensAvailable)
		}
		if victim != nil && victim.ID == v.ID {
			victim = v
			break
		}
		victim = v
	}

	ep := &preemptedEpoch{userID: *victim.CurrentUserID, since: *victim.ActivatedAt}
	if err := s.releaseLocked(ctx, tx, victim, now); err != nil {
		return nil, nil, err
	}
	return victim, ep, nil
}

// releaseLocked closes the token's open usage and resets it to
// available. The caller must hold the row lock.
func (s *Service) releaseLocked(ctx context.Context, tx TxStore, t *token.Token, now time.Time) error {
	u, err := tx.GetOpenUsage(ctx, t.ID)
	if err != nil {
		return err
	}
	if u != nil {
		if err := tx.CloseUsage(ctx, u.ID, now); err != nil {
			return err
		}
	}
	t.Status = token.StatusAvailable
	t.CurrentUserID = nil
	t.ActivatedAt = nil
	return tx.UpdateToken(ctx, t, now)
}

// Release returns the token to the pool, closing its open usage.
// Releasing an already-available token is a no-op success, so callers
// may retry freely.
func (s *Service) Release(ctx context.Context, tokenID uuid.UUID) (*token.Token, error) {
	now := s.clock.Now().UTC()

	var (
		released token.Token
		wasNoop  bool
	)
	err := s.store.WithTx(ctx, func(tx TxStore) error {
		t, err := tx.GetTokenForUpdate(ctx, tokenID)
		if err != nil {
			return err
		}
		if !t.Active() {
			released = *t
			wasNoop = true
			return nil
		}
		if err := s.releaseLocked(ctx, tx, t, now); err != nil {
			return err
		}
		released = *t
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !wasNoop {
		if s.cache != nil {
			s.cache.MarkAvailable(released.ID)
		}
		if s.bus != nil {
			s.bus.Publish(token.Released(released.ID))
		}
	}
	return &released, nil
}

// ClearActive resets every active token and closes every open usage at
// one timestamp. Always succeeds; with no active tokens it returns 0.
// The operator escape hatch behind stuck leases.
func (s *Service) ClearActive(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()

	var cleared []uuid.UUID
	err := s.store.WithTx(ctx, func(tx TxStore) error {
		var err error
		cleared, _, err = tx.ClearAllActive(ctx, now)
		return err
	})
	if err != nil {
		return 0, err
	}

	if len(cleared) > 0 {
		if s.cache != nil {
			s.cache.BulkMarkAvailable(cleared)
		}
		if s.bus != nil {
			for _, id := range cleared {
				s.bus.Publish(token.Released(id))
			}
		}
		s.log.Info("cleared active tokens", "count", len(cleared))
	}
	return len(cleared), nil
}

// ExpireIfDue releases the token if its current activation epoch has
// outlived the lease. Invoked by the delayed-release queue.
//
// Returns ErrNotExpired (a success for the queue) when the token is
// no longer active, its usage is already closed, or the epoch the job
// was scheduled for has been superseded by a newer activation (the new
// epoch carries its own job). Duplicate and retried jobs are therefore
// idempotent: at most one release happens per epoch.
func (s *Service) ExpireIfDue(ctx context.Context, tokenID uuid.UUID) (*token.Token, error) {
	now := s.clock.Now().UTC()

	var released token.Token
	err := s.store.WithTx(ctx, func(tx TxStore) error {
		t, err := tx.GetTokenForUpdate(ctx, tokenID)
		if err != nil {
			return err
		}
		if !t.Active() {
			return fmt.Errorf("token %s already available: %w", tokenID, token.ErrNotExpired)
		}
		u, err := tx.GetOpenUsage(ctx, tokenID)
		if err != nil {
			return err
		}
		if u == nil {
			return fmt.Errorf("token %s has no open usage: %w", tokenID, token.ErrNotExpired)
		}

		expiresAt := t.ActivatedAt.Add(s.lease)
		if now.Before(expiresAt) {
			// Stale job firing against a newer epoch.
			return fmt.Errorf("token %s expires at %s: %w", tokenID, expiresAt.Format(time.RFC3339), token.ErrNotExpired)
		}

		if err := s.releaseLocked(ctx, tx, t, now); err != nil {
			return err
		}
		released = *t
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.MarkAvailable(released.ID)
	}
	if s.bus != nil {
		s.bus.Publish(token.Released(released.ID))
	}
	s.log.Debug("expired token", "token_id", released.ID)
	return &released, nil
}
