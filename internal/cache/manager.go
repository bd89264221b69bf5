package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/parchlabs/tokenpool/internal/bus"
	"github.com/parchlabs/tokenpool/internal/logutil"
	"github.com/parchlabs/tokenpool/internal/token"
)

// DefaultReconcileInterval is how often the Run loop reloads the
// snapshot from the database.
const DefaultReconcileInterval = 5 * time.Minute

// Lister loads the authoritative token set. Satisfied by the
// repository.
type Lister interface {
	ListTokens(ctx context.Context) ([]token.Token, error)
}

// Stats is a point-in-time pool summary.
type Stats struct {
	Total     int
	Active    int
	Available int
}

// snapshot is the immutable state readers see. Never mutated after
// publication; writers build a fresh one and swap the pointer.
type snapshot struct {
	tokens map[uuid.UUID]token.Token
	loaded bool
}

var emptySnapshot = &snapshot{tokens: map[uuid.UUID]token.Token{}}

// Params configures NewManager. Lister is required for Reload and Run;
// a nil Lister is allowed for write-through-only use in tests.
type Params struct {
	Lister Lister
	Bus    *bus.Bus

	Clock             clockwork.Clock
	ReconcileInterval time.Duration

	Logger *slog.Logger
}

// Manager is the state cache. All read methods are safe for concurrent
// use and never block writers.
type Manager struct {
	lister    Lister
	bus       *bus.Bus
	clock     clockwork.Clock
	reconcile time.Duration
	log       *slog.Logger

	// mu serializes writers; snap is what readers load.
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewManager builds the cache with an empty, unloaded snapshot.
func NewManager(p Params) *Manager {
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	if p.ReconcileInterval <= 0 {
		p.ReconcileInterval = DefaultReconcileInterval
	}
	if p.Logger == nil {
		p.Logger = logutil.Logger().With("subsystem", "cache")
	}
	m := &Manager{
		lister:    p.Lister,
		bus:       p.Bus,
		clock:     p.Clock,
		reconcile: p.ReconcileInterval,
		log:       p.Logger,
	}
	m.snap.Store(emptySnapshot)
	return m
}

// Loaded reports whether the cache has completed at least one Reload.
// Until then readers should fall back to the repository.
func (m *Manager) Loaded() bool {
	return m.snap.Load().loaded
}

// Get returns the cached token, or false if the id is unknown.
func (m *Manager) Get(tokenID uuid.UUID) (token.Token, bool) {
	t, ok := m.snap.Load().tokens[tokenID]
	return t, ok
}

// ListAll returns every cached token ordered by id.
func (m *Manager) ListAll() []token.Token {
	out := m.collect(func(token.Token) bool { return true })
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out
}

// ListActive returns the cached active tokens, most recently activated
// first.
func (m *Manager) ListActive() []token.Token {
	out := m.collect(func(t token.Token) bool { return t.Active() })
	sortByActivation(out)
	return out
}

// ListAvailable returns the cached available tokens, most recently
// activated first; never-activated tokens sort last.
func (m *Manager) ListAvailable() []token.Token {
	out := m.collect(func(t token.Token) bool { return t.Status == token.StatusAvailable })
	sortByActivation(out)
	return out
}

func (m *Manager) collect(keep func(token.Token) bool) []token.Token {
	snap := m.snap.Load()
	out := make([]token.Token, 0, len(snap.tokens))
	for _, t := range snap.tokens {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// sortByActivation orders tokens by activation time descending, tokens
// without an activation time last, ties broken by id.
func sortByActivation(out []token.Token) {
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ActivatedAt, out[j].ActivatedAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return lessID(out[i].ID, out[j].ID)
	})
}

func lessID(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// Stats returns the cached pool counts.
func (m *Manager) Stats() Stats {
	snap := m.snap.Load()
	s := Stats{Total: len(snap.tokens)}
	for _, t := range snap.tokens {
		if t.Active() {
			s.Active++
		} else {
			s.Available++
		}
	}
	return s
}

// mutate swaps in a copy of the current snapshot transformed by fn.
func (m *Manager) mutate(fn func(tokens map[uuid.UUID]token.Token)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.snap.Load()
	next := make(map[uuid.UUID]token.Token, len(cur.tokens))
	for id, t := range cur.tokens {
		next[id] = t
	}
	fn(next)
	m.snap.Store(&snapshot{tokens: next, loaded: cur.loaded})
}

// MarkActive records t as active for userID since activatedAt.
func (m *Manager) MarkActive(t token.Token, userID uuid.UUID, activatedAt time.Time) {
	m.mutate(func(tokens map[uuid.UUID]token.Token) {
		t.Status = token.StatusActive
		t.CurrentUserID = &userID
		t.ActivatedAt = &activatedAt
		t.Usages = nil
		tokens[t.ID] = t
	})
}

// MarkAvailable records the token as returned to the pool. Unknown ids
// are ignored; the reconciler owns discovering new rows.
func (m *Manager) MarkAvailable(tokenID uuid.UUID) {
	m.BulkMarkAvailable([]uuid.UUID{tokenID})
}

// BulkMarkAvailable records many tokens as returned at once, in one
// snapshot swap.
func (m *Manager) BulkMarkAvailable(tokenIDs []uuid.UUID) {
	m.mutate(func(tokens map[uuid.UUID]token.Token) {
		for _, id := range tokenIDs {
			t, ok := tokens[id]
			if !ok {
				continue
			}
			t.Status = token.StatusAvailable
			t.CurrentUserID = nil
			t.ActivatedAt = nil
			tokens[id] = t
		}
	})
}

// Reload replaces the whole snapshot from the authoritative store.
func (m *Manager) Reload(ctx context.Context) error {
	if m.lister == nil {
		return errors.New("cache: no lister configured")
	}
	list, err := m.lister.ListTokens(ctx)
	if err != nil {
		return fmt.Errorf("reload token cache: %w", err)
	}

	tokens := make(map[uuid.UUID]token.Token, len(list))
	for _, t := range list {
		t.Usages = nil
		tokens[t.ID] = t
	}

	m.mu.Lock()
	m.snap.Store(&snapshot{tokens: tokens, loaded: true})
	m.mu.Unlock()

	m.log.Debug("reloaded token cache", "tokens", len(tokens))
	return nil
}

// applyEvent folds one bus event into the snapshot. Events carry the
// same transitions the writers already applied synchronously, so
// replaying them is idempotent.
func (m *Manager) applyEvent(ev token.Event) {
	switch ev.Kind {
	case token.EventActivated:
		if ev.UserID == nil || ev.ActivatedAt == nil {
			return
		}
		m.mutate(func(tokens map[uuid.UUID]token.Token) {
			t, ok := tokens[ev.TokenID]
			if !ok {
				t = token.Token{ID: ev.TokenID}
			}
			t.Status = token.StatusActive
			t.CurrentUserID = ev.UserID
			t.ActivatedAt = ev.ActivatedAt
			tokens[ev.TokenID] = t
		})
	case token.EventReleased:
		m.MarkAvailable(ev.TokenID)
	}
}

// SubscribeAll subscribes to every token's state changes on the
// configured bus. Panics when the manager was built without a bus;
// that is a programmer error.
func (m *Manager) SubscribeAll() *bus.Subscription {
	if m.bus == nil {
		panic("tokenpool: cache manager has no bus configured")
	}
	return m.bus.SubscribeAll()
}

// Subscribe subscribes to one token's state changes on the configured
// bus. Panics when the manager was built without a bus.
func (m *Manager) Subscribe(tokenID uuid.UUID) *bus.Subscription {
	if m.bus == nil {
		panic("tokenpool: cache manager has no bus configured")
	}
	return m.bus.Subscribe(tokenID)
}

// Run consumes bus events and reconciles against the database every
// ReconcileInterval. Blocks until ctx is canceled; returns nil on clean
// shutdown.
func (m *Manager) Run(ctx context.Context) error {
	var events <-chan token.Event
	if m.bus != nil {
		sub := m.bus.SubscribeAll()
		defer sub.Close()
		events = sub.Events()
	}

	ticker := m.clock.NewTicker(m.reconcile)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			m.applyEvent(ev)
		case <-ticker.Chan():
			if err := m.Reload(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				m.log.Warn("cache reconcile failed", "error", err)
			}
		}
	}
}
