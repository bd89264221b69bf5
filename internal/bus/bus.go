package bus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/parchlabs/tokenpool/internal/logutil"
	"github.com/parchlabs/tokenpool/internal/token"
)

// DefaultBufferSize is the per-subscription channel buffer. A full
// buffer drops further events for that subscriber until it drains.
const DefaultBufferSize = 16

// Bus broadcasts token state-change events to subscribers of the global
// topic and of per-token topics. Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	global   map[*Subscription]struct{}
	perToken map[uuid.UUID]map[*Subscription]struct{}
	buffer   int
}

// New creates a Bus with the given per-subscription buffer size;
// size <= 0 selects DefaultBufferSize.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Bus{
		global:   make(map[*Subscription]struct{}),
		perToken: make(map[uuid.UUID]map[*Subscription]struct{}),
		buffer:   buffer,
	}
}

// Subscription is one subscriber's handle: an event channel plus a
// Close that detaches it from the bus. The channel is closed by Close,
// never by the bus.
type Subscription struct {
	ch     chan token.Event
	cancel func()
	once   sync.Once
}

// Events returns the subscriber's receive channel.
func (s *Subscription) Events() <-chan token.Event {
	return s.ch
}

// Close detaches the subscription and closes its channel. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

// SubscribeAll subscribes to every token's state changes.
func (b *Bus) SubscribeAll() *Subscription {
	sub := &Subscription{ch: make(chan token.Event, b.buffer)}
	sub.cancel = func() {
		b.mu.Lock()
		delete(b.global, sub)
		b.mu.Unlock()
	}

	b.mu.Lock()
	b.global[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Subscribe subscribes to one token's state changes.
func (b *Bus) Subscribe(tokenID uuid.UUID) *Subscription {
	sub := &Subscription{ch: make(chan token.Event, b.buffer)}
	sub.cancel = func() {
		b.mu.Lock()
		if subs, ok := b.perToken[tokenID]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(b.perToken, tokenID)
			}
		}
		b.mu.Unlock()
	}

	b.mu.Lock()
	subs, ok := b.perToken[tokenID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.perToken[tokenID] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers ev to the global topic and to the event's token
// topic. Never blocks: subscribers with full buffers miss the event.
func (b *Bus) Publish(ev token.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.global {
		b.send(sub, ev)
	}
	for sub := range b.perToken[ev.TokenID] {
		b.send(sub, ev)
	}
}

// send attempts a non-blocking delivery to one subscription.
func (b *Bus) send(sub *Subscription, ev token.Event) {
	select {
	case sub.ch <- ev:
	default:
		// Best-effort contract: slow subscriber loses the event.
		logutil.Logger().Debug("event dropped for slow subscriber",
			"kind", ev.Kind, "token_id", ev.TokenID)
	}
}
