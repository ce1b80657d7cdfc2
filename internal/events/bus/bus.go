// Package bus provides the in-process event bus that fans agent events out to
// listeners. One Bus outlives every process incarnation, so listeners never
// re-subscribe after a restart.
package bus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cpjet64/codexrt/internal/common/logger"
	"github.com/cpjet64/codexrt/pkg/codex"
)

// Wildcard listeners receive every event after the type-specific ones.
const Wildcard = "*"

// Listener handles one event. Events are shared; listeners must not mutate them.
type Listener func(ev *codex.Event)

// Subscription is a registered listener.
type Subscription struct {
	bus       *Bus
	eventType string
	fn        Listener
	active    atomic.Bool
}

// Unsubscribe removes the listener. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if !s.active.Swap(false) {
		return
	}
	s.bus.remove(s)
}

// IsValid reports whether the subscription is still active.
func (s *Subscription) IsValid() bool {
	return s.active.Load()
}

// Bus dispatches events synchronously on the publishing goroutine, so each
// listener observes events in dispatch order.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]*Subscription
	logger    *logger.Logger
}

// New creates an empty Bus.
func New(log *logger.Logger) *Bus {
	return &Bus{
		listeners: make(map[string][]*Subscription),
		logger:    log.WithComponent("event-bus"),
	}
}

// AddListener registers fn for eventType, or for every event with Wildcard.
func (b *Bus) AddListener(eventType string, fn Listener) *Subscription {
	sub := &Subscription{bus: b, eventType: eventType, fn: fn}
	sub.active.Store(true)

	b.mu.Lock()
	b.listeners[eventType] = append(b.listeners[eventType], sub)
	b.mu.Unlock()

	b.logger.Debug("listener added", zap.String("event_type", eventType))
	return sub
}

// Dispatch parses an {id, msg} envelope and publishes it. Malformed envelopes
// are dropped and reported as false.
func (b *Bus) Dispatch(raw []byte) bool {
	ev, err := codex.ParseEnvelope(raw)
	if err != nil {
		b.logger.Debug("dropping malformed event envelope", zap.Error(err))
		return false
	}
	b.Publish(ev)
	return true
}

// Publish delivers ev to the listeners for ev.Type, then to wildcard
// listeners, each group in registration order. A panicking listener is
// logged and does not stop delivery.
func (b *Bus) Publish(ev *codex.Event) {
	if ev == nil {
		return
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.listeners[ev.Type])+len(b.listeners[Wildcard]))
	if ev.Type != Wildcard {
		targets = append(targets, b.listeners[ev.Type]...)
	}
	targets = append(targets, b.listeners[Wildcard]...)
	b.mu.RUnlock()

	for _, sub := range targets {
		if !sub.active.Load() {
			continue
		}
		b.deliver(sub, ev)
	}
}

// ListenerCount returns the number of active listeners.
func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.listeners {
		n += len(subs)
	}
	return n
}

func (b *Bus) deliver(sub *Subscription, ev *codex.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				zap.String("event_type", ev.Type),
				zap.String("event_id", ev.ID),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	sub.fn(ev)
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.listeners[s.eventType]
	for i, sub := range subs {
		if sub == s {
			// Copy so in-flight Publish snapshots are not disturbed.
			next := make([]*Subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.listeners, s.eventType)
			} else {
				b.listeners[s.eventType] = next
			}
			return
		}
	}
}
