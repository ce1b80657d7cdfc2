// Package turns tracks open turns and routes bus events to them.
package turns

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cpjet64/codexrt/internal/common/clock"
	"github.com/cpjet64/codexrt/internal/common/logger"
	"github.com/cpjet64/codexrt/internal/events/bus"
	"github.com/cpjet64/codexrt/pkg/codex"
)

// Turn is one request/response exchange, from submission to its terminal event.
type Turn struct {
	ID        string
	CreatedAt time.Time
}

// Callback observes every event that belongs to an open turn.
type Callback func(turn Turn, ev *codex.Event)

// Correlator keeps a registry of open turns keyed by event id. A turn is
// retired as soon as a terminal event for it has been delivered.
type Correlator struct {
	clock  clock.Clock
	logger *logger.Logger

	mu        sync.Mutex
	turns     map[string]Turn
	callbacks []Callback
	autoBegin bool

	sub *bus.Subscription
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithAutoBegin opens a turn when task_started arrives for an unknown id.
func WithAutoBegin() Option {
	return func(c *Correlator) { c.autoBegin = true }
}

// WithClock sets the clock used to stamp turns.
func WithClock(clk clock.Clock) Option {
	return func(c *Correlator) { c.clock = clk }
}

// New creates a Correlator subscribed to b.
func New(b *bus.Bus, log *logger.Logger, opts ...Option) *Correlator {
	c := &Correlator{
		clock:  clock.Real{},
		logger: log.WithComponent("turn-correlator"),
		turns:  make(map[string]Turn),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sub = b.AddListener(bus.Wildcard, c.onEvent)
	return c
}

// Begin opens a turn for id, replacing any existing one.
func (c *Correlator) Begin(id string) Turn {
	t := Turn{ID: id, CreatedAt: c.clock.Now()}
	c.mu.Lock()
	c.turns[id] = t
	c.mu.Unlock()
	return t
}

// Get returns the open turn for id.
func (c *Correlator) Get(id string) (Turn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.turns[id]
	return t, ok
}

// Len returns the number of open turns.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Wire registers cb for events of open turns.
func (c *Correlator) Wire(cb Callback) {
	c.mu.Lock()
	c.callbacks = append(c.callbacks, cb)
	c.mu.Unlock()
}

// Close detaches from the bus.
func (c *Correlator) Close() {
	c.sub.Unsubscribe()
}

func (c *Correlator) onEvent(ev *codex.Event) {
	c.mu.Lock()
	turn, ok := c.turns[ev.ID]
	if !ok && c.autoBegin && ev.Kind == codex.EventTaskStarted && ev.ID != "" {
		turn = Turn{ID: ev.ID, CreatedAt: c.clock.Now()}
		c.turns[ev.ID] = turn
		ok = true
	}
	callbacks := append([]Callback(nil), c.callbacks...)
	c.mu.Unlock()

	if !ok {
		return
	}

	for _, cb := range callbacks {
		c.invoke(cb, turn, ev)
	}

	if ev.Kind.Terminal() {
		c.mu.Lock()
		// A concurrent Begin may have replaced the turn; only retire the one we served.
		if cur, exists := c.turns[ev.ID]; exists && cur == turn {
			delete(c.turns, ev.ID)
		}
		c.mu.Unlock()
		c.logger.Debug("turn retired", zap.String("turn_id", ev.ID), zap.String("event_type", ev.Type))
	}
}

func (c *Correlator) invoke(cb Callback, turn Turn, ev *codex.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("turn callback panicked", zap.String("turn_id", turn.ID), zap.Any("panic", r))
		}
	}()
	cb(turn, ev)
}
