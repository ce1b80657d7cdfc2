// Package heartbeat nudges an idle agent with a keepalive request.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cpjet64/codexrt/internal/common/clock"
	"github.com/cpjet64/codexrt/internal/common/logger"
)

// Common errors
var (
	ErrAlreadyRunning = errors.New("heartbeat already running")
	ErrDisposed       = errors.New("heartbeat disposed")
)

// Func sends one keepalive.
type Func func(ctx context.Context) error

// Config holds scheduler timing.
type Config struct {
	Interval time.Duration // idle time before a heartbeat is sent
	Tick     time.Duration // how often idleness is checked
}

// Scheduler sends a heartbeat when no activity has been seen for Interval.
type Scheduler struct {
	config Config
	beat   Func
	clock  clock.Clock
	logger *logger.Logger

	lastActivity atomic.Int64
	sent         atomic.Int64
	failed       atomic.Int64

	mu       sync.Mutex
	running  bool
	disposed bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// New creates a Scheduler. The idle timer starts at construction.
func New(cfg Config, beat Func, log *logger.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		config: cfg,
		beat:   beat,
		clock:  clock.Real{},
		logger: log.WithComponent("heartbeat"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.config.Tick <= 0 {
		s.config.Tick = s.config.Interval
	}
	s.MarkActivity()
	return s
}

// Start begins the periodic check on a background goroutine.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrDisposed
	}
	if s.running {
		return ErrAlreadyRunning
	}
	if s.config.Interval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", s.config.Interval)
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.loop(s.stopCh)

	s.logger.Info("heartbeat started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("tick", s.config.Tick))
	return nil
}

// MarkActivity resets the idle timer.
func (s *Scheduler) MarkActivity() {
	s.lastActivity.Store(s.clock.Now().UnixNano())
}

// Check sends a heartbeat if the idle window has elapsed and reports whether
// it did. The idle timer is reset whether or not the heartbeat succeeds.
func (s *Scheduler) Check(ctx context.Context) bool {
	now := s.clock.Now()
	last := time.Unix(0, s.lastActivity.Load())
	if now.Sub(last) < s.config.Interval {
		return false
	}
	s.lastActivity.Store(now.UnixNano())

	s.sent.Add(1)
	if err := s.send(ctx); err != nil {
		s.failed.Add(1)
		s.logger.Warn("heartbeat failed", zap.Error(err))
	} else {
		s.logger.Debug("heartbeat sent", zap.Duration("idle", now.Sub(last)))
	}
	return true
}

// Sent is the number of heartbeats attempted.
func (s *Scheduler) Sent() int64 { return s.sent.Load() }

// Failed is the number of heartbeats that returned an error or panicked.
func (s *Scheduler) Failed() int64 { return s.failed.Load() }

// Dispose stops the background check. The scheduler cannot be restarted.
func (s *Scheduler) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	wasRunning := s.running
	s.running = false
	if wasRunning {
		close(s.stopCh)
	}
	s.mu.Unlock()

	s.wg.Wait()
	if wasRunning {
		s.logger.Info("heartbeat stopped")
	}
}

func (s *Scheduler) loop(stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

func (s *Scheduler) send(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("heartbeat panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("heartbeat panic: %v", r)
		}
	}()

	// A heartbeat never outlives its own window.
	ctx, cancel := context.WithTimeout(ctx, s.config.Interval)
	defer cancel()
	return s.beat(ctx)
}
