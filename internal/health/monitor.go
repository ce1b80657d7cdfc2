package health

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cpjet64/codexrt/internal/common/clock"
	"github.com/cpjet64/codexrt/internal/common/logger"
)

// ErrAlreadyRunning is returned by Start on a running monitor.
var ErrAlreadyRunning = errors.New("health monitor already running")

// Restarter restarts the agent and reports success.
type Restarter func(ctx context.Context) bool

// Observer is told about every status change.
type Observer func(from, to Status)

// Config holds monitor timing.
type Config struct {
	StaleThreshold time.Duration
	CheckInterval  time.Duration
}

// Monitor restarts the agent when it has been silent for longer than the
// staleness threshold. At most one restart is attempted per staleness
// episode; fresh stdout ends the episode.
type Monitor struct {
	snap    *Snapshot
	config  Config
	running func() bool
	restart Restarter
	clock   clock.Clock
	logger  *logger.Logger

	obsMu     sync.RWMutex
	observers []Observer

	mu     sync.Mutex
	active bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// NewMonitor creates a Monitor over snap. running reports whether the session
// is nominally up; restart is invoked on staleness.
func NewMonitor(snap *Snapshot, cfg Config, running func() bool, restart Restarter, log *logger.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		snap:    snap,
		config:  cfg,
		running: running,
		restart: restart,
		clock:   clock.Real{},
		logger:  log.WithComponent("health-monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot returns the monitored snapshot.
func (m *Monitor) Snapshot() *Snapshot { return m.snap }

// OnStatusChange registers an observer.
func (m *Monitor) OnStatusChange(fn Observer) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

// OnStdout records fresh output. It ends any staleness episode and resets
// the restart counter.
func (m *Monitor) OnStdout() {
	m.snap.TouchStdout(m.clock.Now())
	m.snap.episode.Store(false)
	m.snap.attempts.Store(0)
	if m.snap.Status() != StatusOK {
		m.setStatus(StatusOK)
	}
}

// Check runs one staleness check and reports whether a restart was attempted.
func (m *Monitor) Check(ctx context.Context) bool {
	if !m.running() {
		return false
	}
	now := m.clock.Now()
	idle := now.Sub(m.snap.lastActivity())
	if idle <= m.config.StaleThreshold {
		return false
	}
	if !m.snap.episode.CompareAndSwap(false, true) {
		return false
	}

	attempt := m.snap.attempts.Add(1)
	m.logger.Warn("agent output is stale, restarting",
		zap.Duration("idle", idle),
		zap.Duration("threshold", m.config.StaleThreshold),
		zap.Int32("attempt", attempt))

	m.setStatus(StatusStale)
	m.setStatus(StatusRestarting)

	ok := m.invokeRestart(ctx)
	m.snap.lastRestart.Store(m.clock.Now().UnixNano())

	if ok {
		m.snap.episode.Store(false)
		m.setStatus(StatusOK)
		m.logger.Info("agent restarted after staleness", zap.Int32("attempt", attempt))
	} else {
		m.setStatus(StatusError)
		m.logger.Error("agent restart failed", zap.Int32("attempt", attempt))
	}
	return true
}

// Start runs Check every CheckInterval until Stop.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return ErrAlreadyRunning
	}
	interval := m.config.CheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m.active = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.loop(m.stopCh, interval)

	m.logger.Info("health monitor started",
		zap.Duration("stale_threshold", m.config.StaleThreshold),
		zap.Duration("check_interval", interval))
	return nil
}

// Stop ends the background check and waits for it.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) loop(stop <-chan struct{}, interval time.Duration) {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) invokeRestart(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("restart panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			ok = false
		}
	}()
	return m.restart(ctx)
}

func (m *Monitor) setStatus(to Status) {
	from := Status(m.snap.status.Swap(int32(to)))
	if from == to {
		return
	}
	m.obsMu.RLock()
	observers := m.observers
	m.obsMu.RUnlock()
	for _, fn := range observers {
		fn(from, to)
	}
}
