// Package process owns the lifecycle of the single codex app-server subprocess.
package process

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cpjet64/codexrt/internal/common/logger"
	"go.uber.org/zap"
)

var (
	// ErrNotRunning is returned by Send when no process is installed.
	ErrNotRunning = errors.New("process not running")
	// ErrNoExecutable is returned when the config names no executable.
	ErrNoExecutable = errors.New("no executable configured")
)

// Config describes how to launch the agent. It is rebuilt by the
// configuration provider before each start and never mutated afterwards.
type Config struct {
	Executable string
	Args       []string
	WorkDir    string
	Env        map[string]string
	InheritEnv bool
}

// Supervisor keeps at most one agent process alive.
type Supervisor struct {
	logger *logger.Logger
	launch Launcher

	// startMu serializes whole Start and Stop calls, teardown included; mu
	// guards only the handle swap so readers never wait on Destroy.
	startMu sync.Mutex
	mu      sync.Mutex
	handle  Handle

	starts atomic.Int64
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLauncher replaces the os/exec launcher.
func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) { s.launch = l }
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(log *logger.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		logger: log.WithComponent("process-supervisor"),
		launch: ExecLauncher,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the agent. With a live process and restart=false it is a
// no-op returning false. With restart=true the old process is torn down
// before the new one is launched. Launch failures return false.
func (s *Supervisor) Start(cfg Config, restart bool) bool {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	old := s.handle
	if old != nil && old.Alive() && !restart {
		s.mu.Unlock()
		s.logger.Debug("start ignored, process already running")
		return false
	}
	s.handle = nil
	s.mu.Unlock()

	if old != nil {
		s.teardown(old)
	}

	s.logger.Info("starting agent process",
		zap.String("executable", cfg.Executable),
		zap.Strings("args", cfg.Args),
		zap.String("workdir", cfg.WorkDir),
		zap.Bool("restart", restart))

	h, err := s.launch(cfg)
	if err != nil {
		s.logger.Error("failed to start agent process", zap.Error(err))
		return false
	}

	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
	s.starts.Add(1)

	s.logger.Info("agent process started", zap.Int("pid", h.Pid()))
	return true
}

// Send writes one line to the agent's stdin.
func (s *Supervisor) Send(line []byte) error {
	h := s.current()
	if h == nil || !h.Alive() {
		return ErrNotRunning
	}
	if err := h.WriteLine(line); err != nil {
		return fmt.Errorf("failed to write to agent stdin: %w", err)
	}
	return nil
}

// Stop tears down the live process, if any. Safe to call repeatedly.
func (s *Supervisor) Stop() {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()

	if h == nil {
		return
	}
	s.logger.Info("stopping agent process", zap.Int("pid", h.Pid()))
	s.teardown(h)
}

// IsRunning reports whether a live process is installed.
func (s *Supervisor) IsRunning() bool {
	h := s.current()
	return h != nil && h.Alive()
}

// Streams returns the stdout and stderr of the live process.
func (s *Supervisor) Streams() (stdout, stderr io.Reader, ok bool) {
	h := s.current()
	if h == nil {
		return nil, nil, false
	}
	return h.Stdout(), h.Stderr(), true
}

// Starts is the number of successful launches.
func (s *Supervisor) Starts() int64 {
	return s.starts.Load()
}

func (s *Supervisor) current() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Supervisor) teardown(h Handle) {
	if err := h.Destroy(); err != nil {
		s.logger.Warn("failed to destroy agent process", zap.Error(err))
	}
}
