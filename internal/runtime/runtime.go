// Package runtime assembles the agent runtime: one event bus, one session and
// the supervision, approval and API components around it.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cpjet64/codexrt/internal/api"
	"github.com/cpjet64/codexrt/internal/approval"
	"github.com/cpjet64/codexrt/internal/common/config"
	"github.com/cpjet64/codexrt/internal/common/logger"
	"github.com/cpjet64/codexrt/internal/events/bus"
	"github.com/cpjet64/codexrt/internal/health"
	"github.com/cpjet64/codexrt/internal/heartbeat"
	"github.com/cpjet64/codexrt/internal/process"
	"github.com/cpjet64/codexrt/internal/session"
	"github.com/cpjet64/codexrt/internal/tracing"
	"github.com/cpjet64/codexrt/internal/turns"
	"github.com/cpjet64/codexrt/pkg/codex"
)

const shutdownTimeout = 10 * time.Second

// Runtime owns every long-lived component of one codexrt instance.
type Runtime struct {
	cfg        *config.Config
	logger     *logger.Logger
	instanceID string

	bus        *bus.Bus
	supervisor *process.Supervisor
	session    *session.Session
	sender     *session.ReconnectingSender
	turns      *turns.Correlator
	approvals  *approval.Controller
	queue      *approval.Queue
	heartbeat  *heartbeat.Scheduler
	monitor    *health.Monitor

	mirror     *bus.NATSMirror
	journal    *approval.SQLiteJournal
	httpServer *http.Server

	stopOnce sync.Once
}

type options struct {
	launcher    process.Launcher
	promptIn    io.Reader
	promptOut   io.Writer
	diagnostics session.DiagnosticsSink
}

// Option customizes New.
type Option func(*options)

// WithLauncher replaces the os/exec launcher.
func WithLauncher(l process.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithPromptIO sets the terminal prompter's input and output.
func WithPromptIO(in io.Reader, out io.Writer) Option {
	return func(o *options) {
		o.promptIn = in
		o.promptOut = out
	}
}

// WithDiagnostics receives every stderr line of the agent.
func WithDiagnostics(sink session.DiagnosticsSink) Option {
	return func(o *options) { o.diagnostics = sink }
}

// New builds the runtime from cfg. Nothing is started until Start.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Runtime, error) {
	o := options{promptIn: os.Stdin, promptOut: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Runtime{
		cfg:        cfg,
		instanceID: uuid.NewString(),
	}
	r.logger = log.WithFields(zap.String("instance_id", r.instanceID))

	if err := tracing.Init(context.Background(), tracing.Config{
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Client.Version,
		InstanceID:     r.instanceID,
	}); err != nil {
		r.logger.Warn("tracing disabled", zap.Error(err))
	} else if tracing.Enabled() {
		r.logger.Info("tracing enabled", zap.String("endpoint", cfg.Tracing.Endpoint))
	}

	r.bus = bus.New(r.logger)

	if cfg.NATS.URL != "" {
		mirror, err := bus.NewNATSMirror(r.bus, cfg.NATS, r.logger)
		if err != nil {
			return nil, err
		}
		r.mirror = mirror
	}

	if cfg.Audit.Path != "" {
		journal, err := approval.OpenSQLiteJournal(cfg.Audit.Path)
		if err != nil {
			r.closeSinks()
			return nil, err
		}
		r.journal = journal
	}

	var supOpts []process.Option
	if o.launcher != nil {
		supOpts = append(supOpts, process.WithLauncher(o.launcher))
	}
	r.supervisor = process.NewSupervisor(r.logger, supOpts...)

	diagnostics := o.diagnostics
	if diagnostics == nil {
		stderrLog := r.logger.WithComponent("agent-stderr")
		diagnostics = func(line string) { stderrLog.Info(line) }
	}

	r.session = session.New(r.supervisor, r.processConfig, r.bus, diagnostics, r.logger, session.Options{
		ClientInfo: codex.ClientInfo{
			Name:    cfg.Client.Name,
			Title:   cfg.Client.Title,
			Version: cfg.Client.Version,
		},
		Conversation: codex.NewConversationParams{
			Model:          cfg.Conversation.Model,
			Cwd:            cfg.Conversation.Cwd,
			ApprovalPolicy: cfg.Conversation.ApprovalPolicy,
			Sandbox:        cfg.Conversation.Sandbox,
		},
		HandshakeTimeout: cfg.Handshake.Timeout,
		HeartbeatMethod:  cfg.Heartbeat.Method,
		Workers:          cfg.Approval.Workers,
	})
	r.sender = session.NewReconnectingSender(r.session, r.logger)

	r.turns = turns.New(r.bus, r.logger, turns.WithAutoBegin())
	turnLog := r.logger.WithComponent("turns")
	r.turns.Wire(func(turn turns.Turn, ev *codex.Event) {
		if ev.Kind.Terminal() {
			turnLog.Debug("turn finished",
				zap.String("turn_id", turn.ID),
				zap.String("event_type", ev.Type),
				zap.Duration("elapsed", time.Since(turn.CreatedAt)))
		}
	})

	var approvalOpts []approval.Option
	if r.journal != nil {
		approvalOpts = append(approvalOpts, approval.WithJournal(r.journal))
	}
	r.approvals = approval.NewController(cfg.Approval.Mode, r.prompter(o), r.logger, approvalOpts...)
	r.approvals.Register(r.session)

	if cfg.Heartbeat.Enabled {
		r.heartbeat = heartbeat.New(heartbeat.Config{
			Interval: cfg.Heartbeat.Interval,
			Tick:     cfg.Heartbeat.Tick,
		}, r.session.Heartbeat, r.logger)
	}

	if cfg.Health.Enabled {
		r.monitor = health.NewMonitor(health.NewSnapshot(time.Now()), health.Config{
			StaleThreshold: cfg.Health.StaleThreshold,
			CheckInterval:  cfg.Health.CheckInterval,
		}, r.session.Running, r.session.Restart, r.logger)
		r.monitor.OnStatusChange(func(_, to health.Status) {
			if to == health.StatusStale {
				r.session.MarkStale()
			}
		})
	}

	r.session.OnActivity(func() {
		if r.heartbeat != nil {
			r.heartbeat.MarkActivity()
		}
		if r.monitor != nil {
			r.monitor.OnStdout()
		}
	})

	if cfg.API.Enabled {
		deps := api.Deps{
			Session:   r.session,
			Sender:    r.sender,
			Events:    r.bus,
			Approvals: r.queue,
		}
		if r.monitor != nil {
			deps.Health = r.monitor.Snapshot().View
		}
		r.httpServer = &http.Server{
			Addr:              cfg.API.Addr(),
			Handler:           api.NewServer(deps, r.logger).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return r, nil
}

func (r *Runtime) prompter(o options) approval.Prompter {
	switch r.cfg.Approval.Prompter {
	case config.PrompterQueue:
		r.queue = approval.NewQueue(r.cfg.Approval.PromptTimeout, r.logger)
		return r.queue
	case config.PrompterDeny:
		return approval.Deny{}
	default:
		return approval.NewTerminal(o.promptIn, o.promptOut)
	}
}

// processConfig is the session's configuration provider. It is read again
// before every launch.
func (r *Runtime) processConfig() process.Config {
	p := r.cfg.Process
	return process.Config{
		Executable: p.Executable,
		Args:       append([]string(nil), p.Args...),
		WorkDir:    p.WorkDir,
		Env:        p.Env,
		InheritEnv: p.InheritEnv,
	}
}

// Start launches the agent, runs the handshake and starts the background
// components. On failure everything started so far is stopped.
func (r *Runtime) Start(ctx context.Context) error {
	r.logger.Info("starting codexrt runtime",
		zap.String("executable", r.cfg.Process.Executable),
		zap.Strings("args", r.cfg.Process.Args))

	if err := r.session.Start(ctx); err != nil {
		r.Stop(ctx)
		return fmt.Errorf("start session: %w", err)
	}

	if r.heartbeat != nil {
		if err := r.heartbeat.Start(); err != nil {
			r.Stop(ctx)
			return fmt.Errorf("start heartbeat: %w", err)
		}
	}
	if r.monitor != nil {
		if err := r.monitor.Start(); err != nil {
			r.Stop(ctx)
			return fmt.Errorf("start health monitor: %w", err)
		}
	}

	if r.httpServer != nil {
		go func() {
			r.logger.Info("HTTP server starting", zap.String("address", r.httpServer.Addr))
			if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("HTTP server error", zap.Error(err))
			}
		}()
	}

	r.logger.Info("codexrt runtime ready", zap.String("conversation_id", r.session.ConversationID()))
	return nil
}

// Stop shuts every component down in reverse dependency order. It is
// idempotent.
func (r *Runtime) Stop(ctx context.Context) {
	r.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if r.httpServer != nil {
			if err := r.httpServer.Shutdown(ctx); err != nil {
				r.logger.Warn("HTTP server shutdown failed", zap.Error(err))
			}
		}
		if r.monitor != nil {
			r.monitor.Stop()
		}
		if r.heartbeat != nil {
			r.heartbeat.Dispose()
		}
		r.session.Stop()
		r.turns.Close()
		r.closeSinks()

		if err := tracing.Shutdown(ctx); err != nil {
			r.logger.Debug("tracing shutdown failed", zap.Error(err))
		}
		r.logger.Info("codexrt runtime stopped")
	})
}

func (r *Runtime) closeSinks() {
	if r.mirror != nil {
		r.mirror.Close()
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Warn("approval journal close failed", zap.Error(err))
		}
	}
}

// InstanceID identifies this runtime in logs and mirrored events.
func (r *Runtime) InstanceID() string { return r.instanceID }

// Bus returns the event bus. It outlives every agent restart.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Session returns the protocol session.
func (r *Runtime) Session() *session.Session { return r.session }

// Sender returns the reconnecting sender used for user input.
func (r *Runtime) Sender() *session.ReconnectingSender { return r.sender }

// Approvals returns the approval controller.
func (r *Runtime) Approvals() *approval.Controller { return r.approvals }

// Queue returns the pending-approval queue, or nil unless the queue
// prompter is configured.
func (r *Runtime) Queue() *approval.Queue { return r.queue }

// Turns returns the turn correlator.
func (r *Runtime) Turns() *turns.Correlator { return r.turns }

// Health returns the health monitor, or nil when disabled.
func (r *Runtime) Health() *health.Monitor { return r.monitor }
