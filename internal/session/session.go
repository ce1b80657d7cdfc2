// Package session drives one codex app-server conversation: it launches the
// process, runs the stdout/stderr reader loops, performs the handshake and
// binds sends to the active conversation.
package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cpjet64/codexrt/internal/common/logger"
	"github.com/cpjet64/codexrt/internal/process"
	"github.com/cpjet64/codexrt/internal/protocol"
	"github.com/cpjet64/codexrt/pkg/codex"
)

var (
	// ErrAlreadyStarted is returned by Start outside not_started, failed or stopped.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrLaunchFailed is returned by Start when the supervisor could not launch the agent.
	ErrLaunchFailed = errors.New("failed to launch agent process")
	// ErrNoConversation is returned by sends before the handshake has produced a conversation.
	ErrNoConversation = errors.New("no active conversation")
	// ErrSessionFailed is returned by sends after a launch or handshake failure
	// left the session without a process.
	ErrSessionFailed = errors.New("agent session failed")
	// ErrSessionStopped rejects requests still pending when Stop is called.
	ErrSessionStopped = errors.New("session stopped")
	// ErrRestarting rejects requests still pending when the agent is replaced.
	ErrRestarting = errors.New("session restarting")
	// ErrProcessExited rejects requests still pending when the agent's stdout closes.
	ErrProcessExited = errors.New("agent process exited")
	// ErrHandshakeFailed wraps the failing step of the startup handshake.
	ErrHandshakeFailed = errors.New("handshake failed")
)

const (
	maxLineSize       = 16 * 1024 * 1024
	readerStopTimeout = 2 * time.Second
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateInitializing
	StateReady
	StateStale
	StateRestarting
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateStale:
		return "stale"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Supervisor is the part of process.Supervisor the session drives.
type Supervisor interface {
	Start(cfg process.Config, restart bool) bool
	Send(line []byte) error
	Stop()
	IsRunning() bool
	Streams() (stdout, stderr io.Reader, ok bool)
}

// ConfigProvider returns the process configuration for the next launch.
type ConfigProvider func() process.Config

// DiagnosticsSink receives every stderr line of the agent.
type DiagnosticsSink func(line string)

// Options holds the handshake parameters.
type Options struct {
	ClientInfo       codex.ClientInfo
	Conversation     codex.NewConversationParams
	HandshakeTimeout time.Duration
	HeartbeatMethod  string
	Workers          int64
}

// Status is a point-in-time view of the session.
type Status struct {
	State          string `json:"state"`
	Running        bool   `json:"running"`
	ConversationID string `json:"conversationId,omitempty"`
	Pending        int    `json:"pending"`
	Process        bool   `json:"process"`
}

// incarnation is everything bound to one launched process.
type incarnation struct {
	client   *protocol.Client
	readers  sync.WaitGroup
	stopping atomic.Bool
}

// incWriter refuses writes once its incarnation is retired, so late handler
// replies never reach a newer process.
type incWriter struct {
	inc *incarnation
	sup Supervisor
}

func (w *incWriter) Send(line []byte) error {
	if w.inc.stopping.Load() {
		return process.ErrNotRunning
	}
	return w.sup.Send(line)
}

// Session is the protocol session over a supervised agent process.
type Session struct {
	sup         Supervisor
	config      ConfigProvider
	events      protocol.EventPublisher
	diagnostics DiagnosticsSink
	logger      *logger.Logger
	opts        Options

	state atomic.Int32

	// lifecycleMu serializes Start and Restart; Stop never takes it.
	lifecycleMu sync.Mutex

	mu             sync.Mutex
	inc            *incarnation
	conversationID string

	hooksMu    sync.RWMutex
	onActivity []func()
	handlers   map[string]protocol.Handler
}

// New creates a Session. events receives every event notification; it
// outlives process incarnations.
func New(sup Supervisor, cfg ConfigProvider, events protocol.EventPublisher, diagnostics DiagnosticsSink, log *logger.Logger, opts Options) *Session {
	if opts.HeartbeatMethod == "" {
		opts.HeartbeatMethod = codex.MethodGetUserAgent
	}
	return &Session{
		sup:         sup,
		config:      cfg,
		events:      events,
		diagnostics: diagnostics,
		logger:      log.WithComponent("protocol-session"),
		opts:        opts,
		handlers:    make(map[string]protocol.Handler),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Running reports whether the session is nominally running.
func (s *Session) Running() bool {
	st := s.State()
	return st == StateReady || st == StateStale
}

// ConversationID returns the active conversation, or "" before the handshake.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// OnActivity registers fn to run for every stdout line.
func (s *Session) OnActivity(fn func()) {
	s.hooksMu.Lock()
	s.onActivity = append(s.onActivity, fn)
	s.hooksMu.Unlock()
}

// Handle registers a server request handler. It applies to the current and
// every future incarnation.
func (s *Session) Handle(method string, h protocol.Handler) {
	s.hooksMu.Lock()
	s.handlers[method] = h
	s.hooksMu.Unlock()

	if c := s.client(); c != nil {
		c.Handle(method, h)
	}
}

// Start launches the agent and performs the handshake.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	switch st := s.State(); st {
	case StateNotStarted, StateFailed, StateStopped:
	default:
		return fmt.Errorf("%w (state %s)", ErrAlreadyStarted, st)
	}
	s.setState(StateStarting)

	if !s.sup.Start(s.config(), false) {
		s.state.CompareAndSwap(int32(StateStarting), int32(StateNotStarted))
		return ErrLaunchFailed
	}
	return s.bringUp(ctx)
}

// Restart replaces the agent process and redoes the handshake. Pending
// requests of the old process are rejected with ErrRestarting.
func (s *Session) Restart(ctx context.Context) bool {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	switch st := s.State(); st {
	case StateNotStarted, StateStopped:
		s.logger.Debug("restart ignored", zap.String("state", st.String()))
		return false
	}
	if !s.advance(StateRestarting) {
		return false
	}

	old := s.retire(ErrRestarting)
	s.logger.Info("restarting agent")

	ok := s.sup.Start(s.config(), true)
	if old != nil {
		s.waitReaders(old)
	}
	if !ok {
		s.advance(StateFailed)
		return false
	}
	if err := s.bringUp(ctx); err != nil {
		s.logger.Warn("restart handshake failed", zap.Error(err))
		return false
	}
	return true
}

// MarkStale flags a ready session as stale. Fresh stdout clears it.
func (s *Session) MarkStale() {
	if s.state.CompareAndSwap(int32(StateReady), int32(StateStale)) {
		s.logger.Warn("session marked stale")
	}
}

// Stop tears the session down. It is idempotent and safe before Start
// has completed.
func (s *Session) Stop() {
	s.mu.Lock()
	prev := State(s.state.Swap(int32(StateStopped)))
	inc := s.inc
	s.inc = nil
	s.conversationID = ""
	s.mu.Unlock()

	if inc != nil {
		inc.stopping.Store(true)
		inc.client.Close(ErrSessionStopped)
	}
	s.sup.Stop()
	if inc != nil {
		s.waitReaders(inc)
	}
	if prev != StateStopped {
		s.logger.Info("session stopped", zap.String("previous_state", prev.String()))
	}
}

// SendMessage sends a user message to the active conversation.
func (s *Session) SendMessage(ctx context.Context, text string) (*protocol.Future, error) {
	c, conv, err := s.active()
	if err != nil {
		return nil, err
	}
	return c.SendRequest(ctx, codex.MethodSendUserMessage, codex.SendUserMessageParams{
		ConversationID: conv,
		Items:          []codex.InputItem{codex.TextItem(text)},
	})
}

// Interrupt asks the agent to abort the active turn. The outstanding
// sendUserMessage future is left to the agent's reply.
func (s *Session) Interrupt(ctx context.Context) (*protocol.Future, error) {
	c, conv, err := s.active()
	if err != nil {
		return nil, err
	}
	return c.SendRequest(ctx, codex.MethodInterruptConversation, codex.InterruptConversationParams{
		ConversationID: conv,
	})
}

// Heartbeat sends the keepalive request and waits for its reply.
func (s *Session) Heartbeat(ctx context.Context) error {
	c := s.client()
	if c == nil || !s.Running() {
		return ErrNoConversation
	}
	return c.Call(ctx, s.opts.HeartbeatMethod, nil, nil)
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	st := Status{
		State:   s.State().String(),
		Running: s.Running(),
		Process: s.sup.IsRunning(),
	}
	s.mu.Lock()
	st.ConversationID = s.conversationID
	if s.inc != nil {
		st.Pending = s.inc.client.Pending()
	}
	s.mu.Unlock()
	return st
}

// bringUp binds a client and reader loops to the process the supervisor
// just launched and runs the handshake. Callers hold lifecycleMu.
func (s *Session) bringUp(ctx context.Context) error {
	stdout, stderr, ok := s.sup.Streams()
	if !ok {
		s.advance(StateFailed)
		return ErrLaunchFailed
	}

	inc := &incarnation{}
	inc.client = protocol.NewClient(&incWriter{inc: inc, sup: s.sup}, s.events, s.logger,
		protocol.WithWorkers(s.opts.Workers),
		protocol.WithHandlers(s.handlerSnapshot()))

	s.mu.Lock()
	if s.State() == StateStopped {
		s.mu.Unlock()
		inc.client.Close(ErrSessionStopped)
		s.sup.Stop()
		return ErrSessionStopped
	}
	s.inc = inc
	s.conversationID = ""
	s.mu.Unlock()

	inc.readers.Add(2)
	go s.readStdout(inc, stdout)
	go s.readStderr(inc, stderr)

	if !s.advance(StateInitializing) {
		return ErrSessionStopped
	}

	hctx := ctx
	if s.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, s.opts.HandshakeTimeout)
		defer cancel()
	}

	conv, err := s.handshake(hctx, inc.client)
	if err != nil {
		s.logger.Error("handshake failed", zap.Error(err))
		s.abort(inc, err)
		return err
	}

	s.mu.Lock()
	if s.inc != inc || s.State() == StateStopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	s.conversationID = conv
	s.mu.Unlock()

	if !s.advance(StateReady) {
		return ErrSessionStopped
	}
	s.logger.Info("session ready", zap.String("conversation_id", conv))
	return nil
}

func (s *Session) handshake(ctx context.Context, c *protocol.Client) (string, error) {
	info := s.opts.ClientInfo
	var init codex.InitializeResult
	if err := c.Call(ctx, codex.MethodInitialize, codex.InitializeParams{ClientInfo: &info}, &init); err != nil {
		return "", fmt.Errorf("%w: initialize: %w", ErrHandshakeFailed, err)
	}
	s.logger.Debug("initialized", zap.String("user_agent", init.UserAgent))

	c.SendNotification(codex.MethodInitialized, nil)

	var conv codex.NewConversationResult
	if err := c.Call(ctx, codex.MethodNewConversation, s.opts.Conversation, &conv); err != nil {
		return "", fmt.Errorf("%w: newConversation: %w", ErrHandshakeFailed, err)
	}
	if conv.ConversationID == "" {
		return "", fmt.Errorf("%w: newConversation returned no conversation id", ErrHandshakeFailed)
	}

	var sub codex.AddConversationListenerResult
	if err := c.Call(ctx, codex.MethodAddConversationListener,
		codex.AddConversationListenerParams{ConversationID: conv.ConversationID}, &sub); err != nil {
		return "", fmt.Errorf("%w: addConversationListener: %w", ErrHandshakeFailed, err)
	}

	s.logger.Debug("conversation created",
		zap.String("conversation_id", conv.ConversationID),
		zap.String("model", conv.Model),
		zap.String("subscription_id", sub.SubscriptionID))
	return conv.ConversationID, nil
}

// abort retires a failed incarnation and stops its process.
func (s *Session) abort(inc *incarnation, err error) {
	s.mu.Lock()
	if s.inc == inc {
		s.inc = nil
		s.conversationID = ""
	}
	s.mu.Unlock()

	inc.stopping.Store(true)
	inc.client.Close(err)
	s.sup.Stop()
	s.waitReaders(inc)
	s.advance(StateFailed)
}

// retire detaches the current incarnation and rejects its pending requests.
func (s *Session) retire(err error) *incarnation {
	s.mu.Lock()
	inc := s.inc
	s.inc = nil
	s.conversationID = ""
	s.mu.Unlock()

	if inc != nil {
		inc.stopping.Store(true)
		inc.client.Close(err)
	}
	return inc
}

func (s *Session) readStdout(inc *incarnation, r io.Reader) {
	defer inc.readers.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		s.markActivity()

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if kind := classifyNoise(string(line)); kind != noiseNone {
			s.logger.Debug("agent output noise", zap.String("kind", kind))
		}

		msg, ok := codex.Parse(line)
		if !ok {
			continue
		}
		inc.client.ProcessMessage(msg)
	}

	if inc.stopping.Load() {
		return
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("agent stdout read failed", zap.Error(err))
	} else {
		s.logger.Warn("agent stdout closed")
	}
	inc.client.Close(ErrProcessExited)
}

func (s *Session) readStderr(inc *incarnation, r io.Reader) {
	defer inc.readers.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if s.diagnostics != nil {
			s.diagnostics(line)
		} else {
			s.logger.Debug("agent stderr", zap.String("line", line))
		}
	}
}

func (s *Session) markActivity() {
	s.state.CompareAndSwap(int32(StateStale), int32(StateReady))

	s.hooksMu.RLock()
	hooks := s.onActivity
	s.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

func (s *Session) waitReaders(inc *incarnation) {
	done := make(chan struct{})
	go func() {
		inc.readers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(readerStopTimeout):
		s.logger.Warn("reader goroutines did not exit in time")
	}
}

func (s *Session) active() (*protocol.Client, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inc == nil || s.conversationID == "" {
		if s.State() == StateFailed {
			return nil, "", ErrSessionFailed
		}
		return nil, "", ErrNoConversation
	}
	return s.inc.client, s.conversationID, nil
}

func (s *Session) client() *protocol.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inc == nil {
		return nil
	}
	return s.inc.client
}

func (s *Session) handlerSnapshot() map[string]protocol.Handler {
	s.hooksMu.RLock()
	defer s.hooksMu.RUnlock()
	out := make(map[string]protocol.Handler, len(s.handlers))
	for k, v := range s.handlers {
		out[k] = v
	}
	return out
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// advance moves to st unless the session has been stopped.
func (s *Session) advance(st State) bool {
	for {
		cur := s.state.Load()
		if State(cur) == StateStopped {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			return true
		}
	}
}
