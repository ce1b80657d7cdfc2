// Package protocol implements the request/response and event plumbing of the
// Codex app-server protocol on top of a line writer.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cpjet64/codexrt/internal/common/logger"
	"github.com/cpjet64/codexrt/internal/tracing"
	"github.com/cpjet64/codexrt/pkg/codex"
)

var (
	// ErrClientClosed is returned by requests sent after Close.
	ErrClientClosed = errors.New("protocol client closed")
	// ErrTransport wraps failures to write to the agent.
	ErrTransport = errors.New("transport failure")
)

// LineWriter writes one protocol line to the agent.
type LineWriter interface {
	Send(line []byte) error
}

// EventPublisher receives events unwrapped from notifications.
type EventPublisher interface {
	Publish(ev *codex.Event)
}

// Handler answers a server-initiated request. The returned value is sent as
// the result; an error becomes an internal-error response.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

const defaultWorkers = 4

// Client correlates requests with responses, answers server requests and
// forwards events. It is bound to one process incarnation.
type Client struct {
	w      LineWriter
	events EventPublisher
	logger *logger.Logger

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[string]*Future
	closeErr error

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	sem        *semaphore.Weighted
	handlerCtx context.Context
	cancel     context.CancelFunc
	inflight   sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithWorkers bounds the number of server requests handled concurrently.
func WithWorkers(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithHandlers pre-registers server request handlers.
func WithHandlers(handlers map[string]Handler) Option {
	return func(c *Client) {
		for method, h := range handlers {
			c.handlers[method] = h
		}
	}
}

// NewClient creates a Client writing to w and publishing events to events.
func NewClient(w LineWriter, events EventPublisher, log *logger.Logger, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		w:          w,
		events:     events,
		logger:     log.WithComponent("protocol-client"),
		pending:    make(map[string]*Future),
		handlers:   make(map[string]Handler),
		sem:        semaphore.NewWeighted(defaultWorkers),
		handlerCtx: ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle registers h for server requests with the given method.
func (c *Client) Handle(method string, h Handler) {
	c.handlersMu.Lock()
	c.handlers[method] = h
	c.handlersMu.Unlock()
}

// SendRequest writes a request and returns its completion slot. Ids are
// allocated in submission order. A failed write removes the slot and
// returns the error.
func (c *Client) SendRequest(ctx context.Context, method string, params any) (*Future, error) {
	id := strconv.FormatInt(c.nextID.Add(1), 10)

	req, err := codex.NewRequest(codex.StringID(id), method, params)
	if err != nil {
		return nil, err
	}

	_, span := tracing.TraceRequest(ctx, method, id)
	f := newFuture(id, method, span)

	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		f.reject(err)
		return nil, err
	}
	c.pending[id] = f
	c.mu.Unlock()

	if err := c.write(req); err != nil {
		c.take(id)
		f.reject(err)
		return nil, err
	}

	c.logger.Debug("sent request", zap.String("id", id), zap.String("method", method))
	return f, nil
}

// Call sends a request, waits for the result and decodes it into out.
// If ctx ends first the slot is abandoned; a late reply is dropped as unknown.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	f, err := c.SendRequest(ctx, method, params)
	if err != nil {
		return err
	}
	raw, err := f.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			if abandoned := c.take(f.ID()); abandoned != nil {
				abandoned.reject(ctx.Err())
			}
		}
		return err
	}
	return decodeResult(method, raw, out)
}

// SendNotification writes a notification. Write failures are logged only.
func (c *Client) SendNotification(method string, params any) {
	n, err := codex.NewNotification(method, params)
	if err != nil {
		c.logger.Warn("failed to build notification", zap.String("method", method), zap.Error(err))
		return
	}
	if err := c.write(n); err != nil {
		c.logger.Warn("failed to send notification", zap.String("method", method), zap.Error(err))
	}
}

// ProcessMessage routes one parsed message. It never blocks on handlers.
func (c *Client) ProcessMessage(msg codex.Message) {
	switch m := msg.(type) {
	case *codex.Response:
		f := c.take(m.ID.String())
		if f == nil {
			c.logger.Warn("received response for unknown request", zap.String("id", m.ID.String()))
			return
		}
		f.resolve(m.Result)

	case *codex.ErrorResponse:
		f := c.take(m.ID.String())
		if f == nil {
			c.logger.Warn("received error for unknown request",
				zap.String("id", m.ID.String()),
				zap.Int("code", m.Error.Code),
				zap.String("message", m.Error.Message))
			return
		}
		f.reject(&RemoteError{Code: m.Error.Code, Message: m.Error.Message, Data: m.Error.Data})

	case *codex.Request:
		c.dispatchRequest(m)

	case *codex.Notification:
		c.handleNotification(m)
	}
}

// Pending returns the number of outstanding requests.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close rejects every outstanding request with err and refuses new ones.
// Running handlers see their context cancelled.
func (c *Client) Close(err error) {
	if err == nil {
		err = ErrClientClosed
	}

	c.mu.Lock()
	if c.closeErr != nil {
		c.mu.Unlock()
		return
	}
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[string]*Future)
	c.mu.Unlock()

	c.cancel()
	for _, f := range pending {
		f.reject(err)
	}
	if len(pending) > 0 {
		c.logger.Debug("rejected pending requests", zap.Int("count", len(pending)), zap.Error(err))
	}
}

// Wait blocks until in-flight server request handlers have returned.
func (c *Client) Wait() {
	c.inflight.Wait()
}

func (c *Client) take(id string) *Future {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return f
}

func (c *Client) write(msg codex.Message) error {
	line, err := codex.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.w.Send(line); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

func (c *Client) dispatchRequest(req *codex.Request) {
	c.handlersMu.RLock()
	h, ok := c.handlers[req.Method]
	c.handlersMu.RUnlock()

	if !ok {
		c.logger.Warn("received request but no handler registered", zap.String("method", req.Method))
		// Replies never block the reader, not even this one.
		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			c.respondError(req.ID, codex.MethodNotFound, "Method not found: "+req.Method)
		}()
		return
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()

		if err := c.sem.Acquire(c.handlerCtx, 1); err != nil {
			c.respondError(req.ID, codex.InternalError, "client closed")
			return
		}
		defer c.sem.Release(1)

		ctx, span := tracing.TraceServerRequest(c.handlerCtx, req.Method, req.ID.String(), req.Params)
		result, err := c.runHandler(ctx, h, req)
		tracing.EndSpan(span, err)

		if err != nil {
			c.logger.Warn("request handler failed",
				zap.String("method", req.Method),
				zap.String("id", req.ID.String()),
				zap.Error(err))
			c.respondError(req.ID, codex.InternalError, err.Error())
			return
		}

		resp, err := codex.NewResponse(req.ID, result)
		if err != nil {
			c.respondError(req.ID, codex.InternalError, err.Error())
			return
		}
		if err := c.write(resp); err != nil {
			c.logger.Warn("failed to send response", zap.String("method", req.Method), zap.Error(err))
		}
	}()
}

func (c *Client) runHandler(ctx context.Context, h Handler, req *codex.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("request handler panicked",
				zap.String("method", req.Method),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, req.Params)
}

func (c *Client) respondError(id codex.ID, code int, message string) {
	if err := c.write(codex.NewErrorResponse(id, code, message)); err != nil {
		c.logger.Warn("failed to send error response", zap.Int("code", code), zap.Error(err))
	}
}

func (c *Client) handleNotification(n *codex.Notification) {
	ev, ok := codex.EventFromNotification(n)
	if !ok {
		c.logger.Debug("notification", zap.String("method", n.Method))
		return
	}
	if c.events != nil {
		c.events.Publish(ev)
	}
}
