package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cpjet64/codexrt/internal/common/logger"
	"github.com/cpjet64/codexrt/internal/process"
	"github.com/cpjet64/codexrt/internal/protocol"
)

// Conn is the session surface the reconnecting sender wraps.
type Conn interface {
	SendMessage(ctx context.Context, text string) (*protocol.Future, error)
	Interrupt(ctx context.Context) (*protocol.Future, error)
	Restart(ctx context.Context) bool
}

// ReconnectingSender retries a send once after restarting the agent when the
// first attempt fails on the transport. Remote errors arrive on the returned
// future and are never retried.
type ReconnectingSender struct {
	conn   Conn
	logger *logger.Logger
}

// NewReconnectingSender wraps conn.
func NewReconnectingSender(conn Conn, log *logger.Logger) *ReconnectingSender {
	return &ReconnectingSender{
		conn:   conn,
		logger: log.WithComponent("reconnecting-sender"),
	}
}

// SendMessage sends text, restarting and retrying once on transport failure.
func (r *ReconnectingSender) SendMessage(ctx context.Context, text string) (*protocol.Future, error) {
	return r.do(ctx, "sendUserMessage", func() (*protocol.Future, error) {
		return r.conn.SendMessage(ctx, text)
	})
}

// Interrupt interrupts the active turn, restarting and retrying once on
// transport failure.
func (r *ReconnectingSender) Interrupt(ctx context.Context) (*protocol.Future, error) {
	return r.do(ctx, "interruptConversation", func() (*protocol.Future, error) {
		return r.conn.Interrupt(ctx)
	})
}

func (r *ReconnectingSender) do(ctx context.Context, op string, send func() (*protocol.Future, error)) (*protocol.Future, error) {
	f, err := send()
	if err == nil || !IsTransportError(err) {
		return f, err
	}

	r.logger.Warn("send failed, restarting agent", zap.String("op", op), zap.Error(err))
	if !r.conn.Restart(ctx) {
		return nil, fmt.Errorf("%s: restart failed after transport error: %w", op, err)
	}

	f, err = send()
	if err != nil {
		r.logger.Error("send failed after restart", zap.String("op", op), zap.Error(err))
		return nil, fmt.Errorf("%s failed after restart: %w", op, err)
	}
	return f, nil
}

// IsTransportError reports whether err means the agent could not be reached,
// as opposed to the agent rejecting the request. A failed session counts:
// there is no process left to reach.
func IsTransportError(err error) bool {
	return errors.Is(err, protocol.ErrTransport) ||
		errors.Is(err, process.ErrNotRunning) ||
		errors.Is(err, ErrSessionFailed) ||
		errors.Is(err, ErrProcessExited) ||
		errors.Is(err, ErrRestarting)
}
