package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/cpjet64/codexrt/internal/tracing"
)

// RemoteError is an error frame returned by the agent for a request.
type RemoteError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("codex error %d: %s", e.Code, e.Message)
}

// Future is the completion slot of one outstanding request. It settles
// exactly once, from the reader goroutine or from Close.
type Future struct {
	id        string
	method    string
	createdAt time.Time

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
	span   trace.Span
}

func newFuture(id, method string, span trace.Span) *Future {
	return &Future{
		id:        id,
		method:    method,
		createdAt: time.Now(),
		done:      make(chan struct{}),
		span:      span,
	}
}

// ID returns the request id.
func (f *Future) ID() string { return f.id }

// Method returns the request method.
func (f *Future) Method() string { return f.method }

// CreatedAt returns when the request was sent.
func (f *Future) CreatedAt() time.Time { return f.createdAt }

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or ctx is done. Cancelling ctx does
// not cancel the request.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode waits and unmarshals the result into out.
func (f *Future) Decode(ctx context.Context, out any) error {
	raw, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	return decodeResult(f.method, raw, out)
}

func (f *Future) resolve(result json.RawMessage) {
	f.settle(result, nil)
}

func (f *Future) reject(err error) {
	f.settle(nil, err)
}

func (f *Future) settle(result json.RawMessage, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
		if f.span != nil {
			tracing.EndSpan(f.span, err)
		}
	})
}

func decodeResult(method string, raw json.RawMessage, out any) error {
	if out == nil || len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}
