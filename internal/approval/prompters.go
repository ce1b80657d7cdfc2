package approval

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cpjet64/codexrt/internal/common/logger"
)

var (
	ErrPromptNotFound  = errors.New("pending approval not found")
	ErrAlreadyAnswered = errors.New("approval already answered or timed out")
	ErrPromptTimeout   = errors.New("approval prompt timed out")
	ErrInputClosed     = errors.New("approval input closed")
)

// PendingPrompt is an approval waiting for an answer from outside the
// process, e.g. over the HTTP API.
type PendingPrompt struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"createdAt"`

	responseCh chan bool
}

// Queue is a Prompter that parks prompts until Respond is called or the
// timeout passes. A timed-out prompt counts as a failure, not a denial.
type Queue struct {
	timeout time.Duration
	logger  *logger.Logger

	mu       sync.RWMutex
	pending  map[string]*PendingPrompt
	handlers []func(PendingPrompt)
}

// NewQueue creates a Queue. A zero timeout waits until the request context ends.
func NewQueue(timeout time.Duration, log *logger.Logger) *Queue {
	return &Queue{
		timeout: timeout,
		logger:  log.WithComponent("approval-queue"),
		pending: make(map[string]*PendingPrompt),
	}
}

// OnPrompt registers fn to be told about every new pending prompt.
func (q *Queue) OnPrompt(fn func(PendingPrompt)) {
	q.mu.Lock()
	q.handlers = append(q.handlers, fn)
	q.mu.Unlock()
}

// Confirm parks a prompt and waits for its answer.
func (q *Queue) Confirm(ctx context.Context, title, detail string) (bool, error) {
	p := &PendingPrompt{
		ID:         uuid.New().String(),
		Title:      title,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
		responseCh: make(chan bool, 1),
	}

	q.mu.Lock()
	q.pending[p.ID] = p
	handlers := q.handlers
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.pending, p.ID)
		q.mu.Unlock()
	}()

	q.logger.Info("approval pending", zap.String("pending_id", p.ID), zap.String("title", title))
	for _, fn := range handlers {
		fn(*p)
	}

	var timeout <-chan time.Time
	if q.timeout > 0 {
		timer := time.NewTimer(q.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case approved := <-p.responseCh:
		return approved, nil
	case <-timeout:
		q.logger.Warn("approval timed out", zap.String("pending_id", p.ID))
		return false, ErrPromptTimeout
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Respond answers a pending prompt.
func (q *Queue) Respond(id string, approved bool) error {
	q.mu.RLock()
	p, ok := q.pending[id]
	q.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPromptNotFound, id)
	}

	select {
	case p.responseCh <- approved:
		q.logger.Info("approval answered", zap.String("pending_id", id), zap.Bool("approved", approved))
		return nil
	default:
		return ErrAlreadyAnswered
	}
}

// Pending lists waiting prompts, oldest first.
func (q *Queue) Pending() []PendingPrompt {
	q.mu.RLock()
	out := make([]PendingPrompt, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, PendingPrompt{ID: p.ID, Title: p.Title, Detail: p.Detail, CreatedAt: p.CreatedAt})
	}
	q.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Terminal prompts on a line-oriented terminal.
type Terminal struct {
	out io.Writer

	mu    sync.Mutex
	lines chan string
}

// NewTerminal creates a Terminal reading answers from in and writing
// prompts to out.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	t := &Terminal{out: out, lines: make(chan string)}
	go t.read(in)
	return t
}

func (t *Terminal) read(in io.Reader) {
	defer close(t.lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		t.lines <- scanner.Text()
	}
}

// Confirm asks a yes/no question.
func (t *Terminal) Confirm(ctx context.Context, title, detail string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(t.out, "\n%s\n%s\nApprove? [y/N] ", title, indent(detail))
	answer, err := t.readLine(ctx)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// Rationale asks why a request was denied.
func (t *Terminal) Rationale(ctx context.Context, _ string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprint(t.out, "Reason (optional): ")
	return t.readLine(ctx)
}

func (t *Terminal) readLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-t.lines:
		if !ok {
			return "", ErrInputClosed
		}
		return line, nil
	case <-ctx.Done():
		fmt.Fprintln(t.out)
		return "", ctx.Err()
	}
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}

// Deny is a Prompter that refuses everything. It suits unattended runs
// outside full-access mode.
type Deny struct{}

func (Deny) Confirm(context.Context, string, string) (bool, error) {
	return false, nil
}
