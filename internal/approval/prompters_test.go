package approval

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpjet64/codexrt/internal/common/logger"
)

func TestQueue_RespondApproves(t *testing.T) {
	q := NewQueue(time.Minute, logger.Nop())
	prompts := make(chan PendingPrompt, 1)
	q.OnPrompt(func(p PendingPrompt) { prompts <- p })

	result := make(chan bool, 1)
	go func() {
		approved, err := q.Confirm(context.Background(), "Run command?", "$ make")
		assert.NoError(t, err)
		result <- approved
	}()

	p := <-prompts
	assert.Equal(t, "Run command?", p.Title)
	require.Len(t, q.Pending(), 1)

	require.NoError(t, q.Respond(p.ID, true))
	assert.True(t, <-result)

	assert.Eventually(t, func() bool { return len(q.Pending()) == 0 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, q.Respond(p.ID, false), ErrPromptNotFound)
}

func TestQueue_Timeout(t *testing.T) {
	q := NewQueue(20*time.Millisecond, logger.Nop())
	approved, err := q.Confirm(context.Background(), "Apply patch?", "a.go")
	assert.False(t, approved)
	assert.ErrorIs(t, err, ErrPromptTimeout)
	assert.Empty(t, q.Pending())
}

func TestQueue_ContextCancel(t *testing.T) {
	q := NewQueue(0, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return len(q.Pending()) == 1 }, time.Second, time.Millisecond)
		cancel()
	}()
	_, err := q.Confirm(ctx, "t", "d")
	assert.ErrorIs(t, err, context.Canceled)
}

// syncBuffer is a bytes.Buffer safe for the prompt goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTerminal(t *testing.T) {
	out := &syncBuffer{}
	term := NewTerminal(strings.NewReader("y\nno\nnot safe\n"), out)
	ctx := context.Background()

	approved, err := term.Confirm(ctx, "Run command?", "$ ls\nin /repo")
	require.NoError(t, err)
	assert.True(t, approved)

	approved, err = term.Confirm(ctx, "Run command?", "$ rm -rf /")
	require.NoError(t, err)
	assert.False(t, approved)

	reason, err := term.Rationale(ctx, "Run command?")
	require.NoError(t, err)
	assert.Equal(t, "not safe", reason)

	_, err = term.Confirm(ctx, "Run command?", "$ ls")
	assert.ErrorIs(t, err, ErrInputClosed)

	assert.Contains(t, out.String(), "  $ ls\n  in /repo\nApprove? [y/N] ")
}

func TestTerminal_ContextCancel(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	term := NewTerminal(r, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := term.Confirm(ctx, "t", "d")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDeny(t *testing.T) {
	approved, err := Deny{}.Confirm(context.Background(), "t", "d")
	assert.NoError(t, err)
	assert.False(t, approved)
}
