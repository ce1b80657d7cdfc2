package approval

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpjet64/codexrt/internal/common/logger"
	"github.com/cpjet64/codexrt/internal/protocol"
	"github.com/cpjet64/codexrt/pkg/codex"
)

type countingPrompter struct {
	calls  atomic.Int32
	answer bool
	err    error
}

func (p *countingPrompter) Confirm(context.Context, string, string) (bool, error) {
	p.calls.Add(1)
	return p.answer, p.err
}

type memJournal struct {
	mu      sync.Mutex
	records []Record
}

func (j *memJournal) Record(_ context.Context, rec Record) error {
	j.mu.Lock()
	j.records = append(j.records, rec)
	j.mu.Unlock()
	return nil
}

func (j *memJournal) sources() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.records))
	for i, r := range j.records {
		out[i] = r.Source
	}
	return out
}

func TestController_RemembersDenial(t *testing.T) {
	p := &countingPrompter{answer: false}
	j := &memJournal{}
	c := NewController(ModePrompt, p, logger.Nop(), WithJournal(j))
	ctx := context.Background()

	req := ExecRequest{Command: []string{"rm", "-rf", "build"}, Cwd: "/repo/"}
	assert.Equal(t, codex.DecisionDenied, c.ResolveExec(ctx, req))

	// Same key, spelled differently.
	req2 := ExecRequest{Command: []string{"rm", " -rf", "build "}, Cwd: "/repo/./"}
	assert.Equal(t, codex.DecisionDenied, c.ResolveExec(ctx, req2))

	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, []string{SourcePrompt, SourceRemembered}, j.sources())
	assert.Equal(t, 1, c.Remembered())
}

func TestController_RemembersApproval(t *testing.T) {
	p := &countingPrompter{answer: true}
	c := NewController(ModePrompt, p, logger.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Equal(t, codex.DecisionApproved, c.ResolvePatch(ctx, PatchRequest{Paths: []string{"b.go", "a.go"}}))
		assert.Equal(t, codex.DecisionApproved, c.ResolvePatch(ctx, PatchRequest{Paths: []string{"./a.go", "b.go"}}))
	}
	assert.Equal(t, int32(1), p.calls.Load())

	// A different file set prompts again.
	c.ResolvePatch(ctx, PatchRequest{Paths: []string{"a.go"}})
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestController_DifferentCwdPromptsAgain(t *testing.T) {
	p := &countingPrompter{answer: false}
	c := NewController(ModePrompt, p, logger.Nop())
	ctx := context.Background()

	c.ResolveExec(ctx, ExecRequest{Command: []string{"make"}, Cwd: "/a"})
	c.ResolveExec(ctx, ExecRequest{Command: []string{"make"}, Cwd: "/b"})
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestController_FullAccess(t *testing.T) {
	p := &countingPrompter{}
	j := &memJournal{}
	c := NewController(ModeFullAccess, p, logger.Nop(), WithJournal(j))

	assert.Equal(t, codex.DecisionApproved, c.ResolveExec(context.Background(), ExecRequest{Command: []string{"rm", "-rf", "/"}}))
	assert.Equal(t, codex.DecisionApproved, c.ResolvePatch(context.Background(), PatchRequest{Paths: []string{"x"}}))
	assert.Equal(t, int32(0), p.calls.Load())
	assert.Equal(t, []string{SourcePolicy, SourcePolicy}, j.sources())
}

func TestController_Reset(t *testing.T) {
	p := &countingPrompter{answer: false}
	c := NewController(ModePrompt, p, logger.Nop())
	ctx := context.Background()
	req := ExecRequest{Command: []string{"curl", "example.com"}, Cwd: "/tmp"}

	c.ResolveExec(ctx, req)
	c.Reset()
	assert.Equal(t, 0, c.Remembered())
	c.ResolveExec(ctx, req)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestController_PromptFailuresAreNotRemembered(t *testing.T) {
	p := &countingPrompter{err: ErrPromptTimeout}
	j := &memJournal{}
	c := NewController(ModePrompt, p, logger.Nop(), WithJournal(j))
	ctx := context.Background()
	req := ExecRequest{Command: []string{"ls"}}

	assert.Equal(t, codex.DecisionDenied, c.ResolveExec(ctx, req))
	assert.Equal(t, 0, c.Remembered())

	p.err = context.Canceled
	assert.Equal(t, codex.DecisionAbort, c.ResolveExec(ctx, req))
	assert.Equal(t, int32(2), p.calls.Load())
	assert.Equal(t, []string{SourceError, SourceError}, j.sources())
}

func TestController_NoPrompterDenies(t *testing.T) {
	c := NewController(ModePrompt, nil, logger.Nop())
	assert.Equal(t, codex.DecisionDenied, c.ResolveExec(context.Background(), ExecRequest{Command: []string{"ls"}}))
}

func TestController_PanickingPrompterDenies(t *testing.T) {
	c := NewController(ModePrompt, PrompterFunc(func(context.Context, string, string) (bool, error) {
		panic("dialog crashed")
	}), logger.Nop())
	assert.Equal(t, codex.DecisionDenied, c.ResolveExec(context.Background(), ExecRequest{Command: []string{"ls"}}))
}

type rationalePrompter struct {
	countingPrompter
}

func (p *rationalePrompter) Rationale(context.Context, string) (string, error) {
	return "  touches prod  ", nil
}

func TestController_CollectsRationaleOnDenial(t *testing.T) {
	p := &rationalePrompter{}
	j := &memJournal{}
	c := NewController(ModePrompt, p, logger.Nop(), WithJournal(j))

	c.ResolveExec(context.Background(), ExecRequest{Command: []string{"deploy"}, CallID: "call-1", ConversationID: "conv-1"})
	require.Len(t, j.records, 1)
	rec := j.records[0]
	assert.Equal(t, "touches prod", rec.Note)
	assert.Equal(t, "call-1", rec.CallID)
	assert.Equal(t, "conv-1", rec.ConversationID)
	assert.Equal(t, KindExec, rec.Kind)
	assert.NotEmpty(t, rec.ID)
}

func TestController_ConcurrentSameKeyPromptsOnce(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	c := NewController(ModePrompt, PrompterFunc(func(context.Context, string, string) (bool, error) {
		calls.Add(1)
		<-release
		return true, nil
	}), logger.Nop())

	var wg sync.WaitGroup
	results := make([]codex.ReviewDecision, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.ResolveExec(context.Background(), ExecRequest{Command: []string{"go", "test", "./..."}, Cwd: "/repo"})
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, d := range results {
		assert.Equal(t, codex.DecisionApproved, d)
	}
}

func TestController_DifferentKeysPromptIndependently(t *testing.T) {
	release := make(chan struct{})
	c := NewController(ModePrompt, PrompterFunc(func(_ context.Context, _, detail string) (bool, error) {
		if strings.Contains(detail, "sleep") {
			<-release
		}
		return true, nil
	}), logger.Nop())

	slow := make(chan codex.ReviewDecision, 1)
	go func() {
		slow <- c.ResolveExec(context.Background(), ExecRequest{Command: []string{"sleep", "60"}, Cwd: "/repo"})
	}()
	time.Sleep(20 * time.Millisecond)

	fast := make(chan codex.ReviewDecision, 1)
	go func() {
		fast <- c.ResolveExec(context.Background(), ExecRequest{Command: []string{"git", "status"}, Cwd: "/repo"})
	}()

	select {
	case d := <-fast:
		assert.Equal(t, codex.DecisionApproved, d)
	case <-time.After(2 * time.Second):
		t.Fatal("prompt for an unrelated key waited on a pending prompt")
	}
	select {
	case <-slow:
		t.Fatal("slow prompt resolved before release")
	default:
	}

	close(release)
	assert.Equal(t, codex.DecisionApproved, <-slow)

	c.mu.Lock()
	assert.Empty(t, c.prompting)
	c.mu.Unlock()
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "exec|/repo|git status", ExecKey("/repo/", []string{"git", "status"}))
	assert.Equal(t, "exec|/repo|git status", ExecKey("/repo", []string{"git  status"}))
	assert.Equal(t, "exec||ls", ExecKey("", []string{"ls"}))
	assert.Equal(t, "patch|a.go,dir/b.go", PatchKey([]string{"dir/./b.go", "a.go", "a.go", ""}))
	assert.Equal(t, PatchKey([]string{"x", "y"}), PatchKey([]string{"y", "x"}))
}

// fakeRegistrar collects handlers the way session.Session would.
type fakeRegistrar map[string]protocol.Handler

func (r fakeRegistrar) Handle(method string, h protocol.Handler) { r[method] = h }

func TestController_RegisterAnswersAllMethods(t *testing.T) {
	p := &countingPrompter{answer: true}
	c := NewController(ModePrompt, p, logger.Nop())
	r := fakeRegistrar{}
	c.Register(r)
	require.Len(t, r, 4)
	ctx := context.Background()

	tests := []struct {
		method string
		params string
		want   string
	}{
		{codex.MethodExecCommandApproval, `{"conversationId":"c","callId":"1","command":["ls","-la"],"cwd":"/repo"}`, `{"decision":"approved"}`},
		{codex.MethodApplyPatchApproval, `{"conversationId":"c","callId":"2","fileChanges":{"a.go":{"type":"update"},"b.go":{"type":"add"}}}`, `{"decision":"approved"}`},
		{codex.MethodCommandExecutionApproval, `{"threadId":"t","turnId":"u","itemId":"3","command":"ls -la","cwd":"/repo"}`, `{"decision":"accept"}`},
		{codex.MethodFileChangeApproval, `{"threadId":"t","turnId":"u","itemId":"4","path":"a.go"}`, `{"decision":"accept"}`},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			h := r[tt.method]
			require.NotNil(t, h)
			out, err := h(ctx, json.RawMessage(tt.params))
			require.NoError(t, err)
			raw, err := json.Marshal(out)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(raw))
		})
	}

	// "ls -la" in /repo was answered once over both vocabularies.
	assert.Equal(t, int32(3), p.calls.Load())

	_, err := r[codex.MethodExecCommandApproval](ctx, json.RawMessage(`{"command":"not-a-list"}`))
	assert.Error(t, err)
}

func TestItemDecision(t *testing.T) {
	assert.Equal(t, codex.ApprovalDecisionAccept, itemDecision(codex.DecisionApproved))
	assert.Equal(t, codex.ApprovalDecisionAcceptForSession, itemDecision(codex.DecisionApprovedForSession))
	assert.Equal(t, codex.ApprovalDecisionDecline, itemDecision(codex.DecisionDenied))
	assert.Equal(t, codex.ApprovalDecisionCancel, itemDecision(codex.DecisionAbort))
}

func TestSQLiteJournal(t *testing.T) {
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	j, err := NewSQLiteJournal(db)
	require.NoError(t, err)

	c := NewController(ModePrompt, &countingPrompter{answer: false}, logger.Nop(), WithJournal(j))
	ctx := context.Background()
	req := ExecRequest{Command: []string{"rm", "-rf", "build"}, Cwd: "/repo", ConversationID: "conv-1", CallID: "call-1"}
	c.ResolveExec(ctx, req)
	c.ResolveExec(ctx, req)

	recs, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, SourceRemembered, recs[0].Source)
	assert.Equal(t, SourcePrompt, recs[1].Source)
	for _, r := range recs {
		assert.Equal(t, "denied", r.Decision)
		assert.Equal(t, "exec|/repo|rm -rf build", r.Key)
		assert.Equal(t, "conv-1", r.ConversationID)
		assert.False(t, r.CreatedAt.IsZero())
	}

	assert.NoError(t, j.Close())
}

func TestSQLiteJournal_RecordError(t *testing.T) {
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	j, err := NewSQLiteJournal(db)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	err = j.Record(context.Background(), Record{ID: "x"})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
