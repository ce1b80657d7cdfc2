package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpjet64/codexrt/internal/approval"
	"github.com/cpjet64/codexrt/internal/common/config"
	"github.com/cpjet64/codexrt/internal/common/logger"
	"github.com/cpjet64/codexrt/internal/events/bus"
	"github.com/cpjet64/codexrt/internal/process"
	"github.com/cpjet64/codexrt/internal/session"
	"github.com/cpjet64/codexrt/internal/tracing"
	"github.com/cpjet64/codexrt/pkg/codex"
)

const testWait = 2 * time.Second

// agent plays the codex app-server on one PipeHandle.
type agent struct {
	h    *process.PipeHandle
	conv string

	responses chan *codex.Response
}

func newAgent(pid int) *agent {
	a := &agent{
		h:         process.NewPipeHandle(pid),
		conv:      fmt.Sprintf("conv-%d", pid),
		responses: make(chan *codex.Response, 16),
	}
	go a.serve()
	return a
}

func (a *agent) serve() {
	scanner := bufio.NewScanner(a.h.Requests())
	for scanner.Scan() {
		msg, ok := codex.Parse(scanner.Bytes())
		if !ok {
			continue
		}
		switch m := msg.(type) {
		case *codex.Response:
			a.responses <- m
		case *codex.Request:
			a.answer(m)
		}
	}
}

func (a *agent) answer(req *codex.Request) {
	var result any = struct{}{}
	switch req.Method {
	case codex.MethodInitialize, codex.MethodGetUserAgent:
		result = codex.InitializeResult{UserAgent: "codex_cli_rs/0.50.0"}
	case codex.MethodNewConversation:
		result = codex.NewConversationResult{ConversationID: a.conv}
	case codex.MethodAddConversationListener:
		result = codex.AddConversationListenerResult{SubscriptionID: "sub-1"}
	}
	resp, err := codex.NewResponse(req.ID, result)
	if err != nil {
		panic(err)
	}
	a.emit(resp)
}

func (a *agent) emit(msg codex.Message) {
	line, err := codex.Encode(msg)
	if err != nil {
		panic(err)
	}
	_ = a.h.Emit(string(line))
}

func (a *agent) event(id, eventType string) {
	a.emit(&codex.Notification{
		Method: "codex/event/" + eventType,
		Params: json.RawMessage(fmt.Sprintf(`{"id":%q,"msg":{"type":%q}}`, id, eventType)),
	})
}

func (a *agent) requestExecApproval(t *testing.T, id string, command ...string) {
	t.Helper()
	req, err := codex.NewRequest(codex.StringID(id), codex.MethodExecCommandApproval, codex.ExecCommandApprovalParams{
		ConversationID: a.conv,
		CallID:         "call-" + id,
		Command:        command,
		Cwd:            "/repo",
	})
	require.NoError(t, err)
	a.emit(req)
}

func (a *agent) nextResponse(t *testing.T) *codex.Response {
	t.Helper()
	select {
	case r := <-a.responses:
		return r
	case <-time.After(testWait):
		t.Fatal("timeout waiting for approval reply")
		return nil
	}
}

// launcher hands out a fresh agent per launch.
type launcher struct {
	mu     sync.Mutex
	agents []*agent
	err    error
}

func (l *launcher) launch(process.Config) (process.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	a := newAgent(len(l.agents) + 1)
	l.agents = append(l.agents, a)
	return a.h, nil
}

func (l *launcher) agent(i int) *agent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.agents[i]
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadWithPath(t.TempDir())
	require.NoError(t, err)
	cfg.Handshake.Timeout = testWait
	cfg.Heartbeat.Enabled = false
	cfg.Health.Enabled = false
	cfg.API.Enabled = false
	cfg.NATS.URL = ""
	cfg.Audit.Path = ""
	cfg.Tracing.Endpoint = ""
	cfg.Approval.Prompter = config.PrompterDeny
	return cfg
}

func newRuntime(t *testing.T, cfg *config.Config) (*Runtime, *launcher) {
	t.Helper()
	l := &launcher{}
	rt, err := New(cfg, logger.Nop(), WithLauncher(l.launch), WithDiagnostics(func(string) {}))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Stop(context.Background()) })
	return rt, l
}

func TestRuntime_StartHandshakes(t *testing.T) {
	rt, _ := newRuntime(t, testConfig(t))
	require.NoError(t, rt.Start(context.Background()))

	assert.Equal(t, session.StateReady, rt.Session().State())
	assert.Equal(t, "conv-1", rt.Session().ConversationID())
	assert.NotEmpty(t, rt.InstanceID())
	assert.Nil(t, rt.Queue())
	assert.Nil(t, rt.Health())
}

func TestRuntime_StartFailure(t *testing.T) {
	cfg := testConfig(t)
	l := &launcher{err: errors.New("exec: codex: not found")}
	rt, err := New(cfg, logger.Nop(), WithLauncher(l.launch))
	require.NoError(t, err)

	err = rt.Start(context.Background())
	assert.ErrorIs(t, err, session.ErrLaunchFailed)
	assert.Equal(t, session.StateStopped, rt.Session().State())
}

func TestRuntime_EventsReachBusAndRetireTurns(t *testing.T) {
	rt, l := newRuntime(t, testConfig(t))

	got := make(chan string, 8)
	rt.Bus().AddListener(bus.Wildcard, func(ev *codex.Event) { got <- ev.Type })

	require.NoError(t, rt.Start(context.Background()))
	a := l.agent(0)

	a.event("t1", "task_started")
	require.Eventually(t, func() bool { return rt.Turns().Len() == 1 }, testWait, 5*time.Millisecond)
	a.event("t1", "task_complete")
	require.Eventually(t, func() bool { return rt.Turns().Len() == 0 }, testWait, 5*time.Millisecond)

	assert.Equal(t, "task_started", <-got)
	assert.Equal(t, "task_complete", <-got)
}

func TestRuntime_DenyPrompterAnswersApprovals(t *testing.T) {
	rt, l := newRuntime(t, testConfig(t))
	require.NoError(t, rt.Start(context.Background()))
	a := l.agent(0)

	a.requestExecApproval(t, "a1", "rm", "-rf", "build")
	resp := a.nextResponse(t)
	assert.Equal(t, "a1", resp.ID.String())
	assert.JSONEq(t, `{"decision":"denied"}`, string(resp.Result))

	// The denial is remembered, so the same command is denied without a prompt.
	assert.Equal(t, 1, rt.Approvals().Remembered())
}

func TestRuntime_FullAccessApproves(t *testing.T) {
	cfg := testConfig(t)
	cfg.Approval.Mode = config.ApprovalModeFullAccess
	rt, l := newRuntime(t, cfg)
	require.NoError(t, rt.Start(context.Background()))

	l.agent(0).requestExecApproval(t, "a1", "make", "test")
	resp := l.agent(0).nextResponse(t)
	assert.JSONEq(t, `{"decision":"approved"}`, string(resp.Result))
}

func TestRuntime_QueuePrompterWithJournal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Approval.Prompter = config.PrompterQueue
	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit.db")
	rt, l := newRuntime(t, cfg)
	require.NoError(t, rt.Start(context.Background()))
	require.NotNil(t, rt.Queue())

	a := l.agent(0)
	a.requestExecApproval(t, "a1", "go", "test", "./...")

	var pending []approval.PendingPrompt
	require.Eventually(t, func() bool {
		pending = rt.Queue().Pending()
		return len(pending) == 1
	}, testWait, 5*time.Millisecond)
	require.NoError(t, rt.Queue().Respond(pending[0].ID, true))

	resp := a.nextResponse(t)
	assert.JSONEq(t, `{"decision":"approved"}`, string(resp.Result))

	var recs []approval.Record
	require.Eventually(t, func() bool {
		var err error
		recs, err = rt.journal.Recent(context.Background(), 10)
		return err == nil && len(recs) == 1
	}, testWait, 5*time.Millisecond)
	assert.Equal(t, "approved", recs[0].Decision)
	assert.Equal(t, "call-a1", recs[0].CallID)
}

func TestRuntime_SenderRestartsDeadAgent(t *testing.T) {
	rt, l := newRuntime(t, testConfig(t))
	require.NoError(t, rt.Start(context.Background()))

	l.agent(0).h.Exit()
	require.Eventually(t, func() bool { return !l.agent(0).h.Alive() }, testWait, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	f, err := rt.Sender().SendMessage(ctx, "hello")
	require.NoError(t, err)
	_, err = f.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "conv-2", rt.Session().ConversationID())
}

func TestRuntime_HealthAndHeartbeatWired(t *testing.T) {
	cfg := testConfig(t)
	cfg.Heartbeat.Enabled = true
	cfg.Heartbeat.Interval = time.Hour
	cfg.Heartbeat.Tick = time.Hour
	cfg.Health.Enabled = true
	cfg.Health.StaleThreshold = time.Hour
	cfg.Health.CheckInterval = time.Hour
	rt, l := newRuntime(t, cfg)
	require.NoError(t, rt.Start(context.Background()))
	require.NotNil(t, rt.Health())

	before := rt.Health().Snapshot().LastStdout()
	time.Sleep(10 * time.Millisecond)
	l.agent(0).event("t1", "agent_message")
	assert.Eventually(t, func() bool {
		return rt.Health().Snapshot().LastStdout().After(before)
	}, testWait, 5*time.Millisecond)
}

func TestRuntime_TracingFollowsConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tracing.Endpoint = "http://127.0.0.1:1"
	rt, _ := newRuntime(t, cfg)
	assert.True(t, tracing.Enabled())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	rt.Stop(ctx)
	assert.False(t, tracing.Enabled())
}

func TestRuntime_StopIsIdempotent(t *testing.T) {
	rt, l := newRuntime(t, testConfig(t))
	require.NoError(t, rt.Start(context.Background()))

	rt.Stop(context.Background())
	rt.Stop(context.Background())
	assert.Equal(t, session.StateStopped, rt.Session().State())
	assert.Equal(t, 1, l.agent(0).h.Destroyed())
}
