package bus

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpjet64/codexrt/internal/common/logger"
	"github.com/cpjet64/codexrt/pkg/codex"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return New(log)
}

func TestBus_TypeSpecificThenWildcard(t *testing.T) {
	b := newTestBus(t)

	var calls []string
	b.AddListener(Wildcard, func(*codex.Event) { calls = append(calls, "wild-1") })
	b.AddListener("agent_message", func(*codex.Event) { calls = append(calls, "typed-1") })
	b.AddListener("agent_message", func(*codex.Event) { calls = append(calls, "typed-2") })
	b.AddListener(Wildcard, func(*codex.Event) { calls = append(calls, "wild-2") })
	b.AddListener("task_complete", func(*codex.Event) { calls = append(calls, "other") })

	ok := b.Dispatch([]byte(`{"id":"t1","msg":{"type":"agent_message","message":"hi"}}`))
	require.True(t, ok)

	assert.Equal(t, []string{"typed-1", "typed-2", "wild-1", "wild-2"}, calls)
}

func TestBus_PanickingListenerDoesNotStopDelivery(t *testing.T) {
	b := newTestBus(t)

	var got []string
	b.AddListener("task_started", func(*codex.Event) { panic("boom") })
	b.AddListener("task_started", func(ev *codex.Event) { got = append(got, ev.ID) })
	b.AddListener(Wildcard, func(ev *codex.Event) { got = append(got, "*"+ev.ID) })

	assert.NotPanics(t, func() {
		b.Publish(codex.NewEvent("t1", "task_started", json.RawMessage(`{"type":"task_started"}`)))
	})
	assert.Equal(t, []string{"t1", "*t1"}, got)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t)

	count := 0
	sub := b.AddListener("agent_message", func(*codex.Event) { count++ })
	ev := codex.NewEvent("t1", "agent_message", json.RawMessage(`{"type":"agent_message"}`))

	b.Publish(ev)
	sub.Unsubscribe()
	sub.Unsubscribe()
	b.Publish(ev)

	assert.Equal(t, 1, count)
	assert.False(t, sub.IsValid())
	assert.Equal(t, 0, b.ListenerCount())
}

func TestBus_UnsubscribeDuringDelivery(t *testing.T) {
	b := newTestBus(t)

	var second *Subscription
	secondCalls := 0
	b.AddListener(Wildcard, func(*codex.Event) { second.Unsubscribe() })
	second = b.AddListener(Wildcard, func(*codex.Event) { secondCalls++ })

	b.Publish(codex.NewEvent("t1", "agent_message", nil))
	assert.Equal(t, 0, secondCalls)
}

func TestBus_DispatchMalformed(t *testing.T) {
	b := newTestBus(t)
	called := false
	b.AddListener(Wildcard, func(*codex.Event) { called = true })

	for _, raw := range []string{`garbage`, `{}`, `{"id":"t1","msg":{}}`} {
		assert.False(t, b.Dispatch([]byte(raw)))
	}
	assert.False(t, called)
}

func TestBus_PreservesOrderPerListener(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	var seen []string
	b.AddListener(Wildcard, func(ev *codex.Event) {
		mu.Lock()
		seen = append(seen, ev.ID)
		mu.Unlock()
	})

	for _, id := range []string{"1", "2", "3", "4"} {
		b.Publish(codex.NewEvent(id, "agent_message_delta", nil))
	}
	assert.Equal(t, []string{"1", "2", "3", "4"}, seen)
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATSMirror_PublishesEverySubject(t *testing.T) {
	b := newTestBus(t)
	pub := &fakePublisher{}
	m := AttachMirror(b, pub, "codexrt.events.", logger.Nop())

	require.True(t, b.Dispatch([]byte(`{"id":"t1","msg":{"type":"task_started"},"conversationId":"c-1"}`)))
	b.Publish(codex.NewEvent("t1", "weird.type*", json.RawMessage(`{"type":"weird.type*"}`)))

	require.Len(t, pub.subjects, 2)
	assert.Equal(t, "codexrt.events.task_started", pub.subjects[0])
	assert.Equal(t, "codexrt.events.weird_type_", pub.subjects[1])

	var ev map[string]any
	require.NoError(t, json.Unmarshal(pub.payloads[0], &ev))
	assert.Equal(t, "t1", ev["id"])
	assert.Equal(t, "task_started", ev["type"])
	assert.Equal(t, "c-1", ev["conversationId"])

	m.Close()
	b.Publish(codex.NewEvent("t2", "task_started", nil))
	assert.Len(t, pub.subjects, 2)
}

func TestNATSMirror_PublishErrorIsContained(t *testing.T) {
	b := newTestBus(t)
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	AttachMirror(b, pub, "codexrt.events", logger.Nop())

	delivered := false
	b.AddListener(Wildcard, func(*codex.Event) { delivered = true })

	assert.NotPanics(t, func() { b.Publish(codex.NewEvent("t1", "task_started", nil)) })
	assert.True(t, delivered)
}
