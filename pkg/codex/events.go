package codex

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventKind is the closed set of event types this runtime understands.
// Anything else is EventUnknown; the raw type string stays on Event.Type.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventSessionConfigured
	EventTaskStarted
	EventTaskComplete
	EventTurnComplete
	EventTurnAborted
	EventAgentMessage
	EventAgentMessageDelta
	EventAgentReasoning
	EventAgentReasoningDelta
	EventExecApprovalRequest
	EventApplyPatchApprovalRequest
	EventExecCommandBegin
	EventExecCommandOutputDelta
	EventExecCommandEnd
	EventPatchApplyBegin
	EventPatchApplyEnd
	EventMcpToolCallBegin
	EventMcpToolCallEnd
	EventTokenCount
	EventPlanUpdate
	EventTurnDiff
	EventBackgroundEvent
	EventStreamError
	EventError
	EventShutdownComplete
)

var eventKindNames = map[EventKind]string{
	EventSessionConfigured:         "session_configured",
	EventTaskStarted:               "task_started",
	EventTaskComplete:              "task_complete",
	EventTurnComplete:              "turn_complete",
	EventTurnAborted:               "turn_aborted",
	EventAgentMessage:              "agent_message",
	EventAgentMessageDelta:         "agent_message_delta",
	EventAgentReasoning:            "agent_reasoning",
	EventAgentReasoningDelta:       "agent_reasoning_delta",
	EventExecApprovalRequest:       "exec_approval_request",
	EventApplyPatchApprovalRequest: "apply_patch_approval_request",
	EventExecCommandBegin:          "exec_command_begin",
	EventExecCommandOutputDelta:    "exec_command_output_delta",
	EventExecCommandEnd:            "exec_command_end",
	EventPatchApplyBegin:           "patch_apply_begin",
	EventPatchApplyEnd:             "patch_apply_end",
	EventMcpToolCallBegin:          "mcp_tool_call_begin",
	EventMcpToolCallEnd:            "mcp_tool_call_end",
	EventTokenCount:                "token_count",
	EventPlanUpdate:                "plan_update",
	EventTurnDiff:                  "turn_diff",
	EventBackgroundEvent:           "background_event",
	EventStreamError:               "stream_error",
	EventError:                     "error",
	EventShutdownComplete:          "shutdown_complete",
}

var eventKindsByName = func() map[string]EventKind {
	m := make(map[string]EventKind, len(eventKindNames))
	for k, name := range eventKindNames {
		m[name] = k
	}
	return m
}()

// ParseEventKind maps a wire type string to its kind.
func ParseEventKind(t string) EventKind {
	if k, ok := eventKindsByName[t]; ok {
		return k
	}
	return EventUnknown
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the kind ends a turn.
func (k EventKind) Terminal() bool {
	switch k {
	case EventTaskComplete, EventTurnComplete, EventTurnAborted:
		return true
	}
	return false
}

// Event is one item of the agent's event stream. It is never mutated after
// construction and is shared by pointer between listeners.
type Event struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Kind           EventKind       `json:"-"`
	Msg            json.RawMessage `json:"msg"`
	ConversationID string          `json:"conversationId,omitempty"`
}

// ErrInvalidEnvelope is returned when an event envelope lacks msg.type.
var ErrInvalidEnvelope = errors.New("codex: invalid event envelope")

type envelope struct {
	ID             string          `json:"id"`
	Msg            json.RawMessage `json:"msg"`
	ConversationID string          `json:"conversationId,omitempty"`
}

type msgType struct {
	Type string `json:"type"`
}

// ParseEnvelope decodes an event envelope {id, msg:{type, ...}}.
func ParseEnvelope(raw []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if len(bytes.TrimSpace(env.Msg)) == 0 {
		return nil, fmt.Errorf("%w: missing msg", ErrInvalidEnvelope)
	}
	var mt msgType
	if err := json.Unmarshal(env.Msg, &mt); err != nil || mt.Type == "" {
		return nil, fmt.Errorf("%w: missing msg.type", ErrInvalidEnvelope)
	}
	ev := NewEvent(env.ID, mt.Type, env.Msg)
	ev.ConversationID = env.ConversationID
	return ev, nil
}

// NewEvent builds an Event with its Kind resolved from eventType.
func NewEvent(id, eventType string, msg json.RawMessage) *Event {
	return &Event{
		ID:   id,
		Type: eventType,
		Kind: ParseEventKind(eventType),
		Msg:  msg,
	}
}

// Decode unmarshals the event message into v.
func (e *Event) Decode(v any) error {
	if err := json.Unmarshal(e.Msg, v); err != nil {
		return fmt.Errorf("failed to decode %s event: %w", e.Type, err)
	}
	return nil
}

// EventFromNotification converts an event-carrying notification into an Event.
// codex/event/<type> params are unwrapped from {id, msg}; msg.type wins over
// the method suffix when both are present. sessionConfigured params are the
// message itself. Other methods report false.
func EventFromNotification(n *Notification) (*Event, bool) {
	if n == nil {
		return nil, false
	}
	if n.Method == NotifySessionConfigured {
		var ids struct {
			ConversationID string `json:"conversationId"`
			SessionID      string `json:"sessionId"`
		}
		_ = json.Unmarshal(n.Params, &ids)
		ev := NewEvent(ids.SessionID, EventSessionConfigured.String(), n.Params)
		ev.ConversationID = ids.ConversationID
		return ev, true
	}

	suffix, ok := EventTypeFromMethod(n.Method)
	if !ok {
		return nil, false
	}
	if ev, err := ParseEnvelope(n.Params); err == nil {
		return ev, true
	}
	var env envelope
	if err := json.Unmarshal(n.Params, &env); err != nil || len(bytes.TrimSpace(env.Msg)) == 0 {
		return nil, false
	}
	ev := NewEvent(env.ID, suffix, env.Msg)
	ev.ConversationID = env.ConversationID
	return ev, true
}

// EventTypeFromMethod returns the event type named by a codex/event/<type>
// notification method.
func EventTypeFromMethod(method string) (string, bool) {
	if !strings.HasPrefix(method, EventMethodPrefix) {
		return "", false
	}
	t := strings.TrimPrefix(method, EventMethodPrefix)
	return t, t != ""
}
