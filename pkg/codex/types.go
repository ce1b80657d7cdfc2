// Package codex provides the wire types and codec for the Codex app-server protocol.
// Codex speaks a JSON-RPC 2.0 variant over stdio, one JSON object per line,
// and omits the "jsonrpc":"2.0" header.
package codex

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageKind discriminates the four wire frame shapes.
type MessageKind int

const (
	KindRequest MessageKind = iota + 1
	KindResponse
	KindError
	KindNotification
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Message is one of *Request, *Response, *ErrorResponse or *Notification.
type Message interface {
	Kind() MessageKind
}

// ID is a JSON-RPC message id. Ids allocated by this client are JSON strings;
// ids allocated by the server may be numbers and are echoed back verbatim.
type ID struct {
	raw json.RawMessage
}

// StringID returns an id encoded as a JSON string.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: b}
}

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool {
	return len(id.raw) == 0
}

// String returns the id as a lookup key. String ids are unquoted; numeric ids
// keep their textual form.
func (id ID) String() string {
	var s string
	if err := json.Unmarshal(id.raw, &s); err == nil {
		return s
	}
	return string(id.raw)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(b []byte) error {
	parsed, ok := parseID(b)
	if !ok {
		return fmt.Errorf("codex: invalid id %s", string(b))
	}
	*id = parsed
	return nil
}

// parseID accepts JSON strings and numbers; null, objects and arrays are not ids.
func parseID(raw json.RawMessage) (ID, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ID{}, false
	}
	switch c := raw[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ID{}, false
		}
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return ID{}, false
		}
	default:
		return ID{}, false
	}
	return ID{raw: append(json.RawMessage(nil), raw...)}, true
}

// Request is a call that expects a Response or ErrorResponse with the same id.
type Request struct {
	ID     ID              `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response carries the result of a Request.
type Response struct {
	ID     ID              `json:"id"`
	Result json.RawMessage `json:"result"`
}

// ErrorResponse carries the failure of a Request.
type ErrorResponse struct {
	ID    ID    `json:"id"`
	Error Error `json:"error"`
}

// Notification is a message without an id; no reply is expected.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (*Request) Kind() MessageKind       { return KindRequest }
func (*Response) Kind() MessageKind      { return KindResponse }
func (*ErrorResponse) Kind() MessageKind { return KindError }
func (*Notification) Kind() MessageKind  { return KindNotification }

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewRequest builds a Request, marshaling params when non-nil.
func NewRequest(id ID, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a Notification, marshaling params when non-nil.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Notification{Method: method, Params: raw}, nil
}

// NewResponse builds a Response for id with the marshaled result.
func NewResponse(id ID, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{ID: id, Result: raw}, nil
}

// NewErrorResponse builds an ErrorResponse for id.
func NewErrorResponse(id ID, code int, message string) *ErrorResponse {
	return &ErrorResponse{ID: id, Error: Error{Code: code, Message: message}}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return raw, nil
}
