package codex

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidMessage is returned by Encode for messages that cannot be put on the wire.
var ErrInvalidMessage = errors.New("codex: invalid message")

// Parse decodes one line of subprocess output. Lines that are not JSON objects
// or that carry none of the discriminating fields yield (nil, false). Parse
// never panics; stdout is shared with non-protocol output, so failure here is
// the normal way of ignoring a line.
//
// Precedence: result+id is a Response, error+id is an ErrorResponse, method+id
// is a Request, method alone is a Notification.
func Parse(line []byte) (Message, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, false
	}

	id, hasID := parseID(fields["id"])
	method, hasMethod := parseMethod(fields["method"])

	if result, ok := fields["result"]; ok && hasID {
		return &Response{ID: id, Result: result}, true
	}
	if rawErr, ok := fields["error"]; ok && hasID {
		var e Error
		if err := json.Unmarshal(rawErr, &e); err == nil {
			return &ErrorResponse{ID: id, Error: e}, true
		}
		return nil, false
	}
	if hasMethod && hasID {
		return &Request{ID: id, Method: method, Params: params(fields)}, true
	}
	if hasMethod {
		if _, present := fields["id"]; present && !isNull(fields["id"]) {
			// An id that is neither string nor number.
			return nil, false
		}
		return &Notification{Method: method, Params: params(fields)}, true
	}
	return nil, false
}

// Encode renders msg as a single line without the trailing newline.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Request:
		if m.ID.IsZero() || m.Method == "" {
			return nil, fmt.Errorf("%w: request needs id and method", ErrInvalidMessage)
		}
	case *Response:
		if m.ID.IsZero() {
			return nil, fmt.Errorf("%w: response needs id", ErrInvalidMessage)
		}
	case *ErrorResponse:
		if m.ID.IsZero() {
			return nil, fmt.Errorf("%w: error response needs id", ErrInvalidMessage)
		}
	case *Notification:
		if m.Method == "" {
			return nil, fmt.Errorf("%w: notification needs method", ErrInvalidMessage)
		}
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrInvalidMessage)
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidMessage, msg)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.Kind(), err)
	}
	return data, nil
}

func parseMethod(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var method string
	if err := json.Unmarshal(raw, &method); err != nil || method == "" {
		return "", false
	}
	return method, true
}

func params(fields map[string]json.RawMessage) json.RawMessage {
	p, ok := fields["params"]
	if !ok || isNull(p) {
		return nil
	}
	return p
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
