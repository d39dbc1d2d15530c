package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeHello:   true,
	TypeExecute: true,
	TypeControl: true,
}

// validControlKinds is the set of recognized control request kinds.
var validControlKinds = map[string]bool{
	ControlPause:  true,
	ControlResume: true,
	ControlCancel: true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeHello:
		var p HelloPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		// A token without a session id (or the reverse) is always a
		// malformed resume attempt.
		if (p.SessionID == "") != (p.ReconnectToken == "") {
			return nil, fmt.Errorf("resume requires both 'sessionId' and 'reconnectToken' in %s payload", msg.Type)
		}

	case TypeExecute:
		var p ExecutePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Command == "" {
			return nil, fmt.Errorf("missing required field 'command' in %s payload", msg.Type)
		}
		if p.TimeoutSeconds < 0 {
			return nil, fmt.Errorf("'timeoutSeconds' must not be negative in %s payload", msg.Type)
		}

	case TypeControl:
		var p ControlPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Kind == "" {
			return nil, fmt.Errorf("missing required field 'kind' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

// KnownControlKind reports whether kind is a recognized control request.
// Unrecognized kinds are reported to the client as UNKNOWN_CONTROL_KIND
// rather than failing envelope validation.
func KnownControlKind(kind string) bool {
	return validControlKinds[kind]
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
