package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeWelcome       = "session.welcome"
	TypeOutput        = "session.output"
	TypeTerminated    = "session.terminated"
	TypeControlAck    = "control.ack"
	TypeFilesActivity = "files.activity"
	TypeError         = "error"
)

// Client → Server message types.
const (
	TypeHello   = "session.hello"
	TypeExecute = "session.execute"
	TypeControl = "session.control"
)

// Control kinds.
const (
	ControlPause  = "pause"
	ControlResume = "resume"
	ControlCancel = "cancel"
)

// Terminal statuses reported in session.terminated.
const (
	StatusExited    = "exited"
	StatusCancelled = "cancelled"
	StatusTimedOut  = "timed_out"
)

// Error codes.
const (
	ErrCapacityExceeded    = "CAPACITY_EXCEEDED"
	ErrSessionNotFound     = "SESSION_NOT_FOUND"
	ErrAlreadyRunning      = "ALREADY_RUNNING"
	ErrNoActiveProcess     = "NO_ACTIVE_PROCESS"
	ErrSpawnFailed         = "SPAWN_FAILED"
	ErrProcessNotFound     = "PROCESS_NOT_FOUND"
	ErrUnknownControlKind  = "UNKNOWN_CONTROL_KIND"
	ErrInvalidControlState = "INVALID_CONTROL_STATE"
	ErrTokenExpired        = "TOKEN_EXPIRED"
	ErrTokenInvalid        = "TOKEN_INVALID"
	ErrInvalidMessage      = "INVALID_MESSAGE"
)

// Server → Client payloads.

// WelcomePayload is sent once the session is registered (or resumed). The
// reconnect token is handed out up front: if the connection later dies, the
// client presents it on the next dial to pick the session back up.
type WelcomePayload struct {
	SessionID        string   `json:"sessionId"`
	ReconnectToken   string   `json:"reconnectToken"`
	Resumed          bool     `json:"resumed"`
	Capabilities     []string `json:"capabilities"`
	HeartbeatSeconds int      `json:"heartbeatSeconds"`
}

type OutputPayload struct {
	SessionID string `json:"sessionId"`
	Stream    string `json:"stream"` // "stdout" | "stderr"
	Data      []byte `json:"data"`
	Seq       uint64 `json:"seq"`
	// Summary marks the single chunk that stands in for output dropped
	// beyond the cumulative byte cap.
	Summary      bool  `json:"summary,omitempty"`
	OmittedBytes int64 `json:"omittedBytes,omitempty"`
}

type TerminatedPayload struct {
	SessionID    string `json:"sessionId"`
	Status       string `json:"status"` // "exited" | "cancelled" | "timed_out"
	ExitCode     int    `json:"exitCode"`
	Truncated    bool   `json:"truncated,omitempty"`
	OmittedBytes int64  `json:"omittedBytes,omitempty"`
}

type ControlAckPayload struct {
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind"`
}

type FilesActivityPayload struct {
	SessionID string `json:"sessionId"`
	Events    int    `json:"events"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

// HelloPayload is the required first message on every connection. An empty
// payload starts a fresh session; a session id plus reconnect token resumes
// a detached one.
type HelloPayload struct {
	SessionID      string `json:"sessionId,omitempty"`
	ReconnectToken string `json:"reconnectToken,omitempty"`
}

type ExecutePayload struct {
	Command        string  `json:"command"`
	WorkingDir     string  `json:"workingDir,omitempty"`
	TimeoutSeconds float64 `json:"timeoutSeconds,omitempty"`
}

type ControlPayload struct {
	Kind string `json:"kind"` // "pause" | "resume" | "cancel"
}
