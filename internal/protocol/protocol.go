// Package protocol defines the wire format exchanged between the relay
// server, the local controller, and observers. Every frame is one Envelope;
// the Type field carries a value from the fixed vocabulary below.
package protocol

import (
	"encoding/json"
	"time"
)

// Outbound event types (server -> observer/controller).
const (
	TypeConnected          = "connected"
	TypeHistory            = "history"
	TypeMessage            = "message"
	TypeStateChange        = "state_change"
	TypePermissionRequest  = "permission_request"
	TypePermissionResolved = "permission_resolved"
	TypePermissionTimeout  = "permission_timeout"
	TypeSessionAborted     = "session_aborted"
	TypeError              = "error"
)

// Inbound types (observer/controller -> server).
const (
	TypeHello              = "hello"
	TypeSubscribe          = "subscribe"
	TypeInput              = "input"
	TypePermissionDecision = "permission_decision"
	TypeTakeover           = "takeover"
	TypeAbort              = "abort"
)

// Envelope is the common frame for WS, SSE, and the relay upstream link.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	TsMS      int64           `json:"ts_ms,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(msgType, sessionID string) Envelope {
	return Envelope{
		Type:      msgType,
		SessionID: sessionID,
		TsMS:      time.Now().UnixMilli(),
	}
}

// WithData marshals payload into a fresh envelope. Marshal failures are
// impossible for the payload structs in this package, so they are ignored.
func WithData(msgType, sessionID string, payload any) Envelope {
	env := NewEnvelope(msgType, sessionID)
	env.Data, _ = json.Marshal(payload)
	return env
}

type HelloPayload struct {
	Role      string `json:"role"`
	SessionID string `json:"session_id,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	Version   string `json:"version,omitempty"`
}

type SubscribePayload struct {
	SessionID string `json:"session_id"`
}

type InputPayload struct {
	Text string `json:"text"`
}

type PermissionDecisionPayload struct {
	RequestID    string          `json:"request_id"`
	Allow        bool            `json:"allow"`
	UpdatedInput json.RawMessage `json:"updated_input,omitempty"`
}

type PermissionRequestPayload struct {
	RequestID   string            `json:"request_id"`
	ToolName    string            `json:"tool_name"`
	ToolUseID   string            `json:"tool_use_id,omitempty"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Suggestions []json.RawMessage `json:"suggestions,omitempty"`
	Source      string            `json:"source"`
	CreatedAtMS int64             `json:"created_at_ms"`
}

type PermissionResolvedPayload struct {
	RequestID string `json:"request_id"`
	Allow     bool   `json:"allow"`
	Actor     string `json:"actor,omitempty"`
}

type PermissionTimeoutPayload struct {
	RequestID string `json:"request_id"`
	ToolName  string `json:"tool_name"`
}

type StateChangePayload struct {
	State      string `json:"state"`
	WorkingDir string `json:"working_dir,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type ConnectedPayload struct {
	SessionID   string `json:"session_id"`
	WorkingDir  string `json:"working_dir,omitempty"`
	State       string `json:"state"`
	CreatedAtMS int64  `json:"created_at_ms"`
}

type HistoryPayload struct {
	Messages []json.RawMessage `json:"messages"`
}

// Connection roles announced in the hello frame.
const (
	RoleController = "controller"
	RoleObserver   = "observer"
)
