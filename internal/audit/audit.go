// Package audit keeps an append-only JSONL trail of control actions taken
// against agent sessions, so every remote intervention (input injected,
// permission decided, session killed) can be reconstructed afterwards.
package audit

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Action names a control intervention. The values line up with the wire
// vocabulary so trail entries read like the traffic that caused them.
type Action string

const (
	ActionControllerConnect  Action = "controller_connect"
	ActionInput              Action = "input"
	ActionPermissionDecision Action = "permission_decision"
	ActionPermissionHook     Action = "permission_hook"
	ActionTakeover           Action = "takeover"
	ActionAbort              Action = "abort"
)

// Entry is one trail line.
type Entry struct {
	TsMS      int64          `json:"ts_ms"`
	Actor     string         `json:"actor"`
	SessionID string         `json:"session_id,omitempty"`
	Action    Action         `json:"action"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Trail appends entries to a single file. A nil *Trail discards records, so
// callers never have to guard the disabled case.
type Trail struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func Open(path string) (*Trail, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &Trail{file: f, enc: json.NewEncoder(f)}, nil
}

func (t *Trail) Close() error {
	if t == nil || t.file == nil {
		return nil
	}
	return t.file.Close()
}

// Record writes one entry. Failures are swallowed: the trail must never
// take a control action down with it.
func (t *Trail) Record(actor, sessionID string, action Action, detail map[string]any) {
	if t == nil || t.enc == nil {
		return
	}
	entry := Entry{
		TsMS:      time.Now().UnixMilli(),
		Actor:     actor,
		SessionID: sessionID,
		Action:    action,
		Detail:    detail,
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.enc.Encode(entry)
}
