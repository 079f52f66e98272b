// Package permission tracks outstanding tool-permission requests and
// arbitrates their resolution: one explicit decision or one timeout-driven
// deny per request, never both.
package permission

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

// DefaultWindow is how long a request may stay unresolved before the broker
// denies it on the requester's behalf.
const DefaultWindow = 60 * time.Second

// Source records how a request reached the broker.
type Source string

const (
	SourceProcess Source = "process"
	SourceFile    Source = "file"
	SourceHook    Source = "hook"
)

// Decision is a resolving response for a pending request.
type Decision struct {
	Allow        bool
	UpdatedInput json.RawMessage
	Actor        string
}

// PendingRequest is one outstanding approval, scoped to a session.
type PendingRequest struct {
	SessionID   string
	RequestID   string
	ToolName    string
	ToolUseID   string
	Input       json.RawMessage
	Suggestions []json.RawMessage
	Source      Source
	CreatedAt   time.Time
}

// TimeoutNotice carries enough detail for observers to render an
// explanatory message when a request is denied by timeout.
type TimeoutNotice struct {
	SessionID string
	RequestID string
	ToolName  string
}

type entry struct {
	req   PendingRequest
	timer *time.Timer
}

type Broker struct {
	mu      sync.Mutex
	window  time.Duration
	log     *slog.Logger
	pending map[string]map[string]*entry // sessionID -> requestID
	onTO    []func(TimeoutNotice)
}

func NewBroker(window time.Duration, log *slog.Logger) *Broker {
	if window <= 0 {
		window = DefaultWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		window:  window,
		log:     log,
		pending: make(map[string]map[string]*entry),
	}
}

// OnTimeout registers a callback for timeout-driven auto-denials.
func (b *Broker) OnTimeout(cb func(TimeoutNotice)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTO = append(b.onTO, cb)
}

// Register adds a pending request and starts its deny timer. A duplicate
// registration for a tool use that already has a live request is dropped.
func (b *Broker) Register(req PendingRequest) {
	if req.SessionID == "" || req.RequestID == "" {
		return
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sess := b.pending[req.SessionID]
	if sess == nil {
		sess = make(map[string]*entry)
		b.pending[req.SessionID] = sess
	}
	if _, ok := sess[req.RequestID]; ok {
		return
	}
	if req.ToolUseID != "" {
		for _, e := range sess {
			if e.req.ToolUseID == req.ToolUseID {
				b.log.Debug("dropping duplicate permission request",
					"session_id", req.SessionID, "tool_use_id", req.ToolUseID)
				return
			}
		}
	}
	e := &entry{req: req}
	e.timer = time.AfterFunc(b.window, func() {
		b.expire(req.SessionID, req.RequestID)
	})
	sess[req.RequestID] = e
}

// Resolve consumes a pending request. It reports whether the request
// existed and was consumed by this call; losing a race against the timeout
// (or a second resolution) yields false, never an error.
func (b *Broker) Resolve(sessionID, requestID string, _ Decision) bool {
	b.mu.Lock()
	e := b.remove(sessionID, requestID)
	b.mu.Unlock()
	if e == nil {
		return false
	}
	e.timer.Stop()
	return true
}

// Lookup returns a copy of a still-pending request.
func (b *Broker) Lookup(sessionID, requestID string) (PendingRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess := b.pending[sessionID]
	if sess == nil {
		return PendingRequest{}, false
	}
	e, ok := sess[requestID]
	if !ok {
		return PendingRequest{}, false
	}
	return e.req, true
}

// ListPending returns the session's unresolved requests in creation order,
// for replay to late-joining observers.
func (b *Broker) ListPending(sessionID string) []PendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess := b.pending[sessionID]
	out := make([]PendingRequest, 0, len(sess))
	for _, e := range sess {
		out = append(out, e.req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// DropSession discards every pending request for a session without firing
// timers or callbacks. Used when a session exits or is aborted.
func (b *Broker) DropSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.pending[sessionID] {
		e.timer.Stop()
	}
	delete(b.pending, sessionID)
}

func (b *Broker) expire(sessionID, requestID string) {
	b.mu.Lock()
	e := b.remove(sessionID, requestID)
	cbs := slices.Clone(b.onTO)
	b.mu.Unlock()
	if e == nil {
		// Explicit resolution won the race.
		return
	}
	b.log.Info("permission request denied by timeout",
		"session_id", sessionID, "request_id", requestID, "tool", e.req.ToolName)
	notice := TimeoutNotice{
		SessionID: sessionID,
		RequestID: requestID,
		ToolName:  e.req.ToolName,
	}
	for _, cb := range cbs {
		cb(notice)
	}
}

// remove detaches an entry while b.mu is held.
func (b *Broker) remove(sessionID, requestID string) *entry {
	sess := b.pending[sessionID]
	if sess == nil {
		return nil
	}
	e, ok := sess[requestID]
	if !ok {
		return nil
	}
	delete(sess, requestID)
	if len(sess) == 0 {
		delete(b.pending, sessionID)
	}
	return e
}
