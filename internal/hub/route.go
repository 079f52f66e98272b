package hub

import (
	"encoding/json"
	"sort"
	"time"

	"ccrelay/internal/permission"
	"ccrelay/internal/protocol"
)

// IngestControllerEvent routes one upstream envelope from the session's
// controller into the hub: messages land in the replay buffer and fan out,
// state changes mutate the session record, permission requests register with
// the broker before fanning out.
func (h *Hub) IngestControllerEvent(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeMessage:
		h.recordMessage(env)
	case protocol.TypeStateChange:
		h.applyStateChange(env)
	case protocol.TypePermissionRequest:
		h.ingestPermissionRequest(env)
	default:
		h.log.Debug("ignoring controller envelope", "type", env.Type, "session_id", env.SessionID)
	}
}

// recordMessage appends to the replay buffer and collects the fan-out set
// in one critical section, so every subscriber sees the message exactly
// once: in its replayed history or live, depending on which side of the
// append its subscribe landed.
func (h *Hub) recordMessage(env protocol.Envelope) {
	h.mu.Lock()
	sess, ok := h.sessions[env.SessionID]
	if !ok {
		h.mu.Unlock()
		h.log.Debug("message for unknown session dropped", "session_id", env.SessionID)
		return
	}
	sess.buffer.Append(env.Data)
	set := h.bySession[env.SessionID]
	subs := make([]*Conn, 0, len(set))
	for _, c := range set {
		subs = append(subs, c)
	}
	h.mu.Unlock()

	for _, c := range subs {
		h.deliver(c, env)
	}
}

func (h *Hub) applyStateChange(env protocol.Envelope) {
	var sc protocol.StateChangePayload
	if err := json.Unmarshal(env.Data, &sc); err != nil {
		h.log.Warn("bad state_change payload", "session_id", env.SessionID, "err", err)
		return
	}
	h.mu.Lock()
	sess, ok := h.sessions[env.SessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	sess.state = SessionState(sc.State)
	if sc.ExitCode != nil {
		sess.exitCode = sc.ExitCode
	}
	if sc.WorkingDir != "" {
		sess.workingDir = sc.WorkingDir
	}
	exited := sess.state == StateExited
	h.mu.Unlock()

	if exited {
		h.cfg.Broker.DropSession(env.SessionID)
	}
	h.SendToSession(env.SessionID, protocol.TypeStateChange, sc)
}

func (h *Hub) ingestPermissionRequest(env protocol.Envelope) {
	var p protocol.PermissionRequestPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		h.log.Warn("bad permission_request payload", "session_id", env.SessionID, "err", err)
		return
	}
	src := permission.Source(p.Source)
	if src == "" {
		src = permission.SourceProcess
	}
	h.RegisterPermission(permission.PendingRequest{
		SessionID:   env.SessionID,
		RequestID:   p.RequestID,
		ToolName:    p.ToolName,
		ToolUseID:   p.ToolUseID,
		Input:       p.Input,
		Suggestions: p.Suggestions,
		Source:      src,
	})
}

// RegisterPermission registers a pending request from any source (live
// process, on-disk reconstruction, or notification hook), flips the session
// to awaiting_permission, and fans the request out.
func (h *Hub) RegisterPermission(req permission.PendingRequest) {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	h.mu.Lock()
	sess := h.ensureSessionLocked(req.SessionID, "")
	if sess.state == StateRunning || sess.state == StateIdle {
		sess.state = StateAwaitingPermission
	}
	h.mu.Unlock()

	h.cfg.Broker.Register(req)
	h.SendToSession(req.SessionID, protocol.TypePermissionRequest, requestPayload(req))
	h.SendToSession(req.SessionID, protocol.TypeStateChange, protocol.StateChangePayload{
		State: string(StateAwaitingPermission),
	})
}

// ResolvePermission applies an observer's decision. It reports whether this
// call consumed the pending request; a request already resolved (explicitly
// or by timeout) yields false with no side effects.
func (h *Hub) ResolvePermission(actor, sessionID, requestID string, allow bool, updatedInput json.RawMessage) bool {
	dec := permission.Decision{Allow: allow, UpdatedInput: updatedInput, Actor: actor}
	if !h.cfg.Broker.Resolve(sessionID, requestID, dec) {
		return false
	}
	h.forwardToController(protocol.WithData(protocol.TypePermissionDecision, sessionID,
		protocol.PermissionDecisionPayload{
			RequestID:    requestID,
			Allow:        allow,
			UpdatedInput: updatedInput,
		}))
	h.SendToSession(sessionID, protocol.TypePermissionResolved, protocol.PermissionResolvedPayload{
		RequestID: requestID,
		Allow:     allow,
		Actor:     actor,
	})
	h.settlePermissionState(sessionID)
	return true
}

// handlePermissionTimeout is wired into the broker: the deny decision goes
// downstream and observers get a permission_timeout, distinct from an
// explicit denial.
func (h *Hub) handlePermissionTimeout(n permission.TimeoutNotice) {
	h.forwardToController(protocol.WithData(protocol.TypePermissionDecision, n.SessionID,
		protocol.PermissionDecisionPayload{
			RequestID: n.RequestID,
			Allow:     false,
		}))
	h.SendToSession(n.SessionID, protocol.TypePermissionTimeout, protocol.PermissionTimeoutPayload{
		RequestID: n.RequestID,
		ToolName:  n.ToolName,
	})
	h.settlePermissionState(n.SessionID)
}

// settlePermissionState returns an awaiting session to running once its
// last pending request is gone.
func (h *Hub) settlePermissionState(sessionID string) {
	if len(h.cfg.Broker.ListPending(sessionID)) > 0 {
		return
	}
	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	if !ok || sess.state != StateAwaitingPermission {
		h.mu.Unlock()
		return
	}
	sess.state = StateRunning
	h.mu.Unlock()
	h.SendToSession(sessionID, protocol.TypeStateChange, protocol.StateChangePayload{
		State: string(StateRunning),
	})
}

// Input forwards observer text to the session's controller.
func (h *Hub) Input(sessionID, text string) error {
	return h.forwardToControllerErr(protocol.WithData(protocol.TypeInput, sessionID,
		protocol.InputPayload{Text: text}))
}

// Takeover signals the session's controller to hand control to the remote
// side.
func (h *Hub) Takeover(sessionID string) error {
	return h.forwardToControllerErr(protocol.NewEnvelope(protocol.TypeTakeover, sessionID))
}

// Abort flips the session to aborted before the controller has even seen
// the signal; a second abort on an aborted or exited session is a no-op.
func (h *Hub) Abort(sessionID string) error {
	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.state == StateAborted || sess.state == StateExited {
		h.mu.Unlock()
		return nil
	}
	sess.state = StateAborted
	h.mu.Unlock()

	h.cfg.Broker.DropSession(sessionID)
	h.forwardToController(protocol.NewEnvelope(protocol.TypeAbort, sessionID))
	h.SendToSession(sessionID, protocol.TypeSessionAborted, protocol.StateChangePayload{
		State: string(StateAborted),
	})
	return nil
}

func (h *Hub) forwardToController(env protocol.Envelope) {
	if err := h.forwardToControllerErr(env); err != nil {
		h.log.Warn("forward to controller failed", "session_id", env.SessionID, "type", env.Type, "err", err)
	}
}

func (h *Hub) forwardToControllerErr(env protocol.Envelope) error {
	h.mu.RLock()
	c := h.controllers[env.SessionID]
	h.mu.RUnlock()
	if c == nil {
		return ErrNoController
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.send(env)
}

func sortSessions(items []SessionInfo) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}
