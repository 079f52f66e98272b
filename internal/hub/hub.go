// Package hub is the transport-agnostic fan-out core of the relay server.
// It owns every connection, the session registry with its replay buffers,
// and the routing between observers and the session's controller. Transports
// (WS, SSE) only hand it a send function per connection.
package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ccrelay/internal/permission"
	"ccrelay/internal/protocol"
)

type Kind string

const (
	KindDuplex Kind = "duplex"
	KindPush   Kind = "push"
)

type Role string

const (
	RoleController Role = "controller"
	RoleObserver   Role = "observer"
)

// SessionState mirrors the session lifecycle visible to observers.
type SessionState string

const (
	StateIdle               SessionState = "idle"
	StateRunning            SessionState = "running"
	StateAwaitingPermission SessionState = "awaiting_permission"
	StateAborted            SessionState = "aborted"
	StateExited             SessionState = "exited"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrNoController       = errors.New("no controller connected for session")
	ErrControllerConflict = errors.New("session already has a controller")
	ErrConnNotFound       = errors.New("connection not found")
)

// SendFunc delivers one envelope over a connection's transport. The hub
// treats a send error as that connection's problem: it is logged and never
// blocks delivery to other connections.
type SendFunc func(protocol.Envelope) error

// Conn is one observer/controller channel. The hub exclusively owns it.
// sendMu serializes deliveries so a subscribe replay cannot interleave with
// live fan-out to the same connection.
type Conn struct {
	ID        string
	Kind      Kind
	Role      Role
	sessionID string
	send      SendFunc
	sendMu    sync.Mutex
}

// SessionID returns the session this connection is subscribed to.
func (c *Conn) SessionID() string { return c.sessionID }

type session struct {
	id         string
	workingDir string
	createdAt  time.Time
	state      SessionState
	exitCode   *int
	buffer     *messageBuffer
}

// SessionInfo is the read-only snapshot handed to transports and the API.
type SessionInfo struct {
	ID         string       `json:"session_id"`
	WorkingDir string       `json:"working_dir,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	State      SessionState `json:"state"`
	ExitCode   *int         `json:"exit_code,omitempty"`
}

// MessageSource is the on-disk history boundary. The hub falls back to it
// when an observer subscribes to a session with no in-memory buffer.
type MessageSource interface {
	Messages(sessionID string) ([]json.RawMessage, error)
}

type Config struct {
	Broker    *permission.Broker
	History   MessageSource
	BufferCap int
	Logger    *slog.Logger
}

type Hub struct {
	mu          sync.RWMutex
	cfg         Config
	log         *slog.Logger
	conns       map[string]*Conn
	bySession   map[string]map[string]*Conn
	controllers map[string]*Conn
	sessions    map[string]*session
}

func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Broker == nil {
		cfg.Broker = permission.NewBroker(0, cfg.Logger)
	}
	h := &Hub{
		cfg:         cfg,
		log:         cfg.Logger,
		conns:       make(map[string]*Conn),
		bySession:   make(map[string]map[string]*Conn),
		controllers: make(map[string]*Conn),
		sessions:    make(map[string]*session),
	}
	cfg.Broker.OnTimeout(h.handlePermissionTimeout)
	return h
}

func (h *Hub) Broker() *permission.Broker { return h.cfg.Broker }

// Connect registers a new connection and returns it. The send function is
// the only way the hub ever touches the underlying transport.
func (h *Hub) Connect(kind Kind, role Role, send SendFunc) *Conn {
	c := &Conn{
		ID:   uuid.NewString(),
		Kind: kind,
		Role: role,
		send: send,
	}
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
	h.log.Debug("connection registered", "conn_id", c.ID, "kind", kind, "role", role)
	return c
}

// Disconnect removes a connection from the registry and from its session's
// fan-out set. A controller disconnect releases the session binding.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, connID)
	// Release the controller slot before detachLocked clears c.sessionID,
	// or the binding would leak and block every reconnect.
	if cur, ok := h.controllers[c.sessionID]; ok && cur == c {
		delete(h.controllers, c.sessionID)
	}
	h.detachLocked(c)
	h.mu.Unlock()
	h.log.Debug("connection removed", "conn_id", connID)
}

// Subscribe binds a connection to a session and immediately replays, in
// order: the session snapshot, its buffered history, and every pending
// permission request. The replay snapshot is taken in the same critical
// section that attaches the connection, and the connection's send lock is
// held across the registry unlock, so a message ingested concurrently is
// either in the replayed history or delivered after it, never both and
// never before.
func (h *Hub) Subscribe(connID, sessionID string) error {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return ErrConnNotFound
	}
	sess, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return ErrSessionNotFound
	}
	h.detachLocked(c)
	set := h.bySession[sessionID]
	if set == nil {
		set = make(map[string]*Conn)
		h.bySession[sessionID] = set
	}
	set[c.ID] = c
	c.sessionID = sessionID
	info := snapshotLocked(sess)
	buffered := sess.buffer.Snapshot()
	pending := h.cfg.Broker.ListPending(sessionID)
	c.sendMu.Lock()
	h.mu.Unlock()
	defer c.sendMu.Unlock()

	h.deliverLocked(c, protocol.WithData(protocol.TypeConnected, sessionID, protocol.ConnectedPayload{
		SessionID:   info.ID,
		WorkingDir:  info.WorkingDir,
		State:       string(info.State),
		CreatedAtMS: info.CreatedAt.UnixMilli(),
	}))

	if len(buffered) == 0 && h.cfg.History != nil {
		stored, err := h.cfg.History.Messages(sessionID)
		if err != nil {
			h.log.Warn("history lookup failed", "session_id", sessionID, "err", err)
		} else {
			buffered = stored
		}
	}
	h.deliverLocked(c, protocol.WithData(protocol.TypeHistory, sessionID, protocol.HistoryPayload{
		Messages: buffered,
	}))

	for _, req := range pending {
		h.deliverLocked(c, protocol.WithData(protocol.TypePermissionRequest, sessionID, requestPayload(req)))
	}
	return nil
}

// Unsubscribe detaches a connection from its session without closing it.
func (h *Hub) Unsubscribe(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[connID]; ok {
		h.detachLocked(c)
	}
}

// detachLocked removes c from its session's fan-out set, deleting the set
// entirely when it becomes empty.
func (h *Hub) detachLocked(c *Conn) {
	if c.sessionID == "" {
		return
	}
	if set, ok := h.bySession[c.sessionID]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(h.bySession, c.sessionID)
		}
	}
	c.sessionID = ""
}

// SendToSession fans one event out to every connection subscribed to the
// session. Zero subscribers is a no-op.
func (h *Hub) SendToSession(sessionID, eventType string, payload any) {
	env := protocol.WithData(eventType, sessionID, payload)
	for _, c := range h.subscribersOf(sessionID) {
		h.deliver(c, env)
	}
}

// BroadcastAll sends one event to every connection regardless of
// subscription.
func (h *Hub) BroadcastAll(eventType string, payload any) {
	env := protocol.WithData(eventType, "", payload)
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		h.deliver(c, env)
	}
}

func (h *Hub) subscribersOf(sessionID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.bySession[sessionID]
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (h *Hub) deliver(c *Conn, env protocol.Envelope) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	h.deliverLocked(c, env)
}

// deliverLocked requires c.sendMu to be held.
func (h *Hub) deliverLocked(c *Conn, env protocol.Envelope) {
	if err := c.send(env); err != nil {
		h.log.Warn("delivery failed", "conn_id", c.ID, "type", env.Type, "err", err)
	}
}

// BindController claims the controller slot for a session, creating the
// session record if needed. At most one live controller per session.
func (h *Hub) BindController(connID, sessionID, workingDir string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return ErrConnNotFound
	}
	if cur, ok := h.controllers[sessionID]; ok && cur != nil && cur != c {
		return ErrControllerConflict
	}
	h.ensureSessionLocked(sessionID, workingDir)
	h.controllers[sessionID] = c
	c.sessionID = sessionID
	set := h.bySession[sessionID]
	if set == nil {
		set = make(map[string]*Conn)
		h.bySession[sessionID] = set
	}
	set[c.ID] = c
	return nil
}

func (h *Hub) ensureSessionLocked(sessionID, workingDir string) *session {
	sess, ok := h.sessions[sessionID]
	if !ok {
		sess = &session{
			id:         sessionID,
			workingDir: workingDir,
			createdAt:  time.Now(),
			state:      StateIdle,
			buffer:     newMessageBuffer(h.cfg.BufferCap),
		}
		h.sessions[sessionID] = sess
	} else if workingDir != "" && sess.workingDir == "" {
		sess.workingDir = workingDir
	}
	return sess
}

// RestoreSession materializes an idle session record for a session known
// only from on-disk history, so observers can subscribe to it.
func (h *Hub) RestoreSession(sessionID, workingDir string) {
	if sessionID == "" {
		return
	}
	h.mu.Lock()
	h.ensureSessionLocked(sessionID, workingDir)
	h.mu.Unlock()
}

// Sessions lists known sessions, newest first.
func (h *Hub) Sessions() []SessionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, snapshotLocked(s))
	}
	sortSessions(out)
	return out
}

// Session returns a snapshot of one session.
func (h *Hub) Session(sessionID string) (SessionInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return SessionInfo{}, false
	}
	return snapshotLocked(s), true
}

// SessionMessages returns the buffered history of a session.
func (h *Hub) SessionMessages(sessionID string) ([]json.RawMessage, bool) {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return s.buffer.Snapshot(), true
}

func snapshotLocked(s *session) SessionInfo {
	return SessionInfo{
		ID:         s.id,
		WorkingDir: s.workingDir,
		CreatedAt:  s.createdAt,
		State:      s.state,
		ExitCode:   s.exitCode,
	}
}

func requestPayload(req permission.PendingRequest) protocol.PermissionRequestPayload {
	return protocol.PermissionRequestPayload{
		RequestID:   req.RequestID,
		ToolName:    req.ToolName,
		ToolUseID:   req.ToolUseID,
		Input:       req.Input,
		Suggestions: req.Suggestions,
		Source:      string(req.Source),
		CreatedAtMS: req.CreatedAt.UnixMilli(),
	}
}
