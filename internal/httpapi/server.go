// Package httpapi exposes the relay server over HTTP: a duplex WebSocket
// for controllers and observers, a push-only SSE stream, and a small REST
// surface for session inspection and control.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"ccrelay/internal/audit"
	"ccrelay/internal/auth"
	"ccrelay/internal/history"
	"ccrelay/internal/hub"
	"ccrelay/internal/permission"
	"ccrelay/internal/ratelimit"
)

type Server struct {
	Hub         *hub.Hub
	Tokens      *auth.Store
	History     *history.Store
	Audit       *audit.Trail
	Limiter     *ratelimit.Limiter
	Logger      *slog.Logger
	CheckOrigin bool
}

func (s *Server) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if s.CheckOrigin {
				return sameHostOrigin(r)
			}
			return true
		},
	}

	mux.HandleFunc("GET /ws/controller", s.withAuth(auth.RoleController, func(w http.ResponseWriter, r *http.Request, rec auth.TokenRecord) {
		s.serveControllerWS(w, r, upgrader, rec)
	}))
	mux.HandleFunc("GET /ws/observer", s.withAuth(auth.RoleObserver, func(w http.ResponseWriter, r *http.Request, rec auth.TokenRecord) {
		s.serveObserverWS(w, r, upgrader, rec)
	}))
	mux.HandleFunc("GET /events", s.withAuth(auth.RoleObserver, s.serveSSE))

	mux.HandleFunc("GET /api/sessions", s.withAuth(auth.RoleObserver, s.handleSessions))
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.withAuth(auth.RoleObserver, s.handleMessages))
	mux.HandleFunc("POST /api/sessions/{id}/input", s.withAuth(auth.RoleObserver, s.handleInput))
	mux.HandleFunc("POST /api/sessions/{id}/permissions/{rid}", s.withAuth(auth.RoleObserver, s.handlePermission))
	mux.HandleFunc("POST /api/sessions/{id}/takeover", s.withAuth(auth.RoleObserver, s.handleTakeover))
	mux.HandleFunc("POST /api/sessions/{id}/abort", s.withAuth(auth.RoleObserver, s.handleAbort))
	mux.HandleFunc("POST /api/hooks/permission", s.withAuth(auth.RoleAdmin, s.handlePermissionHook))
	mux.HandleFunc("GET /api/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	return mux
}

type authedHandler func(http.ResponseWriter, *http.Request, auth.TokenRecord)

func (s *Server) withAuth(need auth.Role, next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		rec, ok := s.Tokens.Authenticate(token)
		if !ok || !auth.RoleAtLeast(rec.Role, need) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if s.Limiter != nil && !s.Limiter.Allow(rec.TokenID, string(rec.Role)) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next(w, r, rec)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request, _ auth.TokenRecord) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.Hub.Sessions()})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, _ auth.TokenRecord) {
	sessionID := r.PathValue("id")
	if msgs, ok := s.Hub.SessionMessages(sessionID); ok && len(msgs) > 0 {
		writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
		return
	}
	if s.History != nil {
		msgs, err := s.History.Messages(sessionID)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
			return
		}
	}
	http.Error(w, "session not found", http.StatusNotFound)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request, rec auth.TokenRecord) {
	sessionID := r.PathValue("id")
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.Hub.Input(sessionID, req.Text); err != nil {
		writeHubError(w, err)
		return
	}
	s.auditLog(rec, sessionID, audit.ActionInput, map[string]any{"size": len(req.Text)})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request, rec auth.TokenRecord) {
	sessionID := r.PathValue("id")
	requestID := r.PathValue("rid")
	var req struct {
		Allow        bool            `json:"allow"`
		UpdatedInput json.RawMessage `json:"updated_input,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	consumed := s.Hub.ResolvePermission("token:"+rec.TokenID, sessionID, requestID, req.Allow, req.UpdatedInput)
	s.auditLog(rec, sessionID, audit.ActionPermissionDecision, map[string]any{
		"request_id": requestID,
		"allow":      req.Allow,
		"consumed":   consumed,
	})
	// A request that was already resolved (or timed out) is reported, not
	// treated as a failure: duplicate network retries are expected.
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "consumed": consumed})
}

func (s *Server) handleTakeover(w http.ResponseWriter, r *http.Request, rec auth.TokenRecord) {
	sessionID := r.PathValue("id")
	if err := s.Hub.Takeover(sessionID); err != nil {
		writeHubError(w, err)
		return
	}
	s.auditLog(rec, sessionID, audit.ActionTakeover, nil)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request, rec auth.TokenRecord) {
	sessionID := r.PathValue("id")
	if err := s.Hub.Abort(sessionID); err != nil {
		writeHubError(w, err)
		return
	}
	s.auditLog(rec, sessionID, audit.ActionAbort, nil)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handlePermissionHook accepts a permission-shaped event from an
// out-of-band notification hook. It enters the broker with SourceHook and
// is handled exactly like a process-sourced request from then on.
func (s *Server) handlePermissionHook(w http.ResponseWriter, r *http.Request, rec auth.TokenRecord) {
	var req struct {
		SessionID   string            `json:"session_id"`
		RequestID   string            `json:"request_id"`
		ToolName    string            `json:"tool_name"`
		ToolUseID   string            `json:"tool_use_id,omitempty"`
		Input       json.RawMessage   `json:"input,omitempty"`
		Suggestions []json.RawMessage `json:"suggestions,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.RequestID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.Hub.RegisterPermission(permission.PendingRequest{
		SessionID:   req.SessionID,
		RequestID:   req.RequestID,
		ToolName:    req.ToolName,
		ToolUseID:   req.ToolUseID,
		Input:       req.Input,
		Suggestions: req.Suggestions,
		Source:      permission.SourceHook,
	})
	s.auditLog(rec, req.SessionID, audit.ActionPermissionHook, map[string]any{
		"request_id": req.RequestID,
		"tool_name":  req.ToolName,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// restoreFromHistory materializes a session known only from disk so an
// observer can subscribe to it; any unresolved permission requests in the
// transcript re-enter the broker with SourceFile.
func (s *Server) restoreFromHistory(sessionID string) bool {
	if s.History == nil {
		return false
	}
	dir, ok := s.History.FindSessionProject(sessionID)
	if !ok {
		return false
	}
	s.Hub.RestoreSession(sessionID, dir)
	for _, req := range s.History.PendingPermissions(sessionID) {
		s.Hub.RegisterPermission(req)
	}
	return true
}

func (s *Server) auditLog(rec auth.TokenRecord, sessionID string, action audit.Action, detail map[string]any) {
	s.Audit.Record("token:"+rec.TokenID, sessionID, action, detail)
}

func writeHubError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, hub.ErrSessionNotFound):
		code = http.StatusNotFound
	case errors.Is(err, hub.ErrNoController):
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
}

func extractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sameHostOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	return strings.Contains(origin, r.Host)
}
