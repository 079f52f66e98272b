package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ccrelay/internal/audit"
	"ccrelay/internal/auth"
	"ccrelay/internal/hub"
	"ccrelay/internal/protocol"
)

const (
	writeWait = 10 * time.Second
	readWait  = 90 * time.Second
)

// wsConn wraps one websocket with a buffered send channel so slow readers
// never block the hub's fan-out.
type wsConn struct {
	conn   *websocket.Conn
	send   chan protocol.Envelope
	closed chan struct{}
	once   sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn:   conn,
		send:   make(chan protocol.Envelope, 256),
		closed: make(chan struct{}),
	}
}

// Send queues an envelope for the write loop. A full queue counts as a
// failed delivery rather than blocking the caller.
func (c *wsConn) Send(env protocol.Envelope) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	case c.send <- env:
		return nil
	default:
		return websocket.ErrCloseSent
	}
}

func (c *wsConn) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.Close()
				return
			}
		}
	}
}

// serveControllerWS is the upstream side: one local agent host per session.
// The first frame must be a hello; after that every envelope is ingested
// into the hub and anything addressed to the session (input, decisions,
// takeover, abort) flows back over the same socket.
func (s *Server) serveControllerWS(w http.ResponseWriter, r *http.Request, upgrader websocket.Upgrader, rec auth.TokenRecord) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log().Error("controller ws upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	wc := newWSConn(conn)
	go wc.writeLoop()
	defer wc.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	var first protocol.Envelope
	if err := conn.ReadJSON(&first); err != nil || first.Type != protocol.TypeHello {
		s.log().Warn("controller ws missing hello", "remote", r.RemoteAddr, "err", err)
		return
	}
	var hello protocol.HelloPayload
	if err := json.Unmarshal(first.Data, &hello); err != nil || hello.Role != protocol.RoleController {
		s.log().Warn("controller ws bad hello", "remote", r.RemoteAddr, "err", err)
		return
	}

	hc := s.Hub.Connect(hub.KindDuplex, hub.RoleController, wc.Send)
	defer s.Hub.Disconnect(hc.ID)
	s.log().Info("controller connected",
		"conn_id", hc.ID,
		"hostname", hello.Hostname,
		"session_id", hello.SessionID,
		"remote", r.RemoteAddr,
	)
	s.auditLog(rec, hello.SessionID, audit.ActionControllerConnect, map[string]any{"hostname": hello.Hostname})

	// A fresh session has no id until the agent announces it, so binding
	// happens lazily on the first envelope that carries one.
	bound := ""
	bind := func(sessionID string) bool {
		if sessionID == "" || sessionID == bound {
			return sessionID != ""
		}
		if err := s.Hub.BindController(hc.ID, sessionID, ""); err != nil {
			wc.Send(errorEnvelope(sessionID, err.Error()))
			s.log().Warn("controller bind failed", "session_id", sessionID, "err", err)
			return false
		}
		bound = sessionID
		return true
	}
	bind(hello.SessionID)

	for {
		var env protocol.Envelope
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		if err := conn.ReadJSON(&env); err != nil {
			s.log().Info("controller disconnected", "conn_id", hc.ID, "session_id", bound, "err", err)
			return
		}
		if !bind(env.SessionID) {
			continue
		}
		s.Hub.IngestControllerEvent(env)
	}
}

// serveObserverWS is the downstream side: any number of observers per
// session, each with replay on subscribe.
func (s *Server) serveObserverWS(w http.ResponseWriter, r *http.Request, upgrader websocket.Upgrader, rec auth.TokenRecord) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log().Error("observer ws upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	wc := newWSConn(conn)
	go wc.writeLoop()
	defer wc.Close()

	hc := s.Hub.Connect(hub.KindDuplex, hub.RoleObserver, wc.Send)
	defer s.Hub.Disconnect(hc.ID)
	actor := "token:" + rec.TokenID

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case protocol.TypeSubscribe:
			var req protocol.SubscribePayload
			if err := json.Unmarshal(env.Data, &req); err != nil || req.SessionID == "" {
				wc.Send(errorEnvelope(env.SessionID, "bad subscribe payload"))
				continue
			}
			err := s.Hub.Subscribe(hc.ID, req.SessionID)
			if err == hub.ErrSessionNotFound && s.restoreFromHistory(req.SessionID) {
				err = s.Hub.Subscribe(hc.ID, req.SessionID)
			}
			if err != nil {
				wc.Send(errorEnvelope(req.SessionID, err.Error()))
			}
		case protocol.TypeInput:
			var req protocol.InputPayload
			if err := json.Unmarshal(env.Data, &req); err != nil || req.Text == "" {
				wc.Send(errorEnvelope(env.SessionID, "bad input payload"))
				continue
			}
			if err := s.Hub.Input(targetSession(env, hc), req.Text); err != nil {
				wc.Send(errorEnvelope(env.SessionID, err.Error()))
				continue
			}
			s.auditLog(rec, targetSession(env, hc), audit.ActionInput, map[string]any{"size": len(req.Text)})
		case protocol.TypePermissionDecision:
			var req protocol.PermissionDecisionPayload
			if err := json.Unmarshal(env.Data, &req); err != nil || req.RequestID == "" {
				wc.Send(errorEnvelope(env.SessionID, "bad permission_decision payload"))
				continue
			}
			sessionID := targetSession(env, hc)
			consumed := s.Hub.ResolvePermission(actor, sessionID, req.RequestID, req.Allow, req.UpdatedInput)
			s.auditLog(rec, sessionID, audit.ActionPermissionDecision, map[string]any{
				"request_id": req.RequestID,
				"allow":      req.Allow,
				"consumed":   consumed,
			})
		case protocol.TypeTakeover:
			sessionID := targetSession(env, hc)
			if err := s.Hub.Takeover(sessionID); err != nil {
				wc.Send(errorEnvelope(sessionID, err.Error()))
				continue
			}
			s.auditLog(rec, sessionID, audit.ActionTakeover, nil)
		case protocol.TypeAbort:
			sessionID := targetSession(env, hc)
			if err := s.Hub.Abort(sessionID); err != nil {
				wc.Send(errorEnvelope(sessionID, err.Error()))
				continue
			}
			s.auditLog(rec, sessionID, audit.ActionAbort, nil)
		default:
			wc.Send(errorEnvelope(env.SessionID, "unknown type: "+env.Type))
		}
	}
}

func targetSession(env protocol.Envelope, c *hub.Conn) string {
	if env.SessionID != "" {
		return env.SessionID
	}
	return c.SessionID()
}

func errorEnvelope(sessionID, message string) protocol.Envelope {
	return protocol.WithData(protocol.TypeError, sessionID, protocol.ErrorPayload{Message: message})
}
