package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"ccrelay/internal/auth"
	"ccrelay/internal/hub"
	"ccrelay/internal/protocol"
)

const sseHeartbeat = 25 * time.Second

var errStreamClosed = errors.New("sse stream closed")

// serveSSE is the push-only transport: same fan-out and replay as the
// observer websocket, minus the inbound half. Control actions go through
// the REST endpoints instead.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, _ auth.TokenRecord) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Writes come from hub fan-out goroutines and the heartbeat ticker, so
	// they are serialized here. The closed flag stops a fan-out goroutine
	// that still holds send from touching the ResponseWriter once the
	// handler has returned.
	var mu sync.Mutex
	closed := false
	send := func(env protocol.Envelope) error {
		line, err := json.Marshal(env)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return errStreamClosed
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, line); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	c := s.Hub.Connect(hub.KindPush, hub.RoleObserver, send)
	defer s.Hub.Disconnect(c.ID)
	// Runs before the Disconnect above, so the stream is marked dead while
	// the connection is still registered.
	defer func() {
		mu.Lock()
		closed = true
		mu.Unlock()
	}()

	err := s.Hub.Subscribe(c.ID, sessionID)
	if err == hub.ErrSessionNotFound && s.restoreFromHistory(sessionID) {
		err = s.Hub.Subscribe(c.ID, sessionID)
	}
	if err != nil {
		_ = send(errorEnvelope(sessionID, err.Error()))
		return
	}

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			mu.Lock()
			_, err := fmt.Fprint(w, ": ping\n\n")
			if err == nil {
				flusher.Flush()
			}
			mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
