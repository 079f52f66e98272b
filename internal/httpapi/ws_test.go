package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"ccrelay/internal/permission"
	"ccrelay/internal/protocol"
)

func dialWS(t *testing.T, srv *httptest.Server, path, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestObserverWSSubscribeReplay(t *testing.T) {
	s, h := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	h.RestoreSession("s1", "/work")
	h.RegisterPermission(permission.PendingRequest{
		SessionID: "s1",
		RequestID: "r1",
		ToolName:  "Bash",
		Source:    permission.SourceProcess,
	})

	conn := dialWS(t, srv, "/ws/observer", observerToken)
	require.NoError(t, conn.WriteJSON(protocol.WithData(protocol.TypeSubscribe, "",
		protocol.SubscribePayload{SessionID: "s1"})))

	require.Equal(t, protocol.TypeConnected, readEnvelope(t, conn).Type)
	require.Equal(t, protocol.TypeHistory, readEnvelope(t, conn).Type)
	req := readEnvelope(t, conn)
	require.Equal(t, protocol.TypePermissionRequest, req.Type)
	require.Equal(t, "s1", req.SessionID)
}

func TestObserverWSUnknownType(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn := dialWS(t, srv, "/ws/observer", observerToken)
	require.NoError(t, conn.WriteJSON(protocol.NewEnvelope("bogus", "")))
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeError, env.Type)
}

func TestObserverWSRequiresToken(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/observer"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestControllerWSBindsAndIngests(t *testing.T) {
	s, h := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn := dialWS(t, srv, "/ws/controller", controllerToken)
	require.NoError(t, conn.WriteJSON(protocol.WithData(protocol.TypeHello, "s1",
		protocol.HelloPayload{Role: protocol.RoleController, SessionID: "s1", Hostname: "dev-box"})))

	msg := protocol.NewEnvelope(protocol.TypeMessage, "s1")
	msg.Data = []byte(`{"type":"assistant","text":"hi"}`)
	require.NoError(t, conn.WriteJSON(msg))

	// Ingestion happens on the server's read loop; poll for the buffered
	// message.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if msgs, ok := h.SessionMessages("s1"); ok && len(msgs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("controller message never reached the session buffer")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Observer input flows back down the controller socket.
	require.NoError(t, h.Input("s1", "keep going"))
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TypeInput, env.Type)
	require.Equal(t, "s1", env.SessionID)
}

func TestControllerWSRejectsSecondController(t *testing.T) {
	s, h := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	first := dialWS(t, srv, "/ws/controller", controllerToken)
	require.NoError(t, first.WriteJSON(protocol.WithData(protocol.TypeHello, "s1",
		protocol.HelloPayload{Role: protocol.RoleController, SessionID: "s1"})))

	// Wait for the first binding to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := h.Session("s1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first controller never bound")
		}
		time.Sleep(10 * time.Millisecond)
	}

	second := dialWS(t, srv, "/ws/controller", controllerToken)
	require.NoError(t, second.WriteJSON(protocol.WithData(protocol.TypeHello, "s1",
		protocol.HelloPayload{Role: protocol.RoleController, SessionID: "s1"})))
	env := readEnvelope(t, second)
	require.Equal(t, protocol.TypeError, env.Type)
}

func TestControllerWSRequiresControllerRole(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/controller"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+observerToken)
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}
