package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ccrelay/internal/permission"
	"ccrelay/internal/protocol"
)

// recorder collects everything the hub delivers over one connection.
type recorder struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (r *recorder) send(env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.envs))
	for i, e := range r.envs {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, typ string) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, e := range r.envs {
			if e.Type == typ {
				r.mu.Unlock()
				return e
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("envelope %q never delivered, got %v", typ, r.types())
	return protocol.Envelope{}
}

func newTestHub(t *testing.T, window time.Duration) *Hub {
	t.Helper()
	return New(Config{
		Broker:    permission.NewBroker(window, nil),
		BufferCap: 10,
	})
}

func pending(session, id, tool string) permission.PendingRequest {
	return permission.PendingRequest{
		SessionID: session,
		RequestID: id,
		ToolName:  tool,
		Source:    permission.SourceProcess,
	}
}

func messageEnv(session, text string) protocol.Envelope {
	env := protocol.NewEnvelope(protocol.TypeMessage, session)
	env.Data, _ = json.Marshal(map[string]string{"type": "assistant", "text": text})
	return env
}

func TestSubscribeReplayOrder(t *testing.T) {
	h := newTestHub(t, time.Minute)
	h.RestoreSession("s1", "/work")
	h.IngestControllerEvent(messageEnv("s1", "one"))
	h.RegisterPermission(pending("s1", "r1", "Bash"))
	h.RegisterPermission(pending("s1", "r2", "Edit"))

	rec := &recorder{}
	c := h.Connect(KindDuplex, RoleObserver, rec.send)
	require.NoError(t, h.Subscribe(c.ID, "s1"))

	types := rec.types()
	require.GreaterOrEqual(t, len(types), 4)
	require.Equal(t, protocol.TypeConnected, types[0])
	require.Equal(t, protocol.TypeHistory, types[1])
	require.Equal(t, protocol.TypePermissionRequest, types[2])
	require.Equal(t, protocol.TypePermissionRequest, types[3])

	var hist protocol.HistoryPayload
	require.NoError(t, json.Unmarshal(rec.envs[1].Data, &hist))
	require.Len(t, hist.Messages, 1)

	var first protocol.PermissionRequestPayload
	require.NoError(t, json.Unmarshal(rec.envs[2].Data, &first))
	require.Equal(t, "r1", first.RequestID)
}

func TestSubscribeReplayAtomicWithLiveFanout(t *testing.T) {
	h := New(Config{Broker: permission.NewBroker(time.Minute, nil), BufferCap: 1000})
	h.RestoreSession("s1", "")

	const workers, perWorker = 4, 50
	start := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			<-start
			for i := 0; i < perWorker; i++ {
				h.IngestControllerEvent(messageEnv("s1", fmt.Sprintf("m-%d-%d", w, i)))
			}
		}(w)
	}

	rec := &recorder{}
	c := h.Connect(KindDuplex, RoleObserver, rec.send)
	close(start)
	require.NoError(t, h.Subscribe(c.ID, "s1"))
	wg.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, protocol.TypeConnected, rec.envs[0].Type)
	require.Equal(t, protocol.TypeHistory, rec.envs[1].Type)

	// Every message lands exactly once: in the replayed history or live
	// after it, depending on which side of the snapshot its ingest hit.
	seen := make(map[string]int)
	var hist protocol.HistoryPayload
	require.NoError(t, json.Unmarshal(rec.envs[1].Data, &hist))
	for _, raw := range hist.Messages {
		seen[messageText(t, raw)]++
	}
	for _, env := range rec.envs[2:] {
		require.Equal(t, protocol.TypeMessage, env.Type, "live traffic must follow the replay")
		seen[messageText(t, env.Data)]++
	}
	require.Len(t, seen, workers*perWorker)
	for text, n := range seen {
		require.Equal(t, 1, n, "message %s delivered %d times", text, n)
	}
}

func messageText(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var m struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(raw, &m))
	return m.Text
}

func TestSubscribeUnknownSession(t *testing.T) {
	h := newTestHub(t, time.Minute)
	rec := &recorder{}
	c := h.Connect(KindDuplex, RoleObserver, rec.send)
	require.ErrorIs(t, h.Subscribe(c.ID, "nope"), ErrSessionNotFound)
}

type fakeHistory struct {
	msgs []json.RawMessage
}

func (f *fakeHistory) Messages(string) ([]json.RawMessage, error) { return f.msgs, nil }

func TestSubscribeFallsBackToHistory(t *testing.T) {
	stored := []json.RawMessage{json.RawMessage(`{"type":"user"}`)}
	h := New(Config{
		Broker:  permission.NewBroker(time.Minute, nil),
		History: &fakeHistory{msgs: stored},
	})
	h.RestoreSession("s1", "")

	rec := &recorder{}
	c := h.Connect(KindPush, RoleObserver, rec.send)
	require.NoError(t, h.Subscribe(c.ID, "s1"))

	env := rec.waitFor(t, protocol.TypeHistory)
	var hist protocol.HistoryPayload
	require.NoError(t, json.Unmarshal(env.Data, &hist))
	require.Len(t, hist.Messages, 1)
}

func TestControllerExclusive(t *testing.T) {
	h := newTestHub(t, time.Minute)
	rec1, rec2 := &recorder{}, &recorder{}
	c1 := h.Connect(KindDuplex, RoleController, rec1.send)
	c2 := h.Connect(KindDuplex, RoleController, rec2.send)

	require.NoError(t, h.BindController(c1.ID, "s1", "/work"))
	require.ErrorIs(t, h.BindController(c2.ID, "s1", "/work"), ErrControllerConflict)

	// Rebinding the same connection is not a conflict.
	require.NoError(t, h.BindController(c1.ID, "s1", ""))

	// The slot frees when the holder disconnects, and forwards reach the
	// replacement.
	h.Disconnect(c1.ID)
	require.NoError(t, h.BindController(c2.ID, "s1", ""))
	require.NoError(t, h.Input("s1", "still here"))
	env := rec2.waitFor(t, protocol.TypeInput)
	var p protocol.InputPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	require.Equal(t, "still here", p.Text)
}

func TestInputRequiresController(t *testing.T) {
	h := newTestHub(t, time.Minute)
	h.RestoreSession("s1", "")
	require.ErrorIs(t, h.Input("s1", "hello"), ErrNoController)

	rec := &recorder{}
	c := h.Connect(KindDuplex, RoleController, rec.send)
	require.NoError(t, h.BindController(c.ID, "s1", ""))
	require.NoError(t, h.Input("s1", "hello"))

	env := rec.waitFor(t, protocol.TypeInput)
	var p protocol.InputPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	require.Equal(t, "hello", p.Text)
}

func TestResolvePermissionFlow(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctrl := &recorder{}
	cc := h.Connect(KindDuplex, RoleController, ctrl.send)
	require.NoError(t, h.BindController(cc.ID, "s1", "/work"))

	obs := &recorder{}
	oc := h.Connect(KindDuplex, RoleObserver, obs.send)
	require.NoError(t, h.Subscribe(oc.ID, "s1"))

	h.RegisterPermission(pending("s1", "r1", "Bash"))
	info, ok := h.Session("s1")
	require.True(t, ok)
	require.Equal(t, StateAwaitingPermission, info.State)

	require.True(t, h.ResolvePermission("token:t1", "s1", "r1", true, nil))
	require.False(t, h.ResolvePermission("token:t1", "s1", "r1", true, nil),
		"second resolution must not consume")

	dec := ctrl.waitFor(t, protocol.TypePermissionDecision)
	var dp protocol.PermissionDecisionPayload
	require.NoError(t, json.Unmarshal(dec.Data, &dp))
	require.Equal(t, "r1", dp.RequestID)
	require.True(t, dp.Allow)

	res := obs.waitFor(t, protocol.TypePermissionResolved)
	var rp protocol.PermissionResolvedPayload
	require.NoError(t, json.Unmarshal(res.Data, &rp))
	require.Equal(t, "token:t1", rp.Actor)

	info, _ = h.Session("s1")
	require.Equal(t, StateRunning, info.State)
}

func TestPermissionTimeoutDeniesDownstream(t *testing.T) {
	h := newTestHub(t, 20*time.Millisecond)
	ctrl := &recorder{}
	cc := h.Connect(KindDuplex, RoleController, ctrl.send)
	require.NoError(t, h.BindController(cc.ID, "s1", ""))

	obs := &recorder{}
	oc := h.Connect(KindDuplex, RoleObserver, obs.send)
	require.NoError(t, h.Subscribe(oc.ID, "s1"))

	h.RegisterPermission(pending("s1", "r1", "Bash"))

	dec := ctrl.waitFor(t, protocol.TypePermissionDecision)
	var dp protocol.PermissionDecisionPayload
	require.NoError(t, json.Unmarshal(dec.Data, &dp))
	require.False(t, dp.Allow)

	to := obs.waitFor(t, protocol.TypePermissionTimeout)
	var tp protocol.PermissionTimeoutPayload
	require.NoError(t, json.Unmarshal(to.Data, &tp))
	require.Equal(t, "r1", tp.RequestID)
	require.Equal(t, "Bash", tp.ToolName)
}

func TestAbortIdempotent(t *testing.T) {
	h := newTestHub(t, time.Minute)
	require.ErrorIs(t, h.Abort("missing"), ErrSessionNotFound)

	h.RestoreSession("s1", "")
	h.RegisterPermission(pending("s1", "r1", "Bash"))
	obs := &recorder{}
	oc := h.Connect(KindDuplex, RoleObserver, obs.send)
	require.NoError(t, h.Subscribe(oc.ID, "s1"))

	require.NoError(t, h.Abort("s1"))
	obs.waitFor(t, protocol.TypeSessionAborted)
	info, _ := h.Session("s1")
	require.Equal(t, StateAborted, info.State)
	require.Empty(t, h.Broker().ListPending("s1"))

	// Second abort is a silent no-op.
	before := len(obs.types())
	require.NoError(t, h.Abort("s1"))
	require.Equal(t, before, len(obs.types()))
}

func TestExitDropsPendingPermissions(t *testing.T) {
	h := newTestHub(t, time.Minute)
	ctrl := &recorder{}
	cc := h.Connect(KindDuplex, RoleController, ctrl.send)
	require.NoError(t, h.BindController(cc.ID, "s1", ""))
	h.RegisterPermission(pending("s1", "r1", "Bash"))

	code := 0
	sc := protocol.WithData(protocol.TypeStateChange, "s1", protocol.StateChangePayload{
		State:    string(StateExited),
		ExitCode: &code,
	})
	h.IngestControllerEvent(sc)

	info, _ := h.Session("s1")
	require.Equal(t, StateExited, info.State)
	require.NotNil(t, info.ExitCode)
	require.Empty(t, h.Broker().ListPending("s1"))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newTestHub(t, time.Minute)
	h.RestoreSession("s1", "")
	rec := &recorder{}
	c := h.Connect(KindDuplex, RoleObserver, rec.send)
	require.NoError(t, h.Subscribe(c.ID, "s1"))
	h.Unsubscribe(c.ID)

	before := len(rec.types())
	h.IngestControllerEvent(messageEnv("s1", "late"))
	require.Equal(t, before, len(rec.types()))
}

func TestMessageBufferCap(t *testing.T) {
	b := newMessageBuffer(3)
	for _, s := range []string{"a", "b", "c", "d"} {
		b.Append(json.RawMessage(`"` + s + `"`))
	}
	snap := b.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, `"b"`, string(snap[0]))
	require.Equal(t, `"d"`, string(snap[2]))
}
