package relay

import (
	"encoding/json"
	"log/slog"
	"testing"

	"ccrelay/internal/protocol"
)

func TestNormalizeWSURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "already ws", in: "ws://127.0.0.1:18080/ws/controller", want: "ws://127.0.0.1:18080/ws/controller"},
		{name: "already wss", in: "wss://example.com/ws/controller", want: "wss://example.com/ws/controller"},
		{name: "http to ws", in: "http://127.0.0.1:18080/ws/controller", want: "ws://127.0.0.1:18080/ws/controller"},
		{name: "https to wss", in: "https://example.com/ws/controller", want: "wss://example.com/ws/controller"},
		{name: "invalid", in: "://bad-url", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeWSURL(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("NormalizeWSURL(%q)=%q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestDispatchRoutesHandlers(t *testing.T) {
	c := &Client{}
	var takeovers, aborts int
	var texts []string
	type decision struct {
		requestID string
		allow     bool
		input     string
	}
	var decisions []decision
	c.OnTakeover(func() { takeovers++ })
	c.OnAbort(func() { aborts++ })
	c.OnInput(func(text string) { texts = append(texts, text) })
	c.OnDecision(func(requestID string, allow bool, updatedInput json.RawMessage) {
		decisions = append(decisions, decision{requestID, allow, string(updatedInput)})
	})
	// A second handler of the same kind must also fire.
	c.OnInput(func(text string) { texts = append(texts, text+"-again") })

	log := slog.Default()
	c.dispatch(log, protocol.NewEnvelope(protocol.TypeTakeover, "s1"))
	c.dispatch(log, protocol.WithData(protocol.TypeInput, "s1", protocol.InputPayload{Text: "go on"}))
	c.dispatch(log, protocol.WithData(protocol.TypePermissionDecision, "s1", protocol.PermissionDecisionPayload{
		RequestID:    "r1",
		Allow:        true,
		UpdatedInput: json.RawMessage(`{"command":"ls"}`),
	}))
	c.dispatch(log, protocol.NewEnvelope(protocol.TypeAbort, "s1"))
	c.dispatch(log, protocol.NewEnvelope("unknown", "s1")) // ignored

	if takeovers != 1 || aborts != 1 {
		t.Fatalf("takeovers=%d aborts=%d, want 1 each", takeovers, aborts)
	}
	if len(texts) != 2 || texts[0] != "go on" || texts[1] != "go on-again" {
		t.Fatalf("input handlers got %v", texts)
	}
	if len(decisions) != 1 || decisions[0].requestID != "r1" || !decisions[0].allow {
		t.Fatalf("decision handlers got %+v", decisions)
	}
	if decisions[0].input != `{"command":"ls"}` {
		t.Fatalf("updated input = %q", decisions[0].input)
	}
}

func TestDispatchBadPayloadIgnored(t *testing.T) {
	c := &Client{}
	called := false
	c.OnInput(func(string) { called = true })
	env := protocol.NewEnvelope(protocol.TypeInput, "s1")
	env.Data = json.RawMessage(`{`)
	c.dispatch(slog.Default(), env)
	if called {
		t.Fatal("malformed payload must not reach handlers")
	}
}

func TestForwardNotConnected(t *testing.T) {
	c := &Client{URL: "ws://127.0.0.1:1/ws/controller", Token: "x"}
	if err := c.Forward(protocol.NewEnvelope(protocol.TypeMessage, "s1")); err == nil {
		t.Fatal("expected error before Run established a connection")
	}
}
