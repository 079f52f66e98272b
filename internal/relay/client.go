// Package relay maintains the local controller's upstream connection to the
// relay server: it announces the controller role, ships agent events up,
// and surfaces takeover signals, remote input, and permission decisions
// coming back down.
package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ccrelay/internal/protocol"
)

var ErrQueueFull = errors.New("relay send queue full")

type Client struct {
	URL      string
	Token    string
	Hostname string
	Logger   *slog.Logger

	mu         sync.Mutex
	sessionID  string
	send       chan protocol.Envelope
	onTakeover []func()
	onInput    []func(text string)
	onDecision []func(requestID string, allow bool, updatedInput json.RawMessage)
	onAbort    []func()
}

// OnTakeover registers a handler for hand-off signals from the server.
func (c *Client) OnTakeover(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTakeover = append(c.onTakeover, cb)
}

// OnInput registers a handler for remote user text.
func (c *Client) OnInput(cb func(text string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInput = append(c.onInput, cb)
}

// OnDecision registers a handler for permission decisions resolved remotely
// (including the server's timeout denials).
func (c *Client) OnDecision(cb func(requestID string, allow bool, updatedInput json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDecision = append(c.onDecision, cb)
}

// OnAbort registers a handler for remote abort requests.
func (c *Client) OnAbort(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAbort = append(c.onAbort, cb)
}

// SetSessionID updates the session binding announced upstream.
func (c *Client) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// Forward queues one envelope for upstream delivery. Returns ErrQueueFull
// rather than blocking the caller's event path.
func (c *Client) Forward(env protocol.Envelope) error {
	c.mu.Lock()
	ch := c.send
	c.mu.Unlock()
	if ch == nil {
		return errors.New("relay not connected")
	}
	select {
	case ch <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run dials the server, announces the controller role, and services the
// connection until it drops or ctx-free stop is requested via closing stop.
// Connection loss is the attempt's terminal error; the caller owns retry
// policy.
func (c *Client) Run(stop <-chan struct{}) error {
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	wsURL, err := NormalizeWSURL(c.URL)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.Token)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, header)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info("relay connected", "url", wsURL)

	send := make(chan protocol.Envelope, 256)
	c.mu.Lock()
	c.send = send
	sessionID := c.sessionID
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.send = nil
		c.mu.Unlock()
	}()

	runDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-runDone:
				return
			case <-stop:
				return
			case msg := <-send:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			}
		}
	}()
	defer func() {
		close(runDone)
		<-writerDone
	}()

	hello := protocol.WithData(protocol.TypeHello, sessionID, protocol.HelloPayload{
		Role:      protocol.RoleController,
		SessionID: sessionID,
		Hostname:  c.Hostname,
	})
	select {
	case send <- hello:
	default:
		return errors.New("hello frame not queued")
	}

	for {
		select {
		case <-stop:
			return nil
		default:
		}
		var msg protocol.Envelope
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		c.dispatch(log, msg)
	}
}

func (c *Client) dispatch(log *slog.Logger, msg protocol.Envelope) {
	c.mu.Lock()
	takeover := slices.Clone(c.onTakeover)
	input := slices.Clone(c.onInput)
	decision := slices.Clone(c.onDecision)
	abort := slices.Clone(c.onAbort)
	c.mu.Unlock()

	switch msg.Type {
	case protocol.TypeTakeover:
		for _, cb := range takeover {
			cb()
		}
	case protocol.TypeInput:
		var p protocol.InputPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			log.Warn("bad input payload from relay", "err", err)
			return
		}
		for _, cb := range input {
			cb(p.Text)
		}
	case protocol.TypePermissionDecision:
		var p protocol.PermissionDecisionPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			log.Warn("bad decision payload from relay", "err", err)
			return
		}
		for _, cb := range decision {
			cb(p.RequestID, p.Allow, p.UpdatedInput)
		}
	case protocol.TypeAbort:
		for _, cb := range abort {
			cb()
		}
	case protocol.TypeError:
		log.Warn("relay reported error", "data", string(msg.Data))
	default:
		log.Debug("ignoring relay envelope", "type", msg.Type)
	}
}

// NormalizeWSURL maps http(s) schemes onto ws(s).
func NormalizeWSURL(base string) (string, error) {
	if strings.HasPrefix(base, "ws://") || strings.HasPrefix(base, "wss://") {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}
