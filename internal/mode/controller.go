// Package mode arbitrates exclusive control of the agent between the local
// terminal and the remote relay. The controller runs one surface at a time
// and guarantees the previous one is fully torn down before the next one
// starts.
package mode

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

type State string

const (
	StateLocal  State = "local"
	StateRemote State = "remote"
)

// SwitchReason names why the active surface returned control.
type SwitchReason string

const (
	// ReasonExit: the agent process ended on its own. Terminal.
	ReasonExit SwitchReason = "exit"
	// ReasonSwitchToRemote: a takeover signal arrived from the relay.
	ReasonSwitchToRemote SwitchReason = "switch_to_remote"
	// ReasonSwitchToLocal: the local operator pressed a key in remote mode.
	ReasonSwitchToLocal SwitchReason = "switch_to_local"
)

// Outcome is what a surface reports when it returns. SessionID carries the
// agent session forward so the next surface resumes it.
type Outcome struct {
	SessionID string
	Reason    SwitchReason
}

// Surface runs one control surface until a switch reason occurs. The
// contract is strict: a Surface must have released every resource it holds
// (terminal state, child process) before it returns, so the controller can
// start the next surface without overlap.
type Surface func(ctx context.Context, sessionID string, handoff <-chan struct{}) (Outcome, error)

type Config struct {
	// SessionID is the initial binding; empty means a fresh session.
	SessionID string
	Local     Surface
	Remote    Surface
	Logger    *slog.Logger
}

type Controller struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	state     State
	sessionID string

	takeover chan struct{}
	localKey chan struct{}
}

func New(cfg Config) (*Controller, error) {
	if cfg.Local == nil || cfg.Remote == nil {
		return nil, errors.New("local and remote surfaces required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		cfg:       cfg,
		log:       cfg.Logger,
		state:     StateLocal,
		sessionID: cfg.SessionID,
		takeover:  make(chan struct{}, 1),
		localKey:  make(chan struct{}, 1),
	}, nil
}

// State reports the currently active mode.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID reports the currently bound agent session.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// RequestTakeover signals the local surface to hand control to the remote
// side. Safe to call from any goroutine; extra signals coalesce.
func (c *Controller) RequestTakeover() {
	select {
	case c.takeover <- struct{}{}:
	default:
	}
}

// NotifyLocalKey signals the remote surface that the local operator wants
// control back.
func (c *Controller) NotifyLocalKey() {
	select {
	case c.localKey <- struct{}{}:
	default:
	}
}

// Run drives the state machine until the agent exits or ctx is cancelled.
// Exactly one surface is alive at any instant: the loop only starts the
// next surface after the previous call has returned (and, per the Surface
// contract, torn everything down).
func (c *Controller) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var (
			out Outcome
			err error
		)
		switch c.State() {
		case StateLocal:
			c.log.Info("entering local mode", "session_id", c.SessionID())
			out, err = c.cfg.Local(ctx, c.SessionID(), c.takeover)
		case StateRemote:
			c.log.Info("entering remote mode", "session_id", c.SessionID())
			out, err = c.cfg.Remote(ctx, c.SessionID(), c.localKey)
		}
		if err != nil {
			return err
		}

		c.mu.Lock()
		switch out.Reason {
		case ReasonExit:
			// Session binding does not survive an exit.
			c.sessionID = ""
			c.mu.Unlock()
			c.log.Info("agent exited, control loop done")
			return nil
		case ReasonSwitchToRemote:
			if out.SessionID != "" {
				c.sessionID = out.SessionID
			}
			c.state = StateRemote
		case ReasonSwitchToLocal:
			if out.SessionID != "" {
				c.sessionID = out.SessionID
			}
			c.state = StateLocal
		default:
			c.mu.Unlock()
			return errors.New("surface returned invalid switch reason: " + string(out.Reason))
		}
		c.mu.Unlock()
	}
}
