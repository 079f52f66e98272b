package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"ccrelay/internal/hostenv"
	"ccrelay/internal/localterm"
	"ccrelay/internal/mode"
	"ccrelay/internal/protocol"
	"ccrelay/internal/relay"
	"ccrelay/internal/supervisor"
)

const killGrace = 3 * time.Second

func main() {
	// Stdout belongs to the mirrored agent terminal; logs go to stderr.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{})))
	hostname, _ := os.Hostname()
	cwd, _ := os.Getwd()
	var (
		serverURL      = flag.String("server-url", getenv("CCRELAY_URL", "ws://127.0.0.1:18080/ws/controller"), "relay server ws url")
		token          = flag.String("token", os.Getenv("CCRELAY_TOKEN"), "controller bearer token")
		agentPath      = flag.String("agent-path", getenv("CCRELAY_AGENT_PATH", "claude"), "agent executable path")
		workDir        = flag.String("dir", cwd, "agent working directory")
		resumeID       = flag.String("resume", "", "resume an existing agent session id")
		envAllowKeys   = flag.String("env-allow-keys", getenv("CCRELAY_ENV_ALLOW_KEYS", ""), "comma-separated allowed env keys")
		envAllowPrefix = flag.String("env-allow-prefix", getenv("CCRELAY_ENV_ALLOW_PREFIX", "CLAUDE_"), "allowed env key prefix")
	)
	flag.Parse()

	if *token == "" {
		slog.Error("controller token required (-token or CCRELAY_TOKEN)")
		os.Exit(1)
	}

	allowedKeys := make(map[string]struct{})
	for _, k := range hostenv.ParseCSV(*envAllowKeys) {
		allowedKeys[k] = struct{}{}
	}
	agentEnv := hostenv.Build(allowedKeys, *envAllowPrefix)
	extraArgs := flag.Args()

	client := &relay.Client{
		URL:      *serverURL,
		Token:    *token,
		Hostname: hostname,
		Logger:   slog.Default(),
	}

	// One goroutine owns os.Stdin for the whole process; the surfaces just
	// consume a channel, so keystrokes never land in a dead reader during a
	// mode switch.
	keys := make(chan []byte, 32)
	go func() {
		defer close(keys)
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				keys <- append([]byte(nil), buf[:n]...)
			}
			if err != nil {
				return
			}
		}
	}()
	localInput := make(chan []byte, 32)

	// The supervisor of the moment, so relay handlers registered once can
	// always reach the live remote-mode process.
	var curSup atomic.Pointer[supervisor.Supervisor]

	local := func(ctx context.Context, sessionID string, handoff <-chan struct{}) (mode.Outcome, error) {
		cfg := localterm.Config{
			Path:      *agentPath,
			Dir:       *workDir,
			ExtraArgs: extraArgs,
			Env:       agentEnv,
			Input:     localInput,
			Logger:    slog.Default(),
		}
		if sessionID != "" {
			cfg.ResumeID = sessionID
		} else {
			// Assign the id up front so the session can be resumed remotely
			// before the agent ever announces it.
			cfg.SessionID = uuid.NewString()
			sessionID = cfg.SessionID
		}
		sess, err := localterm.Start(cfg)
		if err != nil {
			return mode.Outcome{}, err
		}
		client.SetSessionID(sessionID)

		select {
		case <-ctx.Done():
			sess.Close()
			return mode.Outcome{}, ctx.Err()
		case <-sess.Done():
			sess.Close()
			return mode.Outcome{SessionID: sessionID, Reason: mode.ReasonExit}, nil
		case <-handoff:
			sess.Close()
			return mode.Outcome{SessionID: sessionID, Reason: mode.ReasonSwitchToRemote}, nil
		}
	}

	remote := func(ctx context.Context, sessionID string, localKey <-chan struct{}) (mode.Outcome, error) {
		sup, err := supervisor.Spawn(supervisor.Config{
			Path:      *agentPath,
			Dir:       *workDir,
			ResumeID:  sessionID,
			ExtraArgs: extraArgs,
			Env:       agentEnv,
			Logger:    slog.Default(),
		})
		if err != nil {
			return mode.Outcome{}, err
		}
		curSup.Store(sup)
		defer curSup.Store(nil)

		client.SetSessionID(sessionID)
		currentID := func() string {
			if id := sup.SessionID(); id != "" {
				return id
			}
			return sessionID
		}
		sup.OnSessionID(func(id string) {
			client.SetSessionID(id)
		})
		sup.OnEvent(func(ev supervisor.Event) {
			env := protocol.NewEnvelope(protocol.TypeMessage, currentID())
			env.Data = ev.Raw
			if err := client.Forward(env); err != nil {
				slog.Debug("event forward dropped", "type", ev.Type, "err", err)
			}
			if ev.Type == "system" && ev.Subtype == "init" {
				forward(client, protocol.WithData(protocol.TypeStateChange, currentID(),
					protocol.StateChangePayload{State: "running", WorkingDir: *workDir}))
			}
		})
		sup.OnPermissionRequest(func(pr supervisor.PermissionRequest) {
			forward(client, protocol.WithData(protocol.TypePermissionRequest, currentID(),
				protocol.PermissionRequestPayload{
					RequestID:   pr.RequestID,
					ToolName:    pr.ToolName,
					ToolUseID:   pr.ToolUseID,
					Input:       pr.Input,
					Suggestions: pr.Suggestions,
					Source:      "process",
					CreatedAtMS: time.Now().UnixMilli(),
				}))
		})
		sup.OnExit(func(code *int) {
			forward(client, protocol.WithData(protocol.TypeStateChange, currentID(),
				protocol.StateChangePayload{State: "exited", ExitCode: code}))
		})

		select {
		case <-ctx.Done():
			sup.Kill(killGrace)
			<-sup.Done()
			return mode.Outcome{}, ctx.Err()
		case <-sup.Done():
			return mode.Outcome{SessionID: currentID(), Reason: mode.ReasonExit}, nil
		case <-localKey:
			id := currentID()
			sup.Kill(killGrace)
			<-sup.Done()
			return mode.Outcome{SessionID: id, Reason: mode.ReasonSwitchToLocal}, nil
		}
	}

	ctrl, err := mode.New(mode.Config{
		SessionID: *resumeID,
		Local:     local,
		Remote:    remote,
		Logger:    slog.Default(),
	})
	if err != nil {
		slog.Error("init control loop failed", "err", err)
		os.Exit(1)
	}

	client.OnTakeover(ctrl.RequestTakeover)
	client.OnInput(func(text string) {
		if sup := curSup.Load(); sup != nil {
			sup.Send(text)
		}
	})
	client.OnDecision(func(requestID string, allow bool, updatedInput json.RawMessage) {
		if sup := curSup.Load(); sup != nil {
			sup.SendPermissionDecision(requestID, allow, updatedInput)
		}
	})
	client.OnAbort(func() {
		if sup := curSup.Load(); sup != nil {
			sup.Kill(killGrace)
		}
	})

	// Route keystrokes: local mode feeds the PTY, remote mode treats any key
	// as a reclaim signal.
	go func() {
		for b := range keys {
			if ctrl.State() == mode.StateLocal {
				select {
				case localInput <- b:
				default:
				}
			} else {
				ctrl.NotifyLocalKey()
			}
		}
	}()

	stop := make(chan struct{})
	go func() {
		backoff := time.Second
		for {
			err := client.Run(stop)
			select {
			case <-stop:
				return
			default:
			}
			if err != nil {
				slog.Warn("relay connection lost", "err", err)
			}
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	runErr := ctrl.Run(ctx)
	close(stop)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("control loop failed", "err", runErr)
		os.Exit(1)
	}
}

func forward(client *relay.Client, env protocol.Envelope) {
	if err := client.Forward(env); err != nil {
		slog.Debug("relay forward dropped", "type", env.Type, "err", err)
	}
}

func getenv(k, fallback string) string {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	return v
}
