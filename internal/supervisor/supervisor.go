// Package supervisor spawns the agent CLI as a subprocess and turns its
// stream-json stdout into typed callbacks. It owns the process lifecycle:
// once spawned, runtime failures degrade to logged no-ops and never crash
// the host.
package supervisor

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// DenyMessage is the fixed message carried by every deny decision.
const DenyMessage = "Permission request was denied"

const maxLineBytes = 1024 * 1024

type Config struct {
	// Path is the agent executable. Defaults to "claude".
	Path string
	// Dir is the working directory the agent runs in.
	Dir string
	// ResumeID resumes a prior agent session when non-empty.
	ResumeID string
	// ExtraArgs are appended after the protocol flags.
	ExtraArgs []string
	// Env is the full child environment; nil inherits the parent's.
	Env []string
	Logger *slog.Logger
}

// Event is one non-permission protocol line from the agent.
type Event struct {
	Type    string
	Subtype string
	Raw     json.RawMessage
}

// PermissionRequest is a control_request/can_use_tool line from the agent.
type PermissionRequest struct {
	RequestID   string
	ToolName    string
	ToolUseID   string
	Input       json.RawMessage
	Suggestions []json.RawMessage
}

type Supervisor struct {
	cfg Config
	cmd *exec.Cmd
	log *slog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu        sync.RWMutex
	sessionID string
	eventCbs  []func(Event)
	permCbs   []func(PermissionRequest)
	sidCbs    []func(string)
	exitCbs   []func(code *int)

	exited   chan struct{}
	exitOnce sync.Once
}

// Spawn starts the agent subprocess. A launch failure (executable missing,
// bad working directory) is returned synchronously; nothing after a
// successful Spawn returns an error to the caller.
func Spawn(cfg Config) (*Supervisor, error) {
	if cfg.Path == "" {
		cfg.Path = "claude"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if cfg.ResumeID != "" {
		args = append(args, "--resume", cfg.ResumeID)
	}
	args = append(args, cfg.ExtraArgs...)

	cmd := exec.Command(cfg.Path, args...)
	cmd.Dir = cfg.Dir
	if cfg.Env != nil {
		cmd.Env = cfg.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:    cfg,
		cmd:    cmd,
		log:    cfg.Logger.With("dir", cfg.Dir),
		stdin:  stdin,
		exited: make(chan struct{}),
	}
	go s.readLoop(stdout)
	go s.stderrLoop(stderr)
	go s.waitLoop()
	return s, nil
}

// OnEvent registers a callback for every non-permission protocol line.
// All registered callbacks run for every matching line, in registration
// order, on the supervisor's read goroutine.
func (s *Supervisor) OnEvent(cb func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventCbs = append(s.eventCbs, cb)
}

// OnPermissionRequest registers a callback for control/permission lines.
// Permission lines never reach OnEvent callbacks.
func (s *Supervisor) OnPermissionRequest(cb func(PermissionRequest)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permCbs = append(s.permCbs, cb)
}

// OnSessionID registers a callback for the one-time session id assignment.
func (s *Supervisor) OnSessionID(cb func(string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sidCbs = append(s.sidCbs, cb)
}

// OnExit registers a callback invoked exactly once when the subprocess
// terminates. code is nil when the process was killed by a signal.
func (s *Supervisor) OnExit(cb func(code *int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitCbs = append(s.exitCbs, cb)
}

// SessionID returns the agent-announced session id, or "" before the init
// event arrives.
func (s *Supervisor) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Send writes one user turn to the agent's stdin. It fails silently
// (logged) if the subprocess has already exited.
func (s *Supervisor) Send(text string) {
	s.writeLine(newUserTurn(text))
}

// SendPermissionDecision answers an outstanding control request. A deny
// always carries DenyMessage; an allow carries the (possibly edited) input.
func (s *Supervisor) SendPermissionDecision(requestID string, allow bool, updatedInput json.RawMessage) {
	if allow {
		s.writeLine(allowResponse(requestID, updatedInput))
		return
	}
	s.writeLine(denyResponse(requestID, DenyMessage))
}

// Interrupt asks the agent to abort its current turn without exiting.
func (s *Supervisor) Interrupt() {
	s.writeLine(interruptRequest{
		Type:      "control_request",
		RequestID: uuid.NewString(),
		Request:   interruptPayload{Subtype: "interrupt"},
	})
}

// Kill signals the subprocess to terminate: SIGTERM, then SIGKILL after the
// grace window. It returns immediately; exit callbacks fire when the
// process is actually gone.
func (s *Supervisor) Kill(grace time.Duration) {
	proc := s.cmd.Process
	if proc == nil {
		return
	}
	if grace <= 0 {
		grace = 3 * time.Second
	}
	_ = proc.Signal(syscall.SIGTERM)
	go func() {
		select {
		case <-s.exited:
		case <-time.After(grace):
			_ = proc.Kill()
		}
	}()
}

// Done is closed once the subprocess has exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.exited
}

func (s *Supervisor) writeLine(v any) {
	select {
	case <-s.exited:
		s.log.Warn("write after agent exit dropped")
		return
	default:
	}
	line, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("marshal agent input failed", "err", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(append(line, '\n')); err != nil {
		s.log.Warn("write to agent failed", "err", err)
	}
}

func (s *Supervisor) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		s.handleLine(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.log.Debug("agent stdout closed", "err", err)
	}
}

func (s *Supervisor) handleLine(line []byte) {
	var head streamHead
	if err := json.Unmarshal(line, &head); err != nil || head.Type == "" {
		// Non-protocol noise (stray prints, partial writes): drop it.
		s.log.Debug("discarding unparsable agent line", "len", len(line))
		return
	}
	raw := append(json.RawMessage(nil), line...)

	if head.Type == "control_request" {
		s.handleControlRequest(raw)
		return
	}
	if head.Type == "system" && head.Subtype == "init" {
		s.handleInit(raw)
	}
	ev := Event{Type: head.Type, Subtype: head.Subtype, Raw: raw}
	for _, cb := range s.snapshotEventCbs() {
		cb(ev)
	}
}

func (s *Supervisor) handleControlRequest(raw json.RawMessage) {
	var req controlRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.log.Debug("bad control_request line", "err", err)
		return
	}
	var inner canUseToolRequest
	if err := json.Unmarshal(req.Request, &inner); err != nil || inner.Subtype != "can_use_tool" {
		// Unknown control subtype: acknowledge so the agent does not stall.
		s.writeLine(controlResponse{
			Type: "control_response",
			Response: controlResponsePayload{
				Subtype:   "success",
				RequestID: req.RequestID,
			},
		})
		return
	}
	pr := PermissionRequest{
		RequestID:   req.RequestID,
		ToolName:    inner.ToolName,
		ToolUseID:   inner.ToolUseID,
		Input:       inner.Input,
		Suggestions: inner.Suggestions,
	}
	s.mu.RLock()
	cbs := slices.Clone(s.permCbs)
	s.mu.RUnlock()
	for _, cb := range cbs {
		cb(pr)
	}
}

func (s *Supervisor) handleInit(raw json.RawMessage) {
	var init systemInit
	if err := json.Unmarshal(raw, &init); err != nil || init.SessionID == "" {
		return
	}
	s.mu.Lock()
	if s.sessionID != "" {
		s.mu.Unlock()
		return
	}
	s.sessionID = init.SessionID
	cbs := slices.Clone(s.sidCbs)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(init.SessionID)
	}
}

func (s *Supervisor) snapshotEventCbs() []func(Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.eventCbs)
}

func (s *Supervisor) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 16*1024), maxLineBytes)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			s.log.Debug("agent stderr", "line", line)
		}
	}
}

func (s *Supervisor) waitLoop() {
	err := s.cmd.Wait()
	var code *int
	if err != nil {
		var ex *exec.ExitError
		if errors.As(err, &ex) {
			if ws, ok := ex.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				code = nil
			} else {
				c := ex.ExitCode()
				code = &c
			}
		}
	} else if s.cmd.ProcessState != nil {
		c := s.cmd.ProcessState.ExitCode()
		code = &c
	}
	s.exitOnce.Do(func() {
		close(s.exited)
		s.mu.RLock()
		cbs := slices.Clone(s.exitCbs)
		s.mu.RUnlock()
		for _, cb := range cbs {
			cb(code)
		}
	})
}
