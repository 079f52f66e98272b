// Package localterm runs the agent interactively under a PTY with the
// operator's terminal in raw mode, mirroring bytes both ways. It is the
// "local" control surface; teardown restores the terminal completely before
// returning so the remote surface can take over.
package localterm

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"
)

type Config struct {
	// Path is the agent executable. Defaults to "claude".
	Path      string
	Dir       string
	ResumeID  string
	SessionID string // assigned id for a fresh session
	ExtraArgs []string
	Env       []string
	// Input carries operator keystrokes. The caller owns the single
	// os.Stdin reader so surfaces can swap without losing bytes.
	Input  <-chan []byte
	Logger *slog.Logger
}

type Session struct {
	log   *slog.Logger
	input <-chan []byte

	mu       sync.Mutex
	cmd      *exec.Cmd
	ptmx     *os.File
	oldState *term.State
	winchCh  chan os.Signal
	closed   bool

	exited chan struct{}
	code   *int
}

// Start launches the agent under a PTY and switches the operator terminal
// to raw mode. Spawn failures are returned synchronously with the terminal
// untouched.
func Start(cfg Config) (*Session, error) {
	if cfg.Path == "" {
		cfg.Path = "claude"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var args []string
	if cfg.ResumeID != "" {
		args = append(args, "--resume", cfg.ResumeID)
	} else if cfg.SessionID != "" {
		args = append(args, "--session-id", cfg.SessionID)
	}
	args = append(args, cfg.ExtraArgs...)

	cmd := exec.Command(cfg.Path, args...)
	cmd.Dir = cfg.Dir
	if cfg.Env != nil {
		cmd.Env = cfg.Env
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, err
	}

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		_ = ptmx.Close()
		_ = cmd.Process.Kill()
		return nil, err
	}

	s := &Session{
		log:      cfg.Logger,
		input:    cfg.Input,
		cmd:      cmd,
		ptmx:     ptmx,
		oldState: oldState,
		winchCh:  make(chan os.Signal, 1),
		exited:   make(chan struct{}),
	}

	signal.Notify(s.winchCh, syscall.SIGWINCH)
	go s.resizeLoop()
	s.winchCh <- syscall.SIGWINCH // initial size

	go s.copyOutput()
	go s.copyInput()
	go s.waitLoop()
	return s, nil
}

// Done is closed once the agent process has exited.
func (s *Session) Done() <-chan struct{} { return s.exited }

// ExitCode returns the agent's exit code after Done; nil when the process
// was killed by a signal (including our own teardown).
func (s *Session) ExitCode() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// Close tears the surface down: terminal restored, PTY closed, child
// killed. Idempotent; it blocks briefly for the child to die.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ptmx := s.ptmx
	oldState := s.oldState
	proc := s.cmd.Process
	s.mu.Unlock()

	signal.Stop(s.winchCh)
	if oldState != nil {
		_ = term.Restore(int(os.Stdin.Fd()), oldState)
	}
	if ptmx != nil {
		_ = ptmx.Close()
	}
	if proc != nil {
		_ = proc.Signal(syscall.SIGTERM)
		select {
		case <-s.exited:
		case <-time.After(3 * time.Second):
			_ = proc.Kill()
			<-s.exited
		}
	}
}

func (s *Session) resizeLoop() {
	for range s.winchCh {
		if err := pty.InheritSize(os.Stdin, s.ptmx); err != nil {
			s.log.Debug("pty resize failed", "err", err)
		}
	}
}

func (s *Session) copyOutput() {
	if _, err := io.Copy(os.Stdout, s.ptmx); err != nil && !errors.Is(err, os.ErrClosed) {
		s.log.Debug("pty output copy ended", "err", err)
	}
}

func (s *Session) copyInput() {
	if s.input == nil {
		return
	}
	for {
		select {
		case <-s.exited:
			return
		case b, ok := <-s.input:
			if !ok {
				return
			}
			s.mu.Lock()
			closed := s.closed
			ptmx := s.ptmx
			s.mu.Unlock()
			if closed {
				return
			}
			if _, err := ptmx.Write(b); err != nil {
				return
			}
		}
	}
}

func (s *Session) waitLoop() {
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
	s.mu.Lock()
	s.code = code
	s.mu.Unlock()
	close(s.exited)
}
