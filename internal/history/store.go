// Package history reads the agent's on-disk session transcripts. It is the
// persistence boundary: the relay core never touches the file format except
// through this package.
package history

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"ccrelay/internal/permission"
)

const maxLineBytes = 1024 * 1024

type Store struct {
	baseDir string
	log     *slog.Logger
}

// NewStore roots the lookup at baseDir (the agent's projects directory,
// one subdirectory per working directory, one <session-id>.jsonl each).
func NewStore(baseDir string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{baseDir: baseDir, log: log}
}

// FindSessionProject locates the project directory holding the session's
// transcript.
func (s *Store) FindSessionProject(sessionID string) (string, bool) {
	if sessionID == "" {
		return "", false
	}
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		candidate := filepath.Join(s.baseDir, e.Name(), sessionID+".jsonl")
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return filepath.Join(s.baseDir, e.Name()), true
		}
	}
	return "", false
}

// Messages returns the session's conversation lines in file order.
// Non-message lines and unparsable lines are skipped.
func (s *Store) Messages(sessionID string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := s.scanTranscript(sessionID, func(line []byte, head lineHead) {
		if head.Type == "user" || head.Type == "assistant" {
			out = append(out, append(json.RawMessage(nil), line...))
		}
	})
	return out, err
}

// PendingPermissions reconstructs unresolved permission requests from the
// transcript: control requests with no matching response. They re-enter the
// broker with SourceFile.
func (s *Store) PendingPermissions(sessionID string) []permission.PendingRequest {
	type controlLine struct {
		Type      string `json:"type"`
		RequestID string `json:"request_id"`
		Request   struct {
			Subtype     string            `json:"subtype"`
			ToolName    string            `json:"tool_name"`
			ToolUseID   string            `json:"tool_use_id"`
			Input       json.RawMessage   `json:"input"`
			Suggestions []json.RawMessage `json:"permission_suggestions"`
		} `json:"request"`
		Response struct {
			RequestID string `json:"request_id"`
		} `json:"response"`
	}

	open := make(map[string]permission.PendingRequest)
	var order []string
	err := s.scanTranscript(sessionID, func(line []byte, head lineHead) {
		if head.Type != "control_request" && head.Type != "control_response" {
			return
		}
		var cl controlLine
		if json.Unmarshal(line, &cl) != nil {
			return
		}
		switch head.Type {
		case "control_request":
			if cl.Request.Subtype != "can_use_tool" || cl.RequestID == "" {
				return
			}
			open[cl.RequestID] = permission.PendingRequest{
				SessionID:   sessionID,
				RequestID:   cl.RequestID,
				ToolName:    cl.Request.ToolName,
				ToolUseID:   cl.Request.ToolUseID,
				Input:       cl.Request.Input,
				Suggestions: cl.Request.Suggestions,
				Source:      permission.SourceFile,
				CreatedAt:   time.Now(),
			}
			order = append(order, cl.RequestID)
		case "control_response":
			delete(open, cl.Response.RequestID)
		}
	})
	if err != nil {
		return nil
	}
	out := make([]permission.PendingRequest, 0, len(open))
	for _, id := range order {
		if req, ok := open[id]; ok {
			out = append(out, req)
		}
	}
	return out
}

type lineHead struct {
	Type string `json:"type"`
}

func (s *Store) scanTranscript(sessionID string, visit func(line []byte, head lineHead)) error {
	dir, ok := s.FindSessionProject(sessionID)
	if !ok {
		return os.ErrNotExist
	}
	f, err := os.Open(filepath.Join(dir, sessionID+".jsonl"))
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		var head lineHead
		if json.Unmarshal(line, &head) != nil || head.Type == "" {
			continue
		}
		visit(line, head)
	}
	return scanner.Err()
}
