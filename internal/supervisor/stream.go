package supervisor

import "encoding/json"

// Shapes of the newline-delimited JSON stream spoken by the agent CLI in
// stream-json mode. Only the discriminators needed for routing are decoded
// eagerly; everything else stays raw.

type streamHead struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

type systemInit struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	CWD       string `json:"cwd"`
	Model     string `json:"model"`
}

type controlRequest struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

type canUseToolRequest struct {
	Subtype     string            `json:"subtype"`
	ToolName    string            `json:"tool_name"`
	ToolUseID   string            `json:"tool_use_id"`
	Input       json.RawMessage   `json:"input"`
	Suggestions []json.RawMessage `json:"permission_suggestions,omitempty"`
}

type controlResponse struct {
	Type     string                 `json:"type"`
	Response controlResponsePayload `json:"response"`
}

type controlResponsePayload struct {
	Subtype   string         `json:"subtype"`
	RequestID string         `json:"request_id"`
	Response  map[string]any `json:"response,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type userTurn struct {
	Type    string          `json:"type"`
	Message userTurnMessage `json:"message"`
}

type userTurnMessage struct {
	Role    string            `json:"role"`
	Content []userTurnContent `json:"content"`
}

type userTurnContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func newUserTurn(text string) userTurn {
	return userTurn{
		Type: "user",
		Message: userTurnMessage{
			Role:    "user",
			Content: []userTurnContent{{Type: "text", Text: text}},
		},
	}
}

func allowResponse(requestID string, updatedInput json.RawMessage) controlResponse {
	resp := map[string]any{"behavior": "allow"}
	if len(updatedInput) > 0 {
		resp["updatedInput"] = updatedInput
	}
	return controlResponse{
		Type: "control_response",
		Response: controlResponsePayload{
			Subtype:   "success",
			RequestID: requestID,
			Response:  resp,
		},
	}
}

func denyResponse(requestID, message string) controlResponse {
	return controlResponse{
		Type: "control_response",
		Response: controlResponsePayload{
			Subtype:   "success",
			RequestID: requestID,
			Response:  map[string]any{"behavior": "deny", "message": message},
		},
	}
}

type interruptRequest struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	Request   interruptPayload `json:"request"`
}

type interruptPayload struct {
	Subtype string `json:"subtype"`
}
