package transport

import (
	"encoding/json"
	"strings"
)

// Message type values in the agent CLI's stream-json dialect.
const (
	MessageTypeSystem          = "system"
	MessageTypeAssistant       = "assistant"
	MessageTypeUser            = "user"
	MessageTypeResult          = "result"
	MessageTypeControlRequest  = "control_request"
	MessageTypeControlResponse = "control_response"
)

// CLIMessage is the envelope for every line the agent child writes to
// stdout. The Type field determines which of the optional fields apply.
type CLIMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system
	SessionID     string `json:"session_id,omitempty"`
	SessionStatus string `json:"session_status,omitempty"`

	// control_request (agent -> supervisor, e.g. permission asks)
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// control_response (agent -> supervisor, reply to a control_request)
	Response *ControlResponse `json:"response,omitempty"`

	// result
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`

	// assistant
	Message *AssistantMessageBody `json:"message,omitempty"`
}

// AssistantMessageBody is the body of an inbound "assistant" message.
type AssistantMessageBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ControlRequest is a control request the agent sends us unsolicited
// (permission prompts, hook callbacks).
type ControlRequest struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponse is the agent's reply to a control_request sent to it.
// The supervisor sends no control requests, so this type is only decoded.
type ControlResponse struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Error     string `json:"error,omitempty"`
}

// UserMessage is the outbound frame carrying a tell's text to the agent.
type UserMessage struct {
	Type    string          `json:"type"`
	Message UserMessageBody `json:"message"`
}

// UserMessageBody is the body of an outbound user message.
type UserMessageBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a single block of an outbound user message's content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// NewUserMessage builds the outbound frame shape required by §4.3:
// {type:"user", message:{role:"user", content:[{type:"text", text:<tellString>}]}}.
func NewUserMessage(text string) UserMessage {
	return UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: text}},
		},
	}
}

// resultData unwraps the success-shaped result payload of a "result" message.
type resultData struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// ExtractText returns the best-effort human text carried by a CLIMessage of
// type "result", used by the Orchestrator as the tell's return value.
func (m *CLIMessage) ExtractText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var data resultData
	if err := json.Unmarshal(m.Result, &data); err == nil && data.Text != "" {
		return data.Text
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err == nil {
		return s
	}
	return ""
}

// AssistantText concatenates the "text"-typed content blocks of an
// "assistant" message, used by the Orchestrator to build a tell's return
// value from the entry's assistant turns (§8 Scenario 1) rather than the
// terminal result message alone.
func (m *CLIMessage) AssistantText() string {
	if m.Message == nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range m.Message.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
