package transport

import (
	"encoding/json"
	"errors"
	"strings"
)

// StreamMessage is one print-mode line.
type StreamMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []StreamToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	IsError    bool             `json:"is_error,omitempty"`
}

// StreamToolCall is a tool call in the OpenAI function-call layout.
type StreamToolCall struct {
	Type     string             `json:"type"`
	ID       string             `json:"id"`
	Function StreamFunctionCall `json:"function"`
}

// StreamFunctionCall carries the tool name and its JSON-encoded arguments.
type StreamFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// DecodeStreamMessage parses a print-mode input line. Content may be a
// string or a list of {"type":"text","text":...} parts, which are joined.
func DecodeStreamMessage(line []byte) (*StreamMessage, error) {
	var raw struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		ToolCallID string          `json:"tool_call_id"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, &DecodeError{Line: line, Err: err}
	}
	if raw.Role == "" {
		return nil, &DecodeError{Line: line, Err: errors.New("message has no role")}
	}

	msg := &StreamMessage{Role: raw.Role, ToolCallID: raw.ToolCallID}
	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		return msg, nil
	}
	if err := json.Unmarshal(raw.Content, &msg.Content); err == nil {
		return msg, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw.Content, &parts); err != nil {
		return nil, &DecodeError{Line: line, Err: errors.New("content must be a string or a list of parts")}
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	msg.Content = strings.Join(texts, "\n")
	return msg, nil
}
