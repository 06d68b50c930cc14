package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Roles used in conversation history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a tool invocation requested by the model. On "tool" role
// messages the single entry identifies which call the content answers.
type ToolCall struct {
	ToolCallID string                 `json:"tool_call_id"`
	Name       string                 `json:"name"`
	Args       map[string]interface{} `json:"args,omitempty"`
}

type Message struct {
	Role      string     `json:"role"` // "system", "user", "assistant", "tool"
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	IsError   bool       `json:"is_error,omitempty"`
}

// Session is the conversation history fed to the model. A session without
// a path is ephemeral: Save is a no-op.
type Session struct {
	Name     string    `json:"name"`
	Mode     string    `json:"mode,omitempty"`
	Toolset  string    `json:"toolset,omitempty"`
	Messages []Message `json:"messages"`
	path     string
}

// New creates a new session persisted under dir/sessions.
func New(dir, name string) (*Session, error) {
	path, err := getSessionPath(dir, name)
	if err != nil {
		return nil, err
	}
	return &Session{
		Name:     name,
		Messages: []Message{},
		path:     path,
	}, nil
}

// NewEphemeral creates an in-memory session that is never written to disk.
func NewEphemeral(name string) *Session {
	return &Session{Name: name, Messages: []Message{}}
}

// Load loads an existing session from dir/sessions.
func Load(dir, name string) (*Session, error) {
	path, err := getSessionPath(dir, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read session file %s: %w", path, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("could not parse session file %s: %w", path, err)
	}
	s.path = path
	return &s, nil
}

// Save writes the current session state to disk.
func (s *Session) Save() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}
	return os.WriteFile(s.path, data, 0644)
}

// AddMessage appends a message to the session history.
func (s *Session) AddMessage(msg Message) {
	s.Messages = append(s.Messages, msg)
}

// Reset drops the whole history.
func (s *Session) Reset() {
	s.Messages = []Message{}
}

// Replace swaps the history for msgs, e.g. after compaction.
func (s *Session) Replace(msgs []Message) {
	s.Messages = append([]Message{}, msgs...)
}

func getSessionPath(dir, name string) (string, error) {
	sessionDir := filepath.Join(dir, "sessions")
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return "", fmt.Errorf("could not create session directory: %w", err)
	}
	return filepath.Join(sessionDir, fmt.Sprintf("%s.json", name)), nil
}
