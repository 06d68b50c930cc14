package wire

import (
	"github.com/m4xw311/kimigas/agent"
	"github.com/m4xw311/kimigas/session"
	"github.com/m4xw311/kimigas/transport"
)

// Event types carried by "event" notifications.
const (
	EventTurnBegin   = "TurnBegin"
	EventStepBegin   = "StepBegin"
	EventContentPart = "ContentPart"
	EventToolCall    = "ToolCall"
	EventToolResult  = "ToolResult"
	EventTurnEnd     = "TurnEnd"
)

// Event is the params object of an "event" notification.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type TurnBeginPayload struct {
	TurnID    string `json:"turn_id"`
	UserInput string `json:"user_input"`
}

type StepBeginPayload struct {
	TurnID string `json:"turn_id"`
	N      int    `json:"n"`
}

type ContentPartPayload struct {
	TurnID string `json:"turn_id"`
	Type   string `json:"type"`
	Text   string `json:"text"`
}

type ToolCallPayload struct {
	TurnID    string                 `json:"turn_id"`
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type ToolResultPayload struct {
	TurnID     string `json:"turn_id"`
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
	IsError    bool   `json:"is_error"`
}

type TurnEndPayload struct {
	TurnID string `json:"turn_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) emit(eventType string, payload any) {
	s.write(transport.NewNotification(MethodEvent, Event{Type: eventType, Payload: payload}))
}

func (s *Server) callbacks(turn *agent.Turn) agent.ProcessCallbacks {
	return agent.ProcessCallbacks{
		OnStepBegin: func(step int) {
			s.emit(EventStepBegin, StepBeginPayload{TurnID: turn.ID, N: step})
		},
		OnContent: func(text string) {
			s.emit(EventContentPart, ContentPartPayload{TurnID: turn.ID, Type: "text", Text: text})
		},
		OnToolCall: func(call session.ToolCall) {
			args := call.Args
			if args == nil {
				args = map[string]interface{}{}
			}
			s.emit(EventToolCall, ToolCallPayload{TurnID: turn.ID, ID: call.ToolCallID, Name: call.Name, Arguments: args})
		},
		OnToolResult: func(call session.ToolCall, result string, isError bool) {
			s.emit(EventToolResult, ToolResultPayload{TurnID: turn.ID, ToolCallID: call.ToolCallID, Output: result, IsError: isError})
		},
		OnWarning: func(warning string) {
			s.logger.Warn("turn warning", "turn", turn.ID, "warning", warning)
		},
	}
}
