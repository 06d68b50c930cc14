package llm

import (
	"context"
	"sync"

	"github.com/m4xw311/kimigas/errors"
	"github.com/m4xw311/kimigas/session"
	"github.com/m4xw311/kimigas/tools"
)

// Step computes one scripted reply. It sees the history the agent sent.
type Step func(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error)

// ScriptedClient replays a fixed list of steps, one per Chat call. It is
// the model stand-in used by tests of the turn engine and the protocol
// servers.
type ScriptedClient struct {
	mu    sync.Mutex
	steps []Step
	calls int
	// Seen records the number of messages and tools of each call.
	Seen []ChatCall
}

// ChatCall captures what a scripted Chat call received.
type ChatCall struct {
	Messages []session.Message
	Tools    []string
}

// NewScriptedClient returns a client that answers with steps in order.
func NewScriptedClient(steps ...Step) *ScriptedClient {
	return &ScriptedClient{steps: steps}
}

// Reply is a Step returning a fixed assistant message.
func Reply(content string, calls ...session.ToolCall) Step {
	return func(context.Context, []session.Message, []tools.Tool) (*session.Message, error) {
		return &session.Message{Role: session.RoleAssistant, Content: content, ToolCalls: calls}, nil
	}
}

// Fail is a Step returning err.
func Fail(err error) Step {
	return func(context.Context, []session.Message, []tools.Tool) (*session.Message, error) {
		return nil, err
	}
}

func (s *ScriptedClient) Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	names := make([]string, 0, len(availableTools))
	for _, t := range availableTools {
		names = append(names, t.Name())
	}
	s.Seen = append(s.Seen, ChatCall{Messages: append([]session.Message{}, messages...), Tools: names})
	s.mu.Unlock()

	if idx >= len(s.steps) {
		return nil, errors.New("scripted client exhausted after %d calls", len(s.steps))
	}
	return s.steps[idx](ctx, messages, availableTools)
}

// Calls returns how many times Chat was invoked.
func (s *ScriptedClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
