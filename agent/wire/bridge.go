package wire

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/m4xw311/kimigas/errors"
	"github.com/m4xw311/kimigas/tools"
	"github.com/m4xw311/kimigas/transport"
)

// RequestToolCall is the request type for bridged external tool calls.
const RequestToolCall = "ToolCallRequest"

// ServerRequest is the params object of a server-originated "request".
type ServerRequest struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ToolCallRequestPayload asks the client to run one of its tools.
type ToolCallRequestPayload struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolCallReply is the client's answer to a ToolCallRequest.
type ToolCallReply struct {
	Output  json.RawMessage `json:"output"`
	IsError bool            `json:"is_error"`
}

// ToolError carries the output of a client tool that reported failure.
type ToolError struct {
	Output string
}

func (e *ToolError) Error() string { return e.Output }

// CallExternalTool forwards call to the client and waits for its reply,
// the end of ctx, or the end of the session.
func (s *Server) CallExternalTool(ctx context.Context, call tools.ExternalCall) (string, error) {
	id := fmt.Sprintf("srv-%d", s.callSeq.Add(1))
	ch := make(chan *transport.Message, 1)

	s.pendingMu.Lock()
	select {
	case <-s.closed:
		s.pendingMu.Unlock()
		return "", ErrShuttingDown
	default:
	}
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	args := call.Args
	if args == nil {
		args = map[string]interface{}{}
	}
	s.logger.Debug("bridging tool call", "request", id, "tool", call.Name, "call", call.ID)
	if err := s.writer.WriteJSON(transport.NewRequest(id, MethodRequest, ServerRequest{
		Type:    RequestToolCall,
		Payload: ToolCallRequestPayload{ID: call.ID, Name: call.Name, Arguments: args},
	})); err != nil {
		return "", errors.Wrapf(err, "sending tool call request")
	}

	select {
	case resp := <-ch:
		return decodeToolReply(resp)
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.closed:
		return "", ErrShuttingDown
	}
}

func decodeToolReply(resp *transport.Message) (string, error) {
	if resp.Error != nil {
		return "", resp.Error
	}
	var reply ToolCallReply
	if err := json.Unmarshal(resp.Result, &reply); err != nil {
		return "", errors.Wrapf(err, "malformed tool call reply")
	}
	output := string(reply.Output)
	var text string
	if err := json.Unmarshal(reply.Output, &text); err == nil {
		output = text
	}
	if reply.IsError {
		return "", &ToolError{Output: output}
	}
	return output, nil
}

// resolve hands a client response to the waiting bridge call.
func (s *Server) resolve(msg *transport.Message) {
	var id string
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		s.logger.Warn("response with non-string id", "id", string(msg.ID))
		return
	}
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.pendingMu.Unlock()
	if !ok {
		s.logger.Warn("response for unknown request", "id", id)
		return
	}
	ch <- msg
}
