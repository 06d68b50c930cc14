package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/mod/semver"

	"github.com/m4xw311/kimigas/agent"
	"github.com/m4xw311/kimigas/config"
	kerrors "github.com/m4xw311/kimigas/errors"
	"github.com/m4xw311/kimigas/llm"
	"github.com/m4xw311/kimigas/session"
	"github.com/m4xw311/kimigas/tools"
	"github.com/m4xw311/kimigas/transport"
)

const waitTimeout = 5 * time.Second

type frame struct {
	ID     json.RawMessage  `json:"id"`
	Method string           `json:"method"`
	Params json.RawMessage  `json:"params"`
	Result json.RawMessage  `json:"result"`
	Error  *transport.Error `json:"error"`
}

func (f frame) event(t *testing.T) Event {
	t.Helper()
	require.Equal(t, MethodEvent, f.Method)
	var ev struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(f.Params, &ev))
	return Event{Type: ev.Type, Payload: ev.Payload}
}

type harness struct {
	t      *testing.T
	srv    *Server
	in     *io.PipeWriter
	frames chan frame
	done   chan error
}

type fakeTool struct{ name string }

func (f fakeTool) Name() string                       { return f.name }
func (f fakeTool) Description() string                { return "fake" }
func (f fakeTool) Parameters() map[string]interface{} { return map[string]interface{}{"type": "object"} }
func (f fakeTool) Execute(context.Context, map[string]interface{}) (string, error) {
	return "ok", nil
}

func newAgent(client llm.LLMClient) *agent.Agent {
	return agent.New(config.Default(), session.NewEphemeral("wire-test"), client,
		agent.WithTools([]tools.Tool{fakeTool{name: "read_file"}}))
}

func start(t *testing.T, a *agent.Agent) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := &harness{
		t:      t,
		srv:    NewServer(a, inR, outW),
		in:     inW,
		frames: make(chan frame, 1024),
		done:   make(chan error, 1),
	}
	go func() {
		h.done <- h.srv.Run(context.Background())
		outW.Close()
	}()
	go func() {
		defer close(h.frames)
		scanner := bufio.NewScanner(outR)
		scanner.Buffer(make([]byte, 0, 64*1024), transport.MaxLineSize)
		for scanner.Scan() {
			var f frame
			if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
				t.Errorf("server wrote a non-JSON line %q: %v", scanner.Text(), err)
				continue
			}
			h.frames <- f
		}
	}()
	t.Cleanup(func() {
		inW.Close()
		for range h.frames {
		}
	})
	return h
}

func (h *harness) sendRaw(line string) {
	h.t.Helper()
	_, err := io.WriteString(h.in, line+"\n")
	require.NoError(h.t, err)
}

func (h *harness) request(id int, method string, params any) {
	h.t.Helper()
	msg := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	data, err := json.Marshal(msg)
	require.NoError(h.t, err)
	h.sendRaw(string(data))
}

func (h *harness) next() frame {
	h.t.Helper()
	select {
	case f, ok := <-h.frames:
		require.True(h.t, ok, "output closed")
		return f
	case <-time.After(waitTimeout):
		h.t.Fatal("timed out waiting for server output")
	}
	return frame{}
}

// response reads until the response with the given id and returns it
// together with every frame seen before it.
func (h *harness) response(id int) (frame, []frame) {
	h.t.Helper()
	want := fmt.Sprint(id)
	var before []frame
	for {
		f := h.next()
		if f.Method == "" && string(f.ID) == want {
			return f, before
		}
		before = append(before, f)
	}
}

func (h *harness) close() []frame {
	h.t.Helper()
	require.NoError(h.t, h.in.Close())
	select {
	case err := <-h.done:
		require.NoError(h.t, err)
	case <-time.After(waitTimeout):
		h.t.Fatal("server did not stop")
	}
	var rest []frame
	for f := range h.frames {
		rest = append(rest, f)
	}
	return rest
}

func (h *harness) initialize(externalTools ...map[string]any) InitializeResult {
	h.t.Helper()
	if externalTools == nil {
		externalTools = []map[string]any{}
	}
	h.request(1, MethodInitialize, map[string]any{
		"protocol_version": "1.0",
		"client":           map[string]any{"name": "gastown", "version": "0.3.0"},
		"external_tools":   externalTools,
	})
	resp, _ := h.response(1)
	require.Nil(h.t, resp.Error, "initialize failed: %v", resp.Error)
	var res InitializeResult
	require.NoError(h.t, json.Unmarshal(resp.Result, &res))
	return res
}

func requireCode(t *testing.T, f frame, code int) {
	t.Helper()
	require.NotNil(t, f.Error, "expected error %d, got result %s", code, f.Result)
	assert.Equal(t, code, f.Error.Code, f.Error.Message)
}

func eventTypes(t *testing.T, frames []frame) []string {
	var types []string
	for _, f := range frames {
		if f.Method == MethodEvent {
			types = append(types, f.event(t).Type)
		}
	}
	return types
}

var gtNotify = map[string]any{
	"name":        "gt_notify",
	"description": "Notify the orchestrator",
	"parameters": map[string]any{
		"type":       "object",
		"properties": map[string]any{"message": map[string]any{"type": "string"}},
		"required":   []string{"message"},
	},
}

func TestInitializeResultShape(t *testing.T) {
	h := start(t, newAgent(llm.NewScriptedClient()))
	submitted := []map[string]any{
		gtNotify,
		{"name": "dup", "parameters": map[string]any{"type": "object"}},
		{"name": "dup", "parameters": map[string]any{"type": "object"}},
		{"name": "bad_schema", "parameters": map[string]any{"type": "array"}},
		{"name": "read_file"},
		{"name": "no_args"},
	}
	res := h.initialize(submitted...)

	assert.Equal(t, "1.0", res.ProtocolVersion)
	assert.GreaterOrEqual(t, semver.Compare("v"+res.ProtocolVersion, "v"+MinProtocolVersion), 0)
	assert.Equal(t, agent.DefaultServerName, res.Server.Name)
	assert.NotEmpty(t, res.SlashCommands)
	assert.True(t, res.Capabilities.Cancel)

	assert.Contains(t, res.ExternalTools.Accepted, "gt_notify")
	assert.NotContains(t, res.ExternalTools.Rejected, "gt_notify")

	all := append(append([]string{}, res.ExternalTools.Accepted...), res.ExternalTools.Rejected...)
	sort.Strings(all)
	assert.Equal(t, []string{"bad_schema", "dup", "gt_notify", "no_args", "read_file"}, all)

	assert.Equal(t, map[string]string{
		"dup":        tools.ReasonDuplicateName,
		"bad_schema": tools.ReasonMalformedSchema,
		"read_file":  tools.ReasonReservedName,
	}, res.ExternalTools.Reasons)

	assert.Equal(t, StateReady, h.srv.State())
	assert.Equal(t, ClientInfo{Name: "gastown", Version: "0.3.0"}, h.srv.Client())
	h.close()
}

func TestNegotiateVersion(t *testing.T) {
	tests := map[string]string{
		"1.0":     "1.0",
		"1.1":     "1.1",
		"v1.0":    "1.0",
		"0.9":     ProtocolVersion,
		"2.0":     ProtocolVersion,
		"":        ProtocolVersion,
		"garbage": ProtocolVersion,
	}
	for in, want := range tests {
		assert.Equal(t, want, negotiateVersion(in), "client version %q", in)
	}
}

func TestCancelWithoutTurnIsIdempotent(t *testing.T) {
	h := start(t, newAgent(llm.NewScriptedClient()))

	h.request(1, MethodCancel, nil)
	first, _ := h.response(1)
	requireCode(t, first, CodeInvalidState)
	h.request(2, MethodCancel, nil)
	second, _ := h.response(2)
	requireCode(t, second, CodeInvalidState)
	assert.Equal(t, first.Error.Message, second.Error.Message)
	assert.Equal(t, ErrNoTurn.Message, first.Error.Message)

	h.initialize()
	h.request(3, MethodCancel, nil)
	third, _ := h.response(3)
	requireCode(t, third, CodeInvalidState)

	h.request(4, MethodInitialize, map[string]any{"protocol_version": "1.1"})
	again, _ := h.response(4)
	requireCode(t, again, CodeInvalidState)
	assert.Equal(t, ErrAlreadyInitialized.Message, again.Error.Message)
	assert.Equal(t, StateReady, h.srv.State())
	h.close()
}

func TestCancelAfterTurnEndedBeforeRelease(t *testing.T) {
	h := start(t, newAgent(llm.NewScriptedClient()))
	h.initialize()

	ended := agent.NewTurn("", "hi")
	other := newAgent(llm.NewScriptedClient(llm.Reply("done")))
	status, err := other.RunTurn(context.Background(), ended, agent.ProcessCallbacks{})
	require.NoError(t, err)
	require.Equal(t, agent.StatusFinished, status)
	require.True(t, ended.State().Terminal())

	// A turn whose TurnEnd went out but whose slot is still held.
	h.srv.mu.Lock()
	h.srv.turn = ended
	h.srv.state = StateTurnInProgress
	h.srv.mu.Unlock()

	h.request(1, MethodCancel, nil)
	resp, _ := h.response(1)
	requireCode(t, resp, CodeInvalidState)
	assert.Equal(t, ErrNoTurn.Message, resp.Error.Message)
	h.close()
}

func TestMethodsBeforeInitialize(t *testing.T) {
	h := start(t, newAgent(llm.NewScriptedClient()))
	h.request(1, MethodPrompt, map[string]any{"user_input": "hi"})
	resp, _ := h.response(1)
	requireCode(t, resp, CodeInvalidState)
	assert.Equal(t, ErrNotInitialized.Message, resp.Error.Message)
	assert.Equal(t, StateUninitialized, h.srv.State())
	h.close()
}

func TestUnknownMethod(t *testing.T) {
	h := start(t, newAgent(llm.NewScriptedClient()))
	h.request(1, "nonexistent_method", nil)
	resp, _ := h.response(1)
	requireCode(t, resp, transport.CodeMethodNotFound)

	h.initialize()
	h.request(2, "nonexistent_method", nil)
	resp, _ = h.response(2)
	requireCode(t, resp, transport.CodeMethodNotFound)
	h.close()
}

func TestMalformedInput(t *testing.T) {
	h := start(t, newAgent(llm.NewScriptedClient()))

	h.sendRaw(`{"jsonrpc":"2.0","id":1,"method":`)
	f := h.next()
	requireCode(t, f, transport.CodeParseError)
	assert.Equal(t, "null", string(f.ID))

	h.sendRaw(`{"jsonrpc":"1.0","id":7,"method":"initialize"}`)
	f = h.next()
	requireCode(t, f, transport.CodeInvalidRequest)
	assert.Equal(t, "7", string(f.ID))

	h.sendRaw(`{"jsonrpc":"2.0","id":"abc","params":{}}`)
	f = h.next()
	requireCode(t, f, transport.CodeInvalidRequest)
	assert.Equal(t, `"abc"`, string(f.ID))

	h.sendRaw(`{"jsonrpc":"2.0","id":{"x":1},"method":"initialize"}`)
	f = h.next()
	requireCode(t, f, transport.CodeInvalidRequest)
	assert.Equal(t, "null", string(f.ID))

	h.sendRaw(`{"jsonrpc":"2.0","id":3,"method":"initialize","params":"nope"}`)
	resp, _ := h.response(3)
	requireCode(t, resp, transport.CodeInvalidParams)

	// The session survives all of the above.
	h.initialize()
	h.request(4, MethodPrompt, map[string]any{"user_input": "   "})
	resp, _ = h.response(4)
	requireCode(t, resp, transport.CodeInvalidParams)
	h.close()
}

func TestPromptStreamsEventsThenResponds(t *testing.T) {
	client := llm.NewScriptedClient(llm.Reply("hello"), llm.Reply("again"))
	h := start(t, newAgent(client))
	h.initialize()

	h.request(2, MethodPrompt, map[string]any{"user_input": "Say hello"})
	resp, before := h.response(2)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"status":"finished"}`, string(resp.Result))
	assert.Equal(t, []string{EventTurnBegin, EventStepBegin, EventContentPart, EventTurnEnd}, eventTypes(t, before))

	var part ContentPartPayload
	require.NoError(t, json.Unmarshal(before[2].event(t).Payload.(json.RawMessage), &part))
	assert.Equal(t, "hello", part.Text)

	var end TurnEndPayload
	require.NoError(t, json.Unmarshal(before[3].event(t).Payload.(json.RawMessage), &end))
	assert.Equal(t, "finished", end.Status)

	// The slot is free as soon as the response is out.
	h.request(3, MethodPrompt, map[string]any{"user_input": "once more"})
	resp, _ = h.response(3)
	assert.JSONEq(t, `{"status":"finished"}`, string(resp.Result))
	h.close()
}

func TestPromptWithoutLLM(t *testing.T) {
	h := start(t, newAgent(nil))
	h.initialize()

	h.request(2, MethodPrompt, map[string]any{"user_input": "Say hello"})
	resp, before := h.response(2)
	requireCode(t, resp, CodeLLMNotSet)
	assert.Empty(t, before)
	assert.Equal(t, StateReady, h.srv.State())

	h.request(3, MethodPrompt, map[string]any{"user_input": "/help"})
	resp, before = h.response(3)
	require.Nil(t, resp.Error)
	assert.Contains(t, eventTypes(t, before), EventContentPart)
	h.close()
}

func blockingStep(entered chan<- struct{}) llm.Step {
	return func(ctx context.Context, _ []session.Message, _ []tools.Tool) (*session.Message, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func TestPromptDuringTurnAndCancel(t *testing.T) {
	entered := make(chan struct{})
	h := start(t, newAgent(llm.NewScriptedClient(blockingStep(entered))))
	h.initialize()

	h.request(2, MethodPrompt, map[string]any{"user_input": "long task"})
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("turn did not start")
	}
	assert.Equal(t, StateTurnInProgress, h.srv.State())

	h.request(3, MethodPrompt, map[string]any{"user_input": "another"})
	busy, _ := h.response(3)
	requireCode(t, busy, CodeInvalidState)
	assert.Equal(t, ErrTurnInProgress.Message, busy.Error.Message)

	h.request(4, MethodCancel, nil)
	ack, _ := h.response(4)
	require.Nil(t, ack.Error)
	assert.JSONEq(t, `{}`, string(ack.Result))

	resp, before := h.response(2)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"status":"cancelled"}`, string(resp.Result))
	types := eventTypes(t, before)
	require.NotEmpty(t, types)
	assert.Equal(t, EventTurnEnd, types[len(types)-1])
	h.close()
}

func TestCancelRaceProducesOneTerminalEvent(t *testing.T) {
	for i := 0; i < 25; i++ {
		h := start(t, newAgent(llm.NewScriptedClient(llm.Reply("quick"))))
		h.initialize()

		h.request(2, MethodPrompt, map[string]any{"user_input": "go"})
		h.request(3, MethodCancel, nil)

		frames := h.close()

		turnEnds, promptResponses := 0, 0
		for _, f := range frames {
			if f.Method == MethodEvent && f.event(t).Type == EventTurnEnd {
				turnEnds++
			}
			if f.Method == "" && string(f.ID) == "2" {
				promptResponses++
				require.Nil(t, f.Error)
			}
		}
		require.Equal(t, 1, turnEnds, "iteration %d", i)
		require.Equal(t, 1, promptResponses, "iteration %d", i)
	}
}

func TestExternalToolBridge(t *testing.T) {
	client := llm.NewScriptedClient(
		llm.Reply("", session.ToolCall{ToolCallID: "call_1", Name: "gt_notify", Args: map[string]interface{}{"message": "done"}}),
		func(_ context.Context, msgs []session.Message, _ []tools.Tool) (*session.Message, error) {
			last := msgs[len(msgs)-1]
			return &session.Message{Role: session.RoleAssistant, Content: "tool said " + last.Content}, nil
		},
	)
	h := start(t, newAgent(client))
	res := h.initialize(gtNotify)
	require.Contains(t, res.ExternalTools.Accepted, "gt_notify")

	h.request(2, MethodPrompt, map[string]any{"user_input": "notify"})

	var req frame
	for {
		req = h.next()
		if req.Method == MethodRequest {
			break
		}
	}
	var params struct {
		Type    string                 `json:"type"`
		Payload ToolCallRequestPayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, RequestToolCall, params.Type)
	assert.Equal(t, "call_1", params.Payload.ID)
	assert.Equal(t, "gt_notify", params.Payload.Name)
	assert.Equal(t, "done", params.Payload.Arguments["message"])

	reply, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(req.ID),
		"result":  map[string]any{"output": "delivered", "is_error": false},
	})
	require.NoError(t, err)
	h.sendRaw(string(reply))

	resp, before := h.response(2)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"status":"finished"}`, string(resp.Result))

	var sawResult bool
	for _, f := range before {
		if f.Method != MethodEvent || f.event(t).Type != EventToolResult {
			continue
		}
		var p ToolResultPayload
		require.NoError(t, json.Unmarshal(f.event(t).Payload.(json.RawMessage), &p))
		assert.Equal(t, "delivered", p.Output)
		assert.False(t, p.IsError)
		sawResult = true
	}
	assert.True(t, sawResult)
	h.close()
}

func TestShutdownAbortsTurn(t *testing.T) {
	entered := make(chan struct{})
	h := start(t, newAgent(llm.NewScriptedClient(blockingStep(entered))))
	h.initialize()
	h.request(2, MethodPrompt, map[string]any{"user_input": "long task"})
	<-entered

	rest := h.close()
	assert.Equal(t, StateShuttingDown, h.srv.State())
	var status string
	for _, f := range rest {
		if f.Method == "" && string(f.ID) == "2" {
			status = string(f.Result)
		}
	}
	assert.JSONEq(t, `{"status":"cancelled"}`, status)
}

func TestCancelNotification(t *testing.T) {
	h := start(t, newAgent(llm.NewScriptedClient()))
	h.initialize()
	h.sendRaw(`{"jsonrpc":"2.0","method":"cancel"}`)
	h.request(2, "nonexistent_method", nil)
	f := h.next()
	assert.Equal(t, "2", string(f.ID), "notification must not be answered")
	assert.Equal(t, int64(3), h.srv.Requests())
	h.close()
}

func TestToProtocolError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ErrNoTurn, CodeInvalidState},
		{fmt.Errorf("wrapped: %w", ErrTurnInProgress), CodeInvalidState},
		{kerrors.Config(nil, "LLM is not set"), CodeLLMNotSet},
		{tools.ErrRegistrySealed, CodeRegistrySealed},
		{&llm.ProviderError{Provider: "openai", Err: io.ErrUnexpectedEOF}, CodeProviderError},
		{&agent.PanicError{Value: "boom"}, transport.CodeInternalError},
		{io.ErrClosedPipe, transport.CodeInternalError},
	}
	for _, tt := range tests {
		pe := toProtocolError(tt.err)
		assert.Equal(t, tt.code, pe.Code, tt.err.Error())
		assert.NotEmpty(t, pe.Message)
	}
	assert.Equal(t, io.ErrClosedPipe.Error(), toProtocolError(io.ErrClosedPipe).Data)
}
