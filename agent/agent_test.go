package agent

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/m4xw311/kimigas/config"
	"github.com/m4xw311/kimigas/errors"
	"github.com/m4xw311/kimigas/llm"
	"github.com/m4xw311/kimigas/session"
	"github.com/m4xw311/kimigas/tools"
)

type echoTool struct {
	calls int
	panic bool
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echoes its input" }
func (e *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (e *echoTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	e.calls++
	if e.panic {
		panic("echo exploded")
	}
	if tools.CallIDFromContext(ctx) == "" {
		return "", stderrors.New("missing call id")
	}
	return "echo: " + args["text"].(string), nil
}

type recorder struct {
	events []string
}

func (r *recorder) callbacks() ProcessCallbacks {
	return ProcessCallbacks{
		OnTurnBegin: func(*Turn) { r.events = append(r.events, "begin") },
		OnStepBegin: func(int) { r.events = append(r.events, "step") },
		OnContent:   func(text string) { r.events = append(r.events, "content:"+text) },
		OnToolCall:  func(call session.ToolCall) { r.events = append(r.events, "call:"+call.Name) },
		OnToolResult: func(call session.ToolCall, result string, isError bool) {
			if isError {
				r.events = append(r.events, "error:"+call.Name)
				return
			}
			r.events = append(r.events, "result:"+result)
		},
	}
}

func newTestAgent(client llm.LLMClient, opts ...Option) *Agent {
	cfg := config.Default()
	return New(cfg, session.NewEphemeral("test"), client, opts...)
}

func echoCall(id, text string) session.ToolCall {
	return session.ToolCall{ToolCallID: id, Name: "echo", Args: map[string]interface{}{"text": text}}
}

func TestRunTurnFinishes(t *testing.T) {
	client := llm.NewScriptedClient(llm.Reply("hello there"))
	a := newTestAgent(client)
	rec := &recorder{}
	turn := NewTurn("1", "hi")

	status, err := a.RunTurn(context.Background(), turn, rec.callbacks())
	if err != nil || status != StatusFinished {
		t.Fatalf("RunTurn = %q, %v", status, err)
	}
	if turn.State() != TurnFinished || turn.Output() != "hello there" {
		t.Errorf("turn state %v output %q", turn.State(), turn.Output())
	}
	select {
	case <-turn.Done():
	default:
		t.Error("Done not closed")
	}
	if strings.Join(rec.events, ",") != "begin,step,content:hello there" {
		t.Errorf("events = %v", rec.events)
	}
	if n := len(a.Session().Messages); n != 2 {
		t.Errorf("history has %d messages, want 2", n)
	}
}

func TestRunTurnExecutesTools(t *testing.T) {
	echo := &echoTool{}
	client := llm.NewScriptedClient(
		llm.Reply("", echoCall("c1", "a"), session.ToolCall{ToolCallID: "c2", Name: "missing"}),
		llm.Reply("done"),
	)
	a := newTestAgent(client, WithTools([]tools.Tool{echo}))
	rec := &recorder{}

	status, err := a.RunTurn(context.Background(), NewTurn("1", "go"), rec.callbacks())
	if err != nil || status != StatusFinished {
		t.Fatalf("RunTurn = %q, %v", status, err)
	}
	want := "begin,step,call:echo,result:echo: a,call:missing,error:missing,step,content:done"
	if got := strings.Join(rec.events, ","); got != want {
		t.Errorf("events = %s\nwant     %s", got, want)
	}

	msgs := a.Session().Messages
	if len(msgs) != 5 {
		t.Fatalf("history has %d messages, want 5", len(msgs))
	}
	if msgs[2].Role != session.RoleTool || msgs[2].ToolCalls[0].ToolCallID != "c1" || msgs[2].IsError {
		t.Errorf("unexpected tool message %+v", msgs[2])
	}
	if !msgs[3].IsError {
		t.Errorf("unknown tool result should be an error: %+v", msgs[3])
	}
	if got := client.Seen[0].Tools; len(got) != 1 || got[0] != "echo" {
		t.Errorf("model saw tools %v", got)
	}
}

func TestRunTurnMaxSteps(t *testing.T) {
	client := llm.NewScriptedClient(
		llm.Reply("", echoCall("c1", "a")),
		llm.Reply("", echoCall("c2", "b")),
		llm.Reply("never"),
	)
	cfg := config.Default()
	cfg.MaxStepsPerTurn = 2
	a := New(cfg, session.NewEphemeral("t"), client, WithTools([]tools.Tool{&echoTool{}}))

	status, err := a.RunTurn(context.Background(), NewTurn("1", "loop"), ProcessCallbacks{})
	if err != nil || status != StatusMaxStepsReached {
		t.Fatalf("RunTurn = %q, %v", status, err)
	}
	if client.Calls() != 2 {
		t.Errorf("model called %d times, want 2", client.Calls())
	}
}

func TestRunTurnCancelledBeforeStart(t *testing.T) {
	client := llm.NewScriptedClient(llm.Reply("unused"))
	a := newTestAgent(client)
	turn := NewTurn("1", "hi")
	if !turn.Cancel() {
		t.Fatal("first Cancel should report true")
	}
	if turn.Cancel() {
		t.Fatal("second Cancel should report false")
	}

	status, err := a.RunTurn(context.Background(), turn, ProcessCallbacks{})
	if err != nil || status != StatusCancelled {
		t.Fatalf("RunTurn = %q, %v", status, err)
	}
	if client.Calls() != 0 || turn.State() != TurnCancelled {
		t.Errorf("calls = %d, state = %v", client.Calls(), turn.State())
	}
}

func TestRunTurnCancelledDuringModelCall(t *testing.T) {
	echo := &echoTool{}
	turn := NewTurn("1", "hi")
	client := llm.NewScriptedClient(func(ctx context.Context, _ []session.Message, _ []tools.Tool) (*session.Message, error) {
		turn.Cancel()
		if ctx.Err() == nil {
			return nil, stderrors.New("context should be cancelled")
		}
		return &session.Message{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{echoCall("c1", "x")}}, nil
	})
	a := newTestAgent(client, WithTools([]tools.Tool{echo}))

	status, err := a.RunTurn(context.Background(), turn, ProcessCallbacks{})
	if err != nil || status != StatusCancelled {
		t.Fatalf("RunTurn = %q, %v", status, err)
	}
	if echo.calls != 0 {
		t.Error("tool ran after cancellation")
	}
	if turn.Cancel() {
		t.Error("Cancel after the turn ended should report false")
	}
}

func TestRunTurnCancelledBetweenToolCalls(t *testing.T) {
	turn := NewTurn("1", "hi")
	client := llm.NewScriptedClient(llm.Reply("", echoCall("c1", "a"), echoCall("c2", "b")))
	a := newTestAgent(client, WithTools([]tools.Tool{&echoTool{}}))

	status, err := a.RunTurn(context.Background(), turn, ProcessCallbacks{
		OnToolResult: func(session.ToolCall, string, bool) { turn.Cancel() },
	})
	if err != nil || status != StatusCancelled {
		t.Fatalf("RunTurn = %q, %v", status, err)
	}
	msgs := a.Session().Messages
	last := msgs[len(msgs)-1]
	if last.Role != session.RoleTool || last.ToolCalls[0].ToolCallID != "c2" || !last.IsError {
		t.Errorf("skipped call should get a cancelled result, got %+v", last)
	}
}

func TestRunTurnWithoutLLM(t *testing.T) {
	a := newTestAgent(nil, WithConfigError(errors.Config(nil, "LLM is not set")))
	rec := &recorder{}
	turn := NewTurn("1", "hi")

	_, err := a.RunTurn(context.Background(), turn, rec.callbacks())
	if !errors.IsConfig(err) {
		t.Fatalf("err = %v, want config error", err)
	}
	if len(rec.events) != 0 {
		t.Errorf("no events expected before the config check, got %v", rec.events)
	}
	if turn.State() != TurnFailed || len(a.Session().Messages) != 0 {
		t.Errorf("state %v, history %v", turn.State(), a.Session().Messages)
	}
}

func TestRunTurnRecoversPanic(t *testing.T) {
	client := llm.NewScriptedClient(llm.Reply("", echoCall("c1", "a")))
	a := newTestAgent(client, WithTools([]tools.Tool{&echoTool{panic: true}}))
	turn := NewTurn("1", "hi")

	_, err := a.RunTurn(context.Background(), turn, ProcessCallbacks{})
	var pe *PanicError
	if !stderrors.As(err, &pe) || pe.Value != "echo exploded" {
		t.Fatalf("err = %v, want PanicError", err)
	}
	if turn.State() != TurnFailed {
		t.Errorf("state = %v", turn.State())
	}
}

func TestRunTurnProviderError(t *testing.T) {
	inner := &llm.ProviderError{Provider: "openai", Err: stderrors.New("rate limited")}
	a := newTestAgent(llm.NewScriptedClient(llm.Fail(inner)))

	_, err := a.RunTurn(context.Background(), NewTurn("1", "hi"), ProcessCallbacks{})
	var pe *llm.ProviderError
	if !stderrors.As(err, &pe) {
		t.Fatalf("err = %v, want provider error in chain", err)
	}
}

func TestSlashCommands(t *testing.T) {
	a := newTestAgent(nil, WithIdentity(Identity{Name: "kimigas", Version: "1.2.3"}))
	a.Session().AddMessage(session.Message{Role: session.RoleUser, Content: "old"})

	run := func(input string) (string, error) {
		var out string
		_, err := a.RunTurn(context.Background(), NewTurn("1", input), ProcessCallbacks{
			OnContent: func(text string) { out += text },
		})
		return out, err
	}

	out, err := run("/help")
	if err != nil || !strings.Contains(out, "/compact") {
		t.Errorf("/help = %q, %v", out, err)
	}
	out, err = run("/version")
	if err != nil || out != "kimigas 1.2.3" {
		t.Errorf("/version = %q, %v", out, err)
	}
	if _, err := run("/compact"); !errors.IsConfig(err) {
		t.Errorf("/compact without LLM err = %v", err)
	}
	if _, err := run("/clear"); err != nil {
		t.Fatalf("/clear: %v", err)
	}
	if len(a.Session().Messages) != 0 {
		t.Errorf("history not cleared: %v", a.Session().Messages)
	}
}

func TestCompactReplacesHistory(t *testing.T) {
	client := llm.NewScriptedClient(llm.Reply("we fixed the parser"))
	a := newTestAgent(client)
	sess := a.Session()
	sess.AddMessage(session.Message{Role: session.RoleSystem, Content: "sys"})
	sess.AddMessage(session.Message{Role: session.RoleUser, Content: "fix the parser"})
	sess.AddMessage(session.Message{Role: session.RoleAssistant, Content: "fixed"})

	status, err := a.RunTurn(context.Background(), NewTurn("1", "/compact keep names"), ProcessCallbacks{})
	if err != nil || status != StatusFinished {
		t.Fatalf("RunTurn = %q, %v", status, err)
	}
	msgs := sess.Messages
	if len(msgs) != 2 || msgs[0].Content != "sys" || !strings.Contains(msgs[1].Content, "we fixed the parser") {
		t.Errorf("history after compact = %+v", msgs)
	}
	sent := client.Seen[0].Messages
	if !strings.Contains(sent[len(sent)-1].Content, "keep names") {
		t.Error("compact instructions not forwarded")
	}
}

func TestNeedsModel(t *testing.T) {
	a := newTestAgent(nil)
	for input, want := range map[string]bool{
		"hello":      true,
		"/compact":   true,
		"/help":      false,
		"/clear":     false,
		"/not-a-cmd": true,
	} {
		if got := a.NeedsModel(input); got != want {
			t.Errorf("NeedsModel(%q) = %v, want %v", input, got, want)
		}
	}
}
