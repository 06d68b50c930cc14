package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/m4xw311/kimigas/commands"
	"github.com/m4xw311/kimigas/config"
	"github.com/m4xw311/kimigas/errors"
	"github.com/m4xw311/kimigas/llm"
	"github.com/m4xw311/kimigas/session"
	"github.com/m4xw311/kimigas/tools"
)

// Status is how a turn that did not fail came to an end.
type Status string

const (
	StatusFinished        Status = "finished"
	StatusCancelled       Status = "cancelled"
	StatusMaxStepsReached Status = "max_steps_reached"
)

// DefaultServerName identifies the agent when no name is configured.
const DefaultServerName = "Kimi Code CLI"

// Identity names the running agent.
type Identity struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PanicError is returned by RunTurn when the agent core panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("agent panic: %v", e.Value)
}

// ProcessCallbacks receive the events of a turn as they happen. Any of
// them may be nil.
type ProcessCallbacks struct {
	OnTurnBegin func(turn *Turn)
	OnStepBegin func(step int)
	OnContent   func(text string)
	// OnAssistantMessage sees each complete model reply, tool calls
	// included, before any of its tools run.
	OnAssistantMessage func(msg session.Message)
	OnToolCall         func(call session.ToolCall)
	OnToolResult       func(call session.ToolCall, result string, isError bool)
	OnWarning          func(warning string)
}

// Agent runs turns against one conversation history. Turns are
// serialized; the protocol layers additionally refuse overlapping turns.
type Agent struct {
	cfg       *config.Config
	session   *session.Session
	client    llm.LLMClient
	clientErr error
	builtins  []tools.Tool
	external  *tools.ExternalRegistry
	commands  *commands.Catalog
	identity  Identity
	maxSteps  int
	logger    *slog.Logger

	mu sync.Mutex
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithTools sets the built-in tools offered to the model.
func WithTools(ts []tools.Tool) Option {
	return func(a *Agent) { a.builtins = ts }
}

// WithCommands replaces the built-in slash command catalog.
func WithCommands(c *commands.Catalog) Option {
	return func(a *Agent) { a.commands = c }
}

// WithIdentity sets the name and version reported by /version.
func WithIdentity(id Identity) Option {
	return func(a *Agent) { a.identity = id }
}

// WithConfigError records why no LLM client could be built. RunTurn
// reports it for every turn that needs the model.
func WithConfigError(err error) Option {
	return func(a *Agent) { a.clientErr = err }
}

// New creates an agent. client may be nil, in which case turns that need
// the model fail with a configuration error.
func New(cfg *config.Config, sess *session.Session, client llm.LLMClient, opts ...Option) *Agent {
	a := &Agent{
		cfg:      cfg,
		session:  sess,
		client:   client,
		commands: commands.Builtin(),
		identity: Identity{Name: DefaultServerName},
		maxSteps: cfg.MaxStepsPerTurn,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.maxSteps <= 0 {
		a.maxSteps = config.DefaultMaxStepsPerTurn
	}
	if cfg.ServerName != "" {
		a.identity.Name = cfg.ServerName
	}
	return a
}

// Identity returns the agent's name and version.
func (a *Agent) Identity() Identity { return a.identity }

// Commands returns the slash command catalog.
func (a *Agent) Commands() *commands.Catalog { return a.commands }

// Session returns the conversation history.
func (a *Agent) Session() *session.Session { return a.session }

// BuiltinToolNames lists the names external tools may not take.
func (a *Agent) BuiltinToolNames() []string {
	names := make([]string, 0, len(a.builtins))
	for _, t := range a.builtins {
		names = append(names, t.Name())
	}
	return names
}

// CheckConfig returns the configuration error that prevents the agent
// from talking to a model, or nil.
func (a *Agent) CheckConfig() error {
	if a.client != nil {
		return nil
	}
	if a.clientErr != nil {
		return a.clientErr
	}
	return errors.Config(nil, "LLM is not set")
}

// SetExternalTools offers the tools accepted by reg to the model from
// the next turn on.
func (a *Agent) SetExternalTools(reg *tools.ExternalRegistry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.external = reg
}

// NeedsModel reports whether running input requires an LLM client. Slash
// commands other than compact are served locally.
func (a *Agent) NeedsModel(input string) bool {
	cmd, _, ok := a.commands.Match(input)
	return !ok || cmd.Name == commands.Compact
}

// AvailableTools returns built-in tools followed by accepted external tools.
func (a *Agent) AvailableTools() []tools.Tool {
	out := append([]tools.Tool{}, a.builtins...)
	if a.external != nil {
		out = append(out, a.external.Tools()...)
	}
	return out
}

// RunTurn drives one turn to a terminal state. A nil error comes with
// the status the turn ended in; a non-nil error means the turn failed.
func (a *Agent) RunTurn(ctx context.Context, turn *Turn, cb ProcessCallbacks) (status Status, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("turn panicked", "turn", turn.ID, "panic", r)
			status, err = "", &PanicError{Value: r, Stack: debug.Stack()}
		}
		switch {
		case err != nil:
			turn.finish(TurnFailed)
		case status == StatusCancelled:
			turn.finish(TurnCancelled)
		default:
			turn.finish(TurnFinished)
		}
		a.logger.Info("turn ended", "turn", turn.ID, "state", turn.State().String(), "error", err)
	}()

	ctx = turn.start(ctx)
	if a.NeedsModel(turn.Input) {
		if err := a.CheckConfig(); err != nil {
			return "", err
		}
	}
	a.logger.Info("turn started", "turn", turn.ID, "request", turn.RequestID)
	if cb.OnTurnBegin != nil {
		cb.OnTurnBegin(turn)
	}

	if cmd, args, ok := a.commands.Match(turn.Input); ok {
		return a.runCommand(ctx, turn, cmd, args, cb)
	}
	if turn.Cancelled() {
		return StatusCancelled, nil
	}

	a.session.AddMessage(session.Message{Role: session.RoleUser, Content: turn.Input})
	defer a.save(cb)

	return a.loop(ctx, turn, cb)
}

func (a *Agent) loop(ctx context.Context, turn *Turn, cb ProcessCallbacks) (Status, error) {
	available := a.AvailableTools()
	for step := 1; ; step++ {
		if step > a.maxSteps {
			a.warn(cb, fmt.Sprintf("stopped after %d steps", a.maxSteps))
			return StatusMaxStepsReached, nil
		}
		if turn.Cancelled() {
			return StatusCancelled, nil
		}
		if cb.OnStepBegin != nil {
			cb.OnStepBegin(step)
		}

		reply, err := a.client.Chat(ctx, a.session.Messages, available)
		if turn.Cancelled() {
			return StatusCancelled, nil
		}
		if err != nil {
			return "", errors.Wrapf(err, "LLM chat failed")
		}
		if reply == nil {
			return "", errors.New("LLM returned no message")
		}

		reply.Role = session.RoleAssistant
		a.session.AddMessage(*reply)
		if reply.Content != "" {
			turn.appendOutput(reply.Content)
			if cb.OnContent != nil {
				cb.OnContent(reply.Content)
			}
		}
		if cb.OnAssistantMessage != nil {
			cb.OnAssistantMessage(*reply)
		}
		if len(reply.ToolCalls) == 0 {
			return StatusFinished, nil
		}

		for i, call := range reply.ToolCalls {
			if turn.Cancelled() {
				// Every call needs an answer or the history is unusable.
				for _, skipped := range reply.ToolCalls[i:] {
					a.addToolResult(skipped, "tool call cancelled", true)
				}
				return StatusCancelled, nil
			}
			if cb.OnToolCall != nil {
				cb.OnToolCall(call)
			}
			result, isError := a.executeTool(ctx, call, available)
			a.addToolResult(call, result, isError)
			if cb.OnToolResult != nil {
				cb.OnToolResult(call, result, isError)
			}
		}
		a.save(cb)
	}
}

func (a *Agent) executeTool(ctx context.Context, call session.ToolCall, available []tools.Tool) (string, bool) {
	var target tools.Tool
	for _, t := range available {
		if t.Name() == call.Name {
			target = t
			break
		}
	}
	if target == nil {
		return fmt.Sprintf("tool '%s' not found in the available toolset", call.Name), true
	}

	a.logger.Debug("executing tool", "tool", call.Name, "call", call.ToolCallID)
	result, err := target.Execute(tools.WithCallID(ctx, call.ToolCallID), call.Args)
	if err != nil {
		a.logger.Debug("tool failed", "tool", call.Name, "error", err)
		return fmt.Sprintf("Error executing tool %s: %v", call.Name, err), true
	}
	return result, false
}

func (a *Agent) addToolResult(call session.ToolCall, content string, isError bool) {
	a.session.AddMessage(session.Message{
		Role:      session.RoleTool,
		Content:   content,
		ToolCalls: []session.ToolCall{{ToolCallID: call.ToolCallID, Name: call.Name}},
		IsError:   isError,
	})
}

func (a *Agent) save(cb ProcessCallbacks) {
	if err := a.session.Save(); err != nil {
		a.warn(cb, fmt.Sprintf("failed to save session: %v", err))
	}
}

func (a *Agent) warn(cb ProcessCallbacks, msg string) {
	a.logger.Warn(msg)
	if cb.OnWarning != nil {
		cb.OnWarning(msg)
	}
}
