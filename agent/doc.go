// Package agent runs conversation turns against an LLM client.
//
// A Turn is one prompt-to-response cycle. Agent.RunTurn drives it through
// steps: the model is called with the history and the available tools,
// its text is reported, each requested tool call is executed and its
// result appended to the history, and the loop repeats until the model
// stops asking for tools or the configured step limit is hit.
//
// Cancellation is cooperative. Turn.Cancel sets an atomic flag and
// cancels the turn's context; the engine checks the flag before every
// model call, before every tool call and before reporting text, and then
// ends the turn with StatusCancelled. A turn always ends in exactly one
// terminal state, which Turn.Done signals.
//
// The protocol front ends (agent/wire, agent/print) translate the
// ProcessCallbacks into their own events:
//
//	status, err := a.RunTurn(ctx, agent.NewTurn(reqID, input), agent.ProcessCallbacks{
//	    OnContent: func(text string) { ... },
//	    OnToolCall: func(call session.ToolCall) { ... },
//	    OnToolResult: func(call session.ToolCall, result string, isError bool) { ... },
//	})
//
// Inputs that name a slash command ("/help", "/clear", "/compact",
// "/version") are handled by the agent itself. Only /compact needs a
// model; the others work without any LLM configured.
package agent
