// Package wire serves a conversation over line-delimited JSON-RPC 2.0 on
// a pair of streams, normally stdin and stdout.
//
// A session moves through Uninitialized, Ready and TurnInProgress and
// ends in ShuttingDown when its input closes. Requests are dispatched
// through a table keyed by method that lists the states each method is
// valid in:
//
//	initialize  Uninitialized             handshake, external tool registration
//	prompt      Ready                     starts a turn, answered when it ends
//	cancel      any non-terminal state    cancels the active turn
//
// While a turn runs the server sends "event" notifications (TurnBegin,
// StepBegin, ContentPart, ToolCall, ToolResult, TurnEnd) and, when the
// model calls a tool the client registered, a "request" of type
// ToolCallRequest that the client answers like any JSON-RPC request.
//
// The read loop never waits for a turn, so cancel is observed while the
// turn goroutine is busy. Every turn produces exactly one TurnEnd event
// followed by the response to its prompt.
package wire
