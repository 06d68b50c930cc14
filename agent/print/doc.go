// Package print implements the one-shot, non-interactive mode of the agent.
//
// Input is either a single text prompt or a stream of role-tagged JSON
// lines; every user line becomes one turn. Output mirrors the history the
// turns produce, one JSON object per line:
//
//	{"role":"assistant","content":"...","tool_calls":[...]}
//	{"role":"tool","tool_call_id":"...","content":"..."}
//
// Failures are written as assistant messages with "is_error": true. The
// text output format prints assistant content only.
package print
