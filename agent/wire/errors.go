package wire

import (
	"fmt"

	"github.com/m4xw311/kimigas/agent"
	"github.com/m4xw311/kimigas/errors"
	"github.com/m4xw311/kimigas/llm"
	"github.com/m4xw311/kimigas/tools"
	"github.com/m4xw311/kimigas/transport"
)

// Application error codes, outside the range JSON-RPC reserves for itself.
const (
	CodeInvalidState   = -32000
	CodeLLMNotSet      = -32001
	CodeRegistrySealed = -32002
	CodeProviderError  = -32003
)

// ProtocolError is an error that maps directly onto a JSON-RPC error
// object.
type ProtocolError struct {
	Code    int
	Message string
	Data    any
}

func (e *ProtocolError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("%s (code %d): %v", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

func (e *ProtocolError) envelope() *transport.Error {
	return &transport.Error{Code: e.Code, Message: e.Message, Data: e.Data}
}

var (
	ErrNotInitialized     = &ProtocolError{Code: CodeInvalidState, Message: "session not initialized"}
	ErrAlreadyInitialized = &ProtocolError{Code: CodeInvalidState, Message: "already initialized"}
	ErrTurnInProgress     = &ProtocolError{Code: CodeInvalidState, Message: "turn already in progress"}
	ErrNoTurn             = &ProtocolError{Code: CodeInvalidState, Message: "no turn in progress"}
	ErrShuttingDown       = &ProtocolError{Code: CodeInvalidState, Message: "session shutting down"}
)

func parseError(err error) *ProtocolError {
	return &ProtocolError{Code: transport.CodeParseError, Message: "parse error", Data: err.Error()}
}

func invalidRequest(err error) *ProtocolError {
	return &ProtocolError{Code: transport.CodeInvalidRequest, Message: "invalid request", Data: err.Error()}
}

func methodNotFound(method string) *ProtocolError {
	return &ProtocolError{Code: transport.CodeMethodNotFound, Message: "method not found", Data: method}
}

func invalidParams(format string, a ...any) *ProtocolError {
	return &ProtocolError{Code: transport.CodeInvalidParams, Message: "invalid params", Data: fmt.Sprintf(format, a...)}
}

// toProtocolError maps any failure onto exactly one protocol error.
func toProtocolError(err error) *ProtocolError {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe
	}
	var ce *errors.ConfigError
	if errors.As(err, &ce) {
		return &ProtocolError{Code: CodeLLMNotSet, Message: "LLM not set", Data: ce.Error()}
	}
	if errors.Is(err, tools.ErrRegistrySealed) {
		return &ProtocolError{Code: CodeRegistrySealed, Message: "external tool registry is sealed"}
	}
	var provider *llm.ProviderError
	if errors.As(err, &provider) {
		return &ProtocolError{Code: CodeProviderError, Message: "LLM provider error", Data: provider.Error()}
	}
	var panicErr *agent.PanicError
	if errors.As(err, &panicErr) {
		return &ProtocolError{Code: transport.CodeInternalError, Message: "internal error", Data: panicErr.Error()}
	}
	return &ProtocolError{Code: transport.CodeInternalError, Message: "internal error", Data: err.Error()}
}
