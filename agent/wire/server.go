package wire

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/m4xw311/kimigas/agent"
	"github.com/m4xw311/kimigas/errors"
	"github.com/m4xw311/kimigas/tools"
	"github.com/m4xw311/kimigas/transport"
)

// State is the protocol session state.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateTurnInProgress
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateTurnInProgress:
		return "turn_in_progress"
	case StateShuttingDown:
		return "shutting_down"
	}
	return "unknown"
}

// Method names.
const (
	MethodInitialize = "initialize"
	MethodPrompt     = "prompt"
	MethodCancel     = "cancel"
	MethodEvent      = "event"
	MethodRequest    = "request"
)

// ClientInfo identifies the connected client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type handlerFunc func(ctx context.Context, msg *transport.Message) (any, error)

type route struct {
	allowed []State
	handle  handlerFunc
	// async handlers write their own response.
	async bool
	// notify marks methods that may also arrive without an id.
	notify bool
}

func (r route) allows(s State) bool {
	for _, a := range r.allowed {
		if a == s {
			return true
		}
	}
	return false
}

// Server is one wire-mode session over a pair of streams.
type Server struct {
	agent    *agent.Agent
	registry *tools.ExternalRegistry
	reader   *transport.Reader
	writer   *transport.Writer
	logger   *slog.Logger
	routes   map[string]route

	mu              sync.Mutex
	state           State
	turn            *agent.Turn
	client          ClientInfo
	protocolVersion string

	turns    sync.WaitGroup
	requests atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]chan *transport.Message
	callSeq   atomic.Int64
	closed    chan struct{}
	closeOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithReservedNames replaces the names external tools may not use. The
// default is the agent's built-in tools.
func WithReservedNames(names []string) Option {
	return func(s *Server) {
		s.registry = tools.NewExternalRegistry(names, s)
	}
}

// NewServer creates a session reading requests from in and writing to
// out. Tools the client registers at handshake are handed to a.
func NewServer(a *agent.Agent, in io.Reader, out io.Writer, opts ...Option) *Server {
	s := &Server{
		agent:   a,
		reader:  transport.NewReader(in),
		writer:  transport.NewWriter(out),
		logger:  slog.New(slog.DiscardHandler),
		pending: make(map[string]chan *transport.Message),
		closed:  make(chan struct{}),
	}
	s.registry = tools.NewExternalRegistry(a.BuiltinToolNames(), s)
	for _, opt := range opts {
		opt(s)
	}
	a.SetExternalTools(s.registry)

	nonTerminal := []State{StateUninitialized, StateReady, StateTurnInProgress}
	s.routes = map[string]route{
		MethodInitialize: {allowed: []State{StateUninitialized}, handle: s.handleInitialize},
		MethodPrompt:     {allowed: []State{StateReady}, handle: s.handlePrompt, async: true},
		MethodCancel:     {allowed: nonTerminal, handle: s.handleCancel, notify: true},
	}
	return s
}

// State returns the current session state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Client returns what the client reported about itself at handshake.
func (s *Server) Client() ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Requests returns the number of requests and notifications dispatched.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// Run reads and dispatches messages until the input ends. It then shuts
// the session down, aborting any turn and waiting for its final events.
// End of input is not an error.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.shutdown()

	s.logger.Info("wire server started", "protocol_version", ProtocolVersion)
	for {
		line, err := s.reader.ReadLine()
		if err == io.EOF {
			s.logger.Info("input closed")
			return nil
		}
		if err != nil {
			s.logger.Error("read failed", "error", err)
			return errors.Wrapf(err, "wire: read error")
		}
		s.handleLine(ctx, line)
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	s.logger.Debug("received", "line", string(line))
	msg, err := transport.Decode(line)
	if err != nil {
		s.writeError(nil, parseError(err))
		return
	}
	if err := msg.Validate(); err != nil {
		s.writeError(msg.ReplyID(), invalidRequest(err))
		return
	}
	if msg.IsResponse() {
		s.resolve(msg)
		return
	}
	s.requests.Add(1)
	s.dispatch(ctx, msg)
}

func (s *Server) dispatch(ctx context.Context, msg *transport.Message) {
	notification := msg.IsNotification()
	r, ok := s.routes[msg.Method]
	if !ok {
		if notification {
			s.logger.Warn("ignoring unknown notification", "method", msg.Method)
			return
		}
		s.writeError(msg.ID, methodNotFound(msg.Method))
		return
	}
	if notification && !r.notify {
		s.logger.Warn("ignoring notification for request-only method", "method", msg.Method)
		return
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if !r.allows(state) {
		err := stateError(msg.Method, state)
		s.logger.Info("refused", "method", msg.Method, "state", state.String(), "error", err)
		if !notification {
			s.writeError(msg.ID, err)
		}
		return
	}

	result, err := s.call(ctx, r, msg)
	if notification || (r.async && err == nil) {
		if err != nil {
			s.logger.Info("notification failed", "method", msg.Method, "error", err)
		}
		return
	}
	if err != nil {
		s.writeError(msg.ID, toProtocolError(err))
		return
	}
	s.writeResult(msg.ID, result)
}

// call runs a handler, turning a panic into an internal error.
func (s *Server) call(ctx context.Context, r route, msg *transport.Message) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("handler panicked", "method", msg.Method, "panic", p)
			result, err = nil, &agent.PanicError{Value: p}
		}
	}()
	return r.handle(ctx, msg)
}

func stateError(method string, state State) *ProtocolError {
	switch {
	case state == StateShuttingDown:
		return ErrShuttingDown
	case method == MethodInitialize:
		return ErrAlreadyInitialized
	case state == StateUninitialized:
		return ErrNotInitialized
	case state == StateTurnInProgress:
		return ErrTurnInProgress
	}
	return &ProtocolError{Code: CodeInvalidState, Message: method + " not allowed in state " + state.String()}
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.state = StateShuttingDown
	turn := s.turn
	s.mu.Unlock()

	if turn != nil {
		s.logger.Info("aborting turn on shutdown", "turn", turn.ID)
		turn.Cancel()
	}
	s.closeOnce.Do(func() { close(s.closed) })
	s.turns.Wait()
	s.logger.Info("wire server stopped", "requests", s.requests.Load())
}

func (s *Server) writeResult(id json.RawMessage, result any) {
	s.write(transport.NewResult(id, result))
}

func (s *Server) writeError(id json.RawMessage, err *ProtocolError) {
	s.write(transport.NewError(id, err.envelope()))
}

func (s *Server) write(v any) {
	if err := s.writer.WriteJSON(v); err != nil {
		s.logger.Error("write failed", "error", err)
	}
}
