package agent

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// TurnState is the lifecycle position of a Turn.
type TurnState int32

const (
	TurnPending TurnState = iota
	TurnRunning
	TurnFinished
	TurnCancelled
	TurnFailed
)

func (s TurnState) String() string {
	switch s {
	case TurnPending:
		return "pending"
	case TurnRunning:
		return "running"
	case TurnFinished:
		return "finished"
	case TurnCancelled:
		return "cancelled"
	case TurnFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s TurnState) Terminal() bool {
	return s == TurnFinished || s == TurnCancelled || s == TurnFailed
}

// Turn is one prompt-to-response cycle. Cancel may be called from any
// goroutine; the engine observes it at its checkpoints.
type Turn struct {
	ID        string
	RequestID string
	Input     string

	state     atomic.Int32
	cancelled atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	output strings.Builder
	done   chan struct{}
}

// NewTurn creates a pending turn with a time-ordered id.
func NewTurn(requestID, input string) *Turn {
	return &Turn{
		ID:        uuid.Must(uuid.NewV7()).String(),
		RequestID: requestID,
		Input:     input,
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (t *Turn) State() TurnState {
	return TurnState(t.state.Load())
}

// Cancelled reports whether Cancel has been called.
func (t *Turn) Cancelled() bool {
	return t.cancelled.Load()
}

// Cancel requests cancellation. It returns false if the turn was already
// cancelled or has ended; calling it more than once is harmless.
func (t *Turn) Cancel() bool {
	if t.State().Terminal() {
		return false
	}
	if !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// Output returns the assistant text streamed so far.
func (t *Turn) Output() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output.String()
}

// Done is closed once the turn reaches a terminal state.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// start moves the turn to running and binds its context. A turn that was
// cancelled before it started gets an already-cancelled context.
func (t *Turn) start(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	t.state.Store(int32(TurnRunning))
	if t.cancelled.Load() {
		cancel()
	}
	return ctx
}

func (t *Turn) appendOutput(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.output.WriteString(text)
}

// finish records the terminal state exactly once.
func (t *Turn) finish(state TurnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if TurnState(t.state.Load()).Terminal() {
		return
	}
	t.state.Store(int32(state))
	if t.cancel != nil {
		t.cancel()
	}
	close(t.done)
}
