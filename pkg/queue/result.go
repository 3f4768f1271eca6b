package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lwm2m-go/lwm2m-server/pkg/registration"
	"github.com/lwm2m-go/lwm2m-server/pkg/transport"
)

// Queue errors.
var (
	// ErrTimeout is returned when no response arrived before the deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrSuperseded is returned when a newer request for the same client
	// replaced this one while it was buffered.
	ErrSuperseded = errors.New("request superseded by a newer request")

	// ErrRegistrationGone is returned when the destination registration was
	// removed before the request could be delivered.
	ErrRegistrationGone = fmt.Errorf("destination %w", registration.ErrNotFound)

	// ErrCancelled is returned when the caller cancelled the request.
	ErrCancelled = errors.New("request cancelled")
)

// State is the outcome of a request.
type State uint8

const (
	StatePending State = iota
	StateSucceeded
	StatePeerUnreachable
	StateTimedOut
	StateSuperseded
	StateNotFound
	StateCancelled
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StatePeerUnreachable:
		return "PEER_UNREACHABLE"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateSuperseded:
		return "SUPERSEDED"
	case StateNotFound:
		return "NOT_FOUND"
	case StateCancelled:
		return "CANCELLED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s is a final outcome.
func (s State) IsTerminal() bool { return s != StatePending }

// stateForError maps a delivery error to its terminal state.
func stateForError(err error) State {
	switch {
	case errors.Is(err, transport.ErrPeerUnreachable), errors.Is(err, transport.ErrPeerSleeping):
		return StatePeerUnreachable
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return StateTimedOut
	case errors.Is(err, ErrSuperseded):
		return StateSuperseded
	case errors.Is(err, registration.ErrNotFound):
		return StateNotFound
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return StateCancelled
	default:
		return StateFailed
	}
}

// PendingResult is the handle returned by Manager.Send. It reaches exactly
// one terminal state; later completions are ignored.
type PendingResult struct {
	done chan struct{}

	mu       sync.Mutex
	state    State
	response transport.Response
	err      error
	onCancel []func()
}

func newPendingResult() *PendingResult {
	return &PendingResult{done: make(chan struct{})}
}

// Done is closed when the result reaches a terminal state.
func (p *PendingResult) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the result is terminal or ctx is done.
// A ctx error leaves the request running; use Cancel to abandon it.
func (p *PendingResult) Wait(ctx context.Context) (transport.Response, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		return transport.Response{}, ctx.Err()
	}
}

// Result returns the outcome so far. Before completion the error is nil and
// State is StatePending.
func (p *PendingResult) Result() (transport.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.response, p.err
}

// State returns the current state.
func (p *PendingResult) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the terminal error, or nil.
func (p *PendingResult) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Cancel abandons the request. It has no effect once the result is terminal.
func (p *PendingResult) Cancel() bool {
	if !p.fail(ErrCancelled) {
		return false
	}
	p.mu.Lock()
	hooks := p.onCancel
	p.onCancel = nil
	p.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return true
}

// addCancelHook registers fn to run on Cancel. Returns false if the result
// is already terminal, in which case fn is not registered.
func (p *PendingResult) addCancelHook(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.IsTerminal() {
		return false
	}
	p.onCancel = append(p.onCancel, fn)
	return true
}

func (p *PendingResult) succeed(resp transport.Response) bool {
	return p.complete(StateSucceeded, resp, nil)
}

func (p *PendingResult) fail(err error) bool {
	return p.complete(stateForError(err), transport.Response{}, err)
}

func (p *PendingResult) complete(state State, resp transport.Response, err error) bool {
	p.mu.Lock()
	if p.state.IsTerminal() {
		p.mu.Unlock()
		return false
	}
	p.state = state
	p.response = resp
	p.err = err
	if state != StateCancelled {
		p.onCancel = nil
	}
	p.mu.Unlock()

	close(p.done)
	return true
}
