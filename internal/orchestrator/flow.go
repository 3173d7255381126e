package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

// transitionBuffer holds every transition a flow can emit, so a flow never
// blocks on a caller that is not reading.
const transitionBuffer = 8

// Flow is a handle on one running operation.
type Flow struct {
	ID   string
	Kind domain.OperationKind
	Key  domain.GuardKey

	transitions chan domain.Transition
	done        chan struct{}
	aborted     atomic.Bool

	mu     sync.Mutex
	result domain.OperationResult
	err    error
}

func newFlow(id string, kind domain.OperationKind, key domain.GuardKey) *Flow {
	return &Flow{
		ID:          id,
		Kind:        kind,
		Key:         key,
		transitions: make(chan domain.Transition, transitionBuffer),
		done:        make(chan struct{}),
	}
}

// Transitions streams the flow's states in order. The channel is closed
// after the terminal state.
func (f *Flow) Transitions() <-chan domain.Transition { return f.transitions }

// Done is closed once the flow has finished, including its post-terminal
// refresh of dependent views.
func (f *Flow) Done() <-chan struct{} { return f.done }

// Result returns the terminal result. It is only meaningful after Done.
func (f *Flow) Result() (domain.OperationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

// Wait blocks until the flow finishes or ctx is done. Giving up on the wait
// does not stop the flow.
func (f *Flow) Wait(ctx context.Context) (domain.OperationResult, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return domain.OperationResult{}, ctx.Err()
	}
}

// Abort stops the flow before its next submission. Calls already submitted
// are not withdrawn.
func (f *Flow) Abort() { f.aborted.Store(true) }

func (f *Flow) setResult(res domain.OperationResult, err error) {
	f.mu.Lock()
	f.result, f.err = res, err
	f.mu.Unlock()
}
