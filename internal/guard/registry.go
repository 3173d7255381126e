// Package guard holds the in-process OperationGuard: one PendingOperation per
// guard key, alive only while its flow runs.
package guard

import (
	"context"
	"sort"
	"sync"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

var _ domain.OperationGuard = (*Registry)(nil)

// Registry is a mutex-guarded map of in-flight operations.
type Registry struct {
	mu      sync.Mutex
	pending map[domain.GuardKey]domain.PendingOperation
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[domain.GuardKey]domain.PendingOperation)}
}

// Acquire marks op.GuardKey busy iff no operation holds it.
func (r *Registry) Acquire(_ context.Context, op domain.PendingOperation) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.pending[op.GuardKey]; held {
		return false, nil
	}
	r.pending[op.GuardKey] = op
	return true, nil
}

// Attach records the ledger handle on the pending operation.
func (r *Registry) Attach(_ context.Context, key domain.GuardKey, h domain.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.pending[key]
	if !ok {
		return domain.ErrNotFound
	}
	op.Handle = h
	r.pending[key] = op
	return nil
}

// Pending returns the operation holding key.
func (r *Registry) Pending(_ context.Context, key domain.GuardKey) (domain.PendingOperation, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.pending[key]
	return op, ok, nil
}

// Release clears key unconditionally.
func (r *Registry) Release(_ context.Context, key domain.GuardKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, key)
}

// Snapshot lists every in-flight operation, oldest first.
func (r *Registry) Snapshot() []domain.PendingOperation {
	r.mu.Lock()
	out := make([]domain.PendingOperation, 0, len(r.pending))
	for _, op := range r.pending {
		out = append(out, op)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Len is the number of in-flight operations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
