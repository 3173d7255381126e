package guard

import (
	"context"
	"fmt"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

var _ domain.OperationGuard = (*Chain)(nil)

// Chain layers a shared (cross-process) guard behind the local Registry.
// A key is acquired only when every layer grants it; a layer that refuses
// rolls back the layers already taken.
type Chain struct {
	layers []domain.OperationGuard
}

// NewChain creates a Chain. Layers are consulted in order.
func NewChain(layers ...domain.OperationGuard) *Chain {
	return &Chain{layers: layers}
}

func (c *Chain) Acquire(ctx context.Context, op domain.PendingOperation) (bool, error) {
	for i, g := range c.layers {
		ok, err := g.Acquire(ctx, op)
		if err != nil || !ok {
			for j := i - 1; j >= 0; j-- {
				c.layers[j].Release(ctx, op.GuardKey)
			}
			if err != nil {
				return false, fmt.Errorf("guard: acquire %s: %w", op.GuardKey, err)
			}
			return false, nil
		}
	}
	return true, nil
}

func (c *Chain) Attach(ctx context.Context, key domain.GuardKey, h domain.Handle) error {
	var first error
	for _, g := range c.layers {
		if err := g.Attach(ctx, key, h); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Chain) Pending(ctx context.Context, key domain.GuardKey) (domain.PendingOperation, bool, error) {
	for _, g := range c.layers {
		op, ok, err := g.Pending(ctx, key)
		if err != nil {
			return domain.PendingOperation{}, false, err
		}
		if ok {
			return op, true, nil
		}
	}
	return domain.PendingOperation{}, false, nil
}

func (c *Chain) Release(ctx context.Context, key domain.GuardKey) {
	for i := len(c.layers) - 1; i >= 0; i-- {
		c.layers[i].Release(ctx, key)
	}
}
