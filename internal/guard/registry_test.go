package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

func pending(key string) domain.PendingOperation {
	return domain.PendingOperation{ID: "op-" + key, GuardKey: domain.GuardKey(key), SubmittedAt: time.Now()}
}

func TestRegistry_AcquireIsExclusive(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	ok, err := r.Acquire(ctx, pending("buy:7"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Acquire(ctx, pending("buy:7"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = r.Acquire(ctx, pending("buy:8"))
	assert.True(t, ok)

	r.Release(ctx, "buy:7")
	ok, _ = r.Acquire(ctx, pending("buy:7"))
	assert.True(t, ok)
}

func TestRegistry_ConcurrentAcquireHasOneWinner(t *testing.T) {
	r := NewRegistry()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := r.Acquire(context.Background(), pending("buy:7")); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRegistry_AttachAndPending(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	assert.ErrorIs(t, r.Attach(ctx, "cancel:1", "0xabc"), domain.ErrNotFound)

	_, _ = r.Acquire(ctx, pending("cancel:1"))
	require.NoError(t, r.Attach(ctx, "cancel:1", "0xabc"))

	op, ok, err := r.Pending(ctx, "cancel:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.Handle("0xabc"), op.Handle)
	assert.Len(t, r.Snapshot(), 1)

	r.Release(ctx, "cancel:1")
	r.Release(ctx, "cancel:1")
	assert.Zero(t, r.Len())
}

type refusingGuard struct {
	*Registry
	err error
}

func (g refusingGuard) Acquire(context.Context, domain.PendingOperation) (bool, error) {
	return false, g.err
}

func TestChain_RollsBackEarlierLayers(t *testing.T) {
	local := NewRegistry()
	ctx := context.Background()

	c := NewChain(local, refusingGuard{Registry: NewRegistry()})
	ok, err := c.Acquire(ctx, pending("list:a:1"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, local.Len())

	boom := errors.New("redis down")
	c = NewChain(local, refusingGuard{Registry: NewRegistry(), err: boom})
	_, err = c.Acquire(ctx, pending("list:a:1"))
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, local.Len())
}

func TestChain_AcquireAndRelease(t *testing.T) {
	a, b := NewRegistry(), NewRegistry()
	c := NewChain(a, b)
	ctx := context.Background()

	ok, err := c.Acquire(ctx, pending("grant_role:x:y"))
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, c.Attach(ctx, "grant_role:x:y", "0x1"))

	op, ok, err := c.Pending(ctx, "grant_role:x:y")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.Handle("0x1"), op.Handle)

	c.Release(ctx, "grant_role:x:y")
	assert.Zero(t, a.Len())
	assert.Zero(t, b.Len())
}
