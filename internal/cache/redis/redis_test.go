package redis

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func pending(id string, key domain.GuardKey) domain.PendingOperation {
	return domain.PendingOperation{ID: id, Kind: domain.OpBuy, GuardKey: key, SubmittedAt: time.Now().UTC()}
}

func TestGuardLock_ExclusiveAcrossInstances(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	a := NewGuardLock(c, time.Minute, nil)
	b := NewGuardLock(c, time.Minute, nil)
	key := domain.NewGuardKey(domain.OpBuy, "7")

	ok, err := a.Acquire(ctx, pending("op-a", key))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, pending("op-b", key))
	require.NoError(t, err)
	assert.False(t, ok)

	// b does not own the key, so its Release is a no-op.
	b.Release(ctx, key)
	_, held, err := a.Pending(ctx, key)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, a.Attach(ctx, key, "0xabc"))
	op, held, err := b.Pending(ctx, key)
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, "op-a", op.ID)
	assert.Equal(t, domain.Handle("0xabc"), op.Handle)

	a.Release(ctx, key)
	_, held, err = a.Pending(ctx, key)
	require.NoError(t, err)
	assert.False(t, held)

	ok, err = b.Acquire(ctx, pending("op-b", key))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGuardLock_ExpiresAfterTTL(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	g := NewGuardLock(c, time.Second, nil)
	key := domain.NewGuardKey(domain.OpCancel, "3")

	ok, err := g.Acquire(ctx, pending("op", key))
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	ok, err = NewGuardLock(c, time.Second, nil).Acquire(ctx, pending("other", key))
	require.NoError(t, err)
	assert.True(t, ok)

	// The original owner lost the key and must not clobber the new holder.
	assert.Error(t, g.Attach(ctx, key, "0x1"))
}

func TestGuardLock_AttachUnknownKey(t *testing.T) {
	c, _ := newTestClient(t)
	err := NewGuardLock(c, 0, nil).Attach(context.Background(), "buy:1", "0x1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLockManager(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	lm := NewLockManager(c)

	unlock, err := lm.Acquire(ctx, "reconciler", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "reconciler", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	unlock2, err := lm.Acquire(ctx, "reconciler", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestListingCache(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	lc := NewListingCache(c, time.Minute)

	_, err := lc.Get(ctx, 5)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	in := domain.Listing{
		ID:      5,
		Seller:  "0x00000000000000000000000000000000000000a1",
		AssetID: big.NewInt(9),
		Price:   big.NewInt(100),
		Status:  domain.ListingStatusActive,
	}
	require.NoError(t, lc.Set(ctx, in))

	got, err := lc.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, in.Seller, got.Seller)
	assert.Equal(t, 0, in.Price.Cmp(got.Price))
	assert.Equal(t, domain.ListingStatusActive, got.Status)

	require.NoError(t, lc.Invalidate(ctx, 5))
	_, err = lc.Get(ctx, 5)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, lc.Set(ctx, in))
	mr.FastForward(2 * time.Minute)
	_, err = lc.Get(ctx, 5)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRateLimiter(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	rl := NewRateLimiter(c)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "client", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "client", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "other", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	ok, err = rl.Allow(ctx, "client", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignalBus(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sb := NewSignalBus(c)

	ch, err := sb.Subscribe(ctx, "ch:flow")
	require.NoError(t, err)
	require.NoError(t, sb.Publish(ctx, "ch:flow", []byte(`{"state":"success"}`)))

	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"state":"success"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	msgs, err := sb.StreamRead(ctx, "stream:flows", "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, sb.StreamAppend(ctx, "stream:flows", []byte("a")))
	require.NoError(t, sb.StreamAppend(ctx, "stream:flows", []byte("b")))
	msgs, err = sb.StreamRead(ctx, "stream:flows", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", string(msgs[0].Payload))

	rest, err := sb.StreamRead(ctx, "stream:flows", msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "b", string(rest[0].Payload))

	cancel()
	for range ch {
	}
}

func TestNamespace_SeparatesDeployments(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	open := func(ns string) *Client {
		c, err := New(ctx, ClientConfig{Addr: mr.Addr(), Namespace: ns})
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	a, b := open("market-a:"), open("market-b")
	key := domain.NewGuardKey(domain.OpBuy, "7")

	ok, err := NewGuardLock(a, time.Minute, nil).Acquire(ctx, pending("op-a", key))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = NewGuardLock(b, time.Minute, nil).Acquire(ctx, pending("op-b", key))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, mr.Exists("market-a:guard:"+string(key)))
	assert.True(t, mr.Exists("market-b:guard:"+string(key)))

	unlock, err := NewLockManager(a).Acquire(ctx, "reconciler", time.Minute)
	require.NoError(t, err)
	defer unlock()
	assert.True(t, mr.Exists("market-a:lock:reconciler"))
}

func TestClient_Stats(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.Ping(context.Background()))
	st, ok := c.Report().(PoolStats)
	require.True(t, ok)
	assert.GreaterOrEqual(t, st.Total, uint32(1))
}
