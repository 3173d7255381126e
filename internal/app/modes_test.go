package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dushaobindoudou/bubble-sub000/internal/config"
	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	f.held[key] = true
	return func() {
		f.mu.Lock()
		delete(f.held, key)
		f.mu.Unlock()
	}, nil
}

func testApp() *App {
	cfg := config.Defaults()
	return New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEvery_RunsImmediatelyAndOnTicks(t *testing.T) {
	a := testApp()
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32

	done := make(chan error, 1)
	go func() {
		done <- a.every(ctx, &Dependencies{}, "test", 10*time.Millisecond, func(context.Context) {
			runs.Add(1)
		})
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestEvery_SkipsWhileLockHeldElsewhere(t *testing.T) {
	a := testApp()
	locks := &fakeLocks{held: map[string]bool{"loop:archive": true}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var runs atomic.Int32
	err := a.every(ctx, &Dependencies{LockManager: locks}, "archive", 5*time.Millisecond, func(context.Context) {
		runs.Add(1)
	})
	require.NoError(t, err)
	assert.Zero(t, runs.Load())

	locks.held = map[string]bool{}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel2()
	require.NoError(t, a.every(ctx2, &Dependencies{LockManager: locks}, "archive", 5*time.Millisecond, func(context.Context) {
		runs.Add(1)
	}))
	assert.Positive(t, runs.Load())
	assert.Empty(t, locks.held)
}
