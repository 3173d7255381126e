package domain

import (
	"context"
	"time"
)

// OperationGuard prevents duplicate submission of the same logical operation.
// Acquire returns false when another PendingOperation holds the key. Release
// clears the key whatever the flow's outcome.
type OperationGuard interface {
	Acquire(ctx context.Context, op PendingOperation) (bool, error)
	Attach(ctx context.Context, key GuardKey, h Handle) error
	Pending(ctx context.Context, key GuardKey) (PendingOperation, bool, error)
	Release(ctx context.Context, key GuardKey)
}

// ListingCache is a second-level store for listing projections shared
// between processes.
type ListingCache interface {
	Set(ctx context.Context, l Listing) error
	Get(ctx context.Context, id uint64) (Listing, error)
	Invalidate(ctx context.Context, id uint64) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
