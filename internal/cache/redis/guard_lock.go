package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

var _ domain.OperationGuard = (*GuardLock)(nil)

// DefaultGuardTTL bounds how long a crashed process can hold a guard key.
const DefaultGuardTTL = 10 * time.Minute

// Each guard is a hash {owner, op} under "guard:<key>". owner is the
// pending operation id; only the owner may attach a handle or release.
const (
	guardAcquireLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'op', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`
	guardAttachLua = `
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
    redis.call('HSET', KEYS[1], 'op', ARGV[2])
    return 1
end
return 0
`
	guardReleaseLua = `
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
)

// GuardLock is an OperationGuard shared by every process pointing at the
// same Redis. It remembers which keys this process owns so Attach and
// Release never touch another process's operation.
type GuardLock struct {
	rdb     *redis.Client
	ks      keyspace
	ttl     time.Duration
	acquire *redis.Script
	attach  *redis.Script
	release *redis.Script
	logger  *slog.Logger

	mu    sync.Mutex
	owned map[domain.GuardKey]domain.PendingOperation
}

// NewGuardLock creates a GuardLock. ttl <= 0 selects DefaultGuardTTL.
func NewGuardLock(c *Client, ttl time.Duration, logger *slog.Logger) *GuardLock {
	if ttl <= 0 {
		ttl = DefaultGuardTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GuardLock{
		rdb:     c.rdb,
		ks:      c.ks,
		ttl:     ttl,
		acquire: redis.NewScript(guardAcquireLua),
		attach:  redis.NewScript(guardAttachLua),
		release: redis.NewScript(guardReleaseLua),
		logger:  logger.With(slog.String("component", "guard_lock")),
		owned:   make(map[domain.GuardKey]domain.PendingOperation),
	}
}

func (g *GuardLock) guardKey(k domain.GuardKey) string { return g.ks.key("guard", string(k)) }

func (g *GuardLock) Acquire(ctx context.Context, op domain.PendingOperation) (bool, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return false, fmt.Errorf("redis: marshal pending %s: %w", op.GuardKey, err)
	}
	n, err := g.acquire.Run(ctx, g.rdb, []string{g.guardKey(op.GuardKey)}, op.ID, data, g.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis: acquire guard %s: %w", op.GuardKey, err)
	}
	if n == 0 {
		return false, nil
	}
	g.mu.Lock()
	g.owned[op.GuardKey] = op
	g.mu.Unlock()
	return true, nil
}

func (g *GuardLock) Attach(ctx context.Context, key domain.GuardKey, h domain.Handle) error {
	g.mu.Lock()
	op, ok := g.owned[key]
	if ok {
		op.Handle = h
		g.owned[key] = op
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("redis: attach %s: %w", key, domain.ErrNotFound)
	}

	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("redis: marshal pending %s: %w", key, err)
	}
	n, err := g.attach.Run(ctx, g.rdb, []string{g.guardKey(key)}, op.ID, data).Int()
	if err != nil {
		return fmt.Errorf("redis: attach %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("redis: attach %s: guard expired or taken over", key)
	}
	return nil
}

// Pending reads the guard as stored in Redis, whoever owns it.
func (g *GuardLock) Pending(ctx context.Context, key domain.GuardKey) (domain.PendingOperation, bool, error) {
	data, err := g.rdb.HGet(ctx, g.guardKey(key), "op").Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.PendingOperation{}, false, nil
	}
	if err != nil {
		return domain.PendingOperation{}, false, fmt.Errorf("redis: pending %s: %w", key, err)
	}
	var op domain.PendingOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return domain.PendingOperation{}, false, fmt.Errorf("redis: unmarshal pending %s: %w", key, err)
	}
	return op, true, nil
}

// Release drops the key if this process owns it. Failures are logged; the
// TTL clears the key eventually.
func (g *GuardLock) Release(ctx context.Context, key domain.GuardKey) {
	g.mu.Lock()
	op, ok := g.owned[key]
	delete(g.owned, key)
	g.mu.Unlock()
	if !ok {
		return
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := g.release.Run(rctx, g.rdb, []string{g.guardKey(key)}, op.ID).Err(); err != nil {
		g.logger.Warn("guard release failed",
			slog.String("guard_key", string(key)),
			slog.String("error", err.Error()),
		)
	}
}
