package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

var _ domain.LockManager = (*LockManager)(nil)

// unlockLua deletes KEYS[1] only while it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager with SET NX PX and a
// token-checked unlock. The app uses it so only one replica runs the
// reconciler and archiver loops at a time.
type LockManager struct {
	rdb    *redis.Client
	ks     keyspace
	unlock *redis.Script
}

// NewLockManager creates a LockManager backed by c.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{rdb: c.rdb, ks: c.ks, unlock: redis.NewScript(unlockLua)}
}

// Acquire takes "lock:<key>" for ttl. It returns domain.ErrLockHeld when
// another holder owns it. The returned unlock func is idempotent.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lm.ks.key("lock", key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlock.Run(uctx, lm.rdb, []string{lk}, token).Err()
		})
	}, nil
}
