package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dushaobindoudou/bubble-sub000/internal/domain"
)

var _ domain.ListingCache = (*ListingCache)(nil)

// ListingCache stores listing projections as JSON under "listing:<id>" so
// replicas share reads between flow boundaries. It is never the source of
// truth for validation.
type ListingCache struct {
	rdb *redis.Client
	ks  keyspace
	ttl time.Duration
}

// NewListingCache creates a ListingCache whose entries expire after ttl.
func NewListingCache(c *Client, ttl time.Duration) *ListingCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ListingCache{rdb: c.rdb, ks: c.ks, ttl: ttl}
}

func (lc *ListingCache) listingKey(id uint64) string {
	return lc.ks.key("listing", strconv.FormatUint(id, 10))
}

func (lc *ListingCache) Set(ctx context.Context, l domain.Listing) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("redis: marshal listing %d: %w", l.ID, err)
	}
	if err := lc.rdb.Set(ctx, lc.listingKey(l.ID), data, lc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set listing %d: %w", l.ID, err)
	}
	return nil
}

// Get returns domain.ErrNotFound on a miss.
func (lc *ListingCache) Get(ctx context.Context, id uint64) (domain.Listing, error) {
	data, err := lc.rdb.Get(ctx, lc.listingKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Listing{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Listing{}, fmt.Errorf("redis: get listing %d: %w", id, err)
	}
	var l domain.Listing
	if err := json.Unmarshal(data, &l); err != nil {
		return domain.Listing{}, fmt.Errorf("redis: unmarshal listing %d: %w", id, err)
	}
	return l, nil
}

func (lc *ListingCache) Invalidate(ctx context.Context, id uint64) error {
	if err := lc.rdb.Del(ctx, lc.listingKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate listing %d: %w", id, err)
	}
	return nil
}
