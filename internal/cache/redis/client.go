// Package redis backs the cross-process pieces of the orchestrator with
// go-redis/v9: the operation guard, distributed locks, the flow transition
// bus, the shared listing cache and API rate limiting.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	// Namespace prefixes every data key so several marketplace deployments
	// can share one Redis. Pub/sub channels and streams are not prefixed.
	Namespace string
}

// keyspace builds data keys under an optional namespace.
type keyspace string

func (ks keyspace) key(kind, id string) string {
	if ks == "" {
		return kind + ":" + id
	}
	return string(ks) + ":" + kind + ":" + id
}

// Client owns the connection pool shared by the Redis-backed components.
type Client struct {
	rdb  *redis.Client
	ks   keyspace
	addr string
}

// New connects and pings. It fails when Redis is unreachable.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
		ClientName: "bubble",
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	c := &Client{
		rdb:  redis.NewClient(opts),
		ks:   keyspace(strings.Trim(cfg.Namespace, ":")),
		addr: cfg.Addr,
	}
	if err := c.Ping(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, err
	}
	return c, nil
}

// Ping checks the connection; used by the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping %s: %w", c.addr, err)
	}
	return nil
}

// PoolStats reports connection pool usage for the health endpoint.
type PoolStats struct {
	Total    uint32 `json:"total"`
	Idle     uint32 `json:"idle"`
	Timeouts uint32 `json:"timeouts"`
}

func (c *Client) Stats() PoolStats {
	s := c.rdb.PoolStats()
	return PoolStats{Total: s.TotalConns, Idle: s.IdleConns, Timeouts: s.Timeouts}
}

// Report implements handler.Reporter.
func (c *Client) Report() any { return c.Stats() }

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
