// Package redis backs the shared coordination pieces of a multi-instance
// deployment with go-redis/v9: job locks, the treasury nonce lock, per-user
// rate limits and the ledger event bus.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Config holds connection parameters. KeyPrefix namespaces every key this
// package writes so several environments can share one server.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MaxRetries   int
	TLSEnabled   bool
	KeyPrefix    string
	StreamMaxLen int64
}

// Client is a connected go-redis client plus the key namespace.
type Client struct {
	rdb          *redis.Client
	prefix       string
	streamMaxLen int64
}

// New connects and pings the server.
func New(ctx context.Context, cfg Config) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = 10000
	}
	return &Client{rdb: rdb, prefix: cfg.KeyPrefix, streamMaxLen: cfg.StreamMaxLen}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// key joins the namespace prefix onto a key.
func (c *Client) key(k string) string {
	return c.prefix + k
}
