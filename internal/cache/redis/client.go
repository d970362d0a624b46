// Package redis provides the distributed run lock using go-redis/v9. One
// lock per currency keeps concurrent deployments from pulling and sending
// the same backlog twice.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dialTimeout = 5 * time.Second
	pingTimeout = 5 * time.Second
)

// ClientConfig holds the settings from the [redis] config block.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// Client owns the go-redis connection shared by the lock manager.
type Client struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection with a bounded ping.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	var tlsCfg *tls.Config
	if cfg.TLSEnabled {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: dialTimeout,
		TLSConfig:   tlsCfg,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close tears down the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying hands the raw driver client to the lock manager.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
