// Package redisclient builds go-redis clients from configuration.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"wardsim/internal/config"
)

// New creates a client for cfg. No connection is made until first use.
func New(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Connect creates a client and pings it within timeout.
func Connect(ctx context.Context, cfg *config.RedisConfig, timeout time.Duration) (*redis.Client, error) {
	client := New(cfg)
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}
