// Copyright 2025 James Ross
// Package broker defines Optimus's entire broker namespace and is the
// only place key strings are formatted (§4.1). It wraps a go-redis/v9
// client with the four operations the Gateway and Worker use to hand
// jobs and results back and forth: enqueue, blocking dequeue, publish
// result, fetch result.
package broker

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/optimus-run/optimus/internal/config"
)

// NewClient returns a configured go-redis client with pooling and
// retries, grounded on the teacher's redisclient constructor but
// parsing REDIS_URL as the spec's wire contract requires (§6).
func NewClient(cfg config.Redis) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize()
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	opts.MaxRetries = cfg.MaxRetries
	if opts.PoolTimeout == 0 {
		opts.PoolTimeout = 5 * time.Second
	}
	return redis.NewClient(opts), nil
}
