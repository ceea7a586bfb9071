// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/optimus-run/optimus/internal/broker"
	"github.com/optimus-run/optimus/internal/model"
)

// StartQueueDepthUpdater samples every per-language queue's length on
// an interval and publishes it to QueueDepth. The gateway runs this so
// /metrics reflects live backlog per language without every /execute
// or /job/{id} request paying for an extra LLEN.
func StartQueueDepthUpdater(ctx context.Context, rdb *redis.Client, log *zap.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, lang := range model.Languages {
					n, err := rdb.LLen(ctx, broker.QueueKey(lang)).Result()
					if err != nil {
						log.Debug("queue depth poll error", String("language", string(lang)), Err(err))
						continue
					}
					QueueDepth.WithLabelValues(string(lang)).Set(float64(n))
				}
			}
		}
	}()
}
