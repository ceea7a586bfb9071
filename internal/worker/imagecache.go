// Copyright 2025 James Ross
package worker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/optimus-run/optimus/internal/obs"
)

// ImageCache keeps one worker's language image present locally so a
// job never blocks on a cold pull. Pulls are paced by a limiter so a
// flapping registry doesn't turn every dequeue into a retry storm.
type ImageCache struct {
	cli     *client.Client
	log     *zap.Logger
	limiter *rate.Limiter
}

// NewImageCache dials the local docker daemon, matching the driver
// testcontainers-go itself talks to.
func NewImageCache(log *zap.Logger) (*ImageCache, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dial docker daemon: %w", err)
	}
	return &ImageCache{
		cli:     cli,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}, nil
}

// EnsureImage verifies imageRef is present, pulling it if not. Pull
// attempts are rate-limited per cache so a missing image doesn't spin.
func (c *ImageCache) EnsureImage(ctx context.Context, imageRef string) error {
	if _, err := c.cli.ImageInspect(ctx, imageRef); err == nil {
		return nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pull rate limit: %w", err)
	}

	rc, err := c.cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		obs.SandboxImagePullFailures.WithLabelValues(imageRef).Inc()
		return fmt.Errorf("pull image %s: %w", imageRef, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		obs.SandboxImagePullFailures.WithLabelValues(imageRef).Inc()
		return fmt.Errorf("pull image %s: %w", imageRef, err)
	}
	c.log.Info("pulled sandbox image", obs.String("image", imageRef))
	return nil
}

// Close releases the docker client.
func (c *ImageCache) Close() error {
	return c.cli.Close()
}
