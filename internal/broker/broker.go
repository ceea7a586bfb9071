// Copyright 2025 James Ross
package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/redis/go-redis/v9"

	"github.com/optimus-run/optimus/internal/model"
)

// ErrNoJob is returned by BlockingDequeue when the poll window elapses
// with nothing on the queue; callers should just loop.
var ErrNoJob = errors.New("broker: no job available")

const gzipMagicByte = 0x1f // first byte of a gzip stream; used as our compressed-blob marker

// Broker wraps a Redis client with the key layout and operations
// defined in §4.1. It is the only place the gateway and worker talk to
// the shared store.
type Broker struct {
	rdb                    *redis.Client
	ttl                    time.Duration
	compressThresholdBytes int
}

// New wraps an existing client. ttl is applied to both the status and
// result keys (default 1 hour per §4.1); compressThresholdBytes gzips
// the result blob when it would otherwise exceed that many bytes (0
// disables compression).
func New(rdb *redis.Client, ttl time.Duration, compressThresholdBytes int) *Broker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Broker{rdb: rdb, ttl: ttl, compressThresholdBytes: compressThresholdBytes}
}

// Ping checks broker reachability, used by the Gateway's /health and
// readiness checks and by Worker startup.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (b *Broker) Close() error {
	return b.rdb.Close()
}

// Enqueue serializes job as JSON, right-pushes it onto its language
// queue, and sets its status to Queued with a TTL.
func (b *Broker) Enqueue(ctx context.Context, job model.JobRequest) error {
	payload, err := job.Marshal()
	if err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.RPush(ctx, QueueKey(job.Language), payload)
	pipe.Set(ctx, StatusKey(job.ID), string(model.JobQueued), b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// BlockingDequeue left-pops with a bounded wait; on a hit it also
// transitions the job's status to Running. Returns ErrNoJob on a
// timeout, which callers should treat as "loop again."
func (b *Broker) BlockingDequeue(ctx context.Context, language model.Language, pollTimeout time.Duration) (model.JobRequest, error) {
	res, err := b.rdb.BLPop(ctx, pollTimeout, QueueKey(language)).Result()
	if err == redis.Nil {
		return model.JobRequest{}, ErrNoJob
	}
	if err != nil {
		return model.JobRequest{}, fmt.Errorf("blocking dequeue %s: %w", language, err)
	}
	if len(res) != 2 {
		return model.JobRequest{}, fmt.Errorf("blocking dequeue %s: unexpected BLPOP reply %v", language, res)
	}
	job, err := model.UnmarshalJobRequest(res[1])
	if err != nil {
		return model.JobRequest{}, fmt.Errorf("blocking dequeue %s: %w", language, err)
	}
	if err := b.rdb.Set(ctx, StatusKey(job.ID), string(model.JobRunning), b.ttl).Err(); err != nil {
		return model.JobRequest{}, fmt.Errorf("mark job %s running: %w", job.ID, err)
	}
	return job, nil
}

// PublishResult writes the result blob and the terminal status as a
// pipeline of two writes, status set last, both carrying the broker's
// TTL (§4.1). A result blob larger than compressThresholdBytes is stored
// gzip-compressed as a whole; FetchResult decompresses it transparently.
func (b *Broker) PublishResult(ctx context.Context, result model.ExecutionResult) error {
	payload, err := result.Marshal()
	if err != nil {
		return err
	}
	stored, err := b.maybeCompress(payload)
	if err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, ResultKey(result.JobID), stored, b.ttl)
	pipe.Set(ctx, StatusKey(result.JobID), string(result.OverallStatus), b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish result %s: %w", result.JobID, err)
	}
	return nil
}

// FetchResponse is the union type returned by FetchResult: either just
// a status (job still in flight, or unknown), or a status plus the
// full result.
type FetchResponse struct {
	Status model.JobStatus
	Result *model.ExecutionResult
	Found  bool
}

// FetchResult performs a single multi-get of the status and result
// keys. If only the status key exists, Result is nil.
func (b *Broker) FetchResult(ctx context.Context, jobID string) (FetchResponse, error) {
	pipe := b.rdb.Pipeline()
	statusCmd := pipe.Get(ctx, StatusKey(jobID))
	resultCmd := pipe.Get(ctx, ResultKey(jobID))
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return FetchResponse{}, fmt.Errorf("fetch result %s: %w", jobID, err)
	}

	statusStr, statusErr := statusCmd.Result()
	if statusErr == redis.Nil {
		return FetchResponse{Found: false}, nil
	}
	if statusErr != nil {
		return FetchResponse{}, fmt.Errorf("fetch status %s: %w", jobID, statusErr)
	}

	resp := FetchResponse{Found: true, Status: model.JobStatus(statusStr)}

	raw, resultErr := resultCmd.Result()
	if resultErr == redis.Nil {
		return resp, nil
	}
	if resultErr != nil {
		return FetchResponse{}, fmt.Errorf("fetch result blob %s: %w", jobID, resultErr)
	}
	decoded, err := b.maybeDecompress(raw)
	if err != nil {
		return FetchResponse{}, err
	}
	result, err := model.UnmarshalExecutionResult(decoded)
	if err != nil {
		return FetchResponse{}, err
	}
	resp.Result = &result
	return resp, nil
}

func (b *Broker) maybeCompress(payload string) (string, error) {
	if b.compressThresholdBytes <= 0 || len(payload) <= b.compressThresholdBytes {
		return payload, nil
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write([]byte(payload)); err != nil {
		return "", fmt.Errorf("compress result: %w", err)
	}
	if err := gw.Close(); err != nil {
		return "", fmt.Errorf("compress result: %w", err)
	}
	return buf.String(), nil
}

func (b *Broker) maybeDecompress(stored string) (string, error) {
	if len(stored) == 0 || stored[0] != gzipMagicByte {
		return stored, nil
	}
	gr, err := gzip.NewReader(bytes.NewReader([]byte(stored)))
	if err != nil {
		return "", fmt.Errorf("decompress result: %w", err)
	}
	defer gr.Close()
	out, err := io.ReadAll(gr)
	if err != nil {
		return "", fmt.Errorf("decompress result: %w", err)
	}
	return string(out), nil
}
