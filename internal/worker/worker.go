// Copyright 2025 James Ross
// Package worker implements Optimus's per-language worker process: one
// binary, bound to one language and one queue by its crash-fast env
// validation (§4.3), that dequeues jobs, runs every test case in a
// fresh sandbox container, scores the run, and publishes the result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/optimus-run/optimus/internal/breaker"
	"github.com/optimus-run/optimus/internal/broker"
	"github.com/optimus-run/optimus/internal/config"
	"github.com/optimus-run/optimus/internal/model"
	"github.com/optimus-run/optimus/internal/obs"
)

// dequeuePollTimeout is how long one BlockingDequeue call waits before
// returning ErrNoJob and letting the loop re-check ctx and the breaker.
const dequeuePollTimeout = 5 * time.Second

// sandboxRunner is satisfied by *sandbox.Driver; narrowed to an
// interface here so tests can substitute a fake instead of talking to
// a real docker daemon.
type sandboxRunner interface {
	Run(ctx context.Context, image string, limits config.ResourceLimits, sourceCode string, tc model.TestCase, timeoutMS int) (model.TestResult, error)
}

// imageEnsurer is satisfied by *ImageCache.
type imageEnsurer interface {
	EnsureImage(ctx context.Context, imageRef string) error
}

// Worker drains exactly one language's queue.
type Worker struct {
	cfg    *config.Worker
	br     *broker.Broker
	driver sandboxRunner
	cache  imageEnsurer
	log    *zap.Logger
	cb     *breaker.CircuitBreaker
}

// New assembles a worker from its already-validated configuration.
func New(cfg *config.Worker, br *broker.Broker, driver sandboxRunner, cache imageEnsurer, log *zap.Logger) *Worker {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	return &Worker{cfg: cfg, br: br, driver: driver, cache: cache, log: log, cb: cb}
}

// Run pre-pulls the worker's image, schedules its periodic refresh,
// then dispatches jobs until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.cache.EnsureImage(ctx, w.cfg.Image); err != nil {
		w.log.Warn("image pre-pull failed, continuing; the per-job cache-check will gate actual runs", obs.String("image", w.cfg.Image), obs.Err(err))
	}

	sched := cron.New()
	if _, err := sched.AddFunc(w.cfg.ImageRefreshCron, func() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := w.cache.EnsureImage(refreshCtx, w.cfg.Image); err != nil {
			w.log.Warn("periodic image refresh failed", obs.String("image", w.cfg.Image), obs.Err(err))
		}
	}); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	component := "worker:" + string(w.cfg.Language)
	go w.reportBreakerState(ctx, component)

	for ctx.Err() == nil {
		if !w.cb.Allow() {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		dequeueCtx, span := obs.StartDequeueSpan(ctx, w.cfg.Language)
		job, err := w.br.BlockingDequeue(dequeueCtx, w.cfg.Language, dequeuePollTimeout)
		span.End()

		if errors.Is(err, broker.ErrNoJob) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Warn("dequeue error", obs.Err(err))
			w.cb.Record(false)
			continue
		}

		if job.Language != w.cfg.Language {
			w.abortJob(ctx, job, fmt.Sprintf("job language %q does not match this worker's language %q (should be impossible; the queue is language-partitioned)", job.Language, w.cfg.Language))
			continue
		}

		if err := w.cache.EnsureImage(ctx, w.cfg.Image); err != nil {
			w.log.Error("cache-check failed, image unavailable", obs.String("image", w.cfg.Image), obs.Err(err))
			w.abortJob(ctx, job, err.Error())
			continue
		}

		w.processJob(ctx, job)
	}
	return nil
}

// abortJob short-circuits a job the dispatch loop cannot safely run:
// every test case is published as RuntimeError with diagnostic as its
// stderr, and the job's overall status is Failed (§7: a worker
// misconfiguration or a cache-check miss must never leave a job stuck
// Running until TTL).
func (w *Worker) abortJob(ctx context.Context, job model.JobRequest, diagnostic string) {
	w.log.Error("aborting job", obs.String("job_id", job.ID), obs.String("reason", diagnostic))
	results := make([]model.TestResult, 0, len(job.TestCases))
	for _, tc := range job.TestCases {
		results = append(results, model.TestResult{TestID: tc.TestID, Weight: tc.Weight, Status: model.TestRuntimeError, Stderr: diagnostic})
	}
	_, maxScore, _ := model.Score(results)
	result := model.ExecutionResult{
		JobID:         job.ID,
		OverallStatus: model.JobFailed,
		Score:         0,
		MaxScore:      maxScore,
		Results:       results,
	}
	published := w.publish(ctx, result)
	w.cb.Record(published)
	obs.JobsFailed.WithLabelValues(string(job.Language)).Inc()
}

// processJob runs every test case sequentially, scores the run and
// publishes the result. The breaker is recorded against the publish,
// not the sandbox run — a flaky submission is not a broker outage.
func (w *Worker) processJob(ctx context.Context, job model.JobRequest) {
	ctx, span := obs.ContextWithJobSpan(ctx, "worker", job)
	defer span.End()
	start := time.Now()

	limits, ok := w.cfg.Limits[job.Language]
	if !ok {
		w.abortJob(ctx, job, fmt.Sprintf("no resource limits configured for language %q", job.Language))
		return
	}

	if err := w.cfg.ValidateTimeout(job.TimeoutMS); err != nil {
		w.abortJob(ctx, job, err.Error())
		return
	}

	results := make([]model.TestResult, 0, len(job.TestCases))
	for _, tc := range job.TestCases {
		tcCtx, tcSpan := obs.StartSandboxSpan(ctx, job.ID, tc.TestID)
		obs.SandboxContainersStarted.WithLabelValues(string(job.Language)).Inc()

		tcStart := time.Now()
		res, err := w.driver.Run(tcCtx, w.cfg.Image, limits, job.SourceCode, tc, job.TimeoutMS)
		elapsed := time.Since(tcStart).Milliseconds()
		if err != nil {
			obs.RecordError(tcCtx, err)
			w.log.Error("sandbox run failed", obs.String("job_id", job.ID), obs.Int("test_id", tc.TestID), obs.Err(err))
			res = model.TestResult{TestID: tc.TestID, Weight: tc.Weight, Status: model.TestRuntimeError}
		} else {
			obs.SetSpanSuccess(tcCtx)
		}
		res.ExecutionTimeMS = elapsed
		tcSpan.End()
		results = append(results, res)
	}

	score, maxScore, overall := model.Score(results)
	result := model.ExecutionResult{
		JobID:         job.ID,
		OverallStatus: overall,
		Score:         score,
		MaxScore:      maxScore,
		Results:       results,
		TotalTimeMS:   time.Since(start).Milliseconds(),
	}

	published := w.publish(ctx, result)
	w.cb.Record(published)

	obs.JobProcessingDuration.WithLabelValues(string(job.Language)).Observe(time.Since(start).Seconds())
	if overall == model.JobCompleted {
		obs.JobsCompleted.WithLabelValues(string(job.Language)).Inc()
	} else {
		obs.JobsFailed.WithLabelValues(string(job.Language)).Inc()
	}
	w.log.Info("job finished",
		obs.String("job_id", job.ID),
		obs.String("status", string(overall)),
		obs.Int("score", score),
		obs.Int("max_score", maxScore),
	)
}

// publishMaxAttempts and publishBackoff bound the §7-required retry on
// a failed result publish: a transient broker blip shouldn't drop a
// completed job, but a genuinely down broker must not be retried forever.
const (
	publishMaxAttempts = 5
	publishBackoffBase = 100 * time.Millisecond
	publishBackoffMax  = 5 * time.Second
)

// publish attempts to write result with exponential backoff, giving up
// and dropping it after publishMaxAttempts failures.
func (w *Worker) publish(ctx context.Context, result model.ExecutionResult) bool {
	var lastErr error
	for attempt := 1; attempt <= publishMaxAttempts; attempt++ {
		if err := w.br.PublishResult(ctx, result); err != nil {
			lastErr = err
			obs.RecordError(ctx, err)
			w.log.Warn("publish result failed, retrying",
				obs.String("job_id", result.JobID), obs.Int("attempt", attempt), obs.Err(err))
			select {
			case <-ctx.Done():
				return false
			case <-time.After(publishBackoff(attempt)):
			}
			continue
		}
		return true
	}
	w.log.Error("publish result dropped after exhausting retries",
		obs.String("job_id", result.JobID), obs.Err(lastErr))
	return false
}

func publishBackoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * publishBackoffBase
	if d <= 0 || d > publishBackoffMax {
		return publishBackoffMax
	}
	return d
}

func (w *Worker) reportBreakerState(ctx context.Context, component string) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	last := w.cb.State()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			curr := w.cb.State()
			obs.BreakerStateGauge(component, int(curr))
			if curr == breaker.Open && last != breaker.Open {
				obs.CircuitBreakerTrips.WithLabelValues(component).Inc()
			}
			last = curr
		}
	}
}
