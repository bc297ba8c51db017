// Package queue runs a bounded worker pool against storage.Backend's job
// operations: claim, heartbeat, succeed/fail with backoff, and periodic
// stale-lease recovery (spec §4.7, §5 concurrency model).
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nationaltreasure/engine/internal/metrics"
	"github.com/nationaltreasure/engine/internal/model"
	"github.com/nationaltreasure/engine/internal/storage"
	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is returned by Enqueue when the queue's pending depth is at
// or above Config.PendingCap — the only producer-side flow control (spec
// §5, §7's "queue_full" error taxonomy entry).
var ErrQueueFull = errors.New("queue: full")

// Handler processes one claimed job and returns its result payload.
type Handler func(ctx context.Context, job *model.Job) (map[string]any, error)

// Config tunes worker-pool sizing and lease/backoff behavior. Zero values
// fall back to the spec's defaults.
type Config struct {
	// Workers is the number of concurrent claim loops. Spec §5 defaults
	// the worker pool to 3.
	Workers int
	// Lease is how long a claimed job is owned before its lease expires.
	Lease time.Duration
	// HeartbeatInterval is how often a running job's lease is renewed;
	// must be well under Lease.
	HeartbeatInterval time.Duration
	// PollInterval is how long an idle worker waits before re-claiming.
	PollInterval time.Duration
	// BaseBackoff and MaxBackoff parameterize fail's exponential backoff:
	// base * 2^(attempts-1), capped at MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// PendingCap caps the number of pending jobs Enqueue will accept
	// before returning ErrQueueFull. Zero (the default) disables the
	// cap, leaving backpressure entirely to the caller.
	PendingCap int
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.Lease / 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Hour
	}
}

// Queue runs handlers for jobs in one named queue against a shared
// storage.Backend.
type Queue struct {
	store    storage.Backend
	name     string
	config   Config
	handlers map[model.JobType]Handler
	logger   *slog.Logger
}

// New builds a Queue over store for the named queue.
func New(store storage.Backend, name string, cfg Config, logger *slog.Logger) *Queue {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:    store,
		name:     name,
		config:   cfg,
		handlers: make(map[model.JobType]Handler),
		logger:   logger,
	}
}

// RegisterHandler binds a handler to a job type, mirroring the teacher's
// register-then-run pattern.
func (q *Queue) RegisterHandler(t model.JobType, h Handler) {
	q.handlers[t] = h
}

// Enqueue inserts a new pending job and returns its id, or ErrQueueFull if
// Config.PendingCap is set and already met (spec §5 backpressure).
func (q *Queue) Enqueue(ctx context.Context, jobType model.JobType, payload map[string]any, priority int, dependsOn string) (string, error) {
	if q.config.PendingCap > 0 {
		depths, err := q.store.DepthByStatus(ctx, q.name)
		if err != nil {
			return "", fmt.Errorf("queue: check pending depth: %w", err)
		}
		if depths[model.JobPending] >= q.config.PendingCap {
			return "", ErrQueueFull
		}
	}

	job := &model.Job{
		Queue:       q.name,
		Type:        jobType,
		Payload:     payload,
		Priority:    priority,
		Status:      model.JobPending,
		MaxAttempts: 3,
		DependsOn:   dependsOn,
	}
	return q.store.Enqueue(ctx, job)
}

// Run starts Config.Workers claim loops and blocks until ctx is canceled or
// a worker returns a fatal error, mirroring the teacher's
// errgroup.WithContext worker pool (internal/scraper/crawler.go's Run).
func (q *Queue) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < q.config.Workers; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", q.name, i)
		g.Go(func() error {
			return q.workerLoop(gCtx, workerID)
		})
	}
	return g.Wait()
}

func (q *Queue) workerLoop(ctx context.Context, workerID string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := q.store.Claim(ctx, q.name, workerID, q.config.Lease)
		if err != nil {
			q.logger.Error("claim failed", "queue", q.name, "worker", workerID, "err", err)
			return err
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.config.PollInterval):
			}
			continue
		}

		q.runJob(ctx, workerID, job)
	}
}

func (q *Queue) runJob(ctx context.Context, workerID string, job *model.Job) {
	handler, ok := q.handlers[job.Type]
	if !ok {
		q.fail(ctx, job, workerID, fmt.Sprintf("no handler registered for job type %q", job.Type))
		return
	}

	heartbeatCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go q.heartbeatLoop(heartbeatCtx, job.ID, workerID)

	result, err := handler(ctx, job)
	if err != nil {
		q.fail(ctx, job, workerID, err.Error())
		return
	}

	if err := q.store.Succeed(ctx, job.ID, workerID, result); err != nil {
		q.logger.Error("succeed transition failed", "job", job.ID, "err", err)
	}
}

func (q *Queue) fail(ctx context.Context, job *model.Job, workerID, errMsg string) {
	if err := q.store.Fail(ctx, job.ID, workerID, errMsg, q.backoff); err != nil {
		q.logger.Error("fail transition failed", "job", job.ID, "err", err)
		return
	}

	updated, err := q.store.GetJob(ctx, job.ID)
	if err != nil {
		q.logger.Error("re-fetch after fail failed", "job", job.ID, "err", err)
		return
	}
	if updated.Status == model.JobDead {
		metrics.RecordDeadLetter(q.name)
	}
}

func (q *Queue) heartbeatLoop(ctx context.Context, jobID, workerID string) {
	ticker := time.NewTicker(q.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.store.Heartbeat(ctx, jobID, workerID, q.config.Lease); err != nil {
				q.logger.Warn("heartbeat failed, job may be reclaimed", "job", jobID, "err", err)
				return
			}
		}
	}
}

// backoff implements base * 2^(attempts-1), capped at MaxBackoff.
func (q *Queue) backoff(attempts int) time.Duration {
	if attempts <= 0 {
		attempts = 1
	}
	d := q.config.BaseBackoff << uint(attempts-1)
	if d <= 0 || d > q.config.MaxBackoff {
		return q.config.MaxBackoff
	}
	return d
}

// RecoverStalePeriodically runs RecoverStale on every tick until ctx is
// canceled; callers run this alongside Run at startup and periodically
// per spec §4.7.
func (q *Queue) RecoverStalePeriodically(ctx context.Context, interval time.Duration) error {
	if _, err := q.store.RecoverStale(ctx, time.Now()); err != nil {
		q.logger.Error("recover_stale failed", "queue", q.name, "err", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := q.store.RecoverStale(ctx, time.Now())
			if err != nil {
				q.logger.Error("recover_stale failed", "queue", q.name, "err", err)
				continue
			}
			if n > 0 {
				q.logger.Info("recovered stale leases", "queue", q.name, "count", n)
			}
		}
	}
}

// ReportDepth pushes a depth_by_status snapshot into the queue-depth gauge.
func (q *Queue) ReportDepth(ctx context.Context) error {
	depths, err := q.store.DepthByStatus(ctx, q.name)
	if err != nil {
		return err
	}
	metrics.RecordQueueDepth(q.name, depths)
	return nil
}
