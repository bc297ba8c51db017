// Package storage defines the durable store shared by the outcome store and
// the job queue (spec: "the outcome store and job queue share one durable
// backing store"). Two concrete backends exist: sqlite (default, single
// process) and postgres (multi-process).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nationaltreasure/engine/internal/model"
)

// ErrNotFound is returned when a lookup by id/domain finds nothing.
var ErrNotFound = errors.New("storage: not found")

// ErrNotOwned is returned by a mutating job operation when the caller's
// worker id does not match the job's current lock holder — an invariant
// violation per spec §7, never silently recovered.
var ErrNotOwned = errors.New("storage: job not owned by worker")

// ArmStat is one configuration's weighted success/failure history for a
// domain, as consumed by the domain learner's Thompson sampling.
type ArmStat struct {
	Successes float64
	Failures  float64
	LastSeen  time.Time
}

// JobFilter narrows a jobs listing by queue and status. No Backend method
// takes one; DepthByStatus filters by queue name only.
type JobFilter struct {
	Queue  string
	Status model.JobStatus
}

// Backend is the durable store contract. All outcome-store and job-queue
// operations are part of one interface because both subsystems share one
// backing store and its transactional guarantees (spec §5).
type Backend interface {
	// --- Outcome store (spec §4.1) ---

	// RecordOutcome appends the outcome, updates the named configuration's
	// attempt/success counters, and updates the domain record's sample
	// count and timestamps, all in a single transaction.
	RecordOutcome(ctx context.Context, o *model.Outcome) error

	// ArmStats returns per-configuration weighted success/failure sums for
	// a domain, keyed by configuration id.
	ArmStats(ctx context.Context, domain string) (map[string]ArmStat, error)

	// RecentOutcomes returns up to n outcomes for domain, most-recent first.
	RecentOutcomes(ctx context.Context, domain string, n int) ([]*model.Outcome, error)

	// HistoricalSuccessRate computes the success rate over all outcomes for
	// domain older than the most recent n (the "recent" window).
	HistoricalSuccessRate(ctx context.Context, domain string, recentWindow int) (float64, error)

	// GetConfiguration loads a configuration by id.
	GetConfiguration(ctx context.Context, id string) (*model.Configuration, error)
	// PutConfiguration inserts or replaces a configuration definition
	// (not its counters — those are only mutated by RecordOutcome).
	PutConfiguration(ctx context.Context, c *model.Configuration) error
	// ListConfigurations returns every known configuration.
	ListConfigurations(ctx context.Context) ([]*model.Configuration, error)

	// GetDomain loads a domain record, or ErrNotFound if unseen.
	GetDomain(ctx context.Context, domain string) (*model.DomainRecord, error)
	// PutDomain inserts or replaces a domain record.
	PutDomain(ctx context.Context, d *model.DomainRecord) error

	// SimilarDomains returns up to k domains similar to domain, ordered by
	// score descending.
	SimilarDomains(ctx context.Context, domain string, k int) ([]model.SimilarityEdge, error)
	// PutSimilarity upserts a similarity edge.
	PutSimilarity(ctx context.Context, e model.SimilarityEdge) error

	// --- Job queue (spec §4.7) ---

	// Enqueue inserts a new pending job and returns its id.
	Enqueue(ctx context.Context, j *model.Job) (string, error)
	// Claim atomically leases the highest-priority, oldest eligible pending
	// job for worker, or returns nil if none is eligible.
	Claim(ctx context.Context, queue string, workerID string, lease time.Duration) (*model.Job, error)
	// Heartbeat extends a claimed job's lease; fails with ErrNotOwned if the
	// worker no longer holds it.
	Heartbeat(ctx context.Context, jobID string, workerID string, lease time.Duration) error
	// Succeed transitions a job to done and stores its result.
	Succeed(ctx context.Context, jobID string, workerID string, result map[string]any) error
	// Fail records a failure; retries with backoff or dead-letters.
	Fail(ctx context.Context, jobID string, workerID string, errMsg string, backoff func(attempts int) time.Duration) error
	// RecoverStale returns expired-lease running jobs to pending.
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	// RetryDeadLetter copies a dead-letter record back into a fresh pending
	// job, retaining the original job id for traceability.
	RetryDeadLetter(ctx context.Context, deadLetterID string) (*model.Job, error)
	// DepthByStatus returns the count of jobs per status, for backpressure.
	DepthByStatus(ctx context.Context, queue string) (map[model.JobStatus]int, error)
	// GetJob loads a job by id.
	GetJob(ctx context.Context, jobID string) (*model.Job, error)

	Close() error
}
