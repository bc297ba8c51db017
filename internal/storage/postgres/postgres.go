// Package postgres implements storage.Backend on top of pgx/v5, the
// multi-process backing store for outcomes and jobs.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nationaltreasure/engine/internal/model"
	"github.com/nationaltreasure/engine/internal/storage"
)

var _ storage.Backend = (*Backend)(nil)

// Backend is the pgx-backed storage.Backend.
type Backend struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS configurations (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	headless_kind TEXT NOT NULL,
	viewport_w INTEGER NOT NULL,
	viewport_h INTEGER NOT NULL,
	user_agent TEXT,
	stealth BOOLEAN NOT NULL,
	wait_strategy TEXT NOT NULL,
	timeout_ms INTEGER NOT NULL,
	attempts BIGINT NOT NULL DEFAULT 0,
	successes BIGINT NOT NULL DEFAULT 0,
	last_success TIMESTAMPTZ,
	last_failure TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS domains (
	domain TEXT PRIMARY KEY,
	best_config_id TEXT,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	min_delay_ms INTEGER NOT NULL DEFAULT 1000,
	max_per_minute INTEGER NOT NULL DEFAULT 10,
	block_indicators JSONB NOT NULL DEFAULT '[]',
	first_seen TIMESTAMPTZ NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL,
	sample_count BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS outcomes (
	id TEXT PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	domain TEXT NOT NULL,
	url TEXT NOT NULL,
	config_id TEXT NOT NULL,
	result TEXT NOT NULL,
	block_service TEXT,
	http_status INTEGER,
	response_ms INTEGER,
	content_length INTEGER,
	page_title TEXT,
	hour INTEGER,
	weekday INTEGER,
	requests_last_min INTEGER,
	requests_last_hour INTEGER,
	schema_version INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_outcomes_domain ON outcomes(domain);
CREATE INDEX IF NOT EXISTS idx_outcomes_config ON outcomes(config_id);

CREATE TABLE IF NOT EXISTS similarity (
	domain_a TEXT NOT NULL,
	domain_b TEXT NOT NULL,
	score DOUBLE PRECISION NOT NULL,
	kind TEXT NOT NULL,
	PRIMARY KEY (domain_a, domain_b)
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	type TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error TEXT,
	result JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	available_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	locked_by TEXT,
	locked_at TIMESTAMPTZ,
	lease_deadline TIMESTAMPTZ,
	depends_on TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority DESC, available_at ASC);

CREATE TABLE IF NOT EXISTS dead_letter (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	queue TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	error TEXT,
	attempts INTEGER NOT NULL,
	died_at TIMESTAMPTZ NOT NULL
);
`

// New opens (and migrates) a postgres-backed storage.Backend at dsn.
func New(ctx context.Context, dsn string) (*Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return &Backend{pool: pool}, nil
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

// --- Outcome store ---

func (b *Backend) RecordOutcome(ctx context.Context, o *model.Outcome) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if o.SchemaVersion == 0 {
		o.SchemaVersion = model.SchemaVersion
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outcomes (
			id, ts, domain, url, config_id, result, block_service, http_status,
			response_ms, content_length, page_title, hour, weekday,
			requests_last_min, requests_last_hour, schema_version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		o.ID, o.TS, o.Domain, o.URL, o.ConfigID, string(o.Result), o.BlockService,
		o.HTTPStatus, o.ResponseMs, o.ContentLength, o.PageTitle, o.Hour, o.Weekday,
		o.RequestsLastMin, o.RequestsLastHour, o.SchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert outcome: %w", err)
	}

	success := 0
	if o.Result == model.ResultOK {
		success = 1
	}
	tag, err := tx.Exec(ctx, `
		UPDATE configurations SET
			attempts = attempts + 1,
			successes = successes + $1,
			last_success = CASE WHEN $1 = 1 THEN $2 ELSE last_success END,
			last_failure = CASE WHEN $1 = 0 THEN $2 ELSE last_failure END
		WHERE id = $3`, success, o.TS, o.ConfigID)
	if err != nil {
		return fmt.Errorf("postgres: update configuration counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: record outcome: unknown configuration %q", o.ConfigID)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO domains (
			domain, confidence, min_delay_ms, max_per_minute, block_indicators,
			first_seen, last_updated, sample_count
		) VALUES ($1, 0.5, 1000, 10, '[]'::jsonb, $2, $2, 1)
		ON CONFLICT (domain) DO UPDATE SET
			sample_count = domains.sample_count + 1, last_updated = excluded.last_updated`,
		o.Domain, o.TS,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert domain sample count: %w", err)
	}

	return tx.Commit(ctx)
}

func (b *Backend) ArmStats(ctx context.Context, domain string) (map[string]storage.ArmStat, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT config_id, result, ts FROM outcomes WHERE domain = $1`, domain)
	if err != nil {
		return nil, fmt.Errorf("postgres: arm stats: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	stats := make(map[string]storage.ArmStat)
	for rows.Next() {
		var configID, result string
		var ts time.Time
		if err := rows.Scan(&configID, &result, &ts); err != nil {
			return nil, fmt.Errorf("postgres: arm stats scan: %w", err)
		}
		weight := decayWeight(now, ts, 30)
		s := stats[configID]
		if result == string(model.ResultOK) {
			s.Successes += weight
		} else {
			s.Failures += weight
		}
		if ts.After(s.LastSeen) {
			s.LastSeen = ts
		}
		stats[configID] = s
	}
	return stats, rows.Err()
}

func (b *Backend) RecentOutcomes(ctx context.Context, domain string, n int) ([]*model.Outcome, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT id, ts, domain, url, config_id, result, block_service, http_status,
			response_ms, content_length, page_title, hour, weekday,
			requests_last_min, requests_last_hour, schema_version
		FROM outcomes WHERE domain = $1 ORDER BY ts DESC LIMIT $2`, domain, n)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent outcomes: %w", err)
	}
	defer rows.Close()
	return scanOutcomes(rows)
}

func (b *Backend) HistoricalSuccessRate(ctx context.Context, domain string, recentWindow int) (float64, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN result = 'ok' THEN 1 ELSE 0 END), 0),
			COUNT(*)
		FROM outcomes
		WHERE domain = $1 AND id NOT IN (
			SELECT id FROM outcomes WHERE domain = $1 ORDER BY ts DESC LIMIT $2
		)`, domain, recentWindow)

	var successes, total int
	if err := row.Scan(&successes, &total); err != nil {
		return 0, fmt.Errorf("postgres: historical success rate: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(successes) / float64(total), nil
}

func scanOutcomes(rows pgx.Rows) ([]*model.Outcome, error) {
	var out []*model.Outcome
	for rows.Next() {
		o := &model.Outcome{}
		var result string
		if err := rows.Scan(
			&o.ID, &o.TS, &o.Domain, &o.URL, &o.ConfigID, &result, &o.BlockService,
			&o.HTTPStatus, &o.ResponseMs, &o.ContentLength, &o.PageTitle, &o.Hour, &o.Weekday,
			&o.RequestsLastMin, &o.RequestsLastHour, &o.SchemaVersion,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan outcome: %w", err)
		}
		o.Result = model.OutcomeResult(result)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (b *Backend) GetConfiguration(ctx context.Context, id string) (*model.Configuration, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT id, name, headless_kind, viewport_w, viewport_h, user_agent, stealth,
			wait_strategy, timeout_ms, attempts, successes, last_success, last_failure
		FROM configurations WHERE id = $1`, id)

	c := &model.Configuration{}
	var headless, wait string
	var lastSuccess, lastFailure *time.Time
	err := row.Scan(&c.ID, &c.Name, &headless, &c.ViewportW, &c.ViewportH, &c.UserAgent,
		&c.StealthEnabled, &wait, &c.TimeoutMs, &c.Attempts, &c.Successes, &lastSuccess, &lastFailure)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get configuration: %w", err)
	}
	c.Headless = model.HeadlessKind(headless)
	c.WaitStrategy = model.WaitStrategy(wait)
	c.LastSuccess = lastSuccess
	c.LastFailure = lastFailure
	return c, nil
}

func (b *Backend) PutConfiguration(ctx context.Context, c *model.Configuration) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO configurations (
			id, name, headless_kind, viewport_w, viewport_h, user_agent, stealth,
			wait_strategy, timeout_ms, attempts, successes, last_success, last_failure
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, headless_kind=excluded.headless_kind,
			viewport_w=excluded.viewport_w, viewport_h=excluded.viewport_h,
			user_agent=excluded.user_agent, stealth=excluded.stealth,
			wait_strategy=excluded.wait_strategy, timeout_ms=excluded.timeout_ms`,
		c.ID, c.Name, string(c.Headless), c.ViewportW, c.ViewportH, c.UserAgent, c.StealthEnabled,
		string(c.WaitStrategy), c.TimeoutMs, c.Attempts, c.Successes, c.LastSuccess, c.LastFailure,
	)
	if err != nil {
		return fmt.Errorf("postgres: put configuration: %w", err)
	}
	return nil
}

func (b *Backend) ListConfigurations(ctx context.Context) ([]*model.Configuration, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT id, name, headless_kind, viewport_w, viewport_h, user_agent, stealth,
			wait_strategy, timeout_ms, attempts, successes, last_success, last_failure
		FROM configurations`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list configurations: %w", err)
	}
	defer rows.Close()

	var out []*model.Configuration
	for rows.Next() {
		c := &model.Configuration{}
		var headless, wait string
		var lastSuccess, lastFailure *time.Time
		if err := rows.Scan(&c.ID, &c.Name, &headless, &c.ViewportW, &c.ViewportH, &c.UserAgent,
			&c.StealthEnabled, &wait, &c.TimeoutMs, &c.Attempts, &c.Successes, &lastSuccess, &lastFailure); err != nil {
			return nil, fmt.Errorf("postgres: scan configuration: %w", err)
		}
		c.Headless = model.HeadlessKind(headless)
		c.WaitStrategy = model.WaitStrategy(wait)
		c.LastSuccess = lastSuccess
		c.LastFailure = lastFailure
		out = append(out, c)
	}
	return out, rows.Err()
}

func (b *Backend) GetDomain(ctx context.Context, domain string) (*model.DomainRecord, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT domain, best_config_id, confidence, min_delay_ms, max_per_minute,
			block_indicators, first_seen, last_updated, sample_count
		FROM domains WHERE domain = $1`, domain)

	d := &model.DomainRecord{}
	var bestConfigID *string
	var blockIndicatorsJSON []byte
	err := row.Scan(&d.Domain, &bestConfigID, &d.Confidence, &d.MinDelayMs, &d.MaxPerMinute,
		&blockIndicatorsJSON, &d.FirstSeen, &d.LastUpdated, &d.SampleCount)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get domain: %w", err)
	}
	if bestConfigID != nil {
		d.BestConfigID = *bestConfigID
	}
	if err := json.Unmarshal(blockIndicatorsJSON, &d.BlockIndicators); err != nil {
		return nil, fmt.Errorf("postgres: decode block indicators: %w", err)
	}
	return d, nil
}

func (b *Backend) PutDomain(ctx context.Context, d *model.DomainRecord) error {
	if d.FirstSeen.IsZero() {
		d.FirstSeen = time.Now().UTC()
	}
	indicators, err := json.Marshal(d.BlockIndicators)
	if err != nil {
		return fmt.Errorf("postgres: encode block indicators: %w", err)
	}
	_, err = b.pool.Exec(ctx, `
		INSERT INTO domains (
			domain, best_config_id, confidence, min_delay_ms, max_per_minute,
			block_indicators, first_seen, last_updated, sample_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT(domain) DO UPDATE SET
			best_config_id=excluded.best_config_id, confidence=excluded.confidence,
			min_delay_ms=excluded.min_delay_ms, max_per_minute=excluded.max_per_minute,
			block_indicators=excluded.block_indicators, last_updated=excluded.last_updated,
			sample_count=excluded.sample_count`,
		d.Domain, d.BestConfigID, d.Confidence, d.MinDelayMs, d.MaxPerMinute,
		indicators, d.FirstSeen, d.LastUpdated, d.SampleCount,
	)
	if err != nil {
		return fmt.Errorf("postgres: put domain: %w", err)
	}
	return nil
}

func (b *Backend) SimilarDomains(ctx context.Context, domain string, k int) ([]model.SimilarityEdge, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT domain_a, domain_b, score, kind FROM similarity
		WHERE domain_a = $1 OR domain_b = $1
		ORDER BY score DESC LIMIT $2`, domain, k)
	if err != nil {
		return nil, fmt.Errorf("postgres: similar domains: %w", err)
	}
	defer rows.Close()

	var edges []model.SimilarityEdge
	for rows.Next() {
		var e model.SimilarityEdge
		var kind string
		if err := rows.Scan(&e.DomainA, &e.DomainB, &e.Score, &kind); err != nil {
			return nil, fmt.Errorf("postgres: scan similarity: %w", err)
		}
		e.Kind = model.SimilarityKind(kind)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (b *Backend) PutSimilarity(ctx context.Context, e model.SimilarityEdge) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO similarity (domain_a, domain_b, score, kind) VALUES ($1,$2,$3,$4)
		ON CONFLICT(domain_a, domain_b) DO UPDATE SET score=excluded.score, kind=excluded.kind`,
		e.DomainA, e.DomainB, e.Score, string(e.Kind))
	if err != nil {
		return fmt.Errorf("postgres: put similarity: %w", err)
	}
	return nil
}

// --- Job queue ---

func (b *Backend) Enqueue(ctx context.Context, j *model.Job) (string, error) {
	if j.Status == "" {
		j.Status = model.JobPending
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.AvailableAt.IsZero() {
		j.AvailableAt = j.CreatedAt
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return "", fmt.Errorf("postgres: encode payload: %w", err)
	}

	var dependsOn *string
	if j.DependsOn != "" {
		dependsOn = &j.DependsOn
	}

	_, err = b.pool.Exec(ctx, `
		INSERT INTO jobs (
			id, queue, type, payload, priority, status, attempts, max_attempts,
			created_at, available_at, depends_on
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		j.ID, j.Queue, string(j.Type), payload, j.Priority, string(j.Status),
		j.Attempts, j.MaxAttempts, j.CreatedAt, j.AvailableAt, dependsOn,
	)
	if err != nil {
		return "", fmt.Errorf("postgres: enqueue: %w", err)
	}
	return j.ID, nil
}

func (b *Backend) Claim(ctx context.Context, queue, workerID string, lease time.Duration) (*model.Job, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	row := tx.QueryRow(ctx, `
		SELECT j.id FROM jobs j
		WHERE j.queue = $1 AND j.status = $2 AND j.available_at <= $3
		AND (j.depends_on IS NULL OR j.depends_on IN (
			SELECT id FROM jobs WHERE status = $4
		))
		ORDER BY j.priority DESC, j.created_at ASC
		LIMIT 1 FOR UPDATE SKIP LOCKED`, queue, model.JobPending, now, model.JobDone)

	var id string
	if err := row.Scan(&id); err == pgx.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("postgres: claim select: %w", err)
	}

	deadline := now.Add(lease)
	_, err = tx.Exec(ctx, `
		UPDATE jobs SET status=$1, locked_by=$2, locked_at=$3, lease_deadline=$4, started_at=$5
		WHERE id=$6`, model.JobRunning, workerID, now, deadline, now, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim update: %w", err)
	}

	j, err := getJobTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return j, tx.Commit(ctx)
}

func (b *Backend) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	deadline := time.Now().UTC().Add(lease)
	tag, err := b.pool.Exec(ctx, `
		UPDATE jobs SET lease_deadline=$1 WHERE id=$2 AND locked_by=$3 AND status=$4`,
		deadline, jobID, workerID, model.JobRunning)
	if err != nil {
		return fmt.Errorf("postgres: heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotOwned
	}
	return nil
}

func (b *Backend) Succeed(ctx context.Context, jobID, workerID string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("postgres: encode result: %w", err)
	}
	now := time.Now().UTC()
	tag, err := b.pool.Exec(ctx, `
		UPDATE jobs SET status=$1, result=$2, completed_at=$3, locked_by=NULL, locked_at=NULL, lease_deadline=NULL
		WHERE id=$4 AND locked_by=$5 AND status=$6`,
		model.JobDone, resultJSON, now, jobID, workerID, model.JobRunning)
	if err != nil {
		return fmt.Errorf("postgres: succeed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotOwned
	}
	return nil
}

func (b *Backend) Fail(ctx context.Context, jobID, workerID, errMsg string, backoff func(int) time.Duration) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: fail begin: %w", err)
	}
	defer tx.Rollback(ctx)

	j, err := getJobTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if j.LockedBy != workerID || j.Status != model.JobRunning {
		return storage.ErrNotOwned
	}

	j.Attempts++
	now := time.Now().UTC()

	if j.Attempts < j.MaxAttempts {
		availableAt := now.Add(backoff(j.Attempts))
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status=$1, attempts=$2, last_error=$3, available_at=$4,
				locked_by=NULL, locked_at=NULL, lease_deadline=NULL
			WHERE id=$5`, model.JobPending, j.Attempts, errMsg, availableAt, jobID)
		if err != nil {
			return fmt.Errorf("postgres: fail retry: %w", err)
		}
		return tx.Commit(ctx)
	}

	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("postgres: fail encode payload: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO dead_letter (id, job_id, queue, payload, error, attempts, died_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`, jobID, jobID, j.Queue, payload, errMsg, j.Attempts, now)
	if err != nil {
		return fmt.Errorf("postgres: fail dead-letter insert: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE jobs SET status=$1, attempts=$2, last_error=$3, locked_by=NULL, locked_at=NULL, lease_deadline=NULL
		WHERE id=$4`, model.JobDead, j.Attempts, errMsg, jobID)
	if err != nil {
		return fmt.Errorf("postgres: fail dead-letter update: %w", err)
	}
	return tx.Commit(ctx)
}

func (b *Backend) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	tag, err := b.pool.Exec(ctx, `
		UPDATE jobs SET status=$1, attempts=attempts+1, locked_by=NULL, locked_at=NULL, lease_deadline=NULL
		WHERE status=$2 AND lease_deadline < $3`, model.JobPending, model.JobRunning, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: recover stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (b *Backend) RetryDeadLetter(ctx context.Context, deadLetterID string) (*model.Job, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: retry dead letter begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT job_id, queue, payload FROM dead_letter WHERE id=$1`, deadLetterID)
	var jobID, queue string
	var payloadJSON []byte
	if err := row.Scan(&jobID, &queue, &payloadJSON); err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("postgres: retry dead letter scan: %w", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, fmt.Errorf("postgres: decode dead-letter payload: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["revived_from"] = deadLetterID

	now := time.Now().UTC()
	newPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode revived payload: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobs SET status=$1, attempts=0, last_error=NULL, available_at=$2, payload=$3,
			locked_by=NULL, locked_at=NULL, lease_deadline=NULL, completed_at=NULL
		WHERE id=$4`, model.JobPending, now, newPayload, jobID)
	if err != nil {
		return nil, fmt.Errorf("postgres: retry dead letter update: %w", err)
	}

	j, err := getJobTx(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	return j, tx.Commit(ctx)
}

func (b *Backend) DepthByStatus(ctx context.Context, queue string) (map[model.JobStatus]int, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM jobs WHERE queue=$1 GROUP BY status`, queue)
	if err != nil {
		return nil, fmt.Errorf("postgres: depth by status: %w", err)
	}
	defer rows.Close()

	depths := make(map[model.JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("postgres: scan depth: %w", err)
		}
		depths[model.JobStatus(status)] = count
	}
	return depths, rows.Err()
}

func (b *Backend) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return getJobTx(ctx, b.pool, jobID)
}

// queryRower is satisfied by *pgxpool.Pool and pgx.Tx.
type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getJobTx(ctx context.Context, q queryRower, jobID string) (*model.Job, error) {
	row := q.QueryRow(ctx, `
		SELECT id, queue, type, payload, priority, status, attempts, max_attempts,
			last_error, result, created_at, available_at, started_at, completed_at,
			locked_by, locked_at, lease_deadline, depends_on
		FROM jobs WHERE id=$1`, jobID)

	j := &model.Job{}
	var jobType, status string
	var payloadJSON, resultJSON []byte
	var lastError, lockedBy, dependsOn *string
	var startedAt, completedAt, lockedAt, leaseDeadline *time.Time

	err := row.Scan(&j.ID, &j.Queue, &jobType, &payloadJSON, &j.Priority, &status,
		&j.Attempts, &j.MaxAttempts, &lastError, &resultJSON, &j.CreatedAt, &j.AvailableAt,
		&startedAt, &completedAt, &lockedBy, &lockedAt, &leaseDeadline, &dependsOn)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: scan job: %w", err)
	}

	j.Type = model.JobType(jobType)
	j.Status = model.JobStatus(status)
	if lastError != nil {
		j.LastError = *lastError
	}
	if lockedBy != nil {
		j.LockedBy = *lockedBy
	}
	if dependsOn != nil {
		j.DependsOn = *dependsOn
	}
	j.StartedAt = startedAt
	j.CompletedAt = completedAt
	j.LockedAt = lockedAt
	j.LeaseDeadline = leaseDeadline

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &j.Payload); err != nil {
			return nil, fmt.Errorf("postgres: decode payload: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &j.Result); err != nil {
			return nil, fmt.Errorf("postgres: decode result: %w", err)
		}
	}
	return j, nil
}

// decayWeight mirrors the sqlite backend's decay weighting so ArmStats
// returns comparable values regardless of backend choice.
func decayWeight(now, ts time.Time, halfLifeDays int) float64 {
	ageDays := now.Sub(ts).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	if halfLifeDays <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * ageDays / float64(halfLifeDays))
}
