// Package sqlite implements storage.Backend on top of modernc.org/sqlite,
// the default single-process backing store for outcomes and jobs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/nationaltreasure/engine/internal/model"
	"github.com/nationaltreasure/engine/internal/storage"
	_ "modernc.org/sqlite"
)

var _ storage.Backend = (*Backend)(nil)

// Backend is the sqlite-backed storage.Backend.
type Backend struct {
	db *sql.DB
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
	attempts INTEGER NOT NULL DEFAULT 0,
	successes INTEGER NOT NULL DEFAULT 0,
	last_success DATETIME,
	last_failure DATETIME
);

CREATE TABLE IF NOT EXISTS domains (
	domain TEXT PRIMARY KEY,
	best_config_id TEXT,
	confidence REAL NOT NULL DEFAULT 0.5,
	min_delay_ms INTEGER NOT NULL DEFAULT 1000,
	max_per_minute INTEGER NOT NULL DEFAULT 10,
	block_indicators TEXT NOT NULL DEFAULT '[]',
	first_seen DATETIME NOT NULL,
	last_updated DATETIME NOT NULL,
	sample_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS outcomes (
	id TEXT PRIMARY KEY,
	ts DATETIME NOT NULL,
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
	score REAL NOT NULL,
	kind TEXT NOT NULL,
	PRIMARY KEY (domain_a, domain_b)
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	last_error TEXT,
	result TEXT,
	created_at DATETIME NOT NULL,
	available_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	locked_by TEXT,
	locked_at DATETIME,
	lease_deadline DATETIME,
	depends_on TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority DESC, available_at ASC);

CREATE TABLE IF NOT EXISTS dead_letter (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	queue TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	error TEXT,
	attempts INTEGER NOT NULL,
	died_at DATETIME NOT NULL
);
`

// New opens (and migrates) a sqlite-backed storage.Backend at dsn.
func New(dsn string) (*Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer keeps claim/record serialized

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}

	return &Backend{db: db}, nil
}

func (b *Backend) Close() error { return b.db.Close() }

// --- Outcome store ---

func (b *Backend) RecordOutcome(ctx context.Context, o *model.Outcome) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	if o.SchemaVersion == 0 {
		o.SchemaVersion = model.SchemaVersion
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outcomes (
			id, ts, domain, url, config_id, result, block_service, http_status,
			response_ms, content_length, page_title, hour, weekday,
			requests_last_min, requests_last_hour, schema_version
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.TS, o.Domain, o.URL, o.ConfigID, string(o.Result), o.BlockService,
		o.HTTPStatus, o.ResponseMs, o.ContentLength, o.PageTitle, o.Hour, o.Weekday,
		o.RequestsLastMin, o.RequestsLastHour, o.SchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert outcome: %w", err)
	}

	success := 0
	if o.Result == model.ResultOK {
		success = 1
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE configurations SET
			attempts = attempts + 1,
			successes = successes + ?,
			last_success = CASE WHEN ? = 1 THEN ? ELSE last_success END,
			last_failure = CASE WHEN ? = 0 THEN ? ELSE last_failure END
		WHERE id = ?`,
		success, success, o.TS, success, o.TS, o.ConfigID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update configuration counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: record outcome: unknown configuration %q", o.ConfigID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO domains (
			domain, confidence, min_delay_ms, max_per_minute, block_indicators,
			first_seen, last_updated, sample_count
		) VALUES (?, 0.5, 1000, 10, '[]', ?, ?, 1)
		ON CONFLICT(domain) DO UPDATE SET
			sample_count = sample_count + 1, last_updated = excluded.last_updated`,
		o.Domain, o.TS, o.TS,
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert domain sample count: %w", err)
	}

	return tx.Commit()
}

func (b *Backend) ArmStats(ctx context.Context, domain string) (map[string]storage.ArmStat, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT config_id, result, ts FROM outcomes WHERE domain = ?`, domain)
	if err != nil {
		return nil, fmt.Errorf("sqlite: arm stats: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	stats := make(map[string]storage.ArmStat)
	for rows.Next() {
		var configID, result string
		var ts time.Time
		if err := rows.Scan(&configID, &result, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: arm stats scan: %w", err)
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
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, ts, domain, url, config_id, result, block_service, http_status,
			response_ms, content_length, page_title, hour, weekday,
			requests_last_min, requests_last_hour, schema_version
		FROM outcomes WHERE domain = ? ORDER BY ts DESC LIMIT ?`, domain, n)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent outcomes: %w", err)
	}
	defer rows.Close()
	return scanOutcomes(rows)
}

func (b *Backend) HistoricalSuccessRate(ctx context.Context, domain string, recentWindow int) (float64, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN result = 'ok' THEN 1 ELSE 0 END), 0),
			COUNT(*)
		FROM outcomes
		WHERE domain = ? AND id NOT IN (
			SELECT id FROM outcomes WHERE domain = ? ORDER BY ts DESC LIMIT ?
		)`, domain, domain, recentWindow)

	var successes, total int
	if err := row.Scan(&successes, &total); err != nil {
		return 0, fmt.Errorf("sqlite: historical success rate: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(successes) / float64(total), nil
}

func scanOutcomes(rows *sql.Rows) ([]*model.Outcome, error) {
	var out []*model.Outcome
	for rows.Next() {
		o := &model.Outcome{}
		var result string
		if err := rows.Scan(
			&o.ID, &o.TS, &o.Domain, &o.URL, &o.ConfigID, &result, &o.BlockService,
			&o.HTTPStatus, &o.ResponseMs, &o.ContentLength, &o.PageTitle, &o.Hour, &o.Weekday,
			&o.RequestsLastMin, &o.RequestsLastHour, &o.SchemaVersion,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan outcome: %w", err)
		}
		o.Result = model.OutcomeResult(result)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (b *Backend) GetConfiguration(ctx context.Context, id string) (*model.Configuration, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, name, headless_kind, viewport_w, viewport_h, user_agent, stealth,
			wait_strategy, timeout_ms, attempts, successes, last_success, last_failure
		FROM configurations WHERE id = ?`, id)

	c := &model.Configuration{}
	var headless, wait string
	var lastSuccess, lastFailure sql.NullTime
	err := row.Scan(&c.ID, &c.Name, &headless, &c.ViewportW, &c.ViewportH, &c.UserAgent,
		&c.StealthEnabled, &wait, &c.TimeoutMs, &c.Attempts, &c.Successes, &lastSuccess, &lastFailure)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get configuration: %w", err)
	}
	c.Headless = model.HeadlessKind(headless)
	c.WaitStrategy = model.WaitStrategy(wait)
	if lastSuccess.Valid {
		c.LastSuccess = &lastSuccess.Time
	}
	if lastFailure.Valid {
		c.LastFailure = &lastFailure.Time
	}
	return c, nil
}

func (b *Backend) PutConfiguration(ctx context.Context, c *model.Configuration) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO configurations (
			id, name, headless_kind, viewport_w, viewport_h, user_agent, stealth,
			wait_strategy, timeout_ms, attempts, successes, last_success, last_failure
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, headless_kind=excluded.headless_kind,
			viewport_w=excluded.viewport_w, viewport_h=excluded.viewport_h,
			user_agent=excluded.user_agent, stealth=excluded.stealth,
			wait_strategy=excluded.wait_strategy, timeout_ms=excluded.timeout_ms`,
		c.ID, c.Name, string(c.Headless), c.ViewportW, c.ViewportH, c.UserAgent, c.StealthEnabled,
		string(c.WaitStrategy), c.TimeoutMs, c.Attempts, c.Successes, c.LastSuccess, c.LastFailure,
	)
	if err != nil {
		return fmt.Errorf("sqlite: put configuration: %w", err)
	}
	return nil
}

func (b *Backend) ListConfigurations(ctx context.Context) ([]*model.Configuration, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, name, headless_kind, viewport_w, viewport_h, user_agent, stealth,
			wait_strategy, timeout_ms, attempts, successes, last_success, last_failure
		FROM configurations`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list configurations: %w", err)
	}
	defer rows.Close()

	var out []*model.Configuration
	for rows.Next() {
		c := &model.Configuration{}
		var headless, wait string
		var lastSuccess, lastFailure sql.NullTime
		if err := rows.Scan(&c.ID, &c.Name, &headless, &c.ViewportW, &c.ViewportH, &c.UserAgent,
			&c.StealthEnabled, &wait, &c.TimeoutMs, &c.Attempts, &c.Successes, &lastSuccess, &lastFailure); err != nil {
			return nil, fmt.Errorf("sqlite: scan configuration: %w", err)
		}
		c.Headless = model.HeadlessKind(headless)
		c.WaitStrategy = model.WaitStrategy(wait)
		if lastSuccess.Valid {
			c.LastSuccess = &lastSuccess.Time
		}
		if lastFailure.Valid {
			c.LastFailure = &lastFailure.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (b *Backend) GetDomain(ctx context.Context, domain string) (*model.DomainRecord, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT domain, best_config_id, confidence, min_delay_ms, max_per_minute,
			block_indicators, first_seen, last_updated, sample_count
		FROM domains WHERE domain = ?`, domain)

	d := &model.DomainRecord{}
	var bestConfigID sql.NullString
	var blockIndicatorsJSON string
	err := row.Scan(&d.Domain, &bestConfigID, &d.Confidence, &d.MinDelayMs, &d.MaxPerMinute,
		&blockIndicatorsJSON, &d.FirstSeen, &d.LastUpdated, &d.SampleCount)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get domain: %w", err)
	}
	d.BestConfigID = bestConfigID.String
	if err := json.Unmarshal([]byte(blockIndicatorsJSON), &d.BlockIndicators); err != nil {
		return nil, fmt.Errorf("sqlite: decode block indicators: %w", err)
	}
	return d, nil
}

func (b *Backend) PutDomain(ctx context.Context, d *model.DomainRecord) error {
	if d.FirstSeen.IsZero() {
		d.FirstSeen = time.Now().UTC()
	}
	indicators, err := json.Marshal(d.BlockIndicators)
	if err != nil {
		return fmt.Errorf("sqlite: encode block indicators: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO domains (
			domain, best_config_id, confidence, min_delay_ms, max_per_minute,
			block_indicators, first_seen, last_updated, sample_count
		) VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(domain) DO UPDATE SET
			best_config_id=excluded.best_config_id, confidence=excluded.confidence,
			min_delay_ms=excluded.min_delay_ms, max_per_minute=excluded.max_per_minute,
			block_indicators=excluded.block_indicators, last_updated=excluded.last_updated,
			sample_count=excluded.sample_count`,
		d.Domain, d.BestConfigID, d.Confidence, d.MinDelayMs, d.MaxPerMinute,
		string(indicators), d.FirstSeen, d.LastUpdated, d.SampleCount,
	)
	if err != nil {
		return fmt.Errorf("sqlite: put domain: %w", err)
	}
	return nil
}

func (b *Backend) SimilarDomains(ctx context.Context, domain string, k int) ([]model.SimilarityEdge, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT domain_a, domain_b, score, kind FROM similarity
		WHERE domain_a = ? OR domain_b = ?
		ORDER BY score DESC LIMIT ?`, domain, domain, k)
	if err != nil {
		return nil, fmt.Errorf("sqlite: similar domains: %w", err)
	}
	defer rows.Close()

	var edges []model.SimilarityEdge
	for rows.Next() {
		var e model.SimilarityEdge
		var kind string
		if err := rows.Scan(&e.DomainA, &e.DomainB, &e.Score, &kind); err != nil {
			return nil, fmt.Errorf("sqlite: scan similarity: %w", err)
		}
		e.Kind = model.SimilarityKind(kind)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (b *Backend) PutSimilarity(ctx context.Context, e model.SimilarityEdge) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO similarity (domain_a, domain_b, score, kind) VALUES (?,?,?,?)
		ON CONFLICT(domain_a, domain_b) DO UPDATE SET score=excluded.score, kind=excluded.kind`,
		e.DomainA, e.DomainB, e.Score, string(e.Kind))
	if err != nil {
		return fmt.Errorf("sqlite: put similarity: %w", err)
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
		return "", fmt.Errorf("sqlite: encode payload: %w", err)
	}

	var dependsOn any
	if j.DependsOn != "" {
		dependsOn = j.DependsOn
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, queue, type, payload, priority, status, attempts, max_attempts,
			created_at, available_at, depends_on
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Queue, string(j.Type), string(payload), j.Priority, string(j.Status),
		j.Attempts, j.MaxAttempts, j.CreatedAt, j.AvailableAt, dependsOn,
	)
	if err != nil {
		return "", fmt.Errorf("sqlite: enqueue: %w", err)
	}
	return j.ID, nil
}

func (b *Backend) Claim(ctx context.Context, queue, workerID string, lease time.Duration) (*model.Job, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx, `
		SELECT j.id FROM jobs j
		WHERE j.queue = ? AND j.status = ? AND j.available_at <= ?
		AND (j.depends_on IS NULL OR j.depends_on IN (
			SELECT id FROM jobs WHERE status = ?
		))
		ORDER BY j.priority DESC, j.created_at ASC
		LIMIT 1`, queue, model.JobPending, now, model.JobDone)

	var id string
	if err := row.Scan(&id); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("sqlite: claim select: %w", err)
	}

	deadline := now.Add(lease)
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status=?, locked_by=?, locked_at=?, lease_deadline=?, started_at=?
		WHERE id=?`, model.JobRunning, workerID, now, deadline, now, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim update: %w", err)
	}

	j, err := getJobTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return j, tx.Commit()
}

func (b *Backend) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	deadline := time.Now().UTC().Add(lease)
	res, err := b.db.ExecContext(ctx, `
		UPDATE jobs SET lease_deadline=? WHERE id=? AND locked_by=? AND status=?`,
		deadline, jobID, workerID, model.JobRunning)
	if err != nil {
		return fmt.Errorf("sqlite: heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotOwned
	}
	return nil
}

func (b *Backend) Succeed(ctx context.Context, jobID, workerID string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("sqlite: encode result: %w", err)
	}
	now := time.Now().UTC()
	res, err := b.db.ExecContext(ctx, `
		UPDATE jobs SET status=?, result=?, completed_at=?, locked_by=NULL, locked_at=NULL, lease_deadline=NULL
		WHERE id=? AND locked_by=? AND status=?`,
		model.JobDone, string(resultJSON), now, jobID, workerID, model.JobRunning)
	if err != nil {
		return fmt.Errorf("sqlite: succeed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotOwned
	}
	return nil
}

func (b *Backend) Fail(ctx context.Context, jobID, workerID, errMsg string, backoff func(int) time.Duration) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: fail begin: %w", err)
	}
	defer tx.Rollback()

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
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status=?, attempts=?, last_error=?, available_at=?,
				locked_by=NULL, locked_at=NULL, lease_deadline=NULL
			WHERE id=?`, model.JobPending, j.Attempts, errMsg, availableAt, jobID)
		if err != nil {
			return fmt.Errorf("sqlite: fail retry: %w", err)
		}
		return tx.Commit()
	}

	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("sqlite: fail encode payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letter (id, job_id, queue, payload, error, attempts, died_at)
		VALUES (?,?,?,?,?,?,?)`, jobID, jobID, j.Queue, string(payload), errMsg, j.Attempts, now)
	if err != nil {
		return fmt.Errorf("sqlite: fail dead-letter insert: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status=?, attempts=?, last_error=?, locked_by=NULL, locked_at=NULL, lease_deadline=NULL
		WHERE id=?`, model.JobDead, j.Attempts, errMsg, jobID)
	if err != nil {
		return fmt.Errorf("sqlite: fail dead-letter update: %w", err)
	}
	return tx.Commit()
}

func (b *Backend) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, `
		UPDATE jobs SET status=?, attempts=attempts+1, locked_by=NULL, locked_at=NULL, lease_deadline=NULL
		WHERE status=? AND lease_deadline < ?`, model.JobPending, model.JobRunning, now)
	if err != nil {
		return 0, fmt.Errorf("sqlite: recover stale: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (b *Backend) RetryDeadLetter(ctx context.Context, deadLetterID string) (*model.Job, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: retry dead letter begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT job_id, queue, payload FROM dead_letter WHERE id=?`, deadLetterID)
	var jobID, queue, payloadJSON string
	if err := row.Scan(&jobID, &queue, &payloadJSON); err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("sqlite: retry dead letter scan: %w", err)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("sqlite: decode dead-letter payload: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["revived_from"] = deadLetterID

	now := time.Now().UTC()
	newPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode revived payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status=?, attempts=0, last_error=NULL, available_at=?, payload=?,
			locked_by=NULL, locked_at=NULL, lease_deadline=NULL, completed_at=NULL
		WHERE id=?`, model.JobPending, now, string(newPayload), jobID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: retry dead letter update: %w", err)
	}

	j, err := getJobTx(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	return j, tx.Commit()
}

func (b *Backend) DepthByStatus(ctx context.Context, queue string) (map[model.JobStatus]int, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM jobs WHERE queue=? GROUP BY status`, queue)
	if err != nil {
		return nil, fmt.Errorf("sqlite: depth by status: %w", err)
	}
	defer rows.Close()

	depths := make(map[model.JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("sqlite: scan depth: %w", err)
		}
		depths[model.JobStatus(status)] = count
	}
	return depths, rows.Err()
}

func (b *Backend) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return getJobTx(ctx, b.db, jobID)
}

// decayWeight applies spec §4.6's exponential time-decay weighting to an
// outcome's age, halving its contribution every halfLifeDays.
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

// queryRower is satisfied by both *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJobTx(ctx context.Context, q queryRower, jobID string) (*model.Job, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, queue, type, payload, priority, status, attempts, max_attempts,
			last_error, result, created_at, available_at, started_at, completed_at,
			locked_by, locked_at, lease_deadline, depends_on
		FROM jobs WHERE id=?`, jobID)

	j := &model.Job{}
	var jobType, status, payloadJSON string
	var resultJSON, lastError, lockedBy, dependsOn sql.NullString
	var startedAt, completedAt, lockedAt, leaseDeadline sql.NullTime

	err := row.Scan(&j.ID, &j.Queue, &jobType, &payloadJSON, &j.Priority, &status,
		&j.Attempts, &j.MaxAttempts, &lastError, &resultJSON, &j.CreatedAt, &j.AvailableAt,
		&startedAt, &completedAt, &lockedBy, &lockedAt, &leaseDeadline, &dependsOn)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan job: %w", err)
	}

	j.Type = model.JobType(jobType)
	j.Status = model.JobStatus(status)
	j.LastError = lastError.String
	j.LockedBy = lockedBy.String
	j.DependsOn = dependsOn.String
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	if leaseDeadline.Valid {
		j.LeaseDeadline = &leaseDeadline.Time
	}
	if err := json.Unmarshal([]byte(payloadJSON), &j.Payload); err != nil {
		return nil, fmt.Errorf("sqlite: decode payload: %w", err)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &j.Result); err != nil {
			return nil, fmt.Errorf("sqlite: decode result: %w", err)
		}
	}
	return j, nil
}
