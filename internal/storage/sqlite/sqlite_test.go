package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nationaltreasure/engine/internal/model"
	"github.com/nationaltreasure/engine/internal/storage"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	// A unique memory name per test keeps cache=shared connections from
	// bleeding state between tests run in the same process.
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	b, err := New(dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func seedConfig(t *testing.T, b *Backend, ctx context.Context, id string) {
	t.Helper()
	c := &model.Configuration{
		ID:             id,
		Name:           "stealth-shell",
		Headless:       model.HeadlessShell,
		ViewportW:      1920,
		ViewportH:      1080,
		StealthEnabled: true,
		WaitStrategy:   model.WaitNetworkIdle,
		TimeoutMs:      30000,
	}
	if err := b.PutConfiguration(ctx, c); err != nil {
		t.Fatalf("PutConfiguration: %v", err)
	}
}

func seedDomain(t *testing.T, b *Backend, ctx context.Context, domain string) {
	t.Helper()
	now := time.Now().UTC()
	d := &model.DomainRecord{
		Domain:       domain,
		Confidence:   0.5,
		MinDelayMs:   1000,
		MaxPerMinute: 10,
		FirstSeen:    now,
		LastUpdated:  now,
	}
	if err := b.PutDomain(ctx, d); err != nil {
		t.Fatalf("PutDomain: %v", err)
	}
}

func TestRecordOutcomeUpdatesCountersAndSampleCount(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	seedConfig(t, b, ctx, "cfg-1")
	seedDomain(t, b, ctx, "example.com")

	o := &model.Outcome{
		ID:       "out-1",
		TS:       time.Now().UTC(),
		Domain:   "example.com",
		URL:      "https://example.com/a",
		ConfigID: "cfg-1",
		Result:   model.ResultOK,
	}
	if err := b.RecordOutcome(ctx, o); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	cfg, err := b.GetConfiguration(ctx, "cfg-1")
	if err != nil {
		t.Fatalf("GetConfiguration: %v", err)
	}
	if cfg.Attempts != 1 || cfg.Successes != 1 {
		t.Errorf("got attempts=%d successes=%d, want 1/1", cfg.Attempts, cfg.Successes)
	}

	dom, err := b.GetDomain(ctx, "example.com")
	if err != nil {
		t.Fatalf("GetDomain: %v", err)
	}
	if dom.SampleCount != 1 {
		t.Errorf("got sample count %d, want 1", dom.SampleCount)
	}
}

func TestRecordOutcomeCreatesDomainRecordOnFirstOutcome(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	seedConfig(t, b, ctx, "cfg-1")

	if _, err := b.GetDomain(ctx, "new.example"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no domain record yet, got err=%v", err)
	}

	o := &model.Outcome{
		ID: "out-1", TS: time.Now().UTC(), Domain: "new.example",
		URL: "https://new.example/a", ConfigID: "cfg-1", Result: model.ResultOK,
	}
	if err := b.RecordOutcome(ctx, o); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	dom, err := b.GetDomain(ctx, "new.example")
	if err != nil {
		t.Fatalf("GetDomain: %v", err)
	}
	if dom.SampleCount != 1 {
		t.Errorf("got sample count %d after the first outcome, want 1", dom.SampleCount)
	}
}

func TestRecordOutcomeUnknownConfigurationFails(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	seedDomain(t, b, ctx, "example.com")

	o := &model.Outcome{
		ID: "out-1", TS: time.Now().UTC(), Domain: "example.com",
		URL: "https://example.com/a", ConfigID: "missing", Result: model.ResultOK,
	}
	if err := b.RecordOutcome(ctx, o); err == nil {
		t.Fatal("expected error for unknown configuration")
	}
}

func TestArmStatsGivesAFreshOutcomeNearFullWeight(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	seedConfig(t, b, ctx, "cfg-1")
	seedDomain(t, b, ctx, "example.com")

	recent := &model.Outcome{ID: "o1", TS: time.Now().UTC(), Domain: "example.com", URL: "https://example.com/a", ConfigID: "cfg-1", Result: model.ResultOK}
	if err := b.RecordOutcome(ctx, recent); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	stats, err := b.ArmStats(ctx, "example.com")
	if err != nil {
		t.Fatalf("ArmStats: %v", err)
	}
	s := stats["cfg-1"]
	if s.Successes <= 0.99 {
		t.Errorf("expected near-full weight for a fresh outcome, got %f", s.Successes)
	}
}

func TestGetConfigurationNotFound(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.GetConfiguration(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestJobLifecycleClaimSucceed(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	j := &model.Job{ID: "job-1", Queue: "capture", Type: model.JobCapture, Payload: map[string]any{"url": "https://example.com"}, Priority: 5}
	if _, err := b.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, err := b.Claim(ctx, "capture", "worker-1", 30*time.Second)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed == nil || claimed.ID != "job-1" {
		t.Fatalf("expected to claim job-1, got %+v", claimed)
	}
	if claimed.Status != model.JobRunning {
		t.Errorf("expected status running, got %s", claimed.Status)
	}

	// A second claim attempt on the same queue should find nothing.
	second, err := b.Claim(ctx, "capture", "worker-2", 30*time.Second)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if second != nil {
		t.Fatalf("expected no job available, got %+v", second)
	}

	if err := b.Succeed(ctx, "job-1", "worker-1", map[string]any{"ok": true}); err != nil {
		t.Fatalf("Succeed: %v", err)
	}

	got, err := b.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != model.JobDone {
		t.Errorf("expected status done, got %s", got.Status)
	}
}

func TestJobFailRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	j := &model.Job{ID: "job-1", Queue: "capture", Type: model.JobCapture, MaxAttempts: 2}
	if _, err := b.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	zeroBackoff := func(int) time.Duration { return 0 }

	for i := 0; i < 2; i++ {
		claimed, err := b.Claim(ctx, "capture", "worker-1", 30*time.Second)
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if claimed == nil {
			t.Fatalf("expected a claimable job on attempt %d", i)
		}
		if err := b.Fail(ctx, "job-1", "worker-1", "boom", zeroBackoff); err != nil {
			t.Fatalf("Fail: %v", err)
		}
	}

	got, err := b.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != model.JobDead {
		t.Errorf("expected status dead after exhausting attempts, got %s", got.Status)
	}

	revived, err := b.RetryDeadLetter(ctx, "job-1")
	if err != nil {
		t.Fatalf("RetryDeadLetter: %v", err)
	}
	if revived.Status != model.JobPending || revived.Attempts != 0 {
		t.Errorf("expected revived job pending with 0 attempts, got status=%s attempts=%d", revived.Status, revived.Attempts)
	}
	if revived.Payload["revived_from"] != "job-1" {
		t.Errorf("expected revived_from marker, got %v", revived.Payload)
	}
}

func TestRecoverStaleReturnsExpiredLeasesToPending(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	j := &model.Job{ID: "job-1", Queue: "capture", Type: model.JobCapture}
	if _, err := b.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := b.Claim(ctx, "capture", "worker-1", time.Millisecond); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	n, err := b.RecoverStale(ctx, time.Now().UTC().Add(time.Second))
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered job, got %d", n)
	}

	got, err := b.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != model.JobPending {
		t.Errorf("expected status pending after recovery, got %s", got.Status)
	}
}

func TestDependsOnGatesClaim(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	dep := &model.Job{ID: "dep-1", Queue: "capture", Type: model.JobCapture}
	if _, err := b.Enqueue(ctx, dep); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	gated := &model.Job{ID: "job-2", Queue: "capture", Type: model.JobCapture, DependsOn: "dep-1", Priority: 10}
	if _, err := b.Enqueue(ctx, gated); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, err := b.Claim(ctx, "capture", "worker-1", 30*time.Second)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed == nil || claimed.ID != "dep-1" {
		t.Fatalf("expected dep-1 to claim first despite lower priority, got %+v", claimed)
	}

	if err := b.Succeed(ctx, "dep-1", "worker-1", nil); err != nil {
		t.Fatalf("Succeed: %v", err)
	}

	claimed2, err := b.Claim(ctx, "capture", "worker-1", 30*time.Second)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed2 == nil || claimed2.ID != "job-2" {
		t.Fatalf("expected job-2 claimable once dep-1 is done, got %+v", claimed2)
	}
}

func TestDepthByStatus(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	for i := 0; i < 3; i++ {
		j := &model.Job{ID: "job-" + string(rune('a'+i)), Queue: "capture", Type: model.JobCapture}
		if _, err := b.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	depths, err := b.DepthByStatus(ctx, "capture")
	if err != nil {
		t.Fatalf("DepthByStatus: %v", err)
	}
	if depths[model.JobPending] != 3 {
		t.Errorf("expected 3 pending jobs, got %d", depths[model.JobPending])
	}
}
