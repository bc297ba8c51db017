package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nationaltreasure/engine/internal/model"
	"github.com/nationaltreasure/engine/internal/storage"
)

func newTestBackend(t *testing.T) (*Backend, context.Context) {
	t.Helper()
	dsn := os.Getenv("BURR_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("skipping postgres backend test: BURR_TEST_PG_DSN not set")
	}

	ctx := context.Background()
	b, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, ctx
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

func TestRecordOutcomeUpdatesCountersAndSampleCount(t *testing.T) {
	b, ctx := newTestBackend(t)
	seedConfig(t, b, ctx, "testpg-cfg-1")

	o := &model.Outcome{
		ID:       "testpg-out-1",
		TS:       time.Now().UTC(),
		Domain:   "example-pg.com",
		URL:      "https://example-pg.com/a",
		ConfigID: "testpg-cfg-1",
		Result:   model.ResultOK,
	}
	if err := b.RecordOutcome(ctx, o); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	cfg, err := b.GetConfiguration(ctx, "testpg-cfg-1")
	if err != nil {
		t.Fatalf("GetConfiguration: %v", err)
	}
	if cfg.Attempts != 1 || cfg.Successes != 1 {
		t.Errorf("got attempts=%d successes=%d, want 1/1", cfg.Attempts, cfg.Successes)
	}

	dom, err := b.GetDomain(ctx, "example-pg.com")
	if err != nil {
		t.Fatalf("GetDomain: %v", err)
	}
	if dom.SampleCount != 1 {
		t.Errorf("got sample count %d, want 1", dom.SampleCount)
	}
}

func TestRecordOutcomeCreatesDomainRecordOnFirstOutcome(t *testing.T) {
	b, ctx := newTestBackend(t)
	seedConfig(t, b, ctx, "testpg-cfg-2")

	if _, err := b.GetDomain(ctx, "new-pg.example"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no domain record yet, got err=%v", err)
	}

	o := &model.Outcome{
		ID: "testpg-out-2", TS: time.Now().UTC(), Domain: "new-pg.example",
		URL: "https://new-pg.example/a", ConfigID: "testpg-cfg-2", Result: model.ResultOK,
	}
	if err := b.RecordOutcome(ctx, o); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	dom, err := b.GetDomain(ctx, "new-pg.example")
	if err != nil {
		t.Fatalf("GetDomain: %v", err)
	}
	if dom.SampleCount != 1 {
		t.Errorf("got sample count %d after the first outcome, want 1", dom.SampleCount)
	}
}

func TestRecordOutcomeUnknownConfigurationFails(t *testing.T) {
	b, ctx := newTestBackend(t)

	o := &model.Outcome{
		ID: "testpg-out-3", TS: time.Now().UTC(), Domain: "example-pg.com",
		URL: "https://example-pg.com/a", ConfigID: "missing", Result: model.ResultOK,
	}
	if err := b.RecordOutcome(ctx, o); err == nil {
		t.Fatal("expected error for unknown configuration")
	}
}
