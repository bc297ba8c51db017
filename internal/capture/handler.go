package capture

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nationaltreasure/engine/internal/learner"
	"github.com/nationaltreasure/engine/internal/metrics"
	"github.com/nationaltreasure/engine/internal/model"
	"github.com/nationaltreasure/engine/internal/queue"
)

// NewQueueHandler adapts a Pipeline into a queue.Handler implementing the
// capture job's data flow (spec §3): ask the domain learner for a
// configuration and a minimum delay, run the capture, then report the
// outcome back to the learner so future selections improve.
func NewQueueHandler(p *Pipeline, learn *learner.Learner) queue.Handler {
	return func(ctx context.Context, job *model.Job) (map[string]any, error) {
		target, _ := job.Payload["url"].(string)
		if target == "" {
			return nil, fmt.Errorf("capture: job payload missing url")
		}

		domain, err := hostOf(target)
		if err != nil {
			return nil, fmt.Errorf("capture: %w", err)
		}

		if wait, err := learn.ShouldWait(ctx, domain); err == nil && wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}

		cfg, err := learn.SelectConfiguration(ctx, domain)
		if err != nil {
			return nil, fmt.Errorf("capture: select configuration: %w", err)
		}

		req := Request{
			URL:           target,
			Configuration: cfg,
			ProxyURL:      stringPayload(job.Payload, "proxy_url"),
			Artifacts:     stringSlicePayload(job.Payload, "artifacts"),
			RunBehaviors:  boolPayload(job.Payload, "run_behaviors"),
		}

		result := p.Capture(ctx, req)

		now := time.Now()
		outcome := &model.Outcome{
			ID:            uuid.NewString(),
			TS:            now,
			Domain:        domain,
			URL:           target,
			ConfigID:      cfg.ID,
			Hour:          now.Hour(),
			Weekday:       int(now.Weekday()),
			Result:        result.Validation.Result,
			BlockService:  result.Validation.BlockService,
			HTTPStatus:    result.HTTPStatus,
			ResponseMs:    int(result.DurationMs),
			ContentLength: result.ContentLength,
			PageTitle:     result.Title,
			SchemaVersion: model.SchemaVersion,
		}
		if recErr := learn.RecordOutcome(ctx, outcome); recErr != nil {
			return nil, fmt.Errorf("capture: record outcome: %w", recErr)
		}
		metrics.RecordOutcome(outcome, result.DurationMs)

		if !result.Success {
			return nil, fmt.Errorf("capture: %s", result.Error)
		}

		return map[string]any{
			"success":        result.Success,
			"title":          result.Title,
			"http_status":    result.HTTPStatus,
			"word_count":     result.WordCount,
			"artifacts":      result.Artifacts,
			"behaviors":      result.Behaviors,
			"schema_version": result.SchemaVersion,
		}, nil
	}
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return strings.ToLower(host), nil
}

func stringPayload(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func boolPayload(payload map[string]any, key string) bool {
	v, _ := payload[key].(bool)
	return v
}

// stringSlicePayload reads a string slice out of a job payload, tolerating
// both []string (in-process enqueue) and []any (round-tripped through a
// storage backend's JSON encoding).
func stringSlicePayload(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
