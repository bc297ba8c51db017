// Package capture implements the capture pipeline (spec §4.5): one
// orchestration per request composing a browser session, the response
// validator, the behavior runner, and atomic multi-format artifact
// emission into a single structured model.CaptureResult.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nationaltreasure/engine/internal/behaviors"
	"github.com/nationaltreasure/engine/internal/browser"
	"github.com/nationaltreasure/engine/internal/bypass"
	"github.com/nationaltreasure/engine/internal/model"
	"github.com/nationaltreasure/engine/internal/preflight"
	"github.com/nationaltreasure/engine/pkg/proxy"
)

// Config holds the pipeline's per-phase timeouts and validator tuning,
// matching the configuration surface spec §6 names.
type Config struct {
	ArchiveDir        string
	NavigationTimeout time.Duration
	BehaviorTimeout   time.Duration
	OverallTimeout    time.Duration
	MinContentLength  int
	Patterns          []bypass.Pattern

	// PreflightEnabled, when nil or true, runs a cheap non-browser HTTP
	// probe before paying for a browser launch (SPEC_FULL.md supplemental
	// feature: preflight probe). Set to a pointer to false to disable.
	PreflightEnabled *bool
	Preflight        preflight.Config

	// ProxyPool, when set, supplies the browser launch's proxy whenever a
	// Request doesn't name one explicitly, and is fed health signals from
	// the outcome of each capture.
	ProxyPool *proxy.Pool
}

func (c *Config) setDefaults() {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.BehaviorTimeout <= 0 {
		c.BehaviorTimeout = 30 * time.Second
	}
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = 120 * time.Second
	}
	if c.MinContentLength <= 0 {
		c.MinContentLength = bypass.DefaultMinContentLength
	}
	if c.Patterns == nil {
		c.Patterns = bypass.DefaultPatterns()
	}
}

// Request is one capture-pipeline invocation's inputs (spec §4.5 "Inputs").
type Request struct {
	URL           string
	Configuration *model.Configuration
	ProxyURL      string

	// Artifacts names the formats to emit: any of "screenshot", "pdf",
	// "html", "warc". An empty set emits nothing but still validates.
	Artifacts []string

	Cookies         []browser.Cookie
	RunBehaviors    bool
	BehaviorOptions *behaviors.Options
}

// Pipeline runs capture requests against browser sessions leased from a
// shared Manager.
type Pipeline struct {
	manager *browser.Manager
	config  Config
	prober  *preflight.Prober
}

// New builds a Pipeline. manager bounds concurrent browser sessions across
// every in-flight capture (spec §5: the browser launcher is
// single-consumer per session). Unless cfg.PreflightEnabled is set to
// false, a preflight prober is built from cfg.Preflight and consulted
// before every browser launch.
func New(manager *browser.Manager, cfg Config) (*Pipeline, error) {
	cfg.setDefaults()
	p := &Pipeline{manager: manager, config: cfg}

	if cfg.PreflightEnabled == nil || *cfg.PreflightEnabled {
		prober, err := preflight.NewProber(cfg.Preflight)
		if err != nil {
			return nil, fmt.Errorf("capture: build preflight prober: %w", err)
		}
		p.prober = prober
	}

	return p, nil
}

// Capture runs the nine phases of spec §4.5 against req and always returns
// a structured CaptureResult, even on failure.
func (p *Pipeline) Capture(ctx context.Context, req Request) *model.CaptureResult {
	start := time.Now()
	result := &model.CaptureResult{URL: req.URL, TS: start, SchemaVersion: model.SchemaVersion}

	overallCtx, cancel := context.WithTimeout(ctx, p.config.OverallTimeout)
	defer cancel()

	// Phase 0 (supplemental): a cheap non-browser probe that can skip the
	// browser launch entirely on an unambiguous block (HTTP 429 or a
	// Retry-After header). Anything else is advisory: the full pipeline
	// still runs and re-validates independently in phase 6.
	if p.prober != nil {
		if pf, err := p.prober.Probe(overallCtx, req.URL); err == nil && pf.Attempted && pf.ShortCircuit {
			result.Validation = pf.Validation
			result.HTTPStatus = pf.Validation.HTTPStatus
			result.Success = false
			result.DurationMs = time.Since(start).Milliseconds()
			result.Error = fmt.Sprintf("preflight short-circuit: %s: %s", pf.Validation.Result, pf.Validation.BlockService)
			return result
		}
	}

	// Phase 1: open browser session under the configuration. A pool-
	// selected proxy is used when the request doesn't pin one, and its
	// health is updated from the outcome of this capture.
	proxyURL := req.ProxyURL
	var pooledProxy *url.URL
	if proxyURL == "" && p.config.ProxyPool != nil {
		if pooledProxy = p.config.ProxyPool.Next(); pooledProxy != nil {
			proxyURL = pooledProxy.String()
		}
	}
	markProxy := func(ok bool) {
		if pooledProxy == nil {
			return
		}
		if ok {
			_ = p.config.ProxyPool.MarkSuccess(pooledProxy)
		} else {
			_ = p.config.ProxyPool.MarkFailure(pooledProxy)
		}
	}

	session, release, err := p.manager.Acquire(overallCtx, req.Configuration, proxyURL)
	if err != nil {
		markProxy(false)
		return p.fail(result, start, fmt.Errorf("open session: %w", err))
	}
	defer release()

	// Phase 2: open page scope.
	page, err := session.OpenPage()
	if err != nil {
		markProxy(false)
		return p.fail(result, start, fmt.Errorf("open page: %w", err))
	}
	defer page.Close()

	// Phase 3: inject pre-navigation cookies (pass-through, not a core
	// decision).
	if err := page.SetCookies(overallCtx, req.Cookies); err != nil {
		markProxy(false)
		return p.fail(result, start, fmt.Errorf("set cookies: %w", err))
	}

	// Phase 4: navigate with the configuration's wait strategy and timeout.
	resp, err := page.Navigate(overallCtx, req.URL, req.Configuration.WaitStrategy, p.config.NavigationTimeout)
	if err != nil {
		markProxy(false)
		return p.fail(result, start, fmt.Errorf("navigate: %w", err))
	}
	if resp == nil {
		markProxy(false)
		return p.fail(result, start, errors.New("navigate: completed with no response object"))
	}
	markProxy(true)

	// Phase 5: acquire final response metadata, title, and body text.
	title, bodyText, _ := bypass.ParsePage(resp.HTML)
	if title == "" {
		title = resp.Title
	}

	// Phase 6: invoke the validator.
	validation := bypass.Classify(bypass.Input{
		HTTPStatus:       resp.StatusCode,
		FinalURL:         resp.FinalURL,
		Title:            title,
		BodyText:         bodyText,
		Headers:          resp.Headers,
		MinContentLength: p.config.MinContentLength,
	}, p.config.Patterns)

	result.Validation = validation
	result.Title = title
	result.HTTPStatus = resp.StatusCode
	result.ContentLength = len(resp.HTML)
	result.WordCount = len(strings.Fields(bodyText))

	meta := extractMetadata(resp.HTML, resp.FinalURL)
	result.MetaDescription = meta.MetaDescription
	result.Links = meta.Links
	result.ImageCount = meta.ImageCount
	result.VideoCount = meta.VideoCount

	// Phase 7: run behaviors if validation passed and the caller asked
	// for them; a behavior-runner failure never fails the capture.
	if validation.Result == model.ResultOK && req.RunBehaviors {
		opts := behaviors.DefaultOptions()
		if req.BehaviorOptions != nil {
			opts = *req.BehaviorOptions
		}
		if p.config.BehaviorTimeout < opts.OverallTimeout {
			opts.OverallTimeout = p.config.BehaviorTimeout
		}
		behaviorCtx, behaviorCancel := page.PageContext(overallCtx)
		result.Behaviors = behaviors.Run(behaviorCtx, opts)
		behaviorCancel()
	}

	// Phase 8: emit requested artifacts, each atomically.
	artifacts, artifactErr := p.emitArtifacts(overallCtx, req, page, resp)
	result.Artifacts = artifacts

	// Phase 9: always return a structured result.
	result.Success = validation.Result == model.ResultOK && artifactErr == nil
	result.DurationMs = time.Since(start).Milliseconds()
	switch {
	case artifactErr != nil:
		result.Error = fmt.Sprintf("partial: %s", artifactErr)
	case validation.Result != model.ResultOK:
		result.Error = fmt.Sprintf("%s: %s", validation.Result, validation.BlockService)
	}
	return result
}

// emitArtifacts renders and atomically writes every requested artifact
// kind, continuing past individual failures so the ones that succeed are
// still returned (spec §4.5 phase 8).
func (p *Pipeline) emitArtifacts(ctx context.Context, req Request, page *browser.Page, resp *browser.Response) (map[string]string, error) {
	artifacts := make(map[string]string, len(req.Artifacts))
	var firstErr error

	for _, kind := range req.Artifacts {
		path, err := artifactPath(p.config.ArchiveDir, req.URL, kind)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		data, err := p.renderArtifact(ctx, kind, page, resp)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", kind, err)
			}
			continue
		}

		if err := writeAtomic(path, data); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		artifacts[kind] = path
	}

	return artifacts, firstErr
}

func (p *Pipeline) renderArtifact(ctx context.Context, kind string, page *browser.Page, resp *browser.Response) ([]byte, error) {
	switch kind {
	case "screenshot":
		return page.Screenshot(ctx)
	case "pdf":
		return page.PDF(ctx)
	case "html":
		return []byte(resp.HTML), nil
	case "warc":
		return writeWARC(resp.FinalURL, resp.HTML, time.Now())
	default:
		return nil, fmt.Errorf("unknown artifact kind %q", kind)
	}
}

// fail finishes result with err, classifying a timed-out overall deadline
// distinctly from a generic error per spec §4.5's timeout policy.
func (p *Pipeline) fail(result *model.CaptureResult, start time.Time, err error) *model.CaptureResult {
	result.Success = false
	result.DurationMs = time.Since(start).Milliseconds()
	result.Error = err.Error()

	if errors.Is(err, context.DeadlineExceeded) || browser.IsTimeout(err) {
		result.Validation.Result = model.ResultTimeout
	} else {
		result.Validation.Result = model.ResultError
	}
	return result
}
