// Package preflight issues a single lightweight HTTP request ahead of a
// full browser launch, so an unambiguous block can be attributed without
// paying for a browser session (spec SUPPLEMENTAL FEATURE: preflight probe).
package preflight

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nationaltreasure/engine/internal/bypass"
	"github.com/nationaltreasure/engine/internal/fingerprint"
	"github.com/nationaltreasure/engine/internal/metrics"
	"github.com/nationaltreasure/engine/internal/model"
	"github.com/nationaltreasure/engine/pkg/httpclient"
	"github.com/nationaltreasure/engine/pkg/proxy"
	"github.com/nationaltreasure/engine/pkg/ratelimit"
	"github.com/nationaltreasure/engine/pkg/useragent"
)

// Config configures a Prober. Zero values fall back to sane defaults.
type Config struct {
	Timeout     time.Duration
	Fingerprint fingerprint.Profile
	ProxyPool   *proxy.Pool
	UAPool      *useragent.Pool
	Limiter     *ratelimit.Limiter

	MinContentLength int
}

// Prober performs the cheap non-browser HTTP check.
type Prober struct {
	config Config
	client *httpclient.Client
}

// NewProber builds a Prober whose transport is fingerprinted and
// optionally proxied, mirroring the teacher's fetch-client construction.
func NewProber(cfg Config) (*Prober, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Fingerprint == "" {
		cfg.Fingerprint = fingerprint.ProfileChrome
	}

	var proxyFunc func(*http.Request) (*url.URL, error)
	if cfg.ProxyPool != nil {
		proxyFunc = func(_ *http.Request) (*url.URL, error) {
			return cfg.ProxyPool.Next(), nil
		}
	}

	transport, err := fingerprint.Transport(cfg.Fingerprint, proxyFunc)
	if err != nil {
		return nil, fmt.Errorf("preflight: %w", err)
	}

	client, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: 5,
		Transport:    transport,
	})
	if err != nil {
		return nil, fmt.Errorf("preflight: %w", err)
	}

	return &Prober{config: cfg, client: client}, nil
}

// Result is the outcome of one preflight probe.
type Result struct {
	ID          string
	Attempted   bool // false when the probe itself could not be issued
	Validation  model.ValidationResult
	ProxyURL    *url.URL
	Err         error

	// ShortCircuit is true only when the block pattern is unambiguous
	// (HTTP 429 or a Retry-After header); the pipeline should record the
	// outcome immediately and skip the browser launch.
	ShortCircuit bool

	// ShouldRetryWithoutPreflight hints that this probe's block verdict
	// is advisory and the browser attempt should proceed and re-validate
	// independently in §4.5 step 6, rather than trusting this result.
	ShouldRetryWithoutPreflight bool
}

// Probe issues a single GET against targetURL and classifies the response
// through the shared validator. A probe that fails outright (dial error,
// timeout) is not treated as a block; it is reported as unattempted so the
// browser-based attempt proceeds normally.
func (p *Prober) Probe(ctx context.Context, targetURL string) (*Result, error) {
	if p.config.Limiter != nil {
		if err := p.config.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("preflight: %w", err)
		}
	}

	req, err := http.NewRequest(http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("preflight: %w", err)
	}

	var proxyURL *url.URL
	if p.config.ProxyPool != nil {
		proxyURL = p.config.ProxyPool.Next()
	}

	ua := ""
	if p.config.UAPool != nil {
		ua = p.config.UAPool.GetSequential()
	}
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	res := &Result{ID: uuid.NewString(), ProxyURL: proxyURL}

	resp, err := p.client.Do(ctx, req)
	if err != nil {
		if proxyURL != nil && p.config.ProxyPool != nil {
			_ = p.config.ProxyPool.MarkFailure(proxyURL)
			metrics.ProxyFailures.WithLabelValues(proxyURL.String()).Inc()
		}
		res.Err = err
		return res, nil
	}
	defer resp.Body.Close()

	if proxyURL != nil && p.config.ProxyPool != nil {
		_ = p.config.ProxyPool.MarkSuccess(proxyURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(bypass.MaxBodyTextLen)*4))
	if err != nil {
		res.Err = fmt.Errorf("preflight: reading body: %w", err)
		return res, nil
	}

	title, bodyText, _ := bypass.ParsePage(string(body))

	headers := map[string]string{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	res.Attempted = true
	res.Validation = bypass.Classify(bypass.Input{
		HTTPStatus:       resp.StatusCode,
		FinalURL:         resp.Request.URL.String(),
		Title:            title,
		BodyText:         bodyText,
		Headers:          headers,
		MinContentLength: p.config.MinContentLength,
	}, bypass.DefaultPatterns())

	if res.Validation.Result == model.ResultOK {
		return res, nil
	}

	res.ShortCircuit = resp.StatusCode == http.StatusTooManyRequests || retryAfterPresent(headers)
	res.ShouldRetryWithoutPreflight = !res.ShortCircuit

	return res, nil
}

func retryAfterPresent(headers map[string]string) bool {
	for k := range headers {
		if strings.EqualFold(k, "Retry-After") {
			return true
		}
	}
	return false
}
