// Package browser implements the scoped browser session: launching a
// chromedp-driven Chrome instance configured by a model.Configuration,
// opening nested page scopes, and guaranteeing teardown on every exit path
// (spec §4.4).
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/nationaltreasure/engine/internal/model"
)

// Session owns one browser process launched for a single Configuration. It
// must be released on every exit path; Release is idempotent.
type Session struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserCancel context.CancelFunc

	config   *model.Configuration
	released bool
}

// Acquire launches a browser with cfg's flags (headless kind, viewport,
// user agent, stealth) and an optional proxy, per spec §4.4's acquisition
// contract.
func Acquire(ctx context.Context, cfg *model.Configuration, proxyURL string) (*Session, error) {
	opts := buildChromeOptions(cfg, proxyURL)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser: launch failed: %w", err)
	}

	s := &Session{
		allocCtx:      allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		config:        cfg,
	}

	if cfg.StealthEnabled {
		injectStealth := chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := cdppage.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		})
		if err := chromedp.Run(browserCtx, injectStealth); err != nil {
			s.Release()
			return nil, fmt.Errorf("browser: stealth injection failed: %w", err)
		}
	}

	return s, nil
}

// Release closes the browser and its allocator on all exit paths. Safe to
// call more than once.
func (s *Session) Release() error {
	if s == nil || s.released {
		return nil
	}
	s.released = true
	if s.browserCancel != nil {
		s.browserCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	return nil
}

// Page is a nested scope over one browser tab; Close must run before the
// owning Session's scope returns.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// OpenPage opens a new tab in the session's browser, per spec §4.4's
// nested-page-scope contract.
func (s *Session) OpenPage() (*Page, error) {
	pageCtx, cancel := chromedp.NewContext(s.browserCtx)
	if err := chromedp.Run(pageCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("browser: open page failed: %w", err)
	}
	return &Page{ctx: pageCtx, cancel: cancel}, nil
}

// Close tears down the tab. Safe to call more than once.
func (p *Page) Close() {
	if p != nil && p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// PageContext returns the page's underlying chromedp context, bounded by
// ctx's cancellation, for packages that run their own chromedp actions
// directly against this page (the behavior runner, in particular, issues
// raw chromedp.Evaluate/Run calls rather than going through Page's own
// methods).
func (p *Page) PageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return boundedByCaller(p.ctx, ctx)
}

// Cookie is a pre-navigation cookie the caller wants present before the
// first request, per spec §4.5 phase 3 (a pass-through, not a core
// decision).
type Cookie struct {
	Name   string
	Value  string
	Domain string
	Path   string
}

// SetCookies injects cookies before navigation occurs.
func (p *Page) SetCookies(ctx context.Context, cookies []Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	runCtx, cancel := boundedByCaller(p.ctx, ctx)
	defer cancel()

	actions := make([]chromedp.Action, 0, len(cookies))
	for _, c := range cookies {
		path := c.Path
		if path == "" {
			path = "/"
		}
		actions = append(actions, network.SetCookie(c.Name, c.Value).WithDomain(c.Domain).WithPath(path))
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("browser: set cookies failed: %w", err)
	}
	return nil
}

// Screenshot captures a full-page PNG of the current document.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	runCtx, cancel := boundedByCaller(p.ctx, ctx)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(runCtx, chromedp.FullScreenshot(&buf, 90)); err != nil {
		return nil, fmt.Errorf("browser: screenshot failed: %w", err)
	}
	return buf, nil
}

// PDF renders the current document to a PDF with print backgrounds enabled.
func (p *Page) PDF(ctx context.Context) ([]byte, error) {
	runCtx, cancel := boundedByCaller(p.ctx, ctx)
	defer cancel()

	var buf []byte
	action := chromedp.ActionFunc(func(c context.Context) error {
		data, _, err := cdppage.PrintToPDF().WithPrintBackground(true).Do(c)
		if err != nil {
			return err
		}
		buf = data
		return nil
	})
	if err := chromedp.Run(runCtx, action); err != nil {
		return nil, fmt.Errorf("browser: pdf render failed: %w", err)
	}
	return buf, nil
}

// boundedByCaller derives a context from the page's own chromedp context
// that also cancels when caller is done, since a chromedp action must run
// against the tab's context rather than an unrelated one.
func boundedByCaller(pageCtx, caller context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(pageCtx)
	stop := context.AfterFunc(caller, cancel)
	return runCtx, func() { stop(); cancel() }
}

// Response is the final_response_metadata spec §4.4's navigate returns.
type Response struct {
	FinalURL   string
	StatusCode int
	Headers    map[string]string
	Title      string
	HTML       string
}

// Navigate loads url honoring wait and timeout, and returns the final
// response metadata. A nil Response with a nil error denotes a navigation
// that completed without a response object (spec §4.4; the capture
// pipeline treats this as an error outcome).
func (p *Page) Navigate(ctx context.Context, url string, wait model.WaitStrategy, timeout time.Duration) (*Response, error) {
	navCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	var respMu sync.Mutex
	var statusCode int64
	var headers map[string]any
	listenCtx, stopListen := context.WithCancel(navCtx)
	defer stopListen()
	chromedp.ListenTarget(listenCtx, func(ev any) {
		e, ok := ev.(*network.EventResponseReceived)
		if !ok || e.Type != network.ResourceTypeDocument {
			return
		}
		respMu.Lock()
		statusCode = e.Response.Status
		headers = e.Response.Headers
		respMu.Unlock()
	})

	var finalURL, title, html string
	actions := []chromedp.Action{
		network.Enable(),
		chromedp.Navigate(url),
	}
	actions = append(actions, waitAction(wait))
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	if err := chromedp.Run(navCtx, actions...); err != nil {
		if ctx.Err() != nil || navCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("browser: navigation timed out: %w", err)
		}
		return nil, fmt.Errorf("browser: navigation failed: %w", err)
	}

	if finalURL == "" && title == "" && html == "" {
		return nil, nil
	}

	respMu.Lock()
	hdrs := make(map[string]string, len(headers))
	for k, v := range headers {
		hdrs[k] = fmt.Sprintf("%v", v)
	}
	finalStatus := statusCode
	respMu.Unlock()

	return &Response{
		FinalURL:   finalURL,
		StatusCode: int(finalStatus),
		Headers:    hdrs,
		Title:      title,
		HTML:       html,
	}, nil
}

// waitAction translates a WaitStrategy into a concrete chromedp action.
// networkidle (also used for an empty or unrecognized strategy) is
// approximated by networkIdleAction, which waits for the body element and
// then for a settle window with no new network request, since chromedp has
// no native network-idle primitive.
func waitAction(wait model.WaitStrategy) chromedp.Action {
	switch wait {
	case model.WaitDOMContentLoaded:
		return chromedp.WaitReady("body", chromedp.ByQuery)
	case model.WaitLoad:
		return chromedp.ActionFunc(func(ctx context.Context) error {
			return chromedp.Run(ctx,
				chromedp.WaitReady("body", chromedp.ByQuery),
				chromedp.WaitReady("html", chromedp.ByQuery),
			)
		})
	case model.WaitNetworkIdle:
		fallthrough
	default:
		return networkIdleAction()
	}
}

// networkIdleAction waits for the body to be ready and then for a settle
// window during which no new network request starts, bounded by the
// surrounding navigation timeout.
func networkIdleAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := chromedp.Run(ctx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
			return err
		}

		settle := 500 * time.Millisecond
		var mu sync.Mutex
		lastActivity := time.Now()
		listenCtx, stop := context.WithCancel(ctx)
		defer stop()
		chromedp.ListenTarget(listenCtx, func(ev any) {
			if _, ok := ev.(*network.EventRequestWillBeSent); ok {
				mu.Lock()
				lastActivity = time.Now()
				mu.Unlock()
			}
		})

		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				mu.Lock()
				idle := time.Since(lastActivity)
				mu.Unlock()
				if idle >= settle {
					return nil
				}
			}
		}
	})
}

// IsTimeout classifies a navigation failure's message, used by the capture
// pipeline to decide retryability without parsing chromedp internals
// further upstream.
func IsTimeout(err error) bool {
	return err != nil && strings.Contains(err.Error(), "timed out")
}
