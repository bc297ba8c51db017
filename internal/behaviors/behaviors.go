// Package behaviors implements the content-expansion behavior runner
// (spec §4.3): an ordered, bounded set of page mutations that surface
// content hidden behind overlays, tabs, carousels, and lazy-loading before
// capture. Each behavior returns a count of effects, never raises, and is
// cut short by its own deadline without failing the others.
package behaviors

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/nationaltreasure/engine/internal/model"
)

// Options configures the bounded behavior run.
type Options struct {
	OverallTimeout         time.Duration
	BehaviorTimeout        time.Duration
	ActionDelay            time.Duration
	ScrollStepPx           int
	MaxScrollSteps         int
	MaxCarouselAdvances    int
	MaxInfiniteScrollPages int

	DismissOverlays      bool
	ScrollToLoad         bool
	ExpandContent        bool
	ClickTabs            bool
	NavigateCarousels    bool
	ExpandComments       bool
	HandleInfiniteScroll bool
}

// DefaultOptions matches spec §4.3's defaults: all seven behaviors enabled,
// a 30s per-behavior deadline and a 120s overall deadline (shared with the
// capture pipeline's own overall timeout).
func DefaultOptions() Options {
	return Options{
		OverallTimeout:         120 * time.Second,
		BehaviorTimeout:        30 * time.Second,
		ActionDelay:            300 * time.Millisecond,
		ScrollStepPx:           500,
		MaxScrollSteps:         50,
		MaxCarouselAdvances:    5,
		MaxInfiniteScrollPages: 10,
		DismissOverlays:        true,
		ScrollToLoad:           true,
		ExpandContent:          true,
		ClickTabs:              true,
		NavigateCarousels:      true,
		ExpandComments:         true,
		HandleInfiniteScroll:   true,
	}
}

// overlaySelectors are the cookie-consent / modal-close controls dismiss
// tries, in order, mirroring the original implementation's selector list.
var overlaySelectors = []string{
	"[class*='cookie'] button[class*='accept']",
	"[class*='cookie'] button[class*='agree']",
	"[class*='consent'] button[class*='accept']",
	"[id*='cookie'] button",
	".cc-dismiss",
	"#onetrust-accept-btn-handler",
	".cookie-banner button",
	"[class*='modal'] [class*='close']",
	"[class*='modal'] button[aria-label*='close']",
	"[class*='popup'] [class*='close']",
	".modal-close",
	"button[class*='dismiss']",
	"[aria-label='Close']",
	"[aria-label='Dismiss']",
	"button.close",
}

var expandSelectors = []string{
	"[class*='read-more']",
	"[class*='show-more']",
	"[class*='expand']",
	"[class*='see-more']",
	"button[class*='more']",
	"a[class*='more']",
	"[aria-expanded='false']",
}

var tabSelectors = []string{
	"[role='tab']",
	".tab",
	"[class*='tab-']",
	".nav-link",
	"[data-toggle='tab']",
}

var carouselNextSelectors = []string{
	"[class*='carousel'] [class*='next']",
	"[class*='slider'] [class*='next']",
	"[class*='swiper'] [class*='next']",
	".slick-next",
	"[aria-label*='next']",
}

var commentSelectors = []string{
	"[class*='comment'] [class*='load-more']",
	"[class*='comment'] [class*='show-more']",
	"[class*='reply'] button",
	".load-comments",
	"[class*='comments'] button",
}

// named is one entry in the ordered behavior set, paired with the Options
// flag that enables it.
type named struct {
	name    string
	enabled func(Options) bool
	run     func(context.Context, Options) (int, error)
}

func orderedBehaviors() []named {
	return []named{
		{"overlays", func(o Options) bool { return o.DismissOverlays }, dismissOverlays},
		{"scroll", func(o Options) bool { return o.ScrollToLoad }, scrollToLoad},
		{"expand", func(o Options) bool { return o.ExpandContent }, expandContent},
		{"tabs", func(o Options) bool { return o.ClickTabs }, clickTabs},
		{"carousels", func(o Options) bool { return o.NavigateCarousels }, navigateCarousels},
		{"comments", func(o Options) bool { return o.ExpandComments }, expandComments},
		{"infinite", func(o Options) bool { return o.HandleInfiniteScroll }, handleInfiniteScroll},
	}
}

// Run executes the ordered behavior set against pageCtx (a chromedp page
// context), stopping early once the overall deadline elapses. Per-behavior
// failures and timeouts are swallowed: a behavior that returns an error
// contributes no count, and a behavior whose own deadline expired is also
// listed in TimedOutBehaviors. Run itself never returns an error.
func Run(pageCtx context.Context, opts Options) *model.BehaviorStats {
	stats := &model.BehaviorStats{}
	start := time.Now()

	overallCtx, cancel := context.WithTimeout(pageCtx, opts.OverallTimeout)
	defer cancel()

	for _, b := range orderedBehaviors() {
		if !b.enabled(opts) {
			continue
		}
		if time.Since(start) >= opts.OverallTimeout {
			break
		}

		behaviorCtx, behaviorCancel := context.WithTimeout(overallCtx, opts.BehaviorTimeout)
		count, err := b.run(behaviorCtx, opts)
		behaviorCancel()

		if behaviorCtx.Err() == context.DeadlineExceeded {
			stats.TimedOutBehaviors = append(stats.TimedOutBehaviors, b.name)
		}
		if err != nil {
			continue
		}
		applyCount(stats, b.name, count)
	}

	stats.DurationMs = time.Since(start).Milliseconds()
	return stats
}

func applyCount(stats *model.BehaviorStats, name string, count int) {
	switch name {
	case "overlays":
		stats.OverlaysDismissed = count
	case "scroll":
		stats.ScrollDepth = count
	case "expand":
		stats.ElementsExpanded = count
	case "tabs":
		stats.TabsClicked = count
	case "carousels":
		stats.CarouselSlides = count
	case "comments":
		stats.CommentsLoaded = count
	case "infinite":
		stats.InfiniteScrollPages = count
	}
}

// clickVisibleJS clicks every element matching selector that has a
// non-zero layout box (chromedp has no locator-level visibility check the
// way Playwright does, so visibility is judged in-page), returning a count.
const clickVisibleJS = `(() => {
  const els = document.querySelectorAll(%s);
  let clicked = 0;
  els.forEach((el) => {
    const box = el.getBoundingClientRect();
    if (box.width > 0 && box.height > 0) {
      el.click();
      clicked++;
    }
  });
  return clicked;
})()`

// clickAll clicks every visible element matching each selector in turn, in
// order, and stops moving on to further selectors once cap clicks have been
// made (cap<=0 means unbounded); the cap is checked between selectors, so a
// single selector's sweep can take the total past it. A selector that
// matches nothing is not an error: most entries in these sets are
// speculative, site-agnostic guesses.
func clickAll(ctx context.Context, selectors []string, delay time.Duration, cap int) (int, error) {
	clicked := 0
	for _, sel := range selectors {
		if ctx.Err() != nil {
			return clicked, ctx.Err()
		}
		if cap > 0 && clicked >= cap {
			break
		}
		n, err := clickVisible(ctx, sel)
		if err != nil {
			continue
		}
		clicked += n
		if n > 0 {
			sleep(ctx, delay)
		}
	}
	return clicked, nil
}

func clickVisible(ctx context.Context, selector string) (int, error) {
	var n int64
	script := fmt.Sprintf(clickVisibleJS, strconv.Quote(selector))
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &n)); err != nil {
		return 0, err
	}
	return int(n), nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// dismissOverlays clicks known cookie-consent / modal-close controls, then
// sends Escape to close anything that remains (spec §4.3 step 1).
func dismissOverlays(ctx context.Context, opts Options) (int, error) {
	dismissed, err := clickAll(ctx, overlaySelectors, opts.ActionDelay, 0)
	_ = chromedp.Run(ctx, chromedp.KeyEvent(kb.Escape))
	_ = chromedp.Run(ctx, chromedp.Evaluate(removeLargeFixedOverlaysJS, nil))
	return dismissed, err
}

const removeLargeFixedOverlaysJS = `(() => {
  const overlays = document.querySelectorAll('[style*="position: fixed"], [style*="position: sticky"]');
  let removed = 0;
  overlays.forEach((el) => {
    if (el.offsetHeight > window.innerHeight * 0.5) {
      el.remove();
      removed++;
    }
  });
  return removed;
})()`

// scrollToLoad scrolls down by ScrollStepPx pixels per step (a fixed
// distance, not the viewport height) until scrollHeight is stable or the
// step cap is reached, then restores the original scroll position
// (spec §4.3 step 2).
func scrollToLoad(ctx context.Context, opts Options) (int, error) {
	depth := 0
	var prevHeight int64
	var originalY float64
	if err := chromedp.Run(ctx,
		chromedp.Evaluate(`document.body.scrollHeight`, &prevHeight),
		chromedp.Evaluate(`window.scrollY`, &originalY),
	); err != nil {
		return 0, err
	}

	for i := 0; i < opts.MaxScrollSteps; i++ {
		if ctx.Err() != nil {
			return depth, ctx.Err()
		}
		if err := chromedp.Run(ctx, chromedp.Evaluate(`window.scrollBy(0, `+strconv.Itoa(opts.ScrollStepPx)+`)`, nil)); err != nil {
			return depth, err
		}
		depth += opts.ScrollStepPx
		sleep(ctx, opts.ActionDelay)

		var currentHeight, scrollPosition int64
		if err := chromedp.Run(ctx,
			chromedp.Evaluate(`document.body.scrollHeight`, &currentHeight),
			chromedp.Evaluate(`window.scrollY + window.innerHeight`, &scrollPosition),
		); err != nil {
			return depth, err
		}
		if scrollPosition >= currentHeight && currentHeight == prevHeight {
			break
		}
		prevHeight = currentHeight
	}

	_ = chromedp.Run(ctx, chromedp.Evaluate(`window.scrollTo(0, `+strconv.FormatFloat(originalY, 'f', -1, 64)+`)`, nil))
	return depth, nil
}

// expandContent opens every closed <details> element, then clicks
// "read more"/"show more" style controls (spec §4.3 step 3).
func expandContent(ctx context.Context, opts Options) (int, error) {
	expanded := 0

	var detailsOpened int64
	if err := chromedp.Run(ctx, chromedp.Evaluate(openAllDetailsJS, &detailsOpened)); err == nil {
		expanded += int(detailsOpened)
	}

	clicked, err := clickAll(ctx, expandSelectors, opts.ActionDelay, 0)
	return expanded + clicked, err
}

const openAllDetailsJS = `(() => {
  const details = document.querySelectorAll('details:not([open])');
  details.forEach((d) => { d.open = true; });
  return details.length;
})()`

// clickTabs clicks every tab within each recognized tab container, in
// order (spec §4.3 step 4).
func clickTabs(ctx context.Context, opts Options) (int, error) {
	return clickAll(ctx, tabSelectors, opts.ActionDelay, 0)
}

// navigateCarousels clicks each recognized carousel's next control up to
// the per-carousel advance cap (spec §4.3 step 5).
func navigateCarousels(ctx context.Context, opts Options) (int, error) {
	advances := 0
	for _, sel := range carouselNextSelectors {
		if ctx.Err() != nil {
			return advances, ctx.Err()
		}
		for i := 0; i < opts.MaxCarouselAdvances; i++ {
			n, err := clickVisible(ctx, sel)
			if err != nil || n == 0 {
				break
			}
			advances += n
			sleep(ctx, opts.ActionDelay)
		}
	}
	return advances, nil
}

// expandComments clicks "load more comments" style controls, site-agnostic
// (spec §4.3 step 6).
func expandComments(ctx context.Context, opts Options) (int, error) {
	return clickAll(ctx, commentSelectors, opts.ActionDelay, 0)
}

// handleInfiniteScroll scroll-and-wait cycles capped by page count, stopping
// as soon as a cycle adds no new elements (spec §4.3 step 7).
func handleInfiniteScroll(ctx context.Context, opts Options) (int, error) {
	pagesLoaded := 0
	for i := 0; i < opts.MaxInfiniteScrollPages; i++ {
		if ctx.Err() != nil {
			return pagesLoaded, ctx.Err()
		}
		var prevCount, newCount int64
		if err := chromedp.Run(ctx, chromedp.Evaluate(`document.body.querySelectorAll('*').length`, &prevCount)); err != nil {
			return pagesLoaded, err
		}
		if err := chromedp.Run(ctx, chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil)); err != nil {
			return pagesLoaded, err
		}
		sleep(ctx, time.Second)
		if err := chromedp.Run(ctx, chromedp.Evaluate(`document.body.querySelectorAll('*').length`, &newCount)); err != nil {
			return pagesLoaded, err
		}
		if newCount > prevCount {
			pagesLoaded++
		} else {
			break
		}
	}
	return pagesLoaded, nil
}
