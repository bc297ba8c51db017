package browser

import (
	"github.com/chromedp/chromedp"
	"github.com/nationaltreasure/engine/internal/model"
)

// stealthScript hides the most common headless-detection signals before any
// page script runs, in the spirit of the teacher pack's webdriver-hiding
// snippet (vdelacou-Nextjs-Extract-Article-Content's optimized request
// blocking script), expanded to the handful of checks real bot-detection
// vendors probe for.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
window.chrome = window.chrome || { runtime: {} };
`

// buildChromeOptions translates a Configuration into chromedp exec-allocator
// flags, following the teacher's BuildChromeOptions shape (a default flag
// set plus conditional additions) but driven by Configuration's headless
// kind, viewport, and user agent instead of a fixed BrowserOptions struct.
func buildChromeOptions(cfg *model.Configuration, proxyURL string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)

	width, height := cfg.ViewportW, cfg.ViewportH
	if width <= 0 {
		width = 1366
	}
	if height <= 0 {
		height = 768
	}
	opts = append(opts, chromedp.WindowSize(width, height))

	switch cfg.Headless {
	case model.HeadlessNew:
		opts = append(opts, chromedp.Flag("headless", "new"))
	case model.HeadlessLegacy:
		opts = append(opts, chromedp.Flag("headless", "old"))
	case model.HeadlessShell:
		opts = append(opts, chromedp.Flag("headless", true))
	case model.HeadlessVisible:
		opts = append(opts, chromedp.Flag("headless", false))
	default:
		opts = append(opts, chromedp.Flag("headless", "new"))
	}

	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if proxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(proxyURL))
	}

	return opts
}
