// Package bypass implements the response validator: it converts the
// post-navigation state of a page into a typed model.ValidationResult.
package bypass

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/nationaltreasure/engine/internal/model"
)

// MaxBodyTextLen caps how much body text the validator inspects; the
// capture pipeline truncates to this before handing text to Classify.
const MaxBodyTextLen = 20000

// DefaultMinContentLength is the length floor below which a short, error-flavored
// body is classified empty rather than ok (spec §4.2 step 3; configurable
// via Options).
const DefaultMinContentLength = 500

// Where names the part of the response a pattern inspects.
type Where string

const (
	WhereBody   Where = "body"
	WhereTitle  Where = "title"
	WhereHeader Where = "header"
	WhereCookie Where = "cookie"
)

// Pattern is one entry in the ordered bot-detection pattern set: a service
// tag, an optional free-form site signal for operator-facing detail, where
// to look, and the text (body/title substring) or name (header/cookie
// presence) to match.
type Pattern struct {
	Service    string
	SiteSignal string
	Where      Where
	Text       string
}

// DefaultPatterns is the built-in, ordered pattern set. Order is a
// tie-break: earlier entries are considered more specific and are tried
// first, so a page matching both a generic and a specific signature is
// attributed to the specific one.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Service: model.ServiceCloudflare, SiteSignal: "turnstile challenge", Where: WhereBody, Text: "cf-turnstile"},
		{Service: model.ServiceCloudflare, SiteSignal: "browser verification", Where: WhereBody, Text: "cf-browser-verification"},
		{Service: model.ServiceCloudflare, SiteSignal: "interstitial title", Where: WhereTitle, Text: "just a moment"},
		{Service: model.ServiceCloudflare, SiteSignal: "attention required page", Where: WhereBody, Text: "attention required! | cloudflare"},
		{Service: model.ServiceCloudflare, SiteSignal: "server header", Where: WhereHeader, Text: "cf-ray"},
		{Service: model.ServiceCloudfront, SiteSignal: "distribution error page", Where: WhereBody, Text: "generated by cloudfront"},
		{Service: model.ServiceAkamai, SiteSignal: "reference-number block page", Where: WhereBody, Text: "access denied"},
		{Service: model.ServiceAkamai, SiteSignal: "bot manager cookie", Where: WhereCookie, Text: "_abck"},
		{Service: model.ServiceDataDome, SiteSignal: "captcha-delivery host", Where: WhereBody, Text: "geo.captcha-delivery.com"},
		{Service: model.ServiceDataDome, SiteSignal: "datadome cookie", Where: WhereCookie, Text: "datadome"},
		{Service: model.ServiceDataDome, SiteSignal: "response header", Where: WhereHeader, Text: "x-datadome"},
		{Service: model.ServicePerimeterX, SiteSignal: "px client script", Where: WhereBody, Text: "client.perimeterx.net"},
		{Service: model.ServicePerimeterX, SiteSignal: "px block cookie", Where: WhereCookie, Text: "_pxblock"},
		{Service: model.ServicePerimeterX, SiteSignal: "px captcha header", Where: WhereHeader, Text: "x-px-captcha"},
		{Service: model.ServiceImperva, SiteSignal: "incapsula block page", Where: WhereBody, Text: "incapsula incident id"},
		{Service: model.ServiceImperva, SiteSignal: "visid cookie", Where: WhereCookie, Text: "visid_incap"},
		{Service: model.ServiceCaptcha, SiteSignal: "recaptcha widget", Where: WhereBody, Text: "recaptcha"},
		{Service: model.ServiceCaptcha, SiteSignal: "hcaptcha widget", Where: WhereBody, Text: "hcaptcha"},
		{Service: model.ServiceRateLimit, SiteSignal: "explicit rate-limit copy", Where: WhereBody, Text: "too many requests"},
		{Service: model.ServiceRateLimit, SiteSignal: "retry-after header", Where: WhereHeader, Text: "retry-after"},
	}
}

// Input is everything the validator needs about a finished page load; it is
// intentionally decoupled from any particular browser/HTTP client so the
// same Classify call serves both the preflight prober and the capture
// pipeline.
type Input struct {
	HTTPStatus int
	FinalURL   string
	Title      string
	BodyText   string // capped to MaxBodyTextLen by the caller; Classify lowercases it itself
	Headers    map[string]string
	Cookies    map[string]string

	MinContentLength int // 0 uses DefaultMinContentLength
}

// Classify implements spec §4.2's algorithm: status ≥ 400 is an immediate
// block; otherwise the ordered pattern set is walked, first match wins;
// otherwise a length-floor check demotes short error-flavored bodies to
// empty; otherwise ok.
func Classify(in Input, patterns []Pattern) model.ValidationResult {
	if in.HTTPStatus >= 400 {
		return model.ValidationResult{
			Result:       model.ResultBlocked,
			BlockService: httpStatusTag(in.HTTPStatus),
			HTTPStatus:   in.HTTPStatus,
		}
	}

	title := strings.ToLower(in.Title)
	body := strings.ToLower(in.BodyText)

	for _, p := range patterns {
		if matches(p, title, body, in.Headers, in.Cookies) {
			return model.ValidationResult{
				Result:       model.ResultBlocked,
				BlockService: p.Service,
				Pattern:      p.SiteSignal,
				HTTPStatus:   in.HTTPStatus,
			}
		}
	}

	floor := in.MinContentLength
	if floor <= 0 {
		floor = DefaultMinContentLength
	}
	if len(in.BodyText) < floor && containsAny(body, "error", "denied", "forbidden") {
		return model.ValidationResult{Result: model.ResultEmpty, HTTPStatus: in.HTTPStatus}
	}

	return model.ValidationResult{Result: model.ResultOK, HTTPStatus: in.HTTPStatus}
}

func matches(p Pattern, title, body string, headers, cookies map[string]string) bool {
	text := strings.ToLower(p.Text)
	switch p.Where {
	case WhereTitle:
		return strings.Contains(title, text)
	case WhereBody:
		return strings.Contains(body, text)
	case WhereHeader:
		return headerPresent(headers, text)
	case WhereCookie:
		return headerPresent(cookies, text)
	default:
		return false
	}
}

// headerPresent does a case-insensitive name-presence test, per spec §4.2's
// "header/cookie checks are name-presence tests".
func headerPresent(m map[string]string, name string) bool {
	for k := range m {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func httpStatusTag(status int) string {
	switch {
	case status >= 500:
		return "http_5xx"
	case status >= 400:
		return "http_4xx"
	default:
		return ""
	}
}

// ParsePage extracts the page title and the trimmed, length-capped body
// text (case preserved) from a final HTML document, using goquery the way the teacher's
// crawler parses pages for link extraction.
func ParsePage(html string) (title, bodyText string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", "", err
	}
	title = strings.TrimSpace(doc.Find("title").First().Text())
	bodyText = strings.TrimSpace(doc.Find("body").Text())
	if len(bodyText) > MaxBodyTextLen {
		bodyText = bodyText[:MaxBodyTextLen]
	}
	return title, bodyText, nil
}
