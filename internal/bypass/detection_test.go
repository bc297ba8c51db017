package bypass

import (
	"strings"
	"testing"

	"github.com/nationaltreasure/engine/internal/model"
)

func TestClassify_StatusAboveThresholdIsBlocked(t *testing.T) {
	res := Classify(Input{HTTPStatus: 403, BodyText: "nothing interesting"}, DefaultPatterns())
	if res.Result != model.ResultBlocked || res.BlockService != "http_4xx" {
		t.Errorf("got %+v, want blocked/http_4xx", res)
	}

	res = Classify(Input{HTTPStatus: 503}, DefaultPatterns())
	if res.Result != model.ResultBlocked || res.BlockService != "http_5xx" {
		t.Errorf("got %+v, want blocked/http_5xx", res)
	}
}

func TestClassify_CloudflareByTitle(t *testing.T) {
	res := Classify(Input{
		HTTPStatus: 200,
		Title:      "Just a moment...",
		BodyText:   strings.Repeat("filler ", 100),
	}, DefaultPatterns())
	if res.Result != model.ResultBlocked || res.BlockService != model.ServiceCloudflare {
		t.Errorf("got %+v, want blocked/cloudflare", res)
	}
}

func TestClassify_CloudflareByBody(t *testing.T) {
	res := Classify(Input{
		HTTPStatus: 200,
		BodyText:   "<html>... cf-turnstile ...</html>" + strings.Repeat(" pad", 150),
	}, DefaultPatterns())
	if res.Result != model.ResultBlocked || res.BlockService != model.ServiceCloudflare {
		t.Errorf("got %+v, want blocked/cloudflare", res)
	}
}

func TestClassify_DataDomeByCookie(t *testing.T) {
	res := Classify(Input{
		HTTPStatus: 200,
		BodyText:   strings.Repeat("content ", 100),
		Cookies:    map[string]string{"datadome": "abc123"},
	}, DefaultPatterns())
	if res.Result != model.ResultBlocked || res.BlockService != model.ServiceDataDome {
		t.Errorf("got %+v, want blocked/datadome", res)
	}
}

func TestClassify_PerimeterXByHeader(t *testing.T) {
	res := Classify(Input{
		HTTPStatus: 200,
		BodyText:   strings.Repeat("content ", 100),
		Headers:    map[string]string{"X-PX-Captcha": "required"},
	}, DefaultPatterns())
	if res.Result != model.ResultBlocked || res.BlockService != model.ServicePerimeterX {
		t.Errorf("got %+v, want blocked/perimeterx", res)
	}
}

func TestClassify_ShortErrorBodyIsEmpty(t *testing.T) {
	res := Classify(Input{HTTPStatus: 200, BodyText: "access forbidden"}, DefaultPatterns())
	if res.Result != model.ResultEmpty {
		t.Errorf("got %+v, want empty", res)
	}
}

func TestClassify_OKWhenNothingMatches(t *testing.T) {
	res := Classify(Input{HTTPStatus: 200, BodyText: strings.Repeat("a perfectly normal page. ", 50)}, DefaultPatterns())
	if res.Result != model.ResultOK {
		t.Errorf("got %+v, want ok", res)
	}
}

func TestClassify_PatternOrderIsATieBreak(t *testing.T) {
	// Both the turnstile and the generic attention-required signatures are
	// present; the earlier (more specific) pattern in DefaultPatterns wins.
	res := Classify(Input{
		HTTPStatus: 200,
		BodyText:   "cf-turnstile challenge and attention required! | cloudflare " + strings.Repeat("x", 500),
	}, DefaultPatterns())
	if res.Pattern != "turnstile challenge" {
		t.Errorf("got pattern %q, want the earlier, more specific match", res.Pattern)
	}
}

func TestParsePageExtractsTitleAndBody(t *testing.T) {
	html := `<html><head><title>Example Page</title></head><body><p>Hello world</p></body></html>`
	title, body, err := ParsePage(html)
	if err != nil {
		t.Fatalf("ParsePage: %v", err)
	}
	if title != "Example Page" {
		t.Errorf("got title %q", title)
	}
	if !strings.Contains(body, "Hello world") {
		t.Errorf("got body %q", body)
	}
}
