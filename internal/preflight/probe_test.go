package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nationaltreasure/engine/internal/fingerprint"
	"github.com/nationaltreasure/engine/internal/model"
	"github.com/nationaltreasure/engine/pkg/useragent"
)

func TestProbe_OKPageIsNotAShortCircuit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Errorf("expected a User-Agent header")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html><head><title>fine</title></head><body>a perfectly normal page with plenty of text to clear the content length floor here.</body></html>"))
	}))
	defer ts.Close()

	p, err := NewProber(Config{
		Timeout:     5 * time.Second,
		Fingerprint: fingerprint.ProfileGo,
		UAPool:      useragent.NewPool([]string{"TestBrowser/1.0"}),
	})
	if err != nil {
		t.Fatalf("NewProber: %v", err)
	}

	res, err := p.Probe(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !res.Attempted {
		t.Fatalf("expected probe to be attempted, got err=%v", res.Err)
	}
	if res.Validation.Result != model.ResultOK {
		t.Errorf("expected ok, got %+v", res.Validation)
	}
	if res.ShortCircuit {
		t.Errorf("expected no short circuit for an ok page")
	}
}

func TestProbe_TooManyRequestsShortCircuits(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	p, err := NewProber(Config{Timeout: 5 * time.Second, Fingerprint: fingerprint.ProfileGo})
	if err != nil {
		t.Fatalf("NewProber: %v", err)
	}

	res, err := p.Probe(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !res.ShortCircuit {
		t.Errorf("expected HTTP 429 to short-circuit")
	}
	if res.ShouldRetryWithoutPreflight {
		t.Errorf("a short-circuited block should not also carry the advisory hint")
	}
}

func TestProbe_CloudflareBlockIsAdvisoryNotShortCircuit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html><head><title>Just a moment...</title></head><body>checking your browser</body></html>"))
	}))
	defer ts.Close()

	p, err := NewProber(Config{Timeout: 5 * time.Second, Fingerprint: fingerprint.ProfileGo})
	if err != nil {
		t.Fatalf("NewProber: %v", err)
	}

	res, err := p.Probe(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Validation.Result != model.ResultBlocked || res.Validation.BlockService != model.ServiceCloudflare {
		t.Fatalf("expected a cloudflare block, got %+v", res.Validation)
	}
	if res.ShortCircuit {
		t.Errorf("a cloudflare interstitial without 429/Retry-After should be advisory only")
	}
	if !res.ShouldRetryWithoutPreflight {
		t.Errorf("expected the advisory hint to be set")
	}
}

func TestProbe_RetryAfterHeaderShortCircuits(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	p, err := NewProber(Config{Timeout: 5 * time.Second, Fingerprint: fingerprint.ProfileGo})
	if err != nil {
		t.Fatalf("NewProber: %v", err)
	}

	res, err := p.Probe(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Validation.BlockService != "http_5xx" {
		t.Fatalf("expected http_5xx tag, got %+v", res.Validation)
	}
	if !res.ShortCircuit {
		t.Errorf("expected Retry-After header to short-circuit even on a 5xx")
	}
}

func TestProbe_DialFailureIsNotTreatedAsABlock(t *testing.T) {
	p, err := NewProber(Config{Timeout: 200 * time.Millisecond, Fingerprint: fingerprint.ProfileGo})
	if err != nil {
		t.Fatalf("NewProber: %v", err)
	}

	res, err := p.Probe(context.Background(), "http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Attempted {
		t.Errorf("expected an unattempted probe on dial failure")
	}
	if res.Err == nil {
		t.Errorf("expected a recorded error")
	}
}
