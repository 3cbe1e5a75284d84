package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestTrackRequestExposesCountersViaHandler(t *testing.T) {
	m := NewMetrics(zerolog.New(io.Discard))
	m.TrackRequest("openai", "gpt-4o", "chat.completions", 200, 125.0, 150, false)
	m.TrackRequest("openai", "gpt-4o", "chat.completions", 500, 10.0, 0, false)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler()(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `gatekeep_http_requests_total{endpoint="chat.completions",model="gpt-4o",provider="openai",status="2xx"} 1`) {
		t.Fatalf("expected a 2xx request counter in exposition output:\n%s", body)
	}
	if !strings.Contains(body, `status="5xx"`) {
		t.Fatalf("expected a 5xx request counter in exposition output:\n%s", body)
	}
}

func TestTrackRequestCachedIncrementsCacheHits(t *testing.T) {
	m := NewMetrics(zerolog.New(io.Discard))
	m.TrackRequest("openai", "gpt-4o", "chat.completions", 200, 5.0, 10, true)

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), `gatekeep_cache_hits_total{model="gpt-4o",provider="openai"} 1`) {
		t.Fatalf("expected a cache hit to be recorded:\n%s", rec.Body.String())
	}
}

func TestTrackProviderHealthSetsGauge(t *testing.T) {
	m := NewMetrics(zerolog.New(io.Discard))
	m.TrackProviderHealth("openai", true)
	m.TrackProviderHealth("anthropic", false)

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, `gatekeep_provider_healthy{provider="openai"} 1`) {
		t.Fatalf("expected openai to report healthy=1:\n%s", body)
	}
	if !strings.Contains(body, `gatekeep_provider_healthy{provider="anthropic"} 0`) {
		t.Fatalf("expected anthropic to report healthy=0:\n%s", body)
	}
}

func TestStatusLabelBuckets(t *testing.T) {
	cases := map[int]string{
		200: "2xx",
		201: "2xx",
		404: "4xx",
		429: "4xx",
		500: "5xx",
		503: "5xx",
		100: "other",
	}
	for code, want := range cases {
		if got := statusLabel(code); got != want {
			t.Errorf("statusLabel(%d) = %q, want %q", code, got, want)
		}
	}
}
