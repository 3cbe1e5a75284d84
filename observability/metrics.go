// Package observability's metrics.go exposes gateway-wide HTTP and
// provider-health metrics via prometheus/client_golang. It keeps the
// call shape of the hand-rolled counter/gauge/histogram registry this
// was adapted from (TrackRequest/TrackProviderHealth/Handler) so router
// wiring didn't need to change, but every metric is now a real
// prometheus.CounterVec/GaugeVec/HistogramVec registered on a registry
// NewMetrics creates for itself and exposes through Registerer, so
// usage.Recorder can register its metrics on the same endpoint.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the gateway's top-level HTTP/provider metric vectors.
// Per-request cost/token accounting lives in usage.Recorder instead —
// this type covers the transport layer: request counts, latencies,
// cache hits, and provider health gauges.
type Metrics struct {
	logger zerolog.Logger

	requestsTotal  *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	tokensTotal    *prometheus.CounterVec
	cacheHits      *prometheus.CounterVec
	providerHealth *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics builds and registers the gateway's HTTP metric vectors
// against a dedicated registry (not the global DefaultRegisterer, so
// multiple gateway instances in the same test binary don't collide).
func NewMetrics(logger zerolog.Logger) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		logger:   logger.With().Str("component", "metrics").Logger(),
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeep_http_requests_total",
			Help: "Total HTTP requests handled by the gateway, by provider/model/endpoint/status.",
		}, []string{"provider", "model", "endpoint", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatekeep_http_request_duration_ms",
			Help:    "End-to-end request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"provider", "model", "endpoint", "status"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeep_http_tokens_total",
			Help: "Tokens billed per request, by provider/model/endpoint/status.",
		}, []string{"provider", "model", "endpoint", "status"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeep_cache_hits_total",
			Help: "Semantic/exact cache hits, by provider/model.",
		}, []string{"provider", "model"}),
		providerHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gatekeep_provider_healthy",
			Help: "1 if the provider's last health check succeeded, 0 otherwise.",
		}, []string{"provider"}),
	}

	reg.MustRegister(m.requestsTotal, m.requestLatency, m.tokensTotal, m.cacheHits, m.providerHealth)
	return m
}

// Registerer exposes the underlying registry so other packages (e.g.
// usage.Recorder) can register their own metrics on the same endpoint
// instead of each standing up a separate /metrics handler.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

// TrackRequest records a completed request with all relevant labels.
func (m *Metrics) TrackRequest(provider, model, endpoint string, statusCode int, latencyMs float64, tokens int64, cached bool) {
	status := statusLabel(statusCode)
	labels := prometheus.Labels{"provider": provider, "model": model, "endpoint": endpoint, "status": status}
	m.requestsTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(latencyMs)
	m.tokensTotal.With(labels).Add(float64(tokens))
	if cached {
		m.cacheHits.With(prometheus.Labels{"provider": provider, "model": model}).Inc()
	}
}

// TrackProviderHealth records provider health status.
func (m *Metrics) TrackProviderHealth(provider string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	m.providerHealth.With(prometheus.Labels{"provider": provider}).Set(val)
}

// Handler returns the Prometheus exposition handler for this registry.
func (m *Metrics) Handler() http.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return h.ServeHTTP
}

func statusLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "other"
	}
}
