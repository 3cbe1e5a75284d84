// Package httpapi wires every gateway subsystem into a chi.Router and
// exposes the OpenAI-compatible surface (chat/embeddings/audio/batches)
// plus admin and operational endpoints. It supersedes the teacher's
// router+handler packages: same middleware-chain shape (CORS, security
// headers, request ID, recoverer, request logger, body limit, auth,
// rate limit, timeout) and the same OpenAI-compatible request/response
// handling idiom as handler/proxy.go, rebuilt against the routing,
// circuit-breaking, and usage-accounting pipeline those packages never
// had.
package httpapi

import (
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/alfred-dev/gatekeep/batch"
	"github.com/alfred-dev/gatekeep/completion"
	"github.com/alfred-dev/gatekeep/config"
	"github.com/alfred-dev/gatekeep/gatewayerr"
	"github.com/alfred-dev/gatekeep/health"
	"github.com/alfred-dev/gatekeep/loadbalancer"
	"github.com/alfred-dev/gatekeep/middleware"
	"github.com/alfred-dev/gatekeep/observability"
	"github.com/alfred-dev/gatekeep/pricing"
	"github.com/alfred-dev/gatekeep/provider"
	"github.com/alfred-dev/gatekeep/ratelimit"
	"github.com/alfred-dev/gatekeep/rerank"
	"github.com/alfred-dev/gatekeep/stream"
	"github.com/alfred-dev/gatekeep/usage"
)

// Deps bundles every dependency the HTTP layer needs. Built once in
// main and passed to NewRouter.
type Deps struct {
	Logger zerolog.Logger
	Config *config.Config

	Deployments *loadbalancer.Registry
	Balancer    *loadbalancer.Balancer
	Stats       *loadbalancer.StatsTracker
	Breakers    *health.Registry
	Monitor     *health.Monitor
	Providers   *provider.Registry
	Pricing     *pricing.Table

	Router   *completion.Router
	Bridge   *stream.Bridge
	Batches  *batch.Executor
	Usage    *usage.Recorder
	Limiter  *ratelimit.Limiter
	Metrics  *observability.Metrics
	Tracer   trace.TracerProvider
	Dedup    *middleware.Deduplicator

	// Reranker is nil when no rerank provider is configured; the
	// /v1/rerank handler reports 404 in that case rather than panicking.
	Reranker *rerank.Service
}

func (d *Deps) tenantLimits() ratelimit.Limits {
	return ratelimit.Limits{
		RPM: d.Config.DefaultRPM,
		TPM: d.Config.DefaultTPM,
		RPD: d.Config.DefaultRPD,
		TPD: d.Config.DefaultTPD,
	}
}

// errorBody is the standard JSON error envelope, matching the shape
// handler/proxy.go's writeError produced so existing OpenAI-compatible
// clients parsing `error.message`/`error.type` keep working.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// classify turns any error into an HTTP status + gatewayerr.Kind,
// reporting anything that isn't already a *gatewayerr.Error (e.g. a raw
// error returned by a provider adapter) as 502 ProviderUnavailable.
func classify(err error) (int, string, string) {
	var gwErr *gatewayerr.Error
	if gatewayerr.As(err, &gwErr) {
		return gwErr.Kind.StatusCode(), string(gwErr.Kind), gwErr.Message
	}
	return 502, string(gatewayerr.ProviderUnavailable), err.Error()
}
