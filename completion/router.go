// Package completion selects a deployment for an incoming chat
// completion request, dispatches to its provider connector, and retries
// against a different deployment when the failure was retryable. It
// generalizes the teacher's handler.ProxyHandler (single
// registry.GetForModel lookup, no retry, no circuit breaker) into a
// router that spans several interchangeable deployments per model.
package completion

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/alfred-dev/gatekeep/gatewayerr"
	"github.com/alfred-dev/gatekeep/health"
	"github.com/alfred-dev/gatekeep/loadbalancer"
	"github.com/alfred-dev/gatekeep/provider"
)

// Result carries both the provider response and which deployment served
// it, since the caller (httpapi) needs the deployment ID to record
// usage and cost against the right pricing/billing key.
type Result struct {
	Response   *provider.ChatResponse
	Deployment loadbalancer.Deployment
	Attempts   int
}

// Router ties the deployment registry, load balancer, circuit breakers,
// and provider connectors together into one dispatch path.
type Router struct {
	logger      zerolog.Logger
	deployments *loadbalancer.Registry
	balancer    *loadbalancer.Balancer
	stats       *loadbalancer.StatsTracker
	breakers    *health.Registry
	monitor     *health.Monitor
	providers   *provider.Registry
	maxRetries  int
}

// NewRouter wires up a Router. maxRetries bounds how many additional
// deployments a single request attempts beyond the first pick.
func NewRouter(
	logger zerolog.Logger,
	deployments *loadbalancer.Registry,
	balancer *loadbalancer.Balancer,
	stats *loadbalancer.StatsTracker,
	breakers *health.Registry,
	monitor *health.Monitor,
	providers *provider.Registry,
	maxRetries int,
) *Router {
	return &Router{
		logger:      logger.With().Str("component", "completion-router").Logger(),
		deployments: deployments,
		balancer:    balancer,
		stats:       stats,
		breakers:    breakers,
		monitor:     monitor,
		providers:   providers,
		maxRetries:  maxRetries,
	}
}

// isHealthy combines the circuit breaker's Allow (trip/cooldown state)
// with the background monitor's last-polled status: either signal can
// veto a deployment.
func (r *Router) isHealthy(id string) bool {
	if !r.breakers.Get(id).Allow() {
		return false
	}
	return r.monitor == nil || r.monitor.IsHealthy(id)
}

// candidatesFor returns the enabled deployments serving model, erroring
// with NotFound if none are configured.
func (r *Router) candidatesFor(model string) ([]loadbalancer.Deployment, error) {
	candidates := r.deployments.ForModel(model)
	if len(candidates) == 0 {
		return nil, gatewayerr.New(gatewayerr.NotFound, "no deployment configured for model: "+model)
	}
	return candidates, nil
}

// Dispatch selects a deployment, invokes ChatCompletion, and retries
// against a different deployment (up to maxRetries) if the failure is
// retryable and another candidate remains.
func (r *Router) Dispatch(ctx context.Context, req *provider.ChatRequest) (*Result, error) {
	candidates, err := r.candidatesFor(req.Model)
	if err != nil {
		return nil, err
	}

	var lastErr error
	tried := map[string]bool{}

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		remaining := excludeTried(candidates, tried)
		if len(remaining) == 0 {
			break
		}

		dep, err := r.balancer.Select(remaining, r.isHealthy)
		if err != nil {
			return nil, err
		}
		tried[dep.ID] = true

		conn, ok := r.providers.Get(dep.Provider)
		if !ok {
			lastErr = gatewayerr.New(gatewayerr.InternalError, "no connector registered for provider "+dep.Provider)
			continue
		}

		deployReq := *req
		deployReq.Model = dep.Model

		start := time.Now()
		resp, err := conn.ChatCompletion(ctx, &deployReq)
		latency := time.Since(start)

		if err == nil {
			r.breakers.Get(dep.ID).RecordSuccess()
			r.stats.RecordSuccess(dep.ID, latency)
			return &Result{Response: resp, Deployment: dep, Attempts: attempt + 1}, nil
		}

		r.breakers.Get(dep.ID).RecordFailure()
		r.stats.RecordFailure(dep.ID)
		lastErr = err

		r.logger.Warn().
			Err(err).
			Str("deployment", dep.ID).
			Str("provider", dep.Provider).
			Int("attempt", attempt+1).
			Msg("deployment attempt failed")

		var gwErr *gatewayerr.Error
		if !gatewayerr.As(err, &gwErr) || !gwErr.Kind.Retryable() {
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = gatewayerr.New(gatewayerr.ProviderUnavailable, "no healthy deployment available")
	}
	return nil, lastErr
}

// Pick selects a deployment and its provider connector without making a
// call — used by the stream package, which needs the connector to open
// a streaming call itself rather than going through Dispatch.
func (r *Router) Pick(model string, tried map[string]bool) (loadbalancer.Deployment, provider.Provider, error) {
	candidates, err := r.candidatesFor(model)
	if err != nil {
		return loadbalancer.Deployment{}, nil, err
	}
	remaining := excludeTried(candidates, tried)
	if len(remaining) == 0 {
		return loadbalancer.Deployment{}, nil, gatewayerr.New(gatewayerr.ProviderUnavailable, "no remaining deployment candidates")
	}
	dep, err := r.balancer.Select(remaining, r.isHealthy)
	if err != nil {
		return loadbalancer.Deployment{}, nil, err
	}
	conn, ok := r.providers.Get(dep.Provider)
	if !ok {
		return loadbalancer.Deployment{}, nil, gatewayerr.New(gatewayerr.InternalError, "no connector registered for provider "+dep.Provider)
	}
	return dep, conn, nil
}

// RecordOutcome reports a deployment's call outcome back to the circuit
// breaker and stats tracker — used by the stream package after an SSE
// call completes, since streaming bypasses Dispatch.
func (r *Router) RecordOutcome(dep loadbalancer.Deployment, latency time.Duration, success bool) {
	if success {
		r.breakers.Get(dep.ID).RecordSuccess()
		r.stats.RecordSuccess(dep.ID, latency)
		return
	}
	r.breakers.Get(dep.ID).RecordFailure()
	r.stats.RecordFailure(dep.ID)
}

func excludeTried(candidates []loadbalancer.Deployment, tried map[string]bool) []loadbalancer.Deployment {
	if len(tried) == 0 {
		return candidates
	}
	out := make([]loadbalancer.Deployment, 0, len(candidates))
	for _, d := range candidates {
		if !tried[d.ID] {
			out = append(out, d)
		}
	}
	return out
}
