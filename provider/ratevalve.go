package provider

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateValve throttles outbound calls to a deployment independently of
// the tenant-facing ratelimit package: it protects a single upstream
// API key from bursting past what the provider itself allows, separate
// from any per-tenant budget the gateway enforces on the way in.
type RateValve struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewRateValve builds a valve granting rps requests/second with the
// given burst, lazily creating one limiter per deployment ID.
func NewRateValve(rps float64, burst int) *RateValve {
	return &RateValve{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (v *RateValve) limiterFor(deploymentID string) *rate.Limiter {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.limiters[deploymentID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(v.rps), v.burst)
		v.limiters[deploymentID] = l
	}
	return l
}

// Wait blocks until a deployment is allowed to send its next request,
// or ctx is cancelled.
func (v *RateValve) Wait(ctx context.Context, deploymentID string) error {
	if v.rps <= 0 {
		return nil
	}
	return v.limiterFor(deploymentID).Wait(ctx)
}

// Configure overrides the rps/burst for one deployment, e.g. when an
// admin knows a given API key has a tighter provider-side quota.
func (v *RateValve) Configure(deploymentID string, rps float64, burst int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.limiters[deploymentID] = rate.NewLimiter(rate.Limit(rps), burst)
}
