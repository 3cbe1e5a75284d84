// Package ratelimit enforces per-tenant request- and token-rate budgets
// across four windows (requests/minute, tokens/minute, requests/day,
// tokens/day). It generalizes the teacher's single in-memory sliding
// window (middleware.RateLimiter) to multiple windows evaluated in a
// fixed order, with an optional Redis-backed distributed mode that
// degrades to the in-memory path if Redis is unreachable.
package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Window names a rate budget. Evaluation order matters: a caller that's
// already over its per-minute request budget shouldn't also pay the cost
// of a token-bucket check, so Check walks these in a fixed order and
// returns on the first violation.
type Window string

const (
	WindowRPM Window = "rpm"
	WindowTPM Window = "tpm"
	WindowRPD Window = "rpd"
	WindowTPD Window = "tpd"
)

var evalOrder = []Window{WindowRPM, WindowTPM, WindowRPD, WindowTPD}

func (w Window) duration() time.Duration {
	switch w {
	case WindowRPM, WindowTPM:
		return time.Minute
	default:
		return 24 * time.Hour
	}
}

func (w Window) isTokenWindow() bool {
	return w == WindowTPM || w == WindowTPD
}

// Limits holds the budget for each window. A zero value disables that
// window's enforcement.
type Limits struct {
	RPM int
	TPM int
	RPD int
	TPD int
}

func (l Limits) limitFor(w Window) int {
	switch w {
	case WindowRPM:
		return l.RPM
	case WindowTPM:
		return l.TPM
	case WindowRPD:
		return l.RPD
	default:
		return l.TPD
	}
}

// Decision is the result of a Check call.
type Decision struct {
	Allowed       bool
	LimitedWindow Window
	Remaining     map[Window]int
	RetryAfter    time.Duration
}

// distributedStore is the subset of redisclient.Client the limiter
// needs; declared locally so this package doesn't import redisclient
// directly and can be unit tested with a fake.
type distributedStore interface {
	ZAddNow(ctx context.Context, key string, window time.Duration) (int64, error)
	ZCount(ctx context.Context, key string, window time.Duration) (int64, error)
	GetFloat(ctx context.Context, key string) (float64, error)
	IncrByFloatWithTTL(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)
}

const shardCount = 64

type shard struct {
	mu      sync.Mutex
	windows map[string]*counter
}

// counter is the in-memory fallback state for one (tenant, window) pair.
// Request windows keep a timestamp log (sliding window, mirroring the
// teacher's slidingWindow); token windows keep a fixed-bucket running
// sum since fractional per-event weights make an exact sliding log
// expensive for no practical benefit at token-budget granularity.
type counter struct {
	events      []time.Time
	bucketStart time.Time
	bucketSum   float64
}

// Limiter evaluates RPM/TPM/RPD/TPD budgets for a canonical tenant key.
type Limiter struct {
	logger zerolog.Logger
	store  distributedStore
	warned bool

	shards [shardCount]*shard
}

// New builds a Limiter. store may be nil, in which case every check runs
// against the in-memory path only.
func New(logger zerolog.Logger, store distributedStore) *Limiter {
	l := &Limiter{
		logger: logger.With().Str("component", "ratelimit").Logger(),
		store:  store,
	}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[string]*counter)}
	}
	return l
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

// canonicalKey builds the compound key a tenant's budget is tracked
// under: "ratelimit:{tenant}:{window}".
func canonicalKey(tenant string, w Window) string {
	return fmt.Sprintf("ratelimit:%s:%s", tenant, w)
}

// pendingCharge is a window that passed its read-only check and still
// needs its usage committed once every other window has also passed.
type pendingCharge struct {
	window Window
	weight float64
}

// Check evaluates all four windows in order for tenant, charging
// estimatedTokens against the token windows only if the request is
// otherwise allowed through every window. Windows are first evaluated
// read-only so that a later window's rejection never leaves an earlier
// window's counter charged for a request that was ultimately denied;
// only once every enabled window clears does Check commit the charges.
// Returns the first window that rejects the request, if any.
func (l *Limiter) Check(ctx context.Context, tenant string, limits Limits, estimatedTokens int) Decision {
	remaining := make(map[Window]int, len(evalOrder))
	pending := make([]pendingCharge, 0, len(evalOrder))

	for _, w := range evalOrder {
		limit := limits.limitFor(w)
		if limit <= 0 {
			remaining[w] = -1
			continue
		}

		weight := 1.0
		if w.isTokenWindow() {
			weight = float64(estimatedTokens)
		}

		used, err := l.peek(ctx, tenant, w)
		if err != nil {
			l.logDegraded(err)
		}

		rem := limit - int(used+weight)
		remaining[w] = rem
		if rem < 0 {
			return Decision{
				Allowed:       false,
				LimitedWindow: w,
				Remaining:     remaining,
				RetryAfter:    w.duration(),
			}
		}
		pending = append(pending, pendingCharge{window: w, weight: weight})
	}

	for _, p := range pending {
		if _, err := l.increment(ctx, tenant, p.window, p.weight); err != nil {
			l.logDegraded(err)
		}
	}

	return Decision{Allowed: true, Remaining: remaining}
}

func (l *Limiter) logDegraded(err error) {
	if l.warned {
		return
	}
	l.warned = true
	l.logger.Warn().Err(err).Msg("redis rate-limit store unavailable, falling back to in-memory window")
}

// peek returns the window's current usage without recording anything,
// so Check can evaluate every window before committing any of them.
func (l *Limiter) peek(ctx context.Context, tenant string, w Window) (float64, error) {
	key := canonicalKey(tenant, w)

	if l.store != nil {
		if w.isTokenWindow() {
			total, err := l.store.GetFloat(ctx, key)
			if err == nil {
				return total, nil
			}
			return l.peekLocal(tenant, w), err
		}
		total, err := l.store.ZCount(ctx, key, w.duration())
		if err == nil {
			return float64(total), nil
		}
		return l.peekLocal(tenant, w), err
	}
	return l.peekLocal(tenant, w), nil
}

func (l *Limiter) peekLocal(tenant string, w Window) float64 {
	key := canonicalKey(tenant, w)
	sh := l.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.windows[key]
	if !ok {
		return 0
	}

	now := time.Now()
	if w.isTokenWindow() {
		if now.Sub(c.bucketStart) >= w.duration() {
			return 0
		}
		return c.bucketSum
	}

	windowStart := now.Add(-w.duration())
	n := 0
	for _, t := range c.events {
		if t.After(windowStart) {
			n++
		}
	}
	return float64(n)
}

// increment records one occurrence (or `weight` tokens) against the
// window and returns the new total observed within it.
func (l *Limiter) increment(ctx context.Context, tenant string, w Window, weight float64) (float64, error) {
	key := canonicalKey(tenant, w)

	if l.store != nil {
		if w.isTokenWindow() {
			total, err := l.store.IncrByFloatWithTTL(ctx, key, weight, w.duration())
			if err == nil {
				return total, nil
			}
			return l.incrementLocal(tenant, w, weight), err
		}
		total, err := l.store.ZAddNow(ctx, key, w.duration())
		if err == nil {
			return float64(total), nil
		}
		return l.incrementLocal(tenant, w, weight), err
	}
	return l.incrementLocal(tenant, w, weight), nil
}

func (l *Limiter) incrementLocal(tenant string, w Window, weight float64) float64 {
	key := canonicalKey(tenant, w)
	sh := l.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.windows[key]
	if !ok {
		c = &counter{}
		sh.windows[key] = c
	}

	now := time.Now()
	if w.isTokenWindow() {
		if now.Sub(c.bucketStart) >= w.duration() {
			c.bucketStart = now
			c.bucketSum = 0
		}
		c.bucketSum += weight
		return c.bucketSum
	}

	windowStart := now.Add(-w.duration())
	valid := c.events[:0]
	for _, t := range c.events {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	c.events = append(valid, now)
	return float64(len(c.events))
}

// Sweep drops idle in-memory counters; call periodically to bound
// memory use for tenants that stop sending traffic.
func (l *Limiter) Sweep(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	for _, sh := range l.shards {
		sh.mu.Lock()
		for key, c := range sh.windows {
			if len(c.events) > 0 && c.events[len(c.events)-1].Before(cutoff) {
				delete(sh.windows, key)
				continue
			}
			if len(c.events) == 0 && c.bucketStart.Before(cutoff) {
				delete(sh.windows, key)
			}
		}
		sh.mu.Unlock()
	}
}
