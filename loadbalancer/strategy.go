package loadbalancer

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Strategy names a deployment-selection algorithm.
type Strategy string

const (
	StrategyWeightedRandom Strategy = "weighted_random"
	StrategyLeastRequests  Strategy = "least_requests"
	StrategyRoundRobin     Strategy = "round_robin"
	StrategyPriority       Strategy = "priority"
	StrategyLatencyAware   Strategy = "latency_aware"
)

// candidateHealth is the subset of circuit-breaker/health-monitor state
// the picker needs, supplied by the caller so this package doesn't
// import health directly.
type candidateHealth struct {
	Available bool
}

// Balancer selects a deployment for a model from the registry's current
// candidates, combining a pluggable strategy with live per-deployment
// stats. The priority, least-requests and latency-aware strategies break
// ties by ascending deployment ID, so their picks are deterministic given
// identical inputs; weighted random samples and round robin rotates.
type Balancer struct {
	strategy  Strategy
	stats     *StatsTracker
	rrCounter uint64
}

// NewBalancer builds a Balancer using the given strategy.
func NewBalancer(strategy Strategy, stats *StatsTracker) *Balancer {
	if strategy == "" {
		strategy = StrategyWeightedRandom
	}
	return &Balancer{strategy: strategy, stats: stats}
}

// Healthy is supplied by the caller (httpapi/completion wiring) to
// filter out deployments the circuit breaker or health monitor has
// marked unavailable, without this package depending on those packages.
type Healthy func(deploymentID string) bool

// Select picks one deployment from candidates. Candidates must be
// non-empty; healthy deployments are preferred but if every candidate is
// unhealthy, Select still returns one (picked by the same strategy from
// all candidates) so the caller can make a final attempt rather than failing outright.
func (b *Balancer) Select(candidates []Deployment, healthy Healthy) (Deployment, error) {
	if len(candidates) == 0 {
		return Deployment{}, fmt.Errorf("no candidate deployments")
	}

	sorted := make([]Deployment, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	pool := filterHealthy(sorted, healthy)
	if len(pool) == 0 {
		pool = sorted
	}

	switch b.strategy {
	case StrategyRoundRobin:
		return b.pickRoundRobin(pool), nil
	case StrategyPriority:
		return b.pickPriority(pool), nil
	case StrategyLeastRequests:
		return b.pickLeastRequests(pool), nil
	case StrategyLatencyAware:
		return b.pickLatencyAware(pool), nil
	default:
		return b.pickWeightedRandom(pool), nil
	}
}

func filterHealthy(candidates []Deployment, healthy Healthy) []Deployment {
	if healthy == nil {
		return candidates
	}
	out := make([]Deployment, 0, len(candidates))
	for _, d := range candidates {
		if healthy(d.ID) {
			out = append(out, d)
		}
	}
	return out
}

func (b *Balancer) pickRoundRobin(pool []Deployment) Deployment {
	b.rrCounter++
	return pool[int(b.rrCounter-1)%len(pool)]
}

func (b *Balancer) pickPriority(pool []Deployment) Deployment {
	best := pool[0]
	for _, d := range pool[1:] {
		if d.Priority < best.Priority || (d.Priority == best.Priority && d.ID < best.ID) {
			best = d
		}
	}
	return best
}

func (b *Balancer) pickLeastRequests(pool []Deployment) Deployment {
	best := pool[0]
	bestInFlight := b.stats.Snapshot(best.ID).totalRequests
	for _, d := range pool[1:] {
		n := b.stats.Snapshot(d.ID).totalRequests
		if n < bestInFlight || (n == bestInFlight && d.ID < best.ID) {
			best = d
			bestInFlight = n
		}
	}
	return best
}

// pickWeightedRandom samples proportional to each candidate's static
// weight folded together with its live routing weight (the same
// latency/error/freshness health signal pickLatencyAware uses), so a
// deployment that's currently unhealthy gets sampled less often even
// though it hasn't been pulled from the pool entirely.
func (b *Balancer) pickWeightedRandom(pool []Deployment) Deployment {
	sampleWeights := make([]float64, len(pool))
	total := 0.0
	for i, d := range pool {
		w := d.Weight
		if w <= 0 {
			w = 1.0
		}
		w *= routingWeight(b.stats.Snapshot(d.ID))
		sampleWeights[i] = w
		total += w
	}
	if total <= 0 {
		return pool[0]
	}
	r := rand.Float64() * total
	acc := 0.0
	for i, d := range pool {
		acc += sampleWeights[i]
		if r <= acc {
			return d
		}
	}
	return pool[len(pool)-1]
}

// pickLatencyAware scores each candidate the way the teacher's
// SLABalancer.computeScore does: a weighted composite of latency,
// error rate, and penalty, highest score wins, ties by ID.
func (b *Balancer) pickLatencyAware(pool []Deployment) Deployment {
	type scored struct {
		d     Deployment
		score float64
	}
	scores := make([]scored, 0, len(pool))
	for _, d := range pool {
		snap := b.stats.Snapshot(d.ID)
		scores = append(scores, scored{d: d, score: latencyAwareScore(snap, d.Weight)})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].d.ID < scores[j].d.ID
	})
	return scores[0].d
}

// routingWeight distills a deployment's live stats into a single
// multiplier in [0, 1]: 1.0 for a fast, error-free deployment that has
// recorded requests (one with none yet gets 0.925), shrinking as
// latency, error rate, or an active penalty push it away from that
// baseline, down to 0 under a full, undecayed penalty. Both pickLatencyAware and pickWeightedRandom fold
// this into the deployment's static weight rather than ranking/sampling
// on raw weight alone.
func routingWeight(snap statSnapshot) float64 {
	const targetLatencyMs = 3000.0
	const targetErrorRate = 0.05

	latencyScore := 1.0
	if snap.ewmaLatencyMs > 0 {
		ratio := snap.ewmaLatencyMs / targetLatencyMs
		if ratio > 1.0 {
			latencyScore = math.Exp(-(ratio - 1.0) * 2.0)
		}
	}

	errorScore := 1.0
	if snap.totalRequests > 10 {
		ratio := snap.errorRate / targetErrorRate
		if ratio > 1.0 {
			errorScore = math.Exp(-(ratio - 1.0) * 3.0)
		}
	}

	freshnessScore := 1.0
	if snap.totalRequests == 0 {
		freshnessScore = 0.5
	}

	composite := latencyScore*0.45 + errorScore*0.40 + freshnessScore*0.15
	return composite * (1 - snap.penalty)
}

func latencyAwareScore(snap statSnapshot, weight float64) float64 {
	if weight <= 0 {
		weight = 1.0
	}
	return weight * routingWeight(snap)
}
