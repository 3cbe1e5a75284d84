package loadbalancer

import (
	"math"
	"sync"
	"time"
)

// deploymentStats tracks the real-time health signal for one deployment:
// an EWMA of latency, a windowed error rate, and a decaying penalty.
// Directly grounded on the teacher's routing.ProviderHealth, keyed by
// deployment ID rather than provider name so two deployments against
// the same provider (e.g. two API keys for load-splitting) score
// independently.
type deploymentStats struct {
	mu sync.Mutex

	ewmaLatencyMs float64
	ewmaAlpha     float64

	totalRequests int64
	totalErrors   int64
	windowStart   time.Time
	windowSize    time.Duration

	penalty     float64
	penaltyTime time.Time
}

func newDeploymentStats() *deploymentStats {
	return &deploymentStats{
		ewmaAlpha:   0.3,
		windowStart: time.Now(),
		windowSize:  5 * time.Minute,
	}
}

func (s *deploymentStats) recordLatency(ms float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ewmaLatencyMs == 0 {
		s.ewmaLatencyMs = ms
	} else {
		s.ewmaLatencyMs = s.ewmaAlpha*ms + (1-s.ewmaAlpha)*s.ewmaLatencyMs
	}
	s.totalRequests++
}

func (s *deploymentStats) recordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalErrors++
	s.totalRequests++
}

func (s *deploymentStats) addPenalty(amount float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.penalty = math.Min(1.0, s.penalty+amount)
	s.penaltyTime = time.Now()
}

type statSnapshot struct {
	ewmaLatencyMs float64
	errorRate     float64
	penalty       float64
	totalRequests int64
	inFlight      int64
}

func (s *deploymentStats) snapshot() statSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.windowStart) > s.windowSize {
		s.totalRequests = 0
		s.totalErrors = 0
		s.windowStart = time.Now()
	}

	penalty := s.penalty
	if penalty > 0 && !s.penaltyTime.IsZero() {
		elapsed := time.Since(s.penaltyTime).Minutes()
		penalty = s.penalty * math.Exp(-elapsed/5.0)
		if penalty < 0.01 {
			penalty = 0
		}
	}

	errorRate := 0.0
	if s.totalRequests > 0 {
		errorRate = float64(s.totalErrors) / float64(s.totalRequests)
	}

	return statSnapshot{
		ewmaLatencyMs: s.ewmaLatencyMs,
		errorRate:     errorRate,
		penalty:       penalty,
		totalRequests: s.totalRequests,
	}
}

// StatsTracker holds per-deployment stats, created lazily.
type StatsTracker struct {
	mu    sync.RWMutex
	stats map[string]*deploymentStats
	// inFlight is tracked separately since it isn't windowed.
	inFlight map[string]*int64
}

func NewStatsTracker() *StatsTracker {
	return &StatsTracker{
		stats:    make(map[string]*deploymentStats),
		inFlight: make(map[string]*int64),
	}
}

func (t *StatsTracker) get(id string) *deploymentStats {
	t.mu.RLock()
	s, ok := t.stats[id]
	t.mu.RUnlock()
	if ok {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.stats[id]; ok {
		return s
	}
	s = newDeploymentStats()
	t.stats[id] = s
	return s
}

// RecordSuccess logs a successful call's latency against a deployment.
func (t *StatsTracker) RecordSuccess(id string, latency time.Duration) {
	t.get(id).recordLatency(float64(latency.Milliseconds()))
}

// RecordFailure logs a failed call against a deployment.
func (t *StatsTracker) RecordFailure(id string) {
	t.get(id).recordError()
}

// Penalize applies a temporary score reduction, e.g. after a circuit
// breaker trip, so the deployment is deprioritized even before its
// error-rate window reflects the outage.
func (t *StatsTracker) Penalize(id string, amount float64) {
	t.get(id).addPenalty(amount)
}

// Snapshot returns the current stats for a deployment.
func (t *StatsTracker) Snapshot(id string) statSnapshot {
	return t.get(id).snapshot()
}
