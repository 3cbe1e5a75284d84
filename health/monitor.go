package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Target is one thing the Monitor knows how to probe. main builds one
// Target per deployment, wrapping that deployment's provider HealthCheck
// (a models-list call or equivalent).
type Target struct {
	ID    string
	Check func(ctx context.Context) error
}

// Status is the last known result of probing a Target.
type Status struct {
	Healthy   bool
	Latency   time.Duration
	Error     string
	CheckedAt time.Time
}

// Monitor polls a dynamic set of targets on an interval, fanning the
// per-poll checks out concurrently, and tracks health transitions so a
// status-change callback fires only when a target actually flips.
//
// Grounded on the teacher's provider.HealthPoller, generalized from a
// fixed provider list to an arbitrary, registry-supplied target set and
// from sequential polling to bounded concurrent fan-out.
type Monitor struct {
	logger   zerolog.Logger
	interval time.Duration
	targets  func() []Target
	onChange func(id string, status Status)

	mu     sync.RWMutex
	status map[string]Status

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor builds a Monitor. targets is called fresh on every poll
// cycle so newly-registered (or removed) deployments are picked up
// without restarting the monitor.
func NewMonitor(logger zerolog.Logger, interval time.Duration, targets func() []Target) *Monitor {
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	return &Monitor{
		logger:   logger.With().Str("component", "health-monitor").Logger(),
		interval: interval,
		targets:  targets,
		status:   make(map[string]Status),
		done:     make(chan struct{}),
	}
}

// OnChange registers a callback invoked whenever a target's health
// flips relative to its previously recorded status.
func (m *Monitor) OnChange(cb func(id string, status Status)) {
	m.onChange = cb
}

// Start begins the background polling loop. Call Stop to shut it down.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.logger.Info().Dur("interval", m.interval).Msg("starting deployment health monitor")
	go m.loop(ctx)
}

// Stop cancels the polling loop and waits for the in-flight cycle to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
	m.logger.Info().Msg("health monitor stopped")
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	m.poll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	targets := m.targets()
	if len(targets) == 0 {
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, m.interval/2)
	defer cancel()

	g, gctx := errgroup.WithContext(pollCtx)
	g.SetLimit(16)

	results := make([]Status, len(targets))
	for i, tgt := range targets {
		i, tgt := i, tgt
		g.Go(func() error {
			start := time.Now()
			err := tgt.Check(gctx)
			st := Status{Healthy: err == nil, Latency: time.Since(start), CheckedAt: time.Now()}
			if err != nil {
				st.Error = err.Error()
			}
			results[i] = st
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, tgt := range targets {
		st := results[i]
		prev, known := m.status[tgt.ID]
		m.status[tgt.ID] = st
		if known && prev.Healthy != st.Healthy {
			transition := "recovered"
			if !st.Healthy {
				transition = "degraded"
			}
			m.logger.Warn().
				Str("deployment", tgt.ID).
				Str("transition", transition).
				Str("error", st.Error).
				Dur("latency", st.Latency).
				Msg("deployment health changed")
			if m.onChange != nil {
				m.onChange(tgt.ID, st)
			}
		}
	}
}

// IsHealthy returns the last known health for id; unknown targets are
// reported healthy so a deployment isn't excluded before its first poll.
func (m *Monitor) IsHealthy(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.status[id]
	return !ok || st.Healthy
}

// Snapshot returns the last known status of every polled target.
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.status))
	for k, v := range m.status {
		out[k] = v
	}
	return out
}
