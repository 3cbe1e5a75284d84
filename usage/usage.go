// Package usage tracks the cost of a request across its lifecycle:
// a pre-flight Reserve against an estimated cost, a Settle once actual
// token counts are known, and an async, batched write of the final
// record. It generalizes the teacher's metering package — which priced
// off a small hand-rolled CostEngine map and a char-count token
// estimate — onto the gateway-wide pricing.Table and real per-provider
// token counters.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/alfred-dev/gatekeep/pricing"
)

// Status is the lifecycle state of a Reservation.
type Status string

const (
	StatusReserved Status = "reserved"
	StatusSettled  Status = "settled"
	StatusRefunded Status = "refunded"
)

// Reservation is a pre-flight cost hold for one request, settled or
// refunded once the call completes.
type Reservation struct {
	ID            string
	Tenant        string
	Provider      string
	Model         string
	Deployment    string
	EstimatedCost float64
	ActualCost    float64
	InputTokens   int
	OutputTokens  int
	Stream        bool
	Status        Status
	CreatedAt     time.Time
	SettledAt     *time.Time
}

type reservationError string

func (e reservationError) Error() string { return string(e) }

const (
	ErrReservationNotFound       = reservationError("reservation not found")
	ErrReservationAlreadySettled = reservationError("reservation already settled")
)

// ReservationStore holds in-flight reservations. It is a plain
// in-memory map guarded by a mutex — the same shape as the teacher's
// ReservationStore — since reservations live only for the duration of
// one request and don't need to survive a restart.
type ReservationStore struct {
	mu    sync.RWMutex
	items map[string]*Reservation
}

func NewReservationStore() *ReservationStore {
	return &ReservationStore{items: make(map[string]*Reservation)}
}

func (s *ReservationStore) Reserve(r Reservation) *Reservation {
	r.Status = StatusReserved
	r.CreatedAt = time.Now()
	rec := &r
	s.mu.Lock()
	s.items[r.ID] = rec
	s.mu.Unlock()
	return rec
}

func (s *ReservationStore) Settle(id string, inputTokens, outputTokens int, actualCost float64) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	if r.Status != StatusReserved {
		return nil, ErrReservationAlreadySettled
	}
	now := time.Now()
	r.InputTokens = inputTokens
	r.OutputTokens = outputTokens
	r.ActualCost = actualCost
	r.Status = StatusSettled
	r.SettledAt = &now
	return r, nil
}

func (s *ReservationStore) Refund(id string) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	now := time.Now()
	r.Status = StatusRefunded
	r.ActualCost = 0
	r.SettledAt = &now
	return r, nil
}

func (s *ReservationStore) Get(id string) (*Reservation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.items[id]
	return r, ok
}

// Sweep evicts settled/refunded reservations older than maxAge, so a
// long-running gateway doesn't accumulate one entry per request
// forever — the teacher's store had no eviction path at all.
func (s *ReservationStore) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, r := range s.items {
		if r.Status == StatusReserved {
			continue
		}
		if r.SettledAt != nil && r.SettledAt.Before(cutoff) {
			delete(s.items, id)
			evicted++
		}
	}
	return evicted
}

// Record is one finished request's full accounting entry, the unit the
// async logger batches and the storage layer persists.
type Record struct {
	RequestID   string
	Tenant      string
	Provider    string
	Model       string
	Deployment  string
	InputTokens int
	OutputTokens int
	TotalTokens int
	Cost        float64
	LatencyMs   int64
	Stream      bool
	StatusCode  int
	Error       string
	CreatedAt   time.Time
}

// Writer persists finished usage records. storage.Store implements this
// against Postgres; tests can substitute an in-memory fake.
type Writer interface {
	WriteUsage(ctx context.Context, records []Record) error
}

// metrics are the Prometheus counters/histograms the recorder updates
// on every settle — the teacher had no metrics wiring in its metering
// package at all, relying entirely on the async log for visibility.
type metrics struct {
	requestsTotal *prometheus.CounterVec
	costTotal     *prometheus.CounterVec
	tokensTotal   *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeep_requests_total",
			Help: "Completed requests by provider, model, and outcome.",
		}, []string{"provider", "model", "outcome"}),
		costTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeep_cost_usd_total",
			Help: "Accumulated USD cost by provider and model.",
		}, []string{"provider", "model"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gatekeep_tokens_total",
			Help: "Accumulated tokens by provider, model, and direction.",
		}, []string{"provider", "model", "direction"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatekeep_request_latency_ms",
			Help:    "Request latency in milliseconds by provider and model.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"provider", "model"}),
	}
	if reg != nil {
		reg.MustRegister(m.requestsTotal, m.costTotal, m.tokensTotal, m.latency)
	}
	return m
}

// Recorder ties reservation lifecycle, pricing, metrics, and the async
// batched writer together into the one entry point httpapi/completion
// call after a request finishes.
type Recorder struct {
	logger    zerolog.Logger
	pricing   *pricing.Table
	reservations *ReservationStore
	metrics   *metrics
	writer    Writer
	ch        chan Record
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRecorder starts the background batch-flush goroutine. bufferSize
// bounds the in-flight record queue; when it is full, the record being
// enqueued is dropped (and logged) rather than blocking the request
// path, mirroring the teacher's AsyncLogger drop-on-full behavior.
func NewRecorder(logger zerolog.Logger, table *pricing.Table, writer Writer, reg prometheus.Registerer, bufferSize int) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	r := &Recorder{
		logger:       logger.With().Str("component", "usage-recorder").Logger(),
		pricing:      table,
		reservations: NewReservationStore(),
		metrics:      newMetrics(reg),
		writer:       writer,
		ch:           make(chan Record, bufferSize),
	}
	r.wg.Add(1)
	go r.drain()
	return r
}

// Reserve estimates cost from promptTokens/estimatedOutputTokens and
// opens a reservation the caller settles or refunds once the call
// resolves.
func (r *Recorder) Reserve(id, tenant, providerName, model, deployment string, promptTokens, estimatedOutputTokens int, stream bool) *Reservation {
	estimated := r.pricing.CalculateCost(providerName, model, promptTokens, estimatedOutputTokens)
	return r.reservations.Reserve(Reservation{
		ID:            id,
		Tenant:        tenant,
		Provider:      providerName,
		Model:         model,
		Deployment:    deployment,
		EstimatedCost: estimated,
		InputTokens:   promptTokens,
		Stream:        stream,
	})
}

// Settle finalizes a reservation with actual token counts, records
// metrics, and queues the completed record for async persistence.
func (r *Recorder) Settle(ctx context.Context, id string, inputTokens, outputTokens int, latency time.Duration, statusCode int) (*Reservation, error) {
	res, ok := r.reservations.Get(id)
	if !ok {
		return nil, ErrReservationNotFound
	}
	cost := r.pricing.CalculateCost(res.Provider, res.Model, inputTokens, outputTokens)
	settled, err := r.reservations.Settle(id, inputTokens, outputTokens, cost)
	if err != nil {
		return nil, err
	}

	r.metrics.requestsTotal.WithLabelValues(res.Provider, res.Model, "success").Inc()
	r.metrics.costTotal.WithLabelValues(res.Provider, res.Model).Add(cost)
	r.metrics.tokensTotal.WithLabelValues(res.Provider, res.Model, "input").Add(float64(inputTokens))
	r.metrics.tokensTotal.WithLabelValues(res.Provider, res.Model, "output").Add(float64(outputTokens))
	r.metrics.latency.WithLabelValues(res.Provider, res.Model).Observe(float64(latency.Milliseconds()))

	r.enqueue(Record{
		RequestID:    id,
		Tenant:       res.Tenant,
		Provider:     res.Provider,
		Model:        res.Model,
		Deployment:   res.Deployment,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		Cost:         cost,
		LatencyMs:    latency.Milliseconds(),
		Stream:       res.Stream,
		StatusCode:   statusCode,
		CreatedAt:    time.Now(),
	})
	return settled, nil
}

// Fail refunds a reservation and records the failure, used when a
// request never reaches a provider response at all (every candidate
// deployment exhausted).
func (r *Recorder) Fail(id string, statusCode int, errMsg string) {
	res, err := r.reservations.Refund(id)
	if err != nil {
		return
	}
	r.metrics.requestsTotal.WithLabelValues(res.Provider, res.Model, "error").Inc()
	r.enqueue(Record{
		RequestID:  id,
		Tenant:     res.Tenant,
		Provider:   res.Provider,
		Model:      res.Model,
		Deployment: res.Deployment,
		Stream:     res.Stream,
		StatusCode: statusCode,
		Error:      errMsg,
		CreatedAt:  time.Now(),
	})
}

// RecordDirect records a completed request that never went through
// Reserve/Settle — used by endpoints (embeddings, audio) whose cost is
// only knowable after the provider call returns, so a pre-flight
// estimate would add nothing.
func (r *Recorder) RecordDirect(ctx context.Context, requestID, tenant, providerName, model string, inputTokens, outputTokens int, cost float64, latency time.Duration, statusCode int, stream bool) {
	r.metrics.requestsTotal.WithLabelValues(providerName, model, "success").Inc()
	r.metrics.costTotal.WithLabelValues(providerName, model).Add(cost)
	r.metrics.tokensTotal.WithLabelValues(providerName, model, "input").Add(float64(inputTokens))
	r.metrics.tokensTotal.WithLabelValues(providerName, model, "output").Add(float64(outputTokens))
	r.metrics.latency.WithLabelValues(providerName, model).Observe(float64(latency.Milliseconds()))

	r.enqueue(Record{
		RequestID:    requestID,
		Tenant:       tenant,
		Provider:     providerName,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		Cost:         cost,
		LatencyMs:    latency.Milliseconds(),
		Stream:       stream,
		StatusCode:   statusCode,
		CreatedAt:    time.Now(),
	})
}

func (r *Recorder) enqueue(rec Record) {
	select {
	case r.ch <- rec:
	default:
		r.logger.Warn().Str("request_id", rec.RequestID).Msg("usage record buffer full, dropping")
	}
}

// Close stops the drain goroutine after flushing whatever is queued.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() { close(r.ch) })
	r.wg.Wait()
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	batch := make([]Record, 0, 100)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 || r.writer == nil {
			batch = batch[:0]
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.writer.WriteUsage(ctx, batch); err != nil {
			r.logger.Error().Err(err).Int("count", len(batch)).Msg("failed to persist usage batch")
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-r.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
