package batch

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/alfred-dev/gatekeep/completion"
	"github.com/alfred-dev/gatekeep/gatewayerr"
	"github.com/alfred-dev/gatekeep/health"
	"github.com/alfred-dev/gatekeep/loadbalancer"
	"github.com/alfred-dev/gatekeep/provider"
)

// fakeProvider scripts ChatCompletion per test, same shape as the one in
// completion's own test suite but kept local since that type is unexported.
type fakeProvider struct {
	name string
	call func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) ChatCompletion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return f.call(ctx, req)
}
func (f *fakeProvider) ChatCompletionStream(ctx context.Context, req *provider.ChatRequest) (provider.Stream, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) Embeddings(ctx context.Context, req *provider.EmbeddingsRequest) (*provider.EmbeddingsResponse, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) HealthCheck(ctx context.Context) provider.HealthStatus {
	return provider.HealthStatus{Healthy: true}
}
func (f *fakeProvider) Models() []string { return nil }

func testRouter(t *testing.T, call func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)) *completion.Router {
	t.Helper()
	logger := zerolog.New(io.Discard)
	providers := provider.NewRegistry()
	providers.Register(&fakeProvider{name: "openai", call: call})

	reg, err := loadbalancer.NewRegistry(logger, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reg.Replace([]loadbalancer.Deployment{{ID: "dep-1", Provider: "openai", Model: "gpt-4o", Priority: 1}})

	stats := loadbalancer.NewStatsTracker()
	balancer := loadbalancer.NewBalancer(loadbalancer.StrategyPriority, stats)
	breakers := health.NewRegistry(health.BreakerConfig{})
	return completion.NewRouter(logger, reg, balancer, stats, breakers, nil, providers, 2)
}

func TestSubmitRunsAllItemsAndCompletes(t *testing.T) {
	router := testRouter(t, func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{ID: "resp", Model: req.Model}, nil
	})
	e := NewExecutor(router, 4, time.Second)

	items := []Item{
		{Index: 0, Request: &provider.ChatRequest{Model: "gpt-4o"}},
		{Index: 1, Request: &provider.ChatRequest{Model: "gpt-4o"}},
		{Index: 2, Request: &provider.ChatRequest{Model: "gpt-4o"}},
	}
	job := e.Submit("batch-1", items)

	waitForStatus(t, job, StatusCompleted)

	snap := job.Snapshot()
	if snap.Completed != 3 || snap.Failed != 0 {
		t.Fatalf("expected 3 completed / 0 failed, got %+v", snap)
	}
	for i, r := range snap.Results {
		if r.Index != i || r.Response == nil {
			t.Fatalf("expected result %d to carry a response in original order, got %+v", i, r)
		}
	}
}

func TestSubmitTracksPartialFailuresWithoutFailingWholeJob(t *testing.T) {
	router := testRouter(t, func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		if req.Model == "bad-model" {
			return nil, gatewayerr.New(gatewayerr.InvalidRequest, "unsupported model")
		}
		return &provider.ChatResponse{ID: "resp", Model: req.Model}, nil
	})
	e := NewExecutor(router, 4, time.Second)

	items := []Item{
		{Index: 0, Request: &provider.ChatRequest{Model: "gpt-4o"}},
		{Index: 1, Request: &provider.ChatRequest{Model: "bad-model"}},
	}
	job := e.Submit("batch-2", items)
	waitForStatus(t, job, StatusCompleted)

	snap := job.Snapshot()
	if snap.Completed != 1 || snap.Failed != 1 {
		t.Fatalf("expected 1 completed / 1 failed, got %+v", snap)
	}
	if snap.Results[1].Error == "" {
		t.Fatal("expected the bad-model item to carry an error message")
	}
}

func TestSubmitAllItemsFailingMarksJobFailed(t *testing.T) {
	router := testRouter(t, func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return nil, gatewayerr.New(gatewayerr.ProviderUnavailable, "down")
	})
	e := NewExecutor(router, 2, time.Second)

	job := e.Submit("batch-3", []Item{{Index: 0, Request: &provider.ChatRequest{Model: "gpt-4o"}}})
	waitForStatus(t, job, StatusFailed)
}

func TestGetReturnsSubmittedJob(t *testing.T) {
	router := testRouter(t, func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{ID: "resp"}, nil
	})
	e := NewExecutor(router, 2, time.Second)
	job := e.Submit("batch-4", []Item{{Index: 0, Request: &provider.ChatRequest{Model: "gpt-4o"}}})
	waitForStatus(t, job, StatusCompleted)

	got, ok := e.Get("batch-4")
	if !ok || got.ID != "batch-4" {
		t.Fatalf("expected to find the submitted job, got %+v ok=%v", got, ok)
	}
	if _, ok := e.Get("missing"); ok {
		t.Fatal("expected Get on an unknown ID to report not found")
	}
}

func TestSweepEvictsOnlyCompletedJobsOlderThanMaxAge(t *testing.T) {
	router := testRouter(t, func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{ID: "resp"}, nil
	})
	e := NewExecutor(router, 2, time.Second)
	job := e.Submit("batch-5", []Item{{Index: 0, Request: &provider.ChatRequest{Model: "gpt-4o"}}})
	waitForStatus(t, job, StatusCompleted)

	evicted := e.Sweep(0)
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if _, ok := e.Get("batch-5"); ok {
		t.Fatal("expected the swept job to no longer be retrievable")
	}
}

func waitForStatus(t *testing.T, job *Job, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if job.Snapshot().Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for job %s to reach status %s, last status %s", job.ID, want, job.Snapshot().Status)
}
