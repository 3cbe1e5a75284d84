package completion

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/alfred-dev/gatekeep/gatewayerr"
	"github.com/alfred-dev/gatekeep/health"
	"github.com/alfred-dev/gatekeep/loadbalancer"
	"github.com/alfred-dev/gatekeep/provider"
)

// fakeProvider is a minimal provider.Provider stub whose ChatCompletion
// behavior is scripted per test.
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

func newTestRouter(t *testing.T, providers *provider.Registry, deployments []loadbalancer.Deployment) *Router {
	t.Helper()
	logger := zerolog.New(io.Discard)
	reg, err := loadbalancer.NewRegistry(logger, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reg.Replace(deployments)
	stats := loadbalancer.NewStatsTracker()
	balancer := loadbalancer.NewBalancer(loadbalancer.StrategyPriority, stats)
	breakers := health.NewRegistry(health.BreakerConfig{})
	return NewRouter(logger, reg, balancer, stats, breakers, nil, providers, 2)
}

func TestDispatchSucceedsOnFirstHealthyDeployment(t *testing.T) {
	providers := provider.NewRegistry()
	providers.Register(&fakeProvider{name: "openai", call: func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{ID: "resp-1", Model: req.Model}, nil
	}})

	r := newTestRouter(t, providers, []loadbalancer.Deployment{
		{ID: "dep-1", Provider: "openai", Model: "gpt-4o", Priority: 1},
	})

	result, err := r.Dispatch(context.Background(), &provider.ChatRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Deployment.ID != "dep-1" || result.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestDispatchNoDeploymentsForModel(t *testing.T) {
	providers := provider.NewRegistry()
	r := newTestRouter(t, providers, nil)

	_, err := r.Dispatch(context.Background(), &provider.ChatRequest{Model: "nonexistent-model"})
	if err == nil {
		t.Fatal("expected an error when no deployment serves the requested model")
	}
	var gwErr *gatewayerr.Error
	if !gatewayerr.As(err, &gwErr) || gwErr.Kind != gatewayerr.NotFound {
		t.Fatalf("expected gatewayerr.NotFound, got %v", err)
	}
}

func TestDispatchRetriesAgainstAnotherDeploymentOnRetryableError(t *testing.T) {
	providers := provider.NewRegistry()
	providers.Register(&fakeProvider{name: "openai", call: func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return nil, gatewayerr.New(gatewayerr.ProviderUnavailable, "upstream 503")
	}})
	providers.Register(&fakeProvider{name: "azure", call: func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{ID: "resp-2", Model: req.Model}, nil
	}})

	r := newTestRouter(t, providers, []loadbalancer.Deployment{
		{ID: "dep-openai", Provider: "openai", Model: "gpt-4o", Priority: 1},
		{ID: "dep-azure", Provider: "azure", Model: "gpt-4o", Priority: 2},
	})

	result, err := r.Dispatch(context.Background(), &provider.ChatRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Deployment.ID != "dep-azure" {
		t.Fatalf("expected retry to land on the azure deployment, got %s", result.Deployment.ID)
	}
	if result.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", result.Attempts)
	}
}

func TestDispatchDoesNotRetryNonRetryableError(t *testing.T) {
	providers := provider.NewRegistry()
	calls := 0
	providers.Register(&fakeProvider{name: "openai", call: func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		calls++
		return nil, gatewayerr.New(gatewayerr.InvalidRequest, "bad request")
	}})
	providers.Register(&fakeProvider{name: "azure", call: func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		calls++
		return &provider.ChatResponse{ID: "resp-2"}, nil
	}})

	r := newTestRouter(t, providers, []loadbalancer.Deployment{
		{ID: "dep-openai", Provider: "openai", Model: "gpt-4o", Priority: 1},
		{ID: "dep-azure", Provider: "azure", Model: "gpt-4o", Priority: 2},
	})

	_, err := r.Dispatch(context.Background(), &provider.ChatRequest{Model: "gpt-4o"})
	if err == nil {
		t.Fatal("expected the non-retryable error to surface immediately")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 provider call for a non-retryable failure, got %d", calls)
	}
}

func TestDispatchFailsAfterExhaustingAllCandidates(t *testing.T) {
	providers := provider.NewRegistry()
	providers.Register(&fakeProvider{name: "openai", call: func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return nil, gatewayerr.New(gatewayerr.ProviderUnavailable, "down")
	}})

	r := newTestRouter(t, providers, []loadbalancer.Deployment{
		{ID: "dep-1", Provider: "openai", Model: "gpt-4o", Priority: 1},
	})

	_, err := r.Dispatch(context.Background(), &provider.ChatRequest{Model: "gpt-4o"})
	if err == nil {
		t.Fatal("expected an error once every candidate has failed")
	}
}
