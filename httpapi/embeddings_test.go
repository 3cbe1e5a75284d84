package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alfred-dev/gatekeep/provider"
)

type embeddingsFakeProvider struct {
	name string
	resp *provider.EmbeddingsResponse
	err  error
}

func (f *embeddingsFakeProvider) Name() string { return f.name }
func (f *embeddingsFakeProvider) ChatCompletion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return nil, errors.New("not implemented")
}
func (f *embeddingsFakeProvider) ChatCompletionStream(ctx context.Context, req *provider.ChatRequest) (provider.Stream, error) {
	return nil, errors.New("not implemented")
}
func (f *embeddingsFakeProvider) Embeddings(ctx context.Context, req *provider.EmbeddingsRequest) (*provider.EmbeddingsResponse, error) {
	return f.resp, f.err
}
func (f *embeddingsFakeProvider) HealthCheck(ctx context.Context) provider.HealthStatus {
	return provider.HealthStatus{Healthy: true}
}
func (f *embeddingsFakeProvider) Models() []string { return []string{"text-embedding-3-small"} }

func embeddingsTestDeps(t *testing.T, prov *embeddingsFakeProvider) *Deps {
	t.Helper()
	d := testDeps(t, nil)
	d.Providers.Register(prov)
	return d
}

func TestEmbeddingsReturnsResponseAndRecordsUsage(t *testing.T) {
	prov := &embeddingsFakeProvider{
		name: "openai",
		resp: &provider.EmbeddingsResponse{
			Data:  []provider.EmbeddingData{{Embedding: []float64{0.1, 0.2}, Index: 0}},
			Usage: provider.EmbeddingsUsage{PromptTokens: 5, TotalTokens: 5},
		},
	}
	d := embeddingsTestDeps(t, prov)

	body, _ := json.Marshal(map[string]string{"model": "text-embedding-3-small", "input": "hello world"})
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	d.Embeddings(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
	var got provider.EmbeddingsResponse
	if err := json.Unmarshal(rw.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(got.Data) != 1 {
		t.Fatalf("expected one embedding vector, got %d", len(got.Data))
	}
}

func TestEmbeddingsMissingModelReturns400(t *testing.T) {
	d := embeddingsTestDeps(t, &embeddingsFakeProvider{name: "openai"})
	body, _ := json.Marshal(map[string]string{"input": "hello"})
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	d.Embeddings(rw, req)

	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing model field, got %d", rw.Code)
	}
}

func TestEmbeddingsUnknownModelReturns404(t *testing.T) {
	d := embeddingsTestDeps(t, &embeddingsFakeProvider{name: "openai"})
	body, _ := json.Marshal(map[string]string{"model": "nonexistent-family-xyz", "input": "hello"})
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	d.Embeddings(rw, req)

	if rw.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unresolvable model family, got %d", rw.Code)
	}
}

func TestEmbeddingsProviderErrorReturns502(t *testing.T) {
	prov := &embeddingsFakeProvider{name: "openai", err: errors.New("upstream exploded")}
	d := embeddingsTestDeps(t, prov)

	body, _ := json.Marshal(map[string]string{"model": "text-embedding-3-small", "input": "hello"})
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	d.Embeddings(rw, req)

	if rw.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 when the upstream provider errors, got %d", rw.Code)
	}
}
