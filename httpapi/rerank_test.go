package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/alfred-dev/gatekeep/rerank"
)

type rerankFakeProvider struct {
	name string
	resp *rerank.Response
	err  error
}

func (f *rerankFakeProvider) Name() string                   { return f.name }
func (f *rerankFakeProvider) SupportsModel(model string) bool { return true }
func (f *rerankFakeProvider) Rerank(ctx context.Context, req *rerank.Request) (*rerank.Response, error) {
	return f.resp, f.err
}

func rerankTestDeps(t *testing.T, prov rerank.Provider) *Deps {
	t.Helper()
	d := testDeps(t, nil)

	registry := rerank.NewRegistry()
	if prov != nil {
		registry.Register(prov)
	}
	d.Reranker = rerank.NewService(zerolog.New(io.Discard), registry, "cohere", 5*time.Second, 0, 0)
	return d
}

func TestRerankReturnsProviderResults(t *testing.T) {
	prov := &rerankFakeProvider{
		name: "cohere",
		resp: &rerank.Response{
			Provider: "cohere",
			Model:    "rerank-v3.5",
			Results: []rerank.Result{
				{Index: 1, RelevanceScore: 0.9},
				{Index: 0, RelevanceScore: 0.2},
			},
		},
	}
	d := rerankTestDeps(t, prov)

	body, _ := json.Marshal(map[string]any{
		"model": "cohere/rerank-v3.5",
		"query": "what is go",
		"documents": []map[string]string{
			{"text": "go is a language"},
			{"text": "bananas are yellow"},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/rerank", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	d.Rerank(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
	var got rerank.Response
	if err := json.Unmarshal(rw.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(got.Results) != 2 {
		t.Fatalf("expected two results, got %d", len(got.Results))
	}
	if got.Results[0].Index != 1 {
		t.Fatalf("expected highest-scored result first, got index %d", got.Results[0].Index)
	}
}

func TestRerankMissingQueryReturns400(t *testing.T) {
	d := rerankTestDeps(t, &rerankFakeProvider{name: "cohere"})
	body, _ := json.Marshal(map[string]any{
		"model":     "cohere/rerank-v3.5",
		"documents": []map[string]string{{"text": "go is a language"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/rerank", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	d.Rerank(rw, req)

	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing query field, got %d", rw.Code)
	}
}

func TestRerankEmptyDocumentsReturns400(t *testing.T) {
	d := rerankTestDeps(t, &rerankFakeProvider{name: "cohere"})
	body, _ := json.Marshal(map[string]any{
		"model":     "cohere/rerank-v3.5",
		"query":     "what is go",
		"documents": []map[string]string{},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/rerank", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	d.Rerank(rw, req)

	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an empty documents list, got %d", rw.Code)
	}
}

func TestRerankUnknownProviderReturns404(t *testing.T) {
	d := rerankTestDeps(t, &rerankFakeProvider{name: "cohere"})
	body, _ := json.Marshal(map[string]any{
		"model":     "voyage/rerank-2",
		"query":     "what is go",
		"documents": []map[string]string{{"text": "go is a language"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/rerank", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	d.Rerank(rw, req)

	if rw.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unregistered rerank provider, got %d", rw.Code)
	}
}

func TestRerankProviderErrorReturns502(t *testing.T) {
	prov := &rerankFakeProvider{name: "cohere", err: errors.New("upstream exploded")}
	d := rerankTestDeps(t, prov)

	body, _ := json.Marshal(map[string]any{
		"model":     "cohere/rerank-v3.5",
		"query":     "what is go",
		"documents": []map[string]string{{"text": "go is a language"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/rerank", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	d.Rerank(rw, req)

	if rw.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 when the upstream provider errors, got %d", rw.Code)
	}
}

func TestRerankNotConfiguredReturns404(t *testing.T) {
	d := testDeps(t, nil)
	d.Reranker = nil

	body, _ := json.Marshal(map[string]any{
		"model":     "cohere/rerank-v3.5",
		"query":     "what is go",
		"documents": []map[string]string{{"text": "go is a language"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/rerank", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	d.Rerank(rw, req)

	if rw.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when no rerank provider is configured, got %d", rw.Code)
	}
}
