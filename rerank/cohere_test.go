package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCohereProviderRerankParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/rerank" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var body cohereRerankRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		if body.Query != "capital of France" || len(body.Documents) != 2 {
			t.Fatalf("unexpected request body: %+v", body)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(cohereRerankResponse{
			ID: "rerank-1",
			Results: []struct {
				Index          int     `json:"index"`
				RelevanceScore float64 `json:"relevance_score"`
				Document       *struct {
					Text string `json:"text"`
				} `json:"document,omitempty"`
			}{
				{Index: 1, RelevanceScore: 0.98},
				{Index: 0, RelevanceScore: 0.12},
			},
		})
	}))
	defer srv.Close()

	p := NewCohereProvider(CohereConfig{APIKey: "test-key", BaseURL: srv.URL})
	resp, err := p.Rerank(context.Background(), &Request{
		Query: "capital of France",
		Documents: []Document{
			{Text: "Berlin is the capital of Germany", ID: "doc-0"},
			{Text: "Paris is the capital of France", ID: "doc-1"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.ID != "rerank-1" || resp.Provider != "cohere" {
		t.Fatalf("unexpected response envelope: %+v", resp)
	}
	if len(resp.Results) != 2 || resp.Results[0].Index != 1 || resp.Results[0].Document.ID != "doc-1" {
		t.Fatalf("expected results ordered by relevance with IDs mapped back, got %+v", resp.Results)
	}
}

func TestCohereProviderSupportsModel(t *testing.T) {
	p := NewCohereProvider(CohereConfig{APIKey: "k"})
	if !p.SupportsModel("rerank-v3.5") {
		t.Fatal("expected rerank-v3.5 to be supported")
	}
	if !p.SupportsModel("") {
		t.Fatal("expected an empty model string to fall back to the default")
	}
	if p.SupportsModel("command-r-plus") {
		t.Fatal("expected a chat model name to not be reported as a supported rerank model")
	}
}
