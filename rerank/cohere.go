package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const cohereRerankBaseURL = "https://api.cohere.com"

// CohereConfig configures the Cohere rerank provider.
type CohereConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// CohereProvider implements Provider against Cohere's /v2/rerank API.
type CohereProvider struct {
	cfg    CohereConfig
	client *http.Client
}

// NewCohereProvider creates a Cohere rerank connector.
func NewCohereProvider(cfg CohereConfig) *CohereProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = cohereRerankBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "rerank-v3.5"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CohereProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *CohereProvider) Name() string { return "cohere" }

func (p *CohereProvider) SupportsModel(model string) bool {
	if model == "" {
		return true
	}
	return strings.HasPrefix(model, "rerank-")
}

type cohereRerankRequest struct {
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	Model           string   `json:"model"`
	TopN            *int     `json:"top_n,omitempty"`
	ReturnDocuments bool     `json:"return_documents,omitempty"`
}

type cohereRerankResponse struct {
	ID      string `json:"id"`
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
		Document       *struct {
			Text string `json:"text"`
		} `json:"document,omitempty"`
	} `json:"results"`
	Meta struct {
		BilledUnits struct {
			SearchUnits int `json:"search_units"`
		} `json:"billed_units"`
	} `json:"meta"`
}

func (p *CohereProvider) Rerank(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	docs := make([]string, len(req.Documents))
	for i, d := range req.Documents {
		docs[i] = d.Text
	}

	body := cohereRerankRequest{
		Query:           req.Query,
		Documents:       docs,
		Model:           model,
		TopN:            req.TopN,
		ReturnDocuments: req.ReturnDocuments,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal cohere rerank request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v2/rerank",
		bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("cohere rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("cohere rerank error: status=%d body=%s", resp.StatusCode, string(respBody))
	}

	var cResp cohereRerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&cResp); err != nil {
		return nil, fmt.Errorf("decode cohere rerank response: %w", err)
	}

	results := make([]Result, len(cResp.Results))
	for i, r := range cResp.Results {
		results[i] = Result{
			Index:          r.Index,
			RelevanceScore: r.RelevanceScore,
		}
		if r.Document != nil {
			results[i].Document.Text = r.Document.Text
		}
		if r.Index < len(req.Documents) {
			results[i].Document.ID = req.Documents[r.Index].ID
		}
	}

	return &Response{
		ID:       cResp.ID,
		Provider: p.Name(),
		Model:    model,
		Results:  results,
		Usage: Usage{
			SearchUnits: cResp.Meta.BilledUnits.SearchUnits,
		},
		CreatedAt: time.Now(),
	}, nil
}
