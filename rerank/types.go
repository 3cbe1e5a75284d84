// Package rerank implements the /v1/rerank surface: given a query and a
// list of candidate documents, ask a provider to score and reorder the
// documents by relevance. It mirrors the chat/embeddings providers'
// shape (Provider interface, Registry, per-request validation) but is
// its own small package since rerank requests, responses, and upstream
// APIs don't share a wire format with chat completions.
package rerank

import "time"

// Document is a single candidate passed in for reranking.
type Document struct {
	Text  string `json:"text"`
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
}

// Request is a rerank call: score Documents against Query and return
// them ordered by relevance, optionally truncated to TopN.
type Request struct {
	Query           string     `json:"query"`
	Documents       []Document `json:"documents"`
	Model           string     `json:"model,omitempty"`
	TopN            *int       `json:"top_n,omitempty"`
	ReturnDocuments bool       `json:"return_documents,omitempty"`
}

// Result is one reranked document with its relevance score, in the
// response's sorted order.
type Result struct {
	Index          int      `json:"index"` // index into the original Request.Documents
	RelevanceScore float64  `json:"relevance_score"`
	Document       Document `json:"document,omitempty"`
}

// Usage carries whatever billing signal the upstream provider exposes;
// Cohere reports search units rather than tokens.
type Usage struct {
	SearchUnits int `json:"search_units,omitempty"`
}

// Response is the rerank call's result.
type Response struct {
	ID        string    `json:"id,omitempty"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Results   []Result  `json:"results"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	Cached    bool      `json:"-"`
}
