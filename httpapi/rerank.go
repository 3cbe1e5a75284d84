package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/alfred-dev/gatekeep/rerank"
)

// Rerank handles POST /v1/rerank. Like Embeddings, it bypasses
// completion.Router — there's no streaming and no deployment-pool retry
// story for rerank — and goes straight to rerank.Service, which owns
// validation, provider dispatch, and result caching.
func (d *Deps) Rerank(w http.ResponseWriter, r *http.Request) {
	if d.Reranker == nil {
		writeErrorResponse(w, http.StatusNotFound, "not_found", "rerank is not configured on this gateway")
		return
	}

	var req rerank.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "failed to parse request body: "+err.Error())
		return
	}

	start := time.Now()
	resp, err := d.Reranker.Rerank(r.Context(), &req)
	latency := time.Since(start)
	if err != nil {
		writeErr(w, err)
		return
	}

	if d.Metrics != nil {
		d.Metrics.TrackRequest(resp.Provider, resp.Model, "rerank", http.StatusOK, float64(latency.Milliseconds()), 0, resp.Cached)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
