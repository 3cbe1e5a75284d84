package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/alfred-dev/gatekeep/middleware"
	"github.com/alfred-dev/gatekeep/provider"
)

// Embeddings handles POST /v1/embeddings. Embeddings requests aren't
// routed through completion.Router (no streaming, no retry-by-
// deployment story defined for this gateway's embedding surface) — they
// go straight to the model's provider, mirroring handler/proxy.go's
// Embeddings handler, with usage accounting layered on top.
func (d *Deps) Embeddings(w http.ResponseWriter, r *http.Request) {
	var req provider.EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "failed to parse request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "model field is required")
		return
	}

	prov, err := d.Providers.GetForModel(req.Model)
	if err != nil {
		writeErrorResponse(w, http.StatusNotFound, "provider_not_found", err.Error())
		return
	}

	tenant := middleware.GetTenant(r.Context())
	providerName := provider.DetectProvider(req.Model)

	start := time.Now()
	resp, err := prov.Embeddings(r.Context(), &req)
	latency := time.Since(start)
	if err != nil {
		writeErrorResponse(w, http.StatusBadGateway, "provider_error", "upstream provider error: "+err.Error())
		return
	}

	cost := d.Pricing.CalculateCost(providerName, req.Model, resp.Usage.TotalTokens, 0)
	d.Usage.RecordDirect(r.Context(), uuid.NewString(), tenant, providerName, req.Model, resp.Usage.PromptTokens, 0, cost, latency, http.StatusOK, false)
	if d.Metrics != nil {
		d.Metrics.TrackRequest(providerName, req.Model, "embeddings", http.StatusOK, float64(latency.Milliseconds()), int64(resp.Usage.TotalTokens), false)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
