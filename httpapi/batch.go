package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/alfred-dev/gatekeep/batch"
	"github.com/alfred-dev/gatekeep/provider"
)

type batchCreateRequest struct {
	Requests []provider.ChatRequest `json:"requests"`
}

type batchResponse struct {
	ID          string              `json:"id"`
	Status      batch.Status        `json:"status"`
	Total       int                 `json:"total"`
	Completed   int                 `json:"completed"`
	Failed      int                 `json:"failed"`
	Results     []batch.ItemResult  `json:"results,omitempty"`
	CreatedAt   string              `json:"created_at"`
	CompletedAt *string             `json:"completed_at,omitempty"`
}

func toBatchResponse(j batch.Job, includeResults bool) batchResponse {
	resp := batchResponse{
		ID:        j.ID,
		Status:    j.Status,
		Total:     j.Total,
		Completed: j.Completed,
		Failed:    j.Failed,
		CreatedAt: j.CreatedAt.Format(rfc3339),
	}
	if includeResults {
		resp.Results = j.Results
	}
	if j.CompletedAt != nil {
		s := j.CompletedAt.Format(rfc3339)
		resp.CompletedAt = &s
	}
	return resp
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"

// maxBatchSize caps a single batch submission at 50,000 requests.
const maxBatchSize = 50000

// CreateBatch handles POST /v1/batches — submits a list of chat
// requests for bounded-concurrency async execution and returns
// immediately with the job ID, OpenAI Batch API style.
func (d *Deps) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "failed to parse request body: "+err.Error())
		return
	}
	if len(req.Requests) == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "requests field is required and must not be empty")
		return
	}
	if len(req.Requests) > maxBatchSize {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "batch exceeds the maximum of 50000 requests")
		return
	}

	items := make([]batch.Item, len(req.Requests))
	for i := range req.Requests {
		reqCopy := req.Requests[i]
		items[i] = batch.Item{Index: i, Request: &reqCopy}
	}

	id := uuid.NewString()
	job := d.Batches.Submit(id, items)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(toBatchResponse(job.Snapshot(), false))
}

// GetBatch handles GET /v1/batches/{id} — reports progress, including
// results once the job has finished.
func (d *Deps) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := d.Batches.Get(id)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "not_found", "no batch job with that id")
		return
	}
	snap := job.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(toBatchResponse(snap, snap.Status == batch.StatusCompleted || snap.Status == batch.StatusFailed))
}

// CancelBatch handles POST /v1/batches/{id}/cancel.
func (d *Deps) CancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := d.Batches.Get(id)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "not_found", "no batch job with that id")
		return
	}
	job.Cancel()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(toBatchResponse(job.Snapshot(), false))
}
