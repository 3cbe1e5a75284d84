package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/alfred-dev/gatekeep/middleware"
	"github.com/alfred-dev/gatekeep/provider"
)

// ChatCompletions handles POST /v1/chat/completions — OpenAI-compatible
// chat, both streaming and non-streaming, dispatched through the
// deployment router with cost reservation/settlement around the call.
// Grounded on handler/proxy.go's ChatCompletions/handleNonStreamingChat/
// handleStreamingChat split.
func (d *Deps) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req provider.ChatRequest
	body, err := readAndRestoreBody(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "failed to parse request body: "+err.Error())
		return
	}
	req.Raw = body
	if req.Model == "" {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "model field is required")
		return
	}
	if len(req.Messages) == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "messages field is required and must not be empty")
		return
	}

	tenant := middleware.GetTenant(r.Context())
	requestID := uuid.NewString()
	providerName := provider.DetectProvider(req.Model)
	tc := provider.NewTokenCounter(providerName, req.Model)
	estimate := tc.EstimateChatRequest(&req)

	reservationID := requestID
	var reservation = d.Usage.Reserve(reservationID, tenant, providerName, req.Model, "",
		estimate.PromptTokens, estimate.EstimatedOutput, req.Stream)

	start := time.Now()

	if req.Stream {
		metrics, err := d.Bridge.Run(r.Context(), w, &req)
		latency := time.Since(start)
		if err != nil {
			d.Usage.Fail(reservation.ID, 502, err.Error())
			if d.Metrics != nil {
				d.Metrics.TrackRequest(providerName, req.Model, "chat.completions.stream", 502, float64(latency.Milliseconds()), 0, false)
			}
			// headers/body may already be partially written; nothing more to do.
			return
		}
		inputTokens := metrics.Usage.PromptTokens
		outputTokens := metrics.Usage.CompletionTokens
		if inputTokens == 0 {
			inputTokens = estimate.PromptTokens
		}
		if outputTokens == 0 {
			outputTokens = estimate.EstimatedOutput
		}
		if _, err := d.Usage.Settle(r.Context(), reservation.ID, inputTokens, outputTokens, latency, http.StatusOK); err != nil {
			d.Logger.Warn().Err(err).Str("reservation", reservation.ID).Msg("failed to settle streaming reservation")
		}
		if d.Metrics != nil {
			d.Metrics.TrackRequest(providerName, req.Model, "chat.completions.stream", http.StatusOK, float64(latency.Milliseconds()), int64(inputTokens+outputTokens), false)
		}
		return
	}

	// Collapse identical concurrent requests (same tenant + model + body)
	// into a single upstream call — a client that retries a slow request
	// before the first attempt returns shouldn't double the provider bill.
	var fingerprint string
	var leader bool
	var entry interface {
		Wait()
		Result() ([]byte, int, error)
	}
	if d.Dedup != nil {
		contentHash := sha256.Sum256(body)
		fingerprint = middleware.Fingerprint(tenant, req.Model, hex.EncodeToString(contentHash[:]))
		entry, leader = d.Dedup.TryStart(fingerprint)
		if !leader {
			entry.Wait()
			respBody, code, derr := entry.Result()
			latency := time.Since(start)
			d.Usage.Fail(reservation.ID, code, "coalesced with identical in-flight request")
			if derr != nil {
				writeErr(w, derr)
				return
			}
			if d.Metrics != nil {
				d.Metrics.TrackRequest(providerName, req.Model, "chat.completions", code, float64(latency.Milliseconds()), 0, false)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Gatekeep-Coalesced", "true")
			w.WriteHeader(code)
			_, _ = w.Write(respBody)
			return
		}
	}

	result, err := d.Router.Dispatch(r.Context(), &req)
	latency := time.Since(start)
	if err != nil {
		d.Usage.Fail(reservation.ID, classifyStatus(err), err.Error())
		if d.Metrics != nil {
			d.Metrics.TrackRequest(providerName, req.Model, "chat.completions", classifyStatus(err), float64(latency.Milliseconds()), 0, false)
		}
		if d.Dedup != nil {
			d.Dedup.Complete(fingerprint, nil, classifyStatus(err), err)
		}
		writeErr(w, err)
		return
	}

	if _, err := d.Usage.Settle(r.Context(), reservation.ID, result.Response.Usage.PromptTokens, result.Response.Usage.CompletionTokens, latency, http.StatusOK); err != nil {
		d.Logger.Warn().Err(err).Str("reservation", reservation.ID).Msg("failed to settle reservation")
	}
	if d.Metrics != nil {
		d.Metrics.TrackRequest(providerName, req.Model, "chat.completions", http.StatusOK, float64(latency.Milliseconds()), int64(result.Response.Usage.TotalTokens), false)
	}

	respBody, _ := json.Marshal(result.Response)
	if d.Dedup != nil {
		d.Dedup.Complete(fingerprint, respBody, http.StatusOK, nil)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Gatekeep-Deployment", result.Deployment.ID)
	w.Header().Set("X-Gatekeep-Attempts", strconv.Itoa(result.Attempts))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBody)
}

func classifyStatus(err error) int {
	status, _, _ := classify(err)
	return status
}
