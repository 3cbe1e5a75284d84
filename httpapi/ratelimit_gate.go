package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/alfred-dev/gatekeep/middleware"
	"github.com/alfred-dev/gatekeep/provider"
	"github.com/alfred-dev/gatekeep/ratelimit"
)

// rateLimitGate evaluates the tenant's RPM/TPM/RPD/TPD budget before a
// chat/embeddings request is dispatched. It estimates token cost from
// the request body with provider.TokenCounter's EstimateChatRequest,
// the same estimate the chat handler reserves with usage.Recorder, so a
// request that would blow the token budget is rejected before any
// upstream call is made.
func (d *Deps) rateLimitGate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Limiter == nil {
			next(w, r)
			return
		}
		tenant := middleware.GetTenant(r.Context())
		if tenant == "" {
			tenant = middleware.GetAPIKey(r.Context())
		}

		estimated := 0
		if r.Body != nil && r.ContentLength > 0 && r.ContentLength < 8<<20 {
			var peek struct {
				Model     string                 `json:"model"`
				Messages  []provider.ChatMessage `json:"messages"`
				MaxTokens *int                   `json:"max_tokens"`
			}
			body, err := readAndRestoreBody(r)
			if err == nil {
				if json.Unmarshal(body, &peek) == nil && peek.Model != "" {
					tc := provider.NewTokenCounter(provider.DetectProvider(peek.Model), peek.Model)
					est := tc.EstimateChatRequest(&provider.ChatRequest{Messages: peek.Messages, MaxTokens: peek.MaxTokens})
					estimated = est.PromptTokens + est.EstimatedOutput
				}
			}
		}

		decision := d.Limiter.Check(r.Context(), tenant, d.tenantLimits(), estimated)
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
			writeErrorResponse(w, http.StatusTooManyRequests, "rate_limit",
				"tenant has exceeded its "+string(decision.LimitedWindow)+" budget")
			return
		}
		next(w, r)
	}
}
