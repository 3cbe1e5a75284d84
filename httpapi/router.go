package httpapi

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	gwmw "github.com/alfred-dev/gatekeep/middleware"
	"github.com/alfred-dev/gatekeep/observability"
)

// NewRouter builds the gateway's chi.Router: the same middleware-chain
// shape router.NewRouter used (CORS -> security headers -> request ID
// -> recoverer -> request logger -> body limit -> auth -> concurrency
// guard -> timeout), mounting the OpenAI-compatible surface plus admin
// and operational endpoints instead of the teacher's analytics/cache/
// policy/intelligence/experiment routes.
func NewRouter(d *Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(gwmw.CORSMiddleware([]string{"*"}))
	r.Use(gwmw.SecurityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	if d.Tracer != nil {
		r.Use(observability.TracingMiddleware(d.Tracer))
	}
	r.Use(requestLogger(d))
	r.Use(maxBodySize(d.Config.MaxBodyBytes))

	r.Get("/healthz", healthzHandler)
	r.Get("/ready", readyHandler(d))
	if d.Metrics != nil {
		r.Get("/metrics", d.Metrics.Handler())
	}

	authMW := gwmw.NewAuthMiddleware(d.Logger, d.Config.APIKeyHeader, d.Config.JWTSecret)
	headerNorm := gwmw.NewHeaderNormalization(d.Logger)
	timeoutMW := gwmw.NewTimeoutMiddleware(d.Logger, d.Config)
	guard := gwmw.NewConcurrencyGuard(16, 5*time.Second, d.Logger)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMW.Handler)
		r.Use(headerNorm.Handler)
		r.Use(guard.Middleware)
		r.Use(timeoutMW.Handler)

		r.With(d.rateLimitGateMW).Post("/chat/completions", d.ChatCompletions)
		r.With(d.rateLimitGateMW).Post("/embeddings", d.Embeddings)
		r.Post("/audio/transcriptions", d.Transcriptions)
		r.Post("/audio/translations", d.Translations)
		r.Post("/audio/speech", d.Speech)
		r.With(d.rateLimitGateMW).Post("/rerank", d.Rerank)

		r.Get("/models", d.Models)
		r.Get("/providers/health", d.ProviderHealth)

		r.Post("/batches", d.CreateBatch)
		r.Get("/batches/{id}", d.GetBatch)
		r.Post("/batches/{id}/cancel", d.CancelBatch)

		r.Get("/admin/deployments", d.ListDeployments)
		r.Put("/admin/deployments", d.PutDeployments)
		r.Put("/admin/deployments/{id}", d.UpsertDeployment)
		r.Delete("/admin/deployments/{id}", d.DeleteDeployment)
		r.Get("/admin/deployments/health", d.DeploymentHealth)
	})

	return r
}

// rateLimitGateMW adapts rateLimitGate (which wraps an http.HandlerFunc)
// to chi's middleware signature for use with r.With.
func (d *Deps) rateLimitGateMW(next http.Handler) http.Handler {
	return d.rateLimitGate(next.ServeHTTP)
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","service":"gatekeep"}`))
}

func readyHandler(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if len(d.Providers.List()) == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not_ready","reason":"no providers registered"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"gatekeep"}`))
	}
}

func maxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 4 * 1024 * 1024
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			max := maxBytes
			if v := os.Getenv("GATEWAY_MAX_BODY_BYTES"); v != "" {
				if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
					max = parsed
				}
			}
			if r.ContentLength > 0 && r.ContentLength > max {
				writeErrorResponse(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(d *Deps) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			reqID := chimw.GetReqID(r.Context())
			d.Logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
