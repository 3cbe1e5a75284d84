package rerank

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/alfred-dev/gatekeep/gatewayerr"
)

const maxDocuments = 10000

// Service routes rerank requests to the right provider, validating and
// optionally caching results in front of the upstream call.
type Service struct {
	log             zerolog.Logger
	registry        *Registry
	defaultProvider string
	timeout         time.Duration
	cache           *cache
}

// NewService builds a rerank service. timeout bounds each upstream call;
// when cacheTTL is zero, caching is disabled entirely.
func NewService(log zerolog.Logger, registry *Registry, defaultProvider string, timeout time.Duration, cacheTTL time.Duration, cacheMaxSize int) *Service {
	s := &Service{
		log:             log.With().Str("component", "rerank").Logger(),
		registry:        registry,
		defaultProvider: defaultProvider,
		timeout:         timeout,
	}
	if cacheTTL > 0 {
		s.cache = newCache(cacheTTL, cacheMaxSize)
	}
	return s
}

// Rerank validates req, serves from cache when possible, and otherwise
// dispatches to the provider named by req.Model's "provider/model"
// prefix (or the service default).
func (s *Service) Rerank(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	if err := s.validate(req); err != nil {
		return nil, err
	}

	var key string
	if s.cache != nil {
		key = cacheKey(req)
		if cached, ok := s.cache.get(key); ok {
			s.log.Debug().Str("query", req.Query).Msg("rerank cache hit")
			cached.Cached = true
			return &cached, nil
		}
	}

	providerName, model := s.splitModel(req.Model)
	provider, ok := s.registry.Get(providerName)
	if !ok {
		return nil, gatewayerr.New(gatewayerr.NotFound, fmt.Sprintf("rerank provider not found: %s", providerName))
	}

	callReq := *req
	callReq.Model = model

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := provider.Rerank(callCtx, &callReq)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, gatewayerr.Wrap(gatewayerr.Timeout, fmt.Sprintf("rerank request timed out after %s", s.timeout), err)
		}
		return nil, gatewayerr.Wrap(gatewayerr.ProviderUnavailable, "upstream rerank provider error", err)
	}

	if s.cache != nil {
		s.cache.set(key, *resp)
	}

	s.log.Info().
		Dur("elapsed", time.Since(start)).
		Int("documents", len(req.Documents)).
		Int("results", len(resp.Results)).
		Str("provider", providerName).
		Msg("rerank completed")

	return resp, nil
}

// validate mirrors the request-shape checks every provider would
// otherwise have to repeat: non-empty query, a bounded non-empty
// document list, and a sane top_n.
func (s *Service) validate(req *Request) error {
	if strings.TrimSpace(req.Query) == "" {
		return gatewayerr.New(gatewayerr.InvalidRequest, "query cannot be empty")
	}
	if len(req.Documents) == 0 {
		return gatewayerr.New(gatewayerr.InvalidRequest, "documents list cannot be empty")
	}
	if len(req.Documents) > maxDocuments {
		return gatewayerr.New(gatewayerr.InvalidRequest, fmt.Sprintf("too many documents (max %d)", maxDocuments))
	}
	if req.TopN != nil && *req.TopN == 0 {
		return gatewayerr.New(gatewayerr.InvalidRequest, "top_n must be greater than 0")
	}
	return nil
}

// splitModel extracts the provider name from a "provider/model" string
// (e.g. "cohere/rerank-v3.5" -> "cohere", "rerank-v3.5"), falling back
// to the service default when the model carries no prefix.
func (s *Service) splitModel(model string) (provider, rest string) {
	if idx := strings.Index(model, "/"); idx >= 0 {
		return model[:idx], model[idx+1:]
	}
	return s.defaultProvider, model
}
