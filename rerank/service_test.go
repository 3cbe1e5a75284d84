package rerank

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/alfred-dev/gatekeep/gatewayerr"
)

type stubProvider struct {
	name  string
	calls int
	resp  *Response
	err   error
	delay time.Duration
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) SupportsModel(model string) bool { return true }

func (s *stubProvider) Rerank(ctx context.Context, req *Request) (*Response, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func newTestService(t *testing.T, p Provider, cacheTTL time.Duration) (*Service, *stubProvider) {
	t.Helper()
	registry := NewRegistry()
	registry.Register(p)
	return NewService(zerolog.Nop(), registry, "cohere", 2*time.Second, cacheTTL, 100), p.(*stubProvider)
}

func docs(n int) []Document {
	d := make([]Document, n)
	for i := range d {
		d[i] = Document{Text: "doc"}
	}
	return d
}

func TestRerankRejectsEmptyQuery(t *testing.T) {
	svc, _ := newTestService(t, &stubProvider{name: "cohere"}, 0)
	_, err := svc.Rerank(context.Background(), &Request{Query: "", Documents: docs(1)})
	var gwErr *gatewayerr.Error
	if !gatewayerr.As(err, &gwErr) || gwErr.Kind != gatewayerr.InvalidRequest {
		t.Fatalf("expected an invalid_request error for empty query, got %v", err)
	}
}

func TestRerankRejectsEmptyDocuments(t *testing.T) {
	svc, _ := newTestService(t, &stubProvider{name: "cohere"}, 0)
	_, err := svc.Rerank(context.Background(), &Request{Query: "q", Documents: nil})
	var gwErr *gatewayerr.Error
	if !gatewayerr.As(err, &gwErr) || gwErr.Kind != gatewayerr.InvalidRequest {
		t.Fatalf("expected an invalid_request error for empty documents, got %v", err)
	}
}

func TestRerankRejectsTooManyDocuments(t *testing.T) {
	svc, _ := newTestService(t, &stubProvider{name: "cohere"}, 0)
	_, err := svc.Rerank(context.Background(), &Request{Query: "q", Documents: docs(maxDocuments + 1)})
	var gwErr *gatewayerr.Error
	if !gatewayerr.As(err, &gwErr) || gwErr.Kind != gatewayerr.InvalidRequest {
		t.Fatalf("expected an invalid_request error for too many documents, got %v", err)
	}
}

func TestRerankRejectsZeroTopN(t *testing.T) {
	svc, _ := newTestService(t, &stubProvider{name: "cohere"}, 0)
	zero := 0
	_, err := svc.Rerank(context.Background(), &Request{Query: "q", Documents: docs(1), TopN: &zero})
	var gwErr *gatewayerr.Error
	if !gatewayerr.As(err, &gwErr) || gwErr.Kind != gatewayerr.InvalidRequest {
		t.Fatalf("expected an invalid_request error for top_n=0, got %v", err)
	}
}

func TestRerankAllowsNilTopN(t *testing.T) {
	p := &stubProvider{name: "cohere", resp: &Response{Provider: "cohere", Results: []Result{{Index: 0, RelevanceScore: 0.9}}}}
	svc, _ := newTestService(t, p, 0)
	resp, err := svc.Rerank(context.Background(), &Request{Query: "q", Documents: docs(1)})
	if err != nil {
		t.Fatalf("unexpected error with top_n omitted: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(resp.Results))
	}
}

func TestRerankReturnsNotFoundForUnknownProvider(t *testing.T) {
	svc, _ := newTestService(t, &stubProvider{name: "cohere"}, 0)
	_, err := svc.Rerank(context.Background(), &Request{Query: "q", Documents: docs(1), Model: "voyage/rerank-2"})
	var gwErr *gatewayerr.Error
	if !gatewayerr.As(err, &gwErr) || gwErr.Kind != gatewayerr.NotFound {
		t.Fatalf("expected a not_found error for an unregistered provider, got %v", err)
	}
}

func TestRerankWrapsProviderTimeout(t *testing.T) {
	p := &stubProvider{name: "cohere", delay: 50 * time.Millisecond}
	registry := NewRegistry()
	registry.Register(p)
	svc := NewService(zerolog.Nop(), registry, "cohere", 5*time.Millisecond, 0, 0)

	_, err := svc.Rerank(context.Background(), &Request{Query: "q", Documents: docs(1)})
	var gwErr *gatewayerr.Error
	if !gatewayerr.As(err, &gwErr) || gwErr.Kind != gatewayerr.Timeout {
		t.Fatalf("expected a timeout error, got %v", err)
	}
}

func TestRerankWrapsProviderError(t *testing.T) {
	p := &stubProvider{name: "cohere", err: errors.New("upstream exploded")}
	svc, _ := newTestService(t, p, 0)
	_, err := svc.Rerank(context.Background(), &Request{Query: "q", Documents: docs(1)})
	var gwErr *gatewayerr.Error
	if !gatewayerr.As(err, &gwErr) || gwErr.Kind != gatewayerr.ProviderUnavailable {
		t.Fatalf("expected a provider_unavailable error, got %v", err)
	}
}

func TestRerankCachesIdenticalRequests(t *testing.T) {
	p := &stubProvider{name: "cohere", resp: &Response{Provider: "cohere", Results: []Result{{Index: 0, RelevanceScore: 0.5}}}}
	svc, stub := newTestService(t, p, time.Minute)

	req := &Request{Query: "q", Documents: docs(2)}
	if _, err := svc.Rerank(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp2, err := svc.Rerank(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.calls != 1 {
		t.Fatalf("expected the second identical request to be served from cache, provider called %d times", stub.calls)
	}
	if !resp2.Cached {
		t.Fatal("expected the cached response to be marked as such")
	}
}

func TestRerankDoesNotCacheAcrossDifferentQueries(t *testing.T) {
	p := &stubProvider{name: "cohere", resp: &Response{Provider: "cohere", Results: []Result{{Index: 0, RelevanceScore: 0.5}}}}
	svc, stub := newTestService(t, p, time.Minute)

	if _, err := svc.Rerank(context.Background(), &Request{Query: "q1", Documents: docs(1)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Rerank(context.Background(), &Request{Query: "q2", Documents: docs(1)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.calls != 2 {
		t.Fatalf("expected distinct queries to both hit the provider, got %d calls", stub.calls)
	}
}

func TestSplitModelDefaultsToServiceProvider(t *testing.T) {
	svc, _ := newTestService(t, &stubProvider{name: "cohere"}, 0)
	provider, model := svc.splitModel("rerank-v3.5")
	if provider != "cohere" || model != "rerank-v3.5" {
		t.Fatalf("expected default provider with bare model name, got provider=%q model=%q", provider, model)
	}

	provider, model = svc.splitModel("voyage/rerank-2")
	if provider != "voyage" || model != "rerank-2" {
		t.Fatalf("expected prefix split, got provider=%q model=%q", provider, model)
	}
}
