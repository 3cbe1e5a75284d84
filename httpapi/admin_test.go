package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alfred-dev/gatekeep/health"
	"github.com/alfred-dev/gatekeep/loadbalancer"
)

func TestListDeploymentsReturnsCurrentSnapshot(t *testing.T) {
	d := testDeps(t, nil)
	d.Deployments.Replace([]loadbalancer.Deployment{{ID: "dep-1", Provider: "openai", Model: "gpt-4o"}})

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/deployments", nil)
	rw := httptest.NewRecorder()
	d.ListDeployments(rw, req)

	var got []loadbalancer.Deployment
	if err := json.Unmarshal(rw.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(got) != 1 || got[0].ID != "dep-1" {
		t.Fatalf("expected the replaced deployment to be reported, got %+v", got)
	}
}

func TestPutDeploymentsReplacesWholeSet(t *testing.T) {
	d := testDeps(t, nil)
	d.Deployments.Replace([]loadbalancer.Deployment{{ID: "old", Provider: "openai", Model: "gpt-4o"}})

	body, _ := json.Marshal([]loadbalancer.Deployment{{ID: "new", Provider: "anthropic", Model: "claude-3"}})
	req := httptest.NewRequest(http.MethodPut, "/v1/admin/deployments", bytes.NewReader(body))
	rw := httptest.NewRecorder()
	d.PutDeployments(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	snap := d.Deployments.Snapshot()
	if len(snap) != 1 || snap[0].ID != "new" {
		t.Fatalf("expected the deployment set to be fully replaced, got %+v", snap)
	}
}

func TestUpsertDeploymentSetsIDFromURLParam(t *testing.T) {
	d := testDeps(t, nil)
	body, _ := json.Marshal(loadbalancer.Deployment{Provider: "openai", Model: "gpt-4o"})
	req := httptest.NewRequest(http.MethodPut, "/v1/admin/deployments/dep-7", bytes.NewReader(body))
	req = req.WithContext(chiContextWithID("dep-7"))
	rw := httptest.NewRecorder()
	d.UpsertDeployment(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	snap := d.Deployments.Snapshot()
	found := false
	for _, dep := range snap {
		if dep.ID == "dep-7" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected upserted deployment dep-7 to be present, got %+v", snap)
	}
}

func TestDeleteDeploymentReturns204(t *testing.T) {
	d := testDeps(t, nil)
	d.Deployments.Replace([]loadbalancer.Deployment{{ID: "dep-1", Provider: "openai", Model: "gpt-4o"}})

	req := httptest.NewRequest(http.MethodDelete, "/v1/admin/deployments/dep-1", nil)
	req = req.WithContext(chiContextWithID("dep-1"))
	rw := httptest.NewRecorder()
	d.DeleteDeployment(rw, req)

	if rw.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rw.Code)
	}
	if len(d.Deployments.Snapshot()) != 0 {
		t.Fatal("expected the deployment to be removed")
	}
}

func TestModelsListsModelsAcrossRegisteredProviders(t *testing.T) {
	d := testDeps(t, nil)
	d.Providers.Register(&embeddingsFakeProvider{name: "openai"})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rw := httptest.NewRecorder()
	d.Models(rw, req)

	var got struct {
		Data []struct {
			ID       string `json:"id"`
			Provider string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(got.Data) != 1 || got.Data[0].Provider != "openai" {
		t.Fatalf("expected one model entry owned by openai, got %+v", got.Data)
	}
}

func TestProviderHealthAggregatesRegisteredProviders(t *testing.T) {
	d := testDeps(t, nil)
	d.Providers.Register(&embeddingsFakeProvider{name: "openai"})

	req := httptest.NewRequest(http.MethodGet, "/v1/providers/health", nil)
	rw := httptest.NewRecorder()
	d.ProviderHealth(rw, req)

	var got map[string]struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if _, ok := got["openai"]; !ok {
		t.Fatalf("expected openai to be present in the health report, got %+v", got)
	}
}

func TestDeploymentHealthReportsBreakerStateAlongsideMonitor(t *testing.T) {
	d := testDeps(t, nil)
	d.Monitor = health.NewMonitor(d.Logger, 10*time.Second, func() []health.Target { return nil })
	d.Breakers.Get("dep-1")

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/deployments/health", nil)
	rw := httptest.NewRecorder()
	d.DeploymentHealth(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
	var got map[string]struct {
		BreakerState  string `json:"breaker_state"`
		MonitorHealthy bool  `json:"monitor_healthy"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	entry, ok := got["dep-1"]
	if !ok {
		t.Fatalf("expected dep-1's breaker state to be reported, got %+v", got)
	}
	if entry.BreakerState != "closed" {
		t.Fatalf("expected a newly-created breaker to report closed, got %q", entry.BreakerState)
	}
}
