package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alfred-dev/gatekeep/loadbalancer"
)

// ListDeployments handles GET /v1/admin/deployments.
func (d *Deps) ListDeployments(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(d.Deployments.Snapshot())
}

// PutDeployments handles PUT /v1/admin/deployments — replaces the whole
// deployment set atomically, the same copy-on-write swap Reload uses
// when re-reading the backing file, so in-flight requests against the
// old snapshot never see a partially-updated registry.
func (d *Deps) PutDeployments(w http.ResponseWriter, r *http.Request) {
	var deployments []loadbalancer.Deployment
	if err := json.NewDecoder(r.Body).Decode(&deployments); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "failed to parse request body: "+err.Error())
		return
	}
	d.Deployments.Replace(deployments)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(d.Deployments.Snapshot())
}

// UpsertDeployment handles PUT /v1/admin/deployments/{id}.
func (d *Deps) UpsertDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var dep loadbalancer.Deployment
	if err := json.NewDecoder(r.Body).Decode(&dep); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "failed to parse request body: "+err.Error())
		return
	}
	dep.ID = id
	d.Deployments.Upsert(dep)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(dep)
}

// DeleteDeployment handles DELETE /v1/admin/deployments/{id}.
func (d *Deps) DeleteDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d.Deployments.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

// ProviderHealth handles GET /v1/providers/health.
func (d *Deps) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	health := d.Providers.HealthCheckAll(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(health)
}

// Models handles GET /v1/models.
func (d *Deps) Models(w http.ResponseWriter, r *http.Request) {
	type modelEntry struct {
		ID       string `json:"id"`
		Provider string `json:"owned_by"`
	}
	var out []modelEntry
	for _, name := range d.Providers.List() {
		prov, ok := d.Providers.Get(name)
		if !ok {
			continue
		}
		for _, m := range prov.Models() {
			out = append(out, modelEntry{ID: m, Provider: name})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"object": "list", "data": out})
}

// DeploymentHealth handles GET /v1/admin/deployments/health — the
// circuit breaker state and last health monitor status per deployment.
func (d *Deps) DeploymentHealth(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Breaker string `json:"breaker_state"`
		Healthy bool   `json:"monitor_healthy"`
	}
	breakers := d.Breakers.Snapshot()
	monitor := d.Monitor.Snapshot()
	out := make(map[string]entry, len(breakers))
	for id, state := range breakers {
		out[id] = entry{Breaker: state.String(), Healthy: monitor[id].Healthy}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}
