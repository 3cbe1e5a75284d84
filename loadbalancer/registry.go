// Package loadbalancer maintains the set of configured provider
// deployments and picks one to serve a given model request. The
// registry is a copy-on-write snapshot (lock-free reads) so every
// request path reads it without contending with the rare admin-driven
// write; picking strategy is grounded on the teacher's SLA-aware
// balancer (routing.SLABalancer), generalized to cover several
// interchangeable strategies instead of one fixed scoring formula.
package loadbalancer

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Deployment is one configured route to a provider/model pair: a
// concrete, addressable backend the router can send a request to.
type Deployment struct {
	ID       string            `yaml:"id" json:"id"`
	Provider string            `yaml:"provider" json:"provider"`
	Model    string            `yaml:"model" json:"model"`
	Endpoint string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	APIKeyEnv string           `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	Weight   float64           `yaml:"weight" json:"weight"`
	Priority int               `yaml:"priority" json:"priority"`
	Tags     map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Disabled bool              `yaml:"disabled" json:"disabled"`
}

// APIKey resolves the deployment's credential from the environment
// variable named by APIKeyEnv.
func (d Deployment) APIKey() string {
	if d.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(d.APIKeyEnv)
}

type fileDoc struct {
	Deployments []Deployment `yaml:"deployments"`
}

// Registry holds the current deployment set behind an atomic pointer.
type Registry struct {
	snap     atomic.Pointer[[]Deployment]
	logger   zerolog.Logger
	filePath string
}

// NewRegistry builds an empty registry, optionally seeded from filePath
// (a YAML document with a top-level `deployments:` list).
func NewRegistry(logger zerolog.Logger, filePath string) (*Registry, error) {
	r := &Registry{
		logger:   logger.With().Str("component", "deployment-registry").Logger(),
		filePath: filePath,
	}
	empty := []Deployment{}
	r.snap.Store(&empty)
	if filePath != "" {
		if err := r.Reload(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Reload re-reads the backing file and atomically swaps the snapshot.
func (r *Registry) Reload() error {
	if r.filePath == "" {
		return nil
	}
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		return fmt.Errorf("read deployments file: %w", err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse deployments file: %w", err)
	}
	r.Replace(doc.Deployments)
	return nil
}

// Replace installs a brand-new deployment set (copy-on-write).
func (r *Registry) Replace(deployments []Deployment) {
	cp := make([]Deployment, len(deployments))
	copy(cp, deployments)
	r.snap.Store(&cp)
	r.logger.Info().Int("count", len(cp)).Msg("deployment registry updated")
}

// Upsert adds or replaces a single deployment by ID.
func (r *Registry) Upsert(d Deployment) {
	old := *r.snap.Load()
	next := make([]Deployment, 0, len(old)+1)
	replaced := false
	for _, existing := range old {
		if existing.ID == d.ID {
			next = append(next, d)
			replaced = true
			continue
		}
		next = append(next, existing)
	}
	if !replaced {
		next = append(next, d)
	}
	r.snap.Store(&next)
}

// Remove deletes a deployment by ID.
func (r *Registry) Remove(id string) {
	old := *r.snap.Load()
	next := make([]Deployment, 0, len(old))
	for _, d := range old {
		if d.ID != id {
			next = append(next, d)
		}
	}
	r.snap.Store(&next)
}

// Snapshot returns the current deployment list.
func (r *Registry) Snapshot() []Deployment {
	snap := *r.snap.Load()
	out := make([]Deployment, len(snap))
	copy(out, snap)
	return out
}

// Get returns a single deployment by ID.
func (r *Registry) Get(id string) (Deployment, bool) {
	for _, d := range r.Snapshot() {
		if d.ID == id {
			return d, true
		}
	}
	return Deployment{}, false
}

// ForModel returns every enabled deployment that serves the given model
// name, either directly (Model field) or via an alias tag.
func (r *Registry) ForModel(model string) []Deployment {
	var out []Deployment
	for _, d := range r.Snapshot() {
		if d.Disabled {
			continue
		}
		if d.Model == model || d.Tags["alias"] == model {
			out = append(out, d)
		}
	}
	return out
}
