// Package pricing holds the gateway's per-model cost table. Reads are
// lock-free: the table is swapped atomically (copy-on-write) so the hot
// path of costing a finished request never blocks behind a refresh.
package pricing

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// CostBasis identifies which request dimension a model is billed against.
// Chat/embedding models bill per token; transcription/translation bill per
// second of audio; TTS bills per character of input text.
type CostBasis string

const (
	CostBasisToken     CostBasis = "token"
	CostBasisCharacter CostBasis = "character"
	CostBasisTime      CostBasis = "time"
)

// ModelPricing holds the rate for one "provider/model" entry.
type ModelPricing struct {
	CostBasis   CostBasis `yaml:"cost_basis"`
	InputPer1M  float64   `yaml:"input_per_1m"`
	OutputPer1M float64   `yaml:"output_per_1m"`
	// PerUnit applies when CostBasis is Character or Time: USD per
	// character (TTS) or USD per second (transcription/translation).
	PerUnit float64 `yaml:"per_unit"`
	Free    bool    `yaml:"free"`
}

func defaultBasis(p ModelPricing) ModelPricing {
	if p.CostBasis == "" {
		p.CostBasis = CostBasisToken
	}
	return p
}

// Table is a lock-free, hot-swappable pricing table.
type Table struct {
	snap     atomic.Pointer[map[string]ModelPricing]
	logger   zerolog.Logger
	filePath string
}

// NewTable builds a Table seeded with built-in defaults, then overlaid
// with filePath (a YAML document of provider/model -> ModelPricing) if
// one is configured and present.
func NewTable(logger zerolog.Logger, filePath string) *Table {
	t := &Table{
		logger:   logger.With().Str("component", "pricing-table").Logger(),
		filePath: filePath,
	}
	seed := defaultSeed()
	t.snap.Store(&seed)
	if filePath != "" {
		if err := t.Reload(); err != nil {
			t.logger.Warn().Err(err).Str("file", filePath).Msg("pricing file load failed, using built-in defaults")
		}
	}
	return t
}

// Reload re-reads the pricing file (if configured) and atomically swaps
// the table. Built-in defaults are always the base layer so a partial
// override file never loses coverage for models it doesn't mention.
func (t *Table) Reload() error {
	if t.filePath == "" {
		return nil
	}
	data, err := os.ReadFile(t.filePath)
	if err != nil {
		return fmt.Errorf("read pricing file: %w", err)
	}
	var overrides map[string]ModelPricing
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parse pricing file: %w", err)
	}

	next := defaultSeed()
	for k, v := range overrides {
		next[k] = defaultBasis(v)
	}
	t.snap.Store(&next)
	t.logger.Info().Int("entries", len(next)).Msg("pricing table reloaded")
	return nil
}

// RunRefreshLoop periodically reloads the pricing file until done is
// closed. Intended to be started once from main as a detached
// goroutine; a no-op when no file is configured.
func (t *Table) RunRefreshLoop(done <-chan struct{}, interval time.Duration) {
	if t.filePath == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := t.Reload(); err != nil {
				t.logger.Warn().Err(err).Msg("pricing refresh failed")
			}
		}
	}
}

// GetPricing returns the pricing entry for a provider/model pair, trying
// an exact "provider/model" key first and falling back to a bare model
// suffix match across all providers (so overrides can target a model by
// name alone).
func (t *Table) GetPricing(providerName, model string) (ModelPricing, bool) {
	snap := *t.snap.Load()

	if p, ok := snap[providerName+"/"+model]; ok {
		return p, true
	}

	lowerModel := strings.ToLower(model)
	for k, p := range snap {
		parts := strings.SplitN(k, "/", 2)
		if len(parts) == 2 && strings.ToLower(parts[1]) == lowerModel {
			return p, true
		}
	}
	return ModelPricing{}, false
}

// CalculateCost computes the USD cost of a token-billed request.
func (t *Table) CalculateCost(providerName, model string, inputTokens, outputTokens int) float64 {
	p, found := t.GetPricing(providerName, model)
	if !found || p.Free {
		return 0
	}
	inputCost := (float64(inputTokens) / 1_000_000.0) * p.InputPer1M
	outputCost := (float64(outputTokens) / 1_000_000.0) * p.OutputPer1M
	return round8(inputCost + outputCost)
}

// CalculateUnitCost computes the USD cost of a character- or time-billed
// request (TTS characters, or seconds of audio for transcription).
func (t *Table) CalculateUnitCost(providerName, model string, units float64) float64 {
	p, found := t.GetPricing(providerName, model)
	if !found || p.Free {
		return 0
	}
	return round8(units * p.PerUnit)
}

// IsFreeModel returns true if the model is marked as free in the table.
func (t *Table) IsFreeModel(providerName, model string) bool {
	p, found := t.GetPricing(providerName, model)
	return found && p.Free
}

// Snapshot returns a shallow copy of the current table, for admin APIs.
func (t *Table) Snapshot() map[string]ModelPricing {
	snap := *t.snap.Load()
	out := make(map[string]ModelPricing, len(snap))
	for k, v := range snap {
		out[k] = v
	}
	return out
}

// SetPricing installs (or overrides) a single entry via copy-on-write,
// for the admin pricing endpoint.
func (t *Table) SetPricing(key string, p ModelPricing) {
	p = defaultBasis(p)
	for {
		old := t.snap.Load()
		next := make(map[string]ModelPricing, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[key] = p
		if t.snap.CompareAndSwap(old, &next) {
			return
		}
	}
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}

// defaultSeed is the built-in pricing table, used when no override file
// is configured and as the base layer a file's entries are merged onto.
func defaultSeed() map[string]ModelPricing {
	return map[string]ModelPricing{
		"openai/gpt-4o":                  {CostBasis: CostBasisToken, InputPer1M: 2.50, OutputPer1M: 10.00},
		"openai/gpt-4o-mini":             {CostBasis: CostBasisToken, InputPer1M: 0.15, OutputPer1M: 0.60},
		"openai/gpt-4-turbo":             {CostBasis: CostBasisToken, InputPer1M: 10.00, OutputPer1M: 30.00},
		"openai/gpt-3.5-turbo":           {CostBasis: CostBasisToken, InputPer1M: 0.50, OutputPer1M: 1.50},
		"openai/o1":                      {CostBasis: CostBasisToken, InputPer1M: 15.00, OutputPer1M: 60.00},
		"openai/o1-mini":                 {CostBasis: CostBasisToken, InputPer1M: 3.00, OutputPer1M: 12.00},
		"openai/text-embedding-3-small":  {CostBasis: CostBasisToken, InputPer1M: 0.02},
		"openai/text-embedding-3-large":  {CostBasis: CostBasisToken, InputPer1M: 0.13},
		"openai/whisper-1":               {CostBasis: CostBasisTime, PerUnit: 0.0001},
		"openai/tts-1":                   {CostBasis: CostBasisCharacter, PerUnit: 0.000015},

		"anthropic/claude-3-5-sonnet-20241022": {CostBasis: CostBasisToken, InputPer1M: 3.00, OutputPer1M: 15.00},
		"anthropic/claude-3-5-haiku-20241022":  {CostBasis: CostBasisToken, InputPer1M: 0.80, OutputPer1M: 4.00},
		"anthropic/claude-3-opus-20240229":     {CostBasis: CostBasisToken, InputPer1M: 15.00, OutputPer1M: 75.00},
		"anthropic/claude-3-haiku-20240307":    {CostBasis: CostBasisToken, InputPer1M: 0.25, OutputPer1M: 1.25},

		"gemini/gemini-2.0-flash":      {CostBasis: CostBasisToken, InputPer1M: 0.10, OutputPer1M: 0.40},
		"gemini/gemini-1.5-pro":        {CostBasis: CostBasisToken, InputPer1M: 1.25, OutputPer1M: 5.00},
		"gemini/gemini-1.5-flash":      {CostBasis: CostBasisToken, InputPer1M: 0.075, OutputPer1M: 0.30},
		"gemini/gemini-2.0-flash-lite": {CostBasis: CostBasisToken, Free: true},

		"azure/gpt-4o":      {CostBasis: CostBasisToken, InputPer1M: 2.50, OutputPer1M: 10.00},
		"azure/gpt-4o-mini": {CostBasis: CostBasisToken, InputPer1M: 0.15, OutputPer1M: 0.60},

		"mistral/mistral-large-latest": {CostBasis: CostBasisToken, InputPer1M: 2.00, OutputPer1M: 6.00},
		"mistral/mistral-small-latest": {CostBasis: CostBasisToken, InputPer1M: 0.20, OutputPer1M: 0.60},
		"mistral/mistral-embed":        {CostBasis: CostBasisToken, InputPer1M: 0.10},

		"groq/llama-3.1-70b-versatile": {CostBasis: CostBasisToken, InputPer1M: 0.59, OutputPer1M: 0.79},
		"groq/llama-3.1-8b-instant":    {CostBasis: CostBasisToken, InputPer1M: 0.05, OutputPer1M: 0.08},

		"together/meta-llama/Meta-Llama-3.1-70B-Instruct-Turbo": {CostBasis: CostBasisToken, InputPer1M: 0.88, OutputPer1M: 0.88},

		"cohere/command-r-plus":     {CostBasis: CostBasisToken, InputPer1M: 2.50, OutputPer1M: 10.00},
		"cohere/command-r":          {CostBasis: CostBasisToken, InputPer1M: 0.15, OutputPer1M: 0.60},
		"cohere/embed-english-v3.0": {CostBasis: CostBasisToken, InputPer1M: 0.10},

		"bedrock/anthropic.claude-3-5-sonnet-20241022-v2:0": {CostBasis: CostBasisToken, InputPer1M: 3.00, OutputPer1M: 15.00},

		"ollama/*": {CostBasis: CostBasisToken, Free: true},
		"vllm/*":   {CostBasis: CostBasisToken, Free: true},
	}
}
