package registry

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"dev.helix.council/internal/models"
)

// manifest is the on-disk shape of the bundled model catalog.
type manifest struct {
	Models []*models.ModelDescriptor `yaml:"models"`
}

// defaultManifest is the built-in catalog used when no manifest file is
// configured. Quality scores are coarse priors, not benchmarks.
const defaultManifest = `
models:
  - id: openai/gpt-5.1
    provider: openai
    tier: frontier
    context_window: 400000
    pricing: {input_cost: 10.0, output_cost: 30.0}
    quality_score: 0.95
    capabilities: [reasoning, streaming, json-mode]
    available: true
  - id: anthropic/claude-opus-4.5
    provider: anthropic
    tier: frontier
    context_window: 200000
    pricing: {input_cost: 15.0, output_cost: 75.0}
    quality_score: 0.96
    capabilities: [reasoning, streaming, json-mode]
    available: true
  - id: google/gemini-3-pro-preview
    provider: google
    tier: frontier
    context_window: 1000000
    pricing: {input_cost: 7.0, output_cost: 21.0}
    quality_score: 0.94
    capabilities: [reasoning, streaming, json-mode]
    available: true
  - id: x-ai/grok-4
    provider: x-ai
    tier: frontier
    context_window: 256000
    pricing: {input_cost: 5.0, output_cost: 15.0}
    quality_score: 0.9
    capabilities: [reasoning, streaming, json-mode]
    available: true
  - id: anthropic/claude-sonnet-4.5
    provider: anthropic
    tier: high
    context_window: 200000
    pricing: {input_cost: 3.0, output_cost: 15.0}
    quality_score: 0.88
    capabilities: [reasoning, streaming, json-mode]
    available: true
  - id: openai/gpt-4.1
    provider: openai
    tier: high
    context_window: 1000000
    pricing: {input_cost: 2.0, output_cost: 8.0}
    quality_score: 0.85
    capabilities: [reasoning, streaming, json-mode]
    available: true
  - id: google/gemini-2.5-flash
    provider: google
    tier: standard
    context_window: 1000000
    pricing: {input_cost: 0.3, output_cost: 2.5}
    quality_score: 0.74
    capabilities: [streaming, json-mode]
    available: true
  - id: deepseek/deepseek-chat
    provider: deepseek
    tier: standard
    context_window: 128000
    pricing: {input_cost: 0.27, output_cost: 1.1}
    quality_score: 0.72
    capabilities: [streaming, json-mode]
    available: true
  - id: google/gemini-2.0-flash-001
    provider: google
    tier: quick
    context_window: 1000000
    pricing: {input_cost: 0.1, output_cost: 0.4}
    quality_score: 0.6
    capabilities: [streaming, json-mode]
    available: true
  - id: ollama/llama3.1:8b
    provider: ollama
    tier: quick
    context_window: 128000
    pricing: {input_cost: 0.0, output_cost: 0.0}
    quality_score: 0.45
    capabilities: [streaming]
    hardware: {min_vram_gb: 8, accelerator: gpu, quantization: q4}
    available: true
    local: true
`

// StaticProvider serves descriptors from a YAML manifest.
type StaticProvider struct {
	byID  map[string]*models.ModelDescriptor
	order []string
}

// NewStaticProvider loads a manifest file, or the built-in catalog when the
// path is empty.
func NewStaticProvider(path string) (*StaticProvider, error) {
	raw := []byte(defaultManifest)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read model manifest: %w", err)
		}
		raw = data
	}

	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse model manifest: %w", err)
	}
	if len(m.Models) == 0 {
		return nil, fmt.Errorf("model manifest is empty")
	}

	p := &StaticProvider{byID: make(map[string]*models.ModelDescriptor, len(m.Models))}
	for _, d := range m.Models {
		if d.ID == "" {
			return nil, fmt.Errorf("model manifest entry missing id")
		}
		p.byID[d.ID] = d
		p.order = append(p.order, d.ID)
	}
	sort.Strings(p.order)
	return p, nil
}

// Describe implements Provider.
func (p *StaticProvider) Describe(_ context.Context, modelID string) (*models.ModelDescriptor, bool) {
	d, ok := p.byID[modelID]
	return d, ok
}

// List implements Provider. The order is stable (lexicographic by ID).
func (p *StaticProvider) List(_ context.Context) []*models.ModelDescriptor {
	out := make([]*models.ModelDescriptor, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.byID[id])
	}
	return out
}
