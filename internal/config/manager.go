package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/vedprakash-m/vigor-gateway/adapters"
	"github.com/vedprakash-m/vigor-gateway/internal/secrets"
)

// Manager owns model configurations and routing rules. Reads are lock-free
// snapshot loads; updates are serialized and swap the snapshot atomically.
type Manager struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[Snapshot]
	loaded   bool
}

// NewManager creates an empty Manager. Call Load before serving.
func NewManager() *Manager {
	m := &Manager{}
	m.snapshot.Store(newSnapshot(map[string]ModelConfiguration{}, nil))
	return m
}

// Snapshot returns the current configuration snapshot.
func (m *Manager) Snapshot() *Snapshot {
	return m.snapshot.Load()
}

// Load populates the manager from the models file named by VIGOR_MODELS_FILE
// when that variable is set, and otherwise from the environment's provider
// keys; the two sources are not combined. Load is idempotent: two consecutive
// loads yield structurally equal snapshots. If no active model results, the
// fallback configuration is synthesised.
func (m *Manager) Load(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	models := make(map[string]ModelConfiguration)
	var rules []RoutingRule

	if path := os.Getenv("VIGOR_MODELS_FILE"); path != "" {
		file, err := LoadModelsFile(path)
		if err != nil {
			return fmt.Errorf("load models file: %w", err)
		}
		for _, mc := range file.Models {
			models[mc.ModelID] = mc
		}
		rules = file.Rules
	} else {
		for _, mc := range modelsFromEnv() {
			models[mc.ModelID] = mc
		}
	}

	ensureFallback(models)
	m.snapshot.Store(newSnapshot(models, rules))
	m.loaded = true
	return nil
}

// Loaded reports whether Load has completed at least once.
func (m *Manager) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// AddModel registers a new configuration. The model id must be unused.
func (m *Manager) AddModel(cfg ModelConfiguration) error {
	if cfg.ModelID == "" {
		return fmt.Errorf("model_id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.snapshot.Load()
	if _, exists := cur.models[cfg.ModelID]; exists {
		return fmt.Errorf("model %s already configured", cfg.ModelID)
	}
	models := cloneModels(cur.models)
	models[cfg.ModelID] = cfg
	ensureFallback(models)
	m.snapshot.Store(newSnapshot(models, cur.rules))
	return nil
}

// Patch carries partial updates for UpdateModel. Nil fields are unchanged.
type Patch struct {
	Priority     *adapters.Priority
	CostPerToken *decimal.Decimal
	MaxTokens    *int
	Temperature  *float64
	IsActive     *bool
	APIKeyRef    *secrets.Ref
}

// UpdateModel applies a patch to an existing configuration.
func (m *Manager) UpdateModel(id string, p Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.snapshot.Load()
	cfg, ok := cur.models[id]
	if !ok {
		return fmt.Errorf("model %s not configured", id)
	}
	if p.Priority != nil {
		cfg.Priority = *p.Priority
	}
	if p.CostPerToken != nil {
		cfg.CostPerToken = *p.CostPerToken
	}
	if p.MaxTokens != nil {
		cfg.MaxTokens = *p.MaxTokens
	}
	if p.Temperature != nil {
		cfg.Temperature = *p.Temperature
	}
	if p.IsActive != nil {
		cfg.IsActive = *p.IsActive
	}
	if p.APIKeyRef != nil {
		cfg.APIKeyRef = *p.APIKeyRef
	}

	models := cloneModels(cur.models)
	models[id] = cfg
	ensureFallback(models)
	m.snapshot.Store(newSnapshot(models, cur.rules))
	return nil
}

// SetRules replaces the routing rule list.
func (m *Manager) SetRules(rules []RoutingRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.snapshot.Load()
	m.snapshot.Store(newSnapshot(cur.models, append([]RoutingRule(nil), rules...)))
}

func cloneModels(in map[string]ModelConfiguration) map[string]ModelConfiguration {
	out := make(map[string]ModelConfiguration, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ensureFallback guarantees at least one active configuration. The
// "fallback" model id is reserved: it is synthesised when nothing else is
// active and withdrawn again once a real model is, so its zero price never
// competes in cost tie-breaks.
func ensureFallback(models map[string]ModelConfiguration) {
	for id, mc := range models {
		if id == FallbackModelID {
			continue
		}
		if mc.IsActive {
			delete(models, FallbackModelID)
			return
		}
	}
	models[FallbackModelID] = fallbackConfiguration()
}

// modelsFromEnv builds one configuration per provider whose *_API_KEY
// variable is set. LLM_PROVIDER biases the matching provider's priority to
// high.
func modelsFromEnv() []ModelConfiguration {
	bias := Provider(os.Getenv("LLM_PROVIDER"))

	type envEntry struct {
		envKey    string
		provider  Provider
		modelID   string
		modelName string
		price     string // USD per token
	}
	entries := []envEntry{
		{"OPENAI_API_KEY", ProviderOpenAI, "openai-gpt", "gpt-4o-mini", "0.00000015"},
		{"GEMINI_API_KEY", ProviderGemini, "gemini-flash", "gemini-2.0-flash", "0.0000001"},
		{"PERPLEXITY_API_KEY", ProviderPerplexity, "perplexity-sonar", "sonar", "0.0000002"},
	}

	var out []ModelConfiguration
	for _, e := range entries {
		if os.Getenv(e.envKey) == "" {
			continue
		}
		prio := adapters.PriorityMedium
		if bias == e.provider {
			prio = adapters.PriorityHigh
		}
		out = append(out, ModelConfiguration{
			ModelID:      e.modelID,
			Provider:     e.provider,
			ModelName:    e.modelName,
			APIKeyRef:    secrets.Ref{Backend: secrets.BackendEnv, Identifier: e.envKey},
			Priority:     prio,
			CostPerToken: decimal.RequireFromString(e.price),
			MaxTokens:    4096,
			Temperature:  0.7,
			IsActive:     true,
		})
	}
	return out
}
