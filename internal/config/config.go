// Package config holds the gateway's model configurations and routing rules.
//
// The Manager owns both exclusively. All reads go through an immutable
// Snapshot swapped atomically on every update, so the request hot path never
// takes a lock. Updates are serialized by a mutex.
package config

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vedprakash-m/vigor-gateway/adapters"
	"github.com/vedprakash-m/vigor-gateway/internal/secrets"
)

// Provider identifies a supported LLM backend.
type Provider string

// Supported providers.
const (
	ProviderOpenAI     Provider = "openai"
	ProviderGemini     Provider = "gemini"
	ProviderPerplexity Provider = "perplexity"
	ProviderBedrock    Provider = "bedrock"
	ProviderFallback   Provider = "fallback"
)

// FallbackModelID is the id of the synthesised fallback configuration.
const FallbackModelID = "fallback"

// ModelConfiguration describes one routable model.
type ModelConfiguration struct {
	ModelID      string            `json:"model_id" yaml:"model_id"`
	Provider     Provider          `json:"provider" yaml:"provider"`
	ModelName    string            `json:"model_name" yaml:"model_name"`
	APIKeyRef    secrets.Ref       `json:"api_key_ref" yaml:"api_key_ref"`
	Priority     adapters.Priority `json:"priority" yaml:"priority"`
	CostPerToken decimal.Decimal   `json:"cost_per_token" yaml:"cost_per_token"`
	MaxTokens    int               `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature  float64           `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	IsActive     bool              `json:"is_active" yaml:"is_active"`
}

// RoutingRule narrows or reorders the candidate list for matching requests.
// Rules apply in declaration order; later rules win conflicts.
type RoutingRule struct {
	Name string `json:"name" yaml:"name"`
	// Match predicates: empty string matches anything.
	TaskType string            `json:"task_type,omitempty" yaml:"task_type,omitempty"`
	UserTier adapters.Tier     `json:"user_tier,omitempty" yaml:"user_tier,omitempty"`
	Priority adapters.Priority `json:"priority,omitempty" yaml:"priority,omitempty"`
	// Models is the ordered candidate list the rule imposes.
	Models []string `json:"models" yaml:"models"`
	// Pin forces the first available model in Models and discards the rest
	// of the candidate set.
	Pin bool `json:"pin,omitempty" yaml:"pin,omitempty"`
}

// RequestContext carries the request fields rules match against.
type RequestContext struct {
	TaskType string
	UserTier adapters.Tier
	Priority adapters.Priority
}

// Matches reports whether the rule applies to the given request context.
func (r RoutingRule) Matches(rctx RequestContext) bool {
	if r.TaskType != "" && r.TaskType != rctx.TaskType {
		return false
	}
	if r.UserTier != "" && r.UserTier != rctx.UserTier {
		return false
	}
	if r.Priority != "" && r.Priority != rctx.Priority {
		return false
	}
	return true
}

// Snapshot is an immutable view of the active configuration. Callers must
// not mutate the returned slices or maps.
type Snapshot struct {
	models map[string]ModelConfiguration
	active []ModelConfiguration // priority-ordered, highest first
	rules  []RoutingRule
}

// Model returns the configuration for id.
func (s *Snapshot) Model(id string) (ModelConfiguration, bool) {
	m, ok := s.models[id]
	return m, ok
}

// ActiveModels returns active configurations ordered by priority descending,
// cost ascending within a priority, then model id.
func (s *Snapshot) ActiveModels() []ModelConfiguration {
	return s.active
}

// MatchingRules returns rules matching rctx, in declaration order.
func (s *Snapshot) MatchingRules(rctx RequestContext) []RoutingRule {
	var out []RoutingRule
	for _, r := range s.rules {
		if r.Matches(rctx) {
			out = append(out, r)
		}
	}
	return out
}

// Rules returns all routing rules in declaration order.
func (s *Snapshot) Rules() []RoutingRule {
	return s.rules
}

// newSnapshot builds the derived views from the model map and rules.
func newSnapshot(models map[string]ModelConfiguration, rules []RoutingRule) *Snapshot {
	active := make([]ModelConfiguration, 0, len(models))
	for _, m := range models {
		if m.IsActive {
			active = append(active, m)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if c := a.CostPerToken.Cmp(b.CostPerToken); c != 0 {
			return c < 0
		}
		return a.ModelID < b.ModelID
	})
	return &Snapshot{models: models, active: active, rules: rules}
}

// fallbackConfiguration synthesises the always-available local model.
func fallbackConfiguration() ModelConfiguration {
	return ModelConfiguration{
		ModelID:      FallbackModelID,
		Provider:     ProviderFallback,
		ModelName:    "fallback",
		APIKeyRef:    secrets.Ref{Backend: secrets.BackendEnv, Identifier: "FALLBACK_SECRET"},
		Priority:     adapters.PriorityFallback,
		CostPerToken: decimal.Zero,
		IsActive:     true,
	}
}
