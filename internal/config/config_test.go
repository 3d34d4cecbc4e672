package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vedprakash-m/vigor-gateway/adapters"
	"github.com/vedprakash-m/vigor-gateway/internal/secrets"
)

func activeIDs(s *Snapshot) []string {
	var ids []string
	for _, m := range s.ActiveModels() {
		ids = append(ids, m.ModelID)
	}
	return ids
}

func TestLoad_SynthesisesFallback(t *testing.T) {
	t.Setenv("VIGOR_MODELS_FILE", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("PERPLEXITY_API_KEY", "")

	m := NewManager()
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	snap := m.Snapshot()
	if got := activeIDs(snap); !reflect.DeepEqual(got, []string{FallbackModelID}) {
		t.Errorf("active = %v, want [fallback]", got)
	}
	fb, ok := snap.Model(FallbackModelID)
	if !ok || fb.Provider != ProviderFallback || !fb.CostPerToken.IsZero() {
		t.Errorf("fallback config = %+v", fb)
	}
}

func TestLoad_Idempotent(t *testing.T) {
	t.Setenv("VIGOR_MODELS_FILE", "")
	t.Setenv("OPENAI_API_KEY", "sk-x")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("PERPLEXITY_API_KEY", "")
	t.Setenv("LLM_PROVIDER", "openai")

	m := NewManager()
	if err := m.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := m.Snapshot()
	if err := m.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	second := m.Snapshot()

	if !reflect.DeepEqual(first.models, second.models) {
		t.Error("consecutive loads must yield structurally equal snapshots")
	}
	// LLM_PROVIDER bias lifts openai to high priority.
	cfg, _ := second.Model("openai-gpt")
	if cfg.Priority != adapters.PriorityHigh {
		t.Errorf("biased priority = %s, want high", cfg.Priority)
	}
}

func TestActiveModels_Ordering(t *testing.T) {
	models := map[string]ModelConfiguration{
		"cheap-high": {ModelID: "cheap-high", Priority: adapters.PriorityHigh,
			CostPerToken: decimal.RequireFromString("0.1"), IsActive: true},
		"costly-high": {ModelID: "costly-high", Priority: adapters.PriorityHigh,
			CostPerToken: decimal.RequireFromString("0.2"), IsActive: true},
		"critical": {ModelID: "critical", Priority: adapters.PriorityCritical,
			CostPerToken: decimal.RequireFromString("0.9"), IsActive: true},
		"inactive": {ModelID: "inactive", Priority: adapters.PriorityCritical, IsActive: false},
	}
	snap := newSnapshot(models, nil)
	want := []string{"critical", "cheap-high", "costly-high"}
	if got := activeIDs(snap); !reflect.DeepEqual(got, want) {
		t.Errorf("ordering = %v, want %v", got, want)
	}
}

func TestAddAndUpdateModel(t *testing.T) {
	m := NewManager()
	cfg := ModelConfiguration{
		ModelID:   "m1",
		Provider:  ProviderOpenAI,
		ModelName: "gpt-4o",
		Priority:  adapters.PriorityMedium,
		IsActive:  true,
	}
	if err := m.AddModel(cfg); err != nil {
		t.Fatalf("AddModel: %v", err)
	}
	if err := m.AddModel(cfg); err == nil {
		t.Error("duplicate AddModel must fail")
	}

	inactive := false
	if err := m.UpdateModel("m1", Patch{IsActive: &inactive}); err != nil {
		t.Fatalf("UpdateModel: %v", err)
	}
	got, _ := m.Snapshot().Model("m1")
	if got.IsActive {
		t.Error("expected m1 inactive after patch")
	}
	// Deactivating the last model re-synthesises the fallback.
	if _, ok := m.Snapshot().Model(FallbackModelID); !ok {
		t.Error("fallback should be synthesised when no model is active")
	}

	if err := m.UpdateModel("ghost", Patch{}); err == nil {
		t.Error("UpdateModel on unknown id must fail")
	}
}

func TestRoutingRule_Matches(t *testing.T) {
	rule := RoutingRule{TaskType: "chat", UserTier: adapters.TierFree}
	if !rule.Matches(RequestContext{TaskType: "chat", UserTier: adapters.TierFree}) {
		t.Error("expected match")
	}
	if rule.Matches(RequestContext{TaskType: "chat", UserTier: adapters.TierPremium}) {
		t.Error("tier mismatch must not match")
	}
	wild := RoutingRule{}
	if !wild.Matches(RequestContext{TaskType: "anything"}) {
		t.Error("empty predicates match anything")
	}
}

func TestLoadModelsFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	content := `
models:
  - model_id: gpt
    provider: openai
    model_name: gpt-4o-mini
    api_key_ref: env:OPENAI_API_KEY
    priority: high
    cost_per_token: "0.00000015"
    max_tokens: 4096
    temperature: 0.7
    is_active: true
rules:
  - name: workouts-premium
    task_type: workout
    user_tier: premium
    models: [gpt]
    pin: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := LoadModelsFile(path)
	if err != nil {
		t.Fatalf("LoadModelsFile: %v", err)
	}
	if len(f.Models) != 1 || len(f.Rules) != 1 {
		t.Fatalf("models/rules = %d/%d", len(f.Models), len(f.Rules))
	}
	mc := f.Models[0]
	if mc.APIKeyRef != (secrets.Ref{Backend: secrets.BackendEnv, Identifier: "OPENAI_API_KEY"}) {
		t.Errorf("APIKeyRef = %v", mc.APIKeyRef)
	}
	if !mc.CostPerToken.Equal(decimal.RequireFromString("0.00000015")) {
		t.Errorf("CostPerToken = %s", mc.CostPerToken)
	}
	if !f.Rules[0].Pin || f.Rules[0].UserTier != adapters.TierPremium {
		t.Errorf("rule = %+v", f.Rules[0])
	}
}

func TestLoadModelsFile_RejectsBadProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json")
	content := `{"models": [{"model_id": "x", "provider": "aol", "model_name": "y"}]}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadModelsFile(path); err == nil {
		t.Error("expected schema validation failure for unknown provider")
	}
}
