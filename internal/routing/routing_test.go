package routing

import (
	"errors"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vedprakash-m/vigor-gateway/adapters"
	"github.com/vedprakash-m/vigor-gateway/internal/config"
)

func snapWith(t *testing.T, models []config.ModelConfiguration, rules []config.RoutingRule) *config.Snapshot {
	t.Helper()
	m := config.NewManager()
	for _, mc := range models {
		if err := m.AddModel(mc); err != nil {
			t.Fatal(err)
		}
	}
	m.SetRules(rules)
	return m.Snapshot()
}

func model(id string, prio adapters.Priority, cost string, active bool) config.ModelConfiguration {
	return config.ModelConfiguration{
		ModelID:      id,
		Provider:     config.ProviderOpenAI,
		ModelName:    id,
		Priority:     prio,
		CostPerToken: decimal.RequireFromString(cost),
		IsActive:     active,
	}
}

func allProceed(string) bool { return true }

func TestSelect_TieBreakByCost(t *testing.T) {
	snap := snapWith(t, []config.ModelConfiguration{
		model("m_cheap", adapters.PriorityMedium, "0.001", true),
		model("m_costly", adapters.PriorityMedium, "0.002", true),
	}, nil)

	d, err := Select(snap, config.RequestContext{}, []string{"m_costly", "m_cheap"}, allProceed)
	if err != nil {
		t.Fatal(err)
	}
	if d.ModelID != "m_cheap" {
		t.Errorf("selected %s, want m_cheap", d.ModelID)
	}
}

func TestSelect_TieBreakByPriorityThenID(t *testing.T) {
	snap := snapWith(t, []config.ModelConfiguration{
		model("b", adapters.PriorityHigh, "0.001", true),
		model("a", adapters.PriorityHigh, "0.001", true),
		model("c", adapters.PriorityCritical, "0.001", true),
	}, nil)

	d, err := Select(snap, config.RequestContext{}, []string{"a", "b", "c"}, allProceed)
	if err != nil {
		t.Fatal(err)
	}
	if d.ModelID != "c" {
		t.Errorf("equal cost: priority should win, got %s", d.ModelID)
	}
	if !reflect.DeepEqual(d.Ranked, []string{"c", "a", "b"}) {
		t.Errorf("ranked = %v", d.Ranked)
	}
}

func TestSelect_ExcludesInactiveAndOpenCircuits(t *testing.T) {
	snap := snapWith(t, []config.ModelConfiguration{
		model("dead", adapters.PriorityHigh, "0.001", false),
		model("tripped", adapters.PriorityHigh, "0.001", true),
		model("ok", adapters.PriorityLow, "0.009", true),
	}, nil)

	d, err := Select(snap, config.RequestContext{}, []string{"dead", "tripped", "ok"},
		func(id string) bool { return id != "tripped" })
	if err != nil {
		t.Fatal(err)
	}
	if d.ModelID != "ok" {
		t.Errorf("selected %s, want ok", d.ModelID)
	}
	want := []Rejection{
		{ModelID: "dead", Reason: ReasonInactive},
		{ModelID: "tripped", Reason: ReasonCircuitOpen},
	}
	if !reflect.DeepEqual(d.Rejected, want) {
		t.Errorf("rejected = %v, want %v", d.Rejected, want)
	}
}

func TestSelect_NoModelAvailable(t *testing.T) {
	snap := snapWith(t, []config.ModelConfiguration{
		model("m", adapters.PriorityHigh, "0.001", true),
	}, nil)
	_, err := Select(snap, config.RequestContext{}, []string{"m"}, func(string) bool { return false })
	if !errors.Is(err, ErrNoModelAvailable) {
		t.Errorf("err = %v, want ErrNoModelAvailable", err)
	}
	_, err = Select(snap, config.RequestContext{}, nil, allProceed)
	if !errors.Is(err, ErrNoModelAvailable) {
		t.Errorf("empty candidates: err = %v", err)
	}
}

func TestSelect_RuleNarrowsAndOrders(t *testing.T) {
	snap := snapWith(t, []config.ModelConfiguration{
		model("m1", adapters.PriorityMedium, "0.001", true),
		model("m2", adapters.PriorityMedium, "0.005", true),
		model("m3", adapters.PriorityMedium, "0.009", true),
	}, []config.RoutingRule{
		{Name: "workout-order", TaskType: "workout", Models: []string{"m3", "m2"}},
	})

	d, err := Select(snap, config.RequestContext{TaskType: "workout"}, []string{"m1", "m2", "m3"}, allProceed)
	if err != nil {
		t.Fatal(err)
	}
	// The rule's order wins over the cost tie-break.
	if d.ModelID != "m3" {
		t.Errorf("selected %s, want rule-ordered m3", d.ModelID)
	}
	if !reflect.DeepEqual(d.Ranked, []string{"m3", "m2"}) {
		t.Errorf("ranked = %v", d.Ranked)
	}

	// Unmatched task types are untouched by the rule.
	d, _ = Select(snap, config.RequestContext{TaskType: "chat"}, []string{"m1", "m2", "m3"}, allProceed)
	if d.ModelID != "m1" {
		t.Errorf("unmatched rule: selected %s, want cheapest m1", d.ModelID)
	}
}

func TestSelect_LaterRuleOverrides(t *testing.T) {
	snap := snapWith(t, []config.ModelConfiguration{
		model("m1", adapters.PriorityMedium, "0.001", true),
		model("m2", adapters.PriorityMedium, "0.005", true),
	}, []config.RoutingRule{
		{Name: "first", TaskType: "chat", Models: []string{"m1"}},
		{Name: "second", TaskType: "chat", UserTier: adapters.TierPremium, Models: []string{"m2"}},
	})

	d, err := Select(snap, config.RequestContext{TaskType: "chat", UserTier: adapters.TierPremium},
		[]string{"m1", "m2"}, allProceed)
	if err != nil {
		t.Fatal(err)
	}
	if d.ModelID != "m2" {
		t.Errorf("selected %s, want later rule's m2", d.ModelID)
	}
}

func TestSelect_PinKeepsSingleModel(t *testing.T) {
	snap := snapWith(t, []config.ModelConfiguration{
		model("m1", adapters.PriorityMedium, "0.001", true),
		model("m2", adapters.PriorityMedium, "0.005", true),
	}, []config.RoutingRule{
		{Name: "pin", TaskType: "analysis", Models: []string{"m2", "m1"}, Pin: true},
	})

	d, err := Select(snap, config.RequestContext{TaskType: "analysis"}, []string{"m1", "m2"}, allProceed)
	if err != nil {
		t.Fatal(err)
	}
	if d.ModelID != "m2" || len(d.Ranked) != 1 {
		t.Errorf("decision = %+v, want pinned m2 only", d)
	}
}

func TestSelect_PriorityRequestPrefersHighModels(t *testing.T) {
	snap := snapWith(t, []config.ModelConfiguration{
		model("cheap-low", adapters.PriorityLow, "0.001", true),
		model("costly-high", adapters.PriorityHigh, "0.009", true),
	}, nil)

	d, err := Select(snap, config.RequestContext{Priority: adapters.PriorityHigh},
		[]string{"cheap-low", "costly-high"}, allProceed)
	if err != nil {
		t.Fatal(err)
	}
	if d.ModelID != "costly-high" {
		t.Errorf("priority request selected %s, want costly-high", d.ModelID)
	}

	// Without a request priority the cheap model wins.
	d, _ = Select(snap, config.RequestContext{}, []string{"cheap-low", "costly-high"}, allProceed)
	if d.ModelID != "cheap-low" {
		t.Errorf("selected %s, want cheap-low", d.ModelID)
	}
}
