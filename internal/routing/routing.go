// Package routing selects a model id for a request from a candidate set.
// Selection is pure with respect to its inputs: no network calls, no state.
package routing

import (
	"errors"
	"sort"

	"github.com/vedprakash-m/vigor-gateway/adapters"
	"github.com/vedprakash-m/vigor-gateway/internal/config"
)

// ErrNoModelAvailable is returned when no admissible candidate remains.
var ErrNoModelAvailable = errors.New("no model available")

// Rejection names a candidate excluded from selection and why.
type Rejection struct {
	ModelID string `json:"model_id"`
	Reason  string `json:"reason"` // INACTIVE | CIRCUIT_OPEN
}

// Rejection reasons attributable to the routing step.
const (
	ReasonInactive    = "INACTIVE"
	ReasonCircuitOpen = "CIRCUIT_OPEN"
)

// Decision is the outcome of one selection: the chosen model, the ordered
// runner-up list for failover, and the rejected candidates for the receipt.
type Decision struct {
	ModelID  string
	Ranked   []string // full admissible order, chosen model first
	Rejected []Rejection
}

// Select picks a model id for rctx from candidates.
//
// Candidates that are inactive or whose circuit is open are excluded first.
// Matching rules then apply in declaration order: a rule whose model list
// intersects the admissible set replaces the working order with its own
// (narrowing and reordering); later rules override earlier ones. A pinning
// rule keeps only its first admissible model. If the request carries a
// priority and any high or critical model survives, those are preferred.
// When no rule imposed an order, the final tie-break is ascending
// cost_per_token, then declared priority descending, then lexical model id.
func Select(snap *config.Snapshot, rctx config.RequestContext, candidates []string, canProceed func(string) bool) (Decision, error) {
	var d Decision

	// Step 1: admissibility.
	admissible := make([]config.ModelConfiguration, 0, len(candidates))
	seen := make(map[string]bool, len(candidates))
	for _, id := range candidates {
		if seen[id] {
			continue
		}
		seen[id] = true
		cfg, ok := snap.Model(id)
		if !ok || !cfg.IsActive {
			d.Rejected = append(d.Rejected, Rejection{ModelID: id, Reason: ReasonInactive})
			continue
		}
		if canProceed != nil && !canProceed(id) {
			d.Rejected = append(d.Rejected, Rejection{ModelID: id, Reason: ReasonCircuitOpen})
			continue
		}
		admissible = append(admissible, cfg)
	}
	if len(admissible) == 0 {
		return d, ErrNoModelAvailable
	}

	// Step 2: rules narrow or reorder; later rules win.
	working := admissible
	ruleOrdered := false
	byID := make(map[string]config.ModelConfiguration, len(admissible))
	for _, cfg := range admissible {
		byID[cfg.ModelID] = cfg
	}
	for _, rule := range snap.MatchingRules(rctx) {
		var next []config.ModelConfiguration
		for _, id := range rule.Models {
			if cfg, ok := byID[id]; ok {
				next = append(next, cfg)
			}
		}
		if len(next) == 0 {
			continue // rule names no admissible model; skip it
		}
		if rule.Pin {
			next = next[:1]
		}
		working = next
		ruleOrdered = true
	}

	// Step 3: prefer high/critical models for priority requests.
	if rctx.Priority != "" {
		var preferred []config.ModelConfiguration
		for _, cfg := range working {
			if cfg.Priority == adapters.PriorityHigh || cfg.Priority == adapters.PriorityCritical {
				preferred = append(preferred, cfg)
			}
		}
		if len(preferred) > 0 {
			working = preferred
		}
	}

	// Step 4: tie-break, unless a rule imposed an explicit order.
	if !ruleOrdered {
		sort.SliceStable(working, func(i, j int) bool {
			a, b := working[i], working[j]
			if c := a.CostPerToken.Cmp(b.CostPerToken); c != 0 {
				return c < 0
			}
			if a.Priority.Rank() != b.Priority.Rank() {
				return a.Priority.Rank() > b.Priority.Rank()
			}
			return a.ModelID < b.ModelID
		})
	}

	d.Ranked = make([]string, len(working))
	for i, cfg := range working {
		d.Ranked[i] = cfg.ModelID
	}
	d.ModelID = d.Ranked[0]
	return d, nil
}
