package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// fallbackContent is the deterministic canned reply. It keeps the system
// serviceable when no third-party provider is usable.
const fallbackContent = "I'm currently operating in offline mode. Please try again later, " +
	"or contact support if the problem persists."

// FallbackAdapter produces a deterministic canned response with zero cost.
type FallbackAdapter struct {
	Base
}

// NewFallback creates the built-in fallback adapter.
func NewFallback(modelID string) *FallbackAdapter {
	if modelID == "" {
		modelID = "fallback"
	}
	return &FallbackAdapter{
		Base: Base{name: "fallback", modelID: modelID, modelName: "fallback"},
	}
}

// Generate returns the canned response. It never fails.
func (a *FallbackAdapter) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	content := fallbackContent
	if req.TaskType != "" {
		content = fmt.Sprintf("[%s] %s", req.TaskType, fallbackContent)
	}
	resp := &Response{
		Content:    content,
		TokensUsed: EstimateTokens(req.Prompt, content),
	}
	resp = a.finish(resp, req, start)
	// The fallback is free regardless of configured pricing.
	resp.CostEstimate = decimal.Zero
	return resp, nil
}

// HealthCheck always succeeds: the fallback has no upstream.
func (a *FallbackAdapter) HealthCheck(_ context.Context) bool { return true }

// EstimateCost is always zero for the fallback.
func (a *FallbackAdapter) EstimateCost(_ int) decimal.Decimal { return decimal.Zero }
