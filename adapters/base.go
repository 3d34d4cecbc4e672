package adapters

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Base provides common fields and methods shared by provider adapter
// implementations. Embed this struct to avoid repeating name, model, key,
// and pricing handling across adapters.
type Base struct {
	name         string
	modelID      string
	modelName    string
	apiKey       string
	baseURL      string
	costPerToken decimal.Decimal
}

// Name returns the provider name.
func (b *Base) Name() string { return b.name }

// ModelID returns the gateway-level model id this adapter serves.
func (b *Base) ModelID() string { return b.modelID }

// EstimateCost returns the cost of the given token count at the configured
// per-token price.
func (b *Base) EstimateCost(tokens int) decimal.Decimal {
	return CostFor(b.costPerToken, tokens)
}

// finish normalises the accounting fields of a completed response: token
// fallback estimation, cost, latency, and request id propagation.
func (b *Base) finish(resp *Response, req *Request, start time.Time) *Response {
	if resp.TokensUsed <= 0 {
		resp.TokensUsed = EstimateTokens(req.Prompt, resp.Content)
	}
	resp.CostEstimate = b.EstimateCost(resp.TokensUsed)
	resp.LatencyMS = time.Since(start).Milliseconds()
	resp.RequestID = req.RequestID
	resp.ModelUsed = b.modelID
	resp.Provider = b.name
	return resp
}

// wrapTransportError classifies a transport-level failure, honouring context
// cancellation as transient.
func (b *Base) wrapTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return NewError(KindTransient, b.name, "request cancelled or timed out", ctx.Err())
	}
	return NewError(KindTransient, b.name, "request failed", err)
}
