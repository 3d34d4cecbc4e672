// Package adapters defines the Adapter interface and the neutral request and
// response types shared across all LLM provider implementations.
//
// The Adapter interface must be implemented by any backend that integrates
// with the gateway. Adapters translate the neutral Request into the
// provider-specific wire call, invoke the remote API, and normalise the
// result — including token and cost accounting — into a Response.
//
// Adapters never retry internally; retry and failover are gateway policy.
package adapters

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Adapter is the uniform call surface over a single configured model.
type Adapter interface {
	// Name returns the provider identifier ("openai", "gemini", ...).
	Name() string
	// ModelID returns the gateway-level model id this adapter serves.
	ModelID() string
	// Generate performs one completion call. Failures are returned as *Error.
	Generate(ctx context.Context, req *Request) (*Response, error)
	// HealthCheck reports whether the provider is currently reachable.
	HealthCheck(ctx context.Context) bool
	// EstimateCost returns the cost of the given token count for this model.
	EstimateCost(tokens int) decimal.Decimal
}

// Tier is an ordered category of user entitlement controlling quotas.
type Tier string

// Tier values, ordered free < premium < enterprise.
const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// Rank returns the ordering position of the tier. Unknown tiers rank lowest.
func (t Tier) Rank() int {
	switch t {
	case TierEnterprise:
		return 2
	case TierPremium:
		return 1
	default:
		return 0
	}
}

// Priority orders model configurations and request urgency,
// fallback < low < medium < high < critical.
type Priority string

// Priority values.
const (
	PriorityFallback Priority = "fallback"
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the ordering position of the priority. Unknown values rank
// with fallback.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Request is the neutral, enriched request handed to an adapter.
// It is immutable once the gateway has enriched it.
type Request struct {
	Prompt      string            `json:"prompt"`
	UserID      string            `json:"user_id"`
	SessionID   string            `json:"session_id,omitempty"`
	TaskType    string            `json:"task_type,omitempty"`
	UserTier    Tier              `json:"user_tier,omitempty"`
	Priority    Priority          `json:"priority,omitempty"`
	MaxTokens   *int              `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// Enrichment fields, assigned by the gateway.
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Response is a completed generation normalised across providers.
type Response struct {
	Content      string            `json:"content"`
	ModelUsed    string            `json:"model_id_used"`
	Provider     string            `json:"provider"`
	TokensUsed   int               `json:"tokens_used"`
	CostEstimate decimal.Decimal   `json:"cost_estimate"`
	LatencyMS    int64             `json:"latency_ms"`
	RequestID    string            `json:"request_id"`
	Cached       bool              `json:"cached"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ErrorKind classifies an adapter failure for circuit and retry policy.
type ErrorKind string

// Adapter error kinds.
const (
	// KindTransient — network failure, timeout, or provider 5xx.
	KindTransient ErrorKind = "TRANSIENT"
	// KindRateLimited — provider returned 429.
	KindRateLimited ErrorKind = "RATE_LIMITED"
	// KindClientInvalid — provider rejected the request as malformed (4xx).
	// Not counted as a circuit failure: a caller bug, not a provider outage.
	KindClientInvalid ErrorKind = "CLIENT_INVALID"
	// KindAuth — provider returned 401/403.
	KindAuth ErrorKind = "AUTH"
	// KindFatal — unrecoverable adapter-side failure.
	KindFatal ErrorKind = "FATAL"
)

// Error is a classified adapter failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an adapter error with the given kind.
func NewError(kind ErrorKind, provider, message string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, Err: err}
}

// KindOf extracts the error kind from err, or KindFatal if err is not an
// adapter error.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindFatal
}

// Retryable reports whether an error kind permits a failover attempt.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// CountsAgainstCircuit reports whether this kind drives breaker transitions.
func (k ErrorKind) CountsAgainstCircuit() bool {
	switch k {
	case KindTransient, KindRateLimited, KindAuth:
		return true
	default:
		return false
	}
}

// ClassifyStatus maps an HTTP status code from a provider to an error kind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindClientInvalid
	default:
		return KindFatal
	}
}

// EstimateTokens is the deterministic fallback token estimator used when a
// provider response carries no usage block: ceil((len(prompt)+len(content))/4).
func EstimateTokens(prompt, content string) int {
	return int(math.Ceil(float64(len(prompt)+len(content)) / 4))
}

// CostFor multiplies a per-token price by a token count.
func CostFor(costPerToken decimal.Decimal, tokens int) decimal.Decimal {
	return costPerToken.Mul(decimal.NewFromInt(int64(tokens)))
}
