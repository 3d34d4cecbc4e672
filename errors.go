package llmgateway

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the stable failure taxonomy surfaced to callers.
type ErrorKind string

// Gateway error kinds.
const (
	// KindInvalidRequest — empty prompt, malformed context, or a
	// provider-reported client error. Never retried.
	KindInvalidRequest ErrorKind = "INVALID_REQUEST"
	// KindNotReady — the gateway has not been initialised.
	KindNotReady ErrorKind = "NOT_READY"
	// KindRateLimited — the per-key or provider rate limit was exceeded.
	KindRateLimited ErrorKind = "RATE_LIMITED"
	// KindBudgetExceeded — a user or global budget limit was reached.
	KindBudgetExceeded ErrorKind = "BUDGET_EXCEEDED"
	// KindNoModel — routing found no admissible candidate.
	KindNoModel ErrorKind = "NO_MODEL"
	// KindTimeout — the per-request deadline expired.
	KindTimeout ErrorKind = "TIMEOUT"
	// KindUpstreamFailure — repeated transient or auth errors across candidates.
	KindUpstreamFailure ErrorKind = "UPSTREAM_FAILURE"
	// KindInternal — programmer error or invariant violation.
	KindInternal ErrorKind = "INTERNAL"
)

// GatewayError is the tagged failure result of Process. The message is safe
// to surface: it never contains secret material.
type GatewayError struct {
	Kind    ErrorKind
	Message string
	// LimitsExceeded names the failing budget dimensions for BUDGET_EXCEEDED.
	LimitsExceeded []string
	Err            error
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if len(e.LimitsExceeded) > 0 {
		return fmt.Sprintf("%s: %s (limits exceeded: %s)", e.Kind, msg, strings.Join(e.LimitsExceeded, ", "))
	}
	if msg == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + msg
}

func (e *GatewayError) Unwrap() error { return e.Err }

// newError builds a GatewayError.
func newError(kind ErrorKind, message string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the gateway error kind, or INTERNAL for foreign errors.
func KindOf(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// IsKind reports whether err is a GatewayError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
