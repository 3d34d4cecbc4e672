package llmgateway

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vedprakash-m/vigor-gateway/internal/budget"
)

// Settings carries every process-level knob the gateway recognises. All
// fields have working defaults; LoadSettings overlays the environment.
type Settings struct {
	// DefaultProvider biases routing priority (LLM_PROVIDER).
	DefaultProvider string

	// GlobalMonthlyBudget caps aggregate spend in USD (AI_MONTHLY_BUDGET).
	// Zero disables the global guard.
	GlobalMonthlyBudget decimal.Decimal
	// BudgetEnforcement is strict or soft (BUDGET_ENFORCEMENT).
	BudgetEnforcement budget.Mode

	// CacheTTL and CacheMaxEntries bound the response cache
	// (CACHE_TTL_SECONDS, CACHE_MAX_ENTRIES).
	CacheTTL        time.Duration
	CacheMaxEntries int

	// Circuit breaker knobs (CIRCUIT_FAILURE_THRESHOLD,
	// CIRCUIT_COOLDOWN_SECONDS, CIRCUIT_COOLDOWN_MAX_SECONDS).
	CircuitFailureThreshold int
	CircuitCooldown         time.Duration
	CircuitCooldownMax      time.Duration

	// RequestTimeout is the per-request deadline (REQUEST_TIMEOUT_SECONDS).
	RequestTimeout time.Duration
	// PerModelConcurrency bounds in-flight calls per model (PER_MODEL_CONCURRENCY).
	PerModelConcurrency int64

	// RateLimitPerHour caps generate requests per principal per hour
	// (RATE_LIMIT_PER_HOUR).
	RateLimitPerHour int

	// UsageStoreDSN and BudgetStoreDSN select persistence; empty keeps
	// everything in memory. DatabaseDriver is sqlite (default) or postgres
	// (VIGOR_USAGE_DB, VIGOR_BUDGET_DB, VIGOR_DB_DRIVER).
	UsageStoreDSN  string
	BudgetStoreDSN string
	DatabaseDriver string
}

// DefaultSettings returns the built-in configuration.
func DefaultSettings() Settings {
	return Settings{
		DefaultProvider:         "fallback",
		GlobalMonthlyBudget:     decimal.Zero,
		BudgetEnforcement:       budget.ModeStrict,
		CacheTTL:                5 * time.Minute,
		CacheMaxEntries:         1000,
		CircuitFailureThreshold: 5,
		CircuitCooldown:         30 * time.Second,
		CircuitCooldownMax:      5 * time.Minute,
		RequestTimeout:          30 * time.Second,
		PerModelConcurrency:     64,
		RateLimitPerHour:        20,
		DatabaseDriver:          "sqlite",
	}
}

// LoadSettings builds Settings from the environment over the defaults.
func LoadSettings() (Settings, error) {
	s := DefaultSettings()

	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		s.DefaultProvider = v
	}
	if v := os.Getenv("AI_MONTHLY_BUDGET"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return s, fmt.Errorf("AI_MONTHLY_BUDGET: %w", err)
		}
		s.GlobalMonthlyBudget = d
	}
	if v := os.Getenv("BUDGET_ENFORCEMENT"); v != "" {
		switch budget.Mode(v) {
		case budget.ModeStrict, budget.ModeSoft:
			s.BudgetEnforcement = budget.Mode(v)
		default:
			return s, fmt.Errorf("BUDGET_ENFORCEMENT: unknown mode %q", v)
		}
	}

	var err error
	if s.CacheTTL, err = envSeconds("CACHE_TTL_SECONDS", s.CacheTTL); err != nil {
		return s, err
	}
	if s.CacheMaxEntries, err = envInt("CACHE_MAX_ENTRIES", s.CacheMaxEntries); err != nil {
		return s, err
	}
	if s.CircuitFailureThreshold, err = envInt("CIRCUIT_FAILURE_THRESHOLD", s.CircuitFailureThreshold); err != nil {
		return s, err
	}
	if s.CircuitCooldown, err = envSeconds("CIRCUIT_COOLDOWN_SECONDS", s.CircuitCooldown); err != nil {
		return s, err
	}
	if s.CircuitCooldownMax, err = envSeconds("CIRCUIT_COOLDOWN_MAX_SECONDS", s.CircuitCooldownMax); err != nil {
		return s, err
	}
	if s.RequestTimeout, err = envSeconds("REQUEST_TIMEOUT_SECONDS", s.RequestTimeout); err != nil {
		return s, err
	}
	concurrency, err := envInt("PER_MODEL_CONCURRENCY", int(s.PerModelConcurrency))
	if err != nil {
		return s, err
	}
	s.PerModelConcurrency = int64(concurrency)
	if s.RateLimitPerHour, err = envInt("RATE_LIMIT_PER_HOUR", s.RateLimitPerHour); err != nil {
		return s, err
	}

	s.UsageStoreDSN = os.Getenv("VIGOR_USAGE_DB")
	s.BudgetStoreDSN = os.Getenv("VIGOR_BUDGET_DB")
	if v := os.Getenv("VIGOR_DB_DRIVER"); v != "" {
		if v != "sqlite" && v != "postgres" {
			return s, fmt.Errorf("VIGOR_DB_DRIVER: unknown driver %q", v)
		}
		s.DatabaseDriver = v
	}
	return s, nil
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func envSeconds(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", name, err)
	}
	return time.Duration(n) * time.Second, nil
}
