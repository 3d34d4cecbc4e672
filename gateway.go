// Package llmgateway provides the Vigor LLM orchestration gateway: a single
// request-processing pipeline that selects a configured provider under
// active policy, enforces spending limits, applies a response cache,
// protects upstreams with circuit breakers, and emits usage records.
//
// The Gateway type is the entry point: create one with New, call Init to
// load configuration and build adapters, and route requests with Process.
// Lifecycle is init → serve → shutdown; the gateway's own mutable state is
// the initialised flag, the adapter and semaphore maps, the registered hooks,
// and the usage-overflow counter.
package llmgateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/vedprakash-m/vigor-gateway/adapters"
	"github.com/vedprakash-m/vigor-gateway/internal/budget"
	"github.com/vedprakash-m/vigor-gateway/internal/cache"
	"github.com/vedprakash-m/vigor-gateway/internal/circuitbreaker"
	"github.com/vedprakash-m/vigor-gateway/internal/config"
	"github.com/vedprakash-m/vigor-gateway/internal/logging"
	"github.com/vedprakash-m/vigor-gateway/internal/metrics"
	"github.com/vedprakash-m/vigor-gateway/internal/ratelimit"
	"github.com/vedprakash-m/vigor-gateway/internal/routing"
	"github.com/vedprakash-m/vigor-gateway/internal/secrets"
	"github.com/vedprakash-m/vigor-gateway/internal/usagelog"
)

// RouteClassGenerate is the rate-limit route class for Process.
const RouteClassGenerate = "generate"

// EventHookFunc is called asynchronously after a gateway event (request
// completed or failed).
type EventHookFunc func(ctx context.Context, subject string, data map[string]interface{})

// Event subject constants used when invoking gateway hooks.
const (
	SubjectRequestCompleted = "gateway.request.completed"
	SubjectRequestFailed    = "gateway.request.failed"
)

// AdapterFactory builds an adapter for one model configuration. Tests
// substitute this to inject fakes.
type AdapterFactory func(ctx context.Context, cfg config.ModelConfiguration, apiKey string) (adapters.Adapter, error)

// Gateway composes the gateway pipeline.
type Gateway struct {
	settings Settings

	configMgr *config.Manager
	resolver  *secrets.Resolver
	cache     *cache.Cache
	breakers  *circuitbreaker.Manager
	budget    *budget.Manager
	limiter   *ratelimit.Limiter
	usage     *usagelog.Logger
	factory   AdapterFactory

	mu         sync.RWMutex
	adapters   map[string]adapters.Adapter
	semaphores map[string]*semaphore.Weighted
	hooks      []EventHookFunc

	initialized  atomic.Bool
	overflowSeen atomic.Int64
}

// Options injects the gateway's collaborators. Zero-value fields fall back
// to working defaults.
type Options struct {
	ConfigManager  *config.Manager
	SecretResolver *secrets.Resolver
	BudgetStore    *budget.Store
	UsageSink      usagelog.Sink
	AdapterFactory AdapterFactory
	TierLimits     map[adapters.Tier]budget.TierLimits
	Clock          func() time.Time
}

// New creates a Gateway from settings and optional collaborators.
func New(settings Settings, opts Options) *Gateway {
	cfgMgr := opts.ConfigManager
	if cfgMgr == nil {
		cfgMgr = config.NewManager()
	}
	resolver := opts.SecretResolver
	if resolver == nil {
		resolver = secrets.NewResolver(nil)
	}
	g := &Gateway{
		settings:  settings,
		configMgr: cfgMgr,
		resolver:  resolver,
		cache:     cache.New(cache.NewMemory(settings.CacheMaxEntries, settings.CacheTTL)),
		breakers: circuitbreaker.NewManager(settings.CircuitFailureThreshold,
			settings.CircuitCooldown, settings.CircuitCooldownMax),
		budget: budget.NewManager(budget.Options{
			Limits:              opts.TierLimits,
			Mode:                settings.BudgetEnforcement,
			GlobalMonthlyBudget: settings.GlobalMonthlyBudget,
			Store:               opts.BudgetStore,
			Now:                 opts.Clock,
		}),
		limiter:    ratelimit.New(settings.RateLimitPerHour, time.Hour),
		usage:      usagelog.NewLogger(opts.UsageSink, usagelog.DefaultQueueSize),
		factory:    opts.AdapterFactory,
		adapters:   make(map[string]adapters.Adapter),
		semaphores: make(map[string]*semaphore.Weighted),
	}
	if g.factory == nil {
		g.factory = g.buildAdapter
	}
	return g
}

// Init loads configuration, resolves credentials, and builds the adapter
// map. A secret that fails to resolve for an active configuration is fatal
// here; at runtime (RefreshAdapters) the model is excluded instead.
func (g *Gateway) Init(ctx context.Context) error {
	if err := g.configMgr.Load(ctx); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := g.budget.Restore(ctx); err != nil {
		return fmt.Errorf("restore budget accounts: %w", err)
	}
	if err := g.rebuildAdapters(ctx, true); err != nil {
		return err
	}
	g.initialized.Store(true)
	logging.Logger.Info("gateway initialised",
		"models", len(g.adapters),
		"enforcement", string(g.budget.Mode()),
	)
	return nil
}

// RefreshAdapters rebuilds the adapter map from the current configuration
// snapshot. Models whose secrets fail to resolve are excluded from routing
// until resolution succeeds.
func (g *Gateway) RefreshAdapters(ctx context.Context) error {
	return g.rebuildAdapters(ctx, false)
}

func (g *Gateway) rebuildAdapters(ctx context.Context, strict bool) error {
	snap := g.configMgr.Snapshot()
	built := make(map[string]adapters.Adapter)
	sems := make(map[string]*semaphore.Weighted)

	for _, cfg := range snap.ActiveModels() {
		var apiKey string
		if cfg.Provider != config.ProviderFallback {
			key, err := g.resolver.Resolve(ctx, cfg.APIKeyRef)
			if err != nil {
				if strict {
					return fmt.Errorf("resolve credentials for model %s: %w", cfg.ModelID, err)
				}
				logging.Logger.Warn("excluding model: credentials unresolved",
					"model", cfg.ModelID, "ref", cfg.APIKeyRef.String())
				continue
			}
			apiKey = key
		}
		ad, err := g.factory(ctx, cfg, apiKey)
		if err != nil {
			if strict {
				return fmt.Errorf("build adapter for model %s: %w", cfg.ModelID, err)
			}
			logging.Logger.Warn("excluding model: adapter construction failed",
				"model", cfg.ModelID, "error", err.Error())
			continue
		}
		built[cfg.ModelID] = ad
		sems[cfg.ModelID] = semaphore.NewWeighted(g.settings.PerModelConcurrency)
	}

	// The fallback adapter is always present so failover has a floor.
	if _, ok := built[config.FallbackModelID]; !ok {
		built[config.FallbackModelID] = adapters.NewFallback(config.FallbackModelID)
		sems[config.FallbackModelID] = semaphore.NewWeighted(g.settings.PerModelConcurrency)
	}

	g.mu.Lock()
	g.adapters = built
	g.semaphores = sems
	g.mu.Unlock()
	return nil
}

// buildAdapter is the default AdapterFactory.
func (g *Gateway) buildAdapter(ctx context.Context, cfg config.ModelConfiguration, apiKey string) (adapters.Adapter, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return adapters.NewOpenAI(cfg.ModelID, cfg.ModelName, apiKey, "", cfg.CostPerToken), nil
	case config.ProviderGemini:
		return adapters.NewGemini(cfg.ModelID, cfg.ModelName, apiKey, "", cfg.CostPerToken), nil
	case config.ProviderPerplexity:
		return adapters.NewPerplexity(cfg.ModelID, cfg.ModelName, apiKey, "", cfg.CostPerToken), nil
	case config.ProviderBedrock:
		// Ambient AWS credentials; the resolved key is unused for SigV4.
		return adapters.NewBedrock(ctx, cfg.ModelID, cfg.ModelName, "", "", "", cfg.CostPerToken)
	case config.ProviderFallback:
		return adapters.NewFallback(cfg.ModelID), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// AddHook registers an EventHookFunc called asynchronously on each completed
// or failed request.
func (g *Gateway) AddHook(fn EventHookFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, fn)
}

func (g *Gateway) publishEvent(ctx context.Context, subject string, data map[string]interface{}) {
	g.mu.RLock()
	hooks := make([]EventHookFunc, len(g.hooks))
	copy(hooks, g.hooks)
	g.mu.RUnlock()
	for _, h := range hooks {
		fn := h
		go fn(ctx, subject, data)
	}
}

// Config returns the configuration manager for admin surfaces.
func (g *Gateway) Config() *config.Manager { return g.configMgr }

// Budget returns the budget manager for admin surfaces.
func (g *Gateway) Budget() *budget.Manager { return g.budget }

// Process runs one request through the pipeline and returns its response or
// a tagged GatewayError.
func (g *Gateway) Process(ctx context.Context, req *adapters.Request) (*adapters.Response, error) {
	// Initialisation guard.
	if !g.initialized.Load() {
		return nil, newError(KindNotReady, "gateway not initialised", nil)
	}

	// Validate and enrich. The enriched copy is immutable from here on.
	enriched, err := g.enrich(req)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRequestID(ctx, enriched.RequestID)
	log := logging.FromContext(ctx)
	start := enriched.Timestamp

	// Cache fast path: no budget or rate-limit consumption.
	if resp, ok := g.cache.Get(enriched); ok {
		metrics.CacheEvents.WithLabelValues("hit").Inc()
		return g.completeCached(ctx, enriched, resp, start), nil
	}
	metrics.CacheEvents.WithLabelValues("miss").Inc()

	// Rate limit.
	principal := enriched.UserID
	if principal == "" {
		principal = enriched.Metadata["client_addr"]
	}
	if !g.limiter.Allow(ratelimit.Key(RouteClassGenerate, principal)) {
		metrics.RateLimitRejections.WithLabelValues(RouteClassGenerate).Inc()
		g.recordFailure(ctx, enriched, start, KindRateLimited, nil)
		g.logReceipt(enriched, "", nil, "rejected: RATE")
		return nil, newError(KindRateLimited, "rate limit exceeded for "+RouteClassGenerate, nil)
	}

	// Budget admission. Quota is debited only after a successful provider
	// call; a failure between here and the record step consumes nothing.
	adm := g.budget.Check(ctx, enriched.UserID, enriched.UserTier, enriched.Priority)
	if !adm.Allowed {
		if len(adm.LimitsExceeded) > 0 {
			metrics.BudgetRejections.WithLabelValues(adm.LimitsExceeded[0]).Inc()
		}
		g.recordFailure(ctx, enriched, start, KindBudgetExceeded, adm.LimitsExceeded)
		g.logReceipt(enriched, "", nil, "rejected: BUDGET ("+strings.Join(adm.LimitsExceeded, ", ")+")")
		return nil, &GatewayError{
			Kind:           KindBudgetExceeded,
			Message:        "budget limit reached",
			LimitsExceeded: adm.LimitsExceeded,
		}
	}

	// Routing.
	snap := g.configMgr.Snapshot()
	candidates := make([]string, 0, len(snap.ActiveModels()))
	g.mu.RLock()
	for _, mc := range snap.ActiveModels() {
		// Models excluded by rebuildAdapters have no adapter and are not routed.
		if _, ok := g.adapters[mc.ModelID]; ok {
			candidates = append(candidates, mc.ModelID)
		}
	}
	g.mu.RUnlock()
	decision, err := routing.Select(snap, config.RequestContext{
		TaskType: enriched.TaskType,
		UserTier: enriched.UserTier,
		Priority: enriched.Priority,
	}, candidates, g.breakers.CanProceed)
	if err != nil {
		g.logReceipt(enriched, "", decision.Rejected, "no admissible candidate")
		g.recordFailure(ctx, enriched, start, KindNoModel, nil)
		return nil, newError(KindNoModel, "no model available", err)
	}

	// Invocation under the per-request deadline, single-flighted by
	// fingerprint so identical concurrent misses share one provider call.
	executed := false
	invoke := func() (*adapters.Response, error) {
		executed = true
		return g.invokeWithFailover(ctx, enriched, decision.Ranked)
	}

	var resp *adapters.Response
	if enriched.Stream {
		resp, err = invoke()
	} else {
		resp, err = g.cache.Do(enriched, invoke)
		if err != nil && !executed {
			// A shared flight failed for its initiator; this waiter retries
			// on its own admission already granted above.
			resp, err = invoke()
		}
	}
	if err != nil {
		g.recordFailure(ctx, enriched, start, KindOf(err), nil)
		g.publishEvent(ctx, SubjectRequestFailed, map[string]interface{}{
			"request_id": enriched.RequestID,
			"error":      err.Error(),
			"timestamp":  time.Now(),
		})
		return nil, err
	}

	if !executed {
		// Waiter on a successful shared flight: serve the cached value.
		return g.completeCached(ctx, enriched, resp, start), nil
	}

	// Record: debit budget, append usage, publish.
	g.budget.Record(ctx, enriched.UserID, enriched.UserTier, resp.CostEstimate, resp.TokensUsed)

	out := *resp
	out.RequestID = enriched.RequestID
	out.Cached = false
	out.LatencyMS = time.Since(start).Milliseconds()

	costDisplay, _ := out.CostEstimate.Float64()
	metrics.RequestsTotal.WithLabelValues(out.Provider, out.ModelUsed, "success").Inc()
	metrics.RequestDuration.WithLabelValues(out.Provider, out.ModelUsed).Observe(time.Since(start).Seconds())
	metrics.TokensUsed.WithLabelValues(out.Provider, out.ModelUsed).Add(float64(out.TokensUsed))
	if costDisplay > 0 {
		metrics.RequestCostUSD.WithLabelValues(out.Provider, out.ModelUsed).Add(costDisplay)
	}

	inputTokens := adapters.EstimateTokens(enriched.Prompt, "")
	outputTokens := out.TokensUsed - inputTokens
	if outputTokens < 0 {
		outputTokens = 0
	}
	g.usage.Log(usagelog.Record{
		RequestID:    enriched.RequestID,
		UserID:       enriched.UserID,
		ModelID:      out.ModelUsed,
		Provider:     out.Provider,
		Endpoint:     RouteClassGenerate,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TokensUsed:   out.TokensUsed,
		Cost:         out.CostEstimate,
		LatencyMS:    out.LatencyMS,
		Success:      true,
		TaskType:     enriched.TaskType,
		SessionID:    enriched.SessionID,
	})
	g.logReceipt(enriched, out.ModelUsed, decision.Rejected, "selected by routing policy")
	g.syncOverflowMetric()

	log.Info("request completed",
		"model", out.ModelUsed,
		"provider", out.Provider,
		"latency_ms", out.LatencyMS,
		"tokens", out.TokensUsed,
		"cost_usd", costDisplay,
	)
	g.publishEvent(ctx, SubjectRequestCompleted, map[string]interface{}{
		"request_id": out.RequestID,
		"provider":   out.Provider,
		"model":      out.ModelUsed,
		"latency_ms": out.LatencyMS,
		"tokens":     out.TokensUsed,
		"cost_usd":   costDisplay,
		"cached":     false,
		"timestamp":  time.Now(),
	})
	return &out, nil
}

// enrich validates the inbound request and returns the immutable enriched copy.
func (g *Gateway) enrich(req *adapters.Request) (*adapters.Request, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, newError(KindInvalidRequest, "prompt cannot be empty", nil)
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return nil, newError(KindInvalidRequest, "max_tokens must be positive", nil)
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return nil, newError(KindInvalidRequest, "temperature must be between 0 and 2", nil)
	}

	enriched := *req
	if enriched.UserTier == "" {
		enriched.UserTier = adapters.TierFree
	}
	enriched.RequestID = uuid.NewString()
	enriched.Timestamp = time.Now()
	return &enriched, nil
}

// completeCached assembles a response served from the cache (or a shared
// single-flight result): no budget mutation, a zero-cost usage record.
func (g *Gateway) completeCached(ctx context.Context, req *adapters.Request, cached *adapters.Response, start time.Time) *adapters.Response {
	out := *cached
	out.RequestID = req.RequestID
	out.Cached = true
	out.CostEstimate = decimal.Zero
	out.LatencyMS = time.Since(start).Milliseconds()

	metrics.RequestsTotal.WithLabelValues(out.Provider, out.ModelUsed, "cached").Inc()
	g.usage.Log(usagelog.Record{
		RequestID: req.RequestID,
		UserID:    req.UserID,
		ModelID:   out.ModelUsed,
		Provider:  out.Provider,
		Endpoint:  RouteClassGenerate,
		Cost:      decimal.Zero,
		LatencyMS: out.LatencyMS,
		Cached:    true,
		Success:   true,
		TaskType:  req.TaskType,
		SessionID: req.SessionID,
	})
	g.syncOverflowMetric()

	logging.FromContext(ctx).Info("request served from cache",
		"model", out.ModelUsed, "latency_ms", out.LatencyMS)
	g.publishEvent(ctx, SubjectRequestCompleted, map[string]interface{}{
		"request_id": out.RequestID,
		"provider":   out.Provider,
		"model":      out.ModelUsed,
		"latency_ms": out.LatencyMS,
		"cached":     true,
		"timestamp":  time.Now(),
	})
	return &out
}

// invokeWithFailover calls the chosen adapter under the per-request deadline.
// One TRANSIENT or RATE_LIMITED failure moves to the next ranked candidate;
// AUTH or a second failure falls through to the fallback adapter.
// CLIENT_INVALID surfaces immediately as INVALID_REQUEST.
func (g *Gateway) invokeWithFailover(parent context.Context, req *adapters.Request, ranked []string) (*adapters.Response, error) {
	ctx, cancel := context.WithTimeout(parent, g.settings.RequestTimeout)
	defer cancel()
	log := logging.FromContext(parent)

	attempts := ranked
	if len(attempts) > 2 {
		attempts = attempts[:2]
	}

	var lastErr error
	triedFallback := false
	for _, modelID := range attempts {
		if modelID == config.FallbackModelID {
			triedFallback = true
		}
		resp, err := g.invokeModel(ctx, modelID, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		kind := adapters.KindOf(err)
		if kind == adapters.KindClientInvalid {
			return nil, newError(KindInvalidRequest, "provider rejected request", err)
		}
		if ctx.Err() != nil {
			return nil, newError(KindTimeout, "request deadline expired", ctx.Err())
		}
		log.Warn("adapter call failed",
			"model", modelID, "kind", string(kind), "error", err.Error())
		if kind == adapters.KindAuth {
			break // no point trying the same credential path again
		}
		if !kind.Retryable() {
			break
		}
	}

	// Fall through to the fallback adapter so the system stays serviceable.
	if !triedFallback {
		g.mu.RLock()
		_, ok := g.adapters[config.FallbackModelID]
		g.mu.RUnlock()
		if ok {
			resp, err := g.invokeModel(ctx, config.FallbackModelID, req)
			if err == nil {
				return resp, nil
			}
			lastErr = err
		}
	}
	return nil, newError(KindUpstreamFailure, "all candidates failed", lastErr)
}

// invokeModel runs one adapter call under the model's concurrency bound and
// records the outcome against its circuit.
func (g *Gateway) invokeModel(ctx context.Context, modelID string, req *adapters.Request) (*adapters.Response, error) {
	g.mu.RLock()
	ad, ok := g.adapters[modelID]
	sem := g.semaphores[modelID]
	g.mu.RUnlock()
	if !ok {
		return nil, adapters.NewError(adapters.KindFatal, "", "no adapter for model "+modelID, nil)
	}

	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Deadline expired while queued: counts as a transient outage.
			err = adapters.NewError(adapters.KindTransient, ad.Name(), "concurrency wait cancelled", err)
			g.breakers.RecordOutcome(modelID, err)
			return nil, err
		}
		defer sem.Release(1)
	}

	resp, err := ad.Generate(ctx, req)
	g.breakers.RecordOutcome(modelID, err)
	g.updateCircuitMetric(modelID)
	if err != nil {
		metrics.ProviderErrors.WithLabelValues(ad.Name(), string(adapters.KindOf(err))).Inc()
		return nil, err
	}
	return resp, nil
}

func (g *Gateway) updateCircuitMetric(modelID string) {
	for _, s := range g.breakers.States() {
		if s.ModelID != modelID {
			continue
		}
		var v float64
		switch s.State {
		case "open":
			v = 1
		case "half_open":
			v = 2
		}
		metrics.CircuitBreakerState.WithLabelValues(modelID).Set(v)
		return
	}
}

// recordFailure appends a failed-request usage record.
func (g *Gateway) recordFailure(ctx context.Context, req *adapters.Request, start time.Time, kind ErrorKind, limits []string) {
	metrics.RequestsTotal.WithLabelValues("", "", "error").Inc()
	explanation := string(kind)
	if len(limits) > 0 {
		explanation += ": " + strings.Join(limits, ", ")
	}
	g.usage.Log(usagelog.Record{
		RequestID: req.RequestID,
		UserID:    req.UserID,
		Endpoint:  RouteClassGenerate,
		Cost:      decimal.Zero,
		LatencyMS: time.Since(start).Milliseconds(),
		Success:   false,
		TaskType:  req.TaskType,
		SessionID: req.SessionID,
		ErrorKind: string(kind),
	})
	g.syncOverflowMetric()
	logging.FromContext(ctx).Warn("request failed", "kind", string(kind), "detail", explanation)
}

// logReceipt appends the decision receipt for audit.
func (g *Gateway) logReceipt(req *adapters.Request, selected string, rejected []routing.Rejection, explanation string) {
	rcs := make([]usagelog.RejectedCandidate, len(rejected))
	for i, r := range rejected {
		rcs[i] = usagelog.RejectedCandidate{ModelID: r.ModelID, Reason: r.Reason}
	}
	g.usage.LogReceipt(usagelog.Receipt{
		RequestID:   req.RequestID,
		ModelID:     selected,
		Rejected:    rcs,
		Explanation: explanation,
	})
}

// syncOverflowMetric mirrors the logger's drop counter into prometheus.
func (g *Gateway) syncOverflowMetric() {
	cur := g.usage.Overflow()
	prev := g.overflowSeen.Swap(cur)
	if delta := cur - prev; delta > 0 {
		metrics.UsageQueueDropped.Add(float64(delta))
	}
}

// ModelHealth reports one model's adapter reachability and circuit state.
type ModelHealth struct {
	ModelID  string `json:"model_id"`
	Provider string `json:"provider"`
	Healthy  bool   `json:"healthy"`
	Circuit  string `json:"circuit"`
}

// Health probes every adapter and reports circuit states.
func (g *Gateway) Health(ctx context.Context) []ModelHealth {
	g.mu.RLock()
	ads := make(map[string]adapters.Adapter, len(g.adapters))
	for id, ad := range g.adapters {
		ads[id] = ad
	}
	g.mu.RUnlock()

	circuits := make(map[string]string)
	for _, s := range g.breakers.States() {
		circuits[s.ModelID] = s.State
	}

	out := make([]ModelHealth, 0, len(ads))
	for id, ad := range ads {
		circuit := circuits[id]
		if circuit == "" {
			circuit = "closed"
		}
		out = append(out, ModelHealth{
			ModelID:  id,
			Provider: ad.Name(),
			Healthy:  ad.HealthCheck(ctx),
			Circuit:  circuit,
		})
	}
	return out
}

// Shutdown drains the usage queue and marks the gateway uninitialised.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.initialized.Store(false)
	if err := g.usage.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("drain usage queue: %w", err)
	}
	return nil
}
