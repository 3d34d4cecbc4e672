// Command vigorgw runs the Vigor LLM gateway HTTP server.
//
// The server exposes:
//
//	POST /v1/generate  — the gateway's single inbound call
//	GET  /v1/usage     — paginated usage log (analytics, off the hot path)
//	GET  /healthz      — adapter reachability and circuit states
//	GET  /metrics      — Prometheus metrics
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	llmgateway "github.com/vedprakash-m/vigor-gateway"
	"github.com/vedprakash-m/vigor-gateway/adapters"
	"github.com/vedprakash-m/vigor-gateway/internal/budget"
	"github.com/vedprakash-m/vigor-gateway/internal/logging"
	"github.com/vedprakash-m/vigor-gateway/internal/usagelog"
)

func main() {
	settings, err := llmgateway.LoadSettings()
	if err != nil {
		log.Fatalf("Invalid settings: %v", err)
	}

	opts := llmgateway.Options{}

	var usageStore *usagelog.SQLStore
	if settings.UsageStoreDSN != "" {
		switch settings.DatabaseDriver {
		case "postgres":
			usageStore, err = usagelog.NewPostgresStore(settings.UsageStoreDSN)
		default:
			usageStore, err = usagelog.NewSQLiteStore(settings.UsageStoreDSN)
		}
		if err != nil {
			log.Fatalf("Usage store: %v", err)
		}
		opts.UsageSink = usageStore
	}
	if settings.BudgetStoreDSN != "" {
		var budgetStore *budget.Store
		switch settings.DatabaseDriver {
		case "postgres":
			budgetStore, err = budget.NewPostgresStore(settings.BudgetStoreDSN)
		default:
			budgetStore, err = budget.NewSQLiteStore(settings.BudgetStoreDSN)
		}
		if err != nil {
			log.Fatalf("Budget store: %v", err)
		}
		opts.BudgetStore = budgetStore

		// Persisted knobs win over the environment so restarts keep the last
		// operator-applied values; first boot records the env-derived ones.
		bootCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		persisted, err := budgetStore.LoadSettings(bootCtx)
		if err != nil {
			log.Fatalf("Budget settings: %v", err)
		}
		if persisted != nil {
			settings.GlobalMonthlyBudget = persisted.MonthlyBudget
			settings.BudgetEnforcement = persisted.Enforcement
		} else if err := budgetStore.SaveSettings(bootCtx, budget.Settings{
			MonthlyBudget: settings.GlobalMonthlyBudget,
			Enforcement:   settings.BudgetEnforcement,
		}); err != nil {
			log.Fatalf("Budget settings: %v", err)
		}
		cancel()
	}

	gw := llmgateway.New(settings, opts)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Init(ctx); err != nil {
		log.Fatalf("Gateway init: %v", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware)

	r.Post("/v1/generate", handleGenerate(gw))
	r.Get("/healthz", handleHealth(gw))
	r.Handle("/metrics", promhttp.Handler())
	if usageStore != nil {
		r.Get("/v1/usage", handleUsage(usageStore))
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Logger.Info("gateway listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server: %v", err)
		}
	}()

	<-ctx.Done()
	logging.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logging.Logger.Error("gateway shutdown", "error", err.Error())
	}
	if usageStore != nil {
		_ = usageStore.Close()
	}
}

type errorBody struct {
	Error          string   `json:"error"`
	Kind           string   `json:"kind"`
	LimitsExceeded []string `json:"limits_exceeded,omitempty"`
	RequestID      string   `json:"request_id,omitempty"`
}

func handleGenerate(gw *llmgateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req adapters.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body", Kind: string(llmgateway.KindInvalidRequest)})
			return
		}
		if req.Metadata == nil {
			req.Metadata = map[string]string{}
		}
		if _, ok := req.Metadata["client_addr"]; !ok {
			req.Metadata["client_addr"] = r.RemoteAddr
		}

		resp, err := gw.Process(r.Context(), &req)
		if err != nil {
			writeGatewayError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{
		Error:     err.Error(),
		Kind:      string(llmgateway.KindOf(err)),
		RequestID: logging.RequestIDFromContext(r.Context()),
	}
	var ge *llmgateway.GatewayError
	if errors.As(err, &ge) {
		body.LimitsExceeded = ge.LimitsExceeded
	}

	status := http.StatusInternalServerError
	switch llmgateway.KindOf(err) {
	case llmgateway.KindInvalidRequest:
		status = http.StatusBadRequest
	case llmgateway.KindNotReady:
		status = http.StatusServiceUnavailable
	case llmgateway.KindRateLimited:
		status = http.StatusTooManyRequests
	case llmgateway.KindBudgetExceeded:
		status = http.StatusPaymentRequired
	case llmgateway.KindNoModel:
		status = http.StatusServiceUnavailable
	case llmgateway.KindTimeout:
		status = http.StatusGatewayTimeout
	case llmgateway.KindUpstreamFailure:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, body)
}

func handleHealth(gw *llmgateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models := gw.Health(r.Context())
		healthy := true
		for _, m := range models {
			if !m.Healthy || m.Circuit == "open" {
				healthy = false
				break
			}
		}
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]interface{}{
			"healthy": healthy,
			"models":  models,
		})
	}
}

func handleUsage(store *usagelog.SQLStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := usagelog.Query{
			UserID:   r.URL.Query().Get("user_id"),
			ModelID:  r.URL.Query().Get("model"),
			Provider: r.URL.Query().Get("provider"),
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			q.Limit, _ = strconv.Atoi(v)
		}
		if v := r.URL.Query().Get("offset"); v != "" {
			q.Offset, _ = strconv.Atoi(v)
		}
		result, err := store.List(r.Context(), q)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Kind: "INTERNAL"})
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
