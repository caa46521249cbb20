// Command orchestrator runs the Orchestrator (C6): admission, dispatch, and
// supervision, plus the workflow submission HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowmesh/workflowcore/internal/config"
	"github.com/flowmesh/workflowcore/internal/evaluator"
	"github.com/flowmesh/workflowcore/internal/fabric"
	"github.com/flowmesh/workflowcore/internal/logging"
	"github.com/flowmesh/workflowcore/internal/oracle"
	"github.com/flowmesh/workflowcore/internal/orchestrator"
	"github.com/flowmesh/workflowcore/internal/otelinit"
	"github.com/flowmesh/workflowcore/internal/policy"
	"github.com/flowmesh/workflowcore/internal/store"
)

type submitRequest struct {
	Prompt string `json:"prompt"`
}

type submitResponse struct {
	WorkflowID string `json:"workflow_id"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func main() {
	const service = "orchestrator"
	logger := logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _, _ := otelinit.InitMetrics(ctx, service)

	cfg := config.Load(service)
	if err := cfg.Validate(); err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(3)
	}
	if err := evaluator.SetStderrAllowPatterns(cfg.CodeExecutorStderrAllow); err != nil {
		logger.Error("invalid CODE_EXECUTOR_STDERR_ALLOW", "error", err)
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		logger.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	fb, err := fabric.Connect(cfg.NATSURL, cfg.DeadLetterAfter)
	if err != nil {
		logger.Error("fabric connect failed", "error", err)
		os.Exit(2)
	}
	defer fb.Close()

	var orc oracle.Oracle
	if cfg.OracleEndpoint != "" {
		orc = oracle.NewHTTPClientWithConfig(cfg.OracleEndpoint, oracle.HTTPClientConfig{
			RateLimitBurst:      cfg.RateLimitBurst,
			RateLimitRefillRate: cfg.RateLimitRefillRate,
			RateLimitQueueSize:  cfg.RateLimitQueueSize,
			RateLimitLeakRate:   cfg.RateLimitLeakRate,
			RetryAttempts:       cfg.RetryAttempts,
			RetryBaseDelay:      cfg.RetryBaseDelay,
		})
	} else {
		logger.Warn("no oracle endpoint configured, using fake oracle (no plans registered)")
		orc = oracle.NewFake()
	}

	validator := policy.NewValidator(cfg)
	if err := validator.Load(ctx); err != nil {
		logger.Error("policy load failed", "error", err)
	}
	if err := validator.WatchAndReload(ctx); err != nil {
		logger.Warn("policy hot-reload watch failed", "error", err)
	}

	orcCfg := orchestrator.Config{
		MaxRetries:               cfg.MaxRetries,
		MaxCorrectionDepth:       cfg.MaxCorrectionDepth,
		PollingInterval:          cfg.PollingInterval,
		DispatchBatch:            cfg.DispatchBatch,
		SupervisionCron:          cfg.SupervisionCron,
		DispatchRateCapacity:     cfg.DispatchRateCapacity,
		DispatchRateFillPerSec:   cfg.DispatchRateFillPerSec,
		DispatchRateWindow:       cfg.DispatchRateWindow,
		DispatchRateMaxPerWindow: cfg.DispatchRateMaxPerWindow,
	}
	orch := orchestrator.New(st, fb, orc, validator, orcCfg)

	go func() {
		if err := orch.Run(ctx); err != nil {
			logger.Error("orchestrator run loop exited", "error", err)
			cancel()
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req submitRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
				http.Error(w, "prompt required", http.StatusBadRequest)
				return
			}
			workflowID, err := orch.Submit(r.Context(), req.Prompt)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(submitResponse{WorkflowID: workflowID})
		case http.MethodGet:
			workflowID := r.URL.Query().Get("workflow_id")
			wf, tasks, err := orch.GetWorkflow(r.Context(), workflowID)
			if err != nil {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(struct {
				Workflow any `json:"workflow"`
				Tasks    any `json:"tasks"`
			}{wf, tasks})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/v1/workflows/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		workflowID := r.URL.Query().Get("workflow_id")
		if workflowID == "" {
			http.Error(w, "workflow_id required", http.StatusBadRequest)
			return
		}
		var req cancelRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if err := orch.CancelWorkflow(r.Context(), workflowID, req.Reason); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	logger.Info("orchestrator started")
	<-ctx.Done()
	logger.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	logger.Info("shutdown complete")
}
