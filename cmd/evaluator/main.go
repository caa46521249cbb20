// Command evaluator runs the Evaluator (C5): validates executor results per
// task class, scores rewards, and writes the experience ledger.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowmesh/workflowcore/internal/config"
	"github.com/flowmesh/workflowcore/internal/evaluator"
	"github.com/flowmesh/workflowcore/internal/fabric"
	"github.com/flowmesh/workflowcore/internal/logging"
	"github.com/flowmesh/workflowcore/internal/otelinit"
	"github.com/flowmesh/workflowcore/internal/store"
)

// executorTypes lists every executor class the evaluator consumes results
// for; unrecognized classes (e.g. "shell") fall through to the fallback
// validator inside the Evaluator itself.
var executorTypes = []string{"code_executor", "file_writer", "api_caller", "shell"}

func main() {
	const service = "evaluator"
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

	ev := evaluator.New(st, fb)

	errCh := make(chan error, len(executorTypes))
	for _, executorType := range executorTypes {
		executorType := executorType
		go func() { errCh <- ev.Run(ctx, executorType) }()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: ":8082", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	logger.Info("evaluator started", "executor_types", executorTypes)
	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("evaluator run loop exited", "error", err)
		cancel()
	}

	logger.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	logger.Info("shutdown complete")
}
