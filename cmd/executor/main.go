// Command executor runs an Executor pool process: poll, claim, execute,
// report, for every handler type registered in this binary.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/workflowcore/internal/config"
	"github.com/flowmesh/workflowcore/internal/executorpool"
	"github.com/flowmesh/workflowcore/internal/fabric"
	"github.com/flowmesh/workflowcore/internal/logging"
	"github.com/flowmesh/workflowcore/internal/otelinit"
	"github.com/flowmesh/workflowcore/internal/store"
)

func main() {
	const service = "executor"
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

	registry := executorpool.NewRegistry()
	registry.Register(executorpool.NewHTTPHandler())
	registry.Register(executorpool.NewFileWriterHandler())
	registry.Register(executorpool.NewCodeExecutorHandler())
	registry.Register(executorpool.NewShellHandler())

	hostname, _ := os.Hostname()
	executorID := hostname + "-" + uuid.NewString()[:8]

	pool := executorpool.New(executorpool.Config{
		ExecutorID:          executorID,
		Capabilities:        []string{"code_executor", "file_writer", "api_caller", "shell"},
		TaskTimeout:         cfg.TaskTimeout,
		ClaimLease:          cfg.ClaimLease,
		ResultCacheTTL:      cfg.ResultCacheTTL,
		ResultCacheMax:      cfg.ResultCacheMax,
		RateLimitBurst:      cfg.RateLimitBurst,
		RateLimitRefillRate: cfg.RateLimitRefillRate,
		RateLimitQueueSize:  cfg.RateLimitQueueSize,
		RateLimitLeakRate:   cfg.RateLimitLeakRate,
	}, st, fb, registry)

	errCh := make(chan error, len(pool.Capabilities))
	for _, executorType := range pool.Capabilities {
		executorType := executorType
		go func() { errCh <- pool.Run(ctx, executorType) }()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		processed, succeeded, failed, avgExec, status := pool.Metrics().Snapshot()
		_, _ = w.Write([]byte(
			"status=" + string(status) +
				" processed=" + strconv.FormatInt(processed, 10) +
				" succeeded=" + strconv.FormatInt(succeeded, 10) +
				" failed=" + strconv.FormatInt(failed, 10) +
				" avg_exec=" + avgExec.String(),
		))
	})

	srv := &http.Server{Addr: ":8081", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	logger.Info("executor started", "executor_id", executorID, "capabilities", pool.Capabilities)
	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("executor pool run loop exited", "error", err)
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

