// Package executorpool implements the Executor (C4): a many-instance
// worker runtime that polls for matching tasks, atomically claims them,
// executes a pluggable handler, and reports results with deadline and
// cancellation semantics, driving a fabric-based poll/claim/execute/report
// cycle.
package executorpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flowmesh/workflowcore/internal/fabric"
	"github.com/flowmesh/workflowcore/internal/model"
	"github.com/flowmesh/workflowcore/internal/resilience"
	"github.com/flowmesh/workflowcore/internal/store"
)

// Status is the Executor's observable operating state.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusPolling  Status = "polling"
	StatusExecuting Status = "executing"
	StatusError    Status = "error"
	StatusShutdown Status = "shutdown"
)

// Metrics is the Executor's observable counters: tasks processed,
// succeeded, failed; moving-average execution time; current status.
type Metrics struct {
	Processed     int64
	Succeeded     int64
	Failed        int64
	avgExecNanos  int64
	statusMu      sync.Mutex
	status        Status
}

// Snapshot returns a point-in-time copy of the counters.
func (m *Metrics) Snapshot() (processed, succeeded, failed int64, avgExec time.Duration, status Status) {
	m.statusMu.Lock()
	status = m.status
	m.statusMu.Unlock()
	return atomic.LoadInt64(&m.Processed), atomic.LoadInt64(&m.Succeeded), atomic.LoadInt64(&m.Failed),
		time.Duration(atomic.LoadInt64(&m.avgExecNanos)), status
}

func (m *Metrics) setStatus(s Status) {
	m.statusMu.Lock()
	m.status = s
	m.statusMu.Unlock()
}

func (m *Metrics) recordExecution(d time.Duration, ok bool) {
	atomic.AddInt64(&m.Processed, 1)
	if ok {
		atomic.AddInt64(&m.Succeeded, 1)
	} else {
		atomic.AddInt64(&m.Failed, 1)
	}
	for {
		old := atomic.LoadInt64(&m.avgExecNanos)
		var next int64
		if old == 0 {
			next = int64(d)
		} else {
			next = old + (int64(d)-old)/8 // exponential moving average, alpha=1/8
		}
		if atomic.CompareAndSwapInt64(&m.avgExecNanos, old, next) {
			break
		}
	}
}

// Pool is one Executor process instance.
type Pool struct {
	ExecutorID   string
	Capabilities []string

	store    *store.Store
	fabric   *fabric.Fabric
	registry *Registry

	taskTimeout time.Duration
	claimLease  time.Duration

	metrics *Metrics
	logger  *slog.Logger
	cache   *ResultCache
	limiter *resilience.HybridRateLimiter

	inFlight sync.Map // task_id -> struct{}, for "already being handled locally" rejection
}

// Config bundles the Pool's tunables.
type Config struct {
	ExecutorID     string
	Capabilities   []string
	TaskTimeout    time.Duration
	ClaimLease     time.Duration
	ResultCacheTTL time.Duration // 0 disables result caching entirely
	ResultCacheMax int

	// Resilience around calls into the Message Fabric
	RateLimitBurst      int
	RateLimitRefillRate float64
	RateLimitQueueSize  int
	RateLimitLeakRate   time.Duration
}

// New builds an Executor pool instance bound to a store, fabric, and
// handler registry.
func New(cfg Config, st *store.Store, fb *fabric.Fabric, registry *Registry) *Pool {
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 20
	}
	refill := cfg.RateLimitRefillRate
	if refill <= 0 {
		refill = 10.0
	}
	queueSize := cfg.RateLimitQueueSize
	if queueSize <= 0 {
		queueSize = 100
	}
	leakRate := cfg.RateLimitLeakRate
	if leakRate <= 0 {
		leakRate = 50 * time.Millisecond
	}

	p := &Pool{
		ExecutorID:   cfg.ExecutorID,
		Capabilities: cfg.Capabilities,
		store:        st,
		fabric:       fb,
		registry:     registry,
		taskTimeout:  cfg.TaskTimeout,
		claimLease:   cfg.ClaimLease,
		metrics:      &Metrics{},
		logger:       slog.Default().With("component", "executor", "executor_id", cfg.ExecutorID),
		limiter:      resilience.NewHybridRateLimiter(burst, refill, queueSize, leakRate),
	}
	if cfg.ResultCacheTTL > 0 {
		maxSize := cfg.ResultCacheMax
		if maxSize <= 0 {
			maxSize = 1000
		}
		p.cache = NewResultCache(maxSize, cfg.ResultCacheTTL)
	}
	return p
}

// Metrics exposes the pool's observable counters.
func (p *Pool) Metrics() *Metrics { return p.metrics }

// Run consumes dispatched tasks matching executorType until ctx is
// cancelled, then finishes in-flight work before returning (graceful
// shutdown on SIGINT/SIGTERM is the caller's responsibility via ctx).
func (p *Pool) Run(ctx context.Context, executorType string) error {
	p.metrics.setStatus(StatusPolling)
	p.logger.Info("executor pool started", "executor_type", executorType, "capabilities", p.Capabilities)

	err := p.fabric.ConsumeDispatch(ctx, p.ExecutorID, executorType, p.handleDispatch)
	p.metrics.setStatus(StatusShutdown)
	if err == context.Canceled || err == context.DeadlineExceeded {
		p.logger.Info("executor pool shutting down")
		return nil
	}
	return err
}

func (p *Pool) handleDispatch(ctx context.Context, env model.DispatchEnvelope) error {
	if _, already := p.inFlight.LoadOrStore(env.TaskID, struct{}{}); already {
		p.logger.Warn("rejecting duplicate in-flight delivery", "task_id", env.TaskID)
		return nil
	}
	defer p.inFlight.Delete(env.TaskID)

	p.metrics.setStatus(StatusExecuting)
	defer p.metrics.setStatus(StatusPolling)

	tr := otel.Tracer("workflowcore-executor")
	ctx, span := tr.Start(ctx, "executor.handle_dispatch")
	defer span.End()

	claimToken, err := p.store.Claim(ctx, env.TaskID, p.ExecutorID, p.claimLease)
	if err == store.ErrConflict {
		p.logger.Info("task already claimed", "task_id", env.TaskID)
		return nil
	}
	if err != nil {
		p.logger.Error("claim failed", "task_id", env.TaskID, "error", err)
		return err
	}

	handler := p.registry.Lookup(env.ExecutorType, env.Parameters)
	if handler == nil {
		return p.reportFailure(ctx, env, claimToken, "NoHandler", fmt.Sprintf("no handler for executor_type %q", env.ExecutorType), 0)
	}

	cacheable := p.cache != nil && cacheableParams(env.Parameters)
	cacheKey := ""
	if cacheable {
		cacheKey = cacheKeyFor(env.ExecutorType, env.Parameters)
		if cached, hit := p.cache.Get(cacheKey); hit {
			span.SetAttributes(attribute.Bool("executor.cache_hit", true))
			return p.reportSuccess(ctx, env, claimToken, cached, 0)
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go p.heartbeat(execCtx, env.TaskID, claimToken, cancel, heartbeatDone)

	start := time.Now()
	result, execErr := handler.Execute(execCtx, ExecutionContext{
		TaskID:     env.TaskID,
		WorkflowID: env.WorkflowID,
		StartTime:  start.Unix(),
		Parameters: env.Parameters,
	})
	duration := time.Since(start)
	close(heartbeatDone)

	if execCtx.Err() == context.DeadlineExceeded {
		p.metrics.recordExecution(duration, false)
		return p.reportFailure(ctx, env, claimToken, string(model.ErrorTimeout), "handler exceeded task_timeout", duration.Milliseconds())
	}

	if execErr != nil {
		p.metrics.recordExecution(duration, false)
		return p.reportFailure(ctx, env, claimToken, string(model.ErrorHandler), execErr.Error(), duration.Milliseconds())
	}

	p.metrics.recordExecution(duration, true)
	if cacheable {
		p.cache.Put(cacheKey, result)
	}
	return p.reportSuccess(ctx, env, claimToken, result, duration.Milliseconds())
}

// reportSuccess records a successful outcome (freshly executed or served
// from the result cache) to the store and publishes it to the fabric.
func (p *Pool) reportSuccess(ctx context.Context, env model.DispatchEnvelope, claimToken string, result Result, durationMs int64) error {
	reportErr := p.store.Report(ctx, env.TaskID, claimToken, store.ReportInput{
		Outcome:    model.OutcomeOK,
		Data:       result.Data,
		DurationMs: durationMs,
	})
	if reportErr == store.ErrStaleClaim {
		// The reaper recovered this task while we were executing; another
		// executor's report (or none) already won. Nothing further to do.
		return nil
	}
	if reportErr != nil {
		p.logger.Error("report failed", "task_id", env.TaskID, "error", reportErr)
		return reportErr
	}

	if limitErr := p.limiter.AllowOrWait(ctx); limitErr != nil {
		p.logger.Warn("rate limited publishing result, evaluator will observe store state directly", "task_id", env.TaskID, "error", limitErr)
		return nil
	}
	resultErr := p.fabric.PublishResult(ctx, model.ResultEnvelope{
		TaskID:     env.TaskID,
		WorkflowID: env.WorkflowID,
		Outcome:    model.OutcomeOK,
		Data:       result.Data,
		ExecutorID: p.ExecutorID,
		DurationMs: durationMs,
	})
	if resultErr != nil {
		p.logger.Warn("publish result failed, evaluator will observe store state directly", "task_id", env.TaskID, "error", resultErr)
	}
	return nil
}

func (p *Pool) reportFailure(ctx context.Context, env model.DispatchEnvelope, claimToken, errorType, errorMessage string, durationMs int64) error {
	reportErr := p.store.Report(ctx, env.TaskID, claimToken, store.ReportInput{
		Outcome:    model.OutcomeError,
		Error:      &model.ResultError{ErrorType: errorType, ErrorMessage: errorMessage},
		DurationMs: durationMs,
	})
	if reportErr == store.ErrStaleClaim {
		return nil
	}
	if reportErr != nil {
		return reportErr
	}
	if limitErr := p.limiter.AllowOrWait(ctx); limitErr != nil {
		p.logger.Warn("rate limited publishing failure result, evaluator will observe store state directly", "task_id", env.TaskID, "error", limitErr)
		return nil
	}
	_ = p.fabric.PublishResult(ctx, model.ResultEnvelope{
		TaskID:     env.TaskID,
		WorkflowID: env.WorkflowID,
		Outcome:    model.OutcomeError,
		Error:      &model.ResultError{ErrorType: errorType, ErrorMessage: errorMessage},
		ExecutorID: p.ExecutorID,
		DurationMs: durationMs,
	})
	return nil
}

// heartbeat renews the claim at lease_duration/3 while a task is in
// progress. If renewal fails (stale claim — the reaper already recovered
// this task), it cancels the handler so execution stops promptly.
func (p *Pool) heartbeat(ctx context.Context, taskID, claimToken string, cancel context.CancelFunc, done <-chan struct{}) {
	interval := p.claimLease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.RenewClaim(context.Background(), taskID, claimToken, p.claimLease); err != nil {
				p.logger.Warn("claim renewal failed, cancelling handler", "task_id", taskID, "error", err)
				cancel()
				return
			}
		}
	}
}
