package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ExecutionStatus is the lifecycle state CancellationManager tracks for a
// workflow it knows about, independent of the authoritative status stored
// in the Task Store.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// cancellableWorkflow is a workflow the Orchestrator is actively dispatching
// or supervising, tracked so a CancelWorkflow call can be reflected
// immediately even before the next supervision tick observes the store.
type cancellableWorkflow struct {
	Status       ExecutionStatus
	CancelReason string
	CancelledAt  time.Time
	RegisteredAt time.Time
}

// CancellationManager tracks in-flight workflows this Orchestrator process
// knows about and records cancellation intent. The dispatch loop consults
// it to skip work for a workflow that has been cancelled, ahead of the store
// row itself settling to a terminal status.
type CancellationManager struct {
	mu     sync.RWMutex
	active map[string]*cancellableWorkflow

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

// NewCancellationManager builds a CancellationManager.
func NewCancellationManager() *CancellationManager {
	meter := otel.Meter("workflowcore-orchestrator")
	cancellations, _ := meter.Int64Counter("workflowcore_workflow_cancellations_total")
	return &CancellationManager{
		active:        make(map[string]*cancellableWorkflow),
		cancellations: cancellations,
		tracer:        otel.Tracer("orchestrator-cancellation"),
	}
}

// Register records a workflow as actively running, called on admission.
func (cm *CancellationManager) Register(workflowID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.active[workflowID] = &cancellableWorkflow{
		Status:       ExecutionRunning,
		RegisteredAt: time.Now(),
	}
}

// CancelWorkflow marks a tracked workflow cancelled. It is not an error to
// cancel a workflow this process never registered (e.g. admitted by another
// replica) — the store write is still authoritative.
func (cm *CancellationManager) CancelWorkflow(workflowID, reason string) {
	ctx, span := cm.tracer.Start(context.Background(), "cancellation.cancel_workflow",
		trace.WithAttributes(
			attribute.String("workflow_id", workflowID),
			attribute.String("reason", reason),
		),
	)
	defer span.End()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cw, exists := cm.active[workflowID]
	if !exists {
		cw = &cancellableWorkflow{RegisteredAt: time.Now()}
		cm.active[workflowID] = cw
	}
	cw.Status = ExecutionCancelled
	cw.CancelReason = reason
	cw.CancelledAt = time.Now()

	cm.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_id", workflowID)))
}

// IsCancelled reports whether this process has observed a cancellation for
// workflowID, used by the dispatch loop to skip it without waiting on a
// fresh store read.
func (cm *CancellationManager) IsCancelled(workflowID string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	cw, exists := cm.active[workflowID]
	return exists && cw.Status == ExecutionCancelled
}

// Complete removes a workflow from tracking once it reaches a terminal
// status through normal finalization.
func (cm *CancellationManager) Complete(workflowID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cw, exists := cm.active[workflowID]; exists {
		cw.Status = ExecutionCompleted
	}
}

// Cleanup evicts tracked workflows that are no longer running once more than
// retentionPeriod has passed since their cancellation or, for completed
// workflows (which record no completion time), since their registration.
func (cm *CancellationManager) Cleanup(retentionPeriod time.Duration) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for workflowID, cw := range cm.active {
		if cw.Status == ExecutionRunning {
			continue
		}
		reference := cw.CancelledAt
		if reference.IsZero() {
			reference = cw.RegisteredAt
		}
		if now.Sub(reference) > retentionPeriod {
			delete(cm.active, workflowID)
			cleaned++
		}
	}
	return cleaned
}

// GetMetrics returns a snapshot of tracked-workflow counts by status.
func (cm *CancellationManager) GetMetrics() map[string]int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := map[string]int{"total": len(cm.active), "running": 0, "completed": 0, "cancelled": 0}
	for _, cw := range cm.active {
		switch cw.Status {
		case ExecutionRunning:
			out["running"]++
		case ExecutionCompleted:
			out["completed"]++
		case ExecutionCancelled:
			out["cancelled"]++
		}
	}
	return out
}
