// Package orchestrator implements the Orchestrator (C6): DAG lifecycle
// owner responsible for admission, the dispatch loop, the supervision loop,
// and DAG surgery, driving a store/fabric-based control loop rather than an
// in-process DAG walk.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"

	"github.com/flowmesh/workflowcore/internal/fabric"
	"github.com/flowmesh/workflowcore/internal/model"
	"github.com/flowmesh/workflowcore/internal/oracle"
	"github.com/flowmesh/workflowcore/internal/policy"
	"github.com/flowmesh/workflowcore/internal/resilience"
	"github.com/flowmesh/workflowcore/internal/store"
)

// Config bundles the Orchestrator's tunables from the external interfaces
// table.
type Config struct {
	MaxRetries         int
	MaxCorrectionDepth int
	PollingInterval    time.Duration
	DispatchBatch      int
	SupervisionCron    string // optional cron expression gating supervision cadence

	// Dispatch-loop rate limiting against the Message Fabric
	DispatchRateCapacity     int
	DispatchRateFillPerSec   float64
	DispatchRateWindow       time.Duration
	DispatchRateMaxPerWindow int
}

// Orchestrator runs the three cooperating activities described in the
// design: admission, dispatch, and supervision.
type Orchestrator struct {
	store  *store.Store
	fabric *fabric.Fabric
	oracle oracle.Oracle
	policy *policy.Validator
	cfg    Config

	cron    *cron.Cron
	logger  *slog.Logger
	limiter *resilience.RateLimiter

	dispatchSeq int64
	cancel      *CancellationManager
}

// New builds an Orchestrator.
func New(st *store.Store, fb *fabric.Fabric, orc oracle.Oracle, pol *policy.Validator, cfg Config) *Orchestrator {
	capacity := cfg.DispatchRateCapacity
	if capacity <= 0 {
		capacity = 64
	}
	fillRate := cfg.DispatchRateFillPerSec
	if fillRate <= 0 {
		fillRate = 32.0
	}
	window := cfg.DispatchRateWindow
	if window <= 0 {
		window = time.Second
	}
	maxPerWindow := cfg.DispatchRateMaxPerWindow
	if maxPerWindow <= 0 {
		maxPerWindow = 64
	}

	return &Orchestrator{
		store:   st,
		fabric:  fb,
		oracle:  orc,
		policy:  pol,
		cfg:     cfg,
		cron:    cron.New(),
		logger:  slog.Default().With("component", "orchestrator"),
		limiter: resilience.NewRateLimiter(capacity, fillRate, window, maxPerWindow),
		cancel:  NewCancellationManager(),
	}
}

// Submit is the workflow submission surface's submit(prompt) -> workflow_id.
// It implements Admission: create the workflow row, call plan_initial, on
// success insert_tasks, on failure mark the workflow failed with no tasks.
func (o *Orchestrator) Submit(ctx context.Context, prompt string) (workflowID string, err error) {
	tr := otel.Tracer("workflowcore-orchestrator")
	ctx, span := tr.Start(ctx, "orchestrator.submit")
	defer span.End()

	workflowID, err = o.store.CreateWorkflow(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("orchestrator: create workflow: %w", err)
	}

	proposed, err := o.oracle.PlanInitial(ctx, prompt)
	if err != nil {
		o.logger.Warn("plan_initial failed, failing workflow", "workflow_id", workflowID, "error", err)
		if ferr := o.store.FailWorkflow(ctx, workflowID); ferr != nil {
			return workflowID, ferr
		}
		return workflowID, nil
	}

	inputs := proposedTasksToInputs(proposed, "", 0)
	if err := o.store.InsertTasks(ctx, workflowID, inputs); err != nil {
		o.logger.Error("insert_tasks failed", "workflow_id", workflowID, "error", err)
		if ferr := o.store.FailWorkflow(ctx, workflowID); ferr != nil {
			return workflowID, ferr
		}
		return workflowID, nil
	}

	o.cancel.Register(workflowID)
	o.logger.Info("workflow admitted", "workflow_id", workflowID, "task_count", len(inputs))
	return workflowID, nil
}

// GetWorkflow is the workflow submission surface's get_workflow query.
func (o *Orchestrator) GetWorkflow(ctx context.Context, workflowID string) (model.Workflow, []model.Task, error) {
	return o.store.GetWorkflow(ctx, workflowID)
}

// CancelWorkflow cancels a workflow from any non-terminal state: it records
// the cancellation in this process's CancellationManager, which the dispatch
// loop consults, and cancels every non-terminal task in the store. Executors
// already running one of its tasks are not signalled.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, workflowID, reason string) error {
	o.cancel.CancelWorkflow(workflowID, reason)
	return o.store.CancelWorkflow(ctx, workflowID, reason)
}

// proposedTasksToInputs converts oracle-returned tasks (dependencies by
// local index) into store.TaskInput (dependencies by task_id).
func proposedTasksToInputs(proposed []model.ProposedTask, parentTaskID string, generation int) []store.TaskInput {
	ids := make([]string, len(proposed))
	for i := range proposed {
		ids[i] = model.NewTaskID()
	}
	inputs := make([]store.TaskInput, 0, len(proposed))
	for i, p := range proposed {
		deps := make([]string, 0, len(p.DependencyLocalIndexes))
		for _, li := range p.DependencyLocalIndexes {
			if li >= 0 && li < len(ids) {
				deps = append(deps, ids[li])
			}
		}
		inputs = append(inputs, store.TaskInput{
			TaskID:               ids[i],
			Description:          p.Description,
			ExecutorType:         p.ExecutorType,
			Parameters:           p.Parameters,
			Dependencies:         deps,
			TaskOrder:            i,
			CorrectionGeneration: generation,
			ParentTaskID:         parentTaskID,
		})
	}
	return inputs
}

// Run starts the dispatch and supervision loops and blocks until ctx is
// cancelled. Supervision runs on the SupervisionCron schedule when one is
// set, otherwise every PollingInterval.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.SupervisionCron != "" {
		if _, err := o.cron.AddFunc(o.cfg.SupervisionCron, func() {
			if err := o.supervisionOnce(ctx); err != nil {
				o.logger.Error("supervision iteration failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("orchestrator: supervision cron: %w", err)
		}
		o.cron.Start()
		defer o.cron.Stop()
	}

	errCh := make(chan error, 2)
	go func() { errCh <- o.runDispatchLoop(ctx) }()
	if o.cfg.SupervisionCron == "" {
		go func() { errCh <- o.runSupervisionLoop(ctx) }()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (o *Orchestrator) runDispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.dispatchOnce(ctx); err != nil {
				o.logger.Error("dispatch iteration failed", "error", err)
			}
		}
	}
}

func (o *Orchestrator) dispatchOnce(ctx context.Context) error {
	tasks, err := o.store.ReadyTasks(ctx, o.cfg.DispatchBatch)
	if err != nil {
		return fmt.Errorf("ready_tasks: %w", err)
	}
	for _, t := range tasks {
		if o.cancel.IsCancelled(t.WorkflowID) {
			continue
		}
		if !o.limiter.Allow() {
			break // window exhausted; remaining ready tasks wait for the next tick
		}
		seq := o.nextDispatchSeq()
		if err := o.store.MarkDispatched(ctx, t.TaskID, seq); err != nil {
			if err == store.ErrConflict {
				continue // another orchestrator replica handled it
			}
			o.logger.Error("mark_dispatched failed", "task_id", t.TaskID, "error", err)
			continue
		}
		env := model.DispatchEnvelope{
			TaskID:       t.TaskID,
			WorkflowID:   t.WorkflowID,
			ExecutorType: t.ExecutorType,
			Parameters:   t.Parameters,
			Capabilities: []string{t.ExecutorType},
			DispatchSeq:  seq,
		}
		if err := o.fabric.PublishDispatch(ctx, env); err != nil {
			o.logger.Error("publish dispatch failed", "task_id", t.TaskID, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) nextDispatchSeq() int64 {
	o.dispatchSeq++
	return o.dispatchSeq
}
