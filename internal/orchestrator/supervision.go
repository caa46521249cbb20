package orchestrator

import (
	"context"
	"reflect"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/flowmesh/workflowcore/internal/model"
	"github.com/flowmesh/workflowcore/internal/policy"
	"github.com/flowmesh/workflowcore/internal/store"
)

func (o *Orchestrator) runSupervisionLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.supervisionOnce(ctx); err != nil {
				o.logger.Error("supervision iteration failed", "error", err)
			}
		}
	}
}

func (o *Orchestrator) supervisionOnce(ctx context.Context) error {
	tr := otel.Tracer("workflowcore-orchestrator")
	ctx, span := tr.Start(ctx, "orchestrator.supervision_once")
	defer span.End()

	if _, err := o.store.ReapExpiredClaims(ctx, time.Now(), o.cfg.MaxRetries); err != nil {
		o.logger.Error("reap_expired_claims failed", "error", err)
	}

	workflowIDs, err := o.store.ListInProgressWorkflowIDs(ctx)
	if err != nil {
		return err
	}

	for _, workflowID := range workflowIDs {
		failed, err := o.store.ListFailedTasks(ctx, workflowID)
		if err != nil {
			o.logger.Error("list_failed_tasks failed", "workflow_id", workflowID, "error", err)
			continue
		}
		for _, task := range failed {
			o.handleFailedTask(ctx, workflowID, task)
		}

		allTerminal, err := o.store.AllTerminal(ctx, workflowID)
		if err != nil {
			o.logger.Error("all_terminal check failed", "workflow_id", workflowID, "error", err)
			continue
		}
		if allTerminal {
			if err := o.store.FinalizeWorkflow(ctx, workflowID); err != nil && err != store.ErrNotTerminal {
				o.logger.Error("finalize_workflow failed", "workflow_id", workflowID, "error", err)
			} else {
				o.cancel.Complete(workflowID)
			}
		}
	}
	return nil
}

func (o *Orchestrator) handleFailedTask(ctx context.Context, workflowID string, failedTask model.Task) {
	if failedTask.CorrectionGeneration >= o.cfg.MaxCorrectionDepth {
		o.logger.Warn("correction depth exhausted, failing workflow", "workflow_id", workflowID, "task_id", failedTask.TaskID)
		if err := o.store.FailWorkflow(ctx, workflowID); err != nil {
			o.logger.Error("fail workflow failed", "workflow_id", workflowID, "error", err)
		}
		return
	}

	wf, _, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		o.logger.Error("get_workflow failed", "workflow_id", workflowID, "error", err)
		return
	}
	siblings, err := o.store.SucceededSiblings(ctx, workflowID)
	if err != nil {
		o.logger.Error("succeeded_siblings failed", "workflow_id", workflowID, "error", err)
		return
	}

	correctionCtx := model.CorrectionContext{
		Prompt:               wf.Prompt,
		FailedTask:           failedTask,
		SucceededSiblings:    siblings,
		CorrectionGeneration: failedTask.CorrectionGeneration,
	}

	corrective, retry, err := o.oracle.PlanCorrection(ctx, correctionCtx)
	if err != nil {
		o.logger.Warn("plan_correction failed, failing workflow", "workflow_id", workflowID, "task_id", failedTask.TaskID, "error", err)
		if ferr := o.store.FailWorkflow(ctx, workflowID); ferr != nil {
			o.logger.Error("fail workflow failed", "workflow_id", workflowID, "error", ferr)
		}
		return
	}

	// Plan validation via OPA (see internal/policy): the loaded policy checks
	// executor types and plan size. Cycles are caught by store.Surgery below.
	if !o.policyAllowsPlan(ctx, workflowID, failedTask, corrective, retry) {
		o.logger.Warn("corrective plan rejected by policy, failing workflow", "workflow_id", workflowID, "task_id", failedTask.TaskID)
		if ferr := o.store.FailWorkflow(ctx, workflowID); ferr != nil {
			o.logger.Error("fail workflow failed", "workflow_id", workflowID, "error", ferr)
		}
		return
	}

	retryInputs := proposedTasksToInputs(append(corrective, retry), failedTask.TaskID, failedTask.CorrectionGeneration+1)
	retryTaskInput := retryInputs[len(retryInputs)-1]
	correctiveInputs := retryInputs[:len(retryInputs)-1]

	retryTaskID, err := o.store.Surgery(ctx, workflowID, failedTask.TaskID, correctiveInputs, retryTaskInput)
	if err != nil {
		o.logger.Warn("surgery rejected, failing workflow", "workflow_id", workflowID, "task_id", failedTask.TaskID, "error", err)
		if ferr := o.store.FailWorkflow(ctx, workflowID); ferr != nil {
			o.logger.Error("fail workflow failed", "workflow_id", workflowID, "error", ferr)
		}
		return
	}

	if o.isRepeatedCorrectionLoop(ctx, workflowID, failedTask, retryTaskID) {
		o.logger.Warn("oracle repeated an identical failed correction twice, refusing further correction", "workflow_id", workflowID, "task_id", failedTask.TaskID)
		if ferr := o.store.FailWorkflow(ctx, workflowID); ferr != nil {
			o.logger.Error("fail workflow failed", "workflow_id", workflowID, "error", ferr)
		}
		return
	}

	o.logger.Info("dag surgery committed", "workflow_id", workflowID, "failed_task_id", failedTask.TaskID, "retry_task_id", retryTaskID)
}

// policyAllowsPlan evaluates the proposed plan against the OPA policy before
// a surgery is attempted. With no validator configured every plan is
// allowed. It does not check dependency cycles; store.Surgery rejects a
// spliced graph that contains one.
func (o *Orchestrator) policyAllowsPlan(ctx context.Context, workflowID string, failedTask model.Task, corrective []model.ProposedTask, retry model.ProposedTask) bool {
	types := make([]string, 0, len(corrective))
	for _, c := range corrective {
		types = append(types, c.ExecutorType)
	}
	if o.policy == nil {
		return true
	}
	allowed, err := o.policy.ValidatePlan(ctx, policy.SurgeryInput{
		WorkflowID:           workflowID,
		FailedExecutorType:   failedTask.ExecutorType,
		CorrectiveTaskTypes:  types,
		RetryExecutorType:    retry.ExecutorType,
		SubDAGSize:           len(corrective) + 1,
		CorrectionGeneration: failedTask.CorrectionGeneration + 1,
	})
	if err != nil {
		o.logger.Error("policy evaluation failed", "error", err)
		return false
	}
	return allowed
}

// isRepeatedCorrectionLoop implements the safety check: the Orchestrator
// does not trust the oracle. If the retry task's parameters exactly match a
// previously failed task in the same workflow with the same error type
// twice in a row, further correction is refused.
func (o *Orchestrator) isRepeatedCorrectionLoop(ctx context.Context, workflowID string, failedTask model.Task, retryTaskID string) bool {
	retryTask, err := o.store.GetTask(ctx, retryTaskID)
	if err != nil {
		return false
	}
	if failedTask.ParentTaskID == "" {
		return false
	}
	grandparent, err := o.store.GetTask(ctx, failedTask.ParentTaskID)
	if err != nil {
		return false
	}
	sameErrorType := grandparent.FeedbackNotes != nil && failedTask.FeedbackNotes != nil &&
		grandparent.FeedbackNotes.ErrorType == failedTask.FeedbackNotes.ErrorType
	sameParams := retryTask.ExecutorType == grandparent.ExecutorType &&
		reflect.DeepEqual(retryTask.Parameters, grandparent.Parameters)
	return sameErrorType && sameParams && grandparent.Status == model.TaskPaused
}
