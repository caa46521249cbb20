// Package evaluator implements the Evaluator (C5): an idempotent judge that
// consumes raw executor results, validates them per task class, computes a
// scalar reward, and writes structured feedback and an experience record
// back to durable state.
package evaluator

import (
	"context"
	"log/slog"
	"math"

	"go.opentelemetry.io/otel"

	"github.com/flowmesh/workflowcore/internal/fabric"
	"github.com/flowmesh/workflowcore/internal/model"
	"github.com/flowmesh/workflowcore/internal/store"
)

const (
	rewardSuccessBase     = 1.0
	rewardFailureBase     = -1.0
	correctionBonus       = 0.5
	retryCostPerRetry     = -0.1
	validationPenalty     = -0.5
	rewardClampMin        = -2.0
	rewardClampMax        = 2.0
)

// Evaluator consumes result envelopes and scores terminal tasks.
type Evaluator struct {
	store      *store.Store
	fabric     *fabric.Fabric
	validators map[string]Validator
	logger     *slog.Logger
}

// New builds an Evaluator with the built-in validators registered, matching
// the code_executor/file_writer/api_caller/custom-fallback set.
func New(st *store.Store, fb *fabric.Fabric) *Evaluator {
	e := &Evaluator{
		store:  st,
		fabric: fb,
		validators: map[string]Validator{
			"code_executor": CodeExecutorValidator{},
			"file_writer":   FileWriterValidator{},
			"api_caller":    APICallerValidator{},
		},
		logger: slog.Default().With("component", "evaluator"),
	}
	return e
}

// Run consumes results for executorType until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context, executorType string) error {
	return e.fabric.ConsumeResults(ctx, executorType, e.handleResult)
}

func (e *Evaluator) handleResult(ctx context.Context, env model.ResultEnvelope) error {
	tr := otel.Tracer("workflowcore-evaluator")
	ctx, span := tr.Start(ctx, "evaluator.handle_result")
	defer span.End()

	task, err := e.store.GetTask(ctx, env.TaskID)
	if err == store.ErrNotFound {
		e.logger.Warn("result for unknown task, dropping", "task_id", env.TaskID)
		return nil
	}
	if err != nil {
		return err
	}

	// A task already carrying a nonzero reward has already been scored by a
	// prior delivery of this same result. A task not yet terminal has not
	// been reported by the Executor yet; either way there is nothing to do.
	if task.Reward != 0 || !task.Status.IsTerminal() {
		e.logger.Debug("dropping result for already-scored or not-yet-terminal task", "task_id", env.TaskID, "status", task.Status)
		return nil
	}

	validator, ok := e.validators[task.ExecutorType]
	if !ok {
		validator = FallbackValidator{}
	}
	validation := validator.Validate(env, task)

	reward, feedback := score(env, task, validation)

	finalStatus := task.Status
	if env.Outcome == model.OutcomeOK && !validation.Valid {
		// The executor reported ok but the validator rejected it: this is
		// a ValidationFailure, which must surface as failed so the
		// supervision loop's failure scan picks it up for correction.
		finalStatus = model.TaskFailed
	}

	scored, err := e.store.FinalizeTaskScoring(ctx, env.TaskID, finalStatus, reward, feedback)
	if err != nil {
		return err
	}
	if !scored {
		// Lost the race with a concurrent replica scoring the same result:
		// it already wrote status, reward, and the experience record.
		e.logger.Debug("lost race scoring task, skipping duplicate experience write", "task_id", env.TaskID)
		return nil
	}

	exp := model.Experience{
		WorkflowID: task.WorkflowID,
		TaskID:     task.TaskID,
		Reward:     reward,
		StateSnapshot: model.StateSnapshot{
			TaskDescription: task.Description,
			Retries:         task.Retries,
		},
		ActionSnapshot: model.ActionSnapshot{
			ExecutorType: task.ExecutorType,
			Parameters:   task.Parameters,
		},
	}
	return e.store.WriteExperience(ctx, exp)
}

// score computes the scalar reward and returns the feedback_notes to
// persist alongside it.
func score(env model.ResultEnvelope, task model.Task, validation ValidationResult) (float64, *model.FeedbackNotes) {
	var reward float64
	var feedback model.FeedbackNotes

	success := env.Outcome == model.OutcomeOK && validation.Valid

	if success {
		reward = rewardSuccessBase
		if task.Retries > 0 {
			reward += correctionBonus
		}
		feedback = model.FeedbackNotes{Status: "success", Notes: validation.Notes, Data: env.Data}
	} else {
		reward = rewardFailureBase
		reward += retryCostPerRetry * float64(task.Retries)
		if env.Outcome == model.OutcomeOK && !validation.Valid {
			reward += validationPenalty
			feedback = model.FeedbackNotes{
				Status:    "failed",
				ErrorType: "ValidationFailure",
				Validator: validation.ValidatorName,
				Reason:    validation.Reason,
			}
		} else if env.Error != nil {
			feedback = model.FeedbackNotes{
				Status:       "failed",
				ErrorType:    env.Error.ErrorType,
				ErrorMessage: env.Error.ErrorMessage,
				Traceback:    env.Error.Context,
			}
		} else {
			feedback = model.FeedbackNotes{Status: "failed", ErrorType: "Unknown"}
		}
	}

	reward = math.Max(rewardClampMin, math.Min(rewardClampMax, reward))
	return reward, &feedback
}
