package oracle

import (
	"context"
	"sync"

	"github.com/flowmesh/workflowcore/internal/model"
)

// Fake is an in-memory deterministic oracle double for tests and local
// development, never a model call. PlanInitial results are keyed by exact
// prompt match; PlanCorrection results are keyed by the failed task's
// description. Both return ErrOracleUnavailable for an unregistered key;
// the FailUnknown field is not consulted.
type Fake struct {
	mu sync.Mutex

	initialPlans    map[string][]model.ProposedTask
	correctionPlans map[string]correctionPlan
	FailUnknown     bool
}

type correctionPlan struct {
	corrective []model.ProposedTask
	retry      model.ProposedTask
}

// NewFake builds an empty deterministic oracle double.
func NewFake() *Fake {
	return &Fake{
		initialPlans:    map[string][]model.ProposedTask{},
		correctionPlans: map[string]correctionPlan{},
	}
}

// SetInitialPlan registers the tasks PlanInitial returns for an exact prompt.
func (f *Fake) SetInitialPlan(prompt string, tasks []model.ProposedTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialPlans[prompt] = tasks
}

// SetCorrectionPlan registers the correction PlanCorrection returns for a
// failed task's description.
func (f *Fake) SetCorrectionPlan(failedTaskDescription string, corrective []model.ProposedTask, retry model.ProposedTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.correctionPlans[failedTaskDescription] = correctionPlan{corrective: corrective, retry: retry}
}

func (f *Fake) PlanInitial(ctx context.Context, prompt string) ([]model.ProposedTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	plan, ok := f.initialPlans[prompt]
	if !ok {
		return nil, ErrOracleUnavailable
	}
	return plan, nil
}

func (f *Fake) PlanCorrection(ctx context.Context, correctionCtx model.CorrectionContext) ([]model.ProposedTask, model.ProposedTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	plan, ok := f.correctionPlans[correctionCtx.FailedTask.Description]
	if !ok {
		return nil, model.ProposedTask{}, ErrOracleUnavailable
	}
	return plan.corrective, plan.retry, nil
}
