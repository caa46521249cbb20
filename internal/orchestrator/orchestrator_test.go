package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/workflowcore/internal/model"
	"github.com/flowmesh/workflowcore/internal/oracle"
	"github.com/flowmesh/workflowcore/internal/store"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Store, *oracle.Fake) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "workflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fake := oracle.NewFake()
	cfg := Config{
		MaxRetries:         3,
		MaxCorrectionDepth: 3,
		PollingInterval:    10 * time.Millisecond,
		DispatchBatch:      32,
	}
	o := New(st, nil, fake, nil, cfg)
	return o, st, fake
}

func TestSubmitAdmitsWorkflowWithTasks(t *testing.T) {
	ctx := context.Background()
	o, st, fake := newTestOrchestrator(t)

	fake.SetInitialPlan("write a report", []model.ProposedTask{
		{Description: "gather data", ExecutorType: "api_caller"},
		{Description: "write file", ExecutorType: "file_writer", DependencyLocalIndexes: []int{0}},
	})

	workflowID, err := o.Submit(ctx, "write a report")
	require.NoError(t, err)
	require.NotEmpty(t, workflowID)

	wf, tasks, err := st.GetWorkflow(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowInProgress, wf.FinalStatus)
	require.Len(t, tasks, 2)
}

func TestSubmitFailsWorkflowWhenOracleUnavailable(t *testing.T) {
	ctx := context.Background()
	o, st, _ := newTestOrchestrator(t)

	workflowID, err := o.Submit(ctx, "prompt with no registered plan")
	require.NoError(t, err)

	wf, tasks, err := st.GetWorkflow(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowFailed, wf.FinalStatus)
	require.Empty(t, tasks)
}

func TestCancelWorkflowMarksCancelledAndTracked(t *testing.T) {
	ctx := context.Background()
	o, st, fake := newTestOrchestrator(t)
	fake.SetInitialPlan("cancel me", []model.ProposedTask{{Description: "a", ExecutorType: "generic"}})

	workflowID, err := o.Submit(ctx, "cancel me")
	require.NoError(t, err)

	require.NoError(t, o.CancelWorkflow(ctx, workflowID, "user requested"))

	wf, _, err := st.GetWorkflow(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowCancelled, wf.FinalStatus)
	require.True(t, o.cancel.IsCancelled(workflowID))
}

// driveTaskToFailure inserts a single-task workflow and walks it through
// dispatch/claim/report so its one task lands in failed status, ready for
// the supervision loop to pick up.
func driveTaskToFailure(t *testing.T, ctx context.Context, st *store.Store, workflowID, taskID, description, executorType string, generation int) {
	t.Helper()
	require.NoError(t, st.InsertTasks(ctx, workflowID, []store.TaskInput{
		{TaskID: taskID, Description: description, ExecutorType: executorType, CorrectionGeneration: generation},
	}))
	require.NoError(t, st.MarkDispatched(ctx, taskID, 1))
	token, err := st.Claim(ctx, taskID, "executor-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.Report(ctx, taskID, token, store.ReportInput{
		Outcome: model.OutcomeError,
		Error:   &model.ResultError{ErrorType: "HandlerError", ErrorMessage: "boom"},
	}))
}

func TestSupervisionAppliesCorrectionOnFailure(t *testing.T) {
	ctx := context.Background()
	o, st, fake := newTestOrchestrator(t)

	workflowID, err := st.CreateWorkflow(ctx, "fix the bug")
	require.NoError(t, err)
	driveTaskToFailure(t, ctx, st, workflowID, "task-a", "run script", "code_executor", 0)

	fake.SetCorrectionPlan("run script",
		[]model.ProposedTask{{Description: "install dependency", ExecutorType: "code_executor"}},
		model.ProposedTask{Description: "run script (retry)", ExecutorType: "code_executor", DependencyLocalIndexes: []int{0}},
	)

	require.NoError(t, o.supervisionOnce(ctx))

	_, tasks, err := st.GetWorkflow(ctx, workflowID)
	require.NoError(t, err)
	require.Len(t, tasks, 3) // original failed(now paused) + corrective + retry

	var sawPaused, sawCorrective, sawRetry bool
	for _, tk := range tasks {
		switch {
		case tk.TaskID == "task-a":
			sawPaused = tk.Status == model.TaskPaused
		case tk.Description == "install dependency":
			sawCorrective = true
		case tk.Description == "run script (retry)":
			sawRetry = tk.CorrectionGeneration == 1 && len(tk.Dependencies) == 1
		}
	}
	require.True(t, sawPaused, "failed task should be paused after surgery")
	require.True(t, sawCorrective)
	require.True(t, sawRetry)
}

func TestSupervisionFailsWorkflowWhenCorrectionDepthExhausted(t *testing.T) {
	ctx := context.Background()
	o, st, _ := newTestOrchestrator(t)
	o.cfg.MaxCorrectionDepth = 1

	workflowID, err := st.CreateWorkflow(ctx, "doomed")
	require.NoError(t, err)
	driveTaskToFailure(t, ctx, st, workflowID, "task-a", "run script", "code_executor", 1)

	require.NoError(t, o.supervisionOnce(ctx))

	wf, _, err := st.GetWorkflow(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowFailed, wf.FinalStatus)
}

func TestSupervisionFailsWorkflowWhenOracleRejectsCorrection(t *testing.T) {
	ctx := context.Background()
	o, st, _ := newTestOrchestrator(t)

	workflowID, err := st.CreateWorkflow(ctx, "no plan registered")
	require.NoError(t, err)
	driveTaskToFailure(t, ctx, st, workflowID, "task-a", "unrecognized task", "code_executor", 0)

	require.NoError(t, o.supervisionOnce(ctx))

	wf, _, err := st.GetWorkflow(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowFailed, wf.FinalStatus)
}

func TestSupervisionFinalizesWorkflowWhenAllTasksTerminal(t *testing.T) {
	ctx := context.Background()
	o, st, _ := newTestOrchestrator(t)

	workflowID, err := st.CreateWorkflow(ctx, "all good")
	require.NoError(t, err)
	require.NoError(t, st.InsertTasks(ctx, workflowID, []store.TaskInput{{TaskID: "a", ExecutorType: "generic"}}))
	require.NoError(t, st.MarkDispatched(ctx, "a", 1))
	token, err := st.Claim(ctx, "a", "executor-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.Report(ctx, "a", token, store.ReportInput{Outcome: model.OutcomeOK}))
	_, err = st.FinalizeTaskScoring(ctx, "a", model.TaskSucceeded, 1.0, &model.FeedbackNotes{Status: "success"})
	require.NoError(t, err)

	require.NoError(t, o.supervisionOnce(ctx))

	wf, _, err := st.GetWorkflow(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowSucceeded, wf.FinalStatus)
}
