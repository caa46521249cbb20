package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/workflowcore/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateWorkflowAndInsertTasks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	workflowID, err := s.CreateWorkflow(ctx, "write hello to stdout")
	require.NoError(t, err)
	require.NotEmpty(t, workflowID)

	err = s.InsertTasks(ctx, workflowID, []TaskInput{
		{TaskID: "a", ExecutorType: "code_executor", TaskOrder: 0},
		{TaskID: "b", ExecutorType: "code_executor", TaskOrder: 1, Dependencies: []string{"a"}},
	})
	require.NoError(t, err)

	wf, tasks, err := s.GetWorkflow(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowInProgress, wf.FinalStatus)
	require.Len(t, tasks, 2)
}

func TestInsertTasksRejectsCycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	workflowID, err := s.CreateWorkflow(ctx, "cyclic")
	require.NoError(t, err)

	err = s.InsertTasks(ctx, workflowID, []TaskInput{
		{TaskID: "a", ExecutorType: "generic", Dependencies: []string{"b"}},
		{TaskID: "b", ExecutorType: "generic", Dependencies: []string{"a"}},
	})
	require.ErrorIs(t, err, ErrCycleDetected)
}

func TestInsertTasksRejectsDanglingDependency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	workflowID, err := s.CreateWorkflow(ctx, "dangling")
	require.NoError(t, err)

	err = s.InsertTasks(ctx, workflowID, []TaskInput{
		{TaskID: "a", ExecutorType: "generic", Dependencies: []string{"does-not-exist"}},
	})
	require.ErrorIs(t, err, ErrDanglingDependency)
}

// TestReadyTasksRespectsDependencyDiscipline exercises dependency discipline:
// no task enters dispatched before every dependency is succeeded.
func TestReadyTasksRespectsDependencyDiscipline(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	workflowID, err := s.CreateWorkflow(ctx, "linear")
	require.NoError(t, err)
	require.NoError(t, s.InsertTasks(ctx, workflowID, []TaskInput{
		{TaskID: "a", ExecutorType: "code_executor", TaskOrder: 0},
		{TaskID: "b", ExecutorType: "code_executor", TaskOrder: 1, Dependencies: []string{"a"}},
	}))

	ready, err := s.ReadyTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, "a", ready[0].TaskID)

	require.NoError(t, s.MarkDispatched(ctx, "a", 1))
	token, err := s.Claim(ctx, "a", "executor-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Report(ctx, "a", token, ReportInput{Outcome: model.OutcomeOK, DurationMs: 5}))

	ready, err = s.ReadyTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, "b", ready[0].TaskID)
}

// TestClaimConflictOnSecondAttempt exercises optimistic claim conflict: only
// one executor can hold a task's lease at a time.
func TestClaimConflictOnSecondAttempt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	workflowID, err := s.CreateWorkflow(ctx, "race")
	require.NoError(t, err)
	require.NoError(t, s.InsertTasks(ctx, workflowID, []TaskInput{{TaskID: "a", ExecutorType: "generic"}}))
	require.NoError(t, s.MarkDispatched(ctx, "a", 1))

	_, err = s.Claim(ctx, "a", "executor-1", time.Minute)
	require.NoError(t, err)

	_, err = s.Claim(ctx, "a", "executor-2", time.Minute)
	require.ErrorIs(t, err, ErrConflict)
}

func TestReapExpiredClaimsRedispatches(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	workflowID, err := s.CreateWorkflow(ctx, "crash")
	require.NoError(t, err)
	require.NoError(t, s.InsertTasks(ctx, workflowID, []TaskInput{{TaskID: "a", ExecutorType: "generic"}}))
	require.NoError(t, s.MarkDispatched(ctx, "a", 1))
	_, err = s.Claim(ctx, "a", "executor-1", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	ids, err := s.ReapExpiredClaims(ctx, time.Now(), 3)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids)

	task, err := s.GetTask(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, model.TaskDispatched, task.Status)
	require.Equal(t, 1, task.Retries)
}

// TestStaleReportAfterReapIsRejected exercises the at-most-once execution
// property: a second report using a token invalidated by reaping must fail.
func TestStaleReportAfterReapIsRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	workflowID, err := s.CreateWorkflow(ctx, "stale")
	require.NoError(t, err)
	require.NoError(t, s.InsertTasks(ctx, workflowID, []TaskInput{{TaskID: "a", ExecutorType: "generic"}}))
	require.NoError(t, s.MarkDispatched(ctx, "a", 1))
	token, err := s.Claim(ctx, "a", "executor-1", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = s.ReapExpiredClaims(ctx, time.Now(), 3)
	require.NoError(t, err)

	err = s.Report(ctx, "a", token, ReportInput{Outcome: model.OutcomeOK})
	require.ErrorIs(t, err, ErrStaleClaim)
}

// TestSurgerySplicesCorrectiveSubDAG verifies surgery is all-or-nothing and
// rewires downstream dependants onto the retry task.
func TestSurgerySplicesCorrectiveSubDAG(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	workflowID, err := s.CreateWorkflow(ctx, "needs correction")
	require.NoError(t, err)
	require.NoError(t, s.InsertTasks(ctx, workflowID, []TaskInput{
		{TaskID: "broken", ExecutorType: "code_executor", TaskOrder: 0},
		{TaskID: "downstream", ExecutorType: "code_executor", TaskOrder: 1, Dependencies: []string{"broken"}},
	}))
	require.NoError(t, s.MarkDispatched(ctx, "broken", 1))
	token, err := s.Claim(ctx, "broken", "executor-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Report(ctx, "broken", token, ReportInput{
		Outcome: model.OutcomeError,
		Error:   &model.ResultError{ErrorType: "ModuleNotFoundError"},
	}))

	retryID, err := s.Surgery(ctx, workflowID, "broken",
		[]TaskInput{{TaskID: "install-dep", ExecutorType: "code_executor", TaskOrder: 1}},
		TaskInput{TaskID: "retry-broken", ExecutorType: "code_executor", TaskOrder: 2},
	)
	require.NoError(t, err)
	require.Equal(t, "retry-broken", retryID)

	broken, err := s.GetTask(ctx, "broken")
	require.NoError(t, err)
	require.Equal(t, model.TaskPaused, broken.Status)

	downstream, err := s.GetTask(ctx, "downstream")
	require.NoError(t, err)
	require.Equal(t, []string{"retry-broken"}, downstream.Dependencies)

	retry, err := s.GetTask(ctx, "retry-broken")
	require.NoError(t, err)
	require.Equal(t, []string{"install-dep"}, retry.Dependencies)
	require.Equal(t, 1, retry.CorrectionGeneration)
}

func TestSurgeryRejectsNonFailedTask(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	workflowID, err := s.CreateWorkflow(ctx, "not failed yet")
	require.NoError(t, err)
	require.NoError(t, s.InsertTasks(ctx, workflowID, []TaskInput{{TaskID: "a", ExecutorType: "generic"}}))

	_, err = s.Surgery(ctx, workflowID, "a", nil, TaskInput{TaskID: "retry-a"})
	require.ErrorIs(t, err, ErrInvariantViolation)
}

// TestWriteExperienceChainsHashes exercises the tamper-evident ledger.
func TestWriteExperienceChainsHashes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.WriteExperience(ctx, model.Experience{
			WorkflowID: "wf",
			TaskID:     "t",
			Reward:     1.0,
		}))
	}
	ok, broken, err := s.VerifyExperienceChain(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, broken)
}

func TestFinalizeWorkflowRequiresAllTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	workflowID, err := s.CreateWorkflow(ctx, "incomplete")
	require.NoError(t, err)
	require.NoError(t, s.InsertTasks(ctx, workflowID, []TaskInput{{TaskID: "a", ExecutorType: "generic"}}))

	err = s.FinalizeWorkflow(ctx, workflowID)
	require.ErrorIs(t, err, ErrNotTerminal)

	require.NoError(t, s.MarkDispatched(ctx, "a", 1))
	token, err := s.Claim(ctx, "a", "executor-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Report(ctx, "a", token, ReportInput{Outcome: model.OutcomeOK}))

	require.NoError(t, s.FinalizeWorkflow(ctx, workflowID))
	wf, _, err := s.GetWorkflow(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowSucceeded, wf.FinalStatus)
}
