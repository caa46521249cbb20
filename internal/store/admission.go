package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/flowmesh/workflowcore/internal/model"
)

// FailWorkflow marks a workflow failed and terminalizes every other
// non-terminal task in the same transaction (parallel-branch siblings, or
// corrective/retry rows a just-rejected surgery already spliced in), the
// same way CancelWorkflow does. Used both by Admission when plan_initial
// fails or insert_tasks is rejected (no tasks exist yet) and by the
// supervision loop when a workflow is failed mid-flight, so no terminalized
// workflow is left with tasks still eligible for dispatch.
func (s *Store) FailWorkflow(ctx context.Context, workflowID string) (err error) {
	ctx, end := startSpan(ctx, "store.fail_workflow")
	defer end(&err)
	_ = ctx

	return s.db.Update(func(tx *bbolt.Tx) error {
		wb := tx.Bucket(bucketWorkflows)
		wf, err := getWorkflow(wb, workflowID)
		if err != nil {
			return err
		}
		if wf.FinalStatus != model.WorkflowInProgress {
			return nil
		}
		tasks, err := allTasksForWorkflow(tx, workflowID)
		if err != nil {
			return err
		}
		b := tx.Bucket(bucketTasks)
		for _, t := range tasks {
			if t.Status.IsTerminal() {
				continue
			}
			t.Status = model.TaskCancelled
			t.LastUpdateAt = time.Now().UTC()
			if err := putJSON(b, taskKey(t.TaskID), t); err != nil {
				return err
			}
		}
		wf.FinalStatus = model.WorkflowFailed
		return putJSON(wb, []byte(workflowID), wf)
	})
}

// ListInProgressWorkflowIDs returns every workflow still in_progress, for
// the supervision loop's failure and finalization scans.
func (s *Store) ListInProgressWorkflowIDs(ctx context.Context) (ids []string, err error) {
	_, end := startSpan(ctx, "store.list_in_progress_workflows")
	defer end(&err)

	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWorkflows)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var wf model.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return err
			}
			if wf.FinalStatus == model.WorkflowInProgress {
				ids = append(ids, string(k))
			}
		}
		return nil
	})
	return ids, err
}

// ListFailedTasks returns every task in failed status for a workflow, for
// the supervision loop's failure scan.
func (s *Store) ListFailedTasks(ctx context.Context, workflowID string) (tasks []model.Task, err error) {
	_, end := startSpan(ctx, "store.list_failed_tasks")
	defer end(&err)

	err = s.db.View(func(tx *bbolt.Tx) error {
		all, err := allTasksForWorkflow(tx, workflowID)
		if err != nil {
			return err
		}
		for _, t := range all {
			if t.Status == model.TaskFailed {
				tasks = append(tasks, t)
			}
		}
		return nil
	})
	return tasks, err
}

// SucceededSiblings returns every succeeded task in a workflow, ordered by
// task_order, for building correction context.
func (s *Store) SucceededSiblings(ctx context.Context, workflowID string) (tasks []model.Task, err error) {
	_, end := startSpan(ctx, "store.succeeded_siblings")
	defer end(&err)

	err = s.db.View(func(tx *bbolt.Tx) error {
		all, err := allTasksForWorkflow(tx, workflowID)
		if err != nil {
			return err
		}
		for _, t := range all {
			if t.Status == model.TaskSucceeded {
				tasks = append(tasks, t)
			}
		}
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskOrder < tasks[j].TaskOrder })
		return nil
	})
	return tasks, err
}

// AllTerminal reports whether every task in a workflow is terminal, for the
// supervision loop's finalization scan.
func (s *Store) AllTerminal(ctx context.Context, workflowID string) (ok bool, err error) {
	_, end := startSpan(ctx, "store.all_terminal")
	defer end(&err)

	err = s.db.View(func(tx *bbolt.Tx) error {
		all, err := allTasksForWorkflow(tx, workflowID)
		if err != nil {
			return err
		}
		ok = true
		for _, t := range all {
			if !t.Status.IsTerminal() {
				ok = false
				return nil
			}
		}
		return nil
	})
	return ok, err
}

