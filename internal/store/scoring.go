package store

import (
	"context"
	"time"

	"go.etcd.io/bbolt"

	"github.com/flowmesh/workflowcore/internal/model"
)

// FinalizeTaskScoring is the Evaluator's single write: it sets a terminal
// task's final status, reward, and feedback_notes, and folds the reward
// into workflow.total_reward under the same transaction (a row-locked
// read-modify-write, since multiple Evaluator replicas may score different
// tasks of the same workflow concurrently). Idempotent: if the task already
// carries a nonzero reward it is a redelivery of an already-scored result,
// and scored reports false so the caller knows not to write a second
// experience record for it.
func (s *Store) FinalizeTaskScoring(ctx context.Context, taskID string, finalStatus model.TaskStatus, reward float64, feedback *model.FeedbackNotes) (scored bool, err error) {
	ctx, end := startSpan(ctx, "store.finalize_task_scoring")
	defer end(&err)
	_ = ctx

	err = s.db.Update(func(tx *bbolt.Tx) error {
		tb := tx.Bucket(bucketTasks)
		task, err := getTask(tb, taskID)
		if err != nil {
			return err
		}
		if task.Reward != 0 {
			// Already scored by a prior delivery; redelivery is a no-op.
			return nil
		}
		task.Status = finalStatus
		task.Reward = reward
		task.FeedbackNotes = feedback
		task.LastUpdateAt = time.Now().UTC()
		if err := putJSON(tb, taskKey(taskID), task); err != nil {
			return err
		}

		wb := tx.Bucket(bucketWorkflows)
		wf, err := getWorkflow(wb, task.WorkflowID)
		if err != nil {
			return err
		}
		wf.TotalReward += reward
		if err := putJSON(wb, []byte(task.WorkflowID), wf); err != nil {
			return err
		}
		scored = true
		return nil
	})
	return scored, err
}
