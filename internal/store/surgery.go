package store

import (
	"context"
	"time"

	"go.etcd.io/bbolt"

	"github.com/flowmesh/workflowcore/internal/model"
)

// Surgery performs the atomic DAG-splice transaction: it pauses a failed
// task, inserts a corrective sub-DAG and a retry task, and rewires every
// downstream dependant onto the retry task — all in one bbolt transaction,
// so no observer ever sees a partially wired graph.
func (s *Store) Surgery(ctx context.Context, workflowID, failedTaskID string, correctiveTasks []TaskInput, retryTask TaskInput) (retryTaskID string, err error) {
	ctx, end := startSpan(ctx, "store.surgery")
	defer end(&err)
	_ = ctx

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		ob := tx.Bucket(bucketTasksByOrder)

		failed, err := getTask(b, failedTaskID)
		if err != nil {
			return err
		}
		if failed.Status != model.TaskFailed {
			return ErrInvariantViolation
		}

		existing, err := allTasksForWorkflow(tx, workflowID)
		if err != nil {
			return err
		}
		ids := make(map[string]bool, len(existing))
		for _, t := range existing {
			ids[t.TaskID] = true
		}

		now := time.Now().UTC()
		generation := failed.CorrectionGeneration + 1

		newTasks := make([]model.Task, 0, len(correctiveTasks)+1)
		localIDs := make([]string, 0, len(correctiveTasks))
		for _, in := range correctiveTasks {
			taskID := in.TaskID
			if taskID == "" {
				taskID = model.NewTaskID()
			}
			localIDs = append(localIDs, taskID)
			ids[taskID] = true
			newTasks = append(newTasks, model.Task{
				TaskID:               taskID,
				WorkflowID:           workflowID,
				Description:          in.Description,
				ExecutorType:         in.ExecutorType,
				Parameters:           in.Parameters,
				Status:               model.TaskPending,
				Dependencies:         in.Dependencies,
				TaskOrder:            in.TaskOrder,
				CorrectionGeneration: generation,
				ParentTaskID:         failedTaskID,
				CreatedAt:            now,
				LastUpdateAt:         now,
			})
		}

		// The retry task depends on the terminal nodes of the corrective
		// sub-DAG: every corrective task that nothing else in the sub-DAG
		// depends on.
		dependedOn := map[string]bool{}
		for _, t := range newTasks {
			for _, dep := range t.Dependencies {
				dependedOn[dep] = true
			}
		}
		var terminalNodes []string
		for _, id := range localIDs {
			if !dependedOn[id] {
				terminalNodes = append(terminalNodes, id)
			}
		}
		if len(terminalNodes) == 0 && len(localIDs) == 0 {
			terminalNodes = nil
		}

		retryID := retryTask.TaskID
		if retryID == "" {
			retryID = model.NewTaskID()
		}
		ids[retryID] = true
		retryDeps := terminalNodes
		if len(retryDeps) == 0 {
			retryDeps = retryTask.Dependencies
		}
		retryRow := model.Task{
			TaskID:               retryID,
			WorkflowID:           workflowID,
			Description:          retryTask.Description,
			ExecutorType:         retryTask.ExecutorType,
			Parameters:           retryTask.Parameters,
			Status:               model.TaskPending,
			Dependencies:         retryDeps,
			TaskOrder:            retryTask.TaskOrder,
			CorrectionGeneration: generation,
			ParentTaskID:         failedTaskID,
			Retries:              failed.Retries + 1,
			CreatedAt:            now,
			LastUpdateAt:         now,
		}
		newTasks = append(newTasks, retryRow)

		for _, t := range newTasks {
			for _, dep := range t.Dependencies {
				if !ids[dep] {
					return ErrDanglingDependency
				}
			}
		}

		// Rewire every task previously dependent on failedTaskID to depend
		// on the retry task instead.
		rewritten := make([]model.Task, 0, len(existing))
		for _, t := range existing {
			changed := false
			deps := make([]string, 0, len(t.Dependencies))
			for _, dep := range t.Dependencies {
				if dep == failedTaskID {
					deps = append(deps, retryID)
					changed = true
				} else {
					deps = append(deps, dep)
				}
			}
			if changed {
				t.Dependencies = deps
				t.LastUpdateAt = now
				rewritten = append(rewritten, t)
			}
		}

		failed.Status = model.TaskPaused
		failed.LastUpdateAt = now

		postImage := append(append([]model.Task{}, existing...), newTasks...)
		for i, t := range postImage {
			if t.TaskID == failedTaskID {
				postImage[i] = failed
			}
		}
		for _, rw := range rewritten {
			for i, t := range postImage {
				if t.TaskID == rw.TaskID {
					postImage[i] = rw
				}
			}
		}
		if hasCycle(postImage) {
			return ErrCycleDetected
		}

		if err := putJSON(b, taskKey(failedTaskID), failed); err != nil {
			return err
		}
		for _, rw := range rewritten {
			if err := putJSON(b, taskKey(rw.TaskID), rw); err != nil {
				return err
			}
		}
		for _, t := range newTasks {
			if err := putJSON(b, taskKey(t.TaskID), t); err != nil {
				return err
			}
			if err := ob.Put(orderKey(workflowID, t.TaskOrder, t.TaskID), []byte(t.TaskID)); err != nil {
				return err
			}
		}

		retryTaskID = retryID
		return nil
	})
	return retryTaskID, err
}
