// Package store implements the Task Store contract over go.etcd.io/bbolt,
// a single-file embedded database with real ACID transactions. Every
// operation below commits as one bbolt transaction, satisfying the
// atomicity requirement without an external database dependency.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"

	"github.com/flowmesh/workflowcore/internal/model"
)

var (
	bucketWorkflows     = []byte("workflows")
	bucketTasks         = []byte("tasks")
	bucketTasksByOrder  = []byte("tasks_by_order")
	bucketExperiences   = []byte("experiences")
	bucketMeta          = []byte("meta")
)

// Sentinel errors returned by store operations, matching the error kinds
// named in the error-handling design.
var (
	ErrCycleDetected      = errors.New("store: cycle detected")
	ErrDanglingDependency = errors.New("store: dangling dependency")
	ErrConflict           = errors.New("store: conflict")
	ErrStaleClaim         = errors.New("store: stale claim")
	ErrInvariantViolation = errors.New("store: invariant violation")
	ErrNotFound           = errors.New("store: not found")
	ErrNotTerminal        = errors.New("store: workflow not fully terminal")
)

// Store is the bbolt-backed Task Store.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// Open creates or opens the bbolt file at path and ensures buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketWorkflows, bucketTasks, bucketTasksByOrder, bucketExperiences, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &Store{db: db, logger: slog.Default().With("component", "store")}, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error { return s.db.Close() }

func tracer() func(ctx context.Context, name string) (context.Context, func(err *error)) {
	tr := otel.Tracer("workflowcore-store")
	return func(ctx context.Context, name string) (context.Context, func(err *error)) {
		ctx, span := tr.Start(ctx, name)
		return ctx, func(errp *error) {
			if errp != nil && *errp != nil {
				span.RecordError(*errp)
			}
			span.End()
		}
	}
}

var startSpan = tracer()

// CreateWorkflow inserts a new workflow row in the in_progress state.
func (s *Store) CreateWorkflow(ctx context.Context, prompt string) (workflowID string, err error) {
	ctx, end := startSpan(ctx, "store.create_workflow")
	defer end(&err)
	_ = ctx

	workflowID = model.NewWorkflowID()
	wf := model.Workflow{
		WorkflowID:  workflowID,
		Prompt:      prompt,
		CreatedAt:   time.Now().UTC(),
		FinalStatus: model.WorkflowInProgress,
		TotalReward: 0,
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketWorkflows), []byte(workflowID), wf)
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("workflow created", "workflow_id", workflowID)
	return workflowID, nil
}

// TaskInput is the caller-supplied shape for a task to insert, before it has
// been assigned storage-level defaults.
type TaskInput struct {
	TaskID               string
	Description          string
	ExecutorType         string
	Parameters           map[string]any
	Dependencies         []string
	TaskOrder            int
	CorrectionGeneration int
	ParentTaskID         string
}

// InsertTasks bulk-inserts tasks for a workflow, checking dependency
// integrity before commit.
func (s *Store) InsertTasks(ctx context.Context, workflowID string, inputs []TaskInput) (err error) {
	ctx, end := startSpan(ctx, "store.insert_tasks")
	defer end(&err)
	_ = ctx

	return s.db.Update(func(tx *bbolt.Tx) error {
		existing, err := allTasksForWorkflow(tx, workflowID)
		if err != nil {
			return err
		}
		ids := make(map[string]bool, len(existing)+len(inputs))
		for _, t := range existing {
			ids[t.TaskID] = true
		}
		now := time.Now().UTC()
		newTasks := make([]model.Task, 0, len(inputs))
		for _, in := range inputs {
			taskID := in.TaskID
			if taskID == "" {
				taskID = model.NewTaskID()
			}
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
				CorrectionGeneration: in.CorrectionGeneration,
				ParentTaskID:         in.ParentTaskID,
				CreatedAt:            now,
				LastUpdateAt:         now,
			})
		}
		for _, t := range newTasks {
			for _, dep := range t.Dependencies {
				if !ids[dep] {
					return ErrDanglingDependency
				}
			}
		}
		allForCheck := append(append([]model.Task{}, existing...), newTasks...)
		if hasCycle(allForCheck) {
			return ErrCycleDetected
		}
		b := tx.Bucket(bucketTasks)
		ob := tx.Bucket(bucketTasksByOrder)
		for _, t := range newTasks {
			if err := putJSON(b, taskKey(t.TaskID), t); err != nil {
				return err
			}
			if err := ob.Put(orderKey(workflowID, t.TaskOrder, t.TaskID), []byte(t.TaskID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadyTasks returns pending tasks whose every dependency has succeeded, in
// (workflow_id, task_order) order, bounded by limit.
func (s *Store) ReadyTasks(ctx context.Context, limit int) (tasks []model.Task, err error) {
	ctx, end := startSpan(ctx, "store.ready_tasks")
	defer end(&err)
	_ = ctx

	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		byID := map[string]model.Task{}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t model.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			byID[t.TaskID] = t
		}
		var candidates []model.Task
		for _, t := range byID {
			if t.Status != model.TaskPending {
				continue
			}
			ready := true
			for _, dep := range t.Dependencies {
				if byID[dep].Status != model.TaskSucceeded {
					ready = false
					break
				}
			}
			if ready {
				candidates = append(candidates, t)
			}
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].WorkflowID != candidates[j].WorkflowID {
				return candidates[i].WorkflowID < candidates[j].WorkflowID
			}
			return candidates[i].TaskOrder < candidates[j].TaskOrder
		})
		if limit > 0 && len(candidates) > limit {
			candidates = candidates[:limit]
		}
		tasks = candidates
		return nil
	})
	return tasks, err
}

// MarkDispatched transitions pending -> dispatched iff currently pending.
func (s *Store) MarkDispatched(ctx context.Context, taskID string, dispatchSeq int64) (err error) {
	ctx, end := startSpan(ctx, "store.mark_dispatched")
	defer end(&err)
	_ = ctx
	_ = dispatchSeq

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		t, err := getTask(b, taskID)
		if err != nil {
			return err
		}
		if t.Status != model.TaskPending {
			return ErrConflict
		}
		t.Status = model.TaskDispatched
		t.LastUpdateAt = time.Now().UTC()
		return putJSON(b, taskKey(taskID), t)
	})
}

// Claim atomically transitions dispatched -> in_progress, recording a claim
// token, expiry, and claimer.
func (s *Store) Claim(ctx context.Context, taskID, executorID string, leaseDuration time.Duration) (claimToken string, err error) {
	ctx, end := startSpan(ctx, "store.claim")
	defer end(&err)
	_ = ctx

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		t, err := getTask(b, taskID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		claimable := t.Status == model.TaskDispatched ||
			(t.Status == model.TaskInProgress && t.ClaimExpiresAt != nil && !t.ClaimExpiresAt.After(now))
		if !claimable {
			return ErrConflict
		}
		token := model.NewTaskID()
		expires := now.Add(leaseDuration)
		t.Status = model.TaskInProgress
		t.ClaimToken = token
		t.ClaimedBy = executorID
		t.ClaimExpiresAt = &expires
		t.LastUpdateAt = now
		if err := putJSON(b, taskKey(taskID), t); err != nil {
			return err
		}
		claimToken = token
		return nil
	})
	return claimToken, err
}

// RenewClaim extends an in-progress task's lease, used by the Executor's
// heartbeat. Fails with ErrStaleClaim if the token no longer matches.
func (s *Store) RenewClaim(ctx context.Context, taskID, claimToken string, leaseDuration time.Duration) (err error) {
	ctx, end := startSpan(ctx, "store.renew_claim")
	defer end(&err)
	_ = ctx

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		t, err := getTask(b, taskID)
		if err != nil {
			return err
		}
		if t.Status != model.TaskInProgress || t.ClaimToken != claimToken {
			return ErrStaleClaim
		}
		expires := time.Now().UTC().Add(leaseDuration)
		t.ClaimExpiresAt = &expires
		t.LastUpdateAt = time.Now().UTC()
		return putJSON(b, taskKey(taskID), t)
	})
}

// ReportInput is the payload an Executor supplies when reporting a task
// outcome.
type ReportInput struct {
	Outcome    model.Outcome
	Data       map[string]any
	Error      *model.ResultError
	DurationMs int64
}

// Report verifies the claim token still matches and has not expired, then
// transitions the task to succeeded or failed, writing the payload.
func (s *Store) Report(ctx context.Context, taskID, claimToken string, in ReportInput) (err error) {
	ctx, end := startSpan(ctx, "store.report")
	defer end(&err)
	_ = ctx

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		t, err := getTask(b, taskID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if t.Status != model.TaskInProgress || t.ClaimToken != claimToken {
			return ErrStaleClaim
		}
		if t.ClaimExpiresAt != nil && t.ClaimExpiresAt.Before(now) {
			return ErrStaleClaim
		}
		t.ClaimToken = ""
		t.ClaimedBy = ""
		t.ClaimExpiresAt = nil
		t.LastUpdateAt = now
		if in.Outcome == model.OutcomeOK {
			t.Status = model.TaskSucceeded
			t.FeedbackNotes = &model.FeedbackNotes{Status: "success", Data: in.Data}
		} else {
			t.Status = model.TaskFailed
			et, em := "", ""
			if in.Error != nil {
				et, em = in.Error.ErrorType, in.Error.ErrorMessage
			}
			t.FeedbackNotes = &model.FeedbackNotes{Status: "failed", ErrorType: et, ErrorMessage: em}
		}
		return putJSON(b, taskKey(taskID), t)
	})
}

// ReapExpiredClaims finds in_progress tasks whose lease has expired and
// transitions them back to dispatched, or to failed if retries >= maxRetries.
func (s *Store) ReapExpiredClaims(ctx context.Context, now time.Time, maxRetries int) (taskIDs []string, err error) {
	ctx, end := startSpan(ctx, "store.reap_expired_claims")
	defer end(&err)
	_ = ctx

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		c := b.Cursor()
		var toUpdate []model.Task
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t model.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Status == model.TaskInProgress && t.ClaimExpiresAt != nil && !t.ClaimExpiresAt.After(now) {
				toUpdate = append(toUpdate, t)
			}
		}
		for _, t := range toUpdate {
			t.ClaimToken = ""
			t.ClaimedBy = ""
			t.ClaimExpiresAt = nil
			t.LastUpdateAt = now
			if t.Retries >= maxRetries {
				t.Status = model.TaskFailed
				t.FeedbackNotes = &model.FeedbackNotes{Status: "failed", ErrorType: "LeaseExpired", ErrorMessage: "executor did not report before claim lease expired"}
			} else {
				t.Status = model.TaskDispatched
				t.Retries++
			}
			if err := putJSON(b, taskKey(t.TaskID), t); err != nil {
				return err
			}
			taskIDs = append(taskIDs, t.TaskID)
		}
		return nil
	})
	return taskIDs, err
}

// FinalizeWorkflow computes final_status and total_reward. Allowed only when
// every task of the workflow is terminal.
func (s *Store) FinalizeWorkflow(ctx context.Context, workflowID string) (err error) {
	ctx, end := startSpan(ctx, "store.finalize_workflow")
	defer end(&err)
	_ = ctx

	return s.db.Update(func(tx *bbolt.Tx) error {
		wfb := tx.Bucket(bucketWorkflows)
		wf, err := getWorkflow(wfb, workflowID)
		if err != nil {
			return err
		}
		tasks, err := allTasksForWorkflow(tx, workflowID)
		if err != nil {
			return err
		}
		total := 0.0
		anyFailed := false
		for _, t := range tasks {
			if !t.Status.IsTerminal() {
				return ErrNotTerminal
			}
			total += t.Reward
			if t.Status == model.TaskFailed {
				anyFailed = true
			}
		}
		switch {
		case wf.FinalStatus == model.WorkflowCancelled:
			// already decided by explicit cancellation
		case anyFailed:
			wf.FinalStatus = model.WorkflowFailed
		default:
			wf.FinalStatus = model.WorkflowSucceeded
		}
		wf.TotalReward = total
		return putJSON(wfb, []byte(workflowID), wf)
	})
}

// CancelWorkflow marks every non-terminal task of a workflow cancelled and
// the workflow itself cancelled, in one transaction.
func (s *Store) CancelWorkflow(ctx context.Context, workflowID, reason string) (err error) {
	ctx, end := startSpan(ctx, "store.cancel_workflow")
	defer end(&err)
	_ = ctx
	_ = reason

	return s.db.Update(func(tx *bbolt.Tx) error {
		wfb := tx.Bucket(bucketWorkflows)
		wf, err := getWorkflow(wfb, workflowID)
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
		wf.FinalStatus = model.WorkflowCancelled
		return putJSON(wfb, []byte(workflowID), wf)
	})
}

// GetWorkflow returns a workflow and all of its tasks, for the workflow
// submission surface's get_workflow query.
func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (wf model.Workflow, tasks []model.Task, err error) {
	ctx, end := startSpan(ctx, "store.get_workflow")
	defer end(&err)
	_ = ctx

	err = s.db.View(func(tx *bbolt.Tx) error {
		w, err := getWorkflow(tx.Bucket(bucketWorkflows), workflowID)
		if err != nil {
			return err
		}
		wf = w
		ts, err := allTasksForWorkflow(tx, workflowID)
		if err != nil {
			return err
		}
		sort.Slice(ts, func(i, j int) bool { return ts[i].TaskOrder < ts[j].TaskOrder })
		tasks = ts
		return nil
	})
	return wf, tasks, err
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (t model.Task, err error) {
	_, end := startSpan(ctx, "store.get_task")
	defer end(&err)
	err = s.db.View(func(tx *bbolt.Tx) error {
		got, err := getTask(tx.Bucket(bucketTasks), taskID)
		if err != nil {
			return err
		}
		t = got
		return nil
	})
	return t, err
}

// WriteExperience appends an experience record to the hash-chained ledger:
// each record's hash covers the previous record's hash plus its own fields,
// making the experience log tamper-evident.
func (s *Store) WriteExperience(ctx context.Context, rec model.Experience) (err error) {
	ctx, end := startSpan(ctx, "store.write_experience")
	defer end(&err)
	_ = ctx

	if rec.ExperienceID == "" {
		rec.ExperienceID = model.NewExperienceID()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		prevHash := string(meta.Get([]byte("experience_chain_head")))
		entry := chainedExperience{Experience: rec, PrevHash: prevHash}
		entry.Hash = hashExperience(entry)
		b := tx.Bucket(bucketExperiences)
		if err := putJSON(b, []byte(rec.ExperienceID), entry); err != nil {
			return err
		}
		return meta.Put([]byte("experience_chain_head"), []byte(entry.Hash))
	})
}

type chainedExperience struct {
	model.Experience
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

func hashExperience(e chainedExperience) string {
	e.Hash = ""
	b, _ := json.Marshal(e)
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum)
}

// VerifyExperienceChain walks the experience ledger and confirms every
// record's hash matches its recomputed value and chains correctly to the
// previous record. Returns the first broken experience_id, if any.
func (s *Store) VerifyExperienceChain(ctx context.Context) (ok bool, brokenAt string, err error) {
	_, end := startSpan(ctx, "store.verify_experience_chain")
	defer end(&err)

	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketExperiences)
		var entries []chainedExperience
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e chainedExperience
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].RecordedAt.Before(entries[j].RecordedAt) })
		prev := ""
		for _, e := range entries {
			want := e.Hash
			got := hashExperience(e)
			if got != want || e.PrevHash != prev {
				ok = false
				brokenAt = e.ExperienceID
				return nil
			}
			prev = want
		}
		ok = true
		return nil
	})
	return ok, brokenAt, err
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getTask(b *bbolt.Bucket, taskID string) (model.Task, error) {
	v := b.Get(taskKey(taskID))
	if v == nil {
		return model.Task{}, ErrNotFound
	}
	var t model.Task
	if err := json.Unmarshal(v, &t); err != nil {
		return model.Task{}, err
	}
	return t, nil
}

func getWorkflow(b *bbolt.Bucket, workflowID string) (model.Workflow, error) {
	v := b.Get([]byte(workflowID))
	if v == nil {
		return model.Workflow{}, ErrNotFound
	}
	var w model.Workflow
	if err := json.Unmarshal(v, &w); err != nil {
		return model.Workflow{}, err
	}
	return w, nil
}

func allTasksForWorkflow(tx *bbolt.Tx, workflowID string) ([]model.Task, error) {
	b := tx.Bucket(bucketTasks)
	var out []model.Task
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var t model.Task
		if err := json.Unmarshal(v, &t); err != nil {
			return nil, err
		}
		if t.WorkflowID == workflowID {
			out = append(out, t)
		}
	}
	return out, nil
}

func taskKey(taskID string) []byte { return []byte(taskID) }

func orderKey(workflowID string, order int, taskID string) []byte {
	return []byte(fmt.Sprintf("%s\x00%010d\x00%s", workflowID, order, taskID))
}

// hasCycle reports whether the dependency relation among tasks is cyclic,
// via depth-first search with a recursion stack (the DAG's acyclicity
// invariant, I1).
func hasCycle(tasks []model.Task) bool {
	byID := make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.TaskID] = t
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	var visit func(id string) bool
	visit = func(id string) bool {
		switch color[id] {
		case gray:
			return true
		case black:
			return false
		}
		color[id] = gray
		for _, dep := range byID[id].Dependencies {
			if visit(dep) {
				return true
			}
		}
		color[id] = black
		return false
	}
	for _, t := range tasks {
		if color[t.TaskID] == white {
			if visit(t.TaskID) {
				return true
			}
		}
	}
	return false
}
