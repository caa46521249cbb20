// Package model defines the durable entities and in-flight envelopes shared
// by the Task Store, Message Fabric, Executor pool, Evaluator, and
// Orchestrator.
package model

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus is the terminal/non-terminal status of a Workflow.
type WorkflowStatus string

const (
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowSucceeded  WorkflowStatus = "succeeded"
	WorkflowFailed     WorkflowStatus = "failed"
	WorkflowCancelled  WorkflowStatus = "cancelled"
)

// TaskStatus is the authoritative state of a Task, per the state machine in
// the orchestrator's design.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskDispatched TaskStatus = "dispatched"
	TaskInProgress TaskStatus = "in_progress"
	TaskSucceeded  TaskStatus = "succeeded"
	TaskFailed     TaskStatus = "failed"
	TaskPaused     TaskStatus = "paused"
	TaskCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether a task in this status is no longer eligible for
// dispatch, claim, or correction (paused counts as terminal-for-audit).
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled, TaskPaused:
		return true
	default:
		return false
	}
}

// Outcome is the result polarity an Executor reports.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
)

// ErrorKind is the error taxonomy used throughout the core.
type ErrorKind string

const (
	ErrorTransientInfra     ErrorKind = "TransientInfra"
	ErrorConflict           ErrorKind = "Conflict"
	ErrorHandler            ErrorKind = "HandlerError"
	ErrorTimeout            ErrorKind = "Timeout"
	ErrorValidationFailure  ErrorKind = "ValidationFailure"
	ErrorInvariantViolation ErrorKind = "InvariantViolation"
	ErrorOracleUnavailable  ErrorKind = "OracleUnavailable"
	ErrorNoHandler          ErrorKind = "NoHandler"
)

// Workflow is one record per user request.
type Workflow struct {
	WorkflowID  string         `json:"workflow_id"`
	Prompt      string         `json:"prompt"`
	CreatedAt   time.Time      `json:"created_at"`
	FinalStatus WorkflowStatus `json:"final_status"`
	TotalReward float64        `json:"total_reward"`
}

// NewWorkflowID mints an opaque 128-bit workflow identifier.
func NewWorkflowID() string { return uuid.NewString() }

// NewTaskID mints an opaque 128-bit task identifier.
func NewTaskID() string { return uuid.NewString() }

// NewExperienceID mints an opaque 128-bit experience identifier.
func NewExperienceID() string { return uuid.NewString() }

// FeedbackNotes is the structured feedback persisted alongside a terminal
// task, shaped as one of four error-handling cases.
type FeedbackNotes struct {
	Status       string `json:"status"`
	Notes        string `json:"notes,omitempty"`
	Data         any    `json:"data,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Traceback    string `json:"traceback,omitempty"`
	Details      any    `json:"details,omitempty"`
	LimitSeconds int    `json:"limit_seconds,omitempty"`
	Validator    string `json:"validator,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Task is a single DAG node.
type Task struct {
	TaskID               string         `json:"task_id"`
	WorkflowID           string         `json:"workflow_id"`
	Description          string         `json:"description"`
	ExecutorType         string         `json:"executor_type"`
	Parameters           map[string]any `json:"parameters"`
	Status               TaskStatus     `json:"status"`
	Dependencies         []string       `json:"dependencies"`
	TaskOrder            int            `json:"task_order"`
	CorrectionGeneration int            `json:"correction_generation"`
	ParentTaskID         string         `json:"parent_task_id,omitempty"`
	Retries              int            `json:"retries"`
	Reward               float64        `json:"reward"`
	FeedbackNotes        *FeedbackNotes `json:"feedback_notes,omitempty"`
	ClaimToken           string         `json:"claim_token,omitempty"`
	ClaimedBy            string         `json:"claimed_by,omitempty"`
	ClaimExpiresAt       *time.Time     `json:"claim_expires_at,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	LastUpdateAt         time.Time      `json:"last_update_at"`
}

// Experience is one record per terminal task, written through a
// hash-chained append-only ledger by the store.
type Experience struct {
	ExperienceID   string    `json:"experience_id"`
	WorkflowID     string    `json:"workflow_id"`
	TaskID         string    `json:"task_id"`
	StateSnapshot  any       `json:"state_snapshot"`
	ActionSnapshot any       `json:"action_snapshot"`
	Reward         float64   `json:"reward"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// StateSnapshot captures what the oracle and evaluator saw when a task
// terminated, for the Experience record's state_snapshot field.
type StateSnapshot struct {
	Prompt             string   `json:"prompt"`
	TaskDescription    string   `json:"task_description"`
	DependencyOutcomes []string `json:"dependency_outcomes"`
	Retries            int      `json:"retries"`
}

// ActionSnapshot captures the executor_type and parameters chosen for a
// terminal task, for the Experience record's action_snapshot field.
type ActionSnapshot struct {
	ExecutorType string         `json:"executor_type"`
	Parameters   map[string]any `json:"parameters"`
}

// DispatchEnvelope is the in-flight-only message published to the fabric's
// dispatch channel.
type DispatchEnvelope struct {
	TaskID       string         `json:"task_id"`
	WorkflowID   string         `json:"workflow_id"`
	ExecutorType string         `json:"executor_type"`
	Parameters   map[string]any `json:"parameters"`
	Capabilities []string       `json:"capabilities"`
	DispatchSeq  int64          `json:"dispatch_seq"`
}

// ResultEnvelope is the in-flight-only message published to the fabric's
// results channel.
type ResultEnvelope struct {
	TaskID     string         `json:"task_id"`
	WorkflowID string         `json:"workflow_id"`
	Outcome    Outcome        `json:"outcome"`
	Data       map[string]any `json:"data,omitempty"`
	Error      *ResultError   `json:"error,omitempty"`
	ExecutorID string         `json:"executor_id"`
	DurationMs int64          `json:"duration_ms"`
}

// ResultError is the structured error carried by a failed ResultEnvelope.
type ResultError struct {
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	Context      string `json:"context,omitempty"`
}

// ProposedTask is an oracle-authored DAG node before it has a task_id,
// referencing dependencies by local index within the returned plan.
type ProposedTask struct {
	Description            string
	ExecutorType           string
	Parameters             map[string]any
	DependencyLocalIndexes []int
}

// CorrectionContext is what the Orchestrator gathers to ask the oracle for a
// correction plan.
type CorrectionContext struct {
	Prompt               string
	FailedTask           Task
	SucceededSiblings    []Task
	CorrectionGeneration int
}
