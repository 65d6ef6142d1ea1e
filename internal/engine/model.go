package engine

import (
	"encoding/json"
	"time"
)

// Status of a workflow run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	// StatusFailed is the terminal state of the error path, whether or not
	// compensations ran (the audit log shows the saga either way).
	StatusFailed Status = "failed"
	// StatusCompensated is the terminal state of a workflow that aborted
	// itself with Abort and whose compensation chain finished.
	StatusCompensated Status = "compensated"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCompensated || s == StatusCancelled
}

// WorkflowExecution is the engine-owned run record. workflow_id is the
// deterministic identity; the unique index on it is what makes Start
// idempotent across replicas.
type WorkflowExecution struct {
	WorkflowID string          `gorm:"column:workflow_id;primaryKey"`
	RunID      string          `gorm:"column:run_id;not null;index"`
	Type       string          `gorm:"column:type;not null;index"`
	TaskQueue  string          `gorm:"column:task_queue;not null"`
	Status     Status          `gorm:"column:status;not null;index"`
	Params     json.RawMessage `gorm:"column:params;type:jsonb"`
	Result     json.RawMessage `gorm:"column:result;type:jsonb"`
	Error      string          `gorm:"column:error"`
	// CorrelationID is the event_id of the trigger that started the run.
	CorrelationID string     `gorm:"column:correlation_id;index"`
	StartedAt     time.Time  `gorm:"column:started_at;not null"`
	Deadline      time.Time  `gorm:"column:deadline;not null"`
	EndedAt       *time.Time `gorm:"column:ended_at"`
	// LeaseUntil is the running worker's claim. Recovery re-dispatches
	// running rows whose lease lapsed.
	LeaseUntil      *time.Time `gorm:"column:lease_until"`
	CancelRequested bool       `gorm:"column:cancel_requested;not null;default:false"`
}

func (WorkflowExecution) TableName() string { return "workflow_executions" }

const (
	activityRunning   = "running"
	activityCompleted = "completed"
	activityFailed    = "failed"
)

// ActivityExecution memoizes one completed activity or timer within a run.
// Re-running a recovered workflow replays over these rows instead of
// re-executing side effects, which is what makes crash recovery safe on
// top of idempotent activities.
type ActivityExecution struct {
	RunID      string          `gorm:"column:run_id;primaryKey"`
	ActivityID string          `gorm:"column:activity_id;primaryKey"`
	Name       string          `gorm:"column:name;not null"`
	Status     string          `gorm:"column:status;not null"` // completed, failed
	Attempts   int             `gorm:"column:attempts;not null"`
	Input      json.RawMessage `gorm:"column:input;type:jsonb"`
	Output     json.RawMessage `gorm:"column:output;type:jsonb"`
	Error      string          `gorm:"column:error"`
	// FireAt is set for durable timers: the wall-clock moment the timer
	// elapses, preserved across restarts.
	FireAt      *time.Time `gorm:"column:fire_at"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
}

func (ActivityExecution) TableName() string { return "activity_executions" }

// ReusePolicy controls whether Start may supersede a terminal run with the
// same workflow id.
type ReusePolicy int

const (
	// ReuseReject is the default: any existing run, running or terminal,
	// rejects the start.
	ReuseReject ReusePolicy = iota

	// ReuseAllowAfterTerminal lets operators re-run a finished workflow
	// under the same identity.
	ReuseAllowAfterTerminal
)

// StartOptions is the input to Engine.Start.
type StartOptions struct {
	Type       string
	WorkflowID string
	Params     json.RawMessage
	TaskQueue  string
	// CorrelationID carries the originating event id into every failure
	// surface.
	CorrelationID string
	Reuse         ReusePolicy
	// Timeout overrides the registered workflow timeout when positive.
	Timeout time.Duration
}

// Run is the caller-visible view of a workflow execution.
type Run struct {
	WorkflowID    string          `json:"workflow_id"`
	RunID         string          `json:"run_id"`
	Type          string          `json:"type"`
	Status        Status          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
}

func runFromRecord(rec *WorkflowExecution) *Run {
	return &Run{
		WorkflowID:    rec.WorkflowID,
		RunID:         rec.RunID,
		Type:          rec.Type,
		Status:        rec.Status,
		Result:        rec.Result,
		Error:         rec.Error,
		CorrelationID: rec.CorrelationID,
		StartedAt:     rec.StartedAt,
		EndedAt:       rec.EndedAt,
	}
}
