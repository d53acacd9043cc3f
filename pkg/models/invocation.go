package models

import "time"

type InvocationOutcome string

const (
	SuccessOutcome          InvocationOutcome = "SUCCESS"
	RetryableFailureOutcome InvocationOutcome = "RETRYABLE_FAILURE"
	FatalFailureOutcome     InvocationOutcome = "FATAL_FAILURE"
)

// TaskInvocation is one attempt of a stage executor, kept as an audit trail.
type TaskInvocation struct {
	ID         int64             `json:"id" db:"id"`
	WorkflowID int64             `json:"workflow_id" db:"workflow_id"`
	Stage      Stage             `json:"stage" db:"stage"`
	Attempt    int               `json:"attempt" db:"attempt"`
	Outcome    InvocationOutcome `json:"outcome" db:"outcome"`
	ErrorMsg   string            `json:"error,omitempty" db:"error_msg"`
	StartedAt  time.Time         `json:"started_at" db:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty" db:"finished_at"`
}

// ExecutionRecord is the persisted outcome of an irreversible adapter call,
// keyed by idempotency key. At most one CONFIRMED record exists per key.
type ExecutionRecord struct {
	IdempotencyKey  string    `json:"idempotency_key" db:"idempotency_key"`
	WorkflowID      int64     `json:"workflow_id" db:"workflow_id"`
	Status          string    `json:"status" db:"status"`
	ConfirmationRef string    `json:"confirmation_ref,omitempty" db:"confirmation_ref"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
