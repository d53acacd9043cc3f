package service

import (
	"context"

	"github.com/nxtreasuryorg/treasuryflow/pkg/models"
)

type ExecutorStatus string

const (
	ExecutorSuccess          ExecutorStatus = "SUCCESS"
	ExecutorRetryableFailure ExecutorStatus = "RETRYABLE_FAILURE"
	ExecutorFatalFailure     ExecutorStatus = "FATAL_FAILURE"
)

// StageInput is what an executor sees: the original input snapshot plus the
// outputs of every completed stage.
type StageInput struct {
	WorkflowID int64
	Input      models.TreasuryInput
	Context    models.StageContext
}

// ExecutorResult is the uniform outcome of a stage executor. Output is
// committed to the workflow context only on success.
type ExecutorResult struct {
	Status ExecutorStatus
	Output interface{}
	Err    error
}

// TaskExecutor is the contract every automated stage implements. Concrete
// executors are selected by stage, not by type hierarchy.
type TaskExecutor interface {
	Execute(ctx context.Context, in StageInput) ExecutorResult
}

// ExecutorFunc adapts a plain function to the TaskExecutor interface.
type ExecutorFunc func(ctx context.Context, in StageInput) ExecutorResult

func (f ExecutorFunc) Execute(ctx context.Context, in StageInput) ExecutorResult {
	return f(ctx, in)
}
