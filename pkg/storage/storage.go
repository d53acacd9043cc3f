package storage

import (
	"time"

	"github.com/nxtreasuryorg/treasuryflow/pkg/models"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrGateNotPending is returned by UpdateGate when the gate has already left
// the PENDING state. It is the storage-level guard that makes the
// pending -> resolved transition happen exactly once under concurrent writers.
var ErrGateNotPending = errors.New("gate is not pending")

// Store defines the storage operations for TreasuryFlow. Begin returns a
// transaction-scoped Store; Commit/Rollback are valid only on that value.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Workflow operations
	SaveWorkflow(w models.Workflow) (int64, error)
	GetWorkflow(id int64) (models.Workflow, error)
	ListWorkflows() ([]models.Workflow, error)
	ListActiveWorkflows() ([]models.Workflow, error)
	UpdateWorkflowStage(id int64, stage models.Stage) error
	MarkWorkflowFailed(id int64, errorKind, errorMsg string) error

	// Context operations; entries are append-only, one per completed stage
	AppendContext(workflowID int64, stage models.Stage, payload []byte) error
	GetContext(workflowID int64) (models.StageContext, error)

	// Gate operations. UpdateGate writes only gates still PENDING and returns
	// ErrGateNotPending otherwise; every legal update leaves from that state.
	SaveGate(g models.Gate) error
	GetGate(id string) (models.Gate, error)
	UpdateGate(g models.Gate) error
	GetPendingGate(workflowID int64) (models.Gate, error)
	GetLatestGate(workflowID int64, kind models.GateKind) (models.Gate, error)
	ListGatesDue(now time.Time) ([]models.Gate, error)

	// Attempt log
	SaveInvocation(inv models.TaskInvocation) error
	ListInvocations(workflowID int64) ([]models.TaskInvocation, error)

	// Adapter idempotency records
	SaveExecutionRecord(rec models.ExecutionRecord) error
	GetExecutionRecord(idempotencyKey string) (models.ExecutionRecord, error)
}
