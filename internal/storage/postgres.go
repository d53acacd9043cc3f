package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/nxtreasuryorg/treasuryflow/pkg/models"
	"github.com/nxtreasuryorg/treasuryflow/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Queryx(query string, args ...interface{}) (*sqlx.Rows, error)
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveWorkflow creates a new workflow and returns its ID
func (s *PostgresStore) SaveWorkflow(w models.Workflow) (int64, error) {
	var wfID int64
	err := s.db.QueryRowx(
		"INSERT INTO workflows (stage, terminal, error_kind, error_msg, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id",
		w.Stage, w.Terminal, w.ErrorKind, w.ErrorMsg, w.CreatedAt, w.UpdatedAt).Scan(&wfID)
	if err != nil {
		return 0, fmt.Errorf("save workflow: %w", err)
	}
	return wfID, nil
}

// GetWorkflow retrieves a workflow by ID, including its context entries
func (s *PostgresStore) GetWorkflow(id int64) (models.Workflow, error) {
	var wf models.Workflow
	err := s.db.Get(&wf, "SELECT id, stage, terminal, error_kind, error_msg, created_at, updated_at FROM workflows WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, err
	}
	ctx, err := s.GetContext(id)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("get workflow %d context: %w", id, err)
	}
	wf.Context = ctx
	return wf, nil
}

func (s *PostgresStore) ListWorkflows() ([]models.Workflow, error) {
	workflows := []models.Workflow{}
	query := "SELECT id, stage, terminal, error_kind, error_msg, created_at, updated_at FROM workflows ORDER BY created_at DESC"
	if err := s.db.Select(&workflows, query); err != nil {
		return nil, err
	}
	return workflows, nil
}

func (s *PostgresStore) ListActiveWorkflows() ([]models.Workflow, error) {
	workflows := []models.Workflow{}
	query := "SELECT id, stage, terminal, error_kind, error_msg, created_at, updated_at FROM workflows WHERE terminal = FALSE ORDER BY id"
	if err := s.db.Select(&workflows, query); err != nil {
		return nil, err
	}
	return workflows, nil
}

// UpdateWorkflowStage moves a workflow to the given stage
func (s *PostgresStore) UpdateWorkflowStage(id int64, stage models.Stage) error {
	_, err := s.db.Exec("UPDATE workflows SET stage = $1, terminal = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3",
		stage, stage.Terminal(), id)
	return err
}

func (s *PostgresStore) MarkWorkflowFailed(id int64, errorKind, errorMsg string) error {
	_, err := s.db.Exec(
		"UPDATE workflows SET stage = $1, terminal = TRUE, error_kind = $2, error_msg = $3, updated_at = CURRENT_TIMESTAMP WHERE id = $4",
		models.StageFailed, errorKind, errorMsg, id)
	return err
}

// AppendContext writes the output of a completed stage. Conflicts are ignored
// so replays after a crash never overwrite a committed entry.
func (s *PostgresStore) AppendContext(workflowID int64, stage models.Stage, payload []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_context (workflow_id, stage, payload, created_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
		ON CONFLICT (workflow_id, stage) DO NOTHING`,
		workflowID, stage, payload)
	return err
}

func (s *PostgresStore) GetContext(workflowID int64) (models.StageContext, error) {
	rows, err := s.db.Queryx("SELECT stage, payload FROM workflow_context WHERE workflow_id = $1", workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ctx := make(models.StageContext)
	for rows.Next() {
		var stage models.Stage
		var payload []byte
		if err := rows.Scan(&stage, &payload); err != nil {
			return nil, err
		}
		ctx[stage] = payload
	}
	return ctx, rows.Err()
}

func (s *PostgresStore) SaveGate(g models.Gate) error {
	_, err := s.db.Exec(`
		INSERT INTO gates (id, workflow_id, kind, status, payload, opened_at, deadline, escalated, resolved_at, resolved_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		g.ID, g.WorkflowID, g.Kind, g.Status, []byte(g.Payload), g.OpenedAt, g.Deadline, g.Escalated, g.ResolvedAt, g.ResolvedBy)
	return err
}

func (s *PostgresStore) GetGate(id string) (models.Gate, error) {
	var g models.Gate
	err := s.db.Get(&g, "SELECT * FROM gates WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Gate{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Gate{}, err
	}
	return g, nil
}

// UpdateGate writes a gate still in the PENDING state. The status guard in the
// WHERE clause means a concurrent resolver or sweeper that lost the race gets
// ErrGateNotPending instead of silently resurrecting a resolved gate.
func (s *PostgresStore) UpdateGate(g models.Gate) error {
	res, err := s.db.Exec(`
		UPDATE gates SET status = $1, deadline = $2, escalated = $3, resolved_at = $4, resolved_by = $5
		WHERE id = $6 AND status = $7`,
		g.Status, g.Deadline, g.Escalated, g.ResolvedAt, g.ResolvedBy, g.ID, models.PendingGateStatus)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrGateNotPending
	}
	return nil
}

func (s *PostgresStore) GetPendingGate(workflowID int64) (models.Gate, error) {
	var g models.Gate
	err := s.db.Get(&g, "SELECT * FROM gates WHERE workflow_id = $1 AND status = $2 ORDER BY opened_at DESC LIMIT 1",
		workflowID, models.PendingGateStatus)
	if err == sql.ErrNoRows {
		return models.Gate{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Gate{}, err
	}
	return g, nil
}

func (s *PostgresStore) GetLatestGate(workflowID int64, kind models.GateKind) (models.Gate, error) {
	var g models.Gate
	err := s.db.Get(&g, "SELECT * FROM gates WHERE workflow_id = $1 AND kind = $2 ORDER BY opened_at DESC LIMIT 1",
		workflowID, kind)
	if err == sql.ErrNoRows {
		return models.Gate{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Gate{}, err
	}
	return g, nil
}

func (s *PostgresStore) ListGatesDue(now time.Time) ([]models.Gate, error) {
	gates := []models.Gate{}
	err := s.db.Select(&gates, "SELECT * FROM gates WHERE status = $1 AND deadline <= $2",
		models.PendingGateStatus, now)
	if err != nil {
		return nil, err
	}
	return gates, nil
}

func (s *PostgresStore) SaveInvocation(inv models.TaskInvocation) error {
	_, err := s.db.Exec(`
		INSERT INTO task_invocations (workflow_id, stage, attempt, outcome, error_msg, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inv.WorkflowID, inv.Stage, inv.Attempt, inv.Outcome, inv.ErrorMsg, inv.StartedAt, inv.FinishedAt)
	return err
}

func (s *PostgresStore) ListInvocations(workflowID int64) ([]models.TaskInvocation, error) {
	invocations := []models.TaskInvocation{}
	err := s.db.Select(&invocations, "SELECT * FROM task_invocations WHERE workflow_id = $1 ORDER BY id", workflowID)
	if err != nil {
		return nil, err
	}
	return invocations, nil
}

// SaveExecutionRecord records an adapter outcome. A confirmed record is never
// downgraded; the insert keeps the first confirmation.
func (s *PostgresStore) SaveExecutionRecord(rec models.ExecutionRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO executions (idempotency_key, workflow_id, status, confirmation_ref, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = EXCLUDED.status, confirmation_ref = EXCLUDED.confirmation_ref
		WHERE executions.status <> 'CONFIRMED'`,
		rec.IdempotencyKey, rec.WorkflowID, rec.Status, rec.ConfirmationRef, rec.CreatedAt)
	return err
}

func (s *PostgresStore) GetExecutionRecord(idempotencyKey string) (models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	err := s.db.Get(&rec, "SELECT * FROM executions WHERE idempotency_key = $1", idempotencyKey)
	if err == sql.ErrNoRows {
		return models.ExecutionRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return models.ExecutionRecord{}, err
	}
	return rec, nil
}
