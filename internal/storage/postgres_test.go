package storage_test

import (
	"encoding/json"
	"testing"
	"time"

	internal_storage "github.com/nxtreasuryorg/treasuryflow/internal/storage"
	"github.com/nxtreasuryorg/treasuryflow/internal/testutil"
	"github.com/nxtreasuryorg/treasuryflow/pkg/models"
	"github.com/nxtreasuryorg/treasuryflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func saveTestWorkflow(t *testing.T, store storage.Store) int64 {
	t.Helper()
	now := time.Now()
	id, err := store.SaveWorkflow(models.Workflow{Stage: models.StageIngested, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	return id
}

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	store, err := internal_storage.InitStore(testDB.ConnStr)
	require.NoError(t, err)
	defer store.Close()

	t.Run("WorkflowLifecycle", func(t *testing.T) {
		id := saveTestWorkflow(t, store)

		wf, err := store.GetWorkflow(id)
		require.NoError(t, err)
		assert.Equal(t, models.StageIngested, wf.Stage)
		assert.False(t, wf.Terminal)
		assert.Empty(t, wf.Context)

		require.NoError(t, store.UpdateWorkflowStage(id, models.StageRiskAssessed))
		wf, err = store.GetWorkflow(id)
		require.NoError(t, err)
		assert.Equal(t, models.StageRiskAssessed, wf.Stage)
		assert.False(t, wf.Terminal)

		// Moving to a terminal stage flips the terminal flag.
		require.NoError(t, store.UpdateWorkflowStage(id, models.StageCompleted))
		wf, err = store.GetWorkflow(id)
		require.NoError(t, err)
		assert.True(t, wf.Terminal)

		_, err = store.GetWorkflow(999999)
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("MarkWorkflowFailed", func(t *testing.T) {
		id := saveTestWorkflow(t, store)
		require.NoError(t, store.MarkWorkflowFailed(id, "ExecutorFatalFailure", "boom"))

		wf, err := store.GetWorkflow(id)
		require.NoError(t, err)
		assert.Equal(t, models.StageFailed, wf.Stage)
		assert.True(t, wf.Terminal)
		assert.Equal(t, "ExecutorFatalFailure", wf.ErrorKind)
		assert.Equal(t, "boom", wf.ErrorMsg)
	})

	t.Run("ListActiveWorkflows", func(t *testing.T) {
		activeID := saveTestWorkflow(t, store)
		doneID := saveTestWorkflow(t, store)
		require.NoError(t, store.UpdateWorkflowStage(doneID, models.StageCompleted))

		active, err := store.ListActiveWorkflows()
		require.NoError(t, err)
		ids := make(map[int64]bool)
		for _, wf := range active {
			assert.False(t, wf.Terminal)
			ids[wf.ID] = true
		}
		assert.True(t, ids[activeID])
		assert.False(t, ids[doneID])
	})

	t.Run("ContextIsAppendOnly", func(t *testing.T) {
		id := saveTestWorkflow(t, store)
		first := []byte(`{"score":1.5}`)
		second := []byte(`{"score":9.9}`)
		require.NoError(t, store.AppendContext(id, models.StageRiskAssessed, first))
		// A replay after a crash must not overwrite the committed entry.
		require.NoError(t, store.AppendContext(id, models.StageRiskAssessed, second))

		ctx, err := store.GetContext(id)
		require.NoError(t, err)
		assert.JSONEq(t, string(first), string(ctx[models.StageRiskAssessed]))

		wf, err := store.GetWorkflow(id)
		require.NoError(t, err)
		var report models.RiskReport
		ok, err := wf.Context.Decode(models.StageRiskAssessed, &report)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1.5, report.Score)
	})

	t.Run("GateLifecycle", func(t *testing.T) {
		id := saveTestWorkflow(t, store)
		payload, _ := json.Marshal(map[string]string{"proposal": "p-1"})
		gate := models.Gate{
			ID:         "11111111-1111-1111-1111-111111111111",
			WorkflowID: id,
			Kind:       models.PaymentGate,
			Status:     models.PendingGateStatus,
			Payload:    payload,
			OpenedAt:   time.Now(),
			Deadline:   time.Now().Add(time.Hour),
		}
		require.NoError(t, store.SaveGate(gate))

		got, err := store.GetGate(gate.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PendingGateStatus, got.Status)
		assert.Equal(t, id, got.WorkflowID)
		assert.JSONEq(t, string(payload), string(got.Payload))

		pending, err := store.GetPendingGate(id)
		require.NoError(t, err)
		assert.Equal(t, gate.ID, pending.ID)

		now := time.Now()
		got.Status = models.ApprovedGateStatus
		got.ResolvedAt = &now
		got.ResolvedBy = "alice"
		require.NoError(t, store.UpdateGate(got))

		got, err = store.GetGate(gate.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ApprovedGateStatus, got.Status)
		assert.Equal(t, "alice", got.ResolvedBy)
		require.NotNil(t, got.ResolvedAt)

		// Resolved gates refuse further writes; a racing sweeper or second
		// decision must not resurrect them.
		got.Status = models.ExpiredGateStatus
		got.ResolvedAt = nil
		err = store.UpdateGate(got)
		assert.True(t, errors.Is(err, storage.ErrGateNotPending))
		got, err = store.GetGate(gate.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ApprovedGateStatus, got.Status)
		require.NotNil(t, got.ResolvedAt)

		_, err = store.GetPendingGate(id)
		assert.True(t, errors.Is(err, storage.ErrNotFound))

		latest, err := store.GetLatestGate(id, models.PaymentGate)
		require.NoError(t, err)
		assert.Equal(t, gate.ID, latest.ID)

		_, err = store.GetLatestGate(id, models.InvestmentGate)
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("ListGatesDue", func(t *testing.T) {
		id := saveTestWorkflow(t, store)
		overdue := models.Gate{
			ID:         "22222222-2222-2222-2222-222222222222",
			WorkflowID: id,
			Kind:       models.PaymentGate,
			Status:     models.PendingGateStatus,
			Payload:    []byte(`{}`),
			OpenedAt:   time.Now().Add(-2 * time.Hour),
			Deadline:   time.Now().Add(-time.Hour),
		}
		fresh := models.Gate{
			ID:         "33333333-3333-3333-3333-333333333333",
			WorkflowID: id,
			Kind:       models.InvestmentGate,
			Status:     models.PendingGateStatus,
			Payload:    []byte(`{}`),
			OpenedAt:   time.Now(),
			Deadline:   time.Now().Add(time.Hour),
		}
		require.NoError(t, store.SaveGate(overdue))
		require.NoError(t, store.SaveGate(fresh))

		due, err := store.ListGatesDue(time.Now())
		require.NoError(t, err)
		ids := make(map[string]bool)
		for _, g := range due {
			ids[g.ID] = true
		}
		assert.True(t, ids[overdue.ID])
		assert.False(t, ids[fresh.ID])
	})

	t.Run("Invocations", func(t *testing.T) {
		id := saveTestWorkflow(t, store)
		finished := time.Now()
		for attempt := 1; attempt <= 2; attempt++ {
			require.NoError(t, store.SaveInvocation(models.TaskInvocation{
				WorkflowID: id,
				Stage:      models.StageRiskAssessed,
				Attempt:    attempt,
				Outcome:    models.RetryableFailureOutcome,
				ErrorMsg:   "provider unavailable",
				StartedAt:  finished.Add(-time.Second),
				FinishedAt: &finished,
			}))
		}

		invocations, err := store.ListInvocations(id)
		require.NoError(t, err)
		require.Len(t, invocations, 2)
		assert.Equal(t, 1, invocations[0].Attempt)
		assert.Equal(t, 2, invocations[1].Attempt)
		assert.Equal(t, models.RetryableFailureOutcome, invocations[0].Outcome)
	})

	t.Run("ExecutionRecordNeverDowngraded", func(t *testing.T) {
		id := saveTestWorkflow(t, store)
		key := "exec-test:payment"
		require.NoError(t, store.SaveExecutionRecord(models.ExecutionRecord{
			IdempotencyKey:  key,
			WorkflowID:      id,
			Status:          "CONFIRMED",
			ConfirmationRef: "REF-1",
			CreatedAt:       time.Now(),
		}))
		// A later write must not replace the first confirmation.
		require.NoError(t, store.SaveExecutionRecord(models.ExecutionRecord{
			IdempotencyKey:  key,
			WorkflowID:      id,
			Status:          "FAILED",
			ConfirmationRef: "REF-2",
			CreatedAt:       time.Now(),
		}))

		rec, err := store.GetExecutionRecord(key)
		require.NoError(t, err)
		assert.Equal(t, "CONFIRMED", rec.Status)
		assert.Equal(t, "REF-1", rec.ConfirmationRef)

		_, err = store.GetExecutionRecord("missing-key")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("TransactionRollback", func(t *testing.T) {
		tx, err := store.Begin()
		require.NoError(t, err)
		id, err := tx.SaveWorkflow(models.Workflow{Stage: models.StageIngested, CreatedAt: time.Now(), UpdatedAt: time.Now()})
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())

		_, err = store.GetWorkflow(id)
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("TransactionCommit", func(t *testing.T) {
		tx, err := store.Begin()
		require.NoError(t, err)
		id, err := tx.SaveWorkflow(models.Workflow{Stage: models.StageIngested, CreatedAt: time.Now(), UpdatedAt: time.Now()})
		require.NoError(t, err)
		require.NoError(t, tx.AppendContext(id, models.StageIngested, []byte(`{"balance":100}`)))
		require.NoError(t, tx.Commit())

		wf, err := store.GetWorkflow(id)
		require.NoError(t, err)
		assert.Contains(t, wf.Context, models.StageIngested)
	})
}
