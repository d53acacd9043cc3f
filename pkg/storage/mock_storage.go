package storage

import (
	"sync"
	"time"

	"github.com/nxtreasuryorg/treasuryflow/pkg/models"
)

// mockStore implements Store with in-memory storage. The transaction surface
// is a pass-through: Begin returns the same instance, so unit tests exercise
// the same call sequence the postgres store sees.
type mockStore struct {
	mu          sync.Mutex
	workflows   map[int64]models.Workflow
	contexts    map[int64]models.StageContext
	gates       map[string]models.Gate
	invocations []models.TaskInvocation
	executions  map[string]models.ExecutionRecord
	nextWfID    int64
	nextInvID   int64
}

// NewMockStore returns an empty in-memory store for testing.
func NewMockStore() Store {
	return &mockStore{
		workflows:  make(map[int64]models.Workflow),
		contexts:   make(map[int64]models.StageContext),
		gates:      make(map[string]models.Gate),
		executions: make(map[string]models.ExecutionRecord),
	}
}

func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveWorkflow(w models.Workflow) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextWfID++
	w.ID = m.nextWfID
	m.workflows[w.ID] = w
	m.contexts[w.ID] = make(models.StageContext)
	return w.ID, nil
}

func (m *mockStore) GetWorkflow(id int64) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return models.Workflow{}, ErrNotFound
	}
	ctx := make(models.StageContext, len(m.contexts[id]))
	for k, v := range m.contexts[id] {
		ctx[k] = v
	}
	wf.Context = ctx
	return wf, nil
}

func (m *mockStore) ListWorkflows() ([]models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		out = append(out, wf)
	}
	return out, nil
}

func (m *mockStore) ListActiveWorkflows() ([]models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Workflow
	for _, wf := range m.workflows {
		if !wf.Terminal {
			out = append(out, wf)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateWorkflowStage(id int64, stage models.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return ErrNotFound
	}
	wf.Stage = stage
	wf.Terminal = stage.Terminal()
	wf.UpdatedAt = time.Now()
	m.workflows[id] = wf
	return nil
}

func (m *mockStore) MarkWorkflowFailed(id int64, errorKind, errorMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return ErrNotFound
	}
	wf.Stage = models.StageFailed
	wf.Terminal = true
	wf.ErrorKind = errorKind
	wf.ErrorMsg = errorMsg
	wf.UpdatedAt = time.Now()
	m.workflows[id] = wf
	return nil
}

func (m *mockStore) AppendContext(workflowID int64, stage models.Stage, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, ok := m.contexts[workflowID]
	if !ok {
		return ErrNotFound
	}
	// Append-only: a stage entry is written once and never replaced.
	if _, exists := ctx[stage]; exists {
		return nil
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	ctx[stage] = cp
	return nil
}

func (m *mockStore) GetContext(workflowID int64) (models.StageContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, ok := m.contexts[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(models.StageContext, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out, nil
}

func (m *mockStore) SaveGate(g models.Gate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gates[g.ID] = g
	return nil
}

func (m *mockStore) GetGate(id string) (models.Gate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gates[id]
	if !ok {
		return models.Gate{}, ErrNotFound
	}
	return g, nil
}

func (m *mockStore) UpdateGate(g models.Gate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.gates[g.ID]
	if !ok {
		return ErrNotFound
	}
	// The check and the write share the lock, so only one resolver can move
	// the gate out of PENDING.
	if existing.Status != models.PendingGateStatus {
		return ErrGateNotPending
	}
	m.gates[g.ID] = g
	return nil
}

func (m *mockStore) GetPendingGate(workflowID int64) (models.Gate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.gates {
		if g.WorkflowID == workflowID && g.Status == models.PendingGateStatus {
			return g, nil
		}
	}
	return models.Gate{}, ErrNotFound
}

func (m *mockStore) GetLatestGate(workflowID int64, kind models.GateKind) (models.Gate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest models.Gate
	found := false
	for _, g := range m.gates {
		if g.WorkflowID != workflowID || g.Kind != kind {
			continue
		}
		if !found || g.OpenedAt.After(latest.OpenedAt) {
			latest = g
			found = true
		}
	}
	if !found {
		return models.Gate{}, ErrNotFound
	}
	return latest, nil
}

func (m *mockStore) ListGatesDue(now time.Time) ([]models.Gate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Gate
	for _, g := range m.gates {
		if g.Status == models.PendingGateStatus && !now.Before(g.Deadline) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *mockStore) SaveInvocation(inv models.TaskInvocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextInvID++
	inv.ID = m.nextInvID
	m.invocations = append(m.invocations, inv)
	return nil
}

func (m *mockStore) ListInvocations(workflowID int64) ([]models.TaskInvocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TaskInvocation
	for _, inv := range m.invocations {
		if inv.WorkflowID == workflowID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (m *mockStore) SaveExecutionRecord(rec models.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.executions[rec.IdempotencyKey]; ok && existing.Status == "CONFIRMED" {
		// At most one confirmed record per key.
		return nil
	}
	m.executions[rec.IdempotencyKey] = rec
	return nil
}

func (m *mockStore) GetExecutionRecord(idempotencyKey string) (models.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.executions[idempotencyKey]
	if !ok {
		return models.ExecutionRecord{}, ErrNotFound
	}
	return rec, nil
}
