package service

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"time"

	"github.com/nxtreasuryorg/treasuryflow/pkg/models"
	"github.com/nxtreasuryorg/treasuryflow/pkg/storage"
	"github.com/pkg/errors"
)

// Status is the observability view of a workflow.
type Status struct {
	WorkflowID  int64        `json:"workflow_id"`
	Stage       models.Stage `json:"stage"`
	Terminal    bool         `json:"terminal"`
	ErrorKind   string       `json:"error_kind,omitempty"`
	ErrorMsg    string       `json:"error_msg,omitempty"`
	PendingGate *models.Gate `json:"pending_gate,omitempty"`
}

// Scheduler is the workflow registry: it creates instances, dispatches
// triggering events (submission, decision, timer fire) to a bounded worker
// pool, serializes transitions per workflow and sweeps gate deadlines with
// one central timer instead of per-instance goroutines.
type Scheduler struct {
	store    storage.Store
	machine  *Machine
	gates    *GateService
	notifier Notifier
	cfg      Config
	logger   Logger

	events chan int64
	locks  sync.Map // workflowID -> *sync.Mutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(store storage.Store, machine *Machine, gates *GateService, notifier Notifier, cfg Config, logger Logger) *Scheduler {
	s := &Scheduler{
		store:    store,
		machine:  machine,
		gates:    gates,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		events:   make(chan int64, 256),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start launches the worker pool and the deadline sweeper, then recovers all
// non-terminal workflows by replaying from their last committed stage.
// Idempotency records make re-driving adapter calls safe.
func (s *Scheduler) Start(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.sweeper()

	active, err := s.store.ListActiveWorkflows()
	if err != nil {
		return errors.Wrap(err, "list active workflows for recovery")
	}
	for _, wf := range active {
		s.logger.Infof("Recovering workflow %d from stage %s", wf.ID, wf.Stage)
		s.enqueue(wf.ID)
	}
	return nil
}

// Stop drains the pool. In-flight transitions finish; queued events are
// dropped and will be recovered from storage on the next Start.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) enqueue(workflowID int64) {
	select {
	case s.events <- workflowID:
	case <-s.ctx.Done():
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case id := <-s.events:
			s.process(id)
		}
	}
}

// process drives one workflow under its per-ID mutex: no two transitions for
// the same workflow are ever in flight simultaneously.
func (s *Scheduler) process(workflowID int64) {
	mu := s.lockFor(workflowID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.machine.Advance(s.ctx, workflowID); err != nil {
		// Persistence failures must be redelivered, not dropped.
		s.logger.Errorf("Advance failed for workflow %d, redelivering: %v", workflowID, err)
		time.AfterFunc(s.cfg.SweepInterval, func() { s.enqueue(workflowID) })
	}
}

func (s *Scheduler) lockFor(workflowID int64) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(workflowID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// sweeper is the central gate timer. One ticker checks all due deadlines,
// bounding resource usage regardless of how many approvals are pending.
func (s *Scheduler) sweeper() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.sweepOnce(now)
		}
	}
}

func (s *Scheduler) sweepOnce(now time.Time) {
	due, err := s.store.ListGatesDue(now)
	if err != nil {
		s.logger.Errorf("Failed to list due gates: %v", err)
		return
	}
	for _, g := range due {
		_, action, err := s.gates.CheckExpiry(g.ID, now)
		if err != nil {
			s.logger.Errorf("Failed to check expiry of gate %s: %v", g.ID, err)
			continue
		}
		if action == ExpiryExpired {
			s.enqueue(g.WorkflowID)
		}
	}
}

// Submit validates and ingests a normalized input record, creating the
// workflow with its input snapshot as the first context entry.
func (s *Scheduler) Submit(input models.TreasuryInput) (id int64, err error) {
	if verr := input.Validate(); verr != nil {
		return 0, errors.Wrap(ErrInvalidInput, verr.Error())
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	now := time.Now()
	wf := models.Workflow{
		Stage:     models.StageIngested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	id, err = txStore.SaveWorkflow(wf)
	if err != nil {
		return 0, errors.Wrap(err, "save workflow")
	}
	snapshot, err := json.Marshal(input)
	if err != nil {
		return 0, errors.Wrap(err, "marshal input snapshot")
	}
	if err = txStore.AppendContext(id, models.StageIngested, snapshot); err != nil {
		return 0, errors.Wrap(err, "append input snapshot")
	}

	s.logger.Infof("Created workflow %d", id)
	s.enqueue(id)
	return id, nil
}

// Decision applies an asynchronous human decision to a gate and wakes the
// owning workflow. Duplicate or late decisions return ErrGateAlreadyResolved
// without altering state.
func (s *Scheduler) Decision(gateID string, decision models.GateDecision, actor string) error {
	gate, err := s.gates.Resolve(gateID, decision, actor, time.Now())
	if err != nil {
		return err
	}
	s.enqueue(gate.WorkflowID)
	return nil
}

// Cancel terminates a workflow that is neither terminal nor mid irreversible
// execution. A workflow with a transition in flight is refused rather than
// interrupted; callers may retry once the execution resolves.
func (s *Scheduler) Cancel(workflowID int64) error {
	wf, err := s.store.GetWorkflow(workflowID)
	if err != nil {
		return err
	}
	if wf.Terminal {
		return errors.Wrapf(ErrCancelRefused, "workflow %d is terminal", workflowID)
	}
	if s.machine.Executing(workflowID) {
		return errors.Wrapf(ErrCancelRefused, "workflow %d has an execution in flight", workflowID)
	}

	mu := s.lockFor(workflowID)
	if !mu.TryLock() {
		return errors.Wrapf(ErrCancelRefused, "workflow %d has a transition in flight", workflowID)
	}
	defer mu.Unlock()

	wf, err = s.store.GetWorkflow(workflowID)
	if err != nil {
		return err
	}
	if wf.Terminal {
		return errors.Wrapf(ErrCancelRefused, "workflow %d is terminal", workflowID)
	}
	if err := s.store.MarkWorkflowFailed(workflowID, KindCancelled, "cancelled by operator"); err != nil {
		return errors.Wrapf(err, "cancel workflow %d", workflowID)
	}
	s.notifier.Notify(WorkflowFailedEvent, s.cfg.PrimaryReviewers, map[string]interface{}{
		"workflow_id": workflowID,
		"error_kind":  KindCancelled,
	})
	s.logger.Infof("Cancelled workflow %d", workflowID)
	return nil
}

// GetStatus returns the stage, terminality and pending gate of a workflow.
func (s *Scheduler) GetStatus(workflowID int64) (Status, error) {
	wf, err := s.store.GetWorkflow(workflowID)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		WorkflowID: wf.ID,
		Stage:      wf.Stage,
		Terminal:   wf.Terminal,
		ErrorKind:  wf.ErrorKind,
		ErrorMsg:   wf.ErrorMsg,
	}
	gate, err := s.store.GetPendingGate(workflowID)
	if err == nil {
		st.PendingGate = &gate
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Status{}, err
	}
	return st, nil
}

// GetWorkflow fetches a workflow with its context entries.
func (s *Scheduler) GetWorkflow(workflowID int64) (models.Workflow, error) {
	return s.store.GetWorkflow(workflowID)
}

// ListWorkflows lists all workflows.
func (s *Scheduler) ListWorkflows() ([]models.Workflow, error) {
	return s.store.ListWorkflows()
}

// ListInvocations returns the attempt log of a workflow.
func (s *Scheduler) ListInvocations(workflowID int64) ([]models.TaskInvocation, error) {
	return s.store.ListInvocations(workflowID)
}
