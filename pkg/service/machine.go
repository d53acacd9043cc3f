package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nxtreasuryorg/treasuryflow/pkg/models"
	"github.com/nxtreasuryorg/treasuryflow/pkg/storage"
	"github.com/pkg/errors"
)

// Executor names; concrete stage logic is selected by name, not by type.
const (
	RiskExecutorName       = "risk"
	ProposalExecutorName   = "proposal"
	InvestmentExecutorName = "investment"
)

// stepFn runs one transition. It returns true when the machine should keep
// advancing, false when the workflow is waiting on an external event or has
// reached a terminal stage.
type stepFn func(ctx context.Context, wf *models.Workflow) (bool, error)

// Machine drives a single workflow through the treasury pipeline. All
// branching rules live in its transition table; each transition is persisted
// before the next stage starts.
type Machine struct {
	store     storage.Store
	gates     *GateService
	notifier  Notifier
	cfg       Config
	logger    Logger
	executors map[string]TaskExecutor
	adapter   ExecutionAdapter
	steps     map[models.Stage]stepFn

	executing sync.Map // workflowID -> struct{}, set during adapter calls
	mu        sync.RWMutex
}

func NewMachine(store storage.Store, gates *GateService, adapter ExecutionAdapter, notifier Notifier, cfg Config, logger Logger) *Machine {
	m := &Machine{
		store:     store,
		gates:     gates,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		executors: make(map[string]TaskExecutor),
		adapter:   adapter,
	}
	m.steps = map[models.Stage]stepFn{
		models.StageIngested:                   m.stepRisk,
		models.StageRiskAssessed:               m.stepProposal,
		models.StageProposalReady:              m.stepOpenPaymentGate,
		models.StageAwaitingPaymentApproval:    m.stepPaymentGateResolution,
		models.StagePaymentExecuted:            m.stepInvestmentBranch,
		models.StageInvestmentPlanned:          m.stepOpenInvestmentGate,
		models.StageAwaitingInvestmentApproval: m.stepInvestmentGateResolution,
		models.StageInvestmentExecuted:         m.stepComplete,
	}
	return m
}

// RegisterExecutor binds a task executor to a stage name.
func (m *Machine) RegisterExecutor(name string, exec TaskExecutor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[name] = exec
	m.logger.Infof("Registered executor '%s'", name)
}

func (m *Machine) executor(name string) (TaskExecutor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executors[name]
	if !ok {
		return nil, errors.Errorf("executor '%s' is not registered", name)
	}
	return exec, nil
}

// Executing reports whether an irreversible adapter call is in flight for the
// workflow. Cancellation is refused while this holds.
func (m *Machine) Executing(workflowID int64) bool {
	_, ok := m.executing.Load(workflowID)
	return ok
}

// Advance drives the workflow from its current stage until it reaches a wait
// point (pending gate) or a terminal stage. Store failures and context
// cancellation abort the current transition and are returned to the caller for
// event redelivery; the last committed stage stays intact. Only stage failures
// with a recorded error kind are terminal.
func (m *Machine) Advance(ctx context.Context, workflowID int64) (models.Workflow, error) {
	for {
		wf, err := m.store.GetWorkflow(workflowID)
		if err != nil {
			return models.Workflow{}, errors.Wrapf(err, "load workflow %d", workflowID)
		}
		if wf.Terminal {
			return wf, nil
		}
		step, ok := m.steps[wf.Stage]
		if !ok {
			return wf, errors.Errorf("no transition defined from stage %s", wf.Stage)
		}
		cont, err := step(ctx, &wf)
		if err != nil {
			return wf, err
		}
		if !cont {
			return m.store.GetWorkflow(workflowID)
		}
	}
}

// stageInput assembles the executor view of a workflow.
func (m *Machine) stageInput(wf *models.Workflow) (StageInput, error) {
	var input models.TreasuryInput
	ok, err := wf.Context.Decode(models.StageIngested, &input)
	if err != nil {
		return StageInput{}, errors.Wrap(err, "decode input snapshot")
	}
	if !ok {
		return StageInput{}, errors.Errorf("workflow %d has no input snapshot", wf.ID)
	}
	return StageInput{WorkflowID: wf.ID, Input: input, Context: wf.Context}, nil
}

// commitTransition appends the stage output and moves the workflow forward in
// one transaction. Every stage transition is durable before the next starts.
func (m *Machine) commitTransition(wf *models.Workflow, next models.Stage, output interface{}) (err error) {
	txStore, err := m.store.Begin()
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				m.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			m.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	if output != nil {
		raw, merr := json.Marshal(output)
		if merr != nil {
			return errors.Wrap(merr, "marshal stage output")
		}
		if err = txStore.AppendContext(wf.ID, next, raw); err != nil {
			return errors.Wrapf(err, "append context for stage %s", next)
		}
	}
	if err = txStore.UpdateWorkflowStage(wf.ID, next); err != nil {
		return errors.Wrapf(err, "update workflow %d stage to %s", wf.ID, next)
	}
	m.logger.Infof("Workflow %d: %s -> %s", wf.ID, wf.Stage, next)
	return nil
}

// stepFailure routes a step error. Errors without a kind (cancellation during
// shutdown, store failures) are propagated so the event is redelivered and the
// workflow stays recoverable; everything else is a durable FAILED.
func (m *Machine) stepFailure(wf *models.Workflow, kind string, cause error) error {
	if kind == "" {
		return cause
	}
	return m.fail(wf, kind, cause)
}

// fail moves the workflow to FAILED with the last error recorded.
func (m *Machine) fail(wf *models.Workflow, kind string, cause error) error {
	if err := m.store.MarkWorkflowFailed(wf.ID, kind, cause.Error()); err != nil {
		return errors.Wrapf(err, "mark workflow %d failed", wf.ID)
	}
	m.notifier.Notify(WorkflowFailedEvent, m.cfg.PrimaryReviewers, map[string]interface{}{
		"workflow_id": wf.ID,
		"error_kind":  kind,
		"error":       cause.Error(),
	})
	m.logger.Errorf("Workflow %d failed (%s): %v", wf.ID, kind, cause)
	return nil
}

// runExecutor invokes a task executor with bounded retries and exponential
// backoff, recording every attempt. Fatal failures short-circuit.
func (m *Machine) runExecutor(ctx context.Context, wf *models.Workflow, name string, producedStage models.Stage) (interface{}, string, error) {
	exec, err := m.executor(name)
	if err != nil {
		return nil, KindExecutorFatal, err
	}
	in, err := m.stageInput(wf)
	if err != nil {
		return nil, KindExecutorFatal, err
	}

	backoff := m.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		started := time.Now()
		res := exec.Execute(ctx, in)
		finished := time.Now()

		inv := models.TaskInvocation{
			WorkflowID: wf.ID,
			Stage:      producedStage,
			Attempt:    attempt,
			StartedAt:  started,
			FinishedAt: &finished,
		}
		switch res.Status {
		case ExecutorSuccess:
			inv.Outcome = models.SuccessOutcome
		case ExecutorRetryableFailure:
			inv.Outcome = models.RetryableFailureOutcome
		default:
			inv.Outcome = models.FatalFailureOutcome
		}
		if res.Err != nil {
			inv.ErrorMsg = res.Err.Error()
		}
		if err := m.store.SaveInvocation(inv); err != nil {
			m.logger.Errorf("Failed to record invocation for workflow %d stage %s: %v", wf.ID, producedStage, err)
		}

		switch res.Status {
		case ExecutorSuccess:
			return res.Output, "", nil
		case ExecutorFatalFailure:
			if res.Err == nil {
				res.Err = errors.Errorf("executor '%s' reported fatal failure", name)
			}
			return nil, KindExecutorFatal, res.Err
		case ExecutorRetryableFailure:
			lastErr = res.Err
			if lastErr == nil {
				lastErr = errors.Errorf("executor '%s' reported retryable failure", name)
			}
			if attempt == m.cfg.MaxAttempts {
				break
			}
			m.logger.Infof("Retrying executor '%s' for workflow %d (attempt %d/%d): %v", name, wf.ID, attempt, m.cfg.MaxAttempts, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, "", ctx.Err()
			}
			backoff *= 2
			if backoff > m.cfg.RetryBackoffCap {
				backoff = m.cfg.RetryBackoffCap
			}
		}
	}
	return nil, KindExecutorRetryable, errors.Wrapf(lastErr, "executor '%s' exhausted %d attempts", name, m.cfg.MaxAttempts)
}

// runAdapter commits an irreversible action at most once. A previously
// confirmed record for the key short-circuits without re-invoking the
// adapter. An unconfirmed outcome triggers exactly one reconciliation query
// and is never blindly retried; confirmed-failed outcomes consume bounded
// retry attempts since the side effect verifiably did not happen.
func (m *Machine) runAdapter(ctx context.Context, wf *models.Workflow, key string, action ActionSpec) (AdapterResult, string, error) {
	if rec, err := m.store.GetExecutionRecord(key); err == nil && rec.Status == string(AdapterConfirmed) {
		m.logger.Infof("Workflow %d: execution %s already confirmed (%s), skipping re-invocation", wf.ID, key, rec.ConfirmationRef)
		return AdapterResult{Status: AdapterConfirmed, ConfirmationRef: rec.ConfirmationRef}, "", nil
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return AdapterResult{}, "", errors.Wrapf(err, "lookup execution record %s", key)
	}

	m.executing.Store(wf.ID, struct{}{})
	defer m.executing.Delete(wf.ID)

	backoff := m.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		res, err := m.adapter.Execute(ctx, key, action)
		if err != nil {
			// Transport failure: outcome unknown, treat as unconfirmed.
			res = AdapterResult{Status: AdapterUnconfirmed}
			m.logger.Errorf("Adapter execute error for %s: %v", key, err)
		}

		switch res.Status {
		case AdapterConfirmed:
			return m.confirmExecution(wf, key, res)
		case AdapterUnconfirmed:
			q, qerr := m.adapter.Query(ctx, key)
			if qerr == nil && q.Status == AdapterConfirmed {
				m.logger.Infof("Workflow %d: reconciliation confirmed execution %s", wf.ID, key)
				return m.confirmExecution(wf, key, q)
			}
			if qerr == nil && q.Status == AdapterConfirmedFailed {
				lastErr = errors.Errorf("execution %s confirmed failed on reconciliation", key)
				break // retry below
			}
			return AdapterResult{}, KindAdapterUnconfirmed, errors.Wrapf(ErrAdapterUnconfirmed, "execution %s", key)
		case AdapterConfirmedFailed:
			lastErr = errors.Errorf("execution %s confirmed failed", key)
		}

		if attempt == m.cfg.MaxAttempts {
			break
		}
		m.logger.Infof("Retrying execution %s for workflow %d (attempt %d/%d): %v", key, wf.ID, attempt, m.cfg.MaxAttempts, lastErr)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return AdapterResult{}, "", ctx.Err()
		}
		backoff *= 2
		if backoff > m.cfg.RetryBackoffCap {
			backoff = m.cfg.RetryBackoffCap
		}
	}
	return AdapterResult{}, KindAdapterFailed, lastErr
}

func (m *Machine) confirmExecution(wf *models.Workflow, key string, res AdapterResult) (AdapterResult, string, error) {
	rec := models.ExecutionRecord{
		IdempotencyKey:  key,
		WorkflowID:      wf.ID,
		Status:          string(AdapterConfirmed),
		ConfirmationRef: res.ConfirmationRef,
		CreatedAt:       time.Now(),
	}
	if err := m.store.SaveExecutionRecord(rec); err != nil {
		return AdapterResult{}, "", errors.Wrapf(err, "record execution %s", key)
	}
	return res, "", nil
}

// --- transition table ---

func (m *Machine) stepRisk(ctx context.Context, wf *models.Workflow) (bool, error) {
	out, kind, err := m.runExecutor(ctx, wf, RiskExecutorName, models.StageRiskAssessed)
	if err != nil {
		return false, m.stepFailure(wf, kind, err)
	}
	return true, m.commitTransition(wf, models.StageRiskAssessed, out)
}

func (m *Machine) stepProposal(ctx context.Context, wf *models.Workflow) (bool, error) {
	out, kind, err := m.runExecutor(ctx, wf, ProposalExecutorName, models.StageProposalReady)
	if err != nil {
		return false, m.stepFailure(wf, kind, err)
	}
	return true, m.commitTransition(wf, models.StageProposalReady, out)
}

func (m *Machine) stepOpenPaymentGate(ctx context.Context, wf *models.Workflow) (bool, error) {
	var proposal models.Proposal
	if ok, err := wf.Context.Decode(models.StageProposalReady, &proposal); err != nil || !ok {
		return false, errors.Errorf("workflow %d has no proposal to review: %v", wf.ID, err)
	}
	return false, m.openGate(wf, models.PaymentGate, proposal, models.StageAwaitingPaymentApproval)
}

func (m *Machine) stepOpenInvestmentGate(ctx context.Context, wf *models.Workflow) (bool, error) {
	var plan models.InvestmentPlan
	if ok, err := wf.Context.Decode(models.StageInvestmentPlanned, &plan); err != nil || !ok {
		return false, errors.Errorf("workflow %d has no investment plan to review: %v", wf.ID, err)
	}
	return false, m.openGate(wf, models.InvestmentGate, plan, models.StageAwaitingInvestmentApproval)
}

// openGate opens the gate and moves to the awaiting stage in one transaction,
// so a crash never leaves an awaiting workflow without its gate.
func (m *Machine) openGate(wf *models.Workflow, kind models.GateKind, payload interface{}, next models.Stage) (err error) {
	txStore, err := m.store.Begin()
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				m.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			m.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	if _, err = m.gates.Open(txStore, wf.ID, kind, payload, time.Now().Add(m.cfg.ApprovalTimeout)); err != nil {
		return err
	}
	if err = txStore.UpdateWorkflowStage(wf.ID, next); err != nil {
		return errors.Wrapf(err, "update workflow %d stage to %s", wf.ID, next)
	}
	m.logger.Infof("Workflow %d: %s -> %s", wf.ID, wf.Stage, next)
	return nil
}

func (m *Machine) stepPaymentGateResolution(ctx context.Context, wf *models.Workflow) (bool, error) {
	gate, err := m.store.GetLatestGate(wf.ID, models.PaymentGate)
	if err != nil {
		return false, errors.Wrapf(err, "load payment gate for workflow %d", wf.ID)
	}
	switch gate.Status {
	case models.PendingGateStatus:
		return false, nil // idle until decision or expiry
	case models.RejectedGateStatus, models.ExpiredGateStatus:
		return false, m.commitTransition(wf, models.StageRejectedAtPayment, nil)
	}

	var proposal models.Proposal
	if ok, err := wf.Context.Decode(models.StageProposalReady, &proposal); err != nil || !ok {
		return false, errors.Errorf("workflow %d approved without a proposal: %v", wf.ID, err)
	}
	key := fmt.Sprintf("%d:payment", wf.ID)
	res, kind, err := m.runAdapter(ctx, wf, key, ActionSpec{Kind: "payment", Amount: proposal.TotalAmount, Details: gate.Payload})
	if err != nil {
		return false, m.stepFailure(wf, kind, err)
	}
	exec := models.PaymentExecution{IdempotencyKey: key, Amount: proposal.TotalAmount, ConfirmationRef: res.ConfirmationRef}
	return true, m.commitTransition(wf, models.StagePaymentExecuted, exec)
}

// stepInvestmentBranch applies the conditional-branch rule: with nothing left
// after the payment the workflow completes without an investment stage or a
// second gate.
func (m *Machine) stepInvestmentBranch(ctx context.Context, wf *models.Workflow) (bool, error) {
	in, err := m.stageInput(wf)
	if err != nil {
		return false, err
	}
	var payment models.PaymentExecution
	if ok, err := wf.Context.Decode(models.StagePaymentExecuted, &payment); err != nil || !ok {
		return false, errors.Errorf("workflow %d has no payment execution record: %v", wf.ID, err)
	}

	remaining := in.Input.Balance - payment.Amount
	if remaining <= 0 {
		m.logger.Infof("Workflow %d: no remaining balance (%.2f), skipping investment stage", wf.ID, remaining)
		return false, m.complete(wf)
	}

	out, kind, err := m.runExecutor(ctx, wf, InvestmentExecutorName, models.StageInvestmentPlanned)
	if err != nil {
		return false, m.stepFailure(wf, kind, err)
	}
	return true, m.commitTransition(wf, models.StageInvestmentPlanned, out)
}

func (m *Machine) stepInvestmentGateResolution(ctx context.Context, wf *models.Workflow) (bool, error) {
	gate, err := m.store.GetLatestGate(wf.ID, models.InvestmentGate)
	if err != nil {
		return false, errors.Wrapf(err, "load investment gate for workflow %d", wf.ID)
	}
	switch gate.Status {
	case models.PendingGateStatus:
		return false, nil
	case models.RejectedGateStatus, models.ExpiredGateStatus:
		return false, m.commitTransition(wf, models.StageRejectedAtInvestment, nil)
	}

	var plan models.InvestmentPlan
	if ok, err := wf.Context.Decode(models.StageInvestmentPlanned, &plan); err != nil || !ok {
		return false, errors.Errorf("workflow %d approved without an investment plan: %v", wf.ID, err)
	}
	key := fmt.Sprintf("%d:investment", wf.ID)
	res, kind, err := m.runAdapter(ctx, wf, key, ActionSpec{Kind: "investment", Amount: plan.TotalAllocated, Details: gate.Payload})
	if err != nil {
		return false, m.stepFailure(wf, kind, err)
	}
	exec := models.InvestmentExecution{IdempotencyKey: key, Amount: plan.TotalAllocated, ConfirmationRef: res.ConfirmationRef}
	return true, m.commitTransition(wf, models.StageInvestmentExecuted, exec)
}

func (m *Machine) stepComplete(ctx context.Context, wf *models.Workflow) (bool, error) {
	return false, m.complete(wf)
}

func (m *Machine) complete(wf *models.Workflow) error {
	if err := m.commitTransition(wf, models.StageCompleted, nil); err != nil {
		return err
	}
	m.notifier.Notify(WorkflowCompletedEvent, m.cfg.PrimaryReviewers, map[string]interface{}{
		"workflow_id": wf.ID,
	})
	return nil
}
