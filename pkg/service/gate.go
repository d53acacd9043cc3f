package service

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nxtreasuryorg/treasuryflow/pkg/models"
	"github.com/nxtreasuryorg/treasuryflow/pkg/storage"
	"github.com/pkg/errors"
)

// ExpiryAction is what CheckExpiry did to a gate.
type ExpiryAction int

const (
	ExpiryNone      ExpiryAction = iota // deadline not reached, or gate not pending
	ExpiryEscalated                     // first deadline passed, grace window granted
	ExpiryExpired                       // second deadline passed, gate expired
)

// GateService owns approval gates: opening, resolution by human decision and
// the two-phase expiry policy. A gate that reaches its first deadline is
// escalated and stays pending for one grace period; only the second expiry is
// terminal.
type GateService struct {
	store    storage.Store
	notifier Notifier
	cfg      Config
	logger   Logger
}

func NewGateService(store storage.Store, notifier Notifier, cfg Config, logger Logger) *GateService {
	return &GateService{store: store, notifier: notifier, cfg: cfg, logger: logger}
}

// Open creates a pending gate with the given review payload.
func (gs *GateService) Open(txStore storage.Store, workflowID int64, kind models.GateKind, payload interface{}, deadline time.Time) (models.Gate, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.Gate{}, errors.Wrap(err, "marshal gate payload")
	}
	gate := models.Gate{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Kind:       kind,
		Status:     models.PendingGateStatus,
		Payload:    raw,
		OpenedAt:   time.Now(),
		Deadline:   deadline,
	}
	if err := txStore.SaveGate(gate); err != nil {
		return models.Gate{}, errors.Wrapf(err, "save gate for workflow %d", workflowID)
	}
	gs.notifier.Notify(GateOpenedEvent, gs.cfg.PrimaryReviewers, map[string]interface{}{
		"gate_id":     gate.ID,
		"workflow_id": workflowID,
		"kind":        kind,
		"deadline":    deadline,
	})
	gs.logger.Infof("Opened %s gate %s for workflow %d, deadline %s", kind, gate.ID, workflowID, deadline.Format(time.RFC3339))
	return gate, nil
}

// Resolve applies a human decision. A gate that is not pending returns
// ErrGateAlreadyResolved and is left untouched.
func (gs *GateService) Resolve(gateID string, decision models.GateDecision, actor string, now time.Time) (gate models.Gate, err error) {
	txStore, err := gs.store.Begin()
	if err != nil {
		return models.Gate{}, errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				gs.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			gs.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	gate, err = txStore.GetGate(gateID)
	if err != nil {
		return models.Gate{}, err
	}
	if gate.Status != models.PendingGateStatus {
		return gate, ErrGateAlreadyResolved
	}

	switch decision {
	case models.ApproveDecision:
		gate.Status = models.ApprovedGateStatus
	case models.RejectDecision:
		gate.Status = models.RejectedGateStatus
	default:
		return gate, errors.Errorf("unknown decision %q", decision)
	}
	gate.ResolvedAt = &now
	gate.ResolvedBy = actor
	if err = txStore.UpdateGate(gate); err != nil {
		if errors.Is(err, storage.ErrGateNotPending) {
			// A concurrent decision or expiry won between the read and the write.
			err = ErrGateAlreadyResolved
			return gate, err
		}
		return models.Gate{}, errors.Wrapf(err, "update gate %s", gateID)
	}
	gs.logger.Infof("Gate %s resolved %s by '%s'", gateID, gate.Status, actor)
	return gate, nil
}

// CheckExpiry advances the expiry state of a pending gate. First deadline:
// notify the secondary reviewer set and extend once by the grace period.
// Second deadline: expire. Auto-rejecting on the first pass would skip the
// escalation phase and is a correctness regression. A human decision landing
// between the read and the write wins; the sweep then does nothing.
func (gs *GateService) CheckExpiry(gateID string, now time.Time) (models.Gate, ExpiryAction, error) {
	gate, err := gs.store.GetGate(gateID)
	if err != nil {
		return models.Gate{}, ExpiryNone, err
	}
	if gate.Status != models.PendingGateStatus || now.Before(gate.Deadline) {
		return gate, ExpiryNone, nil
	}

	if !gate.Escalated {
		gate.Escalated = true
		gate.Deadline = gate.Deadline.Add(gs.cfg.EscalationGrace)
		if err := gs.store.UpdateGate(gate); err != nil {
			if errors.Is(err, storage.ErrGateNotPending) {
				return gs.resolvedMeanwhile(gateID)
			}
			return models.Gate{}, ExpiryNone, errors.Wrapf(err, "escalate gate %s", gateID)
		}
		gs.notifier.Notify(GateEscalatedEvent, gs.cfg.SecondaryReviewers, map[string]interface{}{
			"gate_id":      gate.ID,
			"workflow_id":  gate.WorkflowID,
			"kind":         gate.Kind,
			"new_deadline": gate.Deadline,
		})
		gs.logger.Infof("Gate %s escalated, deadline extended to %s", gateID, gate.Deadline.Format(time.RFC3339))
		return gate, ExpiryEscalated, nil
	}

	gate.Status = models.ExpiredGateStatus
	gate.ResolvedAt = &now
	if err := gs.store.UpdateGate(gate); err != nil {
		if errors.Is(err, storage.ErrGateNotPending) {
			return gs.resolvedMeanwhile(gateID)
		}
		return models.Gate{}, ExpiryNone, errors.Wrapf(err, "expire gate %s", gateID)
	}
	gs.notifier.Notify(GateExpiredEvent, gs.cfg.SecondaryReviewers, map[string]interface{}{
		"gate_id":     gate.ID,
		"workflow_id": gate.WorkflowID,
		"kind":        gate.Kind,
	})
	gs.logger.Infof("Gate %s expired after escalation", gateID)
	return gate, ExpiryExpired, nil
}

// resolvedMeanwhile re-reads a gate whose expiry write lost to a decision.
func (gs *GateService) resolvedMeanwhile(gateID string) (models.Gate, ExpiryAction, error) {
	gate, err := gs.store.GetGate(gateID)
	if err != nil {
		return models.Gate{}, ExpiryNone, err
	}
	return gate, ExpiryNone, nil
}
