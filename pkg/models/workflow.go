package models

import (
	"encoding/json"
	"time"
)

type Stage string

const (
	StageIngested                   Stage = "INGESTED"
	StageRiskAssessed               Stage = "RISK_ASSESSED"
	StageProposalReady              Stage = "PROPOSAL_READY"
	StageAwaitingPaymentApproval    Stage = "AWAITING_PAYMENT_APPROVAL"
	StagePaymentExecuted            Stage = "PAYMENT_EXECUTED"
	StageInvestmentPlanned          Stage = "INVESTMENT_PLANNED"
	StageAwaitingInvestmentApproval Stage = "AWAITING_INVESTMENT_APPROVAL"
	StageInvestmentExecuted         Stage = "INVESTMENT_EXECUTED"
	StageCompleted                  Stage = "COMPLETED"
	StageRejectedAtPayment          Stage = "REJECTED_AT_PAYMENT"
	StageRejectedAtInvestment       Stage = "REJECTED_AT_INVESTMENT"
	StageFailed                     Stage = "FAILED"
)

// Terminal reports whether no further transition may occur from s.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageRejectedAtPayment, StageRejectedAtInvestment, StageFailed:
		return true
	}
	return false
}

// StageContext is the append-only per-stage output map of a workflow.
// An entry exists for a stage if and only if that stage has completed.
type StageContext map[Stage]json.RawMessage

// Decode unmarshals the context entry for stage into out.
// Returns false if the stage has no entry yet.
func (c StageContext) Decode(stage Stage, out interface{}) (bool, error) {
	raw, ok := c[stage]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// Workflow represents a single treasury approval pipeline run.
type Workflow struct {
	ID        int64     `json:"id" db:"id"`                           // Unique identifier (PostgreSQL auto-increment)
	Stage     Stage     `json:"stage" db:"stage"`                     // Current position in the pipeline
	Terminal  bool      `json:"terminal" db:"terminal"`               // True once a terminal stage is reached
	ErrorKind string    `json:"error_kind,omitempty" db:"error_kind"` // Error kind when FAILED
	ErrorMsg  string    `json:"error_msg,omitempty" db:"error_msg"`   // Error message when FAILED
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	Context StageContext `json:"context,omitempty"` // Populated at load time
}
