package models

import (
	"encoding/json"
	"time"
)

type GateStatus string

const (
	PendingGateStatus  GateStatus = "PENDING"
	ApprovedGateStatus GateStatus = "APPROVED"
	RejectedGateStatus GateStatus = "REJECTED"
	ExpiredGateStatus  GateStatus = "EXPIRED"
)

type GateKind string

const (
	PaymentGate    GateKind = "PAYMENT"
	InvestmentGate GateKind = "INVESTMENT"
)

type GateDecision string

const (
	ApproveDecision GateDecision = "APPROVE"
	RejectDecision  GateDecision = "REJECT"
)

// Gate is one human-in-the-loop decision point. Its payload is a read-only
// snapshot of the artifact under review, never re-derived.
type Gate struct {
	ID         string          `json:"id" db:"id"`                   // UUID, assigned at open
	WorkflowID int64           `json:"workflow_id" db:"workflow_id"` // Back-reference, lookup only
	Kind       GateKind        `json:"kind" db:"kind"`
	Status     GateStatus      `json:"status" db:"status"`
	Payload    json.RawMessage `json:"payload" db:"payload"`
	OpenedAt   time.Time       `json:"opened_at" db:"opened_at"`
	Deadline   time.Time       `json:"deadline" db:"deadline"`
	Escalated  bool            `json:"escalated" db:"escalated"` // First deadline passed, grace window active
	ResolvedAt *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy string          `json:"resolved_by,omitempty" db:"resolved_by"`
}
