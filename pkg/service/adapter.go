package service

import (
	"context"
	"encoding/json"
)

type AdapterStatus string

const (
	AdapterConfirmed       AdapterStatus = "CONFIRMED"
	AdapterUnconfirmed     AdapterStatus = "UNCONFIRMED"
	AdapterConfirmedFailed AdapterStatus = "CONFIRMED_FAILED"
)

// ActionSpec describes one irreversible external action.
type ActionSpec struct {
	Kind    string          `json:"kind"` // "payment" or "investment"
	Amount  float64         `json:"amount"`
	Details json.RawMessage `json:"details,omitempty"`
}

// AdapterResult reports whether an attempt's side effect is confirmed,
// unconfirmed or confirmed-failed.
type AdapterResult struct {
	Status          AdapterStatus
	ConfirmationRef string
}

// ExecutionAdapter is the contract for irreversible external actions. Query
// performs an idempotency-key lookup for reconciliation; it must be safe to
// call any number of times.
type ExecutionAdapter interface {
	Execute(ctx context.Context, idempotencyKey string, action ActionSpec) (AdapterResult, error)
	Query(ctx context.Context, idempotencyKey string) (AdapterResult, error)
}
