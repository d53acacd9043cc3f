// Package adapters holds ExecutionAdapter implementations. Real payment and
// investment rails live behind the same interface; the simulated adapter is
// the default wiring and the reference for the reconciliation contract.
package adapters

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nxtreasuryorg/treasuryflow/pkg/service"
)

// SimulatedAdapter confirms every action and remembers outcomes by
// idempotency key, so Query answers reconciliation lookups exactly like a
// settlement system would.
type SimulatedAdapter struct {
	mu       sync.Mutex
	outcomes map[string]service.AdapterResult
}

func NewSimulatedAdapter() *SimulatedAdapter {
	return &SimulatedAdapter{outcomes: make(map[string]service.AdapterResult)}
}

func (a *SimulatedAdapter) Execute(ctx context.Context, idempotencyKey string, action service.ActionSpec) (service.AdapterResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if res, ok := a.outcomes[idempotencyKey]; ok && res.Status == service.AdapterConfirmed {
		return res, nil
	}
	res := service.AdapterResult{
		Status:          service.AdapterConfirmed,
		ConfirmationRef: fmt.Sprintf("SIM-%s-%s", action.Kind, uuid.NewString()[:8]),
	}
	a.outcomes[idempotencyKey] = res
	return res, nil
}

func (a *SimulatedAdapter) Query(ctx context.Context, idempotencyKey string) (service.AdapterResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if res, ok := a.outcomes[idempotencyKey]; ok {
		return res, nil
	}
	return service.AdapterResult{Status: service.AdapterConfirmedFailed}, nil
}
