package service_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nxtreasuryorg/treasuryflow/pkg/models"
	"github.com/nxtreasuryorg/treasuryflow/pkg/service"
	"github.com/nxtreasuryorg/treasuryflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGateEnv(cfg service.Config) (storage.Store, *service.GateService, *capturingNotifier) {
	store := storage.NewMockStore()
	notifier := &capturingNotifier{}
	return store, service.NewGateService(store, notifier, cfg, logger{}), notifier
}

func TestGateResolveIsFirstWriterWins(t *testing.T) {
	store, gates, _ := newGateEnv(testConfig())
	opened, err := gates.Open(store, 1, models.PaymentGate, map[string]string{"proposal": "p-1"}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	now := time.Now()
	gate, err := gates.Resolve(opened.ID, models.ApproveDecision, "alice", now)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovedGateStatus, gate.Status)
	assert.Equal(t, "alice", gate.ResolvedBy)
	require.NotNil(t, gate.ResolvedAt)

	// A late conflicting decision is refused and leaves the gate untouched.
	_, err = gates.Resolve(opened.ID, models.RejectDecision, "bob", time.Now())
	assert.True(t, errors.Is(err, service.ErrGateAlreadyResolved))

	stored, err := store.GetGate(opened.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovedGateStatus, stored.Status)
	assert.Equal(t, "alice", stored.ResolvedBy)

	// The storage guard refuses writes to a resolved gate outright.
	stored.Status = models.RejectedGateStatus
	assert.True(t, errors.Is(store.UpdateGate(stored), storage.ErrGateNotPending))
}

func TestGateConcurrentResolution(t *testing.T) {
	store, gates, _ := newGateEnv(testConfig())
	opened, err := gates.Open(store, 1, models.PaymentGate, nil, time.Now().Add(time.Hour))
	require.NoError(t, err)

	const resolvers = 16
	decisions := []models.GateDecision{models.ApproveDecision, models.RejectDecision}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []models.GateDecision
		refused int
	)
	for i := 0; i < resolvers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := decisions[i%2]
			_, rerr := gates.Resolve(opened.ID, decision, fmt.Sprintf("reviewer-%d", i), time.Now())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case rerr == nil:
				winners = append(winners, decision)
			case errors.Is(rerr, service.ErrGateAlreadyResolved):
				refused++
			default:
				t.Errorf("unexpected resolve error: %v", rerr)
			}
		}(i)
	}
	wg.Wait()

	// Exactly one decision lands; every other resolver is told so.
	require.Len(t, winners, 1)
	assert.Equal(t, resolvers-1, refused)

	stored, err := store.GetGate(opened.ID)
	require.NoError(t, err)
	want := models.ApprovedGateStatus
	if winners[0] == models.RejectDecision {
		want = models.RejectedGateStatus
	}
	assert.Equal(t, want, stored.Status)
	require.NotNil(t, stored.ResolvedAt)
}

func TestGateResolveReject(t *testing.T) {
	store, gates, _ := newGateEnv(testConfig())
	opened, err := gates.Open(store, 1, models.InvestmentGate, nil, time.Now().Add(time.Hour))
	require.NoError(t, err)

	gate, err := gates.Resolve(opened.ID, models.RejectDecision, "bob", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.RejectedGateStatus, gate.Status)
}

func TestGateResolveUnknownDecision(t *testing.T) {
	store, gates, _ := newGateEnv(testConfig())
	opened, err := gates.Open(store, 1, models.PaymentGate, nil, time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = gates.Resolve(opened.ID, models.GateDecision("MAYBE"), "alice", time.Now())
	assert.Error(t, err)

	stored, err := store.GetGate(opened.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PendingGateStatus, stored.Status)
}

func TestGateResolveNotFound(t *testing.T) {
	_, gates, _ := newGateEnv(testConfig())
	_, err := gates.Resolve("no-such-gate", models.ApproveDecision, "alice", time.Now())
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestGateTwoPhaseExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.EscalationGrace = time.Hour
	store, gates, notifier := newGateEnv(cfg)

	deadline := time.Now()
	opened, err := gates.Open(store, 1, models.PaymentGate, nil, deadline)
	require.NoError(t, err)

	// First deadline: escalate and extend, never auto-reject.
	gate, action, err := gates.CheckExpiry(opened.ID, deadline.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, service.ExpiryEscalated, action)
	assert.Equal(t, models.PendingGateStatus, gate.Status)
	assert.True(t, gate.Escalated)
	assert.Equal(t, deadline.Add(cfg.EscalationGrace), gate.Deadline)
	assert.Equal(t, 1, notifier.count(service.GateEscalatedEvent))

	// Inside the grace window nothing happens.
	_, action, err = gates.CheckExpiry(opened.ID, deadline.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, service.ExpiryNone, action)

	// A decision during the grace window still wins.
	stored, err := store.GetGate(opened.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PendingGateStatus, stored.Status)

	// Second deadline: terminal expiry.
	gate, action, err = gates.CheckExpiry(opened.ID, deadline.Add(cfg.EscalationGrace).Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, service.ExpiryExpired, action)
	assert.Equal(t, models.ExpiredGateStatus, gate.Status)
	assert.Equal(t, 1, notifier.count(service.GateExpiredEvent))

	_, err = gates.Resolve(opened.ID, models.ApproveDecision, "late", time.Now())
	assert.True(t, errors.Is(err, service.ErrGateAlreadyResolved))
}

func TestGateCheckExpiryBeforeDeadline(t *testing.T) {
	store, gates, notifier := newGateEnv(testConfig())
	opened, err := gates.Open(store, 1, models.PaymentGate, nil, time.Now().Add(time.Hour))
	require.NoError(t, err)

	gate, action, err := gates.CheckExpiry(opened.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, service.ExpiryNone, action)
	assert.Equal(t, models.PendingGateStatus, gate.Status)
	assert.False(t, gate.Escalated)
	assert.Equal(t, 0, notifier.count(service.GateEscalatedEvent))
}

func TestGateCheckExpiryOnResolvedGate(t *testing.T) {
	store, gates, _ := newGateEnv(testConfig())
	opened, err := gates.Open(store, 1, models.PaymentGate, nil, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = gates.Resolve(opened.ID, models.ApproveDecision, "alice", time.Now())
	require.NoError(t, err)

	gate, action, err := gates.CheckExpiry(opened.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, service.ExpiryNone, action)
	assert.Equal(t, models.ApprovedGateStatus, gate.Status)
}
