package service

import (
	"time"

	"github.com/nxtreasuryorg/treasuryflow/pkg/models"
)

// Logger defines the logging interface for the orchestrator services.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Config carries the tunables of the orchestration core. The source material
// leaves these open, so everything here is configuration with recognized
// defaults rather than hard-coded behavior.
type Config struct {
	// Workers bounds the dispatch pool. <= 0 falls back to NumCPU.
	Workers int

	// MaxAttempts caps executor retries and confirmed-failed adapter retries.
	MaxAttempts int
	// RetryBackoff is the initial backoff between attempts; doubled each
	// attempt up to RetryBackoffCap.
	RetryBackoff    time.Duration
	RetryBackoffCap time.Duration

	// ApprovalTimeout is the first gate deadline; EscalationGrace is the one
	// extension granted after escalation. A second expiry is terminal.
	ApprovalTimeout time.Duration
	EscalationGrace time.Duration

	// SweepInterval is how often the central timer checks gate deadlines.
	SweepInterval time.Duration

	// EnabledInvestments lists the investment types the investment stage may
	// allocate to. Some types are deliberately disabled by default.
	EnabledInvestments []models.InvestmentType

	// Reviewer sets for gate notifications; secondary receives escalations.
	PrimaryReviewers   []string
	SecondaryReviewers []string
}

// DefaultConfig returns the recognized defaults: 3 attempts with 500ms
// doubling backoff capped at 30s, 24h approval window with a 4h grace
// extension, DeFi yield disabled.
func DefaultConfig() Config {
	return Config{
		Workers:         0,
		MaxAttempts:     3,
		RetryBackoff:    500 * time.Millisecond,
		RetryBackoffCap: 30 * time.Second,
		ApprovalTimeout: 24 * time.Hour,
		EscalationGrace: 4 * time.Hour,
		SweepInterval:   time.Second,
		EnabledInvestments: []models.InvestmentType{
			models.LiquidityProducts,
			models.Stablecoins,
			models.TimeDeposit,
		},
		PrimaryReviewers:   []string{"treasury-reviewers"},
		SecondaryReviewers: []string{"treasury-escalations"},
	}
}
