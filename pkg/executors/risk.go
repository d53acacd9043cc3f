// Package executors provides the default task executors for the treasury
// pipeline: risk assessment, payment proposal and investment allocation.
// Each implements the service.TaskExecutor contract and can be swapped for an
// external implementation.
package executors

import (
	"context"
	"fmt"

	"github.com/nxtreasuryorg/treasuryflow/pkg/models"
	"github.com/nxtreasuryorg/treasuryflow/pkg/service"
)

const highValueThreshold = 10000.0

// RiskExecutor evaluates the normalized input against the user constraints
// and produces a scored risk report. Constraint violations are not failures:
// they yield a REJECTED_CONSTRAINT recommendation and the workflow still
// advances so the human gate decides the outcome.
type RiskExecutor struct{}

func NewRiskExecutor() *RiskExecutor { return &RiskExecutor{} }

func (e *RiskExecutor) Execute(ctx context.Context, in service.StageInput) service.ExecutorResult {
	input := in.Input
	report := models.RiskReport{
		Compliant:        true,
		Recommendation:   models.ProceedRecommendation,
		AvailableBalance: input.Balance,
	}

	total := input.TotalRequested()
	var score float64

	// Constraint checks
	if input.Balance-total < input.MinBalance {
		report.Violations = append(report.Violations,
			fmt.Sprintf("final balance %.2f would fall below minimum balance %.2f", input.Balance-total, input.MinBalance))
	}
	if input.TransactionLimit > 0 {
		for _, p := range input.RequestedPayments {
			if p.Amount > input.TransactionLimit {
				report.Violations = append(report.Violations,
					fmt.Sprintf("payment of %.2f to '%s' exceeds transaction limit %.2f", p.Amount, p.Recipient, input.TransactionLimit))
			}
		}
	}
	// Each violation weighs 2.0 and forces non-compliance.
	score += float64(len(report.Violations)) * 2.0
	if len(report.Violations) > 0 {
		report.Compliant = false
		report.Recommendation = models.RejectedConstraintRecommendation
	}

	// Pattern checks
	highValue := 0
	seen := make(map[string]int)
	for _, p := range input.RequestedPayments {
		if p.Amount >= highValueThreshold {
			highValue++
		}
		seen[p.Recipient]++
	}
	if highValue > 0 {
		report.Factors = append(report.Factors, fmt.Sprintf("%d high-value payment(s) at or above %.0f", highValue, highValueThreshold))
		s := float64(highValue) * 0.5
		if s > 3.0 {
			s = 3.0
		}
		score += s
	}
	for recipient, n := range seen {
		if n > 1 {
			report.Factors = append(report.Factors, fmt.Sprintf("duplicate payments to '%s' (%d)", recipient, n))
			score += 4.0
			break
		}
	}
	for _, cond := range input.SpecialConditions {
		report.Factors = append(report.Factors, "special condition: "+cond)
		score += 1.0
	}

	if score > 10.0 {
		score = 10.0
	}
	report.Score = score
	switch {
	case score < 2.0:
		report.Level = models.LowRisk
	case score < 4.0:
		report.Level = models.MediumRisk
	case score < 7.0:
		report.Level = models.HighRisk
	default:
		report.Level = models.CriticalRisk
	}

	return service.ExecutorResult{Status: service.ExecutorSuccess, Output: report}
}
