package executors

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nxtreasuryorg/treasuryflow/pkg/models"
	"github.com/nxtreasuryorg/treasuryflow/pkg/service"
	"github.com/pkg/errors"
)

// ProposalExecutor turns the requested payments and the risk report into the
// payment proposal reviewed at the first gate.
type ProposalExecutor struct{}

func NewProposalExecutor() *ProposalExecutor { return &ProposalExecutor{} }

func (e *ProposalExecutor) Execute(ctx context.Context, in service.StageInput) service.ExecutorResult {
	var report models.RiskReport
	ok, err := in.Context.Decode(models.StageRiskAssessed, &report)
	if err != nil || !ok {
		return service.ExecutorResult{
			Status: service.ExecutorFatalFailure,
			Err:    errors.Errorf("risk report missing from context: %v", err),
		}
	}

	proposal := models.Proposal{
		ProposalID: uuid.NewString(),
		RiskLevel:  report.Level,
	}
	for _, p := range in.Input.RequestedPayments {
		currency := p.Currency
		if currency == "" {
			currency = "USD"
		}
		flagged := in.Input.TransactionLimit > 0 && p.Amount > in.Input.TransactionLimit
		proposal.Payments = append(proposal.Payments, models.ProposedPayment{
			Recipient:   p.Recipient,
			Amount:      p.Amount,
			Currency:    currency,
			Description: p.Description,
			Flagged:     flagged,
		})
		proposal.TotalAmount += p.Amount
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d payment(s) totaling %.2f, assessed %s risk (score %.1f).",
		len(proposal.Payments), proposal.TotalAmount, report.Level, report.Score)
	if report.Recommendation == models.RejectedConstraintRecommendation {
		fmt.Fprintf(&b, " Constraint violations present, rejection recommended: %s.",
			strings.Join(report.Violations, "; "))
	}
	proposal.Rationale = b.String()

	return service.ExecutorResult{Status: service.ExecutorSuccess, Output: proposal}
}
