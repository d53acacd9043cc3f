package models

import "github.com/pkg/errors"

// PaymentRequest is one requested outgoing payment from the normalized input.
type PaymentRequest struct {
	Recipient   string  `json:"recipient"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency,omitempty"`
	Description string  `json:"description,omitempty"`
}

// TreasuryInput is the normalized record produced by the external parser.
// The orchestrator trusts this shape and rejects it up front when required
// fields are absent.
type TreasuryInput struct {
	Balance           float64          `json:"balance"`
	MinBalance        float64          `json:"min_balance"`
	TransactionLimit  float64          `json:"transaction_limit,omitempty"` // 0 means no per-payment limit
	SpecialConditions []string         `json:"special_conditions,omitempty"`
	RequestedPayments []PaymentRequest `json:"requested_payments"`
}

// Validate checks the required fields of a submission.
func (in TreasuryInput) Validate() error {
	if in.Balance < 0 {
		return errors.New("balance must not be negative")
	}
	if in.MinBalance < 0 {
		return errors.New("min_balance must not be negative")
	}
	if len(in.RequestedPayments) == 0 {
		return errors.New("requested_payments must not be empty")
	}
	for i, p := range in.RequestedPayments {
		if p.Recipient == "" {
			return errors.Errorf("requested_payments[%d]: recipient is required", i)
		}
		if p.Amount <= 0 {
			return errors.Errorf("requested_payments[%d]: amount must be positive", i)
		}
	}
	return nil
}

// TotalRequested returns the sum of all requested payment amounts.
func (in TreasuryInput) TotalRequested() float64 {
	var total float64
	for _, p := range in.RequestedPayments {
		total += p.Amount
	}
	return total
}

type RiskLevel string

const (
	LowRisk      RiskLevel = "LOW"
	MediumRisk   RiskLevel = "MEDIUM"
	HighRisk     RiskLevel = "HIGH"
	CriticalRisk RiskLevel = "CRITICAL"
)

type RiskRecommendation string

const (
	ProceedRecommendation            RiskRecommendation = "PROCEED"
	RejectedConstraintRecommendation RiskRecommendation = "REJECTED_CONSTRAINT"
)

// RiskReport is the output of the risk assessment stage. Constraint
// violations yield a REJECTED_CONSTRAINT recommendation rather than a failure;
// the downstream gate decides the actual outcome.
type RiskReport struct {
	Score            float64            `json:"score"` // 0-10 scale, 10 = highest risk
	Level            RiskLevel          `json:"level"`
	Compliant        bool               `json:"compliant"`
	Violations       []string           `json:"violations,omitempty"`
	Factors          []string           `json:"factors,omitempty"`
	Recommendation   RiskRecommendation `json:"recommendation"`
	AvailableBalance float64            `json:"available_balance"`
}

// ProposedPayment is one payment line of a proposal, flagged when the risk
// report raised issues against it.
type ProposedPayment struct {
	Recipient   string  `json:"recipient"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Description string  `json:"description,omitempty"`
	Flagged     bool    `json:"flagged"`
}

// Proposal is the output of the proposal stage, presented at gate #1.
type Proposal struct {
	ProposalID  string            `json:"proposal_id"`
	TotalAmount float64           `json:"total_amount"`
	Payments    []ProposedPayment `json:"payments"`
	RiskLevel   RiskLevel         `json:"risk_level"`
	Rationale   string            `json:"rationale"`
}

type InvestmentType string

const (
	LiquidityProducts InvestmentType = "LIQUIDITY_PRODUCTS"
	Stablecoins       InvestmentType = "STABLECOINS"
	TimeDeposit       InvestmentType = "TIME_DEPOSIT"
	DefiYield         InvestmentType = "DEFI_YIELD"
)

// Allocation is one line of an investment plan.
type Allocation struct {
	Type           InvestmentType `json:"type"`
	Amount         float64        `json:"amount"`
	ExpectedYield  float64        `json:"expected_yield_pct"`
	ExpectedReturn float64        `json:"expected_return"`
}

// InvestmentPlan is the output of the investment stage, presented at gate #2.
type InvestmentPlan struct {
	PlanID           string       `json:"plan_id"`
	AvailableFunds   float64      `json:"available_funds"`
	EmergencyReserve float64      `json:"emergency_reserve"`
	TotalAllocated   float64      `json:"total_allocated"`
	Allocations      []Allocation `json:"allocations"`
	RiskProfile      string       `json:"risk_profile"`
}

// PaymentExecution is the context entry recorded when gate #1 approval is
// committed through the execution adapter.
type PaymentExecution struct {
	IdempotencyKey  string  `json:"idempotency_key"`
	Amount          float64 `json:"amount"`
	ConfirmationRef string  `json:"confirmation_ref,omitempty"`
}

// InvestmentExecution mirrors PaymentExecution for the investment adapter call.
type InvestmentExecution struct {
	IdempotencyKey  string  `json:"idempotency_key"`
	Amount          float64 `json:"amount"`
	ConfirmationRef string  `json:"confirmation_ref,omitempty"`
}
