package executors

import (
	"context"
	"math"

	"github.com/google/uuid"
	"github.com/nxtreasuryorg/treasuryflow/pkg/models"
	"github.com/nxtreasuryorg/treasuryflow/pkg/service"
	"github.com/pkg/errors"
)

// reservePct is held back as an emergency reserve before allocating.
const reservePct = 0.10

// Investment catalog: expected annual yield per type.
var catalogYields = map[models.InvestmentType]float64{
	models.LiquidityProducts: 4.2,
	models.Stablecoins:       5.8,
	models.TimeDeposit:       4.8,
	models.DefiYield:         8.5,
}

// Allocation weights per profile. Weight of disabled types is redistributed
// proportionally across the enabled ones.
var profileWeights = map[string]map[models.InvestmentType]float64{
	"low": {
		models.LiquidityProducts: 0.7,
		models.TimeDeposit:       0.3,
	},
	"medium": {
		models.LiquidityProducts: 0.4,
		models.Stablecoins:       0.4,
		models.TimeDeposit:       0.2,
	},
	"high": {
		models.LiquidityProducts: 0.3,
		models.Stablecoins:       0.3,
		models.TimeDeposit:       0.2,
		models.DefiYield:         0.2,
	},
}

// InvestmentExecutor allocates the balance remaining after the approved
// payment across the enabled investment types.
type InvestmentExecutor struct {
	enabled map[models.InvestmentType]bool
}

func NewInvestmentExecutor(enabled []models.InvestmentType) *InvestmentExecutor {
	set := make(map[models.InvestmentType]bool, len(enabled))
	for _, t := range enabled {
		set[t] = true
	}
	return &InvestmentExecutor{enabled: set}
}

func (e *InvestmentExecutor) Execute(ctx context.Context, in service.StageInput) service.ExecutorResult {
	var payment models.PaymentExecution
	ok, err := in.Context.Decode(models.StagePaymentExecuted, &payment)
	if err != nil || !ok {
		return service.ExecutorResult{
			Status: service.ExecutorFatalFailure,
			Err:    errors.Errorf("payment execution missing from context: %v", err),
		}
	}
	var report models.RiskReport
	ok, err = in.Context.Decode(models.StageRiskAssessed, &report)
	if err != nil || !ok {
		return service.ExecutorResult{
			Status: service.ExecutorFatalFailure,
			Err:    errors.Errorf("risk report missing from context: %v", err),
		}
	}

	remaining := in.Input.Balance - payment.Amount
	if remaining <= 0 {
		return service.ExecutorResult{
			Status: service.ExecutorFatalFailure,
			Err:    errors.Errorf("no remaining balance to invest (%.2f)", remaining),
		}
	}

	// Elevated assessed risk selects a more conservative profile.
	profile := "medium"
	if report.Level == models.HighRisk || report.Level == models.CriticalRisk {
		profile = "low"
	}

	weights := make(map[models.InvestmentType]float64)
	var weightSum float64
	for t, w := range profileWeights[profile] {
		if e.enabled[t] {
			weights[t] = w
			weightSum += w
		}
	}
	if weightSum == 0 {
		return service.ExecutorResult{
			Status: service.ExecutorFatalFailure,
			Err:    errors.New("no enabled investment types match the allocation profile"),
		}
	}

	reserve := round2(remaining * reservePct)
	investable := remaining - reserve
	plan := models.InvestmentPlan{
		PlanID:           uuid.NewString(),
		AvailableFunds:   remaining,
		EmergencyReserve: reserve,
		RiskProfile:      profile,
	}
	for t, w := range weights {
		amount := round2(investable * w / weightSum)
		yield := catalogYields[t]
		plan.Allocations = append(plan.Allocations, models.Allocation{
			Type:           t,
			Amount:         amount,
			ExpectedYield:  yield,
			ExpectedReturn: round2(amount * yield / 100),
		})
		plan.TotalAllocated += amount
	}
	plan.TotalAllocated = round2(plan.TotalAllocated)

	return service.ExecutorResult{Status: service.ExecutorSuccess, Output: plan}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
