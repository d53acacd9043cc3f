package models_test

import (
	"encoding/json"
	"testing"

	"github.com/nxtreasuryorg/treasuryflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageTerminal(t *testing.T) {
	terminal := []models.Stage{
		models.StageCompleted,
		models.StageRejectedAtPayment,
		models.StageRejectedAtInvestment,
		models.StageFailed,
	}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "stage %s", s)
	}

	active := []models.Stage{
		models.StageIngested,
		models.StageRiskAssessed,
		models.StageProposalReady,
		models.StageAwaitingPaymentApproval,
		models.StagePaymentExecuted,
		models.StageInvestmentPlanned,
		models.StageAwaitingInvestmentApproval,
		models.StageInvestmentExecuted,
	}
	for _, s := range active {
		assert.False(t, s.Terminal(), "stage %s", s)
	}
}

func TestStageContextDecode(t *testing.T) {
	report := models.RiskReport{Score: 2.0, Level: models.MediumRisk}
	raw, err := json.Marshal(report)
	require.NoError(t, err)
	ctx := models.StageContext{models.StageRiskAssessed: raw}

	var out models.RiskReport
	ok, err := ctx.Decode(models.StageRiskAssessed, &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, report.Level, out.Level)

	ok, err = ctx.Decode(models.StageProposalReady, &models.Proposal{})
	require.NoError(t, err)
	assert.False(t, ok)

	ctx[models.StageProposalReady] = json.RawMessage(`{not json`)
	_, err = ctx.Decode(models.StageProposalReady, &models.Proposal{})
	assert.Error(t, err)
}
