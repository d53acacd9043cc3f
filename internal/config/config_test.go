package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nxtreasuryorg/treasuryflow/internal/config"
	"github.com/nxtreasuryorg/treasuryflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "treasuryflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.HTTPPort)

	sc, err := cfg.ServiceConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, sc.MaxAttempts)
	assert.Equal(t, 24*time.Hour, sc.ApprovalTimeout)
	assert.Equal(t, 4*time.Hour, sc.EscalationGrace)
	assert.NotContains(t, sc.EnabledInvestments, models.DefiYield)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
http_port: "9090"
database:
  conn_str: "postgres://u:p@localhost:5432/treasury?sslmode=disable"
orchestrator:
  workers: 4
  max_attempts: 5
  retry_backoff: 100ms
  approval_timeout: 1h
  escalation_grace: 15m
  sweep_interval: 500ms
  enabled_investments:
    - LIQUIDITY_PRODUCTS
    - DEFI_YIELD
  primary_reviewers:
    - treasury-ops
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.HTTPPort)

	connStr, err := cfg.DBConnStr()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@localhost:5432/treasury?sslmode=disable", connStr)

	sc, err := cfg.ServiceConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, sc.Workers)
	assert.Equal(t, 5, sc.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, sc.RetryBackoff)
	assert.Equal(t, time.Hour, sc.ApprovalTimeout)
	assert.Equal(t, 15*time.Minute, sc.EscalationGrace)
	assert.Equal(t, 500*time.Millisecond, sc.SweepInterval)
	assert.Equal(t, []models.InvestmentType{models.LiquidityProducts, models.DefiYield}, sc.EnabledInvestments)
	assert.Equal(t, []string{"treasury-ops"}, sc.PrimaryReviewers)
}

func TestLoadRejectsUnknownInvestmentType(t *testing.T) {
	path := writeConfig(t, `
orchestrator:
  enabled_investments:
    - CRYPTO_LOTTERY
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	_, err = cfg.ServiceConfig()
	assert.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
orchestrator:
  approval_timeout: soon
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	_, err = cfg.ServiceConfig()
	assert.Error(t, err)
}

func TestDBConnStrIncomplete(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	cfg.Database.Username = ""
	cfg.Database.Password = ""
	cfg.Database.Host = ""
	_, err = cfg.DBConnStr()
	assert.Error(t, err)
}
