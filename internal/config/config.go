package config

import (
	"fmt"
	"os"
	"time"

	"github.com/nxtreasuryorg/treasuryflow/pkg/models"
	"github.com/nxtreasuryorg/treasuryflow/pkg/service"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration, loaded from YAML with env-var
// fallbacks for the database credentials.
type Config struct {
	HTTPPort string `yaml:"http_port"`
	Database struct {
		ConnStr  string `yaml:"conn_str"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Host     string `yaml:"host"`
		Port     string `yaml:"port"`
		Name     string `yaml:"name"`
	} `yaml:"database"`
	Orchestrator struct {
		Workers            int      `yaml:"workers"`
		MaxAttempts        int      `yaml:"max_attempts"`
		RetryBackoff       string   `yaml:"retry_backoff"`
		RetryBackoffCap    string   `yaml:"retry_backoff_cap"`
		ApprovalTimeout    string   `yaml:"approval_timeout"`
		EscalationGrace    string   `yaml:"escalation_grace"`
		SweepInterval      string   `yaml:"sweep_interval"`
		EnabledInvestments []string `yaml:"enabled_investments"`
		PrimaryReviewers   []string `yaml:"primary_reviewers"`
		SecondaryReviewers []string `yaml:"secondary_reviewers"`
	} `yaml:"orchestrator"`
}

// Load reads the YAML config at path. A missing file yields defaults so the
// binary runs with env vars alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.HTTPPort = "8080"

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	if cfg.Database.Username == "" {
		cfg.Database.Username = os.Getenv("DB_USERNAME")
	}
	if cfg.Database.Password == "" {
		cfg.Database.Password = os.Getenv("DB_PASSWORD")
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = os.Getenv("DB_HOST")
	}
	if cfg.Database.Port == "" {
		cfg.Database.Port = os.Getenv("DB_PORT")
	}
	if cfg.Database.Name == "" {
		cfg.Database.Name = os.Getenv("DB_NAME")
	}
	return cfg, nil
}

// DBConnStr assembles the postgres connection string.
func (c *Config) DBConnStr() (string, error) {
	if c.Database.ConnStr != "" {
		return c.Database.ConnStr, nil
	}
	d := c.Database
	if d.Username == "" || d.Password == "" || d.Host == "" || d.Port == "" || d.Name == "" {
		return "", errors.New("database config incomplete: set conn_str or DB_* env vars")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		d.Username, d.Password, d.Host, d.Port, d.Name), nil
}

// ServiceConfig maps the orchestrator section onto the service defaults.
func (c *Config) ServiceConfig() (service.Config, error) {
	sc := service.DefaultConfig()
	o := c.Orchestrator
	if o.Workers != 0 {
		sc.Workers = o.Workers
	}
	if o.MaxAttempts != 0 {
		sc.MaxAttempts = o.MaxAttempts
	}
	var err error
	if sc.RetryBackoff, err = override(sc.RetryBackoff, o.RetryBackoff); err != nil {
		return sc, errors.Wrap(err, "retry_backoff")
	}
	if sc.RetryBackoffCap, err = override(sc.RetryBackoffCap, o.RetryBackoffCap); err != nil {
		return sc, errors.Wrap(err, "retry_backoff_cap")
	}
	if sc.ApprovalTimeout, err = override(sc.ApprovalTimeout, o.ApprovalTimeout); err != nil {
		return sc, errors.Wrap(err, "approval_timeout")
	}
	if sc.EscalationGrace, err = override(sc.EscalationGrace, o.EscalationGrace); err != nil {
		return sc, errors.Wrap(err, "escalation_grace")
	}
	if sc.SweepInterval, err = override(sc.SweepInterval, o.SweepInterval); err != nil {
		return sc, errors.Wrap(err, "sweep_interval")
	}
	if len(o.EnabledInvestments) > 0 {
		sc.EnabledInvestments = nil
		for _, raw := range o.EnabledInvestments {
			t := models.InvestmentType(raw)
			switch t {
			case models.LiquidityProducts, models.Stablecoins, models.TimeDeposit, models.DefiYield:
				sc.EnabledInvestments = append(sc.EnabledInvestments, t)
			default:
				return sc, errors.Errorf("unknown investment type %q", raw)
			}
		}
	}
	if len(o.PrimaryReviewers) > 0 {
		sc.PrimaryReviewers = o.PrimaryReviewers
	}
	if len(o.SecondaryReviewers) > 0 {
		sc.SecondaryReviewers = o.SecondaryReviewers
	}
	return sc, nil
}

func override(def time.Duration, raw string) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	return time.ParseDuration(raw)
}
