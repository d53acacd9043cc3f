package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nxtreasuryorg/treasuryflow/internal/cli"
	"github.com/nxtreasuryorg/treasuryflow/internal/config"
	internal_http "github.com/nxtreasuryorg/treasuryflow/internal/http"
	"github.com/nxtreasuryorg/treasuryflow/internal/log"
	internal_storage "github.com/nxtreasuryorg/treasuryflow/internal/storage"
	"github.com/nxtreasuryorg/treasuryflow/pkg/adapters"
	"github.com/nxtreasuryorg/treasuryflow/pkg/executors"
	"github.com/nxtreasuryorg/treasuryflow/pkg/service"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "treasuryflow"}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the TreasuryFlow orchestrator server",
	Run: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err != nil {
			log.GetLogger().Debugf("No .env file found: %v", err)
		}

		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.GetLogger().Errorf("Failed to load config: %v", err)
			os.Exit(1)
		}
		svcCfg, err := cfg.ServiceConfig()
		if err != nil {
			log.GetLogger().Errorf("Invalid orchestrator config: %v", err)
			os.Exit(1)
		}
		connStr, err := cfg.DBConnStr()
		if err != nil {
			log.GetLogger().Errorf("Database config error: %v", err)
			os.Exit(1)
		}
		store, err := internal_storage.InitStore(connStr)
		if err != nil {
			log.GetLogger().Errorf("Failed to initialize store: %v", err)
			os.Exit(1)
		}
		defer store.Close()

		logger := log.GetLogger()
		notifier := service.LogNotifier{Logger: logger}
		gates := service.NewGateService(store, notifier, svcCfg, logger)
		machine := service.NewMachine(store, gates, adapters.NewSimulatedAdapter(), notifier, svcCfg, logger)
		machine.RegisterExecutor(service.RiskExecutorName, executors.NewRiskExecutor())
		machine.RegisterExecutor(service.ProposalExecutorName, executors.NewProposalExecutor())
		machine.RegisterExecutor(service.InvestmentExecutorName, executors.NewInvestmentExecutor(svcCfg.EnabledInvestments))
		sched := service.NewScheduler(store, machine, gates, notifier, svcCfg, logger)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := sched.Start(ctx); err != nil {
			log.GetLogger().Errorf("Failed to start scheduler: %v", err)
			os.Exit(1)
		}
		defer sched.Stop()

		if err := internal_http.StartServer(cfg.HTTPPort, sched); err != nil {
			log.GetLogger().Errorf("Server error: %v", err)
			os.Exit(1)
		}
	},
}

func main() {
	serverCmd.Flags().String("config", "treasuryflow.yaml", "Path to the YAML config file")
	rootCmd.AddCommand(serverCmd)
	rootCmd.PersistentFlags().String("db", "", "Database connection string (read commands)")
	rootCmd.PersistentFlags().String("addr", "http://localhost:8080", "Server address (mutation commands)")
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
