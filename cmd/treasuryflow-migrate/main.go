package main

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"github.com/nxtreasuryorg/treasuryflow/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "treasuryflow-migrate"}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the TreasuryFlow schema migrations",
	Long: "Applies the workflows, gates, invocations and executions tables. " +
		"The database is resolved like the server does it: --db wins, then the " +
		"YAML config, then the DB_* environment variables.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err != nil {
			fmt.Printf("No .env file found or failed to load: %v\n", err)
		}

		connStr, _ := cmd.Flags().GetString("db")
		if connStr == "" {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				fmt.Printf("Failed to load config: %v\n", err)
				os.Exit(1)
			}
			connStr, err = cfg.DBConnStr()
			if err != nil {
				fmt.Printf("No database to migrate: %v\n", err)
				os.Exit(1)
			}
		}

		migrationsPath, _ := cmd.Flags().GetString("migrations")
		m, err := migrate.New("file://"+migrationsPath, connStr)
		if err != nil {
			fmt.Printf("Failed to initialize migrations from %s: %v\n", migrationsPath, err)
			os.Exit(1)
		}
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("TreasuryFlow schema is up to date")
	},
}

func main() {
	migrateCmd.Flags().String("db", "", "Database connection string (overrides config and env)")
	migrateCmd.Flags().String("config", "treasuryflow.yaml", "Path to the YAML config file")
	migrateCmd.Flags().String("migrations", "migrations", "Path to the migration files")
	rootCmd.AddCommand(migrateCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
