package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	configPath string
	envOnly    bool
)

var rootCmd = &cobra.Command{
	Use:   "smartmoney",
	Short: "Polymarket smart-money tracker",
	Long: `smartmoney polls the Polymarket leaderboard, tiers traders, finds the
markets they concentrate in and breaks multi-outcome events down by on-chain
holdings. "serve" runs the scheduler and the HTTP API.`,
	SilenceUsage: true,
}

func init() {
	defaultPath := os.Getenv("SM_CONFIG")
	if defaultPath == "" {
		defaultPath = "config/config.yaml"
	}
	defaultEnvOnly := false
	if raw := os.Getenv("SM_ENV_ONLY"); raw != "" {
		defaultEnvOnly = strings.EqualFold(raw, "true") || raw == "1"
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultPath, "path to config.yaml")
	rootCmd.PersistentFlags().BoolVar(&envOnly, "env-only", defaultEnvOnly, "read configuration from SM_* environment variables only")

	rootCmd.AddCommand(serveCmd, runCmd, migrateCmd)
}

// @title smartmoney API
// @version 1.0
// @description Polymarket smart-money projections: tiered traders, smart markets and multi-outcome holdings.
// @BasePath /
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
