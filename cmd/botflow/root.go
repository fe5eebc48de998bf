package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"botflow/internal/config"
	"botflow/internal/logging"
)

var (
	flagConfig  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "botflow",
	Short: "Trigger-driven bot runtime with a self-modification pipeline",
	Long: `botflow runs a time-ordered task scheduler behind a message router and
exposes a gated self-modification pipeline: code changes are proposed,
approved, committed as one batch, verified, and auto-reverted when
verification fails.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file path (yaml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves the effective configuration for a command run.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if flagVerbose {
		cfg.Verbose = true
	}
	if cfg.Verbose {
		logging.SetLevel(logging.DEBUG)
	} else {
		logging.SetLevel(logging.INFO)
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the botflow version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("botflow 0.3.0")
	},
}
