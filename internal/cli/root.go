// Package cli implements the catalogscan commands using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/adverant/nexus/catalogscan-worker/internal/config"
	"github.com/adverant/nexus/catalogscan-worker/internal/logging"
	"github.com/spf13/cobra"
)

var flagLogLevel string

var rootCmd = &cobra.Command{
	Use:   "catalogscan",
	Short: "catalogscan: turn product catalog PDFs into XLSX product sheets",
	Long: `catalogscan rasterizes catalog PDFs, finds product photos on every page,
reads the description under each photo with Tesseract, and appends one row
per product (thumbnail + description) to an XLSX workbook.

Usage:
  catalogscan serve                          HTTP upload API
  catalogscan worker                         queue worker
  catalogscan process <pdf> <xlsx> [flags]   one local run
  catalogscan enqueue <pdf> <xlsx> [flags]   submit a run to the queue`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies persistent flag overrides
func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	return cfg, logging.NewLogger("catalogscan", cfg.LogLevel), nil
}
