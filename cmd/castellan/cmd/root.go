// Package cmd wires the castellan CLI: configuration loading, logging
// setup, and the run/doctor/status/config subcommands.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/castellan/castellan/internal/config"
	"github.com/castellan/castellan/internal/logging"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// Global flag values.
var (
	cfgFile   string
	verbose   bool
	logFormat string
)

// Cfg holds the loaded configuration, available to all subcommands.
var Cfg *config.Config

// SetVersionInfo is called from main to inject build-time version info.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	buildDate = d
	rootCmd.Version = v
	rootCmd.SetVersionTemplate(fmt.Sprintf("castellan version {{.Version}} (commit: %s, built: %s)\n", c, d))
}

var rootCmd = &cobra.Command{
	Use:   "castellan",
	Short: "Castellan: Windows security-event triage pipeline",
	Long: `Castellan ingests Windows Event Log records, derives embeddings,
retrieves similar historical events, classifies them with one or more
LLMs, and fans ranked security events out to notification channels.`,
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Flags override the file's logging section; set up a provisional
		// logger first so config loading itself is logged.
		logging.Setup(logFormat, verbose)

		var err error
		Cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		if !cmd.Flags().Changed("log-format") && Cfg.Logging.Format != "" {
			logging.Setup(Cfg.Logging.Format, verbose || Cfg.Logging.Verbose)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml or /etc/castellan/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log output format (text or json)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("castellan version {{.Version}} (commit: %s, built: %s)\n", commit, buildDate))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
