// Package cli wires the engine's components behind cobra subcommands.
package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"strategy-engine/internal/logging"
	"strategy-engine/pkg/config"
)

// app carries what every subcommand needs once the root has loaded configuration.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	version string
}

// NewRootCmd creates the root command
func NewRootCmd(version string) *cobra.Command {
	a := &app{version: version, logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:           "strategy-engine",
		Short:         "Strategy lifecycle and execution engine",
		Long:          `Runs paper, live and auto-promoting trading strategies on a fixed polling cadence and keeps their performance journals.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
			}
			if cmd.Flags().Changed("pretty") {
				cfg.LogPretty, _ = cmd.Flags().GetBool("pretty")
			}
			a.cfg = cfg
			a.logger = logging.New(cfg.LogLevel, cfg.LogPretty)
			return nil
		},
	}

	rootCmd.AddCommand(newRunCmd(a))
	rootCmd.AddCommand(newSummarizeCmd(a))
	rootCmd.AddCommand(newVerifyCmd(a))
	rootCmd.AddCommand(newResetCmd(a))
	rootCmd.AddCommand(newImportCmd(a))
	rootCmd.AddCommand(newSetModeCmd(a))
	rootCmd.AddCommand(newSetSymbolCmd(a))
	rootCmd.AddCommand(newCredentialsCmd(a))
	rootCmd.AddCommand(newWorkerCmd(a))
	rootCmd.AddCommand(newTokenCmd(a))
	rootCmd.AddCommand(newVersionCmd(a))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Human-readable console logs")

	return rootCmd
}

// newVersionCmd creates the version command
func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "strategy-engine %s\n", a.version)
		},
	}
}
