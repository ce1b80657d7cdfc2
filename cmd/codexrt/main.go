// Package main is the entry point for the codexrt binary. codexrt supervises
// a codex app-server process and exposes its event stream.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cpjet64/codexrt/internal/common/config"
	"github.com/cpjet64/codexrt/internal/common/logger"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "codexrt: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configDir string
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "codexrt",
		Short: "codexrt - runtime for the codex app-server",
		Long: `codexrt launches the codex app-server, performs the protocol handshake,
keeps the agent alive with heartbeats and health checks, answers approval
requests and streams agent events.

Configuration is read from config.yaml (in --config, the working directory
or $HOME/.codexrt) and CODEXRT_* environment variables.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.configDir, "config", "", "directory containing config.yaml")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "override logging.format (json, text)")

	rootCmd.AddCommand(newRunCmd(flags))
	rootCmd.AddCommand(newConfigCmd(flags))

	return rootCmd
}

// load reads the configuration and applies flag overrides.
func (f *globalFlags) load() (*config.Config, error) {
	cfg, err := config.LoadWithPath(f.configDir)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}
