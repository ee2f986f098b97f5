// Command forge is the interactive CLI entry point for the turn
// orchestration engine: a local, single-session REPL that streams a
// provider's replies to the terminal and executes tool calls in place,
// journaling enough state along the way that a crash mid-turn can be
// recovered on the next launch.
//
// # Basic usage
//
//	forge                  # start an interactive session
//	forge doctor            # validate config and run crash recovery
//
// # Environment variables
//
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY: provider secrets, used when
//     config.toml does not set api_keys.<provider>.
//   - FORGE_ALLOW_COREDUMPS: set to 1, true, or yes to disable crash-dump
//     hardening.
//   - FORGE_HOME: overrides the default ~/.forge data directory.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/forgehq/forge/internal/config"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// configError marks an error that should exit with code 2 (spec §6:
// "2 reserved for config errors") rather than the generic code 1.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	for _, warning := range config.ApplyCrashHardening() {
		slog.Warn(warning)
	}

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "forge:", err)
		var cfgErr *configError
		if isConfigError(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func isConfigError(err error, target **configError) bool {
	for err != nil {
		if ce, ok := err.(*configError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func buildRootCmd() *cobra.Command {
	var configPath, dataDir, sessionID string

	rootCmd := &cobra.Command{
		Use:           "forge",
		Short:         "forge - a local turn orchestration engine",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd, configPath, dataDir, sessionID)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultForgeConfigPath(), "Path to config.toml")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", config.DefaultForgeDataDir(), "Directory holding history.db, stream.journal, tool.journal")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "default", "Session id to resume or start")

	rootCmd.AddCommand(buildDoctorCmd(&configPath, &dataDir, &sessionID))
	return rootCmd
}
