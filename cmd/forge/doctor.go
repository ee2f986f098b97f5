package main

import (
	"fmt"

	"github.com/forgehq/forge/internal/config"
	"github.com/spf13/cobra"
)

// buildDoctorCmd creates the "doctor" command: it validates config.toml,
// opens the data directory's stores, and runs the same startup recovery
// (C11) the interactive command would — without entering the REPL — so an
// operator can check crash recovery out of band.
func buildDoctorCmd(configPath, dataDir, sessionID *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate config and run crash recovery without starting a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, *configPath, *dataDir, *sessionID)
		},
	}
	return cmd
}

func runDoctor(cmd *cobra.Command, configPath, dataDir, sessionID string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "config:   %s\n", configPath)
	fmt.Fprintf(out, "data dir: %s\n", dataDir)

	if !config.CoredumpsAllowedByOverride() {
		fmt.Fprintln(out, "crash hardening: enabled (set FORGE_ALLOW_COREDUMPS=yes to disable)")
	} else {
		fmt.Fprintln(out, "crash hardening: DISABLED via FORGE_ALLOW_COREDUMPS")
	}

	rt, warnings, err := newRuntime(configPath, dataDir, sessionID)
	if err != nil {
		return &configError{err: err}
	}
	defer rt.close()

	for _, w := range warnings {
		fmt.Fprintln(out, "config warning:", w)
	}
	fmt.Fprintf(out, "provider: %s\n", rt.cfg.App.Provider)
	fmt.Fprintf(out, "model:    %s\n", rt.model())

	report, err := rt.recoverer.Recover(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	fmt.Fprintf(out, "recovered steps:   %d (%d partial)\n", report.RecoveredSteps, report.PartialSteps)
	fmt.Fprintf(out, "recovered batches: %d (%d unhealthy)\n", report.RecoveredBatches, report.UnhealthyBatches)
	if report.GateDisabled {
		fmt.Fprintf(out, "tool gate: DISABLED (%s)\n", report.GateReason)
	} else {
		fmt.Fprintln(out, "tool gate: enabled")
	}

	fmt.Fprintln(out, "ok")
	return nil
}
