package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/forgehq/forge/internal/agent"
	"github.com/spf13/cobra"
)

// runInteractive is the root command's RunE: it builds a runtime, runs
// startup recovery (C11), then drives a line-oriented REPL over stdin until
// EOF or an unrecoverable error.
func runInteractive(cmd *cobra.Command, configPath, dataDir, sessionID string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, warnings, err := newRuntime(configPath, dataDir, sessionID)
	if err != nil {
		return &configError{err: err}
	}
	defer rt.close()

	out := cmd.OutOrStdout()
	for _, w := range warnings {
		fmt.Fprintln(cmd.ErrOrStderr(), "forge: warning:", w)
	}

	report, err := rt.recoverer.Recover(ctx, rt.sessionID)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if report.RecoveredSteps > 0 || report.RecoveredBatches > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "forge: recovered %d stream step(s) (%d partial), %d tool batch(es) (%d unhealthy)\n",
			report.RecoveredSteps, report.PartialSteps, report.RecoveredBatches, report.UnhealthyBatches)
		if report.GateDisabled {
			fmt.Fprintf(cmd.ErrOrStderr(), "forge: tool gate disabled: %s\n", report.GateReason)
		}
	}

	fmt.Fprintf(out, "forge ready (model: %s). Type your message, or Ctrl-D to exit.\n", rt.model())
	reader := bufio.NewScanner(cmd.InOrStdin())
	reader.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Fprint(out, "> ")
		if !reader.Scan() {
			break
		}
		line := strings.TrimSpace(reader.Text())
		if line == "" {
			continue
		}

		chunks, err := rt.turn.Run(ctx, rt.sessionID, rt.model(), line, stdinApprovalResolver(cmd))
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "forge:", err)
			continue
		}
		drainChunks(cmd, chunks)
	}
	if err := reader.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

func drainChunks(cmd *cobra.Command, chunks <-chan *agent.ResponseChunk) {
	out := cmd.OutOrStdout()
	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			fmt.Fprintln(cmd.ErrOrStderr(), "forge: stream error:", chunk.Error)
		case chunk.ToolResult != nil:
			if chunk.ToolResult.IsError {
				fmt.Fprintf(cmd.ErrOrStderr(), "\n[tool error] %s\n", chunk.ToolResult.Content)
			} else {
				fmt.Fprintf(out, "\n[tool result] %s\n", chunk.ToolResult.Content)
			}
		case chunk.Text != "":
			fmt.Fprint(out, chunk.Text)
		}
	}
	fmt.Fprintln(out)
}

// stdinApprovalResolver prompts on stdout and blocks on a fresh stdin
// scanner for a y/n decision. Per the turn orchestrator's contract there is
// no timeout: it waits until the user answers.
func stdinApprovalResolver(cmd *cobra.Command) agent.ApprovalResolver {
	return func(ctx context.Context, pending agent.PendingApproval) (agent.ApprovalResolution, error) {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "\nforge: the following tool call(s) need approval:")
		for _, call := range pending.Calls {
			reason := pending.Reasons[call.ID]
			fmt.Fprintf(out, "  - %s(%s): %s\n", call.Name, call.ID, reason)
		}
		fmt.Fprint(out, "Approve? [y/N] ")

		scanner := bufio.NewScanner(cmd.InOrStdin())
		if !scanner.Scan() {
			return agent.ApprovalResolution{Approved: false}, nil
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		approved := answer == "y" || answer == "yes"
		return agent.ApprovalResolution{Approved: approved}, nil
	}
}
