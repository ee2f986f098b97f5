// Package recovery implements the recovery coordinator (C11): the startup
// procedure that reconciles the stream journal (C3) and tool journal (C4)
// against the full history store (C2) after an unclean shutdown, so a turn
// never resumes with ambiguous state. It generalizes the teacher's load-time
// transcript repair (internal/agent/transcript_repair.go, which pairs up
// dangling tool calls against a truncated history tail) into the two
// journals' explicit recover() contracts: every row the journals still hold
// on disk is either folded into history as something that actually
// committed, or discarded as a best-effort partial with the tool gate
// latched shut if its outcome is unknowable.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/forgehq/forge/internal/agent"
	"github.com/forgehq/forge/internal/history"
	"github.com/forgehq/forge/internal/streamjournal"
	"github.com/forgehq/forge/internal/toolbatch"
	"github.com/forgehq/forge/pkg/forge"
)

// Report summarizes what Recover found and did, so the caller (cmd/forge's
// startup path and its `forge doctor` dry-run) can print a human-readable
// account of what happened to a crashed session.
type Report struct {
	// RecoveredSteps is every step row Recover found in the stream journal.
	RecoveredSteps int
	// PartialSteps is the subset of RecoveredSteps that never reached a
	// Done record and were materialized as a "[Stream error]" partial.
	PartialSteps int
	// RecoveredBatches is every batch row Recover found in the tool journal.
	RecoveredBatches int
	// UnhealthyBatches is the subset of RecoveredBatches that did not end
	// in every call Executed or Denied, which flips the tool gate.
	UnhealthyBatches int
	// GateDisabled reports whether Recover flipped the tool gate shut.
	GateDisabled bool
	// GateReason is the human-readable reason attached to the gate, if
	// GateDisabled is true.
	GateReason string
}

// Coordinator wires the two journals, the history store they reconcile
// into, and the tool gate they may need to latch shut.
type Coordinator struct {
	History history.Store
	Streams *streamjournal.Journal
	Batches *toolbatch.Journal
	Gate    *agent.ToolGate
}

// New returns a Coordinator. gate may be nil if the caller has no tool
// router wired (e.g. a history-only tool, or a test harness) — an
// unhealthy batch is still discarded, just without latching anything shut.
func New(hist history.Store, streams *streamjournal.Journal, batches *toolbatch.Journal, gate *agent.ToolGate) *Coordinator {
	return &Coordinator{History: hist, Streams: streams, Batches: batches, Gate: gate}
}

// Recover runs the spec's four-step recovery procedure for sessionID: load
// history read-only (implicit — Recover only ever appends to it), replay
// the stream journal and fold every row into history (committed as-is if
// the stream finished, or as a tagged partial if it didn't), replay the
// tool journal and fold every healthy batch's results into history (or
// disable the tool gate if a batch's outcome can't be trusted), then return
// — the caller starts its Turn in StateIdle as usual, since Idle is simply
// the orchestrator's resting state and recovery never constructs a Turn of
// its own.
//
// Recovery is scoped to one session because forge journals carry no
// SessionID of their own (a step or batch belongs to whichever session was
// active when the process wrote it, and only one session is ever active in
// forge's local single-process CLI model); the caller supplies sessionID
// from whatever session it is about to resume.
func (c *Coordinator) Recover(ctx context.Context, sessionID string) (Report, error) {
	var report Report

	if c.Streams != nil {
		steps, err := c.Streams.Recover()
		if err != nil {
			return report, fmt.Errorf("recovery: stream journal: %w", err)
		}
		for _, step := range steps {
			report.RecoveredSteps++
			if err := c.recoverStep(ctx, sessionID, step); err != nil {
				return report, fmt.Errorf("recovery: stream journal: step %s: %w", step.Step, err)
			}
			if !step.Complete {
				report.PartialSteps++
			}
			_ = c.Streams.Purge(step.Step)
		}
	}

	if c.Batches != nil {
		batches, err := c.Batches.Recover()
		if err != nil {
			return report, fmt.Errorf("recovery: tool journal: %w", err)
		}
		for _, batch := range batches {
			report.RecoveredBatches++
			healthy := batch.Healthy()
			if !healthy {
				report.UnhealthyBatches++
			}
			if err := c.recoverBatch(ctx, sessionID, batch, healthy); err != nil {
				return report, fmt.Errorf("recovery: tool journal: batch %s: %w", batch.Batch, err)
			}
			_ = c.Batches.Purge(batch.Batch)
		}
		if report.UnhealthyBatches > 0 && c.Gate != nil {
			const reason = "tool journal unhealthy after crash"
			c.Gate.Disable(reason)
			report.GateDisabled = true
			report.GateReason = reason
		}
	}

	return report, nil
}

// recoverStep folds one recovered stream row into history: a row that ran
// to completion is treated as already committed content and appended
// as-is (the turn orchestrator never reached the point of appending it
// itself, since the crash happened before that append), while an
// incomplete row is materialized as a best-effort partial tagged with the
// same badge a live stream error gets.
func (c *Coordinator) recoverStep(ctx context.Context, sessionID string, step streamjournal.RecoveredStep) error {
	text, toolCalls := reassembleStep(step.Records)
	if !step.Complete {
		text += agent.StreamErrorBadge
	}
	if text == "" && len(toolCalls) == 0 {
		// Nothing survived the crash worth keeping (e.g. the journal was
		// opened but no delta ever landed) — still nothing to append.
		return nil
	}
	msg := forge.Message{
		SessionID: sessionID,
		Role:      forge.RoleAssistant,
		Content:   text,
		ToolCalls: toolCalls,
		CreatedAt: time.Now(),
	}
	_, err := c.History.Append(ctx, sessionID, msg)
	return err
}

// reassembleStep replays a stream's chunk records back into the text and
// tool calls they would have produced, mirroring stream()'s own
// aggregation in internal/agent/turn.go.
func reassembleStep(records []streamjournal.ChunkRecord) (string, []forge.ToolCall) {
	var text string
	var calls []forge.ToolCall
	for _, rec := range records {
		text += rec.Text
		if rec.ToolCallID != "" {
			calls = append(calls, forge.ToolCall{ID: rec.ToolCallID, Name: rec.ToolCallName, Input: rec.ToolCallInput})
		}
	}
	return text, calls
}

// recoverBatch folds one recovered tool batch into history. A healthy batch
// (every call Executed or Denied, i.e. Completed in the journal's terms)
// has its results appended as a tool-role message, exactly as
// Turn.appendToolResults would have. An unhealthy batch's pending/unknown
// calls are discarded outright — their outcome can't be trusted, so
// nothing is appended for them, and the caller disables the tool gate for
// the remainder of the session.
func (c *Coordinator) recoverBatch(ctx context.Context, sessionID string, batch toolbatch.RecoveredBatch, healthy bool) error {
	if !healthy {
		return nil
	}
	results := make([]forge.ToolResult, 0, len(batch.Statuses))
	for _, st := range batch.Statuses {
		if !st.Completed {
			continue
		}
		if st.Result != nil {
			results = append(results, *st.Result)
			continue
		}
		results = append(results, forge.ToolResult{ToolCallID: st.ToolCallID, Content: st.Err, IsError: true})
	}
	if len(results) == 0 {
		return nil
	}
	msg := forge.Message{
		SessionID:   sessionID,
		Role:        forge.RoleTool,
		ToolResults: results,
		CreatedAt:   time.Now(),
	}
	_, err := c.History.Append(ctx, sessionID, msg)
	return err
}
