package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	agentctx "github.com/forgehq/forge/internal/agent/context"
	"github.com/forgehq/forge/internal/history"
	"github.com/forgehq/forge/internal/sandbox"
	"github.com/forgehq/forge/internal/streamjournal"
	"github.com/forgehq/forge/internal/toolbatch"
	"github.com/forgehq/forge/pkg/forge"
)

// OperationState is the turn orchestrator's single source of truth for
// where a turn currently is. No other subsystem may mutate it; every
// transition goes through Turn.transition, which rejects anything not in
// legalTransitions.
type OperationState int

const (
	StateIdle OperationState = iota
	StateStreaming
	StatePlanApproval
	StateToolLoop
	StateDistilling
)

func (s OperationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StatePlanApproval:
		return "plan_approval"
	case StateToolLoop:
		return "tool_loop"
	case StateDistilling:
		return "distilling"
	default:
		return "unknown"
	}
}

var legalTransitions = map[OperationState]map[OperationState]bool{
	StateIdle:         {StateStreaming: true, StateDistilling: true},
	StateStreaming:    {StatePlanApproval: true, StateToolLoop: true, StateIdle: true},
	StatePlanApproval: {StateToolLoop: true, StateIdle: true},
	StateToolLoop:     {StateStreaming: true, StateIdle: true},
	StateDistilling:   {StateIdle: true},
}

// SystemNotificationKind is the closed set of trusted, orchestrator-sourced
// notices injected into the next provider request. Unlike tool output or
// user text, these never pass through anything the model or a tool
// produced — they exist so the model can react to things that happened
// administratively (an approval was granted, diagnostics were found)
// without forge trusting untrusted content to say so.
type SystemNotificationKind string

const (
	NotifyToolsApproved    SystemNotificationKind = "tools_approved"
	NotifyToolsDenied      SystemNotificationKind = "tools_denied"
	NotifyDiagnosticsFound SystemNotificationKind = "diagnostics_found"
)

// SystemNotification is one trusted, administratively-sourced notice queued
// for injection as an assistant-role history entry ahead of the next
// provider request.
type SystemNotification struct {
	Kind   SystemNotificationKind
	Count  int
	Detail string
}

func (n SystemNotification) text() string {
	switch n.Kind {
	case NotifyToolsApproved:
		return fmt.Sprintf("%d tool call(s) were approved.", n.Count)
	case NotifyToolsDenied:
		return fmt.Sprintf("%d tool call(s) were denied.", n.Count)
	case NotifyDiagnosticsFound:
		return n.Detail
	default:
		return n.Detail
	}
}

// PendingApproval describes a batch of tool calls suspended in
// StatePlanApproval, waiting on a human decision.
type PendingApproval struct {
	SessionID string
	Calls     []forge.ToolCall
	Reasons   map[string]string // tool call ID -> reason it needs approval
}

// ApprovalResolution is what an ApprovalResolver returns: either every call
// in the batch is approved (optionally with edited inputs) or the whole
// batch is denied. There is no partial per-call approve/deny at this layer
// — that's resolved upstream by whichever calls made it into PendingApproval
// in the first place.
type ApprovalResolution struct {
	Approved     bool
	EditedInputs map[string]json.RawMessage // tool call ID -> edited input
}

// ApprovalResolver is supplied by the caller to resolve a PlanApproval
// suspend. It blocks until the user responds — there is no timeout, per the
// spec's explicit "user-driven, infinite timeout" rule.
type ApprovalResolver func(ctx context.Context, pending PendingApproval) (ApprovalResolution, error)

// Turn is the turn orchestrator (C9): it holds exactly one OperationState
// and drives it through one request/response cycle, wiring together the
// full history store (C2), stream journal (C3), tool journal (C4), context
// manager (C5), sandbox (C6), tool gate (C7), and provider adapter (C8).
type Turn struct {
	mu    sync.Mutex
	state OperationState

	History     history.Store
	Streams     *streamjournal.Journal
	ToolJournal *toolbatch.Journal
	Builder     *agentctx.Builder
	Router      *ToolRouter
	Provider    LLMProvider
	Tools       *ToolRegistry
	Executor    *Executor
	Sandbox     *sandbox.Sandbox

	sessions *sessionLocks

	// idCounter mints StepId/ToolBatchId values for this process's
	// lifetime. Recovering these across a restart (so a crashed run's
	// journal files are found again) is the recovery coordinator's (C11)
	// job, not the orchestrator's.
	idCounter int64

	notificationsMu sync.Mutex
	notifications   map[string][]SystemNotification // sessionID -> queued notices
}

func (t *Turn) nextID() int64 {
	return atomic.AddInt64(&t.idCounter, 1)
}

// NewTurn wires together one orchestrator instance. Any of Sandbox may be
// nil if the deployment doesn't sandbox filesystem tools.
func NewTurn(hist history.Store, streams *streamjournal.Journal, toolJournal *toolbatch.Journal, builder *agentctx.Builder, router *ToolRouter, provider LLMProvider, tools *ToolRegistry, sb *sandbox.Sandbox) *Turn {
	var executor *Executor
	if tools != nil {
		// Concurrency is pinned to 1: a tool batch runs its calls one at a
		// time (the journal bracketing in executeBatch assumes a stable
		// per-call index), but per-tool timeout/retry still goes through
		// the executor rather than a hand-rolled loop.
		cfg := DefaultExecutorConfig()
		cfg.MaxConcurrency = 1
		executor = NewExecutor(tools, cfg)
	}
	return &Turn{
		History:       hist,
		Streams:       streams,
		ToolJournal:   toolJournal,
		Builder:       builder,
		Router:        router,
		Provider:      provider,
		Tools:         tools,
		Executor:      executor,
		Sandbox:       sb,
		sessions:      newSessionLocks(),
		notifications: make(map[string][]SystemNotification),
	}
}

// State returns the orchestrator's current OperationState.
func (t *Turn) State() OperationState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Turn) transition(to OperationState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !legalTransitions[t.state][to] {
		return fmt.Errorf("agent: illegal transition %s -> %s", t.state, to)
	}
	t.state = to
	return nil
}

func (t *Turn) queueNotification(sessionID string, n SystemNotification) {
	t.notificationsMu.Lock()
	defer t.notificationsMu.Unlock()
	t.notifications[sessionID] = append(t.notifications[sessionID], n)
}

// drainNotifications returns and clears every queued notice for sessionID.
func (t *Turn) drainNotifications(sessionID string) []SystemNotification {
	t.notificationsMu.Lock()
	defer t.notificationsMu.Unlock()
	pending := t.notifications[sessionID]
	delete(t.notifications, sessionID)
	return pending
}

// Run begins a turn for sessionID with userText as the incoming user
// message, and streams ResponseChunks back on the returned channel until
// the turn returns to Idle. Turns on the same session are strictly
// serialized: a second Run call for a session already mid-turn blocks until
// the first reaches Idle.
func (t *Turn) Run(ctx context.Context, sessionID, model, userText string, resolve ApprovalResolver) (<-chan *ResponseChunk, error) {
	release := t.sessions.Lock(sessionID)
	out := make(chan *ResponseChunk, 16)
	go func() {
		defer release()
		defer close(out)
		t.run(ctx, sessionID, model, userText, resolve, out)
	}()
	return out, nil
}

func (t *Turn) run(ctx context.Context, sessionID, model, userText string, resolve ApprovalResolver, out chan<- *ResponseChunk) {
	tc := forge.NewTurnContext()
	changeReport := &sandbox.ChangeReport{}
	ctx = WithChangeRecorder(ctx, tc.Recorder())
	ctx = WithChangeReport(ctx, changeReport)
	defer tc.Retire()

	if err := t.beginTurn(ctx, sessionID, userText); err != nil {
		out <- &ResponseChunk{Error: err}
		return
	}

	for {
		result, err := t.stream(ctx, sessionID, model, out)
		if err != nil {
			t.commitStreamError(ctx, sessionID, result.stepID, err)
			out <- &ResponseChunk{Error: err}
			_ = t.transition(StateIdle)
			return
		}

		if len(result.toolCalls) == 0 {
			t.appendAssistant(ctx, sessionID, result.text, nil, nil)
			t.purgeStep(result.stepID)
			_ = t.transition(StateIdle)
			return
		}

		auto, needApproval, reasons := t.partitionCalls(ctx, sessionID, result.toolCalls)

		approvedCalls := auto
		if len(needApproval) > 0 {
			if err := t.transition(StatePlanApproval); err != nil {
				out <- &ResponseChunk{Error: err}
				return
			}
			if resolve == nil {
				t.queueNotification(sessionID, SystemNotification{Kind: NotifyToolsDenied, Count: len(needApproval)})
			} else {
				resolution, err := resolve(ctx, PendingApproval{SessionID: sessionID, Calls: needApproval, Reasons: reasons})
				if err != nil {
					out <- &ResponseChunk{Error: err}
					_ = t.transition(StateIdle)
					return
				}
				if resolution.Approved {
					for _, call := range needApproval {
						if edited, ok := resolution.EditedInputs[call.ID]; ok {
							call.Input = edited
						}
						approvedCalls = append(approvedCalls, call)
					}
					t.queueNotification(sessionID, SystemNotification{Kind: NotifyToolsApproved, Count: len(needApproval)})
				} else {
					t.queueNotification(sessionID, SystemNotification{Kind: NotifyToolsDenied, Count: len(needApproval)})
				}
			}
		}

		if err := t.transition(StateToolLoop); err != nil {
			out <- &ResponseChunk{Error: err}
			return
		}

		t.appendAssistant(ctx, sessionID, result.text, result.toolCalls, nil)
		t.purgeStep(result.stepID)
		batchID, results := t.executeBatch(ctx, sessionID, approvedCalls, needApproval, out)
		t.appendToolResults(ctx, sessionID, results)
		t.purgeBatch(batchID)

		if err := t.transition(StateStreaming); err != nil {
			out <- &ResponseChunk{Error: err}
			return
		}
	}
}

func (t *Turn) beginTurn(ctx context.Context, sessionID, userText string) error {
	if err := t.transition(StateStreaming); err != nil {
		return err
	}
	msg := forge.Message{
		SessionID: sessionID,
		Role:      forge.RoleUser,
		Content:   userText,
		CreatedAt: time.Now(),
	}
	_, err := t.History.Append(ctx, sessionID, msg)
	return err
}

type streamResult struct {
	text      string
	toolCalls []forge.ToolCall
	stepID    forge.StepId
}

// stream runs one provider round trip: it builds a PreparedContext from the
// history tail, opens a step in the stream journal, and aggregates the
// provider's chunks into a streamResult while forwarding each chunk to out.
// A stream error after at least one delta is returned to the caller, which
// commits the partial content with a badge rather than discarding it.
func (t *Turn) stream(ctx context.Context, sessionID, model string, out chan<- *ResponseChunk) (streamResult, error) {
	prepared, _, err := t.buildContext(ctx, sessionID, model)
	if err != nil {
		return streamResult{}, err
	}

	req := &CompletionRequest{Model: model, System: prepared.System, Messages: toCompletionMessages(prepared.Messages)}
	if t.Tools != nil {
		req.Tools = t.Tools.AsLLMTools()
	}

	chunks, err := t.Provider.Complete(ctx, req)
	if err != nil {
		return streamResult{}, err
	}

	stepID := forge.StepId(0)
	if t.Streams != nil {
		stepID, err = t.openStep(sessionID)
		if err != nil {
			return streamResult{}, err
		}
	}

	var result streamResult
	var gotDelta bool
	for chunk := range chunks {
		if t.Streams != nil {
			t.appendJournalChunk(stepID, chunk)
		}
		if chunk.Error != nil {
			if gotDelta {
				result.stepID = stepID
				return result, chunk.Error
			}
			return streamResult{stepID: stepID}, chunk.Error
		}
		if chunk.Text != "" {
			gotDelta = true
			result.text += chunk.Text
			out <- &ResponseChunk{Text: chunk.Text}
		}
		if chunk.Thinking != "" {
			out <- &ResponseChunk{Thinking: chunk.Thinking, ThinkingStart: chunk.ThinkingStart, ThinkingEnd: chunk.ThinkingEnd}
		}
		if chunk.ToolCall != nil {
			gotDelta = true
			result.toolCalls = append(result.toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			break
		}
	}
	if t.Streams != nil {
		_, _ = t.Streams.Complete(stepID)
	}
	result.stepID = stepID
	return result, nil
}

func (t *Turn) openStep(sessionID string) (forge.StepId, error) {
	return forge.StepId(t.nextID()), nil
}

// purgeStep removes a step's journal file once its content has been folded
// into history, so a later restart's recovery scan does not rediscover
// turns that completed cleanly. Safe to call with a zero stepID (no journal
// was opened, e.g. Streams is nil).
func (t *Turn) purgeStep(stepID forge.StepId) {
	if t.Streams == nil || stepID == 0 {
		return
	}
	_ = t.Streams.Purge(stepID)
}

func (t *Turn) appendJournalChunk(stepID forge.StepId, chunk *CompletionChunk) {
	rec := streamjournal.ChunkRecord{
		Text:          chunk.Text,
		Thinking:      chunk.Thinking,
		ThinkingStart: chunk.ThinkingStart,
		ThinkingEnd:   chunk.ThinkingEnd,
		Done:          chunk.Done,
		InputTokens:   chunk.InputTokens,
		OutputTokens:  chunk.OutputTokens,
	}
	if chunk.Error != nil {
		rec.Error = chunk.Error.Error()
	}
	if chunk.ToolCall != nil {
		rec.ToolCallID = chunk.ToolCall.ID
		rec.ToolCallName = chunk.ToolCall.Name
		rec.ToolCallInput = chunk.ToolCall.Input
	}
	_ = t.Streams.Append(stepID, rec)
}

func (t *Turn) buildContext(ctx context.Context, sessionID, model string) (forge.PreparedContext, []*forge.Message, error) {
	tail, err := t.History.Tail(ctx, sessionID, 200)
	if err != nil {
		return forge.PreparedContext{}, nil, err
	}
	msgs := make([]*forge.Message, 0, len(tail))
	for _, entry := range tail {
		m := entry.Message
		msgs = append(msgs, &m)
	}

	var summaryMsg *forge.Message
	if summary, ok, err := t.History.LatestSummary(ctx, sessionID); err == nil && ok {
		summaryMsg = agentctx.CreateSummaryMessage(sessionID, summary.Body.String(), summary.CoversUpTo.String())
	}

	for _, n := range t.drainNotifications(sessionID) {
		msgs = append(msgs, &forge.Message{SessionID: sessionID, Role: forge.RoleAssistant, Content: n.text(), CreatedAt: time.Now()})
	}

	incoming := msgs[len(msgs)-1]
	priorTurns := msgs[:len(msgs)-1]

	prepared, needed, err := t.Builder.Build(priorTurns, incoming, summaryMsg, agentctx.BuildOptions{Model: model})
	if err != nil {
		return forge.PreparedContext{}, nil, err
	}
	if needed != nil {
		// Background distillation is kicked off by the caller observing
		// SummarizationNeeded on a later Idle tick; Build never blocks for it.
		_ = needed
	}
	return prepared, priorTurns, nil
}

func toCompletionMessages(views []forge.CompletionMessageView) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(views))
	for _, v := range views {
		out = append(out, CompletionMessage{
			Role:        string(v.Role),
			Content:     v.Content,
			ToolCalls:   v.ToolCalls,
			ToolResults: v.ToolResults,
		})
	}
	return out
}

func (t *Turn) partitionCalls(ctx context.Context, sessionID string, calls []forge.ToolCall) (auto []forge.ToolCall, needApproval []forge.ToolCall, reasons map[string]string) {
	reasons = make(map[string]string)
	if t.Router == nil {
		return calls, nil, reasons
	}
	for _, call := range calls {
		result, err := t.Router.Route(ctx, sessionID, sessionID, call)
		if err != nil || result.Decision == ApprovalDenied {
			reasons[call.ID] = result.Reason
			continue
		}
		if result.Decision == ApprovalPending {
			needApproval = append(needApproval, call)
			reasons[call.ID] = result.Reason
			continue
		}
		auto = append(auto, call)
	}
	return auto, needApproval, reasons
}

// executeBatch runs approvedCalls one at a time (concurrency pinned to 1 —
// parallel tool execution within a batch is an open question the spec
// defers), recording each call's lifecycle in the tool journal, and
// produces an error result for every call in deniedCalls without running
// them.
func (t *Turn) executeBatch(ctx context.Context, sessionID string, approvedCalls, deniedCalls []forge.ToolCall, out chan<- *ResponseChunk) (forge.ToolBatchId, []forge.ToolResult) {
	var batchID forge.ToolBatchId
	if t.ToolJournal != nil {
		var err error
		batchID, err = t.openBatch(sessionID)
		if err == nil {
			defer func() { _ = t.ToolJournal.CloseBatch(batchID) }()
		}
	}

	results := make([]forge.ToolResult, 0, len(approvedCalls)+len(deniedCalls))
	for _, call := range deniedCalls {
		results = append(results, forge.ToolResult{ToolCallID: call.ID, Content: "tool call denied", IsError: true})
	}

	for i, call := range approvedCalls {
		if t.ToolJournal != nil {
			_ = t.ToolJournal.CallStarted(batchID, i, call)
		}
		var result forge.ToolResult
		if t.Executor != nil {
			execResult := t.Executor.Execute(ctx, call)
			if execResult.Error != nil {
				result = forge.ToolResult{ToolCallID: call.ID, Content: execResult.Error.Error(), IsError: true}
			} else {
				result = forge.ToolResult{ToolCallID: call.ID, Content: execResult.Result.Content, IsError: execResult.Result.IsError}
			}
		} else {
			result = forge.ToolResult{ToolCallID: call.ID, Content: "no tool registry configured", IsError: true}
		}
		if t.ToolJournal != nil {
			_ = t.ToolJournal.CallCompleted(batchID, i, call, &result, nil)
		}
		out <- &ResponseChunk{ToolResult: &result}
		results = append(results, result)
	}
	return batchID, results
}

func (t *Turn) openBatch(sessionID string) (forge.ToolBatchId, error) {
	batchID := forge.ToolBatchId(t.nextID())
	return batchID, t.ToolJournal.OpenBatch(batchID)
}

// purgeBatch removes a tool batch's journal once its results have been
// folded into history, mirroring purgeStep. Safe to call with a zero
// batchID (no journal was opened, e.g. ToolJournal is nil).
func (t *Turn) purgeBatch(batchID forge.ToolBatchId) {
	if t.ToolJournal == nil || batchID == 0 {
		return
	}
	_ = t.ToolJournal.Purge(batchID)
}

func (t *Turn) appendAssistant(ctx context.Context, sessionID, text string, toolCalls []forge.ToolCall, toolResults []forge.ToolResult) {
	msg := forge.Message{
		SessionID:   sessionID,
		Role:        forge.RoleAssistant,
		Content:     text,
		ToolCalls:   toolCalls,
		ToolResults: toolResults,
		CreatedAt:   time.Now(),
	}
	_, _ = t.History.Append(ctx, sessionID, msg)
}

func (t *Turn) appendToolResults(ctx context.Context, sessionID string, results []forge.ToolResult) {
	if len(results) == 0 {
		return
	}
	msg := forge.Message{
		SessionID:   sessionID,
		Role:        forge.RoleTool,
		ToolResults: results,
		CreatedAt:   time.Now(),
	}
	_, _ = t.History.Append(ctx, sessionID, msg)
}

// StreamErrorBadge is appended to whatever partial assistant content a
// failed stream produced, matching the original implementation's
// conventional error marker. The recovery coordinator (internal/recovery)
// appends the same badge to a partial row recovered after a crash, so it is
// exported rather than duplicated.
const StreamErrorBadge = "\n\n[Stream error]"

func (t *Turn) commitStreamError(ctx context.Context, sessionID string, stepID forge.StepId, err error) {
	t.appendAssistant(ctx, sessionID, err.Error()+StreamErrorBadge, nil, nil)
	t.purgeStep(stepID)
}
