package agent

import (
	"context"
	"encoding/json"
	"testing"

	agentctx "github.com/forgehq/forge/internal/agent/context"
	"github.com/forgehq/forge/internal/history"
	"github.com/forgehq/forge/internal/streamjournal"
	"github.com/forgehq/forge/internal/tokens"
	"github.com/forgehq/forge/internal/toolbatch"
	"github.com/forgehq/forge/pkg/forge"
)

// fakeProvider replays a fixed sequence of chunk batches, one batch per
// Complete call, so a test can script a multi-round tool-use exchange.
type fakeProvider struct {
	batches [][]*CompletionChunk
	calls   int
}

func (p *fakeProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	idx := p.calls
	p.calls++
	if idx >= len(p.batches) {
		idx = len(p.batches) - 1
	}
	ch := make(chan *CompletionChunk, len(p.batches[idx]))
	for _, c := range p.batches[idx] {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *fakeProvider) Name() string        { return "fake" }
func (p *fakeProvider) Models() []Model     { return nil }
func (p *fakeProvider) SupportsTools() bool { return true }

type fakeTool struct{ name string }

func (t *fakeTool) Name() string            { return t.name }
func (t *fakeTool) Description() string     { return "a fake tool" }
func (t *fakeTool) Schema() json.RawMessage { return json.RawMessage(`{}`) }
func (t *fakeTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return &ToolResult{Content: "ok"}, nil
}

func newTestTurn(t *testing.T, provider LLMProvider, policy *ApprovalPolicy) *Turn {
	t.Helper()
	hist := history.NewMemoryStore()
	streams, err := streamjournal.Open(t.TempDir())
	if err != nil {
		t.Fatalf("streamjournal.Open: %v", err)
	}
	batches, err := toolbatch.Open(t.TempDir())
	if err != nil {
		t.Fatalf("toolbatch.Open: %v", err)
	}
	packer := agentctx.NewPacker(agentctx.DefaultPackOptions())
	builder := agentctx.NewBuilder(packer, tokens.NewCounter(nil))
	checker := NewApprovalChecker(policy)
	router := NewToolRouter(checker)
	registry := NewToolRegistry()
	registry.Register(&fakeTool{name: "read_file"})

	return NewTurn(hist, streams, batches, builder, router, provider, registry, nil)
}

func TestTurn_PlainReply_NoToolCalls(t *testing.T) {
	provider := &fakeProvider{batches: [][]*CompletionChunk{
		{{Text: "hi"}, {Done: true}},
	}}
	turn := newTestTurn(t, provider, nil)

	out, err := turn.Run(context.Background(), "session-1", "gpt-4o", "hello", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var text string
	for chunk := range out {
		if chunk.Error != nil {
			t.Fatalf("unexpected chunk error: %v", chunk.Error)
		}
		text += chunk.Text
	}
	if text != "hi" {
		t.Errorf("text = %q, want %q", text, "hi")
	}
	if turn.State() != StateIdle {
		t.Errorf("state = %v, want Idle", turn.State())
	}
}

func TestTurn_ToolCall_AutoAllowedThenPlainReply(t *testing.T) {
	provider := &fakeProvider{batches: [][]*CompletionChunk{
		{{ToolCall: &forge.ToolCall{ID: "tc-1", Name: "read_file", Input: json.RawMessage(`{}`)}}, {Done: true}},
		{{Text: "done"}, {Done: true}},
	}}
	policy := &ApprovalPolicy{Allowlist: []string{"read_file"}, DefaultDecision: ApprovalAllowed}
	turn := newTestTurn(t, provider, policy)

	out, err := turn.Run(context.Background(), "session-2", "gpt-4o", "read the file", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sawToolResult bool
	var text string
	for chunk := range out {
		if chunk.Error != nil {
			t.Fatalf("unexpected chunk error: %v", chunk.Error)
		}
		if chunk.ToolResult != nil {
			sawToolResult = true
		}
		text += chunk.Text
	}
	if !sawToolResult {
		t.Error("expected a tool result chunk")
	}
	if text != "done" {
		t.Errorf("text = %q, want %q", text, "done")
	}
	if turn.State() != StateIdle {
		t.Errorf("state = %v, want Idle", turn.State())
	}
}

func TestTurn_ToolCall_RequiresApprovalAndDeniedWithoutResolver(t *testing.T) {
	provider := &fakeProvider{batches: [][]*CompletionChunk{
		{{ToolCall: &forge.ToolCall{ID: "tc-1", Name: "read_file", Input: json.RawMessage(`{}`)}}, {Done: true}},
		{{Text: "fallback"}, {Done: true}},
	}}
	policy := &ApprovalPolicy{RequireApproval: []string{"read_file"}, AskFallback: true, DefaultDecision: ApprovalAllowed}
	turn := newTestTurn(t, provider, policy)

	out, err := turn.Run(context.Background(), "session-3", "gpt-4o", "read the file", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for chunk := range out {
		if chunk.Error != nil {
			t.Fatalf("unexpected chunk error: %v", chunk.Error)
		}
	}
	if turn.State() != StateIdle {
		t.Errorf("state = %v, want Idle", turn.State())
	}
}

func TestOperationState_IllegalTransitionRejected(t *testing.T) {
	turn := newTestTurn(t, &fakeProvider{}, nil)
	if err := turn.transition(StateToolLoop); err == nil {
		t.Fatal("expected Idle -> ToolLoop to be illegal")
	}
}
