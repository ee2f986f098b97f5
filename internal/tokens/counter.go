// Package tokens counts tokens for the two supported provider families and
// resolves per-model limits from the model registry. It backs the context
// manager's soft/hard threshold checks (C5) and the cache budget accounting
// that rides alongside them.
package tokens

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/forgehq/forge/internal/models"
	"github.com/forgehq/forge/pkg/forge"
)

// ResolvedModelLimits describes the effective limits a model enforces.
// Unknown models fall back to DefaultLimits rather than erroring, since the
// context manager must always be able to make a packing decision.
type ResolvedModelLimits struct {
	InputTokens      int
	OutputTokens     int
	SupportsThinking bool
	SupportsCaching  bool
}

// DefaultLimits is used for models absent from the registry.
var DefaultLimits = ResolvedModelLimits{
	InputTokens:      128_000,
	OutputTokens:     4_096,
	SupportsThinking: false,
	SupportsCaching:  false,
}

// ResolveLimits looks up a model's effective limits in the shared catalog.
func ResolveLimits(modelID string) ResolvedModelLimits {
	m, ok := models.Get(modelID)
	if !ok {
		return DefaultLimits
	}
	return ResolvedModelLimits{
		InputTokens:      m.ContextWindow,
		OutputTokens:     m.MaxOutputTokens,
		SupportsThinking: m.HasCapability(models.CapReasoning),
		SupportsCaching:  m.HasCapability(models.CapCaching),
	}
}

// Counter counts tokens for a model, picking the byte-pair encoding that
// matches the model's provider family. Claude-family counts go through the
// Anthropic SDK's own tokenizer via CountFn (injected, since it requires a
// network round trip against the Anthropic API in the general case);
// OpenAI-family counts are computed locally with tiktoken-go, which ships
// the cl100k/o200k encodings and needs no network access.
type Counter struct {
	mu    sync.Mutex
	encs  map[string]*tiktoken.Tiktoken
	Claude ClaudeCounter
}

// ClaudeCounter counts tokens for Claude-family models. Implementations
// typically wrap anthropicsdk.Client.Messages.CountTokens; a nil Claude
// field falls back to the char-based heuristic below.
type ClaudeCounter interface {
	CountTokens(model, system string, messages []forge.CompletionMessageView) (int, error)
}

// NewCounter constructs a Counter. claude may be nil, in which case Claude
// models fall back to the conservative chars/4 estimate.
func NewCounter(claude ClaudeCounter) *Counter {
	return &Counter{encs: make(map[string]*tiktoken.Tiktoken), Claude: claude}
}

// IsOpenAIFamily reports whether modelID belongs to the OpenAI model family
// (gpt-*, o1-*, o3-*, etc.) as opposed to Claude.
func IsOpenAIFamily(modelID string) bool {
	lower := strings.ToLower(modelID)
	return strings.HasPrefix(lower, "gpt-") || strings.HasPrefix(lower, "o1") || strings.HasPrefix(lower, "o3") || strings.HasPrefix(lower, "o4")
}

// CountText counts the tokens in a single string for the given model.
func (c *Counter) CountText(model, text string) int {
	if IsOpenAIFamily(model) {
		return c.countOpenAI(model, text)
	}
	return c.countCharsHeuristic(text)
}

// CountMessages counts the tokens a full provider request would spend on
// the supplied system prompt and messages.
func (c *Counter) CountMessages(model, system string, messages []forge.CompletionMessageView) int {
	if !IsOpenAIFamily(model) && c.Claude != nil {
		if n, err := c.Claude.CountTokens(model, system, messages); err == nil {
			return n
		}
	}
	total := c.CountText(model, system)
	for _, m := range messages {
		total += c.CountText(model, m.Content)
		for _, tc := range m.ToolCalls {
			total += c.CountText(model, tc.Name) + c.CountText(model, string(tc.Input))
		}
		for _, tr := range m.ToolResults {
			total += c.CountText(model, tr.Content)
		}
	}
	return total
}

func (c *Counter) countOpenAI(model, text string) int {
	enc := c.encodingFor(model)
	if enc == nil {
		return c.countCharsHeuristic(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (c *Counter) encodingFor(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encs[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil
		}
	}
	c.encs[model] = enc
	return enc
}

// countCharsHeuristic is the conservative fallback used for Claude models
// with no injected counter, and for any encoding tiktoken doesn't
// recognize: roughly 4 characters per token, rounded up.
func (c *Counter) countCharsHeuristic(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
