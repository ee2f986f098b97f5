package context

import (
	"github.com/forgehq/forge/internal/tokens"
	"github.com/forgehq/forge/pkg/forge"
)

// BuildOptions configures the token-exact build step that sits on top of
// Packer's char-budget selection. Pack gives a cheap, fast first cut;
// Build re-measures that cut with a real Counter and enforces the spec's
// soft/hard threshold pair in tokens rather than characters.
type BuildOptions struct {
	Model string

	// SoftThreshold is the input-token count at which background
	// distillation should be kicked off for next turn. Crossing it never
	// blocks the current turn.
	SoftThreshold int

	// HardThreshold is the input-token count past which the turn cannot be
	// sent at all without synchronous compaction first. Must be > SoftThreshold.
	HardThreshold int
}

// Builder turns a char-budget Packer selection into a PreparedContext,
// re-measuring it in real tokens and assigning cache hints from a
// CacheBudget. It is the token-exact half of the context manager (C5); the
// char-budget Packer remains the cheap first-pass selector it always was.
type Builder struct {
	packer  *Packer
	counter *tokens.Counter
}

// NewBuilder constructs a Builder around an existing Packer and Counter.
func NewBuilder(packer *Packer, counter *tokens.Counter) *Builder {
	return &Builder{packer: packer, counter: counter}
}

// Build selects messages via the packer, measures the selection in tokens
// for opts.Model, and returns one of:
//   - a PreparedContext, when the selection fits within HardThreshold,
//   - a PreparedContext plus a non-nil *SummarizationNeeded, when it fits but
//     crossed SoftThreshold (the caller should kick off background
//     distillation but still send this turn), or
//   - a MandatoryCompaction error, when even the packer's trimmed selection
//     still exceeds HardThreshold and the oldest-message drop path also
//     couldn't bring it under the limit.
func (b *Builder) Build(history []*forge.Message, incoming *forge.Message, summary *forge.Message, opts BuildOptions) (forge.PreparedContext, *forge.SummarizationNeeded, error) {
	limits := tokens.ResolveLimits(opts.Model)
	hard := opts.HardThreshold
	if hard <= 0 {
		hard = limits.InputTokens
	}
	soft := opts.SoftThreshold
	if soft <= 0 || soft >= hard {
		soft = hard * 3 / 4
	}

	packed, err := b.packer.Pack(history, incoming, summary)
	if err != nil {
		return forge.PreparedContext{}, nil, err
	}

	views, approxTokens, system := b.measure(opts.Model, packed)
	truncatedOldest := false

	for approxTokens > hard && len(views) > 1 {
		// Drop the oldest non-summary message and re-measure. The summary
		// (if present) and the incoming message are always index 0 / last
		// and are never dropped by this path.
		dropAt := 0
		if len(packed) > 0 && b.packer.isSummaryMessage(packed[0]) {
			dropAt = 1
		}
		if dropAt >= len(packed)-1 {
			break
		}
		packed = append(packed[:dropAt], packed[dropAt+1:]...)
		views, approxTokens, system = b.measure(opts.Model, packed)
		truncatedOldest = true
	}

	if approxTokens > hard {
		sessionID := ""
		if incoming != nil {
			sessionID = incoming.SessionID
		}
		return forge.PreparedContext{}, nil, forge.MandatoryCompaction{
			SessionID:    sessionID,
			ApproxTokens: approxTokens,
			HardLimit:    hard,
		}
	}

	cache := forge.NewCacheBudget()
	assignCacheHints(views, &cache)

	prepared := forge.PreparedContext{
		System:          system,
		Messages:        views,
		Cache:           cache,
		TruncatedOldest: truncatedOldest,
	}

	var needed *forge.SummarizationNeeded
	if approxTokens > soft && incoming != nil {
		needed = &forge.SummarizationNeeded{
			SessionID:    incoming.SessionID,
			ApproxTokens: approxTokens,
		}
	}

	return prepared, needed, nil
}

func (b *Builder) measure(model string, packed []*forge.Message) ([]forge.CompletionMessageView, int, string) {
	var system string
	views := make([]forge.CompletionMessageView, 0, len(packed))
	for _, m := range packed {
		if m == nil {
			continue
		}
		if m.Role == forge.RoleSystem {
			system = m.Content
			continue
		}
		views = append(views, forge.CompletionMessageView{
			Role:        m.Role,
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	total := b.counter.CountMessages(model, system, views)
	return views, total, system
}

// assignCacheHints spends the cache budget on the oldest stable messages
// first, leaving the most recent (most likely to change) message unhinted,
// per the spec's fixed priority order.
func assignCacheHints(views []forge.CompletionMessageView, cache *forge.CacheBudget) {
	for i := range views {
		if i == len(views)-1 {
			break // never hint the most recent turn
		}
		if !cache.Spend() {
			return
		}
		views[i].CacheHint = true
	}
}
