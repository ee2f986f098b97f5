package forge

import "time"

// HistoryEntry is one immutable row of the full history store (C2). The
// store is append-only: entries are never edited or deleted, only appended
// and, for superseded ranges, covered by a Summary.
type HistoryEntry struct {
	ID        MessageId `json:"id"`
	SessionID string    `json:"session_id"`
	Message   Message   `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary is a condensed stand-in for a contiguous run of history entries,
// produced by the context manager's background distillation and persisted
// through the history store so it survives a restart. CoversUpTo is the
// last HistoryEntry id folded into Body; entries at or before it are
// replaced by Body when building a PreparedContext, not deleted from C2.
type Summary struct {
	ID         MessageId          `json:"id"`
	SessionID  string             `json:"session_id"`
	Body       PersistableContent `json:"body"`
	CoversUpTo MessageId          `json:"covers_up_to"`
	CreatedAt  time.Time          `json:"created_at"`
}

// PreparedContext is the output of the context manager's Build step: the
// exact sequence of messages and tool definitions about to be sent to a
// provider, plus the cache hints attached to it.
type PreparedContext struct {
	System    string
	Messages  []CompletionMessageView
	ToolNames []string
	Cache     CacheBudget
	// TruncatedOldest is set when the oldest-message drop path fired to
	// make the hard limit, so callers can surface a truthful "older
	// context was dropped" notice.
	TruncatedOldest bool
}

// CompletionMessageView is a read-only projection of a history entry ready
// to hand to a provider adapter, decoupled from the provider's own wire
// shape (that conversion happens in internal/agent/toolconv).
type CompletionMessageView struct {
	Role        Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
	CacheHint   bool
}

// SummarizationNeeded is returned by the context manager when soft-limit
// background distillation should be kicked off. It never blocks the
// current turn; MandatoryCompaction below does.
type SummarizationNeeded struct {
	SessionID    string
	UpToID       MessageId
	ApproxTokens int
}

// MandatoryCompaction is returned instead of a PreparedContext when the hard
// limit was hit and no amount of optional trimming would fit the turn — the
// caller must compact synchronously before sending.
type MandatoryCompaction struct {
	SessionID    string
	ApproxTokens int
	HardLimit    int
}

func (MandatoryCompaction) Error() string {
	return "forge: context exceeds hard limit, mandatory compaction required before send"
}
