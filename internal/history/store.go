// Package history implements the full history store (C2): an append-only
// record of every message exchanged in a session, plus the summaries that
// stand in for ranges of it once the context manager distills them. Nothing
// is ever edited or deleted — a Summary covers a prefix of entries without
// removing them, so the store remains a complete audit trail even after the
// context manager starts compacting what it sends to a provider.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/forgehq/forge/pkg/forge"
)

// ErrNotFound is returned when a lookup by id finds no matching row.
var ErrNotFound = errors.New("history: entry not found")

// Store is the full history store's contract. Implementations must be safe
// for concurrent use: the turn orchestrator appends from one goroutine while
// a user-facing transcript viewer may be iterating the same session.
type Store interface {
	// Append records msg as the next entry for sessionID and returns the id
	// the store assigned it. Append is the only mutation path for entries;
	// there is no Update or Delete.
	Append(ctx context.Context, sessionID string, msg forge.Message) (forge.MessageId, error)

	// Get returns a single entry by id.
	Get(ctx context.Context, id forge.MessageId) (forge.HistoryEntry, error)

	// IterSince streams every entry for sessionID with id > after, in
	// ascending id order, invoking fn for each. Iteration stops at the first
	// error fn returns, which IterSince then returns to its caller.
	IterSince(ctx context.Context, sessionID string, after forge.MessageId, fn func(forge.HistoryEntry) error) error

	// Tail returns the most recent n entries for sessionID in ascending id
	// order (oldest of the tail first). Used by the context manager to build
	// a PreparedContext without materializing the whole session.
	Tail(ctx context.Context, sessionID string, n int) ([]forge.HistoryEntry, error)

	// SaveSummary persists a distilled summary covering entries up to and
	// including CoversUpTo, assigning it an id in the same id space as
	// messages so it sorts correctly against them.
	SaveSummary(ctx context.Context, s forge.Summary) (forge.MessageId, error)

	// LatestSummary returns the most recently saved summary for sessionID,
	// if any.
	LatestSummary(ctx context.Context, sessionID string) (forge.Summary, bool, error)

	// Close releases any resources (file handles, connections) held by the
	// store.
	Close() error
}

// clock lets tests and the sqlite/memory stores share one "now" source
// without importing time.Now into every code path directly.
var clock = time.Now
