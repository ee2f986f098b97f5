package history

import (
	"context"
	"sync"

	"github.com/forgehq/forge/pkg/forge"
)

// MemoryStore is an in-process Store used by tests and by the `forge doctor`
// dry-run path, which must never touch the real on-disk history.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   []forge.HistoryEntry
	summaries map[string][]forge.Summary
	nextID    int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{summaries: make(map[string][]forge.Summary)}
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, msg forge.Message) (forge.MessageId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := forge.MessageId(s.nextID)
	s.entries = append(s.entries, forge.HistoryEntry{
		ID:        id,
		SessionID: sessionID,
		Message:   msg,
		CreatedAt: clock(),
	})
	return id, nil
}

func (s *MemoryStore) Get(_ context.Context, id forge.MessageId) (forge.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return forge.HistoryEntry{}, ErrNotFound
}

func (s *MemoryStore) IterSince(_ context.Context, sessionID string, after forge.MessageId, fn func(forge.HistoryEntry) error) error {
	s.mu.RLock()
	snapshot := make([]forge.HistoryEntry, len(s.entries))
	copy(snapshot, s.entries)
	s.mu.RUnlock()

	for _, e := range snapshot {
		if e.SessionID != sessionID || e.ID <= after {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Tail(_ context.Context, sessionID string, n int) ([]forge.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []forge.HistoryEntry
	for _, e := range s.entries {
		if e.SessionID == sessionID {
			matched = append(matched, e)
		}
	}
	if n >= len(matched) || n <= 0 {
		return matched, nil
	}
	return matched[len(matched)-n:], nil
}

func (s *MemoryStore) SaveSummary(_ context.Context, sum forge.Summary) (forge.MessageId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	sum.ID = forge.MessageId(s.nextID)
	sum.CreatedAt = clock()
	s.summaries[sum.SessionID] = append(s.summaries[sum.SessionID], sum)
	return sum.ID, nil
}

func (s *MemoryStore) LatestSummary(_ context.Context, sessionID string) (forge.Summary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sums := s.summaries[sessionID]
	if len(sums) == 0 {
		return forge.Summary{}, false, nil
	}
	return sums[len(sums)-1], true, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
var _ Store = (*SQLiteStore)(nil)
