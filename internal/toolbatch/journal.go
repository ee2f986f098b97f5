// Package toolbatch implements the tool journal (C4): a durable record of
// every tool call issued and completed within one batch, so the recovery
// coordinator can tell which calls a crashed process actually finished
// (and must not re-run) versus which were still in flight (and must be
// treated as unknown-outcome, never silently re-run against a mutating
// tool). Grounded in the same append-and-fsync discipline as the stream
// journal, and in the teacher's agent/tape recorder for the shape of a
// tool call/result pair.
package toolbatch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/forgehq/forge/internal/atomicfile"
	"github.com/forgehq/forge/pkg/forge"
)

// EventKind distinguishes the lifecycle events recorded for a tool call.
type EventKind string

const (
	// EventBatchOpened marks the start of a batch, before any call in it runs.
	EventBatchOpened EventKind = "batch_opened"
	// EventCallStarted is recorded immediately before a tool call begins
	// executing, so recovery can see a call that never reached completion.
	EventCallStarted EventKind = "call_started"
	// EventCallCompleted is recorded once a tool call's result (success or
	// error) is known.
	EventCallCompleted EventKind = "call_completed"
	// EventBatchClosed marks every call in the batch as accounted for.
	EventBatchClosed EventKind = "batch_closed"
)

// Event is one journaled lifecycle record.
type Event struct {
	Seq        int             `json:"seq"`
	Kind       EventKind       `json:"kind"`
	CallIndex  int             `json:"call_index,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Result     *forge.ToolResult `json:"result,omitempty"`
	Err        string          `json:"error,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// CallStatus summarizes what a journal replay knows about one call in a
// batch.
type CallStatus struct {
	ToolCallID string
	ToolName   string
	Started    bool
	Completed  bool
	Result     *forge.ToolResult
	Err        string
}

// Journal writes and replays tool batch journals, one file per
// ToolBatchId named batch-<id>.jsonl.
type Journal struct {
	root string

	mu   sync.Mutex
	seqs map[forge.ToolBatchId]int
}

// Open returns a Journal rooted at dir, creating dir if absent.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("toolbatch: create %s: %w", dir, err)
	}
	return &Journal{root: dir, seqs: make(map[forge.ToolBatchId]int)}, nil
}

func (j *Journal) pathFor(batch forge.ToolBatchId) string {
	return filepath.Join(j.root, fmt.Sprintf("batch-%d.jsonl", int64(batch)))
}

func (j *Journal) append(batch forge.ToolBatchId, ev Event) error {
	j.mu.Lock()
	ev.Seq = j.seqs[batch]
	j.seqs[batch]++
	j.mu.Unlock()

	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("toolbatch: marshal event: %w", err)
	}
	return atomicfile.AppendLine(j.pathFor(batch), line)
}

// OpenBatch records that batch has begun.
func (j *Journal) OpenBatch(batch forge.ToolBatchId) error {
	return j.append(batch, Event{Kind: EventBatchOpened})
}

// CallStarted records that call index idx (tool name/input) has begun
// executing. This must be journaled and fsynced before the call actually
// runs: the sequential tool-execution rule that C9 enforces means there is
// exactly one in-flight call per batch at a time, so "started but never
// completed" unambiguously identifies the one call a crash interrupted.
func (j *Journal) CallStarted(batch forge.ToolBatchId, idx int, call forge.ToolCall) error {
	return j.append(batch, Event{
		Kind:       EventCallStarted,
		CallIndex:  idx,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Input:      call.Input,
	})
}

// CallCompleted records the outcome of call index idx.
func (j *Journal) CallCompleted(batch forge.ToolBatchId, idx int, call forge.ToolCall, result *forge.ToolResult, callErr error) error {
	ev := Event{
		Kind:       EventCallCompleted,
		CallIndex:  idx,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Result:     result,
	}
	if callErr != nil {
		ev.Err = callErr.Error()
	}
	return j.append(batch, ev)
}

// CloseBatch records that every call in the batch has been accounted for.
func (j *Journal) CloseBatch(batch forge.ToolBatchId) error {
	return j.append(batch, Event{Kind: EventBatchClosed})
}

// Replay reconstructs per-call status from whatever complete events made it
// to disk, in call-index order. A trailing partial line is dropped, same as
// the stream journal.
func (j *Journal) Replay(batch forge.ToolBatchId) ([]CallStatus, bool, error) {
	f, err := os.Open(j.pathFor(batch))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("toolbatch: open: %w", err)
	}
	defer f.Close()

	byIndex := make(map[int]*CallStatus)
	var order []int
	closed := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			break
		}
		switch ev.Kind {
		case EventBatchOpened:
			// no per-call state to record
		case EventCallStarted:
			if _, ok := byIndex[ev.CallIndex]; !ok {
				order = append(order, ev.CallIndex)
			}
			byIndex[ev.CallIndex] = &CallStatus{
				ToolCallID: ev.ToolCallID,
				ToolName:   ev.ToolName,
				Started:    true,
			}
		case EventCallCompleted:
			st, ok := byIndex[ev.CallIndex]
			if !ok {
				st = &CallStatus{ToolCallID: ev.ToolCallID, ToolName: ev.ToolName}
				byIndex[ev.CallIndex] = st
				order = append(order, ev.CallIndex)
			}
			st.Completed = true
			st.Result = ev.Result
			st.Err = ev.Err
		case EventBatchClosed:
			closed = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	out := make([]CallStatus, 0, len(order))
	for _, idx := range order {
		out = append(out, *byIndex[idx])
	}
	return out, closed, nil
}

// Purge removes a batch's journal once it has been folded into history.
func (j *Journal) Purge(batch forge.ToolBatchId) error {
	err := os.Remove(j.pathFor(batch))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// RecoveredBatch is one batch journal found on disk at startup, with its
// replayed per-call status and whether the batch was cleanly closed.
type RecoveredBatch struct {
	Batch    forge.ToolBatchId
	Statuses []CallStatus
	Closed   bool
}

// Healthy reports whether every call in the batch ended in a terminal state
// (Completed, whether success or error) — the §4.4 definition of a healthy
// batch. A batch with any call Started but never Completed, or any call
// recorded only via CallCompleted despite never seeing CallStarted (the
// journal was truncated before the start record synced), is unhealthy.
func (b RecoveredBatch) Healthy() bool {
	if !b.Closed {
		return false
	}
	for _, st := range b.Statuses {
		if !st.Completed {
			return false
		}
	}
	return true
}

// Recover implements the §4.4 recover() operation: it enumerates every batch
// journal file under the journal's root and replays each one via Replay,
// returning a RecoveredBatch per file regardless of health — the recovery
// coordinator (C11) decides what to do with an unhealthy one (flip the tool
// gate). Corrupt or unreadable batch files are skipped rather than aborting
// the whole scan.
func (j *Journal) Recover() ([]RecoveredBatch, error) {
	entries, err := os.ReadDir(j.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("toolbatch: recover: read dir: %w", err)
	}

	var recovered []RecoveredBatch
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		batch, ok := parseBatchFilename(entry.Name())
		if !ok {
			continue
		}
		statuses, closed, err := j.Replay(batch)
		if err != nil {
			continue
		}
		if len(statuses) == 0 && !closed {
			continue
		}
		recovered = append(recovered, RecoveredBatch{Batch: batch, Statuses: statuses, Closed: closed})
	}
	return recovered, nil
}

// parseBatchFilename extracts the ToolBatchId from a "batch-<id>.jsonl" filename.
func parseBatchFilename(name string) (forge.ToolBatchId, bool) {
	const prefix, suffix = "batch-", ".jsonl"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	idStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return forge.ToolBatchId(id), true
}
