// Package streamjournal implements the stream journal (C3): a durable,
// append-only record of every chunk a provider streamed back for one step,
// so a crash mid-stream can be replayed and the recovery coordinator can
// tell exactly how far a response got before the process died. Each step
// gets its own file; lines are appended and fsynced one at a time, grounded
// in the temp-file/fsync discipline the original implementation used for
// its own durable writes (context/src/atomic_write.rs), adapted here to an
// append log rather than a whole-file rewrite since a stream is written
// incrementally as chunks arrive.
package streamjournal

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

// ChunkRecord is one journaled unit of a provider's streamed response. It
// mirrors the shape of a provider completion chunk without depending on the
// provider adapter package, keeping the journal's on-disk format stable
// even if the in-memory streaming type changes shape.
type ChunkRecord struct {
	Seq           int             `json:"seq"`
	Text          string          `json:"text,omitempty"`
	Thinking      string          `json:"thinking,omitempty"`
	ThinkingStart bool            `json:"thinking_start,omitempty"`
	ThinkingEnd   bool            `json:"thinking_end,omitempty"`
	ToolCallID    string          `json:"tool_call_id,omitempty"`
	ToolCallName  string          `json:"tool_call_name,omitempty"`
	ToolCallInput json.RawMessage `json:"tool_call_input,omitempty"`
	Done          bool            `json:"done,omitempty"`
	Error         string          `json:"error,omitempty"`
	InputTokens   int             `json:"input_tokens,omitempty"`
	OutputTokens  int             `json:"output_tokens,omitempty"`
	RecordedAt    time.Time       `json:"recorded_at"`
}

// Journal writes and reads stream journals under a root directory, one file
// per StepId named step-<id>.jsonl.
type Journal struct {
	root string

	mu   sync.Mutex
	seqs map[forge.StepId]int
}

// Open returns a Journal rooted at dir, creating dir if it does not exist.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("streamjournal: create %s: %w", dir, err)
	}
	return &Journal{root: dir, seqs: make(map[forge.StepId]int)}, nil
}

func (j *Journal) pathFor(step forge.StepId) string {
	return filepath.Join(j.root, fmt.Sprintf("step-%d.jsonl", int64(step)))
}

// Append records one chunk for step, assigning it the next sequence number
// in that step's journal and fsyncing before returning. Callers append
// chunks in the order the provider streamed them; Append does not
// reorder.
func (j *Journal) Append(step forge.StepId, rec ChunkRecord) error {
	j.mu.Lock()
	rec.Seq = j.seqs[step]
	j.seqs[step]++
	j.mu.Unlock()

	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("streamjournal: marshal chunk: %w", err)
	}
	return atomicfile.AppendLine(j.pathFor(step), line)
}

// Read replays every complete record journaled for step, in sequence order.
// A trailing partial line (the process died mid-write) is silently
// dropped rather than erroring, since it carries no complete chunk.
func (j *Journal) Read(step forge.StepId) ([]ChunkRecord, error) {
	f, err := os.Open(j.pathFor(step))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("streamjournal: open: %w", err)
	}
	defer f.Close()

	var records []ChunkRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec ChunkRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A partial final line looks like invalid JSON; treat it as the
			// crash-truncation case and stop here rather than failing the
			// whole replay.
			break
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// Complete reports whether step's journal ends with a Done record, i.e. the
// stream ran to completion rather than being cut short by a crash.
func (j *Journal) Complete(step forge.StepId) (bool, error) {
	records, err := j.Read(step)
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		return false, nil
	}
	return records[len(records)-1].Done, nil
}

// Purge removes a step's journal file once its content has been folded
// into the full history store and is no longer needed for recovery.
func (j *Journal) Purge(step forge.StepId) error {
	err := os.Remove(j.pathFor(step))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// RecoveredStep is one step journal found on disk at startup, with whatever
// records survived the crash and whether the stream ran to completion.
type RecoveredStep struct {
	Step     forge.StepId
	Records  []ChunkRecord
	Complete bool
}

// Recover enumerates every step journal file under the journal's root and
// replays each one, returning every row that exists on disk regardless of
// completeness — the recovery coordinator (C11) decides what to do with
// each: a Complete row is treated as already committed, an incomplete one
// is materialized as a best-effort partial and discarded. Corrupt or
// unreadable step files are skipped with their id omitted rather than
// aborting the whole scan.
func (j *Journal) Recover() ([]RecoveredStep, error) {
	entries, err := os.ReadDir(j.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("streamjournal: recover: read dir: %w", err)
	}

	var recovered []RecoveredStep
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		step, ok := parseStepFilename(entry.Name())
		if !ok {
			continue
		}
		records, err := j.Read(step)
		if err != nil {
			continue
		}
		if len(records) == 0 {
			continue
		}
		complete, err := j.Complete(step)
		if err != nil {
			continue
		}
		recovered = append(recovered, RecoveredStep{Step: step, Records: records, Complete: complete})
	}
	return recovered, nil
}

// parseStepFilename extracts the StepId from a "step-<id>.jsonl" filename.
func parseStepFilename(name string) (forge.StepId, bool) {
	const prefix, suffix = "step-", ".jsonl"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	idStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return forge.StepId(id), true
}
