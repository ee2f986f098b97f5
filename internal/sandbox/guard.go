package sandbox

import (
	"bufio"
	"bytes"
	"fmt"
	"os"

	"github.com/forgehq/forge/pkg/forge"
)

// ObserveRegion reads path (already resolved by ResolvePath) and hashes the
// prefix through startLine and the startLine..endLine region itself (both
// 1-indexed, inclusive), for a tool that is about to propose an edit to
// exactly that range.
func ObserveRegion(path string, startLine, endLine int) (forge.ObservedRegion, error) {
	if startLine < 1 || endLine < startLine {
		return forge.ObservedRegion{}, fmt.Errorf("sandbox: invalid line range %d..%d", startLine, endLine)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return forge.ObservedRegion{}, fmt.Errorf("sandbox: observe region: %w", err)
	}
	prefix, region := splitLines(data, startLine, endLine)
	return forge.HashObservedRegion(path, startLine, endLine, prefix, region), nil
}

// splitLines returns the bytes of every line up to and including endLine
// (prefix) and just the bytes within [startLine, endLine] (region), using
// 1-indexed, newline-inclusive line boundaries.
func splitLines(data []byte, startLine, endLine int) (prefix, region []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	var prefixBuf, regionBuf bytes.Buffer
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if line <= endLine {
			prefixBuf.Write(text)
			prefixBuf.WriteByte('\n')
		}
		if line >= startLine && line <= endLine {
			regionBuf.Write(text)
			regionBuf.WriteByte('\n')
		}
		if line > endLine {
			break
		}
	}
	return prefixBuf.Bytes(), regionBuf.Bytes()
}

// ProposeWrite validates cr against its owning TurnContext, re-reads path
// and re-hashes the same region observed originally; if nothing has
// changed it writes newContent over the whole file and records the change
// against cr. Any mismatch — a retired recorder or a stale region — leaves
// the file untouched and returns an error describing which guard failed.
// If report is non-nil, the write is tallied into it.
func ProposeWrite(cr forge.ChangeRecorder, observed forge.ObservedRegion, newContent []byte, report *ChangeReport) error {
	if !cr.Valid() {
		return ErrRecorderRetired
	}
	current, err := os.ReadFile(observed.Path)
	existed := err == nil
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sandbox: propose write: %w", err)
	}
	if existed {
		prefix, region := splitLines(current, observed.StartLine, observed.EndLine)
		if observed.Stale(prefix, region) {
			return ErrStaleRegion
		}
	}
	// Re-check immediately before the write too: Valid() only catches a
	// retirement that already happened, not one racing with this call, but
	// narrowing the window is the best a dynamic check can do without OS-level
	// file locking forge deliberately avoids for a single-user local tool.
	if !cr.Valid() {
		return ErrRecorderRetired
	}
	info, err := os.Stat(observed.Path)
	perm := os.FileMode(0o644)
	if err == nil {
		perm = info.Mode().Perm()
	}
	if err := os.WriteFile(observed.Path, newContent, perm); err != nil {
		return err
	}
	if report != nil {
		report.record(existed, current, newContent)
	}
	return nil
}

// ChangeReport accumulates the effect of every ProposeWrite issued against a
// single TurnContext, surfaced to the caller when the turn ends (spec
// example: "Edit src/main.rs: +3 -1").
type ChangeReport struct {
	Created  int
	Modified int
	Added    int
	Removed  int
}

func (r *ChangeReport) record(existed bool, before, after []byte) {
	if !existed {
		r.Created++
	} else {
		r.Modified++
	}
	added, removed := diffLineCounts(before, after)
	r.Added += added
	r.Removed += removed
}

// diffLineCounts is a minimal line-count diff (not a real LCS diff): it
// compares line counts before and after and reports the excess on each
// side. Good enough for a summary badge, not a patch viewer.
func diffLineCounts(before, after []byte) (added, removed int) {
	beforeLines := countLines(before)
	afterLines := countLines(after)
	if afterLines > beforeLines {
		return afterLines - beforeLines, 0
	}
	return 0, beforeLines - afterLines
}

func countLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := bytes.Count(data, []byte("\n"))
	if !bytes.HasSuffix(data, []byte("\n")) {
		n++
	}
	return n
}
