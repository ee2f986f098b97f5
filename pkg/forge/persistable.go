package forge

import (
	"errors"
	"strings"
)

// ErrEmptyPersistableContent is returned by NewPersistableContent when asked
// to wrap an empty or whitespace-only string. History entries, summaries,
// and journal rows never hold empty bodies — an empty assistant turn is
// represented by omitting the entry, not by persisting empty text.
var ErrEmptyPersistableContent = errors.New("forge: persistable content must be non-empty")

// PersistableContent is text that has passed through the normalization the
// durable stores require before it is written to disk: carriage returns not
// already followed by a line feed are rewritten to a bare LF, and the
// result must be non-empty. Constructing one through NewPersistableContent
// is the only way to obtain a value — every call site that hands text to
// the history store, the stream journal, or the tool journal goes through
// it, so the normalization can't be skipped by a forgetful caller.
type PersistableContent struct {
	text string
}

// NewPersistableContent normalizes s and wraps it, or returns
// ErrEmptyPersistableContent if the normalized result is empty.
func NewPersistableContent(s string) (PersistableContent, error) {
	normalized := normalizeLineEndings(s)
	if normalized == "" {
		return PersistableContent{}, ErrEmptyPersistableContent
	}
	return PersistableContent{text: normalized}, nil
}

// String returns the normalized text.
func (p PersistableContent) String() string { return p.text }

// IsZero reports whether p was never constructed through
// NewPersistableContent.
func (p PersistableContent) IsZero() bool { return p.text == "" }

// normalizeLineEndings rewrites every CR not immediately followed by LF into
// a bare LF, and drops CR immediately preceding LF, leaving the LF. This
// matches the CRLF/bare-CR tolerant framing the spec requires of SSE and
// persisted text alike: callers downstream only ever see LF.
func normalizeLineEndings(s string) string {
	if !strings.ContainsRune(s, '\r') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\r' {
			if i+1 < len(s) && s[i+1] == '\n' {
				continue
			}
			b.WriteByte('\n')
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
