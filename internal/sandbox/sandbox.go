// Package sandbox implements the filesystem sandbox and change recorder
// (C6): path resolution confined to a set of allowed roots, deny-pattern
// filtering, and TOCTOU-guarded writes gated on a forge.ChangeRecorder
// capability that dies with its turn.
//
// Unlike the teacher's internal/tools/sandbox (a Firecracker/Daytona
// micro-VM executor for running untrusted code), this is a pure path-and-
// content guard around the local filesystem — forge runs tools in-process
// and relies on path confinement rather than a VM boundary, matching the
// original implementation's engine/src/tools/sandbox.rs.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/forgehq/forge/pkg/forge"
)

// ErrPathOutsideSandbox is returned when a resolved path falls outside
// every allowed root.
var ErrPathOutsideSandbox = errors.New("sandbox: path outside allowed roots")

// ErrDeniedPattern is returned when a resolved path matches a deny pattern
// even though it is within an allowed root (e.g. ".env", "secrets/*").
var ErrDeniedPattern = errors.New("sandbox: path matches a denied pattern")

// ErrStaleRegion is returned when a proposed write's observed region no
// longer matches the file on disk — something else changed it between the
// read and the write.
var ErrStaleRegion = errors.New("sandbox: observed region is stale")

// ErrRecorderRetired is returned when a write is attempted through a
// ChangeRecorder whose owning TurnContext has already ended the turn.
var ErrRecorderRetired = errors.New("sandbox: change recorder retired")

// Sandbox confines file tool operations to a set of allowed roots, with an
// optional deny list of glob patterns checked against the resolved,
// slash-normalized path.
type Sandbox struct {
	allowedRoots  []string
	denyPatterns  []string
	allowAbsolute bool
}

// New canonicalizes allowedRoots (each must already exist) and returns a
// Sandbox that resolves paths against them.
func New(allowedRoots []string, denyPatterns []string, allowAbsolute bool) (*Sandbox, error) {
	if len(allowedRoots) == 0 {
		return nil, errors.New("sandbox: at least one allowed root is required")
	}
	roots := make([]string, 0, len(allowedRoots))
	for _, root := range allowedRoots {
		canon, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("sandbox: resolve root %q: %w", root, err)
		}
		if resolved, err := filepath.EvalSymlinks(canon); err == nil {
			canon = resolved
		}
		roots = append(roots, canon)
	}
	return &Sandbox{allowedRoots: roots, denyPatterns: denyPatterns, allowAbsolute: allowAbsolute}, nil
}

// WorkingDir returns the first allowed root, used as the default base for
// relative path resolution.
func (s *Sandbox) WorkingDir() string {
	if len(s.allowedRoots) == 0 {
		return "."
	}
	return s.allowedRoots[0]
}

// ResolvePath validates path (optionally relative to workingDir, which
// defaults to WorkingDir when empty) and returns its canonical absolute
// form, or an error if it escapes the sandbox. Parent-directory traversal
// components (".." anywhere in the input) are rejected outright, matching
// the original implementation's rule: a legitimate relative path never
// needs to climb out of its root.
func (s *Sandbox) ResolvePath(path string, workingDir string) (string, error) {
	if containsUnsafePathChars(path) {
		return "", fmt.Errorf("sandbox: path contains control characters")
	}
	if workingDir == "" {
		workingDir = s.WorkingDir()
	}

	for _, part := range strings.FieldsFunc(path, isPathSeparator) {
		if part == ".." {
			return "", fmt.Errorf("%w: %q contains a parent-directory component", ErrPathOutsideSandbox, path)
		}
	}

	var resolved string
	if filepath.IsAbs(path) {
		if !s.allowAbsolute {
			return "", fmt.Errorf("%w: absolute paths are not permitted", ErrPathOutsideSandbox)
		}
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Join(workingDir, path)
	}

	canonical, err := canonicalize(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathOutsideSandbox, err)
	}

	if !s.isWithinAllowedRoots(canonical) {
		return "", fmt.Errorf("%w: %q", ErrPathOutsideSandbox, canonical)
	}
	if pat, ok := s.matchesDeniedPattern(canonical); ok {
		return "", fmt.Errorf("%w: %q matches %q", ErrDeniedPattern, canonical, pat)
	}
	return canonical, nil
}

// canonicalize resolves symlinks for an existing path, or for a
// not-yet-created path resolves symlinks on its parent directory and joins
// the literal filename back on — so a new file under a symlinked directory
// still canonicalizes to the real location it will be written to.
func canonicalize(path string) (string, error) {
	if _, err := os.Lstat(path); err == nil {
		return filepath.EvalSymlinks(path)
	}
	parent := filepath.Dir(path)
	parentCanon, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(parentCanon, filepath.Base(path)), nil
}

func (s *Sandbox) isWithinAllowedRoots(path string) bool {
	for _, root := range s.allowedRoots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (s *Sandbox) matchesDeniedPattern(path string) (string, bool) {
	normalized := filepath.ToSlash(path)
	for _, pat := range s.denyPatterns {
		if ok, _ := filepath.Match(pat, normalized); ok {
			return pat, true
		}
		if ok, _ := filepath.Match(pat, filepath.Base(normalized)); ok {
			return pat, true
		}
	}
	return "", false
}

func isPathSeparator(r rune) bool {
	return r == '/' || r == filepath.Separator
}

// containsUnsafePathChars rejects control and bidi-override characters that
// could be used to make a path look different than it resolves to.
func containsUnsafePathChars(path string) bool {
	const (
		arabicLetterMark  = '؜'
		leftToRightMark   = '‎'
		rightToLeftMark   = '‏'
		bidiOverrideStart = '‪'
		bidiOverrideEnd   = '‮'
		bidiIsolateStart  = '⁦'
		bidiIsolateEnd    = '⁩'
	)
	for _, r := range path {
		if unicode.IsControl(r) {
			return true
		}
		switch {
		case r == arabicLetterMark, r == leftToRightMark, r == rightToLeftMark:
			return true
		case r >= bidiOverrideStart && r <= bidiOverrideEnd:
			return true
		case r >= bidiIsolateStart && r <= bidiIsolateEnd:
			return true
		}
	}
	return false
}

// ChangeRecorder is the Sandbox-facing narrowing of forge.ChangeRecorder:
// tool code receives this to record a single guarded write, never the
// TurnContext itself.
type ChangeRecorder = forge.ChangeRecorder
