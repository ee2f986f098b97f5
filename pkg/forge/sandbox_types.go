package forge

import "crypto/sha256"

// ObservedRegion is the TOCTOU guard a file-editing tool attaches to a read
// before proposing a write against it: the exact line range it read, hashed
// two ways so the sandbox can detect either a whole-file change (PrefixHash,
// everything up to the region) or a narrower change to just the edited
// lines (RegionHash) between the read and the write.
type ObservedRegion struct {
	Path       string
	StartLine  int
	EndLine    int
	PrefixHash [32]byte
	RegionHash [32]byte
}

// HashObservedRegion computes the prefix and region hashes for a file whose
// full contents are known at read time. prefix is every byte up to and
// including StartLine's line, region is StartLine..EndLine inclusive.
func HashObservedRegion(path string, startLine, endLine int, prefix, region []byte) ObservedRegion {
	return ObservedRegion{
		Path:       path,
		StartLine:  startLine,
		EndLine:    endLine,
		PrefixHash: sha256.Sum256(prefix),
		RegionHash: sha256.Sum256(region),
	}
}

// Stale reports whether re-hashing the current file contents at the same
// offsets no longer matches what was observed — i.e. somebody else touched
// the file (or the region) between the read and the proposed write.
func (r ObservedRegion) Stale(currentPrefix, currentRegion []byte) bool {
	if sha256.Sum256(currentPrefix) != r.PrefixHash {
		return true
	}
	return sha256.Sum256(currentRegion) != r.RegionHash
}
