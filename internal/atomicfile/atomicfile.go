// Package atomicfile provides a temp-file-plus-rename write helper so a
// crash or power loss never leaves a half-written snapshot on disk: readers
// either see the old complete file or the new complete file, never a
// truncated mix of both.
package atomicfile

import (
	"os"
	"path/filepath"
)

// Write replaces the file at path with data, atomically from the point of
// view of any concurrent reader. It writes to a temp file in the same
// directory (so the final rename is same-filesystem), fsyncs it, then
// renames over the destination.
func Write(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanupTmp = false
	return nil
}

// AppendLine opens path for append (creating it if absent), writes line
// followed by a newline, and fsyncs before returning. Used by the stream and
// tool journals, where the file grows incrementally rather than being
// rewritten wholesale: recovery reads whatever complete lines made it to
// disk and treats a trailing partial line as evidence the process died
// mid-write.
func AppendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return err
	}
	return f.Sync()
}
