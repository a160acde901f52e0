// Package fileutils provides durable file write primitives shared by the
// snapshot store and event log.
package fileutils

import (
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWriteFile writes data to path by creating a temp file in the same
// directory, syncing it, and renaming it over path. The rename is atomic on
// POSIX filesystems, so readers never observe a partially written file.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// Best-effort cleanup if we return before the rename succeeds.
	succeeded := false
	defer func() {
		if !succeeded {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file into place: %w", err)
	}

	succeeded = true
	return nil
}

// AppendAndSync appends data to the file at path (creating it if absent)
// and fsyncs before returning, so the combination is durable even though it
// is not a single syscall. Callers on the same path must serialize through
// an external lock (see pkg/lockfile); the filesystem append is atomic in
// isolation but append+fsync together are not.
func AppendAndSync(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("failed to open file for append: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to append to file: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to fsync appended file: %w", err)
	}

	return nil
}
