package fsx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ReplaceFile swaps path to content. The bytes are staged in a sibling temp
// file, read back and checked before the rename, so a reader of path only
// ever sees a complete old or new version.
func ReplaceFile(path string, content []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	staged, err := os.CreateTemp(dir, "."+filepath.Base(path)+".staged-*")
	if err != nil {
		return fmt.Errorf("stage %s: %w", filepath.Base(path), err)
	}
	stagedPath := staged.Name()
	if err := fill(staged, content, mode); err != nil {
		_ = os.Remove(stagedPath)
		return err
	}
	if err := os.Rename(stagedPath, path); err != nil {
		_ = os.Remove(stagedPath)
		return fmt.Errorf("swap %s: %w", filepath.Base(path), err)
	}
	// #nosec G304 -- dir is the parent of a caller-owned path.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func fill(f *os.File, content []byte, mode os.FileMode) error {
	defer func() { _ = f.Close() }()
	if _, err := f.Write(content); err != nil {
		return fmt.Errorf("write staged file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync staged file: %w", err)
	}
	readBack := make([]byte, len(content))
	if _, err := f.ReadAt(readBack, 0); err != nil && len(content) > 0 {
		return fmt.Errorf("read back staged file: %w: %w", ErrVerifyMismatch, err)
	}
	if !bytes.Equal(readBack, content) {
		return ErrVerifyMismatch
	}
	if err := f.Chmod(mode); err != nil {
		return fmt.Errorf("chmod staged file: %w", err)
	}
	return nil
}

// UpdateFunc receives the current content of a file (nil when it does not
// exist) and returns the replacement. Returning nil content leaves the file
// untouched.
type UpdateFunc func(current []byte) ([]byte, error)

// UpdateFile runs a read-modify-write of path under its sidecar lock and
// reports whether the file was replaced.
func UpdateFile(ctx context.Context, path string, opts LockOptions, mode os.FileMode, fn UpdateFunc) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return false, fmt.Errorf("create parent dir: %w", err)
	}
	written := false
	err := WithLock(ctx, path, opts, func() error {
		// #nosec G304 -- path is caller-owned and held under its lock.
		current, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}
		if err := ReplaceFile(path, next, mode); err != nil {
			return err
		}
		written = true
		return nil
	})
	return written, err
}
