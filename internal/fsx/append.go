package fsx

import (
	"bytes"
	"errors"
	"fmt"
	"os"
)

// ErrVerifyMismatch is returned when the bytes read back after an append do
// not match what was written.
var ErrVerifyMismatch = errors.New("append verification mismatch")

// AppendLine appends line plus a newline to path, fsyncs, and re-reads the
// written range to confirm it landed. Callers must hold the path's lock.
func AppendLine(path string, line []byte, mode os.FileMode) error {
	payload := make([]byte, 0, len(line)+1)
	payload = append(payload, line...)
	payload = append(payload, '\n')

	// #nosec G304 -- path is derived from a store-owned directory.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, mode)
	if err != nil {
		return fmt.Errorf("open append file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat append file: %w", err)
	}
	offset := info.Size()

	if _, err := file.Write(payload); err != nil {
		return fmt.Errorf("append file line: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync append file: %w", err)
	}

	readBack := make([]byte, len(payload))
	if _, err := file.ReadAt(readBack, offset); err != nil {
		return fmt.Errorf("read back appended line: %w: %w", ErrVerifyMismatch, err)
	}
	if !bytes.Equal(readBack, payload) {
		return ErrVerifyMismatch
	}
	return nil
}
