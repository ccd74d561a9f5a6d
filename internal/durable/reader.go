package durable

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/JakeFAU/navtrack/internal/track"
)

// maxLineBytes bounds one durable line; longer lines are skipped.
const maxLineBytes = 16 << 20

// Snapshot is every parsed entry under a shared directory.
type Snapshot struct {
	// Entries groups entries by kind, in file order within each worker file.
	Entries map[track.EntryKind][]Entry
	// Files lists the worker files read, sorted.
	Files []string
	// Workers lists distinct worker IDs seen in file names.
	Workers []string
	// Malformed counts lines that failed to parse.
	Malformed int
}

// Of returns the entries of one kind.
func (s Snapshot) Of(kind track.EntryKind) []Entry {
	return s.Entries[kind]
}

// ReadDir reads every worker file under dir. A missing directory yields an
// empty snapshot.
func ReadDir(dir string) (Snapshot, error) {
	snap := Snapshot{Entries: make(map[track.EntryKind][]Entry)}
	dirents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return snap, nil
		}
		return snap, fmt.Errorf("read durable dir: %w", err)
	}

	workers := make(map[string]struct{})
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		workerID, kind, ok := ParseFileName(d.Name())
		if !ok {
			continue
		}
		path := filepath.Join(dir, d.Name())
		entries, malformed, err := readFile(path)
		if err != nil {
			return snap, err
		}
		snap.Files = append(snap.Files, path)
		workers[workerID] = struct{}{}
		snap.Malformed += malformed
		snap.Entries[kind] = append(snap.Entries[kind], entries...)
	}
	sort.Strings(snap.Files)
	for w := range workers {
		snap.Workers = append(snap.Workers, w)
	}
	sort.Strings(snap.Workers)
	return snap, nil
}

// ParseFileName splits a worker file name into worker ID and kind. Worker IDs
// may contain dashes, so the kind is matched as a known suffix.
func ParseFileName(name string) (string, track.EntryKind, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return "", "", false
	}
	stem := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	for _, kind := range track.EntryKinds {
		suffix := "-" + string(kind)
		if strings.HasSuffix(stem, suffix) {
			worker := strings.TrimSuffix(stem, suffix)
			if worker == "" {
				return "", "", false
			}
			return worker, kind, true
		}
	}
	return "", "", false
}

func readFile(path string) ([]Entry, int, error) {
	// #nosec G304 -- path comes from a directory listing filtered by name.
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = f.Close() }()

	entries, malformed, err := readEntries(f, maxLineBytes)
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return entries, malformed, nil
}

// readEntries parses one JSON entry per line. Lines longer than limit are
// skipped through to the next newline and counted as malformed.
func readEntries(r io.Reader, limit int) ([]Entry, int, error) {
	var (
		entries   []Entry
		malformed int
		line      []byte
		oversized bool
	)
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return entries, malformed, nil
			}
			return nil, 0, err
		}
		if !oversized {
			if len(line)+len(chunk) > limit {
				oversized = true
				line = line[:0]
			} else {
				line = append(line, chunk...)
			}
		}
		if isPrefix {
			continue
		}
		if oversized {
			malformed++
			oversized = false
			continue
		}
		if e, ok := parseEntry(line); ok {
			entries = append(entries, e)
		} else if len(bytes.TrimSpace(line)) > 0 {
			malformed++
		}
		line = line[:0]
	}
}

func parseEntry(line []byte) (Entry, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil || e.Kind == "" {
		return Entry{}, false
	}
	return e, true
}

// Decode unmarshals the entry payload into v.
func (e Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}
