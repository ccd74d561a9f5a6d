// Package export maintains the merged url-tracking-results.json artifact.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/navtrack/internal/fsx"
	"github.com/JakeFAU/navtrack/internal/hash/sha256"
	"github.com/JakeFAU/navtrack/internal/track"
)

// DefaultPath is where the artifact lives relative to the working directory.
const DefaultPath = "test-results/url-tracking-results.json"

// Entry is one session in the artifact.
type Entry struct {
	Metadata    map[string]string `json:"metadata"`
	Navigations []track.Record    `json:"navigations"`
	SessionID   string            `json:"session_id"`
	SpecFile    string            `json:"spec_file"`
}

// FromSession converts a session to its artifact entry.
func FromSession(s track.Session) Entry {
	md := make(map[string]string, len(s.Metadata)+1)
	for k, v := range s.Metadata {
		md[k] = v
	}
	if s.TestName != "" {
		md["test_name"] = s.TestName
	}
	navs := s.Records
	if navs == nil {
		navs = []track.Record{}
	}
	return Entry{Metadata: md, Navigations: navs, SessionID: s.SessionID, SpecFile: s.SpecFile}
}

// Summary counts what an export did.
type Summary struct {
	Path      string `json:"path"`
	Added     int    `json:"added"`
	Replaced  int    `json:"replaced"`
	Unchanged int    `json:"unchanged"`
	Kept      int    `json:"kept"`
	Total     int    `json:"total"`
	Written   bool   `json:"written"`
}

// Exporter rewrites the artifact under the sidecar lock.
type Exporter struct {
	path   string
	lock   fsx.LockOptions
	hasher *sha256.Hasher
	logger *zap.Logger
}

// New returns an Exporter writing to path (DefaultPath when empty).
func New(path string, lock fsx.LockOptions, logger *zap.Logger) *Exporter {
	if path == "" {
		path = DefaultPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{path: path, lock: lock, hasher: sha256.New(), logger: logger.Named("export")}
}

// Path returns the artifact path.
func (e *Exporter) Path() string {
	return e.path
}

// existing is an artifact entry kept as its original bytes.
type existing struct {
	raw         json.RawMessage
	sessionID   string
	identity    string
	navigations int
}

// Export merges sessions into the artifact. Entries already present are
// kept byte-for-byte unless the incoming session has more navigations.
func (e *Exporter) Export(ctx context.Context, sessions []track.Session) (Summary, error) {
	summary := Summary{Path: e.path}
	written, err := fsx.UpdateFile(ctx, e.path, e.lock, 0o644, func(data []byte) ([]byte, error) {
		current := e.parse(data)
		changed := false
		for _, s := range sessions {
			entry := FromSession(s)
			raw, err := json.MarshalIndent(entry, "  ", "  ")
			if err != nil {
				return nil, fmt.Errorf("marshal session %s: %w", s.SessionID, err)
			}
			idx := match(current, entry)
			if idx < 0 {
				current = append(current, describe(raw, entry))
				summary.Added++
				changed = true
				continue
			}
			if len(entry.Navigations) > current[idx].navigations {
				current[idx] = describe(raw, entry)
				summary.Replaced++
				changed = true
				continue
			}
			if e.sameContent(current[idx].raw, raw) {
				summary.Unchanged++
			} else {
				summary.Kept++
			}
		}
		summary.Total = len(current)
		if !changed {
			return nil, nil
		}
		return render(current), nil
	})
	summary.Written = written
	if err != nil {
		return summary, fmt.Errorf("export results: %w", err)
	}
	e.logger.Info("results exported",
		zap.String("path", e.path),
		zap.Int("added", summary.Added),
		zap.Int("replaced", summary.Replaced),
		zap.Int("unchanged", summary.Unchanged),
		zap.Int("total", summary.Total),
	)
	return summary, nil
}

// parse reads the artifact entries. An unreadable artifact starts fresh.
func (e *Exporter) parse(data []byte) []existing {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		e.logger.Warn("results file unreadable; starting fresh", zap.String("path", e.path), zap.Error(err))
		return nil
	}
	out := make([]existing, 0, len(raws))
	for _, raw := range raws {
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			// Foreign entries are carried through untouched.
			out = append(out, existing{raw: raw})
			continue
		}
		out = append(out, describe(raw, entry))
	}
	return out
}

func (e *Exporter) sameContent(a, b []byte) bool {
	da, errA := e.hasher.HashJSON(a)
	db, errB := e.hasher.HashJSON(b)
	return errA == nil && errB == nil && da == db
}

func describe(raw json.RawMessage, entry Entry) existing {
	return existing{
		raw:         raw,
		sessionID:   entry.SessionID,
		identity:    identity(entry),
		navigations: len(entry.Navigations),
	}
}

// match finds the entry for incoming: session ID first, then spec file base
// name plus test name.
func match(current []existing, incoming Entry) int {
	if incoming.SessionID != "" {
		for i, c := range current {
			if c.sessionID == incoming.SessionID {
				return i
			}
		}
	}
	id := identity(incoming)
	if id == "" {
		return -1
	}
	for i, c := range current {
		if c.identity == id {
			return i
		}
	}
	return -1
}

func identity(e Entry) string {
	name := e.Metadata["test_name"]
	if name == "" && len(e.Navigations) > 0 {
		name = e.Navigations[0].TestName
	}
	if name == "" || e.SpecFile == "" {
		return ""
	}
	return filepath.Base(e.SpecFile) + "::" + name
}

func render(entries []existing) []byte {
	var buf bytes.Buffer
	if len(entries) == 0 {
		buf.WriteString("[]\n")
		return buf.Bytes()
	}
	buf.WriteString("[\n")
	for i, e := range entries {
		buf.WriteString("  ")
		buf.Write(e.raw)
		if i < len(entries)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteString("]\n")
	return buf.Bytes()
}
