package durable

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/navtrack/internal/track"
)

func TestParseFileName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		worker string
		kind   track.EntryKind
		ok     bool
	}{
		{"worker-3-session.jsonl", "3", track.KindSession, true},
		{"worker-ci-node-2-api-success.jsonl", "ci-node-2", track.KindAPISuccess, true},
		{"worker-1-api-skip.jsonl", "1", track.KindAPISkip, true},
		{"worker-1-cleanup.jsonl.lock", "", "", false},
		{"worker--session.jsonl", "", "", false},
		{"worker-1-unknown.jsonl", "", "", false},
		{"url-tracking-results.json", "", "", false},
	}
	for _, tc := range cases {
		worker, kind, ok := ParseFileName(tc.name)
		require.Equal(t, tc.ok, ok, tc.name)
		require.Equal(t, tc.worker, worker, tc.name)
		require.Equal(t, tc.kind, kind, tc.name)
	}
}

func TestReadDirCountsMalformedLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	lines := `{"workerId":"1","kind":"api-error","timestamp":"2026-01-01T00:00:00Z","payload":{"session_id":"a"}}
{"workerId":"1","kind":"api-error","timestamp":"2026-01-01T00
not json at all

{"workerId":"1","kind":"api-error","timestamp":"2026-01-01T00:00:01Z","payload":{"session_id":"b"}}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "worker-1-api-error.jsonl"), []byte(lines), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "worker-1-api-error.jsonl.lock"), []byte("1 1"), 0o600))

	snap, err := ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, snap.Of(track.KindAPIError), 2)
	require.Equal(t, 2, snap.Malformed)
	require.Len(t, snap.Files, 1)
}

func TestReadDirSkipsOversizedLine(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var buf bytes.Buffer
	buf.WriteString(`{"workerId":"1","kind":"session","payload":"`)
	buf.Write(bytes.Repeat([]byte("x"), maxLineBytes))
	buf.WriteString("\"}\n")
	buf.WriteString(`{"workerId":"1","kind":"session","timestamp":"2026-01-01T00:00:00Z","payload":{"session_id":"a"}}` + "\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "worker-1-session.jsonl"), buf.Bytes(), 0o600))

	snap, err := ReadDir(dir)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Malformed)
	require.Len(t, snap.Of(track.KindSession), 1)
	require.Equal(t, "1", snap.Of(track.KindSession)[0].WorkerID)
}

func TestReadEntriesLimit(t *testing.T) {
	t.Parallel()

	valid := `{"workerId":"1","kind":"api-skip","payload":{}}`
	input := strings.Join([]string{
		valid,
		`{"workerId":"1","kind":"api-skip","payload":"` + strings.Repeat("y", 200) + `"}`,
		valid,
	}, "\n")

	entries, malformed, err := readEntries(strings.NewReader(input), 64)
	require.NoError(t, err)
	require.Equal(t, 1, malformed)
	require.Len(t, entries, 2)
	require.Equal(t, track.KindAPISkip, entries[1].Kind)
}

func TestReadDirMissingDirectory(t *testing.T) {
	t.Parallel()

	snap, err := ReadDir(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	require.Empty(t, snap.Files)
	require.Empty(t, snap.Of(track.KindSession))
}
