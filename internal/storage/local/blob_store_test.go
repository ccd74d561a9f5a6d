package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates missing directory", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "artifacts", "mirror")
		store, err := New(Config{BaseDir: dir})
		require.NoError(t, err)
		require.NotNil(t, store)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
		_, err = os.Stat(filepath.Join(dir, ".writable_test"))
		require.True(t, os.IsNotExist(err), "writability marker must be removed")
	})

	t.Run("rejects blank directory", func(t *testing.T) {
		t.Parallel()
		_, err := New(Config{BaseDir: "  "})
		require.ErrorContains(t, err, "base directory is required")
	})

	t.Run("rejects a file", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "results.json")
		require.NoError(t, os.WriteFile(file, []byte("[]"), 0o600))
		_, err := New(Config{BaseDir: file})
		require.ErrorContains(t, err, "not a directory")
	})

	t.Run("rejects read-only directory", func(t *testing.T) {
		t.Parallel()
		if os.Geteuid() == 0 {
			t.Skip("permission bits do not restrict root")
		}
		dir := t.TempDir()
		require.NoError(t, os.Chmod(dir, 0o500))
		t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })
		_, err := New(Config{BaseDir: dir})
		require.ErrorContains(t, err, "not writable")
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := New(Config{BaseDir: base})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("writes the results artifact", func(t *testing.T) {
		t.Parallel()
		uri, err := store.PutObject(ctx, "run-1/url-tracking-results.json", "application/json", []byte(`[{"session_id":"s1"}]`))
		require.NoError(t, err)
		want := filepath.Join(base, "run-1", "url-tracking-results.json")
		require.Equal(t, "file://"+want, uri)
		// #nosec G304 -- test reads from the controlled temp directory.
		got, err := os.ReadFile(want)
		require.NoError(t, err)
		require.JSONEq(t, `[{"session_id":"s1"}]`, string(got))
	})

	t.Run("replaces existing content", func(t *testing.T) {
		t.Parallel()
		_, err := store.PutObject(ctx, "latest.json", "application/json", []byte("[]"))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, "latest.json", "application/json", []byte("[1]"))
		require.NoError(t, err)
		// #nosec G304 -- test reads from the controlled temp directory.
		got, err := os.ReadFile(filepath.Join(base, "latest.json"))
		require.NoError(t, err)
		require.Equal(t, "[1]", string(got))
	})

	t.Run("rejects empty path", func(t *testing.T) {
		t.Parallel()
		_, err := store.PutObject(ctx, "", "application/json", []byte("[]"))
		require.ErrorContains(t, err, "path is required")
	})

	t.Run("rejects paths outside the base directory", func(t *testing.T) {
		t.Parallel()
		for _, p := range []string{"../escape.json", "run/../../escape.json", "."} {
			_, err := store.PutObject(ctx, p, "application/json", []byte("{}"))
			require.Error(t, err, p)
		}
		_, err := os.Stat(filepath.Join(filepath.Dir(base), "escape.json"))
		require.True(t, os.IsNotExist(err))
	})

	t.Run("leaves no temp files behind", func(t *testing.T) {
		t.Parallel()
		_, err := store.PutObject(ctx, "clean/results.json", "application/json", []byte("[]"))
		require.NoError(t, err)
		entries, err := os.ReadDir(filepath.Join(base, "clean"))
		require.NoError(t, err)
		for _, e := range entries {
			require.False(t, strings.HasPrefix(e.Name(), "."), e.Name())
		}
	})
}
