package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStore_StoresImmutableCopies(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`[{"session_id":"s1"}]`)
	uri, err := store.PutObject(context.Background(), "runs/results.json", "application/json", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://runs/results.json", uri)

	payload[0] = '{'
	stored, contentType, ok := store.Object("runs/results.json")
	require.True(t, ok)
	require.Equal(t, `[{"session_id":"s1"}]`, string(stored))
	require.Equal(t, "application/json", contentType)

	stored[0] = 'x'
	again, _, _ := store.Object("runs/results.json")
	require.Equal(t, byte('['), again[0])
}

func TestBlobStore_MissingAndEmptyPath(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, _, ok := store.Object("absent")
	require.False(t, ok)

	_, err := store.PutObject(context.Background(), "", "", nil)
	require.Error(t, err)
}
