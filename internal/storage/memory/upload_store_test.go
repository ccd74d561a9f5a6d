package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/navtrack/internal/storage"
)

func TestUploadStoreIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewUploadStore()

	dup, err := store.SaveUpload(ctx, storage.Upload{UploadID: "u1", SessionID: "s1", Navigations: 2})
	require.NoError(t, err)
	require.False(t, dup)

	dup, err = store.SaveUpload(ctx, storage.Upload{UploadID: "u1", SessionID: "other", Navigations: 9})
	require.NoError(t, err)
	require.True(t, dup)

	got, err := store.GetUpload(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "s1", got.SessionID)
	require.Equal(t, 1, store.Len())

	_, err = store.GetUpload(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.SaveUpload(ctx, storage.Upload{})
	require.Error(t, err)
}
