package fsx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendLineWritesOneLinePerCall(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, AppendLine(target, []byte(`{"event":"a"}`), 0o600))
	require.NoError(t, AppendLine(target, []byte(`{"event":"b"}`), 0o600))

	raw, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "{\"event\":\"a\"}\n{\"event\":\"b\"}\n", string(raw))
}

func TestWithLockConcurrentAppendsStayWhole(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "concurrent.jsonl")
	const writers = 50
	opts := LockOptions{MaxTries: 200, BaseDelay: time.Millisecond}

	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		line := []byte(fmt.Sprintf(`{"idx":%d,"pad":"%s"}`, i, bytes.Repeat([]byte("x"), 512)))
		go func(payload []byte) {
			defer wg.Done()
			err := WithLock(context.Background(), target, opts, func() error {
				return AppendLine(target, payload, 0o600)
			})
			if err != nil {
				t.Errorf("append: %v", err)
			}
		}(line)
	}
	wg.Wait()

	f, err := os.Open(target)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lines := 0
	for scanner.Scan() {
		lines++
		var parsed map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &parsed))
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, writers, lines)
	_, statErr := os.Stat(LockPath(target))
	require.True(t, os.IsNotExist(statErr))
}

func TestAcquireLockReclaimsStaleLock(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "stale.jsonl")
	require.NoError(t, os.WriteFile(LockPath(target), []byte(fmt.Sprintf("%d 0\n", os.Getpid())), 0o600))
	old := time.Now().Add(-10 * time.Second)
	require.NoError(t, os.Chtimes(LockPath(target), old, old))

	lock, err := AcquireLock(context.Background(), target, LockOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, lock.Reclaimed)
	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())
}

func TestAcquireLockReclaimsLockOfDeadHolder(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "dead.jsonl")
	require.NoError(t, os.WriteFile(LockPath(target), []byte("99999999 0\n"), 0o600))

	lock, err := AcquireLock(context.Background(), target, LockOptions{MaxTries: 2})
	require.NoError(t, err)
	require.Equal(t, 1, lock.Reclaimed)
	require.NoError(t, lock.Release())
}

func TestReleaseLeavesReclaimedLock(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "reclaimed.jsonl")
	first, err := AcquireLock(context.Background(), target, LockOptions{})
	require.NoError(t, err)

	// The first holder stalls past StaleAfter and another writer reclaims.
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(LockPath(target), old, old))
	second, err := AcquireLock(context.Background(), target, LockOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, second.Reclaimed)

	require.ErrorIs(t, first.Release(), ErrLockLost)
	_, err = os.Stat(LockPath(target))
	require.NoError(t, err)

	require.NoError(t, second.Release())
	_, err = os.Stat(LockPath(target))
	require.True(t, os.IsNotExist(err))
}

func TestAcquireLockGivesUpWhenHeld(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "held.jsonl")
	held, err := AcquireLock(context.Background(), target, LockOptions{})
	require.NoError(t, err)
	defer held.Release() //nolint:errcheck // test cleanup

	_, err = AcquireLock(context.Background(), target, LockOptions{MaxTries: 3, BaseDelay: time.Millisecond})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrLockBusy))
}

func TestAcquireLockHonorsContext(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "ctx.jsonl")
	held, err := AcquireLock(context.Background(), target, LockOptions{})
	require.NoError(t, err)
	defer held.Release() //nolint:errcheck // test cleanup

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = AcquireLock(ctx, target, LockOptions{MaxTries: 5, BaseDelay: time.Second})
	require.ErrorIs(t, err, context.Canceled)
}

func TestReplaceFileSwapsContent(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "nested", "results.json")
	require.NoError(t, ReplaceFile(target, []byte("[1]"), 0o600))
	require.NoError(t, ReplaceFile(target, []byte("[1,2]"), 0o600))

	raw, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "[1,2]", string(raw))

	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestUpdateFileReadsModifiesAndSkipsNoop(t *testing.T) {
	t.Parallel()

	target := filepath.Join(t.TempDir(), "out", "results.json")
	written, err := UpdateFile(context.Background(), target, LockOptions{}, 0o600, func(current []byte) ([]byte, error) {
		require.Nil(t, current)
		return []byte("[1]"), nil
	})
	require.NoError(t, err)
	require.True(t, written)

	written, err = UpdateFile(context.Background(), target, LockOptions{}, 0o600, func(current []byte) ([]byte, error) {
		require.Equal(t, "[1]", string(current))
		return nil, nil
	})
	require.NoError(t, err)
	require.False(t, written)

	boom := errors.New("boom")
	_, err = UpdateFile(context.Background(), target, LockOptions{}, 0o600, func([]byte) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	raw, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "[1]", string(raw))
	_, err = os.Stat(LockPath(target))
	require.True(t, os.IsNotExist(err))
}
