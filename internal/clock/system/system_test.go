package system

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClock_NowIsUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := New().Now()

	require.Equal(t, time.UTC, got.Location())
	require.WithinDuration(t, before.Add(time.Second), got, 2*time.Second)
}

func TestManual_OnlyMovesOnAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	clk := NewManual(start)
	require.True(t, clk.Now().Equal(start))
	require.Equal(t, time.UTC, clk.Now().Location())
	require.Equal(t, clk.Now(), clk.Now())

	clk.Advance(1500 * time.Millisecond)
	require.Equal(t, 1500*time.Millisecond, clk.Now().Sub(start))
}

func TestManual_ConcurrentAdvance(t *testing.T) {
	t.Parallel()

	start := time.Unix(0, 0)
	clk := NewManual(start)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clk.Advance(time.Millisecond)
			_ = clk.Now()
		}()
	}
	wg.Wait()
	require.Equal(t, 50*time.Millisecond, clk.Now().Sub(start))
}
