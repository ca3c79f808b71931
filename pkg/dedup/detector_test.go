package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndCheck(t *testing.T) {
	ctx := context.Background()
	d := NewDetector(NewMemoryStore(), time.Minute, nil)

	out, err := d.RegisterAndCheck(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, Continue, out)

	out, err = d.RegisterAndCheck(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, Duplicate, out)

	out, err = d.RegisterAndCheck(ctx, "msg-2")
	require.NoError(t, err)
	assert.Equal(t, Continue, out)
}

func TestEmptyIDIsNeverRecorded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	d := NewDetector(store, time.Minute, nil)

	for i := 0; i < 2; i++ {
		out, err := d.RegisterAndCheck(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, Continue, out)
	}

	entries, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEvictBeforeIsStrict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err := store.Insert(ctx, "old", t0.Add(-time.Hour))
	require.NoError(t, err)
	_, err = store.Insert(ctx, "boundary", t0)
	require.NoError(t, err)
	_, err = store.Insert(ctx, "fresh", t0.Add(time.Hour))
	require.NoError(t, err)

	d := NewDetector(store, time.Minute, nil)
	evicted, err := d.EvictBefore(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, evicted)

	// An entry received exactly at the cutoff stays.
	entries, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestConcurrentRegistration(t *testing.T) {
	ctx := context.Background()
	d := NewDetector(NewMemoryStore(), time.Minute, nil)

	const n = 64
	var duplicates atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := d.RegisterAndCheck(ctx, "contested")
			require.NoError(t, err)
			if out == Duplicate {
				duplicates.Add(1)
			}
		}()
	}
	wg.Wait()

	// Exactly one registration wins.
	assert.Equal(t, int32(n-1), duplicates.Load())
}

func TestSweeperEvictsExpired(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	d := NewDetector(store, 50*time.Millisecond, nil)

	_, err := d.RegisterAndCheck(ctx, "short-lived")
	require.NoError(t, err)

	go d.Run(ctx, 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		entries, err := store.List(ctx)
		return err == nil && len(entries) == 0
	}, time.Second, 10*time.Millisecond)

	// Once evicted the id registers as fresh again.
	out, err := d.RegisterAndCheck(ctx, "short-lived")
	require.NoError(t, err)
	assert.Equal(t, Continue, out)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.Insert(ctx, "a", time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Clear(ctx))

	entries, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
