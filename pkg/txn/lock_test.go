package txn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nainya/pagekv/pkg/pkgerrors"
)

func TestSharedLocksCoexist(t *testing.T) {
	lm := NewLockManager(nil, nil)
	ok, err := lm.Acquire(context.Background(), "r1", 1, Shared, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lm.Acquire(context.Background(), "r1", 2, Shared, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExclusiveBlocksShared(t *testing.T) {
	lm := NewLockManager(nil, nil)
	ok, err := lm.Acquire(context.Background(), "r1", 1, Exclusive, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lm.Acquire(context.Background(), "r1", 2, Shared, 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok, "shared acquire must time out while exclusive is held")
}

func TestExclusiveIsReentrantForSameTxn(t *testing.T) {
	lm := NewLockManager(nil, nil)
	ok, err := lm.Acquire(context.Background(), "r1", 1, Exclusive, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lm.Acquire(context.Background(), "r1", 1, Exclusive, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReleaseAllUnblocksWaiters(t *testing.T) {
	lm := NewLockManager(nil, nil)
	ok, err := lm.Acquire(context.Background(), "r1", 1, Exclusive, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	var wg sync.WaitGroup
	wg.Add(1)
	var gotOK bool
	go func() {
		defer wg.Done()
		gotOK, _ = lm.Acquire(context.Background(), "r1", 2, Exclusive, 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	lm.ReleaseAll(1)
	wg.Wait()
	require.True(t, gotOK)
}

func TestDeadlockDetectionAbortsYoungestTransaction(t *testing.T) {
	lm := NewLockManager(nil, nil)
	ok, err := lm.Acquire(context.Background(), "A", 1, Exclusive, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = lm.Acquire(context.Background(), "B", 2, Exclusive, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	var wg sync.WaitGroup
	results := make(map[int64]error)
	var mu sync.Mutex
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, err := lm.Acquire(context.Background(), "B", 1, Exclusive, 3*time.Second)
		mu.Lock()
		results[1] = err
		mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		_, err := lm.Acquire(context.Background(), "A", 2, Exclusive, 3*time.Second)
		mu.Lock()
		results[2] = err
		mu.Unlock()
	}()

	wg.Wait()
	victim := int64(0)
	for txn, err := range results {
		if errors.Is(err, pkgerrors.ErrDeadlockVictim) {
			victim = txn
		}
	}
	require.Equal(t, int64(2), victim, "the higher (younger) transaction id must be the victim")
}

func TestAcquireRangeTakesBoundaryAndMarkerLocks(t *testing.T) {
	lm := NewLockManager(nil, nil)
	ok, err := lm.AcquireRange(context.Background(), "idx", "a", "m", 1, Exclusive, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lm.Acquire(context.Background(), rangeMarker("idx", "a", "m"), 2, Shared, 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok, "a concurrent range lock on the same marker must block")
}
