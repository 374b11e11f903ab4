package txn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nainya/pagekv/pkg/heap"
	"github.com/nainya/pagekv/pkg/wal"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	w, err := wal.Open(dir, 0, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return NewManager(w, nil, nil)
}

func TestTransactionWriteThenCommitIsVisible(t *testing.T) {
	mgr := newTestManager(t)
	ptr := heap.Pointer{Type: heap.PointerData, Position: 1}

	tx, err := mgr.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Write(ptr, 1, []byte("old"), []byte("new")))
	require.NoError(t, tx.Commit())

	tx2, err := mgr.Begin(context.Background())
	require.NoError(t, err)
	data, found, err := tx2.Read(ptr)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("new"), data)
	require.NoError(t, tx2.Commit())
}

func TestTransactionAbortHidesWrite(t *testing.T) {
	mgr := newTestManager(t)
	ptr := heap.Pointer{Type: heap.PointerData, Position: 2}

	tx, err := mgr.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Write(ptr, 1, []byte("old"), []byte("new")))
	require.NoError(t, tx.Abort())

	tx2, err := mgr.Begin(context.Background())
	require.NoError(t, err)
	_, found, err := tx2.Read(ptr)
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, tx2.Commit())
}

func TestTransactionDeleteTombstonesValue(t *testing.T) {
	mgr := newTestManager(t)
	ptr := heap.Pointer{Type: heap.PointerData, Position: 3}

	tx, err := mgr.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Write(ptr, 1, nil, []byte("v1")))
	require.NoError(t, tx.Commit())

	tx2, err := mgr.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx2.Delete(ptr, 1, []byte("v1")))
	require.NoError(t, tx2.Commit())

	tx3, err := mgr.Begin(context.Background())
	require.NoError(t, err)
	_, found, err := tx3.Read(ptr)
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, tx3.Commit())
}

func TestConcurrentWritersToSameKeySerialize(t *testing.T) {
	mgr := newTestManager(t)
	ptr := heap.Pointer{Type: heap.PointerData, Position: 4}

	tx1, err := mgr.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx1.Write(ptr, 1, nil, []byte("from-tx1")))

	tx2, err := mgr.Begin(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- tx2.Write(ptr, 1, []byte("from-tx1"), []byte("from-tx2"))
	}()

	require.NoError(t, tx1.Commit())
	require.NoError(t, <-done)
	require.NoError(t, tx2.Commit())
}
