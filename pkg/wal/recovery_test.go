package wal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nainya/pagekv/pkg/heap"
)

// fakeApplier records every applied image keyed by pointer so tests can
// assert on final byte contents without a real heap.
type fakeApplier struct {
	images map[heap.Pointer][]byte
	calls  int
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{images: make(map[heap.Pointer][]byte)}
}

func (f *fakeApplier) ApplyImage(_ context.Context, _ int32, ptr heap.Pointer, image []byte) error {
	f.calls++
	cp := append([]byte(nil), image...)
	f.images[ptr] = cp
	return nil
}

func TestRecoveryRedoesCommittedUpdates(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, nil, nil)
	require.NoError(t, err)

	ptr := heap.Pointer{Type: heap.PointerData, Position: 4096}
	w.Begin(1)
	w.Update(1, 1, ptr, []byte("old"), []byte("new"))
	w.Commit(1)
	require.NoError(t, w.Close())

	w2, err := Open(dir, 0, nil, nil)
	require.NoError(t, err)
	defer w2.Close()

	applier := newFakeApplier()
	rec := NewRecovery(dir, applier, nil, nil)
	stats, err := rec.Recover(context.Background(), w2)
	require.NoError(t, err)

	require.Equal(t, 1, stats.CommittedTxns)
	require.Equal(t, 1, stats.RedoCount)
	require.Equal(t, 0, stats.UndoCount)
	require.Equal(t, []byte("new"), applier.images[ptr])
}

func TestRecoveryUndoesUncommittedUpdates(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, nil, nil)
	require.NoError(t, err)

	ptr := heap.Pointer{Type: heap.PointerData, Position: 8192}
	w.Begin(2)
	w.Update(2, 1, ptr, []byte("original"), []byte("uncommitted"))
	// Crash without Commit or Abort.
	require.NoError(t, w.Close())

	w2, err := Open(dir, 0, nil, nil)
	require.NoError(t, err)
	defer w2.Close()

	applier := newFakeApplier()
	rec := NewRecovery(dir, applier, nil, nil)
	stats, err := rec.Recover(context.Background(), w2)
	require.NoError(t, err)

	require.Equal(t, 0, stats.CommittedTxns)
	require.Equal(t, 1, stats.RecoveredTxns)
	require.Equal(t, 1, stats.UndoCount)
	require.Equal(t, []byte("original"), applier.images[ptr])

	records, err := ReadAll(dir)
	require.NoError(t, err)
	var sawCLR, sawAbort bool
	for _, r := range records {
		if r.Type == RecordCLR {
			sawCLR = true
		}
		if r.Type == RecordAbort && r.TxnID == 2 {
			sawAbort = true
		}
	}
	require.True(t, sawCLR, "undo must emit a CLR record")
	require.True(t, sawAbort, "undo must conclude with an Abort record")
}

func TestRecoveryIgnoresExplicitlyAbortedTransactions(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, nil, nil)
	require.NoError(t, err)

	ptr := heap.Pointer{Type: heap.PointerData, Position: 1}
	w.Begin(3)
	w.Update(3, 1, ptr, []byte("a"), []byte("b"))
	w.Abort(3)
	require.NoError(t, w.Close())

	w2, err := Open(dir, 0, nil, nil)
	require.NoError(t, err)
	defer w2.Close()

	applier := newFakeApplier()
	rec := NewRecovery(dir, applier, nil, nil)
	stats, err := rec.Recover(context.Background(), w2)
	require.NoError(t, err)
	require.Equal(t, 0, stats.RecoveredTxns)
	require.Equal(t, 0, applier.calls)
}

func TestRecoveryIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, nil, nil)
	require.NoError(t, err)

	ptr := heap.Pointer{Type: heap.PointerData, Position: 2048}
	w.Begin(4)
	w.Update(4, 1, ptr, []byte("before"), []byte("after-commit"))
	w.Commit(4)
	require.NoError(t, w.Close())

	w2, err := Open(dir, 0, nil, nil)
	require.NoError(t, err)

	applier1 := newFakeApplier()
	rec1 := NewRecovery(dir, applier1, nil, nil)
	_, err = rec1.Recover(context.Background(), w2)
	require.NoError(t, err)
	require.NoError(t, w2.Close())

	w3, err := Open(dir, 0, nil, nil)
	require.NoError(t, err)
	defer w3.Close()

	applier2 := newFakeApplier()
	rec2 := NewRecovery(dir, applier2, nil, nil)
	stats2, err := rec2.Recover(context.Background(), w3)
	require.NoError(t, err)

	require.Equal(t, applier1.images[ptr], applier2.images[ptr])
	require.Equal(t, 1, stats2.CommittedTxns)
}

func TestRecoveryOnEmptyDirectoryIsNoOp(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, nil, nil)
	require.NoError(t, err)
	defer w.Close()

	applier := newFakeApplier()
	rec := NewRecovery(dir, applier, nil, nil)
	stats, err := rec.Recover(context.Background(), w)
	require.NoError(t, err)
	require.Equal(t, 0, stats.RecordsRead)
}
