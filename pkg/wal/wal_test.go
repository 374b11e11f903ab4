package wal

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nainya/pagekv/pkg/heap"
)

func TestRecordEncodeDecodeUpdate(t *testing.T) {
	rec := &Record{
		Type:         RecordUpdate,
		LSN:          42,
		TxnID:        7,
		PrevLSN:      41,
		Timestamp:    12345,
		CollectionID: 3,
		Pointer:      heap.Pointer{Type: heap.PointerData, Position: 4096, Chunk: 0},
		UndoNextLSN:  40,
		Before:       []byte("before-image"),
		After:        []byte("after-image!"),
	}

	data := rec.Encode()
	decoded, err := DecodeRecord(data[4:]) // strip the length prefix, as the reader does
	require.NoError(t, err)

	require.Equal(t, rec.Type, decoded.Type)
	require.Equal(t, rec.LSN, decoded.LSN)
	require.Equal(t, rec.TxnID, decoded.TxnID)
	require.Equal(t, rec.PrevLSN, decoded.PrevLSN)
	require.Equal(t, rec.Timestamp, decoded.Timestamp)
	require.Equal(t, rec.CollectionID, decoded.CollectionID)
	require.Equal(t, rec.Pointer, decoded.Pointer)
	require.Equal(t, rec.UndoNextLSN, decoded.UndoNextLSN)
	require.Equal(t, rec.Before, decoded.Before)
	require.Equal(t, rec.After, decoded.After)
}

func TestRecordEncodeDecodeCheckpointStart(t *testing.T) {
	rec := &Record{
		Type:       RecordCheckpointStart,
		LSN:        10,
		Timestamp:  99,
		ActiveTxns: []int64{1, 2, 3},
		LastLSNs:   []int64{4, 5, 6},
	}
	decoded, err := DecodeRecord(rec.Encode()[4:])
	require.NoError(t, err)
	require.Equal(t, rec.ActiveTxns, decoded.ActiveTxns)
	require.Equal(t, rec.LastLSNs, decoded.LastLSNs)
}

func TestRecordDecodeDetectsCorruption(t *testing.T) {
	rec := &Record{Type: RecordBegin, LSN: 1, TxnID: 1}
	data := rec.Encode()
	data[10] ^= 0xFF // flip a byte inside the body
	_, err := DecodeRecord(data[4:])
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestRecordDecodeDetectsTruncation(t *testing.T) {
	rec := &Record{Type: RecordBegin, LSN: 1, TxnID: 1}
	data := rec.Encode()
	_, err := DecodeRecord(data[4 : len(data)-10])
	require.Error(t, err)
}

func TestWALBeginCommitChainsPrevLSN(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, nil, nil)
	require.NoError(t, err)
	defer w.Close()

	beginLSN, err := w.Begin(1)
	require.NoError(t, err)

	updateLSN, err := w.Update(1, 5, heap.Pointer{Type: heap.PointerData, Position: 100}, []byte("old"), []byte("new"))
	require.NoError(t, err)

	commitLSN, err := w.Commit(1)
	require.NoError(t, err)

	require.Equal(t, beginLSN+1, updateLSN)
	require.Equal(t, updateLSN+1, commitLSN)

	records, err := ReadAll(dir)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, int64(0), records[0].PrevLSN) // Begin never chains
	require.Equal(t, beginLSN, records[1].PrevLSN)
	require.Equal(t, updateLSN, records[2].PrevLSN)
}

func TestWALResumesNextLSNAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, nil, nil)
	require.NoError(t, err)

	w.Begin(1)
	lastLSN, err := w.Commit(1)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2, err := Open(dir, 0, nil, nil)
	require.NoError(t, err)
	defer w2.Close()
	require.Equal(t, lastLSN+1, w2.NextLSN())
}

func TestWALRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 200, nil, nil) // tiny max file size to force rotation
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 20; i++ {
		_, err := w.Update(1, 1, heap.Pointer{Type: heap.PointerData, Position: int64(i)}, []byte("before"), []byte("after-image-bytes"))
		require.NoError(t, err)
	}

	files, err := listLogFiles(dir)
	require.NoError(t, err)
	require.Greater(t, len(files), 1)
}

func TestWALCommitForcesFlushDurability(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, nil, nil)
	require.NoError(t, err)
	defer w.Close()

	w.Begin(9)
	_, err = w.Commit(9)
	require.NoError(t, err)

	records, err := ReadAll(dir)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, RecordCommit, records[1].Type)
}
