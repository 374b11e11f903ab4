package wal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckpointWritesStartAndEnd(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, nil, nil)
	require.NoError(t, err)
	defer w.Close()

	w.Begin(1)
	active := map[int64]int64{1: w.NextLSN() - 1}

	cp := NewCheckpointer(w, nil, 0, false, func() map[int64]int64 { return active })
	lsn, err := cp.Checkpoint()
	require.NoError(t, err)
	require.Greater(t, lsn, int64(0))

	records, err := ReadAll(dir)
	require.NoError(t, err)
	require.Len(t, records, 3) // Begin, CheckpointStart, CheckpointEnd

	start := records[1]
	require.Equal(t, RecordCheckpointStart, start.Type)
	require.Equal(t, []int64{1}, start.ActiveTxns)

	end := records[2]
	require.Equal(t, RecordCheckpointEnd, end.Type)
}

func TestCheckpointerAutoFiresOnThreshold(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, nil, nil)
	require.NoError(t, err)
	defer w.Close()

	fired := 0
	cp := NewCheckpointer(w, nil, 3, true, func() map[int64]int64 { return nil })

	for i := 0; i < 3; i++ {
		lsn, err := cp.RecordCommit()
		require.NoError(t, err)
		if lsn > 0 {
			fired++
		}
	}
	require.Equal(t, 1, fired)
}

func TestCheckpointerDoesNotFireBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, nil, nil)
	require.NoError(t, err)
	defer w.Close()

	cp := NewCheckpointer(w, nil, 10, true, func() map[int64]int64 { return nil })
	for i := 0; i < 5; i++ {
		lsn, err := cp.RecordCommit()
		require.NoError(t, err)
		require.Equal(t, int64(0), lsn)
	}
}

func TestCheckpointerDisabledNeverFires(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 0, nil, nil)
	require.NoError(t, err)
	defer w.Close()

	cp := NewCheckpointer(w, nil, 1, false, func() map[int64]int64 { return nil })
	for i := 0; i < 10; i++ {
		lsn, err := cp.RecordCommit()
		require.NoError(t, err)
		require.Equal(t, int64(0), lsn)
	}
}
