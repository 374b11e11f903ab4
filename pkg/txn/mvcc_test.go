package txn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nainya/pagekv/pkg/heap"
)

func TestVersionReadSeesNothingBeforeCommit(t *testing.T) {
	vm := NewVersionManager()
	ptr := heap.Pointer{Type: heap.PointerData, Position: 1}
	vm.Write(ptr, []byte("v1"), 10, false)

	_, found := vm.Read(ptr, 100)
	require.False(t, found, "uncommitted writes are invisible to readers")
}

func TestVersionReadSeesCommittedWriteAtOrAfterCommitTS(t *testing.T) {
	vm := NewVersionManager()
	ptr := heap.Pointer{Type: heap.PointerData, Position: 1}
	vm.Write(ptr, []byte("v1"), 10, false)
	require.NoError(t, vm.Commit(10, 5))

	v, found := vm.Read(ptr, 5)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v.Data)

	v, found = vm.Read(ptr, 100)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v.Data)

	_, found = vm.Read(ptr, 4)
	require.False(t, found, "readers before the commit timestamp see nothing")
}

func TestVersionSnapshotIsolation(t *testing.T) {
	vm := NewVersionManager()
	ptr := heap.Pointer{Type: heap.PointerData, Position: 1}
	vm.Write(ptr, []byte("v1"), 10, false)
	require.NoError(t, vm.Commit(10, 5))

	// A reader snapshotted at ts=6 should keep seeing v1 even after v2 commits at ts=8.
	vm.Write(ptr, []byte("v2"), 20, false)
	require.NoError(t, vm.Commit(20, 8))

	v, found := vm.Read(ptr, 6)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v.Data)

	v, found = vm.Read(ptr, 9)
	require.True(t, found)
	require.Equal(t, []byte("v2"), v.Data)
}

func TestVersionAbortDiscardsUncommitted(t *testing.T) {
	vm := NewVersionManager()
	ptr := heap.Pointer{Type: heap.PointerData, Position: 1}
	vm.Write(ptr, []byte("v1"), 10, false)
	require.NoError(t, vm.Commit(10, 5))

	vm.Write(ptr, []byte("bad"), 30, false)
	require.NoError(t, vm.Abort(30))

	v, found := vm.Read(ptr, 100)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v.Data)
	require.Equal(t, 1, vm.ChainLen(ptr))
}

func TestVersionDeleteHidesValue(t *testing.T) {
	vm := NewVersionManager()
	ptr := heap.Pointer{Type: heap.PointerData, Position: 1}
	vm.Write(ptr, []byte("v1"), 10, false)
	require.NoError(t, vm.Commit(10, 5))

	vm.Write(ptr, nil, 40, true)
	require.NoError(t, vm.Commit(40, 9))

	_, found := vm.Read(ptr, 100)
	require.False(t, found, "deleted versions must not be visible")

	v, found := vm.Read(ptr, 6)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v.Data)
}

func TestGarbageCollectPrunesOldVersionsButKeepsNewest(t *testing.T) {
	vm := NewVersionManager()
	ptr := heap.Pointer{Type: heap.PointerData, Position: 1}
	vm.Write(ptr, []byte("v1"), 10, false)
	require.NoError(t, vm.Commit(10, 1))
	vm.Write(ptr, []byte("v2"), 20, false)
	require.NoError(t, vm.Commit(20, 5))
	vm.Write(ptr, []byte("v3"), 30, false)
	require.NoError(t, vm.Commit(30, 9))

	removed := vm.GarbageCollect(9)
	require.Equal(t, 2, removed)
	require.Equal(t, 1, vm.ChainLen(ptr))

	v, found := vm.Read(ptr, 100)
	require.True(t, found)
	require.Equal(t, []byte("v3"), v.Data)
}

func TestGarbageCollectKeepsVersionsStillVisibleToActiveReaders(t *testing.T) {
	vm := NewVersionManager()
	ptr := heap.Pointer{Type: heap.PointerData, Position: 1}
	vm.Write(ptr, []byte("v1"), 10, false)
	require.NoError(t, vm.Commit(10, 1))
	vm.Write(ptr, []byte("v2"), 20, false)
	require.NoError(t, vm.Commit(20, 5))

	removed := vm.GarbageCollect(3) // an active reader at ts=3 still needs v1
	require.Equal(t, 0, removed)
	require.Equal(t, 2, vm.ChainLen(ptr))
}
