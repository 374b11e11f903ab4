// ABOUTME: Integration tests for B+Tree Put/Get/Remove against a real on-disk index file
// ABOUTME: Uses a small degree to force splits, borrows, and merges within a handful of keys

package btree

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T, degree int) *Tree {
	t.Helper()
	dir := t.TempDir()
	layout := NewLayout(degree, 8, 8)
	storage, err := OpenStorage(filepath.Join(dir, "index_1.dat"), layout)
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	headers, err := OpenHeaderStore(filepath.Join(dir, "index_headers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { headers.Close() })

	session := NewImmediateSession(storage, nil)
	tree, err := NewTree(1, layout, session, headers, nil, nil)
	require.NoError(t, err)
	return tree
}

func TestTreePutGetOverwrite(t *testing.T) {
	tree := newTestTree(t, 4)

	require.NoError(t, tree.Put(fixedKey(1), fixedKey(100)))
	require.NoError(t, tree.Put(fixedKey(2), fixedKey(200)))
	require.NoError(t, tree.Put(fixedKey(1), fixedKey(999)))

	v, ok, err := tree.Get(fixedKey(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, fixedKey(999), v)

	v, ok, err = tree.Get(fixedKey(2))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, fixedKey(200), v)

	_, ok, err = tree.Get(fixedKey(3))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTreeSplitsAcrossManyKeys(t *testing.T) {
	tree := newTestTree(t, 4)
	const n = 200

	for i := 0; i < n; i++ {
		require.NoError(t, tree.Put(fixedKey(i), fixedKey(i*10)))
	}

	count, err := tree.Count()
	require.NoError(t, err)
	require.Equal(t, n, count)

	for i := 0; i < n; i++ {
		v, ok, err := tree.Get(fixedKey(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		require.Equal(t, fixedKey(i*10), v)
	}
}

func TestTreeRemoveRebalances(t *testing.T) {
	tree := newTestTree(t, 4)
	const n = 100

	for i := 0; i < n; i++ {
		require.NoError(t, tree.Put(fixedKey(i), fixedKey(i)))
	}

	for i := 0; i < n; i += 2 {
		ok, err := tree.Remove(fixedKey(i))
		require.NoError(t, err)
		require.True(t, ok, "remove key %d", i)
	}

	count, err := tree.Count()
	require.NoError(t, err)
	require.Equal(t, n/2, count)

	for i := 0; i < n; i++ {
		_, ok, err := tree.Get(fixedKey(i))
		require.NoError(t, err)
		if i%2 == 0 {
			require.False(t, ok, "key %d should be gone", i)
		} else {
			require.True(t, ok, "key %d should remain", i)
		}
	}
}

func TestTreeRemoveMissingKey(t *testing.T) {
	tree := newTestTree(t, 4)
	require.NoError(t, tree.Put(fixedKey(1), fixedKey(1)))

	ok, err := tree.Remove(fixedKey(99))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTreeRemoveToEmpty(t *testing.T) {
	tree := newTestTree(t, 4)
	for i := 0; i < 10; i++ {
		require.NoError(t, tree.Put(fixedKey(i), fixedKey(i)))
	}
	for i := 0; i < 10; i++ {
		ok, err := tree.Remove(fixedKey(i))
		require.NoError(t, err)
		require.True(t, ok)
	}
	count, err := tree.Count()
	require.NoError(t, err)
	require.Equal(t, 0, count)
	require.True(t, tree.root.IsEmpty())
}

func TestTreeHeaderPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	layout := NewLayout(4, 8, 8)
	path := filepath.Join(dir, "index_1.dat")
	headerPath := filepath.Join(dir, "index_headers.db")

	storage, err := OpenStorage(path, layout)
	require.NoError(t, err)
	headers, err := OpenHeaderStore(headerPath)
	require.NoError(t, err)

	session := NewImmediateSession(storage, nil)
	tree, err := NewTree(7, layout, session, headers, nil, nil)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Put(fixedKey(i), fixedKey(i)))
	}
	require.NoError(t, storage.Close())
	require.NoError(t, headers.Close())

	storage2, err := OpenStorage(path, layout)
	require.NoError(t, err)
	defer storage2.Close()
	headers2, err := OpenHeaderStore(headerPath)
	require.NoError(t, err)
	defer headers2.Close()

	session2 := NewImmediateSession(storage2, nil)
	tree2, err := NewTree(7, layout, session2, headers2, nil, nil)
	require.NoError(t, err)

	count, err := tree2.Count()
	require.NoError(t, err)
	require.Equal(t, 20, count)
	for i := 0; i < 20; i++ {
		v, ok, err := tree2.Get(fixedKey(i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, fixedKey(i), v)
	}
}

func TestDuplicateIndex(t *testing.T) {
	dir := t.TempDir()
	// value slot must fit a BinaryList header plus a handful of 8-byte values
	layout := NewLayout(4, 8, 4+8*4)
	storage, err := OpenStorage(filepath.Join(dir, "index_2.dat"), layout)
	require.NoError(t, err)
	defer storage.Close()
	headers, err := OpenHeaderStore(filepath.Join(dir, "index_headers.db"))
	require.NoError(t, err)
	defer headers.Close()

	inner, err := NewTree(2, layout, NewImmediateSession(storage, nil), headers, nil, nil)
	require.NoError(t, err)
	dup := NewDuplicateIndex(inner, 8)

	key := fixedKey(1)
	require.NoError(t, dup.Put(key, fixedKey(10)))
	require.NoError(t, dup.Put(key, fixedKey(20)))
	require.NoError(t, dup.Put(key, fixedKey(10))) // duplicate insert is a no-op

	vals, err := dup.Get(key)
	require.NoError(t, err)
	require.Len(t, vals, 2)

	n, err := dup.Count(key)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	removed, err := dup.Remove(key, fixedKey(10))
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = dup.Remove(key, fixedKey(20))
	require.NoError(t, err)
	require.True(t, removed)

	vals, err = dup.Get(key)
	require.NoError(t, err)
	require.Nil(t, vals)
}

func TestTreeRejectsWrongSizedKey(t *testing.T) {
	tree := newTestTree(t, 4)
	err := tree.Put([]byte("short"), fixedKey(1))
	require.Error(t, err)
}

func benchmarkKeys(n int) [][]byte {
	keys := make([][]byte, n)
	for i := range keys {
		keys[i] = fixedKey(i)
	}
	return keys
}

func TestTreeLargeDegreeBulkLoad(t *testing.T) {
	tree := newTestTree(t, 32)
	keys := benchmarkKeys(500)
	for i, k := range keys {
		require.NoError(t, tree.Put(k, fixedKey(i)))
	}
	count, err := tree.Count()
	require.NoError(t, err)
	require.Equal(t, len(keys), count)
}

func TestTreeFlushIsNoOpForImmediateSession(t *testing.T) {
	tree := newTestTree(t, 4)
	require.NoError(t, tree.Put(fixedKey(1), fixedKey(1)))
	require.NoError(t, tree.Flush())
}

func TestTreeAutoIncrementKey(t *testing.T) {
	tree := newTestTree(t, 4)
	k1, err := tree.NextAutoKey()
	require.NoError(t, err)
	k2, err := tree.NextAutoKey()
	require.NoError(t, err)
	require.Equal(t, k1+1, k2)
}

func TestTreeDegreeValidation(t *testing.T) {
	dir := t.TempDir()
	layout := NewLayout(2, 8, 8)
	storage, err := OpenStorage(filepath.Join(dir, "index_1.dat"), layout)
	require.NoError(t, err)
	defer storage.Close()
	headers, err := OpenHeaderStore(filepath.Join(dir, "index_headers.db"))
	require.NoError(t, err)
	defer headers.Close()

	_, err = NewTree(1, layout, NewImmediateSession(storage, nil), headers, nil, nil)
	require.Error(t, err)
}

func TestConcurrentIndexIDsIsolated(t *testing.T) {
	dir := t.TempDir()
	layout := NewLayout(4, 8, 8)
	headers, err := OpenHeaderStore(filepath.Join(dir, "index_headers.db"))
	require.NoError(t, err)
	defer headers.Close()

	for id := int32(1); id <= 3; id++ {
		storage, err := OpenStorage(filepath.Join(dir, fmt.Sprintf("index_%d.dat", id)), layout)
		require.NoError(t, err)
		defer storage.Close()
		tree, err := NewTree(id, layout, NewImmediateSession(storage, nil), headers, nil, nil)
		require.NoError(t, err)
		require.NoError(t, tree.Put(fixedKey(int(id)), fixedKey(int(id)*100)))
	}

	require.Equal(t, int32(0), headers.Get(1).Root.Chunk)
}
