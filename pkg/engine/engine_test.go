package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nainya/pagekv/config"
	"github.com/nainya/pagekv/pkg/txn"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	cfg := config.Default()
	cfg.MaxFileHandles = 8
	cfg.BTreeDegree = 8
	db, err := Open(context.Background(), t.TempDir(), cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateAndFetchCollection(t *testing.T) {
	db := openTestDB(t)
	col, err := db.CreateCollection("widgets", 16)
	require.NoError(t, err)
	require.Equal(t, "widgets", col.Name())

	again, err := db.Collection("widgets")
	require.NoError(t, err)
	require.Same(t, col, again)
}

func TestCreateCollectionTwiceFails(t *testing.T) {
	db := openTestDB(t)
	_, err := db.CreateCollection("widgets", 16)
	require.NoError(t, err)
	_, err = db.CreateCollection("widgets", 16)
	require.Error(t, err)
}

func TestCollectionPutGetDelete(t *testing.T) {
	db := openTestDB(t)
	col, err := db.CreateCollection("widgets", 16)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, col.Put(ctx, []byte("alpha"), []byte("1")))
	v, found, err := col.Get(ctx, []byte("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, col.Put(ctx, []byte("alpha"), []byte("one-hundred")))
	v, found, err = col.Get(ctx, []byte("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("one-hundred"), v)

	ok, err := col.Delete(ctx, []byte("alpha"))
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err = col.Get(ctx, []byte("alpha"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestCollectionDeleteMissingKeyReturnsFalse(t *testing.T) {
	db := openTestDB(t)
	col, err := db.CreateCollection("widgets", 16)
	require.NoError(t, err)

	ok, err := col.Delete(context.Background(), []byte("nope"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCollectionScanOrdersByEncodedKey(t *testing.T) {
	db := openTestDB(t)
	col, err := db.CreateCollection("widgets", 16)
	require.NoError(t, err)
	ctx := context.Background()

	keys := []string{"bb", "aa", "cc"}
	for _, k := range keys {
		require.NoError(t, col.Put(ctx, []byte(k), []byte("v-"+k)))
	}

	var seen []string
	err = col.Scan(ctx, []byte{0x00}, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, func(k, v []byte) bool {
		seen = append(seen, string(k))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{"aa", "bb", "cc"}, seen)
}

func TestCollectionReopenPersistsData(t *testing.T) {
	cfg := config.Default()
	cfg.MaxFileHandles = 8
	cfg.BTreeDegree = 8
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(ctx, dir, cfg, nil, nil)
	require.NoError(t, err)
	col, err := db.CreateCollection("widgets", 16)
	require.NoError(t, err)
	require.NoError(t, col.Put(ctx, []byte("k1"), []byte("v1")))
	require.NoError(t, db.Close())

	db2, err := Open(ctx, dir, cfg, nil, nil)
	require.NoError(t, err)
	defer db2.Close()

	col2, err := db2.Collection("widgets")
	require.NoError(t, err)
	v, found, err := col2.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v)
}

func TestSecondaryIndexLookup(t *testing.T) {
	db := openTestDB(t)
	col, err := db.CreateCollection("people", 16)
	require.NoError(t, err)
	ctx := context.Background()

	byTeam, err := col.CreateIndex("team", 8, func(value []byte) []byte {
		// value is "name:team"; extract the team suffix.
		for i := len(value) - 1; i >= 0; i-- {
			if value[i] == ':' {
				return value[i+1:]
			}
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, col.Put(ctx, []byte("alice"), []byte("Alice:red")))
	require.NoError(t, col.Put(ctx, []byte("bob"), []byte("Bob:red")))
	require.NoError(t, col.Put(ctx, []byte("carol"), []byte("Carol:blue")))

	matches, err := byTeam.Lookup([]byte("red"))
	require.NoError(t, err)
	require.Len(t, matches, 2)
}

func TestWithTransactionCommitsOnSuccess(t *testing.T) {
	db := openTestDB(t)
	col, err := db.CreateCollection("widgets", 16)
	require.NoError(t, err)
	ctx := context.Background()

	ran := false
	err = col.WithTransaction(ctx, func(tx *txn.Transaction) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}
