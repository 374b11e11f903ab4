// ABOUTME: Collection is a single named key/value space: fixed-size encoded keys over a B+ tree
// ABOUTME: indexing pointers into the shared heap, where the full-length key/value record lives

package engine

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/nainya/pagekv/pkg/btree"
	"github.com/nainya/pagekv/pkg/heap"
	"github.com/nainya/pagekv/pkg/txn"
)

// Collection is one named collection of key/value records. Tree keys are
// the caller's key truncated to meta.KeySize or zero-padded on the right,
// since the underlying index only supports fixed-size keys. The heap
// record behind each tree entry carries the caller's original, untruncated
// key so Scan can return it. Put does not detect truncation collisions:
// two keys that encode alike share one entry, and the later Put wins.
type Collection struct {
	db      *Database
	meta    CollectionMeta
	tree    *btree.Tree
	storage *btree.Storage
	layout  btree.Layout
	indexes []*SecondaryIndex
}

// Name returns the collection's catalog name.
func (c *Collection) Name() string { return c.meta.Name }

func encodeKey(key []byte, size int) []byte {
	enc := make([]byte, size)
	n := len(key)
	if n > size {
		n = size
	}
	copy(enc, key[:n])
	return enc
}

// encodeRecord packs the caller's full key and value into one heap
// payload: [u32 key length][key][value].
func encodeRecord(key, value []byte) []byte {
	buf := make([]byte, 4+len(key)+len(value))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(key)))
	copy(buf[4:4+len(key)], key)
	copy(buf[4+len(key):], value)
	return buf
}

func decodeRecord(buf []byte) (key, value []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("engine: truncated record")
	}
	klen := int(binary.LittleEndian.Uint32(buf[0:4]))
	if 4+klen > len(buf) {
		return nil, nil, fmt.Errorf("engine: truncated record key")
	}
	return buf[4 : 4+klen], buf[4+klen:], nil
}

// wireImage returns obj's on-page bytes (meta prefix plus payload), the
// form the WAL's before/after images take so recovery can write them back
// at the object's pointer byte for byte.
func wireImage(obj heap.DBObject) []byte {
	buf := make([]byte, obj.WireSize())
	obj.PutBytes(buf)
	return buf
}

// Put inserts or overwrites key within its own transaction, replacing the
// heap slot entirely (store the new object, then delete the old one)
// rather than updating in place, so growth and shrinkage are both handled
// uniformly.
func (c *Collection) Put(ctx context.Context, key, value []byte) error {
	encKey := encodeKey(key, c.meta.KeySize)
	record := encodeRecord(key, value)
	after := wireImage(heap.DBObject{Flags: heap.FlagAlive, CollectionID: c.meta.ID, Version: c.meta.SchemaVersion, Data: record})

	tx, err := c.db.txnMgr.Begin(ctx)
	if err != nil {
		return err
	}

	oldPtrBytes, found, err := c.tree.Get(encKey)
	if err != nil {
		tx.Abort()
		return err
	}

	if found {
		oldPtr, err := heap.PointerFromBytes(oldPtrBytes)
		if err != nil {
			tx.Abort()
			return err
		}
		oldObj, ok, err := c.db.heapStore.Select(ctx, c.meta.ID, oldPtr)
		if err != nil {
			tx.Abort()
			return err
		}
		var before []byte
		if ok {
			before = append([]byte(nil), oldObj.Data...)
		}
		newPtr, err := c.db.heapStore.Store(ctx, 0, c.meta.ID, c.meta.SchemaVersion, record)
		if err != nil {
			tx.Abort()
			return err
		}
		if ok {
			if err := c.db.heapStore.Delete(ctx, c.meta.ID, oldPtr); err != nil {
				tx.Abort()
				return err
			}
			if err := tx.Delete(oldPtr, c.meta.ID, wireImage(oldObj)); err != nil {
				tx.Abort()
				return err
			}
			_, oldValue, err := decodeRecord(before)
			if err == nil {
				if err := c.maintainIndexesOnDelete(encKey, oldValue); err != nil {
					tx.Abort()
					return err
				}
			}
		}
		if err := tx.Write(newPtr, c.meta.ID, nil, after); err != nil {
			tx.Abort()
			return err
		}
		if err := c.tree.Put(encKey, newPtr.Bytes()); err != nil {
			tx.Abort()
			return err
		}
		if err := c.maintainIndexesOnPut(encKey, value); err != nil {
			tx.Abort()
			return err
		}
		return c.db.Commit(tx)
	}

	newPtr, err := c.db.heapStore.Store(ctx, 0, c.meta.ID, c.meta.SchemaVersion, record)
	if err != nil {
		tx.Abort()
		return err
	}
	if err := tx.Write(newPtr, c.meta.ID, nil, after); err != nil {
		tx.Abort()
		return err
	}
	if err := c.tree.Put(encKey, newPtr.Bytes()); err != nil {
		tx.Abort()
		return err
	}
	if err := c.maintainIndexesOnPut(encKey, value); err != nil {
		tx.Abort()
		return err
	}
	return c.db.Commit(tx)
}

// Get looks up key, returning its value and whether it was found.
func (c *Collection) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	encKey := encodeKey(key, c.meta.KeySize)
	ptrBytes, found, err := c.tree.Get(encKey)
	if err != nil || !found {
		return nil, false, err
	}
	ptr, err := heap.PointerFromBytes(ptrBytes)
	if err != nil {
		return nil, false, err
	}
	obj, ok, err := c.db.heapStore.Select(ctx, c.meta.ID, ptr)
	if err != nil || !ok {
		return nil, false, err
	}
	_, value, err := decodeRecord(obj.Data)
	if err != nil {
		return nil, false, err
	}
	return append([]byte(nil), value...), true, nil
}

// Delete removes key within its own transaction. Returns found=false if
// the key was absent.
func (c *Collection) Delete(ctx context.Context, key []byte) (bool, error) {
	encKey := encodeKey(key, c.meta.KeySize)

	tx, err := c.db.txnMgr.Begin(ctx)
	if err != nil {
		return false, err
	}

	ptrBytes, found, err := c.tree.Get(encKey)
	if err != nil {
		tx.Abort()
		return false, err
	}
	if !found {
		tx.Abort()
		return false, nil
	}
	ptr, err := heap.PointerFromBytes(ptrBytes)
	if err != nil {
		tx.Abort()
		return false, err
	}
	obj, ok, err := c.db.heapStore.Select(ctx, c.meta.ID, ptr)
	if err != nil {
		tx.Abort()
		return false, err
	}
	if !ok {
		tx.Abort()
		return false, nil
	}
	before := append([]byte(nil), obj.Data...)
	if err := c.db.heapStore.Delete(ctx, c.meta.ID, ptr); err != nil {
		tx.Abort()
		return false, err
	}
	if err := tx.Delete(ptr, c.meta.ID, wireImage(obj)); err != nil {
		tx.Abort()
		return false, err
	}
	if _, err := c.tree.Remove(encKey); err != nil {
		tx.Abort()
		return false, err
	}
	if _, oldValue, err := decodeRecord(before); err == nil {
		if err := c.maintainIndexesOnDelete(encKey, oldValue); err != nil {
			tx.Abort()
			return false, err
		}
	}
	if err := c.db.Commit(tx); err != nil {
		return false, err
	}
	return true, nil
}

// Scan walks every key in [lo, hi], both bounds inclusive, in order (as
// encoded fixed-size keys),
// stopping early if fn returns false.
func (c *Collection) Scan(ctx context.Context, lo, hi []byte, fn func(key, value []byte) bool) error {
	encLo := encodeKey(lo, c.meta.KeySize)
	encHi := encodeKey(hi, c.meta.KeySize)
	it, err := c.tree.Range(encLo, encHi)
	if err != nil {
		return err
	}
	for {
		entry, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		ptr, err := heap.PointerFromBytes(entry.Value)
		if err != nil {
			return err
		}
		obj, found, err := c.db.heapStore.Select(ctx, c.meta.ID, ptr)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		origKey, value, err := decodeRecord(obj.Data)
		if err != nil {
			return err
		}
		if !fn(origKey, value) {
			return nil
		}
	}
}

// WithTransaction runs fn against a caller-managed transaction handle,
// committing on success and aborting on error or panic.
func (c *Collection) WithTransaction(ctx context.Context, fn func(tx *txn.Transaction) error) (err error) {
	tx, err := c.db.txnMgr.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Abort()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Abort()
		return err
	}
	return c.db.Commit(tx)
}
