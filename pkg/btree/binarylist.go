// ABOUTME: BinaryList is a length-prefixed sorted vector of fixed-size values
// ABOUTME: DuplicateIndex decorates a unique Tree to support multiple values per key

package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/nainya/pagekv/pkg/pkgerrors"
)

// BinaryList is a sorted, de-duplicated vector of fixed-size values,
// encoded as a 4-byte count followed by count*valSize bytes.
type BinaryList struct {
	valSize int
	values  [][]byte
}

// DecodeBinaryList decodes a BinaryList from its wire encoding. A
// too-short or empty buffer decodes to an empty list.
func DecodeBinaryList(buf []byte, valSize int) BinaryList {
	bl := BinaryList{valSize: valSize}
	if len(buf) < 4 {
		return bl
	}
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	bl.values = make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		off := 4 + i*valSize
		if off+valSize > len(buf) {
			break
		}
		bl.values = append(bl.values, append([]byte(nil), buf[off:off+valSize]...))
	}
	return bl
}

// Encode serializes the list into a buffer of exactly capacity bytes.
// capacity must be at least 4+len(values)*valSize.
func (bl BinaryList) Encode(capacity int) ([]byte, error) {
	need := 4 + len(bl.values)*bl.valSize
	if need > capacity {
		return nil, fmt.Errorf("btree: %w: binary list needs %d bytes, capacity is %d", pkgerrors.ErrRecordTooLarge, need, capacity)
	}
	buf := make([]byte, capacity)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(bl.values)))
	for i, v := range bl.values {
		copy(buf[4+i*bl.valSize:], v)
	}
	return buf, nil
}

func (bl BinaryList) search(v []byte) (int, bool) {
	idx := sort.Search(len(bl.values), func(i int) bool {
		return bytes.Compare(bl.values[i], v) >= 0
	})
	return idx, idx < len(bl.values) && bytes.Equal(bl.values[idx], v)
}

// Insert adds v in sorted position, a no-op if already present.
func (bl *BinaryList) Insert(v []byte) {
	idx, found := bl.search(v)
	if found {
		return
	}
	bl.values = append(bl.values, nil)
	copy(bl.values[idx+1:], bl.values[idx:])
	bl.values[idx] = append([]byte(nil), v...)
}

// Remove removes v if present, reporting whether it was found.
func (bl *BinaryList) Remove(v []byte) bool {
	idx, found := bl.search(v)
	if !found {
		return false
	}
	bl.values = append(bl.values[:idx], bl.values[idx+1:]...)
	return true
}

// Len returns the number of values in the list.
func (bl BinaryList) Len() int { return len(bl.values) }

// Values returns the sorted values, shared with the list's internal storage.
func (bl BinaryList) Values() [][]byte { return bl.values }

// DuplicateIndex decorates a unique index to support duplicate keys: each
// outer key maps to a BinaryList of the inner unique index's values,
// read-modify-written on every mutation and deleted once the list empties.
type DuplicateIndex struct {
	inner    *Tree
	valSize  int
	capacity int
}

// NewDuplicateIndex wraps inner, whose value slots hold the encoded
// BinaryList of valSize-sized duplicate values.
func NewDuplicateIndex(inner *Tree, valSize int) *DuplicateIndex {
	return &DuplicateIndex{inner: inner, valSize: valSize, capacity: inner.layout.ValSize}
}

// Put adds val to the list stored under key, creating the list if absent.
func (d *DuplicateIndex) Put(key, val []byte) error {
	bl := BinaryList{valSize: d.valSize}
	existing, ok, err := d.inner.Get(key)
	if err != nil {
		return err
	}
	if ok {
		bl = DecodeBinaryList(existing, d.valSize)
	}
	bl.Insert(val)
	encoded, err := bl.Encode(d.capacity)
	if err != nil {
		return err
	}
	return d.inner.Put(key, encoded)
}

// Remove removes val from the list under key, deleting the key entirely
// once its list becomes empty.
func (d *DuplicateIndex) Remove(key, val []byte) (bool, error) {
	existing, ok, err := d.inner.Get(key)
	if err != nil || !ok {
		return false, err
	}
	bl := DecodeBinaryList(existing, d.valSize)
	if !bl.Remove(val) {
		return false, nil
	}
	if bl.Len() == 0 {
		return d.inner.Remove(key)
	}
	encoded, err := bl.Encode(d.capacity)
	if err != nil {
		return false, err
	}
	return true, d.inner.Put(key, encoded)
}

// Get returns every value stored under key.
func (d *DuplicateIndex) Get(key []byte) ([][]byte, error) {
	existing, ok, err := d.inner.Get(key)
	if err != nil || !ok {
		return nil, err
	}
	return DecodeBinaryList(existing, d.valSize).Values(), nil
}

// Count returns the number of values stored under key.
func (d *DuplicateIndex) Count(key []byte) (int, error) {
	vs, err := d.Get(key)
	return len(vs), err
}
