// ABOUTME: Iterator is a finite, single-pass, restartable sequence over a chain of leaves
// ABOUTME: Backs range/greater_than/less_than by walking next_leaf pointers and stopping on a bound

package btree

import "bytes"

// Entry is one key/value pair yielded by an Iterator.
type Entry struct {
	Key   []byte
	Value []byte
}

// Iterator walks forward through a leaf chain, stopping when the
// supplied predicate reports the current key is out of range or the
// chain is exhausted. Iterators are not safe for concurrent use.
type Iterator struct {
	tree *Tree
	leaf Node
	idx  int
	stop func(key []byte) bool
	done bool
}

// Next returns the next in-range entry, or ok=false once the sequence is
// exhausted.
func (it *Iterator) Next() (Entry, bool, error) {
	if it.done || it.leaf == nil {
		return Entry{}, false, nil
	}
	for {
		if it.idx >= it.leaf.NumKeys() {
			next := it.leaf.NextLeaf()
			if next.IsEmpty() {
				it.done = true
				return Entry{}, false, nil
			}
			leaf, err := it.tree.session.Read(next)
			if err != nil {
				return Entry{}, false, err
			}
			it.leaf = leaf
			it.idx = 0
			continue
		}
		key := it.tree.layout.KeyAt(it.leaf, it.idx)
		if it.stop != nil && it.stop(key) {
			it.done = true
			return Entry{}, false, nil
		}
		val := it.tree.layout.ValAt(it.leaf, it.idx)
		entry := Entry{
			Key:   append([]byte(nil), key...),
			Value: append([]byte(nil), val...),
		}
		it.idx++
		return entry, true, nil
	}
}

func emptyIterator() *Iterator {
	return &Iterator{done: true}
}

func (l Layout) firstGE(n Node, key []byte) int {
	nkeys := n.NumKeys()
	lo, hi := 0, nkeys
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(l.KeyAt(n, mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Range returns an iterator over every key in [lo, hi].
func (t *Tree) Range(lo, hi []byte) (*Iterator, error) {
	if t.root.IsEmpty() {
		return emptyIterator(), nil
	}
	leafPtr, err := t.findLeafFor(lo)
	if err != nil {
		return nil, err
	}
	leaf, err := t.session.Read(leafPtr)
	if err != nil {
		return nil, err
	}
	startIdx := t.layout.firstGE(leaf, lo)
	stop := func(k []byte) bool { return bytes.Compare(k, hi) > 0 }
	return &Iterator{tree: t, leaf: leaf, idx: startIdx, stop: stop}, nil
}

// GreaterThan returns an iterator over every key strictly greater than key.
func (t *Tree) GreaterThan(key []byte) (*Iterator, error) {
	if t.root.IsEmpty() {
		return emptyIterator(), nil
	}
	leafPtr, err := t.findLeafFor(key)
	if err != nil {
		return nil, err
	}
	leaf, err := t.session.Read(leafPtr)
	if err != nil {
		return nil, err
	}
	idx := t.layout.firstGE(leaf, key)
	if idx < leaf.NumKeys() && bytes.Equal(t.layout.KeyAt(leaf, idx), key) {
		idx++
	}
	return &Iterator{tree: t, leaf: leaf, idx: idx}, nil
}

// LessThan returns an iterator, starting at the leftmost leaf, over every
// key strictly less than key.
func (t *Tree) LessThan(key []byte) (*Iterator, error) {
	if t.root.IsEmpty() {
		return emptyIterator(), nil
	}
	leafPtr, err := t.leftmostLeaf()
	if err != nil {
		return nil, err
	}
	leaf, err := t.session.Read(leafPtr)
	if err != nil {
		return nil, err
	}
	stop := func(k []byte) bool { return bytes.Compare(k, key) >= 0 }
	return &Iterator{tree: t, leaf: leaf, idx: 0, stop: stop}, nil
}
