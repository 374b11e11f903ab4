// ABOUTME: Node is a fixed-size byte-slice view over one B+ tree node
// ABOUTME: Degree d fixes keys/values/children capacity so every node has the same on-disk size

package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/nainya/pagekv/pkg/heap"
)

const (
	// FlagLeaf marks a node as a leaf (holds values); clear means internal (holds child pointers).
	FlagLeaf = 1 << 0
	// FlagRoot marks a node as the current root of its tree.
	FlagRoot = 1 << 1
)

// NodeHeaderSize is flags(1) + nkeys(2) + next_leaf(13, meaningful on leaves only).
const NodeHeaderSize = 1 + 2 + heap.PointerSize

// Node is a fixed-size byte-slice view over one B+ tree node, mirroring the
// paged heap's byte-slice-with-accessor-methods style.
type Node []byte

// Layout describes the fixed geometry derived from degree d and the
// configured key/value sizes. Every node allocated under a Layout has the
// same total size, whether it ends up a leaf or an internal node.
type Layout struct {
	Degree   int
	KeySize  int
	ValSize  int
	nodeSize int
}

// NewLayout computes a Layout from degree and key/value sizes. It does not
// validate them; NewTree rejects a degree below 3.
func NewLayout(degree, keySize, valSize int) Layout {
	leafCapacity := degree*keySize + degree*valSize
	internalCapacity := degree*keySize + (degree+1)*heap.PointerSize
	capacity := leafCapacity
	if internalCapacity > capacity {
		capacity = internalCapacity
	}
	return Layout{
		Degree:   degree,
		KeySize:  keySize,
		ValSize:  valSize,
		nodeSize: NodeHeaderSize + capacity,
	}
}

// NodeSize returns the fixed total size of every node under this layout.
func (l Layout) NodeSize() int { return l.nodeSize }

// NewNode allocates a zeroed node of this layout's fixed size.
func (l Layout) NewNode(leaf bool) Node {
	n := Node(make([]byte, l.nodeSize))
	if leaf {
		n.SetFlags(FlagLeaf)
	}
	return n
}

func (n Node) Flags() uint8 { return n[0] }
func (n Node) SetFlags(f uint8) { n[0] = f }
func (n Node) IsLeaf() bool  { return n[0]&FlagLeaf != 0 }
func (n Node) IsRoot() bool  { return n[0]&FlagRoot != 0 }
func (n Node) SetRoot(root bool) {
	if root {
		n[0] |= FlagRoot
	} else {
		n[0] &^= FlagRoot
	}
}

func (n Node) NumKeys() int {
	return int(binary.LittleEndian.Uint16(n[1:3]))
}

func (n Node) SetNumKeys(k int) {
	binary.LittleEndian.PutUint16(n[1:3], uint16(k))
}

// NextLeaf returns the chain pointer to the right sibling leaf. Only
// meaningful when IsLeaf().
func (n Node) NextLeaf() heap.Pointer {
	p, _ := heap.PointerFromBytes(n[3 : 3+heap.PointerSize])
	return p
}

func (n Node) SetNextLeaf(p heap.Pointer) {
	p.PutBytes(n[3 : 3+heap.PointerSize])
}

func (l Layout) keyOffset(i int) int {
	return NodeHeaderSize + i*l.KeySize
}

// KeyAt returns the i'th key slice (shared with the backing buffer).
func (l Layout) KeyAt(n Node, i int) []byte {
	off := l.keyOffset(i)
	return n[off : off+l.KeySize]
}

func (l Layout) SetKeyAt(n Node, i int, key []byte) {
	off := l.keyOffset(i)
	copy(n[off:off+l.KeySize], key)
}

func (l Layout) valuesBase() int {
	return NodeHeaderSize + l.Degree*l.KeySize
}

// ValAt returns the i'th value slice of a leaf node.
func (l Layout) ValAt(n Node, i int) []byte {
	off := l.valuesBase() + i*l.ValSize
	return n[off : off+l.ValSize]
}

func (l Layout) SetValAt(n Node, i int, val []byte) {
	off := l.valuesBase() + i*l.ValSize
	copy(n[off:off+l.ValSize], val)
}

func (l Layout) childrenBase() int {
	return NodeHeaderSize + l.Degree*l.KeySize
}

// ChildAt returns the i'th child pointer of an internal node, i in [0, nkeys].
func (l Layout) ChildAt(n Node, i int) heap.Pointer {
	off := l.childrenBase() + i*heap.PointerSize
	p, _ := heap.PointerFromBytes(n[off : off+heap.PointerSize])
	return p
}

func (l Layout) SetChildAt(n Node, i int, p heap.Pointer) {
	off := l.childrenBase() + i*heap.PointerSize
	p.PutBytes(n[off : off+heap.PointerSize])
}

// lookupLE returns the index of the last key <= the search key (ties go
// right), or -1 if every key is greater. For an internal node the child to
// descend into is the result plus one; for a leaf it's the candidate slot
// for the exact key.
func (l Layout) lookupLE(n Node, key []byte) int {
	nkeys := n.NumKeys()
	lo, hi := 0, nkeys // search over [0, nkeys)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(l.KeyAt(n, mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// insertLeafSlot inserts key/val at position idx in a leaf, shifting
// everything after it one slot to the right. Caller ensures room exists.
func (l Layout) insertLeafSlot(n Node, idx int, key, val []byte) {
	nkeys := n.NumKeys()
	for i := nkeys; i > idx; i-- {
		copy(l.KeyAt(n, i), l.KeyAt(n, i-1))
		copy(l.ValAt(n, i), l.ValAt(n, i-1))
	}
	l.SetKeyAt(n, idx, key)
	l.SetValAt(n, idx, val)
	n.SetNumKeys(nkeys + 1)
}

// removeLeafSlot removes the key/val at idx, shifting the tail left.
func (l Layout) removeLeafSlot(n Node, idx int) {
	nkeys := n.NumKeys()
	for i := idx; i < nkeys-1; i++ {
		copy(l.KeyAt(n, i), l.KeyAt(n, i+1))
		copy(l.ValAt(n, i), l.ValAt(n, i+1))
	}
	n.SetNumKeys(nkeys - 1)
}

// insertInternalSlot inserts key at idx with its right child at idx+1,
// shifting keys [idx, nkeys) and children [idx+1, nkeys+1) right by one.
func (l Layout) insertInternalSlot(n Node, idx int, key []byte, rightChild heap.Pointer) {
	nkeys := n.NumKeys()
	for i := nkeys; i > idx; i-- {
		copy(l.KeyAt(n, i), l.KeyAt(n, i-1))
	}
	for i := nkeys + 1; i > idx+1; i-- {
		l.SetChildAt(n, i, l.ChildAt(n, i-1))
	}
	l.SetKeyAt(n, idx, key)
	l.SetChildAt(n, idx+1, rightChild)
	n.SetNumKeys(nkeys + 1)
}

// prependChild inserts key at slot 0 and leftChild at child-slot 0,
// shifting every existing key and child one slot to the right. Used when
// an internal node borrows its new leftmost child from a left sibling.
func (l Layout) prependChild(n Node, key []byte, leftChild heap.Pointer) {
	nkeys := n.NumKeys()
	for i := nkeys; i > 0; i-- {
		copy(l.KeyAt(n, i), l.KeyAt(n, i-1))
	}
	for i := nkeys + 1; i > 0; i-- {
		l.SetChildAt(n, i, l.ChildAt(n, i-1))
	}
	l.SetKeyAt(n, 0, key)
	l.SetChildAt(n, 0, leftChild)
	n.SetNumKeys(nkeys + 1)
}

// removeInternalSlot removes the separator key at keyIdx and the child
// pointer at childIdx (keyIdx == childIdx-1 for a right-child removal,
// keyIdx == childIdx for a left-child removal), shifting the tail left.
func (l Layout) removeInternalSlot(n Node, keyIdx, childIdx int) {
	nkeys := n.NumKeys()
	for i := keyIdx; i < nkeys-1; i++ {
		copy(l.KeyAt(n, i), l.KeyAt(n, i+1))
	}
	for i := childIdx; i < nkeys; i++ {
		l.SetChildAt(n, i, l.ChildAt(n, i+1))
	}
	n.SetNumKeys(nkeys - 1)
}
