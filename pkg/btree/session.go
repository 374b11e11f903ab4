// ABOUTME: Session is the boundary between the tree algorithm and the on-disk index file
// ABOUTME: Immediate persists every write synchronously; Buffered defers writes behind temporary pointers

package btree

import (
	"sync"

	"github.com/nainya/pagekv/internal/metrics"
	"github.com/nainya/pagekv/pkg/heap"
)

// Session abstracts node persistence away from the tree algorithm so the
// same insert/delete code runs whether every write hits disk immediately
// or is batched behind a flush.
type Session interface {
	Read(ptr heap.Pointer) (Node, error)
	Write(n Node) (heap.Pointer, error)
	UpdateNode(ptr heap.Pointer, n Node) error
	Free(ptr heap.Pointer)
	Flush() error
	Dispose()
}

// ImmediateSession writes every node straight through to disk; the
// pointer it returns is already durable.
type ImmediateSession struct {
	storage *Storage
	metrics *metrics.Metrics
}

// NewImmediateSession wraps storage for synchronous node persistence.
func NewImmediateSession(storage *Storage, m *metrics.Metrics) *ImmediateSession {
	return &ImmediateSession{storage: storage, metrics: m}
}

func (s *ImmediateSession) Read(ptr heap.Pointer) (Node, error) {
	return s.storage.ReadNode(ptr)
}

func (s *ImmediateSession) Write(n Node) (heap.Pointer, error) {
	return s.storage.WriteNewNode(n)
}

func (s *ImmediateSession) UpdateNode(ptr heap.Pointer, n Node) error {
	return s.storage.UpdateNode(ptr, n)
}

func (s *ImmediateSession) Free(ptr heap.Pointer) {
	s.storage.FreeNode(ptr)
}

func (s *ImmediateSession) Flush() error {
	return s.storage.Flush()
}

func (s *ImmediateSession) Dispose() {}

// BufferedSession memoizes reads and batches writes. A freshly written
// node is assigned a temporary pointer (type=node, position=-1, a
// sequence number in chunk) so the tree algorithm has something to store
// in the parent immediately; on Flush, new nodes are persisted in the
// order they were written and every dirty node still referencing a
// temporary pointer is rewritten to the real one before it, too, is
// persisted.
type BufferedSession struct {
	storage *Storage
	layout  Layout
	metrics *metrics.Metrics

	mu           sync.Mutex
	cache        map[heap.Pointer]Node // memoized reads/updates, keyed by real pointer
	dirtyNew     map[heap.Pointer]Node // keyed by temporary pointer, not yet persisted
	newOrder     []heap.Pointer
	dirtyUpdate  map[heap.Pointer]Node // keyed by real pointer, modified in place
	freedPending []heap.Pointer
	nextTemp     int32
}

// NewBufferedSession wraps storage for deferred, batched node persistence.
func NewBufferedSession(storage *Storage, layout Layout, m *metrics.Metrics) *BufferedSession {
	return &BufferedSession{
		storage:     storage,
		layout:      layout,
		metrics:     m,
		cache:       make(map[heap.Pointer]Node),
		dirtyNew:    make(map[heap.Pointer]Node),
		dirtyUpdate: make(map[heap.Pointer]Node),
	}
}

func (s *BufferedSession) Read(ptr heap.Pointer) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ptr.Position == -1 {
		if n, ok := s.dirtyNew[ptr]; ok {
			return n, nil
		}
	}
	if n, ok := s.dirtyUpdate[ptr]; ok {
		return n, nil
	}
	if n, ok := s.cache[ptr]; ok {
		return n, nil
	}
	n, err := s.storage.ReadNode(ptr)
	if err != nil {
		return nil, err
	}
	s.cache[ptr] = n
	return n, nil
}

// Write buffers a brand-new node and returns a temporary pointer the
// caller can embed in a parent node immediately.
func (s *BufferedSession) Write(n Node) (heap.Pointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	temp := heap.Pointer{Type: heap.PointerNode, Position: -1, Chunk: s.nextTemp}
	s.nextTemp++
	s.dirtyNew[temp] = n
	s.newOrder = append(s.newOrder, temp)
	return temp, nil
}

// UpdateNode records a modification to an already-buffered or
// already-persisted node. A still-temporary pointer is simply
// overwritten in the new-node set; a real pointer moves to the
// update set for write-back on Flush.
func (s *BufferedSession) UpdateNode(ptr heap.Pointer, n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ptr.Position == -1 {
		s.dirtyNew[ptr] = n
		return nil
	}
	s.dirtyUpdate[ptr] = n
	s.cache[ptr] = n
	return nil
}

func (s *BufferedSession) Free(ptr heap.Pointer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, ptr)
	delete(s.dirtyUpdate, ptr)
	if ptr.Position == -1 {
		delete(s.dirtyNew, ptr)
		return
	}
	s.freedPending = append(s.freedPending, ptr)
}

// rewritePointer propagates a temp->real remap into every still-pending
// dirty node's child slots, locked by the caller.
func (s *BufferedSession) rewritePointer(from, to heap.Pointer) {
	rewrite := func(n Node) {
		if n.IsLeaf() {
			return
		}
		nkeys := n.NumKeys()
		for i := 0; i <= nkeys; i++ {
			if s.layout.ChildAt(n, i) == from {
				s.layout.SetChildAt(n, i, to)
			}
		}
	}
	for _, n := range s.dirtyNew {
		rewrite(n)
	}
	for _, n := range s.dirtyUpdate {
		rewrite(n)
	}
}

// Flush persists every buffered write in the order it was made, fixing
// up temporary-pointer references as each new node resolves to a real
// position, then applies buffered in-place updates and frees.
func (s *BufferedSession) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, temp := range s.newOrder {
		n, ok := s.dirtyNew[temp]
		if !ok {
			continue // freed before flush
		}
		real, err := s.storage.WriteNewNode(n)
		if err != nil {
			return err
		}
		s.rewritePointer(temp, real)
		delete(s.dirtyNew, temp)
		s.cache[real] = n
	}
	s.newOrder = nil

	for ptr, n := range s.dirtyUpdate {
		if err := s.storage.UpdateNode(ptr, n); err != nil {
			return err
		}
		s.cache[ptr] = n
	}
	s.dirtyUpdate = make(map[heap.Pointer]Node)

	for _, ptr := range s.freedPending {
		s.storage.FreeNode(ptr)
	}
	s.freedPending = nil

	return s.storage.Flush()
}

func (s *BufferedSession) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[heap.Pointer]Node)
	s.dirtyNew = make(map[heap.Pointer]Node)
	s.dirtyUpdate = make(map[heap.Pointer]Node)
	s.newOrder = nil
	s.freedPending = nil
}
