// ABOUTME: Index Storage Manager owns one file per index, named by index id
// ABOUTME: Free list enables in-place reuse of deleted node slots; headers persist to a shared sidecar

package btree

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nainya/pagekv/pkg/heap"
	"github.com/nainya/pagekv/pkg/pkgerrors"
)

// Header is an index's root pointer and last auto-increment key.
type Header struct {
	Root        heap.Pointer
	LastAutoKey int64
}

const headerRecordSize = 4 + heap.PointerSize + 8 // index_id + root pointer + last_auto_key

// HeaderStore persists every index's Header to a single append-only
// sidecar file, keyed by index id; the last record written for a given id
// wins on load.
type HeaderStore struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	headers map[int32]Header
}

// OpenHeaderStore opens (creating if absent) the shared header sidecar
// file and replays it to recover the latest header per index id.
func OpenHeaderStore(path string) (*HeaderStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("btree: creating header store directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("btree: opening header store %s: %w", path, err)
	}
	hs := &HeaderStore{path: path, file: f, headers: make(map[int32]Header)}
	if err := hs.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return hs, nil
}

func (hs *HeaderStore) replay() error {
	buf := make([]byte, headerRecordSize)
	var offset int64
	for {
		n, err := hs.file.ReadAt(buf, offset)
		if n < headerRecordSize {
			if err != nil {
				break
			}
			break
		}
		indexID := int32(binary.LittleEndian.Uint32(buf[0:4]))
		root, perr := heap.PointerFromBytes(buf[4 : 4+heap.PointerSize])
		if perr != nil {
			return fmt.Errorf("btree: %w: corrupt header record for index %d", pkgerrors.ErrCorrupted, indexID)
		}
		lastAutoKey := int64(binary.LittleEndian.Uint64(buf[4+heap.PointerSize:]))
		hs.headers[indexID] = Header{Root: root, LastAutoKey: lastAutoKey}
		offset += int64(headerRecordSize)
	}
	return nil
}

// Get returns the header for indexID, or the zero Header if none exists yet.
func (hs *HeaderStore) Get(indexID int32) Header {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.headers[indexID]
}

// Set appends a new header record for indexID and updates the in-memory view.
func (hs *HeaderStore) Set(indexID int32, h Header) error {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	buf := make([]byte, headerRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(indexID))
	h.Root.PutBytes(buf[4 : 4+heap.PointerSize])
	binary.LittleEndian.PutUint64(buf[4+heap.PointerSize:], uint64(h.LastAutoKey))

	stat, err := hs.file.Stat()
	if err != nil {
		return fmt.Errorf("btree: stat header store: %w", err)
	}
	if _, err := hs.file.WriteAt(buf, stat.Size()); err != nil {
		return fmt.Errorf("btree: appending header for index %d: %w", indexID, err)
	}
	if err := hs.file.Sync(); err != nil {
		return err
	}
	hs.headers[indexID] = h
	return nil
}

// Close fsyncs and closes the sidecar file.
func (hs *HeaderStore) Close() error {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if err := hs.file.Sync(); err != nil {
		return err
	}
	return hs.file.Close()
}

// Storage is the per-index node file: fixed-length node slots, a free
// list of reclaimed positions for in-place reuse, and a high-water mark
// for new allocations.
type Storage struct {
	mu         sync.Mutex
	file       *os.File
	layout     Layout
	freeList   []int64
	nextOffset int64
}

// OpenStorage opens (creating if absent) the node file for one index at
// path, sized per layout.
func OpenStorage(path string, layout Layout) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("btree: creating index directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("btree: opening index file %s: %w", path, err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("btree: stat index file %s: %w", path, err)
	}
	return &Storage{file: f, layout: layout, nextOffset: stat.Size()}, nil
}

// ReadNode reads the fixed-length node at ptr.Position.
func (s *Storage) ReadNode(ptr heap.Pointer) (Node, error) {
	buf := make([]byte, s.layout.NodeSize())
	n, err := s.file.ReadAt(buf, ptr.Position)
	if err != nil && n < len(buf) {
		return nil, fmt.Errorf("btree: reading node at %d: %w", ptr.Position, err)
	}
	return Node(buf), nil
}

// WriteNewNode reuses a free-list position if any, else appends at the
// current high-water mark, and returns the node's new pointer.
func (s *Storage) WriteNewNode(n Node) (heap.Pointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pos int64
	if k := len(s.freeList); k > 0 {
		pos = s.freeList[k-1]
		s.freeList = s.freeList[:k-1]
	} else {
		pos = s.nextOffset
		s.nextOffset += int64(s.layout.NodeSize())
	}
	if _, err := s.file.WriteAt(n, pos); err != nil {
		return heap.Pointer{}, fmt.Errorf("btree: writing new node at %d: %w", pos, err)
	}
	return heap.Pointer{Type: heap.PointerNode, Position: pos}, nil
}

// UpdateNode overwrites the node already occupying ptr's position.
func (s *Storage) UpdateNode(ptr heap.Pointer, n Node) error {
	if _, err := s.file.WriteAt(n, ptr.Position); err != nil {
		return fmt.Errorf("btree: updating node at %d: %w", ptr.Position, err)
	}
	return nil
}

// FreeNode returns ptr's position to the free list for reuse.
func (s *Storage) FreeNode(ptr heap.Pointer) {
	s.mu.Lock()
	s.freeList = append(s.freeList, ptr.Position)
	s.mu.Unlock()
}

// Flush fsyncs the index file.
func (s *Storage) Flush() error {
	return s.file.Sync()
}

// Close fsyncs and closes the index file.
func (s *Storage) Close() error {
	if err := s.file.Sync(); err != nil {
		return err
	}
	return s.file.Close()
}
