// ABOUTME: File Handle Pool bounds simultaneously open OS handles and serializes per-file access
// ABOUTME: One global weighted semaphore plus one mutex per file path

package heap

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/nainya/pagekv/internal/logger"
)

// fileEntry is one pooled OS handle plus the mutex that serializes access
// to it. collectionID lets Release(collectionID) find every handle that
// binds to that collection without a reverse index.
type fileEntry struct {
	mu           sync.Mutex
	file         *os.File
	path         string
	collectionID int32
}

// HandlePool bounds the number of simultaneously open files and serializes
// access to each one individually.
type HandlePool struct {
	sem    *semaphore.Weighted
	cap    int64
	log    *logger.Logger
	mu     sync.RWMutex // protects the maps below
	byPath map[string]*fileEntry
}

// NewHandlePool creates a pool capped at maxHandles simultaneously open
// files. A non-positive maxHandles falls back to 64.
func NewHandlePool(maxHandles int, log *logger.Logger) *HandlePool {
	if maxHandles <= 0 {
		maxHandles = 64
	}
	return &HandlePool{
		sem:    semaphore.NewWeighted(int64(maxHandles)),
		cap:    int64(maxHandles),
		log:    log,
		byPath: make(map[string]*fileEntry),
	}
}

// Get returns a live read/write handle for path, opening (and creating, if
// missing) it if necessary. Concurrent Get calls for the same path never
// race to create two handles: each path has its own entry, created once
// under the pool's map lock.
func (p *HandlePool) Get(ctx context.Context, collectionID int32, path string) (*fileEntry, error) {
	p.mu.RLock()
	entry, ok := p.byPath[path]
	p.mu.RUnlock()
	if ok {
		if err := p.ensureReadable(entry); err != nil {
			return nil, err
		}
		return entry, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.byPath[path]; ok {
		return entry, nil
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("heap: acquiring file handle slot for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("heap: opening %s: %w", path, err)
	}

	entry = &fileEntry{file: f, path: path, collectionID: collectionID}
	p.byPath[path] = entry
	if p.log != nil {
		p.log.Debug("opened file handle").Str("path", path).Int32("collection_id", collectionID).Send()
	}
	return entry, nil
}

// ensureReadable detects a cached handle that has gone bad (e.g. the
// underlying fd was closed out from under us) and transparently replaces
// it, surfacing any replacement failure to the caller.
func (p *HandlePool) ensureReadable(entry *fileEntry) error {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if _, err := entry.file.Stat(); err == nil {
		return nil
	}

	f, err := os.OpenFile(entry.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("heap: reopening %s after bad handle: %w", entry.path, err)
	}
	entry.file.Close()
	entry.file = f
	return nil
}

// Release flushes and closes every handle bound to collectionID.
func (p *HandlePool) Release(collectionID int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for path, entry := range p.byPath {
		if entry.collectionID != collectionID {
			continue
		}
		entry.mu.Lock()
		if err := entry.file.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := entry.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		entry.mu.Unlock()
		delete(p.byPath, path)
		p.sem.Release(1)
	}
	return firstErr
}

// FlushAll fsyncs every currently-pooled handle.
func (p *HandlePool) FlushAll() error {
	p.mu.RLock()
	entries := make([]*fileEntry, 0, len(p.byPath))
	for _, e := range p.byPath {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	var firstErr error
	for _, e := range entries {
		e.mu.Lock()
		if err := e.file.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.mu.Unlock()
	}
	return firstErr
}

// Close releases every handle in the pool.
func (p *HandlePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for path, entry := range p.byPath {
		entry.mu.Lock()
		if err := entry.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		entry.mu.Unlock()
		delete(p.byPath, path)
		p.sem.Release(1)
	}
	return firstErr
}

// WithLock runs fn while holding the per-file mutex for entry, the unit of
// serialization the pool guarantees for any single file.
func (e *fileEntry) WithLock(fn func(f *os.File) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.file)
}
