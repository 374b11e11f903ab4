// ABOUTME: Page Manager is a fixed-size page allocator plus an LRU cache keyed by (collection, page#)
// ABOUTME: Pop-from-free-list-or-advance-high-water-mark allocation; write-through to the handle pool

package heap

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/nainya/pagekv/internal/logger"
	"github.com/nainya/pagekv/internal/metrics"
)

// pageKey identifies a cached page by (collection, page#).
type pageKey struct {
	collectionID int32
	position     int64
}

// activePage is a page currently owned in-memory by a collection, possibly
// dirty. Page 0 of every collection's heap file is reserved and never
// handed out as a data page.
type activePage struct {
	mu    sync.Mutex
	page  Page
	dirty bool
}

// collectionState tracks per-collection allocator state: the free list of
// reclaimed page positions and the high-water mark for new allocations.
type collectionState struct {
	mu         sync.Mutex
	freeList   []int64
	nextOffset int64 // next unused byte offset, always a multiple of pageSize, skips 0 and any existing file content
	active     map[int64]*activePage
}

// PageManager is the fixed-size page allocator and LRU cache. It is safe
// for concurrent use.
type PageManager struct {
	pageSize int
	pool     *HandlePool
	cache    *lru.Cache[pageKey, Page]
	metrics  *metrics.Metrics
	log      *logger.Logger

	mu          sync.Mutex
	collections map[int32]*collectionState
	paths       map[int32]string
}

// NewPageManager creates a page manager over the given handle pool. The LRU
// cache holds at most cacheSize pages across all collections.
func NewPageManager(pageSize, cacheSize int, pool *HandlePool, m *metrics.Metrics, log *logger.Logger) (*PageManager, error) {
	if pageSize < MinPageSize || pageSize > MaxPageSize {
		return nil, fmt.Errorf("heap: page size %d out of bounds [%d,%d]", pageSize, MinPageSize, MaxPageSize)
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[pageKey, Page](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("heap: creating page cache: %w", err)
	}
	return &PageManager{
		pageSize:    pageSize,
		pool:        pool,
		cache:       cache,
		metrics:     m,
		log:         log,
		collections: make(map[int32]*collectionState),
		paths:       make(map[int32]string),
	}, nil
}

// Register associates a collection id with its heap file path, creating
// the allocator state for it if this is the first time it's seen.
func (pm *PageManager) Register(collectionID int32, path string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.paths[collectionID] = path
	if _, ok := pm.collections[collectionID]; !ok {
		ps := int64(pm.pageSize)
		next := ps // page 0 reserved
		if fi, err := os.Stat(path); err == nil && fi.Size() > next {
			// Allocate past the pages an existing heap file already holds.
			next = (fi.Size() + ps - 1) / ps * ps
		}
		pm.collections[collectionID] = &collectionState{
			nextOffset: next,
			active:     make(map[int64]*activePage),
		}
	}
}

func (pm *PageManager) stateFor(collectionID int32) (*collectionState, string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.collections[collectionID], pm.paths[collectionID]
}

// AllocPage implements the allocation policy: pop the free list if
// non-empty (zeroing the reused page), else advance the high-water mark.
func (pm *PageManager) AllocPage(collectionID int32) (Page, int64, error) {
	cs, _ := pm.stateFor(collectionID)
	if cs == nil {
		return nil, 0, fmt.Errorf("heap: collection %d not registered", collectionID)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	var position int64
	if n := len(cs.freeList); n > 0 {
		position = cs.freeList[n-1]
		cs.freeList = cs.freeList[:n-1]
	} else {
		position = cs.nextOffset
		cs.nextOffset += int64(pm.pageSize)
	}

	page := NewPage(pm.pageSize, int32(position/int64(pm.pageSize)))
	cs.active[position] = &activePage{page: page, dirty: true}
	if pm.metrics != nil {
		pm.metrics.HeapPagesAllocated.Inc()
	}
	return page, position, nil
}

// LoadPage resolves a page by (collection, position): active set, then
// LRU cache, then disk. A read past end-of-file returns a freshly zeroed
// page so newly-allocated-but-unflushed pages can always be found.
func (pm *PageManager) LoadPage(ctx context.Context, collectionID int32, position int64) (Page, error) {
	cs, path := pm.stateFor(collectionID)
	if cs == nil {
		return nil, fmt.Errorf("heap: collection %d not registered", collectionID)
	}

	cs.mu.Lock()
	if ap, ok := cs.active[position]; ok {
		cs.mu.Unlock()
		ap.mu.Lock()
		defer ap.mu.Unlock()
		return ap.page, nil
	}
	cs.mu.Unlock()

	key := pageKey{collectionID, position}
	if page, ok := pm.cache.Get(key); ok {
		if pm.metrics != nil {
			pm.metrics.CacheHitsTotal.Inc()
		}
		return page, nil
	}
	if pm.metrics != nil {
		pm.metrics.CacheMissesTotal.Inc()
	}

	page, err := pm.readFromDisk(ctx, collectionID, path, position)
	if err != nil {
		return nil, err
	}
	if evicted := pm.cache.Add(key, page); evicted && pm.metrics != nil {
		pm.metrics.CacheEvictionsTotal.Inc()
	}
	if pm.metrics != nil {
		pm.metrics.HeapPageFaultsTotal.Inc()
	}
	return page, nil
}

func (pm *PageManager) readFromDisk(ctx context.Context, collectionID int32, path string, position int64) (Page, error) {
	entry, err := pm.pool.Get(ctx, collectionID, path)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, pm.pageSize)
	var short bool
	err = entry.WithLock(func(f *os.File) error {
		n, rerr := f.ReadAt(buf, position)
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			if n == 0 {
				short = true
				return nil
			}
			// Reading past the flushed tail of an allocated-but-unflushed
			// page: treat the unread remainder as zero.
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("heap: reading page at position %d: %w", position, rerr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if short {
		return NewPage(pm.pageSize, int32(position/int64(pm.pageSize))), nil
	}
	return Page(buf), nil
}

// WritePage serializes the page to its position, fsyncs through the
// handle pool, clears the dirty bit, and refreshes the cache entry.
func (pm *PageManager) WritePage(ctx context.Context, collectionID int32, position int64, page Page) error {
	cs, path := pm.stateFor(collectionID)
	if cs == nil {
		return fmt.Errorf("heap: collection %d not registered", collectionID)
	}

	entry, err := pm.pool.Get(ctx, collectionID, path)
	if err != nil {
		return err
	}

	err = entry.WithLock(func(f *os.File) error {
		if _, werr := f.WriteAt(page, position); werr != nil {
			return fmt.Errorf("heap: writing page at position %d: %w", position, werr)
		}
		return f.Sync()
	})
	if err != nil {
		return err
	}

	cs.mu.Lock()
	if ap, ok := cs.active[position]; ok {
		ap.mu.Lock()
		ap.dirty = false
		ap.mu.Unlock()
	}
	cs.mu.Unlock()

	pm.cache.Add(pageKey{collectionID, position}, page)
	return nil
}

// FreePage pushes the position to the free list and drops the cache entry.
func (pm *PageManager) FreePage(collectionID int32, position int64) {
	cs, _ := pm.stateFor(collectionID)
	if cs == nil {
		return
	}
	cs.mu.Lock()
	cs.freeList = append(cs.freeList, position)
	delete(cs.active, position)
	cs.mu.Unlock()
	pm.cache.Remove(pageKey{collectionID, position})
}

// FlushDirty writes every dirty active page of a collection to disk.
func (pm *PageManager) FlushDirty(ctx context.Context, collectionID int32) error {
	cs, _ := pm.stateFor(collectionID)
	if cs == nil {
		return nil
	}
	cs.mu.Lock()
	dirty := make([]int64, 0)
	for pos, ap := range cs.active {
		ap.mu.Lock()
		if ap.dirty {
			dirty = append(dirty, pos)
		}
		ap.mu.Unlock()
	}
	cs.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, pos := range dirty {
		pos := pos
		g.Go(func() error {
			cs.mu.Lock()
			ap := cs.active[pos]
			cs.mu.Unlock()
			if ap == nil {
				return nil
			}
			ap.mu.Lock()
			page := ap.page
			ap.mu.Unlock()
			return pm.WritePage(gctx, collectionID, pos, page)
		})
	}
	return g.Wait()
}
