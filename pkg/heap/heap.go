// ABOUTME: Heap places, fetches, updates, soft-deletes, and scans DBObjects across a collection's pages
// ABOUTME: Appends to the currently open page; allocates a new one via the Page Manager when full

package heap

import (
	"context"
	"fmt"
	"sync"

	"github.com/nainya/pagekv/internal/logger"
	"github.com/nainya/pagekv/internal/metrics"
	"github.com/nainya/pagekv/pkg/pkgerrors"
)

// Heap is the paged heap / database storage manager.
type Heap struct {
	pageSize int
	pm       *PageManager
	metrics  *metrics.Metrics
	log      *logger.Logger

	mu      sync.Mutex
	openPos map[int32]int64 // collection -> position of its currently-open page
}

// NewHeap creates a heap over the given page manager.
func NewHeap(pageSize int, pm *PageManager, m *metrics.Metrics, log *logger.Logger) *Heap {
	return &Heap{
		pageSize: pageSize,
		pm:       pm,
		metrics:  m,
		log:      log,
		openPos:  make(map[int32]int64),
	}
}

func (h *Heap) currentPage(ctx context.Context, collectionID int32) (Page, int64, error) {
	h.mu.Lock()
	pos, ok := h.openPos[collectionID]
	h.mu.Unlock()
	if ok {
		page, err := h.pm.LoadPage(ctx, collectionID, pos)
		if err != nil {
			return nil, 0, err
		}
		return page, pos, nil
	}
	page, pos, err := h.pm.AllocPage(collectionID)
	if err != nil {
		return nil, 0, err
	}
	h.mu.Lock()
	h.openPos[collectionID] = pos
	h.mu.Unlock()
	return page, pos, nil
}

// Store appends a DBObject to the collection's currently open page,
// rolling over to a freshly allocated page when it doesn't fit.
func (h *Heap) Store(ctx context.Context, schemeID, collectionID, version int32, data []byte) (Pointer, error) {
	if data == nil {
		return Pointer{}, pkgerrors.ErrInvalidArgument
	}
	obj := DBObject{
		Flags:        FlagAlive,
		SchemeID:     schemeID,
		CollectionID: collectionID,
		Version:      version,
		Data:         data,
	}
	size := int32(obj.WireSize())

	page, pos, err := h.currentPage(ctx, collectionID)
	if err != nil {
		return Pointer{}, err
	}

	if page.FreeSpace() < size {
		// Current page is full: persist it and roll to a new one.
		if err := h.pm.WritePage(ctx, collectionID, pos, page); err != nil {
			return Pointer{}, err
		}
		page, pos, err = h.pm.AllocPage(collectionID)
		if err != nil {
			return Pointer{}, err
		}
		h.mu.Lock()
		h.openPos[collectionID] = pos
		h.mu.Unlock()
		if page.FreeSpace() < size {
			return Pointer{}, fmt.Errorf("heap: %w: object of %d bytes exceeds page capacity", pkgerrors.ErrRecordTooLarge, size)
		}
	}

	offset := page.Append(obj)
	if h.metrics != nil {
		h.metrics.HeapObjectsStoredTotal.Inc()
	}
	if h.log != nil {
		h.log.Debug("object stored").Int32("collection_id", collectionID).Int64("position", pos+int64(offset)).Send()
	}
	return Pointer{
		Type:     PointerData,
		Position: pos + int64(offset),
		Chunk:    0,
	}, nil
}

// pointerToPage splits a data pointer's position into the owning page's
// base position and the in-page offset of the object.
func (h *Heap) pointerToPage(pos int64) (pageBase int64, offset int32) {
	ps := int64(h.pageSize)
	pageBase = (pos / ps) * ps
	offset = int32(pos - pageBase)
	return
}

// Select resolves a pointer to its DBObject, returning false if the alive
// flag is clear or the offset is invalid.
func (h *Heap) Select(ctx context.Context, collectionID int32, ptr Pointer) (DBObject, bool, error) {
	if ptr.Type != PointerData {
		return DBObject{}, false, nil
	}
	pageBase, offset := h.pointerToPage(ptr.Position)
	page, err := h.pm.LoadPage(ctx, collectionID, pageBase)
	if err != nil {
		return DBObject{}, false, err
	}
	obj, ok := page.ObjectAt(offset)
	if !ok || !obj.Alive() || obj.CollectionID != collectionID {
		return DBObject{}, false, nil
	}
	return obj, true, nil
}

// Update rewrites a slot's payload in place. Fails if data is longer than
// the slot's current data_size.
func (h *Heap) Update(ctx context.Context, collectionID int32, ptr Pointer, data []byte) error {
	if ptr.Type != PointerData {
		return pkgerrors.ErrInvalidArgument
	}
	pageBase, offset := h.pointerToPage(ptr.Position)
	page, err := h.pm.LoadPage(ctx, collectionID, pageBase)
	if err != nil {
		return err
	}
	if offset < PageHeaderSize || offset+DBObjectMetaSize > page.UsedSpace() {
		return pkgerrors.ErrInvalidArgument
	}
	if !ModifyData(page[offset:], data) {
		return pkgerrors.ErrRecordTooLarge
	}
	return h.pm.WritePage(ctx, collectionID, pageBase, page)
}

// Delete clears the alive flag and writes the containing page straight
// through to disk via WritePage, which leaves it clean.
func (h *Heap) Delete(ctx context.Context, collectionID int32, ptr Pointer) error {
	if ptr.Type != PointerData {
		return pkgerrors.ErrInvalidArgument
	}
	pageBase, offset := h.pointerToPage(ptr.Position)
	page, err := h.pm.LoadPage(ctx, collectionID, pageBase)
	if err != nil {
		return err
	}
	if offset < PageHeaderSize || offset+DBObjectMetaSize > page.UsedSpace() {
		return pkgerrors.ErrInvalidArgument
	}
	MarkDeleted(page[offset:])
	if err := h.pm.WritePage(ctx, collectionID, pageBase, page); err != nil {
		return err
	}
	if h.metrics != nil {
		h.metrics.HeapObjectsDeletedTotal.Inc()
	}
	if h.log != nil {
		h.log.Debug("object deleted").Int32("collection_id", collectionID).Int64("position", ptr.Position).Send()
	}
	return nil
}

// Scan iterates the collection's pages from page 1 up to and including the
// page this Heap currently has open for appends, yielding every alive
// DBObject whose recorded collection id matches. A collection with no page
// opened since this Heap was created yields nothing. fn
// returning false stops iteration early.
func (h *Heap) Scan(ctx context.Context, collectionID int32, fn func(ptr Pointer, obj DBObject) bool) error {
	ps := int64(h.pageSize)
	h.mu.Lock()
	lastOpen, hasOpen := h.openPos[collectionID]
	h.mu.Unlock()

	// The high-water mark is only known precisely through the page
	// manager's allocator state; scanning walks every page position up
	// to and including the currently open page.
	end := ps
	if hasOpen && lastOpen >= end {
		end = lastOpen + ps
	}

	for pos := ps; pos < end; pos += ps {
		page, err := h.pm.LoadPage(ctx, collectionID, pos)
		if err != nil {
			return err
		}
		stop := false
		page.Each(func(offset int32, obj DBObject) bool {
			if !obj.Alive() || obj.CollectionID != collectionID {
				return true
			}
			if !fn(Pointer{Type: PointerData, Position: pos + int64(offset)}, obj) {
				stop = true
				return false
			}
			return true
		})
		if stop {
			return nil
		}
	}
	return nil
}

// Flush writes every dirty active page of the collection.
func (h *Heap) Flush(ctx context.Context, collectionID int32) error {
	return h.pm.FlushDirty(ctx, collectionID)
}

// ApplyImage writes image byte-for-byte at ptr's page offset and persists
// the page immediately. It bypasses DBObject validation entirely: WAL
// redo/undo images are raw captured page bytes, not Store/Update payloads,
// so reapplying one must be idempotent regardless of the slot's current
// alive flag or data_size.
func (h *Heap) ApplyImage(ctx context.Context, collectionID int32, ptr Pointer, image []byte) error {
	if ptr.Type != PointerData {
		return pkgerrors.ErrInvalidArgument
	}
	pageBase, offset := h.pointerToPage(ptr.Position)
	page, err := h.pm.LoadPage(ctx, collectionID, pageBase)
	if err != nil {
		return err
	}
	if offset < 0 || int(offset)+len(image) > len(page) {
		return pkgerrors.ErrInvalidArgument
	}
	copy(page[offset:int(offset)+len(image)], image)
	if int32(offset)+int32(len(image)) > page.UsedSpace() {
		page.SetUsedSpace(offset + int32(len(image)))
	}
	return h.pm.WritePage(ctx, collectionID, pageBase, page)
}
