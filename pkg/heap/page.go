// ABOUTME: Page is a fixed-size byte-slice view over an append-only region of DBObjects
// ABOUTME: First 8 bytes are the header {page_number, used_space}; page 0 is reserved

package heap

import (
	"encoding/binary"
)

const (
	// PageHeaderSize is the fixed size of a page's header: page_number(4) + used_space(4).
	PageHeaderSize = 8

	// DefaultPageSize is used when the configuration does not override it.
	DefaultPageSize = 4096

	// MinPageSize and MaxPageSize bound the configurable page size.
	MinPageSize = 512
	MaxPageSize = 65536
)

// Page is a byte-slice view over one fixed-size page. It owns no memory of
// its own; the Page Manager owns the backing buffer, mirroring the
// teacher's BNode pattern of a typed []byte with accessor methods.
type Page []byte

// NewPage allocates a zeroed page of the given size with its header set.
func NewPage(size int, pageNumber int32) Page {
	buf := make([]byte, size)
	p := Page(buf)
	p.SetPageNumber(pageNumber)
	p.SetUsedSpace(PageHeaderSize)
	return p
}

// PageNumber returns the page_number field.
func (p Page) PageNumber() int32 {
	return int32(binary.LittleEndian.Uint32(p[0:4]))
}

// SetPageNumber sets the page_number field.
func (p Page) SetPageNumber(n int32) {
	binary.LittleEndian.PutUint32(p[0:4], uint32(n))
}

// UsedSpace returns the used_space field.
func (p Page) UsedSpace() int32 {
	return int32(binary.LittleEndian.Uint32(p[4:8]))
}

// SetUsedSpace sets the used_space field.
func (p Page) SetUsedSpace(n int32) {
	binary.LittleEndian.PutUint32(p[4:8], uint32(n))
}

// FreeSpace returns page_size - used_space.
func (p Page) FreeSpace() int32 {
	return int32(len(p)) - p.UsedSpace()
}

// Append writes obj's wire bytes at the current used_space offset and
// advances used_space. The caller must have already checked FreeSpace.
func (p Page) Append(obj DBObject) (offset int32) {
	offset = p.UsedSpace()
	obj.PutBytes(p[offset:])
	p.SetUsedSpace(offset + int32(obj.WireSize()))
	return offset
}

// ObjectAt reads the DBObject whose meta prefix begins at the given
// offset. Returns false if the offset does not fall within the page's
// written region.
func (p Page) ObjectAt(offset int32) (DBObject, bool) {
	if offset < PageHeaderSize || offset+DBObjectMetaSize > p.UsedSpace() {
		return DBObject{}, false
	}
	obj, n := DBObjectFromBytes(p[offset:p.UsedSpace()])
	if n == 0 {
		return DBObject{}, false
	}
	return obj, true
}

// Each calls fn for every DBObject slot in the page, in on-disk order,
// regardless of alive state; fn returns false to stop early.
func (p Page) Each(fn func(offset int32, obj DBObject) bool) {
	offset := int32(PageHeaderSize)
	used := p.UsedSpace()
	for offset < used {
		obj, n := DBObjectFromBytes(p[offset:used])
		if n == 0 {
			return
		}
		if !fn(offset, obj) {
			return
		}
		offset += int32(n)
	}
}
