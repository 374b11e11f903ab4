// ABOUTME: Pointer is the 13-byte on-disk address of a record or tree node
// ABOUTME: Ordered lexicographically by (chunk, position); type 0 means empty

package heap

import (
	"encoding/binary"

	"github.com/nainya/pagekv/pkg/pkgerrors"
)

// PointerType tags what a Pointer addresses.
type PointerType uint8

const (
	// PointerEmpty means "no target"; distinguishable from any valid pointer.
	PointerEmpty PointerType = 0x00
	// PointerData addresses a DBObject slot inside a heap page.
	PointerData PointerType = 0x01
	// PointerNode addresses a serialized B+ tree node.
	PointerNode PointerType = 0x02
)

// PointerSize is the fixed wire size of a Pointer: type(1) + position(8) + chunk(4).
const PointerSize = 13

// Pointer is the 13-byte on-disk address of a record or tree node.
type Pointer struct {
	Type     PointerType
	Position int64
	Chunk    int32
}

// Empty is the zero-value "no target" pointer.
var Empty = Pointer{Type: PointerEmpty}

// IsEmpty reports whether the pointer addresses nothing.
func (p Pointer) IsEmpty() bool {
	return p.Type == PointerEmpty
}

// Less orders pointers lexicographically by (chunk, position), matching the
// on-disk ordering invariant from the data model.
func (p Pointer) Less(other Pointer) bool {
	if p.Chunk != other.Chunk {
		return p.Chunk < other.Chunk
	}
	return p.Position < other.Position
}

// Bytes encodes the pointer to its 13-byte little-endian wire format.
func (p Pointer) Bytes() []byte {
	buf := make([]byte, PointerSize)
	buf[0] = byte(p.Type)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(p.Position))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(p.Chunk))
	return buf
}

// PutBytes encodes the pointer into an existing buffer at offset 0,
// avoiding an allocation when the caller already owns the backing slice.
func (p Pointer) PutBytes(buf []byte) {
	buf[0] = byte(p.Type)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(p.Position))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(p.Chunk))
}

// PointerFromBytes decodes a Pointer from its 13-byte wire format.
func PointerFromBytes(buf []byte) (Pointer, error) {
	if len(buf) < PointerSize {
		return Pointer{}, pkgerrors.ErrInvalidArgument
	}
	t := PointerType(buf[0])
	if t != PointerEmpty && t != PointerData && t != PointerNode {
		return Pointer{}, pkgerrors.ErrInvalidArgument
	}
	return Pointer{
		Type:     t,
		Position: int64(binary.LittleEndian.Uint64(buf[1:9])),
		Chunk:    int32(binary.LittleEndian.Uint32(buf[9:13])),
	}, nil
}
