// ABOUTME: DBObject is a variable-length record slot inside a page
// ABOUTME: 17-byte meta prefix {flags, scheme_id, collection_id, version, data_size} + payload

package heap

import "encoding/binary"

// DBObjectMetaSize is the fixed size of the meta prefix before the payload.
const DBObjectMetaSize = 17

// FlagAlive is bit 0 of the flags byte.
const FlagAlive = 1 << 0

// DBObject holds a record slot's decoded meta fields and its payload. When
// decoded by DBObjectFromBytes, Data shares the page's backing buffer
// rather than owning a copy.
type DBObject struct {
	Flags        uint8
	SchemeID     int32
	CollectionID int32
	Version      int32
	Data         []byte
}

// WireSize returns the total encoded size of this object (meta + payload).
func (o DBObject) WireSize() int {
	return DBObjectMetaSize + len(o.Data)
}

// Alive reports whether bit 0 of flags is set.
func (o DBObject) Alive() bool {
	return o.Flags&FlagAlive != 0
}

// PutBytes encodes the object into buf starting at offset 0. The caller
// must ensure buf is at least WireSize() bytes.
func (o DBObject) PutBytes(buf []byte) {
	buf[0] = o.Flags
	binary.LittleEndian.PutUint32(buf[1:5], uint32(o.SchemeID))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(o.CollectionID))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(o.Version))
	binary.LittleEndian.PutUint32(buf[13:17], uint32(len(o.Data)))
	copy(buf[17:], o.Data)
}

// DBObjectFromBytes decodes a DBObject's meta prefix and payload from buf.
// Returns n == 0 if buf is too short to hold a meta prefix or the declared
// payload, signaling the caller to stop iterating the page.
func DBObjectFromBytes(buf []byte) (DBObject, int) {
	if len(buf) < DBObjectMetaSize {
		return DBObject{}, 0
	}
	dataSize := int32(binary.LittleEndian.Uint32(buf[13:17]))
	if dataSize < 0 || DBObjectMetaSize+int(dataSize) > len(buf) {
		return DBObject{}, 0
	}
	obj := DBObject{
		Flags:        buf[0],
		SchemeID:     int32(binary.LittleEndian.Uint32(buf[1:5])),
		CollectionID: int32(binary.LittleEndian.Uint32(buf[5:9])),
		Version:      int32(binary.LittleEndian.Uint32(buf[9:13])),
		Data:         buf[17 : 17+dataSize],
	}
	return obj, DBObjectMetaSize + int(dataSize)
}

// MarkDeleted clears the alive bit in place without moving bytes.
func MarkDeleted(buf []byte) {
	buf[0] &^= FlagAlive
}

// ModifyData truncates or overwrites a slot's payload in place. newData
// must not be longer than the slot's current data_size; growth requires
// delete-and-reinsert, per the data model invariant.
func ModifyData(buf []byte, newData []byte) bool {
	dataSize := int32(binary.LittleEndian.Uint32(buf[13:17]))
	if int32(len(newData)) > dataSize {
		return false
	}
	binary.LittleEndian.PutUint32(buf[13:17], uint32(len(newData)))
	copy(buf[17:17+len(newData)], newData)
	return true
}
