// Package wal implements the Write-Ahead Log: record framing, group-commit
// writer, file rotation, checkpoints, and ARIES-style recovery.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/nainya/pagekv/pkg/heap"
)

// RecordType identifies a WAL record's subtype.
type RecordType byte

const (
	RecordBegin           RecordType = 1
	RecordCommit          RecordType = 2
	RecordAbort           RecordType = 3
	RecordUpdate          RecordType = 4
	RecordCheckpointStart RecordType = 5
	RecordCheckpointEnd   RecordType = 6
	RecordCLR             RecordType = 7
)

// BaseHeaderSize is type(1) + lsn(8) + txn_id(8) + prev_lsn(8) +
// timestamp(8); the 4-byte length prefix is not counted here.
const BaseHeaderSize = 1 + 8 + 8 + 8 + 8

// Record is a single WAL entry. Fields outside the base header apply only
// to the subtypes that use them (Update, CLR, CheckpointStart).
type Record struct {
	Type      RecordType
	LSN       int64
	TxnID     int64
	PrevLSN   int64
	Timestamp int64 // wall-clock nanoseconds, stamped by the WAL when the record is appended

	// Update fields.
	CollectionID int32
	Pointer      heap.Pointer
	UndoNextLSN  int64
	Before       []byte
	After        []byte

	// CheckpointStart fields: active transaction ids and each one's last LSN.
	ActiveTxns  []int64
	LastLSNs    []int64
}

// Encode serializes the record as length(i32) | type(u8) | lsn(i64) |
// txn_id(i64) | prev_lsn(i64) | timestamp(i64) | payload | crc32(4).
func (r *Record) Encode() []byte {
	payload := r.encodePayload()
	body := make([]byte, BaseHeaderSize+len(payload))
	body[0] = byte(r.Type)
	binary.LittleEndian.PutUint64(body[1:9], uint64(r.LSN))
	binary.LittleEndian.PutUint64(body[9:17], uint64(r.TxnID))
	binary.LittleEndian.PutUint64(body[17:25], uint64(r.PrevLSN))
	binary.LittleEndian.PutUint64(body[25:33], uint64(r.Timestamp))
	copy(body[33:], payload)

	crc := crc32.ChecksumIEEE(body)
	buf := make([]byte, 4+len(body)+4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(body)))
	copy(buf[4:], body)
	binary.LittleEndian.PutUint32(buf[4+len(body):], crc)
	return buf
}

func (r *Record) encodePayload() []byte {
	switch r.Type {
	case RecordUpdate, RecordCLR:
		buf := make([]byte, 4+heap.PointerSize+8+4+len(r.Before)+4+len(r.After))
		off := 0
		binary.LittleEndian.PutUint32(buf[off:], uint32(r.CollectionID))
		off += 4
		copy(buf[off:], r.Pointer.Bytes())
		off += heap.PointerSize
		binary.LittleEndian.PutUint64(buf[off:], uint64(r.UndoNextLSN))
		off += 8
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Before)))
		off += 4
		copy(buf[off:], r.Before)
		off += len(r.Before)
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.After)))
		off += 4
		copy(buf[off:], r.After)
		return buf
	case RecordCheckpointStart:
		buf := make([]byte, 4+len(r.ActiveTxns)*16)
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(r.ActiveTxns)))
		off := 4
		for i, txn := range r.ActiveTxns {
			binary.LittleEndian.PutUint64(buf[off:], uint64(txn))
			binary.LittleEndian.PutUint64(buf[off+8:], uint64(r.LastLSNs[i]))
			off += 16
		}
		return buf
	default:
		return nil
	}
}

// DecodeRecord deserializes a full framed record (length prefix already
// consumed by the caller, body includes the trailing CRC32).
func DecodeRecord(body []byte) (*Record, error) {
	if len(body) < 4 {
		return nil, ErrTruncated
	}
	payload := body[:len(body)-4]
	if len(payload) < BaseHeaderSize {
		return nil, ErrTruncated
	}
	storedCRC := binary.LittleEndian.Uint32(body[len(body)-4:])
	if crc32.ChecksumIEEE(payload) != storedCRC {
		return nil, ErrCorrupted
	}

	r := &Record{
		Type:      RecordType(payload[0]),
		LSN:       int64(binary.LittleEndian.Uint64(payload[1:9])),
		TxnID:     int64(binary.LittleEndian.Uint64(payload[9:17])),
		PrevLSN:   int64(binary.LittleEndian.Uint64(payload[17:25])),
		Timestamp: int64(binary.LittleEndian.Uint64(payload[25:33])),
	}
	rest := payload[BaseHeaderSize:]

	switch r.Type {
	case RecordUpdate, RecordCLR:
		if len(rest) < 4+heap.PointerSize+8+4 {
			return nil, ErrTruncated
		}
		off := 0
		r.CollectionID = int32(binary.LittleEndian.Uint32(rest[off:]))
		off += 4
		ptr, err := heap.PointerFromBytes(rest[off : off+heap.PointerSize])
		if err != nil {
			return nil, fmt.Errorf("wal: decode pointer: %w", err)
		}
		r.Pointer = ptr
		off += heap.PointerSize
		r.UndoNextLSN = int64(binary.LittleEndian.Uint64(rest[off:]))
		off += 8
		beforeLen := int(binary.LittleEndian.Uint32(rest[off:]))
		off += 4
		if off+beforeLen+4 > len(rest) {
			return nil, ErrTruncated
		}
		r.Before = append([]byte(nil), rest[off:off+beforeLen]...)
		off += beforeLen
		afterLen := int(binary.LittleEndian.Uint32(rest[off:]))
		off += 4
		if off+afterLen > len(rest) {
			return nil, ErrTruncated
		}
		r.After = append([]byte(nil), rest[off:off+afterLen]...)
	case RecordCheckpointStart:
		if len(rest) < 4 {
			return nil, ErrTruncated
		}
		n := int(binary.LittleEndian.Uint32(rest[0:4]))
		if len(rest) < 4+n*16 {
			return nil, ErrTruncated
		}
		r.ActiveTxns = make([]int64, n)
		r.LastLSNs = make([]int64, n)
		off := 4
		for i := 0; i < n; i++ {
			r.ActiveTxns[i] = int64(binary.LittleEndian.Uint64(rest[off:]))
			r.LastLSNs[i] = int64(binary.LittleEndian.Uint64(rest[off+8:]))
			off += 16
		}
	}
	return r, nil
}

// Size returns the encoded size of the record, including framing.
func (r *Record) Size() int {
	return 4 + BaseHeaderSize + len(r.encodePayload()) + 4
}

func (r *Record) String() string {
	name := "UNKNOWN"
	switch r.Type {
	case RecordBegin:
		name = "BEGIN"
	case RecordCommit:
		name = "COMMIT"
	case RecordAbort:
		name = "ABORT"
	case RecordUpdate:
		name = "UPDATE"
	case RecordCheckpointStart:
		name = "CHECKPOINT_START"
	case RecordCheckpointEnd:
		name = "CHECKPOINT_END"
	case RecordCLR:
		name = "CLR"
	}
	return fmt.Sprintf("WAL[lsn=%d txn=%d type=%s prev_lsn=%d]", r.LSN, r.TxnID, name, r.PrevLSN)
}
