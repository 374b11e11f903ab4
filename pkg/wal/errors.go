package wal

import "errors"

var (
	// ErrCorrupted indicates a corrupted WAL record (CRC mismatch)
	ErrCorrupted = errors.New("wal: corrupted record")

	// ErrInvalidEntry indicates an invalid WAL record format
	ErrInvalidEntry = errors.New("wal: invalid record")

	// ErrLogClosed indicates an operation on a closed WAL
	ErrLogClosed = errors.New("wal: log closed")

	// ErrLogNotFound indicates WAL files don't exist
	ErrLogNotFound = errors.New("wal: log not found")

	// ErrInvalidLSN indicates an invalid Log Sequence Number
	ErrInvalidLSN = errors.New("wal: invalid LSN")

	// ErrTruncated indicates a truncated WAL record; the torn tail is
	// treated as the end of readable history for that file
	ErrTruncated = errors.New("wal: truncated record")

	// ErrUnknownTxn names a record that references a transaction id with
	// no prior Begin; the WAL does not check for this and never returns it
	ErrUnknownTxn = errors.New("wal: unknown transaction")
)
