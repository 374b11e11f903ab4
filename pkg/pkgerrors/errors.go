// Package pkgerrors collects the sentinel errors shared across the kernel
// packages (heap, btree, wal, txn, engine) so callers can test outcomes
// with errors.Is instead of string matching.
package pkgerrors

import "errors"

var (
	// ErrKeyNotFound names an absent key. Get and Delete do not return it:
	// they report absence through their found result.
	ErrKeyNotFound = errors.New("pagekv: key not found")

	// ErrInvalidArgument covers non-positive capacities, empty payloads,
	// and malformed wire-format pointers. Fails fast, never retried.
	ErrInvalidArgument = errors.New("pagekv: invalid argument")

	// ErrRecordTooLarge is returned when a payload can't fit in a page
	// or when an update grows beyond the slot's original data_size.
	ErrRecordTooLarge = errors.New("pagekv: record too large")

	// ErrLockTimeout is returned by Transaction Read/Write/Delete when the
	// lock manager's Acquire reports a timeout (Acquire itself returns
	// false with a nil error).
	ErrLockTimeout = errors.New("pagekv: lock acquisition timed out")

	// ErrDeadlockVictim is returned to the transaction chosen by the
	// wait-for cycle detector to abort.
	ErrDeadlockVictim = errors.New("pagekv: aborted as deadlock victim")

	// ErrTornWAL marks a WAL tail that failed to deserialize; recovery
	// stops reading that file at the point of failure.
	ErrTornWAL = errors.New("pagekv: torn wal tail")

	// ErrCorrupted indicates an on-disk record that fails to decode, such
	// as a corrupt index header record. WAL records use wal.ErrCorrupted.
	ErrCorrupted = errors.New("pagekv: corrupted record")

	// ErrSchemaMismatch is a hard error: the record was written with a
	// newer/incompatible schema version than the reader understands.
	ErrSchemaMismatch = errors.New("pagekv: schema version mismatch")

	// ErrCapacityExceededMerge marks an invariant violation: a B+ tree
	// rebalance would merge two nodes whose combined key count exceeds
	// the configured degree. Remove logs it as a warning and leaves the
	// nodes unmerged: the tree is slightly unbalanced but correct.
	ErrCapacityExceededMerge = errors.New("pagekv: merge would exceed node capacity")

	// ErrClosed names an operation attempted after Close. No package
	// returns it; the WAL reports a closed log as wal.ErrLogClosed.
	ErrClosed = errors.New("pagekv: handle closed")

	// ErrCollectionNotFound is returned by get_collection for an unknown name.
	ErrCollectionNotFound = errors.New("pagekv: collection not found")

	// ErrCollectionExists is returned by create_collection when the name
	// is already registered in the catalog.
	ErrCollectionExists = errors.New("pagekv: collection already exists")
)
