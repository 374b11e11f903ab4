// ABOUTME: Transaction ties lock acquisition, WAL logging, and version writes together
// ABOUTME: Manager issues monotonic txn/commit timestamps and owns the shared lock/version state

package txn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/pagekv/internal/logger"
	"github.com/nainya/pagekv/internal/metrics"
	"github.com/nainya/pagekv/pkg/heap"
	"github.com/nainya/pagekv/pkg/wal"
)

// DefaultLockTimeout bounds how long Acquire blocks before giving up.
const DefaultLockTimeout = 5 * time.Second

// Manager owns the shared LockManager and VersionManager, and mints the
// monotonic transaction and commit timestamps used across both.
type Manager struct {
	Locks    *LockManager
	Versions *VersionManager
	log      *wal.WAL

	nextTxnID int64
	nextTS    int64

	activeMu  sync.Mutex
	activeTxn map[int64]int64
}

// NewManager wires a lock manager, version manager, and WAL together.
func NewManager(w *wal.WAL, m *metrics.Metrics, lg *logger.Logger) *Manager {
	return &Manager{
		Locks:     NewLockManager(m, lg),
		Versions:  NewVersionManager(),
		log:       w,
		activeTxn: make(map[int64]int64),
	}
}

// Begin starts a transaction, recording it in the WAL and returning a
// handle used for reads/writes/commit/abort.
func (m *Manager) Begin(ctx context.Context) (*Transaction, error) {
	id := atomic.AddInt64(&m.nextTxnID, 1)
	lsn, err := m.log.Begin(id)
	if err != nil {
		return nil, err
	}
	m.recordActive(id, lsn)
	return &Transaction{
		mgr:      m,
		id:       id,
		handleID: uuid.New(),
		readTS:   atomic.LoadInt64(&m.nextTS),
		ctx:      ctx,
		touched:  make(map[heap.Pointer]bool),
	}, nil
}

// recordActive sets txn's last-known LSN in the active-transaction table,
// used by CheckpointStart to snapshot in-flight work.
func (m *Manager) recordActive(txn, lsn int64) {
	m.activeMu.Lock()
	m.activeTxn[txn] = lsn
	m.activeMu.Unlock()
}

// clearActive removes txn from the active-transaction table once it
// commits or aborts.
func (m *Manager) clearActive(txn int64) {
	m.activeMu.Lock()
	delete(m.activeTxn, txn)
	m.activeMu.Unlock()
}

// ActiveTransactions returns a snapshot of every in-flight transaction id
// mapped to its last-written LSN, suitable for wal.ActiveTxnSnapshot.
func (m *Manager) ActiveTransactions() map[int64]int64 {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	snapshot := make(map[int64]int64, len(m.activeTxn))
	for id, lsn := range m.activeTxn {
		snapshot[id] = lsn
	}
	return snapshot
}

func (m *Manager) nextTimestamp() int64 {
	return atomic.AddInt64(&m.nextTS, 1)
}

// Transaction is a single unit of work against the version store, bounded
// by shared/exclusive locks taken through the manager's LockManager.
type Transaction struct {
	mgr      *Manager
	id       int64
	handleID uuid.UUID
	readTS   int64
	ctx      context.Context
	touched  map[heap.Pointer]bool
}

// ID returns the transaction's identifier, used as the lock-table and
// version-chain writer tag.
func (t *Transaction) ID() int64 { return t.id }

// HandleID returns the correlation id surfaced to callers and logs; it
// has no bearing on lock ordering or version visibility.
func (t *Transaction) HandleID() uuid.UUID { return t.handleID }

// Read acquires a shared lock on ptr and returns the version visible at
// this transaction's snapshot timestamp.
func (t *Transaction) Read(ptr heap.Pointer) ([]byte, bool, error) {
	ok, err := t.mgr.Locks.Acquire(t.ctx, lockKey(ptr), t.id, Shared, DefaultLockTimeout)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, errTimedOut
	}
	v, found := t.mgr.Versions.Read(ptr, t.readTS)
	if !found {
		return nil, false, nil
	}
	return v.Data, true, nil
}

// Write acquires an exclusive lock on ptr, appends a WAL update record,
// and stages a new uncommitted version.
func (t *Transaction) Write(ptr heap.Pointer, collectionID int32, before, after []byte) error {
	ok, err := t.mgr.Locks.Acquire(t.ctx, lockKey(ptr), t.id, Exclusive, DefaultLockTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return errTimedOut
	}
	lsn, err := t.mgr.log.Update(t.id, collectionID, ptr, before, after)
	if err != nil {
		return err
	}
	t.mgr.recordActive(t.id, lsn)
	t.mgr.Versions.Write(ptr, after, t.id, false)
	t.touched[ptr] = true
	return nil
}

// Delete acquires an exclusive lock and stages a tombstone version.
func (t *Transaction) Delete(ptr heap.Pointer, collectionID int32, before []byte) error {
	ok, err := t.mgr.Locks.Acquire(t.ctx, lockKey(ptr), t.id, Exclusive, DefaultLockTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return errTimedOut
	}
	lsn, err := t.mgr.log.Update(t.id, collectionID, ptr, before, nil)
	if err != nil {
		return err
	}
	t.mgr.recordActive(t.id, lsn)
	t.mgr.Versions.Write(ptr, nil, t.id, true)
	t.touched[ptr] = true
	return nil
}

// Commit publishes every staged version at a fresh commit timestamp,
// writes the WAL commit record, and releases all held locks.
func (t *Transaction) Commit() error {
	commitTS := t.mgr.nextTimestamp()
	if err := t.mgr.Versions.Commit(t.id, commitTS); err != nil {
		t.mgr.Locks.ReleaseAll(t.id)
		t.mgr.clearActive(t.id)
		return err
	}
	if _, err := t.mgr.log.Commit(t.id); err != nil {
		return err
	}
	t.mgr.Locks.ReleaseAll(t.id)
	t.mgr.clearActive(t.id)
	return nil
}

// Abort discards staged versions, writes the WAL abort record, and
// releases all held locks.
func (t *Transaction) Abort() error {
	if err := t.mgr.Versions.Abort(t.id); err != nil {
		t.mgr.Locks.ReleaseAll(t.id)
		t.mgr.clearActive(t.id)
		return err
	}
	if _, err := t.mgr.log.Abort(t.id); err != nil {
		return err
	}
	t.mgr.Locks.ReleaseAll(t.id)
	t.mgr.clearActive(t.id)
	return nil
}

func lockKey(ptr heap.Pointer) string {
	return string(ptr.Bytes())
}
