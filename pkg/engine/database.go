// ABOUTME: Database opens a directory of collections backed by one shared heap/WAL/lock/version space
// ABOUTME: create_collection/get_collection/begin_transaction/commit/checkpoint/flush/close live here

package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nainya/pagekv/config"
	"github.com/nainya/pagekv/internal/logger"
	"github.com/nainya/pagekv/internal/metrics"
	"github.com/nainya/pagekv/pkg/btree"
	"github.com/nainya/pagekv/pkg/heap"
	"github.com/nainya/pagekv/pkg/pkgerrors"
	"github.com/nainya/pagekv/pkg/txn"
	"github.com/nainya/pagekv/pkg/wal"
)

// DefaultKeySize is used when CreateCollection is given a zero key size.
const DefaultKeySize = 24

// Database is the top-level handle over a directory: one heap, one WAL,
// one lock table, one version store, shared across every collection
// opened from its catalog.
type Database struct {
	dir string
	cfg config.Config

	metrics *metrics.Metrics
	log     *logger.Logger

	handlePool  *heap.HandlePool
	pageManager *heap.PageManager
	heapStore   *heap.Heap
	headers     *btree.HeaderStore
	walLog      *wal.WAL
	txnMgr      *txn.Manager
	checkpoint  *wal.Checkpointer
	catalog     *Catalog

	mu          sync.RWMutex
	collections map[string]*Collection
}

// Open opens (creating if absent) a database rooted at dir, replaying the
// WAL if cfg.EnableWAL, and eagerly attaching every collection already
// registered in the catalog.
func Open(ctx context.Context, dir string, cfg config.Config, m *metrics.Metrics, lg *logger.Logger) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: creating database directory: %w", err)
	}

	cat, err := OpenCatalog(dir)
	if err != nil {
		return nil, err
	}

	pool := heap.NewHandlePool(cfg.MaxFileHandles, lg)
	pm, err := heap.NewPageManager(cfg.PageSize, cfg.Cache.PageCacheSize, pool, m, lg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	heapStore := heap.NewHeap(cfg.PageSize, pm, m, lg)

	headers, err := btree.OpenHeaderStore(filepath.Join(dir, "index_headers.dat"))
	if err != nil {
		pool.Close()
		return nil, err
	}

	walDir := filepath.Join(dir, "wal")
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		pool.Close()
		return nil, fmt.Errorf("engine: creating wal directory: %w", err)
	}
	w, err := wal.Open(walDir, cfg.WALMaxFileSize, m, lg)
	if err != nil {
		pool.Close()
		return nil, err
	}

	if cfg.EnableWAL {
		// Replayed images go through the page manager, so every catalogued
		// collection's heap file is registered before recovery runs.
		for _, meta := range cat.List() {
			pm.Register(meta.ID, filepath.Join(dir, fmt.Sprintf("heap_%d.dat", meta.ID)))
		}
		applier := heapStore
		rec := wal.NewRecovery(walDir, applier, m, lg)
		if _, err := rec.Recover(ctx, w); err != nil {
			w.Close()
			pool.Close()
			return nil, fmt.Errorf("engine: recovery: %w", err)
		}
	}

	txnMgr := txn.NewManager(w, m, lg)
	cp := wal.NewCheckpointer(w, m, cfg.WALCheckpointInterval, cfg.WALAutoCheckpoint, txnMgr.ActiveTransactions)

	db := &Database{
		dir:         dir,
		cfg:         cfg,
		metrics:     m,
		log:         lg,
		handlePool:  pool,
		pageManager: pm,
		heapStore:   heapStore,
		headers:     headers,
		walLog:      w,
		txnMgr:      txnMgr,
		checkpoint:  cp,
		catalog:     cat,
		collections: make(map[string]*Collection),
	}

	for _, meta := range cat.List() {
		if err := db.attachCollection(meta); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func (db *Database) heapPath(id int32) string {
	return filepath.Join(db.dir, fmt.Sprintf("heap_%d.dat", id))
}

func (db *Database) indexPath(id int32) string {
	return filepath.Join(db.dir, fmt.Sprintf("index_%d.dat", id))
}

func (db *Database) attachCollection(meta CollectionMeta) error {
	db.pageManager.Register(meta.ID, db.heapPath(meta.ID))

	layout := btree.NewLayout(db.cfg.BTreeDegree, meta.KeySize, heap.PointerSize)
	storage, err := btree.OpenStorage(db.indexPath(meta.ID), layout)
	if err != nil {
		return err
	}

	var session btree.Session
	if db.cfg.UseBufferedIO {
		session = btree.NewBufferedSession(storage, layout, db.metrics)
	} else {
		session = btree.NewImmediateSession(storage, db.metrics)
	}

	tree, err := btree.NewTree(meta.ID, layout, session, db.headers, db.metrics, db.log)
	if err != nil {
		return err
	}

	col := &Collection{
		db:      db,
		meta:    meta,
		tree:    tree,
		storage: storage,
		layout:  layout,
	}
	db.mu.Lock()
	db.collections[meta.Name] = col
	db.mu.Unlock()
	return nil
}

// CreateCollection registers a new collection in the catalog and opens
// its heap/index files. keySize <= 0 uses DefaultKeySize.
func (db *Database) CreateCollection(name string, keySize int) (*Collection, error) {
	if keySize <= 0 {
		keySize = DefaultKeySize
	}
	db.mu.RLock()
	_, exists := db.collections[name]
	db.mu.RUnlock()
	if exists {
		return nil, pkgerrors.ErrCollectionExists
	}

	meta, err := db.catalog.Register(name, keySize, db.walLog.NextLSN())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrCollectionExists, err)
	}
	if err := db.attachCollection(meta); err != nil {
		return nil, err
	}
	db.mu.RLock()
	col := db.collections[name]
	db.mu.RUnlock()
	return col, nil
}

// Collection returns the previously created/attached collection named
// name, or ErrCollectionNotFound.
func (db *Database) Collection(name string) (*Collection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	col, ok := db.collections[name]
	if !ok {
		return nil, pkgerrors.ErrCollectionNotFound
	}
	return col, nil
}

// BeginTransaction starts a new transaction against the database's shared
// lock table and version store.
func (db *Database) BeginTransaction(ctx context.Context) (*txn.Transaction, error) {
	return db.txnMgr.Begin(ctx)
}

// Commit records a transaction commit with the auto-checkpoint counter
// before returning, so count-based checkpoint triggers stay accurate.
func (db *Database) Commit(tx *txn.Transaction) error {
	if err := tx.Commit(); err != nil {
		return err
	}
	_, err := db.checkpoint.RecordCommit()
	return err
}

// Rollback aborts a transaction.
func (db *Database) Rollback(tx *txn.Transaction) error {
	return tx.Abort()
}

// CreateCheckpoint forces an immediate checkpoint regardless of the
// auto-checkpoint threshold, returning its LSN.
func (db *Database) CreateCheckpoint() (int64, error) {
	return db.checkpoint.Checkpoint()
}

// Flush writes every dirty heap page and index node for every attached
// collection to disk.
func (db *Database) Flush(ctx context.Context) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, col := range db.collections {
		if err := db.heapStore.Flush(ctx, col.meta.ID); err != nil {
			return err
		}
		if err := col.tree.Flush(); err != nil {
			return err
		}
	}
	return db.walLog.Flush()
}

// Close flushes pending writes and then closes the header store, the WAL,
// and the file handle pool, in that order, even if one step fails.
func (db *Database) Close() error {
	ctx := context.Background()
	var firstErr error
	if err := db.Flush(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.headers.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.walLog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.handlePool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
