package wal

import (
	"fmt"
	"sync/atomic"

	"github.com/nainya/pagekv/internal/metrics"
)

// ActiveTxnSnapshot returns the active-transaction table at the moment a
// checkpoint is taken: transaction id -> that transaction's last-written LSN.
type ActiveTxnSnapshot func() map[int64]int64

// Checkpointer fires create_checkpoint once committed_since_last_checkpoint
// reaches wal_checkpoint_interval, counted in committed transactions rather
// than wall-clock time.
type Checkpointer struct {
	wal       *WAL
	metrics   *metrics.Metrics
	interval  int64
	auto      bool
	active    ActiveTxnSnapshot
	committed int64 // atomic: committed transactions since the last checkpoint
}

// NewCheckpointer creates a checkpointer. active supplies the active
// transaction table snapshot written into the CheckpointStart record.
func NewCheckpointer(wal *WAL, m *metrics.Metrics, interval int64, auto bool, active ActiveTxnSnapshot) *Checkpointer {
	return &Checkpointer{wal: wal, metrics: m, interval: interval, auto: auto, active: active}
}

// RecordCommit increments the committed-since-last-checkpoint counter and,
// if auto-checkpointing is enabled and the threshold is reached, fires a
// checkpoint. The counter resets whether the checkpoint was fired here or
// externally via Checkpoint.
func (c *Checkpointer) RecordCommit() (int64, error) {
	n := atomic.AddInt64(&c.committed, 1)
	if c.auto && c.interval > 0 && n >= c.interval {
		return c.Checkpoint()
	}
	return 0, nil
}

// Checkpoint writes CheckpointStart (carrying the active transaction
// table), flushes, writes CheckpointEnd, and flushes again. Checkpoints are
// advisory hints for recovery; no data pages are written here.
func (c *Checkpointer) Checkpoint() (int64, error) {
	var active map[int64]int64
	if c.active != nil {
		active = c.active()
	}

	if _, err := c.wal.CheckpointStart(active); err != nil {
		return 0, fmt.Errorf("wal: checkpoint start: %w", err)
	}
	if err := c.wal.Flush(); err != nil {
		return 0, fmt.Errorf("wal: checkpoint start flush: %w", err)
	}

	lsn, err := c.wal.CheckpointEnd()
	if err != nil {
		return 0, fmt.Errorf("wal: checkpoint end: %w", err)
	}
	if err := c.wal.Flush(); err != nil {
		return 0, fmt.Errorf("wal: checkpoint end flush: %w", err)
	}

	atomic.StoreInt64(&c.committed, 0)
	if c.metrics != nil {
		c.metrics.WALCheckpointsTotal.Inc()
	}
	return lsn, nil
}
