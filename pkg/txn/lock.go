// ABOUTME: LockManager grants shared/exclusive locks per resource with wait-for cycle detection
// ABOUTME: Range locks take boundary-pair locks plus a marker that blocks inserts between them

package txn

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nainya/pagekv/internal/logger"
	"github.com/nainya/pagekv/internal/metrics"
	"github.com/nainya/pagekv/pkg/pkgerrors"
)

// Mode is the lock mode requested on a resource.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "exclusive"
	}
	return "shared"
}

type resourceLock struct {
	mu              sync.Mutex
	sharedHolders   map[int64]bool
	exclusiveHolder int64 // 0 = none; transaction ids are assumed non-zero
}

func newResourceLock() *resourceLock {
	return &resourceLock{sharedHolders: make(map[int64]bool)}
}

// LockManager grants per-resource shared/exclusive locks and detects
// deadlocks via a wait-for graph.
type LockManager struct {
	resMu     sync.RWMutex
	resources map[string]*resourceLock

	waitMu  sync.Mutex
	waitFor map[int64]map[int64]bool // txn -> set of txns it is waiting on

	heldMu sync.Mutex
	held   map[int64]map[string]bool // txn -> resources it currently holds

	metrics *metrics.Metrics
	log     *logger.Logger

	pollInterval time.Duration
}

// NewLockManager creates an empty lock table.
func NewLockManager(m *metrics.Metrics, log *logger.Logger) *LockManager {
	return &LockManager{
		resources:    make(map[string]*resourceLock),
		waitFor:      make(map[int64]map[int64]bool),
		held:         make(map[int64]map[string]bool),
		metrics:      m,
		log:          log,
		pollInterval: time.Millisecond,
	}
}

func (lm *LockManager) resourceFor(resource string) *resourceLock {
	lm.resMu.RLock()
	rl, ok := lm.resources[resource]
	lm.resMu.RUnlock()
	if ok {
		return rl
	}
	lm.resMu.Lock()
	defer lm.resMu.Unlock()
	if rl, ok = lm.resources[resource]; ok {
		return rl
	}
	rl = newResourceLock()
	lm.resources[resource] = rl
	return rl
}

// Acquire blocks until txn holds mode on resource, the deadline elapses
// (returns false, nil), or this transaction is chosen as a deadlock
// victim (returns false, ErrDeadlockVictim).
func (lm *LockManager) Acquire(ctx context.Context, resource string, txn int64, mode Mode, timeout time.Duration) (bool, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	rl := lm.resourceFor(resource)

	for {
		rl.mu.Lock()
		switch mode {
		case Shared:
			if rl.exclusiveHolder == 0 || rl.exclusiveHolder == txn {
				rl.sharedHolders[txn] = true
				rl.mu.Unlock()
				lm.recordHeld(txn, resource)
				lm.clearWaits(txn)
				lm.observeWait(mode, time.Since(start))
				return true, nil
			}
			lm.registerWait(txn, rl.exclusiveHolder)
		case Exclusive:
			holdsOnly := func() bool {
				if len(rl.sharedHolders) == 0 {
					return true
				}
				if len(rl.sharedHolders) == 1 && rl.sharedHolders[txn] {
					return true
				}
				return false
			}
			if (rl.exclusiveHolder == 0 || rl.exclusiveHolder == txn) && holdsOnly() {
				rl.exclusiveHolder = txn
				rl.mu.Unlock()
				lm.recordHeld(txn, resource)
				lm.clearWaits(txn)
				lm.observeWait(mode, time.Since(start))
				return true, nil
			}
			if rl.exclusiveHolder != 0 && rl.exclusiveHolder != txn {
				lm.registerWait(txn, rl.exclusiveHolder)
			}
			for holder := range rl.sharedHolders {
				if holder != txn {
					lm.registerWait(txn, holder)
				}
			}
		}
		rl.mu.Unlock()

		if victim, ok := lm.detectCycle(txn); ok && victim == txn {
			lm.clearWaits(txn)
			if lm.metrics != nil {
				lm.metrics.DeadlocksDetected.Inc()
			}
			return false, pkgerrors.ErrDeadlockVictim
		}

		if ctx != nil {
			select {
			case <-ctx.Done():
				lm.clearWaits(txn)
				return false, ctx.Err()
			default:
			}
		}

		if time.Now().After(deadline) {
			lm.clearWaits(txn)
			if lm.metrics != nil {
				lm.metrics.LockTimeoutsTotal.Inc()
			}
			return false, nil
		}
		time.Sleep(lm.pollInterval)
	}
}

func (lm *LockManager) observeWait(mode Mode, d time.Duration) {
	if lm.metrics != nil {
		lm.metrics.ObserveLockWait(mode.String(), d)
	}
}

func (lm *LockManager) recordHeld(txn int64, resource string) {
	lm.heldMu.Lock()
	defer lm.heldMu.Unlock()
	set, ok := lm.held[txn]
	if !ok {
		set = make(map[string]bool)
		lm.held[txn] = set
	}
	set[resource] = true
}

func (lm *LockManager) registerWait(waiter, holder int64) {
	lm.waitMu.Lock()
	defer lm.waitMu.Unlock()
	set, ok := lm.waitFor[waiter]
	if !ok {
		set = make(map[int64]bool)
		lm.waitFor[waiter] = set
	}
	set[holder] = true
}

func (lm *LockManager) clearWaits(txn int64) {
	lm.waitMu.Lock()
	defer lm.waitMu.Unlock()
	delete(lm.waitFor, txn)
	for _, set := range lm.waitFor {
		delete(set, txn)
	}
}

// detectCycle runs a depth-first search from start over a snapshot of the
// wait-for graph, looking for a cycle reachable from start; if found, it
// returns the
// highest (youngest) transaction id on the cycle as the victim.
func (lm *LockManager) detectCycle(start int64) (int64, bool) {
	lm.waitMu.Lock()
	graph := make(map[int64][]int64, len(lm.waitFor))
	for txn, set := range lm.waitFor {
		for other := range set {
			graph[txn] = append(graph[txn], other)
		}
	}
	lm.waitMu.Unlock()

	visited := make(map[int64]bool)
	var path []int64
	var dfs func(node int64) ([]int64, bool)
	dfs = func(node int64) ([]int64, bool) {
		for i, p := range path {
			if p == node {
				return append([]int64(nil), path[i:]...), true
			}
		}
		if visited[node] {
			return nil, false
		}
		visited[node] = true
		path = append(path, node)
		for _, next := range graph[node] {
			if cycle, ok := dfs(next); ok {
				return cycle, true
			}
		}
		path = path[:len(path)-1]
		return nil, false
	}

	cycle, ok := dfs(start)
	if !ok || len(cycle) == 0 {
		return 0, false
	}
	sort.Slice(cycle, func(i, j int) bool { return cycle[i] > cycle[j] })
	return cycle[0], true
}

// ReleaseAll drops every lock held by txn.
func (lm *LockManager) ReleaseAll(txn int64) {
	lm.heldMu.Lock()
	resources := lm.held[txn]
	delete(lm.held, txn)
	lm.heldMu.Unlock()

	for resource := range resources {
		rl := lm.resourceFor(resource)
		rl.mu.Lock()
		delete(rl.sharedHolders, txn)
		if rl.exclusiveHolder == txn {
			rl.exclusiveHolder = 0
		}
		rl.mu.Unlock()
	}
	lm.clearWaits(txn)
}

// rangeMarker is the resource name used for the range-blocking marker lock.
func rangeMarker(name, start, end string) string {
	return fmt.Sprintf("range:%s:%s:%s", name, start, end)
}

// AcquireRange takes individual locks on the start and end boundaries plus
// a range marker that blocks new inserts between them.
func (lm *LockManager) AcquireRange(ctx context.Context, name, start, end string, txn int64, mode Mode, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)

	ok, err := lm.Acquire(ctx, name+":"+start, txn, mode, timeout)
	if err != nil || !ok {
		return false, err
	}
	remaining := time.Until(deadline)
	ok, err = lm.Acquire(ctx, name+":"+end, txn, mode, remaining)
	if err != nil || !ok {
		lm.releaseOne(txn, name+":"+start)
		return false, err
	}
	remaining = time.Until(deadline)
	ok, err = lm.Acquire(ctx, rangeMarker(name, start, end), txn, mode, remaining)
	if err != nil || !ok {
		lm.releaseOne(txn, name+":"+start)
		lm.releaseOne(txn, name+":"+end)
		return false, err
	}
	return true, nil
}

func (lm *LockManager) releaseOne(txn int64, resource string) {
	rl := lm.resourceFor(resource)
	rl.mu.Lock()
	delete(rl.sharedHolders, txn)
	if rl.exclusiveHolder == txn {
		rl.exclusiveHolder = 0
	}
	rl.mu.Unlock()
	lm.heldMu.Lock()
	if set := lm.held[txn]; set != nil {
		delete(set, resource)
	}
	lm.heldMu.Unlock()
}
