// Package lockmanager implements a hierarchical, multi-granularity lock
// manager with two-phase locking and background deadlock detection,
// grounded on BusTub's concurrency/lock_manager.cpp — the only complete
// reference for this subsystem in the retrieval pack, since no example
// repo implements a real hierarchical lock manager.
package lockmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/dblab/storagecore/internal/txn"
)

// AbortReason explains why a lock request was aborted instead of
// granted, for callers that want to distinguish deadlock victims from
// protocol violations.
type AbortReason int

const (
	AbortUnknown AbortReason = iota
	AbortDeadlock
	AbortLockOnShrinking
	AbortUpgradeConflict
	AbortIncompatibleUpgrade
	AbortTableLockNotPresent
	// AbortLockSharedOnReadUncommitted is returned when a transaction
	// running at READ_UNCOMMITTED requests S, IS, or SIX: that isolation
	// level never takes shared-family locks, so the request is a
	// protocol violation rather than something to wait out.
	AbortLockSharedOnReadUncommitted
	// AbortAttemptedIntentionLockOnRow is returned when a row lock is
	// requested in an intention mode (IS/IX/SIX); row locks are only
	// ever S or X, intention modes exist for table-granularity locks.
	AbortAttemptedIntentionLockOnRow
	// AbortTableUnlockedBeforeUnlockingRows is returned when a table
	// lock is released while the transaction still holds a row lock
	// under that table, which would let it drop the intention lock that
	// covers rows it still holds.
	AbortTableUnlockedBeforeUnlockingRows
	// AbortAttemptedUnlockButNoLockHeld is returned when a transaction
	// asks to release a resource it does not currently hold.
	AbortAttemptedUnlockButNoLockHeld
)

func (r AbortReason) String() string {
	switch r {
	case AbortDeadlock:
		return "deadlock victim"
	case AbortLockOnShrinking:
		return "lock requested while shrinking"
	case AbortUpgradeConflict:
		return "another transaction is already upgrading this lock"
	case AbortIncompatibleUpgrade:
		return "incompatible lock upgrade requested"
	case AbortTableLockNotPresent:
		return "row lock requested without a covering table intention lock"
	case AbortLockSharedOnReadUncommitted:
		return "shared-family lock requested under read-uncommitted isolation"
	case AbortAttemptedIntentionLockOnRow:
		return "intention lock requested on a row-granularity resource"
	case AbortTableUnlockedBeforeUnlockingRows:
		return "table lock released while row locks are still held beneath it"
	case AbortAttemptedUnlockButNoLockHeld:
		return "unlock requested for a resource not held"
	default:
		return "unknown"
	}
}

// AbortError wraps an AbortReason so callers can errors.As it out.
type AbortError struct {
	TxnID  uint64
	Reason AbortReason
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("lockmanager: txn %d aborted: %s", e.TxnID, e.Reason)
}

var errQueueClosing = errors.New("lockmanager: manager is shutting down")

// compatible reports whether two lock modes can be held concurrently by
// different transactions on the same resource.
func compatible(a, b txn.LockMode) bool {
	matrix := map[txn.LockMode]map[txn.LockMode]bool{
		txn.IntentionShared: {
			txn.IntentionShared: true, txn.IntentionExclusive: true,
			txn.Shared: true, txn.SharedIntentionExclusive: true, txn.Exclusive: false,
		},
		txn.IntentionExclusive: {
			txn.IntentionShared: true, txn.IntentionExclusive: true,
			txn.Shared: false, txn.SharedIntentionExclusive: false, txn.Exclusive: false,
		},
		txn.Shared: {
			txn.IntentionShared: true, txn.IntentionExclusive: false,
			txn.Shared: true, txn.SharedIntentionExclusive: false, txn.Exclusive: false,
		},
		txn.SharedIntentionExclusive: {
			txn.IntentionShared: true, txn.IntentionExclusive: false,
			txn.Shared: false, txn.SharedIntentionExclusive: false, txn.Exclusive: false,
		},
		txn.Exclusive: {
			txn.IntentionShared: false, txn.IntentionExclusive: false,
			txn.Shared: false, txn.SharedIntentionExclusive: false, txn.Exclusive: false,
		},
	}
	return matrix[a][b]
}

// upgradeAllowed reports whether a transaction already holding from may
// request to, per the lock upgrade lattice IS -> [S, X, IX, SIX],
// S/IX -> [X, SIX], SIX -> X.
func upgradeAllowed(from, to txn.LockMode) bool {
	if from == to {
		return true
	}
	switch from {
	case txn.IntentionShared:
		return true // IS upgrades to any stronger mode
	case txn.Shared, txn.IntentionExclusive:
		return to == txn.Exclusive || to == txn.SharedIntentionExclusive
	case txn.SharedIntentionExclusive:
		return to == txn.Exclusive
	default:
		return false
	}
}

type request struct {
	txnID   uint64
	mode    txn.LockMode
	granted bool
	txn     *txn.Transaction
}

type queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requests  []*request
	upgrading uint64 // 0 means no upgrade in progress
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Metrics bundles the counters the lock manager emits.
type Metrics struct {
	Grants    metric.Int64Counter
	Waits     metric.Int64Counter
	Aborts    metric.Int64Counter
	WaitGraph metric.Int64Gauge
}

// NewMetrics registers the lock manager's instruments against meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.Grants, err = meter.Int64Counter("lockmanager_grant_total"); err != nil {
		return nil, err
	}
	if m.Waits, err = meter.Int64Counter("lockmanager_wait_total"); err != nil {
		return nil, err
	}
	if m.Aborts, err = meter.Int64Counter("lockmanager_abort_total"); err != nil {
		return nil, err
	}
	if m.WaitGraph, err = meter.Int64Gauge("lockmanager_wait_graph_edges"); err != nil {
		return nil, err
	}
	return m, nil
}

// Manager grants and releases locks on string-identified resources
// (conventionally "table:<id>" and "table:<id>/row:<id>"), enforcing
// two-phase locking per transaction and running a background cycle
// detector over the wait-for graph.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queue

	// tableLocks tracks, per transaction, which table-level intention
	// mode it holds on each table, so row locks can validate the
	// multi-granularity precondition.
	tableLocksMu sync.Mutex
	tableLocks   map[uint64]map[string]txn.LockMode

	cycleInterval time.Duration
	stop          chan struct{}
	stopped       chan struct{}

	log     *zap.Logger
	metrics *Metrics
}

// New constructs a lock manager. Call Run to start its background
// deadlock detector.
func New(cycleInterval time.Duration, log *zap.Logger, metrics *Metrics) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics, _ = NewMetrics(noop.NewMeterProvider().Meter(""))
	}
	if cycleInterval <= 0 {
		cycleInterval = 50 * time.Millisecond
	}
	return &Manager{
		queues:        make(map[string]*queue),
		tableLocks:    make(map[uint64]map[string]txn.LockMode),
		cycleInterval: cycleInterval,
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
		log:           log.Named("lockmanager"),
		metrics:       metrics,
	}
}

// Run starts the background deadlock detector. It blocks until ctx is
// canceled or Stop is called.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cycleInterval)
	defer ticker.Stop()
	defer close(m.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.runDetectionCycle()
		}
	}
}

// Stop halts the background deadlock detector.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.stopped
}

func (m *Manager) queueFor(resource string) *queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[resource]
	if !ok {
		q = newQueue()
		m.queues[resource] = q
	}
	return q
}

// LockTable acquires mode on a table-granularity resource.
func (m *Manager) LockTable(t *txn.Transaction, mode txn.LockMode, table string) error {
	if err := m.lock(t, mode, "table:"+table); err != nil {
		return err
	}
	m.tableLocksMu.Lock()
	if m.tableLocks[t.ID()] == nil {
		m.tableLocks[t.ID()] = make(map[string]txn.LockMode)
	}
	m.tableLocks[t.ID()][table] = mode
	m.tableLocksMu.Unlock()
	return nil
}

// UnlockTable releases a table-granularity lock. It refuses to do so
// while the transaction still holds any row lock under that table: doing
// otherwise would drop the intention lock that covers rows it still
// holds, defeating multi-granularity locking.
func (m *Manager) UnlockTable(t *txn.Transaction, mode txn.LockMode, table string) error {
	prefix := "table:" + table + "/row:"
	for _, resource := range t.HeldResources() {
		if strings.HasPrefix(resource, prefix) {
			t.SetState(txn.Aborted)
			return &AbortError{TxnID: t.ID(), Reason: AbortTableUnlockedBeforeUnlockingRows}
		}
	}
	if err := m.unlock(t, mode, "table:"+table); err != nil {
		return err
	}
	m.tableLocksMu.Lock()
	delete(m.tableLocks[t.ID()], table)
	m.tableLocksMu.Unlock()
	return nil
}

// LockRow acquires a row-granularity lock (S or X only), after checking
// the transaction holds a compatible table-level intention lock.
func (m *Manager) LockRow(t *txn.Transaction, mode txn.LockMode, table, row string) error {
	if mode != txn.Shared && mode != txn.Exclusive {
		t.SetState(txn.Aborted)
		return &AbortError{TxnID: t.ID(), Reason: AbortAttemptedIntentionLockOnRow}
	}
	m.tableLocksMu.Lock()
	held, ok := m.tableLocks[t.ID()][table]
	m.tableLocksMu.Unlock()
	if !ok {
		t.SetState(txn.Aborted)
		return &AbortError{TxnID: t.ID(), Reason: AbortTableLockNotPresent}
	}
	if mode == txn.Exclusive && held != txn.IntentionExclusive && held != txn.SharedIntentionExclusive && held != txn.Exclusive {
		t.SetState(txn.Aborted)
		return &AbortError{TxnID: t.ID(), Reason: AbortTableLockNotPresent}
	}
	return m.lock(t, mode, "table:"+table+"/row:"+row)
}

// UnlockRow releases a row-granularity lock.
func (m *Manager) UnlockRow(t *txn.Transaction, mode txn.LockMode, table, row string) error {
	return m.unlock(t, mode, "table:"+table+"/row:"+row)
}

// lock is the resource-agnostic grant algorithm shared by LockTable and
// LockRow: it enforces 2PL phase rules, handles upgrades (at most one
// upgrade per queue at a time), and blocks until the mode is compatible
// with every other granted request or the transaction is aborted.
func (m *Manager) lock(t *txn.Transaction, mode txn.LockMode, resource string) error {
	switch t.State() {
	case txn.Growing:
		if t.IsolationLevel() == txn.ReadUncommitted {
			switch mode {
			case txn.Shared, txn.IntentionShared, txn.SharedIntentionExclusive:
				t.SetState(txn.Aborted)
				return &AbortError{TxnID: t.ID(), Reason: AbortLockSharedOnReadUncommitted}
			}
		}
	case txn.Shrinking:
		shrinkingExempt := t.IsolationLevel() == txn.ReadCommitted &&
			(mode == txn.Shared || mode == txn.IntentionShared)
		if !shrinkingExempt {
			t.SetState(txn.Aborted)
			return &AbortError{TxnID: t.ID(), Reason: AbortLockOnShrinking}
		}
	}

	q := m.queueFor(resource)
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, r := range q.requests {
		if r.txnID == t.ID() && r.granted {
			if r.mode == mode {
				return nil
			}
			if !upgradeAllowed(r.mode, mode) {
				t.SetState(txn.Aborted)
				return &AbortError{TxnID: t.ID(), Reason: AbortIncompatibleUpgrade}
			}
			if q.upgrading != 0 && q.upgrading != t.ID() {
				t.SetState(txn.Aborted)
				return &AbortError{TxnID: t.ID(), Reason: AbortUpgradeConflict}
			}
			q.upgrading = t.ID()
			r.granted = false
			r.mode = mode
			for {
				if t.State() == txn.Aborted {
					q.upgrading = 0
					return &AbortError{TxnID: t.ID(), Reason: AbortDeadlock}
				}
				if m.grantable(q, r) {
					r.granted = true
					q.upgrading = 0
					t.RecordLock(resource, mode)
					m.metrics.Grants.Add(context.Background(), 1)
					return nil
				}
				m.metrics.Waits.Add(context.Background(), 1)
				q.cond.Wait()
			}
		}
	}

	req := &request{txnID: t.ID(), mode: mode, txn: t}
	q.requests = append(q.requests, req)
	for {
		if t.State() == txn.Aborted {
			m.removeRequest(q, req)
			return &AbortError{TxnID: t.ID(), Reason: AbortDeadlock}
		}
		if m.grantable(q, req) {
			req.granted = true
			t.RecordLock(resource, mode)
			m.metrics.Grants.Add(context.Background(), 1)
			return nil
		}
		m.metrics.Waits.Add(context.Background(), 1)
		q.cond.Wait()
	}
}

// grantable reports whether req can be granted now: no earlier request
// on the queue may still be waiting (FIFO fairness), and every
// currently-granted request on the queue must be compatible with req's
// mode.
func (m *Manager) grantable(q *queue, req *request) bool {
	for _, r := range q.requests {
		if r == req {
			break
		}
		if !r.granted {
			return false
		}
	}
	for _, r := range q.requests {
		if r == req || r.txnID == req.txnID {
			continue
		}
		if r.granted && !compatible(req.mode, r.mode) {
			return false
		}
	}
	return true
}

func (m *Manager) removeRequest(q *queue, target *request) {
	out := q.requests[:0]
	for _, r := range q.requests {
		if r != target {
			out = append(out, r)
		}
	}
	q.requests = out
}

// unlock releases resource, waking any waiters that may now be
// grantable. Per isolation-level rules, releasing an exclusive lock
// always begins the shrinking phase; releasing a shared lock only does
// so under repeatable-read isolation.
func (m *Manager) unlock(t *txn.Transaction, mode txn.LockMode, resource string) error {
	q := m.queueFor(resource)
	q.mu.Lock()
	found := false
	out := q.requests[:0]
	for _, r := range q.requests {
		if r.txnID == t.ID() && r.granted {
			found = true
			continue
		}
		out = append(out, r)
	}
	q.requests = out
	q.mu.Unlock()
	if !found {
		t.SetState(txn.Aborted)
		return &AbortError{TxnID: t.ID(), Reason: AbortAttemptedUnlockButNoLockHeld}
	}

	t.ForgetLock(resource, mode)
	q.cond.Broadcast()

	if t.State() == txn.Growing {
		sOrX := mode == txn.Shared || mode == txn.Exclusive
		repeatableReadShrinks := t.IsolationLevel() == txn.RepeatableRead && sOrX
		if mode == txn.Exclusive || repeatableReadShrinks {
			t.SetState(txn.Shrinking)
		}
	}
	return nil
}

// Edge is one entry in the wait-for graph: waiter is blocked behind
// holder on some resource.
type Edge struct {
	Waiter uint64
	Holder uint64
}

// GetEdgeList returns the current wait-for graph, built from every
// queue's granted and waiting requests. Exposed for tests and
// introspection, mirroring BusTub's LockManager::GetEdgeList.
func (m *Manager) GetEdgeList() []Edge {
	m.mu.Lock()
	queues := make([]*queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	edgeSet := make(map[Edge]struct{})
	for _, q := range queues {
		q.mu.Lock()
		var granted, waiting []uint64
		for _, r := range q.requests {
			if r.granted {
				granted = append(granted, r.txnID)
			} else {
				waiting = append(waiting, r.txnID)
			}
		}
		q.mu.Unlock()
		for _, w := range waiting {
			for _, h := range granted {
				if w != h {
					edgeSet[Edge{Waiter: w, Holder: h}] = struct{}{}
				}
			}
		}
	}
	edges := make([]Edge, 0, len(edgeSet))
	for e := range edgeSet {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Waiter != edges[j].Waiter {
			return edges[i].Waiter < edges[j].Waiter
		}
		return edges[i].Holder < edges[j].Holder
	})
	return edges
}

// runDetectionCycle builds the wait-for graph, finds a cycle if one
// exists, and aborts the youngest (highest-ID) transaction on it.
func (m *Manager) runDetectionCycle() {
	edges := m.GetEdgeList()
	m.metrics.WaitGraph.Record(context.Background(), int64(len(edges)))
	if len(edges) == 0 {
		return
	}

	graph := make(map[uint64][]uint64)
	txns := make(map[uint64]*txn.Transaction)
	m.mu.Lock()
	for _, q := range m.queues {
		q.mu.Lock()
		for _, r := range q.requests {
			txns[r.txnID] = r.txn
		}
		q.mu.Unlock()
	}
	m.mu.Unlock()
	for _, e := range edges {
		graph[e.Waiter] = append(graph[e.Waiter], e.Holder)
	}
	for w := range graph {
		sort.Slice(graph[w], func(i, j int) bool { return graph[w][i] < graph[w][j] })
	}

	runID := uuid.New().String()
	victim, cycle, found := findCycleVictim(graph)
	if !found {
		return
	}
	m.log.Info("deadlock detected, aborting victim",
		zap.String("scan_id", runID),
		zap.Uint64("victim", victim),
		zap.Uint64s("cycle", cycle))
	m.metrics.Aborts.Add(context.Background(), 1)
	if t, ok := txns[victim]; ok {
		t.SetState(txn.Aborted)
	}
	m.mu.Lock()
	for _, q := range m.queues {
		q.cond.Broadcast()
	}
	m.mu.Unlock()
}

// findCycleVictim runs DFS from every node in ascending order (matching
// BusTub's deterministic traversal) and, on finding a cycle, returns the
// transaction with the largest ID on it as the victim to abort.
func findCycleVictim(graph map[uint64][]uint64) (victim uint64, cycle []uint64, found bool) {
	nodes := make([]uint64, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[uint64]int)
	var path []uint64

	var visit func(uint64) ([]uint64, bool)
	visit = func(n uint64) ([]uint64, bool) {
		color[n] = gray
		path = append(path, n)
		for _, next := range graph[n] {
			switch color[next] {
			case white:
				if c, ok := visit(next); ok {
					return c, true
				}
			case gray:
				for i, p := range path {
					if p == next {
						return append([]uint64{}, path[i:]...), true
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return nil, false
	}

	for _, n := range nodes {
		if color[n] == white {
			if c, ok := visit(n); ok {
				max := c[0]
				for _, id := range c {
					if id > max {
						max = id
					}
				}
				return max, c, true
			}
		}
	}
	return 0, nil, false
}
