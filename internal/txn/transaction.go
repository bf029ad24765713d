// Package txn defines the transaction handle the lock manager uses to
// enforce two-phase locking and isolation levels. It does not implement
// commit/abort durability or undo logging; both are out of scope.
package txn

import "sync"

// State is a transaction's position in the two-phase locking protocol.
type State int

const (
	// Growing is the phase during which a transaction may acquire new
	// locks but must not release any.
	Growing State = iota
	// Shrinking is the phase during which a transaction may release
	// locks but must not acquire new ones (except that the lock manager
	// still grants S and IS locks to READ_COMMITTED transactions).
	Shrinking
	// Committed marks a transaction that completed normally.
	Committed
	// Aborted marks a transaction that was rolled back, whether by its
	// own request or as a deadlock victim.
	Aborted
)

func (s State) String() string {
	switch s {
	case Growing:
		return "GROWING"
	case Shrinking:
		return "SHRINKING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// IsolationLevel selects which anomalies two-phase locking is allowed to
// permit, per the lock manager's exemptions for shared locks.
type IsolationLevel int

const (
	// ReadUncommitted never acquires shared locks and allows reading
	// uncommitted writes from other transactions.
	ReadUncommitted IsolationLevel = iota
	// ReadCommitted releases shared locks immediately after a read
	// rather than holding them until commit.
	ReadCommitted
	// RepeatableRead holds every lock until commit or abort under
	// strict two-phase locking.
	RepeatableRead
)

// LockMode is one of the five lock modes the hierarchical lock manager
// grants: intention locks let a transaction declare, at a coarse
// granularity, that it holds or intends to hold finer-grained locks
// beneath it.
type LockMode int

const (
	Shared LockMode = iota
	Exclusive
	IntentionShared
	IntentionExclusive
	SharedIntentionExclusive
)

func (m LockMode) String() string {
	switch m {
	case Shared:
		return "S"
	case Exclusive:
		return "X"
	case IntentionShared:
		return "IS"
	case IntentionExclusive:
		return "IX"
	case SharedIntentionExclusive:
		return "SIX"
	default:
		return "?"
	}
}

// Transaction is a single client's unit of work against the lock
// manager. Its ID breaks deadlock-detection ties: the detector always
// aborts the transaction with the largest ID on a cycle.
type Transaction struct {
	mu sync.Mutex

	id             uint64
	isolation      IsolationLevel
	state          State
	sharedLocks    map[string]struct{}
	exclusiveLocks map[string]struct{}
	intentionLocks map[string]LockMode
}

// New creates a transaction in the Growing state.
func New(id uint64, isolation IsolationLevel) *Transaction {
	return &Transaction{
		id:             id,
		isolation:      isolation,
		state:          Growing,
		sharedLocks:    make(map[string]struct{}),
		exclusiveLocks: make(map[string]struct{}),
		intentionLocks: make(map[string]LockMode),
	}
}

// ID returns the transaction's identifier.
func (t *Transaction) ID() uint64 { return t.id }

// IsolationLevel returns the transaction's configured isolation level.
func (t *Transaction) IsolationLevel() IsolationLevel { return t.isolation }

// State returns the transaction's current 2PL phase.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions the transaction to a new phase.
func (t *Transaction) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// RecordLock notes that the transaction now holds mode on resource, so
// HeldResources can report it (the lock manager's UnlockTable uses that
// to find row locks still held under a table).
func (t *Transaction) RecordLock(resource string, mode LockMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch mode {
	case Shared:
		t.sharedLocks[resource] = struct{}{}
	case Exclusive:
		t.exclusiveLocks[resource] = struct{}{}
	default:
		t.intentionLocks[resource] = mode
	}
}

// ForgetLock removes bookkeeping for a released lock.
func (t *Transaction) ForgetLock(resource string, mode LockMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch mode {
	case Shared:
		delete(t.sharedLocks, resource)
	case Exclusive:
		delete(t.exclusiveLocks, resource)
	default:
		delete(t.intentionLocks, resource)
	}
}

// HeldResources returns every resource this transaction currently holds
// any lock on.
func (t *Transaction) HeldResources() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]struct{})
	for r := range t.sharedLocks {
		seen[r] = struct{}{}
	}
	for r := range t.exclusiveLocks {
		seen[r] = struct{}{}
	}
	for r := range t.intentionLocks {
		seen[r] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	return out
}
