package mvcc

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/btree"

	"github.com/cuemby/sophia/pkg/metrics"
	"github.com/cuemby/sophia/pkg/record"
	"github.com/cuemby/sophia/pkg/scheme"
	"github.com/cuemby/sophia/pkg/sequence"
	"github.com/cuemby/sophia/pkg/types"
)

// Uncommitted is the CSN an intent carries until its transaction commits
const Uncommitted = math.MaxUint64

// Type distinguishes read-only from read-write transactions
type Type uint8

const (
	ReadOnly Type = iota
	ReadWrite
)

// State is the transaction lifecycle state
type State uint8

const (
	StateReady State = iota
	StateLock
	StatePrepare
	StateCommit
	StateRollback
	StateUndef
)

// Intent is one transaction's pending write at a key. Intents of one key
// form a doubly-linked chain ordered oldest to newest; prev points toward
// the chain head.
type Intent struct {
	Tx  *Tx
	Rec record.Record

	// CSN is Uncommitted until the owning transaction commits
	CSN uint64

	// Abort is set by a committing writer on concurrent read intents
	Abort bool

	prev, next *Intent
	chain      *chain
}

// Get reports whether the intent is a read placeholder
func (v *Intent) Get() bool { return v.Rec.Flags().Has(types.FlagGet) }

// chain is the per-key intent list
type chain struct {
	idx        *Index
	key        record.Record
	head, tail *Intent
}

// Index is a store's concurrent intent index, keyed by record key
type Index struct {
	Scheme *scheme.Scheme
	tree   *btree.BTreeG[*chain]
}

// NewIndex creates an intent index for a store
func NewIndex(s *scheme.Scheme) *Index {
	return &Index{
		Scheme: s,
		tree: btree.NewG(16, func(a, b *chain) bool {
			return record.Compare(s, a.key, b.key) < 0
		}),
	}
}

// Tx is one transaction: its snapshot, its write-intent log, and its
// lifecycle state. All fields are guarded by the manager lock.
type Tx struct {
	ID    uint64 // TSN
	Type  Type
	State State

	// VLSN is the snapshot: versions above it are invisible
	VLSN uint64

	// CSN is the manager commit counter captured at begin; Commit stamps a
	// fresh value on the intents and leaves this field unchanged
	CSN uint64

	log []*Intent
}

// Manager is the per-environment transaction manager
type Manager struct {
	mu  sync.Mutex
	seq *sequence.Sequencer
	csn uint64
	txs map[uint64]*Tx
	gc  []*Intent // committed intents pending release
}

// New creates a transaction manager
func New(seq *sequence.Sequencer) *Manager {
	return &Manager{seq: seq, txs: make(map[uint64]*Tx)}
}

// Begin opens a transaction. vlsnOverride pins the snapshot explicitly
// (recovery replay); zero snapshots the current sequencer LSN.
func (m *Manager) Begin(t Type, vlsnOverride uint64) *Tx {
	m.mu.Lock()
	defer m.mu.Unlock()

	vlsn := vlsnOverride
	if vlsn == 0 {
		vlsn = m.seq.LSN()
	}
	tx := &Tx{
		ID:    m.seq.NextTSN(),
		Type:  t,
		State: StateReady,
		VLSN:  vlsn,
		CSN:   m.csn,
	}
	m.txs[tx.ID] = tx
	metrics.TransactionsActive.Inc()
	return tx
}

// Active returns the number of live read-write transactions
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, tx := range m.txs {
		if tx.Type == ReadWrite {
			n++
		}
	}
	return n
}

// VLSN returns the visible-LSN floor: the oldest snapshot any active
// transaction can read, falling back to the current LSN. The compactor
// treats versions at or below it as collapsible.
func (m *Manager) VLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	min := m.seq.LSN()
	for _, tx := range m.txs {
		if tx.VLSN < min {
			min = tx.VLSN
		}
	}
	return min
}

// find locates the chain for key, or nil
func (x *Index) find(key record.Record) *chain {
	c, ok := x.tree.Get(&chain{key: key})
	if !ok {
		return nil
	}
	return c
}

// Set installs a write intent for rec. A transaction's second write to the
// same key replaces its intent in place, except that an upsert never
// overwrites a prior intent: chains of upserts within one transaction are
// not supported, and the write is rejected.
func (m *Manager) Set(tx *Tx, x *Index, rec record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.Type == ReadOnly {
		return types.ErrReadonly
	}
	if tx.State != StateReady {
		return fmt.Errorf("transaction %d is not active", tx.ID)
	}
	if rec.Flags().Has(types.FlagUpsert) && x.Scheme.Upsert == nil {
		return fmt.Errorf("store scheme has no upsert function bound")
	}

	c := x.find(rec)
	if c == nil {
		c = &chain{idx: x, key: rec.Comparable(x.Scheme)}
		x.tree.ReplaceOrInsert(c)
	}

	for v := c.head; v != nil; v = v.next {
		if v.Tx != tx {
			continue
		}
		// Same transaction wrote this key before: replace in place.
		if rec.Flags().Has(types.FlagUpsert) && !v.Get() {
			return fmt.Errorf("upsert cannot replace a prior write of the same transaction")
		}
		v.Rec = rec
		return nil
	}

	v := &Intent{Tx: tx, Rec: rec, CSN: Uncommitted, chain: c}
	c.append(v)
	tx.log = append(tx.log, v)
	return nil
}

// Get resolves key against the transaction's own writes. When the
// transaction wrote the key, the write is returned directly (ok=true with
// a nil record for a tombstone). Otherwise a read placeholder is installed
// at the chain tail for commit-time validation and ok=false tells the
// caller to read the store at the transaction's snapshot.
func (m *Manager) Get(tx *Tx, x *Index, key record.Record) (record.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.State != StateReady {
		return nil, false, fmt.Errorf("transaction %d is not active", tx.ID)
	}

	c := x.find(key)
	if c != nil {
		for v := c.head; v != nil; v = v.next {
			if v.Tx == tx && !v.Get() {
				if v.Rec.Flags().Has(types.FlagDelete) {
					return nil, true, nil
				}
				return v.Rec, true, nil
			}
		}
	}

	// Read-write transactions leave a read intent so a concurrent
	// committed writer is detected at prepare.
	if tx.Type == ReadWrite {
		if c == nil {
			c = &chain{idx: x, key: key.Comparable(x.Scheme)}
			x.tree.ReplaceOrInsert(c)
		}
		already := false
		for v := c.head; v != nil; v = v.next {
			if v.Tx == tx {
				already = true
				break
			}
		}
		if !already {
			v := &Intent{Tx: tx, Rec: c.key, CSN: Uncommitted, chain: c}
			c.append(v)
			tx.log = append(tx.log, v)
		}
	}
	return nil, false, nil
}

func (c *chain) append(v *Intent) {
	if c.tail == nil {
		c.head, c.tail = v, v
		return
	}
	v.prev = c.tail
	c.tail.next = v
	c.tail = v
}

func (c *chain) unlink(v *Intent) {
	if v.prev != nil {
		v.prev.next = v.next
	} else {
		c.head = v.next
	}
	if v.next != nil {
		v.next.prev = v.prev
	} else {
		c.tail = v.prev
	}
	v.prev, v.next = nil, nil
	v.chain = nil
	if c.head == nil && c.idx != nil {
		c.idx.tree.Delete(c)
	}
}

// Prepare runs conflict detection over the transaction's intent log.
//
// For every intent: an abort mark is a rollback; a chain-head intent
// proceeds; an uncommitted predecessor is a lock; a predecessor committed
// after this transaction began is a write-write conflict. Committed read
// intents of transactions that began no later than this one do not block
// writers and are skipped while walking toward the head.
func (m *Manager) Prepare(tx *Tx) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prepareLocked(tx)
}

func (m *Manager) prepareLocked(tx *Tx) State {
	for _, v := range tx.log {
		if v.Abort {
			return StateRollback
		}
		p := v.prev
		// Committed read intents from snapshots no newer than ours never
		// conflict with a writer.
		for p != nil && p.Get() && p.CSN != Uncommitted && p.Tx.CSN <= tx.CSN {
			p = p.prev
		}
		if p == nil {
			continue
		}
		if p.CSN == Uncommitted {
			return StateLock
		}
		if p.CSN > tx.CSN {
			return StateRollback
		}
	}
	return StatePrepare
}

// Commit finalizes a prepared transaction: it assigns a fresh CSN, stamps
// every intent, aborts concurrent readers still suspended on those keys,
// and unlinks the superseded predecessors. Read intents join the GC list
// so transactions that began before this commit can still observe them.
//
// The caller orders Commit after the WAL append; both happen inside the
// store's commit critical section.
func (m *Manager) Commit(tx *Tx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.csn++
	csn := m.csn
	for _, v := range tx.log {
		v.CSN = csn
		if !v.Get() {
			// Readers still suspended on this key observe a newer
			// committed writer and must not commit.
			for w := v.chain.head; w != nil; w = w.next {
				if w.Tx != tx && w.Get() && w.CSN == Uncommitted {
					w.Abort = true
				}
			}
			// Committed predecessors are superseded by this commit.
			// Uncommitted ones belong to live transactions and stay: they
			// are what a later prepare detects conflicts against.
			for p := v.prev; p != nil; {
				older := p.prev
				if p.CSN != Uncommitted && p.chain != nil {
					p.chain.unlink(p)
				}
				p = older
			}
		}
		// Committed intents, read and write alike, stay visible to
		// transactions that began before this commit; the GC pass
		// releases them once the begin floor passes our CSN.
		m.gc = append(m.gc, v)
	}
	tx.State = StateCommit
	delete(m.txs, tx.ID)
	metrics.TransactionsActive.Dec()
	metrics.CommitsTotal.Inc()
}

// Rollback unlinks every intent and unregisters the transaction
func (m *Manager) Rollback(tx *Tx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range tx.log {
		if v.chain != nil {
			v.chain.unlink(v)
		}
	}
	tx.log = nil
	tx.State = StateRollback
	delete(m.txs, tx.ID)
	metrics.TransactionsActive.Dec()
	metrics.RollbacksTotal.Inc()
}

// GC releases committed intents no concurrent transaction can still
// observe: those whose commit CSN is at or below the begin CSN of every
// active transaction. The planner calls this on its poll cycle.
func (m *Manager) GC() {
	m.mu.Lock()
	defer m.mu.Unlock()

	floor := m.csn
	for _, tx := range m.txs {
		if tx.CSN < floor {
			floor = tx.CSN
		}
	}
	kept := m.gc[:0]
	for _, v := range m.gc {
		if v.CSN > floor {
			kept = append(kept, v)
			continue
		}
		if v.chain != nil {
			v.chain.unlink(v)
		}
	}
	m.gc = kept
}

// Deadlocked reports whether tx participates in a wait cycle: a DFS from
// the transaction through intent predecessors to their owning
// transactions and onward. Used to break commit livelocks.
func (m *Manager) Deadlocked(tx *Tx) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.walk(tx, tx, make(map[uint64]bool))
}

func (m *Manager) walk(focal, cur *Tx, seen map[uint64]bool) bool {
	if seen[cur.ID] {
		return false
	}
	seen[cur.ID] = true
	for _, v := range cur.log {
		p := v.prev
		for p != nil {
			if p.CSN == Uncommitted && p.Tx != cur {
				if p.Tx == focal {
					return true
				}
				if m.walk(focal, p.Tx, seen) {
					return true
				}
			}
			p = p.prev
		}
	}
	return false
}
