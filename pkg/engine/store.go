package engine

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/sophia/pkg/iter"
	"github.com/cuemby/sophia/pkg/log"
	"github.com/cuemby/sophia/pkg/memindex"
	"github.com/cuemby/sophia/pkg/metrics"
	"github.com/cuemby/sophia/pkg/mvcc"
	"github.com/cuemby/sophia/pkg/node"
	"github.com/cuemby/sophia/pkg/planner"
	"github.com/cuemby/sophia/pkg/record"
	"github.com/cuemby/sophia/pkg/scheme"
	"github.com/cuemby/sophia/pkg/types"
)

// Store is a named logical database: its scheme, its range-partitioned
// node set, its intent index, and its planner.
type Store struct {
	env    *Env
	name   string
	path   string
	scheme *scheme.Scheme
	logger zerolog.Logger

	// mu guards the node set and the planner
	mu    sync.Mutex
	nodes []*node.Node // ordered by min key
	plan  *planner.Planner

	intents *mvcc.Index

	// commitMu serializes commit critical sections so WAL order equals
	// commit order
	commitMu sync.Mutex

	backupBusy bool
}

func newStore(e *Env, name, dir string, s *scheme.Scheme) *Store {
	return &Store{
		env:     e,
		name:    name,
		path:    dir,
		scheme:  s,
		logger:  log.WithStore(name),
		plan:    planner.New(),
		intents: mvcc.NewIndex(s),
	}
}

// Name returns the store name
func (st *Store) Name() string { return st.name }

// Scheme returns the store's scheme
func (st *Store) Scheme() *scheme.Scheme { return st.scheme }

// writeBootstrapNode persists an empty node so the invariant "every store
// has at least one node" holds from the first open.
func (st *Store) writeBootstrapNode() (*node.Node, error) {
	nsn := st.env.seq.NextNSN()
	path := filepath.Join(st.path, node.DBName(nsn))
	w, err := node.NewWriter(path, st.scheme, st.env.cfg.DirectIOAlign, st.env.cfg.SyncOnCompaction)
	if err != nil {
		return nil, err
	}
	if _, err := w.Close(); err != nil {
		return nil, err
	}
	return node.Open(path, st.scheme, st.env.filter, st.env.cfg.Mmap, nsn, 0)
}

// Tx is a transaction handle bound to one store
type Tx struct {
	store *Store
	inner *mvcc.Tx
}

// VLSN returns the transaction's snapshot LSN
func (tx *Tx) VLSN() uint64 { return tx.inner.VLSN }

// Begin opens a transaction. write selects read-write; read-only
// transactions only pin a snapshot.
func (st *Store) Begin(write bool) (*Tx, error) {
	if err := st.env.writable(); err != nil && write {
		return nil, err
	}
	t := mvcc.ReadOnly
	if write {
		t = mvcc.ReadWrite
	}
	return &Tx{store: st, inner: st.env.txns.Begin(t, 0)}, nil
}

// Set writes a record. A nil tx is an autocommit single statement.
func (st *Store) Set(tx *Tx, values [][]byte) error {
	return st.write(tx, types.FlagNone, values)
}

// Upsert writes a merge operand; the scheme must have an upsert function
// bound.
func (st *Store) Upsert(tx *Tx, values [][]byte) error {
	if st.scheme.Upsert == nil {
		return fmt.Errorf("store %q has no upsert function bound", st.name)
	}
	return st.write(tx, types.FlagUpsert, values)
}

// Delete writes a tombstone for the key
func (st *Store) Delete(tx *Tx, keyValues [][]byte) error {
	key, err := record.BuildKey(st.scheme, keyValues)
	if err != nil {
		return err
	}
	key.SetFlags(types.FlagDelete)
	return st.writeRecord(tx, key)
}

func (st *Store) write(tx *Tx, flags types.Flags, values [][]byte) error {
	rec, err := record.Build(st.scheme, flags, 0, values)
	if err != nil {
		return err
	}
	return st.writeRecord(tx, rec)
}

func (st *Store) writeRecord(tx *Tx, rec record.Record) error {
	if err := st.env.writable(); err != nil {
		return err
	}

	if tx == nil {
		// Single-statement path: autocommit directly when no read-write
		// transaction is live, otherwise run a transient transaction
		// through the full protocol.
		if st.env.txns.Active() == 0 {
			return st.autocommit(rec)
		}
		t, err := st.Begin(true)
		if err != nil {
			return err
		}
		if err := st.env.txns.Set(t.inner, st.intents, rec); err != nil {
			st.env.txns.Rollback(t.inner)
			return err
		}
		return st.Commit(t)
	}

	return st.env.txns.Set(tx.inner, st.intents, rec)
}

// autocommit installs a single record bypassing the MVCC protocol
func (st *Store) autocommit(rec record.Record) error {
	st.commitMu.Lock()
	defer st.commitMu.Unlock()

	rec.SetLSN(st.env.seq.NextLSN())
	lfsn, err := st.env.wal.Append(st.scheme.StoreID, []record.Record{rec})
	if err != nil {
		err = fmt.Errorf("wal append failed: %w", err)
		st.env.malfunction(err)
		return types.ErrMalfunction
	}
	st.install([]record.Record{rec}, lfsn)
	return nil
}

// Commit finalizes a transaction.
//
// A conflict rolls the transaction back and returns ErrConflict; a lock on
// a concurrent uncommitted writer returns ErrLock with the transaction
// still live unless the wait is a deadlock cycle, which is broken by
// rolling back. On success the records are stamped, appended to the WAL,
// and installed into the node indexes inside one critical section.
func (st *Store) Commit(tx *Tx) error {
	if err := st.env.writable(); err != nil {
		return err
	}

	switch st.env.txns.Prepare(tx.inner) {
	case mvcc.StateLock:
		if st.env.txns.Deadlocked(tx.inner) {
			st.env.txns.Rollback(tx.inner)
			metrics.ConflictsTotal.Inc()
			return types.ErrConflict
		}
		return types.ErrLock
	case mvcc.StateRollback:
		st.env.txns.Rollback(tx.inner)
		metrics.ConflictsTotal.Inc()
		return types.ErrConflict
	}

	recs := st.env.txns.Writes(tx.inner)
	if len(recs) == 0 {
		st.env.txns.Commit(tx.inner)
		return nil
	}

	st.commitMu.Lock()
	defer st.commitMu.Unlock()

	for _, rec := range recs {
		rec.SetLSN(st.env.seq.NextLSN())
	}
	lfsn, err := st.env.wal.Append(st.scheme.StoreID, recs)
	if err != nil {
		err = fmt.Errorf("wal append failed: %w", err)
		st.env.malfunction(err)
		st.env.txns.Rollback(tx.inner)
		return types.ErrMalfunction
	}
	st.install(recs, lfsn)
	st.env.txns.Commit(tx.inner)
	return nil
}

// Rollback discards a transaction
func (st *Store) Rollback(tx *Tx) {
	st.env.txns.Rollback(tx.inner)
}

// install routes committed records into their nodes' in-memory indexes
func (st *Store) install(recs []record.Record, lfsn uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, rec := range recs {
		n := st.route(rec)
		n.I0.Insert(rec, lfsn)
	}
}

// route returns the node whose key range covers key. Caller holds st.mu.
func (st *Store) route(key record.Record) *node.Node {
	i := sort.Search(len(st.nodes), func(i int) bool {
		min := st.nodes[i].MinKey()
		return min != nil && record.Compare(st.scheme, min, key) > 0
	}) - 1
	if i < 0 {
		i = 0
	}
	return st.nodes[i]
}

// Get reads the value for a key. With a read-write transaction the
// transaction's own write wins; otherwise the read happens at the
// transaction's snapshot (or the current LSN for a nil tx). The record's
// field values are returned as copies.
func (st *Store) Get(tx *Tx, keyValues [][]byte) ([][]byte, error) {
	key, err := record.BuildKey(st.scheme, keyValues)
	if err != nil {
		return nil, err
	}

	vlsn := st.env.seq.LSN()
	if tx != nil {
		vlsn = tx.inner.VLSN
		rec, ok, gerr := st.env.txns.Get(tx.inner, st.intents, key)
		if gerr != nil {
			return nil, gerr
		}
		if ok {
			if rec == nil {
				return nil, types.ErrNotFound
			}
			if rec.Flags().Has(types.FlagUpsert) {
				// The transaction's own pending upsert folds over the
				// committed state beneath it.
				base, rerr := st.read(key, vlsn)
				if rerr != nil && rerr != types.ErrNotFound {
					return nil, rerr
				}
				var older []record.Record
				if base != nil {
					older = append(older, base)
				}
				folded, ferr := iter.Fold(st.scheme, rec, older)
				if ferr != nil {
					return nil, ferr
				}
				return copyFields(folded.Fields(st.scheme)), nil
			}
			return copyFields(rec.Fields(st.scheme)), nil
		}
	}

	rec, err := st.read(key, vlsn)
	if err != nil {
		return nil, err
	}
	return copyFields(rec.Fields(st.scheme)), nil
}

// read resolves key at snapshot vlsn against one node's three sources
func (st *Store) read(key record.Record, vlsn uint64) (record.Record, error) {
	st.mu.Lock()
	n := st.route(key)
	n.Ref()
	i0 := n.I0.NewIterator(types.OrderEQ, key)
	i1 := n.I1.NewIterator(types.OrderEQ, key)
	st.mu.Unlock()
	defer n.Unref()

	disk := n.NewIterator(types.OrderEQ, key)
	m := iter.NewMerge(st.scheme, types.OrderEQ, i0, i1, disk)
	r := iter.NewRead(st.scheme, m, vlsn)
	if err := r.Err(); err != nil {
		return nil, err
	}
	if derr := disk.Err(); derr != nil {
		st.env.malfunction(derr)
		return nil, types.ErrMalfunction
	}
	if !r.Valid() || record.Compare(st.scheme, r.Record(), key) != 0 {
		return nil, types.ErrNotFound
	}
	out := make(record.Record, len(r.Record()))
	copy(out, r.Record())
	return out, nil
}

func copyFields(views [][]byte) [][]byte {
	out := make([][]byte, len(views))
	for i, v := range views {
		out[i] = append([]byte(nil), v...)
	}
	return out
}

// close shuts the store's nodes. Caller holds the environment lock.
func (st *Store) close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, n := range st.nodes {
		if err := n.Close(); err != nil {
			return err
		}
	}
	metrics.NodesLive.WithLabelValues(st.name).Set(0)
	metrics.MemoryUsedBytes.WithLabelValues(st.name).Set(0)
	return nil
}

// used returns the store's total pending in-memory bytes. Caller holds
// st.mu.
func (st *Store) used() int {
	total := 0
	for _, n := range st.nodes {
		total += n.Used()
	}
	return total
}

// memindexSweep releases the WAL references of a drained index
func (st *Store) memindexSweep(x *memindex.Index) {
	counts := make(map[uint64]int)
	x.Ascend(func(head *memindex.Version) bool {
		for v := head; v != nil; v = v.Next {
			if v.LogFile != 0 {
				counts[v.LogFile]++
			}
		}
		return true
	})
	for lfsn, n := range counts {
		st.env.wal.Sweep(lfsn, n)
	}
}
