/*
Package engine glues the storage subsystems into the Sophia environment:
the public façade an embedding application opens, writes through, and
queries.

# Architecture

	┌───────────────────────── Env ─────────────────────────────┐
	│                                                            │
	│  Store "a"          Store "b"            shared machinery  │
	│  ┌──────────────┐   ┌──────────────┐    ┌──────────────┐  │
	│  │ node set     │   │ node set     │    │ sequencer    │  │
	│  │ (min-key     │   │              │    │ mvcc manager │  │
	│  │  ordered)    │   │              │    │ WAL          │  │
	│  │ intent index │   │              │    │ worker pool  │  │
	│  │ planner      │   │              │    │ scheduler    │  │
	│  └──────────────┘   └──────────────┘    │ event broker │  │
	│                                          └──────────────┘  │
	└────────────────────────────────────────────────────────────┘

A write flows client → transaction → intent → commit → WAL append →
destination node's in-memory index. A read merges the transaction's own
writes, every node's two in-memory indexes, and the on-disk pages at the
transaction's snapshot LSN. Compaction rotates a node's in-memory index,
merges it with the node's pages, splits the stream into one or more new
nodes, and swaps them in under the store lock.

# Lifecycle

	env, _ := engine.New(cfg)
	env.BindUpsert("counters", mergeFn)   // before Open, for recovered stores
	if err := env.Open(); err != nil { ... }
	defer env.Close()

	st, _ := env.CreateStore("orders", sch)
	tx, _ := st.Begin(true)
	st.Set(tx, values)
	if err := st.Commit(tx); err == types.ErrLock {
		// concurrent writer; retry or roll back
	}

Open recovers the repository: interrupted compactions are disambiguated
through the .incomplete/.seal/.gc suffix protocol, sequencers are bumped
past everything found on disk, and the WAL is replayed through the
single-statement install path.

# Commit outcomes

Commit returns nil on success, types.ErrConflict when a concurrent
transaction committed a newer version of a key in the write set (the
transaction is already rolled back), types.ErrLock when a key is held by
an uncommitted writer (the transaction is still live; retry or roll
back), and types.ErrMalfunction when the engine entered its degraded
state. Deadlocked waiters are detected and broken as conflicts.
*/
package engine
