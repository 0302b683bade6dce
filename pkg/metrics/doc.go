/*
Package metrics provides Prometheus instrumentation for the Sophia engine.

Collectors are package-level vars with the sophia_ prefix, registered once
via Register(). The engine exposes them through Handler() when the embedding
application mounts a /metrics endpoint; nothing here starts a server.

# Collector groups

Transactions: commits, rollbacks, conflict aborts, and the live-transaction
gauge maintained by the MVCC manager.

WAL: append and rotation counters plus the live-file gauge; GC unlinks are
counted separately so retention problems show up as a widening gap between
rotations and GC.

Compaction: per-kind counters and a duration histogram labelled with the
planner task kind (checkpoint, compaction, gc, expire, backup).

Stores: live node count and pending in-memory bytes per store, updated by the
planner on every poll.

# Usage

	metrics.Register()
	http.Handle("/metrics", metrics.Handler())

	timer := metrics.NewTimer()
	// ... run compaction ...
	timer.ObserveDuration(metrics.CompactionDuration.WithLabelValues("compaction"))
	metrics.CompactionsTotal.WithLabelValues("compaction").Inc()
*/
package metrics
