/*
Package memindex implements the per-node in-memory write set.

Each node carries two of these indexes: i0 receives live writes, i1 holds
the rotated-out set while a compaction drains it. An index is a balanced
tree keyed by record key (meta fields excluded); each entry is a version
chain sorted by descending LSN, newest first. Only the chain head carries
a clear Dup bit.

The index tracks its version count, byte usage (the planner's memory
pressure signal), and the minimum LSN it holds (the checkpoint and WAL GC
watermark).

Iterators snapshot the tree at construction, so a cursor over i0 is not
invalidated by concurrent inserts; the snapshot is what MVCC wants anyway,
since records above the reader's snapshot LSN are filtered downstream.
*/
package memindex
