/*
Package iter provides the ordered merge combinators every read and
compaction path is built from.

Merge performs an N-way ordered merge over record sources with an
LSN-descending tie-break, so the versions of one key always stream
newest-first regardless of how they are scattered across in-memory
indexes and on-disk pages.

Read wraps a merge with MVCC visibility for queries: snapshot filtering,
upsert folding, tombstone suppression. Write wraps a merge with the
compaction garbage rules: it keeps everything active readers can still
see, collapses what they cannot, and drops expired records.

Both wrappers share the upsert fold: operands accumulate newest-first
until a non-upsert base version (or the chain end, which supplies a nil
synthetic base), then apply oldest-first through the scheme's bound merge
function.
*/
package iter
