/*
Package node manages one range partition of a store.

A node owns an immutable on-disk file of sorted pages (package page defines
the format), the page index loaded into memory, and two in-memory delta
indexes: i0 receives live writes, i1 holds the set rotated out for an
in-flight compaction. Readers pin a node with an atomic refcount so the
store can swap its node tree without invalidating open cursors; a node
queued for deletion is unlinked only once its refcount drains to zero.

# Lifecycle

	created (recovery or split)
	   │
	   ▼
	 LIVE ──► LOCKED (planner task in flight) ──► SPLIT or LIVE
	   │
	   ▼
	 GC list ──► unlinked at refcount zero

# File naming

The compaction crash protocol is encoded in suffixes:

	{nsn:020}.db                          live node
	{parent:020}.{nsn:020}.db.incomplete  compaction output being written
	{parent:020}.{nsn:020}.db.seal        complete but unpublished
	{nsn:020}.db.gc                       deferred deletion

Recovery disambiguates an interrupted compaction purely from which of these
exist for a given parent.
*/
package node
