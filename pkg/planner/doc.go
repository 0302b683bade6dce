/*
Package planner selects background work for a store's nodes.

Each store owns one Planner. The scheduler polls stores round-robin and
asks the planner for a task; the planner inspects the node set snapshot
and picks by priority:

	NODEGC      a detached node's refcount drained; unlink it
	CHECKPOINT  a node still holds records at or below the armed target
	BACKUP      a node's backup watermark trails the armed backup
	EXPIRE      a node's oldest timestamp aged past the expire period
	GC          a node's duplicate ratio passed the threshold
	COMPACTION  a node's in-memory delta outgrew its budget

Only one task runs per node at a time: the executor sets the node's lock
flag for the duration, and the planner skips locked nodes, retrying them
on the next poll. Checkpoint and backup requests are level-triggered: they
stay armed until no node matches, then clear themselves.
*/
package planner
