package planner

import (
	"math"
	"time"

	"github.com/cuemby/sophia/pkg/node"
	"github.com/cuemby/sophia/pkg/types"
)

// Task is one unit of background work selected for a node
type Task struct {
	Kind types.TaskKind
	Node *node.Node

	// TargetLSN bounds a checkpoint drain
	TargetLSN uint64

	// TargetBSN identifies the backup a BACKUP task feeds
	TargetBSN uint64
}

// Input is the store state snapshot a planning pass works from. The caller
// assembles it under the store lock.
type Input struct {
	Nodes []*node.Node
	VLSN  uint64

	// NodeCap is the per-node in-memory byte budget: configured cache
	// divided by node count, capped at the configured node size
	NodeCap int

	// GCThreshold is the duplicate ratio percentage that triggers GC
	GCThreshold int

	// ExpirePeriod of zero disables expire planning
	ExpirePeriod time.Duration
	Now          time.Time

	// BackupInFlight suppresses further backup tasks for the store
	BackupInFlight bool
}

// Planner selects background tasks for one store. It is guarded by the
// store lock.
type Planner struct {
	checkpointLSN uint64 // active checkpoint target, zero when idle
	backupBSN     uint64 // requested backup target, zero when idle
	gcNodes       []*node.Node
}

// New creates a planner
func New() *Planner {
	return &Planner{}
}

// RequestCheckpoint arms a checkpoint drain up to target
func (p *Planner) RequestCheckpoint(target uint64) {
	if target > p.checkpointLSN {
		p.checkpointLSN = target
	}
}

// CheckpointActive returns the armed checkpoint target, zero when idle
func (p *Planner) CheckpointActive() uint64 { return p.checkpointLSN }

// RequestBackup arms a backup pass toward bsn
func (p *Planner) RequestBackup(bsn uint64) {
	if bsn > p.backupBSN {
		p.backupBSN = bsn
	}
}

// BackupActive returns the armed backup target, zero when idle
func (p *Planner) BackupActive() uint64 { return p.backupBSN }

// CancelBackup disarms an in-flight backup request
func (p *Planner) CancelBackup() { p.backupBSN = 0 }

// QueueNodeGC queues a detached node for deferred deletion
func (p *Planner) QueueNodeGC(n *node.Node) {
	p.gcNodes = append(p.gcNodes, n)
}

// PendingNodeGC returns the number of nodes on the deferred-delete list
func (p *Planner) PendingNodeGC() int { return len(p.gcNodes) }

// Plan returns the next task for the store, or nil when nothing is due.
// Locked nodes are skipped and retried on the next poll; at most one task
// runs per node at a time.
func (p *Planner) Plan(in Input) *Task {
	// Deferred deletions first: they cost one unlink and release disk.
	for i, n := range p.gcNodes {
		if n.Refs() == 0 {
			p.gcNodes = append(p.gcNodes[:i], p.gcNodes[i+1:]...)
			return &Task{Kind: types.TaskNodeGC, Node: n}
		}
	}

	// Checkpoint drain: any node still holding records at or below the
	// target. When none remain the checkpoint is complete.
	if p.checkpointLSN != 0 {
		pending := false
		for _, n := range in.Nodes {
			if n.I0.Len() == 0 && n.I1.Len() == 0 {
				continue
			}
			if min := minLSN(n); min <= p.checkpointLSN {
				pending = true
				if n.Locked {
					continue
				}
				return &Task{Kind: types.TaskCheckpoint, Node: n, TargetLSN: p.checkpointLSN}
			}
		}
		if !pending {
			p.checkpointLSN = 0
		}
	}

	// Backup: one node at a time, one in-flight copy per store.
	if p.backupBSN != 0 && !in.BackupInFlight {
		done := true
		for _, n := range in.Nodes {
			if n.BackupBSN >= p.backupBSN {
				continue
			}
			done = false
			if n.Locked {
				continue
			}
			return &Task{Kind: types.TaskBackup, Node: n, TargetBSN: p.backupBSN}
		}
		if done {
			p.backupBSN = 0
		}
	}

	for _, n := range in.Nodes {
		if n.Locked {
			continue
		}

		// Expire: the node's oldest timestamp has aged out.
		if in.ExpirePeriod > 0 && n.Index.Hdr.Keys > 0 && n.Index.Hdr.TSMin != math.MaxUint32 {
			cutoff := in.Now.Add(-in.ExpirePeriod).Unix()
			if cutoff > 0 && int64(n.Index.Hdr.TSMin) <= cutoff {
				return &Task{Kind: types.TaskExpire, Node: n}
			}
		}

		// GC: the duplicate ratio passed the threshold and the duplicates
		// are old enough to collapse.
		if in.GCThreshold > 0 && n.Index.Hdr.Keys > 0 {
			ratio := int(n.Index.Hdr.DupKeys * 100 / n.Index.Hdr.Keys)
			if ratio >= in.GCThreshold && n.Index.Hdr.DupMin <= in.VLSN {
				return &Task{Kind: types.TaskGC, Node: n}
			}
		}

		// Compaction: the in-memory delta outgrew its budget.
		if in.NodeCap > 0 && n.Used() >= in.NodeCap {
			return &Task{Kind: types.TaskCompaction, Node: n}
		}
	}
	return nil
}

// minLSN is the lowest LSN pending in either in-memory index
func minLSN(n *node.Node) uint64 {
	min := n.I0.LSNMin()
	if l := n.I1.LSNMin(); l < min {
		min = l
	}
	return min
}
