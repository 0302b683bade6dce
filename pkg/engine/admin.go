package engine

import (
	"fmt"
	"time"

	"github.com/cuemby/sophia/pkg/events"
	"github.com/cuemby/sophia/pkg/planner"
	"github.com/cuemby/sophia/pkg/types"
)

// Checkpoint drains every store's in-memory writes at or below the
// current LSN into on-disk nodes, synchronously. The target is captured
// at request time; writes landing afterwards stay in memory.
func (e *Env) Checkpoint() error {
	if err := e.writable(); err != nil {
		return err
	}
	target := e.seq.LSN()

	e.mu.Lock()
	stores := make([]*Store, 0, len(e.stores))
	for _, st := range e.stores {
		stores = append(stores, st)
	}
	e.mu.Unlock()

	for _, st := range stores {
		st.mu.Lock()
		st.plan.RequestCheckpoint(target)
		st.mu.Unlock()
		if err := st.drainPlanner(types.TaskCheckpoint); err != nil {
			return err
		}
		e.broker.Publish(events.New(events.EventCheckpointCompleted, st.name,
			fmt.Sprintf("checkpoint to lsn %d", target)))
	}
	return nil
}

// Compact synchronously rewrites every node of the store
func (st *Store) Compact() error {
	st.mu.Lock()
	nodes := append(st.nodes[:0:0], st.nodes...)
	st.mu.Unlock()

	for _, n := range nodes {
		if err := st.runTask(&planner.Task{Kind: types.TaskCompaction, Node: n}); err != nil {
			return err
		}
	}
	return nil
}

// Expire synchronously runs an expire pass over every node of the store
func (st *Store) Expire() error {
	st.mu.Lock()
	nodes := append(st.nodes[:0:0], st.nodes...)
	st.mu.Unlock()

	for _, n := range nodes {
		if err := st.runTask(&planner.Task{Kind: types.TaskExpire, Node: n}); err != nil {
			return err
		}
	}
	return nil
}

// GC synchronously collapses duplicate versions in every node of the store
func (st *Store) GC() error {
	st.mu.Lock()
	nodes := append(st.nodes[:0:0], st.nodes...)
	st.mu.Unlock()

	for _, n := range nodes {
		if err := st.runTask(&planner.Task{Kind: types.TaskGC, Node: n}); err != nil {
			return err
		}
	}
	return nil
}

// runTask executes one task synchronously, honoring the single-task-per-
// node lock.
func (st *Store) runTask(t *planner.Task) error {
	for {
		st.mu.Lock()
		if !t.Node.Locked {
			t.Node.Locked = true
			st.mu.Unlock()
			break
		}
		st.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	return st.env.compact(st, t)
}

// drainPlanner runs planner-selected tasks until the armed checkpoint
// clears. Backup tasks are left to the background scheduler.
func (st *Store) drainPlanner(kind types.TaskKind) error {
	for {
		st.mu.Lock()
		if kind == types.TaskCheckpoint && st.plan.CheckpointActive() == 0 {
			st.mu.Unlock()
			return nil
		}
		in := st.env.plannerInput(st)
		t := st.plan.Plan(in)
		if t == nil || t.Kind == types.TaskBackup {
			st.mu.Unlock()
			return nil
		}
		t.Node.Locked = true
		st.mu.Unlock()

		if err := st.env.runSync(st, t); err != nil {
			return err
		}
	}
}

// runSync executes one task on the calling goroutine
func (e *Env) runSync(st *Store, t *planner.Task) error {
	switch t.Kind {
	case types.TaskCheckpoint, types.TaskCompaction, types.TaskGC, types.TaskExpire:
		return e.compact(st, t)
	case types.TaskNodeGC:
		e.nodeGC(st, t)
	}
	return nil
}
