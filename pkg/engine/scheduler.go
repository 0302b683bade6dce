package engine

import (
	"time"

	"github.com/cuemby/sophia/pkg/metrics"
	"github.com/cuemby/sophia/pkg/planner"
	"github.com/cuemby/sophia/pkg/types"
)

// schedule is the background planning loop: it polls stores round-robin,
// asks each planner for a task, and hands tasks to the worker pool. One
// task runs per node at a time; the node lock is taken here and released
// by the executor.
func (e *Env) schedule() {
	defer e.schedWG.Done()

	ticker := time.NewTicker(e.cfg.SchedulerInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if e.Status() != types.StatusOnline {
				continue
			}
			e.txns.GC()
			for _, name := range e.Stores() {
				st, err := e.Store(name)
				if err != nil {
					continue
				}
				e.pollStore(st)
			}
			e.finalizeBackup()
		case <-e.stopCh:
			return
		}
	}
}

// pollStore plans and dispatches at most one task per cycle per store
func (e *Env) pollStore(st *Store) {
	st.mu.Lock()
	in := e.plannerInput(st)
	task := st.plan.Plan(in)
	if task != nil {
		task.Node.Locked = true
	}
	metrics.NodesLive.WithLabelValues(st.name).Set(float64(len(st.nodes)))
	metrics.MemoryUsedBytes.WithLabelValues(st.name).Set(float64(st.used()))
	if task != nil && task.Kind == types.TaskBackup {
		st.backupBusy = true
	}
	st.mu.Unlock()

	if task == nil {
		return
	}
	if !e.pool.Submit(func() { e.execute(st, task) }) {
		// Pool saturated; retry on the next poll.
		st.mu.Lock()
		task.Node.Locked = false
		if task.Kind == types.TaskBackup {
			st.backupBusy = false
		}
		st.mu.Unlock()
	}
}

// plannerInput snapshots the store state for planning. Caller holds st.mu.
func (e *Env) plannerInput(st *Store) planner.Input {
	cap := 0
	if n := len(st.nodes); n > 0 {
		cap = int(e.cfg.Cache.Bytes()) / n
		if max := int(e.cfg.NodeSize.Bytes()); cap > max {
			cap = max
		}
	}
	return planner.Input{
		Nodes:          append(st.nodes[:0:0], st.nodes...),
		VLSN:           e.txns.VLSN(),
		NodeCap:        cap,
		GCThreshold:    e.cfg.GCThreshold,
		ExpirePeriod:   e.cfg.ExpirePeriod.Std(),
		Now:            time.Now(),
		BackupInFlight: st.backupBusy,
	}
}

// execute runs one planner task on a worker
func (e *Env) execute(st *Store, t *planner.Task) {
	switch t.Kind {
	case types.TaskCheckpoint, types.TaskCompaction, types.TaskGC, types.TaskExpire:
		if err := e.compact(st, t); err != nil {
			st.logger.Error().Err(err).
				Str("task", t.Kind.String()).
				Uint64("node_id", t.Node.ID).
				Msg("Background task failed")
		}
	case types.TaskBackup:
		e.backupNode(st, t)
	case types.TaskNodeGC:
		e.nodeGC(st, t)
	}
}
