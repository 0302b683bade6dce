package engine

// NodeStat describes one node for inspection tooling
type NodeStat struct {
	ID         uint64
	Pages      int
	Keys       uint32
	DupKeys    uint32
	LSNMin     uint64
	LSNMax     uint64
	DiskBytes  uint64
	MemBytes   int
	MemEntries int
	BackupBSN  uint64
}

// StoreStat describes one store for inspection tooling
type StoreStat struct {
	Name    string
	StoreID uint64
	Nodes   []NodeStat
}

// Stat snapshots the store's node set
func (st *Store) Stat() StoreStat {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := StoreStat{Name: st.name, StoreID: st.scheme.StoreID}
	for _, n := range st.nodes {
		out.Nodes = append(out.Nodes, NodeStat{
			ID:         n.ID,
			Pages:      len(n.Index.Pages),
			Keys:       n.Index.Hdr.Keys,
			DupKeys:    n.Index.Hdr.DupKeys,
			LSNMin:     n.Index.Hdr.LSNMin,
			LSNMax:     n.Index.Hdr.LSNMax,
			DiskBytes:  n.Index.Hdr.Total,
			MemBytes:   n.Used(),
			MemEntries: n.I0.Len() + n.I1.Len(),
			BackupBSN:  n.BackupBSN,
		})
	}
	return out
}

// EnvStat describes the environment for inspection tooling
type EnvStat struct {
	Status   string
	LSN      uint64
	WALFiles []uint64
	Stores   []StoreStat
}

// Stat snapshots the environment
func (e *Env) Stat() EnvStat {
	out := EnvStat{
		Status: e.Status().String(),
		LSN:    e.seq.LSN(),
	}
	if e.wal != nil {
		out.WALFiles = e.wal.Files()
	}
	e.mu.Lock()
	stores := make([]*Store, 0, len(e.stores))
	for _, st := range e.stores {
		stores = append(stores, st)
	}
	e.mu.Unlock()
	for _, st := range stores {
		out.Stores = append(out.Stores, st.Stat())
	}
	return out
}
