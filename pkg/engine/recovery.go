package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/cuemby/sophia/pkg/events"
	"github.com/cuemby/sophia/pkg/node"
	"github.com/cuemby/sophia/pkg/scheme"
	"github.com/cuemby/sophia/pkg/types"
	"github.com/cuemby/sophia/pkg/wal"
)

// recover walks the repository, reopens every store with crash
// disambiguation, and replays the WAL. Called from Open with the engine in
// the Recover state.
func (e *Env) recover() error {
	entries, err := os.ReadDir(e.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to read repository: %w", err)
	}
	for _, ent := range entries {
		if !ent.IsDir() || ent.Name() == logDir {
			continue
		}
		if err := e.recoverStore(ent.Name()); err != nil {
			return err
		}
	}
	return e.replay()
}

// recoverStore reopens one store directory
func (e *Env) recoverStore(name string) error {
	dir := filepath.Join(e.cfg.Path, name)
	logger := e.logger.With().Str("store", name).Logger()

	s, err := scheme.Load(filepath.Join(dir, schemeFileName))
	if err != nil {
		return fmt.Errorf("store %q: %w", name, err)
	}

	e.mu.Lock()
	if fn, ok := e.upserts[name]; ok {
		s.Upsert = fn
	}
	e.mu.Unlock()

	live, err := disambiguate(dir, logger)
	if err != nil {
		return fmt.Errorf("store %q: %w", name, err)
	}

	st := newStore(e, name, dir, s)
	for _, nsn := range live {
		n, err := node.Open(filepath.Join(dir, node.DBName(nsn)),
			s, e.filter, e.cfg.Mmap, nsn, 0)
		if err != nil {
			return fmt.Errorf("store %q: %w", name, err)
		}
		st.nodes = append(st.nodes, n)
		e.seq.BumpNSN(nsn)
		if n.Index.Hdr.Keys > 0 {
			e.seq.BumpLSN(n.Index.Hdr.LSNMax)
		}
	}
	if len(st.nodes) == 0 {
		boot, err := st.writeBootstrapNode()
		if err != nil {
			return fmt.Errorf("store %q: %w", name, err)
		}
		st.nodes = append(st.nodes, boot)
	}
	sortNodes(st, st.nodes)

	e.mu.Lock()
	e.stores[name] = st
	e.byID[s.StoreID] = st
	e.mu.Unlock()
	e.seq.BumpDSN(s.StoreID)

	e.broker.Publish(events.New(events.EventStoreOnline, name, "store recovered"))
	logger.Info().Int("nodes", len(st.nodes)).Msg("Store recovered")
	return nil
}

// childState tracks what survived of one interrupted compaction
type childState struct {
	incomplete []string
	seals      []string
	sealNSNs   []uint64
}

// disambiguate applies the crash protocol to a store directory and
// returns the NSNs of the live nodes.
//
// Rules, per parent: incomplete and seal children together mean the
// compaction died mid-write — delete all children, keep the parent; only
// incomplete means the same but earlier — delete them; only seal means
// the compaction reached its durable commit point — promote every seal to
// a live node (the parent, already retired or about to be, is deleted if
// still present). A .gc file is a deferred deletion that survived the
// crash and is unlinked outright.
func disambiguate(dir string, logger zerolog.Logger) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	liveSet := make(map[uint64]bool)
	children := make(map[uint64]*childState)

	for _, ent := range entries {
		if ent.IsDir() || ent.Name() == schemeFileName {
			continue
		}
		fi, ok := node.ParseName(ent.Name())
		if !ok {
			continue
		}
		switch fi.Suffix {
		case node.SuffixGC:
			// A deferred deletion that survived a crash.
			if err := os.Remove(filepath.Join(dir, ent.Name())); err != nil {
				return nil, fmt.Errorf("failed to unlink %s: %w", ent.Name(), err)
			}
			logger.Info().Str("file", ent.Name()).Msg("Removed leftover gc file")
		case node.SuffixIncomplete:
			c := children[fi.Parent]
			if c == nil {
				c = &childState{}
				children[fi.Parent] = c
			}
			c.incomplete = append(c.incomplete, ent.Name())
		case node.SuffixSeal:
			c := children[fi.Parent]
			if c == nil {
				c = &childState{}
				children[fi.Parent] = c
			}
			c.seals = append(c.seals, ent.Name())
			c.sealNSNs = append(c.sealNSNs, fi.NSN)
		case node.SuffixDB:
			if fi.Parent != 0 {
				return nil, fmt.Errorf("%w: unexpected node file %s", types.ErrCorrupted, ent.Name())
			}
			liveSet[fi.NSN] = true
		}
	}

	for parent, c := range children {
		switch {
		case len(c.incomplete) > 0:
			// Interrupted before the durable commit point; the parent
			// stays authoritative. Sealed siblings are discarded with the
			// incompletes.
			if !liveSet[parent] {
				return nil, fmt.Errorf("%w: compaction children of %020d without a parent", types.ErrCorrupted, parent)
			}
			for _, f := range append(append([]string{}, c.incomplete...), c.seals...) {
				if err := os.Remove(filepath.Join(dir, f)); err != nil {
					return nil, fmt.Errorf("failed to unlink %s: %w", f, err)
				}
				logger.Info().Str("file", f).Msg("Discarded interrupted compaction output")
			}
		case len(c.seals) > 0:
			// All outputs sealed: the compaction committed. Promote the
			// seals and retire the parent if the crash beat its rename.
			for i, f := range c.seals {
				nsn := c.sealNSNs[i]
				if err := node.Rename(dir, f, node.DBName(nsn)); err != nil {
					return nil, err
				}
				liveSet[nsn] = true
				logger.Info().Str("file", f).Msg("Promoted sealed node")
			}
			if liveSet[parent] {
				if err := os.Remove(filepath.Join(dir, node.DBName(parent))); err != nil {
					return nil, fmt.Errorf("failed to unlink replaced node: %w", err)
				}
				delete(liveSet, parent)
				logger.Info().Uint64("node_id", parent).Msg("Removed replaced parent node")
			}
		}
	}

	live := make([]uint64, 0, len(liveSet))
	for nsn := range liveSet {
		live = append(live, nsn)
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })
	return live, nil
}

// replay feeds the WAL back through the single-statement install path.
// Records already absorbed by a prior compaction — their LSN at or below
// the destination node's on-disk ceiling — are filtered.
func (e *Env) replay() error {
	installed := make(map[uint64]int)

	err := e.wal.Replay(func(b wal.Batch) error {
		e.mu.Lock()
		st := e.byID[b.StoreID]
		e.mu.Unlock()
		if st == nil {
			return fmt.Errorf("%w: log references unknown store %d", types.ErrCorrupted, b.StoreID)
		}

		st.mu.Lock()
		for _, rec := range b.Records {
			n := st.route(rec)
			if n.Index.Hdr.Keys > 0 && rec.LSN() <= n.Index.Hdr.LSNMax {
				continue
			}
			n.I0.Insert(rec, b.LFSN)
			installed[b.LFSN]++
			e.seq.BumpLSN(rec.LSN())
		}
		st.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	for lfsn, n := range installed {
		e.wal.Mark(lfsn, n)
	}
	return nil
}
