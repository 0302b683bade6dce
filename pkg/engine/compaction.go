package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/sophia/pkg/events"
	"github.com/cuemby/sophia/pkg/iter"
	"github.com/cuemby/sophia/pkg/memindex"
	"github.com/cuemby/sophia/pkg/metrics"
	"github.com/cuemby/sophia/pkg/node"
	"github.com/cuemby/sophia/pkg/page"
	"github.com/cuemby/sophia/pkg/planner"
	"github.com/cuemby/sophia/pkg/record"
	"github.com/cuemby/sophia/pkg/types"
)

// sealed is one compaction output: a complete node file awaiting
// publication
type sealed struct {
	nsn  uint64
	path string
}

// compact rebuilds one node: the rotated in-memory delta is merged with
// the on-disk pages into a stream of new nodes, which atomically replace
// the old one. Checkpoint, compaction, GC, and expire tasks all run this
// pipeline; they differ only in their trigger.
func (e *Env) compact(st *Store, t *planner.Task) error {
	n := t.Node
	timer := metrics.NewTimer()
	kind := t.Kind.String()

	st.mu.Lock()
	i1 := n.Rotate()
	st.mu.Unlock()
	vlsn := e.txns.VLSN()

	mem := i1.NewIterator(types.OrderGTE, nil)
	disk := n.NewIterator(types.OrderGTE, nil)
	m := iter.NewMerge(st.scheme, types.OrderGTE, mem, disk)

	var expire uint32
	if e.cfg.ExpirePeriod > 0 {
		expire = uint32(e.cfg.ExpirePeriod.Std() / time.Second)
	}
	w := iter.NewWrite(st.scheme, m, vlsn, uint32(time.Now().Unix()), expire)

	seals, err := e.writeStream(st, n, w)
	if err == nil {
		err = w.Err()
	}
	if err == nil {
		err = disk.Err()
	}
	if err != nil {
		for _, s := range seals {
			os.Remove(s.path)
		}
		e.malfunction(fmt.Errorf("compaction of node %020d failed: %w", n.ID, err))
		return err
	}

	// Empty result on a single-node store: synthesize a bootstrap node so
	// the store keeps its one-node invariant.
	st.mu.Lock()
	needBootstrap := len(seals) == 0 && len(st.nodes) == 1
	st.mu.Unlock()
	if needBootstrap {
		nsn := e.seq.NextNSN()
		path := filepath.Join(st.path, node.SealName(n.ID, nsn))
		bw, werr := node.NewWriter(path, st.scheme, e.cfg.DirectIOAlign, e.cfg.SyncOnCompaction)
		if werr == nil {
			_, werr = bw.Close()
		}
		if werr != nil {
			e.malfunction(fmt.Errorf("bootstrap node for %020d failed: %w", n.ID, werr))
			return werr
		}
		seals = append(seals, sealed{nsn: nsn, path: path})
	}

	if err := e.publish(st, n, seals, i1); err != nil {
		e.malfunction(err)
		return err
	}

	timer.ObserveDuration(metrics.CompactionDuration.WithLabelValues(kind))
	metrics.CompactionsTotal.WithLabelValues(kind).Inc()
	if len(seals) > 1 {
		metrics.NodeSplitsTotal.Inc()
		e.broker.Publish(events.New(events.EventNodeSplit, st.name,
			fmt.Sprintf("node %020d split into %d", n.ID, len(seals))))
	}
	e.broker.Publish(events.New(events.EventCompactionCompleted, st.name,
		fmt.Sprintf("%s of node %020d", kind, n.ID)))
	return nil
}

// writeStream drains the write iterator into sealed node files, cutting
// pages at the page-size threshold and nodes at the node-size threshold.
func (e *Env) writeStream(st *Store, parent *node.Node, w *iter.Write) ([]sealed, error) {
	var (
		seals    []sealed
		writer   *node.Writer
		nsn      uint64
		incName  string
		pb       = page.NewBuilder(st.scheme, e.filter)
		first    record.Record
		last     record.Record
		pageSize = int(e.cfg.PageSize.Bytes())
		nodeSize = uint64(e.cfg.NodeSize.Bytes())
	)

	flushPage := func() error {
		if pb.Count() == 0 {
			return nil
		}
		enc, hdr, err := pb.Finish()
		if err != nil {
			return err
		}
		if err := writer.WritePage(enc, hdr, first, last, pb.MaxRecord()); err != nil {
			return err
		}
		pb.Reset()
		first, last = nil, nil
		return nil
	}

	sealNode := func() error {
		if writer == nil {
			return nil
		}
		if err := flushPage(); err != nil {
			return err
		}
		if _, err := writer.Close(); err != nil {
			return err
		}
		sealName := node.SealName(parent.ID, nsn)
		if err := node.Rename(st.path, incName, sealName); err != nil {
			return err
		}
		seals = append(seals, sealed{nsn: nsn, path: filepath.Join(st.path, sealName)})
		writer = nil
		return nil
	}

	var prev record.Record
	for ; w.Valid(); w.Next() {
		rec := w.Record()

		// Pages and nodes cut only at key boundaries so a version chain
		// never spans them.
		newKey := prev == nil || record.Compare(st.scheme, prev, rec) != 0
		if writer != nil && newKey && pb.Size() >= pageSize {
			if err := flushPage(); err != nil {
				writer.Abort()
				return seals, err
			}
			if writer.Total() >= nodeSize {
				if err := sealNode(); err != nil {
					return seals, err
				}
			}
		}

		if writer == nil {
			nsn = e.seq.NextNSN()
			incName = node.IncompleteName(parent.ID, nsn)
			var err error
			writer, err = node.NewWriter(filepath.Join(st.path, incName),
				st.scheme, e.cfg.DirectIOAlign, e.cfg.SyncOnCompaction)
			if err != nil {
				return seals, err
			}
		}

		if pb.Count() == 0 {
			first = rec
		}
		if err := pb.Add(rec); err != nil {
			writer.Abort()
			return seals, err
		}
		last = rec
		prev = rec
	}
	if writer != nil {
		if err := sealNode(); err != nil {
			return seals, err
		}
	}
	return seals, nil
}

// publish atomically replaces the old node with the sealed replacements:
// the old file moves to its GC name, the seals become live .db files, the
// writes that landed in the old node's fresh i0 during the merge are
// redistributed by key range, and the store's node set is swapped.
func (e *Env) publish(st *Store, old *node.Node, seals []sealed, drained *memindex.Index) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	gcName := node.GCName(old.ID)
	if err := os.Rename(old.Path, filepath.Join(st.path, gcName)); err != nil {
		return fmt.Errorf("failed to retire node %020d: %w", old.ID, err)
	}
	old.Path = filepath.Join(st.path, gcName)
	old.GC = true

	replacements := make([]*node.Node, 0, len(seals))
	for _, s := range seals {
		dbName := node.DBName(s.nsn)
		if err := node.Rename(st.path, filepath.Base(s.path), dbName); err != nil {
			return err
		}
		nn, err := node.Open(filepath.Join(st.path, dbName),
			st.scheme, e.filter, e.cfg.Mmap, s.nsn, 0)
		if err != nil {
			return err
		}
		replacements = append(replacements, nn)
	}

	// Swap the node set.
	kept := make([]*node.Node, 0, len(st.nodes)+len(replacements))
	for _, x := range st.nodes {
		if x != old {
			kept = append(kept, x)
		}
	}
	kept = append(kept, replacements...)
	sortNodes(st, kept)
	st.nodes = kept

	// Writes that landed during the merge go to the replacement covering
	// their key range.
	old.I0.Ascend(func(head *memindex.Version) bool {
		for v := head; v != nil; v = v.Next {
			st.route(v.Rec).I0.Insert(v.Rec, v.LogFile)
		}
		return true
	})

	old.Locked = false
	old.UnRotate()

	if old.Refs() == 0 {
		old.Close()
		if err := os.Remove(old.Path); err != nil {
			e.logger.Error().Err(err).Uint64("node_id", old.ID).Msg("Failed to unlink retired node")
		}
	} else {
		st.plan.QueueNodeGC(old)
	}

	// The drained delta's WAL references are released.
	st.memindexSweep(drained)
	return nil
}

// sortNodes orders a node set by min key; empty nodes sort first
func sortNodes(st *Store, nodes []*node.Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i].MinKey(), nodes[j].MinKey()
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		default:
			return record.Compare(st.scheme, a, b) < 0
		}
	})
}

// nodeGC unlinks a retired node whose refcount drained
func (e *Env) nodeGC(st *Store, t *planner.Task) {
	n := t.Node
	n.Close()
	if err := os.Remove(n.Path); err != nil {
		st.logger.Error().Err(err).Uint64("node_id", n.ID).Msg("Failed to unlink node")
		return
	}
	metrics.CompactionsTotal.WithLabelValues(types.TaskNodeGC.String()).Inc()
	e.broker.Publish(events.New(events.EventNodeGC, st.name,
		fmt.Sprintf("node %020d unlinked", n.ID)))
}
