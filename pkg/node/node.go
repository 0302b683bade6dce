package node

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"

	"github.com/cuemby/sophia/pkg/memindex"
	"github.com/cuemby/sophia/pkg/page"
	"github.com/cuemby/sophia/pkg/record"
	"github.com/cuemby/sophia/pkg/scheme"
)

// Node is one range partition of a store: an immutable on-disk file of
// sorted pages plus two in-memory delta indexes. i0 receives live writes;
// i1 holds the rotated set being drained by an in-flight compaction.
//
// Locked and GC are guarded by the owning store's mutex. The refcount is
// atomic: readers pin the node across store-tree mutations, and a node
// queued for deletion is unlinked only once the count reaches zero.
type Node struct {
	ID       uint64
	ParentID uint64

	Path  string
	Index *page.Index

	I0 *memindex.Index
	I1 *memindex.Index

	// Locked asserts single-writer during a planner task
	Locked bool

	// GC marks the node as queued for deferred deletion
	GC bool

	// BackupBSN is the last backup sequence this node was copied into
	BackupBSN uint64

	scheme *scheme.Scheme
	filter page.Filter
	file   *os.File
	mm     mmap.MMap
	size   int64
	refs   atomic.Int32
}

// Open loads a node file: reads and validates the trailer, loads the page
// index, and optionally maps the body.
func Open(path string, s *scheme.Scheme, filter page.Filter, useMmap bool, id, parent uint64) (*Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open node file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat node file: %w", err)
	}

	idx, err := page.ReadIndex(s, f, st.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("node %020d: %w", id, err)
	}

	n := &Node{
		ID:       id,
		ParentID: parent,
		Path:     path,
		Index:    idx,
		I0:       memindex.New(s),
		I1:       memindex.New(s),
		scheme:   s,
		filter:   filter,
		file:     f,
		size:     st.Size(),
	}

	if useMmap && st.Size() > 0 {
		mm, err := mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			// Fall back to pread; mapping is an optimization only.
			n.mm = nil
		} else {
			n.mm = mm
		}
	}
	return n, nil
}

// Close unmaps and closes the node file
func (n *Node) Close() error {
	if n.mm != nil {
		if err := n.mm.Unmap(); err != nil {
			return fmt.Errorf("failed to unmap node: %w", err)
		}
		n.mm = nil
	}
	if n.file != nil {
		if err := n.file.Close(); err != nil {
			return fmt.Errorf("failed to close node: %w", err)
		}
		n.file = nil
	}
	return nil
}

// Ref pins the node
func (n *Node) Ref() { n.refs.Add(1) }

// Unref releases a pin and returns the remaining count
func (n *Node) Unref() int32 { return n.refs.Add(-1) }

// Refs returns the current pin count
func (n *Node) Refs() int32 { return n.refs.Load() }

// Used returns the bytes of pending in-memory writes
func (n *Node) Used() int { return n.I0.Used() + n.I1.Used() }

// Rotate swaps i0 into i1 and installs a fresh i0. The caller holds the
// store lock; the previous i1 must already be drained.
func (n *Node) Rotate() *memindex.Index {
	n.I1 = n.I0
	n.I0 = memindex.New(n.scheme)
	return n.I1
}

// UnRotate frees the drained i1 after a compaction completes
func (n *Node) UnRotate() {
	n.I1 = memindex.New(n.scheme)
}

// ReadPage decodes page i through the mmap when available, pread otherwise
func (n *Node) ReadPage(i int) (*page.Page, error) {
	info := n.Index.Pages[i]
	var raw []byte
	if n.mm != nil {
		raw = n.mm[info.Offset : info.Offset+uint64(info.Size)]
	} else {
		raw = make([]byte, info.Size)
		if _, err := n.file.ReadAt(raw, int64(info.Offset)); err != nil {
			return nil, fmt.Errorf("failed to read page: %w", err)
		}
	}
	return page.Decode(n.scheme, n.filter, raw)
}

// MinKey returns the comparable min key of the node, nil when empty
func (n *Node) MinKey() record.Record {
	if len(n.Index.Pages) == 0 {
		return nil
	}
	return n.Index.Pages[0].MinKey
}

// MaxKey returns the comparable max key of the node, nil when empty
func (n *Node) MaxKey() record.Record {
	if len(n.Index.Pages) == 0 {
		return nil
	}
	return n.Index.Pages[len(n.Index.Pages)-1].MaxKey
}
