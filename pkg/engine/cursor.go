package engine

import (
	"bytes"
	"fmt"

	"github.com/cuemby/sophia/pkg/iter"
	"github.com/cuemby/sophia/pkg/node"
	"github.com/cuemby/sophia/pkg/record"
	"github.com/cuemby/sophia/pkg/scheme"
	"github.com/cuemby/sophia/pkg/types"
)

// Cursor is an ordered range scan over a store at a snapshot. It merges
// the owning transaction's uncommitted writes, every node's two in-memory
// indexes, and every node's on-disk pages, with visibility filtering,
// upsert folding, and tombstone suppression applied.
type Cursor struct {
	store  *Store
	read   *iter.Read
	disks  []*node.Iterator
	pinned []*node.Node
	closed bool

	// prefix bounds a prefix scan; the cursor ends at the first key whose
	// first field no longer matches
	prefix      []byte
	prefixField int
}

// Cursor opens a range scan. keyValues of nil starts at the extremum for
// the order's direction; tx of nil scans the latest committed state.
func (st *Store) Cursor(tx *Tx, order types.Order, keyValues [][]byte) (*Cursor, error) {
	var seek record.Record
	if keyValues != nil {
		var err error
		seek, err = record.BuildKey(st.scheme, keyValues)
		if err != nil {
			return nil, err
		}
	}

	vlsn := st.env.seq.LSN()
	if tx != nil {
		vlsn = tx.inner.VLSN
	}

	c := &Cursor{store: st}
	var sources []iter.Iterator

	// The transaction's own writes shadow committed versions at the
	// snapshot via the merge tie-break: same key, same LSN, earlier
	// source wins.
	if tx != nil {
		own := st.env.txns.OwnRecords(tx.inner, st.scheme, order, vlsn)
		own = filterSeek(st, own, order, seek)
		if len(own) > 0 {
			sources = append(sources, iter.NewSlice(own...))
		}
	}

	st.mu.Lock()
	for _, n := range st.nodes {
		n.Ref()
		c.pinned = append(c.pinned, n)
		sources = append(sources, n.I0.NewIterator(order, seek))
		sources = append(sources, n.I1.NewIterator(order, seek))
	}
	st.mu.Unlock()

	for _, n := range c.pinned {
		disk := n.NewIterator(order, seek)
		c.disks = append(c.disks, disk)
		sources = append(sources, disk)
	}

	m := iter.NewMerge(st.scheme, order, sources...)
	c.read = iter.NewRead(st.scheme, m, vlsn)
	if err := c.Err(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// filterSeek drops own-write records outside the scan range
func filterSeek(st *Store, recs []record.Record, order types.Order, seek record.Record) []record.Record {
	if seek == nil {
		return recs
	}
	out := recs[:0]
	for _, rec := range recs {
		c := record.Compare(st.scheme, rec, seek)
		keep := false
		switch order {
		case types.OrderGTE:
			keep = c >= 0
		case types.OrderGT:
			keep = c > 0
		case types.OrderLTE:
			keep = c <= 0
		case types.OrderLT:
			keep = c < 0
		case types.OrderEQ:
			keep = c == 0
		}
		if keep {
			out = append(out, rec)
		}
	}
	return out
}

// CursorPrefix scans the keys beginning with prefix, in ascending order.
// Only schemes whose first key field is a non-reversed string support
// prefix scans.
func (st *Store) CursorPrefix(tx *Tx, prefix []byte) (*Cursor, error) {
	first := st.scheme.Keys()[0]
	f := st.scheme.Fields[first]
	if f.Type != scheme.TypeString || f.Reverse {
		return nil, fmt.Errorf("prefix scan requires a non-reversed string first key")
	}

	// Seek to the smallest key with the prefix: the prefix itself plus
	// zero values for the remaining key fields.
	keyValues := make([][]byte, len(st.scheme.Keys()))
	keyValues[0] = prefix
	for ord, i := range st.scheme.Keys() {
		if ord == 0 {
			continue
		}
		if w := st.scheme.Fields[i].Type.FixedSize(); w > 0 {
			keyValues[ord] = make([]byte, w)
		}
	}

	c, err := st.Cursor(tx, types.OrderGTE, keyValues)
	if err != nil {
		return nil, err
	}
	c.prefix = append([]byte(nil), prefix...)
	c.prefixField = first
	return c, nil
}

// Valid reports whether the cursor points at a record
func (c *Cursor) Valid() bool {
	if c.closed || !c.read.Valid() {
		return false
	}
	if c.prefix != nil {
		return bytes.HasPrefix(c.read.Record().Field(c.store.scheme, c.prefixField), c.prefix)
	}
	return true
}

// Record returns the current record
func (c *Cursor) Record() record.Record { return c.read.Record() }

// Fields returns the current record's field values as copies
func (c *Cursor) Fields() [][]byte {
	return copyFields(c.read.Record().Fields(c.store.scheme))
}

// Next advances the cursor
func (c *Cursor) Next() { c.read.Next() }

// Err returns the first error the scan hit
func (c *Cursor) Err() error {
	if err := c.read.Err(); err != nil {
		return err
	}
	for _, d := range c.disks {
		if err := d.Err(); err != nil {
			c.store.env.malfunction(err)
			return types.ErrMalfunction
		}
	}
	return nil
}

// Close unpins the nodes; the cursor is unusable afterwards
func (c *Cursor) Close() {
	if c.closed {
		return
	}
	c.closed = true
	for _, n := range c.pinned {
		n.Unref()
	}
}
