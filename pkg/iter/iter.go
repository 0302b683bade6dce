package iter

import (
	"github.com/cuemby/sophia/pkg/record"
	"github.com/cuemby/sophia/pkg/scheme"
	"github.com/cuemby/sophia/pkg/types"
)

// Iterator is the pull interface shared by every record source: in-memory
// indexes, node page cursors, and the combinators in this package.
type Iterator interface {
	Valid() bool
	Record() record.Record
	Next()
}

// Slice is an iterator over an in-memory record slice; used for
// single-record sources and in tests.
type Slice struct {
	recs []record.Record
	pos  int
}

// NewSlice wraps records in an iterator. The slice must already be ordered.
func NewSlice(recs ...record.Record) *Slice {
	return &Slice{recs: recs}
}

func (s *Slice) Valid() bool { return s.pos < len(s.recs) }

func (s *Slice) Record() record.Record {
	if !s.Valid() {
		return nil
	}
	return s.recs[s.pos]
}

func (s *Slice) Next() { s.pos++ }

// Merge is an N-way ordered merge. At each step it peeks every source,
// picks the extremum under the key comparator for the configured
// direction, and breaks ties by LSN descending, so the versions of one
// key always stream newest-first. Equal (key, LSN) pairs across sources
// resolve to the earliest source, which callers exploit by listing
// in-memory sources before on-disk ones.
type Merge struct {
	s    *scheme.Scheme
	fwd  bool
	srcs []Iterator
	cur  int
	dup  bool
	prev record.Record
}

// NewMerge builds a merge over sources. Sources must each be ordered
// consistently with order.
func NewMerge(s *scheme.Scheme, order types.Order, srcs ...Iterator) *Merge {
	m := &Merge{s: s, fwd: order.Forward(), srcs: srcs, cur: -1}
	m.pick()
	return m
}

func (m *Merge) pick() {
	m.cur = -1
	for i, src := range m.srcs {
		if !src.Valid() {
			continue
		}
		if m.cur < 0 {
			m.cur = i
			continue
		}
		c := record.Compare(m.s, src.Record(), m.srcs[m.cur].Record())
		if !m.fwd {
			c = -c
		}
		if c < 0 || (c == 0 && src.Record().LSN() > m.srcs[m.cur].Record().LSN()) {
			m.cur = i
		}
	}
	if m.cur >= 0 {
		rec := m.srcs[m.cur].Record()
		m.dup = m.prev != nil && record.Compare(m.s, m.prev, rec) == 0
	}
}

func (m *Merge) Valid() bool { return m.cur >= 0 }

func (m *Merge) Record() record.Record {
	if m.cur < 0 {
		return nil
	}
	return m.srcs[m.cur].Record()
}

// Dup reports whether the current record shares its key with the
// previously emitted record.
func (m *Merge) Dup() bool { return m.dup }

func (m *Merge) Next() {
	if m.cur < 0 {
		return
	}
	m.prev = m.srcs[m.cur].Record()
	m.srcs[m.cur].Next()
	m.pick()
}
