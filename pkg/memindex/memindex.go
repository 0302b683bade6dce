package memindex

import (
	"math"

	"github.com/google/btree"

	"github.com/cuemby/sophia/pkg/record"
	"github.com/cuemby/sophia/pkg/scheme"
	"github.com/cuemby/sophia/pkg/types"
)

// Version is one entry of a key's version chain. Chains are ordered by
// descending LSN: the head is the newest version.
type Version struct {
	Rec record.Record

	// LogFile is the LFSN of the WAL file holding this record, zero when
	// the record has no log reference; drained versions sweep their file.
	LogFile uint64

	Next *Version // next older version
}

// item is one tree entry: a key and its version chain head
type item struct {
	head *Version
}

// Index holds the pending in-memory writes of a node: a balanced tree keyed
// by record key, each entry holding an LSN-descending version chain. The
// index is not internally synchronized; callers serialize through the store
// lock.
type Index struct {
	scheme *scheme.Scheme
	tree   *btree.BTreeG[*item]
	count  int
	used   int
	lsnmin uint64
}

// New creates an empty index for the given scheme
func New(s *scheme.Scheme) *Index {
	x := &Index{scheme: s, lsnmin: math.MaxUint64}
	x.tree = btree.NewG(16, func(a, b *item) bool {
		return record.Compare(s, a.head.Rec, b.head.Rec) < 0
	})
	return x
}

// Len returns the number of versions held
func (x *Index) Len() int { return x.count }

// Used returns the total bytes of record payloads held
func (x *Index) Used() int { return x.used }

// LSNMin returns the minimum LSN of any held version, or MaxUint64 when empty
func (x *Index) LSNMin() uint64 { return x.lsnmin }

// Insert adds a record to the index. If the key is new, the record becomes
// a fresh chain head; otherwise it is spliced into the chain at its
// LSN-descending position. A record with an LSN equal to an existing
// version replaces it in place. Dup bits are restamped so that only the
// chain head has Dup clear.
func (x *Index) Insert(rec record.Record, logFile uint64) {
	probe := &item{head: &Version{Rec: rec, LogFile: logFile}}
	existing, ok := x.tree.Get(probe)
	if !ok {
		rec.ClearFlags(types.FlagDup)
		x.tree.ReplaceOrInsert(probe)
		x.account(rec)
		return
	}

	lsn := rec.LSN()
	if lsn > existing.head.Rec.LSN() {
		// New chain head; the displaced head becomes a duplicate.
		rec.ClearFlags(types.FlagDup)
		existing.head.Rec.AddFlags(types.FlagDup)
		existing.head = &Version{Rec: rec, LogFile: logFile, Next: existing.head}
		x.account(rec)
		return
	}

	// Walk to the insertion point within the chain.
	v := existing.head
	for {
		if lsn == v.Rec.LSN() {
			// Replace in place, preserving the Dup bit of the slot.
			if v.Rec.Flags().Has(types.FlagDup) {
				rec.AddFlags(types.FlagDup)
			} else {
				rec.ClearFlags(types.FlagDup)
			}
			x.used += len(rec) - len(v.Rec)
			v.Rec = rec
			v.LogFile = logFile
			return
		}
		if v.Next == nil || v.Next.Rec.LSN() < lsn {
			rec.AddFlags(types.FlagDup)
			v.Next = &Version{Rec: rec, LogFile: logFile, Next: v.Next}
			x.account(rec)
			return
		}
		v = v.Next
	}
}

func (x *Index) account(rec record.Record) {
	x.count++
	x.used += len(rec)
	if lsn := rec.LSN(); lsn < x.lsnmin {
		x.lsnmin = lsn
	}
}

// Get returns the version chain head for the key of rec, or nil
func (x *Index) Get(key record.Record) *Version {
	it, ok := x.tree.Get(&item{head: &Version{Rec: key}})
	if !ok {
		return nil
	}
	return it.head
}

// Ascend visits every version chain head in key order
func (x *Index) Ascend(fn func(head *Version) bool) {
	x.tree.Ascend(func(it *item) bool {
		return fn(it.head)
	})
}

// Iterator walks the index in the requested order, emitting every version
// of each key (newest first) before advancing to the next key. It holds a
// snapshot of the tree taken at construction time.
type Iterator struct {
	versions []*Version
	pos      int
}

// NewIterator builds an iterator positioned per order relative to seek.
// A nil seek starts at the extremum for the direction.
func (x *Index) NewIterator(order types.Order, seek record.Record) *Iterator {
	it := &Iterator{}
	collect := func(i *item) bool {
		for v := i.head; v != nil; v = v.Next {
			it.versions = append(it.versions, v)
		}
		return true
	}
	switch {
	case seek == nil && order.Forward():
		x.tree.Ascend(collect)
	case seek == nil:
		x.descend(collect)
	case order == types.OrderEQ:
		if head := x.Get(seek); head != nil {
			for v := head; v != nil; v = v.Next {
				it.versions = append(it.versions, v)
			}
		}
	case order == types.OrderGTE:
		x.tree.AscendGreaterOrEqual(&item{head: &Version{Rec: seek}}, collect)
	case order == types.OrderGT:
		x.tree.AscendGreaterOrEqual(&item{head: &Version{Rec: seek}}, func(i *item) bool {
			if record.Compare(x.scheme, i.head.Rec, seek) == 0 {
				return true
			}
			return collect(i)
		})
	case order == types.OrderLTE:
		x.descendLessOrEqual(seek, collect)
	case order == types.OrderLT:
		x.descendLessOrEqual(seek, func(i *item) bool {
			if record.Compare(x.scheme, i.head.Rec, seek) == 0 {
				return true
			}
			return collect(i)
		})
	}
	return it
}

// descend visits chains in descending key order
func (x *Index) descend(fn func(i *item) bool) {
	x.tree.Descend(fn)
}

func (x *Index) descendLessOrEqual(seek record.Record, fn func(i *item) bool) {
	x.tree.DescendLessOrEqual(&item{head: &Version{Rec: seek}}, fn)
}

// Valid reports whether the iterator points at a version
func (it *Iterator) Valid() bool { return it.pos < len(it.versions) }

// Record returns the current version's record
func (it *Iterator) Record() record.Record {
	if !it.Valid() {
		return nil
	}
	return it.versions[it.pos].Rec
}

// Next advances to the next version
func (it *Iterator) Next() { it.pos++ }
