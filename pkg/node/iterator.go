package node

import (
	"github.com/cuemby/sophia/pkg/page"
	"github.com/cuemby/sophia/pkg/record"
	"github.com/cuemby/sophia/pkg/scheme"
	"github.com/cuemby/sophia/pkg/types"
)

// Iterator walks a node's on-disk records by chaining a page-index cursor
// with an in-page cursor; crossing a page boundary rewinds onto the next
// candidate page.
//
// Versions of one key are always emitted newest-first regardless of scan
// direction: a backward scan steps to the previous key group and then
// replays that group head-to-tail.
type Iterator struct {
	n   *Node
	s   *scheme.Scheme
	fwd bool
	err error

	pi int
	pg *page.Page

	// current key group [start,end) within the page, pos inside it
	start, end, pos int
	done            bool

	// seek key of an OrderEQ scan; nil for other orders
	eqKey record.Record
}

// NewIterator positions an iterator per order relative to seek. A nil seek
// starts at the extremum for the direction.
func (n *Node) NewIterator(order types.Order, seek record.Record) *Iterator {
	it := &Iterator{n: n, s: n.scheme, fwd: order.Forward()}
	if order == types.OrderEQ {
		it.eqKey = seek
	}
	if len(n.Index.Pages) == 0 {
		it.done = true
		return it
	}

	if it.fwd {
		it.seekForward(order, seek)
	} else {
		it.seekBackward(order, seek)
	}
	return it
}

func (it *Iterator) loadPage(i int) bool {
	pg, err := it.n.ReadPage(i)
	if err != nil {
		it.err = err
		it.done = true
		return false
	}
	it.pi = i
	it.pg = pg
	return true
}

func (it *Iterator) seekForward(order types.Order, seek record.Record) {
	pi := 0
	pos := 0
	if seek != nil {
		pi = it.n.Index.Search(it.s, seek)
		if pi >= len(it.n.Index.Pages) {
			it.done = true
			return
		}
	}
	if !it.loadPage(pi) {
		return
	}
	if seek != nil {
		pos = it.pg.Search(seek)
	}
	for {
		if order == types.OrderGT && seek != nil {
			for pos < it.pg.Count() &&
				record.Compare(it.s, it.pg.At(pos), seek) == 0 {
				pos++
			}
		}
		if pos < it.pg.Count() {
			break
		}
		// A key group may span a page boundary; keep skipping.
		if !it.nextPage() {
			return
		}
		pos = 0
	}
	it.openGroupAt(pos)
	if order == types.OrderEQ && !it.done {
		if record.Compare(it.s, it.Record(), seek) != 0 {
			it.done = true
		}
	}
}

func (it *Iterator) seekBackward(order types.Order, seek record.Record) {
	pages := it.n.Index.Pages
	pi := len(pages) - 1
	if seek != nil {
		// Last page whose min key is <= seek.
		lo, hi := 0, len(pages)
		for lo < hi {
			mid := (lo + hi) / 2
			if record.Compare(it.s, pages[mid].MinKey, seek) <= 0 {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		pi = lo - 1
		if pi < 0 {
			it.done = true
			return
		}
	}
	if !it.loadPage(pi) {
		return
	}

	pos := it.pg.Count() - 1
	if seek != nil {
		// Last record with key <= seek (LTE) or < seek (LT).
		pos = it.pg.Search(seek) - 1
		limit := it.pg.Count()
		if order == types.OrderLTE {
			// Include the equal-key group if present.
			p := pos + 1
			for p < limit && record.Compare(it.s, it.pg.At(p), seek) == 0 {
				pos = p
				p++
			}
		}
	}
	if pos < 0 {
		if !it.prevPage() {
			return
		}
		pos = it.pg.Count() - 1
	}
	it.openGroupEndingAt(pos)
}

// openGroupAt opens the key group whose head is at pos
func (it *Iterator) openGroupAt(pos int) {
	it.start = pos
	it.pos = pos
	it.end = pos + 1
	key := it.pg.At(pos)
	for it.end < it.pg.Count() &&
		record.Compare(it.s, it.pg.At(it.end), key) == 0 {
		it.end++
	}
}

// openGroupEndingAt opens the key group that contains pos, rewinding to
// its head
func (it *Iterator) openGroupEndingAt(pos int) {
	key := it.pg.At(pos)
	start := pos
	for start > 0 && record.Compare(it.s, it.pg.At(start-1), key) == 0 {
		start--
	}
	end := pos + 1
	for end < it.pg.Count() &&
		record.Compare(it.s, it.pg.At(end), key) == 0 {
		end++
	}
	it.start, it.end = start, end
	it.pos = start
}

func (it *Iterator) nextPage() bool {
	if it.pi+1 >= len(it.n.Index.Pages) {
		it.done = true
		return false
	}
	return it.loadPage(it.pi + 1)
}

func (it *Iterator) prevPage() bool {
	if it.pi == 0 {
		it.done = true
		return false
	}
	return it.loadPage(it.pi - 1)
}

// Valid reports whether the iterator points at a record
func (it *Iterator) Valid() bool { return !it.done }

// Err returns the first page read error encountered
func (it *Iterator) Err() error { return it.err }

// Record returns the current record
func (it *Iterator) Record() record.Record {
	if it.done {
		return nil
	}
	return it.pg.At(it.pos)
}

// Next advances to the next version, stepping key groups per direction
func (it *Iterator) Next() {
	if it.done {
		return
	}
	if it.pos+1 < it.end {
		it.pos++
		return
	}
	if it.fwd {
		if it.end < it.pg.Count() {
			it.openGroupAt(it.end)
		} else if it.nextPage() {
			it.openGroupAt(0)
		}
		// An equality scan ends after the seek key's group.
		if it.eqKey != nil && !it.done && record.Compare(it.s, it.Record(), it.eqKey) != 0 {
			it.done = true
		}
		return
	}
	// Backward: move to the key group preceding the current one.
	if it.start > 0 {
		it.openGroupEndingAt(it.start - 1)
		return
	}
	if !it.prevPage() {
		return
	}
	it.openGroupEndingAt(it.pg.Count() - 1)
}
