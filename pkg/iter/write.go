package iter

import (
	"github.com/cuemby/sophia/pkg/record"
	"github.com/cuemby/sophia/pkg/scheme"
	"github.com/cuemby/sophia/pkg/types"
)

// Write is the compaction output stream. It wraps a merge and applies the
// garbage rules: versions above the snapshot vlsn pass through verbatim
// for active readers, exactly one visible version per key survives at or
// below it, tombstones at or below it vanish together with everything
// they shadow, visible upsert chains are materialized so they cannot grow
// without bound, and expired records are dropped outright.
type Write struct {
	s      *scheme.Scheme
	m      *Merge
	vlsn   uint64
	now    uint32 // current unix time; zero disables expiration
	expire uint32 // expire period in seconds

	queue []record.Record
	pos   int
	err   error
	done  bool
}

// NewWrite builds the compaction stream. expire of zero disables the
// timestamp rule.
func NewWrite(s *scheme.Scheme, m *Merge, vlsn uint64, now, expire uint32) *Write {
	w := &Write{s: s, m: m, vlsn: vlsn, now: now, expire: expire}
	w.advance()
	return w
}

func (w *Write) Valid() bool { return !w.done && w.err == nil }

func (w *Write) Record() record.Record {
	if !w.Valid() {
		return nil
	}
	return w.queue[w.pos]
}

// Err returns the first upsert fold error encountered
func (w *Write) Err() error { return w.err }

func (w *Write) Next() {
	w.pos++
	if w.pos >= len(w.queue) {
		w.advance()
	}
}

// expired reports whether the record's embedded timestamp has aged out
func (w *Write) expired(rec record.Record) bool {
	if w.expire == 0 || w.expire >= w.now {
		return false
	}
	ts := rec.Timestamp(w.s)
	return ts != 0 && ts < w.now-w.expire
}

// advance consumes key groups until one yields output
func (w *Write) advance() {
	w.queue = w.queue[:0]
	w.pos = 0
	for w.m.Valid() {
		group := collectGroup(w.s, w.m)

		// Versions above the snapshot pass through for active readers.
		i := 0
		for ; i < len(group); i++ {
			if group[i].LSN() <= w.vlsn {
				break
			}
			if !w.expired(group[i]) {
				w.queue = append(w.queue, group[i])
			}
		}
		if i < len(group) {
			visible := group[i]
			flags := visible.Flags()
			switch {
			case w.expired(visible):
				// Dropped regardless of LSN.
			case flags.Has(types.FlagDelete):
				// Rule 1: no readable younger version needs the tombstone.
			case flags.Has(types.FlagUpsert):
				folded, err := Fold(w.s, visible, group[i+1:])
				if err != nil {
					w.err = err
					return
				}
				w.queue = append(w.queue, folded)
			default:
				w.queue = append(w.queue, visible)
			}
		}
		if len(w.queue) > 0 {
			return
		}
	}
	w.done = true
}
