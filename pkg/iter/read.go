package iter

import (
	"fmt"

	"github.com/cuemby/sophia/pkg/record"
	"github.com/cuemby/sophia/pkg/scheme"
	"github.com/cuemby/sophia/pkg/types"
)

// Read wraps a merge and applies MVCC visibility: versions above the
// snapshot LSN are skipped, upsert chains are folded through the scheme's
// merge function, and tombstones suppress their key. It yields at most one
// record per key.
type Read struct {
	s    *scheme.Scheme
	m    *Merge
	vlsn uint64
	cur  record.Record
	err  error
	done bool
}

// NewRead builds a visibility-filtered iterator at snapshot vlsn
func NewRead(s *scheme.Scheme, m *Merge, vlsn uint64) *Read {
	r := &Read{s: s, m: m, vlsn: vlsn}
	r.advance()
	return r
}

func (r *Read) Valid() bool { return !r.done && r.err == nil }

func (r *Read) Record() record.Record {
	if !r.Valid() {
		return nil
	}
	return r.cur
}

// Err returns the first upsert fold error encountered
func (r *Read) Err() error { return r.err }

func (r *Read) Next() { r.advance() }

// advance consumes the next key group and computes its visible record
func (r *Read) advance() {
	for r.m.Valid() {
		group := collectGroup(r.s, r.m)

		visible, rest := firstVisible(group, r.vlsn)
		if visible == nil {
			continue
		}
		flags := visible.Flags()
		switch {
		case flags.Has(types.FlagDelete):
			continue
		case flags.Has(types.FlagUpsert):
			folded, err := Fold(r.s, visible, rest)
			if err != nil {
				r.err = err
				return
			}
			r.cur = folded
			return
		default:
			r.cur = visible
			return
		}
	}
	r.done = true
}

// collectGroup drains every version of the merge's current key,
// newest-first
func collectGroup(s *scheme.Scheme, m *Merge) []record.Record {
	group := []record.Record{m.Record()}
	key := m.Record()
	m.Next()
	for m.Valid() && record.Compare(s, m.Record(), key) == 0 {
		group = append(group, m.Record())
		m.Next()
	}
	return group
}

// firstVisible returns the newest version at or below vlsn and the
// remainder of the chain below it
func firstVisible(group []record.Record, vlsn uint64) (record.Record, []record.Record) {
	for i, rec := range group {
		if rec.LSN() <= vlsn {
			return rec, group[i+1:]
		}
	}
	return nil, nil
}

// Fold materializes an upsert chain. head is the newest visible upsert;
// older holds the remaining chain below it, newest-first. Operands
// accumulate until a non-upsert base is found or the chain ends (synthetic
// base: nil field values). The result carries the head's LSN and clear
// flags.
func Fold(s *scheme.Scheme, head record.Record, older []record.Record) (record.Record, error) {
	if s.Upsert == nil {
		return nil, fmt.Errorf("upsert record but no upsert function bound")
	}

	ops := []record.Record{head}
	var base record.Record
	for _, rec := range older {
		if !rec.Flags().Has(types.FlagUpsert) {
			if !rec.Flags().Has(types.FlagDelete) {
				base = rec
			}
			break
		}
		ops = append(ops, rec)
	}

	var values [][]byte
	if base != nil {
		values = base.Fields(s)
	}
	// Apply operands oldest-first.
	for i := len(ops) - 1; i >= 0; i-- {
		var err error
		values, err = s.Upsert(values, ops[i].Fields(s))
		if err != nil {
			return nil, fmt.Errorf("upsert fold failed: %w", err)
		}
	}
	out, err := record.Build(s, types.FlagNone, head.LSN(), values)
	if err != nil {
		return nil, fmt.Errorf("upsert fold produced invalid record: %w", err)
	}
	return out, nil
}
