package mvcc

import (
	"sort"

	"github.com/cuemby/sophia/pkg/record"
	"github.com/cuemby/sophia/pkg/scheme"
	"github.com/cuemby/sophia/pkg/types"
)

// Writes returns the transaction's write records in log order, excluding
// read placeholders. The engine stamps their LSNs and appends them to the
// WAL inside the commit critical section.
func (m *Manager) Writes(tx *Tx) []record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]record.Record, 0, len(tx.log))
	for _, v := range tx.log {
		if v.Get() {
			continue
		}
		out = append(out, v.Rec)
	}
	return out
}

// OwnRecords returns key-ordered copies of the transaction's uncommitted
// writes stamped at lsn, for merging into a cursor. Stamping at the
// cursor's snapshot LSN makes the transaction's own writes win the
// newest-first tie-break against any committed version it can see.
func (m *Manager) OwnRecords(tx *Tx, s *scheme.Scheme, order types.Order, lsn uint64) []record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]record.Record, 0, len(tx.log))
	for _, v := range tx.log {
		if v.Get() {
			continue
		}
		rec := make(record.Record, len(v.Rec))
		copy(rec, v.Rec)
		rec.SetLSN(lsn)
		out = append(out, rec)
	}
	fwd := order.Forward()
	sort.Slice(out, func(i, j int) bool {
		c := record.Compare(s, out[i], out[j])
		if fwd {
			return c < 0
		}
		return c > 0
	})
	return out
}
