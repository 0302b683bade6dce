package iter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sophia/pkg/record"
	"github.com/cuemby/sophia/pkg/scheme"
	"github.com/cuemby/sophia/pkg/types"
)

func testScheme(t *testing.T) *scheme.Scheme {
	t.Helper()
	s, err := scheme.New([]scheme.Field{
		{Name: "k", Type: scheme.TypeString, Key: true},
		{Name: "v", Type: scheme.TypeString},
	})
	require.NoError(t, err)
	return s
}

// concat is the classic upsert merge: new value appended to the base
func concat(base, op [][]byte) ([][]byte, error) {
	if base == nil {
		return [][]byte{op[0], append([]byte(nil), op[1]...)}, nil
	}
	merged := append(append([]byte(nil), base[1]...), op[1]...)
	return [][]byte{op[0], merged}, nil
}

func rec(t *testing.T, s *scheme.Scheme, flags types.Flags, k, v string, lsn uint64) record.Record {
	t.Helper()
	r, err := record.Build(s, flags, lsn, [][]byte{[]byte(k), []byte(v)})
	require.NoError(t, err)
	return r
}

func keyAt(s *scheme.Scheme, r record.Record) string { return string(r.Field(s, 0)) }

func TestMergeOrderAndTieBreak(t *testing.T) {
	s := testScheme(t)

	a := NewSlice(
		rec(t, s, types.FlagNone, "a", "1", 1),
		rec(t, s, types.FlagNone, "c", "old", 2),
	)
	b := NewSlice(
		rec(t, s, types.FlagNone, "b", "2", 3),
		rec(t, s, types.FlagNone, "c", "new", 5),
	)

	m := NewMerge(s, types.OrderGTE, a, b)
	var got []string
	var dups []bool
	for ; m.Valid(); m.Next() {
		got = append(got, fmt.Sprintf("%s@%d", keyAt(s, m.Record()), m.Record().LSN()))
		dups = append(dups, m.Dup())
	}
	// c's versions stream newest-first; the second is flagged duplicate.
	assert.Equal(t, []string{"a@1", "b@3", "c@5", "c@2"}, got)
	assert.Equal(t, []bool{false, false, false, true}, dups)
}

func TestMergeBackward(t *testing.T) {
	s := testScheme(t)
	a := NewSlice(
		rec(t, s, types.FlagNone, "c", "3", 3),
		rec(t, s, types.FlagNone, "a", "1", 1),
	)
	b := NewSlice(
		rec(t, s, types.FlagNone, "b", "2", 2),
	)

	m := NewMerge(s, types.OrderLTE, a, b)
	var got []string
	for ; m.Valid(); m.Next() {
		got = append(got, keyAt(s, m.Record()))
	}
	assert.Equal(t, []string{"c", "b", "a"}, got)
}

func TestReadVisibility(t *testing.T) {
	s := testScheme(t)
	src := NewSlice(
		rec(t, s, types.FlagNone, "k", "v3", 3),
		rec(t, s, types.FlagNone, "k", "v2", 2),
		rec(t, s, types.FlagNone, "k", "v1", 1),
	)

	tests := []struct {
		vlsn uint64
		want string
	}{
		{3, "v3"}, {2, "v2"}, {1, "v1"},
	}
	for _, tt := range tests {
		src2 := NewSlice(src.recs...)
		r := NewRead(s, NewMerge(s, types.OrderGTE, src2), tt.vlsn)
		require.True(t, r.Valid())
		assert.Equal(t, tt.want, string(r.Record().Field(s, 1)))
	}

	// Nothing visible below the oldest version.
	src3 := NewSlice(src.recs...)
	r := NewRead(s, NewMerge(s, types.OrderGTE, src3), 0)
	assert.False(t, r.Valid())
}

func TestReadTombstone(t *testing.T) {
	s := testScheme(t)
	r := NewRead(s, NewMerge(s, types.OrderGTE, NewSlice(
		rec(t, s, types.FlagDelete, "a", "", 2),
		rec(t, s, types.FlagNone, "a", "v1", 1),
		rec(t, s, types.FlagNone, "b", "v2", 1),
	)), 10)

	// a is deleted at the snapshot; only b surfaces.
	require.True(t, r.Valid())
	assert.Equal(t, "b", keyAt(s, r.Record()))
	r.Next()
	assert.False(t, r.Valid())
}

func TestReadUpsertFold(t *testing.T) {
	s := testScheme(t)
	s.Upsert = concat

	r := NewRead(s, NewMerge(s, types.OrderGTE, NewSlice(
		rec(t, s, types.FlagUpsert, "x", "C", 3),
		rec(t, s, types.FlagUpsert, "x", "B", 2),
		rec(t, s, types.FlagNone, "x", "A", 1),
	)), 10)

	require.True(t, r.Valid())
	assert.Equal(t, "ABC", string(r.Record().Field(s, 1)))
	assert.Equal(t, uint64(3), r.Record().LSN())
}

func TestReadUpsertSyntheticBase(t *testing.T) {
	s := testScheme(t)
	s.Upsert = concat

	r := NewRead(s, NewMerge(s, types.OrderGTE, NewSlice(
		rec(t, s, types.FlagUpsert, "x", "B", 2),
		rec(t, s, types.FlagUpsert, "x", "A", 1),
	)), 10)

	require.True(t, r.Valid())
	assert.Equal(t, "AB", string(r.Record().Field(s, 1)))
}

func TestWriteDropsShadowedVersions(t *testing.T) {
	s := testScheme(t)
	w := NewWrite(s, NewMerge(s, types.OrderGTE, NewSlice(
		rec(t, s, types.FlagNone, "k", "v3", 3),
		rec(t, s, types.FlagNone, "k", "v2", 2),
		rec(t, s, types.FlagNone, "k", "v1", 1),
	)), 10, 0, 0)

	var got []string
	for ; w.Valid(); w.Next() {
		got = append(got, string(w.Record().Field(s, 1)))
	}
	// One visible version per key at or below the snapshot.
	assert.Equal(t, []string{"v3"}, got)
}

func TestWriteRetainsVersionsForActiveReaders(t *testing.T) {
	s := testScheme(t)
	build := func() *Merge {
		return NewMerge(s, types.OrderGTE, NewSlice(
			rec(t, s, types.FlagNone, "k", "v9", 9),
			rec(t, s, types.FlagNone, "k", "v5", 5),
			rec(t, s, types.FlagNone, "k", "v2", 2),
		))
	}

	// A reader pinned at 5 needs v5; everything newer passes verbatim.
	w := NewWrite(s, build(), 5, 0, 0)
	var got []uint64
	for ; w.Valid(); w.Next() {
		got = append(got, w.Record().LSN())
	}
	assert.Equal(t, []uint64{9, 5}, got)

	// With the reader gone only the newest survives.
	w = NewWrite(s, build(), 10, 0, 0)
	got = nil
	for ; w.Valid(); w.Next() {
		got = append(got, w.Record().LSN())
	}
	assert.Equal(t, []uint64{9}, got)
}

func TestWriteDropsTombstoneChains(t *testing.T) {
	s := testScheme(t)
	w := NewWrite(s, NewMerge(s, types.OrderGTE, NewSlice(
		rec(t, s, types.FlagDelete, "a", "", 4),
		rec(t, s, types.FlagNone, "a", "v1", 1),
		rec(t, s, types.FlagNone, "b", "keep", 2),
	)), 10, 0, 0)

	var got []string
	for ; w.Valid(); w.Next() {
		got = append(got, keyAt(s, w.Record()))
	}
	assert.Equal(t, []string{"b"}, got)
}

func TestWriteKeepsTombstoneAboveSnapshot(t *testing.T) {
	s := testScheme(t)
	w := NewWrite(s, NewMerge(s, types.OrderGTE, NewSlice(
		rec(t, s, types.FlagDelete, "a", "", 8),
		rec(t, s, types.FlagNone, "a", "v1", 1),
	)), 5, 0, 0)

	var got []uint64
	for ; w.Valid(); w.Next() {
		got = append(got, w.Record().LSN())
	}
	// The tombstone is above the snapshot (kept verbatim) and v1 is the
	// one visible version beneath it.
	assert.Equal(t, []uint64{8, 1}, got)
}

func TestWriteMaterializesUpsertFold(t *testing.T) {
	s := testScheme(t)
	s.Upsert = concat

	w := NewWrite(s, NewMerge(s, types.OrderGTE, NewSlice(
		rec(t, s, types.FlagUpsert, "x", "C", 3),
		rec(t, s, types.FlagUpsert, "x", "B", 2),
		rec(t, s, types.FlagNone, "x", "A", 1),
	)), 10, 0, 0)

	require.True(t, w.Valid())
	assert.Equal(t, "ABC", string(w.Record().Field(s, 1)))
	assert.Equal(t, uint64(3), w.Record().LSN())
	assert.False(t, w.Record().Flags().Has(types.FlagUpsert))
	w.Next()
	assert.False(t, w.Valid())
}

func TestWriteExpiration(t *testing.T) {
	s, err := scheme.New([]scheme.Field{
		{Name: "k", Type: scheme.TypeString, Key: true},
		{Name: "ts", Type: scheme.TypeU32, Timestamp: true},
	})
	require.NoError(t, err)

	now := uint32(1_000_000)
	old, err := record.Build(s, types.FlagNone, 5, [][]byte{[]byte("old"), record.U32(now - 5000)})
	require.NoError(t, err)
	fresh, err := record.Build(s, types.FlagNone, 6, [][]byte{[]byte("new"), record.U32(now - 10)})
	require.NoError(t, err)

	w := NewWrite(s, NewMerge(s, types.OrderGTE, NewSlice(fresh, old)), 10, now, 3600)
	var got []string
	for ; w.Valid(); w.Next() {
		got = append(got, string(w.Record().Field(s, 0)))
	}
	assert.Equal(t, []string{"new"}, got)
}
