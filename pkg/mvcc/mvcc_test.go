package mvcc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sophia/pkg/record"
	"github.com/cuemby/sophia/pkg/scheme"
	"github.com/cuemby/sophia/pkg/sequence"
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

func rec(t *testing.T, s *scheme.Scheme, k, v string) record.Record {
	t.Helper()
	r, err := record.Build(s, types.FlagNone, 0, [][]byte{[]byte(k), []byte(v)})
	require.NoError(t, err)
	return r
}

func key(t *testing.T, s *scheme.Scheme, k string) record.Record {
	t.Helper()
	r, err := record.BuildKey(s, [][]byte{[]byte(k)})
	require.NoError(t, err)
	return r
}

func setup(t *testing.T) (*Manager, *Index, *scheme.Scheme, *sequence.Sequencer) {
	t.Helper()
	s := testScheme(t)
	seq := sequence.New()
	return New(seq), NewIndex(s), s, seq
}

func TestWriteWriteConflict(t *testing.T) {
	m, x, s, _ := setup(t)

	t1 := m.Begin(ReadWrite, 0)
	t2 := m.Begin(ReadWrite, 0)

	require.NoError(t, m.Set(t1, x, rec(t, s, "z", "t1")))
	require.NoError(t, m.Set(t2, x, rec(t, s, "z", "t2")))

	// T1 holds the chain position before T2: T2 waits.
	assert.Equal(t, StateLock, m.Prepare(t2))

	require.Equal(t, StatePrepare, m.Prepare(t1))
	m.Commit(t1)

	// T1 committed after T2 began: write-write conflict.
	assert.Equal(t, StateRollback, m.Prepare(t2))
	m.Rollback(t2)
}

func TestSecondWriterAfterCommitSucceeds(t *testing.T) {
	m, x, s, _ := setup(t)

	t1 := m.Begin(ReadWrite, 0)
	require.NoError(t, m.Set(t1, x, rec(t, s, "z", "t1")))
	require.Equal(t, StatePrepare, m.Prepare(t1))
	m.Commit(t1)

	// A transaction that began after T1's commit is not in conflict.
	t2 := m.Begin(ReadWrite, 0)
	require.NoError(t, m.Set(t2, x, rec(t, s, "z", "t2")))
	assert.Equal(t, StatePrepare, m.Prepare(t2))
	m.Commit(t2)
}

func TestReplaceOwnIntent(t *testing.T) {
	m, x, s, _ := setup(t)

	tx := m.Begin(ReadWrite, 0)
	require.NoError(t, m.Set(tx, x, rec(t, s, "k", "v1")))
	require.NoError(t, m.Set(tx, x, rec(t, s, "k", "v2")))

	got, ok, err := m.Get(tx, x, key(t, s, "k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", string(got.Field(s, 1)))

	// One intent, not two.
	assert.Len(t, m.Writes(tx), 1)
}

func TestUpsertCannotReplacePriorWrite(t *testing.T) {
	m, x, s, _ := setup(t)
	s.Upsert = func(base, op [][]byte) ([][]byte, error) { return op, nil }

	tx := m.Begin(ReadWrite, 0)
	require.NoError(t, m.Set(tx, x, rec(t, s, "k", "v1")))

	up := rec(t, s, "k", "v2")
	up.SetFlags(types.FlagUpsert)
	assert.Error(t, m.Set(tx, x, up))
}

func TestUpsertRequiresFunction(t *testing.T) {
	m, x, s, _ := setup(t)

	tx := m.Begin(ReadWrite, 0)
	up := rec(t, s, "k", "v")
	up.SetFlags(types.FlagUpsert)
	assert.Error(t, m.Set(tx, x, up))
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	m, x, s, _ := setup(t)
	tx := m.Begin(ReadOnly, 0)
	assert.ErrorIs(t, m.Set(tx, x, rec(t, s, "k", "v")), types.ErrReadonly)
	m.Rollback(tx)
}

func TestReaderAbortedByCommittedWriter(t *testing.T) {
	m, x, s, _ := setup(t)

	writer := m.Begin(ReadWrite, 0)
	require.NoError(t, m.Set(writer, x, rec(t, s, "k", "w")))

	// A concurrent reader leaves a placeholder behind the writer's intent.
	reader := m.Begin(ReadWrite, 0)
	_, ok, err := m.Get(reader, x, key(t, s, "k"))
	require.NoError(t, err)
	assert.False(t, ok, "no own write yet")

	require.Equal(t, StatePrepare, m.Prepare(writer))
	m.Commit(writer)

	// The reader observed state a newer committed writer invalidated.
	assert.Equal(t, StateRollback, m.Prepare(reader))
	m.Rollback(reader)
}

func TestWriterWaitsOnUncommittedReader(t *testing.T) {
	m, x, s, _ := setup(t)

	reader := m.Begin(ReadWrite, 0)
	_, _, err := m.Get(reader, x, key(t, s, "k"))
	require.NoError(t, err)

	writer := m.Begin(ReadWrite, 0)
	require.NoError(t, m.Set(writer, x, rec(t, s, "k", "w")))
	assert.Equal(t, StateLock, m.Prepare(writer))

	// Once the old-snapshot reader commits it no longer blocks.
	require.Equal(t, StatePrepare, m.Prepare(reader))
	m.Commit(reader)
	assert.Equal(t, StatePrepare, m.Prepare(writer))
	m.Commit(writer)
}

func TestVLSNFloor(t *testing.T) {
	m, _, _, seq := setup(t)

	seq.BumpLSN(10)
	assert.Equal(t, uint64(10), m.VLSN())

	tx := m.Begin(ReadOnly, 0) // snapshots LSN 10
	seq.BumpLSN(20)
	assert.Equal(t, uint64(10), m.VLSN(), "pinned by the active transaction")

	m.Rollback(tx)
	assert.Equal(t, uint64(20), m.VLSN())
}

func TestVLSNOverride(t *testing.T) {
	m, _, _, seq := setup(t)
	seq.BumpLSN(50)
	tx := m.Begin(ReadOnly, 7)
	assert.Equal(t, uint64(7), tx.VLSN)
	m.Rollback(tx)
}

func TestRollbackUnlinksIntents(t *testing.T) {
	m, x, s, _ := setup(t)

	t1 := m.Begin(ReadWrite, 0)
	require.NoError(t, m.Set(t1, x, rec(t, s, "z", "t1")))
	m.Rollback(t1)

	// With T1's intent gone T2 is the chain head.
	t2 := m.Begin(ReadWrite, 0)
	require.NoError(t, m.Set(t2, x, rec(t, s, "z", "t2")))
	assert.Equal(t, StatePrepare, m.Prepare(t2))
	m.Commit(t2)
}

func TestDeadlockDetection(t *testing.T) {
	m, x, s, _ := setup(t)

	t1 := m.Begin(ReadWrite, 0)
	t2 := m.Begin(ReadWrite, 0)

	// T1 then T2 on key a; T2 then T1 on key b: a wait cycle.
	require.NoError(t, m.Set(t1, x, rec(t, s, "a", "1")))
	require.NoError(t, m.Set(t2, x, rec(t, s, "b", "2")))
	require.NoError(t, m.Set(t2, x, rec(t, s, "a", "2")))
	require.NoError(t, m.Set(t1, x, rec(t, s, "b", "1")))

	assert.Equal(t, StateLock, m.Prepare(t1))
	assert.Equal(t, StateLock, m.Prepare(t2))
	assert.True(t, m.Deadlocked(t1))
	assert.True(t, m.Deadlocked(t2))

	// Breaking one side releases the other.
	m.Rollback(t2)
	assert.False(t, m.Deadlocked(t1))
	assert.Equal(t, StatePrepare, m.Prepare(t1))
	m.Commit(t1)
}

func TestGCReleasesCommittedIntents(t *testing.T) {
	m, x, s, _ := setup(t)

	t1 := m.Begin(ReadWrite, 0)
	require.NoError(t, m.Set(t1, x, rec(t, s, "k", "v")))
	require.Equal(t, StatePrepare, m.Prepare(t1))
	m.Commit(t1)

	// No active transactions: the committed intent is releasable.
	m.GC()

	t2 := m.Begin(ReadWrite, 0)
	require.NoError(t, m.Set(t2, x, rec(t, s, "k", "v2")))
	assert.Equal(t, StatePrepare, m.Prepare(t2), "released intent must not conflict")
	m.Commit(t2)
}

func TestActiveCount(t *testing.T) {
	m, _, _, _ := setup(t)
	assert.Zero(t, m.Active())

	rw := m.Begin(ReadWrite, 0)
	ro := m.Begin(ReadOnly, 0)
	assert.Equal(t, 1, m.Active(), "read-only transactions do not count")

	m.Rollback(rw)
	m.Rollback(ro)
	assert.Zero(t, m.Active())
}
