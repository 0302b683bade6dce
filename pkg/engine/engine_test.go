package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sophia/pkg/config"
	"github.com/cuemby/sophia/pkg/events"
	"github.com/cuemby/sophia/pkg/node"
	"github.com/cuemby/sophia/pkg/scheme"
	"github.com/cuemby/sophia/pkg/types"
)

// testConfig keeps the background scheduler quiet so tests drive the
// planner deterministically through the admin hooks.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Path = filepath.Join(t.TempDir(), "db")
	cfg.Workers = 2
	cfg.PageSize = config.ByteSize(4 * datasize.KB)
	cfg.NodeSize = config.ByteSize(64 * datasize.KB)
	cfg.Cache = config.ByteSize(1 * datasize.GB)
	cfg.SchedulerInterval = config.Duration(time.Hour)
	cfg.RotateWM = 100000
	cfg.SyncOnRotate = false
	cfg.SyncOnCompaction = false
	cfg.LogLevel = "error"
	return cfg
}

func kvScheme(t *testing.T) *scheme.Scheme {
	t.Helper()
	s, err := scheme.New([]scheme.Field{
		{Name: "k", Type: scheme.TypeString, Key: true},
		{Name: "v", Type: scheme.TypeString},
	})
	require.NoError(t, err)
	return s
}

func openEnv(t *testing.T, cfg config.Config) *Env {
	t.Helper()
	env, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, env.Open())
	return env
}

func kv(k, v string) [][]byte { return [][]byte{[]byte(k), []byte(v)} }

func key(k string) [][]byte { return [][]byte{[]byte(k)} }

// concat is the upsert merge used across the scenarios
func concat(base, op [][]byte) ([][]byte, error) {
	if base == nil {
		return op, nil
	}
	return [][]byte{op[0], append(append([]byte(nil), base[1]...), op[1]...)}, nil
}

func TestBootstrapAndSingleCommit(t *testing.T) {
	cfg := testConfig(t)

	env := openEnv(t, cfg)
	st, err := env.CreateStore("s", kvScheme(t))
	require.NoError(t, err)

	tx, err := st.Begin(true)
	require.NoError(t, err)
	require.NoError(t, st.Set(tx, kv("alpha", "1")))
	require.NoError(t, st.Commit(tx))
	require.NoError(t, env.Close())

	// Reopen: the commit must be durable via WAL replay.
	env2 := openEnv(t, cfg)
	defer env2.Close()
	st2, err := env2.Store("s")
	require.NoError(t, err)

	got, err := st2.Get(nil, key("alpha"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(got[1]))

	// LSN 1: the very first record written to the repository.
	cur, err := st2.Cursor(nil, types.OrderGTE, nil)
	require.NoError(t, err)
	defer cur.Close()
	require.True(t, cur.Valid())
	assert.Equal(t, uint64(1), cur.Record().LSN())
}

func TestUpsertFold(t *testing.T) {
	cfg := testConfig(t)
	env := openEnv(t, cfg)
	defer env.Close()

	sch := kvScheme(t)
	sch.Upsert = concat
	st, err := env.CreateStore("s", sch)
	require.NoError(t, err)

	require.NoError(t, st.Set(nil, kv("x", "A")))
	require.NoError(t, st.Upsert(nil, kv("x", "B")))
	require.NoError(t, st.Upsert(nil, kv("x", "C")))

	got, err := st.Get(nil, key("x"))
	require.NoError(t, err)
	assert.Equal(t, "ABC", string(got[1]))

	// A checkpoint that drains all three materializes the fold on disk.
	require.NoError(t, env.Checkpoint())
	stat := st.Stat()
	require.Len(t, stat.Nodes, 1)
	assert.Zero(t, stat.Nodes[0].MemEntries)
	assert.Equal(t, uint32(1), stat.Nodes[0].Keys)

	got, err = st.Get(nil, key("x"))
	require.NoError(t, err)
	assert.Equal(t, "ABC", string(got[1]))

	cur, err := st.Cursor(nil, types.OrderGTE, nil)
	require.NoError(t, err)
	defer cur.Close()
	require.True(t, cur.Valid())
	assert.Equal(t, uint64(3), cur.Record().LSN())
}

func TestWriteWriteConflict(t *testing.T) {
	cfg := testConfig(t)
	env := openEnv(t, cfg)
	defer env.Close()

	st, err := env.CreateStore("s", kvScheme(t))
	require.NoError(t, err)

	t1, err := st.Begin(true)
	require.NoError(t, err)
	t2, err := st.Begin(true)
	require.NoError(t, err)

	require.NoError(t, st.Set(t1, kv("z", "t1")))
	require.NoError(t, st.Set(t2, kv("z", "t2")))

	require.NoError(t, st.Commit(t1))
	assert.ErrorIs(t, st.Commit(t2), types.ErrConflict)

	got, err := st.Get(nil, key("z"))
	require.NoError(t, err)
	assert.Equal(t, "t1", string(got[1]))
}

func TestCommitLockThenConflict(t *testing.T) {
	cfg := testConfig(t)
	env := openEnv(t, cfg)
	defer env.Close()

	st, err := env.CreateStore("s", kvScheme(t))
	require.NoError(t, err)

	t1, err := st.Begin(true)
	require.NoError(t, err)
	t2, err := st.Begin(true)
	require.NoError(t, err)
	require.NoError(t, st.Set(t1, kv("z", "t1")))
	require.NoError(t, st.Set(t2, kv("z", "t2")))

	// T2 is behind T1's uncommitted intent: lock, transaction stays live.
	assert.ErrorIs(t, st.Commit(t2), types.ErrLock)

	require.NoError(t, st.Commit(t1))
	assert.ErrorIs(t, st.Commit(t2), types.ErrConflict)
}

func TestCrashMidCompaction(t *testing.T) {
	cfg := testConfig(t)
	env := openEnv(t, cfg)
	st, err := env.CreateStore("s", kvScheme(t))
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		require.NoError(t, st.Set(nil, kv(fmt.Sprintf("key-%05d", i), "v")))
	}
	require.NoError(t, env.Checkpoint())

	stat := st.Stat()
	require.Len(t, stat.Nodes, 1)
	parent := stat.Nodes[0].ID
	require.NoError(t, env.Close())

	// Forge the crash window: the compaction output is fully sealed but
	// the old node was not yet retired.
	dir := filepath.Join(cfg.Path, "s")
	child := parent + 1
	data, err := os.ReadFile(filepath.Join(dir, node.DBName(parent)))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, node.SealName(parent, child)), data, 0o644))

	env2 := openEnv(t, cfg)
	defer env2.Close()

	// The seal was promoted and the original is gone.
	_, err = os.Stat(filepath.Join(dir, node.DBName(child)))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, node.DBName(parent)))
	assert.True(t, os.IsNotExist(err))

	st2, err := env2.Store("s")
	require.NoError(t, err)
	got, err := st2.Get(nil, key("key-00042"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(got[1]))
}

func TestInterruptedCompactionDiscarded(t *testing.T) {
	cfg := testConfig(t)
	env := openEnv(t, cfg)
	st, err := env.CreateStore("s", kvScheme(t))
	require.NoError(t, err)
	require.NoError(t, st.Set(nil, kv("a", "1")))
	require.NoError(t, env.Checkpoint())

	parent := st.Stat().Nodes[0].ID
	require.NoError(t, env.Close())

	// A compaction that died mid-write leaves incomplete (and possibly
	// sealed) children; recovery keeps the parent.
	dir := filepath.Join(cfg.Path, "s")
	require.NoError(t, os.WriteFile(filepath.Join(dir, node.IncompleteName(parent, parent+1)), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, node.SealName(parent, parent+2)), []byte("junk"), 0o644))

	env2 := openEnv(t, cfg)
	defer env2.Close()

	_, err = os.Stat(filepath.Join(dir, node.DBName(parent)))
	assert.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, ent := range entries {
		assert.NotContains(t, ent.Name(), node.SuffixSeal)
		assert.NotContains(t, ent.Name(), node.SuffixIncomplete)
	}

	st2, err := env2.Store("s")
	require.NoError(t, err)
	got, err := st2.Get(nil, key("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(got[1]))
}

func TestWALOnlySurvival(t *testing.T) {
	cfg := testConfig(t)
	env := openEnv(t, cfg)
	st, err := env.CreateStore("s", kvScheme(t))
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, st.Set(nil, kv(fmt.Sprintf("k%03d", i), fmt.Sprintf("v%d", i))))
	}
	// No checkpoint: everything lives in memory and the WAL only.
	require.NoError(t, env.Close())

	env2 := openEnv(t, cfg)
	defer env2.Close()
	st2, err := env2.Store("s")
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		got, err := st2.Get(nil, key(fmt.Sprintf("k%03d", i)))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("v%d", i), string(got[1]))
	}
	assert.NotEmpty(t, env2.Stat().WALFiles)
}

func TestSnapshotDuringCompaction(t *testing.T) {
	cfg := testConfig(t)
	env := openEnv(t, cfg)
	defer env.Close()

	st, err := env.CreateStore("s", kvScheme(t))
	require.NoError(t, err)

	require.NoError(t, st.Set(nil, kv("k", "v1")))

	// A reader pins the snapshot before the delete.
	ro, err := st.Begin(false)
	require.NoError(t, err)
	require.NoError(t, st.Delete(nil, key("k")))

	// Compaction must retain the version the reader can see.
	require.NoError(t, st.Compact())
	got, err := st.Get(ro, key("k"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got[1]))

	// Reader gone: the next compaction drops key and tombstone alike.
	st.Rollback(ro)
	require.NoError(t, st.Compact())
	_, err = st.Get(nil, key("k"))
	assert.ErrorIs(t, err, types.ErrNotFound)

	stat := st.Stat()
	require.Len(t, stat.Nodes, 1)
	assert.Zero(t, stat.Nodes[0].Keys, "store keeps one bootstrap node")
}

func TestCompactionSplitsNode(t *testing.T) {
	cfg := testConfig(t)
	cfg.PageSize = config.ByteSize(2 * datasize.KB)
	cfg.NodeSize = config.ByteSize(8 * datasize.KB)
	env := openEnv(t, cfg)
	defer env.Close()

	st, err := env.CreateStore("s", kvScheme(t))
	require.NoError(t, err)

	const count = 500
	for i := 0; i < count; i++ {
		require.NoError(t, st.Set(nil, kv(fmt.Sprintf("key-%05d", i), "some-payload-value")))
	}
	require.NoError(t, st.Compact())

	stat := st.Stat()
	assert.Greater(t, len(stat.Nodes), 1, "stream larger than node_size must split")

	// Split preserves the set.
	cur, err := st.Cursor(nil, types.OrderGTE, nil)
	require.NoError(t, err)
	defer cur.Close()
	seen := 0
	prev := ""
	for ; cur.Valid(); cur.Next() {
		k := string(cur.Record().Field(st.Scheme(), 0))
		assert.Greater(t, k, prev, "cursor must stay ordered across nodes")
		prev = k
		seen++
	}
	assert.Equal(t, count, seen)

	// Writes keep routing correctly after the split.
	require.NoError(t, st.Set(nil, kv("key-00250", "updated")))
	got, err := st.Get(nil, key("key-00250"))
	require.NoError(t, err)
	assert.Equal(t, "updated", string(got[1]))
}

func TestCompactionIdempotence(t *testing.T) {
	cfg := testConfig(t)
	env := openEnv(t, cfg)
	defer env.Close()

	st, err := env.CreateStore("s", kvScheme(t))
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, st.Set(nil, kv(fmt.Sprintf("k%03d", i), "v")))
	}
	require.NoError(t, st.Compact())
	before := st.Stat()

	// Nothing in memory, nothing droppable: contents are unchanged.
	require.NoError(t, st.Compact())
	after := st.Stat()
	require.Len(t, after.Nodes, len(before.Nodes))
	for i := range after.Nodes {
		assert.Equal(t, before.Nodes[i].Keys, after.Nodes[i].Keys)
		assert.Equal(t, before.Nodes[i].LSNMin, after.Nodes[i].LSNMin)
		assert.Equal(t, before.Nodes[i].LSNMax, after.Nodes[i].LSNMax)
	}
}

func TestSequencerMonotonicityAcrossRestart(t *testing.T) {
	cfg := testConfig(t)
	env := openEnv(t, cfg)
	st, err := env.CreateStore("s", kvScheme(t))
	require.NoError(t, err)
	require.NoError(t, st.Set(nil, kv("a", "1")))
	require.NoError(t, st.Set(nil, kv("b", "2")))
	require.NoError(t, env.Checkpoint())
	lsnBefore := env.Stat().LSN
	require.NoError(t, env.Close())

	env2 := openEnv(t, cfg)
	defer env2.Close()
	assert.GreaterOrEqual(t, env2.Stat().LSN, lsnBefore)

	st2, err := env2.Store("s")
	require.NoError(t, err)
	require.NoError(t, st2.Set(nil, kv("c", "3")))

	cur, err := st2.Cursor(nil, types.OrderGTE, key("c"))
	require.NoError(t, err)
	defer cur.Close()
	require.True(t, cur.Valid())
	assert.Greater(t, cur.Record().LSN(), lsnBefore)
}

func TestCursorSeesOwnWrites(t *testing.T) {
	cfg := testConfig(t)
	env := openEnv(t, cfg)
	defer env.Close()

	st, err := env.CreateStore("s", kvScheme(t))
	require.NoError(t, err)
	require.NoError(t, st.Set(nil, kv("a", "committed")))
	require.NoError(t, st.Set(nil, kv("b", "committed")))

	tx, err := st.Begin(true)
	require.NoError(t, err)
	require.NoError(t, st.Set(tx, kv("a", "own")))
	require.NoError(t, st.Set(tx, kv("c", "own")))

	cur, err := st.Cursor(tx, types.OrderGTE, nil)
	require.NoError(t, err)
	defer cur.Close()

	var got []string
	for ; cur.Valid(); cur.Next() {
		f := cur.Fields()
		got = append(got, string(f[0])+"="+string(f[1]))
	}
	assert.Equal(t, []string{"a=own", "b=committed", "c=own"}, got)
	st.Rollback(tx)
}

func TestCursorPrefix(t *testing.T) {
	cfg := testConfig(t)
	env := openEnv(t, cfg)
	defer env.Close()

	st, err := env.CreateStore("s", kvScheme(t))
	require.NoError(t, err)
	for _, k := range []string{"app:1", "app:2", "apple", "banana", "apq"} {
		require.NoError(t, st.Set(nil, kv(k, "v")))
	}

	cur, err := st.CursorPrefix(nil, []byte("app"))
	require.NoError(t, err)
	defer cur.Close()

	var got []string
	for ; cur.Valid(); cur.Next() {
		got = append(got, string(cur.Record().Field(st.Scheme(), 0)))
	}
	assert.Equal(t, []string{"app:1", "app:2", "apple"}, got)
}

func TestDeleteHidesKey(t *testing.T) {
	cfg := testConfig(t)
	env := openEnv(t, cfg)
	defer env.Close()

	st, err := env.CreateStore("s", kvScheme(t))
	require.NoError(t, err)

	require.NoError(t, st.Set(nil, kv("k", "v")))
	require.NoError(t, st.Delete(nil, key("k")))

	_, err = st.Get(nil, key("k"))
	assert.ErrorIs(t, err, types.ErrNotFound)

	// Within a transaction the own tombstone wins too.
	tx, err := st.Begin(true)
	require.NoError(t, err)
	require.NoError(t, st.Set(tx, kv("j", "x")))
	require.NoError(t, st.Delete(tx, key("j")))
	_, err = st.Get(tx, key("j"))
	assert.ErrorIs(t, err, types.ErrNotFound)
	st.Rollback(tx)
}

func TestWALGCAfterCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.RotateWM = 10
	env := openEnv(t, cfg)
	defer env.Close()

	st, err := env.CreateStore("s", kvScheme(t))
	require.NoError(t, err)
	for i := 0; i < 35; i++ {
		require.NoError(t, st.Set(nil, kv(fmt.Sprintf("k%03d", i), "v")))
	}
	filesBefore := len(env.Stat().WALFiles)
	require.Greater(t, filesBefore, 1, "rotation must have produced several files")

	// Draining every record lets the rotated-out files go.
	require.NoError(t, env.Checkpoint())
	assert.Less(t, len(env.Stat().WALFiles), filesBefore)
}

func TestBackup(t *testing.T) {
	cfg := testConfig(t)
	cfg.BackupPath = filepath.Join(t.TempDir(), "backup")
	cfg.SchedulerInterval = config.Duration(10 * time.Millisecond)
	env := openEnv(t, cfg)
	defer env.Close()

	st, err := env.CreateStore("s", kvScheme(t))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, st.Set(nil, kv(fmt.Sprintf("k%02d", i), "v")))
	}
	require.NoError(t, env.Checkpoint())

	sub := env.Events().Subscribe()
	defer env.Events().Unsubscribe(sub)

	bsn, err := env.Backup()
	require.NoError(t, err)

	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventBackupCompleted {
				final := filepath.Join(cfg.BackupPath, fmt.Sprintf("%020d", bsn))
				entries, err := os.ReadDir(filepath.Join(final, "s"))
				require.NoError(t, err)
				assert.NotEmpty(t, entries)
				return
			}
		case <-deadline:
			t.Fatal("backup did not complete")
		}
	}
}

func TestMalfunctionRejectsWrites(t *testing.T) {
	cfg := testConfig(t)
	env := openEnv(t, cfg)
	defer env.Close()

	st, err := env.CreateStore("s", kvScheme(t))
	require.NoError(t, err)
	require.NoError(t, st.Set(nil, kv("a", "1")))

	env.malfunction(fmt.Errorf("injected fault"))
	assert.Equal(t, types.StatusMalfunction, env.Status())
	assert.ErrorIs(t, st.Set(nil, kv("b", "2")), types.ErrMalfunction)
	assert.Error(t, env.LastError())

	// Reads still work in the degraded state.
	got, err := st.Get(nil, key("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(got[1]))
}

func TestSchemeValidatedOnReopen(t *testing.T) {
	cfg := testConfig(t)
	env := openEnv(t, cfg)
	_, err := env.CreateStore("s", kvScheme(t))
	require.NoError(t, err)
	require.NoError(t, env.Close())

	// Clobber the scheme file; the next open must refuse the store.
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Path, "s", "scheme"), []byte("version: 99\n"), 0o644))
	env2, err := New(cfg)
	require.NoError(t, err)
	assert.Error(t, env2.Open())
}
