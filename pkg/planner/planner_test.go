package planner

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sophia/pkg/node"
	"github.com/cuemby/sophia/pkg/page"
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

// diskNode builds a real node file so header statistics are populated
func diskNode(t *testing.T, s *scheme.Scheme, nsn uint64, recs ...record.Record) *node.Node {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, node.DBName(nsn))
	w, err := node.NewWriter(path, s, 0, false)
	require.NoError(t, err)
	if len(recs) > 0 {
		pb := page.NewBuilder(s, nil)
		for _, r := range recs {
			require.NoError(t, pb.Add(r))
		}
		enc, hdr, err := pb.Finish()
		require.NoError(t, err)
		require.NoError(t, w.WritePage(enc, hdr, recs[0], recs[len(recs)-1], 64))
	}
	_, err = w.Close()
	require.NoError(t, err)

	n, err := node.Open(path, s, nil, false, nsn, 0)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func rec(t *testing.T, s *scheme.Scheme, flags types.Flags, k string, lsn uint64) record.Record {
	t.Helper()
	r, err := record.Build(s, flags, lsn, [][]byte{[]byte(k), []byte("v")})
	require.NoError(t, err)
	return r
}

func TestPlanNothingDue(t *testing.T) {
	s := testScheme(t)
	p := New()
	n := diskNode(t, s, 1)

	task := p.Plan(Input{Nodes: []*node.Node{n}, NodeCap: 1 << 20, VLSN: 10})
	assert.Nil(t, task)
}

func TestPlanCompactionOnMemoryPressure(t *testing.T) {
	s := testScheme(t)
	p := New()
	n := diskNode(t, s, 1)
	for i := 0; i < 100; i++ {
		n.I0.Insert(rec(t, s, types.FlagNone, fmt.Sprintf("k%03d", i), uint64(i+1)), 0)
	}

	task := p.Plan(Input{Nodes: []*node.Node{n}, NodeCap: 64, VLSN: 100})
	require.NotNil(t, task)
	assert.Equal(t, types.TaskCompaction, task.Kind)
	assert.Equal(t, n, task.Node)

	// A locked node is skipped and retried later.
	n.Locked = true
	assert.Nil(t, p.Plan(Input{Nodes: []*node.Node{n}, NodeCap: 64, VLSN: 100}))
}

func TestPlanCheckpoint(t *testing.T) {
	s := testScheme(t)
	p := New()
	n := diskNode(t, s, 1)
	n.I0.Insert(rec(t, s, types.FlagNone, "a", 5), 0)

	p.RequestCheckpoint(10)
	task := p.Plan(Input{Nodes: []*node.Node{n}, NodeCap: 1 << 20, VLSN: 10})
	require.NotNil(t, task)
	assert.Equal(t, types.TaskCheckpoint, task.Kind)
	assert.Equal(t, uint64(10), task.TargetLSN)

	// Once nothing is pending at or below the target the request clears.
	drained := diskNode(t, s, 2)
	assert.Nil(t, p.Plan(Input{Nodes: []*node.Node{drained}, NodeCap: 1 << 20, VLSN: 10}))
	assert.Zero(t, p.CheckpointActive())
}

func TestPlanGCOnDuplicateRatio(t *testing.T) {
	s := testScheme(t)
	p := New()
	// Two records of one key: one duplicate, 50 percent ratio.
	n := diskNode(t, s, 1,
		rec(t, s, types.FlagNone, "k", 9),
		rec(t, s, types.FlagNone, "k", 4),
	)

	task := p.Plan(Input{Nodes: []*node.Node{n}, NodeCap: 1 << 20, VLSN: 10, GCThreshold: 50})
	require.NotNil(t, task)
	assert.Equal(t, types.TaskGC, task.Kind)

	// Duplicates above the visibility floor are not collectable yet.
	assert.Nil(t, p.Plan(Input{Nodes: []*node.Node{n}, NodeCap: 1 << 20, VLSN: 2, GCThreshold: 50}))
}

func TestPlanExpire(t *testing.T) {
	sch, err := scheme.New([]scheme.Field{
		{Name: "k", Type: scheme.TypeString, Key: true},
		{Name: "ts", Type: scheme.TypeU32, Timestamp: true},
	})
	require.NoError(t, err)
	p := New()

	old, err := record.Build(sch, types.FlagNone, 1, [][]byte{[]byte("k"), record.U32(1000)})
	require.NoError(t, err)
	n := diskNode(t, sch, 1, old)

	task := p.Plan(Input{
		Nodes:        []*node.Node{n},
		NodeCap:      1 << 20,
		VLSN:         10,
		ExpirePeriod: time.Hour,
		Now:          time.Unix(1_000_000, 0),
	})
	require.NotNil(t, task)
	assert.Equal(t, types.TaskExpire, task.Kind)

	// Nothing expires when the record is fresh.
	assert.Nil(t, p.Plan(Input{
		Nodes:        []*node.Node{n},
		NodeCap:      1 << 20,
		VLSN:         10,
		ExpirePeriod: time.Hour,
		Now:          time.Unix(1500, 0),
	}))
}

func TestPlanBackup(t *testing.T) {
	s := testScheme(t)
	p := New()
	n := diskNode(t, s, 1)

	p.RequestBackup(3)
	task := p.Plan(Input{Nodes: []*node.Node{n}, NodeCap: 1 << 20})
	require.NotNil(t, task)
	assert.Equal(t, types.TaskBackup, task.Kind)
	assert.Equal(t, uint64(3), task.TargetBSN)

	// Quota: one in-flight backup copy per store.
	assert.Nil(t, p.Plan(Input{Nodes: []*node.Node{n}, NodeCap: 1 << 20, BackupInFlight: true}))

	// Once the node is copied the request clears.
	n.BackupBSN = 3
	assert.Nil(t, p.Plan(Input{Nodes: []*node.Node{n}, NodeCap: 1 << 20}))
	assert.Zero(t, p.BackupActive())
}

func TestPlanNodeGC(t *testing.T) {
	s := testScheme(t)
	p := New()
	n := diskNode(t, s, 1)

	p.QueueNodeGC(n)
	n.Ref()
	assert.Nil(t, p.Plan(Input{}), "pinned node must wait")
	assert.Equal(t, 1, p.PendingNodeGC())

	n.Unref()
	task := p.Plan(Input{})
	require.NotNil(t, task)
	assert.Equal(t, types.TaskNodeGC, task.Kind)
	assert.Zero(t, p.PendingNodeGC())
}
