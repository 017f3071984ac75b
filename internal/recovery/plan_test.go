// Copyright (c) 2018, Postgres Professional

package recovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postgrespro.ru/segman/internal/cluster"
	"postgrespro.ru/segman/internal/command"
	"postgrespro.ru/segman/internal/segmlog"
)

var runTS = time.Date(2024, 3, 1, 12, 30, 5, 0, time.UTC)

func seg(dbid, content int, role cluster.Role, host string, port int, datadir string) cluster.Segment {
	return cluster.Segment{
		DbID: dbid, ContentID: content, Role: role, PreferredRole: role, Status: cluster.StatusUp,
		Hostname: host, Address: host, Port: port, DataDir: datadir,
	}
}

func TestBuild(t *testing.T) {
	pairs := []Pair{
		{
			Failed:     seg(3, 0, cluster.RoleMirror, "sdw2", 7000, "/data/mirror/gpseg0"),
			Source:     seg(2, 0, cluster.RolePrimary, "sdw1", 6000, "/data/primary/gpseg0"),
			FullResync: true,
		},
		{
			Failed: seg(5, 1, cluster.RoleMirror, "sdw2", 7001, "/data/mirror/gpseg1"),
			Source: seg(4, 1, cluster.RolePrimary, "sdw1", 6001, "/data/primary/gpseg1"),
		},
		{
			Failed: seg(7, 2, cluster.RoleMirror, "sdw1", 7002, "/data/mirror/gpseg2"),
			Source: seg(6, 2, cluster.RolePrimary, "sdw3", 6002, "/data/primary/gpseg2"),
			Target: &cluster.Segment{DbID: 7, Hostname: "sdw4", Port: 8002, DataDir: "/new/mirror/gpseg2"},
		},
	}
	plan, err := Builder{LogDir: "/home/gpadmin/gpAdminLogs"}.Build(pairs, runTS)
	require.NoError(t, err)

	assert.Equal(t, []string{"sdw2", "sdw4"}, plan.Hosts())
	assert.Equal(t, 3, plan.NumOrders())
	assert.Equal(t, runTS, plan.Timestamp)

	sdw2 := plan.Orders["sdw2"]
	require.Len(t, sdw2, 2)
	assert.Equal(t, Order{
		TargetDataDirectory: "/data/mirror/gpseg0",
		TargetPort:          7000,
		TargetDbID:          3,
		SourceHostname:      "sdw1",
		SourcePort:          6000,
		IsFullResync:        true,
		ProgressFile:        "/home/gpadmin/gpAdminLogs/pg_basebackup.20240301_123005.dbid3.out",
	}, sdw2[0])
	assert.Equal(t, 5, sdw2[1].TargetDbID)
	assert.False(t, sdw2[1].IsFullResync)
	assert.Equal(t, "/home/gpadmin/gpAdminLogs/pg_rewind.20240301_123005.dbid5.out", sdw2[1].ProgressFile)

	relocated := plan.Orders["sdw4"]
	require.Len(t, relocated, 1)
	assert.Equal(t, 8002, relocated[0].TargetPort)
	assert.Equal(t, "/new/mirror/gpseg2", relocated[0].TargetDataDirectory)
	assert.Equal(t, "sdw3", relocated[0].SourceHostname)
}

func TestBuildFreshPlanEachTime(t *testing.T) {
	b := Builder{}
	p1, err := b.Build(nil, runTS)
	require.NoError(t, err)
	p2, err := b.Build(nil, runTS)
	require.NoError(t, err)
	assert.NotEqual(t, p1.ID, p2.ID)
	assert.Empty(t, p1.Hosts())
}

func TestBuildDuplicateTarget(t *testing.T) {
	failed := seg(3, 0, cluster.RoleMirror, "sdw2", 7000, "/data/mirror/gpseg0")
	source := seg(2, 0, cluster.RolePrimary, "sdw1", 6000, "/data/primary/gpseg0")
	_, err := Builder{}.Build([]Pair{
		{Failed: failed, Source: source},
		{Failed: failed, Source: source, FullResync: true},
	}, runTS)
	var dup DuplicateRecoveryTargetError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, 3, dup.DbID)
}

func TestManifestRoundTrip(t *testing.T) {
	manifest := map[string][]Order{
		"sdw1": {
			{TargetDataDirectory: "/data/it's here", TargetPort: 6000, TargetDbID: 2,
				SourceHostname: "sdw2", SourcePort: 7000, IsFullResync: true, ProgressFile: "/tmp/p.out"},
			{TargetDataDirectory: "/data/b", TargetPort: 6001, TargetDbID: 4, SourceHostname: "sdw3", SourcePort: 7001},
		},
		"sdw2": {},
	}
	data, err := EncodeManifest(manifest)
	require.NoError(t, err)
	back, err := DecodeManifest(data)
	require.NoError(t, err)
	assert.Equal(t, manifest, back)

	data, err = EncodeOrders(manifest["sdw1"])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"target_segment_dbid":2`)
	assert.Contains(t, string(data), `"is_full_recovery":true`)
	orders, err := DecodeOrders(data)
	require.NoError(t, err)
	assert.Equal(t, manifest["sdw1"], orders)

	_, err = DecodeOrders([]byte("{not json"))
	assert.Error(t, err)
}

func downTopology(t *testing.T) *cluster.Topology {
	primary0 := seg(2, 0, cluster.RolePrimary, "sdw1", 6000, "/data/primary/gpseg0")
	mirror0 := seg(3, 0, cluster.RoleMirror, "sdw2", 7000, "/data/mirror/gpseg0")
	mirror0.Status = cluster.StatusDown
	// failed over: mirror acting as primary, old primary down
	primary1 := seg(4, 1, cluster.RoleMirror, "sdw3", 6001, "/data/primary/gpseg1")
	primary1.Status = cluster.StatusDown
	primary1.PreferredRole = cluster.RolePrimary
	mirror1 := seg(5, 1, cluster.RolePrimary, "sdw1", 7001, "/data/mirror/gpseg1")
	mirror1.PreferredRole = cluster.RoleMirror
	topo, err := cluster.NewTopology([]cluster.Segment{
		seg(1, -1, cluster.RolePrimary, "cdw", 5432, "/data/coordinator/gpseg-1"),
		primary0, mirror0, primary1, mirror1,
	})
	require.NoError(t, err)
	return topo
}

func TestPairsForDownSegments(t *testing.T) {
	pairs, err := PairsForDownSegments(downTopology(t), false)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, 3, pairs[0].Failed.DbID)
	assert.Equal(t, 2, pairs[0].Source.DbID)
	assert.Equal(t, 4, pairs[1].Failed.DbID)
	assert.Equal(t, 5, pairs[1].Source.DbID)
	assert.False(t, pairs[1].FullResync)
}

func TestPairsForDownSegmentsNoPeer(t *testing.T) {
	primary := seg(2, 0, cluster.RolePrimary, "sdw1", 6000, "/data/primary/gpseg0")
	primary.Status = cluster.StatusDown
	topo, err := cluster.NewTopology([]cluster.Segment{
		seg(1, -1, cluster.RolePrimary, "cdw", 5432, "/data/coordinator/gpseg-1"),
		primary,
	})
	require.NoError(t, err)
	_, err = PairsForDownSegments(topo, true)
	assert.Error(t, err)
}

type recordingTransport struct {
	mu   sync.Mutex
	cmds map[string]string
	fail string
}

func (r *recordingTransport) Run(ctx context.Context, host string, cmd string) command.Result {
	r.mu.Lock()
	r.cmds[host] = cmd
	r.mu.Unlock()
	if host == r.fail {
		return command.Result{ReturnCode: 2, Stderr: []byte("pg_basebackup: could not connect")}
	}
	return command.Result{}
}

func TestDispatch(t *testing.T) {
	pairs, err := PairsForDownSegments(downTopology(t), true)
	require.NoError(t, err)
	plan, err := Builder{LogDir: "/tmp"}.Build(pairs, runTS)
	require.NoError(t, err)

	tr := &recordingTransport{cmds: make(map[string]string)}
	err = Dispatch(context.Background(), segmlog.NewNop(), plan, DispatchOptions{Transport: tr, Parallel: 1})
	require.NoError(t, err)
	require.Len(t, tr.cmds, 2)

	cmd := tr.cmds["sdw2"]
	prefix := DefaultAgent + " --orders '"
	require.True(t, strings.HasPrefix(cmd, prefix), cmd)
	orders, err := DecodeOrders([]byte(strings.TrimSuffix(strings.TrimPrefix(cmd, prefix), "'")))
	require.NoError(t, err)
	assert.Equal(t, plan.Orders["sdw2"], orders)
}

func TestDispatchFailure(t *testing.T) {
	pairs, err := PairsForDownSegments(downTopology(t), false)
	require.NoError(t, err)
	plan, err := Builder{}.Build(pairs, runTS)
	require.NoError(t, err)

	tr := &recordingTransport{cmds: make(map[string]string), fail: "sdw3"}
	err = Dispatch(context.Background(), segmlog.NewNop(), plan, DispatchOptions{Transport: tr, Agent: "agent"})
	var ee *command.ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "sdw3", ee.Host)
	assert.Contains(t, ee.Error(), "could not connect")
	// the other host still got its orders
	assert.Len(t, tr.cmds, 2)
}

func TestDispatchEmptyPlan(t *testing.T) {
	plan, err := Builder{}.Build(nil, runTS)
	require.NoError(t, err)
	assert.NoError(t, Dispatch(context.Background(), segmlog.NewNop(), plan, DispatchOptions{}))
}
