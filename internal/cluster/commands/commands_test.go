// Copyright (c) 2018, Postgres Professional

package commands

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	testingclock "k8s.io/utils/clock/testing"

	"postgrespro.ru/segman/internal/cluster"
	"postgrespro.ru/segman/internal/command"
	"postgrespro.ru/segman/internal/pg"
	"postgrespro.ru/segman/internal/reconfig"
	"postgrespro.ru/segman/internal/recovery"
	"postgrespro.ru/segman/internal/segmlog"
)

func row(dbid, content, role, status, host, port, datadir string) cluster.SnapshotRow {
	return cluster.SnapshotRow{
		cluster.ColDbID: dbid, cluster.ColContent: content, cluster.ColRole: role,
		cluster.ColStatus: status, cluster.ColHostname: host, cluster.ColPort: port,
		cluster.ColDataDir: datadir,
	}
}

func mirroredRows(mirrorStatus string) cluster.StaticSnapshotSource {
	return cluster.StaticSnapshotSource{
		row("1", "-1", "p", "u", "cdw", "5432", "/data/coordinator/gpseg-1"),
		row("2", "0", "p", "u", "sdw1", "6000", "/data/primary/gpseg0"),
		row("3", "0", "m", mirrorStatus, "sdw2", "7000", "/data/mirror/gpseg0"),
		row("4", "1", "p", "u", "sdw2", "6001", "/data/primary/gpseg1"),
		row("5", "1", "m", mirrorStatus, "sdw1", "7001", "/data/mirror/gpseg1"),
	}
}

// records everything, which makes the order of events visible
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(e string) {
	j.mu.Lock()
	j.events = append(j.events, e)
	j.mu.Unlock()
}

func (j *journal) Events() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

type fleet struct {
	j    *journal
	fail map[string]bool
	out  map[string]string
}

func (f fleet) Run(ctx context.Context, host string, cmd string) command.Result {
	f.j.add("run " + host)
	if f.fail[host] {
		return command.Result{ReturnCode: 1, Stderr: []byte("no route to host " + host)}
	}
	return command.Result{Stdout: []byte(f.out[host])}
}

type memStore struct {
	j         *journal
	runID     string
	manifests map[string][]byte
}

func (s *memStore) PutRecoveryManifest(ctx context.Context, runID string, host string, manifest []byte) error {
	s.j.add("store " + host)
	s.runID = runID
	s.manifests[host] = manifest
	return nil
}

func (s *memStore) GetRecoveryManifest(ctx context.Context, runID string, host string) ([]byte, error) {
	if runID != s.runID {
		return nil, nil
	}
	return s.manifests[host], nil
}

func (s *memStore) ListRecoveryManifests(ctx context.Context, runID string) (map[string][]byte, error) {
	if runID != s.runID {
		return nil, nil
	}
	return s.manifests, nil
}

// steps fake time by a second whenever the reconfigurer waits, until ctx is done
func tick(ctx context.Context, fc *testingclock.FakeClock) {
	for ctx.Err() == nil {
		if fc.HasWaiters() {
			fc.Step(time.Second)
			continue
		}
		time.Sleep(time.Millisecond)
	}
}

func step(j *journal, name string, err error) reconfig.Step {
	return func(ctx context.Context) error {
		j.add(name)
		return err
	}
}

func TestRecoverSegments(t *testing.T) {
	j := &journal{}
	store := &memStore{j: j, manifests: make(map[string][]byte)}
	err := RecoverSegments(context.Background(), segmlog.NewNop(), mirroredRows("d"), RecoverOptions{
		Fleet:   FleetOptions{Transport: fleet{j: j}},
		Full:    true,
		LogDir:  "/tmp",
		Store:   store,
		Probe:   step(j, "probe", nil),
		Check:   step(j, "check", nil),
		Timeout: 5 * time.Second,
		Clock:   testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	events := j.Events()
	require.Len(t, events, 6)
	assert.ElementsMatch(t, []string{"store sdw1", "store sdw2"}, events[:2])
	assert.ElementsMatch(t, []string{"run sdw1", "run sdw2"}, events[2:4])
	assert.Equal(t, []string{"probe", "check"}, events[4:])

	orders, err := recovery.DecodeOrders(store.manifests["sdw2"])
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, 3, orders[0].TargetDbID)
	assert.Equal(t, "sdw1", orders[0].SourceHostname)
	assert.True(t, orders[0].IsFullResync)
	assert.Equal(t, "/tmp/pg_basebackup.20240101_000000.dbid3.out", orders[0].ProgressFile)
}

func TestRecoverSegmentsNothingDown(t *testing.T) {
	j := &journal{}
	err := RecoverSegments(context.Background(), segmlog.NewNop(), mirroredRows("u"), RecoverOptions{
		Fleet: FleetOptions{Transport: fleet{j: j}},
		Probe: step(j, "probe", nil),
		Check: step(j, "check", nil),
	})
	require.NoError(t, err)
	assert.Empty(t, j.Events())
}

func TestRecoverSegmentsHostFails(t *testing.T) {
	j := &journal{}
	err := RecoverSegments(context.Background(), segmlog.NewNop(), mirroredRows("d"), RecoverOptions{
		Fleet:   FleetOptions{Transport: fleet{j: j, fail: map[string]bool{"sdw1": true}}},
		Probe:   step(j, "probe", nil),
		Check:   step(j, "check", nil),
		Timeout: time.Second,
	})
	var ee *command.ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "sdw1", ee.Host)
	assert.Contains(t, err.Error(), "no route to host sdw1")
	// no reconfiguration after failed recovery
	assert.NotContains(t, j.Events(), "probe")
}

func TestRecoverSegmentsConvergenceTimeout(t *testing.T) {
	j := &journal{}
	fc := testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tick(ctx, fc)

	err := RecoverSegments(context.Background(), segmlog.NewNop(), mirroredRows("d"), RecoverOptions{
		Fleet:   FleetOptions{Transport: fleet{j: j}},
		Probe:   step(j, "probe", nil),
		Check:   step(j, "check", errors.New("segment 1 is in recovery")),
		Timeout: 2 * time.Second,
		Clock:   fc,
	})
	var cte reconfig.ConvergenceTimeoutError
	require.True(t, errors.As(err, &cte))
	checks := 0
	for _, e := range j.Events() {
		if e == "check" {
			checks++
		}
	}
	assert.Equal(t, 3, checks)
}

func TestRecoverSegmentsInvalidTopology(t *testing.T) {
	src := cluster.StaticSnapshotSource{row("2", "0", "p", "d", "sdw1", "6000", "/data/primary/gpseg0")}
	err := RecoverSegments(context.Background(), segmlog.NewNop(), src, RecoverOptions{})
	var ite cluster.InvalidTopologyError
	assert.True(t, errors.As(err, &ite))
}

func TestReconfigureRequiresSteps(t *testing.T) {
	err := Reconfigure(context.Background(), segmlog.NewNop(), nil, nil, time.Second, nil)
	assert.Error(t, err)
}

func TestRunOnAllHosts(t *testing.T) {
	j := &journal{}
	topo, err := cluster.Load(context.Background(), mirroredRows("u"))
	require.NoError(t, err)
	f := fleet{j: j, fail: map[string]bool{"sdw2": true}, out: map[string]string{"cdw": "c", "sdw1": "one"}}

	results, err := RunOnAllHosts(context.Background(), segmlog.NewNop(), topo, "uptime", true, FleetOptions{Transport: f, Parallel: 2})
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	require.Len(t, results, 3)
	assert.Equal(t, "cdw", results[0].Host)
	assert.Equal(t, "one", string(results[1].Result.Stdout))
	assert.Equal(t, 1, results[2].Result.ReturnCode)

	f.fail = nil
	results, err = RunOnAllHosts(context.Background(), segmlog.NewNop(), topo, "uptime", false, FleetOptions{Transport: f})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

type gucExecutor struct {
	rows []pg.Row
}

func (e gucExecutor) Execute(ctx context.Context, target pg.ConnTarget, sql string) ([]pg.Row, error) {
	return e.rows, nil
}

func (e gucExecutor) ExecuteSingleton(ctx context.Context, target pg.ConnTarget, sql string) (string, error) {
	return "", errors.New("unexpected")
}

func TestCheckGuc(t *testing.T) {
	exec := gucExecutor{rows: []pg.Row{
		{"context": "-1", "name": "max_connections", "setting": "100"},
		{"context": "0", "name": "max_connections", "setting": "300"},
		{"context": "1", "name": "max_connections", "setting": "300"},
	}}
	conf := func(ctx context.Context, host string, cmd string) command.Result {
		if strings.Contains(cmd, "gpseg1") && host == "sdw1" {
			return command.Result{Stdout: []byte("max_connections = 200\n")}
		}
		return command.Result{Stdout: []byte("max_connections = 300\n")}
	}

	report, err := CheckGuc(context.Background(), segmlog.NewNop(), exec, pg.ConnTarget{Host: "cdw"},
		mirroredRows("u"), "max_connections", FleetOptions{Transport: command.TransportFunc(conf)})
	require.NoError(t, err)
	require.NotNil(t, report.Files)

	ok, err := report.Database.IsConsistent()
	require.NoError(t, err)
	assert.True(t, ok)
	// mirror of content 1 differs on disk
	ok, err = report.Consistent()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, report.Files.String(), "[value: 200] [dbid: 5]")
}

func TestCheckGucNoMirrors(t *testing.T) {
	exec := gucExecutor{rows: []pg.Row{
		{"context": "-1", "name": "work_mem", "setting": "32MB"},
		{"context": "0", "name": "work_mem", "setting": "32MB"},
	}}
	src := cluster.StaticSnapshotSource{
		row("1", "-1", "p", "u", "cdw", "5432", "/data/coordinator/gpseg-1"),
		row("2", "0", "p", "u", "sdw1", "6000", "/data/primary/gpseg0"),
	}
	report, err := CheckGuc(context.Background(), segmlog.NewNop(), exec, pg.ConnTarget{Host: "cdw"},
		src, "work_mem", FleetOptions{})
	require.NoError(t, err)
	assert.Nil(t, report.Files)
	ok, err := report.Consistent()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestShowManifests(t *testing.T) {
	j := &journal{}
	store := &memStore{j: j, manifests: make(map[string][]byte)}
	err := RecoverSegments(context.Background(), segmlog.NewNop(), mirroredRows("d"), RecoverOptions{
		Fleet:   FleetOptions{Transport: fleet{j: j}},
		LogDir:  "/tmp",
		Store:   store,
		Probe:   step(j, "probe", nil),
		Check:   step(j, "check", nil),
		Timeout: time.Second,
		Clock:   testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	all, err := ShowManifests(context.Background(), store, store.runID, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "sdw1", all[0].Host)
	assert.Equal(t, "sdw2", all[1].Host)
	require.Len(t, all[0].Orders, 1)
	assert.Equal(t, 5, all[0].Orders[0].TargetDbID)
	assert.False(t, all[0].Orders[0].IsFullResync)

	one, err := ShowManifests(context.Background(), store, store.runID, "sdw2")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, 3, one[0].Orders[0].TargetDbID)

	_, err = ShowManifests(context.Background(), store, store.runID, "sdw9")
	assert.Error(t, err)
	_, err = ShowManifests(context.Background(), store, "00000000-0000-0000-0000-000000000000", "")
	assert.Error(t, err)
	_, err = ShowManifests(context.Background(), store, "not-a-run", "")
	assert.Error(t, err)
}
