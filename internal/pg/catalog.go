// Copyright (c) 2018, Postgres Professional

package pg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx"

	"postgrespro.ru/segman/internal/cluster"
	"postgrespro.ru/segman/internal/reconfig"
)

const segmentConfigurationQuery = `select dbid::text as dbid, content::text as content,
	role::text as role, preferred_role::text as preferred_role, status::text as status,
	hostname, address, port::text as port, datadir
	from gp_segment_configuration order by content, dbid`

const ftsProbeQuery = "select gp_request_fts_probe_scan()::text"

// the table goes away at commit; what matters is that ddl makes the
// transaction distributed, i.e. touches every primary
const convergenceCheckSQL = "create temp table segman_convergence_check(a int) on commit drop"

// Live topology from the coordinator catalog
type CatalogSnapshotSource struct {
	Exec   Executor
	Target ConnTarget
}

func (s CatalogSnapshotSource) Snapshot(ctx context.Context) ([]cluster.SnapshotRow, error) {
	rows, err := s.Exec.Execute(ctx, s.Target, segmentConfigurationQuery)
	if err != nil {
		return nil, err
	}
	res := make([]cluster.SnapshotRow, 0, len(rows))
	for _, row := range rows {
		res = append(res, cluster.SnapshotRow(row))
	}
	return res, nil
}

// ProbeFTS returns function forcing fault detection to rescan segments now.
// Only connection troubles are worth retrying; any other server error is
// marked permanent.
func ProbeFTS(exec Executor, coordinator ConnTarget) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := exec.ExecuteSingleton(ctx, coordinator, ftsProbeQuery)
		if err == nil {
			return nil
		}
		err = fmt.Errorf("fts probe failed: %w", err)
		var pgErr pgx.PgError
		if errors.As(err, &pgErr) && !transientSQLState(pgErr.Code) {
			return reconfig.Permanent(err)
		}
		return err
	}
}

// class 08 is connection exception, 57P0x is server shutting down or
// starting up
func transientSQLState(code string) bool {
	return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57P0")
}

// Conn is what health checks need from *pgx.Conn
type Conn interface {
	ExecEx(ctx context.Context, sql string, options *pgx.QueryExOptions, arguments ...interface{}) (pgx.CommandTag, error)
	Close() error
}

type ConnectFunc func(target ConnTarget) (Conn, error)

func connectPgx(target ConnTarget) (Conn, error) {
	conn, err := Connect(target)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// TempTableCheck returns health check which succeeds only when a distributed
// transaction can be committed on all primaries
func TempTableCheck(coordinator ConnTarget) func(ctx context.Context) error {
	return TempTableCheckWith(connectPgx, coordinator)
}

// TempTableCheckWith is TempTableCheck connecting with connect. The connection
// is closed on every path: on failure the backend might be left in
// half-aborted transaction against a segment which is failing over.
func TempTableCheckWith(connect ConnectFunc, coordinator ConnTarget) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		conn, err := connect(coordinator)
		if err != nil {
			return err
		}
		defer conn.Close()

		for _, sql := range []string{"begin", convergenceCheckSQL, "commit"} {
			if _, err := conn.ExecEx(ctx, sql, nil); err != nil {
				return fmt.Errorf("%s failed: %w", sql, err)
			}
		}
		return nil
	}
}
