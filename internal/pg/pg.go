// Copyright (c) 2018, Postgres Professional

// Interaction with Postgres: the only place where we talk SQL
package pg

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx"

	"postgrespro.ru/segman/internal/cluster"
)

// startup parameter which makes segment accept connection bypassing the
// coordinator
const UtilityModeParam = "gp_role"

// Where to connect
type ConnTarget struct {
	Host     string
	Port     int
	DBName   string
	User     string
	Password string
	// utility mode: talk to this very instance, no dispatch
	Utility bool
}

// Target for direct utility connection to the given segment, with the same
// credentials
func (t ConnTarget) ForSegment(seg cluster.Segment) ConnTarget {
	return ConnTarget{
		Host:     seg.Address,
		Port:     seg.Port,
		DBName:   t.DBName,
		User:     t.User,
		Password: t.Password,
		Utility:  true,
	}
}

func (t ConnTarget) ConnStringMap() map[string]string {
	cp := map[string]string{
		"user":     t.User,
		"dbname":   t.DBName,
		"host":     t.Host,
		"password": t.Password,
	}
	if cp["dbname"] == "" {
		cp["dbname"] = "postgres"
	}
	if t.Port != 0 {
		cp["port"] = strconv.Itoa(t.Port)
	}
	return cp
}

func (t ConnTarget) ConnString() string {
	return ConnString(t.ConnStringMap())
}

func (t ConnTarget) String() string {
	mode := ""
	if t.Utility {
		mode = " (utility)"
	}
	return fmt.Sprintf("%s:%d/%s%s", t.Host, t.Port, t.DBName, mode)
}

// One result row: column name -> text value; NULLs are omitted
type Row map[string]string

// Executor is all we need from SQL
type Executor interface {
	Execute(ctx context.Context, target ConnTarget, sql string) ([]Row, error)
	// first column of the single row
	ExecuteSingleton(ctx context.Context, target ConnTarget, sql string) (string, error)
}

// PgxExecutor opens a connection per call
type PgxExecutor struct{}

func Connect(target ConnTarget) (*pgx.Conn, error) {
	connconfig, err := pgx.ParseConnectionString(target.ConnString())
	if err != nil {
		return nil, fmt.Errorf("connstring parsing failed: %v", err) // should not happen
	}
	if target.Utility {
		if connconfig.RuntimeParams == nil {
			connconfig.RuntimeParams = make(map[string]string)
		}
		connconfig.RuntimeParams[UtilityModeParam] = "utility"
	}
	conn, err := pgx.Connect(connconfig)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %v: %w", target, err)
	}
	return conn, nil
}

func (PgxExecutor) Execute(ctx context.Context, target ConnTarget, sql string) ([]Row, error) {
	conn, err := Connect(target)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.QueryEx(ctx, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("sql %v failed: %w", sql, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	res := make([]Row, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan sql %v failed: %w", sql, err)
		}
		row := make(Row, len(values))
		for i, v := range values {
			if v == nil {
				continue
			}
			row[fields[i].Name] = textValue(v)
		}
		res = append(res, row)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("sql %v failed: %w", sql, rows.Err())
	}
	return res, nil
}

func (PgxExecutor) ExecuteSingleton(ctx context.Context, target ConnTarget, sql string) (string, error) {
	conn, err := Connect(target)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	var res *string
	err = conn.QueryRowEx(ctx, sql, nil).Scan(&res)
	if err != nil {
		return "", fmt.Errorf("sql %v failed: %w", sql, err)
	}
	if res == nil {
		return "", nil
	}
	return *res, nil
}

func textValue(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// Connstring stuff

// ConnString returns a connection string, its entries are sorted so the
// returned string can be reproducible and comparable
func ConnString(p map[string]string) string {
	var kvs []string
	escaper := strings.NewReplacer(` `, `\ `, `'`, `\'`, `\`, `\\`)
	for k, v := range p {
		if v != "" {
			kvs = append(kvs, k+"="+escaper.Replace(v))
		}
	}
	sort.Sort(sort.StringSlice(kvs))
	return strings.Join(kvs, " ")
}

// QL quotes string literal
func QL(s string) string {
	return "'" + strings.Replace(s, "'", "''", -1) + "'"
}

// QI quotes identifier
func QI(s string) string {
	return `"` + strings.Replace(s, `"`, `""`, -1) + `"`
}
