// Copyright (c) 2018, Postgres Professional

package guc

import (
	"bufio"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/alessio/shellescape"

	"postgrespro.ru/segman/internal/cluster"
	"postgrespro.ru/segman/internal/command"
	"postgrespro.ru/segman/internal/pg"
	"postgrespro.ru/segman/internal/pool"
	"postgrespro.ru/segman/internal/segmlog"
)

const ConfigFile = "postgresql.conf"

// DatabaseQuery asks coordinator and, through it, every primary for the
// running value of parameter
func DatabaseQuery(name string) string {
	return fmt.Sprintf(`select (-1)::text as context, name, setting from pg_settings where name = %[1]s
	union all
	select gp_segment_id::text as context, name, setting from gp_dist_random('pg_settings') where name = %[1]s
	order by 1`, pg.QL(name))
}

// FromRows builds values out of DatabaseQuery result
func FromRows(rows []pg.Row) ([]Value, error) {
	values := make([]Value, 0, len(rows))
	for _, row := range rows {
		id, err := parseContext(row["context"])
		if err != nil {
			return nil, err
		}
		v := Value{Context: id, Name: row["name"]}
		if setting, ok := row["setting"]; ok {
			v.Value = &setting
		}
		values = append(values, v)
	}
	return values, nil
}

// DatabaseValues collects running values of parameter
func DatabaseValues(ctx context.Context, exec pg.Executor, coordinator pg.ConnTarget, name string) ([]Value, error) {
	rows, err := exec.Execute(ctx, coordinator, DatabaseQuery(name))
	if err != nil {
		return nil, err
	}
	return FromRows(rows)
}

// ParseFileValue finds parameter in postgresql.conf contents. Later settings
// override earlier ones, like the server does. nil if it is not set.
func ParseFileValue(contents string, name string) *string {
	var res *string
	scanner := bufio.NewScanner(strings.NewReader(contents))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := splitSetting(line)
		if !ok || !strings.EqualFold(key, name) {
			continue
		}
		res = &value
	}
	return res
}

// name = value, name value or name=value with optional trailing comment
func splitSetting(line string) (string, string, bool) {
	i := strings.IndexAny(line, "= \t")
	if i <= 0 {
		return "", "", false
	}
	key := line[:i]
	rest := strings.TrimLeft(line[i:], " \t")
	rest = strings.TrimPrefix(rest, "=")
	rest = strings.TrimSpace(rest)

	if strings.HasPrefix(rest, "'") {
		var b strings.Builder
		for j := 1; j < len(rest); j++ {
			if rest[j] == '\'' {
				if j+1 < len(rest) && rest[j+1] == '\'' {
					b.WriteByte('\'')
					j++
					continue
				}
				return key, b.String(), true
			}
			b.WriteByte(rest[j])
		}
		// unterminated quote
		return "", "", false
	}
	if j := strings.Index(rest, "#"); j >= 0 {
		rest = strings.TrimSpace(rest[:j])
	}
	return key, rest, true
}

// FileReadTask reads configuration file of one segment
type FileReadTask struct {
	*command.Task
	Segment cluster.Segment
}

func FileReadTasks(t *cluster.Topology, home string, tr command.Transport) ([]FileReadTask, error) {
	tasks := make([]FileReadTask, 0)
	for _, seg := range t.Segments() {
		ectx, err := command.NewRemote(seg.Hostname, home, tr)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(seg.DataDir, ConfigFile)
		task := command.NewTask(fmt.Sprintf("read %s of dbid %d", ConfigFile, seg.DbID), "cat "+shellescape.Quote(path), ectx)
		tasks = append(tasks, FileReadTask{Task: task, Segment: seg})
	}
	return tasks, nil
}

type FileOptions struct {
	Home      string
	Transport command.Transport
	Parallel  int
}

// FileValues reads parameter from configuration files of all segments,
// mirrors and standby included. Any unreadable file fails the whole thing.
func FileValues(ctx context.Context, hl *segmlog.Logger, t *cluster.Topology, name string, opts FileOptions) ([]Value, error) {
	tasks, err := FileReadTasks(t, opts.Home, opts.Transport)
	if err != nil {
		return nil, err
	}
	workers := pool.WorkersFor(t.DistinctHostnames(true).Len(), opts.Parallel)
	err = pool.With(ctx, hl, workers, func(p *pool.Pool) error {
		for _, task := range tasks {
			if err := p.Submit(task.Task); err != nil {
				return err
			}
		}
		p.AwaitAll()
		return p.CheckResults()
	})
	if err != nil {
		return nil, err
	}

	values := make([]Value, 0, len(tasks))
	for _, task := range tasks {
		res, err := task.Result()
		if err != nil {
			return nil, err
		}
		dbid := task.Segment.DbID
		values = append(values, Value{
			Context: task.Segment.ContentID,
			Name:    name,
			Value:   ParseFileValue(string(res.Stdout), name),
			DbID:    &dbid,
		})
	}
	return values, nil
}
