// Copyright (c) 2018, Postgres Professional

package cluster

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// SnapshotSource gives current segment rows. Normally it is a live catalog
// query, but during bootstrap a static file or the store will do.
type SnapshotSource interface {
	Snapshot(ctx context.Context) ([]SnapshotRow, error)
}

// Load reads and validates topology
func Load(ctx context.Context, src SnapshotSource) (*Topology, error) {
	rows, err := src.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get topology snapshot: %w", err)
	}
	return NewTopologyFromRows(rows)
}

// Static rows, mostly for tests
type StaticSnapshotSource []SnapshotRow

func (s StaticSnapshotSource) Snapshot(ctx context.Context) ([]SnapshotRow, error) {
	return s, nil
}

// File looks like
//
//	segments:
//	  - {dbid: 1, content: -1, role: p, hostname: cdw, port: 5432, datadir: /data/coordinator/gpseg-1}
//	  - ...
type FileSnapshotSource struct {
	Path string
}

type snapshotFile struct {
	Segments []map[string]interface{} `yaml:"segments"`
}

func (s FileSnapshotSource) Snapshot(ctx context.Context) ([]SnapshotRow, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("cannot read topology file: %w", err)
	}
	return ParseSnapshotYAML(data)
}

func ParseSnapshotYAML(data []byte) ([]SnapshotRow, error) {
	var f snapshotFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse topology file: %w", err)
	}
	rows := make([]SnapshotRow, 0, len(f.Segments))
	for _, m := range f.Segments {
		row := make(SnapshotRow, len(m))
		for k, v := range m {
			if v == nil {
				continue
			}
			row[k] = fmt.Sprint(v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// MarshalSnapshotYAML is the inverse of ParseSnapshotYAML
func MarshalSnapshotYAML(rows []SnapshotRow) ([]byte, error) {
	f := snapshotFile{Segments: make([]map[string]interface{}, 0, len(rows))}
	for _, row := range rows {
		m := make(map[string]interface{}, len(row))
		for k, v := range row {
			m[k] = v
		}
		f.Segments = append(f.Segments, m)
	}
	return yaml.Marshal(f)
}
