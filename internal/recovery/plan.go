// Copyright (c) 2018, Postgres Professional

// Building and shipping recovery work orders for failed segments
package recovery

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"postgrespro.ru/segman/internal/cluster"
)

// Order tells one host to resync one segment from a healthy peer. Field
// names are what the local recovery agent reads.
type Order struct {
	TargetDataDirectory string `json:"target_datadir"`
	TargetPort          int    `json:"target_port"`
	TargetDbID          int    `json:"target_segment_dbid"`
	SourceHostname      string `json:"source_hostname"`
	SourcePort          int    `json:"source_port"`
	IsFullResync        bool   `json:"is_full_recovery"`
	ProgressFile        string `json:"progress_file"`
}

// Pair is what to recover and from where. Whether resync is full or
// incremental is decided by the caller.
type Pair struct {
	Failed cluster.Segment
	Source cluster.Segment
	// recover to another place instead of in-place; nil means in-place
	Target     *cluster.Segment
	FullResync bool
}

func (p Pair) target() cluster.Segment {
	if p.Target != nil {
		return *p.Target
	}
	return p.Failed
}

type DuplicateRecoveryTargetError struct {
	DbID int
}

func (e DuplicateRecoveryTargetError) Error() string {
	return fmt.Sprintf("segment with dbid %d is recovered twice in one run", e.DbID)
}

// Plan is host -> orders for that host, in the order pairs were given
type Plan struct {
	ID        uuid.UUID
	Timestamp time.Time
	Orders    map[string][]Order
}

// Hosts returns target hosts in sorted order
func (p *Plan) Hosts() []string {
	hosts := make([]string, 0, len(p.Orders))
	for host := range p.Orders {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

func (p *Plan) NumOrders() int {
	n := 0
	for _, orders := range p.Orders {
		n += len(orders)
	}
	return n
}

const timestampLayout = "20060102_150405"

type Builder struct {
	// where recovery progress files are written on target hosts
	LogDir string
}

func (b Builder) progressFile(full bool, ts time.Time, dbid int) string {
	tool := "pg_rewind"
	if full {
		tool = "pg_basebackup"
	}
	return filepath.Join(b.LogDir, fmt.Sprintf("%s.%s.dbid%d.out", tool, ts.Format(timestampLayout), dbid))
}

// Build makes a fresh plan for this run. Orders are never edited afterwards;
// retrying means building a new plan.
func (b Builder) Build(pairs []Pair, ts time.Time) (*Plan, error) {
	plan := &Plan{
		ID:        uuid.New(),
		Timestamp: ts,
		Orders:    make(map[string][]Order),
	}
	seen := make(map[int]bool)
	for _, p := range pairs {
		target := p.target()
		if seen[target.DbID] {
			return nil, DuplicateRecoveryTargetError{DbID: target.DbID}
		}
		seen[target.DbID] = true
		order := Order{
			TargetDataDirectory: target.DataDir,
			TargetPort:          target.Port,
			TargetDbID:          target.DbID,
			SourceHostname:      p.Source.Hostname,
			SourcePort:          p.Source.Port,
			IsFullResync:        p.FullResync,
			ProgressFile:        b.progressFile(p.FullResync, ts, target.DbID),
		}
		plan.Orders[target.Hostname] = append(plan.Orders[target.Hostname], order)
	}
	return plan, nil
}

// EncodeOrders serializes orders of one host, that's what the host gets
func EncodeOrders(orders []Order) ([]byte, error) {
	return json.Marshal(orders)
}

func DecodeOrders(data []byte) ([]Order, error) {
	var orders []Order
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("failed to decode recovery orders: %v", err)
	}
	return orders, nil
}

// EncodeManifest serializes the whole host -> orders mapping
func EncodeManifest(orders map[string][]Order) ([]byte, error) {
	return json.Marshal(orders)
}

func DecodeManifest(data []byte) (map[string][]Order, error) {
	var orders map[string][]Order
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("failed to decode recovery manifest: %v", err)
	}
	return orders, nil
}

// PairsForDownSegments pairs every down segment with its peer, which must be
// up: otherwise there is nothing to recover from.
func PairsForDownSegments(t *cluster.Topology, full bool) ([]Pair, error) {
	pairs := make([]Pair, 0)
	for _, failed := range t.DownSegments() {
		if failed.ContentID == cluster.CoordinatorContentID {
			return nil, fmt.Errorf("coordinator content segment %v is down, it can't be recovered here", failed)
		}
		sp, err := t.SegmentPair(failed.ContentID)
		if err != nil {
			return nil, err
		}
		var source *cluster.Segment
		if sp.Primary.DbID == failed.DbID {
			source = sp.Mirror
		} else {
			source = &sp.Primary
		}
		if source == nil || !source.IsUp() {
			return nil, fmt.Errorf("no healthy peer to recover segment %v from", failed)
		}
		pairs = append(pairs, Pair{Failed: failed, Source: *source, FullResync: full})
	}
	return pairs, nil
}
