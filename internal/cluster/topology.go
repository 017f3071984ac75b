// Copyright (c) 2018, Postgres Professional

package cluster

import (
	"fmt"
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"
)

type InvalidTopologyError struct {
	Reason string
}

func (e InvalidTopologyError) Error() string {
	return fmt.Sprintf("invalid topology: %s", e.Reason)
}

type UnknownContentIDError struct {
	ContentID int
}

func (e UnknownContentIDError) Error() string {
	return fmt.Sprintf("no segment with content id %d", e.ContentID)
}

// Primary and, if configured, mirror of one content
type SegmentPair struct {
	Primary Segment
	Mirror  *Segment
}

// Topology is the model of the whole fleet. It is immutable once built and
// may be shared between goroutines freely.
type Topology struct {
	segments  []Segment
	byContent map[int][]int // content -> indexes in segments
	byHost    map[string][]int
}

// LoadFromSnapshot parses rows. The result is not validated, see Validate.
func LoadFromSnapshot(rows []SnapshotRow) (*Topology, error) {
	segs := make([]Segment, 0, len(rows))
	for i, row := range rows {
		seg, err := parseSegment(i, row)
		if err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return newTopology(segs), nil
}

// NewTopologyFromRows is LoadFromSnapshot followed by Validate
func NewTopologyFromRows(rows []SnapshotRow) (*Topology, error) {
	t, err := LoadFromSnapshot(rows)
	if err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// NewTopology builds topology from segments and validates it
func NewTopology(segs []Segment) (*Topology, error) {
	t := newTopology(segs)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func newTopology(segs []Segment) *Topology {
	t := &Topology{
		segments:  make([]Segment, len(segs)),
		byContent: make(map[int][]int),
		byHost:    make(map[string][]int),
	}
	copy(t.segments, segs)
	// keep stable order: by content, primaries first, then dbid
	sort.SliceStable(t.segments, func(i, j int) bool {
		a, b := t.segments[i], t.segments[j]
		if a.ContentID != b.ContentID {
			return a.ContentID < b.ContentID
		}
		if a.Role != b.Role {
			return a.Role == RolePrimary
		}
		return a.DbID < b.DbID
	})
	for i, seg := range t.segments {
		t.byContent[seg.ContentID] = append(t.byContent[seg.ContentID], i)
		t.byHost[seg.Hostname] = append(t.byHost[seg.Hostname], i)
	}
	return t
}

func (t *Topology) Validate() error {
	if len(t.segments) == 0 {
		return InvalidTopologyError{Reason: "no segments"}
	}
	dbids := make(map[int]bool)
	for _, seg := range t.segments {
		if dbids[seg.DbID] {
			return InvalidTopologyError{Reason: fmt.Sprintf("duplicate dbid %d", seg.DbID)}
		}
		dbids[seg.DbID] = true
		if seg.ContentID < CoordinatorContentID {
			return InvalidTopologyError{Reason: fmt.Sprintf("dbid %d has invalid content id %d", seg.DbID, seg.ContentID)}
		}
	}
	for content, idxs := range t.byContent {
		var primaries, mirrors int
		for _, i := range idxs {
			if t.segments[i].Role == RolePrimary {
				primaries++
			} else {
				mirrors++
			}
		}
		if content == CoordinatorContentID && primaries != 1 {
			return InvalidTopologyError{Reason: fmt.Sprintf("expected exactly one coordinator, found %d", primaries)}
		}
		if primaries != 1 {
			return InvalidTopologyError{Reason: fmt.Sprintf("content %d has %d primaries", content, primaries)}
		}
		if mirrors > 1 {
			return InvalidTopologyError{Reason: fmt.Sprintf("content %d has %d mirrors", content, mirrors)}
		}
	}
	if _, ok := t.byContent[CoordinatorContentID]; !ok {
		return InvalidTopologyError{Reason: "expected exactly one coordinator, found 0"}
	}
	return nil
}

// Segments returns a copy of all segments ordered by content id
func (t *Topology) Segments() []Segment {
	res := make([]Segment, len(t.segments))
	copy(res, t.segments)
	return res
}

func (t *Topology) Coordinator() (Segment, error) {
	pair, err := t.SegmentPair(CoordinatorContentID)
	if err != nil {
		return Segment{}, err
	}
	return pair.Primary, nil
}

// Standby returns nil if there is no standby coordinator
func (t *Topology) Standby() *Segment {
	pair, err := t.SegmentPair(CoordinatorContentID)
	if err != nil {
		return nil
	}
	return pair.Mirror
}

func (t *Topology) SegmentPair(contentID int) (SegmentPair, error) {
	idxs, ok := t.byContent[contentID]
	if !ok {
		return SegmentPair{}, UnknownContentIDError{ContentID: contentID}
	}
	var pair SegmentPair
	for _, i := range idxs {
		seg := t.segments[i]
		if seg.Role == RolePrimary {
			pair.Primary = seg
		} else {
			pair.Mirror = &seg
		}
	}
	return pair, nil
}

func (t *Topology) SegmentByDbID(dbid int) (Segment, bool) {
	for _, seg := range t.segments {
		if seg.DbID == dbid {
			return seg, true
		}
	}
	return Segment{}, false
}

// ContentIDs returns ids of all contents in ascending order, -1 included
func (t *Topology) ContentIDs() []int {
	res := make([]int, 0, len(t.byContent))
	for content := range t.byContent {
		res = append(res, content)
	}
	sort.Ints(res)
	return res
}

// DistinctHostnames of all segments; coordinator and standby hosts are
// included only if asked.
func (t *Topology) DistinctHostnames(includeCoordinator bool) sets.String {
	hosts := sets.NewString()
	for _, seg := range t.segments {
		if seg.ContentID == CoordinatorContentID && !includeCoordinator {
			continue
		}
		hosts.Insert(seg.Hostname)
	}
	return hosts
}

// SegmentsOnHost returns segments living on host in topology order
func (t *Topology) SegmentsOnHost(host string) []Segment {
	res := make([]Segment, 0, len(t.byHost[host]))
	for _, i := range t.byHost[host] {
		res = append(res, t.segments[i])
	}
	return res
}

// HasMirrors tells whether any content except coordinator has a mirror
func (t *Topology) HasMirrors() bool {
	for _, seg := range t.segments {
		if seg.ContentID != CoordinatorContentID && seg.Role == RoleMirror {
			return true
		}
	}
	return false
}

func (t *Topology) DownSegments() []Segment {
	res := make([]Segment, 0)
	for _, seg := range t.segments {
		if !seg.IsUp() {
			res = append(res, seg)
		}
	}
	return res
}

func (t *Topology) Rows() []SnapshotRow {
	rows := make([]SnapshotRow, 0, len(t.segments))
	for _, seg := range t.segments {
		rows = append(rows, seg.ToRow())
	}
	return rows
}
