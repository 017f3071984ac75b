// Copyright (c) 2018, Postgres Professional

package cluster

import (
	"fmt"
	"strconv"
	"strings"
)

// content id of coordinator and its standby
const CoordinatorContentID = -1

type Role string

const (
	RolePrimary Role = "p"
	RoleMirror  Role = "m"
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleMirror:
		return "mirror"
	}
	return string(r)
}

func ParseRole(token string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "p", "primary":
		return RolePrimary, nil
	case "m", "mirror":
		return RoleMirror, nil
	}
	return "", fmt.Errorf("invalid role %q", token)
}

type Status string

const (
	StatusUp   Status = "u"
	StatusDown Status = "d"
)

func ParseStatus(token string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "u", "up":
		return StatusUp, nil
	case "d", "down":
		return StatusDown, nil
	}
	return "", fmt.Errorf("invalid status %q", token)
}

// One database instance. Segments are values and never change after the
// topology is built; a new topology is built instead.
type Segment struct {
	DbID          int
	ContentID     int
	Role          Role
	PreferredRole Role
	Status        Status
	Hostname      string
	Address       string
	Port          int
	DataDir       string
}

func (s Segment) IsCoordinator() bool {
	return s.ContentID == CoordinatorContentID && s.Role == RolePrimary
}

func (s Segment) IsStandby() bool {
	return s.ContentID == CoordinatorContentID && s.Role == RoleMirror
}

func (s Segment) IsUp() bool {
	return s.Status != StatusDown
}

func (s Segment) String() string {
	return fmt.Sprintf("dbid %d (content %d, %v) at %s:%d:%s",
		s.DbID, s.ContentID, s.Role, s.Hostname, s.Port, s.DataDir)
}

// One row of persisted topology, column name -> text value, as it comes from
// gp_segment_configuration or a snapshot file.
type SnapshotRow map[string]string

const (
	ColDbID          = "dbid"
	ColContent       = "content"
	ColRole          = "role"
	ColPreferredRole = "preferred_role"
	ColStatus        = "status"
	ColHostname      = "hostname"
	ColAddress       = "address"
	ColPort          = "port"
	ColDataDir       = "datadir"
)

type MalformedTopologyRowError struct {
	Row    int
	Reason string
}

func (e MalformedTopologyRowError) Error() string {
	return fmt.Sprintf("malformed topology row %d: %s", e.Row, e.Reason)
}

func parseSegment(idx int, row SnapshotRow) (Segment, error) {
	var seg Segment
	var err error
	malformed := func(format string, a ...interface{}) error {
		return MalformedTopologyRowError{Row: idx, Reason: fmt.Sprintf(format, a...)}
	}
	required := func(col string) (string, error) {
		v, ok := row[col]
		if !ok || strings.TrimSpace(v) == "" {
			return "", malformed("missing %s", col)
		}
		return strings.TrimSpace(v), nil
	}
	integer := func(col string) (int, error) {
		v, err := required(col)
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, malformed("non-numeric %s %q", col, v)
		}
		return n, nil
	}

	if seg.DbID, err = integer(ColDbID); err != nil {
		return seg, err
	}
	if seg.ContentID, err = integer(ColContent); err != nil {
		return seg, err
	}
	if seg.Port, err = integer(ColPort); err != nil {
		return seg, err
	}
	if seg.Port <= 0 || seg.Port > 65535 {
		return seg, malformed("port %d out of range", seg.Port)
	}
	roleToken, err := required(ColRole)
	if err != nil {
		return seg, err
	}
	if seg.Role, err = ParseRole(roleToken); err != nil {
		return seg, malformed("%v", err)
	}
	if seg.Hostname, err = required(ColHostname); err != nil {
		return seg, err
	}
	if seg.DataDir, err = required(ColDataDir); err != nil {
		return seg, err
	}

	// optional ones
	seg.Address = strings.TrimSpace(row[ColAddress])
	if seg.Address == "" {
		seg.Address = seg.Hostname
	}
	seg.PreferredRole = seg.Role
	if v := strings.TrimSpace(row[ColPreferredRole]); v != "" {
		if seg.PreferredRole, err = ParseRole(v); err != nil {
			return seg, malformed("%v", err)
		}
	}
	seg.Status = StatusUp
	if v := strings.TrimSpace(row[ColStatus]); v != "" {
		if seg.Status, err = ParseStatus(v); err != nil {
			return seg, malformed("%v", err)
		}
	}
	return seg, nil
}

// ToRow is the inverse of parsing, used to persist topology
func (s Segment) ToRow() SnapshotRow {
	return SnapshotRow{
		ColDbID:          strconv.Itoa(s.DbID),
		ColContent:       strconv.Itoa(s.ContentID),
		ColRole:          string(s.Role),
		ColPreferredRole: string(s.PreferredRole),
		ColStatus:        string(s.Status),
		ColHostname:      s.Hostname,
		ColAddress:       s.Address,
		ColPort:          strconv.Itoa(s.Port),
		ColDataDir:       s.DataDir,
	}
}
