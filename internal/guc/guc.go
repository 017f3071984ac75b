// Copyright (c) 2018, Postgres Professional

// Checking that a configuration parameter has the same value all over the
// cluster
package guc

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"postgrespro.ru/segman/internal/cluster"
)

// Value is one observation of parameter. DbID is set when the value was read
// from segment's configuration file rather than from the running server.
type Value struct {
	Context int
	Name    string
	Value   *string
	DbID    *int
}

func (v Value) display() string {
	if v.Value == nil {
		return "-"
	}
	return *v.Value
}

func (v Value) line() string {
	s := fmt.Sprintf("[context: %d] [name: %s] [value: %s]", v.Context, v.Name, v.display())
	if v.DbID != nil {
		s += fmt.Sprintf(" [dbid: %d]", *v.DbID)
	}
	return s
}

func sameValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// entry is either a single value or, once a second one for the same context
// arrives, a multi-value holding both
type entry struct {
	values []Value
}

func (e *entry) first() Value {
	return e.values[0]
}

func (e *entry) isMulti() bool {
	return len(e.values) > 1
}

func (e *entry) internallyConsistent() bool {
	for _, v := range e.values[1:] {
		if !sameValue(v.Value, e.values[0].Value) {
			return false
		}
	}
	return true
}

func (e *entry) line() string {
	lines := make([]string, 0, len(e.values))
	for _, v := range e.values {
		lines = append(lines, v.line())
	}
	return strings.Join(lines, " | ")
}

type InvalidCollectionError struct {
	Reason string
}

func (e InvalidCollectionError) Error() string {
	return fmt.Sprintf("invalid guc collection: %s", e.Reason)
}

// Collection is context -> value(s). Not safe for concurrent use: values are
// gathered first and added from one goroutine.
type Collection struct {
	entries map[int]*entry
}

func NewCollection() *Collection {
	return &Collection{entries: make(map[int]*entry)}
}

// AddValue never overwrites: a second value for the same context is kept
// alongside the first one.
func (c *Collection) AddValue(v Value) {
	if e, ok := c.entries[v.Context]; ok {
		e.values = append(e.values, v)
		return
	}
	c.entries[v.Context] = &entry{values: []Value{v}}
}

func (c *Collection) Len() int {
	return len(c.entries)
}

// Contexts in ascending numeric order, so coordinator's -1 goes first
func (c *Collection) Contexts() []int {
	ids := make([]int, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Values recorded for context, nil if none
func (c *Collection) Values(context int) []Value {
	e, ok := c.entries[context]
	if !ok {
		return nil
	}
	return slices.Clone(e.values)
}

func (c *Collection) validate() error {
	if _, ok := c.entries[cluster.CoordinatorContentID]; !ok {
		return InvalidCollectionError{Reason: "no coordinator value"}
	}
	if len(c.entries) < 2 {
		return InvalidCollectionError{Reason: "no segment values"}
	}
	return nil
}

// IsConsistent is false when sources of one context disagree or when two
// segments have different values. Coordinator may differ from segments.
func (c *Collection) IsConsistent() (bool, error) {
	if err := c.validate(); err != nil {
		return false, err
	}
	var segValue *Value
	for _, id := range c.Contexts() {
		e := c.entries[id]
		if !e.internallyConsistent() {
			return false, nil
		}
		if id == cluster.CoordinatorContentID {
			continue
		}
		if segValue == nil {
			v := e.first()
			segValue = &v
			continue
		}
		if !sameValue(segValue.Value, e.first().Value) {
			return false, nil
		}
	}
	return true, nil
}

// Report renders
//
//	Coordinator value: 100
//	Segment value: 100
//
// when consistent, otherwise one line per context.
func (c *Collection) Report() (string, error) {
	consistent, err := c.IsConsistent()
	if err != nil {
		return "", err
	}
	ids := c.Contexts()
	if consistent {
		return fmt.Sprintf("Coordinator value: %s\nSegment value: %s",
			c.entries[ids[0]].first().display(), c.entries[ids[1]].first().display()), nil
	}
	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, c.entries[id].line())
	}
	return strings.Join(lines, "\n"), nil
}

// String is Report without the error
func (c *Collection) String() string {
	r, err := c.Report()
	if err != nil {
		return err.Error()
	}
	return r
}

func parseContext(s string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid context %q", s)
	}
	return id, nil
}
