// Package plan generates and refines the partitions that cover an
// attribute space.
//
// A Partition is one narrow query: a single value for every categorical
// dimension plus an inclusive range for every numeric one. The Planner seeds
// a coarse covering set and bisects any partition the source reports as
// saturated; Queue holds the resulting records in an arena indexed by
// position so the whole plan serializes into a checkpoint.
package plan

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// State is the lifecycle position of a partition.
type State string

const (
	Pending   State = "PENDING"
	Fetched   State = "FETCHED"   // full page, replaced by finer partitions
	Saturated State = "SATURATED" // full page at minimum granularity: known undercount
	Exhausted State = "EXHAUSTED" // short or empty page: slice complete
	Failed    State = "FAILED"
)

// ErrUnknownState is returned when decoding an unrecognized state.
var ErrUnknownState = errors.New("unknown partition state")

// States lists every state in lifecycle order.
var States = []State{Pending, Fetched, Saturated, Exhausted, Failed}

// UnmarshalText rejects states outside the known set.
func (s *State) UnmarshalText(b []byte) error {
	v := State(strings.ToUpper(string(b)))
	for _, known := range States {
		if v == known {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownState, string(b))
}

// Terminal reports whether no further fetches are planned for the state.
func (s State) Terminal() bool {
	return s != Pending
}

// Range is an inclusive numeric constraint on one dimension.
type Range struct {
	Dim         string `json:"dim"`
	MinParam    string `json:"minParam"`
	MaxParam    string `json:"maxParam"`
	Min         int64  `json:"min"`
	Max         int64  `json:"max"`
	Granularity int64  `json:"granularity"`
}

// Span is the width of the range.
func (r Range) Span() int64 {
	return r.Max - r.Min
}

// Splittable reports whether both halves would still be at least one
// granule wide.
func (r Range) Splittable() bool {
	g := r.Granularity
	if g <= 0 {
		g = 1
	}
	return r.Span() >= 2*g
}

// granules is the span measured in granularity steps.
func (r Range) granules() int64 {
	g := r.Granularity
	if g <= 0 {
		g = 1
	}
	return r.Span() / g
}

// Partition fully determines one query against the source.
type Partition struct {
	ID         int               `json:"id"`
	Parent     int               `json:"parent"` // -1 for seeds
	Depth      int               `json:"depth"`
	Categories map[string]string `json:"categories,omitempty"` // query param -> value
	Ranges     []Range           `json:"ranges,omitempty"`
	Offset     int               `json:"offset"`
	PageSize   int               `json:"pageSize"`
	State      State             `json:"state"`
	Attempts   int               `json:"attempts,omitempty"`
	Found      int               `json:"found,omitempty"`
	Note       string            `json:"note,omitempty"`
}

// Query renders the partition as request parameters. Empty param names
// are omitted.
func (p Partition) Query(offsetParam, pageSizeParam string) map[string]string {
	q := make(map[string]string, len(p.Categories)+2*len(p.Ranges)+2)
	for k, v := range p.Categories {
		q[k] = v
	}
	for _, r := range p.Ranges {
		if r.MinParam != "" {
			q[r.MinParam] = strconv.FormatInt(r.Min, 10)
		}
		if r.MaxParam != "" {
			q[r.MaxParam] = strconv.FormatInt(r.Max, 10)
		}
	}
	if offsetParam != "" {
		q[offsetParam] = strconv.Itoa(p.Offset)
	}
	if pageSizeParam != "" && p.PageSize > 0 {
		q[pageSizeParam] = strconv.Itoa(p.PageSize)
	}
	return q
}

// Key is a stable human-readable description of the constraints,
// e.g. "makeId=m7 price=[20000,25000] offset=0".
func (p Partition) Key() string {
	keys := make([]string, 0, len(p.Categories))
	for k := range p.Categories {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s ", k, p.Categories[k])
	}
	for _, r := range p.Ranges {
		fmt.Fprintf(&b, "%s=[%d,%d] ", r.Dim, r.Min, r.Max)
	}
	fmt.Fprintf(&b, "offset=%d", p.Offset)
	return b.String()
}

// child copies p as a fresh PENDING partition under p.
func (p Partition) child() Partition {
	c := p
	c.ID = 0
	c.Parent = p.ID
	c.Depth = p.Depth + 1
	c.State = Pending
	c.Attempts = 0
	c.Found = 0
	c.Note = ""
	c.Categories = make(map[string]string, len(p.Categories))
	for k, v := range p.Categories {
		c.Categories[k] = v
	}
	c.Ranges = append([]Range(nil), p.Ranges...)
	return c
}
