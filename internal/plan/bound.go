package plan

import (
	"errors"
	"fmt"
	"math"
)

// ErrEmptyBound is returned when a bound declares no dimensions at all.
var ErrEmptyBound = errors.New("attribute bound is empty")

// ErrInvalidBound wraps any other bound validation failure.
var ErrInvalidBound = errors.New("invalid attribute bound")

// Category is an enumerated dimension such as make, body type, sort
// order or geographic anchor.
type Category struct {
	Name   string   `json:"name" yaml:"name"`
	Param  string   `json:"param" yaml:"param"`
	Values []string `json:"values" yaml:"values"`
}

// Numeric is a bounded integer dimension such as price, year or mileage.
// Buckets pre-slices the range in the initial plan; 0 or 1 means whole.
type Numeric struct {
	Name        string `json:"name" yaml:"name"`
	MinParam    string `json:"minParam" yaml:"minParam"`
	MaxParam    string `json:"maxParam" yaml:"maxParam"`
	Min         int64  `json:"min" yaml:"min"`
	Max         int64  `json:"max" yaml:"max"`
	Granularity int64  `json:"granularity" yaml:"granularity"`
	Buckets     int    `json:"buckets,omitempty" yaml:"buckets,omitempty"`
}

// Bound is the finite attribute space partitions must cover.
type Bound struct {
	Categories []Category `json:"categories" yaml:"categories"`
	Numerics   []Numeric  `json:"numerics" yaml:"numerics"`
}

// Empty reports whether the bound has no dimensions.
func (b Bound) Empty() bool {
	return len(b.Categories) == 0 && len(b.Numerics) == 0
}

// Validate checks that every dimension can produce at least one partition.
func (b Bound) Validate() error {
	if b.Empty() {
		return ErrEmptyBound
	}
	for _, c := range b.Categories {
		if c.Param == "" {
			return fmt.Errorf("%w: category %q has no param", ErrInvalidBound, c.Name)
		}
		if len(c.Values) == 0 {
			return fmt.Errorf("%w: category %q has no values", ErrInvalidBound, c.Name)
		}
	}
	for _, n := range b.Numerics {
		if n.Min > n.Max {
			return fmt.Errorf("%w: numeric %q has min %d > max %d", ErrInvalidBound, n.Name, n.Min, n.Max)
		}
		if n.Min < 0 && n.Max > math.MaxInt64+n.Min {
			return fmt.Errorf("%w: numeric %q span [%d,%d] overflows", ErrInvalidBound, n.Name, n.Min, n.Max)
		}
		if n.Granularity <= 0 {
			return fmt.Errorf("%w: numeric %q needs granularity > 0", ErrInvalidBound, n.Name)
		}
		if n.MinParam == "" && n.MaxParam == "" {
			return fmt.Errorf("%w: numeric %q has no query params", ErrInvalidBound, n.Name)
		}
	}
	return nil
}

// buckets splits n into its initial ranges. Adjacent ranges share their
// boundary value; every range is at least one granule wide.
func (n Numeric) buckets() []Range {
	base := Range{
		Dim:         n.Name,
		MinParam:    n.MinParam,
		MaxParam:    n.MaxParam,
		Min:         n.Min,
		Max:         n.Max,
		Granularity: n.Granularity,
	}
	count := int64(n.Buckets)
	if count <= 1 {
		return []Range{base}
	}
	if maxCount := base.Span() / n.Granularity; count > maxCount {
		count = maxCount
	}
	if count <= 1 {
		return []Range{base}
	}

	span := base.Span()
	step, rem := span/count, span%count
	out := make([]Range, 0, count)
	lo := n.Min
	for i := int64(1); i <= count; i++ {
		hi := n.Min + step*i + rem*i/count
		if i == count {
			hi = n.Max
		}
		r := base
		r.Min, r.Max = lo, hi
		out = append(out, r)
		lo = hi
	}
	return out
}
