package plan

// Planner seeds and refines partitions over a Bound.
type Planner struct {
	bound     Bound
	pageSize  int
	maxOffset int
}

// NewPlanner creates a Planner. pageSize is the per-query cap requested
// from the source; maxOffset > 0 enables offset paging through partitions
// that cannot be split any further.
func NewPlanner(bound Bound, pageSize, maxOffset int) *Planner {
	return &Planner{bound: bound, pageSize: pageSize, maxOffset: maxOffset}
}

// InitialPartitions returns the coarsest covering set: one partition per
// combination of category values, each spanning the numeric buckets.
// Order is deterministic: categories vary slowest in declaration order.
func (pl *Planner) InitialPartitions() ([]Partition, error) {
	if err := pl.bound.Validate(); err != nil {
		return nil, err
	}

	seeds := []Partition{{Parent: -1, PageSize: pl.pageSize, State: Pending, Categories: map[string]string{}}}

	for _, c := range pl.bound.Categories {
		next := make([]Partition, 0, len(seeds)*len(c.Values))
		for _, p := range seeds {
			for _, v := range c.Values {
				np := p
				np.Categories = make(map[string]string, len(p.Categories)+1)
				for k, val := range p.Categories {
					np.Categories[k] = val
				}
				np.Categories[c.Param] = v
				next = append(next, np)
			}
		}
		seeds = next
	}

	for _, n := range pl.bound.Numerics {
		ranges := n.buckets()
		next := make([]Partition, 0, len(seeds)*len(ranges))
		for _, p := range seeds {
			for _, r := range ranges {
				np := p
				np.Ranges = append(append([]Range(nil), p.Ranges...), r)
				next = append(next, np)
			}
		}
		seeds = next
	}

	return seeds, nil
}

// Split bisects p along the numeric dimension with the most remaining
// granules, earliest declared dimension on ties. The halves are
// [a, (a+b)/2] and [(a+b)/2, b]. Returns nil when no dimension can be
// split, in which case the caller accepts the slice as saturated.
func (pl *Planner) Split(p Partition) []Partition {
	best := -1
	var bestGranules int64
	for i, r := range p.Ranges {
		if !r.Splittable() {
			continue
		}
		if g := r.granules(); best < 0 || g > bestGranules {
			best, bestGranules = i, g
		}
	}
	if best < 0 {
		return nil
	}

	r := p.Ranges[best]
	mid := r.Min + (r.Max-r.Min)/2

	lo, hi := p.child(), p.child()
	lo.Offset, hi.Offset = 0, 0
	lo.Ranges[best].Max = mid
	hi.Ranges[best].Min = mid
	return []Partition{lo, hi}
}

// NextPage returns p's constraints at the following offset, if offset
// paging is enabled and the ceiling has not been reached.
func (pl *Planner) NextPage(p Partition) (Partition, bool) {
	if pl.maxOffset <= 0 || p.PageSize <= 0 {
		return Partition{}, false
	}
	next := p.Offset + p.PageSize
	if next > pl.maxOffset {
		return Partition{}, false
	}
	c := p.child()
	c.Depth = p.Depth
	c.Offset = next
	return c, true
}
