package plan

// Queue is the arena of every partition planned in a run. A partition's
// ID is its index; children are appended, never inserted, so IDs are
// stable across checkpoints.
//
// Queue is not safe for concurrent use. The collector loop owns it.
type Queue struct {
	parts    []Partition
	inflight map[int]bool
	cursor   int // no PENDING, non-inflight partition exists below cursor
}

// NewQueue builds a queue from seed or restored partitions, assigning IDs
// by position. Unknown states are treated as PENDING.
func NewQueue(parts []Partition) *Queue {
	q := &Queue{
		parts:    make([]Partition, 0, len(parts)),
		inflight: make(map[int]bool),
	}
	for _, p := range parts {
		p.ID = len(q.parts)
		if p.State == "" {
			p.State = Pending
		}
		q.parts = append(q.parts, p)
	}
	return q
}

// Push appends partitions as PENDING and returns them with IDs assigned.
func (q *Queue) Push(parts ...Partition) []Partition {
	out := make([]Partition, 0, len(parts))
	for _, p := range parts {
		p.ID = len(q.parts)
		p.State = Pending
		q.parts = append(q.parts, p)
		out = append(out, p)
	}
	return out
}

// Pop claims the lowest-indexed PENDING partition that is not in flight.
func (q *Queue) Pop() (Partition, bool) {
	for i := q.cursor; i < len(q.parts); i++ {
		if q.parts[i].State != Pending || q.inflight[i] {
			continue
		}
		q.inflight[i] = true
		q.advance()
		return q.parts[i], true
	}
	q.advance()
	return Partition{}, false
}

// advance moves the cursor past partitions that can no longer be popped.
func (q *Queue) advance() {
	for q.cursor < len(q.parts) {
		p := q.parts[q.cursor]
		if p.State == Pending && !q.inflight[q.cursor] {
			return
		}
		q.cursor++
	}
}

// Update writes back a claimed partition and releases its claim.
// A partition returned as PENDING becomes poppable again.
func (q *Queue) Update(p Partition) {
	if p.ID < 0 || p.ID >= len(q.parts) {
		return
	}
	q.parts[p.ID] = p
	delete(q.inflight, p.ID)
	if p.State == Pending && p.ID < q.cursor {
		q.cursor = p.ID
	}
}

// Release drops the claim on id without changing its state.
func (q *Queue) Release(id int) {
	if !q.inflight[id] {
		return
	}
	delete(q.inflight, id)
	if q.parts[id].State == Pending && id < q.cursor {
		q.cursor = id
	}
}

// Get returns the partition with the given ID.
func (q *Queue) Get(id int) (Partition, bool) {
	if id < 0 || id >= len(q.parts) {
		return Partition{}, false
	}
	return q.parts[id], true
}

// Len is the total number of partitions ever planned.
func (q *Queue) Len() int { return len(q.parts) }

// InFlight is the number of claimed partitions.
func (q *Queue) InFlight() int { return len(q.inflight) }

// Pending counts PENDING partitions, claimed or not.
func (q *Queue) Pending() int {
	n := 0
	for i := q.cursor; i < len(q.parts); i++ {
		if q.parts[i].State == Pending {
			n++
		}
	}
	for id := range q.inflight {
		if id < q.cursor {
			n++
		}
	}
	return n
}

// Done reports whether no PENDING partitions remain.
func (q *Queue) Done() bool {
	return q.Pending() == 0
}

// Counts tallies partitions by state.
func (q *Queue) Counts() map[State]int {
	out := make(map[State]int, len(States))
	for _, p := range q.parts {
		out[p.State]++
	}
	return out
}

// Snapshot copies every partition. Claimed partitions are still PENDING,
// so a restored queue refetches them.
func (q *Queue) Snapshot() []Partition {
	out := make([]Partition, len(q.parts))
	copy(out, q.parts)
	return out
}
