package coord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abelbrown/harvester/internal/checkpoint"
	"github.com/abelbrown/harvester/internal/clock"
	"github.com/abelbrown/harvester/internal/fetch"
	"github.com/abelbrown/harvester/internal/plan"
	"github.com/abelbrown/harvester/internal/store"
)

// car is one listing in the synthetic source.
type car struct {
	id    string
	make  string
	price int64
}

// fakeSource answers partition queries from an in-memory inventory,
// honoring category, price range, offset and page size.
type fakeSource struct {
	mu    sync.Mutex
	cars  []car
	calls atomic.Int32
	seen  []string // partition keys in call order

	// poison marks one car with attrs that cannot be encoded.
	poison string

	// hook, when set, may override the answer for call n.
	hook func(ctx context.Context, n int, p plan.Partition) (fetch.Outcome, error, bool)
}

func (s *fakeSource) Execute(ctx context.Context, p plan.Partition) (fetch.Outcome, error) {
	n := int(s.calls.Add(1))
	if err := ctx.Err(); err != nil {
		return fetch.Outcome{}, err
	}

	s.mu.Lock()
	s.seen = append(s.seen, p.Key())
	s.mu.Unlock()

	if s.hook != nil {
		if out, err, ok := s.hook(ctx, n, p); ok {
			return out, err
		}
	}

	var match []store.Item
	for _, c := range s.cars {
		if mk, ok := p.Categories["makeId"]; ok && mk != c.make {
			continue
		}
		inRange := true
		for _, r := range p.Ranges {
			if r.Dim == "price" && (c.price < r.Min || c.price > r.Max) {
				inRange = false
			}
		}
		if !inRange {
			continue
		}
		item := store.Item{ID: c.id, Attrs: map[string]any{"makeId": c.make, "price": c.price}}
		if c.id == s.poison {
			item.Attrs["ch"] = make(chan int)
		}
		match = append(match, item)
	}

	if p.Offset >= len(match) {
		return fetch.Outcome{Kind: fetch.KindEmptyPage, Attempts: 1}, nil
	}
	end := p.Offset + p.PageSize
	if end > len(match) {
		end = len(match)
	}
	return fetch.Outcome{Kind: fetch.KindItems, Items: match[p.Offset:end], Attempts: 1}, nil
}

func (s *fakeSource) Requests() int64 { return int64(s.calls.Load()) }

// inventory spreads n cars over makes with distinct prices in [0, 10000].
func inventory(n int, makes ...string) []car {
	out := make([]car, n)
	for i := range out {
		out[i] = car{
			id:    "c" + strconv.Itoa(i),
			make:  makes[i%len(makes)],
			price: int64(i*37) % 10001,
		}
	}
	return out
}

func testBound(makes ...string) plan.Bound {
	return plan.Bound{
		Categories: []plan.Category{{Name: "make", Param: "makeId", Values: makes}},
		Numerics: []plan.Numeric{{
			Name: "price", MinParam: "minPrice", MaxParam: "maxPrice",
			Min: 0, Max: 10000, Granularity: 10,
		}},
	}
}

type harness struct {
	src   *fakeSource
	store *store.Store
	mgr   *checkpoint.Manager
	clk   *clock.Fake
	gate  *fetch.Gate
	opts  Options
	plan  *plan.Planner
	exec  Executor // overrides src when set
}

func newHarness(t *testing.T, cars []car, makes ...string) *harness {
	t.Helper()
	return &harness{
		src:   &fakeSource{cars: cars},
		store: store.New(),
		mgr:   checkpoint.NewManager(filepath.Join(t.TempDir(), "checkpoint.json")),
		clk:   clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		gate:  fetch.NewGate(),
		opts: Options{
			Workers:               1,
			CheckpointItems:       50,
			CheckpointInterval:    time.Minute,
			BlockedPauseThreshold: 2,
			PauseAbortThreshold:   2,
			BlockedCooldown:       10 * time.Second,
		},
		plan: plan.NewPlanner(testBound(makes...), 20, 0),
	}
}

func (h *harness) collector() *Collector {
	var exec Executor = h.src
	if h.exec != nil {
		exec = h.exec
	}
	return NewCollector(h.opts, Deps{
		Store:       h.store,
		Planner:     h.plan,
		Executor:    exec,
		Checkpoints: h.mgr,
		Clock:       h.clk,
		Gate:        h.gate,
	})
}

func (h *harness) run(t *testing.T, ctx context.Context) Summary {
	t.Helper()
	sum, err := h.collector().Run(ctx)
	require.NoError(t, err)
	return sum
}

func TestCollectorCoversWholeSpace(t *testing.T) {
	makes := []string{"m1", "m2", "m3"}
	h := newHarness(t, inventory(500, makes...), makes...)

	sum := h.run(t, context.Background())

	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, ReasonComplete, sum.Reason)
	assert.Equal(t, 500, sum.Items, "every car collected exactly once")
	assert.Equal(t, 500, sum.NewItems)
	assert.False(t, sum.Undercount())
	assert.Zero(t, sum.Partitions[plan.Pending])
	assert.Positive(t, sum.Partitions[plan.Fetched], "full pages were split")
	assert.Equal(t, sum.Requests, int64(sum.Partitions[plan.Fetched]+sum.Partitions[plan.Exhausted]))

	cp, err := h.mgr.Load()
	require.NoError(t, err)
	assert.Len(t, cp.Items, 500)
	assert.Equal(t, sum.RunID, cp.RunID)
	assert.Equal(t, sum.Requests, cp.Stats.RequestCount)
}

func TestCollectorDeduplicatesBoundaryOverlap(t *testing.T) {
	// Ten cars sit exactly on the first split point, so both halves and
	// their children return them again.
	var cars []car
	for i := 0; i < 15; i++ {
		cars = append(cars, car{id: fmt.Sprintf("low%d", i), make: "m1", price: int64(100 + i)})
	}
	for i := 0; i < 10; i++ {
		cars = append(cars, car{id: fmt.Sprintf("mid%d", i), make: "m1", price: 5000})
	}
	for i := 0; i < 15; i++ {
		cars = append(cars, car{id: fmt.Sprintf("high%d", i), make: "m1", price: int64(9000 + i)})
	}
	h := newHarness(t, cars, "m1")

	sum := h.run(t, context.Background())

	assert.Equal(t, 40, sum.Items, "overlapping partitions never double count")
	assert.Equal(t, 40, sum.NewItems)
	assert.False(t, sum.Undercount())

	cp, err := h.mgr.Load()
	require.NoError(t, err)
	found := 0
	for _, p := range cp.Partitions {
		if p.State == plan.Exhausted {
			found += p.Found
		}
	}
	assert.Equal(t, 50, found, "the boundary cars were returned twice")
}

func TestCollectorSaturatedWithoutPaging(t *testing.T) {
	cars := make([]car, 50)
	for i := range cars {
		cars[i] = car{id: strconv.Itoa(i), make: "m1", price: 1234}
	}
	h := newHarness(t, cars, "m1")

	sum := h.run(t, context.Background())
	assert.Equal(t, 20, sum.Items, "one page only")
	assert.Equal(t, 1, sum.Partitions[plan.Saturated])
	assert.True(t, sum.Undercount())
}

func TestCollectorPagesThroughUnsplittablePartition(t *testing.T) {
	cars := make([]car, 50)
	for i := range cars {
		cars[i] = car{id: strconv.Itoa(i), make: "m1", price: 1234}
	}
	h := newHarness(t, cars, "m1")
	h.plan = plan.NewPlanner(testBound("m1"), 20, 100)

	sum := h.run(t, context.Background())
	assert.Equal(t, 50, sum.Items)
	assert.Zero(t, sum.Partitions[plan.Saturated])
	assert.False(t, sum.Undercount())
}

func TestCollectorIdempotentRerun(t *testing.T) {
	makes := []string{"m1", "m2"}
	cars := inventory(200, makes...)
	h := newHarness(t, cars, makes...)
	first := h.run(t, context.Background())
	require.Equal(t, StateDone, first.State)

	// A second session against the finished checkpoint issues nothing.
	h.src = &fakeSource{cars: cars}
	h.store = store.New()
	second := h.run(t, context.Background())

	assert.Equal(t, StateDone, second.State)
	assert.Zero(t, second.Requests)
	assert.Equal(t, first.Items, second.Items)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, 2, second.Sessions)
	assert.Equal(t, first.TotalRequests, second.TotalRequests)
}

func TestCollectorResumesAfterInterruption(t *testing.T) {
	makes := []string{"m1", "m2", "m3"}
	cars := inventory(500, makes...)

	// Reference run to know the full cost.
	ref := newHarness(t, cars, makes...)
	full := ref.run(t, context.Background())

	h := newHarness(t, cars, makes...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var midRun atomic.Int32
	h.src.hook = func(ctx context.Context, n int, p plan.Partition) (fetch.Outcome, error, bool) {
		if cp, err := h.mgr.Load(); err == nil && midRun.Load() == 0 {
			midRun.Store(int32(len(cp.Items)))
		}
		if n == 12 {
			cancel()
			return fetch.Outcome{}, ctx.Err(), true
		}
		return fetch.Outcome{}, nil, false
	}
	interrupted := h.run(t, ctx)
	require.Equal(t, ReasonCancelled, interrupted.Reason)
	assert.GreaterOrEqual(t, int(midRun.Load()), 50, "an item-count checkpoint happened mid-run")

	cp, err := h.mgr.Load()
	require.NoError(t, err)
	assert.Len(t, cp.Items, interrupted.Items, "final save holds everything collected")

	// Restart with a fresh process state.
	h.src = &fakeSource{cars: cars}
	h.store = store.New()
	resumed := h.run(t, context.Background())

	assert.Equal(t, StateDone, resumed.State)
	assert.Equal(t, 500, resumed.Items)
	assert.Equal(t, interrupted.RunID, resumed.RunID)
	assert.Equal(t, 2, resumed.Sessions)
	assert.Less(t, resumed.Requests, full.Requests, "finished partitions are not refetched")
	assert.Equal(t, full.Requests, interrupted.Requests-1+resumed.Requests,
		"only the cancelled request is repeated")
}

func TestCollectorStopsAtTarget(t *testing.T) {
	makes := []string{"m1", "m2", "m3", "m4"}
	h := newHarness(t, inventory(1000, makes...), makes...)
	h.opts.TargetItemCount = 100

	sum := h.run(t, context.Background())

	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, ReasonTarget, sum.Reason)
	assert.GreaterOrEqual(t, sum.Items, 100)
	assert.Less(t, sum.Items, 1000)
	assert.Positive(t, sum.Partitions[plan.Pending], "unfinished work is kept for later")

	cp, err := h.mgr.Load()
	require.NoError(t, err)
	assert.Len(t, cp.Items, sum.Items)
}

func TestCollectorStopsAtWallClockBudget(t *testing.T) {
	makes := []string{"m1", "m2", "m3"}
	h := newHarness(t, inventory(500, makes...), makes...)
	h.opts.Budget = time.Minute
	h.src.hook = func(ctx context.Context, n int, p plan.Partition) (fetch.Outcome, error, bool) {
		h.clk.Advance(10 * time.Second)
		return fetch.Outcome{}, nil, false
	}

	sum := h.run(t, context.Background())

	assert.Equal(t, ReasonBudget, sum.Reason)
	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, int64(6), sum.Requests, "the in-flight partition finishes, nothing new starts")
	assert.Positive(t, sum.Partitions[plan.Pending])
}

func TestCollectorCancellation(t *testing.T) {
	makes := []string{"m1", "m2"}
	h := newHarness(t, inventory(300, makes...), makes...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cancelled plan.Partition
	h.src.hook = func(ctx context.Context, n int, p plan.Partition) (fetch.Outcome, error, bool) {
		if n == 5 {
			cancelled = p
			cancel()
			return fetch.Outcome{}, ctx.Err(), true
		}
		return fetch.Outcome{}, nil, false
	}

	sum := h.run(t, ctx)
	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, ReasonCancelled, sum.Reason)
	assert.Equal(t, int64(5), sum.Requests)

	cp, err := h.mgr.Load()
	require.NoError(t, err)
	assert.Equal(t, plan.Pending, cp.Partitions[cancelled.ID].State, "interrupted partition is refetched next time")
	assert.Len(t, cp.Items, sum.Items)
}

func TestCollectorBlockedPausesThenAborts(t *testing.T) {
	h := newHarness(t, inventory(100, "m1"), "m1")
	h.src.hook = func(ctx context.Context, n int, p plan.Partition) (fetch.Outcome, error, bool) {
		return fetch.Outcome{Kind: fetch.KindBlocked, Attempts: 2}, nil, true
	}
	start := h.clk.Now()

	sum := h.run(t, context.Background())

	assert.Equal(t, StateAborted, sum.State)
	assert.Equal(t, ReasonBlocked, sum.Reason)
	// Two blocks open the first pause; every blocked trial after that
	// escalates, and the third pause trips the abort.
	assert.Equal(t, int64(4), sum.Requests)
	assert.Equal(t, start.Add(20*time.Second), h.gate.Until(), "second pause doubles the cooldown")

	cp, err := h.mgr.Load()
	require.NoError(t, err, "aborted runs still checkpoint")
	assert.Equal(t, plan.Pending, cp.Partitions[0].State, "blocked partitions are requeued, not failed")
	assert.Equal(t, 8, cp.Partitions[0].Attempts)
}

func TestCollectorRecoversFromBlocking(t *testing.T) {
	makes := []string{"m1", "m2"}
	h := newHarness(t, inventory(200, makes...), makes...)
	h.src.hook = func(ctx context.Context, n int, p plan.Partition) (fetch.Outcome, error, bool) {
		if n <= 2 {
			return fetch.Outcome{Kind: fetch.KindBlocked, Attempts: 2}, nil, true
		}
		return fetch.Outcome{}, nil, false
	}
	start := h.clk.Now()

	sum := h.run(t, context.Background())

	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, ReasonComplete, sum.Reason)
	assert.Equal(t, 200, sum.Items)
	assert.Equal(t, start.Add(10*time.Second), h.gate.Until(), "one pause")
}

// gatedRequest is one request seen by refusingTransport.
type gatedRequest struct {
	at    time.Time
	until time.Time // gate state when the request left
}

// refusingTransport answers every request with 403 and records when it
// was sent.
type refusingTransport struct {
	mu   sync.Mutex
	clk  *clock.Fake
	gate *fetch.Gate
	log  []gatedRequest
}

func (rt *refusingTransport) Fetch(ctx context.Context, query map[string]string) (fetch.Response, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.log = append(rt.log, gatedRequest{at: rt.clk.Now(), until: rt.gate.Until()})
	return fetch.Response{StatusCode: http.StatusForbidden, Blocked: true}, nil
}

func (rt *refusingTransport) requests() []gatedRequest {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]gatedRequest(nil), rt.log...)
}

// withRefusingSource swaps the fake source for a real executor sharing
// the harness gate and clock. The executor's own blocked retry waits 1s.
func (h *harness) withRefusingSource() *refusingTransport {
	rt := &refusingTransport{clk: h.clk, gate: h.gate}
	policy := fetch.DefaultPolicy()
	policy.BlockedCooldown = time.Second
	h.exec = fetch.NewExecutor(rt, fetch.NewJSONParser(nil, nil), policy,
		fetch.WithGate(h.gate),
		fetch.WithClock(h.clk),
	)
	return rt
}

func TestCollectorBlockedTrialsEscalate(t *testing.T) {
	h := newHarness(t, nil, "m1")
	rt := h.withRefusingSource()
	start := h.clk.Now()

	sum := h.run(t, context.Background())

	assert.Equal(t, StateAborted, sum.State)
	assert.Equal(t, int64(8), sum.Requests)

	var offsets []time.Duration
	for _, r := range rt.requests() {
		offsets = append(offsets, r.at.Sub(start))
		assert.False(t, r.at.Before(r.until), "request sent while the gate was closed")
	}
	want := []time.Duration{
		0, time.Second, // blocked, streak 1
		time.Second, 2 * time.Second, // blocked, streak 2: pause 10s
		12 * time.Second, 13 * time.Second, // trial blocked: pause 20s
		33 * time.Second, 34 * time.Second, // trial blocked: abort
	}
	assert.Equal(t, want, offsets)
}

func TestCollectorBlockedPausesAllWorkers(t *testing.T) {
	makes := []string{"m1", "m2", "m3"}
	h := newHarness(t, nil, makes...)
	h.opts.Workers = 3
	rt := h.withRefusingSource()

	sum := h.run(t, context.Background())

	assert.Equal(t, StateAborted, sum.State)
	// The first blocked result frees a worker for one more partition; the
	// second opens the pause. Four executions, then two lone trial requests.
	assert.Equal(t, int64(12), sum.Requests)

	reqs := rt.requests()
	require.Len(t, reqs, 12)

	slipped := 0
	for _, r := range reqs[:8] {
		if r.at.Before(r.until) {
			slipped++
		}
	}
	assert.LessOrEqual(t, slipped, 2, "only requests already past the gate may leave during a pause")

	for _, r := range reqs[8:] {
		assert.False(t, r.at.Before(r.until), "trial sent while the gate was closed")
	}
	assert.Equal(t, time.Second, reqs[9].at.Sub(reqs[8].at))
	assert.Equal(t, 20*time.Second, reqs[10].at.Sub(reqs[9].at), "failed trial doubles the pause")
	assert.Equal(t, time.Second, reqs[11].at.Sub(reqs[10].at))

	cp, err := h.mgr.Load()
	require.NoError(t, err)
	for _, p := range cp.Partitions {
		assert.Equal(t, plan.Pending, p.State)
	}
}

func TestCollectorMarksFailures(t *testing.T) {
	makes := []string{"m1", "m2"}
	h := newHarness(t, inventory(200, makes...), makes...)
	h.src.hook = func(ctx context.Context, n int, p plan.Partition) (fetch.Outcome, error, bool) {
		switch p.Categories["makeId"] {
		case "m2":
			return fetch.Outcome{Kind: fetch.KindTransportError, Attempts: 3, Err: errors.New("connection reset")}, nil, true
		}
		return fetch.Outcome{}, nil, false
	}

	sum := h.run(t, context.Background())

	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, 100, sum.Items, "m1 cars all collected")
	assert.Equal(t, 1, sum.Partitions[plan.Failed])
	assert.True(t, sum.Undercount())

	cp, err := h.mgr.Load()
	require.NoError(t, err)
	for _, p := range cp.Partitions {
		if p.State == plan.Failed {
			assert.Contains(t, p.Note, "connection reset")
			assert.Equal(t, 3, p.Attempts)
		}
	}
}

func TestCollectorRateLimitedPartitionFails(t *testing.T) {
	h := newHarness(t, inventory(10, "m1"), "m1")
	h.src.hook = func(ctx context.Context, n int, p plan.Partition) (fetch.Outcome, error, bool) {
		return fetch.Outcome{Kind: fetch.KindRateLimited, Attempts: 6}, nil, true
	}

	sum := h.run(t, context.Background())
	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, 1, sum.Partitions[plan.Failed])
}

func TestCollectorSurvivesCheckpointFailure(t *testing.T) {
	makes := []string{"m1", "m2"}
	h := newHarness(t, inventory(200, makes...), makes...)
	// c0 comes back on the very first page; every save after that fails.
	h.src.poison = "c0"

	sum := h.run(t, context.Background())

	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, 200, sum.Items, "the run carries on in memory")
	assert.Error(t, sum.CheckpointErr)
	_, err := h.mgr.Load()
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestCollectorCorruptCheckpointRefusesToStart(t *testing.T) {
	h := newHarness(t, inventory(10, "m1"), "m1")
	require.NoError(t, h.mgr.Save(&checkpoint.Checkpoint{RunID: "r"}))
	require.NoError(t, os.WriteFile(h.mgr.Path(), []byte("{not json"), 0644))

	_, err := h.collector().Run(context.Background())
	assert.Error(t, err)
	assert.Zero(t, h.src.Requests(), "no request before the checkpoint is readable")
}

func TestCollectorEmptyBound(t *testing.T) {
	h := newHarness(t, nil, "m1")
	h.plan = plan.NewPlanner(plan.Bound{}, 20, 0)

	_, err := h.collector().Run(context.Background())
	assert.ErrorIs(t, err, plan.ErrEmptyBound)
	assert.Zero(t, h.src.Requests())
}

func TestCollectorRespectsWorkerLimit(t *testing.T) {
	makes := []string{"m1", "m2", "m3", "m4", "m5", "m6", "m7", "m8"}
	h := newHarness(t, inventory(80, makes...), makes...)
	h.opts.Workers = 3

	var current, peak atomic.Int32
	h.src.hook = func(ctx context.Context, n int, p plan.Partition) (fetch.Outcome, error, bool) {
		c := current.Add(1)
		for {
			old := peak.Load()
			if c <= old || peak.CompareAndSwap(old, c) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return fetch.Outcome{}, nil, false
	}

	done := make(chan Summary)
	go func() {
		sum, _ := h.collector().Run(context.Background())
		done <- sum
	}()

	select {
	case sum := <-done:
		assert.Equal(t, 80, sum.Items)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for run to complete")
	}

	if max := peak.Load(); max > 3 {
		t.Errorf("max concurrent fetches was %d, expected at most 3", max)
	} else if max < 2 {
		t.Errorf("max concurrent fetches was %d, expected at least 2 to prove parallelism", max)
	}
}

type recordingSink struct {
	mu    sync.Mutex
	items []store.Item
	err   error
}

func (s *recordingSink) Put(ctx context.Context, items []store.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, items...)
	return s.err
}

func TestCollectorFeedsSinks(t *testing.T) {
	makes := []string{"m1", "m2"}
	h := newHarness(t, inventory(100, makes...), makes...)
	good := &recordingSink{}
	broken := &recordingSink{err: errors.New("db down")}

	c := NewCollector(h.opts, Deps{
		Store:       h.store,
		Planner:     h.plan,
		Executor:    h.src,
		Checkpoints: h.mgr,
		Clock:       h.clk,
		Sinks:       []Sink{broken, good},
	})
	sum, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 100, sum.Items, "sink failures do not stop the run")
	ids := map[string]bool{}
	for _, it := range good.items {
		ids[it.ID] = true
	}
	assert.Len(t, ids, 100)
}

func TestPauseFor(t *testing.T) {
	c := NewCollector(Options{BlockedCooldown: 10 * time.Second, MaxPause: time.Minute}, Deps{})
	got := []time.Duration{c.pauseFor(1), c.pauseFor(2), c.pauseFor(3), c.pauseFor(4), c.pauseFor(10)}
	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, time.Minute, time.Minute}
	assert.Equal(t, want, got)
}
