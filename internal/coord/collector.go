// Package coord runs the collection loop: it dispatches partitions to a
// bounded pool of workers, folds their outcomes back into the plan and the
// item store, and checkpoints progress.
package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/harvester/internal/checkpoint"
	"github.com/abelbrown/harvester/internal/clock"
	"github.com/abelbrown/harvester/internal/fetch"
	"github.com/abelbrown/harvester/internal/logging"
	"github.com/abelbrown/harvester/internal/metrics"
	"github.com/abelbrown/harvester/internal/otel"
	"github.com/abelbrown/harvester/internal/plan"
	"github.com/abelbrown/harvester/internal/store"
)

// tickInterval is how often the loop re-checks time-based conditions
// while no results arrive.
const tickInterval = time.Second

// defaultMaxPause caps the escalating global pause.
const defaultMaxPause = 15 * time.Minute

// sinkTimeout bounds a single sink write.
const sinkTimeout = 30 * time.Second

// State is the collector's lifecycle position.
type State string

const (
	StateInit    State = "INIT"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED_BACKOFF"
	StateDone    State = "DONE"
	StateAborted State = "ABORTED"
)

// Reasons a run stops.
const (
	ReasonComplete  = "complete"
	ReasonTarget    = "target"
	ReasonBudget    = "budget"
	ReasonCancelled = "cancelled"
	ReasonBlocked   = "blocked"
)

// Executor runs one partition's query. *fetch.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, p plan.Partition) (fetch.Outcome, error)
}

// requestCounter is implemented by executors that count requests.
type requestCounter interface {
	Requests() int64
}

// Sink receives every accepted batch of items. Failures are logged and
// never stop the run.
type Sink interface {
	Put(ctx context.Context, items []store.Item) error
}

// Options tune the loop. Zero values disable the corresponding limit.
type Options struct {
	Workers               int
	TargetItemCount       int
	Budget                time.Duration
	CheckpointItems       int
	CheckpointInterval    time.Duration
	BlockedPauseThreshold int           // consecutive Blocked outcomes before a global pause
	PauseAbortThreshold   int           // consecutive pauses before giving up
	BlockedCooldown       time.Duration // first global pause, doubled per repeat
	MaxPause              time.Duration
}

// Deps are the collaborators the loop drives.
type Deps struct {
	Store       *store.Store
	Planner     *plan.Planner
	Executor    Executor
	Checkpoints *checkpoint.Manager
	Clock       clock.Clock    // nil means the wall clock
	Gate        *fetch.Gate    // shared with the executor; nil disables global pauses
	Sinks       []Sink
	Metrics     *metrics.Metrics // optional
	Events      *otel.Logger     // optional
}

// Summary describes a finished run.
type Summary struct {
	RunID         string
	State         State
	Reason        string
	Items         int
	NewItems      int
	Requests      int64 // this session
	TotalRequests int64 // across every session of the run
	Sessions      int
	Elapsed       time.Duration
	Partitions    map[plan.State]int
	CheckpointErr error // last save failure, nil if the final save succeeded
}

// Undercount reports whether some partitions may hold items the run
// never saw.
func (s Summary) Undercount() bool {
	return s.Partitions[plan.Failed] > 0 || s.Partitions[plan.Saturated] > 0
}

// result carries a worker's outcome back to the loop.
type result struct {
	part plan.Partition
	out  fetch.Outcome
	err  error
	dur  time.Duration

	trial bool // dispatched while paused
}

// Collector drives one run. The loop goroutine is the only owner of the
// queue and the only writer to the store, so checkpoints never interleave
// with mutation.
type Collector struct {
	opts   Options
	deps   Deps
	clock  clock.Clock
	logger *log.Logger

	queue *plan.Queue
	state State

	runID        string
	stats        checkpoint.Stats
	baseRequests int64
	started      time.Time

	newItems        int
	sinceCheckpoint int
	lastCheckpoint  time.Time
	checkpointErr   error

	blockedStreak int
	pauses        int
	stopping      bool
	reason        string
}

// NewCollector creates a Collector. Call Run to start it.
func NewCollector(opts Options, deps Deps) *Collector {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxPause <= 0 {
		opts.MaxPause = defaultMaxPause
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Collector{
		opts:   opts,
		deps:   deps,
		clock:  clk,
		logger: logging.WithPrefix("coord"),
		state:  StateInit,
	}
}

// Run collects until the plan is exhausted, a budget or target is met,
// ctx is cancelled or the source blocks us for good. Every one of those
// paths ends with a checkpoint save. Run returns an error only when the
// run cannot start.
func (c *Collector) Run(ctx context.Context) (Summary, error) {
	if err := c.resume(); err != nil {
		return Summary{}, err
	}
	c.started = c.clock.Now()
	c.lastCheckpoint = c.started
	c.deps.Metrics.Accepted(0, c.deps.Store.Size())
	c.deps.Metrics.Partitions(c.queue.Counts())

	if c.queue.Done() {
		c.logger.Info("nothing pending", "items", c.deps.Store.Size(), "partitions", c.queue.Len())
		c.reason = ReasonComplete
		c.setState(StateDone)
		c.checkpoint()
		return c.summary(), nil
	}

	c.setState(StateRunning)
	c.loop(ctx)

	if c.state != StateAborted {
		c.setState(StateDone)
	}
	c.checkpoint()
	return c.summary(), nil
}

// resume restores the store and queue from the checkpoint, or seeds a
// fresh plan when none exists.
func (c *Collector) resume() error {
	cp, err := c.deps.Checkpoints.Load()
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		seeds, err := c.deps.Planner.InitialPartitions()
		if err != nil {
			return fmt.Errorf("failed to plan partitions: %w", err)
		}
		c.queue = plan.NewQueue(seeds)
		c.runID = uuid.NewString()
		c.stats = checkpoint.Stats{StartedAt: c.clock.Now(), Sessions: 1}
		c.logger.Info("starting run", "run", c.runID, "partitions", len(seeds))
	case err != nil:
		return fmt.Errorf("failed to load checkpoint: %w", err)
	default:
		c.deps.Store.Restore(cp.Items)
		c.queue = plan.NewQueue(cp.Partitions)
		c.runID = cp.RunID
		if c.runID == "" {
			c.runID = uuid.NewString()
		}
		c.stats = cp.Stats
		c.stats.Sessions++
		c.baseRequests = cp.Stats.RequestCount
		c.logger.Info("resuming run",
			"run", c.runID,
			"items", c.deps.Store.Size(),
			"pending", c.queue.Pending(),
			"session", c.stats.Sessions,
		)
	}
	c.deps.Events.SetRunID(c.runID)
	return nil
}

// loop dispatches and collects until nothing is in flight and nothing more
// may be dispatched.
func (c *Collector) loop(ctx context.Context) {
	results := make(chan result, c.opts.Workers)
	var g errgroup.Group
	g.SetLimit(c.opts.Workers)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	done := ctx.Done()
	inflight := 0

	for {
		c.checkLimits()
		if ctx.Err() != nil && !c.stopping {
			c.stop(ReasonCancelled)
		}

		for !c.stopping && inflight < c.dispatchLimit() {
			p, ok := c.queue.Pop()
			if !ok {
				break
			}
			inflight++
			trial := c.state == StatePaused
			g.Go(func() error {
				start := time.Now()
				out, err := c.deps.Executor.Execute(ctx, p)
				results <- result{part: p, out: out, err: err, dur: time.Since(start), trial: trial}
				return nil
			})
		}

		if inflight == 0 {
			if !c.stopping {
				c.reason = ReasonComplete
			}
			break
		}

		select {
		case r := <-results:
			inflight--
			c.handle(ctx, r)
		case <-ticker.C:
		case <-done:
			done = nil
			c.stop(ReasonCancelled)
		}

		if c.due() {
			c.checkpoint()
		}
	}

	_ = g.Wait() // workers never return errors
}

// dispatchLimit is the number of partitions allowed in flight. A paused
// collector sends a single trial request.
func (c *Collector) dispatchLimit() int {
	if c.state == StatePaused {
		return 1
	}
	return c.opts.Workers
}

// checkLimits stops dispatching once the budget or target is met.
func (c *Collector) checkLimits() {
	if c.stopping {
		return
	}
	if c.opts.TargetItemCount > 0 && c.deps.Store.Size() >= c.opts.TargetItemCount {
		c.stop(ReasonTarget)
		return
	}
	if c.opts.Budget > 0 && c.clock.Now().Sub(c.started) >= c.opts.Budget {
		c.stop(ReasonBudget)
	}
}

func (c *Collector) stop(reason string) {
	if c.stopping {
		return
	}
	c.stopping = true
	c.reason = reason
	c.logger.Info("stopping", "reason", reason, "items", c.deps.Store.Size())
}

// handle folds one outcome into the plan.
func (c *Collector) handle(ctx context.Context, r result) {
	p := r.part
	if r.err != nil {
		// Cancelled mid-fetch: the partition stays PENDING for the next session.
		c.queue.Release(p.ID)
		return
	}

	out := r.out
	p.Attempts += out.Attempts
	c.deps.Metrics.Outcome(out.Kind)
	c.deps.Events.Emit(otel.Event{
		Level:     otel.LevelInfo,
		Kind:      otel.KindPartitionFetch,
		Comp:      "coord",
		Dur:       r.dur,
		Count:     len(out.Items),
		Partition: p.Key(),
		Outcome:   out.Kind.String(),
	})
	for _, w := range out.Waits {
		c.deps.Events.Emit(otel.Event{
			Level:     otel.LevelWarn,
			Kind:      otel.KindFetchRetry,
			Comp:      "coord",
			Dur:       w,
			Partition: p.Key(),
		})
	}

	if out.Kind == fetch.KindBlocked {
		c.blocked(p, r.trial)
		return
	}
	c.recovered()

	switch out.Kind {
	case fetch.KindItems:
		p.Found = len(out.Items)
		c.accept(ctx, out.Items)
		c.fullOrShort(p)
		return
	case fetch.KindEmptyPage:
		p.Found = 0
		p.State = plan.Exhausted
	case fetch.KindRateLimited:
		p.State = plan.Failed
		p.Note = fmt.Sprintf("rate limited after %d attempts", out.Attempts)
	default:
		p.State = plan.Failed
		p.Note = out.Kind.String()
		if out.Err != nil {
			p.Note += ": " + out.Err.Error()
		}
	}
	c.finish(p)
}

// fullOrShort decides between exhausted, split, next page and saturated.
func (c *Collector) fullOrShort(p plan.Partition) {
	if p.PageSize <= 0 || p.Found < p.PageSize {
		p.State = plan.Exhausted
		c.finish(p)
		return
	}

	if children := c.deps.Planner.Split(p); len(children) > 0 {
		p.State = plan.Fetched
		c.finish(p)
		c.queue.Push(children...)
		c.deps.Events.Emit(otel.Event{
			Level:     otel.LevelInfo,
			Kind:      otel.KindPartitionSplit,
			Comp:      "coord",
			Count:     len(children),
			Partition: p.Key(),
		})
		c.logger.Debug("split", "partition", p.Key(), "depth", p.Depth)
		return
	}

	if next, ok := c.deps.Planner.NextPage(p); ok {
		p.State = plan.Fetched
		p.Note = "paged"
		c.finish(p)
		c.queue.Push(next)
		c.deps.Events.Emit(otel.Event{
			Level:     otel.LevelInfo,
			Kind:      otel.KindPartitionPage,
			Comp:      "coord",
			Partition: next.Key(),
		})
		return
	}

	p.State = plan.Saturated
	p.Note = "unsplittable"
	c.logger.Warn("saturated", "partition", p.Key(), "found", p.Found)
	c.finish(p)
}

// finish writes p back and publishes its terminal state.
func (c *Collector) finish(p plan.Partition) {
	c.queue.Update(p)
	c.deps.Metrics.Partitions(c.queue.Counts())
	c.deps.Events.Emit(otel.Event{
		Level:     otel.LevelInfo,
		Kind:      otel.KindPartitionState,
		Comp:      "coord",
		Partition: p.Key(),
		State:     string(p.State),
		Count:     p.Found,
		Msg:       p.Note,
	})
	if p.State == plan.Failed {
		c.logger.Warn("partition failed", "partition", p.Key(), "note", p.Note)
	}
}

// accept upserts items and forwards them to every sink.
func (c *Collector) accept(ctx context.Context, items []store.Item) {
	n := c.deps.Store.Upsert(items)
	c.newItems += n
	c.sinceCheckpoint += n
	c.deps.Metrics.Accepted(n, c.deps.Store.Size())

	if len(c.deps.Sinks) == 0 {
		return
	}
	// Sinks finish their write even while the run is being cancelled.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	for _, s := range c.deps.Sinks {
		if err := s.Put(sctx, items); err != nil {
			c.logger.Warn("sink write failed", "err", err)
			c.deps.Events.Error(otel.KindSinkError, "coord", err)
		}
	}
}

// blocked requeues p and escalates to a global pause once Blocked
// outcomes pile up. While paused, a blocked trial escalates at once;
// blocked results dispatched before the pause are already covered by it.
func (c *Collector) blocked(p plan.Partition, trial bool) {
	p.State = plan.Pending
	p.Note = "blocked"
	c.queue.Update(p)

	paused := c.state == StatePaused
	if !paused || trial {
		c.blockedStreak++
	}
	c.deps.Events.Emit(otel.Event{
		Level:     otel.LevelWarn,
		Kind:      otel.KindFetchBlocked,
		Comp:      "coord",
		Partition: p.Key(),
		Count:     c.blockedStreak,
	})

	threshold := c.opts.BlockedPauseThreshold
	if threshold <= 0 {
		threshold = 1
	}
	switch {
	case paused && !trial:
		return
	case !paused && c.blockedStreak < threshold:
		return
	}
	c.blockedStreak = 0
	c.pauses++

	if c.opts.PauseAbortThreshold > 0 && c.pauses > c.opts.PauseAbortThreshold {
		c.logger.Error("source keeps blocking, aborting", "pauses", c.pauses-1)
		c.setState(StateAborted)
		c.stop(ReasonBlocked)
		return
	}

	wait := c.pauseFor(c.pauses)
	c.deps.Gate.PauseUntil(c.clock.Now().Add(wait))
	c.logger.Warn("pausing all workers", "for", wait, "pause", c.pauses)
	c.setState(StatePaused)
}

// pauseFor is BlockedCooldown doubled per consecutive pause, capped.
func (c *Collector) pauseFor(n int) time.Duration {
	wait := c.opts.BlockedCooldown
	if wait <= 0 {
		wait = time.Second
	}
	for i := 1; i < n && wait < c.opts.MaxPause; i++ {
		wait *= 2
	}
	if wait > c.opts.MaxPause {
		wait = c.opts.MaxPause
	}
	return wait
}

// recovered clears the blocked streak after any non-Blocked outcome.
func (c *Collector) recovered() {
	c.blockedStreak = 0
	if c.state == StatePaused {
		c.pauses = 0
		c.logger.Info("source responding again, resuming")
		c.setState(StateRunning)
	}
}

func (c *Collector) setState(s State) {
	if c.state == s {
		return
	}
	prev := c.state
	c.state = s
	c.deps.Metrics.State(string(s))
	c.deps.Events.Emit(otel.Event{
		Level: otel.LevelInfo,
		Kind:  otel.KindCollectorState,
		Comp:  "coord",
		State: string(s),
		Msg:   string(prev) + " -> " + string(s),
	})
}

// due reports whether an item- or time-based checkpoint is owed.
func (c *Collector) due() bool {
	if c.opts.CheckpointItems > 0 && c.sinceCheckpoint >= c.opts.CheckpointItems {
		return true
	}
	return c.opts.CheckpointInterval > 0 && c.clock.Now().Sub(c.lastCheckpoint) >= c.opts.CheckpointInterval
}

// checkpoint saves the store and the queue. A failure is logged and the
// next interval retries.
func (c *Collector) checkpoint() {
	now := c.clock.Now()
	c.stats.RequestCount = c.baseRequests + c.requests()
	c.stats.SavedAt = now

	cp := &checkpoint.Checkpoint{
		RunID:      c.runID,
		Items:      c.deps.Store.Snapshot(),
		Partitions: c.queue.Snapshot(),
		Stats:      c.stats,
	}
	start := time.Now()
	err := c.deps.Checkpoints.Save(cp)
	c.deps.Metrics.Checkpoint(err)

	c.sinceCheckpoint = 0
	c.lastCheckpoint = now
	c.checkpointErr = err

	if err != nil {
		c.logger.Warn("checkpoint save failed", "err", err)
		c.deps.Events.Error(otel.KindCheckpointError, "coord", err)
		return
	}
	c.deps.Events.Emit(otel.Event{
		Level: otel.LevelInfo,
		Kind:  otel.KindCheckpointSave,
		Comp:  "coord",
		Dur:   time.Since(start),
		Count: len(cp.Items),
	})
	c.logger.Debug("checkpoint saved", "items", len(cp.Items), "partitions", len(cp.Partitions))
}

func (c *Collector) requests() int64 {
	if rc, ok := c.deps.Executor.(requestCounter); ok {
		return rc.Requests()
	}
	return 0
}

func (c *Collector) summary() Summary {
	req := c.requests()
	return Summary{
		RunID:         c.runID,
		State:         c.state,
		Reason:        c.reason,
		Items:         c.deps.Store.Size(),
		NewItems:      c.newItems,
		Requests:      req,
		TotalRequests: c.baseRequests + req,
		Sessions:      c.stats.Sessions,
		Elapsed:       c.clock.Now().Sub(c.started),
		Partitions:    c.queue.Counts(),
		CheckpointErr: c.checkpointErr,
	}
}
