// Package fetch executes partition queries against the source.
//
// Executor owns the retry and backoff policy and classifies every attempt
// into an Outcome. The wire itself is behind Transport and the payload
// shape behind Parser, so neither carries retry logic of its own.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/abelbrown/harvester/internal/clock"
	"github.com/abelbrown/harvester/internal/plan"
	"github.com/abelbrown/harvester/internal/store"
)

// Policy bounds retries and waits for one partition.
type Policy struct {
	BackoffBase      time.Duration // first rate-limit wait
	BackoffMax       time.Duration // ceiling for every backoff
	MaxRetries       int           // rate-limit retries before giving up
	TransientRetries int           // transport retries; parse errors get at most one
	BlockedCooldown  time.Duration // wait before the single blocked retry
	FetchTimeout     time.Duration // per-request bound
	OffsetParam      string
	PageSizeParam    string
}

// DefaultPolicy mirrors the source's observed tolerances.
func DefaultPolicy() Policy {
	return Policy{
		BackoffBase:      2 * time.Second,
		BackoffMax:       60 * time.Second,
		MaxRetries:       5,
		TransientRetries: 2,
		BlockedCooldown:  10 * time.Second,
		FetchTimeout:     30 * time.Second,
		OffsetParam:      "offset",
		PageSizeParam:    "maxResults",
	}
}

// Hooks observe executor activity. Nil fields are skipped.
type Hooks struct {
	OnAttempt func(kind Kind, dur time.Duration)
	OnBackoff func(kind Kind, wait time.Duration)
}

// Executor runs one partition's query under the retry policy.
// Safe for concurrent use by multiple workers.
type Executor struct {
	transport Transport
	parser    Parser
	policy    Policy
	clock     clock.Clock
	limiter   *rate.Limiter
	gate      *Gate
	hooks     Hooks
	requests  atomic.Int64
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock injects the time source used for backoff sleeps.
func WithClock(c clock.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

// WithLimiter paces requests across all workers.
func WithLimiter(l *rate.Limiter) Option {
	return func(e *Executor) { e.limiter = l }
}

// WithGate shares a global pause with the collector.
func WithGate(g *Gate) Option {
	return func(e *Executor) { e.gate = g }
}

// WithHooks attaches observers.
func WithHooks(h Hooks) Option {
	return func(e *Executor) { e.hooks = h }
}

// NewExecutor creates an Executor. Without options it uses the wall
// clock, no pacing and its own gate.
func NewExecutor(t Transport, p Parser, policy Policy, opts ...Option) *Executor {
	e := &Executor{
		transport: t,
		parser:    p,
		policy:    policy,
		clock:     clock.Real{},
		limiter:   rate.NewLimiter(rate.Inf, 1),
		gate:      NewGate(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Gate returns the shared global pause.
func (e *Executor) Gate() *Gate { return e.gate }

// Requests returns the number of requests issued so far.
func (e *Executor) Requests() int64 { return e.requests.Load() }

// Execute fetches p, retrying per policy, and classifies the result.
// The only error returned is ctx's, on cancellation; every source
// failure is an Outcome.
func (e *Executor) Execute(ctx context.Context, p plan.Partition) (Outcome, error) {
	query := p.Query(e.policy.OffsetParam, e.policy.PageSizeParam)

	var out Outcome
	var rateLimited, blocked, transient int
	var prevWait time.Duration

	for {
		if err := e.gate.Wait(ctx, e.clock); err != nil {
			return out, err
		}
		if err := e.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			return out, fmt.Errorf("rate limiter: %w", err)
		}

		kind, items, resp, err := e.attempt(ctx, query)
		out.Attempts++
		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		var wait time.Duration
		switch kind {
		case KindItems, KindEmptyPage:
			out.Kind = kind
			out.Items = items
			out.Err = nil
			return out, nil

		case KindRateLimited:
			rateLimited++
			out.RetryAfter = resp.RetryAfter
			if rateLimited > e.policy.MaxRetries {
				out.Kind = kind
				return out, nil
			}
			wait = e.rateLimitWait(rateLimited, resp.RetryAfter, prevWait)
			prevWait = wait

		case KindBlocked:
			blocked++
			if blocked > 1 {
				out.Kind = kind
				return out, nil
			}
			wait = e.policy.BlockedCooldown

		default:
			transient++
			out.Err = err
			limit := e.policy.TransientRetries
			if kind == KindParseError && limit > 1 {
				limit = 1
			}
			if transient > limit {
				out.Kind = kind
				return out, nil
			}
			wait = e.geometric(transient)
		}

		out.Waits = append(out.Waits, wait)
		if e.hooks.OnBackoff != nil {
			e.hooks.OnBackoff(kind, wait)
		}
		if err := e.clock.Sleep(ctx, wait); err != nil {
			return out, err
		}
	}
}

// attempt issues one request and classifies it.
func (e *Executor) attempt(ctx context.Context, query map[string]string) (Kind, []store.Item, Response, error) {
	start := time.Now()
	kind, items, resp, err := e.classify(ctx, query)
	if e.hooks.OnAttempt != nil {
		e.hooks.OnAttempt(kind, time.Since(start))
	}
	return kind, items, resp, err
}

func (e *Executor) classify(ctx context.Context, query map[string]string) (Kind, []store.Item, Response, error) {
	actx := ctx
	if e.policy.FetchTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.policy.FetchTimeout)
		defer cancel()
	}

	e.requests.Add(1)
	resp, err := e.transport.Fetch(actx, query)
	if err != nil {
		return KindTransportError, nil, resp, err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return KindRateLimited, nil, resp, nil
	case resp.Blocked || resp.StatusCode == http.StatusForbidden:
		return KindBlocked, nil, resp, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return KindTransportError, nil, resp, fmt.Errorf("HTTP error: %d", resp.StatusCode)
	}

	items, err := e.parser.Parse(resp.Body)
	if err != nil {
		return KindParseError, nil, resp, err
	}
	if len(items) == 0 {
		return KindEmptyPage, nil, resp, nil
	}

	now := e.clock.Now()
	for i := range items {
		if items[i].Fetched.IsZero() {
			items[i].Fetched = now
		}
	}
	return KindItems, items, resp, nil
}

// rateLimitWait is the larger of the server hint and the geometric
// default, never shorter than the previous wait, capped at BackoffMax.
func (e *Executor) rateLimitWait(n int, retryAfter, prev time.Duration) time.Duration {
	wait := e.geometric(n)
	if retryAfter > wait {
		wait = retryAfter
	}
	if e.policy.BackoffMax > 0 && wait > e.policy.BackoffMax {
		wait = e.policy.BackoffMax
	}
	if wait < prev {
		wait = prev
	}
	return wait
}

// geometric returns BackoffBase * 2^(n-1), capped at BackoffMax.
func (e *Executor) geometric(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	shift := n - 1
	if shift > 30 {
		shift = 30
	}
	wait := e.policy.BackoffBase << shift
	if e.policy.BackoffMax > 0 && (wait > e.policy.BackoffMax || wait < 0) {
		wait = e.policy.BackoffMax
	}
	return wait
}
