package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/abelbrown/harvester/internal/clock"
)

// Gate is the global pause shared by every worker. While paused, no
// request leaves the process.
// Thread-safety: all methods are safe for concurrent use; a nil *Gate never pauses.
type Gate struct {
	mu    sync.Mutex
	until time.Time
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{}
}

// PauseUntil closes the gate until t. An earlier t never shortens an
// existing pause.
func (g *Gate) PauseUntil(t time.Time) {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if t.After(g.until) {
		g.until = t
	}
}

// Until returns the time the current pause ends (zero if never paused).
func (g *Gate) Until() time.Time {
	if g == nil {
		return time.Time{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.until
}

// Wait blocks until the gate is open. A pause extended while waiting is
// honored.
func (g *Gate) Wait(ctx context.Context, clk clock.Clock) error {
	for {
		until := g.Until()
		now := clk.Now()
		if !now.Before(until) {
			return ctx.Err()
		}
		if err := clk.Sleep(ctx, until.Sub(now)); err != nil {
			return err
		}
	}
}
