package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/abelbrown/harvester/internal/clock"
)

func TestGatePauseNeverShortens(t *testing.T) {
	g := NewGate()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	g.PauseUntil(base.Add(time.Minute))
	g.PauseUntil(base.Add(time.Second))

	if got := g.Until(); !got.Equal(base.Add(time.Minute)) {
		t.Errorf("pause shortened to %v", got)
	}
}

func TestGateWaitOpen(t *testing.T) {
	clk := clock.NewFake(time.Now())
	if err := NewGate().Wait(context.Background(), clk); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(clk.Sleeps()) != 0 {
		t.Error("open gate should not sleep")
	}
}

func TestGateWaitCancelled(t *testing.T) {
	clk := clock.NewFake(time.Now())
	g := NewGate()
	g.PauseUntil(clk.Now().Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Wait(ctx, clk); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNilGate(t *testing.T) {
	var g *Gate
	g.PauseUntil(time.Now().Add(time.Hour))
	if !g.Until().IsZero() {
		t.Error("nil gate should never pause")
	}
	if err := g.Wait(context.Background(), clock.Real{}); err != nil {
		t.Errorf("nil gate Wait: %v", err)
	}
}
