package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/abelbrown/harvester/internal/fetch"
	"github.com/abelbrown/harvester/internal/plan"
)

func TestFetchHooksCount(t *testing.T) {
	m := New()
	hooks := m.FetchHooks()

	hooks.OnAttempt(fetch.KindRateLimited, 120*time.Millisecond)
	hooks.OnAttempt(fetch.KindItems, 80*time.Millisecond)
	hooks.OnAttempt(fetch.KindItems, 90*time.Millisecond)
	hooks.OnBackoff(fetch.KindRateLimited, 4*time.Second)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("items")); got != 2 {
		t.Errorf("expected 2 items requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("rate_limited")); got != 1 {
		t.Errorf("expected 1 rate_limited request, got %v", got)
	}
}

func TestGauges(t *testing.T) {
	m := New()
	m.Accepted(10, 10)
	m.Accepted(5, 15)
	m.Partitions(map[plan.State]int{plan.Pending: 3, plan.Exhausted: 7})
	m.State("PAUSED_BACKOFF")
	m.Checkpoint(nil)
	m.Checkpoint(errors.New("disk full"))
	m.Outcome(fetch.KindEmptyPage)

	if got := testutil.ToFloat64(m.newItems); got != 15 {
		t.Errorf("expected 15 new items, got %v", got)
	}
	if got := testutil.ToFloat64(m.storeSize); got != 15 {
		t.Errorf("expected store size 15, got %v", got)
	}
	if got := testutil.ToFloat64(m.partitions.WithLabelValues("EXHAUSTED")); got != 7 {
		t.Errorf("expected 7 exhausted, got %v", got)
	}
	if got := testutil.ToFloat64(m.partitions.WithLabelValues("FAILED")); got != 0 {
		t.Errorf("expected 0 failed, got %v", got)
	}
	if got := testutil.ToFloat64(m.state.WithLabelValues("PAUSED_BACKOFF")); got != 1 {
		t.Errorf("expected paused state set, got %v", got)
	}
	if got := testutil.ToFloat64(m.state.WithLabelValues("RUNNING")); got != 0 {
		t.Errorf("expected running cleared, got %v", got)
	}
	if got := testutil.ToFloat64(m.checkpoints.WithLabelValues("error")); got != 1 {
		t.Errorf("expected 1 failed save, got %v", got)
	}
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.Accepted(3, 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "harvest_new_items_total 3") {
		t.Errorf("exposition missing counter:\n%s", body)
	}
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	m.Accepted(1, 1)
	m.State("RUNNING")
	m.Outcome(fetch.KindItems)
	m.Checkpoint(nil)
	m.Partitions(nil)
	if h := m.FetchHooks(); h.OnAttempt != nil {
		t.Error("nil metrics should yield empty hooks")
	}
}
