package otel

import (
	"os"
	"sync/atomic"
)

// traceEnabled is set once at package init. Atomic so tests can flip it
// while workers read it.
var traceEnabled atomic.Bool

func init() {
	traceEnabled.Store(os.Getenv("HARVEST_TRACE") != "")
}

// TraceEnabled reports whether HARVEST_TRACE is set. When true the
// collector also logs one event per request attempt.
func TraceEnabled() bool {
	return traceEnabled.Load()
}

// setTraceEnabled overrides the traceEnabled flag for testing.
func setTraceEnabled(v bool) {
	traceEnabled.Store(v)
}
