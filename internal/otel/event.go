// Package otel provides structured observability for the collector.
//
// Events are typed structs serialized as JSONL lines. The Logger writes
// events asynchronously via a buffered channel and background drain
// goroutine, so a slow disk never stalls a fetch worker.
package otel

import (
	"encoding/json"
	"time"
)

// Level defines event severity for filtering.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// EventKind identifies the category of an observability event.
// Dot-delimited: "<subsystem>.<action>".
type EventKind string

const (
	// Partition lifecycle
	KindPartitionFetch EventKind = "partition.fetch"
	KindPartitionSplit EventKind = "partition.split"
	KindPartitionPage  EventKind = "partition.page"
	KindPartitionState EventKind = "partition.state"

	// Executor signals
	KindFetchAttempt EventKind = "fetch.attempt" // trace only
	KindFetchRetry   EventKind = "fetch.retry"
	KindFetchBlocked EventKind = "fetch.blocked"

	// Persistence
	KindCheckpointSave  EventKind = "checkpoint.save"
	KindCheckpointError EventKind = "checkpoint.error"
	KindSinkError       EventKind = "sink.error"

	// Collector
	KindCollectorState EventKind = "collector.state"

	// System events
	KindStartup  EventKind = "sys.startup"
	KindShutdown EventKind = "sys.shutdown"
	KindError    EventKind = "sys.error"
)

// Event is the universal observability record. Every field except Kind and
// Time is optional. Serialized as a single JSONL line.
type Event struct {
	Time      time.Time      `json:"t"`
	Level     Level          `json:"level,omitempty"`
	Kind      EventKind      `json:"kind"`
	Comp      string         `json:"comp,omitempty"`       // component: "coord", "fetch", "checkpoint", "main"
	SessionID string         `json:"session_id,omitempty"` // one per process
	RunID     string         `json:"run_id,omitempty"`     // stable across resumed sessions
	Dur       time.Duration  `json:"-"`                    // not serialized directly
	DurMs     float64        `json:"dur_ms,omitempty"`     // computed from Dur at marshal time
	Count     int            `json:"count,omitempty"`
	Partition string         `json:"partition,omitempty"` // partition key
	State     string         `json:"state,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Err       string         `json:"err,omitempty"`
	Msg       string         `json:"msg,omitempty"`   // free text
	Extra     map[string]any `json:"extra,omitempty"` // escape hatch for unusual fields
}

// MarshalJSON implements json.Marshaler, converting Dur to DurMs.
func (e Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	a := struct {
		Alias
	}{Alias: Alias(e)}
	if e.Dur > 0 {
		a.DurMs = float64(e.Dur) / float64(time.Millisecond)
	}
	return json.Marshal(a)
}
