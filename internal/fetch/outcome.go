package fetch

import (
	"time"

	"github.com/abelbrown/harvester/internal/store"
)

// Kind classifies the result of executing one partition.
type Kind int

const (
	KindItems Kind = iota
	KindEmptyPage
	KindRateLimited
	KindBlocked
	KindTransportError
	KindParseError
)

var kindNames = map[Kind]string{
	KindItems:          "items",
	KindEmptyPage:      "empty_page",
	KindRateLimited:    "rate_limited",
	KindBlocked:        "blocked",
	KindTransportError: "transport_error",
	KindParseError:     "parse_error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Retryable reports whether the kind is a failure signal rather than data.
func (k Kind) Retryable() bool {
	return k != KindItems && k != KindEmptyPage
}

// Outcome is what Execute hands back to the collector loop. It never
// mutates the store or the plan itself.
type Outcome struct {
	Kind       Kind
	Items      []store.Item    // KindItems only
	RetryAfter time.Duration   // last hint from a rate-limited response
	Err        error           // cause for transport/parse failures
	Attempts   int             // requests issued for this execution
	Waits      []time.Duration // backoff sleeps applied, in order
}
