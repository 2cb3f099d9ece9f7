package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Item is one inventoried unit. Attrs is an open bag because the source
// payload shape varies by endpoint; numeric values are kept as json.Number.
type Item struct {
	ID      string         `json:"id"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Fetched time.Time      `json:"fetched"`
}

// Float returns a numeric attribute, accepting JSON numbers, Go numerics
// and numeric strings like "24,995".
func (it Item) Float(key string) (float64, bool) {
	v, ok := it.Attrs[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		clean := strings.NewReplacer(",", "", "$", "").Replace(strings.TrimSpace(n))
		f, err := strconv.ParseFloat(clean, 64)
		return f, err == nil
	}
	return 0, false
}

// String returns an attribute formatted as text, or "" if absent.
func (it Item) String(key string) string {
	v, ok := it.Attrs[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
