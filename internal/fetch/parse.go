package fetch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/abelbrown/harvester/internal/store"
)

// ErrUnrecognizedPayload means no item list could be located in a body.
var ErrUnrecognizedPayload = errors.New("unrecognized payload shape")

// DefaultListKeys are the object fields searched for the item array.
var DefaultListKeys = []string{"listings", "results", "vehicles", "data", "inventory"}

// DefaultIDFields are the record fields tried, in order, for the item id.
var DefaultIDFields = []string{"id", "listingId"}

// maxSearchDepth bounds how far into nested objects the list is sought.
const maxSearchDepth = 3

// Parser turns a response body into items. Records without an id, and
// array entries that are not records, are returned with an empty ID so the page fill count stays honest; the
// store drops them.
type Parser interface {
	Parse(body []byte) ([]store.Item, error)
}

// JSONParser accepts a top-level array or an object holding the array
// under one of ListKeys, possibly a few objects deep.
type JSONParser struct {
	ListKeys []string
	IDFields []string
}

// NewJSONParser creates a parser; nil slices select the defaults.
func NewJSONParser(listKeys, idFields []string) *JSONParser {
	if len(listKeys) == 0 {
		listKeys = DefaultListKeys
	}
	if len(idFields) == 0 {
		idFields = DefaultIDFields
	}
	return &JSONParser{ListKeys: listKeys, IDFields: idFields}
}

// Parse decodes body, keeping numbers as json.Number.
func (p *JSONParser) Parse(body []byte) ([]store.Item, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	return p.fromValue(v)
}

// fromValue extracts items from an already decoded document.
func (p *JSONParser) fromValue(v any) ([]store.Item, error) {
	records, ok := p.records(v, 0)
	if !ok {
		return nil, ErrUnrecognizedPayload
	}

	items := make([]store.Item, 0, len(records))
	for _, r := range records {
		obj, ok := r.(map[string]any)
		if !ok {
			// Counts toward the page fill; the store drops it.
			items = append(items, store.Item{})
			continue
		}
		items = append(items, store.Item{ID: p.idOf(obj), Attrs: obj})
	}
	return items, nil
}

// records locates the item array.
func (p *JSONParser) records(v any, depth int) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case map[string]any:
		for _, k := range p.ListKeys {
			child, ok := t[k]
			if !ok || child == nil {
				continue
			}
			if arr, ok := child.([]any); ok {
				return arr, true
			}
			if depth < maxSearchDepth {
				if arr, ok := p.records(child, depth+1); ok {
					return arr, true
				}
			}
		}
		if depth >= maxSearchDepth {
			return nil, false
		}
		// Wrapper objects like {"props": {"pageProps": {...}}}
		keys := make([]string, 0, len(t))
		for k, child := range t {
			if _, isObj := child.(map[string]any); isObj {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			if arr, ok := p.records(t[k], depth+1); ok {
				return arr, true
			}
		}
	}
	return nil, false
}

// idOf returns the first non-empty id field rendered as text.
func (p *JSONParser) idOf(obj map[string]any) string {
	for _, f := range p.IDFields {
		switch v := obj[f].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// AutoParser picks HTML or JSON parsing by sniffing the first byte.
type AutoParser struct {
	json *JSONParser
	html *HTMLParser
}

// NewAutoParser creates a sniffing parser sharing list keys and id fields.
func NewAutoParser(listKeys, idFields []string) *AutoParser {
	jp := NewJSONParser(listKeys, idFields)
	return &AutoParser{json: jp, html: NewHTMLParser(jp)}
}

// Parse dispatches on content shape.
func (a *AutoParser) Parse(body []byte) ([]store.Item, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n\ufeff")
	if len(trimmed) > 0 && trimmed[0] == '<' {
		return a.html.Parse(body)
	}
	return a.json.Parse(body)
}
