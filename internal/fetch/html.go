package fetch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/abelbrown/harvester/internal/store"
)

// scriptSelector matches script tags that carry page state as JSON.
const scriptSelector = `script[type="application/json"], script[type="application/ld+json"], script#__NEXT_DATA__`

// cardSelector matches server-rendered result cards.
const cardSelector = "[data-listing-id]"

// HTMLParser extracts items from HTML result pages: first from embedded
// JSON state, then from data-attribute result cards.
type HTMLParser struct {
	json *JSONParser
}

// NewHTMLParser wraps jp for the embedded-JSON path.
func NewHTMLParser(jp *JSONParser) *HTMLParser {
	return &HTMLParser{json: jp}
}

// Parse returns ErrUnrecognizedPayload when neither path finds a list.
func (h *HTMLParser) Parse(body []byte) ([]store.Item, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var items []store.Item
	found := false
	doc.Find(scriptSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		dec := json.NewDecoder(strings.NewReader(s.Text()))
		dec.UseNumber()
		var v any
		if dec.Decode(&v) != nil {
			return true
		}
		parsed, err := h.json.fromValue(v)
		if err != nil {
			return true
		}
		items, found = parsed, true
		return false
	})
	if found {
		return items, nil
	}

	cards := doc.Find(cardSelector)
	if cards.Length() == 0 {
		return nil, ErrUnrecognizedPayload
	}

	items = make([]store.Item, 0, cards.Length())
	cards.Each(func(_ int, s *goquery.Selection) {
		attrs := map[string]any{}
		for _, a := range s.Nodes[0].Attr {
			if name, ok := strings.CutPrefix(a.Key, "data-"); ok {
				attrs[name] = a.Val
			}
		}
		if title := strings.TrimSpace(s.Find("h2, h3, h4").First().Text()); title != "" {
			attrs["title"] = title
		}
		id, _ := s.Attr("data-listing-id")
		items = append(items, store.Item{ID: strings.TrimSpace(id), Attrs: attrs})
	})
	return items, nil
}
