package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
)

func TestUpsertCountsNewIDs(t *testing.T) {
	s := New()

	n := s.Upsert([]Item{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	if n != 3 {
		t.Errorf("expected 3 new, got %d", n)
	}

	n = s.Upsert([]Item{{ID: "b"}, {ID: "d"}})
	if n != 1 {
		t.Errorf("expected 1 new, got %d", n)
	}
	if s.Size() != 4 {
		t.Errorf("expected size 4, got %d", s.Size())
	}
}

func TestUpsertLastWriteWins(t *testing.T) {
	s := New()
	s.Upsert([]Item{{ID: "x", Attrs: map[string]any{"price": json.Number("100")}}})
	n := s.Upsert([]Item{{ID: "x", Attrs: map[string]any{"price": json.Number("90")}}})

	if n != 0 {
		t.Errorf("re-upsert should not count as new, got %d", n)
	}
	got, ok := s.Get("x")
	if !ok {
		t.Fatal("item x missing")
	}
	if p, _ := got.Float("price"); p != 90 {
		t.Errorf("expected fresher price 90, got %v", p)
	}
}

func TestUpsertDropsMissingID(t *testing.T) {
	s := New()
	n := s.Upsert([]Item{{ID: ""}, {ID: "ok"}, {Attrs: map[string]any{"price": 1}}})

	if n != 1 {
		t.Errorf("expected 1 new, got %d", n)
	}
	if s.Size() != 1 {
		t.Errorf("expected size 1, got %d", s.Size())
	}
	if s.Dropped() != 2 {
		t.Errorf("expected 2 dropped, got %d", s.Dropped())
	}
}

func TestSnapshotRestore(t *testing.T) {
	s := New()
	s.Upsert([]Item{{ID: "a"}, {ID: "b"}})

	snap := s.Snapshot()
	s.Upsert([]Item{{ID: "c"}})
	if len(snap) != 2 {
		t.Fatalf("snapshot should be isolated from later writes, got %d", len(snap))
	}

	restored := New()
	restored.Restore(snap)
	if restored.Size() != 2 {
		t.Errorf("expected restored size 2, got %d", restored.Size())
	}

	// Key fills a missing record id; empty keys are skipped.
	restored.Restore(map[string]Item{"k": {}, "": {ID: "z"}})
	if restored.Size() != 1 {
		t.Fatalf("expected size 1, got %d", restored.Size())
	}
	if it, _ := restored.Get("k"); it.ID != "k" {
		t.Errorf("expected id filled from key, got %q", it.ID)
	}
}

func TestConcurrentUpsertNoDuplicates(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0

	// 8 writers over overlapping id ranges
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			batch := make([]Item, 0, 100)
			for i := 0; i < 100; i++ {
				batch = append(batch, Item{ID: fmt.Sprintf("id-%d", (w*50+i)%300)})
			}
			n := s.Upsert(batch)
			mu.Lock()
			total += n
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	if s.Size() != 300 {
		t.Errorf("expected 300 distinct ids, got %d", s.Size())
	}
	if total != s.Size() {
		t.Errorf("sum of new counts %d != size %d", total, s.Size())
	}
}

func TestItemsOrdered(t *testing.T) {
	s := New()
	s.Upsert([]Item{{ID: "c"}, {ID: "a"}, {ID: "b"}})

	items := s.Items()
	if len(items) != 3 || items[0].ID != "a" || items[2].ID != "c" {
		t.Errorf("unexpected order: %+v", items)
	}
}

func TestItemFloat(t *testing.T) {
	it := Item{ID: "1", Attrs: map[string]any{
		"num":    json.Number("24995"),
		"f":      12.5,
		"str":    "$18,400",
		"bad":    "n/a",
		"absent": nil,
	}}

	tests := []struct {
		key  string
		want float64
		ok   bool
	}{
		{"num", 24995, true},
		{"f", 12.5, true},
		{"str", 18400, true},
		{"bad", 0, false},
		{"absent", 0, false},
		{"missing", 0, false},
	}
	for _, tt := range tests {
		got, ok := it.Float(tt.key)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Float(%q) = %v, %v; want %v, %v", tt.key, got, ok, tt.want, tt.ok)
		}
	}
}
