// Package store holds collected inventory items keyed by their source id.
//
// The in-memory Store is the authoritative dedup set for a run and is what
// checkpoints snapshot. Mirror keeps a queryable SQLite copy alongside it.
package store

import (
	"sort"
	"sync"
)

// Store is the dedup set of items. NOT an interface - concrete type.
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type Store struct {
	mu      sync.RWMutex
	items   map[string]Item
	dropped int
}

// New creates an empty Store.
func New() *Store {
	return &Store{items: make(map[string]Item)}
}

// Upsert stores items, returning the count of ids not seen before.
// Re-upserting a known id replaces the record (last write wins) without
// counting it as new. Items with no id are dropped.
func (s *Store) Upsert(items []Item) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	newCount := 0
	for _, item := range items {
		if item.ID == "" {
			s.dropped++
			continue
		}
		if _, ok := s.items[item.ID]; !ok {
			newCount++
		}
		s.items[item.ID] = item
	}
	return newCount
}

// Size returns the number of distinct ids held.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Dropped returns how many items were rejected for lacking an id.
func (s *Store) Dropped() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

// Get returns the stored record for id.
func (s *Store) Get(id string) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	return item, ok
}

// Snapshot returns a copy of the id -> item mapping suitable for persisting.
// Records are immutable once stored, so attribute maps are shared, not cloned.
func (s *Store) Snapshot() map[string]Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Item, len(s.items))
	for id, item := range s.items {
		out[id] = item
	}
	return out
}

// Restore replaces the store contents with data from a snapshot.
// Entries keyed by "" are ignored; an entry whose record lacks an id
// takes the map key as its id.
func (s *Store) Restore(data map[string]Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]Item, len(data))
	for id, item := range data {
		if id == "" {
			continue
		}
		if item.ID == "" {
			item.ID = id
		}
		s.items[id] = item
	}
}

// Items returns every stored item ordered by id.
func (s *Store) Items() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Item, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
