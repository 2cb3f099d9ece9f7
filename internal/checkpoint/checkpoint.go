// Package checkpoint persists collector state so a run survives restarts.
//
// A checkpoint is one JSON document holding every known item, every
// planned partition with its state, and run statistics. Writes go to a
// temp file that is renamed over the previous checkpoint, so a crash
// mid-save leaves the last good one in place.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/abelbrown/harvester/internal/plan"
	"github.com/abelbrown/harvester/internal/store"
)

// formatVersion is bumped on incompatible document changes.
const formatVersion = 1

var (
	// ErrNotFound indicates no checkpoint exists at the path.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrVersion indicates a checkpoint written by an incompatible build.
	ErrVersion = errors.New("unsupported checkpoint version")
)

// Stats are cumulative across every session of a run.
type Stats struct {
	RequestCount int64     `json:"requestCount"`
	StartedAt    time.Time `json:"startedAt"`
	SavedAt      time.Time `json:"savedAt"`
	Sessions     int       `json:"sessions"`
}

// Checkpoint is the persisted document.
type Checkpoint struct {
	Version    int                   `json:"version"`
	RunID      string                `json:"runId"`
	Items      map[string]store.Item `json:"items"`
	Partitions []plan.Partition      `json:"partitions"`
	Stats      Stats                 `json:"stats"`
}

// Manager reads and writes the checkpoint file. Saves are serialized.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager creates a Manager for path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the checkpoint location.
func (m *Manager) Path() string {
	return m.path
}

// Save atomically replaces the checkpoint. On error the previous file is
// untouched; callers treat the failure as non-fatal and retry next tick.
func (m *Manager) Save(cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp.Version = formatVersion
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	if err := renameio.WriteFile(m.path, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint. Returns ErrNotFound if none exists.
func (m *Manager) Load() (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var cp Checkpoint
	if err := dec.Decode(&cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp.Version != formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, cp.Version)
	}
	if cp.Items == nil {
		cp.Items = map[string]store.Item{}
	}
	return &cp, nil
}

// Delete removes the checkpoint. A missing file is not an error.
func (m *Manager) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
