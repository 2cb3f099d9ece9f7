package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Mirror keeps a queryable SQLite copy of accepted items.
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type Mirror struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenMirror opens (or creates) the SQLite mirror at dbPath.
// Uses WAL mode for file-based DBs; ":memory:" uses a shared-cache single connection.
func OpenMirror(dbPath string) (*Mirror, error) {
	connStr := dbPath
	if dbPath == ":memory:" {
		// Shared cache so every pooled connection sees the same database
		connStr = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	m := &Mirror{db: db}
	if err := m.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return m, nil
}

func (m *Mirror) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		attrs TEXT NOT NULL,
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_last_seen ON items(last_seen DESC);
	`
	if _, err := m.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Close()
}

// Put upserts items in one transaction. first_seen survives re-fetches;
// attrs and last_seen take the fresher record.
func (m *Mirror) Put(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO items (id, attrs, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			attrs = excluded.attrs,
			last_seen = excluded.last_seen
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		if item.ID == "" {
			continue
		}
		attrs, err := json.Marshal(item.Attrs)
		if err != nil {
			return fmt.Errorf("encode attrs for %s: %w", item.ID, err)
		}
		seen := item.Fetched
		if seen.IsZero() {
			seen = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, item.ID, string(attrs), seen, seen); err != nil {
			return fmt.Errorf("upsert %s: %w", item.ID, err)
		}
	}

	return tx.Commit()
}

// Count returns the number of mirrored items.
func (m *Mirror) Count() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int
	err := m.db.QueryRow("SELECT COUNT(*) FROM items").Scan(&n)
	return n, err
}

// All returns every mirrored item ordered by id.
func (m *Mirror) All(ctx context.Context) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.QueryContext(ctx, "SELECT id, attrs, last_seen FROM items ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var attrs string
		if err := rows.Scan(&item.ID, &attrs, &item.Fetched); err != nil {
			return nil, err
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(attrs)))
		dec.UseNumber()
		if err := dec.Decode(&item.Attrs); err != nil {
			return nil, fmt.Errorf("decode attrs for %s: %w", item.ID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
