// Package sink forwards accepted items to an external Postgres table.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/abelbrown/harvester/internal/store"
)

// defaultBatchSize bounds statements per round trip.
const defaultBatchSize = 200

// Postgres upserts items into a table keyed by item id.
type Postgres struct {
	pool  *pgxpool.Pool
	table string // sanitized identifier
	batch int
}

// OpenPostgres connects, pings and ensures the table exists. table may be
// schema-qualified ("inventory.items"); empty means "harvest_items".
func OpenPostgres(ctx context.Context, dsn, table string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	p := &Postgres{pool: pool, table: tableIdent(table), batch: defaultBatchSize}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// tableIdent quotes a possibly schema-qualified table name.
func tableIdent(table string) string {
	if strings.TrimSpace(table) == "" {
		table = "harvest_items"
	}
	return pgx.Identifier(strings.Split(table, ".")).Sanitize()
}

func (p *Postgres) migrate(ctx context.Context) error {
	schema := `CREATE TABLE IF NOT EXISTS ` + p.table + ` (
		id TEXT PRIMARY KEY,
		attrs JSONB NOT NULL,
		first_seen TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL
	)`
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("exec migration: %w", err)
	}
	return nil
}

// Put upserts items in batches. Items without an id are skipped.
func (p *Postgres) Put(ctx context.Context, items []store.Item) error {
	for i := 0; i < len(items); i += p.batch {
		j := i + p.batch
		if j > len(items) {
			j = len(items)
		}

		b := &pgx.Batch{}
		count := 0
		for _, item := range items[i:j] {
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
			b.Queue(
				`INSERT INTO `+p.table+` (id, attrs, first_seen, last_seen)
				VALUES ($1, $2, $3, $3)
				ON CONFLICT (id) DO UPDATE SET attrs = EXCLUDED.attrs, last_seen = EXCLUDED.last_seen`,
				item.ID, attrs, seen,
			)
			count++
		}
		if count == 0 {
			continue
		}

		br := p.pool.SendBatch(ctx, b)
		for k := 0; k < count; k++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("upsert batch: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("close batch: %w", err)
		}
	}
	return nil
}

// Count returns the number of rows in the table.
func (p *Postgres) Count(ctx context.Context) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+p.table).Scan(&n)
	return n, err
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
