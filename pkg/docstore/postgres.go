package docstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend stores documents as JSONB rows in the documents table.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend creates a backend on an existing pool. The schema comes
// from database.Migrate.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// Put inserts or replaces the document at path.
func (b *PostgresBackend) Put(ctx context.Context, path, parent string, data []byte) error {
	const q = `INSERT INTO documents (path, parent, data) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`
	_, err := b.pool.Exec(ctx, q, path, parent, string(data))
	return err
}

// Merge shallow-merges fields into the document at path.
func (b *PostgresBackend) Merge(ctx context.Context, path, parent string, fields []byte) error {
	const q = `INSERT INTO documents (path, parent, data) VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (path) DO UPDATE SET data = documents.data || EXCLUDED.data, updated_at = NOW()`
	_, err := b.pool.Exec(ctx, q, path, parent, string(fields))
	return err
}

// Remove deletes path and its descendants.
func (b *PostgresBackend) Remove(ctx context.Context, path string) error {
	const q = `DELETE FROM documents WHERE path = $1 OR left(path, length($2)) = $2`
	_, err := b.pool.Exec(ctx, q, path, path+"/")
	return err
}

// Get returns the raw document at path.
func (b *PostgresBackend) Get(ctx context.Context, path string) ([]byte, bool, error) {
	const q = `SELECT data::text FROM documents WHERE path = $1`
	var data string
	err := b.pool.QueryRow(ctx, q, path).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return []byte(data), true, nil
}

// Children returns the documents whose parent is parent, keyed by last segment.
func (b *PostgresBackend) Children(ctx context.Context, parent string) (map[string][]byte, error) {
	const q = `SELECT path, data::text FROM documents WHERE parent = $1 ORDER BY path`
	rows, err := b.pool.Query(ctx, q, parent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]byte)
	for rows.Next() {
		var path, data string
		if err := rows.Scan(&path, &data); err != nil {
			return nil, err
		}
		out[lastSegment(path)] = []byte(data)
	}
	return out, rows.Err()
}
