package emulator

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS tree_snapshot (
	name       TEXT PRIMARY KEY,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PGStore keeps the snapshot in one row of the tree_snapshot table
type PGStore struct {
	pool *pgxpool.Pool
	name string
}

// NewPGStore returns a store saving under name; several databases can share a table
func NewPGStore(pool *pgxpool.Pool, name string) *PGStore {
	return &PGStore{pool: pool, name: name}
}

// Migrate creates the snapshot table if needed
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, snapshotSchema); err != nil {
		return fmt.Errorf("create tree_snapshot: %w", err)
	}
	return nil
}

func (s *PGStore) Load(ctx context.Context) (any, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM tree_snapshot WHERE name = $1`, s.name).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %q: %w", s.name, err)
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode snapshot %q: %w", s.name, err)
	}
	return data, nil
}

func (s *PGStore) Save(ctx context.Context, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tree_snapshot (name, data, updated_at)
		VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (name) DO UPDATE SET data = excluded.data, updated_at = NOW()
	`, s.name, string(raw))
	if err != nil {
		return fmt.Errorf("save snapshot %q: %w", s.name, err)
	}
	return nil
}
