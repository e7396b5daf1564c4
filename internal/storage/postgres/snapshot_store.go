package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/siteground/internal/crawler"
)

const defaultSnapshotTable = "snapshots"

// SnapshotStore keeps whole snapshot documents as rows keyed by object path.
// Each PutObject is a single upsert statement, so readers see either the
// previous document or the new one.
type SnapshotStore struct {
	pool  Pool
	table string
	now   func() time.Time
}

// NewSnapshotStore constructs a store from an existing pool.
func NewSnapshotStore(pool Pool, table string) (*SnapshotStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, defaultSnapshotTable)
	if err != nil {
		return nil, err
	}
	return &SnapshotStore{
		pool:  pool,
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// EnsureSchema creates the snapshot table when it does not exist.
func (s *SnapshotStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	content_type TEXT NOT NULL DEFAULT '',
	document BYTEA NOT NULL,
	saved_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create snapshot table: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *SnapshotStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// PutObject upserts the document stored under key.
func (s *SnapshotStore) PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("path is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (key, content_type, document, saved_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO UPDATE
SET content_type = EXCLUDED.content_type,
	document = EXCLUDED.document,
	saved_at = EXCLUDED.saved_at`, s.table)

	if _, err := s.pool.Exec(ctx, query, key, contentType, data, s.now()); err != nil {
		return "", fmt.Errorf("upsert snapshot: %w", err)
	}
	return fmt.Sprintf("postgres://%s/%s", s.table, key), nil
}

// GetObject loads the document stored under key.
func (s *SnapshotStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	query := fmt.Sprintf(`SELECT document FROM %s WHERE key = $1`, s.table)
	var data []byte
	if err := s.pool.QueryRow(ctx, query, key).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &crawler.NotFoundError{Key: key}
		}
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	return data, nil
}
