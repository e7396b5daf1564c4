// Package snapshot persists whole collections as JSON documents on a
// storage.Backend. A save replaces the previous document in one step.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteground/internal/hash/sha256"
	"github.com/JakeFAU/siteground/internal/metrics"
	"github.com/JakeFAU/siteground/internal/storage"
)

// Default keys, one document per data kind.
const (
	DefaultPagesKey = "scraped_data.json"
	DefaultUnitsKey = "embedded_data.json"
)

const contentType = "application/json"

// Saved describes a written snapshot.
type Saved struct {
	Key      string `json:"key"`
	URI      string `json:"uri"`
	Items    int    `json:"items"`
	Bytes    int    `json:"bytes"`
	Checksum string `json:"sha256"`
}

// Store reads and writes one JSON document of []T under a fixed key.
type Store[T any] struct {
	backend storage.Backend
	key     string
	logger  *zap.Logger
}

// New returns a Store bound to key on backend.
func New[T any](backend storage.Backend, key string, logger *zap.Logger) *Store[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store[T]{backend: backend, key: key, logger: logger}
}

// Key returns the object key the store writes to.
func (s *Store[T]) Key() string {
	return s.key
}

// Save encodes items and publishes them as the new snapshot.
func (s *Store[T]) Save(ctx context.Context, items []T) (Saved, error) {
	if items == nil {
		items = []T{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return Saved{}, fmt.Errorf("encode snapshot %s: %w", s.key, err)
	}
	uri, err := s.backend.PutObject(ctx, s.key, contentType, bytes.NewReader(data))
	if err != nil {
		return Saved{}, fmt.Errorf("write snapshot %s: %w", s.key, err)
	}
	saved := Saved{
		Key:      s.key,
		URI:      uri,
		Items:    len(items),
		Bytes:    len(data),
		Checksum: sha256.Sum(data),
	}
	metrics.ObserveSnapshot(s.key, len(data))
	s.logger.Info("snapshot saved",
		zap.String("key", s.key),
		zap.String("uri", uri),
		zap.Int("items", saved.Items),
		zap.Int("bytes", saved.Bytes),
		zap.String("sha256", saved.Checksum),
	)
	return saved, nil
}

// Load decodes the current snapshot. A missing snapshot surfaces the
// backend's *crawler.NotFoundError.
func (s *Store[T]) Load(ctx context.Context) ([]T, error) {
	raw, err := s.LoadRaw(ctx)
	if err != nil {
		return nil, err
	}
	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", s.key, err)
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

// LoadRaw returns the stored document bytes unchanged.
func (s *Store[T]) LoadRaw(ctx context.Context) ([]byte, error) {
	raw, err := s.backend.GetObject(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", s.key, err)
	}
	return raw, nil
}
