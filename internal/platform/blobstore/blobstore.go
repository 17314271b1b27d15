// Package blobstore persists generated patient evolution documents. The
// filesystem store is the default backend; an in-memory store backs tests and
// a Postgres store serves deployments that already run a database.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no blob exists under the requested key.
var ErrNotFound = errors.New("blob not found")

// Blob is one stored document.
type Blob struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	UpdatedAt   time.Time `json:"updated_at"`
	Data        []byte    `json:"-"`
}

// Store persists blobs by key. Put overwrites any existing blob under the
// same key.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Get(ctx context.Context, key string) (*Blob, error)
	Delete(ctx context.Context, key string) error
}

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

// InMemoryStore keeps blobs in process memory.
type InMemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*Blob
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{blobs: make(map[string]*Blob)}
}

func (s *InMemoryStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	s.blobs[key] = &Blob{
		Key:         key,
		ContentType: contentType,
		Size:        len(stored),
		UpdatedAt:   time.Now().UTC(),
		Data:        stored,
	}
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, key string) (*Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	copied := *blob
	copied.Data = make([]byte, len(blob.Data))
	copy(copied.Data, blob.Data)
	return &copied, nil
}

func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[key]; !ok {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	delete(s.blobs, key)
	return nil
}

// ---------------------------------------------------------------------------
// Filesystem store
// ---------------------------------------------------------------------------

// FSStore writes each blob to a file under its root directory, using the key
// as a relative path.
type FSStore struct {
	root string
}

// NewFSStore creates an FSStore rooted at the given directory.
func NewFSStore(root string) *FSStore {
	return &FSStore{root: root}
}

func (s *FSStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FSStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing blob %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, key string) (*Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("reading blob %s: %w", key, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", key, err)
	}
	return &Blob{
		Key:       key,
		Size:      len(data),
		UpdatedAt: info.ModTime().UTC(),
		Data:      data,
	}, nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("deleting blob %s: %w", key, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Postgres store
// ---------------------------------------------------------------------------

// PGStore keeps blobs in a single Postgres table, one row per key.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a PGStore over an existing connection pool and ensures
// the backing table exists.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	const ddl = `
		CREATE TABLE IF NOT EXISTS blobs (
			key          TEXT PRIMARY KEY,
			content_type TEXT NOT NULL DEFAULT '',
			data         BYTEA NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("creating blobs table: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	const q = `
		INSERT INTO blobs (key, content_type, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET content_type = EXCLUDED.content_type,
		    data = EXCLUDED.data,
		    updated_at = now()`
	if _, err := s.pool.Exec(ctx, q, key, contentType, data); err != nil {
		return fmt.Errorf("storing blob %s: %w", key, err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, key string) (*Blob, error) {
	const q = `SELECT content_type, data, updated_at FROM blobs WHERE key = $1`
	blob := &Blob{Key: key}
	err := s.pool.QueryRow(ctx, q, key).Scan(&blob.ContentType, &blob.Data, &blob.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading blob %s: %w", key, err)
	}
	blob.Size = len(blob.Data)
	return blob, nil
}

func (s *PGStore) Delete(ctx context.Context, key string) error {
	const q = `DELETE FROM blobs WHERE key = $1`
	tag, err := s.pool.Exec(ctx, q, key)
	if err != nil {
		return fmt.Errorf("deleting blob %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return nil
}
