package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore implements Store against the local filesystem, for
// single-machine development and the reference cmd/worker wiring where
// standing up a real S3-compatible endpoint isn't worth it (cmd/driver
// uses MemStore instead). Production deployments use S3Store instead.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates (if absent) baseDir and returns a Store rooted
// there.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create base dir %s: %w", baseDir, err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

func (s *LocalStore) Put(ctx context.Context, key string, data []byte) error {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("objectstore: mkdir for %s: %w", key, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("objectstore: write %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("objectstore: read %s: %w", key, err)
	}
	return data, nil
}
