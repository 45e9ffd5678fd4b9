package tilestore

import (
	"context"
	"fmt"
	"sync"

	"github.com/swarmguard/lambdapack/tile"
)

// MemStore is an in-memory reference Store, used by tests that need a
// deterministic, always-available tile backend to drive the scheduler
// end-to-end without a real object store.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]*tile.Dense
}

// NewMemStore creates an empty in-memory tile store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]*tile.Dense)}
}

func (s *MemStore) Get(ctx context.Context, ref tile.Ref) (*tile.Dense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[ref.Key()]
	if !ok {
		return nil, fmt.Errorf("tilestore: no such tile %s", ref.Key())
	}
	cp := &tile.Dense{Rows: v.Rows, Cols: v.Cols, Data: append([]float64(nil), v.Data...)}
	return cp, nil
}

func (s *MemStore) Put(ctx context.Context, ref tile.Ref, val *tile.Dense) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := &tile.Dense{Rows: val.Rows, Cols: val.Cols, Data: append([]float64(nil), val.Data...)}
	s.data[ref.Key()] = cp
	return nil
}
