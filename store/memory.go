package store

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// MemoryStore keeps encoded records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]encoded
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]encoded)}
}

func (s *MemoryStore) Save(ctx context.Context, r *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := encodeRecord(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID()] = e
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	e, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	return decodeRecord(e)
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return notFound(id)
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	var corrupt error
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		r, err := s.Load(ctx, id)
		// Deleted between listing and loading.
		if errors.Is(err, ErrNotFound) || skipCorrupt(&corrupt, id, err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, corrupt
}

func (s *MemoryStore) Close() error { return nil }
