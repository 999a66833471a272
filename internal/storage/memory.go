package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"convert-gateway/internal/model"
)

// MemoryStore is an in-process Store used for local runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[string]*model.TenantRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*model.TenantRecord)}
}

func (s *MemoryStore) Get(_ context.Context, tenantID string) (*model.TenantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) ConditionalIncrement(_ context.Context, tenantID, category string, limit int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tenants[tenantID]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Counters[category] >= limit {
		return false, nil
	}
	rec.Counters[category]++
	return true, nil
}

func (s *MemoryStore) Query(_ context.Context, category string, op Operator, value int64) ([]*model.TenantRecord, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("unsupported operator %q", op)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.TenantRecord
	for _, rec := range s.tenants {
		if op.Match(rec.Counters[category], value) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) BatchUpdate(_ context.Context, updates []Update) error {
	if err := checkBatch(updates); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate first so the batch applies all-or-nothing.
	for _, u := range updates {
		if _, ok := s.tenants[u.TenantID]; !ok {
			return fmt.Errorf("batch update %s: %w", u.TenantID, ErrNotFound)
		}
	}
	for _, u := range updates {
		rec := s.tenants[u.TenantID]
		for category, v := range u.Counters {
			rec.Counters[category] = v
		}
		if u.LastReset.After(rec.LastReset) {
			rec.LastReset = u.LastReset
		}
	}
	return nil
}

func (s *MemoryStore) Create(_ context.Context, rec *model.TenantRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[rec.ID]; ok {
		return ErrAlreadyExists
	}
	c := rec.Clone()
	c.PriorityTier = c.PriorityTier.Or(model.TierNormal)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.tenants[rec.ID] = c
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
