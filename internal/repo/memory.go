package repo

import (
	"context"
	"sync"

	"makerspace/internal/domain"
)

// MemoryRepo keeps requests in process memory. Retired ids are remembered for
// the lifetime of the value.
type MemoryRepo struct {
	mu      sync.RWMutex
	items   map[string]domain.Request
	retired map[string]struct{}
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		items:   make(map[string]domain.Request),
		retired: make(map[string]struct{}),
	}
}

func (m *MemoryRepo) Put(ctx context.Context, r domain.Request) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[r.ID]; ok {
		return ErrConflict
	}
	if _, ok := m.retired[r.ID]; ok {
		return ErrConflict
	}
	m.items[r.ID] = r
	return nil
}

func (m *MemoryRepo) Get(ctx context.Context, id string) (domain.Request, error) {
	if err := ctxErr(ctx); err != nil {
		return domain.Request{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.items[id]
	if !ok {
		return domain.Request{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryRepo) Delete(ctx context.Context, id string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	m.retired[id] = struct{}{}
	return nil
}

func (m *MemoryRepo) ListByOwner(ctx context.Context, ownerID string) ([]domain.Request, error) {
	return m.list(ctx, func(r domain.Request) bool { return r.OwnerID == ownerID })
}

func (m *MemoryRepo) ListAll(ctx context.Context) ([]domain.Request, error) {
	return m.list(ctx, func(domain.Request) bool { return true })
}

func (m *MemoryRepo) list(ctx context.Context, keep func(domain.Request) bool) ([]domain.Request, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	res := make([]domain.Request, 0, len(m.items))
	for _, r := range m.items {
		if keep(r) {
			res = append(res, r)
		}
	}
	m.mu.RUnlock()
	domain.SortRequests(res)
	return res, nil
}
