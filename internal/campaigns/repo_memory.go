package campaigns

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory campaign repository useful for tests.
// It is not intended for production use.
type MemoryRepo struct {
	mu   sync.Mutex
	byID map[string]Campaign
}

func NewMemoryRepo(seed ...Campaign) *MemoryRepo {
	r := &MemoryRepo{byID: map[string]Campaign{}}
	for _, c := range seed {
		r.byID[c.ID] = c
	}
	return r
}

func (r *MemoryRepo) Put(c Campaign) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[c.ID] = c
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) UpdateStatus(ctx context.Context, id string, from []Status, to Status, reason string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	if !contains(from, c.Status) {
		return false, nil
	}
	c.Status = to
	c.PauseReason = reason
	c.UpdatedAt = now
	r.byID[id] = c
	return true, nil
}
