package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository useful for tests.
// It is not intended for production use.
type MemoryRepo struct {
	mu          sync.Mutex
	byID        map[string]Call
	byExternal  map[string]string
	corrections []Correction
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: map[string]Call{}, byExternal: map[string]string{}}
}

func (r *MemoryRepo) Create(ctx context.Context, c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" || c.ExternalCallID == "" {
		return ErrInvalidArgument
	}
	if _, dup := r.byExternal[c.ExternalCallID]; dup {
		return ErrInvalidArgument
	}
	r.byID[c.ID] = c
	r.byExternal[c.ExternalCallID] = c.ID
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) GetByExternalID(ctx context.Context, externalCallID string) (Call, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byExternal[externalCallID]
	if !ok {
		return Call{}, false, nil
	}
	return r.byID[id], true, nil
}

func (r *MemoryRepo) Transition(ctx context.Context, id string, from []Status, to Status, u Update) (Status, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return "", false, ErrNotFound
	}
	prev := c.Status
	if !containsStatus(from, prev) {
		return prev, false, nil
	}
	applyUpdate(&c, to, u)
	r.byID[id] = c
	return prev, true, nil
}

func (r *MemoryRepo) SetDisposition(ctx context.Context, id string, code Disposition, note, actor string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.Disposition != "" {
		return false, nil
	}
	c.Disposition = code
	c.DispositionNote = note
	c.DisposedBy = actor
	c.DisposedAt = &at
	c.UpdatedAt = at
	r.byID[id] = c
	return true, nil
}

func (r *MemoryRepo) ClearDisposition(ctx context.Context, id string, code Disposition) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.Disposition != code {
		return false, nil
	}
	c.Disposition = ""
	c.DispositionNote = ""
	c.DisposedBy = ""
	c.DisposedAt = nil
	r.byID[id] = c
	return true, nil
}

func (r *MemoryRepo) AddCorrection(ctx context.Context, c Correction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[c.CallID]; !ok {
		return ErrNotFound
	}
	r.corrections = append(r.corrections, c)
	return nil
}

func (r *MemoryRepo) ListCorrections(ctx context.Context, callID string) ([]Correction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Correction
	for _, c := range r.corrections {
		if c.CallID == callID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *MemoryRepo) CountAttempts(ctx context.Context, accountID string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.byID {
		if c.AccountID == accountID && !c.StartedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) ListStale(ctx context.Context, olderThan time.Time) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.byID {
		if !c.Status.Terminal() && c.StartedAt.Before(olderThan) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func containsStatus(set []Status, s Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
