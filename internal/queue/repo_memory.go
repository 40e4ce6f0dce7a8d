package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"collections-dialer/internal/campaigns"
)

// MemoryRepo is an in-memory Store useful for tests and local runs.
// A single mutex makes every compare-and-set atomic.
type MemoryRepo struct {
	mu   sync.Mutex
	byID map[string]Account

	// Campaigns, when set, guards Claim on the campaign being active, as the
	// Postgres store does.
	Campaigns CampaignReader
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: map[string]Account{}}
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (r *MemoryRepo) Enroll(ctx context.Context, accounts []Account) error {
	for _, a := range accounts {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range accounts {
		if a.ClaimState == "" {
			a.ClaimState = ClaimUnclaimed
		}
		r.byID[a.ID] = a
	}
	return nil
}

func (r *MemoryRepo) ListCandidates(ctx context.Context, campaignID string, limit int) ([]Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Account
	for _, a := range r.byID {
		if a.CampaignID == campaignID && a.ClaimState == ClaimUnclaimed {
			out = append(out, a)
		}
	}
	sortCandidates(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortCandidates(in []Account) {
	sort.Slice(in, func(i, j int) bool {
		if in[i].Priority != in[j].Priority {
			return in[i].Priority > in[j].Priority
		}
		if !in[i].EnrolledAt.Equal(in[j].EnrolledAt) {
			return in[i].EnrolledAt.Before(in[j].EnrolledAt)
		}
		return in[i].ID < in[j].ID
	})
}

// swap applies mutate when the account is in state from (and held by holder, if set).
func (r *MemoryRepo) swap(id string, from ClaimState, holder string, mutate func(*Account)) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	if a.ClaimState != from {
		return false, nil
	}
	if holder != "" && a.ClaimedBy != holder {
		return false, nil
	}
	mutate(&a)
	r.byID[id] = a
	return true, nil
}

func (r *MemoryRepo) Claim(ctx context.Context, id, agentSessionID string, now time.Time) (bool, error) {
	if agentSessionID == "" {
		return false, ErrInvalidArgument
	}
	if r.Campaigns != nil {
		a, err := r.Get(ctx, id)
		if err != nil {
			return false, err
		}
		c, err := r.Campaigns.Get(ctx, a.CampaignID)
		if errors.Is(err, campaigns.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if c.Status != campaigns.StatusActive {
			return false, nil
		}
	}
	return r.swap(id, ClaimUnclaimed, "", func(a *Account) {
		a.ClaimState = ClaimClaimed
		a.ClaimedBy = agentSessionID
		a.ClaimedAt = &now
		a.SkipReason = ""
		a.UpdatedAt = now
	})
}

func (r *MemoryRepo) Skip(ctx context.Context, id string, from ClaimState, reason string, now time.Time) (bool, error) {
	return r.swap(id, from, "", func(a *Account) {
		a.ClaimState = ClaimSkipped
		a.ClaimedBy = ""
		a.ClaimedAt = nil
		a.SkipReason = reason
		a.UpdatedAt = now
	})
}

func (r *MemoryRepo) Release(ctx context.Context, id string, from ClaimState, now time.Time) (bool, error) {
	return r.swap(id, from, "", func(a *Account) {
		a.ClaimState = ClaimUnclaimed
		a.ClaimedBy = ""
		a.ClaimedAt = nil
		a.SkipReason = ""
		a.UpdatedAt = now
	})
}

func (r *MemoryRepo) MarkInProgress(ctx context.Context, id, agentSessionID string, now time.Time) (bool, error) {
	return r.swap(id, ClaimClaimed, agentSessionID, func(a *Account) {
		a.ClaimState = ClaimInProgress
		a.Attempts++
		a.LastContactAt = &now
		a.UpdatedAt = now
	})
}

func (r *MemoryRepo) MarkDone(ctx context.Context, id string, now time.Time) (bool, error) {
	return r.swap(id, ClaimInProgress, "", func(a *Account) {
		a.ClaimState = ClaimDone
		a.UpdatedAt = now
	})
}

func (r *MemoryRepo) ReleaseStaleClaims(ctx context.Context, olderThan, now time.Time) ([]Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Account
	for id, a := range r.byID {
		if a.ClaimState != ClaimClaimed || a.ClaimedAt == nil || !a.ClaimedAt.Before(olderThan) {
			continue
		}
		out = append(out, a)
		a.ClaimState = ClaimUnclaimed
		a.ClaimedBy = ""
		a.ClaimedAt = nil
		a.UpdatedAt = now
		r.byID[id] = a
	}
	return out, nil
}

func (r *MemoryRepo) RequeueSkipped(ctx context.Context, reasons []string, olderThan, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, a := range r.byID {
		if a.ClaimState != ClaimSkipped || !a.UpdatedAt.Before(olderThan) || !containsString(reasons, a.SkipReason) {
			continue
		}
		a.ClaimState = ClaimUnclaimed
		a.SkipReason = ""
		a.UpdatedAt = now
		r.byID[id] = a
		n++
	}
	return n, nil
}

func (r *MemoryRepo) ListStuckInProgress(ctx context.Context, olderThan time.Time) ([]Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Account
	for _, a := range r.byID {
		if a.ClaimState == ClaimInProgress && a.UpdatedAt.Before(olderThan) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *MemoryRepo) CampaignCounts(ctx context.Context, campaignID string) (campaigns.Counts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c campaigns.Counts
	for _, a := range r.byID {
		if a.CampaignID != campaignID {
			continue
		}
		c.Total++
		if a.Attempts > 0 {
			c.Attempted++
		}
		switch a.ClaimState {
		case ClaimUnclaimed:
			c.Unclaimed++
		case ClaimClaimed:
			c.Claimed++
		case ClaimInProgress:
			c.InProgress++
		case ClaimDone:
			c.Done++
		case ClaimSkipped:
			c.Skipped++
		}
	}
	return c, nil
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
