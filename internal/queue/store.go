package queue

import (
	"context"
	"time"

	"collections-dialer/internal/campaigns"
	"collections-dialer/internal/compliance"
)

// Store owns queued account rows.
//
// Every method that changes ClaimState is a compare-and-set on the current
// state and reports whether it applied. A false result is a lost race, not an error.
type Store interface {
	Get(ctx context.Context, id string) (Account, error)
	Enroll(ctx context.Context, accounts []Account) error

	// ListCandidates returns up to limit unclaimed accounts, highest priority
	// first, then oldest enrolled.
	ListCandidates(ctx context.Context, campaignID string, limit int) ([]Account, error)

	// Claim moves unclaimed -> claimed by agentSessionID.
	Claim(ctx context.Context, id, agentSessionID string, now time.Time) (bool, error)
	// Skip moves from -> skipped with reason.
	Skip(ctx context.Context, id string, from ClaimState, reason string, now time.Time) (bool, error)
	// Release moves from -> unclaimed and clears the holder.
	Release(ctx context.Context, id string, from ClaimState, now time.Time) (bool, error)
	// MarkInProgress moves claimed (by agentSessionID) -> in_progress and counts the attempt.
	MarkInProgress(ctx context.Context, id, agentSessionID string, now time.Time) (bool, error)
	// MarkDone moves in_progress -> done.
	MarkDone(ctx context.Context, id string, now time.Time) (bool, error)

	// ReleaseStaleClaims releases claims taken before olderThan and returns them.
	ReleaseStaleClaims(ctx context.Context, olderThan, now time.Time) ([]Account, error)
	// RequeueSkipped returns accounts skipped for one of reasons before olderThan to unclaimed.
	RequeueSkipped(ctx context.Context, reasons []string, olderThan, now time.Time) (int, error)
	// ListStuckInProgress returns accounts in_progress since before olderThan.
	ListStuckInProgress(ctx context.Context, olderThan time.Time) ([]Account, error)

	CampaignCounts(ctx context.Context, campaignID string) (campaigns.Counts, error)
}

// ProfileSource adapts a Store to the compliance data source.
type ProfileSource struct {
	Store Store
}

func (p ProfileSource) Lookup(ctx context.Context, accountID string) (compliance.Profile, error) {
	a, err := p.Store.Get(ctx, accountID)
	if err != nil {
		return compliance.Profile{}, err
	}
	return compliance.Profile{
		AccountID:      a.ID,
		Phone:          a.Phone,
		Jurisdiction:   a.Jurisdiction,
		Timezone:       a.Timezone,
		DoNotContact:   a.DoNotContact,
		CeaseAndDesist: a.CeaseAndDesist,
		ConsentRevoked: a.ConsentRevoked,
	}, nil
}
