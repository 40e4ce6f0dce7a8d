package queue

import (
	"context"
	"fmt"
	"time"

	"collections-dialer/internal/audit"
	"collections-dialer/internal/campaigns"
	"collections-dialer/internal/compliance"
	"collections-dialer/internal/metrics"
	"collections-dialer/pkg/logger"
)

// CampaignReader is the selector's read-only view of campaigns.
type CampaignReader interface {
	Get(ctx context.Context, id string) (campaigns.Campaign, error)
}

// Selector hands out the next compliant, unclaimed account of a campaign.
type Selector struct {
	store     Store
	campaigns CampaignReader
	resolver  compliance.Resolver
	audit     *audit.Service
	clock     func() time.Time

	// BatchSize is the number of candidates fetched per pass.
	BatchSize int
}

func NewSelector(store Store, campaignReader CampaignReader, resolver compliance.Resolver, auditSvc *audit.Service) *Selector {
	return &Selector{
		store:     store,
		campaigns: campaignReader,
		resolver:  resolver,
		audit:     auditSvc,
		clock:     time.Now,
		BatchSize: 10,
	}
}

// idleRefetches is how many extra fetches a pass that moved no candidate
// gets; such a pass only lost races to other sessions.
const idleRefetches = 1

// Next returns the next account claimed for agentSessionID. ok is false when
// the queue has nothing eligible; that is a normal outcome, not an error.
//
// Candidates denied by the compliance gate are marked skipped with the reason
// and audited, so each such pass shrinks the unclaimed set; the selector keeps
// re-fetching until a candidate is claimed or the queue is exhausted. A lost
// claim race moves on to the next candidate.
func (s *Selector) Next(ctx context.Context, campaignID, agentSessionID string) (Account, bool, error) {
	if campaignID == "" || agentSessionID == "" {
		return Account{}, false, ErrInvalidArgument
	}
	c, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return Account{}, false, err
	}
	if c.Status != campaigns.StatusActive {
		return Account{}, false, ErrCampaignNotActive
	}

	log := logger.From(ctx).With("campaign_id", campaignID, "agent_session_id", agentSessionID)

	idle := 0
	for idle <= idleRefetches {
		batch, err := s.store.ListCandidates(ctx, campaignID, s.BatchSize)
		if err != nil {
			return Account{}, false, fmt.Errorf("queue: list candidates: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		progressed := false
		for _, cand := range batch {
			now := s.clock()
			d := s.resolver.Gate.Evaluate(s.resolver.Input(ctx, cand.ID, now), now)
			metrics.RecordGateDecision("select", string(d.Reason))

			if !d.Allow {
				skipped, err := s.skip(ctx, c, cand, agentSessionID, d, now)
				if err != nil {
					return Account{}, false, err
				}
				progressed = progressed || skipped
				continue
			}

			won, err := s.store.Claim(ctx, cand.ID, agentSessionID, now)
			if err != nil {
				return Account{}, false, fmt.Errorf("queue: claim: %w", err)
			}
			metrics.RecordClaim(won)
			if !won {
				log.Debug("claim lost", "account_id", cand.ID)
				if err := s.record(ctx, c, cand.ID, agentSessionID, d, "", "", "claim_lost"); err != nil {
					return Account{}, false, fmt.Errorf("queue: audit decision: %w", err)
				}
				continue
			}

			if err := s.record(ctx, c, cand.ID, agentSessionID, d, ClaimUnclaimed, ClaimClaimed, "claimed"); err != nil {
				if _, rerr := s.store.Release(ctx, cand.ID, ClaimClaimed, s.clock()); rerr != nil {
					log.Error("claim compensation failed", "account_id", cand.ID, "err", rerr)
				}
				return Account{}, false, fmt.Errorf("queue: audit claim: %w", err)
			}

			claimed, err := s.store.Get(ctx, cand.ID)
			if err != nil {
				return Account{}, false, err
			}
			log.Info("account claimed", "account_id", cand.ID)
			return claimed, true, nil
		}

		if progressed {
			idle = 0
		} else {
			idle++
		}
	}

	return Account{}, false, nil
}

// skip reports whether this call moved the candidate to skipped.
func (s *Selector) skip(ctx context.Context, c campaigns.Campaign, cand Account, agentSessionID string, d compliance.Decision, now time.Time) (bool, error) {
	won, err := s.store.Skip(ctx, cand.ID, ClaimUnclaimed, string(d.Reason), now)
	if err != nil {
		return false, fmt.Errorf("queue: skip: %w", err)
	}
	if !won {
		// Another session moved it first; the decision is still recorded.
		if err := s.record(ctx, c, cand.ID, agentSessionID, d, "", "", "superseded"); err != nil {
			return false, fmt.Errorf("queue: audit decision: %w", err)
		}
		return false, nil
	}
	if err := s.record(ctx, c, cand.ID, agentSessionID, d, ClaimUnclaimed, ClaimSkipped, "skipped"); err != nil {
		if _, rerr := s.store.Release(ctx, cand.ID, ClaimSkipped, s.clock()); rerr != nil {
			logger.From(ctx).Error("skip compensation failed", "account_id", cand.ID, "err", rerr)
		}
		return false, fmt.Errorf("queue: audit skip: %w", err)
	}
	logger.From(ctx).Info("account skipped", "campaign_id", c.ID, "account_id", cand.ID, "reason", d.Reason)
	return true, nil
}

// record appends the compliance decision, with the claim transition it caused if any.
func (s *Selector) record(ctx context.Context, c campaigns.Campaign, accountID, actor string, d compliance.Decision, from, to ClaimState, outcome string) error {
	return s.audit.Append(ctx, audit.Event{
		OrganizationID: c.OrganizationID,
		Type:           audit.EventTypeComplianceDecision,
		Actor:          actor,
		CampaignID:     c.ID,
		AccountID:      accountID,
		FromState:      string(from),
		ToState:        string(to),
		Outcome:        outcome,
		Rule:           string(d.Reason),
		Metadata:       audit.Meta(d.Snapshot),
	})
}
