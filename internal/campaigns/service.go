package campaigns

import (
	"context"
	"fmt"
	"strings"
	"time"

	"collections-dialer/internal/audit"
	"collections-dialer/internal/notify"
	"collections-dialer/pkg/logger"
)

// Repository persists campaigns. UpdateStatus is a compare-and-set: it applies
// only when the current status is one of from, and reports whether it did.
type Repository interface {
	Get(ctx context.Context, id string) (Campaign, error)
	UpdateStatus(ctx context.Context, id string, from []Status, to Status, reason string, now time.Time) (bool, error)
}

// CountSource recomputes account counts for a campaign (implemented by the queue store).
type CountSource interface {
	CampaignCounts(ctx context.Context, campaignID string) (Counts, error)
}

type Service struct {
	repo   Repository
	counts CountSource
	audit  *audit.Service
	notify notify.Publisher
	clock  func() time.Time
}

func NewService(repo Repository, counts CountSource, auditSvc *audit.Service, pub notify.Publisher) *Service {
	if pub == nil {
		pub = notify.Nop{}
	}
	return &Service{repo: repo, counts: counts, audit: auditSvc, notify: pub, clock: time.Now}
}

func (s *Service) Get(ctx context.Context, id string) (Campaign, error) {
	if strings.TrimSpace(id) == "" {
		return Campaign{}, ErrInvalidArgument
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) Activate(ctx context.Context, id, actor string) (Campaign, error) {
	return s.transition(ctx, id, actor, StatusActive, "")
}

func (s *Service) Pause(ctx context.Context, id, actor, reason string) (Campaign, error) {
	return s.transition(ctx, id, actor, StatusPaused, reason)
}

func (s *Service) Resume(ctx context.Context, id, actor string) (Campaign, error) {
	return s.transition(ctx, id, actor, StatusActive, "")
}

func (s *Service) Complete(ctx context.Context, id, actor string) (Campaign, error) {
	return s.transition(ctx, id, actor, StatusCompleted, "")
}

// AutoPause pauses an active campaign on behalf of the system and notifies.
// A campaign that is no longer active is left alone.
func (s *Service) AutoPause(ctx context.Context, id, reason string) error {
	_, err := s.transition(ctx, id, audit.ActorSystem, StatusPaused, reason)
	if err == ErrInvalidTransition {
		return nil
	}
	if err != nil {
		return err
	}
	logger.From(ctx).Warn("campaign auto-paused", "campaign_id", id, "reason", reason)
	s.notify.Publish(ctx, notify.Event{Kind: notify.KindCampaignAutoPaused, CampaignID: id, Reason: reason})
	return nil
}

// Stats recomputes campaign counters from its accounts.
func (s *Service) Stats(ctx context.Context, id string) (Stats, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	counts, err := s.counts.CampaignCounts(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		CampaignID: id,
		Status:     c.Status,
		Attempted:  counts.Attempted,
		Completed:  counts.Done,
		Skipped:    counts.Skipped,
		Counts:     counts,
	}, nil
}

func (s *Service) transition(ctx context.Context, id, actor string, to Status, reason string) (Campaign, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return Campaign{}, err
	}
	from := predecessors[to]
	if !contains(from, cur.Status) {
		return Campaign{}, ErrInvalidTransition
	}

	ok, err := s.repo.UpdateStatus(ctx, id, []Status{cur.Status}, to, reason, s.clock().UTC())
	if err != nil {
		return Campaign{}, err
	}
	if !ok {
		// Someone else moved it first.
		return Campaign{}, ErrInvalidTransition
	}

	if s.audit != nil {
		aerr := s.audit.Append(ctx, audit.Event{
			OrganizationID: cur.OrganizationID,
			Type:           audit.EventTypeCampaignTransition,
			Actor:          actor,
			CampaignID:     id,
			FromState:      string(cur.Status),
			ToState:        string(to),
			Message:        reason,
		})
		if aerr != nil {
			if _, rerr := s.repo.UpdateStatus(ctx, id, []Status{to}, cur.Status, cur.PauseReason, s.clock().UTC()); rerr != nil {
				logger.From(ctx).Error("campaign transition compensation failed", "campaign_id", id, "err", rerr)
			}
			return Campaign{}, fmt.Errorf("campaigns: audit transition: %w", aerr)
		}
	}

	return s.repo.Get(ctx, id)
}

func contains(set []Status, s Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
