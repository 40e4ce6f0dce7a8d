package calls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"collections-dialer/internal/audit"
	"collections-dialer/internal/campaigns"
	"collections-dialer/internal/compliance"
	"collections-dialer/internal/metrics"
	"collections-dialer/internal/queue"
	"collections-dialer/internal/telephony"
	"collections-dialer/pkg/logger"

	"github.com/google/uuid"
)

// CampaignControl is what placement needs from campaigns.
type CampaignControl interface {
	Get(ctx context.Context, id string) (campaigns.Campaign, error)
	AutoPause(ctx context.Context, id, reason string) error
}

// PlacerConfig holds placement knobs from config.
type PlacerConfig struct {
	PublicBaseURL      string
	RingTimeoutSeconds int
}

// Placer turns a claimed account into a live call.
type Placer struct {
	accounts  queue.Store
	campaigns CampaignControl
	resolver  compliance.Resolver
	carrier   telephony.Carrier
	repo      Repository
	audit     *audit.Service
	live      *LiveCalls
	streak    *FailureStreak
	cfg       PlacerConfig
	clock     func() time.Time
	newID     func() string
}

func NewPlacer(
	accounts queue.Store,
	campaignControl CampaignControl,
	resolver compliance.Resolver,
	carrier telephony.Carrier,
	repo Repository,
	auditSvc *audit.Service,
	live *LiveCalls,
	streak *FailureStreak,
	cfg PlacerConfig,
) *Placer {
	return &Placer{
		accounts:  accounts,
		campaigns: campaignControl,
		resolver:  resolver,
		carrier:   carrier,
		repo:      repo,
		audit:     auditSvc,
		live:      live,
		streak:    streak,
		cfg:       cfg,
		clock:     time.Now,
		newID:     uuid.NewString,
	}
}

// Place dials the account claimed by agentSessionID.
//
// The compliance gate runs again right before dialing. A carrier rejection or
// timeout releases the claim back to unclaimed and returns *PlacementError.
func (p *Placer) Place(ctx context.Context, accountID, agentSessionID string) (Placement, error) {
	if accountID == "" || agentSessionID == "" {
		return Placement{}, ErrInvalidArgument
	}
	log := logger.From(ctx).With("account_id", accountID, "agent_session_id", agentSessionID)

	acct, err := p.accounts.Get(ctx, accountID)
	if err != nil {
		return Placement{}, err
	}
	if acct.ClaimState != queue.ClaimClaimed || acct.ClaimedBy != agentSessionID {
		return Placement{}, ErrNotClaimed
	}
	log = log.With("campaign_id", acct.CampaignID)

	camp, err := p.campaigns.Get(ctx, acct.CampaignID)
	if err != nil {
		return Placement{}, err
	}
	if camp.Status != campaigns.StatusActive {
		p.releaseClaim(ctx, acct, agentSessionID, "campaign_not_active")
		return Placement{}, queue.ErrCampaignNotActive
	}

	now := p.clock()
	d := p.resolver.Gate.Evaluate(p.resolver.Input(ctx, acct.ID, now), now)
	metrics.RecordGateDecision("place", string(d.Reason))
	if !d.Allow {
		if err := p.skipClaim(ctx, acct, agentSessionID, d); err != nil {
			return Placement{}, err
		}
		return Placement{}, fmt.Errorf("%w: %s", ErrComplianceDenied, d.Reason)
	}
	if err := p.auditDecision(ctx, acct, agentSessionID, d, "", "", "placement_allowed"); err != nil {
		p.releaseClaim(ctx, acct, agentSessionID, "audit_unavailable")
		return Placement{}, fmt.Errorf("calls: audit decision: %w", err)
	}

	ok, err := p.live.Acquire(ctx, acct.CampaignID)
	if err != nil {
		p.releaseClaim(ctx, acct, agentSessionID, "live_call_cap_unavailable")
		return Placement{}, fmt.Errorf("calls: live call cap: %w", err)
	}
	if !ok {
		p.releaseClaim(ctx, acct, agentSessionID, "live_call_cap_reached")
		return Placement{}, ErrLiveCallCapReached
	}

	callID := p.newID()
	urls, err := telephony.BuildCallbackURLs(p.cfg.PublicBaseURL, acct.CampaignID, acct.ID, callID)
	if err != nil {
		p.live.Release(ctx, acct.CampaignID)
		p.releaseClaim(ctx, acct, agentSessionID, "callback_url")
		return Placement{}, err
	}

	res, err := p.carrier.PlaceCall(ctx, telephony.PlaceCallRequest{
		To:                 acct.Phone,
		From:               camp.CallerID,
		AnswerURL:          urls.Answer,
		StatusURL:          urls.Status,
		AMDURL:             urls.AMD,
		Record:             camp.RecordCalls,
		MachineDetection:   camp.MachineDetection,
		RingTimeoutSeconds: p.cfg.RingTimeoutSeconds,
	})
	if err != nil {
		p.live.Release(ctx, acct.CampaignID)
		return Placement{}, p.placementFailed(ctx, camp, acct, agentSessionID, err)
	}
	p.streak.Reset(ctx, acct.CampaignID)

	placedAt := p.clock().UTC()
	call := Call{
		ID:             callID,
		OrganizationID: acct.OrganizationID,
		CampaignID:     acct.CampaignID,
		AccountID:      acct.ID,
		AgentSessionID: agentSessionID,
		ExternalCallID: res.ExternalCallID,
		To:             acct.Phone,
		From:           camp.CallerID,
		Status:         StatusInitiated,
		CarrierStatus:  res.CarrierStatus,
		StartedAt:      placedAt,
		CreatedAt:      placedAt,
		UpdatedAt:      placedAt,
	}
	if err := p.repo.Create(ctx, call); err != nil {
		// Without a row every callback would be discarded; hang up what we started.
		log.Error("call persist failed, ending call", "external_call_id", res.ExternalCallID, "err", err)
		if eerr := p.carrier.EndCall(ctx, res.ExternalCallID); eerr != nil {
			log.Error("end call failed", "external_call_id", res.ExternalCallID, "err", eerr)
		}
		p.live.Release(ctx, acct.CampaignID)
		p.releaseClaim(ctx, acct, agentSessionID, "persist_failed")
		metrics.RecordPlacement("persist_failed")
		return Placement{}, fmt.Errorf("calls: persist call: %w", err)
	}

	moved, err := p.accounts.MarkInProgress(ctx, acct.ID, agentSessionID, placedAt)
	if err != nil || !moved {
		// The claim was released (e.g. by reconciliation) while dialing; the
		// account may already be with another session, so this call must not go on.
		log.Warn("claim lost during placement, ending call", "call_id", callID, "err", err)
		p.abandon(ctx, call, agentSessionID)
		if err != nil {
			p.releaseClaim(ctx, acct, agentSessionID, "claim_lost")
			return Placement{}, fmt.Errorf("%w: %v", ErrClaimLost, err)
		}
		return Placement{}, ErrClaimLost
	}

	// The call is live; a failed event here cannot be compensated, only surfaced.
	if aerr := p.audit.Append(ctx, audit.Event{
		OrganizationID: acct.OrganizationID,
		Type:           audit.EventTypeCallTransition,
		Actor:          agentSessionID,
		CampaignID:     acct.CampaignID,
		AccountID:      acct.ID,
		CallID:         callID,
		ExternalCallID: res.ExternalCallID,
		ToState:        string(StatusInitiated),
		Outcome:        string(queue.ClaimInProgress),
		Metadata:       audit.Meta(map[string]any{"to": acct.Phone, "from": camp.CallerID, "record": camp.RecordCalls, "machine_detection": camp.MachineDetection}),
	}); aerr != nil {
		log.Error("placement audit failed", "call_id", callID, "err", aerr)
	}

	metrics.RecordPlacement("placed")
	log.Info("call placed", "call_id", callID, "external_call_id", res.ExternalCallID)
	return Placement{
		CallID:         callID,
		ExternalCallID: res.ExternalCallID,
		AccountID:      acct.ID,
		CampaignID:     acct.CampaignID,
	}, nil
}

func (p *Placer) placementFailed(ctx context.Context, camp campaigns.Campaign, acct queue.Account, agentSessionID string, cause error) error {
	code := "unknown"
	var ce *telephony.CarrierError
	if errors.As(cause, &ce) {
		code = ce.Code
	}
	log := logger.From(ctx).With("account_id", acct.ID, "campaign_id", acct.CampaignID)
	log.Warn("carrier rejected placement", "carrier_code", code, "err", cause)
	metrics.RecordPlacement("carrier_error")

	released, err := p.accounts.Release(ctx, acct.ID, queue.ClaimClaimed, p.clock())
	if err != nil {
		log.Error("claim release after placement failure failed", "err", err)
	}
	if released {
		if aerr := p.audit.Append(ctx, audit.Event{
			OrganizationID: acct.OrganizationID,
			Type:           audit.EventTypePlacementFailed,
			Actor:          agentSessionID,
			CampaignID:     acct.CampaignID,
			AccountID:      acct.ID,
			FromState:      string(queue.ClaimClaimed),
			ToState:        string(queue.ClaimUnclaimed),
			Outcome:        "carrier_error",
			Rule:           code,
			Message:        cause.Error(),
		}); aerr != nil {
			log.Error("placement failure audit failed", "err", aerr)
		}
	}

	tripped, err := p.streak.Fail(ctx, acct.CampaignID)
	if err != nil {
		log.Warn("carrier failure streak update failed", "err", err)
	}
	if tripped {
		if err := p.campaigns.AutoPause(ctx, camp.ID, "consecutive_carrier_failures"); err != nil {
			log.Error("campaign auto-pause failed", "err", err)
		}
	}
	return &PlacementError{AccountID: acct.ID, Code: code, Err: cause}
}

// abandon hangs up a call that lost its claim and fails it.
func (p *Placer) abandon(ctx context.Context, call Call, agentSessionID string) {
	log := logger.From(ctx).With("call_id", call.ID, "external_call_id", call.ExternalCallID)
	if err := p.carrier.EndCall(ctx, call.ExternalCallID); err != nil {
		log.Error("end call failed", "err", err)
	}
	defer p.live.Release(ctx, call.CampaignID)
	metrics.RecordPlacement("claim_lost")

	at := p.clock().UTC()
	prev, applied, err := p.repo.Transition(ctx, call.ID, nonTerminal, StatusFailed, Update{ErrorCode: "claim_lost", At: at})
	if err != nil {
		log.Error("fail call after lost claim failed", "err", err)
		return
	}
	if !applied {
		return
	}
	if aerr := p.audit.Append(ctx, audit.Event{
		OrganizationID: call.OrganizationID,
		Type:           audit.EventTypeCallTransition,
		Actor:          agentSessionID,
		CampaignID:     call.CampaignID,
		AccountID:      call.AccountID,
		CallID:         call.ID,
		ExternalCallID: call.ExternalCallID,
		FromState:      string(prev),
		ToState:        string(StatusFailed),
		Outcome:        "claim_lost",
	}); aerr != nil {
		log.Error("lost claim audit failed", "err", aerr)
	}
}

// releaseClaim returns a claim to unclaimed for a non-carrier reason.
func (p *Placer) releaseClaim(ctx context.Context, acct queue.Account, agentSessionID, reason string) {
	released, err := p.accounts.Release(ctx, acct.ID, queue.ClaimClaimed, p.clock())
	log := logger.From(ctx).With("account_id", acct.ID, "reason", reason)
	if err != nil {
		log.Error("claim release failed", "err", err)
		return
	}
	if !released {
		return
	}
	if aerr := p.audit.Append(ctx, audit.Event{
		OrganizationID: acct.OrganizationID,
		Type:           audit.EventTypeClaimTransition,
		Actor:          agentSessionID,
		CampaignID:     acct.CampaignID,
		AccountID:      acct.ID,
		FromState:      string(queue.ClaimClaimed),
		ToState:        string(queue.ClaimUnclaimed),
		Outcome:        reason,
	}); aerr != nil {
		log.Error("claim release audit failed", "err", aerr)
	}
}

// skipClaim records a placement-time deny: claimed -> skipped.
func (p *Placer) skipClaim(ctx context.Context, acct queue.Account, agentSessionID string, d compliance.Decision) error {
	skipped, err := p.accounts.Skip(ctx, acct.ID, queue.ClaimClaimed, string(d.Reason), p.clock())
	if err != nil {
		return fmt.Errorf("calls: skip: %w", err)
	}
	from, to := queue.ClaimClaimed, queue.ClaimSkipped
	outcome := "skipped"
	if !skipped {
		from, to, outcome = "", "", "superseded"
	}
	if err := p.auditDecision(ctx, acct, agentSessionID, d, from, to, outcome); err != nil {
		if skipped {
			if _, rerr := p.accounts.Release(ctx, acct.ID, queue.ClaimSkipped, p.clock()); rerr != nil {
				logger.From(ctx).Error("skip compensation failed", "account_id", acct.ID, "err", rerr)
			}
		}
		return fmt.Errorf("calls: audit decision: %w", err)
	}
	return nil
}

func (p *Placer) auditDecision(ctx context.Context, acct queue.Account, agentSessionID string, d compliance.Decision, from, to queue.ClaimState, outcome string) error {
	return p.audit.Append(ctx, audit.Event{
		OrganizationID: acct.OrganizationID,
		Type:           audit.EventTypeComplianceDecision,
		Actor:          agentSessionID,
		CampaignID:     acct.CampaignID,
		AccountID:      acct.ID,
		FromState:      string(from),
		ToState:        string(to),
		Outcome:        outcome,
		Rule:           string(d.Reason),
		Metadata:       audit.Meta(d.Snapshot),
	})
}
