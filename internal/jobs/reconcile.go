package jobs

import (
	"context"
	"errors"
	"time"

	"collections-dialer/internal/audit"
	"collections-dialer/internal/calls"
	"collections-dialer/internal/compliance"
	"collections-dialer/internal/metrics"
	"collections-dialer/internal/notify"
	"collections-dialer/internal/queue"
	"collections-dialer/pkg/logger"
)

// StaleCalls lists calls that never reached a terminal status.
type StaleCalls interface {
	ListStale(ctx context.Context, olderThan time.Time) ([]calls.Call, error)
}

// CallFailer fails one stale call through the state machine.
type CallFailer interface {
	FailStale(ctx context.Context, call calls.Call) (bool, error)
}

type ReconcileConfig struct {
	ClaimCeiling      time.Duration
	CallCeiling       time.Duration
	InProgressCeiling time.Duration
	SkipCooldown      time.Duration
}

func requeueReasons() []string {
	out := make([]string, 0, len(compliance.TransientReasons))
	for _, r := range compliance.TransientReasons {
		out = append(out, string(r))
	}
	return out
}

// Report counts what one reconciliation pass changed or flagged.
type Report struct {
	ReleasedClaims int `json:"released_claims"`
	FailedCalls    int `json:"failed_calls"`
	StuckAccounts  int `json:"stuck_accounts"`
	Requeued       int `json:"requeued"`
}

// Reconciler is the safety net for claims and calls left behind by crashes,
// lost callbacks and agents who walked away.
type Reconciler struct {
	accounts queue.Store
	calls    StaleCalls
	failer   CallFailer
	audit    *audit.Service
	pub      notify.Publisher
	cfg      ReconcileConfig
	clock    func() time.Time
}

func NewReconciler(accounts queue.Store, staleCalls StaleCalls, failer CallFailer, auditSvc *audit.Service, pub notify.Publisher, cfg ReconcileConfig) *Reconciler {
	if pub == nil {
		pub = notify.Nop{}
	}
	return &Reconciler{
		accounts: accounts,
		calls:    staleCalls,
		failer:   failer,
		audit:    auditSvc,
		pub:      pub,
		cfg:      cfg,
		clock:    time.Now,
	}
}

// Run executes one pass. Steps are independent; a failing step does not stop
// the others and all errors are returned joined.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	now := r.clock().UTC()
	log := logger.From(ctx)
	var rep Report
	var errs []error

	if r.cfg.ClaimCeiling > 0 {
		released, err := r.accounts.ReleaseStaleClaims(ctx, now.Add(-r.cfg.ClaimCeiling), now)
		if err != nil {
			errs = append(errs, err)
		}
		for _, a := range released {
			if aerr := r.audit.Append(ctx, audit.Event{
				OrganizationID: a.OrganizationID,
				Type:           audit.EventTypeClaimTransition,
				Actor:          audit.ActorSystem,
				CampaignID:     a.CampaignID,
				AccountID:      a.ID,
				FromState:      string(queue.ClaimClaimed),
				ToState:        string(queue.ClaimUnclaimed),
				Outcome:        "stale_claim_released",
				Metadata:       audit.Meta(map[string]any{"claimed_by": a.ClaimedBy, "claimed_at": a.ClaimedAt}),
			}); aerr != nil {
				log.Error("stale claim audit failed", "account_id", a.ID, "err", aerr)
			}
		}
		rep.ReleasedClaims = len(released)
		metrics.RecordReconciled("claim_released", len(released))
	}

	if r.cfg.CallCeiling > 0 {
		stale, err := r.calls.ListStale(ctx, now.Add(-r.cfg.CallCeiling))
		if err != nil {
			errs = append(errs, err)
		}
		for _, c := range stale {
			failed, err := r.failer.FailStale(ctx, c)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !failed {
				continue
			}
			rep.FailedCalls++
			r.pub.Publish(ctx, notify.Event{
				Kind:           notify.KindStaleCall,
				CampaignID:     c.CampaignID,
				AccountID:      c.AccountID,
				CallID:         c.ID,
				AgentSessionID: c.AgentSessionID,
				Reason:         "no terminal callback from " + string(c.Status),
				OccurredAt:     now,
			})
		}
		metrics.RecordReconciled("call_failed", rep.FailedCalls)
	}

	if r.cfg.InProgressCeiling > 0 {
		stuck, err := r.accounts.ListStuckInProgress(ctx, now.Add(-r.cfg.InProgressCeiling))
		if err != nil {
			errs = append(errs, err)
		}
		for _, a := range stuck {
			r.pub.Publish(ctx, notify.Event{
				Kind:           notify.KindStuckAccount,
				CampaignID:     a.CampaignID,
				AccountID:      a.ID,
				AgentSessionID: a.ClaimedBy,
				Reason:         "awaiting disposition",
				OccurredAt:     now,
			})
		}
		rep.StuckAccounts = len(stuck)
		metrics.RecordReconciled("account_stuck", len(stuck))
	}

	if r.cfg.SkipCooldown > 0 {
		n, err := r.accounts.RequeueSkipped(ctx, requeueReasons(), now.Add(-r.cfg.SkipCooldown), now)
		if err != nil {
			errs = append(errs, err)
		}
		rep.Requeued = n
		metrics.RecordReconciled("skip_requeued", n)
	}

	log.Info("reconciliation finished",
		"released_claims", rep.ReleasedClaims,
		"failed_calls", rep.FailedCalls,
		"stuck_accounts", rep.StuckAccounts,
		"requeued", rep.Requeued,
	)
	return rep, errors.Join(errs...)
}
