package jobs

import (
	"context"
	"testing"
	"time"

	"collections-dialer/internal/audit"
	"collections-dialer/internal/calls"
	"collections-dialer/internal/compliance"
	"collections-dialer/internal/notify"
	"collections-dialer/internal/queue"

	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)

func enroll(t *testing.T, repo *queue.MemoryRepo, ids ...string) {
	t.Helper()
	var accts []queue.Account
	for _, id := range ids {
		accts = append(accts, queue.Account{
			ID: id, OrganizationID: "org1", CampaignID: "c1", Phone: "+16175550100",
			Balance: decimal.NewFromInt(10), Timezone: "America/New_York",
			EnrolledAt: testNow.Add(-48 * time.Hour),
		})
	}
	if err := repo.Enroll(context.Background(), accts); err != nil {
		t.Fatalf("enroll: %v", err)
	}
}

func mustOK(t *testing.T, ok bool, err error) {
	t.Helper()
	if err != nil || !ok {
		t.Fatalf("setup step failed: %v %v", ok, err)
	}
}

func TestReconciler_Run(t *testing.T) {
	ctx := context.Background()
	accounts := queue.NewMemoryRepo()
	enroll(t, accounts, "stale-claim", "fresh-claim", "stuck", "skip-hours", "skip-lookup", "skip-dnc")

	old := testNow.Add(-2 * time.Hour)
	ok, err := accounts.Claim(ctx, "stale-claim", "s1", old)
	mustOK(t, ok, err)
	ok, err = accounts.Claim(ctx, "fresh-claim", "s2", testNow.Add(-time.Minute))
	mustOK(t, ok, err)
	ok, err = accounts.Claim(ctx, "stuck", "s3", old)
	mustOK(t, ok, err)
	ok, err = accounts.MarkInProgress(ctx, "stuck", "s3", old)
	mustOK(t, ok, err)
	for id, reason := range map[string]compliance.Reason{
		"skip-hours":  compliance.ReasonOutsideHours,
		"skip-lookup": compliance.ReasonLookupFailed,
		"skip-dnc":    compliance.ReasonDoNotContact,
	} {
		ok, err = accounts.Claim(ctx, id, "s4", old)
		mustOK(t, ok, err)
		ok, err = accounts.Skip(ctx, id, queue.ClaimClaimed, string(reason), old)
		mustOK(t, ok, err)
	}

	callRepo := calls.NewMemoryRepo()
	if err := callRepo.Create(ctx, calls.Call{
		ID: "call-1", CampaignID: "c1", AccountID: "stuck", AgentSessionID: "s3",
		ExternalCallID: "CA1", Status: calls.StatusRinging, StartedAt: old,
	}); err != nil {
		t.Fatalf("create call: %v", err)
	}

	auditRepo := audit.NewMemoryRepo()
	auditSvc := audit.NewService(auditRepo)
	lifecycle := calls.NewLifecycle(callRepo, accounts, auditSvc, nil, nil, nil)
	rec := &notify.Recorder{}

	r := NewReconciler(accounts, callRepo, lifecycle, auditSvc, rec, ReconcileConfig{
		ClaimCeiling:      10 * time.Minute,
		CallCeiling:       30 * time.Minute,
		InProgressCeiling: time.Hour,
		SkipCooldown:      time.Hour,
	})
	r.clock = func() time.Time { return testNow }

	rep, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := Report{ReleasedClaims: 1, FailedCalls: 1, StuckAccounts: 1, Requeued: 2}
	if rep != want {
		t.Fatalf("expected %+v, got %+v", want, rep)
	}

	for id, state := range map[string]queue.ClaimState{
		"stale-claim": queue.ClaimUnclaimed,
		"fresh-claim": queue.ClaimClaimed,
		"stuck":       queue.ClaimInProgress,
		"skip-hours":  queue.ClaimUnclaimed,
		"skip-lookup": queue.ClaimUnclaimed,
		"skip-dnc":    queue.ClaimSkipped,
	} {
		a, _ := accounts.Get(ctx, id)
		if a.ClaimState != state {
			t.Fatalf("%s: expected %s, got %s", id, state, a.ClaimState)
		}
	}

	c, _ := callRepo.Get(ctx, "call-1")
	if c.Status != calls.StatusFailed {
		t.Fatalf("expected stale call failed, got %s", c.Status)
	}
	released := auditRepo.Filter(func(e audit.Event) bool { return e.Outcome == "stale_claim_released" })
	if len(released) != 1 || released[0].AccountID != "stale-claim" {
		t.Fatalf("expected one release audit, got %+v", released)
	}
	if rec.Count(notify.KindStaleCall) != 1 || rec.Count(notify.KindStuckAccount) != 1 {
		t.Fatalf("expected stale_call and stuck_account notifications, got %+v", rec.Events())
	}

	// A second pass finds nothing new to change.
	rep, err = r.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if rep.ReleasedClaims != 0 || rep.FailedCalls != 0 || rep.Requeued != 0 {
		t.Fatalf("expected idempotent pass, got %+v", rep)
	}
}

func TestReconciler_DisabledStepsAreSkipped(t *testing.T) {
	accounts := queue.NewMemoryRepo()
	enroll(t, accounts, "a1")
	ok, err := accounts.Claim(context.Background(), "a1", "s1", testNow.Add(-24*time.Hour))
	mustOK(t, ok, err)

	r := NewReconciler(accounts, calls.NewMemoryRepo(), nil, audit.NewService(audit.NewMemoryRepo()), nil, ReconcileConfig{})
	r.clock = func() time.Time { return testNow }
	rep, err := r.Run(context.Background())
	if err != nil || rep != (Report{}) {
		t.Fatalf("expected no-op, got %+v %v", rep, err)
	}
}
