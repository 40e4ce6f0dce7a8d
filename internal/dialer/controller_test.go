package dialer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"collections-dialer/internal/calls"
	"collections-dialer/internal/notify"
	"collections-dialer/internal/queue"
)

var testNow = time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// fireAll runs every scheduled callback, stopped or not, the way a timer that
// already fired before Stop would.
func (c *fakeClock) fireAll() {
	c.mu.Lock()
	ts := append([]*fakeTimer(nil), c.timers...)
	c.timers = nil
	c.mu.Unlock()
	for _, t := range ts {
		t.f()
	}
}

type stubSelector struct {
	mu       sync.Mutex
	accounts []queue.Account
	err      error
	pulls    int
}

func (s *stubSelector) Next(ctx context.Context, campaignID, agentSessionID string) (queue.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulls++
	if s.err != nil {
		return queue.Account{}, false, s.err
	}
	if len(s.accounts) == 0 {
		return queue.Account{}, false, nil
	}
	a := s.accounts[0]
	s.accounts = s.accounts[1:]
	a.ClaimState = queue.ClaimClaimed
	a.ClaimedBy = agentSessionID
	return a, true, nil
}

type stubPlacer struct {
	mu     sync.Mutex
	placed []string
	errs   map[string]error
}

func (p *stubPlacer) Place(ctx context.Context, accountID, agentSessionID string) (calls.Placement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.errs[accountID]; err != nil {
		return calls.Placement{}, err
	}
	p.placed = append(p.placed, accountID)
	return calls.Placement{CallID: "call-" + accountID, AccountID: accountID, CampaignID: "c1"}, nil
}

func newTestController(sel *stubSelector, pl *stubPlacer, pub, remote notify.Publisher) (*Controller, *fakeClock) {
	clk := &fakeClock{}
	c := NewController(sel, pl, pub, remote, 5*time.Second)
	c.afterFunc = clk.AfterFunc
	c.clock = func() time.Time { return testNow }
	return c, clk
}

func TestSchedule_PullsOnlyAfterExpiry(t *testing.T) {
	sel := &stubSelector{accounts: []queue.Account{{ID: "a1"}}}
	pl := &stubPlacer{}
	c, clk := newTestController(sel, pl, nil, nil)

	s, err := c.Schedule(context.Background(), "s1", "c1")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if s.State != StateCountdown || s.Deadline == nil || !s.Deadline.Equal(testNow.Add(5*time.Second)) {
		t.Fatalf("unexpected session: %+v", s)
	}
	if sel.pulls != 0 {
		t.Fatalf("nothing may be pulled during the countdown")
	}
	if clk.timers[0].d != 5*time.Second {
		t.Fatalf("expected 5s countdown, got %s", clk.timers[0].d)
	}

	clk.fireAll()
	got, _ := c.State("s1")
	if got.State != StateOnCall || got.CallID != "call-a1" {
		t.Fatalf("unexpected session after expiry: %+v", got)
	}
	if len(pl.placed) != 1 || pl.placed[0] != "a1" {
		t.Fatalf("expected a1 placed, got %v", pl.placed)
	}
}

func TestCancel_NoClaimNoPlacement(t *testing.T) {
	sel := &stubSelector{accounts: []queue.Account{{ID: "a1"}}}
	pl := &stubPlacer{}
	c, clk := newTestController(sel, pl, nil, nil)

	if _, err := c.Schedule(context.Background(), "s1", "c1"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s, ok := c.Cancel("s1")
	if !ok || s.State != StateIdle {
		t.Fatalf("expected canceled idle session, got %+v %v", s, ok)
	}
	if !clk.timers[0].stopped {
		t.Fatalf("expected timer stopped")
	}
	// A timer that raced the cancel still must not pull.
	clk.fireAll()

	if sel.pulls != 0 || len(pl.placed) != 0 {
		t.Fatalf("cancel must prevent pull and placement, got %d pulls %v placed", sel.pulls, pl.placed)
	}
	if _, ok := c.Cancel("s1"); ok {
		t.Fatalf("second cancel has nothing to cancel")
	}
}

func TestSchedule_RestartSupersedesEarlierCountdown(t *testing.T) {
	sel := &stubSelector{accounts: []queue.Account{{ID: "a1"}, {ID: "a2"}}}
	pl := &stubPlacer{}
	c, clk := newTestController(sel, pl, nil, nil)

	_, _ = c.Schedule(context.Background(), "s1", "c1")
	_, _ = c.Schedule(context.Background(), "s1", "c1")
	clk.fireAll()

	if sel.pulls != 1 || len(pl.placed) != 1 {
		t.Fatalf("expected a single pull, got %d pulls %v placed", sel.pulls, pl.placed)
	}
}

func TestEmptyQueue_SurfacedNotRetried(t *testing.T) {
	sel := &stubSelector{}
	rec := &notify.Recorder{}
	c, clk := newTestController(sel, &stubPlacer{}, rec, nil)

	_, _ = c.Schedule(context.Background(), "s1", "c1")
	clk.fireAll()

	s, _ := c.State("s1")
	if s.State != StateEmpty {
		t.Fatalf("expected empty, got %s", s.State)
	}
	if rec.Count(notify.KindQueueEmpty) != 1 {
		t.Fatalf("expected a queue_empty notification")
	}
	if len(clk.timers) != 0 || sel.pulls != 1 {
		t.Fatalf("empty queue must not be retried, got %d timers %d pulls", len(clk.timers), sel.pulls)
	}
}

func TestPlacementError_PausesSession(t *testing.T) {
	sel := &stubSelector{accounts: []queue.Account{{ID: "a1"}, {ID: "a2"}}}
	pl := &stubPlacer{errs: map[string]error{"a1": &calls.PlacementError{AccountID: "a1", Code: "21215", Err: errors.New("rejected")}}}
	rec := &notify.Recorder{}
	c, clk := newTestController(sel, pl, rec, nil)

	_, _ = c.Schedule(context.Background(), "s1", "c1")
	clk.fireAll()

	s, _ := c.State("s1")
	if s.State != StateError || s.Reason != "carrier_error:21215" {
		t.Fatalf("unexpected session: %+v", s)
	}
	if rec.Count(notify.KindSessionError) != 1 {
		t.Fatalf("expected session_error notification")
	}
	if sel.pulls != 1 || len(clk.timers) != 0 {
		t.Fatalf("errors must not loop, got %d pulls", sel.pulls)
	}
}

func TestComplianceDenyAtPlacement_PullsAgain(t *testing.T) {
	sel := &stubSelector{accounts: []queue.Account{{ID: "a1"}, {ID: "a2"}}}
	pl := &stubPlacer{errs: map[string]error{"a1": calls.ErrComplianceDenied}}
	c, clk := newTestController(sel, pl, nil, nil)

	_, _ = c.Schedule(context.Background(), "s1", "c1")
	clk.fireAll()

	s, _ := c.State("s1")
	if s.State != StateOnCall || s.AccountID != "a2" {
		t.Fatalf("expected a2 on call, got %+v", s)
	}
}

func TestAdvanceNow_LocalSessionSkipsCountdown(t *testing.T) {
	sel := &stubSelector{accounts: []queue.Account{{ID: "a2"}}}
	pl := &stubPlacer{}
	c, clk := newTestController(sel, pl, nil, nil)
	c.Attach("s1", "c1", calls.Placement{CallID: "call-a1", AccountID: "a1"})

	c.AdvanceNow(context.Background(), "s1", "voicemail")
	if len(clk.timers) != 1 || clk.timers[0].d != 0 {
		t.Fatalf("expected an immediate run")
	}
	clk.fireAll()
	if len(pl.placed) != 1 || pl.placed[0] != "a2" {
		t.Fatalf("expected a2 placed, got %v", pl.placed)
	}
}

func TestAdvanceNow_UnknownSessionForwarded(t *testing.T) {
	remote := &notify.Recorder{}
	c, clk := newTestController(&stubSelector{}, &stubPlacer{}, nil, remote)

	c.AdvanceNow(context.Background(), "elsewhere", "voicemail")
	if len(clk.timers) != 0 {
		t.Fatalf("unknown sessions must not be run locally")
	}
	evs := remote.Events()
	if len(evs) != 1 || evs[0].Kind != notify.KindAdvanceRequested || evs[0].AgentSessionID != "elsewhere" {
		t.Fatalf("expected forwarded advance, got %+v", evs)
	}
}

func TestSchedule_RequiresIDs(t *testing.T) {
	c, _ := newTestController(&stubSelector{}, &stubPlacer{}, nil, nil)
	if _, err := c.Schedule(context.Background(), "", "c1"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestForget_DropsSessionAndStopsCountdown(t *testing.T) {
	sel := &stubSelector{accounts: []queue.Account{{ID: "a1"}}}
	pl := &stubPlacer{}
	c, clk := newTestController(sel, pl, nil, nil)

	if _, err := c.Schedule(context.Background(), "s1", "c1"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	c.Forget("s1")
	clk.fireAll()

	if _, ok := c.State("s1"); ok {
		t.Fatalf("expected session forgotten")
	}
	if sel.pulls != 0 || len(pl.placed) != 0 {
		t.Fatalf("forgotten session must not pull, pulls=%d placed=%v", sel.pulls, pl.placed)
	}
}

func TestPrune_KeepsActiveSessions(t *testing.T) {
	sel := &stubSelector{}
	pl := &stubPlacer{}
	c, clk := newTestController(sel, pl, nil, nil)

	c.Attach("on-call", "c1", calls.Placement{CallID: "call-1", AccountID: "a1"})
	if _, err := c.Schedule(context.Background(), "empty", "c1"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	clk.fireAll()
	if s, _ := c.State("empty"); s.State != StateEmpty {
		t.Fatalf("expected empty, got %s", s.State)
	}
	if _, err := c.Schedule(context.Background(), "counting", "c1"); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if n := c.Prune(testNow); n != 0 {
		t.Fatalf("nothing is older than now, pruned %d", n)
	}
	if n := c.Prune(testNow.Add(time.Hour)); n != 2 {
		t.Fatalf("expected on-call and empty pruned, got %d", n)
	}
	if _, ok := c.State("counting"); !ok {
		t.Fatalf("countdown session must survive pruning")
	}
	if _, ok := c.State("empty"); ok {
		t.Fatalf("expected empty session pruned")
	}
}
