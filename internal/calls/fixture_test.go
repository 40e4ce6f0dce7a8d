package calls

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"collections-dialer/internal/audit"
	"collections-dialer/internal/campaigns"
	"collections-dialer/internal/compliance"
	"collections-dialer/internal/notify"
	"collections-dialer/internal/queue"
	"collections-dialer/internal/telephony"

	"github.com/shopspring/decimal"
)

// noon in New York on a weekday.
var testNow = time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)

type fakeCarrier struct {
	mu      sync.Mutex
	placed  []telephony.PlaceCallRequest
	ended   []string
	failErr error
	seq     int
	// onPlace runs while the carrier request is in flight.
	onPlace func()
}

func (f *fakeCarrier) Name() string                        { return "fake" }
func (f *fakeCarrier) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeCarrier) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (telephony.PlaceCallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	if f.failErr != nil {
		return telephony.PlaceCallResult{}, f.failErr
	}
	f.seq++
	if f.onPlace != nil {
		f.onPlace()
	}
	return telephony.PlaceCallResult{ExternalCallID: fmt.Sprintf("CA%d", f.seq), CarrierStatus: "queued"}, nil
}

func (f *fakeCarrier) EndCall(ctx context.Context, externalCallID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, externalCallID)
	return nil
}

func (f *fakeCarrier) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

type countingAdvancer struct {
	mu    sync.Mutex
	calls map[string]int
}

func (a *countingAdvancer) AdvanceNow(ctx context.Context, agentSessionID, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls == nil {
		a.calls = map[string]int{}
	}
	a.calls[agentSessionID]++
}

func (a *countingAdvancer) count(session string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[session]
}

func boolPtr(b bool) *bool { return &b }

func testAccount(id string) queue.Account {
	return queue.Account{
		ID:             id,
		OrganizationID: "org1",
		CampaignID:     "c1",
		Phone:          "+16175550100",
		Balance:        decimal.NewFromInt(300),
		Jurisdiction:   "US-MA",
		Timezone:       "America/New_York",
		DoNotContact:   boolPtr(false),
		CeaseAndDesist: boolPtr(false),
		ConsentRevoked: boolPtr(false),
		EnrolledAt:     testNow.Add(-24 * time.Hour),
	}
}

type fixture struct {
	accounts  *queue.MemoryRepo
	camps     *campaigns.MemoryRepo
	campSvc   *campaigns.Service
	calls     *MemoryRepo
	audit     *audit.MemoryRepo
	carrier   *fakeCarrier
	advancer  *countingAdvancer
	notes     *notify.Recorder
	lifecycle *Lifecycle
	placer    *Placer
}

func newFixture(t *testing.T, accounts ...queue.Account) *fixture {
	t.Helper()
	f := &fixture{
		accounts: queue.NewMemoryRepo(),
		camps: campaigns.NewMemoryRepo(campaigns.Campaign{
			ID: "c1", OrganizationID: "org1", Status: campaigns.StatusActive,
			CallerID: "+16175550000", RecordCalls: true, MachineDetection: true,
		}),
		calls:    NewMemoryRepo(),
		audit:    audit.NewMemoryRepo(),
		carrier:  &fakeCarrier{},
		advancer: &countingAdvancer{},
		notes:    &notify.Recorder{},
	}
	f.accounts.Campaigns = f.camps
	if err := f.accounts.Enroll(context.Background(), accounts); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	asvc := audit.NewService(f.audit)
	asvc.MaxElapsed = 10 * time.Millisecond
	f.campSvc = campaigns.NewService(f.camps, f.accounts, asvc, f.notes)

	gate := compliance.NewGate(compliance.Policies{Default: compliance.DefaultPolicy()})
	resolver := compliance.Resolver{Gate: gate, Source: queue.ProfileSource{Store: f.accounts}, Attempts: f.calls}

	f.lifecycle = NewLifecycle(f.calls, f.accounts, asvc, f.carrier, f.advancer, nil)
	f.lifecycle.clock = func() time.Time { return testNow }

	f.placer = NewPlacer(f.accounts, f.campSvc, resolver, f.carrier, f.calls, asvc, nil, nil,
		PlacerConfig{PublicBaseURL: "https://dialer.example.com", RingTimeoutSeconds: 25})
	f.placer.clock = func() time.Time { return testNow }
	return f
}

// claim puts an account in claimed state for session.
func (f *fixture) claim(t *testing.T, accountID, session string) {
	t.Helper()
	ok, err := f.accounts.Claim(context.Background(), accountID, session, testNow)
	if err != nil || !ok {
		t.Fatalf("claim %s: %v %v", accountID, ok, err)
	}
}

// placed claims and places a call, returning it.
func (f *fixture) placed(t *testing.T, accountID, session string) Call {
	t.Helper()
	f.claim(t, accountID, session)
	p, err := f.placer.Place(context.Background(), accountID, session)
	if err != nil {
		t.Fatalf("place %s: %v", accountID, err)
	}
	c, err := f.calls.Get(context.Background(), p.CallID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	return c
}

func (f *fixture) callback(t *testing.T, c Call, kind telephony.CallbackKind, sig telephony.Signal) {
	t.Helper()
	err := f.lifecycle.HandleCallback(context.Background(), telephony.CallbackEvent{
		Kind:           kind,
		ExternalCallID: c.ExternalCallID,
		CallID:         c.ID,
		Signal:         sig,
		OccurredAt:     testNow,
	})
	if err != nil {
		t.Fatalf("callback %s: %v", sig, err)
	}
}

func (f *fixture) call(t *testing.T, id string) Call {
	t.Helper()
	c, err := f.calls.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	return c
}

func (f *fixture) account(t *testing.T, id string) queue.Account {
	t.Helper()
	a, err := f.accounts.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return a
}

func (f *fixture) events(typ audit.EventType, callID string) []audit.Event {
	return f.audit.Filter(func(e audit.Event) bool { return e.Type == typ && e.CallID == callID })
}
