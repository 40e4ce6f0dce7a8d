package compliance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type stubSource struct {
	p   Profile
	err error
}

func (s stubSource) Lookup(ctx context.Context, accountID string) (Profile, error) { return s.p, s.err }

type stubCounter struct {
	n     int
	err   error
	since time.Time
}

func (s *stubCounter) CountAttempts(ctx context.Context, accountID string, since time.Time) (int, error) {
	s.since = since
	return s.n, s.err
}

func profile() Profile {
	return Profile{
		AccountID:      "a1",
		Phone:          "+15551230000",
		Jurisdiction:   "US-NY",
		Timezone:       "America/New_York",
		DoNotContact:   boolp(false),
		CeaseAndDesist: boolp(false),
		ConsentRevoked: boolp(false),
	}
}

func TestResolver_BuildsInputAndCountsTrailingPeriod(t *testing.T) {
	counter := &stubCounter{n: 2}
	r := Resolver{Gate: newTestGate(), Source: stubSource{p: profile()}, Attempts: counter}

	in := r.Input(context.Background(), "a1", noonNY)
	if in.LookupErr != nil {
		t.Fatalf("unexpected lookup err: %v", in.LookupErr)
	}
	if in.AttemptsInPeriod == nil || *in.AttemptsInPeriod != 2 {
		t.Fatalf("expected attempts 2, got %v", in.AttemptsInPeriod)
	}
	if want := noonNY.Add(-7 * 24 * time.Hour); !counter.since.Equal(want) {
		t.Fatalf("expected since %s, got %s", want, counter.since)
	}
	if d := r.Gate.Evaluate(in, noonNY); !d.Allow {
		t.Fatalf("expected allow, got %s", d.Reason)
	}
}

func TestResolver_LookupFailuresDeny(t *testing.T) {
	g := newTestGate()
	cases := map[string]Resolver{
		"source down":  {Gate: g, Source: stubSource{err: errors.New("connection refused")}, Attempts: &stubCounter{}},
		"counter down": {Gate: g, Source: stubSource{p: profile()}, Attempts: &stubCounter{err: errors.New("timeout")}},
		"unconfigured": {},
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			in := r.Input(context.Background(), "a1", noonNY)
			if d := g.Evaluate(in, noonNY); d.Allow || d.Reason != ReasonLookupFailed {
				t.Fatalf("expected lookup_failed deny, got %+v", d)
			}
		})
	}
}

func TestResolver_SuppressionListMarksDoNotContact(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	list := NewRedisSuppressionList(rdb)
	if err := list.Add(context.Background(), "+15551230000"); err != nil {
		t.Fatalf("add: %v", err)
	}

	r := Resolver{Gate: newTestGate(), Source: stubSource{p: profile()}, Attempts: &stubCounter{}, Suppression: list}
	in := r.Input(context.Background(), "a1", noonNY)
	if d := r.Gate.Evaluate(in, noonNY); d.Reason != ReasonDoNotContact {
		t.Fatalf("expected do_not_contact, got %s", d.Reason)
	}

	if err := list.Remove(context.Background(), "+15551230000"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	in = r.Input(context.Background(), "a1", noonNY)
	if d := r.Gate.Evaluate(in, noonNY); !d.Allow {
		t.Fatalf("expected allow after removal, got %s", d.Reason)
	}
}

func TestResolver_SuppressionOutageDenies(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	r := Resolver{Gate: newTestGate(), Source: stubSource{p: profile()}, Attempts: &stubCounter{}, Suppression: NewRedisSuppressionList(rdb)}
	in := r.Input(context.Background(), "a1", noonNY)
	if d := r.Gate.Evaluate(in, noonNY); d.Allow {
		t.Fatalf("expected deny when suppression list is unreachable")
	}
}
