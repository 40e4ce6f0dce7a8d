package compliance

import (
	"time"
)

// Reason names the rule that produced a decision.
type Reason string

const (
	ReasonAllowed            Reason = "allowed"
	ReasonDoNotContact       Reason = "do_not_contact"
	ReasonCeaseAndDesist     Reason = "cease_and_desist"
	ReasonConsentRevoked     Reason = "consent_revoked"
	ReasonOutsideHours       Reason = "outside_calling_hours"
	ReasonAttemptCapExceeded Reason = "attempt_cap_exceeded"
	ReasonMissingInput       Reason = "missing_input"
	ReasonInvalidTimezone    Reason = "invalid_timezone"
	ReasonLookupFailed       Reason = "lookup_failed"
	ReasonInvalidPolicy      Reason = "invalid_policy"
)

// TransientReasons are denies that may clear on their own with time, so the
// account is requeued later rather than staying skipped. A failed lookup is
// retried the same way.
var TransientReasons = []Reason{ReasonOutsideHours, ReasonAttemptCapExceeded, ReasonLookupFailed}

func (r Reason) Transient() bool {
	for _, t := range TransientReasons {
		if r == t {
			return true
		}
	}
	return false
}

// Input is everything the gate needs about one account.
// Nil pointers mean "unknown" and always deny.
type Input struct {
	AccountID    string
	Jurisdiction string
	Timezone     string

	DoNotContact   *bool
	CeaseAndDesist *bool
	ConsentRevoked *bool

	// AttemptsInPeriod is the number of placed calls in the trailing policy period.
	AttemptsInPeriod *int

	// LookupErr carries a compliance data source failure; any non-nil value denies.
	LookupErr error
}

// Decision is the gate result plus the input snapshot used to reach it.
type Decision struct {
	Allow    bool     `json:"allow"`
	Reason   Reason   `json:"reason"`
	Snapshot Snapshot `json:"snapshot"`
}

// Snapshot records the facts a decision was based on, for the audit trail.
type Snapshot struct {
	EvaluatedAt  time.Time `json:"evaluated_at"`
	LocalTime    string    `json:"local_time,omitempty"`
	Timezone     string    `json:"timezone,omitempty"`
	Jurisdiction string    `json:"jurisdiction,omitempty"`
	Window       string    `json:"window,omitempty"`
	Attempts     *int      `json:"attempts,omitempty"`
	MaxAttempts  int       `json:"max_attempts,omitempty"`
	PeriodHours  int       `json:"period_hours,omitempty"`
	LookupError  string    `json:"lookup_error,omitempty"`
}

// Gate evaluates the fixed rule chain. It holds only immutable policy and is
// safe for concurrent use.
type Gate struct {
	policies Policies
}

func NewGate(policies Policies) *Gate {
	return &Gate{policies: policies}
}

// Evaluate applies, in order: opt-out/cease-and-desist, consent revoked,
// local calling hours, attempt-frequency cap. The first failing rule wins.
// Missing or unparseable input denies.
func (g *Gate) Evaluate(in Input, now time.Time) Decision {
	p := g.policies.For(in.Jurisdiction)
	snap := Snapshot{
		EvaluatedAt:  now.UTC(),
		Timezone:     in.Timezone,
		Jurisdiction: in.Jurisdiction,
		Window:       p.Window.String(),
		Attempts:     in.AttemptsInPeriod,
		MaxAttempts:  p.MaxAttempts,
		PeriodHours:  int(p.Period / time.Hour),
	}
	deny := func(r Reason) Decision { return Decision{Allow: false, Reason: r, Snapshot: snap} }

	if in.LookupErr != nil {
		snap.LookupError = in.LookupErr.Error()
		return deny(ReasonLookupFailed)
	}
	if in.AccountID == "" || now.IsZero() {
		return deny(ReasonMissingInput)
	}
	if !p.valid() {
		return deny(ReasonInvalidPolicy)
	}

	// 1) explicit opt-out
	if in.DoNotContact == nil || in.CeaseAndDesist == nil {
		return deny(ReasonMissingInput)
	}
	if *in.CeaseAndDesist {
		return deny(ReasonCeaseAndDesist)
	}
	if *in.DoNotContact {
		return deny(ReasonDoNotContact)
	}

	// 2) consent
	if in.ConsentRevoked == nil {
		return deny(ReasonMissingInput)
	}
	if *in.ConsentRevoked {
		return deny(ReasonConsentRevoked)
	}

	// 3) local calling hours
	// "Local" would silently mean the server's zone.
	if in.Timezone == "" || in.Timezone == "Local" {
		return deny(ReasonInvalidTimezone)
	}
	loc, err := time.LoadLocation(in.Timezone)
	if err != nil {
		return deny(ReasonInvalidTimezone)
	}
	local := now.In(loc)
	snap.LocalTime = local.Format("2006-01-02T15:04:05-07:00")
	if !p.Window.Contains(local) {
		return deny(ReasonOutsideHours)
	}

	// 4) attempt-frequency cap
	if in.AttemptsInPeriod == nil || *in.AttemptsInPeriod < 0 {
		return deny(ReasonMissingInput)
	}
	if *in.AttemptsInPeriod >= p.MaxAttempts {
		return deny(ReasonAttemptCapExceeded)
	}

	return Decision{Allow: true, Reason: ReasonAllowed, Snapshot: snap}
}

// PolicyFor exposes the policy the gate applies to a jurisdiction.
func (g *Gate) PolicyFor(jurisdiction string) Policy {
	return g.policies.For(jurisdiction)
}
