package compliance

import (
	"context"
	"fmt"
	"time"
)

// Profile is the compliance data source's view of one account.
type Profile struct {
	AccountID    string
	Phone        string
	Jurisdiction string
	Timezone     string

	DoNotContact   *bool
	CeaseAndDesist *bool
	ConsentRevoked *bool
}

// DataSource provides do-not-contact, consent and jurisdiction/timezone facts.
// It is read-only from the dialer's point of view.
type DataSource interface {
	Lookup(ctx context.Context, accountID string) (Profile, error)
}

// AttemptCounter counts placed calls for an account since a point in time.
type AttemptCounter interface {
	CountAttempts(ctx context.Context, accountID string, since time.Time) (int, error)
}

// SuppressionChecker reports whether a number is on an organization-wide
// suppression (internal do-not-call) list.
type SuppressionChecker interface {
	Suppressed(ctx context.Context, phone string) (bool, error)
}

// Resolver assembles a gate Input from the collaborators. Any lookup failure
// is carried in Input.LookupErr so the gate denies; Resolver never allows by itself.
type Resolver struct {
	Gate        *Gate
	Source      DataSource
	Attempts    AttemptCounter
	Suppression SuppressionChecker
}

func (r Resolver) Input(ctx context.Context, accountID string, now time.Time) Input {
	in := Input{AccountID: accountID}
	if r.Gate == nil || r.Source == nil || r.Attempts == nil {
		in.LookupErr = fmt.Errorf("compliance: resolver not configured")
		return in
	}

	p, err := r.Source.Lookup(ctx, accountID)
	if err != nil {
		in.LookupErr = fmt.Errorf("compliance: profile lookup: %w", err)
		return in
	}
	in.Jurisdiction = p.Jurisdiction
	in.Timezone = p.Timezone
	in.DoNotContact = p.DoNotContact
	in.CeaseAndDesist = p.CeaseAndDesist
	in.ConsentRevoked = p.ConsentRevoked

	if r.Suppression != nil && in.DoNotContact != nil && !*in.DoNotContact {
		if p.Phone == "" {
			in.DoNotContact = nil
		} else {
			suppressed, err := r.Suppression.Suppressed(ctx, p.Phone)
			if err != nil {
				in.LookupErr = fmt.Errorf("compliance: suppression lookup: %w", err)
				return in
			}
			if suppressed {
				in.DoNotContact = &suppressed
			}
		}
	}

	period := r.Gate.PolicyFor(p.Jurisdiction).Period
	n, err := r.Attempts.CountAttempts(ctx, accountID, now.Add(-period))
	if err != nil {
		in.LookupErr = fmt.Errorf("compliance: attempt count: %w", err)
		return in
	}
	in.AttemptsInPeriod = &n
	return in
}
