package queue

import (
	"errors"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"
)

// Account is a debt account enrolled in exactly one campaign.
//
// Exclusivity invariant: at any instant an account is claimed by at most one
// agent session. Every claim-state change is a single conditional update
// guarded on the current state (see Store).
type Account struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	CampaignID     string `json:"campaign_id" db:"campaign_id"`
	ExternalRef    string `json:"external_ref,omitempty" db:"external_ref"`

	// Phone is the E.164 contact number.
	Phone   string          `json:"phone" db:"phone"`
	Balance decimal.Decimal `json:"balance" db:"balance"`

	Jurisdiction string `json:"jurisdiction" db:"jurisdiction"`
	Timezone     string `json:"timezone" db:"timezone"`

	// Nil means unknown; the gate treats unknown as deny.
	DoNotContact   *bool `json:"do_not_contact,omitempty" db:"do_not_contact"`
	CeaseAndDesist *bool `json:"cease_and_desist,omitempty" db:"cease_and_desist"`
	ConsentRevoked *bool `json:"consent_revoked,omitempty" db:"consent_revoked"`

	Priority   int       `json:"priority" db:"priority"`
	EnrolledAt time.Time `json:"enrolled_at" db:"enrolled_at"`

	LastContactAt *time.Time `json:"last_contact_at,omitempty" db:"last_contact_at"`
	// Attempts is the lifetime number of placed calls; the windowed count used
	// by the gate comes from the calls table.
	Attempts int `json:"attempts" db:"attempts"`

	ClaimState ClaimState `json:"claim_state" db:"claim_state"`
	ClaimedBy  string     `json:"claimed_by,omitempty" db:"claimed_by"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`
	SkipReason string     `json:"skip_reason,omitempty" db:"skip_reason"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type ClaimState string

const (
	ClaimUnclaimed  ClaimState = "unclaimed"
	ClaimClaimed    ClaimState = "claimed"
	ClaimInProgress ClaimState = "in_progress"
	ClaimDone       ClaimState = "done"
	ClaimSkipped    ClaimState = "skipped"
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// Validate checks an account at enrollment time.
func (a Account) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.ID, validation.Required),
		validation.Field(&a.CampaignID, validation.Required),
		validation.Field(&a.Phone, validation.Required, validation.Match(e164).Error("must be an E.164 number")),
		validation.Field(&a.Balance, validation.By(func(v interface{}) error {
			if d, ok := v.(decimal.Decimal); ok && d.IsNegative() {
				return errors.New("must not be negative")
			}
			return nil
		})),
	)
}

var (
	ErrNotFound          = errors.New("queue: account not found")
	ErrInvalidArgument   = errors.New("queue: invalid argument")
	ErrCampaignNotActive = errors.New("queue: campaign is not active")
)
