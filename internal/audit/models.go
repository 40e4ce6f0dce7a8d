package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - Every compliance decision (allow and deny) and every claim/call status
//   transition produces exactly one event; re-processing a stale or duplicate
//   callback produces none.
//
// Storage (Postgres): table audit_events with an INSERT-only grant.
type Event struct {
	ID             string    `json:"id" db:"id"`
	OrganizationID string    `json:"organization_id,omitempty" db:"organization_id"`
	Type           EventType `json:"type" db:"type"`

	// Actor is the agent session id, or "system" for callbacks and jobs.
	Actor string `json:"actor" db:"actor"`

	CampaignID     string `json:"campaign_id,omitempty" db:"campaign_id"`
	AccountID      string `json:"account_id,omitempty" db:"account_id"`
	CallID         string `json:"call_id,omitempty" db:"call_id"`
	ExternalCallID string `json:"external_call_id,omitempty" db:"external_call_id"`

	// FromState/ToState describe transitions; Outcome/Rule describe decisions.
	FromState string `json:"from_state,omitempty" db:"from_state"`
	ToState   string `json:"to_state,omitempty" db:"to_state"`
	Outcome   string `json:"outcome,omitempty" db:"outcome"`
	Rule      string `json:"rule,omitempty" db:"rule"`

	Message string `json:"message,omitempty" db:"message"`

	// Metadata is JSON: input snapshots, carrier codes, raw callback fields.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeComplianceDecision    EventType = "compliance_decision"
	EventTypeClaimTransition       EventType = "claim_transition"
	EventTypeCallTransition        EventType = "call_transition"
	EventTypePlacementFailed       EventType = "placement_failed"
	EventTypeDisposition           EventType = "disposition"
	EventTypeDispositionCorrection EventType = "disposition_correction"
	EventTypeCampaignTransition    EventType = "campaign_transition"
)

// ActorSystem marks events caused by carrier callbacks or background jobs.
const ActorSystem = "system"
