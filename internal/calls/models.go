package calls

import (
	"errors"
	"time"
)

// Call is one placed telephone call.
//
// Invariants:
// - ExternalCallID is unique and is the join key for every carrier callback.
// - Status only moves forward (see predecessors); once terminal it never changes.
// - Disposition is written once. Corrections are separate Correction rows.
type Call struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	CampaignID     string `json:"campaign_id" db:"campaign_id"`
	AccountID      string `json:"account_id" db:"account_id"`
	AgentSessionID string `json:"agent_session_id" db:"agent_session_id"`
	ExternalCallID string `json:"external_call_id" db:"external_call_id"`

	To   string `json:"to" db:"to_number"`
	From string `json:"from" db:"from_number"`

	Status Status `json:"status" db:"status"`

	// AnsweredBy is "human" or "machine" once detection has decided.
	AnsweredBy    string `json:"answered_by,omitempty" db:"answered_by"`
	CarrierStatus string `json:"carrier_status,omitempty" db:"carrier_status"`
	ErrorCode     string `json:"error_code,omitempty" db:"error_code"`

	// DurationSeconds is reported by the carrier on hangup.
	DurationSeconds int `json:"duration" db:"duration_seconds"`

	Disposition     Disposition `json:"disposition,omitempty" db:"disposition"`
	DispositionNote string      `json:"disposition_note,omitempty" db:"disposition_note"`
	DisposedBy      string      `json:"disposed_by,omitempty" db:"disposed_by"`
	DisposedAt      *time.Time  `json:"disposed_at,omitempty" db:"disposed_at"`

	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusInitiated       Status = "initiated"
	StatusRinging         Status = "ringing"
	StatusAnswered        Status = "answered"
	StatusHuman           Status = "human"
	StatusMachineDetected Status = "machine_detected"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusNoAnswer        Status = "no_answer"
)

const (
	AnsweredByHuman   = "human"
	AnsweredByMachine = "machine"
)

// predecessors lists, for each target status, the statuses a callback may move
// it from. machine_detected -> completed is deliberately absent: only the
// voicemail finisher takes that edge so the follow-up runs once.
var predecessors = map[Status][]Status{
	StatusRinging:         {StatusInitiated},
	StatusAnswered:        {StatusInitiated, StatusRinging},
	StatusHuman:           {StatusInitiated, StatusRinging, StatusAnswered},
	StatusMachineDetected: {StatusInitiated, StatusRinging, StatusAnswered},
	StatusCompleted:       {StatusInitiated, StatusRinging, StatusAnswered, StatusHuman},
	StatusFailed:          {StatusInitiated, StatusRinging},
	StatusNoAnswer:        {StatusInitiated, StatusRinging},
}

// nonTerminal is every status a call can still leave.
var nonTerminal = []Status{StatusInitiated, StatusRinging, StatusAnswered, StatusHuman, StatusMachineDetected}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNoAnswer:
		return true
	default:
		return false
	}
}

// CanMove reports whether a callback may move a call from s to to.
func (s Status) CanMove(to Status) bool {
	for _, p := range predecessors[to] {
		if p == s {
			return true
		}
	}
	return false
}

// Disposition is the outcome code recorded for a call.
type Disposition string

const (
	DispositionVoicemail         Disposition = "voicemail"
	DispositionPromiseToPay      Disposition = "promise_to_pay"
	DispositionPaymentMade       Disposition = "payment_made"
	DispositionRefusedToPay      Disposition = "refused_to_pay"
	DispositionDispute           Disposition = "dispute"
	DispositionWrongNumber       Disposition = "wrong_number"
	DispositionCallbackRequested Disposition = "callback_requested"
	DispositionNoAnswer          Disposition = "no_answer"
	DispositionBusy              Disposition = "busy"
	DispositionDoNotCall         Disposition = "do_not_call"
)

var dispositions = []interface{}{
	DispositionVoicemail,
	DispositionPromiseToPay,
	DispositionPaymentMade,
	DispositionRefusedToPay,
	DispositionDispute,
	DispositionWrongNumber,
	DispositionCallbackRequested,
	DispositionNoAnswer,
	DispositionBusy,
	DispositionDoNotCall,
}

// Retryable dispositions return the account to the queue instead of finishing it.
func (d Disposition) Retryable() bool {
	switch d {
	case DispositionNoAnswer, DispositionBusy, DispositionCallbackRequested:
		return true
	default:
		return false
	}
}

// Correction amends a recorded disposition without editing the call.
type Correction struct {
	ID           string      `json:"id" db:"id"`
	CallID       string      `json:"call_id" db:"call_id"`
	PreviousCode Disposition `json:"previous_code" db:"previous_code"`
	Code         Disposition `json:"code" db:"code"`
	Reason       string      `json:"reason" db:"reason"`
	Actor        string      `json:"actor" db:"actor"`
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
}

// Placement is a call the carrier accepted.
type Placement struct {
	CallID         string `json:"call_id"`
	ExternalCallID string `json:"external_call_id"`
	AccountID      string `json:"account_id"`
	CampaignID     string `json:"campaign_id"`
}

var (
	ErrNotFound           = errors.New("calls: not found")
	ErrInvalidArgument    = errors.New("calls: invalid argument")
	ErrNotClaimed         = errors.New("calls: account is not claimed by this session")
	ErrNotOwner           = errors.New("calls: call belongs to another session")
	ErrCallNotTerminal    = errors.New("calls: call has not ended")
	ErrDispositionSet     = errors.New("calls: disposition already recorded")
	ErrNoDisposition      = errors.New("calls: no disposition to correct")
	ErrComplianceDenied   = errors.New("calls: compliance gate denied placement")
	ErrLiveCallCapReached = errors.New("calls: campaign live call cap reached")
	ErrClaimLost          = errors.New("calls: claim released while the call was being placed")
)

// PlacementError is a carrier-side placement failure. The claim has already
// been released when it is returned.
type PlacementError struct {
	AccountID string
	Code      string
	Err       error
}

func (e *PlacementError) Error() string {
	return "calls: placement failed for account " + e.AccountID + " (" + e.Code + "): " + e.Err.Error()
}

func (e *PlacementError) Unwrap() error { return e.Err }
