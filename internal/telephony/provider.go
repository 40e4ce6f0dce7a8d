package telephony

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Carrier defines the provider-agnostic interface used by business logic.
//
// Rules:
// - No provider REST calls outside telephony adapters.
// - Keep request/response types provider-agnostic; raw provider fields go to audit metadata.
type Carrier interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// PlaceCall submits an outbound call. It returns once the carrier has
	// accepted (and assigned an external id to) or rejected the request.
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)

	// EndCall asks the carrier to hang up a live call.
	EndCall(ctx context.Context, externalCallID string) error
}

// PlaceCallRequest is one outbound dial.
type PlaceCallRequest struct {
	// To and From are E.164; From is the campaign caller id.
	To   string `json:"to"`
	From string `json:"from"`

	// Callback URLs carry the internal campaign/account/call ids in their query.
	AnswerURL string `json:"answer_url"`
	StatusURL string `json:"status_url"`
	AMDURL    string `json:"amd_url,omitempty"`

	Record           bool `json:"record"`
	MachineDetection bool `json:"machine_detection"`

	RingTimeoutSeconds int `json:"ring_timeout_seconds,omitempty"`
}

type PlaceCallResult struct {
	ExternalCallID string `json:"external_call_id"`
	CarrierStatus  string `json:"carrier_status"`
}

// CarrierError is a placement rejected by (or never reaching) the carrier.
type CarrierError struct {
	// Code is the carrier error code, or "timeout"/"transport" for local failures.
	Code       string
	HTTPStatus int
	Message    string
}

func (e *CarrierError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("telephony: carrier error %s (http %d): %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("telephony: carrier error %s: %s", e.Code, e.Message)
}

// Signal is a normalized lifecycle notification from the carrier.
type Signal string

const (
	SignalInitiated Signal = "initiated"
	SignalRinging   Signal = "ringing"
	SignalAnswered  Signal = "answered"
	SignalHuman     Signal = "human"
	SignalMachine   Signal = "machine"
	SignalCompleted Signal = "completed"
	SignalBusy      Signal = "busy"
	SignalNoAnswer  Signal = "no_answer"
	SignalFailed    Signal = "failed"
	SignalCanceled  Signal = "canceled"
)

// CallbackKind tells which webhook an event arrived on.
type CallbackKind string

const (
	CallbackStatus CallbackKind = "status"
	CallbackAMD    CallbackKind = "amd"
	CallbackAnswer CallbackKind = "answer"
)

// CallbackEvent is a verified carrier callback, already normalized.
type CallbackEvent struct {
	Kind           CallbackKind `json:"kind"`
	ExternalCallID string       `json:"external_call_id"`

	// Correlation ids echoed back from the callback URL query.
	CallID     string `json:"call_id,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
	AccountID  string `json:"account_id,omitempty"`

	Signal        Signal `json:"signal"`
	CarrierStatus string `json:"carrier_status,omitempty"`
	AnsweredBy    string `json:"answered_by,omitempty"`

	DurationSeconds int    `json:"duration_seconds,omitempty"`
	SequenceNumber  int    `json:"sequence_number,omitempty"`
	ErrorCode       string `json:"error_code,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// Webhook paths, relative to the public base URL.
const (
	PathAnswer = "/webhooks/carrier/answer"
	PathStatus = "/webhooks/carrier/status"
	PathAMD    = "/webhooks/carrier/amd"
)

// CallbackURLs holds the three per-call webhook URLs.
type CallbackURLs struct {
	Answer string
	Status string
	AMD    string
}

// BuildCallbackURLs encodes the internal correlation ids into each webhook URL.
func BuildCallbackURLs(publicBaseURL, campaignID, accountID, callID string) (CallbackURLs, error) {
	base := strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	if base == "" {
		return CallbackURLs{}, fmt.Errorf("telephony: public base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return CallbackURLs{}, fmt.Errorf("telephony: public base url: %w", err)
	}
	q := url.Values{}
	q.Set("campaign_id", campaignID)
	q.Set("account_id", accountID)
	q.Set("call_id", callID)
	enc := "?" + q.Encode()
	return CallbackURLs{
		Answer: base + PathAnswer + enc,
		Status: base + PathStatus + enc,
		AMD:    base + PathAMD + enc,
	}, nil
}
