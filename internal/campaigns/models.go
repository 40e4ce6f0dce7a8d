package campaigns

import (
	"errors"
	"time"
)

// Campaign is a named batch of collection work owned by an organization.
//
// Lifecycle: draft -> active -> paused -> completed. Only an active campaign
// hands out new claims; calls already placed finish their remote lifecycle
// regardless of later pauses.
type Campaign struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	Name           string `json:"name" db:"name"`
	Status         Status `json:"status" db:"status"`

	// CallerID is the E.164 number presented to debtors.
	CallerID         string `json:"caller_id" db:"caller_id"`
	RecordCalls      bool   `json:"record_calls" db:"record_calls"`
	MachineDetection bool   `json:"machine_detection" db:"machine_detection"`

	// PauseReason is set when the campaign was paused, e.g. by auto-pause.
	PauseReason string `json:"pause_reason,omitempty" db:"pause_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// predecessors lists the statuses each target may be entered from.
var predecessors = map[Status][]Status{
	StatusActive:    {StatusDraft, StatusPaused},
	StatusPaused:    {StatusActive},
	StatusCompleted: {StatusActive, StatusPaused},
}

// Counts is the per-claim-state breakdown of a campaign's accounts.
type Counts struct {
	Total      int `json:"total"`
	Unclaimed  int `json:"unclaimed"`
	Claimed    int `json:"claimed"`
	InProgress int `json:"in_progress"`
	Done       int `json:"done"`
	Skipped    int `json:"skipped"`

	// Attempted is accounts with at least one placed call.
	Attempted int `json:"attempted"`
}

// Stats are recomputed from account rows on every read, never maintained
// incrementally. Skipped counts accounts the compliance gate held back.
type Stats struct {
	CampaignID string `json:"campaign_id"`
	Status     Status `json:"status"`
	Attempted  int    `json:"attempted"`
	Completed  int    `json:"completed"`
	Skipped    int    `json:"skipped"`
	Counts     Counts `json:"counts"`
}

var (
	ErrNotFound          = errors.New("campaigns: not found")
	ErrInvalidArgument   = errors.New("campaigns: invalid argument")
	ErrInvalidTransition = errors.New("campaigns: invalid status transition")
)
