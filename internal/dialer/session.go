package dialer

import (
	"errors"
	"time"
)

type State string

const (
	StateIdle      State = "idle"
	StateCountdown State = "countdown"
	StateDialing   State = "dialing"
	StateOnCall    State = "on_call"
	// StateEmpty waits for the agent or a supervisor; it is never retried.
	StateEmpty State = "empty"
	// StateError pauses the session until the agent acts.
	StateError State = "error"
)

// Session is the agent-facing view of the auto-advance loop.
type Session struct {
	AgentSessionID string     `json:"agent_session_id"`
	CampaignID     string     `json:"campaign_id,omitempty"`
	State          State      `json:"state"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	AccountID      string     `json:"account_id,omitempty"`
	CallID         string     `json:"call_id,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrTooManyDenied   = errors.New("too many accounts denied at placement")
)
