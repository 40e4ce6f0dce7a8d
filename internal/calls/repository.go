package calls

import (
	"context"
	"time"
)

// Update carries callback facts applied alongside a status transition.
type Update struct {
	AnsweredBy      string
	CarrierStatus   string
	ErrorCode       string
	DurationSeconds int
	At              time.Time
}

// Repository persists calls. Transition and SetDisposition are compare-and-set
// operations: they apply only when the guard holds and report whether they did.
type Repository interface {
	Create(ctx context.Context, c Call) error
	Get(ctx context.Context, id string) (Call, error)
	GetByExternalID(ctx context.Context, externalCallID string) (Call, bool, error)

	// Transition moves the call to `to` if its status is one of from, returning
	// the status it moved from.
	Transition(ctx context.Context, id string, from []Status, to Status, u Update) (Status, bool, error)

	// SetDisposition records code if no disposition is set yet.
	SetDisposition(ctx context.Context, id string, code Disposition, note, actor string, at time.Time) (bool, error)
	// ClearDisposition undoes SetDisposition when its audit event could not be written.
	ClearDisposition(ctx context.Context, id string, code Disposition) (bool, error)

	AddCorrection(ctx context.Context, c Correction) error
	ListCorrections(ctx context.Context, callID string) ([]Correction, error)

	// CountAttempts counts calls placed to an account since a point in time.
	CountAttempts(ctx context.Context, accountID string, since time.Time) (int, error)
	// ListStale returns non-terminal calls started before olderThan.
	ListStale(ctx context.Context, olderThan time.Time) ([]Call, error)
}

func applyUpdate(c *Call, to Status, u Update) {
	c.Status = to
	if u.AnsweredBy != "" {
		c.AnsweredBy = u.AnsweredBy
	}
	if u.CarrierStatus != "" {
		c.CarrierStatus = u.CarrierStatus
	}
	if u.ErrorCode != "" {
		c.ErrorCode = u.ErrorCode
	}
	if u.DurationSeconds > 0 {
		c.DurationSeconds = u.DurationSeconds
	}
	at := u.At
	switch to {
	case StatusAnswered, StatusHuman, StatusMachineDetected:
		if c.AnsweredAt == nil {
			c.AnsweredAt = &at
		}
	}
	if to.Terminal() && c.EndedAt == nil {
		c.EndedAt = &at
	}
	c.UpdatedAt = at
}
