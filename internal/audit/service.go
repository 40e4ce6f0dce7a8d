package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service appends audit events.
//
// State owners call Append right after a successful transition. Append retries
// transient repository failures with bounded backoff; if it still fails the caller
// must compensate (undo its transition) so no state change exists without its event.
type Service struct {
	repo  Repository
	clock func() time.Time

	// MaxElapsed bounds the retry window of a single Append.
	MaxElapsed time.Duration
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now, MaxElapsed: 2 * time.Second}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.CampaignID == "" && e.AccountID == "" && e.CallID == "" {
		return ErrInvalidEvent
	}
	if e.Actor == "" {
		e.Actor = ActorSystem
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = s.MaxElapsed
	return backoff.Retry(func() error {
		return s.repo.Append(ctx, e)
	}, backoff.WithContext(b, ctx))
}

// Meta marshals v for Event.Metadata; marshal failures degrade to an empty object.
func Meta(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
