package campaigns

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"collections-dialer/internal/audit"
	"collections-dialer/internal/notify"

	"github.com/DATA-DOG/go-sqlmock"
)

type fixedCounts struct{ c Counts }

func (f fixedCounts) CampaignCounts(ctx context.Context, campaignID string) (Counts, error) {
	return f.c, nil
}

func newSvc(seed ...Campaign) (*Service, *MemoryRepo, *audit.MemoryRepo, *notify.Recorder) {
	repo := NewMemoryRepo(seed...)
	arepo := audit.NewMemoryRepo()
	asvc := audit.NewService(arepo)
	asvc.MaxElapsed = 10 * time.Millisecond
	rec := &notify.Recorder{}
	return NewService(repo, fixedCounts{}, asvc, rec), repo, arepo, rec
}

func TestService_Lifecycle(t *testing.T) {
	svc, _, arepo, _ := newSvc(Campaign{ID: "c1", Status: StatusDraft})
	ctx := context.Background()

	c, err := svc.Activate(ctx, "c1", "sup")
	if err != nil || c.Status != StatusActive {
		t.Fatalf("activate: %v %+v", err, c)
	}
	if _, err := svc.Activate(ctx, "c1", "sup"); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition on re-activate, got %v", err)
	}
	c, err = svc.Pause(ctx, "c1", "sup", "lunch")
	if err != nil || c.Status != StatusPaused || c.PauseReason != "lunch" {
		t.Fatalf("pause: %v %+v", err, c)
	}
	c, err = svc.Resume(ctx, "c1", "sup")
	if err != nil || c.Status != StatusActive || c.PauseReason != "" {
		t.Fatalf("resume: %v %+v", err, c)
	}
	if c, err = svc.Complete(ctx, "c1", "sup"); err != nil || c.Status != StatusCompleted {
		t.Fatalf("complete: %v %+v", err, c)
	}
	if _, err := svc.Resume(ctx, "c1", "sup"); err != ErrInvalidTransition {
		t.Fatalf("completed campaign must be final, got %v", err)
	}

	events := arepo.Filter(func(e audit.Event) bool { return e.Type == audit.EventTypeCampaignTransition })
	if len(events) != 4 {
		t.Fatalf("expected 4 transition events, got %d", len(events))
	}
	if events[0].FromState != "draft" || events[0].ToState != "active" || events[0].Actor != "sup" {
		t.Fatalf("unexpected first event %+v", events[0])
	}
}

func TestService_AuditFailureRevertsTransition(t *testing.T) {
	svc, repo, arepo, _ := newSvc(Campaign{ID: "c1", Status: StatusActive})
	arepo.FailNext = 1000

	if _, err := svc.Pause(context.Background(), "c1", "sup", ""); err == nil {
		t.Fatalf("expected error when audit is unavailable")
	}
	c, _ := repo.Get(context.Background(), "c1")
	if c.Status != StatusActive {
		t.Fatalf("expected status reverted to active, got %s", c.Status)
	}
}

func TestService_AutoPauseNotifiesOnce(t *testing.T) {
	svc, repo, _, rec := newSvc(Campaign{ID: "c1", Status: StatusActive})
	ctx := context.Background()

	if err := svc.AutoPause(ctx, "c1", "carrier_failures"); err != nil {
		t.Fatalf("auto pause: %v", err)
	}
	if err := svc.AutoPause(ctx, "c1", "carrier_failures"); err != nil {
		t.Fatalf("second auto pause should be a no-op, got %v", err)
	}
	c, _ := repo.Get(ctx, "c1")
	if c.Status != StatusPaused || c.PauseReason != "carrier_failures" {
		t.Fatalf("unexpected campaign %+v", c)
	}
	if n := rec.Count(notify.KindCampaignAutoPaused); n != 1 {
		t.Fatalf("expected 1 auto-pause notification, got %d", n)
	}
}

func TestService_StatsRecomputedFromCounts(t *testing.T) {
	repo := NewMemoryRepo(Campaign{ID: "c1", Status: StatusActive})
	svc := NewService(repo, fixedCounts{Counts{Total: 10, Done: 4, Skipped: 2, Attempted: 6, Unclaimed: 4}}, nil, nil)

	st, err := svc.Stats(context.Background(), "c1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Attempted != 6 || st.Completed != 4 || st.Skipped != 2 || st.Status != StatusActive {
		t.Fatalf("unexpected stats %+v", st)
	}
	if _, err := svc.Stats(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresRepo_UpdateStatusIsConditional(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(pgxArgs{}))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := regexp.QuoteMeta("UPDATE campaigns")
	mock.ExpectExec(q).
		WithArgs("c1", StatusPaused, "lunch", now, []string{"active"}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).
		WithArgs("c1", StatusPaused, "", now, []string{"active"}).
		WillReturnResult(sqlmock.NewResult(0, 0))

	r := NewPostgresRepo(db)
	ok, err := r.UpdateStatus(context.Background(), "c1", []Status{StatusActive}, StatusPaused, "lunch", now)
	if err != nil || !ok {
		t.Fatalf("expected swap, got %v %v", ok, err)
	}
	ok, err = r.UpdateStatus(context.Background(), "c1", []Status{StatusActive}, StatusPaused, "", now)
	if err != nil || ok {
		t.Fatalf("expected lost race, got %v %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// pgxArgs passes []string through unchanged, as the pgx stdlib driver does
// for text[] parameters.
type pgxArgs struct{}

func (pgxArgs) ConvertValue(v any) (driver.Value, error) {
	if s, ok := v.([]string); ok {
		return s, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}
