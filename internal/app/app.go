// Package app is the composition root shared by the API and worker binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"collections-dialer/internal/audit"
	"collections-dialer/internal/calls"
	"collections-dialer/internal/campaigns"
	"collections-dialer/internal/compliance"
	"collections-dialer/internal/config"
	"collections-dialer/internal/dialer"
	"collections-dialer/internal/jobs"
	"collections-dialer/internal/notify"
	"collections-dialer/internal/queue"
	"collections-dialer/internal/telephony"
	"collections-dialer/pkg/utils"

	"github.com/hibiken/asynq"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

// App holds the wired services. Storage handles are owned by App; call Close.
type App struct {
	Config config.Config

	DB    *sql.DB
	Redis *redis.Client

	Audit     *audit.Service
	Notifier  notify.Publisher
	Campaigns *campaigns.Service
	Accounts  queue.Store
	Calls     calls.Repository
	Carrier   telephony.Carrier

	Selector  *queue.Selector
	Placer    *calls.Placer
	Lifecycle *calls.Lifecycle
	Dialer    *dialer.Controller
}

// New opens Postgres and Redis and wires every service.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}

	a, err := Wire(cfg, db, rdb)
	if err != nil {
		_ = rdb.Close()
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// Wire builds the services on already-open storage handles.
func Wire(cfg config.Config, db *sql.DB, rdb *redis.Client) (*App, error) {
	policies, err := Policies(cfg.Compliance)
	if err != nil {
		return nil, err
	}
	carrier, err := telephony.NewTwilioCarrier(telephony.TwilioConfig{
		BaseURL:        cfg.Carrier.BaseURL,
		AccountSID:     cfg.Carrier.AccountSID,
		AuthToken:      cfg.Carrier.AuthToken,
		Timeout:        cfg.Carrier.RequestTimeout,
		CallsPerSecond: cfg.Carrier.CallsPerSecond,
	})
	if err != nil {
		return nil, fmt.Errorf("carrier: %w", err)
	}

	a := &App{Config: cfg, DB: db, Redis: rdb, Carrier: carrier}
	a.Audit = audit.NewService(audit.NewPostgresRepo(db))
	a.Notifier = notify.NewRedisPublisher(rdb)

	accounts := queue.NewPostgresRepo(db)
	callRepo := calls.NewPostgresRepo(db)
	a.Accounts = accounts
	a.Calls = callRepo
	a.Campaigns = campaigns.NewService(campaigns.NewPostgresRepo(db), accounts, a.Audit, a.Notifier)

	resolver := compliance.Resolver{
		Gate:        compliance.NewGate(policies),
		Source:      queue.ProfileSource{Store: accounts},
		Attempts:    callRepo,
		Suppression: compliance.NewRedisSuppressionList(rdb),
	}

	a.Selector = queue.NewSelector(accounts, a.Campaigns, resolver, a.Audit)
	if cfg.Dialer.BatchSize > 0 {
		a.Selector.BatchSize = cfg.Dialer.BatchSize
	}

	live := calls.NewLiveCalls(rdb, cfg.Dialer.MaxLiveCalls, cfg.Dialer.CallCeiling)
	streak := calls.NewFailureStreak(rdb, cfg.Dialer.AutoPauseAfter, 0)
	a.Placer = calls.NewPlacer(accounts, a.Campaigns, resolver, carrier, callRepo, a.Audit, live, streak, calls.PlacerConfig{
		PublicBaseURL:      cfg.App.PublicBaseURL,
		RingTimeoutSeconds: cfg.Carrier.RingTimeoutSeconds,
	})

	a.Dialer = dialer.NewController(a.Selector, a.Placer, a.Notifier, a.Notifier, cfg.Dialer.AdvanceDelay)
	a.Lifecycle = calls.NewLifecycle(callRepo, accounts, a.Audit, carrier, a.Dialer, live)
	if cfg.Carrier.AgentSIPTemplate != "" {
		a.Lifecycle.AgentSIPTemplate = cfg.Carrier.AgentSIPTemplate
	}
	return a, nil
}

// Policies builds the default compliance policy and the per-jurisdiction
// overrides from config.
func Policies(cfg config.ComplianceConfig) (compliance.Policies, error) {
	p := compliance.DefaultPolicy()
	if cfg.CallWindowStart != "" || cfg.CallWindowEnd != "" {
		w, err := compliance.ParseWindow(cfg.CallWindowStart, cfg.CallWindowEnd)
		if err != nil {
			return compliance.Policies{}, err
		}
		p.Window = w
	}
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.WindowDays > 0 {
		p.Period = time.Duration(cfg.WindowDays) * 24 * time.Hour
	}

	out := compliance.Policies{Default: p}
	if len(cfg.Jurisdictions) > 0 {
		out.Jurisdictions = make(map[string]compliance.Policy, len(cfg.Jurisdictions))
	}
	for code, v := range cfg.Jurisdictions {
		jp, err := compliance.ParsePolicy(v)
		if err != nil {
			return compliance.Policies{}, fmt.Errorf("jurisdiction %s: %w", code, err)
		}
		out.Jurisdictions[strings.ToUpper(strings.TrimSpace(code))] = jp
	}
	return out, nil
}

// Reconciler builds the stale-state reconciler from the same services.
func (a *App) Reconciler() *jobs.Reconciler {
	return jobs.NewReconciler(a.Accounts, a.Calls, a.Lifecycle, a.Audit, a.Notifier, jobs.ReconcileConfig{
		ClaimCeiling:      a.Config.Dialer.ClaimCeiling,
		CallCeiling:       a.Config.Dialer.CallCeiling,
		InProgressCeiling: a.Config.Dialer.InProgressCeiling,
		SkipCooldown:      a.Config.Dialer.SkipCooldown,
	})
}

// RedisConnOpt is the asynq view of the configured Redis.
func (a *App) RedisConnOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: a.Config.RedisAddr()}
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}
