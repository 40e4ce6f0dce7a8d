// Command worker runs background maintenance for the dialer: the scheduled
// reconciliation sweep and schema migrations.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"collections-dialer/internal/app"
	"collections-dialer/internal/config"
	"collections-dialer/internal/jobs"
	"collections-dialer/internal/metrics"
	"collections-dialer/internal/migrations"
	"collections-dialer/pkg/logger"
	"collections-dialer/pkg/utils"

	"github.com/hibiken/asynq"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		slog.Error("worker failed", "err", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "worker",
		Short:         "collections dialer background worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCommand(), reconcileCommand(), migrateCommand())
	return root
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config load failed: %w", err)
	}
	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)
	return cfg, log, nil
}

// runCommand serves scheduled reconciliation until interrupted.
func runCommand() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "process scheduled reconciliation tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			metrics.Register()

			ctx := cmd.Context()
			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			scheduler, err := jobs.NewScheduler(a.RedisConnOpt(), cfg.Dialer.ReconcileEvery)
			if err != nil {
				return err
			}
			if err := scheduler.Start(); err != nil {
				return fmt.Errorf("scheduler start: %w", err)
			}
			defer scheduler.Shutdown()

			mux := asynq.NewServeMux()
			mux.Use(func(next asynq.Handler) asynq.Handler {
				return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
					return next.ProcessTask(logger.With(ctx, log), t)
				})
			})
			jobs.RegisterHandlers(mux, a.Reconciler())

			srv := jobs.NewServer(a.RedisConnOpt(), concurrency)
			if err := srv.Start(mux); err != nil {
				return fmt.Errorf("task server start: %w", err)
			}
			log.Info("worker started", "schedule", cfg.Dialer.ReconcileEvery, "queue", jobs.QueueName)

			<-ctx.Done()
			log.Info("shutdown initiated")
			srv.Shutdown()
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "task handler concurrency")
	return cmd
}

// reconcileCommand runs one sweep inline and prints the report.
func reconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "run one reconciliation sweep now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := logger.With(cmd.Context(), log)
			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Reconciler().Run(ctx)
			log.Info("reconcile finished",
				"released_claims", rep.ReleasedClaims,
				"failed_calls", rep.FailedCalls,
				"stuck_accounts", rep.StuckAccounts,
				"requeued", rep.Requeued,
			)
			return err
		},
	}
}

func migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply or roll back schema migrations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return migrateWith(cmd.Context(), "up", migrations.Up)
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "roll back migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return migrateWith(cmd.Context(), "down", func(db *sql.DB) (int, error) {
				return migrations.Down(db, steps)
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "migrations to roll back (0 for all)")
	cmd.AddCommand(down)
	return cmd
}

func migrateWith(ctx context.Context, direction string, apply func(*sql.DB) (int, error)) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: 1})
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer db.Close()

	n, err := apply(db)
	if err != nil {
		return err
	}
	log.Info("migrations applied", "direction", direction, "count", n)
	return nil
}
