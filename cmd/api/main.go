package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/crucial707/hours-reconcile/internal/access"
	"github.com/crucial707/hours-reconcile/internal/audit"
	"github.com/crucial707/hours-reconcile/internal/config"
	"github.com/crucial707/hours-reconcile/internal/db"
	"github.com/crucial707/hours-reconcile/internal/directory"
	"github.com/crucial707/hours-reconcile/internal/escalation"
	"github.com/crucial707/hours-reconcile/internal/handlers"
	"github.com/crucial707/hours-reconcile/internal/ledger"
	"github.com/crucial707/hours-reconcile/internal/lock"
	"github.com/crucial707/hours-reconcile/internal/models"
	"github.com/crucial707/hours-reconcile/internal/notify"
	"github.com/crucial707/hours-reconcile/internal/reconcile"
	"github.com/crucial707/hours-reconcile/internal/repo"
	"github.com/crucial707/hours-reconcile/internal/resolution"
	"github.com/crucial707/hours-reconcile/internal/scheduler"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(newLogHandler(cfg)))

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func newLogHandler(cfg config.Config) slog.Handler {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}

// app holds the wired services.
type app struct {
	store    *repo.Store
	recorder *audit.Recorder
	engine   *reconcile.Engine
	deps     handlers.Deps
}

func newApp(database *sql.DB, cfg config.Config, locker lock.Locker) *app {
	store := repo.NewStore(database)
	recorder := audit.NewRecorder(repo.NewAuditRepo())
	dir := directory.NewSQL(store.Q())
	guard := access.NewGuard(dir, recorder, store.Q())
	engine := reconcile.NewEngine(store, recorder, cfg.DiscrepancyThreshold)

	return &app{
		store:    store,
		recorder: recorder,
		engine:   engine,
		deps: handlers.Deps{
			DB:          database,
			JWTSecret:   []byte(cfg.JWTSecret),
			HSTS:        cfg.TLSCertFile != "" && cfg.TLSKeyFile != "",
			SourceA:     ledger.NewService(models.SourceA, store, guard, dir, recorder),
			SourceB:     ledger.NewService(models.SourceB, store, guard, dir, recorder),
			Conflicts:   resolution.NewService(store, guard, recorder),
			Runs:        reconcile.NewService(engine, store, locker, cfg.LockTTL, guard, recorder),
			Audit:       &handlers.AuditHandler{Guard: guard, Store: store, Repo: repo.NewAuditRepo()},
			TriggerRate: cfg.TriggerRatePerMin,
		},
	}
}

// newRouter builds the HTTP API over database with PostgreSQL advisory locks.
func newRouter(database *sql.DB, cfg config.Config) http.Handler {
	return handlers.NewRouter(newApp(database, cfg, lock.NewAdvisoryLocker(database)).deps)
}

func run(ctx context.Context, cfg config.Config) error {
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	database, err := db.Connect(connectCtx, db.Options{
		Host: cfg.DBHost, Port: cfg.DBPort, Name: cfg.DBName, User: cfg.DBUser, Password: cfg.DBPass,
		MaxOpenConns: cfg.DBMaxOpenConns, MaxIdleConns: cfg.DBMaxIdleConns,
	})
	cancel()
	if err != nil {
		return err
	}
	defer database.Close()
	slog.Info("connected to database", "host", cfg.DBHost, "name", cfg.DBName)

	if err := db.Run(cfg.DatabaseURL()); err != nil {
		return err
	}

	var (
		locker  lock.Locker     = lock.NewAdvisoryLocker(database)
		backend notify.Notifier = notify.LogNotifier{}
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		locker = lock.NewRedisLocker(rdb)
		backend = notify.NewRedisNotifier(rdb, "")
		slog.Info("using redis for job locks and notifications", "addr", cfg.RedisAddr)
	}

	a := newApp(database, cfg, locker)
	queue := notify.NewQueue(backend, cfg.NotifyQueueSize)
	sweeper := escalation.NewSweeper(a.store, a.recorder, queue, cfg.EscalationAge, cfg.EscalationNotifyRoles)

	sched := scheduler.New(locker, scheduler.Options{
		Timeout:    cfg.JobTimeout,
		MaxRetries: cfg.JobMaxRetries,
		LockTTL:    cfg.LockTTL,
	})
	if err := sched.Add(scheduler.ReconcileJob(cfg.ReconcileCron, a.engine)); err != nil {
		return err
	}
	if err := sched.Add(scheduler.EscalationJob(cfg.EscalationCron, sweeper)); err != nil {
		return err
	}
	sched.Start()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(a.deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Manual triggers run synchronously.
		WriteTimeout: cfg.JobTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("starting server", "port", cfg.Port, "tls", a.deps.HSTS)
		if a.deps.HSTS {
			errc <- srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			errc <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		slog.Error("scheduler shutdown", "error", err)
	}
	if err := queue.Close(shutdownCtx); err != nil {
		slog.Error("notification queue shutdown", "error", err)
	}
	return nil
}
