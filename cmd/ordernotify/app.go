package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/davicafu/ordernotify/internal/config"
	"github.com/davicafu/ordernotify/internal/notification/application"
	"github.com/davicafu/ordernotify/internal/notification/domain"
	ordersPostgres "github.com/davicafu/ordernotify/internal/notification/infra/outbound/db/postgre"
	ordersSQLite "github.com/davicafu/ordernotify/internal/notification/infra/outbound/db/sqlite"
	"github.com/davicafu/ordernotify/internal/shared/infra/platform/lock"
	"github.com/davicafu/ordernotify/internal/shared/infra/platform/store"
	"github.com/davicafu/ordernotify/internal/shared/infra/relayer"
	"github.com/davicafu/ordernotify/internal/shared/infra/resilience"
	"github.com/davicafu/ordernotify/pkg/logger"
)

const (
	jobOutboxDrain       = application.JobOutboxDrain
	jobOrderCleanup      = application.JobOrderCleanup
	jobOutboxMaintenance = application.JobOutboxMaintenance
	jobStatsReport       = application.JobStatsReport
	jobProjectionRebuild = application.JobProjectionRebuild

	memoryCleanupInterval = time.Minute
)

// backend es lo que el proceso necesita del store: clave-valor y pub/sub.
type backend interface {
	store.KeyValueStore
	store.Subscriber
}

// app agrupa las dependencias compartidas por todos los comandos.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	kv        backend
	svc       *application.NotificationService
	scheduler *relayer.Scheduler

	closers []func()
}

// newApp monta las dependencias. allowFallback solo lo activa serve: un comando
// de operador contra un store en memoria vacío daría un estado falso.
func newApp(ctx context.Context, allowFallback bool) (*app, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}

	logger.Init(cfg.LogLevel)
	log := logger.Logger()
	a := &app{cfg: cfg, log: log}

	// ---------------- Store ----------------
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	redisStore := store.NewRedisStore(rdb)
	if err := redisStore.Ping(ctx); err != nil {
		_ = rdb.Close()
		if !allowFallback || !cfg.Redis.FallbackInMemory {
			return nil, fmt.Errorf("redis unavailable: %w", err)
		}
		log.Warn("⚠️ Redis no disponible, store en memoria:", zap.Error(err))
		mem := store.NewInMemoryStore(memoryCleanupInterval)
		a.kv = mem
		a.closers = append(a.closers, mem.Stop)
	} else {
		log.Info("✅ Redis conectado", zap.String("addr", cfg.Redis.Addr))
		a.kv = redisStore
		a.closers = append(a.closers, func() { _ = rdb.Close() })
	}

	// ---------------- Resiliencia ----------------
	breaker := resilience.NewCircuitBreaker(cfg.Breaker.Threshold, cfg.Breaker.Cooldown, log)
	executor := resilience.NewExecutor(breaker, resilience.RetryOptions{
		Attempts:     cfg.Retry.Attempts,
		InitialDelay: cfg.Retry.InitialDelay,
		Factor:       cfg.Retry.Factor,
		MaxDelay:     cfg.Retry.MaxDelay,
		Jitter:       cfg.Retry.Jitter,
	}, log)
	locker := lock.NewLocker(a.kv, log)

	// --------------- Servicio --------------
	var extra []application.ServiceOption
	src, err := a.openOrders(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	if src != nil {
		extra = append(extra, application.WithOrderSource(src))
	}

	a.svc = application.NewNotificationService(a.kv, executor, locker, serviceOptions(cfg), log, extra...)

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("scheduler timezone: %w", err)
	}
	a.scheduler, err = relayer.NewScheduler(log, a.jobs(), relayer.WithLocation(loc))
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// openOrders abre la tabla de pedidos si hay driver configurado.
func (a *app) openOrders(ctx context.Context) (domain.OrderSource, error) {
	cfg := a.cfg.OrdersDB
	if cfg.Driver == "" {
		a.log.Info("ℹ️ Sin tabla de pedidos: la reconstrucción de la proyección queda desactivada")
		return nil, nil
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open orders db: %w", err)
	}
	a.closers = append(a.closers, func() { _ = db.Close() })

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping orders db: %w", err)
	}

	switch cfg.Driver {
	case "sqlite":
		if err := ordersSQLite.InitSQLite(db); err != nil {
			return nil, fmt.Errorf("init orders db: %w", err)
		}
		return ordersSQLite.NewOrdersRepoSQLite(db), nil
	default:
		return ordersPostgres.NewOrdersRepoPostgres(db), nil
	}
}

func serviceOptions(cfg *config.Config) application.Options {
	opts := application.DefaultOptions()
	opts.MaxRetries = cfg.Outbox.MaxRetries
	opts.MaxOutboxAge = cfg.Outbox.MaxAge
	opts.BatchSize = cfg.Outbox.BatchSize
	opts.CleanupMaxAge = cfg.Outbox.CleanupMaxAge
	opts.DeadLetterAlertThreshold = cfg.Outbox.DeadLetterAlertThreshold
	opts.IdempotencyTTL = cfg.Outbox.IdempotencyTTL
	return opts
}

func (a *app) jobs() []relayer.Job {
	sc := a.cfg.Scheduler
	return []relayer.Job{
		{Name: jobOutboxDrain, Schedule: sc.DrainSchedule, Run: a.svc.RunOutboxDrain},
		{Name: jobOrderCleanup, Schedule: sc.CleanupSchedule, Run: a.svc.RunOrderCleanup},
		{Name: jobOutboxMaintenance, Schedule: sc.MaintenanceSchedule, Run: a.svc.RunOutboxMaintenance},
		{Name: jobStatsReport, Schedule: sc.StatsSchedule, Run: a.svc.RunStatsReport},
		{Name: jobProjectionRebuild, Schedule: sc.RebuildSchedule, Run: a.svc.RunProjectionRebuild},
	}
}

// Close libera las conexiones en orden inverso de apertura.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.log.Sync()
}
