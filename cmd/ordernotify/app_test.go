package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davicafu/ordernotify/internal/config"
	"github.com/davicafu/ordernotify/internal/notification/application"
	"github.com/davicafu/ordernotify/internal/shared/infra/platform/lock"
	"github.com/davicafu/ordernotify/internal/shared/infra/platform/store"
	"github.com/davicafu/ordernotify/internal/shared/infra/resilience"
)

func TestServiceOptions_FromConfig(t *testing.T) {
	cfg := &config.Config{Outbox: config.OutboxSettings{
		BatchSize:                7,
		MaxRetries:               3,
		MaxAge:                   time.Hour,
		CleanupMaxAge:            30 * time.Minute,
		DeadLetterAlertThreshold: 4,
		IdempotencyTTL:           time.Minute,
	}}

	opts := serviceOptions(cfg)
	assert.Equal(t, 7, opts.BatchSize)
	assert.Equal(t, 3, opts.MaxRetries)
	assert.Equal(t, time.Hour, opts.MaxOutboxAge)
	assert.Equal(t, 30*time.Minute, opts.CleanupMaxAge)
	assert.Equal(t, int64(4), opts.DeadLetterAlertThreshold)
	assert.Equal(t, time.Minute, opts.IdempotencyTTL)
	// Los TTL de los locks no son configurables.
	assert.Equal(t, application.DefaultOptions().DrainLockTTL, opts.DrainLockTTL)
}

func TestJobs_AllRegistered(t *testing.T) {
	mem := store.NewInMemoryStore(0)
	exec := resilience.NewExecutor(resilience.NewCircuitBreaker(3, time.Second, zap.NewNop()), resilience.DefaultRetryOptions(), zap.NewNop())
	a := &app{
		cfg: &config.Config{Scheduler: config.SchedulerSettings{DrainSchedule: "* * * * *"}},
		log: zap.NewNop(),
		kv:  mem,
		svc: application.NewNotificationService(mem, exec, lock.NewLocker(mem, zap.NewNop()), application.DefaultOptions(), zap.NewNop()),
	}

	jobs := a.jobs()
	require.Len(t, jobs, 5)
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name)
		assert.NotNil(t, j.Run)
	}
	assert.ElementsMatch(t, []string{jobOutboxDrain, jobOrderCleanup, jobOutboxMaintenance, jobStatsReport, jobProjectionRebuild}, names)
	assert.Equal(t, "* * * * *", jobs[0].Schedule)
	assert.Empty(t, jobs[1].Schedule)
}

// withUnreachableRedis apunta la config a un puerto sin Redis y a un
// directorio sin ordernotify.yaml.
func withUnreachableRedis(t *testing.T) {
	t.Helper()
	t.Setenv("ORDERNOTIFY_REDIS_ADDR", "127.0.0.1:1")
	t.Setenv("ORDERNOTIFY_LOG_LEVEL", "error")
	prev := configDir
	configDir = t.TempDir()
	t.Cleanup(func() { configDir = prev })
}

func TestNewApp_OneShotCommandsFailWithoutRedis(t *testing.T) {
	withUnreachableRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := newApp(ctx, false)
	require.Error(t, err)
	assert.Nil(t, a)
	assert.Contains(t, err.Error(), "redis unavailable")
}

func TestNewApp_ServeFallsBackToMemory(t *testing.T) {
	withUnreachableRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := newApp(ctx, true)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &store.InMemoryStore{}, a.kv)
	require.NotNil(t, a.scheduler)
	next, err := a.scheduler.Next(jobOutboxMaintenance, time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, time.Date(2025, 3, 15, 3, 0, 0, 0, time.UTC).Equal(next), "got %s", next)
}

func TestNewApp_FallbackDisabledByConfig(t *testing.T) {
	withUnreachableRedis(t)
	t.Setenv("ORDERNOTIFY_REDIS_FALLBACK_IN_MEMORY", "false")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := newApp(ctx, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis unavailable")
}
